// Package media wraps the locally installed ffmpeg/ffprobe pair: a lazily
// initialised engine that probes, decodes, grabs frames and executes mux
// commands, with structured classification of command failures.
package media

import (
	"fmt"
	"time"
)

// PCM layout produced by DecodeAudio: interleaved float32 little-endian.
const (
	SampleRate     = 48000
	Channels       = 2
	BytesPerSample = 4
)

// ProbeResult is the subset of ffprobe output the agent relies on.
type ProbeResult struct {
	Duration    float64
	Width       int
	Height      int
	Codec       string
	FrameRate   float64
	AudioCodec  string
	AudioSample int
	Channels    int
	FormatName  string
	HasVideo    bool
	HasAudio    bool
}

// Input addresses media by path or by in-memory bytes (piped on stdin).
type Input struct {
	Path string
	Data []byte
}

func (in Input) arg() string {
	if in.Data != nil {
		return "pipe:0"
	}
	return in.Path
}

// RunResult is the structured outcome of an ffmpeg invocation.
type RunResult struct {
	ExitCode   int           `json:"exit_code"`
	StderrTail string        `json:"stderr_tail,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// IsSuccess returns true when the subprocess exited cleanly.
func (r RunResult) IsSuccess() bool { return r.ExitCode == 0 }

// ErrorKind classifies why an ffmpeg command failed.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// KindNoAudioStream: an audio stream specifier matched nothing in the input.
	KindNoAudioStream
	// KindInvalidInput: the input could not be opened or demuxed.
	KindInvalidInput
	// KindTimeout: the command was killed by its context deadline.
	KindTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case KindNoAudioStream:
		return "no_audio_stream"
	case KindInvalidInput:
		return "invalid_input"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// ExecError is returned by Exec when ffmpeg exits non-zero.
type ExecError struct {
	Kind       ErrorKind
	ExitCode   int
	StderrTail string
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("ffmpeg exited %d (%s): %s", e.ExitCode, e.Kind, truncate(e.StderrTail, 512))
}
