package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/narrato/narrato-agent/internal/logging"
)

const (
	maxStderrBytes = 8 * 1024 // 8 KB tail of stderr kept for diagnostics
	versionTimeout = 10 * time.Second
)

// ErrEngineUnavailable wraps every initialisation failure.
var ErrEngineUnavailable = errors.New("media engine unavailable")

// Config holds the engine's configuration.
type Config struct {
	FFmpegPath  string // empty = look up "ffmpeg" on PATH
	FFprobePath string // empty = look up "ffprobe" on PATH
	Logger      *slog.Logger
}

// Engine is the single owner of the ffmpeg/ffprobe binaries. It is created
// cheaply and initialised on first use; concurrent first uses share one
// initialisation.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	init  singleflight.Group
	ready atomic.Bool

	mu      sync.RWMutex
	ffmpeg  string
	ffprobe string
	version string

	lookPath     func(file string) (string, error)
	versionCheck func(ctx context.Context, bin string) (string, error)
}

// NewEngine creates an uninitialised engine.
func NewEngine(cfg Config) *Engine {
	logger := logging.WithComponent(logging.OrDiscard(cfg.Logger), "media")
	return &Engine{
		cfg:          cfg,
		logger:       logger,
		lookPath:     exec.LookPath,
		versionCheck: runVersion,
	}
}

// EnsureReady resolves and verifies both binaries once. Callers racing on the
// first call wait for the same attempt. A failed attempt is not remembered.
func (e *Engine) EnsureReady(ctx context.Context) error {
	if e.ready.Load() {
		return nil
	}
	_, err, _ := e.init.Do("init", func() (interface{}, error) {
		if e.ready.Load() {
			return nil, nil
		}
		return nil, e.initialise(ctx)
	})
	return err
}

// Ready reports whether initialisation has completed.
func (e *Engine) Ready() bool {
	return e.ready.Load()
}

// Version returns the first line of `ffmpeg -version` once ready.
func (e *Engine) Version() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.version
}

func (e *Engine) initialise(ctx context.Context) error {
	start := time.Now()

	ffmpeg, err := e.resolve(e.cfg.FFmpegPath, "ffmpeg")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	ffprobe, err := e.resolve(e.cfg.FFprobePath, "ffprobe")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}

	version, err := e.versionCheck(ctx, ffmpeg)
	if err != nil {
		return fmt.Errorf("%w: %s not callable: %v", ErrEngineUnavailable, ffmpeg, err)
	}
	if _, err := e.versionCheck(ctx, ffprobe); err != nil {
		return fmt.Errorf("%w: %s not callable: %v", ErrEngineUnavailable, ffprobe, err)
	}

	e.mu.Lock()
	e.ffmpeg = ffmpeg
	e.ffprobe = ffprobe
	e.version = version
	e.mu.Unlock()
	e.ready.Store(true)

	e.logger.Info("media engine initialised",
		"ffmpeg", logging.SanitizePath(ffmpeg),
		"ffprobe", logging.SanitizePath(ffprobe),
		"version", version,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (e *Engine) resolve(preferred, name string) (string, error) {
	if preferred != "" {
		if p, err := e.lookPath(preferred); err == nil {
			return p, nil
		}
		return "", fmt.Errorf("configured %s %q not found", name, preferred)
	}
	p, err := e.lookPath(name)
	if err != nil {
		return "", fmt.Errorf("no %s binary found on PATH", name)
	}
	return p, nil
}

func (e *Engine) binaries() (string, string) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ffmpeg, e.ffprobe
}

// Probe reads container and stream metadata.
func (e *Engine) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	if err := e.EnsureReady(ctx); err != nil {
		return nil, err
	}
	_, ffprobe := e.binaries()

	cmd := exec.CommandContext(ctx, ffprobe,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &limitedWriter{w: &stderr, limit: maxStderrBytes}
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe failed: %w: %s", err, truncate(stderr.String(), 512))
	}
	return parseProbe(out)
}

// Exec runs ffmpeg with args. A non-zero exit is returned as *ExecError.
func (e *Engine) Exec(ctx context.Context, args ...string) (RunResult, error) {
	if err := e.EnsureReady(ctx); err != nil {
		return RunResult{ExitCode: -1}, err
	}
	ffmpeg, _ := e.binaries()
	start := time.Now()

	cmdArgs := append([]string{"-hide_banner", "-nostdin"}, args...)
	cmd := exec.CommandContext(ctx, ffmpeg, cmdArgs...)

	var stderrBuf bytes.Buffer
	cmd.Stderr = &limitedWriter{w: &stderrBuf, limit: maxStderrBytes}
	cmd.Stdout = io.Discard

	e.logger.Info("executing ffmpeg command", "args", cmdArgs)

	err := cmd.Run()
	result := RunResult{StderrTail: stderrBuf.String(), Duration: time.Since(start)}
	if err == nil {
		e.logger.Info("ffmpeg command succeeded", "duration_ms", result.Duration.Milliseconds())
		return result, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
	} else {
		result.ExitCode = -1
	}
	if result.ExitCode == -1 && ctx.Err() == nil {
		return result, fmt.Errorf("failed to run ffmpeg: %w", err)
	}

	kind := Classify(result.StderrTail)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		kind = KindTimeout
	}
	e.logger.Warn("ffmpeg command failed",
		"exit_code", result.ExitCode,
		"kind", kind.String(),
		"duration_ms", result.Duration.Milliseconds(),
		"stderr_tail", truncate(result.StderrTail, 512),
	)
	return result, &ExecError{Kind: kind, ExitCode: result.ExitCode, StderrTail: result.StderrTail}
}

// GrabFrame decodes the single frame presented at t seconds. Input seeking
// with a decode is frame accurate: the returned picture is the one shown once
// the decoder reaches t.
func (e *Engine) GrabFrame(ctx context.Context, path string, t float64) (image.Image, error) {
	if err := e.EnsureReady(ctx); err != nil {
		return nil, err
	}
	ffmpeg, _ := e.binaries()

	cmd := exec.CommandContext(ctx, ffmpeg,
		"-hide_banner", "-nostdin",
		"-loglevel", "error",
		"-ss", FormatSeconds(t),
		"-i", path,
		"-frames:v", "1",
		"-f", "image2pipe",
		"-c:v", "png",
		"pipe:1",
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &limitedWriter{w: &stderr, limit: maxStderrBytes}
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("frame grab at %ss failed: %w: %s", FormatSeconds(t), err, truncate(stderr.String(), 512))
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("no frame decoded at %ss", FormatSeconds(t))
	}
	img, err := png.Decode(&stdout)
	if err != nil {
		return nil, fmt.Errorf("decode frame at %ss: %w", FormatSeconds(t), err)
	}
	return img, nil
}

// DecodeAudio streams the first audio stream of in, starting at offset
// seconds, as interleaved float32 PCM (SampleRate, Channels). Closing the
// stream terminates the decoder.
func (e *Engine) DecodeAudio(ctx context.Context, in Input, offset float64) (io.ReadCloser, error) {
	if err := e.EnsureReady(ctx); err != nil {
		return nil, err
	}
	ffmpeg, _ := e.binaries()

	ctx, cancel := context.WithCancel(ctx)
	args := []string{"-hide_banner", "-loglevel", "error"}
	if offset > 0 {
		args = append(args, "-ss", FormatSeconds(offset))
	}
	args = append(args,
		"-i", in.arg(),
		"-vn",
		"-f", "f32le",
		"-ac", strconv.Itoa(Channels),
		"-ar", strconv.Itoa(SampleRate),
		"pipe:1",
	)
	cmd := exec.CommandContext(ctx, ffmpeg, args...)
	if in.Data != nil {
		cmd.Stdin = bytes.NewReader(in.Data)
	}
	cmd.Stderr = &limitedWriter{w: &bytes.Buffer{}, limit: maxStderrBytes}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("decoder pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start decoder: %w", err)
	}
	return &pcmStream{ReadCloser: stdout, cmd: cmd, cancel: cancel}, nil
}

type pcmStream struct {
	io.ReadCloser
	cmd    *exec.Cmd
	cancel context.CancelFunc
	once   sync.Once
}

func (s *pcmStream) Close() error {
	s.once.Do(func() {
		s.cancel()
		_ = s.ReadCloser.Close()
		_ = s.cmd.Wait()
	})
	return nil
}

// Classify maps ffmpeg diagnostics to an ErrorKind. This is the only place
// that inspects ffmpeg's message text.
func Classify(stderr string) ErrorKind {
	lower := strings.ToLower(stderr)
	noMatch := strings.Contains(lower, "matches no streams") ||
		strings.Contains(lower, "did not match any streams")
	if noMatch && (strings.Contains(lower, "0:a") || strings.Contains(lower, "':a'")) {
		return KindNoAudioStream
	}
	if strings.Contains(lower, "invalid data found when processing input") ||
		strings.Contains(lower, "no such file or directory") {
		return KindInvalidInput
	}
	return KindUnknown
}

type ffprobeOutput struct {
	Streams []struct {
		CodecType    string `json:"codec_type"`
		CodecName    string `json:"codec_name"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		Duration     string `json:"duration"`
		SampleRate   string `json:"sample_rate"`
		Channels     int    `json:"channels"`
		AvgFrameRate string `json:"avg_frame_rate"`
	} `json:"streams"`
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
	} `json:"format"`
}

func parseProbe(data []byte) (*ProbeResult, error) {
	var out ffprobeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("cannot parse ffprobe JSON: %w", err)
	}

	res := &ProbeResult{FormatName: out.Format.FormatName}
	res.Duration, _ = strconv.ParseFloat(out.Format.Duration, 64)

	for _, s := range out.Streams {
		if d, err := strconv.ParseFloat(s.Duration, 64); err == nil && d > res.Duration && out.Format.Duration == "" {
			res.Duration = d
		}
		switch s.CodecType {
		case "video":
			if res.HasVideo {
				continue
			}
			res.HasVideo = true
			res.Codec = s.CodecName
			res.Width = s.Width
			res.Height = s.Height
			res.FrameRate = parseRate(s.AvgFrameRate)
		case "audio":
			if res.HasAudio {
				continue
			}
			res.HasAudio = true
			res.AudioCodec = s.CodecName
			res.AudioSample, _ = strconv.Atoi(s.SampleRate)
			res.Channels = s.Channels
		}
	}
	return res, nil
}

func parseRate(r string) float64 {
	num, den, ok := strings.Cut(r, "/")
	if !ok {
		f, _ := strconv.ParseFloat(r, 64)
		return f
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return n / d
}

// FormatSeconds renders seconds the way ffmpeg time options expect them.
func FormatSeconds(f float64) string {
	return strconv.FormatFloat(f, 'f', 3, 64)
}

func runVersion(ctx context.Context, bin string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, versionTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, bin, "-version").Output()
	if err != nil {
		return "", err
	}
	line, _, _ := strings.Cut(string(out), "\n")
	return strings.TrimSpace(line), nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen:]
}

// limitedWriter is an io.Writer that keeps only the last `limit` bytes.
type limitedWriter struct {
	w     *bytes.Buffer
	limit int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	lw.w.Write(p)
	if lw.w.Len() > lw.limit {
		// Keep only the tail
		b := lw.w.Bytes()
		tail := append([]byte(nil), b[len(b)-lw.limit:]...)
		lw.w.Reset()
		lw.w.Write(tail)
	}
	return n, nil
}
