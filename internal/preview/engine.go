package preview

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/narrato/narrato-agent/internal/logging"
	"github.com/narrato/narrato-agent/internal/media"
)

var (
	// ErrNotMixing is returned by Stream when the current media is not mixed
	// by the engine (no narration yet, or a merged output exists).
	ErrNotMixing = errors.New("preview is not mixing")
	// ErrNoMedia is returned by transport calls before a source is loaded.
	ErrNoMedia = errors.New("no media loaded")
)

// Mode says who renders the audio the user hears.
type Mode int

const (
	// ModeSource plays the source video with its native audio, unmuted.
	ModeSource Mode = iota
	// ModeMix mutes the player and renders source audio plus narration here.
	ModeMix
	// ModeMerged addresses the merged container directly; no graph.
	ModeMerged
)

func (m Mode) String() string {
	switch m {
	case ModeMix:
		return "mix"
	case ModeMerged:
		return "merged"
	default:
		return "source"
	}
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// Target names the container the player addresses.
type Target string

const (
	TargetSource Target = "source"
	TargetMerged Target = "merged"
)

// Surface is the visible player. The engine issues transport commands to it.
type Surface interface {
	Load(target Target)
	Seek(t float64)
	Play()
	Pause()
	SetMuted(muted bool)
}

// Decoder streams interleaved float32 PCM from a position.
type Decoder interface {
	DecodeAudio(ctx context.Context, in media.Input, offset float64) (io.ReadCloser, error)
}

// Inputs is what the engine can play. It is replaced wholesale whenever the
// session's source, narration or merged output changes.
type Inputs struct {
	SourcePath        string
	SourceDuration    float64
	SourceHasAudio    bool
	Narration         []byte
	NarrationDuration float64
	Merged            bool
	MergedDuration    float64
}

// State is a snapshot of the transport.
type State struct {
	Mode     Mode    `json:"mode"`
	Target   Target  `json:"target"`
	Time     float64 `json:"time"`
	Duration float64 `json:"duration"`
	Playing  bool    `json:"playing"`
	Muted    bool    `json:"muted"`
}

// Config configures an Engine.
type Config struct {
	Decoder  Decoder
	Surface  Surface
	Settings MixSettings
	// Lead bounds how far the rendered stream may run ahead of wall time.
	// Zero renders as fast as the destination accepts.
	Lead   time.Duration
	Logger *slog.Logger
}

// Engine is the live mix preview.
type Engine struct {
	decoder Decoder
	surface Surface
	lead    time.Duration
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}

	mu           sync.Mutex
	in           Inputs
	gains        MixSettings
	graph        *graph
	builds       int
	playing      bool
	muted        bool
	position     float64
	epoch        uint64
	streamCancel context.CancelFunc
}

// NewEngine creates an engine with nothing loaded. The mixing graph is not
// built until the first mixed Seek, Play or Stream.
func NewEngine(cfg Config) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		decoder: cfg.Decoder,
		surface: cfg.Surface,
		lead:    cfg.Lead,
		logger:  logging.WithComponent(logging.OrDiscard(cfg.Logger), "preview"),
		ctx:     ctx,
		cancel:  cancel,
		wake:    make(chan struct{}, 1),
		gains:   cfg.Settings.Clamp(),
	}
}

// SetInputs stops playback, rewinds and re-targets the player. An existing
// graph is kept for reuse.
func (e *Engine) SetInputs(in Inputs) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stopLocked()
	e.in = in
	e.position = 0
	e.epoch++

	mode := e.modeLocked()
	if mode == ModeMerged {
		e.surface.Load(TargetMerged)
	} else {
		e.surface.Load(TargetSource)
	}
	e.setMutedLocked(false)
	e.signal()

	e.logger.Info("preview inputs changed",
		"mode", mode.String(),
		"source_has_audio", in.SourceHasAudio,
		"narration_bytes", len(in.Narration),
	)
}

// SetGains applies new gains to the existing routes.
func (e *Engine) SetGains(s MixSettings) {
	s = s.Clamp()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gains = s
	if e.graph != nil {
		e.graph.setGains(s)
	}
}

// Gains returns the gains the routes currently apply.
func (e *Engine) Gains() MixSettings {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gains
}

// Mode returns the current playback mode.
func (e *Engine) Mode() Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.modeLocked()
}

// Builds returns how many times the mixing graph has been constructed.
func (e *Engine) Builds() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.builds
}

// State returns a transport snapshot.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	mode := e.modeLocked()
	target := TargetSource
	if mode == ModeMerged {
		target = TargetMerged
	}
	return State{
		Mode:     mode,
		Target:   target,
		Time:     e.position,
		Duration: e.durationLocked(),
		Playing:  e.playing,
		Muted:    e.muted,
	}
}

// Seek moves the player and, when mixing, both decoders to t (clamped to the
// active duration) and starts playback of both together. The narration
// position is t clamped to the narration's own duration.
func (e *Engine) Seek(t float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	d := e.durationLocked()
	if d <= 0 {
		return ErrNoMedia
	}
	t = clamp(t, d)

	if e.modeLocked() == ModeMix {
		if err := e.startRoutesLocked(t); err != nil {
			return err
		}
	}
	e.position = t
	e.epoch++
	e.startLocked(true)
	return nil
}

// Play resumes from the current position. Finished media restarts at 0.
func (e *Engine) Play() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	d := e.durationLocked()
	if d <= 0 {
		return ErrNoMedia
	}
	seek := false
	if e.position >= d {
		e.position = 0
		e.epoch++
		seek = true
	}
	if e.modeLocked() == ModeMix {
		g := e.ensureGraphLocked()
		if seek || !g.active() {
			if err := e.startRoutesLocked(e.position); err != nil {
				return err
			}
			seek = true
		}
	}
	e.startLocked(seek)
	return nil
}

// Pause stops playback and unmutes the player.
func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.playing = false
	e.surface.Pause()
	if e.modeLocked() != ModeMerged {
		e.setMutedLocked(false)
	}
}

// Report records the player's own position during natural playback.
func (e *Engine) Report(t float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.position = clamp(t, e.durationLocked())
}

// Stream writes the mixed signal to w as a streaming 16-bit PCM WAV until ctx
// is done, the mode stops mixing, or a newer Stream call takes over.
func (e *Engine) Stream(ctx context.Context, w io.Writer) error {
	e.mu.Lock()
	if e.modeLocked() != ModeMix {
		e.mu.Unlock()
		return ErrNotMixing
	}
	g := e.ensureGraphLocked()
	if e.streamCancel != nil {
		e.streamCancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	e.streamCancel = cancel
	e.mu.Unlock()
	defer cancel()

	if err := writeWAVHeader(w); err != nil {
		return fmt.Errorf("write wav header: %w", err)
	}

	silence := make([]float32, blockFrames*media.Channels)
	var (
		out        []byte
		paceEpoch  uint64
		paceStart  time.Time
		paceFrames int
		resumed    = true
	)
	for {
		if ctx.Err() != nil {
			return nil
		}
		e.mu.Lock()
		playing, epoch, mode := e.playing, e.epoch, e.modeLocked()
		e.mu.Unlock()

		if mode != ModeMix {
			return nil
		}
		if !playing {
			select {
			case <-e.wake:
			case <-ctx.Done():
				return nil
			}
			resumed = true
			continue
		}

		samples := g.mix()
		if samples == nil {
			samples = silence
		}
		out = encodeS16(out, samples)
		if _, err := w.Write(out); err != nil {
			return fmt.Errorf("write preview stream: %w", err)
		}
		if f, ok := w.(interface{ Flush() }); ok {
			f.Flush()
		}

		frames := len(samples) / media.Channels
		if e.advance(epoch, frames) {
			e.finish(epoch)
		}

		if e.lead > 0 {
			if resumed || epoch != paceEpoch {
				paceEpoch, paceStart, paceFrames, resumed = epoch, time.Now(), 0, false
			}
			paceFrames += frames
			ahead := time.Duration(float64(paceFrames)/media.SampleRate*float64(time.Second)) - time.Since(paceStart)
			if ahead > e.lead {
				select {
				case <-time.After(ahead - e.lead):
				case <-ctx.Done():
					return nil
				}
			}
		}
	}
}

// Close stops playback and terminates all decoders.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopLocked()
	if e.streamCancel != nil {
		e.streamCancel()
	}
	e.cancel()
}

func (e *Engine) modeLocked() Mode {
	switch {
	case e.in.Merged:
		return ModeMerged
	case len(e.in.Narration) > 0:
		return ModeMix
	default:
		return ModeSource
	}
}

func (e *Engine) durationLocked() float64 {
	if !e.in.Merged {
		return e.in.SourceDuration
	}
	if e.in.MergedDuration > 0 {
		return e.in.MergedDuration
	}
	// Unprobed merge: the mix runs to the longer of its inputs.
	return math.Max(e.in.SourceDuration, e.in.NarrationDuration)
}

func (e *Engine) ensureGraphLocked() *graph {
	if e.graph == nil {
		e.graph = newGraph(e.gains)
		e.builds++
		e.logger.Info("mixing graph built",
			"video_gain", e.gains.VideoGain,
			"narration_gain", e.gains.NarrationGain,
		)
	}
	return e.graph
}

// startRoutesLocked restarts both decoders at t. Without source audio the
// video route stays silent.
func (e *Engine) startRoutesLocked(t float64) error {
	g := e.ensureGraphLocked()

	var video io.ReadCloser
	if e.in.SourceHasAudio {
		var err error
		video, err = e.decoder.DecodeAudio(e.ctx, media.Input{Path: e.in.SourcePath}, t)
		if err != nil {
			return fmt.Errorf("start source audio: %w", err)
		}
	}

	var narration io.ReadCloser
	offset := t
	if nd := e.in.NarrationDuration; nd > 0 && offset > nd {
		offset = nd
	}
	if nd := e.in.NarrationDuration; nd <= 0 || offset < nd {
		var err error
		narration, err = e.decoder.DecodeAudio(e.ctx, media.Input{Data: e.in.Narration}, offset)
		if err != nil {
			if video != nil {
				video.Close()
			}
			return fmt.Errorf("start narration audio: %w", err)
		}
	}

	g.attach(video, narration)
	return nil
}

// startLocked starts the player, muted when the engine renders the audio.
func (e *Engine) startLocked(seek bool) {
	mode := e.modeLocked()
	e.setMutedLocked(mode == ModeMix)
	if seek {
		e.surface.Seek(e.position)
	}
	e.surface.Play()
	e.playing = true
	e.signal()
}

func (e *Engine) stopLocked() {
	e.playing = false
	if e.graph != nil {
		e.graph.detach()
	}
}

func (e *Engine) setMutedLocked(muted bool) {
	e.muted = muted
	e.surface.SetMuted(muted)
}

// advance moves the position by rendered frames and reports whether the
// active duration has been reached. Blocks from a superseded position are
// ignored.
func (e *Engine) advance(epoch uint64, frames int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if epoch != e.epoch || !e.playing {
		return false
	}
	d := e.durationLocked()
	e.position += float64(frames) / media.SampleRate
	if e.position >= d {
		e.position = d
		return true
	}
	return false
}

func (e *Engine) finish(epoch uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if epoch != e.epoch {
		return
	}
	e.stopLocked()
	e.setMutedLocked(false)
	e.logger.Info("preview reached end", "time", e.position)
}

func (e *Engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func clamp(t, d float64) float64 {
	if t < 0 || t != t {
		return 0
	}
	if t > d {
		return d
	}
	return t
}
