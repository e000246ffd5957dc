// Package session owns the in-memory state of one narration session and runs
// its long operations as jobs.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/narrato/narrato-agent/internal/export"
	"github.com/narrato/narrato-agent/internal/frames"
	"github.com/narrato/narrato-agent/internal/logging"
	"github.com/narrato/narrato-agent/internal/media"
	"github.com/narrato/narrato-agent/internal/merge"
	"github.com/narrato/narrato-agent/internal/narration"
	"github.com/narrato/narrato-agent/internal/preview"
	"github.com/narrato/narrato-agent/internal/timeline"
)

const (
	configKeyInstructions = "instructions"
	narrationMIME         = "audio/mpeg"
	defaultMaxUpload      = 2 << 30
)

// Prober inspects media files.
type Prober interface {
	Probe(ctx context.Context, path string) (*media.ProbeResult, error)
	Ready() bool
}

// FrameSampler extracts the frame set of a video.
type FrameSampler interface {
	Sample(ctx context.Context, req frames.Request, progress frames.ProgressFunc) ([]frames.Frame, error)
	Count() int
}

// Merger produces the merged container.
type Merger interface {
	Run(ctx context.Context, req merge.Request) (*merge.Result, error)
}

// Player is the live preview.
type Player interface {
	SetInputs(in preview.Inputs)
	SetGains(s preview.MixSettings)
	Seek(t float64) error
	Play() error
	Pause()
	Report(t float64)
	State() preview.State
}

type Config struct {
	Repo     Repository
	Jobs     *Jobs
	Prober   Prober
	Sampler  FrameSampler
	Text     narration.TextGenerator
	Speech   narration.SpeechGenerator
	Template *narration.Template
	Merger   Merger
	Player   Player
	// Dir holds the uploaded source and probe scratch files.
	Dir            string
	MaxUploadBytes int64
	TTSModel       string
	TTSVoice       string
	Logger         *slog.Logger
}

// UploadRequest is a user-selected video.
type UploadRequest struct {
	Name string
	Body io.Reader
}

// Media is a playable container opened for serving.
type Media struct {
	Name    string
	ModTime time.Time
	Content io.ReadSeeker
	closer  io.Closer
}

func (m *Media) Close() error {
	if m.closer != nil {
		return m.closer.Close()
	}
	return nil
}

type Service struct {
	repo      Repository
	jobs      *Jobs
	prober    Prober
	sampler   FrameSampler
	textGen   narration.TextGenerator
	speechGen narration.SpeechGenerator
	template  *narration.Template
	merger    Merger
	player    Player
	dir       string
	maxUpload int64
	ttsModel  string
	ttsVoice  string
	logger    *slog.Logger

	mu          sync.Mutex
	gen         uint64
	source      *SourceVideo
	frameSet    FrameSet
	frameCancel context.CancelFunc
	text        *NarrationText
	audio       *NarrationAudio
	mix         preview.MixSettings
	merged      *MergedOutput
}

func NewService(cfg Config) (*Service, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	maxUpload := cfg.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = defaultMaxUpload
	}
	s := &Service{
		repo:      cfg.Repo,
		jobs:      cfg.Jobs,
		prober:    cfg.Prober,
		sampler:   cfg.Sampler,
		textGen:   cfg.Text,
		speechGen: cfg.Speech,
		template:  cfg.Template,
		merger:    cfg.Merger,
		player:    cfg.Player,
		dir:       cfg.Dir,
		maxUpload: maxUpload,
		ttsModel:  cfg.TTSModel,
		ttsVoice:  cfg.TTSVoice,
		logger:    logging.WithComponent(logging.OrDiscard(cfg.Logger), "session"),
		mix:       preview.DefaultMixSettings(),
	}
	s.player.SetGains(s.mix)
	return s, nil
}

// Upload stores a new source video, replacing the previous one, and starts
// frame extraction. Any extraction still running for an older upload is
// canceled and its result discarded.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (*SourceVideo, *Job, error) {
	name := strings.TrimSpace(filepath.Base(req.Name))
	if name == "." || name == string(filepath.Separator) {
		name = ""
	}

	tmp, size, err := s.receive(req.Body)
	if err != nil {
		return nil, nil, err
	}
	keep := false
	defer func() {
		if !keep {
			os.Remove(tmp)
		}
	}()

	probe, err := s.prober.Probe(ctx, tmp)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrNotVideo, err)
	}
	if !probe.HasVideo || probe.Duration <= 0 {
		return nil, nil, ErrNotVideo
	}

	ext := merge.SourceExt(name)
	src := &SourceVideo{
		Name:       name,
		Ext:        ext,
		Size:       size,
		Duration:   probe.Duration,
		Width:      probe.Width,
		Height:     probe.Height,
		HasAudio:   probe.HasAudio,
		UploadedAt: time.Now(),
	}

	s.mu.Lock()
	gen := s.gen + 1
	src.Path = filepath.Join(s.dir, fmt.Sprintf("source_%d.%s", gen, ext))
	if err := os.Rename(tmp, src.Path); err != nil {
		s.mu.Unlock()
		return nil, nil, fmt.Errorf("store upload: %w", err)
	}
	keep = true
	// The previous upload stays current until the new source is in place.
	s.gen = gen
	if s.frameCancel != nil {
		s.frameCancel()
		s.frameCancel = nil
	}
	previous := s.source
	s.source = src
	s.frameSet = FrameSet{}
	s.merged = nil
	s.refreshPlayerLocked()

	frameCtx, cancel := context.WithCancel(context.Background())
	s.frameCancel = cancel
	s.mu.Unlock()

	if previous != nil {
		if err := os.Remove(previous.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("failed to remove previous source", "path", logging.SanitizePath(previous.Path), "error", err)
		}
	}

	s.logger.Info("video uploaded",
		"name", name,
		"size", size,
		"duration", src.Duration,
		"has_audio", src.HasAudio,
		"generation", gen,
	)

	job, err := s.jobs.Start(JobTypeFrames, s.extractFrames(frameCtx, cancel, gen, *src))
	if err != nil {
		cancel()
		return src, nil, err
	}
	return src, job, nil
}

func (s *Service) receive(body io.Reader) (string, int64, error) {
	if body == nil {
		return "", 0, ErrNotVideo
	}
	f, err := os.CreateTemp(s.dir, "upload-*.tmp")
	if err != nil {
		return "", 0, fmt.Errorf("create upload file: %w", err)
	}
	n, err := io.Copy(f, io.LimitReader(body, s.maxUpload+1))
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && n > s.maxUpload {
		err = ErrUploadTooLarge
	}
	if err == nil && n == 0 {
		err = ErrNotVideo
	}
	if err != nil {
		os.Remove(f.Name())
		return "", 0, err
	}
	return f.Name(), n, nil
}

func (s *Service) extractFrames(uploadCtx context.Context, cancel context.CancelFunc, gen uint64, src SourceVideo) JobFunc {
	return func(ctx context.Context, progress Progress) error {
		defer cancel()
		ctx, stop := mergeCancel(ctx, uploadCtx)
		defer stop()

		set, err := s.sampler.Sample(ctx, frames.Request{Path: src.Path, Duration: src.Duration},
			func(done, total int) {
				progress(done*100/total, fmt.Sprintf("%d/%d", done, total))
			})
		if err != nil {
			if uploadCtx.Err() != nil {
				return ErrSuperseded
			}
			return err
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.gen != gen {
			return ErrSuperseded
		}
		s.frameSet = FrameSet{Frames: set}
		return nil
	}
}

// mergeCancel returns a context canceled when either parent is.
func mergeCancel(ctx, other context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(other, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (s *Service) Source() (*SourceVideo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.source == nil {
		return nil, ErrNoSource
	}
	src := *s.source
	return &src, nil
}

// Frames returns the current frame set, empty while extraction runs.
func (s *Service) Frames() FrameSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frameSet
}

func (s *Service) Frame(index int) (frames.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.frameSet.Frames) {
		return frames.Frame{}, ErrInvalidFrame
	}
	return s.frameSet.Frames[index], nil
}

func (s *Service) SetInstructions(ctx context.Context, instructions string) error {
	return s.repo.SetConfig(ctx, configKeyInstructions, instructions)
}

func (s *Service) Instructions(ctx context.Context) (string, error) {
	return s.repo.GetConfig(ctx, configKeyInstructions)
}

// GenerateText starts narration text generation from the complete frame
// set. The instructions are recorded as the session's current instructions.
func (s *Service) GenerateText(ctx context.Context, instructions string) (*Job, error) {
	if s.textGen == nil {
		return nil, ErrTextUnavailable
	}

	s.mu.Lock()
	if s.source == nil {
		s.mu.Unlock()
		return nil, ErrNoSource
	}
	if s.frameSet.Len() == 0 || s.frameSet.Len() != s.sampler.Count() {
		s.mu.Unlock()
		return nil, ErrNoFrames
	}
	gen := s.gen
	duration := s.source.Duration
	images := s.frameSet.Images()
	s.mu.Unlock()

	req, err := narration.BuildRequest(s.template, duration, instructions, images)
	if err != nil {
		return nil, err
	}
	if err := s.SetInstructions(ctx, instructions); err != nil {
		s.logger.Warn("failed to record instructions", "error", err)
	}

	return s.jobs.Start(JobTypeText, func(ctx context.Context, progress Progress) error {
		progress(0, "generating")
		text, err := s.textGen.GenerateText(ctx, req)
		empty := errors.Is(err, narration.ErrNoOutput)
		if err != nil && !empty {
			return err
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.gen != gen {
			return ErrSuperseded
		}
		nt := NewNarrationText(text)
		s.text = &nt
		if empty {
			s.logger.Warn("generator answered without text, narration is empty")
			return nil
		}
		s.logger.Info("narration text generated", "words", len(strings.Fields(text)), "target_words", narration.WordCount(duration))
		return nil
	})
}

// SetNarrationText replaces the narration with user-edited text. Existing
// audio is kept and reported stale until regenerated.
func (s *Service) SetNarrationText(text string) NarrationText {
	nt := NewNarrationText(text)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.text = &nt
	return nt
}

func (s *Service) NarrationText() (*NarrationText, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.text == nil {
		return nil, ErrNoText
	}
	nt := *s.text
	return &nt, nil
}

// GenerateAudio synthesizes speech for the current narration text.
func (s *Service) GenerateAudio(ctx context.Context) (*Job, error) {
	if s.speechGen == nil {
		return nil, ErrTTSUnavailable
	}

	s.mu.Lock()
	if s.text == nil || strings.TrimSpace(s.text.Text) == "" {
		s.mu.Unlock()
		return nil, ErrNoText
	}
	text := *s.text
	s.mu.Unlock()

	return s.jobs.Start(JobTypeAudio, func(ctx context.Context, progress Progress) error {
		progress(0, "synthesizing")
		data, err := s.speechGen.Synthesize(ctx, narration.SpeechRequest{
			Text:  text.Text,
			Model: s.ttsModel,
			Voice: s.ttsVoice,
		})
		if err != nil {
			return err
		}
		progress(80, "probing")
		duration := s.probeBytes(ctx, "narration-*.mp3", data)

		s.mu.Lock()
		defer s.mu.Unlock()
		s.audio = &NarrationAudio{
			Data:        data,
			MIME:        narrationMIME,
			TextVersion: text.Version,
			Duration:    duration,
			CreatedAt:   time.Now(),
		}
		s.refreshPlayerLocked()
		s.logger.Info("narration audio generated", "bytes", len(data), "duration", duration)
		return nil
	})
}

func (s *Service) NarrationAudio() (*NarrationAudio, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audio == nil {
		return nil, ErrNoAudio
	}
	a := *s.audio
	return &a, nil
}

func (s *Service) Mix() preview.MixSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mix
}

// SetMix stores new gains. The live preview applies them in place; the next
// merge reads them when it starts.
func (s *Service) SetMix(m preview.MixSettings) preview.MixSettings {
	m = m.Clamp()
	s.mu.Lock()
	s.mix = m
	s.mu.Unlock()
	s.player.SetGains(m)
	return m
}

// Merge starts a merge of the current source and narration audio at the
// current gains. Missing prerequisites fail before any job is recorded.
func (s *Service) Merge(ctx context.Context) (*Job, error) {
	s.mu.Lock()
	if s.source == nil {
		s.mu.Unlock()
		return nil, &merge.Error{Kind: merge.KindInput, Err: merge.ErrNoSource}
	}
	if s.audio == nil {
		s.mu.Unlock()
		return nil, &merge.Error{Kind: merge.KindInput, Err: merge.ErrNoNarration}
	}
	gen := s.gen
	src := *s.source
	audio := *s.audio
	stale := s.text != nil && s.text.Version != audio.TextVersion
	s.mu.Unlock()

	if stale {
		s.logger.Warn("merging narration audio generated from an older text")
	}

	return s.jobs.Start(JobTypeMerge, func(ctx context.Context, progress Progress) error {
		progress(0, "merging")
		res, err := s.merger.Run(ctx, merge.Request{
			SourcePath: src.Path,
			SourceName: src.Name,
			SourceSize: src.Size,
			Narration:  audio.Data,
			Settings:   s.Mix(),
		})
		if err != nil {
			return err
		}
		progress(90, "probing")
		duration := s.probeBytes(ctx, "merged-*."+res.Ext, res.Data)

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.gen != gen {
			return ErrSuperseded
		}
		s.merged = &MergedOutput{
			Data:      res.Data,
			Ext:       res.Ext,
			Strategy:  res.Strategy,
			Duration:  duration,
			CreatedAt: time.Now(),
		}
		s.refreshPlayerLocked()
		return nil
	})
}

func (s *Service) Merged() (*MergedOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.merged == nil {
		return nil, ErrNoMerged
	}
	m := *s.merged
	return &m, nil
}

// Export returns the merged output and its download name stamped with now.
func (s *Service) Export(now time.Time) (string, *MergedOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.merged == nil {
		return "", nil, ErrNoMerged
	}
	var original string
	if s.source != nil {
		original = s.source.Name
	}
	m := *s.merged
	return export.FileName(original, m.Ext, now), &m, nil
}

// OpenMedia opens the container the player currently addresses: the merged
// output when one exists, otherwise the source.
func (s *Service) OpenMedia() (*Media, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.merged != nil {
		return &Media{
			Name:    "merged." + s.merged.Ext,
			ModTime: s.merged.CreatedAt,
			Content: bytes.NewReader(s.merged.Data),
		}, nil
	}
	if s.source == nil {
		return nil, ErrNoSource
	}
	f, err := os.Open(s.source.Path)
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	return &Media{
		Name:    "source." + s.source.Ext,
		ModTime: s.source.UploadedAt,
		Content: f,
		closer:  f,
	}, nil
}

// Seek positions the player at t and starts playback.
func (s *Service) Seek(t float64) (PlaybackState, error) {
	if err := s.player.Seek(t); err != nil {
		return s.Playback(), err
	}
	return s.Playback(), nil
}

// Click seeks to the time under a pointer at x on a bar w wide.
func (s *Service) Click(x, w float64) (PlaybackState, error) {
	st := s.player.State()
	return s.Seek(timeline.PositionToTime(x, w, st.Duration))
}

// Step moves the playhead by the step size for key. Other keys are ignored.
func (s *Service) Step(key timeline.Key) (PlaybackState, error) {
	st := s.player.State()
	t, moved := timeline.Step(st.Time, key, st.Duration)
	if !moved {
		return s.Playback(), nil
	}
	return s.Seek(t)
}

func (s *Service) Play() (PlaybackState, error) {
	if err := s.player.Play(); err != nil {
		return s.Playback(), err
	}
	return s.Playback(), nil
}

func (s *Service) Pause() PlaybackState {
	s.player.Pause()
	return s.Playback()
}

// Report records the player's position during natural playback.
func (s *Service) Report(t float64) {
	s.player.Report(t)
}

func (s *Service) Playback() PlaybackState {
	st := s.player.State()
	return PlaybackState{
		Time:     st.Time,
		Duration: st.Duration,
		Target:   st.Target,
		Mode:     st.Mode,
		Playing:  st.Playing,
		Muted:    st.Muted,
		Label:    timeline.Format(st.Time) + " / " + timeline.Format(st.Duration),
	}
}

func (s *Service) Jobs() *Jobs {
	return s.jobs
}

func (s *Service) ListJobs(ctx context.Context, limit int) ([]*Job, error) {
	return s.jobs.List(ctx, limit)
}

func (s *Service) Job(ctx context.Context, id string) (*Job, error) {
	return s.jobs.Get(ctx, id)
}

// CancelJob stops a running job. It reports whether the job was running.
func (s *Service) CancelJob(id string) bool {
	return s.jobs.Cancel(id)
}

// Status returns a snapshot of the session.
func (s *Service) Status(ctx context.Context) Status {
	instructions, err := s.Instructions(ctx)
	if err != nil {
		s.logger.Debug("failed to read instructions", "error", err)
	}
	active, err := s.jobs.Active(ctx)
	if err != nil {
		s.logger.Debug("failed to list active jobs", "error", err)
	}
	if active == nil {
		active = []*Job{}
	}

	s.mu.Lock()
	st := Status{
		FrameCount:   s.frameSet.Len(),
		FrameTarget:  s.sampler.Count(),
		Instructions: instructions,
		Mix:          s.mix,
		ActiveJobs:   active,
		EngineReady:  s.prober.Ready(),
	}
	if s.source != nil {
		src := *s.source
		st.Source = &src
	}
	if s.text != nil {
		nt := *s.text
		st.Text = &nt
	}
	if s.audio != nil {
		st.Audio = &AudioInfo{
			MIME:        s.audio.MIME,
			Bytes:       len(s.audio.Data),
			Duration:    s.audio.Duration,
			TextVersion: s.audio.TextVersion,
			Stale:       s.text == nil || s.text.Version != s.audio.TextVersion,
		}
	}
	if s.merged != nil {
		st.Merged = &MergedInfo{
			Ext:       s.merged.Ext,
			Bytes:     len(s.merged.Data),
			Duration:  s.merged.Duration,
			Strategy:  s.merged.Strategy,
			CreatedAt: s.merged.CreatedAt,
		}
	}
	s.mu.Unlock()

	st.Playback = s.Playback()
	return st
}

// Close stops frame extraction and removes the stored source.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frameCancel != nil {
		s.frameCancel()
		s.frameCancel = nil
	}
	if s.source != nil {
		os.Remove(s.source.Path)
	}
}

func (s *Service) refreshPlayerLocked() {
	var in preview.Inputs
	if s.source != nil {
		in.SourcePath = s.source.Path
		in.SourceDuration = s.source.Duration
		in.SourceHasAudio = s.source.HasAudio
	}
	if s.audio != nil {
		in.Narration = s.audio.Data
		in.NarrationDuration = s.audio.Duration
	}
	if s.merged != nil {
		in.Merged = true
		in.MergedDuration = s.merged.Duration
	}
	s.player.SetInputs(in)
}

// probeBytes returns the duration of encoded media, 0 when unknown.
func (s *Service) probeBytes(ctx context.Context, pattern string, data []byte) float64 {
	f, err := os.CreateTemp(s.dir, pattern)
	if err != nil {
		s.logger.Warn("probe scratch file failed", "error", err)
		return 0
	}
	defer os.Remove(f.Name())
	_, err = f.Write(data)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		s.logger.Warn("probe scratch write failed", "error", err)
		return 0
	}
	res, err := s.prober.Probe(ctx, f.Name())
	if err != nil {
		s.logger.Warn("probe failed", "error", err)
		return 0
	}
	return res.Duration
}
