// Package merge mixes the narration into the source video's audio at the
// configured gains and remuxes the result with the source video stream
// copied verbatim.
package merge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/narrato/narrato-agent/internal/logging"
	"github.com/narrato/narrato-agent/internal/media"
	"github.com/narrato/narrato-agent/internal/preview"
)

// Fixed working-area identifiers. They never derive from user input.
const (
	VideoStageBase = "in_video"
	NarrationStage = "in_narration.mp3"
	OutputName     = "out.mp4"
	OutputExt      = "mp4"

	audioCodec   = "aac"
	audioBitrate = "192k"
)

// Strategy is the mux plan that produced an output.
type Strategy string

const (
	// StrategyAmix sums both audio sources, duration of the longer.
	StrategyAmix Strategy = "amix"
	// StrategyNarrationOnly maps only the narration, duration of the shorter
	// stream. Used when the source has no audio.
	StrategyNarrationOnly Strategy = "narration_only"
)

// Engine is the subset of the media engine the pipeline drives.
type Engine interface {
	EnsureReady(ctx context.Context) error
	Probe(ctx context.Context, path string) (*media.ProbeResult, error)
	Exec(ctx context.Context, args ...string) (media.RunResult, error)
}

// Request carries everything a run reads. Nothing else is consulted.
type Request struct {
	SourcePath string
	SourceName string
	SourceSize int64
	Narration  []byte
	Settings   preview.MixSettings
}

// Result is a retrieved output container.
type Result struct {
	Data      []byte
	Ext       string
	Strategy  Strategy
	Recovered bool
	Elapsed   time.Duration
}

// Config configures a Pipeline.
type Config struct {
	Engine             Engine
	Workspace          Workspace
	LargeFileThreshold int64
	Timeout            time.Duration
	Logger             *slog.Logger
}

// Pipeline runs merges. It holds no per-run state; the caller decides
// whether runs may overlap.
type Pipeline struct {
	engine    Engine
	ws        Workspace
	threshold int64
	timeout   time.Duration
	logger    *slog.Logger
}

func NewPipeline(cfg Config) *Pipeline {
	threshold := cfg.LargeFileThreshold
	if threshold <= 0 {
		threshold = 100 * 1024 * 1024
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	return &Pipeline{
		engine:    cfg.Engine,
		ws:        cfg.Workspace,
		threshold: threshold,
		timeout:   timeout,
		logger:    logging.WithComponent(logging.OrDiscard(cfg.Logger), "merge"),
	}
}

// Run stages the inputs, executes the mix and retrieves the output. Staged
// files are removed on every path.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Result, error) {
	if req.SourcePath == "" {
		return nil, &Error{Kind: KindInput, Err: ErrNoSource}
	}
	if len(req.Narration) == 0 {
		return nil, &Error{Kind: KindInput, Err: ErrNoNarration}
	}

	start := time.Now()
	settings := req.Settings.Clamp()
	videoName := VideoStageBase + "." + SourceExt(req.SourceName)

	src, err := os.Open(req.SourcePath)
	if err != nil {
		return nil, &Error{Kind: KindRead, Err: err}
	}
	defer src.Close()
	size := req.SourceSize
	if size <= 0 {
		if fi, err := src.Stat(); err == nil {
			size = fi.Size()
		}
	}

	if err := p.engine.EnsureReady(ctx); err != nil {
		return nil, &Error{Kind: KindMix, Err: err}
	}

	p.clean(videoName)
	defer p.cleanup(videoName)

	var g errgroup.Group
	g.Go(func() error {
		if err := p.ws.Write(videoName, src); err != nil {
			return fmt.Errorf("%s: %w", videoName, err)
		}
		return nil
	})
	g.Go(func() error {
		if err := p.ws.Write(NarrationStage, bytes.NewReader(req.Narration)); err != nil {
			return fmt.Errorf("%s: %w", NarrationStage, err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		merr := &Error{Kind: KindStaging, Err: err}
		if size > p.threshold {
			merr.Hint = LargeFileHint
		}
		p.logger.Warn("staging failed", "error", err, "source_bytes", size)
		return nil, merr
	}

	runCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	strategy := StrategyAmix
	if probe, err := p.engine.Probe(runCtx, p.ws.Path(videoName)); err != nil {
		p.logger.Warn("source probe failed, assuming audio", "error", err)
	} else if !probe.HasAudio {
		strategy = StrategyNarrationOnly
	}

	p.logger.Info("merge started",
		"strategy", string(strategy),
		"video_gain", settings.VideoGain,
		"narration_gain", settings.NarrationGain,
		"source_bytes", size,
		"narration_bytes", len(req.Narration),
	)

	_, err = p.engine.Exec(runCtx, p.Args(strategy, videoName, settings)...)
	if err != nil && strategy == StrategyAmix && noAudioStream(err) {
		p.logger.Info("source has no audio stream, retrying narration only")
		strategy = StrategyNarrationOnly
		_, err = p.engine.Exec(runCtx, p.Args(strategy, videoName, settings)...)
	}
	if err != nil {
		return nil, &Error{Kind: KindMix, Err: err}
	}

	data, name, err := p.retrieve(videoName)
	if err != nil {
		return nil, &Error{Kind: KindOutput, Err: err}
	}
	p.remove(name)

	res := &Result{
		Data:      data,
		Ext:       OutputExt,
		Strategy:  strategy,
		Recovered: name != OutputName,
		Elapsed:   time.Since(start),
	}
	p.logger.Info("merge completed",
		"strategy", string(strategy),
		"output_bytes", len(data),
		"recovered", res.Recovered,
		"duration_ms", res.Elapsed.Milliseconds(),
	)
	return res, nil
}

// Args builds the ffmpeg argument vector for a strategy. Identical inputs
// give identical vectors.
func (p *Pipeline) Args(strategy Strategy, videoName string, s preview.MixSettings) []string {
	video := p.ws.Path(videoName)
	narration := p.ws.Path(NarrationStage)
	out := p.ws.Path(OutputName)
	if strategy == StrategyNarrationOnly {
		return NarrationOnlyArgs(video, narration, out, s.NarrationGain)
	}
	return AmixArgs(video, narration, out, s)
}

// AmixArgs scales each audio source by its gain, sums them for the duration
// of the longer one and copies the source video stream.
func AmixArgs(video, narration, out string, s preview.MixSettings) []string {
	filter := fmt.Sprintf(
		"[0:a]volume=%s[a1];[1:a]volume=%s[a2];[a1][a2]amix=inputs=2:duration=longest:normalize=0[outa]",
		formatGain(s.VideoGain), formatGain(s.NarrationGain),
	)
	return []string{
		"-y",
		"-i", video,
		"-i", narration,
		"-filter_complex", filter,
		"-map", "0:v:0",
		"-map", "[outa]",
		"-c:v", "copy",
		"-c:a", audioCodec,
		"-b:a", audioBitrate,
		out,
	}
}

// NarrationOnlyArgs maps the video stream and the narration scaled by its
// gain, stopping at the shorter stream.
func NarrationOnlyArgs(video, narration, out string, narrationGain float64) []string {
	return []string{
		"-y",
		"-i", video,
		"-i", narration,
		"-map", "0:v:0",
		"-map", "1:a:0",
		"-c:v", "copy",
		"-c:a", audioCodec,
		"-b:a", audioBitrate,
		"-filter:a", "volume=" + formatGain(narrationGain),
		"-shortest",
		out,
	}
}

// SourceExt returns the container extension of an uploaded name, mp4 when
// it has none or it is not a plain word.
func SourceExt(name string) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	if ext == "" || strings.IndexFunc(ext, notWordRune) >= 0 {
		return OutputExt
	}
	return ext
}

func notWordRune(r rune) bool {
	return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_')
}

func formatGain(g float64) string {
	return strconv.FormatFloat(g, 'f', -1, 64)
}

func noAudioStream(err error) bool {
	var execErr *media.ExecError
	return errors.As(err, &execErr) && execErr.Kind == media.KindNoAudioStream
}

// retrieve reads the expected output, falling back to the first other
// container-typed file in the working area.
func (p *Pipeline) retrieve(videoName string) ([]byte, string, error) {
	data, err := p.ws.ReadFile(OutputName)
	if err == nil && len(data) > 0 {
		return data, OutputName, nil
	}
	if err == nil {
		err = fmt.Errorf("%s is empty", OutputName)
	}

	names, listErr := p.ws.List()
	if listErr != nil {
		return nil, "", fmt.Errorf("%w (scan failed: %v)", err, listErr)
	}
	for _, name := range names {
		if name == videoName || name == NarrationStage || name == OutputName {
			continue
		}
		if !strings.HasSuffix(strings.ToLower(name), "."+OutputExt) {
			continue
		}
		data, rerr := p.ws.ReadFile(name)
		if rerr != nil || len(data) == 0 {
			continue
		}
		p.logger.Warn("expected output missing, recovered from scan", "file", name)
		return data, name, nil
	}
	return nil, "", fmt.Errorf("%w: %v", ErrNoOutput, err)
}

// clean removes identifiers a previous run may have left behind.
func (p *Pipeline) clean(videoName string) {
	names, err := p.ws.List()
	if err != nil {
		p.logger.Debug("working area list failed", "error", err)
		return
	}
	for _, name := range names {
		if name == videoName || name == NarrationStage || name == OutputName ||
			strings.HasPrefix(name, VideoStageBase+".") {
			p.remove(name)
		}
	}
}

func (p *Pipeline) cleanup(videoName string) {
	for _, name := range []string{videoName, NarrationStage, OutputName} {
		p.remove(name)
	}
}

func (p *Pipeline) remove(name string) {
	if err := p.ws.Remove(name); err != nil {
		p.logger.Warn("working area cleanup failed", "file", name, "error", err)
	}
}
