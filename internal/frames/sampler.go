// Package frames samples evenly spaced, downscaled stills from a video for use
// as a multimodal prompt.
package frames

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"math"
	"time"

	"golang.org/x/image/draw"

	"github.com/narrato/narrato-agent/internal/logging"
)

const (
	DefaultCount   = 20
	DefaultMaxEdge = 512
	DefaultQuality = 80
	DefaultTimeout = 20 * time.Second
)

var (
	// ErrFrameTimeout is returned when a single capture does not settle within
	// the per-frame bound. The whole run is aborted.
	ErrFrameTimeout = errors.New("frame capture timed out")
	// ErrInvalidDuration is returned for a non-positive source duration.
	ErrInvalidDuration = errors.New("video duration must be positive")
)

// Grabber decodes the picture shown at t seconds.
type Grabber interface {
	GrabFrame(ctx context.Context, path string, t float64) (image.Image, error)
}

// Frame is one encoded still.
type Frame struct {
	Index     int     `json:"index"`
	Timestamp float64 `json:"timestamp"`
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	JPEG      []byte  `json:"-"`
}

// Request addresses the video to sample.
type Request struct {
	Path     string
	Duration float64
}

// ProgressFunc is called after each frame with the number of frames done.
type ProgressFunc func(done, total int)

// Config configures a Sampler. Zero values take the defaults.
type Config struct {
	Grabber      Grabber
	Count        int
	MaxEdge      int
	Quality      int
	FrameTimeout time.Duration
	Logger       *slog.Logger
}

// Sampler extracts frames strictly one after another.
type Sampler struct {
	grabber Grabber
	count   int
	maxEdge int
	quality int
	timeout time.Duration
	logger  *slog.Logger
}

// NewSampler creates a sampler.
func NewSampler(cfg Config) *Sampler {
	s := &Sampler{
		grabber: cfg.Grabber,
		count:   cfg.Count,
		maxEdge: cfg.MaxEdge,
		quality: cfg.Quality,
		timeout: cfg.FrameTimeout,
		logger:  logging.WithComponent(logging.OrDiscard(cfg.Logger), "frames"),
	}
	if s.count <= 0 {
		s.count = DefaultCount
	}
	if s.maxEdge <= 0 {
		s.maxEdge = DefaultMaxEdge
	}
	if s.quality <= 0 || s.quality > 100 {
		s.quality = DefaultQuality
	}
	if s.timeout <= 0 {
		s.timeout = DefaultTimeout
	}
	return s
}

// Count returns the number of frames every successful run produces.
func (s *Sampler) Count() int {
	return s.count
}

// Sample captures Count frames in increasing timestamp order. It returns
// either the complete set or an error; a partial set is never returned.
func (s *Sampler) Sample(ctx context.Context, req Request, progress ProgressFunc) ([]Frame, error) {
	if req.Duration <= 0 || math.IsNaN(req.Duration) || math.IsInf(req.Duration, 0) {
		return nil, ErrInvalidDuration
	}

	start := time.Now()
	stamps := Timestamps(req.Duration, s.count)
	out := make([]Frame, 0, len(stamps))

	for i, ts := range stamps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		frame, err := s.capture(ctx, req.Path, i, ts)
		if err != nil {
			s.logger.Warn("frame extraction aborted",
				"index", i+1,
				"timestamp", ts,
				"error", err,
			)
			return nil, err
		}
		out = append(out, frame)

		if progress != nil {
			progress(i+1, len(stamps))
		}
	}

	s.logger.Info("frames extracted",
		"count", len(out),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return out, nil
}

func (s *Sampler) capture(ctx context.Context, path string, i int, ts float64) (Frame, error) {
	stepCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	img, err := s.grabber.GrabFrame(stepCtx, path, ts)
	if err != nil {
		if ctx.Err() != nil {
			return Frame{}, ctx.Err()
		}
		if errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
			return Frame{}, fmt.Errorf("frame %d at %.3fs: %w", i+1, ts, ErrFrameTimeout)
		}
		return Frame{}, fmt.Errorf("frame %d at %.3fs: %w", i+1, ts, err)
	}

	scaled := Scale(img, s.maxEdge)
	data, err := Encode(scaled, s.quality)
	if err != nil {
		return Frame{}, fmt.Errorf("frame %d: %w", i+1, err)
	}
	b := scaled.Bounds()
	return Frame{
		Index:     i,
		Timestamp: ts,
		Width:     b.Dx(),
		Height:    b.Dy(),
		JPEG:      data,
	}, nil
}

// Timestamps returns D/(n+1)*i for i in 1..n.
func Timestamps(d float64, n int) []float64 {
	if n <= 0 {
		return nil
	}
	step := d / float64(n+1)
	out := make([]float64, n)
	for i := range out {
		out[i] = step * float64(i+1)
	}
	return out
}

// ScaleDimensions applies the uniform factor min(1, maxEdge/max(w,h)).
func ScaleDimensions(w, h, maxEdge int) (int, int) {
	longest := w
	if h > longest {
		longest = h
	}
	if longest <= maxEdge || longest == 0 {
		return w, h
	}
	f := float64(maxEdge) / float64(longest)
	sw := int(math.Round(float64(w) * f))
	sh := int(math.Round(float64(h) * f))
	if sw < 1 {
		sw = 1
	}
	if sh < 1 {
		sh = 1
	}
	return sw, sh
}

// Scale resamples img so its longest edge is at most maxEdge.
func Scale(img image.Image, maxEdge int) image.Image {
	b := img.Bounds()
	w, h := ScaleDimensions(b.Dx(), b.Dy(), maxEdge)
	if w == b.Dx() && h == b.Dy() {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}

// Encode writes img as JPEG at the given quality (1-100).
func Encode(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
