package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/narrato/narrato-agent/internal/frames"
	"github.com/narrato/narrato-agent/internal/playback"
	"github.com/narrato/narrato-agent/internal/preview"
	"github.com/narrato/narrato-agent/internal/session"
	"github.com/narrato/narrato-agent/internal/timeline"
)

// Session is the narration session the API drives.
type Session interface {
	Status(ctx context.Context) session.Status
	Upload(ctx context.Context, req session.UploadRequest) (*session.SourceVideo, *session.Job, error)
	Frames() session.FrameSet
	Frame(index int) (frames.Frame, error)
	Instructions(ctx context.Context) (string, error)
	GenerateText(ctx context.Context, instructions string) (*session.Job, error)
	SetNarrationText(text string) session.NarrationText
	NarrationText() (*session.NarrationText, error)
	GenerateAudio(ctx context.Context) (*session.Job, error)
	NarrationAudio() (*session.NarrationAudio, error)
	Mix() preview.MixSettings
	SetMix(m preview.MixSettings) preview.MixSettings
	Merge(ctx context.Context) (*session.Job, error)
	Export(now time.Time) (string, *session.MergedOutput, error)
	OpenMedia() (*session.Media, error)
	Seek(t float64) (session.PlaybackState, error)
	Click(x, w float64) (session.PlaybackState, error)
	Step(key timeline.Key) (session.PlaybackState, error)
	Play() (session.PlaybackState, error)
	Pause() session.PlaybackState
	Playback() session.PlaybackState
	ListJobs(ctx context.Context, limit int) ([]*session.Job, error)
	Job(ctx context.Context, id string) (*session.Job, error)
	CancelJob(id string) bool
}

// Streamer renders the live preview mix.
type Streamer interface {
	Stream(ctx context.Context, w io.Writer) error
}

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

type ServerConfig struct {
	Port    int
	Session Session
	Preview Streamer
	// Events upgrades /events to the websocket hub.
	Events         http.Handler
	PlaybackServer playback.PlaybackService
	Token          string
	Logger         *slog.Logger
	StartTime      time.Time
	Version        string
	// Now stamps export names; time.Now when nil.
	Now func() time.Time
}

func NewServer(cfg ServerConfig) *Server {
	router := NewRouter(cfg)

	return &Server{
		httpServer: &http.Server{
			Addr:    fmt.Sprintf("127.0.0.1:%d", cfg.Port),
			Handler: router,
			// Uploads and the preview stream are long-lived.
			ReadHeaderTimeout: 15 * time.Second,
			ReadTimeout:       0,
			WriteTimeout:      0,
			IdleTimeout:       60 * time.Second,
		},
		logger: cfg.Logger,
	}
}

func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}
