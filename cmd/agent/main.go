package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/narrato/narrato-agent/internal/api"
	"github.com/narrato/narrato-agent/internal/config"
	"github.com/narrato/narrato-agent/internal/db"
	"github.com/narrato/narrato-agent/internal/events"
	"github.com/narrato/narrato-agent/internal/frames"
	"github.com/narrato/narrato-agent/internal/logging"
	"github.com/narrato/narrato-agent/internal/media"
	"github.com/narrato/narrato-agent/internal/merge"
	"github.com/narrato/narrato-agent/internal/narration"
	"github.com/narrato/narrato-agent/internal/playback"
	"github.com/narrato/narrato-agent/internal/preview"
	"github.com/narrato/narrato-agent/internal/session"
	"github.com/narrato/narrato-agent/internal/ui"
)

var Version = "0.1.0"

const previewLead = 250 * time.Millisecond

func main() {
	if err := run(); err != nil {
		log.Fatalf("fatal error: %v", err)
	}
}

func run() error {
	startTime := time.Now()

	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel())
	logger.Info("starting narrato agent", "version", Version, "data_dir", logging.SanitizePath(cfg.DataDir()))

	// Session media never outlives the process.
	if err := config.ResetRuntimeDir(cfg.RuntimeDir()); err != nil {
		return fmt.Errorf("failed to prepare runtime folder: %w", err)
	}
	defer func() {
		if err := config.ClearRuntimeDir(cfg.RuntimeDir()); err != nil {
			logger.Warn("failed to clear runtime folder", "error", err)
		}
	}()

	database, err := db.New(db.DefaultName, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	repo := session.NewRepository(database.Conn())

	authToken, err := newAuthToken()
	if err != nil {
		return fmt.Errorf("failed to generate auth token: %w", err)
	}

	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════════════════════════╗")
	fmt.Printf("║                  NARRATO AGENT v%-26s║\n", Version)
	fmt.Println("╠═══════════════════════════════════════════════════════════╣")
	fmt.Printf("║  API URL:    http://127.0.0.1:%-27d ║\n", cfg.Port())
	fmt.Printf("║  Auth Token: %-45s ║\n", authToken)
	fmt.Println("╚═══════════════════════════════════════════════════════════╝")
	fmt.Println()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine := media.NewEngine(media.Config{
		FFmpegPath:  cfg.FFmpegPath(),
		FFprobePath: cfg.FFprobePath(),
		Logger:      logger,
	})
	go func() {
		readyCtx, readyCancel := context.WithTimeout(ctx, 30*time.Second)
		defer readyCancel()
		if err := engine.EnsureReady(readyCtx); err != nil {
			logger.Warn("media engine unavailable, uploads and merges will fail until ffmpeg is installed", "error", err)
			return
		}
		logger.Info("media engine ready", "version", engine.Version())
	}()

	hub := events.NewHub(events.Config{CheckOrigin: api.CheckOrigin, Logger: logger})
	defer hub.Close()

	player := preview.NewEngine(preview.Config{
		Decoder:  engine,
		Surface:  hub,
		Settings: preview.DefaultMixSettings(),
		Lead:     previewLead,
		Logger:   logger,
	})
	defer player.Close()

	sampler := frames.NewSampler(frames.Config{
		Grabber:      engine,
		FrameTimeout: cfg.FrameTimeout(),
		Logger:       logger,
	})

	workspace, err := merge.NewDirWorkspace(cfg.WorkDir())
	if err != nil {
		return fmt.Errorf("failed to prepare working folder: %w", err)
	}
	merger := merge.NewPipeline(merge.Config{
		Engine:             engine,
		Workspace:          workspace,
		LargeFileThreshold: cfg.LargeFileThreshold(),
		Timeout:            cfg.MergeTimeout(),
		Logger:             logger,
	})

	template, err := narration.LoadTemplate(cfg.PromptTemplatePath())
	if err != nil {
		logger.Warn("prompt template not loaded, instructions are sent verbatim", "error", err)
	}

	openai := narration.NewOpenAIClient(narration.OpenAIConfig{
		BaseURL:  cfg.OpenAIBaseURL(),
		APIKey:   cfg.OpenAIKey(),
		Model:    cfg.Model(),
		TTSModel: cfg.TTSModel(),
		Voice:    cfg.TTSVoice(),
		Logger:   logger,
	})
	textGen, closeText := textGenerator(ctx, cfg, openai, logger)
	defer closeText()

	jobs := session.NewJobs(repo, hub, logger)
	defer jobs.Close()

	svc, err := session.NewService(session.Config{
		Repo:           repo,
		Jobs:           jobs,
		Prober:         engine,
		Sampler:        sampler,
		Text:           textGen,
		Speech:         openai,
		Template:       template,
		Merger:         merger,
		Player:         player,
		Dir:            cfg.SessionDir(),
		MaxUploadBytes: cfg.MaxUploadBytes(),
		TTSModel:       cfg.TTSModel(),
		TTSVoice:       cfg.TTSVoice(),
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer svc.Close()
	hub.SetReporter(svc)

	apiServer := api.NewServer(api.ServerConfig{
		Port:           cfg.Port(),
		Session:        svc,
		Preview:        player,
		Events:         hub,
		PlaybackServer: playback.NewServer(logger),
		Token:          authToken,
		Logger:         logger,
		StartTime:      startTime,
		Version:        Version,
	})

	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	quitCh := make(chan struct{})

	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", "signal", sig)
			close(quitCh)
		case <-quitCh:
		}
	}()

	if cfg.Headless() {
		logger.Info("running in headless mode (no system tray)")
	} else {
		tray := ui.NewTray(ui.TrayConfig{
			Source:  svc,
			WorkDir: cfg.WorkDir(),
			Logger:  logger,
			OnQuit: func() {
				close(quitCh)
			},
		})
		go tray.Run()
	}

	<-quitCh

	logger.Info("initiating graceful shutdown")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}

// textGenerator picks the configured narration writer. Gemini falls back to
// OpenAI when it cannot be dialed.
func textGenerator(ctx context.Context, cfg config.Config, openai *narration.OpenAIClient, logger *slog.Logger) (narration.TextGenerator, func()) {
	if cfg.TextProvider() != config.ProviderGemini {
		return openai, func() {}
	}
	gemini, err := narration.NewGeminiClient(ctx, narration.GeminiConfig{
		APIKey: cfg.GeminiKey(),
		Model:  cfg.GeminiModel(),
		Logger: logger,
	})
	if err != nil {
		logger.Warn("gemini unavailable, using openai for narration text", "error", err)
		return openai, func() {}
	}
	logger.Info("narration text provider", "provider", config.ProviderGemini, "model", cfg.GeminiModel())
	return gemini, func() {
		if err := gemini.Close(); err != nil {
			logger.Debug("failed to close gemini client", "error", err)
		}
	}
}

func newAuthToken() (string, error) {
	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(tokenBytes), nil
}
