// Package config provides configuration management for the Narrato Agent.
// Configuration is loaded from an optional .env file and environment variables
// with sensible defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	// Default values
	DefaultPort     = 8790
	DefaultLogLevel = "info"
	DefaultDataDir  = ".narrato"

	// Environment variable names
	EnvPort     = "NARRATO_PORT"
	EnvLogLevel = "NARRATO_LOG_LEVEL"
	EnvDataDir  = "NARRATO_DATA_DIR"
	EnvHeadless = "NARRATO_HEADLESS"

	// Media engine
	EnvFFmpegPath  = "NARRATO_FFMPEG"
	EnvFFprobePath = "NARRATO_FFPROBE"

	// Generation providers
	EnvTextProvider   = "NARRATO_TEXT_PROVIDER"
	EnvOpenAIKey      = "OPENAI_API_KEY"
	EnvOpenAIBaseURL  = "OPENAI_BASE_URL"
	EnvModel          = "NARRATO_MODEL"
	EnvTTSModel       = "NARRATO_TTS_MODEL"
	EnvTTSVoice       = "NARRATO_TTS_VOICE"
	EnvGeminiKey      = "GEMINI_API_KEY"
	EnvGeminiModel    = "NARRATO_GEMINI_MODEL"
	EnvPromptTemplate = "NARRATO_PROMPT_TEMPLATE"

	// Limits and timeouts
	EnvFrameTimeout = "NARRATO_FRAME_TIMEOUT_S"
	EnvMergeTimeout = "NARRATO_MERGE_TIMEOUT_S"
	EnvLargeFileMB  = "NARRATO_LARGE_FILE_MB"
	EnvMaxUploadMB  = "NARRATO_MAX_UPLOAD_MB"

	// Optional dotenv file, loaded before the environment is read
	EnvDotEnvPath     = "NARRATO_ENV_FILE"
	DefaultDotEnvPath = ".env"

	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"

	DefaultOpenAIBaseURL = "https://api.openai.com"
	DefaultModel         = "gpt-4o"
	DefaultTTSModel      = "gpt-4o-mini-tts"
	DefaultTTSVoice      = "nova"
	DefaultGeminiModel   = "gemini-2.5-flash"
	DefaultPromptFile    = "prompt_narration.txt"

	DefaultFrameTimeout = 20  // seconds
	DefaultMergeTimeout = 900 // 15 minutes
	DefaultLargeFileMB  = 100
	DefaultMaxUploadMB  = 2048
)

// Config defines the application configuration interface
type Config interface {
	Port() int
	LogLevel() string
	DataDir() string
	RuntimeDir() string
	SessionDir() string
	WorkDir() string
	Headless() bool
	FFmpegPath() string
	FFprobePath() string
	TextProvider() string
	OpenAIKey() string
	OpenAIBaseURL() string
	Model() string
	TTSModel() string
	TTSVoice() string
	GeminiKey() string
	GeminiModel() string
	PromptTemplatePath() string
	FrameTimeout() time.Duration
	MergeTimeout() time.Duration
	LargeFileThreshold() int64
	MaxUploadBytes() int64
}

// EnvConfig reads configuration from environment variables
type EnvConfig struct {
	port     int
	logLevel string
	dataDir  string
	headless bool

	ffmpegPath  string
	ffprobePath string

	textProvider   string
	openAIKey      string
	openAIBaseURL  string
	model          string
	ttsModel       string
	ttsVoice       string
	geminiKey      string
	geminiModel    string
	promptTemplate string

	frameTimeout time.Duration
	mergeTimeout time.Duration
	largeFileMB  int64
	maxUploadMB  int64
}

// New creates a new EnvConfig with defaults and environment variable overrides.
// Values from a .env file never override variables already set in the environment.
func New() (*EnvConfig, error) {
	envFile := os.Getenv(EnvDotEnvPath)
	if envFile == "" {
		envFile = DefaultDotEnvPath
	}
	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	cfg := &EnvConfig{
		port:          DefaultPort,
		logLevel:      DefaultLogLevel,
		dataDir:       defaultDataDir(),
		textProvider:  ProviderOpenAI,
		openAIBaseURL: DefaultOpenAIBaseURL,
		model:         DefaultModel,
		ttsModel:      DefaultTTSModel,
		ttsVoice:      DefaultTTSVoice,
		geminiModel:   DefaultGeminiModel,
		frameTimeout:  DefaultFrameTimeout * time.Second,
		mergeTimeout:  DefaultMergeTimeout * time.Second,
		largeFileMB:   DefaultLargeFileMB,
		maxUploadMB:   DefaultMaxUploadMB,
	}

	// Override port from environment
	if p := os.Getenv(EnvPort); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvPort, err)
		}
		if port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid %s: port must be between 1 and 65535", EnvPort)
		}
		cfg.port = port
	}

	if ll := os.Getenv(EnvLogLevel); ll != "" {
		cfg.logLevel = ll
	}

	if dd := os.Getenv(EnvDataDir); dd != "" {
		cfg.dataDir = dd
	}

	if h := os.Getenv(EnvHeadless); h != "" {
		headless, err := strconv.ParseBool(h)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvHeadless, err)
		}
		cfg.headless = headless
	}

	cfg.ffmpegPath = os.Getenv(EnvFFmpegPath)
	cfg.ffprobePath = os.Getenv(EnvFFprobePath)

	if tp := os.Getenv(EnvTextProvider); tp != "" {
		tp = strings.ToLower(strings.TrimSpace(tp))
		if tp != ProviderOpenAI && tp != ProviderGemini {
			return nil, fmt.Errorf("invalid %s: must be %q or %q", EnvTextProvider, ProviderOpenAI, ProviderGemini)
		}
		cfg.textProvider = tp
	}

	cfg.openAIKey = os.Getenv(EnvOpenAIKey)
	if u := os.Getenv(EnvOpenAIBaseURL); u != "" {
		cfg.openAIBaseURL = strings.TrimRight(u, "/")
	}
	if m := os.Getenv(EnvModel); m != "" {
		cfg.model = m
	}
	if m := os.Getenv(EnvTTSModel); m != "" {
		cfg.ttsModel = m
	}
	if v := os.Getenv(EnvTTSVoice); v != "" {
		cfg.ttsVoice = v
	}
	cfg.geminiKey = os.Getenv(EnvGeminiKey)
	if m := os.Getenv(EnvGeminiModel); m != "" {
		cfg.geminiModel = m
	}
	cfg.promptTemplate = os.Getenv(EnvPromptTemplate)

	var err error
	if cfg.frameTimeout, err = secondsFromEnv(EnvFrameTimeout, cfg.frameTimeout); err != nil {
		return nil, err
	}
	if cfg.mergeTimeout, err = secondsFromEnv(EnvMergeTimeout, cfg.mergeTimeout); err != nil {
		return nil, err
	}
	if cfg.largeFileMB, err = positiveIntFromEnv(EnvLargeFileMB, cfg.largeFileMB); err != nil {
		return nil, err
	}
	if cfg.maxUploadMB, err = positiveIntFromEnv(EnvMaxUploadMB, cfg.maxUploadMB); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Port returns the HTTP server port
func (c *EnvConfig) Port() int {
	return c.port
}

// LogLevel returns the log level (debug, info, warn, error)
func (c *EnvConfig) LogLevel() string {
	return c.logLevel
}

// DataDir returns the data directory path
func (c *EnvConfig) DataDir() string {
	return c.dataDir
}

// RuntimeDir is the agent-owned folder holding everything that lives only as
// long as the process. See ResetRuntimeDir.
func (c *EnvConfig) RuntimeDir() string {
	return filepath.Join(c.dataDir, RuntimeDirName)
}

// SessionDir holds the uploaded source for the lifetime of the process.
func (c *EnvConfig) SessionDir() string {
	return filepath.Join(c.RuntimeDir(), "session")
}

// WorkDir is the merge working area.
func (c *EnvConfig) WorkDir() string {
	return filepath.Join(c.RuntimeDir(), "work")
}

func (c *EnvConfig) Headless() bool {
	return c.headless
}

func (c *EnvConfig) FFmpegPath() string {
	return c.ffmpegPath
}

func (c *EnvConfig) FFprobePath() string {
	return c.ffprobePath
}

func (c *EnvConfig) TextProvider() string {
	return c.textProvider
}

func (c *EnvConfig) OpenAIKey() string {
	return c.openAIKey
}

func (c *EnvConfig) OpenAIBaseURL() string {
	return c.openAIBaseURL
}

func (c *EnvConfig) Model() string {
	return c.model
}

func (c *EnvConfig) TTSModel() string {
	return c.ttsModel
}

func (c *EnvConfig) TTSVoice() string {
	return c.ttsVoice
}

func (c *EnvConfig) GeminiKey() string {
	return c.geminiKey
}

func (c *EnvConfig) GeminiModel() string {
	return c.geminiModel
}

// PromptTemplatePath returns the narration prompt template location.
// Defaults to prompt_narration.txt inside the data directory.
func (c *EnvConfig) PromptTemplatePath() string {
	if c.promptTemplate != "" {
		return c.promptTemplate
	}
	return filepath.Join(c.dataDir, DefaultPromptFile)
}

func (c *EnvConfig) FrameTimeout() time.Duration {
	return c.frameTimeout
}

func (c *EnvConfig) MergeTimeout() time.Duration {
	return c.mergeTimeout
}

// LargeFileThreshold is the source size above which staging failures carry a size hint.
func (c *EnvConfig) LargeFileThreshold() int64 {
	return c.largeFileMB * 1024 * 1024
}

func (c *EnvConfig) MaxUploadBytes() int64 {
	return c.maxUploadMB * 1024 * 1024
}

func secondsFromEnv(name string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", name)
	}
	return time.Duration(n) * time.Second, nil
}

func positiveIntFromEnv(name string, def int64) (int64, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", name)
	}
	return n, nil
}

// defaultDataDir returns the default data directory path
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home is not available
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)
