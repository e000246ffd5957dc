// Package logging provides structured JSON logging for the Narrato Agent.
// It uses the standard library log/slog package for structured logging.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger creates a new structured JSON logger writing to stdout.
// Supported levels: debug, info, warn, error
func NewLogger(level string) *slog.Logger {
	return New(os.Stdout, level)
}

// New creates a JSON logger writing to w.
func New(w io.Writer, level string) *slog.Logger {
	lvl := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level: lvl,
		// Add source location for debug level
		AddSource: lvl == slog.LevelDebug,
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Discard returns a logger that drops everything. Used where a component is
// constructed without a logger.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// OrDiscard returns logger, or a discarding logger when it is nil.
func OrDiscard(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return Discard()
	}
	return logger
}

// WithRequestID returns a logger with request_id attribute
func WithRequestID(logger *slog.Logger, requestID string) *slog.Logger {
	return logger.With("request_id", requestID)
}

// WithComponent returns a logger with component attribute
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With("component", component)
}

// WithJobID returns a logger with job_id and job_kind attributes
func WithJobID(logger *slog.Logger, jobID, kind string) *slog.Logger {
	return logger.With("job_id", jobID, "job_kind", kind)
}

// SanitizeToken masks an API key or bearer token for safe logging.
// Shows first 4 and last 4 characters only.
// Returns "****" for tokens of 8 characters or fewer.
func SanitizeToken(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "..." + token[len(token)-4:]
}

// SanitizePath replaces the home directory prefix with ~.
func SanitizePath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return path
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return path
}
