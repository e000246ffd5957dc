// Package playback serves media to the UI player with byte-range support.
package playback

import (
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/narrato/narrato-agent/internal/logging"
)

// Content is a seekable media payload. Name only selects the content type.
type Content struct {
	Name    string
	ModTime time.Time
	Body    io.ReadSeeker
}

type PlaybackService interface {
	Serve(w http.ResponseWriter, r *http.Request, c Content)
}

var videoTypes = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/x-m4v",
	".mov":  "video/quicktime",
	".mkv":  "video/x-matroska",
	".webm": "video/webm",
	".avi":  "video/x-msvideo",
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
}

// ContentType resolves the MIME type for a file name, falling back to
// application/octet-stream.
func ContentType(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if t, ok := videoTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

type Server struct {
	logger *slog.Logger
}

func NewServer(logger *slog.Logger) *Server {
	return &Server{logger: logging.WithComponent(logging.OrDiscard(logger), "playback")}
}

// Serve writes c honoring Range, If-Range and conditional headers. HEAD
// requests get headers only.
func (s *Server) Serve(w http.ResponseWriter, r *http.Request, c Content) {
	w.Header().Set("Content-Type", ContentType(c.Name))
	w.Header().Set("Cache-Control", "no-store")
	if rng := r.Header.Get("Range"); rng != "" {
		s.logger.Debug("range request", "name", c.Name, "range", rng)
	}
	http.ServeContent(w, r, c.Name, c.ModTime, c.Body)
}
