package api

import (
	"bytes"
	"errors"
	"mime"
	"net/http"
	"time"

	"github.com/narrato/narrato-agent/internal/playback"
	"github.com/narrato/narrato-agent/internal/preview"
)

// exportHandler downloads the merged output under its export name.
func exportHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		now := time.Now
		if cfg.Now != nil {
			now = cfg.Now
		}

		name, out, err := cfg.Session.Export(now())
		if err != nil {
			WriteFailure(w, err)
			return
		}

		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
		cfg.PlaybackServer.Serve(w, r, playback.Content{
			Name:    name,
			ModTime: out.CreatedAt,
			Body:    bytes.NewReader(out.Data),
		})
		cfg.Logger.Info("merged output exported", "name", name, "bytes", len(out.Data))
	}
}

func narrationAudioHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		audio, err := cfg.Session.NarrationAudio()
		if err != nil {
			WriteFailure(w, err)
			return
		}
		cfg.PlaybackServer.Serve(w, r, playback.Content{
			Name:    "narration.mp3",
			ModTime: audio.CreatedAt,
			Body:    bytes.NewReader(audio.Data),
		})
	}
}

// playbackHandler serves whatever the UI player currently addresses.
func playbackHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, err := cfg.Session.OpenMedia()
		if err != nil {
			WriteFailure(w, err)
			return
		}
		defer m.Close()

		cfg.PlaybackServer.Serve(w, r, playback.Content{
			Name:    m.Name,
			ModTime: m.ModTime,
			Body:    m.Content,
		})
	}
}

// previewStreamHandler streams the live mix as WAV until the client leaves
// or the preview stops mixing.
func previewStreamHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Preview == nil {
			WriteError(w, http.StatusServiceUnavailable, "preview unavailable", "NOT_MIXING")
			return
		}

		w.Header().Set("Content-Type", "audio/wav")
		w.Header().Set("Cache-Control", "no-store")
		err := cfg.Preview.Stream(r.Context(), w)
		if errors.Is(err, preview.ErrNotMixing) {
			WriteError(w, http.StatusConflict, err.Error(), "NOT_MIXING")
			return
		}
		if err != nil {
			cfg.Logger.Debug("preview stream ended", "error", err)
		}
	}
}
