package api

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/narrato/narrato-agent/internal/session"
	"github.com/narrato/narrato-agent/internal/timeline"
)

const maxJSONBody = 1 << 20

var errMissingFile = errors.New("multipart upload has no file part")

func NewRouter(cfg ServerConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(LoopbackGuard())
	r.Use(CORSAllowlist())

	r.Get("/health", healthHandler(cfg))

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Token, cfg.Logger))

		r.Get("/status", statusHandler(cfg))
		r.Post("/video", uploadHandler(cfg))
		r.Get("/frames", listFramesHandler(cfg))
		r.Get("/frames/{index}", frameImageHandler(cfg))

		r.Get("/narration/text", getTextHandler(cfg))
		r.Post("/narration/text", generateTextHandler(cfg))
		r.Put("/narration/text", putTextHandler(cfg))
		r.Get("/narration/audio", narrationAudioHandler(cfg))
		r.Post("/narration/audio", generateAudioHandler(cfg))

		r.Get("/mix", getMixHandler(cfg))
		r.Put("/mix", putMixHandler(cfg))
		r.Post("/merge", mergeHandler(cfg))

		r.Get("/jobs", listJobsHandler(cfg))
		r.Get("/jobs/{id}", getJobHandler(cfg))
		r.Post("/jobs/{id}/cancel", cancelJobHandler(cfg))

		r.Route("/transport", func(r chi.Router) {
			r.Get("/", transportStateHandler(cfg))
			r.Post("/seek", seekHandler(cfg))
			r.Post("/click", clickHandler(cfg))
			r.Post("/step", stepHandler(cfg))
			r.Post("/play", playHandler(cfg))
			r.Post("/pause", pauseHandler(cfg))
		})

		r.Get("/preview/stream", previewStreamHandler(cfg))
		r.Get("/playback/file", playbackHandler(cfg))
		r.Head("/playback/file", playbackHandler(cfg))
		r.Get("/export", exportHandler(cfg))
		if cfg.Events != nil {
			r.Handle("/events", cfg.Events)
		}
	})

	return r
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uptime := int64(time.Since(cfg.StartTime).Seconds())
		version := cfg.Version
		if version == "" {
			version = "dev"
		}
		WriteJSON(w, http.StatusOK, HealthResponse{
			Status:  "ok",
			Version: version,
			UptimeS: uptime,
		})
	}
}

func statusHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := cfg.Session.Status(r.Context())
		WriteJSON(w, http.StatusOK, StatusResponse{State: st.Activity(), Status: st})
	}
}

func uploadHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name, body, err := uploadBody(r)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
			return
		}

		src, job, err := cfg.Session.Upload(r.Context(), session.UploadRequest{Name: name, Body: body})
		if err != nil {
			WriteFailure(w, err)
			return
		}

		WriteJSON(w, http.StatusAccepted, UploadResponse{Source: src, Job: JobToResponse(job)})
	}
}

// uploadBody streams the "file" part of a multipart form, or the raw body
// named by the name query parameter or X-Filename header.
func uploadBody(r *http.Request) (string, io.Reader, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		name := r.URL.Query().Get("name")
		if name == "" {
			name = r.Header.Get("X-Filename")
		}
		return name, r.Body, nil
	}

	mr, err := r.MultipartReader()
	if err != nil {
		return "", nil, err
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return "", nil, errMissingFile
		}
		if err != nil {
			return "", nil, err
		}
		if part.FormName() == "file" {
			return part.FileName(), part, nil
		}
		part.Close()
	}
}

func listFramesHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		set := cfg.Session.Frames()
		st := cfg.Session.Status(r.Context())

		resp := FramesResponse{
			Count:  set.Len(),
			Target: st.FrameTarget,
			Frames: make([]FrameResponse, set.Len()),
		}
		for i, f := range set.Frames {
			resp.Frames[i] = FrameResponse{Index: f.Index, Timestamp: f.Timestamp, Width: f.Width, Height: f.Height}
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func frameImageHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		index, err := strconv.Atoi(chi.URLParam(r, "index"))
		if err != nil {
			WriteError(w, http.StatusBadRequest, "frame index must be an integer", "BAD_REQUEST")
			return
		}

		frame, err := cfg.Session.Frame(index)
		if err != nil {
			WriteFailure(w, err)
			return
		}

		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Content-Length", strconv.Itoa(len(frame.JPEG)))
		w.WriteHeader(http.StatusOK)
		w.Write(frame.JPEG)
	}
}

func getTextHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		text, err := cfg.Session.NarrationText()
		if err != nil {
			WriteFailure(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, text)
	}
}

func generateTextHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req GenerateTextRequest
		if err := decodeBody(r, &req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}

		instructions := strings.TrimSpace(req.Instructions)
		if instructions == "" {
			stored, err := cfg.Session.Instructions(r.Context())
			if err != nil {
				WriteFailure(w, err)
				return
			}
			instructions = stored
		}

		job, err := cfg.Session.GenerateText(r.Context(), instructions)
		if err != nil {
			WriteFailure(w, err)
			return
		}
		WriteJSON(w, http.StatusAccepted, JobToResponse(job))
	}
}

func putTextHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req TextRequest
		if err := decodeBody(r, &req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		WriteJSON(w, http.StatusOK, cfg.Session.SetNarrationText(req.Text))
	}
}

func generateAudioHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := cfg.Session.GenerateAudio(r.Context())
		if err != nil {
			WriteFailure(w, err)
			return
		}
		WriteJSON(w, http.StatusAccepted, JobToResponse(job))
	}
}

func getMixHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, cfg.Session.Mix())
	}
}

func putMixHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req MixRequest
		if err := decodeBody(r, &req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		if req.empty() {
			WriteError(w, http.StatusBadRequest, "no gain given", "BAD_REQUEST")
			return
		}
		WriteJSON(w, http.StatusOK, cfg.Session.SetMix(req.Apply(cfg.Session.Mix())))
	}
}

func mergeHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := cfg.Session.Merge(r.Context())
		if err != nil {
			WriteFailure(w, err)
			return
		}
		WriteJSON(w, http.StatusAccepted, JobToResponse(job))
	}
}

func listJobsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				WriteError(w, http.StatusBadRequest, "limit must be a positive integer", "BAD_REQUEST")
				return
			}
			limit = n
		}

		jobs, err := cfg.Session.ListJobs(r.Context(), limit)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list jobs", "INTERNAL_ERROR")
			return
		}

		resp := JobsResponse{Jobs: make([]JobResponse, len(jobs))}
		for i, j := range jobs {
			resp.Jobs[i] = JobToResponse(j)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func getJobHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			WriteError(w, http.StatusBadRequest, "job id required", "BAD_REQUEST")
			return
		}

		job, err := cfg.Session.Job(r.Context(), id)
		if errors.Is(err, session.ErrJobNotFound) {
			WriteError(w, http.StatusNotFound, "job not found", "NOT_FOUND")
			return
		}
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}

		WriteJSON(w, http.StatusOK, JobToResponse(job))
	}
}

func cancelJobHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !cfg.Session.CancelJob(chi.URLParam(r, "id")) {
			WriteError(w, http.StatusConflict, "job is not running", "NOT_RUNNING")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func transportStateHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, cfg.Session.Playback())
	}
}

func seekHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SeekRequest
		if err := decodeBody(r, &req); err != nil || req.Time == nil {
			WriteError(w, http.StatusBadRequest, "time is required", "BAD_REQUEST")
			return
		}
		st, err := cfg.Session.Seek(*req.Time)
		writePlayback(w, st, err)
	}
}

func clickHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ClickRequest
		if err := decodeBody(r, &req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		st, err := cfg.Session.Click(req.X, req.Width)
		writePlayback(w, st, err)
	}
}

func stepHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req StepRequest
		if err := decodeBody(r, &req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		st, err := cfg.Session.Step(timeline.Key(req.Key))
		writePlayback(w, st, err)
	}
}

func playHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := cfg.Session.Play()
		writePlayback(w, st, err)
	}
}

func pauseHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, cfg.Session.Pause())
	}
}

func writePlayback(w http.ResponseWriter, st session.PlaybackState, err error) {
	if err != nil {
		WriteFailure(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, st)
}

// decodeBody decodes a JSON body. An empty body leaves v unchanged.
func decodeBody(r *http.Request, v interface{}) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
