package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/narrato/narrato-agent/internal/merge"
	"github.com/narrato/narrato-agent/internal/preview"
	"github.com/narrato/narrato-agent/internal/session"
)

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	UptimeS int64  `json:"uptime_s"`
}

type StatusResponse struct {
	State string `json:"state"`
	session.Status
}

type UploadResponse struct {
	Source *session.SourceVideo `json:"source"`
	Job    JobResponse          `json:"job"`
}

type FrameResponse struct {
	Index     int     `json:"index"`
	Timestamp float64 `json:"timestamp"`
	Width     int     `json:"width"`
	Height    int     `json:"height"`
}

type FramesResponse struct {
	Count  int             `json:"count"`
	Target int             `json:"target"`
	Frames []FrameResponse `json:"frames"`
}

type GenerateTextRequest struct {
	Instructions string `json:"instructions"`
}

type TextRequest struct {
	Text string `json:"text"`
}

// MixRequest accepts either slider percentages or linear gains. Percentages
// win when both are present.
type MixRequest struct {
	VideoPercent     *int     `json:"video_percent,omitempty"`
	NarrationPercent *int     `json:"narration_percent,omitempty"`
	VideoGain        *float64 `json:"video_gain,omitempty"`
	NarrationGain    *float64 `json:"narration_gain,omitempty"`
}

// Apply overlays the request on current.
func (m MixRequest) Apply(current preview.MixSettings) preview.MixSettings {
	out := current
	if m.VideoGain != nil {
		out.VideoGain = *m.VideoGain
	}
	if m.NarrationGain != nil {
		out.NarrationGain = *m.NarrationGain
	}
	if m.VideoPercent != nil {
		out.VideoGain = float64(*m.VideoPercent) / 100
	}
	if m.NarrationPercent != nil {
		out.NarrationGain = float64(*m.NarrationPercent) / 100
	}
	return out
}

func (m MixRequest) empty() bool {
	return m.VideoPercent == nil && m.NarrationPercent == nil && m.VideoGain == nil && m.NarrationGain == nil
}

type SeekRequest struct {
	Time *float64 `json:"time"`
}

type ClickRequest struct {
	X     float64 `json:"x"`
	Width float64 `json:"width"`
}

type StepRequest struct {
	Key string `json:"key"`
}

type JobResponse struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Status    string `json:"status"`
	Progress  int    `json:"progress"`
	Label     string `json:"label,omitempty"`
	Error     string `json:"error,omitempty"`
	Code      string `json:"code,omitempty"`
	Hint      string `json:"hint,omitempty"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

type JobsResponse struct {
	Jobs []JobResponse `json:"jobs"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
	Hint  string `json:"hint,omitempty"`
}

func JobToResponse(j *session.Job) JobResponse {
	return JobResponse{
		ID:        j.ID,
		Type:      j.Type,
		Status:    j.Status,
		Progress:  j.Progress,
		Label:     j.Label,
		Error:     j.Error,
		Code:      j.Code,
		Hint:      j.Hint,
		CreatedAt: j.CreatedAt.Format(time.RFC3339),
		UpdatedAt: j.UpdatedAt.Format(time.RFC3339),
	}
}

func statusForFailure(err error, f *session.Failure) int {
	var merr *merge.Error
	switch f.Code {
	case session.CodeInput:
		switch {
		case errors.Is(err, session.ErrUploadTooLarge):
			return http.StatusRequestEntityTooLarge
		case errors.Is(err, session.ErrInvalidFrame):
			return http.StatusNotFound
		case errors.Is(err, session.ErrNotVideo):
			return http.StatusUnsupportedMediaType
		case errors.As(err, &merr),
			errors.Is(err, session.ErrNoSource),
			errors.Is(err, session.ErrNoFrames),
			errors.Is(err, session.ErrNoText),
			errors.Is(err, session.ErrNoAudio),
			errors.Is(err, session.ErrNoMerged),
			errors.Is(err, preview.ErrNoMedia):
			return http.StatusConflict
		}
		return http.StatusBadRequest
	case session.CodeGeneration:
		if errors.Is(err, session.ErrTextUnavailable) || errors.Is(err, session.ErrTTSUnavailable) {
			return http.StatusServiceUnavailable
		}
		return http.StatusBadGateway
	case session.CodeEngine:
		return http.StatusServiceUnavailable
	case session.CodeCanceled:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
