package session

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	"github.com/narrato/narrato-agent/internal/frames"
	"github.com/narrato/narrato-agent/internal/merge"
	"github.com/narrato/narrato-agent/internal/preview"
)

// SourceVideo is the uploaded file. It is immutable once stored; a new
// upload replaces it wholesale.
type SourceVideo struct {
	Name       string    `json:"name"`
	Ext        string    `json:"ext"`
	Path       string    `json:"-"`
	Size       int64     `json:"size"`
	Duration   float64   `json:"duration"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	HasAudio   bool      `json:"has_audio"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// FrameSet is either empty or holds exactly the sampler's frame count, in
// timestamp order.
type FrameSet struct {
	Frames []frames.Frame `json:"frames"`
}

func (fs FrameSet) Len() int { return len(fs.Frames) }

// Images returns the JPEG payloads in order.
func (fs FrameSet) Images() [][]byte {
	out := make([][]byte, len(fs.Frames))
	for i, f := range fs.Frames {
		out[i] = f.JPEG
	}
	return out
}

// NarrationText is the generated or edited narration.
type NarrationText struct {
	Text    string `json:"text"`
	Version string `json:"version"`
}

// NewNarrationText versions text by its content hash.
func NewNarrationText(text string) NarrationText {
	return NarrationText{Text: text, Version: TextVersion(text)}
}

// TextVersion is the sha256 hex digest of text.
func TextVersion(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// NarrationAudio is synthesized speech. TextVersion records the text it was
// generated from.
type NarrationAudio struct {
	Data        []byte    `json:"-"`
	MIME        string    `json:"mime"`
	TextVersion string    `json:"text_version"`
	Duration    float64   `json:"duration"`
	CreatedAt   time.Time `json:"created_at"`
}

// MergedOutput is the latest successful merge.
type MergedOutput struct {
	Data      []byte         `json:"-"`
	Ext       string         `json:"ext"`
	Strategy  merge.Strategy `json:"strategy"`
	Duration  float64        `json:"duration"`
	CreatedAt time.Time      `json:"created_at"`
}

// PlaybackState is where the player is and what it addresses.
type PlaybackState struct {
	Time     float64        `json:"time"`
	Duration float64        `json:"duration"`
	Target   preview.Target `json:"target"`
	Mode     preview.Mode   `json:"mode"`
	Playing  bool           `json:"playing"`
	Muted    bool           `json:"muted"`
	Label    string         `json:"label"`
}

// AudioInfo describes narration audio without its payload.
type AudioInfo struct {
	MIME        string  `json:"mime"`
	Bytes       int     `json:"bytes"`
	Duration    float64 `json:"duration"`
	TextVersion string  `json:"text_version"`
	Stale       bool    `json:"stale"`
}

// MergedInfo describes the merged output without its payload.
type MergedInfo struct {
	Ext       string         `json:"ext"`
	Bytes     int            `json:"bytes"`
	Duration  float64        `json:"duration"`
	Strategy  merge.Strategy `json:"strategy"`
	CreatedAt time.Time      `json:"created_at"`
}

// Status is a snapshot of the whole session.
type Status struct {
	Source       *SourceVideo        `json:"source,omitempty"`
	FrameCount   int                 `json:"frame_count"`
	FrameTarget  int                 `json:"frame_target"`
	Instructions string              `json:"instructions"`
	Text         *NarrationText      `json:"text,omitempty"`
	Audio        *AudioInfo          `json:"audio,omitempty"`
	Mix          preview.MixSettings `json:"mix"`
	Merged       *MergedInfo         `json:"merged,omitempty"`
	Playback     PlaybackState       `json:"playback"`
	ActiveJobs   []*Job              `json:"active_jobs"`
	EngineReady  bool                `json:"engine_ready"`
}

const (
	JobTypeFrames = "frames"
	JobTypeText   = "text"
	JobTypeAudio  = "audio"
	JobTypeMerge  = "merge"

	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusCanceled  = "canceled"
)

// Job is one asynchronous operation as recorded in the session store.
type Job struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Status    string    `json:"status"`
	Progress  int       `json:"progress"`
	Label     string    `json:"label,omitempty"`
	Error     string    `json:"error,omitempty"`
	Code      string    `json:"code,omitempty"`
	Hint      string    `json:"hint,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Done reports whether the job reached a terminal status.
func (j *Job) Done() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCanceled:
		return true
	}
	return false
}

func NewID() string {
	return uuid.NewString()
}

// Activity summarizes the running jobs for status lines: "idle",
// "extracting frames 3/20", "generating" or "merging".
func (st Status) Activity() string {
	for _, j := range st.ActiveJobs {
		switch j.Type {
		case JobTypeFrames:
			if j.Label != "" {
				return "extracting frames " + j.Label
			}
			return "extracting frames"
		case JobTypeText, JobTypeAudio:
			return "generating"
		case JobTypeMerge:
			return "merging"
		}
	}
	return "idle"
}
