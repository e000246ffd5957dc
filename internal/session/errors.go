package session

import (
	"context"
	"errors"

	"github.com/narrato/narrato-agent/internal/frames"
	"github.com/narrato/narrato-agent/internal/media"
	"github.com/narrato/narrato-agent/internal/merge"
	"github.com/narrato/narrato-agent/internal/narration"
	"github.com/narrato/narrato-agent/internal/preview"
)

// User-visible failure codes.
const (
	CodeInput      = "INPUT_ERROR"
	CodeRead       = "READ_ERROR"
	CodeStaging    = "STAGING_ERROR"
	CodeMix        = "MIX_ERROR"
	CodeOutput     = "OUTPUT_ERROR"
	CodeFrames     = "FRAME_ERROR"
	CodeGeneration = "GENERATION_ERROR"
	CodeEngine     = "ENGINE_UNAVAILABLE"
	CodeCanceled   = "CANCELED"
	CodeInternal   = "INTERNAL_ERROR"
)

var (
	ErrNoSource        = errors.New("no video uploaded")
	ErrNoFrames        = errors.New("frames are not extracted yet")
	ErrNoText          = errors.New("no narration text")
	ErrNoAudio         = errors.New("no narration audio")
	ErrNoMerged        = errors.New("no merged output")
	ErrNotVideo        = errors.New("uploaded file is not a readable video")
	ErrInvalidFrame    = errors.New("frame index out of range")
	ErrUploadTooLarge  = errors.New("upload exceeds the size limit")
	ErrSuperseded      = errors.New("superseded by a newer upload")
	ErrJobNotFound     = errors.New("job not found")
	ErrTextUnavailable = errors.New("text generator not configured")
	ErrTTSUnavailable  = errors.New("speech generator not configured")
)

// Failure is the user-facing form of an error.
type Failure struct {
	Message string `json:"error"`
	Code    string `json:"code"`
	Hint    string `json:"hint,omitempty"`
}

// Classify maps an error from any session operation to its failure code.
func Classify(err error) *Failure {
	if err == nil {
		return nil
	}
	f := &Failure{Message: err.Error(), Code: CodeInternal}

	var merr *merge.Error
	var apiErr *narration.APIError
	switch {
	case errors.As(err, &merr):
		f.Hint = merr.Hint
		switch merr.Kind {
		case merge.KindInput:
			f.Code = CodeInput
		case merge.KindRead:
			f.Code = CodeRead
		case merge.KindStaging:
			f.Code = CodeStaging
		case merge.KindMix:
			f.Code = CodeMix
		case merge.KindOutput:
			f.Code = CodeOutput
		}
	case errors.Is(err, ErrSuperseded), errors.Is(err, context.Canceled):
		f.Code = CodeCanceled
	case errors.Is(err, media.ErrEngineUnavailable):
		f.Code = CodeEngine
	case errors.Is(err, frames.ErrFrameTimeout), errors.Is(err, frames.ErrInvalidDuration):
		f.Code = CodeFrames
	case errors.As(err, &apiErr),
		errors.Is(err, narration.ErrNoOutput),
		errors.Is(err, narration.ErrMissingAPIKey),
		errors.Is(err, ErrTextUnavailable),
		errors.Is(err, ErrTTSUnavailable):
		f.Code = CodeGeneration
	case errors.Is(err, ErrNoSource),
		errors.Is(err, ErrNoFrames),
		errors.Is(err, ErrNoText),
		errors.Is(err, ErrNoAudio),
		errors.Is(err, ErrNoMerged),
		errors.Is(err, ErrNotVideo),
		errors.Is(err, ErrInvalidFrame),
		errors.Is(err, ErrUploadTooLarge),
		errors.Is(err, preview.ErrNoMedia),
		errors.Is(err, narration.ErrNoFrames),
		errors.Is(err, narration.ErrNoInstructions),
		errors.Is(err, narration.ErrInvalidDuration),
		errors.Is(err, narration.ErrEmptyText):
		f.Code = CodeInput
	}
	return f
}
