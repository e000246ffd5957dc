// Package narration builds the narration-text generation request from a
// video's duration, the user's instructions and its sampled frames, and talks
// to the external text and speech generators.
package narration

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
)

// WordsPerMinute is the narration pace the word budget is derived from.
const WordsPerMinute = 100

const (
	placeholderWords        = "{num_words}"
	placeholderInstructions = "{instructions}"
)

var (
	ErrNoFrames        = errors.New("no frames sampled")
	ErrNoInstructions  = errors.New("instructions are empty")
	ErrInvalidDuration = errors.New("video duration must be positive")
	ErrEmptyText       = errors.New("narration text is empty")
	ErrMissingAPIKey   = errors.New("api key not configured")
	ErrNoOutput        = errors.New("generator returned no text")
)

// TextGenerator turns a prompt and images into narration text.
type TextGenerator interface {
	GenerateText(ctx context.Context, req Request) (string, error)
}

// SpeechGenerator turns narration text into encoded audio.
type SpeechGenerator interface {
	Synthesize(ctx context.Context, req SpeechRequest) ([]byte, error)
}

// Request is a single narration-text generation call.
type Request struct {
	Prompt string
	// Images are JPEG stills in timestamp order.
	Images [][]byte
}

// DataURIs returns the images as data:image/jpeg;base64 URIs, in order.
func (r Request) DataURIs() []string {
	out := make([]string, len(r.Images))
	for i, img := range r.Images {
		out[i] = DataURI("image/jpeg", img)
	}
	return out
}

// SpeechRequest is a single text-to-speech call. Empty Model and Voice take
// the generator's defaults.
type SpeechRequest struct {
	Text  string
	Model string
	Voice string
}

// DataURI encodes data as a base64 data URI.
func DataURI(mime string, data []byte) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// WordCount is the narration word budget for a video of d seconds.
func WordCount(d float64) int {
	return int(math.Round(d / 60 * WordsPerMinute))
}

// Template is the narration prompt template.
type Template struct {
	text   string
	loaded bool
}

// LoadTemplate reads the template at path. A missing or unreadable file
// yields a fallback template that renders the raw instructions; the load
// error is returned alongside so callers can log it.
func LoadTemplate(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return &Template{}, fmt.Errorf("load prompt template: %w", err)
	}
	return &Template{text: string(data), loaded: true}, nil
}

// NewTemplate creates a template from text.
func NewTemplate(text string) *Template {
	return &Template{text: text, loaded: true}
}

// Loaded reports whether the template has content. An unloaded template
// renders the instructions verbatim.
func (t *Template) Loaded() bool {
	return t != nil && t.loaded
}

// Render substitutes the first occurrence of each placeholder.
func (t *Template) Render(words int, instructions string) string {
	if !t.Loaded() {
		return instructions
	}
	out := strings.Replace(t.text, placeholderWords, strconv.Itoa(words), 1)
	return strings.Replace(out, placeholderInstructions, instructions, 1)
}

// BuildRequest assembles the generation request. Frames are taken as-is and
// in order.
func BuildRequest(tmpl *Template, duration float64, instructions string, frames [][]byte) (Request, error) {
	if len(frames) == 0 {
		return Request{}, ErrNoFrames
	}
	if strings.TrimSpace(instructions) == "" {
		return Request{}, ErrNoInstructions
	}
	if duration <= 0 || math.IsNaN(duration) || math.IsInf(duration, 0) {
		return Request{}, ErrInvalidDuration
	}
	return Request{
		Prompt: tmpl.Render(WordCount(duration), instructions),
		Images: frames,
	}, nil
}
