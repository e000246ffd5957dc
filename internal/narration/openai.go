package narration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/narrato/narrato-agent/internal/logging"
)

const (
	DefaultBaseURL  = "https://api.openai.com"
	DefaultModel    = "gpt-4o"
	DefaultTTSModel = "gpt-4o-mini-tts"
	DefaultVoice    = "nova"

	maxErrorBody     = 4096
	maxResponseBytes = 64 << 20
)

// APIError represents a non-2xx answer from a generation endpoint.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s failed: HTTP %d: %s", e.Op, e.StatusCode, e.Body)
}

// IsRetryable returns true for server errors (5xx).
// Client errors (4xx) are considered permanent.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode >= 500
}

// OpenAIConfig configures an OpenAIClient.
type OpenAIConfig struct {
	BaseURL  string
	APIKey   string
	Model    string
	TTSModel string
	Voice    string
	Timeout  time.Duration
	Logger   *slog.Logger
}

// OpenAIClient implements TextGenerator over the responses endpoint and
// SpeechGenerator over the audio speech endpoint.
type OpenAIClient struct {
	baseURL    string
	apiKey     string
	model      string
	ttsModel   string
	voice      string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	c := &OpenAIClient{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		ttsModel: cfg.TTSModel,
		voice:    cfg.Voice,
		logger:   logging.WithComponent(logging.OrDiscard(cfg.Logger), "openai"),
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.model == "" {
		c.model = DefaultModel
	}
	if c.ttsModel == "" {
		c.ttsModel = DefaultTTSModel
	}
	if c.voice == "" {
		c.voice = DefaultVoice
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	c.httpClient = &http.Client{Timeout: timeout}
	return c
}

type responsesRequest struct {
	Model string          `json:"model"`
	Input []responseInput `json:"input"`
}

type responseInput struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

type responsesResponse struct {
	Output []struct {
		Type    string `json:"type"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"output"`
}

// GenerateText sends the prompt followed by every image, in order, as one
// user message. The answer is every output_text segment of every message,
// joined by newline.
func (c *OpenAIClient) GenerateText(ctx context.Context, req Request) (string, error) {
	if c.apiKey == "" {
		return "", ErrMissingAPIKey
	}

	parts := make([]contentPart, 0, len(req.Images)+1)
	parts = append(parts, contentPart{Type: "input_text", Text: req.Prompt})
	for _, uri := range req.DataURIs() {
		parts = append(parts, contentPart{Type: "input_image", ImageURL: uri})
	}
	payload := responsesRequest{
		Model: c.model,
		Input: []responseInput{{Role: "user", Content: parts}},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal responses payload: %w", err)
	}

	c.logger.Info("requesting narration text",
		"model", c.model,
		"images", len(req.Images),
		"prompt_chars", len(req.Prompt),
		"body_bytes", len(body),
	)

	respBody, err := c.post(ctx, "/v1/responses", "narration text generation", body, maxResponseBytes)
	if err != nil {
		return "", err
	}

	var result responsesResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("decode responses answer: %w", err)
	}
	var texts []string
	for _, item := range result.Output {
		if item.Type != "message" {
			continue
		}
		for _, content := range item.Content {
			if content.Type == "output_text" {
				texts = append(texts, content.Text)
			}
		}
	}
	if len(texts) == 0 {
		return "", ErrNoOutput
	}
	return strings.Join(texts, "\n"), nil
}

type speechRequest struct {
	Model          string `json:"model"`
	Voice          string `json:"voice"`
	Input          string `json:"input"`
	ResponseFormat string `json:"response_format"`
}

// Synthesize returns MP3 bytes for req.Text.
func (c *OpenAIClient) Synthesize(ctx context.Context, req SpeechRequest) ([]byte, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrEmptyText
	}
	if c.apiKey == "" {
		return nil, ErrMissingAPIKey
	}

	payload := speechRequest{
		Model:          req.Model,
		Voice:          req.Voice,
		Input:          req.Text,
		ResponseFormat: "mp3",
	}
	if payload.Model == "" {
		payload.Model = c.ttsModel
	}
	if payload.Voice == "" {
		payload.Voice = c.voice
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal speech payload: %w", err)
	}

	c.logger.Info("requesting narration audio",
		"model", payload.Model,
		"voice", payload.Voice,
		"text_chars", len(req.Text),
	)

	audio, err := c.post(ctx, "/v1/audio/speech", "narration audio generation", body, maxResponseBytes)
	if err != nil {
		return nil, err
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("speech endpoint returned no audio")
	}
	return audio, nil
}

func (c *OpenAIClient) post(ctx context.Context, path, op string, body []byte, limit int64) ([]byte, error) {
	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Warn("generation request failed",
			"op", op,
			"status", resp.StatusCode,
			"api_key", logging.SanitizeToken(c.apiKey),
		)
		return nil, &APIError{Op: op, StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	c.logger.Info("generation request succeeded",
		"op", op,
		"response_bytes", len(respBody),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return respBody, nil
}
