package narration

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/narrato/narrato-agent/internal/logging"
)

const DefaultGeminiModel = "gemini-2.5-flash"

// contentGenerator is the part of *genai.GenerativeModel the client uses.
type contentGenerator interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

// GeminiConfig configures a GeminiClient.
type GeminiConfig struct {
	APIKey string
	Model  string
	Logger *slog.Logger
}

// GeminiClient implements TextGenerator with the Gemini API.
type GeminiClient struct {
	client    *genai.Client
	model     contentGenerator
	modelName string
	logger    *slog.Logger
}

// NewGeminiClient dials the Gemini API. Close releases the connection.
func NewGeminiClient(ctx context.Context, cfg GeminiConfig) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	name := cfg.Model
	if name == "" {
		name = DefaultGeminiModel
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiClient{
		client:    client,
		model:     client.GenerativeModel(name),
		modelName: name,
		logger:    logging.WithComponent(logging.OrDiscard(cfg.Logger), "gemini"),
	}, nil
}

// GenerateText sends the prompt and the frames as inline JPEG blobs. The
// answer is every text part of every candidate, joined by newline.
func (c *GeminiClient) GenerateText(ctx context.Context, req Request) (string, error) {
	parts := make([]genai.Part, 0, len(req.Images)+1)
	parts = append(parts, genai.Text(req.Prompt))
	for _, img := range req.Images {
		parts = append(parts, genai.ImageData("jpeg", img))
	}

	c.logger.Info("requesting narration text",
		"model", c.modelName,
		"images", len(req.Images),
		"prompt_chars", len(req.Prompt),
	)

	resp, err := c.model.GenerateContent(ctx, parts...)
	if err != nil {
		return "", fmt.Errorf("gemini generate content: %w", err)
	}

	var texts []string
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				texts = append(texts, string(text))
			}
		}
	}
	if len(texts) == 0 {
		return "", ErrNoOutput
	}
	return strings.Join(texts, "\n"), nil
}

// Close releases the underlying client.
func (c *GeminiClient) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}
