package classify

import (
	"context"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// GeminiConfig configures the Gemini text classifier.
type GeminiConfig struct {
	APIKey    string
	ModelName string // default gemini-1.5-flash
}

// GeminiClient classifies text with a Gemini model in JSON response mode.
type GeminiClient struct {
	client *genai.Client
	model  *genai.GenerativeModel
	logger *zap.Logger
}

func NewGeminiClient(ctx context.Context, cfg GeminiConfig, logger *zap.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if cfg.ModelName == "" {
		cfg.ModelName = "gemini-1.5-flash"
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	model := client.GenerativeModel(cfg.ModelName)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(SystemInstruction)},
	}
	model.GenerationConfig = genai.GenerationConfig{
		Temperature:      genai.Ptr[float32](0.3),
		MaxOutputTokens:  genai.Ptr[int32](500),
		ResponseMIMEType: "application/json",
	}

	logger.Info("Gemini client initialized", zap.String("model", cfg.ModelName))

	return &GeminiClient{client: client, model: model, logger: logger}, nil
}

func (c *GeminiClient) Name() string { return "gemini" }

func (c *GeminiClient) Close() error {
	return c.client.Close()
}

func (c *GeminiClient) ClassifyText(ctx context.Context, text, sensitivity string) (TextVerdict, error) {
	resp, err := c.model.GenerateContent(ctx, genai.Text(BuildTextPrompt(text, sensitivity)))
	if err != nil {
		return TextVerdict{}, fmt.Errorf("%w: gemini: %w", ErrUnavailable, err)
	}

	return geminiVerdict(resp)
}

// geminiVerdict decodes the first text part of the first candidate.
func geminiVerdict(resp *genai.GenerateContentResponse) (TextVerdict, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return TextVerdict{}, fmt.Errorf("%w: empty response from gemini", ErrMalformed)
	}

	textPart, ok := resp.Candidates[0].Content.Parts[0].(genai.Text)
	if !ok {
		return TextVerdict{}, fmt.Errorf("%w: unexpected response part %T", ErrMalformed, resp.Candidates[0].Content.Parts[0])
	}

	return decodeVerdict(string(textPart))
}
