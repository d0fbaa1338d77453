package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// GroqConfig configures the Groq (OpenAI-compatible) text classifier.
type GroqConfig struct {
	APIKey    string
	BaseURL   string // default https://api.groq.com/openai/v1
	ModelName string // default llama-3.3-70b-versatile
}

// GroqClient classifies text through the chat completions endpoint.
type GroqClient struct {
	apiKey     string
	baseURL    string
	modelName  string
	httpClient *http.Client
	logger     *zap.Logger
}

type groqRequest struct {
	Model       string        `json:"model"`
	Messages    []groqMessage `json:"messages"`
	Temperature float32       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
	Stream      bool          `json:"stream"`
}

type groqMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type groqResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// NewGroqClient validates cfg and returns a client. The HTTP timeout is a
// backstop; the gateway bounds each call with its own deadline.
func NewGroqClient(cfg GroqConfig, logger *zap.Logger) (*GroqClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("groq API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.groq.com/openai/v1"
	}
	if cfg.ModelName == "" {
		cfg.ModelName = "llama-3.3-70b-versatile"
	}

	logger.Info("Groq client initialized", zap.String("model", cfg.ModelName))

	return &GroqClient{
		apiKey:     cfg.APIKey,
		baseURL:    cfg.BaseURL,
		modelName:  cfg.ModelName,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}, nil
}

func (c *GroqClient) Name() string { return "groq-llama" }

// ClassifyText sends one completion request and decodes the verdict.
func (c *GroqClient) ClassifyText(ctx context.Context, text, sensitivity string) (TextVerdict, error) {
	reqBody := groqRequest{
		Model: c.modelName,
		Messages: []groqMessage{
			{Role: "system", Content: SystemInstruction},
			{Role: "user", Content: BuildTextPrompt(text, sensitivity)},
		},
		Temperature: 0.3,
		MaxTokens:   500,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return TextVerdict{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return TextVerdict{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return TextVerdict{}, fmt.Errorf("%w: groq: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return TextVerdict{}, fmt.Errorf("%w: groq read: %w", ErrUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Debug("Groq API error", zap.Int("status", resp.StatusCode), zap.String("body", string(body)))
		return TextVerdict{}, fmt.Errorf("%w: groq returned status %d", ErrUnavailable, resp.StatusCode)
	}

	var groqResp groqResponse
	if err := json.Unmarshal(body, &groqResp); err != nil {
		return TextVerdict{}, fmt.Errorf("%w: groq envelope: %v", ErrMalformed, err)
	}
	if len(groqResp.Choices) == 0 {
		return TextVerdict{}, fmt.Errorf("%w: empty response from groq", ErrMalformed)
	}

	return decodeVerdict(groqResp.Choices[0].Message.Content)
}
