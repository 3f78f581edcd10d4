package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/nugget/sentinel-agent/internal/httpkit"
)

const (
	anthropicAPIURL     = "https://api.anthropic.com/v1/messages"
	anthropicAPIVersion = "2023-06-01"
)

// AnthropicClient is a Client backed by the Anthropic Messages API,
// used as a single-turn completion: the whole prompt goes in as one
// user message, no tools, no system/turn bookkeeping beyond that.
type AnthropicClient struct {
	apiKey     string
	model      string
	httpClient *http.Client
	logger     *slog.Logger

	mu      sync.RWMutex
	profile Profile
}

// NewAnthropicClient builds an Anthropic-backed Client for modelName
// (e.g. "claude-3-5-haiku-20241022").
func NewAnthropicClient(apiKey, modelName string, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}

	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	return &AnthropicClient{
		apiKey: apiKey,
		model:  modelName,
		logger: logger.With("provider", "anthropic", "model", modelName),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
		),
		profile: DefaultProfile(),
	}
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	TopP        float64            `json:"top_p,omitempty"`
	TopK        int                `json:"top_k,omitempty"`
	StopSeqs    []string           `json:"stop_sequences,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicResponse struct {
	ID         string                  `json:"id"`
	Type       string                  `json:"type"`
	Role       string                  `json:"role"`
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Error      *anthropicError         `json:"error,omitempty"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Generate implements Client.
func (c *AnthropicClient) Generate(ctx context.Context, prompt string, profile Profile) (string, error) {
	maxTokens := profile.MaxNewTokens
	if maxTokens <= 0 {
		maxTokens = 512
	}

	req := anthropicRequest{
		Model:       c.model,
		MaxTokens:   maxTokens,
		Temperature: profile.Temperature,
		TopP:        profile.TopP,
		TopK:        profile.TopK,
		StopSeqs:    profile.Stop,
		Messages: []anthropicMessage{
			{Role: "user", Content: prompt},
		},
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", anthropicAPIURL, bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	c.logger.Debug("generating", "prompt_len", len(prompt))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var wire anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		if wire.Error != nil {
			return "", fmt.Errorf("anthropic API error %d: %s: %s", resp.StatusCode, wire.Error.Type, wire.Error.Message)
		}
		return "", fmt.Errorf("anthropic API error %d", resp.StatusCode)
	}

	var text string
	for _, block := range wire.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	c.logger.Debug("generation complete", "response_len", len(text), "stop_reason", wire.StopReason)

	c.mu.Lock()
	c.profile = profile
	c.mu.Unlock()

	return text, nil
}

// SaveCheckpoint implements Client.
func (c *AnthropicClient) SaveCheckpoint(path string) error {
	c.mu.RLock()
	p := c.profile
	c.mu.RUnlock()
	return saveProfileCheckpoint(path, c.model, p)
}

// LoadCheckpoint implements Client.
func (c *AnthropicClient) LoadCheckpoint(path string) error {
	cp, err := loadProfileCheckpoint(path)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.profile = cp.Profile
	c.mu.Unlock()
	return nil
}
