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

// OllamaClient is a Client backed by a local or remote Ollama server's
// /api/generate endpoint. Non-streaming only — the Model contract has
// no callback, so there is nothing for a stream to buy us here.
type OllamaClient struct {
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *slog.Logger

	mu      sync.RWMutex
	profile Profile
}

// NewOllamaClient builds an Ollama-backed Client. baseURL is the
// server's root (e.g. "http://localhost:11434"); model is the model
// tag Ollama should load (e.g. "llama3.1:8b").
func NewOllamaClient(baseURL, modelName string, logger *slog.Logger) *OllamaClient {
	if logger == nil {
		logger = slog.Default()
	}

	// Generation can take a long time before the first response byte
	// arrives (cold model load, long prompts). Give headers generous
	// room the way the teacher's chat client does.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 5 * time.Minute

	return &OllamaClient{
		baseURL: baseURL,
		model:   modelName,
		logger:  logger.With("provider", "ollama", "model", modelName),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(5*time.Minute),
			httpkit.WithTransport(t),
			httpkit.WithRetry(3, 2*time.Second),
			httpkit.WithLogger(logger),
		),
		profile: DefaultProfile(),
	}
}

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

func optionsFromProfile(p Profile) map[string]any {
	opts := map[string]any{
		"temperature":    p.Temperature,
		"top_p":          p.TopP,
		"top_k":          p.TopK,
		"num_predict":    p.MaxNewTokens,
		"repeat_penalty": p.RepetitionPenalty,
	}
	if len(p.Stop) > 0 {
		opts["stop"] = p.Stop
	}
	return opts
}

// Generate implements Client.
func (c *OllamaClient) Generate(ctx context.Context, prompt string, profile Profile) (string, error) {
	req := ollamaGenerateRequest{
		Model:   c.model,
		Prompt:  prompt,
		Stream:  false,
		Options: optionsFromProfile(profile),
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/generate", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	c.logger.Debug("generating", "prompt_len", len(prompt))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		return "", fmt.Errorf("ollama API error %d: %s", resp.StatusCode, errBody)
	}

	var wire ollamaGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	c.logger.Debug("generation complete", "response_len", len(wire.Response))

	c.mu.Lock()
	c.profile = profile
	c.mu.Unlock()

	return wire.Response, nil
}

// SaveCheckpoint implements Client.
func (c *OllamaClient) SaveCheckpoint(path string) error {
	c.mu.RLock()
	p := c.profile
	c.mu.RUnlock()
	return saveProfileCheckpoint(path, c.model, p)
}

// LoadCheckpoint implements Client.
func (c *OllamaClient) LoadCheckpoint(path string) error {
	cp, err := loadProfileCheckpoint(path)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.profile = cp.Profile
	c.mu.Unlock()
	return nil
}
