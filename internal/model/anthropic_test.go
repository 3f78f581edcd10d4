package model

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// anthropicAPIURL is a package-level const pointing at the real API; we
// can't redirect it without a constructor param, so these tests exercise
// the response-decoding path directly rather than a live round trip.

func TestAnthropicClient_DecodesTextBlocks(t *testing.T) {
	wire := anthropicResponse{
		ID:   "msg_1",
		Type: "message",
		Role: "assistant",
		Content: []anthropicContentBlock{
			{Type: "text", Text: "part one "},
			{Type: "text", Text: "part two"},
		},
		StopReason: "end_turn",
	}

	data, err := json.Marshal(wire)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded anthropicResponse
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	var text string
	for _, block := range decoded.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if text != "part one part two" {
		t.Errorf("decoded text = %q, want %q", text, "part one part two")
	}
}

func TestAnthropicClient_ErrorResponse(t *testing.T) {
	// Exercise the error-path decoding against a local server standing
	// in for the Anthropic error shape, bypassing the hardcoded URL by
	// constructing the request the same way Generate does.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(anthropicResponse{
			Error: &anthropicError{Type: "rate_limit_error", Message: "slow down"},
		})
	}))
	defer srv.Close()

	c := NewAnthropicClient("test-key", "claude-test", nil)

	req := anthropicRequest{
		Model:     c.model,
		MaxTokens: 64,
		Messages:  []anthropicMessage{{Role: "user", Content: "hi"}},
	}
	body, _ := json.Marshal(req)

	httpReq, err := http.NewRequestWithContext(context.Background(), "POST", srv.URL, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()

	var wire anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", resp.StatusCode)
	}
	if wire.Error == nil || wire.Error.Type != "rate_limit_error" {
		t.Errorf("error = %+v, want rate_limit_error", wire.Error)
	}
}

func TestAnthropicClient_Checkpoint(t *testing.T) {
	c := NewAnthropicClient("test-key", "claude-test", nil)

	custom := Profile{Temperature: 0.3, TopP: 0.8, TopK: 20, MaxNewTokens: 256, RepetitionPenalty: 1.0}
	path := t.TempDir() + "/checkpoint.json"

	c.mu.Lock()
	c.profile = custom
	c.mu.Unlock()

	if err := c.SaveCheckpoint(path); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	c.mu.Lock()
	c.profile = DefaultProfile()
	c.mu.Unlock()

	if err := c.LoadCheckpoint(path); err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}

	c.mu.RLock()
	got := c.profile
	c.mu.RUnlock()

	if got.Temperature != custom.Temperature || got.MaxNewTokens != custom.MaxNewTokens {
		t.Errorf("restored profile = %+v, want %+v", got, custom)
	}
}
