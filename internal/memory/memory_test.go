package memory

import (
	"context"
	"strings"
	"testing"

	"github.com/nugget/sentinel-agent/internal/vectorstore"
)

// fakeEmbedder returns a deterministic vector derived from text length,
// just enough to give nearest-neighbor queries a stable ordering.
type fakeEmbedder struct{}

func (fakeEmbedder) Generate(ctx context.Context, text string) ([]float32, error) {
	return []float32{float32(len(text)), 1}, nil
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	interactions, err := vectorstore.NewMemStore(":memory:", "interactions")
	if err != nil {
		t.Fatalf("NewMemStore: %v", err)
	}
	t.Cleanup(func() { interactions.Close() })

	reflections, err := vectorstore.NewMemStore(":memory:", "reflections")
	if err != nil {
		t.Fatalf("NewMemStore: %v", err)
	}
	t.Cleanup(func() { reflections.Close() })

	return New(interactions, reflections, fakeEmbedder{}, Config{ConversationQueueSize: 3})
}

func TestStoreInteractionAndResponse(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msg := Message{Sender: "alice", Content: "hello there", Timestamp: 1000}
	if _, err := s.StoreInteraction(ctx, msg); err != nil {
		t.Fatalf("StoreInteraction: %v", err)
	}

	resp := Response{Text: "hi alice", InResponseTo: msg, Timestamp: 1001}
	if _, err := s.StoreResponse(ctx, resp); err != nil {
		t.Fatalf("StoreResponse: %v", err)
	}

	queue := s.ConversationQueue()
	if len(queue) != 1 || queue[0] != "hi alice" {
		t.Errorf("ConversationQueue = %v, want [hi alice]", queue)
	}
}

func TestConversationQueueBounded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		resp := Response{Text: string(rune('a' + i)), InResponseTo: Message{Sender: "x"}, Timestamp: int64(i)}
		if _, err := s.StoreResponse(ctx, resp); err != nil {
			t.Fatalf("StoreResponse: %v", err)
		}
	}

	queue := s.ConversationQueue()
	if len(queue) != 3 {
		t.Fatalf("ConversationQueue length = %d, want 3 (bounded)", len(queue))
	}
	if queue[0] != "c" || queue[2] != "e" {
		t.Errorf("ConversationQueue = %v, want [c d e]", queue)
	}
}

func TestRetrieveLastInteractionsPairsStrictly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msg := Message{Sender: "bob", Content: "what time is it", Timestamp: 42}
	if _, err := s.StoreInteraction(ctx, msg); err != nil {
		t.Fatalf("StoreInteraction: %v", err)
	}
	resp := Response{Text: "it is noon", InResponseTo: msg, Timestamp: 43}
	if _, err := s.StoreResponse(ctx, resp); err != nil {
		t.Fatalf("StoreResponse: %v", err)
	}

	// An unrelated response with no matching interaction should not pair.
	orphan := Response{Text: "orphan reply", InResponseTo: Message{Sender: "carol", Content: "never stored", Timestamp: 99}, Timestamp: 100}
	if _, err := s.StoreResponse(ctx, orphan); err != nil {
		t.Fatalf("StoreResponse: %v", err)
	}

	users, responses, err := s.RetrieveLastInteractions(ctx, 10)
	if err != nil {
		t.Fatalf("RetrieveLastInteractions: %v", err)
	}
	if len(users) != 1 || len(responses) != 1 {
		t.Fatalf("got %d paired users, %d paired responses, want 1 each", len(users), len(responses))
	}
	if users[0].Document != "what time is it" || responses[0].Document != "it is noon" {
		t.Errorf("unexpected pairing: user=%q response=%q", users[0].Document, responses[0].Document)
	}
}

func TestGetHybridContextStrategies(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msg := Message{Sender: "dan", Content: "remember this fact", Timestamp: 1}
	if _, err := s.StoreInteraction(ctx, msg); err != nil {
		t.Fatalf("StoreInteraction: %v", err)
	}
	resp := Response{Text: "noted", InResponseTo: msg, Timestamp: 2}
	if _, err := s.StoreResponse(ctx, resp); err != nil {
		t.Fatalf("StoreResponse: %v", err)
	}

	conv, err := s.GetHybridContext(ctx, "remember this fact", StrategyConversation, 5)
	if err != nil {
		t.Fatalf("GetHybridContext conversation: %v", err)
	}
	if conv != "noted" {
		t.Errorf("conversation context = %q, want %q", conv, "noted")
	}

	semantic, err := s.GetHybridContext(ctx, "remember this fact", StrategySemantic, 5)
	if err != nil {
		t.Fatalf("GetHybridContext semantic: %v", err)
	}
	if semantic == "" {
		t.Error("semantic context is empty, want at least one retrieved document")
	}

	if _, err := s.GetHybridContext(ctx, "x", "bogus", 1); err == nil {
		t.Error("expected error for unknown strategy")
	}
}

func TestStoreReflection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.StoreReflection(ctx, "a reflective thought", 500); err != nil {
		t.Fatalf("StoreReflection: %v", err)
	}

	records, err := s.reflections.Get(ctx)
	if err != nil {
		t.Fatalf("Get reflections: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d reflection records, want 1", len(records))
	}
	if records[0].Metadata["type"] != TypeSystemReflection {
		t.Errorf("reflection type = %q, want %q", records[0].Metadata["type"], TypeSystemReflection)
	}
}

func TestRetrieveRelevantContextIncludesReflections(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msg := Message{Sender: "erin", Content: "what is the weather", Timestamp: 1}
	if _, err := s.StoreInteraction(ctx, msg); err != nil {
		t.Fatalf("StoreInteraction: %v", err)
	}

	if _, err := s.StoreReflection(ctx, "first reflection", 10); err != nil {
		t.Fatalf("StoreReflection: %v", err)
	}
	if _, err := s.StoreReflection(ctx, "second reflection", 20); err != nil {
		t.Fatalf("StoreReflection: %v", err)
	}
	if _, err := s.StoreReflection(ctx, "third reflection", 30); err != nil {
		t.Fatalf("StoreReflection: %v", err)
	}

	items, err := s.RetrieveRelevantContext(ctx, "what is the weather", 1)
	if err != nil {
		t.Fatalf("RetrieveRelevantContext: %v", err)
	}

	var reflectionCount int
	for _, it := range items {
		if it.Type == TypeSystemReflection {
			reflectionCount++
			if !strings.HasPrefix(it.Document, reflectionMarker) {
				t.Errorf("reflection document %q missing marker prefix %q", it.Document, reflectionMarker)
			}
		}
	}
	if reflectionCount != reflectionResultCount {
		t.Errorf("got %d reflections in result, want %d (top-%d cap)", reflectionCount, reflectionResultCount, reflectionResultCount)
	}
}
