// Package memory implements the two append-only vector collections
// (interactions, reflections) and the bounded conversation queue that
// together form the system's memory substrate.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/sentinel-agent/internal/vectorstore"
)

// Record type tags stored in interaction/reflection metadata.
const (
	TypeUserMessage      = "user_message"
	TypeSystemResponse   = "system_response"
	TypeSystemReflection = "system_reflection"
)

// Embedder generates a vector embedding for a piece of text.
type Embedder interface {
	Generate(ctx context.Context, text string) ([]float32, error)
}

// Message is an inbound message as received from a transport.
type Message struct {
	Sender    string
	Content   string
	Timestamp int64
	Metadata  map[string]string
}

// Response is a pipeline-produced reply to a Message.
type Response struct {
	Text         string
	InResponseTo Message
	Timestamp    int64
}

// Interaction is one retrieved record from the interaction collection.
type Interaction struct {
	ID                string
	Document          string
	Source            string
	Timestamp         int64
	Type              string
	InResponseTo      string
	OriginalSender    string
	OriginalTimestamp int64
}

// Config controls the conversation queue bound.
type Config struct {
	ConversationQueueSize int // default 5
}

func (c Config) withDefaults() Config {
	if c.ConversationQueueSize <= 0 {
		c.ConversationQueueSize = 5
	}
	return c
}

// Store is the Memory component: two vector collections plus the
// bounded conversation queue.
type Store struct {
	interactions vectorstore.Collection
	reflections  vectorstore.Collection
	embedder     Embedder
	cfg          Config

	mu    sync.Mutex
	queue []string // FIFO of the system's last N reply texts
}

// New builds a Store over the given collections.
func New(interactions, reflections vectorstore.Collection, embedder Embedder, cfg Config) *Store {
	return &Store{
		interactions: interactions,
		reflections:  reflections,
		embedder:     embedder,
		cfg:          cfg.withDefaults(),
	}
}

// StoreInteraction embeds and persists an inbound user message.
func (s *Store) StoreInteraction(ctx context.Context, msg Message) (string, error) {
	vec, err := s.embedder.Generate(ctx, msg.Content)
	if err != nil {
		return "", fmt.Errorf("embed interaction: %w", err)
	}

	id := uuid.Must(uuid.NewV7()).String()
	metadata := map[string]string{
		"source":    msg.Sender,
		"timestamp": formatTimestamp(msg.Timestamp),
		"type":      TypeUserMessage,
	}

	if err := s.interactions.Add(ctx, id, vec, msg.Content, metadata); err != nil {
		return "", fmt.Errorf("add interaction: %w", err)
	}
	return id, nil
}

// StoreResponse embeds and persists an outbound response, in both the
// interaction collection (for retrieval) and the conversation queue
// (for "what I just said" lookups).
func (s *Store) StoreResponse(ctx context.Context, resp Response) (string, error) {
	vec, err := s.embedder.Generate(ctx, resp.Text)
	if err != nil {
		return "", fmt.Errorf("embed response: %w", err)
	}

	id := uuid.Must(uuid.NewV7()).String()
	metadata := map[string]string{
		"source":             "system",
		"timestamp":          formatTimestamp(resp.Timestamp),
		"type":               TypeSystemResponse,
		"in_response_to":     resp.InResponseTo.Content,
		"original_sender":    resp.InResponseTo.Sender,
		"original_timestamp": formatTimestamp(resp.InResponseTo.Timestamp),
	}

	if err := s.interactions.Add(ctx, id, vec, resp.Text, metadata); err != nil {
		return "", fmt.Errorf("add response: %w", err)
	}

	s.pushQueue(resp.Text)
	return id, nil
}

// StoreReflection embeds and persists a system-generated reflection.
func (s *Store) StoreReflection(ctx context.Context, text string, timestamp int64) (string, error) {
	vec, err := s.embedder.Generate(ctx, text)
	if err != nil {
		return "", fmt.Errorf("embed reflection: %w", err)
	}

	id := uuid.Must(uuid.NewV7()).String()
	metadata := map[string]string{
		"source":    "system",
		"timestamp": formatTimestamp(timestamp),
		"type":      TypeSystemReflection,
	}

	if err := s.reflections.Add(ctx, id, vec, text, metadata); err != nil {
		return "", fmt.Errorf("add reflection: %w", err)
	}
	return id, nil
}

func (s *Store) pushQueue(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queue = append(s.queue, text)
	if over := len(s.queue) - s.cfg.ConversationQueueSize; over > 0 {
		s.queue = s.queue[over:]
	}
}

// ConversationQueue returns a copy of the current queue, oldest first.
func (s *Store) ConversationQueue() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, len(s.queue))
	copy(out, s.queue)
	return out
}

// reflectionResultCount is the fixed top-2 cap on reflections folded
// into RetrieveRelevantContext, independent of the interaction n.
const reflectionResultCount = 2

// reflectionMarker prefixes a reflection's document text once merged
// into a RetrieveRelevantContext result, so callers can tell a
// reflection apart from an interaction in the combined text.
const reflectionMarker = "[reflection] "

// RetrieveRelevantContext returns the n interaction records whose
// embeddings are nearest to query, plus the top-2 nearest reflections,
// marker-prefixed and appended after the interactions.
func (s *Store) RetrieveRelevantContext(ctx context.Context, query string, n int) ([]Interaction, error) {
	vec, err := s.embedder.Generate(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	results, err := s.interactions.Query(ctx, vec, n)
	if err != nil {
		return nil, fmt.Errorf("query interactions: %w", err)
	}

	out := make([]Interaction, 0, len(results)+reflectionResultCount)
	for _, r := range results {
		out = append(out, interactionFromResult(r.ID, r.Document, r.Metadata))
	}

	reflResults, err := s.reflections.Query(ctx, vec, reflectionResultCount)
	if err != nil {
		return nil, fmt.Errorf("query reflections: %w", err)
	}
	for _, r := range reflResults {
		out = append(out, interactionFromResult(r.ID, reflectionMarker+r.Document, r.Metadata))
	}

	return out, nil
}

// RetrieveLastInteractions returns the most recent k user/response pairs,
// paired by strict equality on in_response_to/original_sender/original_timestamp.
func (s *Store) RetrieveLastInteractions(ctx context.Context, k int) ([]Interaction, []Interaction, error) {
	records, err := s.interactions.Get(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("get interactions: %w", err)
	}

	var userMsgs, responses []Interaction
	for _, r := range records {
		interaction := interactionFromRecord(r)
		switch interaction.Type {
		case TypeUserMessage:
			userMsgs = append(userMsgs, interaction)
		case TypeSystemResponse:
			responses = append(responses, interaction)
		}
	}

	sort.Slice(userMsgs, func(i, j int) bool { return userMsgs[i].Timestamp < userMsgs[j].Timestamp })
	sort.Slice(responses, func(i, j int) bool { return responses[i].Timestamp < responses[j].Timestamp })

	var pairedUser, pairedResp []Interaction
	for _, resp := range responses {
		for _, u := range userMsgs {
			if resp.InResponseTo == u.Document &&
				resp.OriginalSender == u.Source &&
				resp.OriginalTimestamp == u.Timestamp {
				pairedUser = append(pairedUser, u)
				pairedResp = append(pairedResp, resp)
				break
			}
		}
	}

	if k > 0 && len(pairedUser) > k {
		pairedUser = pairedUser[len(pairedUser)-k:]
		pairedResp = pairedResp[len(pairedResp)-k:]
	}

	return pairedUser, pairedResp, nil
}

// ContextStrategy selects how GetHybridContext assembles its result.
type ContextStrategy string

const (
	StrategySemantic     ContextStrategy = "semantic"
	StrategyConversation ContextStrategy = "conversation"
	StrategyHybrid       ContextStrategy = "hybrid"
)

// GetConversationContext returns the current conversation queue as a
// single newline-joined block, most recent last.
func (s *Store) GetConversationContext() string {
	queue := s.ConversationQueue()
	out := ""
	for i, line := range queue {
		if i > 0 {
			out += "\n"
		}
		out += line
	}
	return out
}

// GetHybridContext assembles context per strategy: semantic pulls from
// the interaction collection by nearest-neighbor, conversation pulls
// from the bounded reply queue, hybrid concatenates both.
func (s *Store) GetHybridContext(ctx context.Context, query string, strategy ContextStrategy, n int) (string, error) {
	switch strategy {
	case StrategySemantic:
		items, err := s.RetrieveRelevantContext(ctx, query, n)
		if err != nil {
			return "", err
		}
		return joinDocuments(items), nil
	case StrategyConversation:
		return s.GetConversationContext(), nil
	case StrategyHybrid:
		items, err := s.RetrieveRelevantContext(ctx, query, n)
		if err != nil {
			return "", err
		}
		semantic := joinDocuments(items)
		conv := s.GetConversationContext()
		if semantic == "" {
			return conv, nil
		}
		if conv == "" {
			return semantic, nil
		}
		return semantic + "\n" + conv, nil
	default:
		return "", fmt.Errorf("unknown context strategy %q", strategy)
	}
}

// SaveState persists both collections to durable storage.
func (s *Store) SaveState(ctx context.Context) error {
	if err := s.interactions.Persist(ctx); err != nil {
		return fmt.Errorf("persist interactions: %w", err)
	}
	if err := s.reflections.Persist(ctx); err != nil {
		return fmt.Errorf("persist reflections: %w", err)
	}
	return nil
}

func joinDocuments(items []Interaction) string {
	out := ""
	for i, it := range items {
		if i > 0 {
			out += "\n"
		}
		out += it.Document
	}
	return out
}

func interactionFromResult(id, document string, metadata map[string]string) Interaction {
	return interactionFromRecord(vectorstore.Record{ID: id, Document: document, Metadata: metadata})
}

func interactionFromRecord(r vectorstore.Record) Interaction {
	it := Interaction{
		ID:       r.ID,
		Document: r.Document,
		Source:   r.Metadata["source"],
		Type:     r.Metadata["type"],
	}
	it.Timestamp = parseTimestamp(r.Metadata["timestamp"])
	it.InResponseTo = r.Metadata["in_response_to"]
	it.OriginalSender = r.Metadata["original_sender"]
	it.OriginalTimestamp = parseTimestamp(r.Metadata["original_timestamp"])
	return it
}

func formatTimestamp(ts int64) string {
	return time.Unix(ts, 0).UTC().Format(time.RFC3339)
}

func parseTimestamp(s string) int64 {
	if s == "" {
		return 0
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0
	}
	return t.Unix()
}
