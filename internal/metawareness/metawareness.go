// Package metawareness implements the reflection cycle: an interaction
// counter that periodically pulls recent conversation pairs from
// Memory and asks the Model to reflect on them. DesignExperiment turns
// a reflection into a planned Self-Improvement experiment; it does not
// add that experiment to a queue. It also turns Periodic's discoveries
// into Persona-feeding insights.
package metawareness

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/sentinel-agent/internal/memory"
	"github.com/nugget/sentinel-agent/internal/model"
	"github.com/nugget/sentinel-agent/internal/persona"
	"github.com/nugget/sentinel-agent/internal/selfimprovement"
)

// Discovery is one item turned up by Periodic's exploration step.
type Discovery struct {
	Topic      string
	Content    string
	Source     string
	Timestamp  int64
	Importance float64 // [0.5, 1.0]
}

// Config controls the reflection predicate and depth.
type Config struct {
	ReflectionFrequency int // reflect every N processed messages
	ReflectionDepth     int // interaction pairs pulled per reflection
}

func (c Config) withDefaults() Config {
	if c.ReflectionFrequency <= 0 {
		c.ReflectionFrequency = 10
	}
	if c.ReflectionDepth <= 0 {
		c.ReflectionDepth = 5
	}
	return c
}

// Tracker is the Metawareness component.
type Tracker struct {
	cfg     Config
	memory  *memory.Store
	client  model.Client
	persona *persona.Store
	logger  *slog.Logger

	mu          sync.Mutex
	count       int
	reflections []string
	insights    []string
}

// New builds a Tracker wired to the shared Memory store, Model client,
// and Persona store.
func New(cfg Config, mem *memory.Store, client model.Client, p *persona.Store, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{cfg: cfg.withDefaults(), memory: mem, client: client, persona: p, logger: logger}
}

// IncrementInteraction advances the interaction counter once per
// processed message and returns the new count.
func (t *Tracker) IncrementInteraction() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count++
	return t.count
}

// ShouldReflect reports whether the reflection predicate currently
// holds: count > 0 and count is a multiple of ReflectionFrequency.
func (t *Tracker) ShouldReflect() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count > 0 && t.count%t.cfg.ReflectionFrequency == 0
}

// Reflect pulls the last ReflectionDepth interaction pairs from
// Memory, asks the Model for a reflection paragraph, appends it to the
// in-memory list, and persists it via Memory's StoreReflection.
func (t *Tracker) Reflect(ctx context.Context, now time.Time) (string, error) {
	userMsgs, responses, err := t.memory.RetrieveLastInteractions(ctx, t.cfg.ReflectionDepth)
	if err != nil {
		return "", fmt.Errorf("retrieve interactions for reflection: %w", err)
	}

	var transcript string
	for i := range userMsgs {
		transcript += fmt.Sprintf("User: %s\nResponse: %s\n\n", userMsgs[i].Document, responses[i].Document)
	}
	if transcript == "" {
		transcript = "(no recent interactions)"
	}

	prompt := fmt.Sprintf(
		"Reflect on these recent interactions as the agent itself. Identify "+
			"one concrete pattern in how you've been responding and whether it "+
			"should change. Write one paragraph.\n\n%s", transcript)

	reflection, err := t.client.Generate(ctx, prompt, model.DefaultProfile())
	if err != nil {
		return "", fmt.Errorf("generate reflection: %w", err)
	}

	t.mu.Lock()
	t.reflections = append(t.reflections, reflection)
	t.mu.Unlock()

	if _, err := t.memory.StoreReflection(ctx, reflection, now.Unix()); err != nil {
		return "", fmt.Errorf("persist reflection: %w", err)
	}

	return reflection, nil
}

// ProcessDiscoveries asks the Model for one insight per discovery,
// appends each to the insight list, and feeds it to Persona via
// OnDiscovery.
func (t *Tracker) ProcessDiscoveries(ctx context.Context, discoveries []Discovery) ([]string, error) {
	var produced []string
	for _, d := range discoveries {
		prompt := fmt.Sprintf(
			"In one sentence, state the single most useful insight from this "+
				"discovery.\n\nTopic: %s\nContent: %s", d.Topic, d.Content)

		insight, err := t.client.Generate(ctx, prompt, model.DefaultProfile())
		if err != nil {
			return produced, fmt.Errorf("generate insight for discovery %q: %w", d.Topic, err)
		}

		t.mu.Lock()
		t.insights = append(t.insights, insight)
		t.mu.Unlock()
		produced = append(produced, insight)

		if t.persona != nil {
			t.persona.OnDiscovery(d.Topic)
		}
	}
	return produced, nil
}

// DesignExperiment turns a reflection into a planned Self-Improvement
// experiment, typically a single model-generation-parameter delta.
func (t *Tracker) DesignExperiment(reflection string, parameters map[string]float64, metrics []string) selfimprovement.Experiment {
	return selfimprovement.Design(reflection, parameters, metrics)
}

// Reflections returns a copy of every reflection produced so far.
func (t *Tracker) Reflections() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.reflections))
	copy(out, t.reflections)
	return out
}

// Insights returns a copy of every discovery insight produced so far.
func (t *Tracker) Insights() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.insights))
	copy(out, t.insights)
	return out
}

// Count returns the current interaction count.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}
