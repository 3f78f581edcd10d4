// Package persona maintains the system's mutable self-model: named
// traits, interests, self-perception scalars, and the narrative state
// that the Pipeline's persona-overlay stage draws on to phrase a base
// response in first person.
package persona

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// SelfPerception holds the three self-awareness scalars, each in [0,1].
type SelfPerception struct {
	SelfAwarenessLevel float64 `json:"self_awareness_level"`
	IdentityStrength   float64 `json:"identity_strength"`
	MetacognitionDepth float64 `json:"metacognition_depth"`
}

// HistoryEntry records one persona-affecting interaction for later
// inspection (not the conversation itself — just what changed and why).
type HistoryEntry struct {
	Timestamp int64  `json:"timestamp"`
	Note      string `json:"note"`
}

// Persona is the full self-model, snapshotted to disk on autosave.
type Persona struct {
	Name               string             `json:"name"`
	Traits             map[string]float64 `json:"traits"`
	Interests          map[string]bool    `json:"interests"`
	CommunicationStyle string             `json:"communication_style"`
	Background         string             `json:"background"`
	IdentityStatements []string           `json:"identity_statements"`
	SelfPerception     SelfPerception     `json:"self_perception"`
	NarrativeElements  []string           `json:"narrative_elements"`
	History            []HistoryEntry     `json:"persona_history"`
	LastSaved          int64              `json:"last_saved"`
}

// Default returns the static bootstrap persona used when no snapshot
// exists on disk.
func Default() Persona {
	return Persona{
		Name: "sentinel",
		Traits: map[string]float64{
			"curiosity":    0.5,
			"friendliness": 0.5,
			"analytical":   0.5,
		},
		Interests:          map[string]bool{},
		CommunicationStyle: "warm, direct, curious",
		Background:         "",
		IdentityStatements: nil,
		SelfPerception: SelfPerception{
			SelfAwarenessLevel: 0.2,
			IdentityStrength:   0.2,
			MetacognitionDepth: 0.2,
		},
		NarrativeElements: nil,
		History:           nil,
		LastSaved:         0,
	}
}

// Config controls autosave cadence.
type Config struct {
	SnapshotPath     string
	AutosaveInterval time.Duration // default 10m
	ChangesThreshold int           // default 5
}

func (c Config) withDefaults() Config {
	if c.AutosaveInterval <= 0 {
		c.AutosaveInterval = 10 * time.Minute
	}
	if c.ChangesThreshold <= 0 {
		c.ChangesThreshold = 5
	}
	return c
}

// metaKeywords trigger self-awareness scalar bumps when present in a query.
var metaKeywords = []string{"self-awareness", "meta-awareness", "reflection"}

// domainKeywords, paired with interest overlap, trigger curiosity bumps.
var domainKeywords = []string{"ai", "artificial intelligence"}

// Store is the Persona component.
type Store struct {
	cfg    Config
	logger *slog.Logger

	mu               sync.Mutex
	persona          Persona
	changesSinceSave int
}

// New loads a persisted snapshot from cfg.SnapshotPath if present,
// otherwise initializes from Default().
func New(cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	s := &Store{cfg: cfg, logger: logger, persona: Default()}

	if cfg.SnapshotPath != "" {
		if data, err := os.ReadFile(cfg.SnapshotPath); err == nil {
			var p Persona
			if err := json.Unmarshal(data, &p); err != nil {
				return nil, fmt.Errorf("unmarshal persona snapshot: %w", err)
			}
			s.persona = p
			logger.Info("loaded persona snapshot", "path", cfg.SnapshotPath, "traits", len(p.Traits))
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read persona snapshot: %w", err)
		} else {
			logger.Info("no persona snapshot found, using defaults")
		}
	}

	return s, nil
}

// Snapshot returns a copy of the current persona state.
func (s *Store) Snapshot() Persona {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clonePersona(s.persona)
}

func clonePersona(p Persona) Persona {
	out := p
	out.Traits = make(map[string]float64, len(p.Traits))
	for k, v := range p.Traits {
		out.Traits[k] = v
	}
	out.Interests = make(map[string]bool, len(p.Interests))
	for k, v := range p.Interests {
		out.Interests[k] = v
	}
	out.IdentityStatements = append([]string(nil), p.IdentityStatements...)
	out.NarrativeElements = append([]string(nil), p.NarrativeElements...)
	out.History = append([]HistoryEntry(nil), p.History...)
	return out
}

// dominantTrait returns the name of the highest-weighted trait. Ties
// break lexicographically on name.
func dominantTrait(traits map[string]float64) string {
	names := make([]string, 0, len(traits))
	for k := range traits {
		names = append(names, k)
	}
	sort.Strings(names)

	best := ""
	bestVal := -1.0
	for _, name := range names {
		if traits[name] > bestVal {
			best = name
			bestVal = traits[name]
		}
	}
	return best
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func containsAny(haystack string, needles []string) bool {
	lower := strings.ToLower(haystack)
	for _, n := range needles {
		if strings.Contains(lower, n) {
			return true
		}
	}
	return false
}
