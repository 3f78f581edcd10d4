// Package model defines the Model contract: a plain text-in/text-out
// generation service with no tool calling, bound to a swappable
// generation profile, and two concrete backends (Ollama and Anthropic).
package model

import "context"

// Profile holds the generation parameters that Self-Improvement
// experiments and Correction checkpoints manipulate. Fields mirror a
// standard sampling contract so either backend can honor them without a
// provider-specific escape hatch.
type Profile struct {
	Temperature       float64  `json:"temperature"`
	TopP              float64  `json:"top_p"`
	TopK              int      `json:"top_k"`
	MaxNewTokens      int      `json:"max_new_tokens"`
	MinLength         int      `json:"min_length"`
	RepetitionPenalty float64  `json:"repetition_penalty"`
	NoRepeatNgramSize int      `json:"no_repeat_ngram_size"`
	Stop              []string `json:"stop,omitempty"`
}

// DefaultProfile returns the baseline generation parameters used when a
// component has no explicit profile of its own.
func DefaultProfile() Profile {
	return Profile{
		Temperature:       0.7,
		TopP:              0.9,
		TopK:              40,
		MaxNewTokens:      512,
		MinLength:         0,
		RepetitionPenalty: 1.1,
		NoRepeatNgramSize: 0,
	}
}

// Client is the Model contract. It is deliberately narrow: one call in,
// one string out. Nothing upstream of this interface is allowed to
// assume streaming, tool calls, or multi-turn wire state — a swap
// between backends, or a checkpoint rollback of generation parameters,
// must never change a caller's code.
type Client interface {
	// Generate produces a single completion for prompt under profile.
	Generate(ctx context.Context, prompt string, profile Profile) (string, error)

	// SaveCheckpoint persists the client's current generation profile
	// (and any provider-local tuning state) to path.
	SaveCheckpoint(path string) error

	// LoadCheckpoint restores a previously saved checkpoint, replacing
	// the client's current generation profile.
	LoadCheckpoint(path string) error
}
