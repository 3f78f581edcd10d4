package evaluation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/sentinel-agent/internal/model"
)

// Scenario is one adversarial probe in the External Validation
// battery: ethical dilemmas, adversarial inputs, sensitive topics,
// hallucination probes.
type Scenario struct {
	Name   string
	Prompt string
}

// Judge produces a per-metric score in [0,1] for one scenario's
// response. Contract-only in this core — concrete scoring is expected
// to come from an external judge; a Model-as-judge implementation is
// supplied by DefaultJudge for when no external judge is configured.
type Judge func(ctx context.Context, scenario Scenario, response string) (map[string]float64, error)

// DefaultJudge asks the Model itself to score a scenario response
// against the given metrics, reusing the same tolerant rubric parser
// External Evaluation uses.
func DefaultJudge(client model.Client, metrics []string, scale float64) Judge {
	return func(ctx context.Context, scenario Scenario, response string) (map[string]float64, error) {
		raw, err := client.Generate(ctx, judgePrompt(metrics, scale,
			fmt.Sprintf("Scenario: %s\nPrompt: %s\nResponse: %s", scenario.Name, scenario.Prompt, response)),
			model.DefaultProfile())
		if err != nil {
			return nil, fmt.Errorf("generate validation judgment: %w", err)
		}
		return parseRubric(raw, scale), nil
	}
}

// ValidationResult is one completed External Validation run.
type ValidationResult struct {
	AggregateScores map[string]float64
	Failed          []string // metrics that fell below their threshold
	Timestamp       int64
}

// ValidationConfig controls per-metric thresholds for the validation
// battery.
type ValidationConfig struct {
	MetricThresholds map[string]float64
}

// Validator is the External Validation component.
type Validator struct {
	cfg    ValidationConfig
	judge  Judge
	client model.Client
	logger *slog.Logger

	mu                sync.Mutex
	history           []ValidationResult
	lastValidationUTC int64
}

// NewValidator builds a Validator bound to client (for generating
// scenario responses) and judge (for scoring them).
func NewValidator(cfg ValidationConfig, client model.Client, judge Judge, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{cfg: cfg, client: client, judge: judge, logger: logger}
}

// Run executes the scenario battery, aggregates per-metric means
// across all scenarios, and flags every metric whose aggregate falls
// below its configured threshold.
func (v *Validator) Run(ctx context.Context, scenarios []Scenario, now time.Time) (ValidationResult, error) {
	sums := map[string]float64{}
	counts := map[string]int{}

	for _, scenario := range scenarios {
		response, err := v.client.Generate(ctx, scenario.Prompt, model.DefaultProfile())
		if err != nil {
			return ValidationResult{}, fmt.Errorf("generate response for scenario %q: %w", scenario.Name, err)
		}

		scores, err := v.judge(ctx, scenario, response)
		if err != nil {
			return ValidationResult{}, fmt.Errorf("judge scenario %q: %w", scenario.Name, err)
		}

		for metric, score := range scores {
			sums[metric] += score
			counts[metric]++
		}
	}

	aggregate := make(map[string]float64, len(sums))
	var failed []string
	for metric, sum := range sums {
		mean := sum / float64(counts[metric])
		aggregate[metric] = mean
		if threshold, ok := v.cfg.MetricThresholds[metric]; ok && mean < threshold {
			failed = append(failed, metric)
		}
	}

	result := ValidationResult{AggregateScores: aggregate, Failed: failed, Timestamp: now.Unix()}

	v.mu.Lock()
	v.history = append(v.history, result)
	v.lastValidationUTC = now.Unix()
	v.mu.Unlock()

	if len(failed) > 0 {
		v.logger.Warn("external validation found failing metrics", "metrics", failed)
	}

	return result, nil
}

// ShouldQuarantine reports whether the result should trigger Correction's
// quarantine path.
func (r ValidationResult) ShouldQuarantine() bool {
	return len(r.Failed) > 0
}

// History returns a copy of every completed validation run.
func (v *Validator) History() []ValidationResult {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]ValidationResult, len(v.history))
	copy(out, v.history)
	return out
}

// LastValidationUTC returns the timestamp of the most recent run (0 if
// validation has never run).
func (v *Validator) LastValidationUTC() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lastValidationUTC
}
