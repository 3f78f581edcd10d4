// Package evaluation implements External Evaluation and External
// Validation: scheduled rubric scoring of the Model by the Model
// itself acting as judge, and a stricter scenario battery that can
// trigger Correction's quarantine path on aggregate failure.
package evaluation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/nugget/sentinel-agent/internal/model"
)

// TestCase is one canned prompt evaluated on a schedule.
type TestCase struct {
	Name   string
	Prompt string
}

// Result is one completed External Evaluation run.
type Result struct {
	CriteriaScores     map[string]float64
	OverallScore       float64
	Timestamp          int64
	ResponsesEvaluated int
	Strengths          []string
	Weaknesses         []string
}

// Config controls the criteria, scale, threshold, and scheduling of
// External Evaluation.
type Config struct {
	Criteria            []string
	Scale               float64 // e.g. 10.0; scores are normalized to [0,1] internally
	Threshold           float64 // minimum mean score (normalized) to count as passing
	EvaluationFrequency time.Duration
}

// Evaluator is the External Evaluation component. lastEvaluationTime
// is held as Unix seconds; zero means "never ran" and must not be
// treated as implicitly due at process start — ShouldRun only fires
// once EvaluationFrequency has actually elapsed from a real prior run
// (or, with no prior run, from its own first call), or is forced via
// Force.
type Evaluator struct {
	cfg    Config
	client model.Client
	logger *slog.Logger

	mu                sync.Mutex
	history           []Result
	lastEvaluationUTC int64
	firstCheckUTC     int64 // first ShouldRun call while never run
	forceNext         bool
}

// New builds an Evaluator. lastEvaluationUTC should be restored from
// persisted state (0 if evaluation has never run).
func New(cfg Config, client model.Client, logger *slog.Logger, lastEvaluationUTC int64) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{cfg: cfg, client: client, logger: logger, lastEvaluationUTC: lastEvaluationUTC}
}

// ShouldRun reports whether External Evaluation is due at now. Per the
// "never implicitly run at t=0" decision, a lastEvaluationUTC of zero
// does NOT make this return true by itself — the caller must also have
// started at least EvaluationFrequency ago, which in practice means
// the first real evaluation fires only after one full frequency period
// has elapsed since the first ShouldRun call, unless Force was
// called.
func (e *Evaluator) ShouldRun(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.forceNext {
		return true
	}
	if e.lastEvaluationUTC == 0 {
		if e.firstCheckUTC == 0 {
			e.firstCheckUTC = now.Unix()
			return false
		}
		return now.Unix()-e.firstCheckUTC >= int64(e.cfg.EvaluationFrequency.Seconds())
	}
	return now.Unix()-e.lastEvaluationUTC >= int64(e.cfg.EvaluationFrequency.Seconds())
}

// Force marks the next ShouldRun call as due regardless of elapsed
// time, consumed on the following successful Run.
func (e *Evaluator) Force() {
	e.mu.Lock()
	e.forceNext = true
	e.mu.Unlock()
}

var rubricJSON = regexp.MustCompile(`(?s)\{.*\}`)

func judgePrompt(criteria []string, scale float64, transcript string) string {
	return fmt.Sprintf(
		"Score the following response transcript against these criteria: %v, "+
			"each on a scale of 0 to %v. Reply with ONLY a JSON object mapping "+
			"each criterion name to its score, e.g. {\"helpfulness\": %v}.\n\n%s",
		criteria, scale, scale, transcript)
}

// Run generates a response for every test case, asks the Model to
// judge the full transcript against the configured rubric, and
// produces a Result. now is the evaluation timestamp (caller-supplied
// so this package never calls time.Now() internally, keeping it
// deterministic under test).
func (e *Evaluator) Run(ctx context.Context, cases []TestCase, now time.Time) (Result, error) {
	var transcript string
	for _, tc := range cases {
		response, err := e.client.Generate(ctx, tc.Prompt, model.DefaultProfile())
		if err != nil {
			return Result{}, fmt.Errorf("generate response for test case %q: %w", tc.Name, err)
		}
		transcript += fmt.Sprintf("## %s\nPrompt: %s\nResponse: %s\n\n", tc.Name, tc.Prompt, response)
	}

	raw, err := e.client.Generate(ctx, judgePrompt(e.cfg.Criteria, e.cfg.Scale, transcript), model.DefaultProfile())
	if err != nil {
		return Result{}, fmt.Errorf("generate rubric judgment: %w", err)
	}

	scores := parseRubric(raw, e.cfg.Scale)

	var sum float64
	var strengths, weaknesses []string
	for _, criterion := range e.cfg.Criteria {
		score := scores[criterion]
		sum += score
		if score >= e.cfg.Threshold {
			strengths = append(strengths, criterion)
		} else {
			weaknesses = append(weaknesses, criterion)
		}
	}

	overall := 0.0
	if len(e.cfg.Criteria) > 0 {
		overall = sum / float64(len(e.cfg.Criteria))
	}

	result := Result{
		CriteriaScores:     scores,
		OverallScore:       overall,
		Timestamp:          now.Unix(),
		ResponsesEvaluated: len(cases),
		Strengths:          strengths,
		Weaknesses:         weaknesses,
	}

	e.mu.Lock()
	e.history = append(e.history, result)
	e.lastEvaluationUTC = now.Unix()
	e.forceNext = false
	e.mu.Unlock()

	return result, nil
}

// parseRubric tolerantly extracts criterion->score from raw model
// output and normalizes every score to [0,1] by dividing by scale.
func parseRubric(raw string, scale float64) map[string]float64 {
	out := map[string]float64{}
	match := rubricJSON.FindString(raw)
	if match == "" || scale <= 0 {
		return out
	}

	var parsed map[string]float64
	if err := json.Unmarshal([]byte(match), &parsed); err != nil {
		return out
	}
	for k, v := range parsed {
		out[k] = v / scale
	}
	return out
}

// History returns a copy of every completed evaluation.
func (e *Evaluator) History() []Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Result, len(e.history))
	copy(out, e.history)
	return out
}

// LastEvaluationUTC returns the persisted "last ran" timestamp (0 if
// evaluation has never run), for the caller to persist across restarts.
func (e *Evaluator) LastEvaluationUTC() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastEvaluationUTC
}
