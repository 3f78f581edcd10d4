// Package selfimprovement implements the design/run/evaluate/apply
// cycle for model-generation-parameter experiments queued by
// Metawareness's reflection cycle.
package selfimprovement

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/sentinel-agent/internal/model"
)

// Status is an Experiment's lifecycle state.
type Status string

const (
	StatusPlanned   Status = "planned"
	StatusCompleted Status = "completed"
)

// Experiment is a named perturbation of the Model's generation
// profile, with the metrics it's judged on and its eventual outcome.
type Experiment struct {
	ID         string
	Hypothesis string
	Parameters map[string]float64 // field name (matching model.Profile JSON tags) -> delta
	Metrics    []string
	Status     Status
	Results    map[string]float64 // metric -> observed value, populated on Run
	Success    *bool               // populated on Evaluate
}

// MetricCollector rates a probe response against Experiment.Metrics,
// returning one value per metric. Values are expected on whatever
// scale improvement_threshold is expressed on.
type MetricCollector func(ctx context.Context, probeResponse string, metrics []string) (map[string]float64, error)

// Queue holds planned and completed experiments and persists every
// applied improvement to an append-only history file.
type Queue struct {
	historyPath string

	mu          sync.Mutex
	experiments []Experiment
}

// NewQueue builds a Queue that appends applied-improvement records to
// historyPath (created on first Apply if it doesn't exist).
func NewQueue(historyPath string) *Queue {
	return &Queue{historyPath: historyPath}
}

// Design creates a planned experiment from a reflection and a set of
// generation-parameter deltas. It does not queue it; Queue.Enqueue
// does that.
func Design(hypothesis string, parameters map[string]float64, metrics []string) Experiment {
	return Experiment{
		ID:         uuid.Must(uuid.NewV7()).String(),
		Hypothesis: hypothesis,
		Parameters: parameters,
		Metrics:    metrics,
		Status:     StatusPlanned,
	}
}

// Enqueue adds a planned experiment to the queue.
func (q *Queue) Enqueue(exp Experiment) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.experiments = append(q.experiments, exp)
}

// Planned returns a copy of every experiment still in StatusPlanned.
func (q *Queue) Planned() []Experiment {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Experiment
	for _, e := range q.experiments {
		if e.Status == StatusPlanned {
			out = append(out, e)
		}
	}
	return out
}

// All returns a copy of every experiment in the queue.
func (q *Queue) All() []Experiment {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Experiment, len(q.experiments))
	copy(out, q.experiments)
	return out
}

func applyDelta(profile *model.Profile, field string, delta float64) error {
	switch field {
	case "temperature":
		profile.Temperature += delta
	case "top_p":
		profile.TopP += delta
	case "top_k":
		profile.TopK += int(delta)
	case "repetition_penalty":
		profile.RepetitionPenalty += delta
	case "max_new_tokens":
		profile.MaxNewTokens += int(delta)
	default:
		return fmt.Errorf("unknown generation-profile field %q", field)
	}
	return nil
}

// Run swaps exp.Parameters into profile, issues a single probe query
// via client, collects metrics via collect, restores the original
// profile values, and marks the experiment completed with its results.
// It returns the updated Experiment; the caller is responsible for
// replacing its copy in the Queue (e.g. via Replace).
func Run(ctx context.Context, exp Experiment, client model.Client, profile model.Profile, probeQuery string, collect MetricCollector) (Experiment, error) {
	perturbed := profile

	for field, delta := range exp.Parameters {
		if err := applyDelta(&perturbed, field, delta); err != nil {
			return exp, err
		}
	}

	response, err := client.Generate(ctx, probeQuery, perturbed)
	if err != nil {
		return exp, fmt.Errorf("probe query with perturbed profile: %w", err)
	}

	results, err := collect(ctx, response, exp.Metrics)
	if err != nil {
		return exp, fmt.Errorf("collect experiment metrics: %w", err)
	}

	// profile itself (the caller's live value) is never mutated — Run
	// takes it by value, so "restore original parameters" falls out of
	// perturbing only the local copy.
	exp.Results = results
	exp.Status = StatusCompleted
	return exp, nil
}

// Evaluate reports success per spec: every metric must be at least
// improvementThreshold, and the mean delta over threshold across all
// metrics must be positive.
func Evaluate(exp Experiment, improvementThreshold float64) bool {
	if len(exp.Results) == 0 {
		return false
	}

	var sumDelta float64
	for _, metric := range exp.Metrics {
		value, ok := exp.Results[metric]
		if !ok || value < improvementThreshold {
			return false
		}
		sumDelta += value - improvementThreshold
	}

	return sumDelta/float64(len(exp.Metrics)) > 0
}

// Replace overwrites the experiment matching exp.ID in the queue.
func (q *Queue) Replace(exp Experiment) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.experiments {
		if e.ID == exp.ID {
			q.experiments[i] = exp
			return
		}
	}
}

// ImprovementRecord is one entry in the append-only improvement
// history file, written by Apply.
type ImprovementRecord struct {
	ExperimentID string
	Hypothesis   string
	Parameters   map[string]float64
	Results      map[string]float64
	AppliedAt    int64
}

// Apply overwrites profile's fields per exp.Parameters (the same
// deltas probed during Run, now made permanent) and appends a record
// to the improvement history file. Only experiments that evaluated
// successfully should be applied; Apply does not call Evaluate itself.
func (q *Queue) Apply(exp Experiment, profile *model.Profile, now time.Time) error {
	for field, delta := range exp.Parameters {
		if err := applyDelta(profile, field, delta); err != nil {
			return err
		}
	}

	record := ImprovementRecord{
		ExperimentID: exp.ID,
		Hypothesis:   exp.Hypothesis,
		Parameters:   exp.Parameters,
		Results:      exp.Results,
		AppliedAt:    now.Unix(),
	}

	return q.appendHistory(record)
}

func (q *Queue) appendHistory(record ImprovementRecord) error {
	var history []ImprovementRecord
	if data, err := os.ReadFile(q.historyPath); err == nil {
		if err := json.Unmarshal(data, &history); err != nil {
			return fmt.Errorf("parse improvement history: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read improvement history: %w", err)
	}

	history = append(history, record)

	data, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal improvement history: %w", err)
	}

	tmp := q.historyPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write improvement history temp file: %w", err)
	}
	return os.Rename(tmp, q.historyPath)
}

// History loads and returns the full persisted improvement history.
func (q *Queue) History() ([]ImprovementRecord, error) {
	data, err := os.ReadFile(q.historyPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read improvement history: %w", err)
	}

	var history []ImprovementRecord
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, fmt.Errorf("parse improvement history: %w", err)
	}
	return history, nil
}
