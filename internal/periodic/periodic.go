// Package periodic assembles the background faculties the Agent Loop
// fires between ticks: exploration, initiating conversation, persona
// autosave, discovery processing, external evaluation, improvement
// experiments, development monitoring, and weekly ethical reflection.
package periodic

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/nugget/sentinel-agent/internal/correction"
	"github.com/nugget/sentinel-agent/internal/devmonitor"
	"github.com/nugget/sentinel-agent/internal/ethics"
	"github.com/nugget/sentinel-agent/internal/evaluation"
	"github.com/nugget/sentinel-agent/internal/fetch"
	"github.com/nugget/sentinel-agent/internal/metawareness"
	"github.com/nugget/sentinel-agent/internal/model"
	"github.com/nugget/sentinel-agent/internal/persona"
	"github.com/nugget/sentinel-agent/internal/search"
	"github.com/nugget/sentinel-agent/internal/selfimprovement"
	"github.com/nugget/sentinel-agent/internal/transport"
)

// RandSource abstracts randomness for deterministic tests.
type RandSource interface {
	Float64() float64
	IntN(n int) int
}

type defaultRand struct{}

func (defaultRand) Float64() float64 { return rand.Float64() }
func (defaultRand) IntN(n int) int   { return rand.IntN(n) }

// Config controls every periodic faculty's cadence and thresholds.
type Config struct {
	DefaultTopics             []string
	InitProbability           float64
	MinTimeBetweenInitiations time.Duration
	MaxDailyInitiations       int
	ImprovementRunInterval    time.Duration // ~6h
	DevMonitorInterval        time.Duration
	EthicalReflectionInterval time.Duration // ~weekly
	DiscoveryBatchMin         int           // 3
	DiscoveryBatchMax         int           // 5
	DiscoveryCap              int           // 50
}

func (c Config) withDefaults() Config {
	if c.ImprovementRunInterval <= 0 {
		c.ImprovementRunInterval = 6 * time.Hour
	}
	if c.DevMonitorInterval <= 0 {
		c.DevMonitorInterval = time.Hour
	}
	if c.EthicalReflectionInterval <= 0 {
		c.EthicalReflectionInterval = 7 * 24 * time.Hour
	}
	if c.DiscoveryBatchMin <= 0 {
		c.DiscoveryBatchMin = 3
	}
	if c.DiscoveryBatchMax < c.DiscoveryBatchMin {
		c.DiscoveryBatchMax = 5
	}
	if c.DiscoveryCap <= 0 {
		c.DiscoveryCap = 50
	}
	return c
}

// ActiveUsersFunc returns the transport recipients to fan a
// maybe-initiate message out to.
type ActiveUsersFunc func(ctx context.Context) ([]string, error)

// Runner wires every periodic faculty together. Persona, metric ring,
// experiment queue, and alert list are all owned by the Agent Loop's
// single goroutine per spec.md's concurrency model, so Runner itself
// does not need to serialize calls to its dependencies beyond what
// each dependency already guarantees internally.
type Runner struct {
	cfg    Config
	client model.Client
	logger *slog.Logger
	rand   RandSource

	persona     *persona.Store
	meta        *metawareness.Tracker
	evaluator   *evaluation.Evaluator
	validator   *evaluation.Validator
	monitor     *devmonitor.Monitor
	improveQ    *selfimprovement.Queue
	corrector   *correction.Corrector
	ethics      *ethics.Framework
	searchMgr   *search.Manager
	fetcher     *fetch.Fetcher
	transport   transport.Transport
	activeUsers ActiveUsersFunc

	mu                   sync.Mutex
	discoveries          []metawareness.Discovery
	lastInitiation       time.Time
	initiationsToday     int
	initiationsDayMarker string
	lastEthicalSynth     time.Time
	lastDevMonitor       time.Time
	lastImprovementRun   time.Time
}

// Deps bundles every periodic faculty's collaborator. Any field may be
// left nil to disable that faculty's corresponding step (e.g. a build
// with no search provider configured simply skips Explore).
type Deps struct {
	Client      model.Client
	Logger      *slog.Logger
	Rand        RandSource
	Persona     *persona.Store
	Meta        *metawareness.Tracker
	Evaluator   *evaluation.Evaluator
	Validator   *evaluation.Validator
	Monitor     *devmonitor.Monitor
	ImproveQ    *selfimprovement.Queue
	Corrector   *correction.Corrector
	Ethics      *ethics.Framework
	Search      *search.Manager
	Fetcher     *fetch.Fetcher
	Transport   transport.Transport
	ActiveUsers ActiveUsersFunc
}

// New builds a Runner from cfg and deps.
func New(cfg Config, deps Deps) *Runner {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := deps.Rand
	if r == nil {
		r = defaultRand{}
	}
	return &Runner{
		cfg:         cfg.withDefaults(),
		client:      deps.Client,
		logger:      logger,
		rand:        r,
		persona:     deps.Persona,
		meta:        deps.Meta,
		evaluator:   deps.Evaluator,
		validator:   deps.Validator,
		monitor:     deps.Monitor,
		improveQ:    deps.ImproveQ,
		corrector:   deps.Corrector,
		ethics:      deps.Ethics,
		searchMgr:   deps.Search,
		fetcher:     deps.Fetcher,
		transport:   deps.Transport,
		activeUsers: deps.ActiveUsers,
	}
}

// Discoveries returns a copy of the bounded recent-discovery list.
func (r *Runner) Discoveries() []metawareness.Discovery {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]metawareness.Discovery, len(r.discoveries))
	copy(out, r.discoveries)
	return out
}

func (r *Runner) pushDiscoveries(found []metawareness.Discovery) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.discoveries = append(r.discoveries, found...)
	if len(r.discoveries) > r.cfg.DiscoveryCap {
		r.discoveries = r.discoveries[len(r.discoveries)-r.cfg.DiscoveryCap:]
	}
}

// pickTopic chooses from persona interests plus DefaultTopics.
func (r *Runner) pickTopic() string {
	var pool []string
	if r.persona != nil {
		snap := r.persona.Snapshot()
		for interest := range snap.Interests {
			pool = append(pool, interest)
		}
	}
	pool = append(pool, r.cfg.DefaultTopics...)
	if len(pool) == 0 {
		return "general knowledge"
	}
	return pool[r.rand.IntN(len(pool))]
}

// Explore picks a topic, searches the internet, and turns up to 2
// results per call into discovery records pushed onto the bounded
// recent-discoveries list.
func (r *Runner) Explore(ctx context.Context, now time.Time) ([]metawareness.Discovery, error) {
	if r.searchMgr == nil || !r.searchMgr.Configured() {
		return nil, nil
	}

	topic := r.pickTopic()
	results, err := r.searchMgr.Search(ctx, topic, search.Options{Count: 2})
	if err != nil {
		return nil, fmt.Errorf("explore search for %q: %w", topic, err)
	}

	var found []metawareness.Discovery
	for i, res := range results {
		if i >= 2 {
			break
		}
		content := res.Snippet
		if r.fetcher != nil {
			if page, err := r.fetcher.Fetch(ctx, res.URL, 2000); err != nil {
				r.logger.Debug("explore: page fetch failed, using snippet", "url", res.URL, "error", err)
			} else if page.Content != "" {
				content = page.Content
			}
		}
		found = append(found, metawareness.Discovery{
			Topic:      topic,
			Content:    content,
			Source:     res.URL,
			Timestamp:  now.Unix(),
			Importance: 0.5 + r.rand.Float64()*0.5,
		})
	}

	r.pushDiscoveries(found)
	return found, nil
}

// MaybeInitiate probabilistically picks a topic weighted toward recent
// discoveries, asks the Model for an opener, and sends it to every
// active user — counted as one initiation only if at least one send
// succeeded.
func (r *Runner) MaybeInitiate(ctx context.Context, now time.Time) (bool, error) {
	r.mu.Lock()
	dayMarker := now.Format("2006-01-02")
	if r.initiationsDayMarker != dayMarker {
		r.initiationsDayMarker = dayMarker
		r.initiationsToday = 0
	}
	sinceLast := now.Sub(r.lastInitiation)
	dailyLeft := r.cfg.MaxDailyInitiations == 0 || r.initiationsToday < r.cfg.MaxDailyInitiations
	r.mu.Unlock()

	if !dailyLeft || sinceLast < r.cfg.MinTimeBetweenInitiations {
		return false, nil
	}
	if r.rand.Float64() >= r.cfg.InitProbability {
		return false, nil
	}
	if r.transport == nil || r.activeUsers == nil || r.client == nil {
		return false, nil
	}

	topic := r.weightedTopic()
	opener, err := r.client.Generate(ctx, fmt.Sprintf(
		"Write a brief, natural conversation opener about %q, in first person, "+
			"as something you've been thinking about.", topic), model.DefaultProfile())
	if err != nil {
		return false, fmt.Errorf("generate initiation opener: %w", err)
	}

	users, err := r.activeUsers(ctx)
	if err != nil {
		return false, fmt.Errorf("list active users: %w", err)
	}

	sent := false
	for _, user := range users {
		if err := r.transport.Send(ctx, user, opener); err != nil {
			r.logger.Warn("initiation send failed", "user", user, "error", err)
			continue
		}
		sent = true
	}

	if sent {
		r.mu.Lock()
		r.lastInitiation = now
		r.initiationsToday++
		r.mu.Unlock()
	}

	return sent, nil
}

func (r *Runner) weightedTopic() string {
	discoveries := r.Discoveries()
	if len(discoveries) > 0 && r.rand.Float64() < 0.7 {
		return discoveries[r.rand.IntN(len(discoveries))].Topic
	}
	return r.pickTopic()
}

// PersonaAutosaveCheck runs Persona's autosave predicate.
func (r *Runner) PersonaAutosaveCheck(now time.Time) (bool, error) {
	if r.persona == nil {
		return false, nil
	}
	return r.persona.Autosave(now)
}

// ProcessRecentDiscoveries feeds the last 3-5 discoveries into
// Metawareness's insight extraction.
func (r *Runner) ProcessRecentDiscoveries(ctx context.Context) ([]string, error) {
	if r.meta == nil {
		return nil, nil
	}

	all := r.Discoveries()
	n := r.cfg.DiscoveryBatchMax
	if n > len(all) {
		n = len(all)
	}
	if n < r.cfg.DiscoveryBatchMin {
		n = len(all)
	}
	recent := all[len(all)-n:]

	return r.meta.ProcessDiscoveries(ctx, recent)
}

// RunExternalEvaluation fires External Evaluation if its timer has
// elapsed and feeds the outcome into Persona adjustment.
func (r *Runner) RunExternalEvaluation(ctx context.Context, cases []evaluation.TestCase, now time.Time) (*evaluation.Result, error) {
	if r.evaluator == nil || !r.evaluator.ShouldRun(now) {
		return nil, nil
	}

	result, err := r.evaluator.Run(ctx, cases, now)
	if err != nil {
		return nil, err
	}

	passed := result.OverallScore >= r.evaluatorThreshold()
	if r.persona != nil {
		r.persona.OnEvaluationOutcome(passed, fmt.Sprintf("overall score %.2f", result.OverallScore))
	}

	// A passing external evaluation is a genuinely stable point: snapshot
	// it as the checkpoint Correction rolls back to on a later anomaly.
	if passed && r.corrector != nil && r.client != nil {
		if _, err := r.corrector.MarkStable(r.client); err != nil {
			r.logger.Warn("could not mark stable checkpoint after passing evaluation", "error", err)
		}
	}

	return &result, nil
}

func (r *Runner) evaluatorThreshold() float64 {
	return 0.7
}

// RunImprovementExperiment runs one planned experiment (if any) every
// ImprovementRunInterval and applies it if it evaluates successfully.
func (r *Runner) RunImprovementExperiment(ctx context.Context, profile *model.Profile, probeQuery string, collect selfimprovement.MetricCollector, improvementThreshold float64, now time.Time) (*selfimprovement.Experiment, error) {
	if r.improveQ == nil || r.client == nil {
		return nil, nil
	}

	planned := r.improveQ.Planned()
	if len(planned) == 0 {
		return nil, nil
	}

	r.mu.Lock()
	due := now.Sub(r.lastImprovementRun) >= r.cfg.ImprovementRunInterval
	if due {
		r.lastImprovementRun = now
	}
	r.mu.Unlock()
	if !due {
		return nil, nil
	}

	exp, err := selfimprovement.Run(ctx, planned[0], r.client, *profile, probeQuery, collect)
	if err != nil {
		return nil, err
	}
	r.improveQ.Replace(exp)

	success := selfimprovement.Evaluate(exp, improvementThreshold)
	exp.Success = &success
	r.improveQ.Replace(exp)

	if success {
		if err := r.improveQ.Apply(exp, profile, now); err != nil {
			return &exp, fmt.Errorf("apply successful experiment: %w", err)
		}

		// The applied profile just cleared its improvement threshold: a
		// genuinely stable point, snapshotted before any later update can
		// regress it.
		if r.corrector != nil && r.client != nil {
			if _, err := r.corrector.MarkStable(r.client); err != nil {
				r.logger.Warn("could not mark stable checkpoint after applied improvement", "error", err)
			}
		}
	}

	return &exp, nil
}

// DevMonitorCycle runs one Development Monitor cycle if its interval
// has elapsed, optionally triggering External Validation and
// Correction's quarantine path when an anomaly warrants it.
func (r *Runner) DevMonitorCycle(ctx context.Context, collect devmonitor.CollectFunc, scenarios []evaluation.Scenario, model_ model.Client, now time.Time) ([]devmonitor.Alert, error) {
	if r.monitor == nil {
		return nil, nil
	}

	r.mu.Lock()
	due := now.Sub(r.lastDevMonitor) >= r.cfg.DevMonitorInterval
	if due {
		r.lastDevMonitor = now
	}
	r.mu.Unlock()
	if !due {
		return nil, nil
	}

	alerts, err := r.monitor.Cycle(ctx, collect)
	if err != nil {
		return nil, err
	}

	if len(alerts) > 0 && r.validator != nil && r.corrector != nil && len(scenarios) > 0 {
		result, err := r.validator.Run(ctx, scenarios, now)
		if err != nil {
			return alerts, fmt.Errorf("anomaly-triggered validation: %w", err)
		}
		if result.ShouldQuarantine() && model_ != nil {
			// Rolls back to whatever MarkStable last recorded from a
			// genuinely passing evaluation or applied improvement. Never
			// re-snapshots the model here, since by this point its current
			// state is exactly what triggered the anomaly.
			if err := r.corrector.QuarantineProblematicUpdate(model_, "anomaly-triggered validation failure",
				fmt.Sprintf("failed metrics: %v", result.Failed)); err != nil {
				return alerts, fmt.Errorf("quarantine after anomaly-triggered validation: %w", err)
			}
		}
	}

	return alerts, nil
}

// EthicalInsightSynthesis synthesizes an ethical reflection on a
// weekly cadence via the Ethics framework and returns it
// (Framework.SynthesizeReflection already calls the Model; the
// caller is responsible for persisting the result through
// memory.Store.StoreReflection, kept out of this package to avoid a
// periodic -> memory dependency beyond what Metawareness already
// provides).
func (r *Runner) EthicalInsightSynthesis(ctx context.Context, recentContext string, now time.Time) (*ethics.Reflection, error) {
	if r.ethics == nil {
		return nil, nil
	}

	r.mu.Lock()
	due := r.lastEthicalSynth.IsZero() || now.Sub(r.lastEthicalSynth) >= r.cfg.EthicalReflectionInterval
	if due {
		r.lastEthicalSynth = now
	}
	r.mu.Unlock()
	if !due {
		return nil, nil
	}

	refl, err := r.ethics.SynthesizeReflection(ctx, recentContext)
	if err != nil {
		return nil, err
	}
	return &refl, nil
}
