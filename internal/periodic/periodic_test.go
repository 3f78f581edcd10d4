package periodic

import (
	"context"
	"testing"
	"time"

	"github.com/nugget/sentinel-agent/internal/ethics"
	"github.com/nugget/sentinel-agent/internal/evaluation"
	"github.com/nugget/sentinel-agent/internal/model"
	"github.com/nugget/sentinel-agent/internal/persona"
	"github.com/nugget/sentinel-agent/internal/search"
	"github.com/nugget/sentinel-agent/internal/selfimprovement"
	"github.com/nugget/sentinel-agent/internal/transport"
)

type scriptedClient struct {
	responses []string
	i         int
}

func (s *scriptedClient) Generate(ctx context.Context, prompt string, profile model.Profile) (string, error) {
	if s.i >= len(s.responses) {
		return s.responses[len(s.responses)-1], nil
	}
	r := s.responses[s.i]
	s.i++
	return r, nil
}
func (s *scriptedClient) SaveCheckpoint(path string) error { return nil }
func (s *scriptedClient) LoadCheckpoint(path string) error { return nil }

type fixedRand struct {
	f   float64
	idx int
}

func (f fixedRand) Float64() float64 { return f.f }
func (f fixedRand) IntN(n int) int {
	if n == 0 {
		return 0
	}
	return f.idx % n
}

type fakeSearchProvider struct {
	results []search.Result
}

func (f fakeSearchProvider) Name() string { return "fake" }
func (f fakeSearchProvider) Search(ctx context.Context, query string, opts search.Options) ([]search.Result, error) {
	return f.results, nil
}

func newTestPersona(t *testing.T) *persona.Store {
	t.Helper()
	p, err := persona.New(persona.Config{}, nil)
	if err != nil {
		t.Fatalf("persona.New: %v", err)
	}
	return p
}

func TestExploreProducesBoundedDiscoveries(t *testing.T) {
	mgr := search.NewManager("fake")
	mgr.Register(fakeSearchProvider{results: []search.Result{
		{Title: "A", URL: "http://a", Snippet: "snippet a"},
		{Title: "B", URL: "http://b", Snippet: "snippet b"},
		{Title: "C", URL: "http://c", Snippet: "snippet c"},
	}})

	r := New(Config{DefaultTopics: []string{"robotics"}}, Deps{
		Search: mgr,
		Rand:   fixedRand{f: 0.5},
	})

	found, err := r.Explore(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("Explore: %v", err)
	}
	if len(found) != 2 {
		t.Fatalf("got %d discoveries, want 2 (capped per call)", len(found))
	}
	if len(r.Discoveries()) != 2 {
		t.Errorf("Discoveries() = %d, want 2", len(r.Discoveries()))
	}
}

func TestExploreNoopsWithoutConfiguredSearch(t *testing.T) {
	mgr := search.NewManager("")
	r := New(Config{}, Deps{Search: mgr})

	found, err := r.Explore(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("Explore: %v", err)
	}
	if found != nil {
		t.Errorf("found = %+v, want nil when no provider configured", found)
	}
}

func TestMaybeInitiateRespectsProbabilityGate(t *testing.T) {
	client := &scriptedClient{responses: []string{"opener"}}
	sentTo := map[string]string{}
	sender := sendFunc(func(ctx context.Context, recipient, text string) error {
		sentTo[recipient] = text
		return nil
	})

	r := New(Config{InitProbability: 0.1, MaxDailyInitiations: 5}, Deps{
		Client:      client,
		Rand:        fixedRand{f: 0.9}, // above InitProbability -> skip
		Transport:   sender,
		ActiveUsers: func(ctx context.Context) ([]string, error) { return []string{"alice"}, nil },
	})

	sent, err := r.MaybeInitiate(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("MaybeInitiate: %v", err)
	}
	if sent {
		t.Errorf("sent = true, want false: roll 0.9 exceeds probability 0.1")
	}
	if len(sentTo) != 0 {
		t.Errorf("sentTo = %v, want empty", sentTo)
	}
}

func TestMaybeInitiateSendsWhenRollSucceeds(t *testing.T) {
	client := &scriptedClient{responses: []string{"thinking about gardens"}}
	var sentRecipient, sentText string
	sender := sendFunc(func(ctx context.Context, recipient, text string) error {
		sentRecipient, sentText = recipient, text
		return nil
	})

	r := New(Config{InitProbability: 0.9, MaxDailyInitiations: 5, DefaultTopics: []string{"gardens"}}, Deps{
		Client:      client,
		Rand:        fixedRand{f: 0.01},
		Transport:   sender,
		ActiveUsers: func(ctx context.Context) ([]string, error) { return []string{"alice"}, nil },
	})

	sent, err := r.MaybeInitiate(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("MaybeInitiate: %v", err)
	}
	if !sent {
		t.Fatal("sent = false, want true")
	}
	if sentRecipient != "alice" || sentText != "thinking about gardens" {
		t.Errorf("sent (%q, %q)", sentRecipient, sentText)
	}
}

func TestMaybeInitiateHonorsMinTimeBetween(t *testing.T) {
	client := &scriptedClient{responses: []string{"opener"}}
	calls := 0
	sender := sendFunc(func(ctx context.Context, recipient, text string) error {
		calls++
		return nil
	})

	r := New(Config{InitProbability: 1, MaxDailyInitiations: 5, MinTimeBetweenInitiations: time.Hour}, Deps{
		Client:      client,
		Rand:        fixedRand{f: 0},
		Transport:   sender,
		ActiveUsers: func(ctx context.Context) ([]string, error) { return []string{"alice"}, nil },
	})

	now := time.Now()
	if sent, err := r.MaybeInitiate(context.Background(), now); err != nil || !sent {
		t.Fatalf("first MaybeInitiate: sent=%v err=%v", sent, err)
	}
	if sent, err := r.MaybeInitiate(context.Background(), now.Add(time.Minute)); err != nil || sent {
		t.Fatalf("second MaybeInitiate too soon: sent=%v err=%v", sent, err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestMaybeInitiateHonorsDailyCap(t *testing.T) {
	client := &scriptedClient{responses: []string{"opener"}}
	sender := sendFunc(func(ctx context.Context, recipient, text string) error { return nil })

	r := New(Config{InitProbability: 1, MaxDailyInitiations: 1}, Deps{
		Client:      client,
		Rand:        fixedRand{f: 0},
		Transport:   sender,
		ActiveUsers: func(ctx context.Context) ([]string, error) { return []string{"alice"}, nil },
	})

	base := time.Now()
	if sent, _ := r.MaybeInitiate(context.Background(), base); !sent {
		t.Fatal("first send should succeed")
	}
	if sent, _ := r.MaybeInitiate(context.Background(), base.Add(2*time.Hour)); sent {
		t.Error("second send should be blocked by daily cap")
	}
}

func TestPersonaAutosaveCheckDelegates(t *testing.T) {
	p := newTestPersona(t)
	r := New(Config{}, Deps{Persona: p})

	_, err := r.PersonaAutosaveCheck(time.Now())
	if err != nil {
		t.Fatalf("PersonaAutosaveCheck: %v", err)
	}
}

func TestRunExternalEvaluationSkipsWhenNeverRun(t *testing.T) {
	client := &scriptedClient{responses: []string{`{"accuracy": 8}`}}
	ev := evaluation.New(evaluation.Config{Criteria: []string{"accuracy"}, Scale: 10, Threshold: 0.7}, client, nil, 0)
	p := newTestPersona(t)

	r := New(Config{}, Deps{Evaluator: ev, Persona: p})

	result, err := r.RunExternalEvaluation(context.Background(), []evaluation.TestCase{{Name: "t", Prompt: "hi"}}, time.Now())
	if err != nil {
		t.Fatalf("RunExternalEvaluation: %v", err)
	}
	if result != nil {
		t.Errorf("result = %+v, want nil: evaluator has never run and should not fire implicitly", result)
	}
}

func TestRunExternalEvaluationRunsWhenForced(t *testing.T) {
	client := &scriptedClient{responses: []string{"probe response", `{"accuracy": 9}`}}
	ev := evaluation.New(evaluation.Config{Criteria: []string{"accuracy"}, Scale: 10, Threshold: 0.7}, client, nil, time.Now().Add(-24*time.Hour).Unix())
	p := newTestPersona(t)
	before := p.Snapshot()

	r := New(Config{}, Deps{Evaluator: ev, Persona: p})
	ev.Force()

	result, err := r.RunExternalEvaluation(context.Background(), []evaluation.TestCase{{Name: "t", Prompt: "hi"}}, time.Now())
	if err != nil {
		t.Fatalf("RunExternalEvaluation: %v", err)
	}
	if result == nil {
		t.Fatal("result = nil, want a Result")
	}
	_ = before
}

func TestRunImprovementExperimentAppliesSuccessfulExperiment(t *testing.T) {
	q := selfimprovement.NewQueue(t.TempDir() + "/history.json")
	exp := selfimprovement.Design("raise temperature helps", map[string]float64{"temperature": 0.2}, []string{"quality"})
	q.Enqueue(exp)

	client := &scriptedClient{responses: []string{"probe output"}}
	collect := func(ctx context.Context, probeResponse string, metrics []string) (map[string]float64, error) {
		return map[string]float64{"quality": 0.9}, nil
	}

	profile := model.DefaultProfile()
	r := New(Config{}, Deps{ImproveQ: q, Client: client})

	result, err := r.RunImprovementExperiment(context.Background(), &profile, "probe", collect, 0.5, time.Now())
	if err != nil {
		t.Fatalf("RunImprovementExperiment: %v", err)
	}
	if result == nil {
		t.Fatal("result = nil, want an Experiment")
	}
	if result.Success == nil || !*result.Success {
		t.Errorf("Success = %v, want true", result.Success)
	}
	if profile.Temperature == model.DefaultProfile().Temperature {
		t.Error("profile.Temperature unchanged, want it mutated by Apply")
	}
}

func TestRunImprovementExperimentNoopsWithNoPlanned(t *testing.T) {
	q := selfimprovement.NewQueue(t.TempDir() + "/history.json")
	profile := model.DefaultProfile()
	r := New(Config{}, Deps{ImproveQ: q})

	result, err := r.RunImprovementExperiment(context.Background(), &profile, "probe", nil, 0.5, time.Now())
	if err != nil {
		t.Fatalf("RunImprovementExperiment: %v", err)
	}
	if result != nil {
		t.Errorf("result = %+v, want nil with no planned experiments", result)
	}
}

func TestEthicalInsightSynthesisFiresOnceThenWaitsForInterval(t *testing.T) {
	client := &scriptedClient{responses: []string{"a reflection on recent conduct"}}
	fw := ethics.New(ethics.Config{}, client, nil)

	r := New(Config{EthicalReflectionInterval: time.Hour}, Deps{Ethics: fw})

	now := time.Now()
	refl, err := r.EthicalInsightSynthesis(context.Background(), "recent context", now)
	if err != nil {
		t.Fatalf("EthicalInsightSynthesis: %v", err)
	}
	if refl == nil {
		t.Fatal("refl = nil, want a Reflection on first call")
	}

	refl2, err := r.EthicalInsightSynthesis(context.Background(), "recent context", now.Add(time.Minute))
	if err != nil {
		t.Fatalf("EthicalInsightSynthesis second call: %v", err)
	}
	if refl2 != nil {
		t.Errorf("refl2 = %+v, want nil before interval elapses", refl2)
	}
}

type sendFunc func(ctx context.Context, recipient, text string) error

func (s sendFunc) Name() string { return "fake-transport" }
func (s sendFunc) Poll(ctx context.Context) ([]transport.Inbound, error) { return nil, nil }
func (s sendFunc) Send(ctx context.Context, recipient, text string) error {
	return s(ctx, recipient, text)
}
func (s sendFunc) Close() error { return nil }
