package persona

import (
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{ChangesThreshold: 3, AutosaveInterval: time.Hour}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestDefaultClampedTraits(t *testing.T) {
	p := Default()
	for name, v := range p.Traits {
		if v < 0 || v > 1 {
			t.Errorf("trait %q = %v, out of [0,1]", name, v)
		}
	}
}

func TestOnFeedbackPositiveIncrementsFriendliness(t *testing.T) {
	s := newTestStore(t)
	before := s.Snapshot().Traits["friendliness"]

	s.OnFeedback("tell me a joke", FeedbackPositive)

	after := s.Snapshot().Traits["friendliness"]
	if after <= before {
		t.Errorf("friendliness did not increase: before=%v after=%v", before, after)
	}
}

func TestOnFeedbackNegativeReducesDominantTrait(t *testing.T) {
	s := newTestStore(t)
	s.mu.Lock()
	s.persona.Traits = map[string]float64{"analytical": 0.5, "curiosity": 0.9, "friendliness": 0.2}
	s.mu.Unlock()

	s.OnFeedback("that was wrong", FeedbackNegative)

	snap := s.Snapshot()
	if snap.Traits["curiosity"] >= 0.9 {
		t.Errorf("dominant trait curiosity should have decreased, got %v", snap.Traits["curiosity"])
	}
	if snap.Traits["analytical"] <= 0.5 {
		t.Errorf("analytical should have increased, got %v", snap.Traits["analytical"])
	}
}

func TestOnFeedbackMetaKeywordsBumpSelfAwareness(t *testing.T) {
	s := newTestStore(t)
	before := s.Snapshot().SelfPerception

	s.OnFeedback("what is your self-awareness level?", FeedbackNeutral)

	after := s.Snapshot().SelfPerception
	if after.SelfAwarenessLevel <= before.SelfAwarenessLevel {
		t.Error("self_awareness_level did not increase on meta-keyword match")
	}
	if after.MetacognitionDepth <= before.MetacognitionDepth {
		t.Error("metacognition_depth did not increase on meta-keyword match")
	}
}

func TestClamp01(t *testing.T) {
	cases := map[float64]float64{-0.5: 0, 0.5: 0.5, 1.5: 1}
	for in, want := range cases {
		if got := clamp01(in); got != want {
			t.Errorf("clamp01(%v) = %v, want %v", in, got, want)
		}
	}
}

func TestDominantTraitTiesBreakLexicographically(t *testing.T) {
	traits := map[string]float64{"zeta": 0.8, "alpha": 0.8, "mu": 0.1}
	if got := dominantTrait(traits); got != "alpha" {
		t.Errorf("dominantTrait = %q, want %q (lexicographic tie-break)", got, "alpha")
	}
}

func TestAutosavePredicateByThreshold(t *testing.T) {
	s := newTestStore(t)
	now := time.Unix(1000, 0)

	if s.ShouldAutosave(now) {
		t.Fatal("should not autosave immediately after construction")
	}

	s.OnFeedback("positive feedback", FeedbackPositive)
	s.OnFeedback("positive feedback again", FeedbackPositive)

	if !s.ShouldAutosave(now) {
		t.Fatal("should autosave once changes_since_save crosses threshold")
	}
}

func TestAutosaveResetsCountersAndWritesFile(t *testing.T) {
	path := t.TempDir() + "/persona.json"
	s, err := New(Config{SnapshotPath: path, ChangesThreshold: 1, AutosaveInterval: time.Hour}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	s.OnFeedback("positive", FeedbackPositive)

	saved, err := s.Autosave(time.Unix(2000, 0))
	if err != nil {
		t.Fatalf("Autosave: %v", err)
	}
	if !saved {
		t.Fatal("expected Autosave to report a save occurred")
	}

	reloaded, err := New(Config{SnapshotPath: path}, nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Snapshot().LastSaved != 2000 {
		t.Errorf("reloaded LastSaved = %v, want 2000", reloaded.Snapshot().LastSaved)
	}

	if s.ShouldAutosave(time.Unix(2001, 0)) {
		t.Error("autosave counters should have reset after a successful save")
	}
}

func TestOverlayPromptPreservesQueryAndResponse(t *testing.T) {
	s := newTestStore(t)
	prompt := s.OverlayPrompt("what's the weather", "it is sunny")

	if !containsAny(prompt, []string{"what's the weather"}) {
		t.Error("overlay prompt missing query")
	}
	if !containsAny(prompt, []string{"it is sunny"}) {
		t.Error("overlay prompt missing base response")
	}
}
