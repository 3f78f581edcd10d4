package ethics

import (
	"context"
	"testing"

	"github.com/nugget/sentinel-agent/internal/model"
)

// scriptedClient returns queued responses in order, one per Generate call.
type scriptedClient struct {
	responses []string
	calls     int
}

func (c *scriptedClient) Generate(ctx context.Context, prompt string, profile model.Profile) (string, error) {
	if c.calls >= len(c.responses) {
		return c.responses[len(c.responses)-1], nil
	}
	r := c.responses[c.calls]
	c.calls++
	return r, nil
}

func (c *scriptedClient) SaveCheckpoint(path string) error { return nil }
func (c *scriptedClient) LoadCheckpoint(path string) error { return nil }

func TestParseJudgmentValid(t *testing.T) {
	j := parseJudgment(`{"ethical_score": 0.9, "reasoning": "fine", "principles_alignment": {"honesty": 0.9}}`)
	if j.ParsingError {
		t.Fatal("did not expect parsing error for valid JSON")
	}
	if j.EthicalScore != 0.9 {
		t.Errorf("EthicalScore = %v, want 0.9", j.EthicalScore)
	}
}

func TestParseJudgmentMalformedIsPessimistic(t *testing.T) {
	j := parseJudgment("not json at all")
	if !j.ParsingError {
		t.Fatal("expected ParsingError for unparseable text")
	}
	if j.EthicalScore != 0.5 {
		t.Errorf("EthicalScore = %v, want pessimistic default 0.5", j.EthicalScore)
	}
}

func TestParseJudgmentOutOfRangeScore(t *testing.T) {
	j := parseJudgment(`{"ethical_score": 1.5, "reasoning": "bad"}`)
	if !j.ParsingError {
		t.Fatal("expected ParsingError for out-of-range score")
	}
}

func TestEvaluateAllowsHighScore(t *testing.T) {
	client := &scriptedClient{responses: []string{`{"ethical_score": 0.95, "reasoning": "good"}`}}
	f := New(Config{EthicalPass: 0.8, ModerateViolation: 0.5}, client, nil)

	text, _, decision, err := f.Evaluate(context.Background(), "a fine response", "a query")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if decision != DecisionAllow {
		t.Errorf("decision = %v, want allow", decision)
	}
	if text != "a fine response" {
		t.Errorf("text = %q, want unchanged original", text)
	}
}

func TestEvaluateRewriteImprovesAndIsAccepted(t *testing.T) {
	client := &scriptedClient{responses: []string{
		`{"ethical_score": 0.4, "reasoning": "too aggressive"}`, // initial judgment
		"a gentler rewritten response",                         // rewrite
		`{"ethical_score": 0.9, "reasoning": "much better"}`,    // rescoring
	}}
	f := New(Config{EthicalPass: 0.8, ModerateViolation: 0.3, MaxRewriteAttempts: 1}, client, nil)

	text, _, decision, err := f.Evaluate(context.Background(), "an aggressive response", "a query")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if decision != DecisionReview {
		t.Errorf("decision = %v, want review (initial score before rewrite)", decision)
	}
	if text != "a gentler rewritten response" {
		t.Errorf("text = %q, want rewritten response", text)
	}
}

func TestEvaluateFallsBackWhenRewriteDoesNotImprove(t *testing.T) {
	client := &scriptedClient{responses: []string{
		`{"ethical_score": 0.4, "reasoning": "bad"}`,
		"still a bad rewrite",
		`{"ethical_score": 0.3, "reasoning": "worse"}`,
	}}
	f := New(Config{EthicalPass: 0.8, ModerateViolation: 0.3, MaxRewriteAttempts: 1, SafeFallbackText: "fallback text"}, client, nil)

	text, _, _, err := f.Evaluate(context.Background(), "a bad response", "a query")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if text != "fallback text" {
		t.Errorf("text = %q, want safe fallback", text)
	}
}

func TestExtractBulletedLines(t *testing.T) {
	lines := extractBulletedLines("Summary paragraph.\n- insight one\n- insight two\nnot a bullet")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	if lines[0] != "insight one" || lines[1] != "insight two" {
		t.Errorf("lines = %v", lines)
	}
}

func TestSynthesizeReflection(t *testing.T) {
	client := &scriptedClient{responses: []string{"Reflected on recent judgments.\n- be kinder\n- stay factual"}}
	f := New(Config{}, client, nil)

	refl, err := f.SynthesizeReflection(context.Background(), "recent log context")
	if err != nil {
		t.Fatalf("SynthesizeReflection: %v", err)
	}
	if len(refl.Insights) != 2 {
		t.Errorf("got %d insights, want 2", len(refl.Insights))
	}
}
