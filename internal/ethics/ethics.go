// Package ethics implements the Ethical Framework: scoring a response
// against a structured judgment from the Model, deciding allow/review/
// block, and driving a rewrite-and-rescore loop when a response does
// not pass.
package ethics

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

// Decision is the outcome of scoring a response.
type Decision string

const (
	DecisionAllow  Decision = "allow"
	DecisionReview Decision = "review"
	DecisionBlock  Decision = "block"
)

// Judgment is the Model's structured ethical assessment.
type Judgment struct {
	EthicalScore        float64            `json:"ethical_score"`
	Reasoning           string             `json:"reasoning"`
	PrinciplesAlignment map[string]float64 `json:"principles_alignment"`
	ParsingError        bool               `json:"-"`
}

// Reflection is one ethical-insight entry, synthesized after a
// successful reflection cycle and handed to Memory.
type Reflection struct {
	Text      string
	Insights  []string
	CreatedAt int64
}

// Config holds the decision thresholds and fallback text.
type Config struct {
	EthicalPass        float64 // score >= this → allow
	ModerateViolation  float64 // score >= this (and < EthicalPass) → review
	MaxRewriteAttempts int     // default 1
	SafeFallbackText   string
}

func (c Config) withDefaults() Config {
	if c.MaxRewriteAttempts <= 0 {
		c.MaxRewriteAttempts = 1
	}
	if c.SafeFallbackText == "" {
		c.SafeFallbackText = "I'd rather not respond to that as phrased. Could you rephrase it?"
	}
	return c
}

// Framework is the Ethical Framework component.
type Framework struct {
	cfg    Config
	client model.Client
	logger *slog.Logger

	mu  sync.Mutex
	log []LogEntry
}

// LogEntry records one invocation of Evaluate for later inspection.
type LogEntry struct {
	Query     string
	Decision  Decision
	Score     float64
	Timestamp int64
}

// New builds a Framework bound to client for judgment/rewrite calls.
func New(cfg Config, client model.Client, logger *slog.Logger) *Framework {
	if logger == nil {
		logger = slog.Default()
	}
	return &Framework{cfg: cfg.withDefaults(), client: client, logger: logger}
}

var jsonBlockPattern = regexp.MustCompile(`(?s)\{.*\}`)

// parseJudgment tolerantly extracts a Judgment from raw model output.
// On any failure it returns a pessimistic default with ParsingError set
// — this must never panic or error out, per the Ethical Framework's
// "never crash on a malformed judge reply" contract.
func parseJudgment(raw string) Judgment {
	match := jsonBlockPattern.FindString(raw)
	if match == "" {
		return Judgment{EthicalScore: 0.5, Reasoning: "no JSON object found in model output", ParsingError: true}
	}

	var j Judgment
	if err := json.Unmarshal([]byte(match), &j); err != nil {
		return Judgment{EthicalScore: 0.5, Reasoning: fmt.Sprintf("unparseable judgment: %v", err), ParsingError: true}
	}
	if j.EthicalScore < 0 || j.EthicalScore > 1 {
		return Judgment{EthicalScore: 0.5, Reasoning: "ethical_score out of range", ParsingError: true}
	}
	return j
}

// decide maps a score to a Decision per the configured thresholds.
func (f *Framework) decide(score float64) Decision {
	if score >= f.cfg.EthicalPass {
		return DecisionAllow
	}
	if score >= f.cfg.ModerateViolation {
		return DecisionReview
	}
	return DecisionBlock
}

func judgmentPrompt(response, query string) string {
	return fmt.Sprintf(
		"Evaluate the ethical quality of the following response to the given query. "+
			"Reply with ONLY a JSON object of the shape "+
			`{"ethical_score": <0..1>, "reasoning": "...", "principles_alignment": {"<principle>": <0..1>, ...}}`+".\n\n"+
			"Query: %s\n\nResponse: %s", query, response)
}

func rewritePrompt(response, query, reasoning string) string {
	return fmt.Sprintf(
		"The following response to a query raised an ethical concern: %s\n\n"+
			"Query: %s\nOriginal response: %s\n\n"+
			"Rewrite the response so it addresses the concern while staying helpful. "+
			"Reply with only the rewritten response text.", reasoning, query, response)
}

// Evaluate scores response against query, resolves a Decision, and —
// if review or block — drives the rewrite-and-rescore loop up to
// MaxRewriteAttempts times, substituting the configured safe-fallback
// text if the best-scoring text still does not reach EthicalPass.
func (f *Framework) Evaluate(ctx context.Context, response, query string) (finalText string, judgment Judgment, decision Decision, err error) {
	raw, err := f.client.Generate(ctx, judgmentPrompt(response, query), model.DefaultProfile())
	if err != nil {
		return "", Judgment{}, "", fmt.Errorf("generate judgment: %w", err)
	}
	judgment = parseJudgment(raw)
	decision = f.decide(judgment.EthicalScore)

	f.recordLog(query, decision, judgment.EthicalScore)

	if decision == DecisionAllow {
		return response, judgment, decision, nil
	}

	bestText := response
	bestScore := judgment.EthicalScore

	for attempt := 0; attempt < f.cfg.MaxRewriteAttempts; attempt++ {
		rewritten, genErr := f.client.Generate(ctx, rewritePrompt(bestText, query, judgment.Reasoning), model.DefaultProfile())
		if genErr != nil {
			f.logger.Warn("ethics rewrite generation failed", "error", genErr)
			break
		}

		rawScore, genErr := f.client.Generate(ctx, judgmentPrompt(rewritten, query), model.DefaultProfile())
		if genErr != nil {
			f.logger.Warn("ethics rescoring failed", "error", genErr)
			break
		}
		rescored := parseJudgment(rawScore)

		if rescored.EthicalScore > bestScore {
			bestText = rewritten
			bestScore = rescored.EthicalScore
			judgment = rescored
		}

		if f.decide(bestScore) == DecisionAllow {
			break
		}
	}

	if f.decide(bestScore) != DecisionAllow {
		return f.cfg.SafeFallbackText, judgment, decision, nil
	}

	return bestText, judgment, decision, nil
}

func (f *Framework) recordLog(query string, decision Decision, score float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log = append(f.log, LogEntry{Query: query, Decision: decision, Score: score, Timestamp: time.Now().Unix()})
}

// Log returns a copy of every recorded evaluation.
func (f *Framework) Log() []LogEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]LogEntry, len(f.log))
	copy(out, f.log)
	return out
}

// SynthesizeReflection asks the Model for an ethical reflection over
// the caller-supplied recentContext. Periodic's EthicalInsightSynthesis
// calls it on its weekly cadence.
func (f *Framework) SynthesizeReflection(ctx context.Context, recentContext string) (Reflection, error) {
	prompt := fmt.Sprintf(
		"Reflect on the ethical judgments made recently. Summarize what "+
			"was learned in one paragraph, then list up to three concrete "+
			"insights, one per line prefixed with '- '.\n\nContext:\n%s", recentContext)

	raw, err := f.client.Generate(ctx, prompt, model.DefaultProfile())
	if err != nil {
		return Reflection{}, fmt.Errorf("generate ethical reflection: %w", err)
	}

	return Reflection{
		Text:      raw,
		Insights:  extractBulletedLines(raw),
		CreatedAt: time.Now().Unix(),
	}, nil
}

var bulletLine = regexp.MustCompile(`(?m)^-\s*(.+)$`)

func extractBulletedLines(text string) []string {
	matches := bulletLine.FindAllStringSubmatch(text, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m[1])
	}
	return out
}
