// Package correction implements response correction (a bounded
// rewrite-and-rescore loop driven by the Ethical Framework) and the
// checkpoint/rollback/quarantine primitives that protect Model state
// from a bad Self-Improvement experiment or persona drift.
package correction

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/sentinel-agent/internal/ethics"
	"github.com/nugget/sentinel-agent/internal/model"
)

// Attempt records one iteration of correct_response.
type Attempt struct {
	Text  string
	Score float64
}

// Info is the structured result correct_response always returns.
type Info struct {
	Attempts       []Attempt
	OriginalIssues string
	FinalScore     float64
	Success        bool
}

// LogEntry records one correct_response invocation.
type LogEntry struct {
	Query     string
	Info      Info
	Timestamp int64
}

// Config controls the correction loop and checkpoint directory.
type Config struct {
	MaxCorrectionAttempts int // default 3
	CorrectionThreshold   float64
	CheckpointDir         string
}

func (c Config) withDefaults() Config {
	if c.MaxCorrectionAttempts <= 0 {
		c.MaxCorrectionAttempts = 3
	}
	return c
}

// Corrector is the Correction component.
type Corrector struct {
	cfg    Config
	ethics *ethics.Framework
	logger *slog.Logger

	mu            sync.Mutex
	log           []LogEntry
	quarantineLog []QuarantineEntry
	lastStableID  string
}

// New builds a Corrector bound to the Ethical Framework used to score
// and re-score candidate responses.
func New(cfg Config, framework *ethics.Framework, logger *slog.Logger) *Corrector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Corrector{cfg: cfg.withDefaults(), ethics: framework, logger: logger}
}

// CorrectResponse evaluates text's ethics; if it already passes the
// correction threshold it is returned unchanged. Otherwise it loops up
// to MaxCorrectionAttempts times asking the Model for a cleaner
// response conditioned on the detected issues, re-evaluating after
// each attempt, stopping as soon as the score passes threshold.
func (c *Corrector) CorrectResponse(ctx context.Context, text, query string, m model.Client) (string, Info, error) {
	judged, judgment, _, err := c.ethics.Evaluate(ctx, text, query)
	if err != nil {
		return "", Info{}, fmt.Errorf("initial ethics evaluation: %w", err)
	}

	info := Info{OriginalIssues: judgment.Reasoning, FinalScore: judgment.EthicalScore}

	if judgment.EthicalScore >= c.cfg.CorrectionThreshold {
		info.Attempts = append(info.Attempts, Attempt{Text: judged, Score: judgment.EthicalScore})
		info.Success = true
		c.recordLog(query, info)
		return judged, info, nil
	}

	best := judged
	bestScore := judgment.EthicalScore
	info.Attempts = append(info.Attempts, Attempt{Text: best, Score: bestScore})

	for attempt := 0; attempt < c.cfg.MaxCorrectionAttempts; attempt++ {
		prompt := fmt.Sprintf(
			"The following response has these issues: %s\n\n"+
				"Query: %s\nResponse: %s\n\n"+
				"Produce a corrected response that resolves the issues while "+
				"staying helpful and on-topic.", judgment.Reasoning, query, best)

		candidate, genErr := m.Generate(ctx, prompt, model.DefaultProfile())
		if genErr != nil {
			c.logger.Warn("correction generation failed", "attempt", attempt, "error", genErr)
			break
		}

		rescored, rejudgment, _, evalErr := c.ethics.Evaluate(ctx, candidate, query)
		if evalErr != nil {
			c.logger.Warn("correction re-evaluation failed", "attempt", attempt, "error", evalErr)
			break
		}

		info.Attempts = append(info.Attempts, Attempt{Text: rescored, Score: rejudgment.EthicalScore})

		if rejudgment.EthicalScore > bestScore {
			best = rescored
			bestScore = rejudgment.EthicalScore
			judgment = rejudgment
		}

		if bestScore >= c.cfg.CorrectionThreshold {
			break
		}
	}

	info.FinalScore = bestScore
	info.Success = bestScore >= c.cfg.CorrectionThreshold
	c.recordLog(query, info)

	return best, info, nil
}

func (c *Corrector) recordLog(query string, info Info) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = append(c.log, LogEntry{Query: query, Info: info, Timestamp: time.Now().Unix()})
}

// Log returns a copy of every recorded correction attempt.
func (c *Corrector) Log() []LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]LogEntry, len(c.log))
	copy(out, c.log)
	return out
}

// QuarantineEntry records one rollback performed by
// QuarantineProblematicUpdate.
type QuarantineEntry struct {
	Reason       string
	CheckpointID string
	Timestamp    int64
}

func (c *Corrector) checkpointPath(id string) string {
	return c.cfg.CheckpointDir + "/" + id + ".json"
}

// MarkStable designates the Model's current generation profile as the
// "last stable" checkpoint, saving it via the Model's own
// SaveCheckpoint contract.
func (c *Corrector) MarkStable(m model.Client) (string, error) {
	id := uuid.Must(uuid.NewV7()).String()
	if err := os.MkdirAll(c.cfg.CheckpointDir, 0o755); err != nil {
		return "", fmt.Errorf("create checkpoint dir: %w", err)
	}
	if err := m.SaveCheckpoint(c.checkpointPath(id)); err != nil {
		return "", fmt.Errorf("save checkpoint: %w", err)
	}

	c.mu.Lock()
	c.lastStableID = id
	c.mu.Unlock()

	return id, nil
}

// QuarantineProblematicUpdate rolls the Model back to the designated
// last-stable checkpoint and appends an entry to the quarantine log.
// memoryNote is recorded alongside reason for later inspection — the
// rollback itself only touches the Model; Memory state is never rolled
// back, since interaction/reflection records are append-only by
// design.
func (c *Corrector) QuarantineProblematicUpdate(m model.Client, reason, memoryNote string) error {
	c.mu.Lock()
	lastStable := c.lastStableID
	c.mu.Unlock()

	if lastStable == "" {
		return fmt.Errorf("no stable checkpoint recorded to roll back to")
	}

	if err := m.LoadCheckpoint(c.checkpointPath(lastStable)); err != nil {
		return fmt.Errorf("load checkpoint %s: %w", lastStable, err)
	}

	c.mu.Lock()
	c.quarantineLog = append(c.quarantineLog, QuarantineEntry{
		Reason:       reason + "; " + memoryNote,
		CheckpointID: lastStable,
		Timestamp:    time.Now().Unix(),
	})
	c.mu.Unlock()

	c.logger.Warn("quarantined problematic update", "checkpoint", lastStable, "reason", reason)
	return nil
}

// QuarantineLog returns a copy of every recorded rollback.
func (c *Corrector) QuarantineLog() []QuarantineEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]QuarantineEntry, len(c.quarantineLog))
	copy(out, c.quarantineLog)
	return out
}
