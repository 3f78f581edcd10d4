// Package core implements the Agent Loop and the per-message Pipeline
// it drives: the cooperative control loop that multiplexes inbound
// transport messages with periodic background faculties, and the
// ordered safety/recall/generation/persona/ethics stages each message
// passes through.
package core

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/sentinel-agent/internal/memory"
	"github.com/nugget/sentinel-agent/internal/transport"
)

// RandSource abstracts randomness for deterministic tests, following
// the seam internal/periodic already uses.
type RandSource interface {
	Float64() float64
}

type defaultRand struct{}

func (defaultRand) Float64() float64 { return rand.Float64() }

// generateRequestID returns a short, human-scannable identifier for a
// single message turn, following the teacher's r_<hex> convention:
// 4 bytes taken from a UUIDv7's random section.
func generateRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Sprintf("r_%08x", time.Now().UnixMilli()&0xFFFFFFFF)
	}
	return "r_" + hex.EncodeToString(id[8:12])
}

// LoopConfig controls the Agent Loop's cadence.
type LoopConfig struct {
	TickInterval  time.Duration // default 1s
	PeriodicEvery int           // K_periodic, default 60
}

func (c LoopConfig) withDefaults() LoopConfig {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.PeriodicEvery <= 0 {
		c.PeriodicEvery = 60
	}
	return c
}

// Stats is a point-in-time snapshot of the loop's progress. The CLI
// status subcommand does not read it; it reports PID liveness only.
type Stats struct {
	Iterations      int64
	LastPeriodicRun time.Time
	StartedAt       time.Time
}

// Loop is the Agent Loop: drains transport messages, runs them through
// the Pipeline, and fires Periodic Tasks on a coarse iteration
// heartbeat. The faculties themselves (internal/periodic.Runner) are
// not held directly here since each one takes its own bespoke
// arguments (scenarios, probes, collectors); the caller assembles
// those into the periodicHook closure passed to Run.
type Loop struct {
	cfg      LoopConfig
	pipeline *Pipeline
	mem      *memory.Store
	tr       transport.Transport
	logger   *slog.Logger

	iterations      int64
	initialSkipped  int32
	startedAt       time.Time
	mu              sync.Mutex
	lastPeriodicRun time.Time

	cancel atomic.Bool
}

// LoopDeps bundles the Loop's collaborators.
type LoopDeps struct {
	Pipeline  *Pipeline
	Memory    *memory.Store
	Transport transport.Transport
	Logger    *slog.Logger
}

// NewLoop builds a Loop from cfg and deps.
func NewLoop(cfg LoopConfig, deps LoopDeps) *Loop {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		cfg:       cfg.withDefaults(),
		pipeline:  deps.Pipeline,
		mem:       deps.Memory,
		tr:        deps.Transport,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Stop flips the cooperative cancellation flag; the loop finishes its
// current iteration, then returns from Run.
func (l *Loop) Stop() {
	l.cancel.Store(true)
}

// Stats returns a snapshot of loop progress.
func (l *Loop) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		Iterations:      atomic.LoadInt64(&l.iterations),
		LastPeriodicRun: l.lastPeriodicRun,
		StartedAt:       l.startedAt,
	}
}

// Run executes the cooperative loop until ctx is canceled or Stop is
// called. periodicHook is invoked once per K_periodic tick, skipping
// the very first eligible tick after startup (initial_cycle_skipped).
func (l *Loop) Run(ctx context.Context, periodicHook func(ctx context.Context, now time.Time)) error {
	ticker := time.NewTicker(l.cfg.TickInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil || l.cancel.Load() {
			return l.cleanup(ctx)
		}

		now := time.Now()

		if err := l.drainAndProcess(ctx, now); err != nil {
			l.logger.Error("loop: drain failed", "error", err)
		}

		n := atomic.AddInt64(&l.iterations, 1)
		if l.cfg.PeriodicEvery > 0 && n%int64(l.cfg.PeriodicEvery) == 0 {
			if atomic.CompareAndSwapInt32(&l.initialSkipped, 0, 1) {
				l.logger.Debug("loop: first periodic trigger skipped (initial_cycle_skipped)")
			} else if periodicHook != nil {
				periodicHook(ctx, now)
				l.mu.Lock()
				l.lastPeriodicRun = now
				l.mu.Unlock()
			}
		}

		select {
		case <-ctx.Done():
			return l.cleanup(ctx)
		case <-ticker.C:
		}
	}
}

// drainAndProcess polls the transport for whatever batch of inbound
// messages it has accumulated since the last call and runs each one
// through the Pipeline in turn. Transport.Poll may itself block (the
// console adapter waits on a line of stdin, Telegram long-polls), so
// one loop iteration's duration is transport-bound; the tick interval
// only bounds the gap between iterations once Poll returns.
func (l *Loop) drainAndProcess(ctx context.Context, now time.Time) error {
	if l.tr == nil {
		return nil
	}

	inbound, err := l.tr.Poll(ctx)
	if err != nil {
		return fmt.Errorf("poll %s: %w", l.tr.Name(), err)
	}

	for _, in := range inbound {
		requestID := generateRequestID()
		msg := memory.Message{Sender: in.Sender, Content: in.Content, Timestamp: in.Timestamp.Unix()}

		outcome := l.pipeline.Run(ctx, msg, now, requestID)

		switch outcome.Kind {
		case Delivered:
			if err := l.tr.Send(ctx, in.Sender, outcome.Text); err != nil {
				l.logger.Error("loop: send failed", "request_id", requestID, "error", err)
			}
		case PolicyRefusal:
			if err := l.tr.Send(ctx, in.Sender, outcome.Note); err != nil {
				l.logger.Error("loop: refusal send failed", "request_id", requestID, "error", err)
			}
		case InternalError:
			l.logger.Error("loop: pipeline internal error", "request_id", requestID, "detail", outcome.Note)
		}
	}

	return nil
}

// cleanup persists durable state on shutdown.
func (l *Loop) cleanup(ctx context.Context) error {
	l.logger.Info("loop: shutting down, persisting state")
	if l.mem != nil {
		if err := l.mem.SaveState(ctx); err != nil {
			return fmt.Errorf("save memory state on shutdown: %w", err)
		}
	}
	return nil
}
