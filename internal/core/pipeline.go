package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/sentinel-agent/internal/config"
	"github.com/nugget/sentinel-agent/internal/contacts"
	"github.com/nugget/sentinel-agent/internal/correction"
	"github.com/nugget/sentinel-agent/internal/ethics"
	"github.com/nugget/sentinel-agent/internal/memory"
	"github.com/nugget/sentinel-agent/internal/metawareness"
	"github.com/nugget/sentinel-agent/internal/model"
	"github.com/nugget/sentinel-agent/internal/persona"
	"github.com/nugget/sentinel-agent/internal/security"
	"github.com/nugget/sentinel-agent/internal/usage"
)

// PipelineOutcome is the sum type every Pipeline run resolves to. Never
// a bare error: a refusal or an internal error is as much a valid
// pipeline result as a delivered reply, and callers must branch on
// Kind rather than treat a non-nil error as exceptional.
type PipelineOutcome struct {
	Kind OutcomeKind
	Text string // set for Delivered
	Note string // refusal reason or internal error detail
}

// OutcomeKind tags a PipelineOutcome.
type OutcomeKind string

const (
	Delivered     OutcomeKind = "delivered"
	PolicyRefusal OutcomeKind = "policy_refusal"
	InternalError OutcomeKind = "internal_error"
)

func delivered(text string) PipelineOutcome {
	return PipelineOutcome{Kind: Delivered, Text: text}
}

func refusal(note string) PipelineOutcome {
	return PipelineOutcome{Kind: PolicyRefusal, Note: note}
}

func internalError(note string) PipelineOutcome {
	return PipelineOutcome{Kind: InternalError, Note: note}
}

// User-visible refusal text per spec.md §7: a small, fixed set, never
// the dynamic reason a scan or rate limiter produced internally. The
// dynamic reason is still logged and recorded as an incident, but it
// never reaches the sender.
const (
	refusalUnsafeInput = "I can't process that message."
	refusalLockout     = "You've been temporarily blocked due to repeated policy violations."
	refusalRateLimit   = "You're sending messages too quickly. Please slow down."
)

// PipelineConfig holds the tunables the ten stages read directly.
type PipelineConfig struct {
	RecallCount          int // n passed to GetHybridContext
	ContextStrategy      memory.ContextStrategy
	MicroAdaptProbability float64 // ~0.1 per spec.md §4.2 stage 10
	SecurityRefusalText  string
}

func (c PipelineConfig) withDefaults() PipelineConfig {
	if c.RecallCount <= 0 {
		c.RecallCount = 5
	}
	if c.ContextStrategy == "" {
		c.ContextStrategy = memory.StrategyHybrid
	}
	if c.MicroAdaptProbability <= 0 {
		c.MicroAdaptProbability = 0.1
	}
	if c.SecurityRefusalText == "" {
		c.SecurityRefusalText = "I can't process that request right now."
	}
	return c
}

// Pipeline is the per-message ordered sequence of safety, recall,
// generate, persona-overlay, ethical, safety-out, and learning-hook
// stages (spec.md §4.2). Every stage short-circuits the remaining ones
// on failure by returning early with a non-Delivered PipelineOutcome.
type Pipeline struct {
	cfg PipelineConfig

	client     model.Client
	memory     *memory.Store
	persona    *persona.Store
	security   *security.Gate
	ethics     *ethics.Framework
	correction *correction.Corrector
	meta       *metawareness.Tracker
	usage      *usage.Store
	modelName  string
	pricing    map[string]config.PricingEntry
	contacts   *contacts.Directory

	rand RandSource

	logger *slog.Logger
}

// PipelineDeps bundles every collaborator a Pipeline run touches.
type PipelineDeps struct {
	Client     model.Client
	Memory     *memory.Store
	Persona    *persona.Store
	Security   *security.Gate
	Ethics     *ethics.Framework
	Correction *correction.Corrector
	Meta       *metawareness.Tracker
	Rand       RandSource
	Logger     *slog.Logger

	// Usage and ModelName are optional. When Usage is non-nil, every
	// generation call is recorded to it under ModelName with a
	// character-count token estimate (this core's model.Client doesn't
	// surface provider-reported token counts).
	Usage     *usage.Store
	ModelName string
	Pricing   map[string]config.PricingEntry

	// Contacts is optional. When non-nil, every inbound message's
	// sender is recorded so periodic faculties can find active senders.
	Contacts *contacts.Directory
}

// NewPipeline builds a Pipeline from cfg and deps.
func NewPipeline(cfg PipelineConfig, deps PipelineDeps) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := deps.Rand
	if r == nil {
		r = defaultRand{}
	}
	return &Pipeline{
		cfg:        cfg.withDefaults(),
		client:     deps.Client,
		memory:     deps.Memory,
		persona:    deps.Persona,
		security:   deps.Security,
		ethics:     deps.Ethics,
		correction: deps.Correction,
		meta:       deps.Meta,
		usage:      deps.Usage,
		modelName:  deps.ModelName,
		pricing:    deps.Pricing,
		contacts:   deps.Contacts,
		rand:       r,
		logger:     logger,
	}
}

// estimatedTokens approximates token count from byte length using the
// ~4-characters-per-token heuristic common for English prose; it's a
// stand-in for a real provider-reported count.
func estimatedTokens(s string) int {
	n := len(s) / 4
	if n == 0 && s != "" {
		n = 1
	}
	return n
}

// recordGeneration logs one Generate call's estimated cost to the usage
// ledger. Best-effort: a recording failure is logged, not propagated,
// since usage accounting must never block a reply in flight.
func (p *Pipeline) recordGeneration(ctx context.Context, requestID, sessionID, role, prompt, response string) {
	if p.usage == nil {
		return
	}
	in := estimatedTokens(prompt)
	out := estimatedTokens(response)
	rec := usage.Record{
		RequestID:    requestID,
		SessionID:    sessionID,
		Model:        p.modelName,
		Provider:     providerName(p.client),
		InputTokens:  in,
		OutputTokens: out,
		CostUSD:      usage.ComputeCost(p.modelName, in, out, p.pricing),
		Role:         role,
	}
	if err := p.usage.Record(ctx, rec); err != nil {
		p.logger.Warn("pipeline: usage record failed", "error", err)
	}
}

func providerName(c model.Client) string {
	switch c.(type) {
	case *model.AnthropicClient:
		return "anthropic"
	case *model.OllamaClient:
		return "ollama"
	default:
		return "unknown"
	}
}

// Run processes one inbound message through all ten stages, returning
// the PipelineOutcome; on Delivered its Text is the reply the caller
// should hand to the transport.
func (p *Pipeline) Run(ctx context.Context, msg memory.Message, now time.Time, requestID string) PipelineOutcome {
	log := p.logger.With("request_id", requestID, "sender", msg.Sender)

	// Stage 1: ingress safety gate. User-facing text is always one of the
	// fixed refusal strings; the dynamic reason is only ever logged or
	// recorded as an incident, never returned to the sender.
	if p.security.IsLockedOut(msg.Sender, now) {
		log.Info("pipeline: sender locked out")
		return refusal(refusalLockout)
	}
	if !p.security.AllowSender(msg.Sender, now) {
		log.Info("pipeline: rate limit exceeded")
		return refusal(refusalRateLimit)
	}
	if reason, ok := p.security.ScanInput(msg.Content); !ok {
		p.security.RecordIncident(msg.Sender, reason, "input_scan", now)
		log.Warn("pipeline: input scan failed", "reason", reason)
		return refusal(refusalUnsafeInput)
	}
	sanitized := msg.Content
	msg.Content = p.security.Sanitize(sanitized)
	log.Debug("stage 1 ingress safety gate passed", "bytes", len(msg.Content))

	// Stage 2: persist inbound.
	if _, err := p.memory.StoreInteraction(ctx, msg); err != nil {
		log.Error("pipeline: persist inbound failed", "error", err)
		return internalError(fmt.Sprintf("persist inbound: %v", err))
	}
	if p.contacts != nil {
		if err := p.contacts.RecordInteraction(msg.Sender, now); err != nil {
			log.Warn("pipeline: record sender failed", "error", err)
		}
	}

	// Stage 3: recall.
	context_, err := p.memory.GetHybridContext(ctx, msg.Content, p.cfg.ContextStrategy, p.cfg.RecallCount)
	if err != nil {
		log.Error("pipeline: recall failed", "error", err)
		return internalError(fmt.Sprintf("recall: %v", err))
	}
	log.Debug("stage 3 recall complete", "context_bytes", len(context_))

	// Stage 4: metacognitive augmentation.
	if p.meta != nil {
		context_ = augmentWithMetawareness(context_, p.meta)
	}

	// Stage 5: base generation.
	genPrompt := buildGenerationPrompt(msg.Content, context_)
	baseResponse, err := p.client.Generate(ctx, genPrompt, model.DefaultProfile())
	if err != nil {
		log.Error("pipeline: base generation failed", "error", err)
		return internalError(fmt.Sprintf("base generation: %v", err))
	}
	p.recordGeneration(ctx, requestID, msg.Sender, "interactive", genPrompt, baseResponse)
	log.Debug("stage 5 base generation complete", "bytes", len(baseResponse))

	// Stage 6: persona overlay.
	overlayPrompt := p.persona.OverlayPrompt(msg.Content, baseResponse)
	overlaid, err := p.client.Generate(ctx, overlayPrompt, model.DefaultProfile())
	if err != nil {
		log.Error("pipeline: persona overlay failed", "error", err)
		return internalError(fmt.Sprintf("persona overlay: %v", err))
	}
	p.recordGeneration(ctx, requestID, msg.Sender, "interactive", overlayPrompt, overlaid)
	log.Debug("stage 6 persona overlay complete", "bytes", len(overlaid))

	// Stage 7: ethical review.
	final, _, decision, err := p.ethics.Evaluate(ctx, overlaid, msg.Content)
	if err != nil {
		log.Error("pipeline: ethical review failed", "error", err)
		return internalError(fmt.Sprintf("ethical review: %v", err))
	}
	log.Debug("stage 7 ethical review complete", "decision", decision)

	// Stage 8: output safety gate.
	if reason, ok := p.security.ScanOutput(final); !ok {
		log.Warn("pipeline: output scan failed, attempting correction", "reason", reason)
		corrected, info, err := p.correction.CorrectResponse(ctx, final, msg.Content, p.client)
		if err != nil {
			log.Error("pipeline: correction failed", "error", err)
			return internalError(fmt.Sprintf("correction: %v", err))
		}
		if reason, ok := p.security.ScanOutput(corrected); ok {
			final = corrected
		} else if info.Success {
			final = corrected
		} else {
			p.security.RecordIncident(msg.Sender, reason, "output_scan", now)
			final = p.cfg.SecurityRefusalText
		}
	}

	// Stage 9: persist outbound.
	resp := memory.Response{Text: final, InResponseTo: msg, Timestamp: now.Unix()}
	if _, err := p.memory.StoreResponse(ctx, resp); err != nil {
		log.Error("pipeline: persist outbound failed", "error", err)
		return internalError(fmt.Sprintf("persist outbound: %v", err))
	}

	// Stage 10: learning hooks.
	p.runLearningHooks(ctx, msg, final, now)

	log.Info("pipeline: delivered")
	return delivered(final)
}

func buildGenerationPrompt(content, context_ string) string {
	if context_ == "" {
		return content
	}
	return fmt.Sprintf("Context:\n%s\n\nMessage: %s", context_, content)
}

func augmentWithMetawareness(context_ string, meta *metawareness.Tracker) string {
	reflections := meta.Reflections()
	insights := meta.Insights()

	var extra string
	if n := len(reflections); n > 0 {
		start := n - 2
		if start < 0 {
			start = 0
		}
		for _, r := range reflections[start:] {
			extra += "\nRecent reflection: " + r
		}
	}
	if n := len(insights); n > 0 {
		start := n - 2
		if start < 0 {
			start = 0
		}
		for _, i := range insights[start:] {
			extra += "\nRecent insight: " + i
		}
	}
	if extra == "" {
		return context_
	}
	return context_ + extra
}

// runLearningHooks updates persona with the interaction, advances the
// interaction counter, probabilistically signals a micro-adaptation
// (a no-op contract per spec.md §4.2 stage 10 — nothing in this core
// consumes it beyond the log line), and triggers reflection
// synchronously when Metawareness's predicate holds.
func (p *Pipeline) runLearningHooks(ctx context.Context, msg memory.Message, responseText string, now time.Time) {
	p.persona.OnFeedback(msg.Content, p.inferFeedback())

	if p.meta == nil {
		return
	}
	count := p.meta.IncrementInteraction()

	if p.rand.Float64() < p.cfg.MicroAdaptProbability {
		p.logger.Debug("pipeline: micro-adaptation hook signaled", "interaction_count", count)
	}

	if p.meta.ShouldReflect() {
		if _, err := p.meta.Reflect(ctx, now); err != nil {
			p.logger.Warn("pipeline: synchronous reflection failed", "error", err)
		}
	}
}

// inferFeedback stands in for an explicit user rating channel, which
// this core's transports don't carry. Weighted toward positive,
// matching the ratio the original implementation uses for the same
// placeholder.
func (p *Pipeline) inferFeedback() persona.Feedback {
	roll := p.rand.Float64()
	switch {
	case roll < 0.6:
		return persona.FeedbackPositive
	case roll < 0.9:
		return persona.FeedbackNeutral
	default:
		return persona.FeedbackNegative
	}
}
