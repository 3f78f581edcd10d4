// Package security implements the stateful, per-sender guardrails
// that gate every inbound message and every generated response before
// it leaves the system: rate limiting, lockout, pattern-based input and
// output scanning, incident logging, and a global hourly API budget.
package security

import (
	"fmt"
	"regexp"
	"sync"
	"time"
)

// Incident is one denial recorded against a sender.
type Incident struct {
	UserID      string
	Description string
	Type        string
	Timestamp   int64
}

// Config holds the tunables spec.md §4.7 names directly.
type Config struct {
	MaxConsecutiveRequests int           // per-sender requests allowed per window
	RateWindow             time.Duration // sliding window for the request counter; default 1m
	SecurityAlertThreshold int           // incidents before lockout
	SecurityLockoutTime    time.Duration // lockout duration
	InputLengthLimit       int
	SuspiciousPatterns     []string // regexes, checked against input and output
	HourlyAPIBudget        int      // 0 = unlimited
	CleanupInterval        time.Duration // stale sender-state eviction cadence; default 10m
}

func (c Config) withDefaults() Config {
	if c.RateWindow <= 0 {
		c.RateWindow = time.Minute
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 10 * time.Minute
	}
	if c.InputLengthLimit <= 0 {
		c.InputLengthLimit = 4000
	}
	return c
}

// Gate is the Security Gate component.
type Gate struct {
	cfg      Config
	patterns []*regexp.Regexp

	mu            sync.Mutex
	senderTimes   map[string][]time.Time
	incidentCount map[string]int
	unlockAt      map[string]time.Time
	lastCleanup   time.Time

	apiMu         sync.Mutex
	apiCallCount  int
	apiWindowFrom time.Time

	incidents []Incident
}

const sanitizedMarker = "[REDACTED]"

// New compiles cfg's suspicious patterns and builds a Gate. An invalid
// regex is an error — there is no safe way to silently drop a security
// pattern the caller asked for.
func New(cfg Config) (*Gate, error) {
	cfg = cfg.withDefaults()

	patterns := make([]*regexp.Regexp, 0, len(cfg.SuspiciousPatterns))
	for _, p := range cfg.SuspiciousPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile suspicious pattern %q: %w", p, err)
		}
		patterns = append(patterns, re)
	}

	return &Gate{
		cfg:           cfg,
		patterns:      patterns,
		senderTimes:   make(map[string][]time.Time),
		incidentCount: make(map[string]int),
		unlockAt:      make(map[string]time.Time),
	}, nil
}

// IsLockedOut reports whether sender is currently locked out, purging
// the entry lazily if the lockout has expired.
func (g *Gate) IsLockedOut(sender string, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.isLockedOutLocked(sender, now)
}

func (g *Gate) isLockedOutLocked(sender string, now time.Time) bool {
	until, ok := g.unlockAt[sender]
	if !ok {
		return false
	}
	if !until.After(now) {
		delete(g.unlockAt, sender)
		g.incidentCount[sender] = 0
		return false
	}
	return true
}

// AllowSender reports whether sender is within its rate-limit window,
// recording this call as one of the window's requests if so.
func (g *Gate) AllowSender(sender string, now time.Time) bool {
	if g.cfg.MaxConsecutiveRequests <= 0 {
		return true
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.maybeCleanupLocked(now)

	cutoff := now.Add(-g.cfg.RateWindow)
	timestamps := g.senderTimes[sender]
	valid := timestamps[:0]
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}

	if len(valid) >= g.cfg.MaxConsecutiveRequests {
		g.senderTimes[sender] = valid
		return false
	}

	g.senderTimes[sender] = append(valid, now)
	return true
}

func (g *Gate) maybeCleanupLocked(now time.Time) {
	if now.Sub(g.lastCleanup) < g.cfg.CleanupInterval {
		return
	}
	g.lastCleanup = now

	cutoff := now.Add(-2 * g.cfg.RateWindow)
	for sender, timestamps := range g.senderTimes {
		if len(timestamps) == 0 || timestamps[len(timestamps)-1].Before(cutoff) {
			delete(g.senderTimes, sender)
		}
	}
}

// ScanInput checks content against the length limit and suspicious
// patterns, returning the failing reason (empty if the content passes).
func (g *Gate) ScanInput(content string) (reason string, ok bool) {
	return g.scan(content)
}

// ScanOutput checks generated text the same way ScanInput checks
// inbound content — the pattern list is shared per spec.
func (g *Gate) ScanOutput(text string) (reason string, ok bool) {
	return g.scan(text)
}

func (g *Gate) scan(content string) (string, bool) {
	if len(content) > g.cfg.InputLengthLimit {
		return "length limit exceeded", false
	}
	for _, re := range g.patterns {
		if re.MatchString(content) {
			return fmt.Sprintf("matched suspicious pattern %q", re.String()), false
		}
	}
	return "", true
}

// Sanitize replaces every match of every suspicious pattern with a
// fixed marker, then truncates to the length limit.
func (g *Gate) Sanitize(content string) string {
	out := content
	for _, re := range g.patterns {
		out = re.ReplaceAllString(out, sanitizedMarker)
	}
	if len(out) > g.cfg.InputLengthLimit {
		out = out[:g.cfg.InputLengthLimit]
	}
	return out
}

// RecordIncident appends an incident for sender, increments its
// incident counter, and locks the sender out once the counter reaches
// security_alert_threshold.
func (g *Gate) RecordIncident(sender, description, incidentType string, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.incidents = append(g.incidents, Incident{
		UserID:      sender,
		Description: description,
		Type:        incidentType,
		Timestamp:   now.Unix(),
	})

	if g.cfg.SecurityAlertThreshold <= 0 {
		return
	}

	g.incidentCount[sender]++
	if g.incidentCount[sender] >= g.cfg.SecurityAlertThreshold {
		g.unlockAt[sender] = now.Add(g.cfg.SecurityLockoutTime)
	}
}

// Incidents returns a copy of every recorded incident.
func (g *Gate) Incidents() []Incident {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Incident, len(g.incidents))
	copy(out, g.incidents)
	return out
}

// CheckAPIUsage reports whether a global hourly call budget still has
// room, resetting the counter once an hour has elapsed since the
// window began. Every call that returns true counts against budget.
func (g *Gate) CheckAPIUsage(now time.Time) bool {
	if g.cfg.HourlyAPIBudget <= 0 {
		return true
	}

	g.apiMu.Lock()
	defer g.apiMu.Unlock()

	if g.apiWindowFrom.IsZero() || now.Sub(g.apiWindowFrom) >= time.Hour {
		g.apiWindowFrom = now
		g.apiCallCount = 0
	}

	if g.apiCallCount >= g.cfg.HourlyAPIBudget {
		return false
	}
	g.apiCallCount++
	return true
}
