package persona

import (
	"fmt"
	"time"
)

// Feedback is the sentiment signal a Pipeline stage or External
// Evaluation outcome attaches to a processed query.
type Feedback string

const (
	FeedbackPositive Feedback = "positive"
	FeedbackNegative Feedback = "negative"
	FeedbackNeutral  Feedback = "neutral"
)

// OnFeedback applies the adjustment rules for one processed query and
// its feedback signal, incrementing changes_since_save for each trait
// touched.
func (s *Store) OnFeedback(query string, feedback Feedback) {
	s.mu.Lock()
	defer s.mu.Unlock()

	touched := 0

	matchesInterest := false
	for interest := range s.persona.Interests {
		if containsAny(query, []string{interest}) {
			matchesInterest = true
			break
		}
	}

	switch feedback {
	case FeedbackPositive:
		if matchesInterest || containsAny(query, domainKeywords) {
			s.persona.Traits["curiosity"] = clamp01(s.persona.Traits["curiosity"] + 0.05)
			touched++
		}
		s.persona.Traits["friendliness"] = clamp01(s.persona.Traits["friendliness"] + 0.03)
		s.persona.SelfPerception.IdentityStrength = clamp01(s.persona.SelfPerception.IdentityStrength + 0.01)
		touched += 2
	case FeedbackNegative:
		s.persona.Traits["analytical"] = clamp01(s.persona.Traits["analytical"] + 0.03)
		touched++
		dominant := dominantTrait(s.persona.Traits)
		if dominant != "" {
			s.persona.Traits[dominant] = clamp01(s.persona.Traits[dominant] - 0.03)
			touched++
		}
	}

	if containsAny(query, metaKeywords) {
		s.persona.SelfPerception.SelfAwarenessLevel = clamp01(s.persona.SelfPerception.SelfAwarenessLevel + 0.02)
		s.persona.SelfPerception.MetacognitionDepth = clamp01(s.persona.SelfPerception.MetacognitionDepth + 0.02)
		touched += 2
	}

	if touched > 0 {
		s.changesSinceSave += touched
	}
}

// OnDiscovery adjusts persona traits analogously to feedback, for a
// discovery surfaced by Metawareness/Self-Improvement processing.
func (s *Store) OnDiscovery(summary string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.persona.Traits["curiosity"] = clamp01(s.persona.Traits["curiosity"] + 0.02)
	s.persona.SelfPerception.MetacognitionDepth = clamp01(s.persona.SelfPerception.MetacognitionDepth + 0.01)
	s.changesSinceSave += 2
	s.recordHistory(fmt.Sprintf("discovery: %s", summary), time.Now().Unix())
}

// OnEvaluationOutcome adjusts persona traits analogously to an
// External Evaluation result.
func (s *Store) OnEvaluationOutcome(passed bool, note string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if passed {
		s.persona.SelfPerception.IdentityStrength = clamp01(s.persona.SelfPerception.IdentityStrength + 0.01)
	} else {
		s.persona.Traits["analytical"] = clamp01(s.persona.Traits["analytical"] + 0.02)
	}
	s.changesSinceSave++
	s.recordHistory(fmt.Sprintf("evaluation outcome: %s (passed=%v)", note, passed), time.Now().Unix())
}

func (s *Store) recordHistory(note string, timestamp int64) {
	s.persona.History = append(s.persona.History, HistoryEntry{Timestamp: timestamp, Note: note})
}
