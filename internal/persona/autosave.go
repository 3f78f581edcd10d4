package persona

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// ShouldAutosave reports whether the autosave predicate currently
// holds: changes_since_save >= threshold, or enough wall-clock time
// has elapsed since the last save.
func (s *Store) ShouldAutosave(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shouldAutosaveLocked(now)
}

func (s *Store) shouldAutosaveLocked(now time.Time) bool {
	if s.changesSinceSave >= s.cfg.ChangesThreshold {
		return true
	}
	elapsed := now.Unix() - s.persona.LastSaved
	return elapsed >= int64(s.cfg.AutosaveInterval.Seconds())
}

// Autosave saves the current persona to disk if the autosave predicate
// holds, resetting both counters atomically on success. Returns
// whether a save actually happened.
func (s *Store) Autosave(now time.Time) (bool, error) {
	s.mu.Lock()
	if !s.shouldAutosaveLocked(now) {
		s.mu.Unlock()
		return false, nil
	}
	s.persona.LastSaved = now.Unix()
	snapshot := clonePersona(s.persona)
	s.mu.Unlock()

	if err := s.writeSnapshot(snapshot); err != nil {
		return false, err
	}

	s.mu.Lock()
	s.changesSinceSave = 0
	s.mu.Unlock()

	s.logger.Info("persona autosaved", "path", s.cfg.SnapshotPath)
	return true, nil
}

func (s *Store) writeSnapshot(p Persona) error {
	if s.cfg.SnapshotPath == "" {
		return nil
	}

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal persona: %w", err)
	}

	tmp := s.cfg.SnapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write persona snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.cfg.SnapshotPath); err != nil {
		return fmt.Errorf("rename persona snapshot: %w", err)
	}
	return nil
}

// OverlayPrompt builds the single prompt the core sends to the Model
// to transform a base response into first-person persona voice,
// preserving the base response's information content and carrying no
// meta-commentary.
func (s *Store) OverlayPrompt(query, baseResponse string) string {
	p := s.Snapshot()

	traits := ""
	for name := range p.Traits {
		if traits != "" {
			traits += ", "
		}
		traits += fmt.Sprintf("%s=%.2f", name, p.Traits[name])
	}

	return fmt.Sprintf(
		"You are %s. Communication style: %s. Traits: %s.\n"+
			"Rewrite the following response in your own first-person voice, "+
			"preserving every piece of information it contains. Do not add "+
			"meta-commentary about the rewrite itself.\n\n"+
			"Query: %s\n\nResponse to rewrite:\n%s",
		p.Name, p.CommunicationStyle, traits, query, baseResponse,
	)
}
