package model

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// profileCheckpoint is the on-disk shape written by SaveCheckpoint.
// Whole-file rewrite, not an append log: a checkpoint is a full
// snapshot of the profile in effect at save time.
type profileCheckpoint struct {
	Model   string  `json:"model"`
	Profile Profile `json:"profile"`
}

func saveProfileCheckpoint(path, modelName string, p Profile) error {
	data, err := json.MarshalIndent(profileCheckpoint{Model: modelName, Profile: p}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	return nil
}

func loadProfileCheckpoint(path string) (*profileCheckpoint, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	var cp profileCheckpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}
