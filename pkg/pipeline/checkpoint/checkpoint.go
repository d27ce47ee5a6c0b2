// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package checkpoint implements the Checkpoint Store (spec.md §4.5): before
// executing a checkpoint-enabled stage, the orchestrator loads the stage's
// persisted line offset to seed resume and exposes it to the processor via
// PIPELINE_LINE_OFFSET. The progress file itself is owned by the processor —
// this package only reads it, plus maintains the optional orchestrator-side
// alias named in spec.md §6.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Progress is the JSON document a processor writes atomically at configured
// intervals: {"lineOffset": int}.
type Progress struct {
	LineOffset int64 `json:"lineOffset"`
}

// Store resolves progress file paths under a single state directory.
type Store struct {
	stateDir string
}

// New returns a Store rooted at stateDir (the orchestrator's state/
// directory).
func New(stateDir string) *Store {
	return &Store{stateDir: stateDir}
}

func (s *Store) progressPath(stage string) string {
	return filepath.Join(s.stateDir, fmt.Sprintf("progress_%s.json", stage))
}

func (s *Store) checkpointAliasPath(stage string) string {
	return filepath.Join(s.stateDir, fmt.Sprintf("checkpoint_%s.json", stage))
}

// Load returns the persisted line offset for stage, or 0 if no progress
// file exists yet. It never blocks on the processor: the file may be
// rewritten at any instant, and a torn read that fails to parse is treated
// like a missing file rather than an error, since the processor's own
// tmp-then-rename write guarantees any file visible under the final name is
// complete.
func (s *Store) Load(stage string) (int64, error) {
	data, err := os.ReadFile(s.progressPath(stage)) //nolint:gosec // path built from stage name
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read checkpoint for %q: %w", stage, err)
	}

	var p Progress
	if err := json.Unmarshal(data, &p); err != nil {
		return 0, nil
	}
	if p.LineOffset < 0 {
		return 0, nil
	}
	return p.LineOffset, nil
}

// SyncAlias copies the current progress file into the orchestrator-managed
// checkpoint_{stage}.json alias (spec.md §6), written via tmp-then-rename.
// It is a no-op if no progress file exists.
func (s *Store) SyncAlias(stage string) error {
	if _, err := os.Stat(s.progressPath(stage)); os.IsNotExist(err) {
		return nil
	}
	offset, err := s.Load(stage)
	if err != nil {
		return err
	}
	data, err := json.Marshal(Progress{LineOffset: offset})
	if err != nil {
		return fmt.Errorf("marshal checkpoint alias for %q: %w", stage, err)
	}

	path := s.checkpointAliasPath(stage)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("write checkpoint alias temp for %q: %w", stage, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename checkpoint alias for %q: %w", stage, err)
	}
	return nil
}
