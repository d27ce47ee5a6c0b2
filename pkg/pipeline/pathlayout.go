// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"fmt"
	"path/filepath"
)

// PathLayout centralizes the persisted artifact locations named in
// spec.md §6, constructed once at startup from the pipeline root. This
// replaces the module-level global filesystem locations the design note in
// spec.md §9 warns against, so the orchestrator can run against multiple
// independent repositories in-process (e.g. in tests) without cross-talk.
type PathLayout struct {
	root string
}

// NewPathLayout returns a PathLayout rooted at the pipeline's directory.
func NewPathLayout(root string) PathLayout {
	return PathLayout{root: root}
}

// Root returns the pipeline root directory.
func (p PathLayout) Root() string { return p.root }

// StateDir is the directory holding run/stage/metrics/checkpoint artifacts.
func (p PathLayout) StateDir() string { return filepath.Join(p.root, "state") }

// LocksDir is the directory holding per-stage lock files.
func (p PathLayout) LocksDir() string { return filepath.Join(p.root, "locks") }

// RunRecordPath is state/run_{runId}.json.
func (p PathLayout) RunRecordPath(runID string) string {
	return filepath.Join(p.StateDir(), fmt.Sprintf("run_%s.json", runID))
}

// StageRecordPath is state/stage_{stageName}.json. Stage records are keyed
// process-wide, not run-scoped (spec.md §3), so no runID is taken here.
func (p PathLayout) StageRecordPath(stageName string) string {
	return filepath.Join(p.StateDir(), fmt.Sprintf("stage_%s.json", stageName))
}

// MetricsPath is state/metrics_{runId}.json.
func (p PathLayout) MetricsPath(runID string) string {
	return filepath.Join(p.StateDir(), fmt.Sprintf("metrics_%s.json", runID))
}

// AuditLogPath is state/audit_{runId}.jsonl (spec.md §9 open question,
// decided in DESIGN.md: append-only audit trail over a stateHash chain).
func (p PathLayout) AuditLogPath(runID string) string {
	return filepath.Join(p.StateDir(), fmt.Sprintf("audit_%s.jsonl", runID))
}

// CompletionMarkerPath is {outputDir}/.{stageName}.done.
func (p PathLayout) CompletionMarkerPath(outputDir, stageName string) string {
	return filepath.Join(outputDir, fmt.Sprintf(".%s.done", stageName))
}
