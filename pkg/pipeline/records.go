// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	pipelineerrors "github.com/kraklabs/pipeline-runner/internal/errors"
)

// RunState is one of the three values a RunRecord's state may hold
// (spec.md §3).
type RunState string

const (
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
	RunFailed    RunState = "failed"
)

// RunRecord is keyed by runId (spec.md §3).
type RunRecord struct {
	RunID          string     `json:"runId"`
	PipelineName   string     `json:"pipelineName"`
	PipelineVersion string    `json:"pipelineVersion"`
	StartedAt      time.Time  `json:"startedAt"`
	EndedAt        *time.Time `json:"endedAt,omitempty"`
	State          RunState   `json:"state"`
}

// StageStatus is one of the three terminal statuses a StageRecord may hold
// (spec.md §3).
type StageStatus string

const (
	StageOK      StageStatus = "ok"
	StageSkipped StageStatus = "skipped"
	StageFailed  StageStatus = "failed"
)

// StageRecord is keyed by stage name, process-wide rather than run-scoped,
// so that cross-run idempotency (spec.md §3, §4.3) works: a later run's
// evaluator compares against the StageRecord the previous run left behind.
type StageRecord struct {
	StageName       string      `json:"stageName"`
	LastStatus      StageStatus `json:"lastStatus"`
	LastDurationSec float64     `json:"lastDurationSec"`
	LastCompletedAt time.Time   `json:"lastCompletedAt"`
	IdempotencyKey  string      `json:"idempotencyKey"`
	LastError       string      `json:"lastError,omitempty"`
}

// StageOutcome is one row of the MetricsDocument's per-stage outcome list
// (spec.md §3).
type StageOutcome struct {
	Stage       string   `json:"stage"`
	Status      StageStatus `json:"status"`
	DurationSec *float64 `json:"durationSec,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// MetricsDocument is keyed by runId, written exactly once at run
// termination (spec.md §3, §4.10).
type MetricsDocument struct {
	RunID         string         `json:"runId"`
	Timestamp     time.Time      `json:"timestamp"`
	Outcomes      []StageOutcome `json:"outcomes"`
	TotalStages   int            `json:"totalStages"`
	OKStages      int            `json:"okStages"`
	SkippedStages int            `json:"skippedStages"`
	FailedStages  int            `json:"failedStages"`
}

// writeJSONAtomic serializes v as indented, deterministically-keyed JSON and
// writes it via the tmp-then-rename pattern (spec.md §4.8): nothing ever
// opens the destination path for in-place modification, and a crash mid
// write leaves only a discardable .tmp sibling, never a corrupt final file.
func writeJSONAtomic(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return pipelineerrors.NewIOError("Cannot create state directory", err.Error(), "", err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return pipelineerrors.NewIOError("Cannot serialize state", err.Error(), "", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return pipelineerrors.NewIOError("Cannot write state", fmt.Sprintf("writing %s", tmp), "Check disk space and permissions", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return pipelineerrors.NewIOError("Cannot persist state", fmt.Sprintf("renaming %s to %s", tmp, path), "", err)
	}
	return nil
}

// writeEmptyFileAtomic creates an empty file at path via tmp-then-rename —
// used for the completion marker (spec.md §3), whose content is always
// empty and whose presence alone is the signal.
func writeEmptyFileAtomic(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return pipelineerrors.NewIOError("Cannot create output directory", err.Error(), "", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, nil, 0o640); err != nil {
		return pipelineerrors.NewIOError("Cannot write completion marker", fmt.Sprintf("writing %s", tmp), "", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return pipelineerrors.NewIOError("Cannot persist completion marker", fmt.Sprintf("renaming %s to %s", tmp, path), "", err)
	}
	return nil
}

// readJSON reads and decodes a JSON file at path. It returns (zero, false,
// nil) if the file does not exist, rather than an error — most callers
// treat "no prior record" as a normal, expected first-run state.
func readJSON[T any](path string) (T, bool, error) {
	var v T
	data, err := os.ReadFile(path) //nolint:gosec // path built from PathLayout
	if err != nil {
		if os.IsNotExist(err) {
			return v, false, nil
		}
		return v, false, pipelineerrors.NewIOError("Cannot read state", err.Error(), "", err)
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, false, pipelineerrors.NewIOError("Cannot parse state", err.Error(), "", err)
	}
	return v, true, nil
}

// LoadStageRecord reads the persisted StageRecord for stageName, if any.
func LoadStageRecord(layout PathLayout, stageName string) (*StageRecord, error) {
	rec, ok, err := readJSON[StageRecord](layout.StageRecordPath(stageName))
	if err != nil || !ok {
		return nil, err
	}
	return &rec, nil
}

// SaveStageRecord atomically persists a StageRecord.
func SaveStageRecord(layout PathLayout, rec StageRecord) error {
	return writeJSONAtomic(layout.StageRecordPath(rec.StageName), rec)
}

// SaveRunRecord atomically persists a RunRecord.
func SaveRunRecord(layout PathLayout, rec RunRecord) error {
	return writeJSONAtomic(layout.RunRecordPath(rec.RunID), rec)
}

// SaveMetrics atomically persists a MetricsDocument.
func SaveMetrics(layout PathLayout, doc MetricsDocument) error {
	return writeJSONAtomic(layout.MetricsPath(doc.RunID), doc)
}

// CompletionMarkerExists reports whether the stage's completion marker is
// present for outputDir.
func CompletionMarkerExists(layout PathLayout, outputDir, stageName string) bool {
	_, err := os.Stat(layout.CompletionMarkerPath(outputDir, stageName))
	return err == nil
}

// WriteCompletionMarker atomically creates the stage's completion marker.
func WriteCompletionMarker(layout PathLayout, outputDir, stageName string) error {
	return writeEmptyFileAtomic(layout.CompletionMarkerPath(outputDir, stageName))
}
