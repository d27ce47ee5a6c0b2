// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	pipelineerrors "github.com/kraklabs/pipeline-runner/internal/errors"
	"github.com/kraklabs/pipeline-runner/pkg/pipeline/guard"
	"github.com/kraklabs/pipeline-runner/pkg/pipeline/retry"
)

// ProgressCallback reports stage-level progress to a caller (typically the
// CLI's progress bar): current is 1-based, total is the stage count.
type ProgressCallback func(current, total int, stageName string, status StageStatus)

// RunResult summarizes a completed run (spec.md §4.10).
type RunResult struct {
	RunID    string
	State    RunState
	Outcomes []StageOutcome
	Metrics  MetricsDocument
}

// generateRunID derives a deterministic run identifier from the pipeline
// name and the start time rounded to the second, the same construction the
// pipeline this codebase was adapted from uses for its own run IDs: stable
// enough to correlate log lines from the same invocation, without needing a
// UUID dependency.
func generateRunID(pipelineName string, startTime time.Time) string {
	rounded := startTime.Truncate(time.Second)
	base := fmt.Sprintf("run-%s-%d", pipelineName, rounded.Unix())
	sum := sha256.Sum256([]byte(base))
	return hex.EncodeToString(sum[:16])
}

// Runner executes an entire pipeline declaration: the Run Orchestrator
// (spec.md §4.10).
type Runner struct {
	Logger     *slog.Logger
	OnProgress ProgressCallback

	// ValidateOffline, when true, runs only the Spec Loader & Validator and
	// the Offline Guard over every stage's processor and then returns,
	// without locking, executing, or persisting anything — the
	// --validate-offline dry-run mode (spec.md §6 supplement).
	ValidateOffline bool

	// DefaultRetry and LockTimeout seed every stage's StageRunner when a
	// stage's own declaration leaves them unset, sourced from the ambient
	// config file (internal/config). Zero values fall back to the package
	// defaults (retry.DefaultPolicy, lock.DefaultTimeout).
	DefaultRetry retry.Policy
	LockTimeout  time.Duration
}

// NewRunner returns a Runner with a default logger.
func NewRunner() *Runner {
	return &Runner{Logger: slog.Default()}
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

// Run executes spec's stages in declaration order, implementing spec.md
// §4.10: write a RunRecord in state "running" before the first stage, then
// for each stage run the Stage State Machine; on the first "failed"
// outcome, abort the remaining stages without running them. Exactly one
// final RunRecord and one MetricsDocument are written, regardless of how
// the run ends.
// runID identifies this run (spec.md §3: "a single run is identified by a
// caller-supplied runId"). If runID is empty, one is derived from the
// pipeline name and start time — a convenience for library callers; the
// CLI always supplies --run-id explicitly.
func (r *Runner) Run(ctx context.Context, spec *PipelineSpec, runID string) (*RunResult, error) {
	layout := NewPathLayout(spec.Root())
	startTime := time.Now()
	if runID == "" {
		runID = generateRunID(spec.Name, startTime)
	}
	log := r.logger().With("run_id", runID, "pipeline", spec.Name)

	if r.ValidateOffline {
		return r.runValidateOffline(spec, runID, log)
	}

	log.Info("pipeline.run.start", "stage_count", len(spec.Stages))

	runRecord := RunRecord{
		RunID:           runID,
		PipelineName:    spec.Name,
		PipelineVersion: spec.Version,
		StartedAt:       startTime,
		State:           RunRunning,
	}
	if err := SaveRunRecord(layout, runRecord); err != nil {
		return nil, err
	}

	audit := NewAuditLog(layout, runID)
	audit.Append("", "run.start", fmt.Sprintf("pipeline=%s stages=%d", spec.Name, len(spec.Stages)))

	metrics := NewMetricsCollector()
	stageRunner := NewStageRunner(layout)
	if r.DefaultRetry.MaxAttempts > 0 {
		stageRunner.DefaultRetry = r.DefaultRetry
	}
	if r.LockTimeout > 0 {
		stageRunner.LockTimeout = r.LockTimeout
	}

	outcomes := make([]StageOutcome, 0, len(spec.Stages))
	aborted := false

	for i, stage := range spec.Stages {
		if aborted {
			log.Info("pipeline.run.stage.aborted", "stage", stage.Name)
			continue
		}

		log.Info("pipeline.run.stage.start", "stage", stage.Name, "index", i+1)
		result := stageRunner.RunStage(ctx, spec, stage, runID)
		metrics.Observe(stage.Name, result)

		outcome := StageOutcome{Stage: stage.Name, Status: result.Status}
		if result.Status != StageSkipped {
			d := result.DurationSec
			outcome.DurationSec = &d
		}

		switch result.Status {
		case StageOK:
			log.Info("pipeline.run.stage.ok", "stage", stage.Name, "duration_sec", result.DurationSec)
			audit.Append(stage.Name, "stage.ok", fmt.Sprintf("duration_sec=%.3f", result.DurationSec))

			if err := SaveStageRecord(layout, stageRecordFrom(stage, result, time.Now())); err != nil {
				log.Warn("pipeline.run.stage_record.save_failed", "stage", stage.Name, "err", err)
			}

		case StageSkipped:
			log.Info("pipeline.run.stage.skipped", "stage", stage.Name)
			audit.Append(stage.Name, "stage.skipped", "idempotency key unchanged")
			// The prior StageRecord (still "ok") already reflects this stage's
			// state; a skip leaves nothing to persist (spec.md §4.9).

		case StageFailed:
			detail := ""
			if result.Error != nil {
				detail = result.Error.Error()
				outcome.Error = detail
			}
			log.Error("pipeline.run.stage.failed", "stage", stage.Name, "error", detail)
			audit.Append(stage.Name, "stage.failed", detail)
			aborted = true

			rec := stageRecordFrom(stage, result, time.Now())
			if prior, err := LoadStageRecord(layout, stage.Name); err == nil && prior != nil {
				rec.IdempotencyKey = prior.IdempotencyKey
			}
			if err := SaveStageRecord(layout, rec); err != nil {
				log.Warn("pipeline.run.stage_record.save_failed", "stage", stage.Name, "err", err)
			}
		}

		outcomes = append(outcomes, outcome)
		if r.OnProgress != nil {
			r.OnProgress(i+1, len(spec.Stages), stage.Name, result.Status)
		}
	}

	finalState := RunCompleted
	if aborted {
		finalState = RunFailed
	}

	endedAt := time.Now()
	runRecord.EndedAt = &endedAt
	runRecord.State = finalState
	if err := SaveRunRecord(layout, runRecord); err != nil {
		return nil, err
	}

	doc := metrics.Document(runID, outcomes, endedAt)
	if err := SaveMetrics(layout, doc); err != nil {
		return nil, err
	}

	audit.Append("", "run.end", fmt.Sprintf("state=%s ok=%d skipped=%d failed=%d", finalState, doc.OKStages, doc.SkippedStages, doc.FailedStages))
	log.Info("pipeline.run.end", "state", finalState, "ok", doc.OKStages, "skipped", doc.SkippedStages, "failed", doc.FailedStages)

	result := &RunResult{RunID: runID, State: finalState, Outcomes: outcomes, Metrics: doc}
	if finalState == RunFailed {
		return result, pipelineerrors.NewExecutionError(
			"Pipeline run failed",
			fmt.Sprintf("run %s halted after a stage failure", runID),
			"See the audit log and stage error detail for the failing stage",
			nil,
		)
	}
	return result, nil
}

// runValidateOffline implements the --validate-offline supplemented
// feature (spec.md §6): validate the declaration (already done by
// LoadSpec before Run is called) and scan every stage's processor with the
// Offline Guard, without touching locks, the executor, or persisted state.
func (r *Runner) runValidateOffline(spec *PipelineSpec, runID string, log *slog.Logger) (*RunResult, error) {
	log.Info("pipeline.validate_offline.start", "stage_count", len(spec.Stages))

	outcomes := make([]StageOutcome, 0, len(spec.Stages))
	var firstViolation *pipelineerrors.UserError

	for _, stage := range spec.Stages {
		violation, err := guard.Scan(stage.ProcessorPath)
		switch {
		case err != nil:
			status := StageFailed
			errMsg := err.Error()
			outcomes = append(outcomes, StageOutcome{Stage: stage.Name, Status: status, Error: errMsg})
			if firstViolation == nil {
				firstViolation = pipelineerrors.NewInternalError("Cannot scan processor", errMsg, "", err)
			}
		case violation != nil:
			detail := fmt.Sprintf("line %d: %s (module %q)", violation.Line, violation.Text, violation.Module)
			outcomes = append(outcomes, StageOutcome{Stage: stage.Name, Status: StageFailed, Error: detail})
			if firstViolation == nil {
				firstViolation = pipelineerrors.NewOfflineError(
					fmt.Sprintf("Stage %q imports a forbidden module", stage.Name), detail,
					"Processors must not perform network I/O", nil,
				)
			}
		default:
			outcomes = append(outcomes, StageOutcome{Stage: stage.Name, Status: StageOK})
		}
	}

	doc := MetricsDocument{RunID: runID, Timestamp: time.Now(), Outcomes: outcomes}
	for _, o := range outcomes {
		doc.TotalStages++
		if o.Status == StageOK {
			doc.OKStages++
		} else {
			doc.FailedStages++
		}
	}

	state := RunCompleted
	if firstViolation != nil {
		state = RunFailed
	}
	log.Info("pipeline.validate_offline.end", "state", state, "ok", doc.OKStages, "failed", doc.FailedStages)

	result := &RunResult{RunID: runID, State: state, Outcomes: outcomes, Metrics: doc}
	if firstViolation != nil {
		return result, firstViolation
	}
	return result, nil
}
