// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"context"
	"fmt"
	"os"
	"time"

	pipelineerrors "github.com/kraklabs/pipeline-runner/internal/errors"
	"github.com/kraklabs/pipeline-runner/pkg/pipeline/checkpoint"
	"github.com/kraklabs/pipeline-runner/pkg/pipeline/execproc"
	"github.com/kraklabs/pipeline-runner/pkg/pipeline/guard"
	"github.com/kraklabs/pipeline-runner/pkg/pipeline/idempotency"
	"github.com/kraklabs/pipeline-runner/pkg/pipeline/lock"
	"github.com/kraklabs/pipeline-runner/pkg/pipeline/retry"
)

// StageResult is what running a single stage produced, feeding both the
// StageRecord persisted for next run's idempotency comparison and the
// MetricsDocument's per-stage outcome row (spec.md §4.9).
type StageResult struct {
	Status      StageStatus
	DurationSec float64
	Error       *pipelineerrors.UserError
	Key         string // idempotency key computed for this attempt; "" if idempotency is disabled or the stage failed
}

// StageRunner executes the Stage State Machine (spec.md §4.9):
// pending → {skipped | locked → running → (retrying)* → {ok|failed}}.
// One StageRunner is constructed per run and reused across the run's
// stages; it owns the shared lock manager and checkpoint store rooted at
// the run's PathLayout.
type StageRunner struct {
	Layout      PathLayout
	Locks       *lock.Manager
	Checkpoints *checkpoint.Store
	Executor    *execproc.Executor

	// Env is additional environment passed through to every processor
	// invocation, layered under the stage-specific variables this runner
	// injects (PIPELINE_* and PIPELINE_LINE_OFFSET).
	Env []string

	// LockTimeout seeds lock acquisition when a stage has no narrower
	// override (there is none today, but this mirrors the per-stage retry
	// override shape). Defaults to lock.DefaultTimeout.
	LockTimeout time.Duration

	// DefaultRetry seeds a stage's retry policy when its declaration leaves
	// "retry" unset, sourced from the ambient config file (spec.md §4.7,
	// internal/config's RetryDefaults) rather than retry.DefaultPolicy's
	// hardcoded values, so an operator can tune it per machine.
	DefaultRetry retry.Policy

	// Clock abstracts time.Now for deterministic tests.
	Clock func() time.Time
}

// NewStageRunner constructs a StageRunner rooted at layout, using the
// package defaults for lock timeout and retry policy.
func NewStageRunner(layout PathLayout) *StageRunner {
	return &StageRunner{
		Layout:       layout,
		Locks:        lock.New(layout.LocksDir()),
		Checkpoints:  checkpoint.New(layout.StateDir()),
		Executor:     execproc.New(),
		LockTimeout:  lock.DefaultTimeout,
		DefaultRetry: retry.DefaultPolicy(),
		Clock:        time.Now,
	}
}

// RunStage executes a single stage to completion (including retries),
// returning its terminal StageResult. It never returns a Go error for
// expected failure modes — those are reported as StageFailed with a
// populated Error field, so the Run Orchestrator can decide whether to
// continue or abort without type-switching on err.
func (r *StageRunner) RunStage(ctx context.Context, spec *PipelineSpec, stage StageSpec, runID string) StageResult {
	start := r.Clock()

	if violation, err := guard.Scan(stage.ProcessorPath); err != nil {
		return r.fail(start, pipelineerrors.NewInternalError(
			"Cannot scan processor for offline compliance",
			err.Error(), "", err,
		))
	} else if violation != nil {
		return r.fail(start, pipelineerrors.NewOfflineError(
			fmt.Sprintf("Stage %q imports a forbidden module", stage.Name),
			fmt.Sprintf("line %d: %s (module %q)", violation.Line, violation.Text, violation.Module),
			"Processors must not perform network I/O; remove the import or replace the dependency",
			nil,
		))
	}

	key, skip, err := r.evaluateIdempotency(stage)
	if err != nil {
		return r.fail(start, pipelineerrors.NewInternalError("Cannot evaluate idempotency", err.Error(), "", err))
	}
	if skip {
		return StageResult{Status: StageSkipped, DurationSec: r.Clock().Sub(start).Seconds(), Key: key}
	}

	lockTimeout := r.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = lock.DefaultTimeout
	}
	if err := r.Locks.Acquire(stage.Name, lockTimeout); err != nil {
		return r.fail(start, pipelineerrors.NewLockError(
			fmt.Sprintf("Could not acquire lock for stage %q", stage.Name),
			err.Error(),
			"Another run may be holding this stage's lock; check locks/ for a stale lock file",
			err,
		))
	}
	defer func() { _ = r.Locks.Release(stage.Name) }()

	policy := r.resolveRetryPolicy(stage.Retry)
	env := r.buildEnv(spec, stage, runID)
	argv := append([]string{stage.ProcessorPath}, stage.Inputs...)

	outcome := retry.Run(policy, func(attempt int) execproc.Result {
		return r.Executor.Run(ctx, argv, env, spec.Root())
	})

	if stage.CheckpointEnabled {
		_ = r.Checkpoints.SyncAlias(stage.Name)
	}

	result := outcome.Result
	switch result.Outcome {
	case execproc.Success:
		if err := WriteCompletionMarker(r.Layout, stage.OutputDir, stage.Name); err != nil {
			return r.fail(start, err.(*pipelineerrors.UserError))
		}
		return StageResult{Status: StageOK, DurationSec: r.Clock().Sub(start).Seconds(), Key: key}

	case execproc.Transient:
		return r.fail(start, pipelineerrors.NewTransientExhaustedError(
			fmt.Sprintf("Stage %q exhausted retries", stage.Name),
			fmt.Sprintf("last attempt: %v (stderr: %s)", result.Err, truncate(result.Stderr, 500)),
			"The processor kept signaling a transient failure (exit code 10) past the configured retry limit",
			result.Err,
		))

	default: // execproc.Terminal
		if result.ExitCode == -1 && result.Err != nil {
			return r.fail(start, pipelineerrors.NewProcessorError(
				fmt.Sprintf("Stage %q processor could not be started", stage.Name),
				result.Err.Error(),
				"Check that the processor path is executable",
				result.Err,
			))
		}
		return r.fail(start, pipelineerrors.NewExecutionError(
			fmt.Sprintf("Stage %q failed", stage.Name),
			fmt.Sprintf("exit code %d (stderr: %s)", result.ExitCode, truncate(result.Stderr, 500)),
			"",
			result.Err,
		))
	}
}

func (r *StageRunner) fail(start time.Time, err *pipelineerrors.UserError) StageResult {
	return StageResult{
		Status:      StageFailed,
		DurationSec: r.Clock().Sub(start).Seconds(),
		Error:       err,
	}
}

// evaluateIdempotency computes the stage's current idempotency key (if
// enabled) and compares it against the prior StageRecord (spec.md §4.3): a
// matching key on a previously-ok stage means skip.
func (r *StageRunner) evaluateIdempotency(stage StageSpec) (key string, skip bool, err error) {
	if !stage.IdempotencyEnabled {
		return "", false, nil
	}

	inputHashes := make([]string, len(stage.Inputs))
	for i, in := range stage.Inputs {
		h, err := idempotency.HashFile(in)
		if err != nil {
			return "", false, err
		}
		inputHashes[i] = h
	}

	info, err := os.Stat(stage.ProcessorPath)
	if err != nil {
		return "", false, err
	}
	processorVersion := info.ModTime().UTC().Format(time.RFC3339Nano)

	canonical, err := idempotency.CanonicalParams(stage.Params)
	if err != nil {
		return "", false, err
	}

	key = idempotency.ComputeKey(inputHashes, processorVersion, canonical)

	prior, err := LoadStageRecord(r.Layout, stage.Name)
	if err != nil {
		return key, false, err
	}
	if prior != nil && prior.LastStatus == StageOK && prior.IdempotencyKey == key &&
		CompletionMarkerExists(r.Layout, stage.OutputDir, stage.Name) {
		return key, true, nil
	}
	return key, false, nil
}

// buildEnv constructs the processor's environment: the inherited parent
// environment (os.Environ()), augmented with r.Env and then with
// PIPELINE_RUN_ID, PIPELINE_STAGE_NAME, PIPELINE_OUTPUT_DIR, PIPELINE_ROOT,
// PIPELINE_PARAMS, and PIPELINE_LINE_OFFSET — the latter seeded from the
// last persisted checkpoint, or 0 when checkpointing is disabled or no
// checkpoint has been written yet (spec.md §4.5, §4.6, §6).
func (r *StageRunner) buildEnv(spec *PipelineSpec, stage StageSpec, runID string) []string {
	env := append([]string{}, os.Environ()...)
	env = append(env, r.Env...)

	params, err := idempotency.CanonicalParams(stage.Params)
	if err != nil {
		params = "{}"
	}

	env = append(env,
		"PIPELINE_RUN_ID="+runID,
		"PIPELINE_STAGE_NAME="+stage.Name,
		"PIPELINE_OUTPUT_DIR="+stage.OutputDir,
		"PIPELINE_ROOT="+spec.Root(),
		"PIPELINE_PARAMS="+params,
	)

	var offset int64
	if stage.CheckpointEnabled {
		if loaded, err := r.Checkpoints.Load(stage.Name); err == nil {
			offset = loaded
		}
	}
	env = append(env, fmt.Sprintf("PIPELINE_LINE_OFFSET=%d", offset))

	return env
}

func (r *StageRunner) resolveRetryPolicy(p *RetryPolicy) retry.Policy {
	policy := r.DefaultRetry
	if policy.MaxAttempts == 0 {
		policy = retry.DefaultPolicy()
	}
	if p == nil {
		return policy
	}
	if p.MaxAttempts > 0 {
		policy.MaxAttempts = p.MaxAttempts
	}
	if p.BaseDelay > 0 {
		policy.BaseDelay = time.Duration(p.BaseDelay * float64(time.Second))
	}
	if p.Jitter > 0 {
		policy.Jitter = p.Jitter
	}
	return policy
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// stageRecordFrom builds the StageRecord to persist after a stage
// terminates (spec.md §3). The caller must not call this for a skipped
// stage — a skip leaves the prior record untouched by definition — and
// must overwrite the returned record's IdempotencyKey with the prior
// value on a failed outcome (spec.md §4.9: a failure never updates the
// idempotency key).
func stageRecordFrom(stage StageSpec, result StageResult, completedAt time.Time) StageRecord {
	rec := StageRecord{
		StageName:       stage.Name,
		LastStatus:      result.Status,
		LastDurationSec: result.DurationSec,
		LastCompletedAt: completedAt,
		IdempotencyKey:  result.Key,
	}
	if result.Error != nil {
		rec.LastError = result.Error.Error()
	}
	return rec
}
