package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunner_CompletesAllStagesOK(t *testing.T) {
	root := t.TempDir()
	out1 := filepath.Join(root, "out1")
	out2 := filepath.Join(root, "out2")
	require.NoError(t, os.MkdirAll(out1, 0o750))
	require.NoError(t, os.MkdirAll(out2, 0o750))

	p1 := writeProcessor(t, root, "stage1.sh", "exit 0\n")
	p2 := writeProcessor(t, root, "stage2.sh", "exit 0\n")

	spec := newTestSpec(t, root, []StageSpec{
		{Name: "stage1", ProcessorPath: p1, OutputDir: out1},
		{Name: "stage2", ProcessorPath: p2, OutputDir: out2},
	})

	runner := NewRunner()
	result, err := runner.Run(context.Background(), spec, "demo1")
	require.NoError(t, err)
	assert.Equal(t, "demo1", result.RunID)
	assert.Equal(t, RunCompleted, result.State)
	assert.Len(t, result.Outcomes, 2)
	assert.Equal(t, 2, result.Metrics.OKStages)

	layout := NewPathLayout(root)
	_, err = os.Stat(layout.RunRecordPath(result.RunID))
	require.NoError(t, err)
	_, err = os.Stat(layout.MetricsPath(result.RunID))
	require.NoError(t, err)
	_, err = os.Stat(layout.AuditLogPath(result.RunID))
	require.NoError(t, err)
}

func TestRunner_AbortsRemainingStagesAfterFailure(t *testing.T) {
	root := t.TempDir()
	out1 := filepath.Join(root, "out1")
	out2 := filepath.Join(root, "out2")
	require.NoError(t, os.MkdirAll(out1, 0o750))
	require.NoError(t, os.MkdirAll(out2, 0o750))

	failing := writeProcessor(t, root, "fail.sh", "exit 7\n")
	neverRun := writeProcessor(t, root, "never.sh", "touch "+filepath.Join(out2, "should-not-exist")+"\nexit 0\n")

	spec := newTestSpec(t, root, []StageSpec{
		{Name: "stage1", ProcessorPath: failing, OutputDir: out1},
		{Name: "stage2", ProcessorPath: neverRun, OutputDir: out2},
	})

	runner := NewRunner()
	result, err := runner.Run(context.Background(), spec, "demo2")
	require.Error(t, err)
	require.NotNil(t, result)
	assert.Equal(t, RunFailed, result.State)
	assert.Equal(t, StageFailed, result.Outcomes[0].Status)

	if _, statErr := os.Stat(filepath.Join(out2, "should-not-exist")); !os.IsNotExist(statErr) {
		t.Fatalf("expected stage2 never to run, but its marker file exists")
	}
}

func TestRunner_FailedRerunPreservesPriorIdempotencyKey(t *testing.T) {
	root := t.TempDir()
	out1 := filepath.Join(root, "out1")
	require.NoError(t, os.MkdirAll(out1, 0o750))

	procPath := writeProcessor(t, root, "stage1.sh", "exit 0\n")

	spec := newTestSpec(t, root, []StageSpec{
		{Name: "stage1", ProcessorPath: procPath, OutputDir: out1, IdempotencyEnabled: true},
	})

	runner := NewRunner()
	first, err := runner.Run(context.Background(), spec, "demo1")
	require.NoError(t, err)
	assert.Equal(t, 1, first.Metrics.OKStages)

	layout := NewPathLayout(root)
	priorRec, err := LoadStageRecord(layout, "stage1")
	require.NoError(t, err)
	require.NotNil(t, priorRec)
	require.NotEmpty(t, priorRec.IdempotencyKey)

	// Rewrite the processor in place so the stage now exits non-zero.
	require.NoError(t, os.WriteFile(procPath, []byte("#!/bin/sh\nexit 7\n"), 0o755))

	second, err := runner.Run(context.Background(), spec, "demo2")
	require.Error(t, err)
	require.NotNil(t, second)
	assert.Equal(t, RunFailed, second.State)

	afterFailure, err := LoadStageRecord(layout, "stage1")
	require.NoError(t, err)
	require.NotNil(t, afterFailure)
	assert.Equal(t, StageFailed, afterFailure.LastStatus)
	assert.Equal(t, priorRec.IdempotencyKey, afterFailure.IdempotencyKey)
}

func TestRunner_RerunWithUnchangedInputsSkipsEveryStage(t *testing.T) {
	root := t.TempDir()
	out1 := filepath.Join(root, "out1")
	out2 := filepath.Join(root, "out2")
	require.NoError(t, os.MkdirAll(out1, 0o750))
	require.NoError(t, os.MkdirAll(out2, 0o750))

	p1 := writeProcessor(t, root, "stage1.sh", "exit 0\n")
	p2 := writeProcessor(t, root, "stage2.sh", "exit 0\n")

	spec := newTestSpec(t, root, []StageSpec{
		{Name: "stage1", ProcessorPath: p1, OutputDir: out1, IdempotencyEnabled: true},
		{Name: "stage2", ProcessorPath: p2, OutputDir: out2, IdempotencyEnabled: true},
	})

	runner := NewRunner()
	first, err := runner.Run(context.Background(), spec, "demo1")
	require.NoError(t, err)
	require.Equal(t, 2, first.Metrics.OKStages)

	second, err := runner.Run(context.Background(), spec, "demo2")
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, second.State)
	assert.Equal(t, 0, second.Metrics.OKStages)
	assert.Equal(t, 2, second.Metrics.SkippedStages)

	// A third consecutive run must still skip: a prior skip must not have
	// overwritten the StageRecord's "ok" status with "skipped".
	third, err := runner.Run(context.Background(), spec, "demo3")
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, third.State)
	assert.Equal(t, 0, third.Metrics.OKStages)
	assert.Equal(t, 2, third.Metrics.SkippedStages)
}

func TestRunner_ValidateOfflineDryRunDetectsViolation(t *testing.T) {
	root := t.TempDir()
	out1 := filepath.Join(root, "out1")
	require.NoError(t, os.MkdirAll(out1, 0o750))
	bad := writeProcessor(t, root, "bad.py", "import urllib.request\nexit 0\n")

	spec := newTestSpec(t, root, []StageSpec{
		{Name: "stage1", ProcessorPath: bad, OutputDir: out1},
	})

	runner := &Runner{ValidateOffline: true}
	result, err := runner.Run(context.Background(), spec, "demo3")
	require.Error(t, err)
	require.NotNil(t, result)
	assert.Equal(t, RunFailed, result.State)

	layout := NewPathLayout(root)
	_, statErr := os.Stat(layout.RunRecordPath(result.RunID))
	assert.True(t, os.IsNotExist(statErr), "validate-offline must not persist a RunRecord")
}

func TestRunner_ValidateOfflinePassesCleanPipeline(t *testing.T) {
	root := t.TempDir()
	out1 := filepath.Join(root, "out1")
	require.NoError(t, os.MkdirAll(out1, 0o750))
	clean := writeProcessor(t, root, "clean.sh", "exit 0\n")

	spec := newTestSpec(t, root, []StageSpec{
		{Name: "stage1", ProcessorPath: clean, OutputDir: out1},
	})

	runner := &Runner{ValidateOffline: true}
	result, err := runner.Run(context.Background(), spec, "demo4")
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, result.State)
}
