package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeProcessor(t *testing.T, root, name, body string) string {
	t.Helper()
	path := filepath.Join(root, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func newTestSpec(t *testing.T, root string, stages []StageSpec) *PipelineSpec {
	t.Helper()
	return &PipelineSpec{Name: "demo", Version: "1", Stages: stages, root: root}
}

func TestStageRunner_SuccessWritesCompletionMarker(t *testing.T) {
	root := t.TempDir()
	outDir := filepath.Join(root, "out")
	require.NoError(t, os.MkdirAll(outDir, 0o750))
	proc := writeProcessor(t, root, "ok.sh", "exit 0\n")

	stage := StageSpec{Name: "extract", ProcessorPath: proc, Inputs: nil, OutputDir: outDir}
	spec := newTestSpec(t, root, []StageSpec{stage})

	layout := NewPathLayout(root)
	runner := NewStageRunner(layout)

	result := runner.RunStage(context.Background(), spec, stage, "run1")
	assert.Equal(t, StageOK, result.Status)
	assert.Nil(t, result.Error)
	assert.True(t, CompletionMarkerExists(layout, outDir, "extract"))
}

func TestStageRunner_OfflineViolationFailsWithoutExecuting(t *testing.T) {
	root := t.TempDir()
	outDir := filepath.Join(root, "out")
	require.NoError(t, os.MkdirAll(outDir, 0o750))
	proc := writeProcessor(t, root, "bad.py", "import socket\nexit 0\n")

	stage := StageSpec{Name: "fetch", ProcessorPath: proc, OutputDir: outDir}
	spec := newTestSpec(t, root, []StageSpec{stage})
	layout := NewPathLayout(root)
	runner := NewStageRunner(layout)

	result := runner.RunStage(context.Background(), spec, stage, "run1")
	require.Equal(t, StageFailed, result.Status)
	require.NotNil(t, result.Error)
	assert.Equal(t, "OfflineViolation", string(result.Error.Kind))
	assert.False(t, CompletionMarkerExists(layout, outDir, "fetch"))
}

func TestStageRunner_TransientRetriesThenFails(t *testing.T) {
	root := t.TempDir()
	outDir := filepath.Join(root, "out")
	require.NoError(t, os.MkdirAll(outDir, 0o750))
	proc := writeProcessor(t, root, "flaky.sh", "exit 10\n")

	retryPolicy := &RetryPolicy{MaxAttempts: 2, BaseDelay: 0.001, Jitter: 0}
	stage := StageSpec{Name: "flaky", ProcessorPath: proc, OutputDir: outDir, Retry: retryPolicy}
	spec := newTestSpec(t, root, []StageSpec{stage})
	layout := NewPathLayout(root)
	runner := NewStageRunner(layout)

	result := runner.RunStage(context.Background(), spec, stage, "run1")
	assert.Equal(t, StageFailed, result.Status)
	require.NotNil(t, result.Error)
	assert.Equal(t, "TransientExecution", string(result.Error.Kind))
}

func TestStageRunner_TerminalExitFailsImmediately(t *testing.T) {
	root := t.TempDir()
	outDir := filepath.Join(root, "out")
	require.NoError(t, os.MkdirAll(outDir, 0o750))
	proc := writeProcessor(t, root, "terminal.sh", "exit 3\n")

	stage := StageSpec{Name: "bad", ProcessorPath: proc, OutputDir: outDir}
	spec := newTestSpec(t, root, []StageSpec{stage})
	layout := NewPathLayout(root)
	runner := NewStageRunner(layout)

	result := runner.RunStage(context.Background(), spec, stage, "run1")
	assert.Equal(t, StageFailed, result.Status)
	require.NotNil(t, result.Error)
}

func TestStageRunner_IdempotentSecondRunSkips(t *testing.T) {
	root := t.TempDir()
	outDir := filepath.Join(root, "out")
	require.NoError(t, os.MkdirAll(outDir, 0o750))
	proc := writeProcessor(t, root, "ok.sh", "exit 0\n")

	stage := StageSpec{
		Name: "extract", ProcessorPath: proc, OutputDir: outDir,
		IdempotencyEnabled: true,
	}
	spec := newTestSpec(t, root, []StageSpec{stage})
	layout := NewPathLayout(root)
	runner := NewStageRunner(layout)

	first := runner.RunStage(context.Background(), spec, stage, "run1")
	require.Equal(t, StageOK, first.Status)
	require.NoError(t, SaveStageRecord(layout, stageRecordFrom(stage, first, time.Now())))

	second := runner.RunStage(context.Background(), spec, stage, "run2")
	assert.Equal(t, StageSkipped, second.Status)
}
