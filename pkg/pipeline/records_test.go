package pipeline

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAndLoadStageRecord(t *testing.T) {
	dir := t.TempDir()
	layout := NewPathLayout(dir)

	rec := StageRecord{
		StageName:       "parse",
		LastStatus:      StageOK,
		LastDurationSec: 1.5,
		LastCompletedAt: time.Now().UTC().Truncate(time.Second),
		IdempotencyKey:  "abc123",
	}
	require.NoError(t, SaveStageRecord(layout, rec))

	loaded, err := LoadStageRecord(layout, "parse")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, rec.StageName, loaded.StageName)
	assert.Equal(t, rec.LastStatus, loaded.LastStatus)
	assert.Equal(t, rec.IdempotencyKey, loaded.IdempotencyKey)

	if _, err := os.Stat(layout.StageRecordPath("parse") + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("expected no leftover .tmp file, stat err = %v", err)
	}
}

func TestLoadStageRecord_MissingReturnsNil(t *testing.T) {
	layout := NewPathLayout(t.TempDir())
	rec, err := LoadStageRecord(layout, "nonexistent")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestSaveRunRecordAndMetrics(t *testing.T) {
	dir := t.TempDir()
	layout := NewPathLayout(dir)

	run := RunRecord{RunID: "r1", PipelineName: "demo", StartedAt: time.Now(), State: RunRunning}
	require.NoError(t, SaveRunRecord(layout, run))

	raw, err := os.ReadFile(layout.RunRecordPath("r1"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"runId": "r1"`)

	doc := MetricsDocument{RunID: "r1", Timestamp: time.Now(), TotalStages: 2, OKStages: 2}
	require.NoError(t, SaveMetrics(layout, doc))
	_, err = os.Stat(layout.MetricsPath("r1"))
	require.NoError(t, err)
}

func TestCompletionMarker(t *testing.T) {
	dir := t.TempDir()
	layout := NewPathLayout(dir)
	outDir := filepath.Join(dir, "out")
	require.NoError(t, os.MkdirAll(outDir, 0o750))

	assert.False(t, CompletionMarkerExists(layout, outDir, "parse"))
	require.NoError(t, WriteCompletionMarker(layout, outDir, "parse"))
	assert.True(t, CompletionMarkerExists(layout, outDir, "parse"))
}
