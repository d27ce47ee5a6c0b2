package checkpoint

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingReturnsZero(t *testing.T) {
	s := New(t.TempDir())
	off, err := s.Load("stage_upper")
	require.NoError(t, err)
	assert.Equal(t, int64(0), off)
}

func TestLoad_ReadsPersistedOffset(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	body, _ := json.Marshal(Progress{LineOffset: 50})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "progress_stage_upper.json"), body, 0o644))

	off, err := s.Load("stage_upper")
	require.NoError(t, err)
	assert.Equal(t, int64(50), off)
}

func TestLoad_MalformedTreatedAsZero(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "progress_stage_upper.json"), []byte("not json"), 0o644))

	off, err := s.Load("stage_upper")
	require.NoError(t, err)
	assert.Equal(t, int64(0), off)
}

func TestSyncAlias_WritesAtomically(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	body, _ := json.Marshal(Progress{LineOffset: 75})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "progress_stage_upper.json"), body, 0o644))

	require.NoError(t, s.SyncAlias("stage_upper"))

	aliasPath := filepath.Join(dir, "checkpoint_stage_upper.json")
	_, err := os.Stat(aliasPath + ".tmp")
	assert.True(t, os.IsNotExist(err))

	data, err := os.ReadFile(aliasPath)
	require.NoError(t, err)
	var p Progress
	require.NoError(t, json.Unmarshal(data, &p))
	assert.Equal(t, int64(75), p.LineOffset)
}
