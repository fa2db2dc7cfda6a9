package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	f := New("/abs/path/courseforge.db", "courseforge start-services", "courseforge-net")
	f.Workers = append(f.Workers, WorkerRecord{
		WorkerType:    "notebook",
		ExecutionMode: "direct",
		ExecutorID:    "direct-notebook-0",
		DBWorkerID:    1,
	})

	require.NoError(t, Save(path, f))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, FileVersion, loaded.Version)
	assert.Equal(t, "/abs/path/courseforge.db", loaded.DBPath)
	require.Len(t, loaded.Workers, 1)
	assert.Equal(t, "direct-notebook-0", loaded.Workers[0].ExecutorID)
}

func TestLoadMissingFileReturnsNil(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.json")
	f, err := Load(path)
	require.NoError(t, err)
	assert.Nil(t, f)
}

func TestSaveRestrictsPermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, Save(path, New("/db", "test", "")))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestRemoveToleratesMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.json")
	require.NoError(t, Remove(path))
}
