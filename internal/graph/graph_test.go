package graph

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/courseforge/internal/common"
	"github.com/ternarybob/courseforge/internal/models"
	"github.com/ternarybob/courseforge/internal/storage/sqlite"
)

func newTestStore(t *testing.T) *sqlite.QueueStore {
	t.Helper()
	logger := arbor.NewLogger()

	cfg := &common.SQLiteConfig{
		Path:          filepath.Join(t.TempDir(), "test.db"),
		WALMode:       false,
		BusyTimeoutMS: 2000,
		CacheSizeMB:   8,
		Environment:   "development",
	}

	db, err := sqlite.NewSQLiteDB(logger, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return sqlite.NewQueueStore(db, logger, 5*time.Second)
}

func identityOutputRoot(target models.OutputTarget, file CourseFile, l models.Language, f models.Format, k models.Kind) string {
	return filepath.Join(target.OutputRoot, string(l), string(k), string(f))
}

func TestBuildAssignsStagesByExecutionRequirement(t *testing.T) {
	store := newTestStore(t)
	dir := t.TempDir()
	notebookPath := filepath.Join(dir, "topic1.ipynb")
	require.NoError(t, os.WriteFile(notebookPath, []byte("{}"), 0o644))

	files := []CourseFile{{InputPath: notebookPath, SourceKind: SourceNotebook, ProgLang: "python"}}
	targets := []models.OutputTarget{{Name: "all", OutputRoot: "./out"}}

	ops, err := NewBuilder(store).Build(context.Background(), files, targets, identityOutputRoot)
	require.NoError(t, err)

	byStage := map[int]int{}
	for _, op := range ops {
		byStage[op.Stage]++
		assert.Equal(t, models.JobTypeNotebook, op.JobType)
		assert.False(t, op.NoOp)
	}

	// (html,speaker) populates cache -> StagePopulate; (html,completed) reuses
	// cache -> StageConsume; every other (format,kind) pair -> StageDirect.
	assert.Positive(t, byStage[StagePopulate])
	assert.Positive(t, byStage[StageConsume])
	assert.Positive(t, byStage[StageDirect])
}

func TestBuildMarksNoOpOnCacheHit(t *testing.T) {
	store := newTestStore(t)
	dir := t.TempDir()
	diagramPath := filepath.Join(dir, "flow.puml")
	require.NoError(t, os.WriteFile(diagramPath, []byte("@startuml\n@enduml"), 0o644))

	files := []CourseFile{{InputPath: diagramPath, SourceKind: SourcePlantUML}}
	targets := []models.OutputTarget{{Name: "all", OutputRoot: "./out"}}

	ops, err := NewBuilder(store).Build(context.Background(), files, targets, identityOutputRoot)
	require.NoError(t, err)
	require.NotEmpty(t, ops)
	for _, op := range ops {
		assert.False(t, op.NoOp)
	}

	err = store.CachePut(context.Background(), &models.CacheEntry{
		ContentHash: ops[0].ContentHash,
		OutputPath:  ops[0].OutputFile,
		Artifact:    []byte("cached"),
		CreatedAt:   time.Now(),
		AccessedAt:  time.Now(),
		SizeBytes:   6,
	})
	require.NoError(t, err)

	ops2, err := NewBuilder(store).Build(context.Background(), files, targets, identityOutputRoot)
	require.NoError(t, err)

	var hit bool
	for _, op := range ops2 {
		if op.ContentHash == ops[0].ContentHash {
			assert.True(t, op.NoOp)
			hit = true
		}
	}
	assert.True(t, hit, "expected the re-built operation sharing the cached content hash to be marked no-op")
}

func TestOperationsForStage(t *testing.T) {
	ops := []models.Operation{
		{Stage: StageDirect, Target: "a"},
		{Stage: StagePopulate, Target: "b"},
		{Stage: StageDirect, Target: "c"},
	}
	filtered := OperationsForStage(ops, StageDirect)
	require.Len(t, filtered, 2)
	assert.Equal(t, "a", filtered[0].Target)
	assert.Equal(t, "c", filtered[1].Target)
}
