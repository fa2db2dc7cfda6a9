package depresolver

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/courseforge/internal/cache"
	"github.com/ternarybob/courseforge/internal/common"
	"github.com/ternarybob/courseforge/internal/graph"
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

// writeFixture writes a real notebook file to disk, since cache.Fingerprint
// reads the input file's bytes rather than hashing a path string.
func writeFixture(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("notebook source"), 0o644))
	return path
}

func TestResolveInsertsImplicitProducer(t *testing.T) {
	ops := []models.Operation{
		{
			InputFile: writeFixture(t, "topic1.ipynb"),
			Language:  models.LanguageEN,
			Format:    models.FormatHTML,
			Kind:      models.KindCompleted,
			Target:    "solutions",
			Stage:     graph.StageConsume,
			JobType:   models.JobTypeNotebook,
		},
	}

	resolved, err := NewResolver(newTestStore(t)).Resolve(context.Background(), ops)
	require.NoError(t, err)
	require.Len(t, resolved, 2)

	implicit := resolved[1]
	assert.True(t, implicit.Implicit)
	assert.Equal(t, models.FormatHTML, implicit.Format)
	assert.Equal(t, models.KindSpeaker, implicit.Kind)
	assert.Equal(t, graph.StagePopulate, implicit.Stage)
	assert.Empty(t, implicit.Target)
	assert.False(t, implicit.NoOp, "cold cache: the implicit producer must still run")
}

func TestResolveSkipsWhenProducerAlreadyRequested(t *testing.T) {
	ops := []models.Operation{
		{InputFile: "topic1.ipynb", Language: models.LanguageEN, Format: models.FormatHTML, Kind: models.KindCompleted, Stage: graph.StageConsume, JobType: models.JobTypeNotebook},
		{InputFile: "topic1.ipynb", Language: models.LanguageEN, Format: models.FormatHTML, Kind: models.KindSpeaker, Stage: graph.StagePopulate, JobType: models.JobTypeNotebook},
	}

	resolved, err := NewResolver(newTestStore(t)).Resolve(context.Background(), ops)
	require.NoError(t, err)
	assert.Len(t, resolved, 2)
}

func TestResolveDeduplicatesImplicitAcrossConsumers(t *testing.T) {
	input := writeFixture(t, "topic1.ipynb")
	ops := []models.Operation{
		{InputFile: input, Language: models.LanguageEN, Format: models.FormatHTML, Kind: models.KindCompleted, Target: "a", Stage: graph.StageConsume, JobType: models.JobTypeNotebook},
		{InputFile: input, Language: models.LanguageEN, Format: models.FormatHTML, Kind: models.KindCompleted, Target: "b", Stage: graph.StageConsume, JobType: models.JobTypeNotebook},
	}

	resolved, err := NewResolver(newTestStore(t)).Resolve(context.Background(), ops)
	require.NoError(t, err)
	require.Len(t, resolved, 3)
	assert.True(t, resolved[2].Implicit)
}

// TestResolveImplicitProducerIsNoOpOnWarmCache exercises SPEC_FULL.md §8's
// idempotence law for exactly the scenario §4.6 names: a course requests a
// REUSES_CACHE output without also requesting its producer. On a warm
// cache, the implicit producer execution must be recognized as a no-op
// rather than unconditionally resubmitted.
func TestResolveImplicitProducerIsNoOpOnWarmCache(t *testing.T) {
	store := newTestStore(t)

	op := models.Operation{
		InputFile: "topic1.ipynb",
		Language:  models.LanguageEN,
		Format:    models.FormatHTML,
		Kind:      models.KindCompleted,
		Target:    "solutions",
		Stage:     graph.StageConsume,
		JobType:   models.JobTypeNotebook,
	}

	producerHash := cache.FingerprintBytes(nil, models.LanguageEN, models.FormatHTML, models.KindSpeaker)
	require.NoError(t, store.CachePut(context.Background(), &models.CacheEntry{
		ContentHash: producerHash,
		OutputPath:  "",
		Artifact:    []byte("cached speaker render"),
	}))

	// cache.Fingerprint hashes file bytes read from disk, so point the
	// operation at an empty input file matching the nil bytes hashed above.
	empty := filepath.Join(t.TempDir(), "topic1.ipynb")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	op.InputFile = empty

	resolved, err := NewResolver(store).Resolve(context.Background(), []models.Operation{op})
	require.NoError(t, err)
	require.Len(t, resolved, 2)

	implicit := resolved[1]
	assert.True(t, implicit.NoOp, "warm cache: the implicit producer must not be resubmitted")
	assert.Equal(t, producerHash, implicit.ContentHash)
}
