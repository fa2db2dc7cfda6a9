package main

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

// TestRenderOrReuseReadsThroughCache exercises the worker-side half of THE
// CORE (§4.8): a REUSES_CACHE job (html/completed) must never run its own
// renderer when the POPULATES_CACHE producer's (html/speaker) artifact is
// already in the Result Cache under the shared content hash, and must write
// that artifact verbatim to its own OutputPath.
func TestRenderOrReuseReadsThroughCache(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	producerArtifact := []byte("<html><body><pre>speaker notes render</pre></body></html>")
	sharedHash := "shared-producer-hash"
	now := time.Now()
	require.NoError(t, store.CachePut(ctx, &models.CacheEntry{
		ContentHash: sharedHash,
		OutputPath:  "out/speaker/topic1.html",
		Artifact:    producerArtifact,
		CreatedAt:   now,
		AccessedAt:  now,
		SizeBytes:   int64(len(producerArtifact)),
	}))

	outPath := filepath.Join(t.TempDir(), "completed", "topic1.html")
	job := &models.Job{
		JobType:     models.JobTypeNotebook,
		ContentHash: sharedHash,
	}
	payload := models.WorkerPayload{
		InputPath:  "topic1.ipynb",
		OutputPath: outPath,
		Format:     models.FormatHTML,
		Kind:       models.KindCompleted,
		ProgLang:   "does-not-exist-interpreter",
	}

	artifact, err := renderOrReuse(ctx, store, job, payload)
	require.NoError(t, err)
	assert.Equal(t, producerArtifact, artifact)

	written, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, producerArtifact, written)
}

// TestRenderOrReuseFallsBackOnCacheMiss confirms a REUSES_CACHE job whose
// producer hasn't populated the cache yet still renders instead of failing.
func TestRenderOrReuseFallsBackOnCacheMiss(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	dir := t.TempDir()
	inputPath := filepath.Join(dir, "topic1.ipynb")
	require.NoError(t, os.WriteFile(inputPath, []byte("notebook source"), 0o644))

	job := &models.Job{
		JobType:     models.JobTypeNotebook,
		ContentHash: "cold-hash",
	}
	payload := models.WorkerPayload{
		InputPath:  inputPath,
		OutputPath: filepath.Join(dir, "completed", "topic1.html"),
		Format:     models.FormatHTML,
		Kind:       models.KindCompleted,
	}

	artifact, err := renderOrReuse(ctx, store, job, payload)
	require.NoError(t, err)
	assert.Contains(t, string(artifact), "notebook source")
}
