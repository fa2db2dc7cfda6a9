package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/courseforge/internal/common"
	"github.com/ternarybob/courseforge/internal/models"
)

func newTestStore(t *testing.T) *QueueStore {
	t.Helper()
	logger := arbor.NewLogger()

	cfg := &common.SQLiteConfig{
		Path:          filepath.Join(t.TempDir(), "test.db"),
		WALMode:       false,
		BusyTimeoutMS: 2000,
		CacheSizeMB:   8,
		Environment:   "development",
	}

	db, err := NewSQLiteDB(logger, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewQueueStore(db, logger, 5*time.Second)
}

func TestSubmitAndClaimNext(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.Submit(ctx, models.JobTypeNotebook, "in.ipynb", "out.html", nil, "hash1", 0, "corr-1", 0)
	require.NoError(t, err)
	assert.Positive(t, id)

	job, err := store.ClaimNext(ctx, models.JobTypeNotebook, 1, 0)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, models.JobStatusProcessing, job.Status)
	assert.Equal(t, int64(1), *job.WorkerID)

	second, err := store.ClaimNext(ctx, models.JobTypeNotebook, 2, 0)
	require.NoError(t, err)
	assert.Nil(t, second)
}

func TestClaimNextFIFOByPriority(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	lowID, err := store.Submit(ctx, models.JobTypePlantUML, "a", "a.svg", nil, "h-a", 0, "c1", 0)
	require.NoError(t, err)
	highID, err := store.Submit(ctx, models.JobTypePlantUML, "b", "b.svg", nil, "h-b", 10, "c2", 0)
	require.NoError(t, err)

	job, err := store.ClaimNext(ctx, models.JobTypePlantUML, 1, 0)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, highID, job.ID)

	job2, err := store.ClaimNext(ctx, models.JobTypePlantUML, 1, 0)
	require.NoError(t, err)
	require.NotNil(t, job2)
	assert.Equal(t, lowID, job2.ID)
}

func TestCompleteRequiresMatchingWorker(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.Submit(ctx, models.JobTypeDrawio, "a.drawio", "a.svg", nil, "h", 0, "c", 0)
	require.NoError(t, err)

	job, err := store.ClaimNext(ctx, models.JobTypeDrawio, 7, 0)
	require.NoError(t, err)
	require.NotNil(t, job)

	err = store.Complete(ctx, id, 99)
	assert.ErrorIs(t, err, ErrJobNotClaimable)

	err = store.Complete(ctx, id, 7)
	require.NoError(t, err)

	// Idempotent retry.
	err = store.Complete(ctx, id, 7)
	require.NoError(t, err)

	got, err := store.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSucceeded, got.Status)
}

func TestFailStoresStructuredError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.Submit(ctx, models.JobTypeNotebook, "a.ipynb", "a.html", nil, "h", 0, "c", 0)
	require.NoError(t, err)

	job, err := store.ClaimNext(ctx, models.JobTypeNotebook, 1, 0)
	require.NoError(t, err)
	require.NotNil(t, job)

	errPayload := []byte(`{"error_class":"SyntaxError","message":"missing semicolon"}`)
	require.NoError(t, store.Fail(ctx, id, 1, errPayload))

	got, err := store.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, errPayload, got.Error)
}

func TestRequeueForRetryBumpsAttemptCount(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.Submit(ctx, models.JobTypeNotebook, "a", "b", nil, "h", 0, "c", 0)
	require.NoError(t, err)

	job, err := store.ClaimNext(ctx, models.JobTypeNotebook, 1, 0)
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, store.RequeueForRetry(ctx, id))

	got, err := store.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Nil(t, got.WorkerID)
}

func TestCancelPendingBeforeClaim(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.Submit(ctx, models.JobTypeNotebook, "a", "b", nil, "h", 0, "c", 0)
	require.NoError(t, err)

	require.NoError(t, store.CancelPending(ctx, id))

	got, err := store.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, got.Status)

	// Cannot claim a cancelled job.
	job, err := store.ClaimNext(ctx, models.JobTypeNotebook, 1, 0)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestRegisterHeartbeatAndStaleWorkers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	workerID, err := store.RegisterWorker(ctx, models.JobTypeNotebook, models.ExecutionModeDirect, "pid-123")
	require.NoError(t, err)
	require.NoError(t, store.MarkWorkerStatus(ctx, workerID, models.WorkerStatusIdle))

	stale, err := store.StaleWorkers(ctx, 0)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, workerID, stale[0].ID)

	require.NoError(t, store.Heartbeat(ctx, workerID))
	fresh, err := store.StaleWorkers(ctx, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, fresh)

	require.NoError(t, store.DeregisterWorker(ctx, workerID))
	w, err := store.GetWorker(ctx, workerID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkerStatusDead, w.Status)

	// Heartbeat is ignored once dead.
	require.NoError(t, store.Heartbeat(ctx, workerID))
}

func TestCacheGetPutAndEviction(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entry := &models.CacheEntry{ContentHash: "h1", OutputPath: "out/h1.html", Artifact: []byte("data"), SizeBytes: 100}
	require.NoError(t, store.CachePut(ctx, entry))

	got, err := store.CacheGet(ctx, "h1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "out/h1.html", got.OutputPath)

	missing, err := store.CacheGet(ctx, "nonexistent")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, store.CachePut(ctx, &models.CacheEntry{ContentHash: "h2", OutputPath: "out/h2.html", SizeBytes: 100}))

	evicted, err := store.EvictLRU(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, evicted)

	total, err := store.CacheTotalBytes(ctx)
	require.NoError(t, err)
	assert.LessOrEqual(t, total, int64(100))
}

func TestMarkStaleProcessingAsPending(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	workerID, err := store.RegisterWorker(ctx, models.JobTypeNotebook, models.ExecutionModeDirect, "pid-1")
	require.NoError(t, err)

	id, err := store.Submit(ctx, models.JobTypeNotebook, "a", "b", nil, "h", 0, "c", 0)
	require.NoError(t, err)
	_, err = store.ClaimNext(ctx, models.JobTypeNotebook, workerID, 0)
	require.NoError(t, err)

	require.NoError(t, store.DeregisterWorker(ctx, workerID))

	count, err := store.MarkStaleProcessingAsPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	got, err := store.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
}
