package pool

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

func TestPlanTasksWithNoReuseStartsFullCount(t *testing.T) {
	store := newTestStore(t)
	mgr := New(store, arbor.NewLogger(), common.PoolConfig{}, Options{}, nil, nil)

	tuples := []common.WorkerTuple{{Type: "notebook", ExecutionMode: "direct", Count: 3}}
	tasks, err := mgr.planTasks(context.Background(), tuples, false)
	require.NoError(t, err)
	assert.Len(t, tasks, 3)
}

func TestPlanTasksWithReuseSkipsHealthyWorkers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.RegisterWorker(ctx, models.JobTypeNotebook, models.ExecutionModeDirect, "direct-notebook-existing")
	require.NoError(t, err)
	require.NoError(t, store.MarkWorkerStatus(ctx, id, models.WorkerStatusIdle))
	require.NoError(t, store.Heartbeat(ctx, id))

	mgr := New(store, arbor.NewLogger(), common.PoolConfig{}, Options{}, nil, nil)
	tuples := []common.WorkerTuple{{Type: "notebook", ExecutionMode: "direct", Count: 3}}

	tasks, err := mgr.planTasks(ctx, tuples, true)
	require.NoError(t, err)
	assert.Len(t, tasks, 2, "one of the three requested workers is already healthy and should not be replanned")
}

func TestPlanTasksIgnoresDeadWorkersWhenReusing(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.RegisterWorker(ctx, models.JobTypeNotebook, models.ExecutionModeDirect, "direct-notebook-dead")
	require.NoError(t, err)
	require.NoError(t, store.MarkWorkerStatus(ctx, id, models.WorkerStatusIdle))
	require.NoError(t, store.Heartbeat(ctx, id))
	require.NoError(t, store.DeregisterWorker(ctx, id))

	mgr := New(store, arbor.NewLogger(), common.PoolConfig{}, Options{}, nil, nil)
	tuples := []common.WorkerTuple{{Type: "notebook", ExecutionMode: "direct", Count: 1}}

	tasks, err := mgr.planTasks(ctx, tuples, true)
	require.NoError(t, err)
	assert.Len(t, tasks, 1, "a deregistered (dead) worker must not count against the requested pool size")
}

func TestListStartedReflectsStartResults(t *testing.T) {
	mgr := New(nil, arbor.NewLogger(), common.PoolConfig{}, Options{}, nil, nil)
	mgr.started["exec-1"] = instance{workerType: models.JobTypePlantUML, mode: models.ExecutionModeDirect, dbWorkerID: 42}

	started := mgr.ListStarted()
	require.Len(t, started, 1)
	assert.Equal(t, "exec-1", started[0].ExecutorID)
	assert.Equal(t, models.JobTypePlantUML, started[0].WorkerType)
	assert.Equal(t, int64(42), started[0].DBWorkerID)
}
