package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/courseforge/internal/common"
	"github.com/ternarybob/courseforge/internal/errors"
	"github.com/ternarybob/courseforge/internal/models"
	"github.com/ternarybob/courseforge/internal/queue"
	"github.com/ternarybob/courseforge/internal/storage/sqlite"
)

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, *sqlite.QueueStore, *errors.Reporter) {
	t.Helper()
	logger := arbor.NewLogger()

	db, err := sqlite.NewSQLiteDB(logger, &common.SQLiteConfig{
		Path:          filepath.Join(t.TempDir(), "test.db"),
		WALMode:       false,
		BusyTimeoutMS: 2000,
		CacheSizeMB:   8,
		Environment:   "development",
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := sqlite.NewQueueStore(db, logger, 5*time.Second)
	q := queue.New(store, queue.NewDefaultConfig())
	reporter := errors.New(logger, errors.ModeQuiet)

	return New(store, q, logger, cfg, reporter), store, reporter
}

func fastConfig() Config {
	cfg := NewDefaultConfig()
	cfg.CompletionPollPeriod = 5 * time.Millisecond
	cfg.NoWorkerGracePeriod = 30 * time.Millisecond
	return cfg
}

// claimAndFinish simulates a worker: claims the next pending job of jobType
// and immediately reports success, as a real worker process would via the
// Worker Protocol.
func claimAndFinish(t *testing.T, store *sqlite.QueueStore, jobType models.JobType, fail bool) {
	t.Helper()
	ctx := context.Background()
	workerID, err := store.RegisterWorker(ctx, jobType, models.ExecutionModeDirect, "pid-1")
	require.NoError(t, err)
	require.NoError(t, store.MarkWorkerStatus(ctx, workerID, models.WorkerStatusIdle))
	require.NoError(t, store.Heartbeat(ctx, workerID))

	job, err := store.ClaimNext(ctx, jobType, workerID, 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)

	if fail {
		require.NoError(t, store.Fail(ctx, job.ID, workerID, []byte(`{"error_class":"SyntaxError","message":"boom"}`)))
		return
	}
	require.NoError(t, store.Complete(ctx, job.ID, workerID))
}

func TestRunStagesNoOpsNeverSubmitAJob(t *testing.T) {
	sched, _, reporter := newTestScheduler(t, fastConfig())
	ops := []models.Operation{
		{InputFile: "a.ipynb", Language: models.LanguageEN, Format: models.FormatNotebook, Kind: models.KindCodeAlong, Stage: 1, JobType: models.JobTypeNotebook, NoOp: true},
	}

	err := sched.RunStages(context.Background(), ops)
	require.NoError(t, err)

	summary := reporter.FinalSummary()
	assert.EqualValues(t, 1, summary.NoOps)
	assert.EqualValues(t, 0, summary.Completed)
}

func TestRunStagesSubmitsAndAwaitsRealJob(t *testing.T) {
	sched, store, reporter := newTestScheduler(t, fastConfig())
	ops := []models.Operation{
		{InputFile: "a.ipynb", Language: models.LanguageEN, Format: models.FormatNotebook, Kind: models.KindCodeAlong, Stage: 1, JobType: models.JobTypeNotebook, ContentHash: "h1"},
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Give the scheduler a moment to submit before a worker claims it.
		time.Sleep(10 * time.Millisecond)
		claimAndFinish(t, store, models.JobTypeNotebook, false)
	}()

	err := sched.RunStages(context.Background(), ops)
	<-done
	require.NoError(t, err)

	summary := reporter.FinalSummary()
	assert.EqualValues(t, 1, summary.Completed)
}

func TestRunStagesReportsUserErrorWithoutAborting(t *testing.T) {
	sched, store, reporter := newTestScheduler(t, fastConfig())
	ops := []models.Operation{
		{InputFile: "bad.ipynb", Language: models.LanguageEN, Format: models.FormatNotebook, Kind: models.KindCodeAlong, Stage: 1, JobType: models.JobTypeNotebook, ContentHash: "h-bad"},
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		time.Sleep(10 * time.Millisecond)
		claimAndFinish(t, store, models.JobTypeNotebook, true)
	}()

	err := sched.RunStages(context.Background(), ops)
	<-done
	require.NoError(t, err, "a user-category failure must not abort the stage loop")

	summary := reporter.FinalSummary()
	assert.EqualValues(t, 1, summary.Errors)
}

func TestRunStagesFailsFatallyWithNoHealthyWorker(t *testing.T) {
	sched, _, _ := newTestScheduler(t, fastConfig())
	ops := []models.Operation{
		{InputFile: "a.ipynb", Language: models.LanguageEN, Format: models.FormatNotebook, Kind: models.KindCodeAlong, Stage: 1, JobType: models.JobTypeNotebook, ContentHash: "h2"},
	}

	err := sched.RunStages(context.Background(), ops)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoWorkersAvailable)
}

func TestGlobalConcurrencyBoundLimitsInFlightJobs(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxConcurrency = 2
	sched, store, _ := newTestScheduler(t, cfg)

	const n = 6
	ops := make([]models.Operation, 0, n)
	for i := 0; i < n; i++ {
		ops = append(ops, models.Operation{
			InputFile: filepath.Join("notebooks", "a.ipynb"), Language: models.LanguageEN,
			Format: models.FormatNotebook, Kind: models.KindCodeAlong, Stage: 1,
			JobType: models.JobTypeNotebook, ContentHash: "bound",
		})
	}

	ctx := context.Background()
	workerID, err := store.RegisterWorker(ctx, models.JobTypeNotebook, models.ExecutionModeDirect, "pid-pool")
	require.NoError(t, err)
	require.NoError(t, store.MarkWorkerStatus(ctx, workerID, models.WorkerStatusIdle))
	require.NoError(t, store.Heartbeat(ctx, workerID))

	var peak int
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			count, err := store.CountByStatusInStage(ctx, 1, models.JobStatusProcessing)
			if err == nil && count > peak {
				peak = count
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()

	go func() {
		for i := 0; i < n; i++ {
			job, err := store.ClaimNext(ctx, models.JobTypeNotebook, workerID, 3*time.Second)
			if err != nil || job == nil {
				continue
			}
			time.Sleep(15 * time.Millisecond)
			_ = store.Complete(ctx, job.ID, workerID)
		}
	}()

	err = sched.RunStages(ctx, ops)
	close(stop)
	require.NoError(t, err)
	assert.LessOrEqual(t, peak, cfg.MaxConcurrency)
}
