package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/courseforge/internal/models"
)

// Sentinel errors surfaced by the Job Queue Store, matching §4.1's fail modes.
var (
	ErrQueueBusy        = errors.New("queue busy: could not acquire writer lock within budget")
	ErrJobNotClaimable  = errors.New("job not claimable: status/worker_id precondition failed")
	ErrStorageCorrupt   = errors.New("storage corrupt")
	ErrJobNotFound      = errors.New("job not found")
)

// QueueStore is the Job Queue Store: the engine's sole authoritative state,
// covering jobs, workers, the results cache, and the event log.
type QueueStore struct {
	db     *SQLiteDB
	logger arbor.ILogger

	busyBudget time.Duration

	mu   sync.Mutex
	cond map[models.JobType]*sync.Cond
}

// NewQueueStore wraps an already-initialized SQLiteDB as a QueueStore.
func NewQueueStore(db *SQLiteDB, logger arbor.ILogger, busyBudget time.Duration) *QueueStore {
	return &QueueStore{
		db:         db,
		logger:     logger,
		busyBudget: busyBudget,
		cond:       make(map[models.JobType]*sync.Cond),
	}
}

// retryWithExponentialBackoff retries a write operation while SQLite reports
// a busy/locked condition, doubling the delay between attempts, until the
// configured busy budget is exhausted.
func (q *QueueStore) retryWithExponentialBackoff(ctx context.Context, operation func() error) error {
	deadline := time.Now().Add(q.busyBudget)
	delay := 50 * time.Millisecond

	var lastErr error
	for {
		lastErr = operation()
		if lastErr == nil {
			return nil
		}

		if !isBusyError(lastErr) {
			return lastErr
		}

		if time.Now().Add(delay).After(deadline) {
			q.logger.Error().Err(lastErr).Msg("Busy budget exhausted")
			return fmt.Errorf("%w: %v", ErrQueueBusy, lastErr)
		}

		q.logger.Warn().Str("delay", delay.String()).Err(lastErr).Msg("Database locked, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
	}
}

func isBusyError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

func (q *QueueStore) condFor(jobType models.JobType) *sync.Cond {
	q.mu.Lock()
	defer q.mu.Unlock()
	c, ok := q.cond[jobType]
	if !ok {
		c = sync.NewCond(&sync.Mutex{})
		q.cond[jobType] = c
	}
	return c
}

// Submit inserts a new pending job and broadcasts the job_type's condition;
// ClaimNext polls rather than waiting on it.
func (q *QueueStore) Submit(ctx context.Context, jobType models.JobType, inputFile, outputFile string, payload []byte, contentHash string, priority int, correlationID string, stage int) (int64, error) {
	var id int64
	err := q.retryWithExponentialBackoff(ctx, func() error {
		res, err := q.db.DB().ExecContext(ctx, `
			INSERT INTO jobs (job_type, status, input_file, output_file, content_hash, payload, priority, correlation_id, created_at, attempt_count, stage)
			VALUES (?, 'pending', ?, ?, ?, ?, ?, ?, ?, 0, ?)
		`, string(jobType), inputFile, outputFile, contentHash, payload, priority, correlationID, time.Now().Unix(), stage)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, err
	}

	c := q.condFor(jobType)
	c.L.Lock()
	c.Broadcast()
	c.L.Unlock()

	q.recordEvent(ctx, models.EventKindJobTransition, &id, nil, "submitted")
	return id, nil
}

// ClaimNext atomically selects the oldest pending job of jobType ordered by
// (priority desc, id asc), marks it processing, and stamps workerID. If no
// job is available and waitUpTo > 0, it retries the claim at most 1s apart
// until one appears or the timeout elapses; it does not wait on the
// job_type's broadcast condition.
func (q *QueueStore) ClaimNext(ctx context.Context, jobType models.JobType, workerID int64, waitUpTo time.Duration) (*models.Job, error) {
	deadline := time.Now().Add(waitUpTo)
	for {
		job, err := q.tryClaim(ctx, jobType, workerID)
		if err != nil {
			return nil, err
		}
		if job != nil {
			return job, nil
		}
		if waitUpTo <= 0 || time.Now().After(deadline) {
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval(waitUpTo)):
		}
	}
}

// pollInterval bounds the fallback poll cadence at 1s per §4.1's notification
// requirement, while not waiting longer than the remaining budget.
func pollInterval(remaining time.Duration) time.Duration {
	if remaining < time.Second {
		return remaining
	}
	return time.Second
}

func (q *QueueStore) tryClaim(ctx context.Context, jobType models.JobType, workerID int64) (*models.Job, error) {
	var job *models.Job
	err := q.retryWithExponentialBackoff(ctx, func() error {
		tx, err := q.db.BeginTx(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		row := tx.QueryRowContext(ctx, `
			SELECT id, job_type, status, input_file, output_file, content_hash, payload,
			       priority, correlation_id, created_at, started_at, completed_at,
			       worker_id, error, attempt_count, stage
			FROM jobs
			WHERE job_type = ? AND status = 'pending'
			ORDER BY priority DESC, id ASC
			LIMIT 1
		`, string(jobType))

		j, scanErr := scanJob(row)
		if scanErr == sql.ErrNoRows {
			job = nil
			return tx.Commit()
		}
		if scanErr != nil {
			return scanErr
		}

		now := time.Now().Unix()
		res, execErr := tx.ExecContext(ctx, `
			UPDATE jobs SET status = 'processing', worker_id = ?, started_at = ?
			WHERE id = ? AND status = 'pending'
		`, workerID, now, j.ID)
		if execErr != nil {
			return execErr
		}
		affected, _ := res.RowsAffected()
		if affected == 0 {
			// Another claimant won the race; report no job this attempt.
			job = nil
			return tx.Commit()
		}

		j.Status = models.JobStatusProcessing
		started := time.Unix(now, 0)
		j.StartedAt = &started
		j.WorkerID = &workerID
		job = j
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	if job != nil {
		q.recordEvent(ctx, models.EventKindJobTransition, &job.ID, &workerID, "claimed")
	}
	return job, nil
}

// Complete marks a processing job succeeded. Requires status=processing AND
// a matching worker_id; returns ErrJobNotClaimable otherwise. Idempotent: a
// retried Complete on an already-succeeded job is a no-op.
func (q *QueueStore) Complete(ctx context.Context, jobID, workerID int64) error {
	return q.retryWithExponentialBackoff(ctx, func() error {
		res, err := q.db.DB().ExecContext(ctx, `
			UPDATE jobs SET status = 'succeeded', completed_at = ?
			WHERE id = ? AND worker_id = ? AND status = 'processing'
		`, time.Now().Unix(), jobID, workerID)
		if err != nil {
			return err
		}
		affected, _ := res.RowsAffected()
		if affected == 0 {
			if alreadySucceeded, checkErr := q.statusIs(ctx, jobID, models.JobStatusSucceeded); checkErr == nil && alreadySucceeded {
				return nil
			}
			return ErrJobNotClaimable
		}
		q.recordEvent(ctx, models.EventKindJobTransition, &jobID, &workerID, "succeeded")
		return nil
	})
}

// Fail marks a processing job failed, storing the structured error verbatim.
// Same precondition as Complete.
func (q *QueueStore) Fail(ctx context.Context, jobID, workerID int64, structuredError []byte) error {
	return q.retryWithExponentialBackoff(ctx, func() error {
		res, err := q.db.DB().ExecContext(ctx, `
			UPDATE jobs SET status = 'failed', completed_at = ?, error = ?
			WHERE id = ? AND worker_id = ? AND status = 'processing'
		`, time.Now().Unix(), structuredError, jobID, workerID)
		if err != nil {
			return err
		}
		affected, _ := res.RowsAffected()
		if affected == 0 {
			if alreadyFailed, checkErr := q.statusIs(ctx, jobID, models.JobStatusFailed); checkErr == nil && alreadyFailed {
				return nil
			}
			return ErrJobNotClaimable
		}
		q.recordEvent(ctx, models.EventKindJobTransition, &jobID, &workerID, "failed")
		return nil
	})
}

// RequeueForRetry returns one processing job to pending, bumping
// attempt_count. The stale-worker sweep uses MarkStaleProcessingAsPending
// instead.
func (q *QueueStore) RequeueForRetry(ctx context.Context, jobID int64) error {
	return q.retryWithExponentialBackoff(ctx, func() error {
		_, err := q.db.DB().ExecContext(ctx, `
			UPDATE jobs SET status = 'pending', worker_id = NULL, started_at = NULL, attempt_count = attempt_count + 1
			WHERE id = ? AND status = 'processing'
		`, jobID)
		return err
	})
}

// CancelPending marks a still-pending job cancelled; used for submit-then-
// immediate-cancel before any claim.
func (q *QueueStore) CancelPending(ctx context.Context, jobID int64) error {
	return q.retryWithExponentialBackoff(ctx, func() error {
		res, err := q.db.DB().ExecContext(ctx, `
			UPDATE jobs SET status = 'cancelled', completed_at = ?
			WHERE id = ? AND status = 'pending'
		`, time.Now().Unix(), jobID)
		if err != nil {
			return err
		}
		affected, _ := res.RowsAffected()
		if affected == 0 {
			return ErrJobNotClaimable
		}
		return nil
	})
}

// CancelAllPending marks every still-pending job cancelled and returns how
// many were changed. The engine's build path does not call it.
func (q *QueueStore) CancelAllPending(ctx context.Context) (int, error) {
	var count int64
	err := q.retryWithExponentialBackoff(ctx, func() error {
		res, err := q.db.DB().ExecContext(ctx, `
			UPDATE jobs SET status = 'cancelled', completed_at = ? WHERE status = 'pending'
		`, time.Now().Unix())
		if err != nil {
			return err
		}
		count, _ = res.RowsAffected()
		return nil
	})
	return int(count), err
}

// MarkStaleProcessingAsPending returns to pending every processing job whose
// worker is dead, bumping attempt_count — the stale-worker-sweep and
// dead-worker-cleanup path for at-least-once semantics.
func (q *QueueStore) MarkStaleProcessingAsPending(ctx context.Context) (int, error) {
	var count int64
	err := q.retryWithExponentialBackoff(ctx, func() error {
		res, err := q.db.DB().ExecContext(ctx, `
			UPDATE jobs SET status = 'pending', worker_id = NULL, started_at = NULL, attempt_count = attempt_count + 1
			WHERE status = 'processing' AND worker_id IN (SELECT id FROM workers WHERE status = 'dead')
		`)
		if err != nil {
			return err
		}
		count, _ = res.RowsAffected()
		return nil
	})
	return int(count), err
}

func (q *QueueStore) statusIs(ctx context.Context, jobID int64, status models.JobStatus) (bool, error) {
	var current string
	err := q.db.DB().QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, jobID).Scan(&current)
	if err != nil {
		return false, err
	}
	return current == string(status), nil
}

// GetJob fetches a single job by id.
func (q *QueueStore) GetJob(ctx context.Context, jobID int64) (*models.Job, error) {
	row := q.db.DB().QueryRowContext(ctx, `
		SELECT id, job_type, status, input_file, output_file, content_hash, payload,
		       priority, correlation_id, created_at, started_at, completed_at,
		       worker_id, error, attempt_count, stage
		FROM jobs WHERE id = ?
	`, jobID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	return job, err
}

// CountByStatusInStage counts jobs in the given stage whose status is one of
// statuses.
func (q *QueueStore) CountByStatusInStage(ctx context.Context, stage int, statuses ...models.JobStatus) (int, error) {
	placeholders := make([]string, len(statuses))
	args := make([]interface{}, 0, len(statuses)+1)
	args = append(args, stage)
	for i, s := range statuses {
		placeholders[i] = "?"
		args = append(args, string(s))
	}
	query := fmt.Sprintf(`SELECT COUNT(*) FROM jobs WHERE stage = ? AND status IN (%s)`, strings.Join(placeholders, ","))
	var count int
	err := q.db.DB().QueryRowContext(ctx, query, args...).Scan(&count)
	return count, err
}

// SetStage updates a job's stage number after submission. The scheduler
// passes the stage to Submit instead.
func (q *QueueStore) SetStage(ctx context.Context, jobID int64, stage int) error {
	_, err := q.db.DB().ExecContext(ctx, `UPDATE jobs SET stage = ? WHERE id = ?`, stage, jobID)
	return err
}

func scanJob(row *sql.Row) (*models.Job, error) {
	var j models.Job
	var jobType, status string
	var startedAt, completedAt sql.NullInt64
	var workerID sql.NullInt64
	var errBlob []byte
	var createdAt int64

	err := row.Scan(&j.ID, &jobType, &status, &j.InputFile, &j.OutputFile, &j.ContentHash, &j.Payload,
		&j.Priority, &j.CorrelationID, &createdAt, &startedAt, &completedAt,
		&workerID, &errBlob, &j.AttemptCount, &j.Stage)
	if err != nil {
		return nil, err
	}

	j.JobType = models.JobType(jobType)
	j.Status = models.JobStatus(status)
	j.CreatedAt = time.Unix(createdAt, 0)
	j.Error = errBlob

	if startedAt.Valid {
		t := time.Unix(startedAt.Int64, 0)
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0)
		j.CompletedAt = &t
	}
	if workerID.Valid {
		j.WorkerID = &workerID.Int64
	}

	return &j, nil
}

// recordEvent appends a best-effort entry to the event log; failures are
// logged but never propagated, since the event log is observational only.
func (q *QueueStore) recordEvent(ctx context.Context, kind models.EventKind, jobID, workerID *int64, detail string) {
	_, err := q.db.DB().ExecContext(ctx, `
		INSERT INTO events (kind, job_id, worker_id, detail, created_at) VALUES (?, ?, ?, ?, ?)
	`, string(kind), jobID, workerID, detail, time.Now().Unix())
	if err != nil {
		q.logger.Warn().Err(err).Msg("Failed to record event")
	}
}

// RegisterWorker inserts a new worker row in "starting" status.
func (q *QueueStore) RegisterWorker(ctx context.Context, workerType models.JobType, mode models.WorkerExecutionMode, executorID string) (int64, error) {
	var id int64
	now := time.Now().Unix()
	err := q.retryWithExponentialBackoff(ctx, func() error {
		res, err := q.db.DB().ExecContext(ctx, `
			INSERT INTO workers (worker_type, execution_mode, executor_id, status, last_heartbeat, started_at)
			VALUES (?, ?, ?, 'starting', ?, ?)
		`, string(workerType), string(mode), executorID, now, now)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, err
	}
	q.recordEvent(ctx, models.EventKindWorkerTransition, nil, &id, "registered")
	return id, nil
}

// MarkWorkerStatus transitions a worker to a new status (e.g. idle, busy).
func (q *QueueStore) MarkWorkerStatus(ctx context.Context, workerID int64, status models.WorkerStatus) error {
	return q.retryWithExponentialBackoff(ctx, func() error {
		_, err := q.db.DB().ExecContext(ctx, `UPDATE workers SET status = ? WHERE id = ?`, string(status), workerID)
		return err
	})
}

// DeregisterWorker marks a worker dead; ignored if already dead.
func (q *QueueStore) DeregisterWorker(ctx context.Context, workerID int64) error {
	err := q.retryWithExponentialBackoff(ctx, func() error {
		_, err := q.db.DB().ExecContext(ctx, `UPDATE workers SET status = 'dead' WHERE id = ? AND status != 'dead'`, workerID)
		return err
	})
	if err == nil {
		q.recordEvent(ctx, models.EventKindWorkerTransition, nil, &workerID, "deregistered")
	}
	return err
}

// Heartbeat bumps a worker's last_heartbeat; ignored if the worker is dead.
func (q *QueueStore) Heartbeat(ctx context.Context, workerID int64) error {
	return q.retryWithExponentialBackoff(ctx, func() error {
		_, err := q.db.DB().ExecContext(ctx, `
			UPDATE workers SET last_heartbeat = ? WHERE id = ? AND status != 'dead'
		`, time.Now().Unix(), workerID)
		return err
	})
}

// GetWorker fetches a single worker by id.
func (q *QueueStore) GetWorker(ctx context.Context, workerID int64) (*models.Worker, error) {
	row := q.db.DB().QueryRowContext(ctx, `
		SELECT id, worker_type, execution_mode, executor_id, status, last_heartbeat,
		       jobs_processed, jobs_failed, avg_duration_ms, started_at
		FROM workers WHERE id = ?
	`, workerID)
	return scanWorker(row)
}

// ListWorkers returns all workers, optionally filtered by type.
func (q *QueueStore) ListWorkers(ctx context.Context, workerType models.JobType) ([]*models.Worker, error) {
	var rows *sql.Rows
	var err error
	if workerType != "" {
		rows, err = q.db.DB().QueryContext(ctx, `
			SELECT id, worker_type, execution_mode, executor_id, status, last_heartbeat,
			       jobs_processed, jobs_failed, avg_duration_ms, started_at
			FROM workers WHERE worker_type = ?
		`, string(workerType))
	} else {
		rows, err = q.db.DB().QueryContext(ctx, `
			SELECT id, worker_type, execution_mode, executor_id, status, last_heartbeat,
			       jobs_processed, jobs_failed, avg_duration_ms, started_at
			FROM workers
		`)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workers []*models.Worker
	for rows.Next() {
		w, err := scanWorkerRows(rows)
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

// StaleWorkers returns workers whose heartbeat predates the freshness window
// and whose status is not already dead — candidates for the health monitor
// to verify against their executor before marking dead.
func (q *QueueStore) StaleWorkers(ctx context.Context, freshness time.Duration) ([]*models.Worker, error) {
	// Heartbeats are stored in whole seconds; the cutoff keeps its fraction
	// so a heartbeat from earlier in the current second still predates it.
	cutoff := float64(time.Now().Add(-freshness).UnixNano()) / 1e9
	rows, err := q.db.DB().QueryContext(ctx, `
		SELECT id, worker_type, execution_mode, executor_id, status, last_heartbeat,
		       jobs_processed, jobs_failed, avg_duration_ms, started_at
		FROM workers WHERE last_heartbeat < ? AND status != 'dead'
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workers []*models.Worker
	for rows.Next() {
		w, err := scanWorkerRows(rows)
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanWorker(row *sql.Row) (*models.Worker, error) {
	return scanWorkerGeneric(row)
}

func scanWorkerRows(rows *sql.Rows) (*models.Worker, error) {
	return scanWorkerGeneric(rows)
}

func scanWorkerGeneric(s rowScanner) (*models.Worker, error) {
	var w models.Worker
	var workerType, mode, status string
	var lastHeartbeat, startedAt int64

	err := s.Scan(&w.ID, &workerType, &mode, &w.ExecutorID, &status, &lastHeartbeat,
		&w.JobsProcessed, &w.JobsFailed, &w.AvgDurationMS, &startedAt)
	if err != nil {
		return nil, err
	}

	w.WorkerType = models.JobType(workerType)
	w.ExecutionMode = models.WorkerExecutionMode(mode)
	w.Status = models.WorkerStatus(status)
	w.LastHeartbeat = time.Unix(lastHeartbeat, 0)
	w.StartedAt = time.Unix(startedAt, 0)

	return &w, nil
}

// CacheGet looks up a cache entry by content hash, bumping its accessed_at
// timestamp for LRU eviction bookkeeping.
func (q *QueueStore) CacheGet(ctx context.Context, contentHash string) (*models.CacheEntry, error) {
	row := q.db.DB().QueryRowContext(ctx, `
		SELECT content_hash, output_path, artifact, size_bytes, created_at, accessed_at
		FROM results_cache WHERE content_hash = ?
	`, contentHash)

	var e models.CacheEntry
	var createdAt, accessedAt int64
	err := row.Scan(&e.ContentHash, &e.OutputPath, &e.Artifact, &e.SizeBytes, &createdAt, &accessedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.CreatedAt = time.Unix(createdAt, 0)
	e.AccessedAt = time.Unix(accessedAt, 0)

	q.retryWithExponentialBackoff(ctx, func() error {
		_, err := q.db.DB().ExecContext(ctx, `UPDATE results_cache SET accessed_at = ? WHERE content_hash = ?`, time.Now().Unix(), contentHash)
		return err
	})

	return &e, nil
}

// CachePut writes a cache entry, replacing any prior entry for the same hash.
func (q *QueueStore) CachePut(ctx context.Context, entry *models.CacheEntry) error {
	now := time.Now().Unix()
	return q.retryWithExponentialBackoff(ctx, func() error {
		_, err := q.db.DB().ExecContext(ctx, `
			INSERT INTO results_cache (content_hash, output_path, artifact, size_bytes, created_at, accessed_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(content_hash) DO UPDATE SET
				output_path = excluded.output_path,
				artifact = excluded.artifact,
				size_bytes = excluded.size_bytes,
				accessed_at = excluded.accessed_at
		`, entry.ContentHash, entry.OutputPath, entry.Artifact, entry.SizeBytes, now, now)
		return err
	})
}

// CacheTotalBytes returns the sum of size_bytes across all cache entries.
func (q *QueueStore) CacheTotalBytes(ctx context.Context) (int64, error) {
	var total sql.NullInt64
	err := q.db.DB().QueryRowContext(ctx, `SELECT SUM(size_bytes) FROM results_cache`).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total.Int64, nil
}

// EvictLRU deletes the least-recently-accessed cache entries until the total
// size is at or below maxBytes. Returns the number of entries evicted.
func (q *QueueStore) EvictLRU(ctx context.Context, maxBytes int64) (int, error) {
	total, err := q.CacheTotalBytes(ctx)
	if err != nil {
		return 0, err
	}
	if total <= maxBytes {
		return 0, nil
	}

	rows, err := q.db.DB().QueryContext(ctx, `SELECT content_hash, size_bytes FROM results_cache ORDER BY accessed_at ASC`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var toEvict []string
	for rows.Next() && total > maxBytes {
		var hash string
		var size int64
		if err := rows.Scan(&hash, &size); err != nil {
			return 0, err
		}
		toEvict = append(toEvict, hash)
		total -= size
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	evicted := 0
	for _, hash := range toEvict {
		err := q.retryWithExponentialBackoff(ctx, func() error {
			_, err := q.db.DB().ExecContext(ctx, `DELETE FROM results_cache WHERE content_hash = ?`, hash)
			return err
		})
		if err != nil {
			return evicted, err
		}
		evicted++
	}
	return evicted, nil
}
