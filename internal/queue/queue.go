// Package queue is a thin wrapper around the SQL-backed Job Queue Store,
// preserving the Enqueue/Receive shape the teacher used around goqite while
// exposing the richer operations (priority, stage, content hash, attempt
// count) goqite's opaque body blob could not carry as first-class columns.
package queue

import (
	"context"
	"time"

	"github.com/ternarybob/courseforge/internal/models"
	"github.com/ternarybob/courseforge/internal/storage/sqlite"
)

// Config tunes claim-side polling behavior for Worker Protocol clients.
type Config struct {
	// LongPollWindow bounds how long Receive blocks waiting for a job before
	// returning with no job available.
	LongPollWindow time.Duration
}

// NewDefaultConfig returns sensible Receive-side defaults.
func NewDefaultConfig() Config {
	return Config{LongPollWindow: 5 * time.Second}
}

// Queue is the submit/claim-facing view of the Job Queue Store used by the
// Scheduler (Enqueue) and by Worker Protocol clients (Receive).
type Queue struct {
	store  *sqlite.QueueStore
	config Config
}

// New wraps an already-initialized QueueStore.
func New(store *sqlite.QueueStore, config Config) *Queue {
	return &Queue{store: store, config: config}
}

// Enqueue submits a job and returns its id. This is the only way operations
// become jobs; nothing outside the Scheduler should call it.
func (q *Queue) Enqueue(ctx context.Context, jobType models.JobType, inputFile, outputFile string, payload []byte, contentHash string, priority int, correlationID string, stage int) (int64, error) {
	return q.store.Submit(ctx, jobType, inputFile, outputFile, payload, contentHash, priority, correlationID, stage)
}

// Receive long-polls for the next job of jobType claimable by workerID.
// Returns (nil, nil) if the long-poll window elapses with nothing claimed.
func (q *Queue) Receive(ctx context.Context, jobType models.JobType, workerID int64) (*models.Job, error) {
	return q.store.ClaimNext(ctx, jobType, workerID, q.config.LongPollWindow)
}

// Ack reports successful completion of a claimed job.
func (q *Queue) Ack(ctx context.Context, jobID, workerID int64) error {
	return q.store.Complete(ctx, jobID, workerID)
}

// Nack reports failure of a claimed job with a structured error payload.
func (q *Queue) Nack(ctx context.Context, jobID, workerID int64, structuredError []byte) error {
	return q.store.Fail(ctx, jobID, workerID, structuredError)
}
