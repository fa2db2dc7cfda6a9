// Package scheduler drives the stage loop (§4.7): submitting operations as
// queue jobs stage by stage, awaiting completion of each stage before the
// next begins, bounded by a global concurrency semaphore.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/courseforge/internal/errors"
	"github.com/ternarybob/courseforge/internal/graph"
	"github.com/ternarybob/courseforge/internal/models"
	"github.com/ternarybob/courseforge/internal/queue"
	"github.com/ternarybob/courseforge/internal/storage/sqlite"
)

// ErrNoWorkersAvailable is a fatal infrastructure error: no worker of a
// required type appeared within the grace period.
var ErrNoWorkersAvailable = fmt.Errorf("no workers available for required job type")

// Config tunes the stage loop.
type Config struct {
	MaxConcurrency       int
	MaxJobTime           time.Duration
	NoWorkerGracePeriod  time.Duration
	CompletionPollPeriod time.Duration
}

// NewDefaultConfig returns §5's documented defaults.
func NewDefaultConfig() Config {
	return Config{
		MaxConcurrency:       50,
		MaxJobTime:           600 * time.Second,
		NoWorkerGracePeriod:  10 * time.Second,
		CompletionPollPeriod: 200 * time.Millisecond,
	}
}

// Scheduler accepts operations, submits them as jobs, and drives the stage
// loop to completion, reporting terminal outcomes through the Reporter.
type Scheduler struct {
	store         *sqlite.QueueStore
	q             *queue.Queue
	logger        arbor.ILogger
	config        Config
	reporter      *errors.Reporter
	sem           *semaphore.Weighted
	correlationID string
}

// New builds a Scheduler bound to store/q for submission and reporter for
// outcome bookkeeping.
func New(store *sqlite.QueueStore, q *queue.Queue, logger arbor.ILogger, config Config, reporter *errors.Reporter) *Scheduler {
	concurrency := config.MaxConcurrency
	if concurrency <= 0 {
		concurrency = 50
	}
	return &Scheduler{
		store:    store,
		q:        q,
		logger:   logger,
		config:   config,
		reporter: reporter,
		sem:      semaphore.NewWeighted(int64(concurrency)),
	}
}

// SetCorrelationID tags every job this Scheduler submits with id, letting
// operators correlate queue rows, worker logs, and reported errors back to
// one build run.
func (s *Scheduler) SetCorrelationID(id string) {
	s.correlationID = id
}

// RunStages drives every stage 0..MaxStage in order for the given
// operations, aborting only on fatal infrastructure errors.
func (s *Scheduler) RunStages(ctx context.Context, ops []models.Operation) error {
	for stage := 0; stage <= graph.MaxStage; stage++ {
		stageOps := graph.OperationsForStage(ops, stage)
		if len(stageOps) == 0 {
			continue
		}
		if err := s.runStage(ctx, stageOps); err != nil {
			return fmt.Errorf("stage %d: %w", stage, err)
		}
	}
	return nil
}

// runStage submits every non-no-op operation in the stage and waits for all
// of them to reach a terminal status before returning, per §4.7's barrier
// between stages. Each operation holds a permit on the global semaphore for
// its entire in-flight lifetime — from submission until it terminates — so
// §8 invariant 5 (in-flight count never exceeds MAX_CONCURRENCY) holds for
// actual job processing, not merely the speed of the submission loop.
func (s *Scheduler) runStage(ctx context.Context, ops []models.Operation) error {
	g, gctx := errgroup.WithContext(ctx)

	var acquireErr error
	for _, op := range ops {
		op := op
		if op.NoOp {
			s.reporter.RecordNoOp()
			continue
		}

		if err := s.sem.Acquire(gctx, 1); err != nil {
			acquireErr = err
			break
		}

		g.Go(func() error {
			defer s.sem.Release(1)
			return s.runOperation(gctx, op)
		})
	}

	// Always join already-dispatched operations, even when a later op never
	// got submitted (semaphore acquire failed because an earlier op's error
	// already cancelled gctx), so no goroutine outlives this stage.
	waitErr := g.Wait()
	if waitErr != nil {
		return waitErr
	}
	return acquireErr
}

// runOperation submits one operation as a job and polls it individually
// until it reaches a terminal status, reporting the outcome and detecting
// the fatal no-workers-available condition along the way.
func (s *Scheduler) runOperation(ctx context.Context, op models.Operation) error {
	// Both internal/graph's Builder and internal/depresolver's Resolver
	// always fingerprint an operation before it reaches the scheduler, so
	// op.ContentHash is the shared producer/consumer cache key (§8
	// invariant 3) by the time it gets here.
	contentHash := op.ContentHash

	payload, err := json.Marshal(models.WorkerPayload{
		InputPath:    op.InputFile,
		OutputPath:   op.OutputFile,
		Language:     op.Language,
		Format:       op.Format,
		Kind:         op.Kind,
		ProgLang:     op.ProgLang,
		TemplatesRef: "templates-v1",
		TargetName:   op.Target,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal worker payload for %s: %w", op.InputFile, err)
	}

	jobID, err := s.q.Enqueue(ctx, op.JobType, op.InputFile, op.OutputFile, payload, contentHash, 0, s.correlationID, op.Stage)
	if err != nil {
		return fmt.Errorf("failed to submit operation for %s: %w", op.InputFile, err)
	}

	return s.awaitTerminal(ctx, jobID, op.JobType)
}

// awaitTerminal polls a single job until it reaches succeeded, failed, or
// cancelled. It returns ErrNoWorkersAvailable — a fatal infrastructure
// condition per §7 — if the job sits pending past NoWorkerGracePeriod with
// no healthy worker of its type registered to ever claim it.
func (s *Scheduler) awaitTerminal(ctx context.Context, jobID int64, jobType models.JobType) error {
	pollPeriod := s.config.CompletionPollPeriod
	if pollPeriod <= 0 {
		pollPeriod = 200 * time.Millisecond
	}
	ticker := time.NewTicker(pollPeriod)
	defer ticker.Stop()

	gracePeriod := s.config.NoWorkerGracePeriod
	var pendingSince time.Time

	for {
		job, err := s.store.GetJob(ctx, jobID)
		if err != nil {
			return fmt.Errorf("failed to read job %d: %w", jobID, err)
		}
		if job.Status.IsTerminal() {
			s.reporter.RecordTerminal(job)
			return nil
		}

		if gracePeriod > 0 && job.Status == models.JobStatusPending {
			if pendingSince.IsZero() {
				pendingSince = time.Now()
			} else if time.Since(pendingSince) >= gracePeriod {
				if healthy, herr := s.hasHealthyWorker(ctx, jobType); herr == nil && !healthy {
					return fmt.Errorf("%w: %s", ErrNoWorkersAvailable, jobType)
				}
			}
		} else {
			pendingSince = time.Time{}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// hasHealthyWorker reports whether any registered worker of jobType is
// currently healthy per §3's definition (live status + fresh heartbeat).
func (s *Scheduler) hasHealthyWorker(ctx context.Context, jobType models.JobType) (bool, error) {
	workers, err := s.store.ListWorkers(ctx, jobType)
	if err != nil {
		return false, err
	}
	now := time.Now()
	for _, w := range workers {
		if w.Healthy(now, 30*time.Second) {
			return true, nil
		}
	}
	return false, nil
}
