package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/courseforge/internal/common"
	"github.com/ternarybob/courseforge/internal/executor"
	"github.com/ternarybob/courseforge/internal/models"
	"github.com/ternarybob/courseforge/internal/pool"
	"github.com/ternarybob/courseforge/internal/storage/sqlite"
)

// BuildPoolManager wires a pool.Manager from configuration: a direct
// executor is always built, a containerd-backed one only when at least one
// configured worker tuple runs in docker mode.
func BuildPoolManager(store *sqlite.QueueStore, logger arbor.ILogger, config common.PoolConfig, opts pool.Options) (*pool.Manager, error) {
	direct := executor.NewDirectExecutor(logger)

	var container *executor.ContainerExecutor
	for _, w := range config.Workers {
		if w.ExecutionMode == string(models.ExecutionModeDocker) {
			c, err := executor.NewContainerExecutor("", logger)
			if err != nil {
				return nil, fmt.Errorf("failed to connect to containerd for docker-mode workers: %w", err)
			}
			container = c
			break
		}
	}

	return pool.New(store, logger, config, opts, direct, container), nil
}

// CleanupDeadWorkers deregisters every worker the Store reports as dead (or,
// when all is true, every worker regardless of status) and requeues any
// processing jobs a dead worker left behind.
func CleanupDeadWorkers(ctx context.Context, store *sqlite.QueueStore, all bool) (int, error) {
	workers, err := store.ListWorkers(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("failed to list workers: %w", err)
	}

	removed := 0
	for _, w := range workers {
		if !all && w.Status != models.WorkerStatusDead {
			continue
		}
		if err := store.DeregisterWorker(ctx, w.ID); err != nil {
			return removed, fmt.Errorf("failed to deregister worker %d: %w", w.ID, err)
		}
		removed++
	}

	if _, err := store.MarkStaleProcessingAsPending(ctx); err != nil {
		return removed, fmt.Errorf("failed to requeue jobs stranded by cleaned-up workers: %w", err)
	}

	return removed, nil
}

// WaitForEmptyQueue polls until no job in the given stage is pending or
// processing, or until ctx is done.
func WaitForEmptyQueue(ctx context.Context, store *sqlite.QueueStore, stage int, poll time.Duration) error {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		pending, err := store.CountByStatusInStage(ctx, stage, models.JobStatusPending, models.JobStatusProcessing)
		if err != nil {
			return err
		}
		if pending == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
