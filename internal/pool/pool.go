// Package pool implements the Worker Pool & Lifecycle Manager (§4.4):
// starting, monitoring, and stopping a configured set of
// (worker_type, execution_mode, count) tuples.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/courseforge/internal/common"
	"github.com/ternarybob/courseforge/internal/executor"
	"github.com/ternarybob/courseforge/internal/models"
	"github.com/ternarybob/courseforge/internal/storage/sqlite"
)

// RunMode selects how launched workers are tracked for later shutdown.
type RunMode int

const (
	// RunModeManaged marks workers started for a single build.
	RunModeManaged RunMode = iota
	// RunModePersistent marks workers started by start-services, whose
	// caller records them in the external state file (§6) for a later
	// "stop" invocation. Manager.Start tracks both modes the same way.
	RunModePersistent
)

// instance is one planned (worker_type, index) slot, carrying the launch
// parameters from its originating tuple.
type instance struct {
	workerType models.JobType
	mode       models.WorkerExecutionMode
	index      int
	image      string
	binaryPath string
	dbWorkerID int64
}

// startResult is the outcome of launching and registering one instance.
type startResult struct {
	instance   instance
	executorID string
	workerID   int64
	err        error
}

// Options carries the host-side parameters every launched worker needs,
// separate from the per-tuple launch parameters in common.WorkerTuple.
type Options struct {
	DBPath  string
	WorkDir string
	LogDir  string
}

// Manager starts, monitors, and stops the configured worker fleet.
type Manager struct {
	store  *sqlite.QueueStore
	logger arbor.ILogger
	config common.PoolConfig
	opts   Options

	direct    *executor.DirectExecutor
	container *executor.ContainerExecutor

	mu      sync.Mutex
	started map[string]instance // executorID -> instance, for Stop

	healthCancel context.CancelFunc
}

// New builds a Manager. container may be nil when no tuple uses docker mode.
func New(store *sqlite.QueueStore, logger arbor.ILogger, config common.PoolConfig, opts Options, direct *executor.DirectExecutor, container *executor.ContainerExecutor) *Manager {
	return &Manager{
		store:     store,
		logger:    logger,
		config:    config,
		opts:      opts,
		direct:    direct,
		container: container,
		started:   make(map[string]instance),
	}
}

func (m *Manager) heartbeatFreshness() time.Duration {
	if m.config.HeartbeatFreshnessSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(m.config.HeartbeatFreshnessSec) * time.Second
}

func (m *Manager) startupTimeout() time.Duration {
	if m.config.StartupTimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(m.config.StartupTimeoutSeconds) * time.Second
}

func (m *Manager) stopGrace() time.Duration {
	if m.config.StopGraceSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(m.config.StopGraceSeconds) * time.Second
}

// Start launches the configured tuples per the §4.4 start algorithm: bounded
// fan-out, wait for registration, aggregate failures without aborting
// in-flight starts.
func (m *Manager) Start(ctx context.Context, tuples []common.WorkerTuple, mode RunMode, reuseWorkers bool) error {
	tasks, err := m.planTasks(ctx, tuples, reuseWorkers)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		m.logger.Info().Msg("no worker shortfall, nothing to start")
		return nil
	}

	concurrency := m.config.MaxStartupConcurrency
	if concurrency <= 0 {
		concurrency = 10
	}
	sem := semaphore.NewWeighted(int64(concurrency))

	results := make([]startResult, len(tasks))
	var wg sync.WaitGroup
	var readyCount int
	var mu sync.Mutex

	for i, task := range tasks {
		i, task := i, task
		if err := sem.Acquire(ctx, 1); err != nil {
			results[i] = startResult{instance: task, err: err}
			continue
		}
		wg.Add(1)
		common.SafeGoWithContext(ctx, m.logger, fmt.Sprintf("pool-start-%s-%d", task.workerType, task.index), func() {
			defer wg.Done()
			defer sem.Release(1)

			res := m.startOne(ctx, task)
			mu.Lock()
			results[i] = res
			if res.err == nil {
				readyCount++
				m.logger.Info().Int("ready", readyCount).Int("total", len(tasks)).Msg("worker started")
			}
			mu.Unlock()
		})
	}
	wg.Wait()

	m.mu.Lock()
	for _, r := range results {
		if r.err == nil {
			inst := r.instance
			inst.dbWorkerID = r.workerID
			m.started[r.executorID] = inst
		}
	}
	m.mu.Unlock()

	var failures []error
	for _, r := range results {
		if r.err != nil {
			failures = append(failures, fmt.Errorf("%s[%d]: %w", r.instance.workerType, r.instance.index, r.err))
		}
	}
	if len(failures) > 0 {
		return fmt.Errorf("%d of %d workers failed to start: %v", len(failures), len(tasks), failures)
	}
	return nil
}

// planTasks builds the flat task list. On auto-start (reuseWorkers=true) it
// queries the Store and only plans the shortfall per worker type.
func (m *Manager) planTasks(ctx context.Context, tuples []common.WorkerTuple, reuseWorkers bool) ([]instance, error) {
	var tasks []instance
	for _, tuple := range tuples {
		want := tuple.Count
		if reuseWorkers {
			workers, err := m.store.ListWorkers(ctx, models.JobType(tuple.Type))
			if err != nil {
				return nil, fmt.Errorf("failed to list workers for %s: %w", tuple.Type, err)
			}
			healthy := 0
			now := time.Now()
			for _, w := range workers {
				if w.Healthy(now, m.heartbeatFreshness()) {
					healthy++
				}
			}
			want -= healthy
		}
		for i := 0; i < want; i++ {
			tasks = append(tasks, instance{
				workerType: models.JobType(tuple.Type),
				mode:       models.WorkerExecutionMode(tuple.ExecutionMode),
				index:      i,
				image:      tuple.Image,
				binaryPath: tuple.BinaryPath,
			})
		}
	}
	return tasks, nil
}

func (m *Manager) startOne(ctx context.Context, task instance) startResult {
	startConfig := executor.StartConfig{
		WorkerType: string(task.workerType),
		InstanceID: uuid.NewString(),
		DBPath:     m.opts.DBPath,
		BinaryPath: task.binaryPath,
		Image:      task.image,
		WorkDir:    m.opts.WorkDir,
		LogDir:     m.opts.LogDir,
	}

	var exec executor.Executor
	switch task.mode {
	case models.ExecutionModeDocker:
		exec = m.container
	default:
		exec = m.direct
	}
	if exec == nil {
		return startResult{instance: task, err: fmt.Errorf("no executor configured for mode %q", task.mode)}
	}

	executorID, err := exec.Start(ctx, startConfig)
	if err != nil {
		return startResult{instance: task, err: err}
	}

	workerID, err := m.awaitRegistration(ctx, task.workerType, executorID, m.startupTimeout())
	if err != nil {
		return startResult{instance: task, executorID: executorID, err: err}
	}

	return startResult{instance: task, executorID: executorID, workerID: workerID}
}

// awaitRegistration polls the Store until a worker with the given executorID
// reaches status idle/busy with a fresh heartbeat, or timeout elapses.
func (m *Manager) awaitRegistration(ctx context.Context, workerType models.JobType, executorID string, timeout time.Duration) (int64, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		workers, err := m.store.ListWorkers(ctx, workerType)
		if err != nil {
			return 0, err
		}
		now := time.Now()
		for _, w := range workers {
			if w.ExecutorID == executorID && w.Healthy(now, m.heartbeatFreshness()) {
				return w.ID, nil
			}
		}
		if now.After(deadline) {
			return 0, fmt.Errorf("worker %s did not register within %s", executorID, timeout)
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
}

// StartHealthMonitor runs a SafeGo-wrapped periodic pass marking workers dead
// when their heartbeat is stale and their executor reports not running, and
// returning their in-flight jobs to pending.
func (m *Manager) StartHealthMonitor(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.healthCancel = cancel

	interval := m.config.HealthCheckInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}

	common.SafeGoWithContext(ctx, m.logger, "pool-health-monitor", func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.runHealthPass(ctx)
			}
		}
	})
}

func (m *Manager) runHealthPass(ctx context.Context) {
	stale, err := m.store.StaleWorkers(ctx, m.heartbeatFreshness())
	if err != nil {
		m.logger.Warn().Err(err).Msg("health pass: failed to list stale workers")
		return
	}
	for _, w := range stale {
		if m.executorStillRunning(ctx, w.ExecutorID, w.ExecutionMode) {
			continue
		}
		if err := m.store.DeregisterWorker(ctx, w.ID); err != nil {
			m.logger.Warn().Int64("worker_id", w.ID).Err(err).Msg("failed to deregister dead worker")
		}
	}
	if _, err := m.store.MarkStaleProcessingAsPending(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("failed to requeue stale processing jobs")
	}
}

func (m *Manager) executorStillRunning(ctx context.Context, executorID string, mode models.WorkerExecutionMode) bool {
	var exec executor.Executor
	switch mode {
	case models.ExecutionModeDocker:
		exec = m.container
	default:
		exec = m.direct
	}
	if exec == nil {
		return false
	}
	running, err := exec.IsRunning(ctx, executorID)
	if err != nil {
		return false
	}
	return running
}

// StartedWorker is a snapshot of one worker this Manager launched, enough to
// persist a state-file record for a later, separate-process stop-services.
type StartedWorker struct {
	ExecutorID    string
	WorkerType    models.JobType
	ExecutionMode models.WorkerExecutionMode
	DBWorkerID    int64
}

// ListStarted returns every worker this Manager currently tracks as started.
func (m *Manager) ListStarted() []StartedWorker {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]StartedWorker, 0, len(m.started))
	for executorID, inst := range m.started {
		out = append(out, StartedWorker{
			ExecutorID:    executorID,
			WorkerType:    inst.workerType,
			ExecutionMode: inst.mode,
			DBWorkerID:    inst.dbWorkerID,
		})
	}
	return out
}

// StopRecord is the minimal information needed to stop a worker instance
// that was started by a different process invocation — e.g. one restored
// from the persistent-worker state file (§6) by a later stop-services call.
type StopRecord struct {
	ExecutorID string
	Mode       models.WorkerExecutionMode
	DBWorkerID int64
}

// StopRecorded stops and deregisters workers described by externally-sourced
// records rather than this Manager's own in-memory bookkeeping. Used by
// `stop-services`, which runs in a fresh process that never called Start.
func (m *Manager) StopRecorded(ctx context.Context, records []StopRecord) error {
	grace := m.stopGrace()
	var errs []error

	for _, r := range records {
		stopCtx, cancel := context.WithTimeout(ctx, grace)
		var exec executor.Executor
		switch r.Mode {
		case models.ExecutionModeDocker:
			exec = m.container
		default:
			exec = m.direct
		}
		if exec != nil {
			if err := exec.Stop(stopCtx, r.ExecutorID); err != nil {
				errs = append(errs, fmt.Errorf("stop %s: %w", r.ExecutorID, err))
			}
		}
		cancel()

		if r.DBWorkerID != 0 {
			if err := m.store.DeregisterWorker(ctx, r.DBWorkerID); err != nil {
				errs = append(errs, fmt.Errorf("deregister worker %d: %w", r.DBWorkerID, err))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors stopping recorded workers: %v", errs)
	}
	return nil
}

// Stop signals shutdown to each tracked worker, waits up to the configured
// grace window, then force-stops via executor and always deregisters in the
// Store.
func (m *Manager) Stop(ctx context.Context) error {
	if m.healthCancel != nil {
		m.healthCancel()
	}

	m.mu.Lock()
	started := make(map[string]instance, len(m.started))
	for k, v := range m.started {
		started[k] = v
	}
	m.mu.Unlock()

	grace := m.stopGrace()

	var errs []error
	for executorID, inst := range started {
		stopCtx, cancel := context.WithTimeout(ctx, grace)
		var exec executor.Executor
		switch inst.mode {
		case models.ExecutionModeDocker:
			exec = m.container
		default:
			exec = m.direct
		}
		if exec != nil {
			if err := exec.Stop(stopCtx, executorID); err != nil {
				errs = append(errs, fmt.Errorf("stop %s: %w", executorID, err))
			}
		}
		cancel()
		if inst.dbWorkerID != 0 {
			if err := m.store.DeregisterWorker(ctx, inst.dbWorkerID); err != nil {
				errs = append(errs, fmt.Errorf("deregister worker %d: %w", inst.dbWorkerID, err))
			}
		}
	}

	m.mu.Lock()
	m.started = make(map[string]instance)
	m.mu.Unlock()

	if len(errs) > 0 {
		return fmt.Errorf("errors stopping workers: %v", errs)
	}
	return nil
}
