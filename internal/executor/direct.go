package executor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/ternarybob/arbor"
)

// DirectExecutor starts a worker as a child process on the same host as the
// scheduler, grounded on the teacher's stdlib os/exec process-management
// idiom (no process-supervisor library appears anywhere in the pack).
type DirectExecutor struct {
	logger arbor.ILogger

	mu      sync.Mutex
	running map[string]*exec.Cmd
}

// NewDirectExecutor builds a DirectExecutor.
func NewDirectExecutor(logger arbor.ILogger) *DirectExecutor {
	return &DirectExecutor{
		logger:  logger,
		running: make(map[string]*exec.Cmd),
	}
}

// Start launches config.BinaryPath as a child process, passing the queue
// path and worker identity via environment variables, and redirects its
// stdout/stderr to a per-worker log file under config.LogDir.
func (e *DirectExecutor) Start(ctx context.Context, config StartConfig) (string, error) {
	if config.BinaryPath == "" {
		return "", fmt.Errorf("direct executor requires a binary path for worker type %q", config.WorkerType)
	}

	executorID := fmt.Sprintf("direct-%s-%s", config.WorkerType, config.InstanceID)

	cmd := exec.CommandContext(ctx, config.BinaryPath)
	cmd.Env = append(os.Environ(),
		"COURSEFORGE_DB_PATH="+config.DBPath,
		"COURSEFORGE_WORKER_TYPE="+config.WorkerType,
		"COURSEFORGE_EXECUTOR_ID="+executorID,
	)

	if config.LogDir != "" {
		if err := os.MkdirAll(config.LogDir, 0o755); err != nil {
			return "", fmt.Errorf("failed to create worker log dir: %w", err)
		}
		logPath := filepath.Join(config.LogDir, executorID+".log")
		logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return "", fmt.Errorf("failed to open worker log file: %w", err)
		}
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("failed to start direct worker %s: %w", executorID, err)
	}

	e.mu.Lock()
	e.running[executorID] = cmd
	e.mu.Unlock()

	e.logger.Info().Str("executor_id", executorID).Int("pid", cmd.Process.Pid).Msg("direct worker started")

	go func() {
		err := cmd.Wait()
		e.mu.Lock()
		delete(e.running, executorID)
		e.mu.Unlock()
		if err != nil {
			e.logger.Warn().Str("executor_id", executorID).Err(err).Msg("direct worker exited with error")
		}
	}()

	return executorID, nil
}

// Stop sends SIGTERM to the worker process (or kills it outright where the
// signal cannot be delivered) and waits for it to exit; if ctx is done
// first, the process is killed.
func (e *DirectExecutor) Stop(ctx context.Context, executorID string) error {
	e.mu.Lock()
	cmd, ok := e.running[executorID]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	if cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return cmd.Process.Kill()
	}
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if running, _ := e.IsRunning(ctx, executorID); !running {
			return nil
		}
		select {
		case <-ctx.Done():
			return cmd.Process.Kill()
		case <-ticker.C:
		}
	}
}

// IsRunning reports whether the process is still tracked as running.
func (e *DirectExecutor) IsRunning(ctx context.Context, executorID string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[executorID]
	return ok, nil
}
