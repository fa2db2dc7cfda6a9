package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/ternarybob/courseforge/internal/common"
	"github.com/ternarybob/courseforge/internal/engine"
	"github.com/ternarybob/courseforge/internal/pool"
	"github.com/ternarybob/courseforge/internal/state"
)

// stateFilePath derives the persistent-worker state file location from the
// configured database path, matching the teacher's convention of deriving
// auxiliary paths from the primary data file rather than a separate flag.
func stateFilePath() string {
	return filepath.Join(filepath.Dir(config.Storage.Path), "courseforge-workers.json")
}

func newStartServicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start-services",
		Short: "Start the configured worker pool and persist it for later stop-services calls",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := engine.Open(config, logger)
			if err != nil {
				return fmt.Errorf("failed to open engine: %w", err)
			}
			defer e.Close()

			mgr, err := engine.BuildPoolManager(e.Store(), logger, config.Pool, pool.Options{
				DBPath:  config.Storage.Path,
				WorkDir: ".",
				LogDir:  filepath.Join(filepath.Dir(config.Storage.Path), "worker-logs"),
			})
			if err != nil {
				return err
			}

			ctx := context.Background()
			if err := mgr.Start(ctx, config.Pool.Workers, pool.RunModePersistent, true); err != nil {
				return fmt.Errorf("failed to start worker pool: %w", err)
			}
			mgr.StartHealthMonitor(ctx)

			abs, err := filepath.Abs(config.Storage.Path)
			if err != nil {
				abs = config.Storage.Path
			}
			f := state.New(abs, "start-services", "")
			for _, w := range mgr.ListStarted() {
				f.Workers = append(f.Workers, state.WorkerRecord{
					WorkerType:    string(w.WorkerType),
					ExecutionMode: string(w.ExecutionMode),
					ExecutorID:    w.ExecutorID,
					DBWorkerID:    w.DBWorkerID,
					StartedAt:     time.Now(),
				})
			}
			if err := state.Save(stateFilePath(), f); err != nil {
				return fmt.Errorf("failed to write worker state file: %w", err)
			}

			common.PrintSuccess(fmt.Sprintf("Started %d workers, recorded at %s", len(f.Workers), stateFilePath()))
			return nil
		},
	}
}

func newStopServicesCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "stop-services",
		Short: "Stop workers recorded by a prior start-services call",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := engine.Open(config, logger)
			if err != nil {
				return fmt.Errorf("failed to open engine: %w", err)
			}
			defer e.Close()

			f, err := state.Load(stateFilePath())
			if err != nil {
				return err
			}
			if f == nil {
				if !force {
					common.PrintInfo("No persistent worker state found; nothing to stop")
					return nil
				}
				removed, err := engine.CleanupDeadWorkers(context.Background(), e.Store(), true)
				if err != nil {
					return err
				}
				common.PrintWarning(fmt.Sprintf("No state file found; --force cleaned up %d residual worker rows", removed))
				return nil
			}

			mgr, err := engine.BuildPoolManager(e.Store(), logger, config.Pool, pool.Options{DBPath: config.Storage.Path})
			if err != nil {
				return err
			}

			records := make([]pool.StopRecord, 0, len(f.Workers))
			for _, w := range f.Workers {
				records = append(records, pool.StopRecord{
					ExecutorID: w.ExecutorID,
					Mode:       modeFromString(w.ExecutionMode),
					DBWorkerID: w.DBWorkerID,
				})
			}

			if err := mgr.StopRecorded(context.Background(), records); err != nil {
				if !force {
					return err
				}
				logger.Warn().Err(err).Msg("stop-services: errors stopping some workers, continuing due to --force")
			}

			if err := state.Remove(stateFilePath()); err != nil {
				return err
			}

			common.PrintSuccess(fmt.Sprintf("Stopped %d workers", len(records)))
			common.PrintShutdownBanner(logger)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Continue past individual stop failures and clean up residual dead worker rows")
	return cmd
}
