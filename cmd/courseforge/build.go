package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ternarybob/courseforge/internal/common"
	"github.com/ternarybob/courseforge/internal/engine"
)

func newBuildCmd() *cobra.Command {
	var (
		outputDir     string
		targets       []string
		language      string
		kinds         []string
		noProgress    bool
		watch         bool
		watchSchedule string
	)

	cmd := &cobra.Command{
		Use:   "build <spec>",
		Short: "Build a course's output artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := engine.Open(config, logger)
			if err != nil {
				return fmt.Errorf("failed to open engine: %w", err)
			}
			defer e.Close()

			ctx, cancel := context.WithCancel(context.Background())
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-sigCh
				logger.Warn().Msg("shutdown signal received, stopping after in-flight jobs report")
				cancel()
			}()
			defer signal.Stop(sigCh)

			summary, err := e.RunBuild(ctx, engine.BuildOptions{
				SpecPath:       args[0],
				OutputDir:      outputDir,
				Targets:        targets,
				Language:       language,
				Kinds:          kinds,
				OutputMode:     outputMode,
				NoProgress:     noProgress,
				Watch:          watch,
				WatchSchedule:  watchSchedule,
				MaxConcurrency: maxConcurrency,
				CorrelationID:  uuid.NewString(),
			})
			if err != nil {
				// A top-level error (course parse failure, duplicate target,
				// no-workers-available, storage corruption) is always fatal
				// per §7/§6's exit code contract, even if some operations
				// completed before the abort.
				common.PrintError(fmt.Sprintf("build aborted: %v", err))
				os.Exit(2)
			}

			message := fmt.Sprintf("Build complete: %d completed, %d errors, %d warnings, %d fatal, %d cache hits",
				summary.Completed, summary.Errors, summary.Warnings, summary.FatalErrors, summary.NoOps)
			if summary.Errors > 0 || summary.FatalErrors > 0 {
				common.PrintWarning(message)
			} else {
				common.PrintSuccess(message)
			}

			os.Exit(summary.ExitCode())
			return nil
		},
	}

	cmd.Flags().StringVar(&outputDir, "output-dir", "", "Default output root when the spec defines no output-targets")
	cmd.Flags().StringSliceVar(&targets, "targets", nil, "Restrict the build to these output-target names (repeatable/comma-separated)")
	cmd.Flags().StringVar(&language, "language", "", "Restrict the build to one language (de|en)")
	cmd.Flags().StringSliceVar(&kinds, "kinds", nil, "Restrict the build to these kinds (repeatable/comma-separated)")
	cmd.Flags().BoolVar(&noProgress, "no-progress", false, "Disable the periodic progress ticker")
	cmd.Flags().BoolVar(&watch, "watch", false, "Re-scan and rebuild on a cron schedule, skipping passes with no file changes")
	cmd.Flags().StringVar(&watchSchedule, "watch-schedule", "", "Cron expression for --watch (default: every 30s)")

	return cmd
}
