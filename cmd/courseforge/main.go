// Package main is the courseforge CLI entry point: a cobra root command
// wiring configuration, logging, and the banner the way cmd/quaero's main.go
// did, before dispatching to subcommands.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/courseforge/internal/common"
)

var (
	configFiles    []string
	dbPathFlag     string
	maxConcurrency int
	outputMode     string

	config *common.Config
	logger arbor.ILogger
)

func main() {
	common.InstallCrashHandler("./logs")
	defer common.RecoverWithCrashFile()

	root := &cobra.Command{
		Use:   "courseforge",
		Short: "Concurrent build orchestrator for multi-language course materials",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initEngine()
		},
	}

	root.PersistentFlags().StringArrayVarP(&configFiles, "config", "c", nil, "Configuration file path (repeatable, later files override earlier)")
	root.PersistentFlags().StringVar(&dbPathFlag, "db-path", "", "Override storage.path")
	root.PersistentFlags().IntVar(&maxConcurrency, "max-concurrency", 0, "Override scheduler.max_concurrency")
	root.PersistentFlags().StringVar(&outputMode, "output-mode", "default", "Output mode: default|verbose|quiet|structured")

	root.AddCommand(newBuildCmd())
	root.AddCommand(newTargetsCmd())
	root.AddCommand(newStartServicesCmd())
	root.AddCommand(newStopServicesCmd())
	root.AddCommand(newWorkersCmd())
	root.AddCommand(newVersionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(2)
	}
}

// initEngine replicates the teacher's startup sequence (REQUIRED ORDER):
// load config, apply CLI overrides, initialize logger, print banner.
func initEngine() error {
	if len(configFiles) == 0 {
		if _, err := os.Stat("courseforge.toml"); err == nil {
			configFiles = append(configFiles, "courseforge.toml")
		}
	}

	var err error
	config, err = common.LoadFromFiles(configFiles...)
	if err != nil {
		tempLogger := arbor.NewLogger()
		tempLogger.Fatal().Strs("paths", configFiles).Err(err).Msg("Failed to load configuration files")
		return err
	}

	common.ApplyFlagOverrides(config, dbPathFlag, maxConcurrency, outputMode)

	common.InstallCrashHandler(filepath.Join(filepath.Dir(config.Storage.Path), "logs"))
	logger = common.SetupLogger(config)
	common.PrintBanner(config, logger)

	return nil
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(2)
}
