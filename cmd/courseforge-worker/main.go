// Package main is the stand-in notebook/diagram worker process: it
// implements the Worker Protocol's register/poll/heartbeat/report cycle
// against real job types, delegating actual rendering to per-type renderers
// in run.go that are deliberately thin since rendering quality is out of
// scope here.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ternarybob/arbor"
	arbormodels "github.com/ternarybob/arbor/models"

	"github.com/ternarybob/courseforge/internal/common"
	"github.com/ternarybob/courseforge/internal/models"
	"github.com/ternarybob/courseforge/internal/queue"
	"github.com/ternarybob/courseforge/internal/storage/sqlite"
	"github.com/ternarybob/courseforge/internal/worker"
)

func main() {
	common.InstallCrashHandler("./logs")
	defer common.RecoverWithCrashFile()

	l := setupLogger()

	dbPath := os.Getenv("COURSEFORGE_DB_PATH")
	workerType := models.JobType(os.Getenv("COURSEFORGE_WORKER_TYPE"))
	executorID := os.Getenv("COURSEFORGE_EXECUTOR_ID")

	if dbPath == "" || workerType == "" || executorID == "" {
		fmt.Fprintln(os.Stderr, "COURSEFORGE_DB_PATH, COURSEFORGE_WORKER_TYPE, and COURSEFORGE_EXECUTOR_ID are required")
		os.Exit(2)
	}
	common.InstallCrashHandler(filepath.Join(filepath.Dir(dbPath), "logs"))

	storageConfig := &common.SQLiteConfig{
		Path:          dbPath,
		WALMode:       true,
		BusyTimeoutMS: 5000,
		CacheSizeMB:   16,
		Environment:   "production",
	}

	db, err := sqlite.NewSQLiteDB(l, storageConfig)
	if err != nil {
		l.Fatal().Err(err).Msg("failed to open job queue store")
	}
	defer db.Close()

	store := sqlite.NewQueueStore(db, l, 30*time.Second)
	q := queue.New(store, queue.NewDefaultConfig())
	client := worker.NewDirectClient(store, q)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		l.Warn().Msg("shutdown signal received, finishing in-flight job before exit")
		cancel()
	}()

	workerID, err := client.Register(ctx, workerType, models.ExecutionModeDirect, executorID)
	if err != nil {
		l.Fatal().Err(err).Msg("failed to register with job queue store")
	}
	l.Info().Int64("worker_id", workerID).Str("worker_type", string(workerType)).Msg("worker registered")

	common.SafeGoWithContext(ctx, l, "worker-heartbeat", func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := client.Heartbeat(context.Background(), workerID); err != nil {
					l.Warn().Err(err).Msg("heartbeat failed")
				}
			}
		}
	})

	runLoop(ctx, l, client, store, workerType, workerID)
	l.Info().Msg("worker exiting")
}

// setupLogger builds a plain console logger; the worker is a child process
// with its stdout/stderr already redirected to a per-worker log file by its
// executor, so it needs no file writer of its own.
func setupLogger() arbor.ILogger {
	return arbor.NewLogger().WithConsoleWriter(arbormodels.WriterConfiguration{
		Type:       arbormodels.LogWriterTypeConsole,
		TimeFormat: "15:04:05.000",
	}).WithLevelFromString("info")
}
