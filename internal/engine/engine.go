// Package engine wires the Job Queue Store, Operation Graph, Execution
// Dependency Resolver, and Scheduler into the single entry point the CLI
// subcommands call: open a store, discover course files, build and resolve
// operations, drive the stage loop, and report a final summary.
package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/courseforge/internal/cache"
	"github.com/ternarybob/courseforge/internal/common"
	"github.com/ternarybob/courseforge/internal/coursespec"
	"github.com/ternarybob/courseforge/internal/depresolver"
	"github.com/ternarybob/courseforge/internal/errors"
	"github.com/ternarybob/courseforge/internal/graph"
	"github.com/ternarybob/courseforge/internal/models"
	"github.com/ternarybob/courseforge/internal/queue"
	"github.com/ternarybob/courseforge/internal/scheduler"
	"github.com/ternarybob/courseforge/internal/storage/sqlite"
)

// Engine owns the Job Queue Store connection and the collaborators built on
// top of it for the lifetime of one CLI invocation.
type Engine struct {
	db      *sqlite.SQLiteDB
	store   *sqlite.QueueStore
	q       *queue.Queue
	evictor *cache.Evictor
	config  *common.Config
	logger  arbor.ILogger
}

// Open connects to the configured database, initializing its schema, and
// wires the Queue and Result Cache evictor on top of it.
func Open(config *common.Config, logger arbor.ILogger) (*Engine, error) {
	db, err := sqlite.NewSQLiteDB(logger, &config.Storage)
	if err != nil {
		return nil, err
	}

	busyBudget := time.Duration(config.Queue.BusyBudgetSeconds) * time.Second
	if busyBudget <= 0 {
		busyBudget = 30 * time.Second
	}
	store := sqlite.NewQueueStore(db, logger, busyBudget)

	qcfg := queue.NewDefaultConfig()
	if config.Queue.NotifyPollMS > 0 {
		qcfg.LongPollWindow = time.Duration(config.Queue.NotifyPollMS) * time.Millisecond
	}
	q := queue.New(store, qcfg)

	evictor := cache.NewEvictor(store, logger, config.Cache.MaxBytes)

	return &Engine{db: db, store: store, q: q, evictor: evictor, config: config, logger: logger}, nil
}

// Close releases the database connection.
func (e *Engine) Close() error {
	return e.db.Close()
}

// Store exposes the Job Queue Store for subcommands that need it directly
// (workers list/cleanup, services start/stop).
func (e *Engine) Store() *sqlite.QueueStore {
	return e.store
}

// Config exposes the loaded configuration.
func (e *Engine) Config() *common.Config {
	return e.config
}

// BuildOptions carries everything `build` needs beyond the engine's own
// configuration.
type BuildOptions struct {
	SpecPath       string
	CourseDir      string
	OutputDir      string
	Targets        []string
	Language       string
	Kinds          []string
	OutputMode     string
	NoProgress     bool
	Watch          bool
	WatchSchedule  string
	MaxConcurrency int
	CorrelationID  string
}

// RunBuild parses the course spec, discovers its backing files, builds and
// resolves the operation graph, and drives the stage loop to completion
// (once, or repeatedly under --watch).
func (e *Engine) RunBuild(ctx context.Context, opts BuildOptions) (*errors.Summary, error) {
	course, err := coursespec.Parse(opts.SpecPath)
	if err != nil {
		return nil, err
	}

	defaultRoot := opts.OutputDir
	if defaultRoot == "" {
		defaultRoot = "./output"
	}

	targets, err := course.OutputTargets(defaultRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve output targets: %w", err)
	}

	targets, err = SelectTargets(targets, opts.Targets, opts.Language, opts.Kinds)
	if err != nil {
		return nil, err
	}

	courseDir := opts.CourseDir
	if courseDir == "" {
		courseDir = filepath.Dir(opts.SpecPath)
	}

	if !opts.Watch {
		files, err := DiscoverCourseFiles(course, courseDir)
		if err != nil {
			return nil, err
		}
		return e.runStages(ctx, files, targets, opts)
	}

	schedule := opts.WatchSchedule
	if schedule == "" {
		schedule = "@every 30s"
	}

	var lastSignature string
	var lastSummary *errors.Summary
	watchErr := RunWatchLoop(ctx, schedule, e.logger, func(ctx context.Context) error {
		files, err := DiscoverCourseFiles(course, courseDir)
		if err != nil {
			return err
		}
		sig, err := scanMTimeSignature(files)
		if err != nil {
			return err
		}
		if sig == lastSignature {
			e.logger.Debug().Msg("watch: no course file changes since last scan, skipping")
			return nil
		}
		lastSignature = sig

		summary, err := e.runStages(ctx, files, targets, opts)
		lastSummary = summary
		return err
	})
	return lastSummary, watchErr
}

// runStages builds the operation graph, resolves implicit cache-dependency
// executions, and drives the scheduler's stage loop for one pass.
func (e *Engine) runStages(ctx context.Context, files []graph.CourseFile, targets []models.OutputTarget, opts BuildOptions) (*errors.Summary, error) {
	builder := graph.NewBuilder(e.store)
	ops, err := builder.Build(ctx, files, targets, outputRootFor)
	if err != nil {
		return nil, fmt.Errorf("failed to build operation graph: %w", err)
	}
	ops, err = depresolver.NewResolver(e.store).Resolve(ctx, ops)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve implicit cache dependencies: %w", err)
	}

	mode := errors.OutputMode(opts.OutputMode)
	if mode == "" {
		mode = errors.ModeDefault
	}
	reporter := errors.New(e.logger, mode)

	var total int64
	for _, op := range ops {
		if !op.NoOp {
			total++
		}
	}
	reporter.SetTotal(total)
	if !opts.NoProgress {
		reporter.StartTicker()
	}

	schedConfig := scheduler.NewDefaultConfig()
	switch {
	case opts.MaxConcurrency > 0:
		schedConfig.MaxConcurrency = opts.MaxConcurrency
	case e.config.Scheduler.MaxConcurrency > 0:
		schedConfig.MaxConcurrency = e.config.Scheduler.MaxConcurrency
	}
	if e.config.Scheduler.MaxJobTimeSec > 0 {
		schedConfig.MaxJobTime = time.Duration(e.config.Scheduler.MaxJobTimeSec) * time.Second
	}

	sched := scheduler.New(e.store, e.q, e.logger, schedConfig, reporter)
	sched.SetCorrelationID(opts.CorrelationID)

	runErr := sched.RunStages(ctx, ops)

	if evictErr := e.evictor.RunOnce(ctx); evictErr != nil {
		e.logger.Warn().Err(evictErr).Msg("result cache eviction failed")
	}

	reporter.Stop()
	summary := reporter.FinalSummary()
	return &summary, runErr
}

// outputRootFor computes the materialized path for one (target, file,
// language, format, kind) tuple: target.output_root/language/kind/format/stem.ext.
func outputRootFor(target models.OutputTarget, file graph.CourseFile, l models.Language, f models.Format, k models.Kind) string {
	base := filepath.Base(file.InputPath)
	stem := base
	if idx := strings.Index(base, "."); idx > 0 {
		stem = base[:idx]
	}
	return filepath.Join(target.OutputRoot, string(l), string(k), string(f), stem+outputExtension(f, file.ProgLang))
}

// outputExtension maps a format (and, for code extraction, the course's
// prog-lang) to the file extension its materialized artifact carries.
func outputExtension(f models.Format, progLang string) string {
	switch f {
	case models.FormatHTML:
		return ".html"
	case models.FormatNotebook:
		return ".ipynb"
	case models.FormatCode:
		switch progLang {
		case "python":
			return ".py"
		case "cpp":
			return ".cpp"
		case "csharp":
			return ".cs"
		case "java":
			return ".java"
		case "typescript":
			return ".ts"
		default:
			return ".txt"
		}
	default:
		return ""
	}
}
