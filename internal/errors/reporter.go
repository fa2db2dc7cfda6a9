package errors

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/courseforge/internal/common"
	"github.com/ternarybob/courseforge/internal/models"
)

// OutputMode selects the Reporter's formatter.
type OutputMode string

const (
	ModeDefault OutputMode = "default"
	ModeVerbose OutputMode = "verbose"
	ModeQuiet   OutputMode = "quiet"
	ModeStream  OutputMode = "structured"
)

// Progress is the fixed-cadence snapshot the Reporter emits.
type Progress struct {
	Completed int64
	Total     int64
	InFlight  int64
	Stage     int
}

// Reporter maintains error/warning counters and formats output per §4.9.
// A zero-valued Reporter's counters are ready to use; construct with New to
// also wire a logger and cadence.
type Reporter struct {
	logger arbor.ILogger
	mode   OutputMode
	cadence time.Duration

	errorCount   int64
	warningCount int64
	fatalCount   int64
	noOpCount    int64
	completed    int64
	total        int64

	mu      sync.Mutex
	stage   int
	stopped chan struct{}
}

// New builds a Reporter in the given output mode with the default 1s
// progress cadence.
func New(logger arbor.ILogger, mode OutputMode) *Reporter {
	return &Reporter{
		logger:  logger,
		mode:    mode,
		cadence: time.Second,
		stopped: make(chan struct{}),
	}
}

// SetTotal records how many jobs the current run expects to submit, reported
// beside the completed count in progress output.
func (r *Reporter) SetTotal(total int64) {
	atomic.StoreInt64(&r.total, total)
}

// RecordNoOp counts an operation that hit the cache and was never submitted.
func (r *Reporter) RecordNoOp() {
	atomic.AddInt64(&r.noOpCount, 1)
}

// RecordTerminal categorizes a terminal job (if failed) and updates counters
// and the default-mode one-line-per-failure output.
func (r *Reporter) RecordTerminal(job *models.Job) {
	atomic.AddInt64(&r.completed, 1)

	if job.Status != models.JobStatusFailed {
		return
	}

	payload, err := ParsePayload(job.Error)
	if err != nil {
		r.logger.Warn().Int64("job_id", job.ID).Err(err).Msg("failed to parse worker error payload")
		atomic.AddInt64(&r.errorCount, 1)
		return
	}

	be := Categorize(job.ID, job.JobType, payload)
	be.FilePath = job.InputFile
	be.CorrelationID = job.CorrelationID

	switch be.Severity {
	case SeverityFatal:
		atomic.AddInt64(&r.fatalCount, 1)
	case SeverityWarning:
		atomic.AddInt64(&r.warningCount, 1)
	default:
		atomic.AddInt64(&r.errorCount, 1)
	}

	r.emit(be)
}

func (r *Reporter) emit(be BuildError) {
	if r.mode == ModeQuiet {
		return
	}
	switch r.mode {
	case ModeVerbose:
		r.logger.Error().
			Str("category", string(be.Category)).
			Str("kind", be.Kind).
			Str("file", be.FilePath).
			Str("correlation_id", be.CorrelationID).
			Int64("job_id", be.JobID).
			Str("message", be.Message).
			Str("hint", be.ActionableHint).
			Msg("build error")
	case ModeStream:
		r.logger.Info().
			Str("category", string(be.Category)).
			Str("kind", be.Kind).
			Int64("job_id", be.JobID).
			Msg("structured error record")
	default:
		line := fmt.Sprintf("[%s/%s] %s: %s (%s) job=%d", be.Category, be.Kind, be.FilePath, be.Message, be.ActionableHint, be.JobID)
		r.logger.Error().Msg(line)
	}
}

// Snapshot returns the current progress; stage is the last value set via
// SetStage.
func (r *Reporter) Snapshot() Progress {
	r.mu.Lock()
	stage := r.stage
	r.mu.Unlock()
	return Progress{
		Completed: atomic.LoadInt64(&r.completed),
		Total:     atomic.LoadInt64(&r.total),
		Stage:     stage,
	}
}

// SetStage records which stage is currently in flight, for progress output.
func (r *Reporter) SetStage(stage int) {
	r.mu.Lock()
	r.stage = stage
	r.mu.Unlock()
}

// StartTicker runs a SafeGo-wrapped loop emitting Progress at the configured
// cadence until Stop is called.
func (r *Reporter) StartTicker() {
	common.SafeGo(r.logger, "reporter-progress-ticker", func() {
		ticker := time.NewTicker(r.cadence)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopped:
				return
			case <-ticker.C:
				p := r.Snapshot()
				if r.mode != ModeQuiet {
					r.logger.Info().Int64("completed", p.Completed).Int64("total", p.Total).Int("stage", p.Stage).Msg("progress")
				}
			}
		}
	})
}

// Stop halts the progress ticker.
func (r *Reporter) Stop() {
	close(r.stopped)
}

// Summary is the final per-severity count plus no-op and terminal-job
// counts; ExitCode derives the overall exit status from it.
type Summary struct {
	Errors      int64
	Warnings    int64
	FatalErrors int64
	NoOps       int64
	Completed   int64
}

// FinalSummary returns the counters accumulated over the run.
func (r *Reporter) FinalSummary() Summary {
	return Summary{
		Errors:      atomic.LoadInt64(&r.errorCount),
		Warnings:    atomic.LoadInt64(&r.warningCount),
		FatalErrors: atomic.LoadInt64(&r.fatalCount),
		NoOps:       atomic.LoadInt64(&r.noOpCount),
		Completed:   atomic.LoadInt64(&r.completed),
	}
}

// ExitCode maps the summary to §7's exit code contract: 0 clean, 1 non-fatal
// errors present, 2 fatal (infrastructure) errors present.
func (s Summary) ExitCode() int {
	switch {
	case s.FatalErrors > 0:
		return 2
	case s.Errors > 0:
		return 1
	default:
		return 0
	}
}
