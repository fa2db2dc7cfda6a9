package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/courseforge/internal/graph"
	"github.com/ternarybob/courseforge/internal/models"
	"github.com/ternarybob/courseforge/internal/storage/sqlite"
	"github.com/ternarybob/courseforge/internal/worker"
)

// maxJobTime bounds a single job's processing time; on timeout the worker
// reports infrastructure/worker_timeout per §7, matching the scheduler's own
// default.
const maxJobTime = 600 * time.Second

// runLoop polls for work until ctx is cancelled, processing one job at a
// time and always reporting a terminal outcome — a worker never silently
// drops a claimed job.
func runLoop(ctx context.Context, logger arbor.ILogger, client worker.Client, store *sqlite.QueueStore, workerType models.JobType, workerID int64) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := client.Poll(ctx, workerType, workerID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn().Err(err).Msg("poll failed, retrying")
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			continue
		}

		processJob(ctx, logger, client, store, job, workerID)
	}
}

func processJob(ctx context.Context, logger arbor.ILogger, client worker.Client, store *sqlite.QueueStore, job *models.Job, workerID int64) {
	// A shutdown signal cancels the loop's ctx; a claimed job still runs to
	// completion and its outcome is still reported.
	ctx = context.WithoutCancel(ctx)
	jobCtx, cancel := context.WithTimeout(ctx, maxJobTime)
	defer cancel()

	payload, err := parsePayload(job.Payload)
	if err != nil {
		reportFailure(ctx, logger, client, job.ID, workerID, models.WorkerErrorPayload{
			ErrorClass: "payload_decode",
			Message:    fmt.Sprintf("failed to decode worker payload: %v", err),
		})
		return
	}

	artifact, renderErr := renderOrReuse(jobCtx, store, job, payload)
	if renderErr != nil {
		if jobCtx.Err() == context.DeadlineExceeded {
			reportFailure(ctx, logger, client, job.ID, workerID, models.WorkerErrorPayload{
				ErrorClass: "worker_timeout",
				Message:    fmt.Sprintf("job exceeded %s", maxJobTime),
			})
			return
		}
		reportFailure(ctx, logger, client, job.ID, workerID, renderErr.(*renderError).payload)
		return
	}

	if job.Stage == graph.StagePopulate {
		now := time.Now()
		if err := store.CachePut(ctx, &models.CacheEntry{
			ContentHash: job.ContentHash,
			OutputPath:  payload.OutputPath,
			Artifact:    artifact,
			CreatedAt:   now,
			AccessedAt:  now,
			SizeBytes:   int64(len(artifact)),
		}); err != nil {
			logger.Warn().Err(err).Int64("job_id", job.ID).Msg("failed to populate result cache")
		}
	}

	if err := client.ReportSuccess(ctx, job.ID, workerID); err != nil {
		logger.Warn().Err(err).Int64("job_id", job.ID).Msg("failed to report job success")
	}
}

func reportFailure(ctx context.Context, logger arbor.ILogger, client worker.Client, jobID, workerID int64, payload models.WorkerErrorPayload) {
	if err := client.ReportFailure(ctx, jobID, workerID, payload); err != nil {
		logger.Warn().Err(err).Int64("job_id", jobID).Msg("failed to report job failure")
	}
}

func parsePayload(raw []byte) (models.WorkerPayload, error) {
	var p models.WorkerPayload
	if len(raw) == 0 {
		return p, fmt.Errorf("empty payload")
	}
	err := json.Unmarshal(raw, &p)
	return p, err
}

// renderError carries a pre-built WorkerErrorPayload so render's callers
// don't need to re-derive error_class/message from a generic error.
type renderError struct {
	payload models.WorkerErrorPayload
}

func (e *renderError) Error() string { return e.payload.Message }

func newRenderError(errorClass, message string) error {
	return &renderError{payload: models.WorkerErrorPayload{ErrorClass: errorClass, Message: message}}
}

// renderOrReuse is the Execution Dependency Resolver's consumer-side
// counterpart (§4.8 "THE CORE"): on a cache hit a REUSES_CACHE job does not
// re-execute its own renderer. job.ContentHash already carries the
// POPULATES_CACHE producer's fingerprint (internal/graph maps the consumer
// tuple to it via models.CacheKeyTuple; internal/depresolver fingerprints
// the producer tuple directly), so a cache hit here IS the producer's
// artifact — it's written straight to this job's own OutputPath and returned
// without ever invoking render. A miss (producer ran in the same pass but
// hasn't reached this worker's view of the cache yet, or was itself a
// no-op the scheduler already skipped) falls back to a full render.
func renderOrReuse(ctx context.Context, store *sqlite.QueueStore, job *models.Job, payload models.WorkerPayload) ([]byte, error) {
	if models.ExecutionRequirementFor(payload.Format, payload.Kind) == models.RequirementReusesCache {
		entry, err := store.CacheGet(ctx, job.ContentHash)
		if err != nil {
			return nil, newRenderError("infrastructure", fmt.Sprintf("cache lookup failed for %s: %v", payload.InputPath, err))
		}
		if entry != nil {
			if err := writeOutput(payload.OutputPath, entry.Artifact); err != nil {
				return nil, newRenderError("infrastructure", err.Error())
			}
			return entry.Artifact, nil
		}
	}

	return render(ctx, job.JobType, payload)
}

// render dispatches to the renderer for job.JobType/payload.Format, writing
// the materialized artifact to payload.OutputPath (when the operation isn't
// implicit-only) and returning its bytes for cache population.
func render(ctx context.Context, jobType models.JobType, payload models.WorkerPayload) ([]byte, error) {
	switch jobType {
	case models.JobTypePlantUML:
		return renderDiagram(ctx, payload, os.Getenv("PLANTUML_JAR"), "plantuml jar")
	case models.JobTypeDrawio:
		return renderDiagram(ctx, payload, os.Getenv("DRAWIO_EXECUTABLE"), "drawio executable")
	default:
		return renderNotebook(ctx, payload)
	}
}

// renderNotebook is the stand-in notebook renderer (§2.3): actual cell
// execution is delegated to a per-language interpreter invoked as a
// subprocess, standing in for a real kernel; HTML/code/notebook output is a
// thin transform of the input rather than a real template render.
func renderNotebook(ctx context.Context, payload models.WorkerPayload) ([]byte, error) {
	input, err := os.ReadFile(payload.InputPath)
	if err != nil {
		return nil, newRenderError("notebook_runtime", fmt.Sprintf("failed to read input %s: %v", payload.InputPath, err))
	}

	var artifact []byte
	switch payload.Format {
	case models.FormatNotebook:
		artifact = input

	case models.FormatCode:
		artifact = []byte(fmt.Sprintf("// extracted from %s (%s)\n%s", payload.InputPath, payload.ProgLang, input))

	default: // FormatHTML: populate/reuse-cache executions run the stand-in interpreter
		interpreter := interpreterFor(payload.ProgLang)
		var execOutput string
		if interpreter != "" {
			out, err := exec.CommandContext(ctx, interpreter, "--version").CombinedOutput()
			if err != nil {
				return nil, newRenderError("notebook_runtime", fmt.Sprintf("interpreter %s failed: %v: %s", interpreter, err, out))
			}
			execOutput = string(out)
		}
		artifact = []byte(fmt.Sprintf("<html><body><pre>%s</pre><!-- %s --></body></html>", input, execOutput))
	}

	if err := writeOutput(payload.OutputPath, artifact); err != nil {
		return nil, newRenderError("infrastructure", err.Error())
	}
	return artifact, nil
}

// renderDiagram invokes the configured external diagram tool. A missing tool
// path is reported with wording the categorizer's pattern rules recognize as
// a fatal configuration/missing_tool error.
func renderDiagram(ctx context.Context, payload models.WorkerPayload, toolPath, label string) ([]byte, error) {
	if toolPath == "" {
		return nil, newRenderError("configuration", fmt.Sprintf("%s not found: no path configured", label))
	}
	if _, err := os.Stat(toolPath); err != nil {
		return nil, newRenderError("configuration", fmt.Sprintf("%s not found at %s", label, toolPath))
	}

	var cmd *exec.Cmd
	if label == "plantuml jar" {
		cmd = exec.CommandContext(ctx, "java", "-jar", toolPath, payload.InputPath, "-o", filepath.Dir(payload.OutputPath))
	} else {
		cmd = exec.CommandContext(ctx, toolPath, "--export", "--output", payload.OutputPath, payload.InputPath)
	}

	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, newRenderError("diagram_syntax", fmt.Sprintf("%s conversion failed: %v: %s", label, err, out))
	}

	artifact, readErr := os.ReadFile(payload.OutputPath)
	if readErr != nil {
		// The tool may have written a different extension than requested;
		// fall back to its combined output as the cached artifact.
		artifact = out
	}
	return artifact, nil
}

func writeOutput(path string, data []byte) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create output directory for %s: %w", path, err)
	}
	return os.WriteFile(path, data, 0o644)
}

func interpreterFor(progLang string) string {
	switch progLang {
	case "python":
		return "python3"
	case "cpp":
		return "g++"
	case "csharp":
		return "dotnet"
	case "java":
		return "javac"
	case "typescript":
		return "tsc"
	default:
		return ""
	}
}
