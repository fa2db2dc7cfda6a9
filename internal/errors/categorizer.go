// Package errors implements the Error Categorizer & Reporter (§4.9):
// structured worker failure payloads become BuildErrors with a category,
// fine-grained kind, severity, and actionable hint; the Reporter tracks
// counts and formats progress/output.
package errors

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/ternarybob/courseforge/internal/models"
)

// Category is the coarse classification of a BuildError.
type Category string

const (
	CategoryUser           Category = "user"
	CategoryConfiguration  Category = "configuration"
	CategoryInfrastructure Category = "infrastructure"
)

// Severity ranks how a BuildError affects the overall run.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
	SeverityFatal   Severity = "fatal"
)

// BuildError is the categorizer's pure output: a structured, user-facing
// description of one failed job.
type BuildError struct {
	Category       Category
	Kind           string
	Severity       Severity
	ActionableHint string
	Message        string
	FilePath       string
	CellIndex      *int
	CellSource     string
	Line           *int
	Column         *int
	JobID          int64
	CorrelationID  string
}

// patternRule matches an error_class/message pair to a (category, kind,
// severity, hint) when the payload doesn't already carry explicit fields.
type patternRule struct {
	pattern  *regexp.Regexp
	category Category
	kind     string
	severity Severity
	hint     string
}

var patternRules = []patternRule{
	{regexp.MustCompile(`(?i)plantuml.*jar.*not found|missing.*plantuml`), CategoryConfiguration, "missing_tool", SeverityFatal, "Set PLANTUML_JAR or configure tools.plantuml_jar"},
	{regexp.MustCompile(`(?i)drawio.*not found|missing.*drawio`), CategoryConfiguration, "missing_tool", SeverityFatal, "Set DRAWIO_EXECUTABLE or configure tools.drawio_executable"},
	{regexp.MustCompile(`(?i)no such image|image.*not found`), CategoryConfiguration, "missing_image", SeverityFatal, "Pull or configure the worker container image"},
	{regexp.MustCompile(`(?i)unc path|\\\\\\\\`), CategoryConfiguration, "unusable_path", SeverityFatal, "Use a drive-letter path or relocate the workspace off a UNC share"},
	{regexp.MustCompile(`(?i)syntax\s*error|compilation failed|expected.*semicolon`), CategoryUser, "notebook_compilation", SeverityError, "Fix the reported syntax error and rerun the build"},
	{regexp.MustCompile(`(?i)traceback|exception|runtime error`), CategoryUser, "notebook_runtime", SeverityError, "Fix the notebook cell raising this error and rerun the build"},
	{regexp.MustCompile(`(?i)diagram.*syntax|invalid.*uml`), CategoryUser, "diagram_syntax", SeverityError, "Fix the diagram source syntax"},
	{regexp.MustCompile(`(?i)database is locked|SQLITE_BUSY`), CategoryInfrastructure, "queue_busy", SeverityFatal, "Reduce write contention or raise the busy budget"},
	{regexp.MustCompile(`(?i)storage.*corrupt|malformed database`), CategoryInfrastructure, "storage_corrupt", SeverityFatal, "Restore the database from backup"},
	{regexp.MustCompile(`(?i)timed? ?out`), CategoryInfrastructure, "worker_timeout", SeverityError, "Increase max_job_time or investigate a hung worker"},
	{regexp.MustCompile(`(?i)registration failed`), CategoryInfrastructure, "registration_failed", SeverityError, "Check worker executor logs for startup failures"},
}

// cellPattern extracts a cell number and optional line/column from a
// message lacking a tracked cell_index, e.g. "Cell 3, line 7: ...".
var cellPattern = regexp.MustCompile(`(?i)cell\s*#?(\d+)(?:.*?line\s*(\d+))?`)

// Categorize assigns category/kind/severity/hint to a worker's structured
// error payload using the priority chain from §4.9: explicit fields win,
// then pattern rules, then a type-specific default.
func Categorize(jobID int64, jobType models.JobType, payload models.WorkerErrorPayload) BuildError {
	be := BuildError{
		Message:    payload.Message,
		CellIndex:  payload.CellIndex,
		CellSource: payload.CellSource,
		Line:       payload.Line,
		Column:     payload.Column,
		JobID:      jobID,
	}

	if payload.CategoryHint != "" {
		be.Category = Category(payload.CategoryHint)
		be.Kind = defaultKindFor(jobType)
		be.Severity = SeverityError
		be.ActionableHint = "See worker message for detail"
		applyCellExtraction(&be, payload)
		return be
	}

	for _, rule := range patternRules {
		if rule.pattern.MatchString(payload.ErrorClass) || rule.pattern.MatchString(payload.Message) {
			be.Category = rule.category
			be.Kind = rule.kind
			be.Severity = rule.severity
			be.ActionableHint = rule.hint
			applyCellExtraction(&be, payload)
			return be
		}
	}

	be.Category = CategoryUser
	be.Kind = defaultKindFor(jobType)
	be.Severity = SeverityError
	be.ActionableHint = "Inspect the failing job's input and rerun"
	applyCellExtraction(&be, payload)
	return be
}

func defaultKindFor(jobType models.JobType) string {
	switch jobType {
	case models.JobTypePlantUML, models.JobTypeDrawio:
		return "diagram_syntax"
	default:
		return "notebook_processing"
	}
}

// applyCellExtraction fills CellIndex/Line from the message when the worker
// did not supply a tracked index — a tracked index, when present, is always
// authoritative and left untouched.
func applyCellExtraction(be *BuildError, payload models.WorkerErrorPayload) {
	if be.CellIndex != nil {
		return
	}
	matches := cellPattern.FindStringSubmatch(payload.Message)
	if matches == nil {
		return
	}
	if n, err := strconv.Atoi(matches[1]); err == nil {
		be.CellIndex = &n
	}
	if len(matches) > 2 && matches[2] != "" {
		if n, err := strconv.Atoi(matches[2]); err == nil {
			be.Line = &n
		}
	}
	be.CellSource = boundedSnippet(payload.Message)
}

// boundedSnippet caps an extracted message/snippet at 5 lines, matching
// §8 scenario 3's assertion of a ≤5-line snippet.
func boundedSnippet(message string) string {
	lines := strings.Split(message, "\n")
	if len(lines) > 5 {
		lines = lines[:5]
	}
	return strings.Join(lines, "\n")
}

// ParsePayload decodes a job's stored error blob into a WorkerErrorPayload.
func ParsePayload(raw []byte) (models.WorkerErrorPayload, error) {
	var payload models.WorkerErrorPayload
	if len(raw) == 0 {
		return payload, nil
	}
	err := json.Unmarshal(raw, &payload)
	return payload, err
}
