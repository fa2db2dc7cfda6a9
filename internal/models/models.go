// Package models defines the core data types shared across the build engine:
// jobs, workers, cache entries, operations and output targets.
package models

import "time"

// JobType identifies which kind of worker a job must be claimed by.
type JobType string

const (
	JobTypeNotebook JobType = "notebook"
	JobTypePlantUML JobType = "plantuml"
	JobTypeDrawio   JobType = "drawio"
)

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusSucceeded  JobStatus = "succeeded"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// IsTerminal reports whether the status can no longer transition.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Job is a unit of work for one worker type, persisted in the Job Queue Store.
type Job struct {
	ID           int64
	JobType      JobType
	Status       JobStatus
	InputFile    string
	OutputFile   string
	ContentHash  string
	Payload      []byte
	Priority     int
	CorrelationID string
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	WorkerID     *int64
	Error        []byte
	AttemptCount int
	Stage        int
}

// WorkerExecutionMode identifies how a worker instance was launched.
type WorkerExecutionMode string

const (
	ExecutionModeDirect WorkerExecutionMode = "direct"
	ExecutionModeDocker WorkerExecutionMode = "docker"
)

// WorkerStatus is the lifecycle state of a registered Worker.
type WorkerStatus string

const (
	WorkerStatusStarting WorkerStatus = "starting"
	WorkerStatusIdle     WorkerStatus = "idle"
	WorkerStatusBusy     WorkerStatus = "busy"
	WorkerStatusHung     WorkerStatus = "hung"
	WorkerStatusDead     WorkerStatus = "dead"
)

// Worker is a registered execution entity able to claim and process jobs of one type.
type Worker struct {
	ID              int64
	WorkerType      JobType
	ExecutionMode   WorkerExecutionMode
	ExecutorID      string
	Status          WorkerStatus
	LastHeartbeat   time.Time
	JobsProcessed   int64
	JobsFailed      int64
	AvgDurationMS   int64
	StartedAt       time.Time
}

// Healthy reports whether the worker is registered, in a live status, and has
// a heartbeat within the freshness window. The executor-liveness check is the
// caller's responsibility since it requires out-of-band process/container state.
func (w *Worker) Healthy(now time.Time, freshness time.Duration) bool {
	if w.Status != WorkerStatusIdle && w.Status != WorkerStatusBusy {
		return false
	}
	return now.Sub(w.LastHeartbeat) <= freshness
}

// CacheEntry is a content-addressed record of a produced artifact.
type CacheEntry struct {
	ContentHash string
	OutputPath  string
	Artifact    []byte
	CreatedAt   time.Time
	AccessedAt  time.Time
	SizeBytes   int64
}

// EventKind distinguishes the append-only event log's record types.
type EventKind string

const (
	EventKindJobTransition    EventKind = "job_transition"
	EventKindWorkerTransition EventKind = "worker_transition"
)

// Event is a structured, append-only record of a job or worker lifecycle transition.
type Event struct {
	ID        int64
	Kind      EventKind
	JobID     *int64
	WorkerID  *int64
	Detail    string
	CreatedAt time.Time
}

// Language is a course output language.
type Language string

const (
	LanguageDE Language = "de"
	LanguageEN Language = "en"
)

// Format is a structural output type.
type Format string

const (
	FormatHTML     Format = "html"
	FormatNotebook Format = "notebook"
	FormatCode     Format = "code"
)

// Kind is the audience-oriented variant of a notebook output.
type Kind string

const (
	KindCodeAlong Kind = "code-along"
	KindCompleted Kind = "completed"
	KindSpeaker   Kind = "speaker"
)

// AllLanguages, AllFormats, AllKinds are the full universes used when an
// Output Target declares no filter for a given axis.
var (
	AllLanguages = []Language{LanguageDE, LanguageEN}
	AllFormats   = []Format{FormatHTML, FormatNotebook, FormatCode}
	AllKinds     = []Kind{KindCodeAlong, KindCompleted, KindSpeaker}
)

// ExecutionRequirement classifies whether a (format, kind) pair participates
// in the content-addressed execution cache.
type ExecutionRequirement int

const (
	RequirementNone ExecutionRequirement = iota
	RequirementPopulatesCache
	RequirementReusesCache
)

// ExecutionRequirementFor returns the requirement for a (format, kind) pair.
// This is an open extension point: adding a cache-dependent pair means adding
// a row here and to CacheProviders, not a new branch anywhere else.
func ExecutionRequirementFor(f Format, k Kind) ExecutionRequirement {
	switch {
	case f == FormatHTML && k == KindSpeaker:
		return RequirementPopulatesCache
	case f == FormatHTML && k == KindCompleted:
		return RequirementReusesCache
	default:
		return RequirementNone
	}
}

// FormatKind names a (format, kind) tuple, used as a map key by
// CacheProviders below.
type FormatKind struct {
	Format Format
	Kind   Kind
}

// CacheProviders maps a REUSES_CACHE consumer (format, kind) to the
// POPULATES_CACHE producer (format, kind) whose Result Cache entry it reads
// (§4.6's CACHE_PROVIDERS table). Both internal/graph (no-op detection) and
// internal/depresolver (implicit execution insertion) consult this same
// table so a consumer and its producer always agree on which cache key they
// share. Extending this table for a future cache-dependent pair requires no
// change to either package.
var CacheProviders = map[FormatKind]FormatKind{
	{Format: FormatHTML, Kind: KindCompleted}: {Format: FormatHTML, Kind: KindSpeaker},
}

// CacheKeyTuple returns the (format, kind) whose fingerprint should be used
// to look up or populate this operation's relevant Result Cache entry: its
// own tuple, unless (f, k) is a REUSES_CACHE consumer with a registered
// producer, in which case it's the producer tuple the consumer reads
// through to. This is what lets a producer and consumer "share a content
// key" per SPEC_FULL.md §8 invariant 3.
func CacheKeyTuple(f Format, k Kind) (Format, Kind) {
	if ExecutionRequirementFor(f, k) == RequirementReusesCache {
		if producer, ok := CacheProviders[FormatKind{Format: f, Kind: k}]; ok {
			return producer.Format, producer.Kind
		}
	}
	return f, k
}

// OutputTarget is a named, path-rooted, filtered subset of the
// (language, format, kind) matrix.
type OutputTarget struct {
	Name      string
	OutputRoot string
	Kinds     []Kind     // empty means "all"
	Formats   []Format   // empty means "all"
	Languages []Language // empty means "all"
}

// Admits reports whether the target's filters allow the given tuple.
func (t OutputTarget) Admits(l Language, f Format, k Kind) bool {
	return containsLanguage(t.Languages, l) && containsFormat(t.Formats, f) && containsKind(t.Kinds, k)
}

func containsLanguage(set []Language, l Language) bool {
	if len(set) == 0 {
		return true
	}
	for _, v := range set {
		if v == l {
			return true
		}
	}
	return false
}

func containsFormat(set []Format, f Format) bool {
	if len(set) == 0 {
		return true
	}
	for _, v := range set {
		if v == f {
			return true
		}
	}
	return false
}

func containsKind(set []Kind, k Kind) bool {
	if len(set) == 0 {
		return true
	}
	for _, v := range set {
		if v == k {
			return true
		}
	}
	return false
}

// Operation is an in-memory description of work to be submitted to the queue.
type Operation struct {
	InputFile  string
	OutputFile string
	Language   Language
	Format     Format
	Kind       Kind
	Target     string // OutputTarget.Name this operation materializes under; empty for implicit executions
	Stage      int
	JobType    JobType
	ProgLang   string // course-level prog-lang, carried through to the worker payload
	ContentHash string
	NoOp       bool // true when a cache hit already satisfies this operation
	Implicit   bool // true for a cache-populating execution inserted by the dependency resolver
}

// WorkerPayload is the JSON-like blob sent from scheduler to worker.
type WorkerPayload struct {
	InputPath      string   `json:"input_path"`
	OutputPath     string   `json:"output_path"`
	Language       Language `json:"language"`
	Format         Format   `json:"format"`
	Kind           Kind     `json:"kind"`
	ProgLang       string   `json:"prog_lang"`
	TemplatesRef   string   `json:"templates_ref"`
	FallbackExecute bool    `json:"fallback_execute,omitempty"`
	TargetName     string   `json:"target_name"`
}

// WorkerErrorPayload is the JSON-like blob sent from worker to scheduler on failure.
type WorkerErrorPayload struct {
	ErrorClass   string `json:"error_class"`
	Message      string `json:"message"`
	Traceback    string `json:"traceback,omitempty"`
	CellIndex    *int   `json:"cell_index,omitempty"`
	CellSource   string `json:"cell_source,omitempty"`
	Line         *int   `json:"line,omitempty"`
	Column       *int   `json:"column,omitempty"`
	CategoryHint string `json:"category_hint,omitempty"`
}
