// Package graph builds the per-course-file Operation Graph (§4.5): the set
// of typed operations across (language, format, kind), grouped into
// execution stages, with no-op detection against the Result Cache.
package graph

import (
	"context"
	"fmt"

	"github.com/ternarybob/courseforge/internal/cache"
	"github.com/ternarybob/courseforge/internal/models"
	"github.com/ternarybob/courseforge/internal/storage/sqlite"
)

const (
	// StageAssets handles dir-group copies and static assets.
	StageAssets = 0
	// StageDirect handles non-HTML, non-cache operations.
	StageDirect = 1
	// StagePopulate handles cache-producing executions.
	StagePopulate = 2
	// StageConsume handles cache-consuming renders and cleanup moves.
	StageConsume = 3
	// MaxStage is the highest stage number the scheduler drives.
	MaxStage = StageConsume
)

// stageFor assigns the strict ordering from §4.5: HTML renders that reuse
// the cache run last, HTML renders that populate it run before that, and
// every other format/kind runs in Stage 1.
func stageFor(f models.Format, k models.Kind) int {
	switch models.ExecutionRequirementFor(f, k) {
	case models.RequirementPopulatesCache:
		return StagePopulate
	case models.RequirementReusesCache:
		return StageConsume
	default:
		return StageDirect
	}
}

// jobTypeFor maps a course file's prog_lang-neutral kind to the worker type
// that must process it. Diagram files carry their own job type independent
// of (format, kind); notebook files are always job type "notebook".
func jobTypeFor(sourceKind SourceKind) models.JobType {
	switch sourceKind {
	case SourcePlantUML:
		return models.JobTypePlantUML
	case SourceDrawio:
		return models.JobTypeDrawio
	default:
		return models.JobTypeNotebook
	}
}

// SourceKind distinguishes the three input file families the graph walks.
type SourceKind int

const (
	SourceNotebook SourceKind = iota
	SourcePlantUML
	SourceDrawio
)

// CourseFile is one input artifact (a notebook or diagram source) the graph
// expands into operations for every admitting target.
type CourseFile struct {
	InputPath  string
	SourceKind SourceKind
	ProgLang   string // notebook source language; empty for diagram files
}

// Builder enumerates operations for a set of course files across a set of
// output targets, consulting the Result Cache for no-op detection.
type Builder struct {
	store *sqlite.QueueStore
}

// NewBuilder builds a graph Builder backed by store for cache lookups.
func NewBuilder(store *sqlite.QueueStore) *Builder {
	return &Builder{store: store}
}

// Build enumerates one operation per (course file, target, language, format,
// kind) tuple the target admits, across all configured targets, assigning
// each a stage and a no-op marker from a cache lookup.
func (b *Builder) Build(ctx context.Context, files []CourseFile, targets []models.OutputTarget, outputRootFor func(target models.OutputTarget, file CourseFile, l models.Language, f models.Format, k models.Kind) string) ([]models.Operation, error) {
	var ops []models.Operation

	for _, file := range files {
		for _, target := range targets {
			for _, l := range models.AllLanguages {
				for _, f := range models.AllFormats {
					for _, k := range models.AllKinds {
						if !target.Admits(l, f, k) {
							continue
						}
						op, err := b.buildOperation(ctx, file, target, l, f, k, outputRootFor)
						if err != nil {
							return nil, err
						}
						ops = append(ops, op)
					}
				}
			}
		}
	}

	return ops, nil
}

func (b *Builder) buildOperation(ctx context.Context, file CourseFile, target models.OutputTarget, l models.Language, f models.Format, k models.Kind, outputRootFor func(models.OutputTarget, CourseFile, models.Language, models.Format, models.Kind) string) (models.Operation, error) {
	// A REUSES_CACHE tuple's relevant cache entry is keyed by its
	// POPULATES_CACHE producer's (format, kind), not its own — that's the
	// shared content key a producer and consumer agree on (§8 invariant 3).
	keyFormat, keyKind := models.CacheKeyTuple(f, k)
	hash, err := cache.Fingerprint(file.InputPath, l, keyFormat, keyKind)
	if err != nil {
		return models.Operation{}, fmt.Errorf("fingerprint failed for %s: %w", file.InputPath, err)
	}

	entry, err := b.store.CacheGet(ctx, hash)
	if err != nil {
		return models.Operation{}, fmt.Errorf("cache lookup failed for %s: %w", file.InputPath, err)
	}

	return models.Operation{
		InputFile:   file.InputPath,
		OutputFile:  outputRootFor(target, file, l, f, k),
		Language:    l,
		Format:      f,
		Kind:        k,
		Target:      target.Name,
		Stage:       stageFor(f, k),
		JobType:     jobTypeFor(file.SourceKind),
		ProgLang:    file.ProgLang,
		ContentHash: hash,
		NoOp:        entry != nil,
	}, nil
}

// OperationsForStage filters ops to those assigned to the given stage.
func OperationsForStage(ops []models.Operation, stage int) []models.Operation {
	var out []models.Operation
	for _, op := range ops {
		if op.Stage == stage {
			out = append(out, op)
		}
	}
	return out
}
