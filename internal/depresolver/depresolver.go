// Package depresolver implements the Execution Dependency Resolver (§4.6):
// before Stage 2 starts, it ensures every REUSES_CACHE tuple that was
// requested has a matching POPULATES_CACHE tuple already scheduled, and
// inserts an implicit execution when it does not.
package depresolver

import (
	"context"
	"fmt"

	"github.com/ternarybob/courseforge/internal/cache"
	"github.com/ternarybob/courseforge/internal/graph"
	"github.com/ternarybob/courseforge/internal/models"
	"github.com/ternarybob/courseforge/internal/storage/sqlite"
)

// Resolver inserts implicit producer executions, consulting the Result
// Cache so an implicit execution is marked no-op exactly like an explicit
// one would be — the same lookup internal/graph's Builder performs.
type Resolver struct {
	store *sqlite.QueueStore
}

// NewResolver builds a Resolver backed by store for cache lookups.
func NewResolver(store *sqlite.QueueStore) *Resolver {
	return &Resolver{store: store}
}

// Resolve scans ops for REUSES_CACHE tuples and, for each (input file,
// language) whose matching POPULATES_CACHE tuple was not already requested,
// appends one implicit Stage-2 operation producing it, however many targets
// request the consumer.
// Implicit operations never materialize under any target's output root.
func (r *Resolver) Resolve(ctx context.Context, ops []models.Operation) ([]models.Operation, error) {
	requested := make(map[string]bool, len(ops))
	for _, op := range ops {
		requested[requestKey(op.InputFile, op.Language, op.Format, op.Kind)] = true
	}

	var implicit []models.Operation
	seenImplicit := make(map[string]bool)

	for _, op := range ops {
		if models.ExecutionRequirementFor(op.Format, op.Kind) != models.RequirementReusesCache {
			continue
		}
		producer, ok := models.CacheProviders[models.FormatKind{Format: op.Format, Kind: op.Kind}]
		if !ok {
			continue
		}
		if requested[requestKey(op.InputFile, op.Language, producer.Format, producer.Kind)] {
			continue
		}

		key := requestKey(op.InputFile, op.Language, producer.Format, producer.Kind)
		if seenImplicit[key] {
			continue
		}
		seenImplicit[key] = true

		// The implicit op's own (format, kind) IS the producer tuple, so
		// its fingerprint and cache lookup use it directly — same content
		// key an explicit request for this producer would compute via
		// internal/graph's Builder.
		hash, err := cache.Fingerprint(op.InputFile, op.Language, producer.Format, producer.Kind)
		if err != nil {
			return nil, fmt.Errorf("fingerprint failed for implicit execution of %s: %w", op.InputFile, err)
		}
		entry, err := r.store.CacheGet(ctx, hash)
		if err != nil {
			return nil, fmt.Errorf("cache lookup failed for implicit execution of %s: %w", op.InputFile, err)
		}

		implicit = append(implicit, models.Operation{
			InputFile:   op.InputFile,
			Language:    op.Language,
			Format:      producer.Format,
			Kind:        producer.Kind,
			Stage:       graph.StagePopulate,
			JobType:     op.JobType,
			ProgLang:    op.ProgLang,
			ContentHash: hash,
			NoOp:        entry != nil,
			Implicit:    true,
		})
	}

	return append(ops, implicit...), nil
}

func requestKey(inputFile string, l models.Language, f models.Format, k models.Kind) string {
	return string(l) + "|" + string(f) + "|" + string(k) + "|" + inputFile
}
