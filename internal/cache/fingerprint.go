// Package cache computes operation fingerprints and orchestrates eviction
// on top of the Job Queue Store's results_cache table (§4.8).
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/courseforge/internal/models"
	"github.com/ternarybob/courseforge/internal/storage/sqlite"
)

// schemaVersion tags the fingerprint so a future change to the wire shape or
// template set invalidates old cache entries rather than silently reusing
// stale ones.
const schemaVersion = "v1"

// templateVersion stands in for the real notebook/diagram template digest;
// the teacher's template-rendering subsystem (out of scope here) would
// supply this from its own versioning.
const templateVersion = "templates-v1"

// Fingerprint computes the deterministic content_hash for an operation:
// input bytes, language, format, kind, template version, schema version.
// It does not consult file modification times.
func Fingerprint(inputPath string, language models.Language, format models.Format, kind models.Kind) (string, error) {
	data, err := os.ReadFile(inputPath)
	if err != nil {
		return "", fmt.Errorf("failed to read input for fingerprint %s: %w", inputPath, err)
	}
	return FingerprintBytes(data, language, format, kind), nil
}

// FingerprintBytes is the pure function underlying Fingerprint, exposed
// separately so tests don't need real files on disk.
func FingerprintBytes(input []byte, language models.Language, format models.Format, kind models.Kind) string {
	h := sha256.New()
	h.Write(input)
	fmt.Fprintf(h, "|%s|%s|%s|%s|%s", language, format, kind, templateVersion, schemaVersion)
	return hex.EncodeToString(h.Sum(nil))
}

// Evictor runs the Result Cache's LRU eviction at most once per engine
// start, per §4.8.
type Evictor struct {
	store    *sqlite.QueueStore
	logger   arbor.ILogger
	maxBytes int64

	once sync.Once
	err  error
}

// NewEvictor builds an Evictor bounded by maxBytes.
func NewEvictor(store *sqlite.QueueStore, logger arbor.ILogger, maxBytes int64) *Evictor {
	return &Evictor{store: store, logger: logger, maxBytes: maxBytes}
}

// RunOnce evicts least-recently-accessed entries until the cache is back
// under the byte budget. Subsequent calls within the same engine lifetime
// are no-ops.
func (e *Evictor) RunOnce(ctx context.Context) error {
	e.once.Do(func() {
		total, err := e.store.CacheTotalBytes(ctx)
		if err != nil {
			e.err = fmt.Errorf("failed to read cache size: %w", err)
			return
		}
		if total <= e.maxBytes {
			return
		}
		evicted, err := e.store.EvictLRU(ctx, e.maxBytes)
		if err != nil {
			e.err = fmt.Errorf("failed to evict cache entries: %w", err)
			return
		}
		e.logger.Info().Int("evicted", evicted).Int64("budget_bytes", e.maxBytes).Msg("result cache eviction complete")
	})
	return e.err
}
