package sqlite

import (
	"context"
	"fmt"
	"time"
)

const schemaSQL = `
-- Job Queue Store: sole authoritative state for the build engine.

CREATE TABLE IF NOT EXISTS jobs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_type TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	input_file TEXT NOT NULL,
	output_file TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	payload BLOB,
	priority INTEGER NOT NULL DEFAULT 0,
	correlation_id TEXT,
	created_at INTEGER NOT NULL,
	started_at INTEGER,
	completed_at INTEGER,
	worker_id INTEGER,
	error BLOB,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	stage INTEGER NOT NULL DEFAULT 0
);

-- claim_next selects the oldest pending job of a type ordered by
-- (priority desc, id asc); this index makes that scan a single index walk.
CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(job_type, status, priority DESC, id ASC);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_content_hash ON jobs(content_hash);
CREATE INDEX IF NOT EXISTS idx_jobs_worker ON jobs(worker_id);

CREATE TABLE IF NOT EXISTS workers (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	worker_type TEXT NOT NULL,
	execution_mode TEXT NOT NULL,
	executor_id TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'starting',
	last_heartbeat INTEGER NOT NULL,
	jobs_processed INTEGER NOT NULL DEFAULT 0,
	jobs_failed INTEGER NOT NULL DEFAULT 0,
	avg_duration_ms INTEGER NOT NULL DEFAULT 0,
	started_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_workers_type_status ON workers(worker_type, status);
CREATE INDEX IF NOT EXISTS idx_workers_heartbeat ON workers(last_heartbeat);

CREATE TABLE IF NOT EXISTS results_cache (
	content_hash TEXT PRIMARY KEY,
	output_path TEXT NOT NULL,
	artifact BLOB,
	size_bytes INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	accessed_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cache_accessed ON results_cache(accessed_at);

CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT NOT NULL,
	job_id INTEGER,
	worker_id INTEGER,
	detail TEXT,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at);
`

// InitSchema creates all Job Queue Store tables and indexes if they do not
// already exist. Safe to call on every startup.
func (s *SQLiteDB) InitSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin schema transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit schema transaction: %w", err)
	}

	s.logger.Debug().Msg("Job Queue Store schema applied")
	return nil
}
