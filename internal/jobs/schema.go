package jobs

import (
	"context"
	"fmt"
)

// The partial unique index on active jobs is the durable enforcement of the
// one-active-job-per-document invariant; the orchestrator precheck only
// provides a friendlier error for the common case.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
        id TEXT PRIMARY KEY,
        document_id TEXT NOT NULL,
        source_ref TEXT NOT NULL,
        status TEXT NOT NULL,
        progress_percent INTEGER NOT NULL DEFAULT 0,
        current_stage TEXT,
        retry_count INTEGER NOT NULL DEFAULT 0,
        error_kind TEXT,
        error_message TEXT,
        cancel_requested INTEGER NOT NULL DEFAULT 0,
        created_at TEXT NOT NULL,
        updated_at TEXT NOT NULL,
        last_heartbeat TEXT
    )`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_document_created ON jobs(document_id, created_at)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_active_document ON jobs(document_id)
        WHERE status IN ('queued', 'processing')`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,
}

func (s *Store) applySchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
