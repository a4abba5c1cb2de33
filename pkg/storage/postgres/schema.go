// Package postgres provides the PostgreSQL-backed implementation of
// [storage.Store].
//
// A single [pgxpool.Pool] serves all four tables. The pgvector extension is
// required for segment embeddings; [Migrate] installs it via
// CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, 1536)
//	if err != nil { … }
//	defer store.Close()
//
//	job, _ = store.CreateJob(ctx, job)
//	seg, _ = store.AppendSegment(ctx, seg)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlJobs = `
CREATE TABLE IF NOT EXISTS jobs (
    job_id        TEXT         PRIMARY KEY,
    job_type      TEXT         NOT NULL,
    status        TEXT         NOT NULL DEFAULT 'PENDING',
    transcript    TEXT,
    summary       JSONB,
    error_message TEXT,
    metadata      JSONB        NOT NULL DEFAULT '{}',
    room_id       TEXT,
    member_id     TEXT,
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at    TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_jobs_status
    ON jobs (status);

CREATE INDEX IF NOT EXISTS idx_jobs_room
    ON jobs (room_id);

CREATE INDEX IF NOT EXISTS idx_jobs_room_member
    ON jobs (room_id, member_id);
`

// Error logs carry no foreign key: connection failures are logged against
// job ids that were never created (e.g. a socket opened with an unknown id).
const ddlErrorLogs = `
CREATE TABLE IF NOT EXISTS error_logs (
    id         BIGSERIAL    PRIMARY KEY,
    job_id     TEXT         NOT NULL,
    stage      TEXT         NOT NULL,
    message    TEXT         NOT NULL,
    created_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_error_logs_job
    ON error_logs (job_id);
`

const ddlRooms = `
CREATE TABLE IF NOT EXISTS rooms (
    room_id       TEXT         PRIMARY KEY,
    status        TEXT         NOT NULL DEFAULT 'ACTIVE',
    total_summary JSONB,
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// ddlSegments returns the segments DDL with the embedding dimension
// substituted. The vector dimension is baked into the column type at schema
// creation time.
func ddlSegments(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS segments (
    id         BIGSERIAL    PRIMARY KEY,
    job_id     TEXT         NOT NULL REFERENCES jobs (job_id) ON DELETE CASCADE,
    seq        INTEGER      NOT NULL,
    text       TEXT         NOT NULL,
    start_sec  DOUBLE PRECISION,
    end_sec    DOUBLE PRECISION,
    embedding  vector(%d),
    created_at TIMESTAMPTZ  NOT NULL DEFAULT now(),
    UNIQUE (job_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_segments_job
    ON segments (job_id);

CREATE INDEX IF NOT EXISTS idx_segments_embedding
    ON segments USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates or ensures all required tables, indexes, and extensions
// exist. It is idempotent (CREATE ... IF NOT EXISTS throughout) and safe to
// call on every application start.
//
// embeddingDimensions must match the configured embedding model (e.g. 1536
// for OpenAI text-embedding-3-small). Changing it after the first migration
// requires a manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		ddlJobs,
		ddlSegments(embeddingDimensions),
		ddlErrorLogs,
		ddlRooms,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
