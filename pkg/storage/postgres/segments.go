package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/carevox/carevox/pkg/storage"
)

// AppendSegment implements [storage.Store]. Background tasks are redelivered
// at least once, so a replayed (job, seq) pair overwrites the earlier row
// instead of erroring.
func (s *Store) AppendSegment(ctx context.Context, seg storage.Segment) (storage.Segment, error) {
	const q = `
		INSERT INTO segments (job_id, seq, text, start_sec, end_sec)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (job_id, seq) DO UPDATE SET
		    text      = EXCLUDED.text,
		    start_sec = EXCLUDED.start_sec,
		    end_sec   = EXCLUDED.end_sec
		RETURNING id, created_at`

	stored := seg
	err := s.pool.QueryRow(ctx, q,
		seg.JobID,
		seg.Seq,
		seg.Text,
		seg.StartSec,
		seg.EndSec,
	).Scan(&stored.ID, &stored.CreatedAt)
	if err != nil {
		return storage.Segment{}, wrapErr("append segment", err)
	}
	return stored, nil
}

// ListSegments implements [storage.Store].
func (s *Store) ListSegments(ctx context.Context, jobID string) ([]storage.Segment, error) {
	const q = `
		SELECT id, job_id, seq, text, start_sec, end_sec, created_at
		FROM   segments
		WHERE  job_id = $1
		ORDER  BY start_sec NULLS LAST, seq`

	rows, err := s.pool.Query(ctx, q, jobID)
	if err != nil {
		return nil, wrapErr("list segments", err)
	}

	segments, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (storage.Segment, error) {
		var seg storage.Segment
		err := row.Scan(&seg.ID, &seg.JobID, &seg.Seq, &seg.Text, &seg.StartSec, &seg.EndSec, &seg.CreatedAt)
		return seg, err
	})
	if err != nil {
		return nil, wrapErr("list segments", err)
	}
	if segments == nil {
		segments = []storage.Segment{}
	}
	return segments, nil
}

// SetSegmentEmbedding implements [storage.Store].
func (s *Store) SetSegmentEmbedding(ctx context.Context, segmentID int64, embedding []float32) error {
	const q = `UPDATE segments SET embedding = $2 WHERE id = $1`

	tag, err := s.pool.Exec(ctx, q, segmentID, pgvector.NewVector(embedding))
	if err != nil {
		return wrapErr("set segment embedding", err)
	}
	if tag.RowsAffected() == 0 {
		return wrapErr("set segment embedding", fmt.Errorf("segment %d not found", segmentID))
	}
	return nil
}

// SearchSegments implements [storage.Store]. Results are ordered by
// ascending cosine distance (most similar first); rows without an embedding
// are skipped.
func (s *Store) SearchSegments(ctx context.Context, embedding []float32, topK int, filter storage.SegmentFilter) ([]storage.SegmentMatch, error) {
	args := []any{pgvector.NewVector(embedding)} // $1 = query vector
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{"s.embedding IS NOT NULL"}
	if filter.JobID != "" {
		conditions = append(conditions, "s.job_id = "+next(filter.JobID))
	}
	if filter.RoomID != "" {
		conditions = append(conditions, "j.room_id = "+next(filter.RoomID))
	}

	args = append(args, topK)
	limitArg := fmt.Sprintf("$%d", len(args))

	q := fmt.Sprintf(`
		SELECT s.id, s.job_id, s.seq, s.text, s.start_sec, s.end_sec, s.created_at,
		       s.embedding <=> $1 AS distance
		FROM   segments s
		JOIN   jobs j ON j.job_id = s.job_id
		WHERE  %s
		ORDER  BY distance
		LIMIT  %s`, strings.Join(conditions, "\n  AND  "), limitArg)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, wrapErr("search segments", err)
	}

	matches, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (storage.SegmentMatch, error) {
		var m storage.SegmentMatch
		err := row.Scan(&m.ID, &m.JobID, &m.Seq, &m.Text, &m.StartSec, &m.EndSec, &m.CreatedAt, &m.Distance)
		return m, err
	})
	if err != nil {
		return nil, wrapErr("search segments", err)
	}
	if matches == nil {
		matches = []storage.SegmentMatch{}
	}
	return matches, nil
}
