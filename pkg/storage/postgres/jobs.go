package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/carevox/carevox/pkg/storage"
)

// jobColumns is the SELECT/RETURNING column list every job query shares, in
// the order [scanJob] expects.
const jobColumns = `job_id, job_type, status, transcript, summary, error_message, metadata, room_id, member_id, created_at, updated_at`

// CreateJob implements [storage.Store].
func (s *Store) CreateJob(ctx context.Context, job storage.Job) (storage.Job, error) {
	const q = `
		INSERT INTO jobs (job_id, job_type, status, metadata, room_id, member_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING ` + jobColumns

	status := job.Status
	if status == "" {
		status = storage.StatusPending
	}
	metadata := job.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	created, err := scanJob(s.pool.QueryRow(ctx, q,
		job.ID,
		job.Type,
		status,
		metadata,
		job.RoomID,
		job.MemberID,
	))
	if err != nil {
		return storage.Job{}, &storage.JobCreationError{JobID: job.ID, Err: err}
	}
	return created, nil
}

// GetJob implements [storage.Store].
func (s *Store) GetJob(ctx context.Context, id string) (storage.Job, error) {
	const q = `SELECT ` + jobColumns + ` FROM jobs WHERE job_id = $1`

	job, err := scanJob(s.pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.Job{}, fmt.Errorf("%w: %s", storage.ErrJobNotFound, id)
		}
		return storage.Job{}, wrapErr("get job", err)
	}
	return job, nil
}

// UpdateJob implements [storage.Store]. The current row is locked for the
// duration of the transaction so concurrent patches serialize and the status
// monotonicity check holds under races.
func (s *Store) UpdateJob(ctx context.Context, id string, patch storage.JobPatch) (storage.Job, error) {
	var job storage.Job
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		const lockQ = `SELECT status FROM jobs WHERE job_id = $1 FOR UPDATE`

		var current storage.JobStatus
		if err := tx.QueryRow(ctx, lockQ, id).Scan(&current); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: %s", storage.ErrJobNotFound, id)
			}
			return err
		}
		if patch.Status != nil && !current.CanTransitionTo(*patch.Status) {
			return fmt.Errorf("%w: %s -> %s", storage.ErrBackwardTransition, current, *patch.Status)
		}

		sets := []string{"updated_at = now()"}
		args := []any{id} // $1 = job_id
		next := func(v any) string {
			args = append(args, v)
			return fmt.Sprintf("$%d", len(args))
		}

		if patch.Status != nil {
			sets = append(sets, "status = "+next(*patch.Status))
		}
		if patch.Transcript != nil {
			sets = append(sets, "transcript = "+next(*patch.Transcript))
		}
		if patch.Summary != nil {
			sets = append(sets, "summary = "+next(patch.Summary))
		}
		if patch.ErrorMessage != nil {
			sets = append(sets, "error_message = "+next(*patch.ErrorMessage))
		}
		if len(patch.Metadata) > 0 {
			merged, err := json.Marshal(patch.Metadata)
			if err != nil {
				return fmt.Errorf("marshal metadata patch: %w", err)
			}
			sets = append(sets, "metadata = metadata || "+next(merged)+"::jsonb")
		}

		q := "UPDATE jobs SET " + strings.Join(sets, ", ") +
			" WHERE job_id = $1 RETURNING " + jobColumns

		updated, err := scanJob(tx.QueryRow(ctx, q, args...))
		if err != nil {
			return err
		}
		job = updated
		return nil
	})
	if err != nil {
		return storage.Job{}, wrapErr("update job", err)
	}
	return job, nil
}

// MemberActiveJob implements [storage.Store].
func (s *Store) MemberActiveJob(ctx context.Context, roomID, memberID string) (string, bool, error) {
	const q = `
		SELECT job_id
		FROM   jobs
		WHERE  room_id = $1
		  AND  member_id = $2
		  AND  status IN ('PENDING', 'PROCESSING')
		ORDER  BY created_at DESC
		LIMIT  1`

	var jobID string
	err := s.pool.QueryRow(ctx, q, roomID, memberID).Scan(&jobID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapErr("member active job", err)
	}
	return jobID, true, nil
}

// scanJob scans one job row in [jobColumns] order.
func scanJob(row pgx.Row) (storage.Job, error) {
	var j storage.Job
	if err := row.Scan(
		&j.ID,
		&j.Type,
		&j.Status,
		&j.Transcript,
		&j.Summary,
		&j.ErrorMessage,
		&j.Metadata,
		&j.RoomID,
		&j.MemberID,
		&j.CreatedAt,
		&j.UpdatedAt,
	); err != nil {
		return storage.Job{}, err
	}
	return j, nil
}
