package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/carevox/carevox/pkg/storage"
)

// AppendError implements [storage.Store].
func (s *Store) AppendError(ctx context.Context, jobID, stage, message string) error {
	const q = `INSERT INTO error_logs (job_id, stage, message) VALUES ($1, $2, $3)`

	if _, err := s.pool.Exec(ctx, q, jobID, stage, message); err != nil {
		return wrapErr("append error", err)
	}
	return nil
}

// ListErrors implements [storage.Store].
func (s *Store) ListErrors(ctx context.Context, jobID string) ([]storage.ErrorLog, error) {
	const q = `
		SELECT id, job_id, stage, message, created_at
		FROM   error_logs
		WHERE  job_id = $1
		ORDER  BY created_at, id`

	rows, err := s.pool.Query(ctx, q, jobID)
	if err != nil {
		return nil, wrapErr("list errors", err)
	}

	logs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (storage.ErrorLog, error) {
		var el storage.ErrorLog
		err := row.Scan(&el.ID, &el.JobID, &el.Stage, &el.Message, &el.CreatedAt)
		return el, err
	})
	if err != nil {
		return nil, wrapErr("list errors", err)
	}
	if logs == nil {
		logs = []storage.ErrorLog{}
	}
	return logs, nil
}
