package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/carevox/carevox/pkg/storage"
)

// GetOrCreateRoom implements [storage.Store]. The no-op DO UPDATE makes
// RETURNING yield the existing row when the room was already created by
// another participant.
func (s *Store) GetOrCreateRoom(ctx context.Context, roomID string) (storage.Room, error) {
	const q = `
		INSERT INTO rooms (room_id)
		VALUES ($1)
		ON CONFLICT (room_id) DO UPDATE SET room_id = EXCLUDED.room_id
		RETURNING room_id, status, total_summary, created_at`

	room, err := scanRoom(s.pool.QueryRow(ctx, q, roomID))
	if err != nil {
		return storage.Room{}, wrapErr("get or create room", err)
	}
	return room, nil
}

// GetRoom implements [storage.Store].
func (s *Store) GetRoom(ctx context.Context, roomID string) (storage.Room, error) {
	const q = `SELECT room_id, status, total_summary, created_at FROM rooms WHERE room_id = $1`

	room, err := scanRoom(s.pool.QueryRow(ctx, q, roomID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.Room{}, fmt.Errorf("%w: %s", storage.ErrRoomNotFound, roomID)
		}
		return storage.Room{}, wrapErr("get room", err)
	}
	return room, nil
}

// ListRoomMembers implements [storage.Store].
func (s *Store) ListRoomMembers(ctx context.Context, roomID string) ([]string, error) {
	const q = `
		SELECT DISTINCT member_id
		FROM   jobs
		WHERE  room_id = $1
		  AND  member_id IS NOT NULL
		ORDER  BY member_id`

	rows, err := s.pool.Query(ctx, q, roomID)
	if err != nil {
		return nil, wrapErr("list room members", err)
	}
	members, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, wrapErr("list room members", err)
	}
	if members == nil {
		members = []string{}
	}
	return members, nil
}

// CountRoomMembers implements [storage.Store].
func (s *Store) CountRoomMembers(ctx context.Context, roomID string) (int, error) {
	const q = `
		SELECT count(DISTINCT member_id)
		FROM   jobs
		WHERE  room_id = $1
		  AND  member_id IS NOT NULL`

	var n int
	if err := s.pool.QueryRow(ctx, q, roomID).Scan(&n); err != nil {
		return 0, wrapErr("count room members", err)
	}
	return n, nil
}

// RoomJobStatusCounts implements [storage.Store]. Statuses with no jobs are
// absent from the returned map.
func (s *Store) RoomJobStatusCounts(ctx context.Context, roomID string) (map[storage.JobStatus]int, error) {
	const q = `
		SELECT status, count(*)
		FROM   jobs
		WHERE  room_id = $1
		GROUP  BY status`

	rows, err := s.pool.Query(ctx, q, roomID)
	if err != nil {
		return nil, wrapErr("room job status counts", err)
	}
	defer rows.Close()

	counts := make(map[storage.JobStatus]int)
	for rows.Next() {
		var (
			status storage.JobStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, wrapErr("room job status counts", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("room job status counts", err)
	}
	return counts, nil
}

// RoomTranscripts implements [storage.Store].
func (s *Store) RoomTranscripts(ctx context.Context, roomID string) ([]storage.RoomTranscript, error) {
	const q = `
		SELECT job_id, COALESCE(member_id, ''), transcript, created_at
		FROM   jobs
		WHERE  room_id = $1
		  AND  status IN ('TRANSCRIBED', 'COMPLETED')
		  AND  transcript IS NOT NULL
		ORDER  BY created_at`

	rows, err := s.pool.Query(ctx, q, roomID)
	if err != nil {
		return nil, wrapErr("room transcripts", err)
	}

	transcripts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (storage.RoomTranscript, error) {
		var rt storage.RoomTranscript
		err := row.Scan(&rt.JobID, &rt.MemberID, &rt.Transcript, &rt.CreatedAt)
		return rt, err
	})
	if err != nil {
		return nil, wrapErr("room transcripts", err)
	}
	if transcripts == nil {
		transcripts = []storage.RoomTranscript{}
	}
	return transcripts, nil
}

// UpdateRoomSummary implements [storage.Store].
func (s *Store) UpdateRoomSummary(ctx context.Context, roomID string, summary json.RawMessage) error {
	const q = `UPDATE rooms SET total_summary = $2 WHERE room_id = $1`

	tag, err := s.pool.Exec(ctx, q, roomID, summary)
	if err != nil {
		return wrapErr("update room summary", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", storage.ErrRoomNotFound, roomID)
	}
	return nil
}

// scanRoom scans one room row.
func scanRoom(row pgx.Row) (storage.Room, error) {
	var r storage.Room
	if err := row.Scan(&r.RoomID, &r.Status, &r.TotalSummary, &r.CreatedAt); err != nil {
		return storage.Room{}, err
	}
	return r, nil
}
