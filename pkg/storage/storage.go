// Package storage defines the durable persistence contracts for jobs,
// segments, error logs, and rooms, together with the typed errors their
// implementations return.
//
// Implementations live in subpackages (see [github.com/carevox/carevox/pkg/storage/postgres]).
// Consumers depend on the [Store] interface only; concrete wiring happens in
// internal/app.
package storage

import (
	"context"
	"encoding/json"
	"time"
)

// JobStatus is the lifecycle state of a job.
//
// Transitions are monotone: PENDING → PROCESSING → TRANSCRIBED → COMPLETED,
// with FAILED reachable from any non-terminal state. [Store.UpdateJob]
// refuses backward transitions.
type JobStatus string

const (
	StatusPending     JobStatus = "PENDING"
	StatusProcessing  JobStatus = "PROCESSING"
	StatusTranscribed JobStatus = "TRANSCRIBED"
	StatusCompleted   JobStatus = "COMPLETED"
	StatusFailed      JobStatus = "FAILED"
)

// IsValid reports whether s is a known job status.
func (s JobStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusTranscribed, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition may leave s.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// rank orders the statuses along the forward path. FAILED is handled
// separately in [JobStatus.CanTransitionTo].
func (s JobStatus) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusProcessing:
		return 1
	case StatusTranscribed:
		return 2
	case StatusCompleted:
		return 3
	}
	return -1
}

// CanTransitionTo reports whether moving from s to next is allowed.
// Re-applying the current status is allowed so that redelivered background
// tasks stay idempotent.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	if !next.IsValid() {
		return false
	}
	if s == next {
		return true
	}
	if s.Terminal() {
		return false
	}
	if next == StatusFailed {
		return true
	}
	return next.rank() > s.rank()
}

// JobType distinguishes file uploads from live streams.
type JobType string

const (
	TypeBatch    JobType = "BATCH"
	TypeRealtime JobType = "REALTIME"
)

// IsValid reports whether t is a known job type.
func (t JobType) IsValid() bool {
	return t == TypeBatch || t == TypeRealtime
}

// RoomStatus is the lifecycle state of a room.
type RoomStatus string

const (
	RoomActive RoomStatus = "ACTIVE"
	RoomClosed RoomStatus = "CLOSED"
)

// IsValid reports whether s is a known room status.
func (s RoomStatus) IsValid() bool {
	return s == RoomActive || s == RoomClosed
}

// Job is one execution unit: a single uploaded file or a single live stream.
// Jobs are never deleted; finished jobs remain as audit records.
type Job struct {
	ID           string          `json:"job_id"`
	Type         JobType         `json:"job_type"`
	Status       JobStatus       `json:"status"`
	Transcript   *string         `json:"transcript"`
	Summary      json.RawMessage `json:"summary"`
	ErrorMessage *string         `json:"error_message"`
	Metadata     map[string]any  `json:"metadata"`
	RoomID       *string         `json:"room_id"`
	MemberID     *string         `json:"member_id"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Segment is one recognized utterance. Segments are appended once with a
// sequence number dense from 1 within their job and never mutated; joining
// the texts of a job's segments in seq order with single spaces yields the
// job's transcript.
type Segment struct {
	ID        int64     `json:"id"`
	JobID     string    `json:"job_id"`
	Seq       int       `json:"seq"`
	Text      string    `json:"text"`
	StartSec  *float64  `json:"start_sec"`
	EndSec    *float64  `json:"end_sec"`
	CreatedAt time.Time `json:"created_at"`
}

// ErrorLog is one append-only failure record. Stage is a free-text tag
// naming the producing pipeline stage ("stream_stt", "batch_summary", ...).
type ErrorLog struct {
	ID        int64     `json:"id"`
	JobID     string    `json:"job_id"`
	Stage     string    `json:"stage"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Room groups the live jobs of one multi-party session for aggregate
// summarization.
type Room struct {
	RoomID       string          `json:"room_id"`
	Status       RoomStatus      `json:"status"`
	TotalSummary json.RawMessage `json:"total_summary"`
	CreatedAt    time.Time       `json:"created_at"`
}

// RoomTranscript is one participant's finished transcript within a room,
// returned in job-creation order.
type RoomTranscript struct {
	JobID      string    `json:"job_id"`
	MemberID   string    `json:"member_id"`
	Transcript string    `json:"transcript"`
	CreatedAt  time.Time `json:"created_at"`
}

// JobPatch selects the job fields [Store.UpdateJob] overwrites. Nil fields
// are left untouched; Metadata entries are merged over the stored metadata.
type JobPatch struct {
	Status       *JobStatus
	Transcript   *string
	Summary      json.RawMessage
	ErrorMessage *string
	Metadata     map[string]any
}

// SegmentFilter narrows a [Store.SearchSegments] query. Zero fields are
// ignored.
type SegmentFilter struct {
	JobID  string
	RoomID string
}

// SegmentMatch is one result of a [Store.SearchSegments] query. Distance is
// the cosine distance to the query embedding (smaller is closer).
type SegmentMatch struct {
	Segment
	Distance float64 `json:"distance"`
}

// Store is the durable backend for jobs, segments, error logs, and rooms.
// Every call is one self-contained transaction; there are no cross-call
// locks. Implementations must be safe for concurrent use.
type Store interface {
	// CreateJob inserts a new job row. Zero Status defaults to PENDING and
	// nil Metadata to an empty map. The stored row is returned.
	CreateJob(ctx context.Context, job Job) (Job, error)

	// GetJob returns the job with the given id, or an error wrapping
	// [ErrJobNotFound].
	GetJob(ctx context.Context, id string) (Job, error)

	// UpdateJob applies patch to the job with the given id and returns the
	// updated row. A patch whose Status would move backward fails with an
	// error wrapping [ErrBackwardTransition].
	UpdateJob(ctx context.Context, id string, patch JobPatch) (Job, error)

	// AppendSegment inserts one segment row and returns it with ID and
	// CreatedAt filled. Re-appending an existing (job, seq) pair overwrites
	// the previous text so redelivered tasks stay idempotent.
	AppendSegment(ctx context.Context, seg Segment) (Segment, error)

	// ListSegments returns all segments of a job ordered by start time with
	// seq as tie-breaker (equals seq order for every writer in this system).
	ListSegments(ctx context.Context, jobID string) ([]Segment, error)

	// SetSegmentEmbedding stores the vector for a previously appended segment.
	SetSegmentEmbedding(ctx context.Context, segmentID int64, embedding []float32) error

	// SearchSegments returns the topK segments closest to embedding by
	// cosine distance, optionally filtered.
	SearchSegments(ctx context.Context, embedding []float32, topK int, filter SegmentFilter) ([]SegmentMatch, error)

	// AppendError records one error log line. The job id is not required to
	// reference an existing job; connection failures are logged against ids
	// that were never created.
	AppendError(ctx context.Context, jobID, stage, message string) error

	// ListErrors returns all error logs of a job, oldest first.
	ListErrors(ctx context.Context, jobID string) ([]ErrorLog, error)

	// GetOrCreateRoom returns the room with the given id, creating it in
	// ACTIVE state when it does not exist yet.
	GetOrCreateRoom(ctx context.Context, roomID string) (Room, error)

	// GetRoom returns the room with the given id, or an error wrapping
	// [ErrRoomNotFound].
	GetRoom(ctx context.Context, roomID string) (Room, error)

	// ListRoomMembers returns the distinct member ids of a room's jobs.
	ListRoomMembers(ctx context.Context, roomID string) ([]string, error)

	// CountRoomMembers returns the number of distinct members in a room.
	CountRoomMembers(ctx context.Context, roomID string) (int, error)

	// RoomJobStatusCounts returns the number of jobs per status in a room.
	RoomJobStatusCounts(ctx context.Context, roomID string) (map[JobStatus]int, error)

	// RoomTranscripts returns the transcripts of a room's TRANSCRIBED and
	// COMPLETED jobs with non-null transcripts, in job-creation order.
	RoomTranscripts(ctx context.Context, roomID string) ([]RoomTranscript, error)

	// UpdateRoomSummary writes the aggregate summary of a room.
	UpdateRoomSummary(ctx context.Context, roomID string, summary json.RawMessage) error

	// MemberActiveJob returns the most recent PENDING or PROCESSING job of
	// the member in the room, if any.
	MemberActiveJob(ctx context.Context, roomID, memberID string) (jobID string, found bool, err error)
}
