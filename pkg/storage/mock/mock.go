// Package mock provides an in-memory test double for the storage layer.
//
// Store records every method call for assertion in tests and exposes
// exported fields that control what it returns. It is safe for concurrent
// use via an internal [sync.Mutex].
//
// Typical usage:
//
//	store := &mock.Store{}
//	store.GetJobResult = storage.Job{ID: "job-1", Status: storage.StatusPending}
//
//	// inject store into the system under test …
//
//	if got := store.CallCount("AppendSegment"); got != 3 {
//	    t.Errorf("expected 3 AppendSegment calls, got %d", got)
//	}
package mock

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/carevox/carevox/pkg/storage"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Store is a configurable test double for [storage.Store].
// All exported *Err fields default to nil (success); slice-valued *Result
// fields default to nil (empty non-nil slice returned).
//
// Write methods echo their input where that is what a caller would observe:
// CreateJob returns the input job with timestamps filled, AppendSegment
// assigns sequential IDs, and UpdateJob applies the patch on top of
// UpdateJobResult (or a zero job carrying the id when unset).
type Store struct {
	mu sync.Mutex

	// calls records every method invocation in order.
	calls []Call

	// nextSegmentID feeds AppendSegment's echoed IDs, starting at 1.
	nextSegmentID int64

	// ──── Jobs ──────────────────────────────────────────────────────────────

	CreateJobErr error

	GetJobResult storage.Job
	GetJobErr    error

	UpdateJobResult storage.Job
	UpdateJobErr    error

	// ──── Segments ──────────────────────────────────────────────────────────

	AppendSegmentErr error

	ListSegmentsResult []storage.Segment
	ListSegmentsErr    error

	SetSegmentEmbeddingErr error

	SearchSegmentsResult []storage.SegmentMatch
	SearchSegmentsErr    error

	// ──── Error logs ────────────────────────────────────────────────────────

	AppendErrorErr error

	ListErrorsResult []storage.ErrorLog
	ListErrorsErr    error

	// ──── Rooms ─────────────────────────────────────────────────────────────

	GetOrCreateRoomResult storage.Room
	GetOrCreateRoomErr    error

	GetRoomResult storage.Room
	GetRoomErr    error

	ListRoomMembersResult []string
	ListRoomMembersErr    error

	CountRoomMembersResult int
	CountRoomMembersErr    error

	RoomJobStatusCountsResult map[storage.JobStatus]int
	RoomJobStatusCountsErr    error

	RoomTranscriptsResult []storage.RoomTranscript
	RoomTranscriptsErr    error

	UpdateRoomSummaryErr error

	MemberActiveJobID    string
	MemberActiveJobFound bool
	MemberActiveJobErr   error
}

// Calls returns a copy of all recorded method invocations.
func (m *Store) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls without altering response configuration.
func (m *Store) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// CreateJob implements [storage.Store]. The input job is echoed back with
// timestamps and defaults filled, the way the real store returns its row.
func (m *Store) CreateJob(_ context.Context, job storage.Job) (storage.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "CreateJob", Args: []any{job}})
	if m.CreateJobErr != nil {
		return storage.Job{}, m.CreateJobErr
	}
	if job.Status == "" {
		job.Status = storage.StatusPending
	}
	if job.Metadata == nil {
		job.Metadata = map[string]any{}
	}
	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now
	return job, nil
}

// GetJob implements [storage.Store].
func (m *Store) GetJob(_ context.Context, id string) (storage.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "GetJob", Args: []any{id}})
	return m.GetJobResult, m.GetJobErr
}

// UpdateJob implements [storage.Store]. The patch is applied on top of
// UpdateJobResult so callers observe the fields they just wrote.
func (m *Store) UpdateJob(_ context.Context, id string, patch storage.JobPatch) (storage.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "UpdateJob", Args: []any{id, patch}})
	if m.UpdateJobErr != nil {
		return storage.Job{}, m.UpdateJobErr
	}
	job := m.UpdateJobResult
	if job.ID == "" {
		job.ID = id
	}
	if patch.Status != nil {
		job.Status = *patch.Status
	}
	if patch.Transcript != nil {
		job.Transcript = patch.Transcript
	}
	if patch.Summary != nil {
		job.Summary = patch.Summary
	}
	if patch.ErrorMessage != nil {
		job.ErrorMessage = patch.ErrorMessage
	}
	job.UpdatedAt = time.Now()
	return job, nil
}

// AppendSegment implements [storage.Store]. Echoes the segment with a
// sequential ID and CreatedAt filled.
func (m *Store) AppendSegment(_ context.Context, seg storage.Segment) (storage.Segment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "AppendSegment", Args: []any{seg}})
	if m.AppendSegmentErr != nil {
		return storage.Segment{}, m.AppendSegmentErr
	}
	m.nextSegmentID++
	seg.ID = m.nextSegmentID
	seg.CreatedAt = time.Now()
	return seg, nil
}

// ListSegments implements [storage.Store].
func (m *Store) ListSegments(_ context.Context, jobID string) ([]storage.Segment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "ListSegments", Args: []any{jobID}})
	if m.ListSegmentsResult == nil {
		return []storage.Segment{}, m.ListSegmentsErr
	}
	out := make([]storage.Segment, len(m.ListSegmentsResult))
	copy(out, m.ListSegmentsResult)
	return out, m.ListSegmentsErr
}

// SetSegmentEmbedding implements [storage.Store].
func (m *Store) SetSegmentEmbedding(_ context.Context, segmentID int64, embedding []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "SetSegmentEmbedding", Args: []any{segmentID, embedding}})
	return m.SetSegmentEmbeddingErr
}

// SearchSegments implements [storage.Store].
func (m *Store) SearchSegments(_ context.Context, embedding []float32, topK int, filter storage.SegmentFilter) ([]storage.SegmentMatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "SearchSegments", Args: []any{embedding, topK, filter}})
	if m.SearchSegmentsResult == nil {
		return []storage.SegmentMatch{}, m.SearchSegmentsErr
	}
	out := make([]storage.SegmentMatch, len(m.SearchSegmentsResult))
	copy(out, m.SearchSegmentsResult)
	return out, m.SearchSegmentsErr
}

// AppendError implements [storage.Store].
func (m *Store) AppendError(_ context.Context, jobID, stage, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "AppendError", Args: []any{jobID, stage, message}})
	return m.AppendErrorErr
}

// ListErrors implements [storage.Store].
func (m *Store) ListErrors(_ context.Context, jobID string) ([]storage.ErrorLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "ListErrors", Args: []any{jobID}})
	if m.ListErrorsResult == nil {
		return []storage.ErrorLog{}, m.ListErrorsErr
	}
	out := make([]storage.ErrorLog, len(m.ListErrorsResult))
	copy(out, m.ListErrorsResult)
	return out, m.ListErrorsErr
}

// GetOrCreateRoom implements [storage.Store]. When GetOrCreateRoomResult is
// unset, an ACTIVE room carrying the requested id is echoed.
func (m *Store) GetOrCreateRoom(_ context.Context, roomID string) (storage.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "GetOrCreateRoom", Args: []any{roomID}})
	if m.GetOrCreateRoomErr != nil {
		return storage.Room{}, m.GetOrCreateRoomErr
	}
	room := m.GetOrCreateRoomResult
	if room.RoomID == "" {
		room = storage.Room{RoomID: roomID, Status: storage.RoomActive, CreatedAt: time.Now()}
	}
	return room, nil
}

// GetRoom implements [storage.Store].
func (m *Store) GetRoom(_ context.Context, roomID string) (storage.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "GetRoom", Args: []any{roomID}})
	return m.GetRoomResult, m.GetRoomErr
}

// ListRoomMembers implements [storage.Store].
func (m *Store) ListRoomMembers(_ context.Context, roomID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "ListRoomMembers", Args: []any{roomID}})
	if m.ListRoomMembersResult == nil {
		return []string{}, m.ListRoomMembersErr
	}
	out := make([]string, len(m.ListRoomMembersResult))
	copy(out, m.ListRoomMembersResult)
	return out, m.ListRoomMembersErr
}

// CountRoomMembers implements [storage.Store].
func (m *Store) CountRoomMembers(_ context.Context, roomID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "CountRoomMembers", Args: []any{roomID}})
	return m.CountRoomMembersResult, m.CountRoomMembersErr
}

// RoomJobStatusCounts implements [storage.Store].
func (m *Store) RoomJobStatusCounts(_ context.Context, roomID string) (map[storage.JobStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "RoomJobStatusCounts", Args: []any{roomID}})
	if m.RoomJobStatusCountsResult == nil {
		return map[storage.JobStatus]int{}, m.RoomJobStatusCountsErr
	}
	out := make(map[storage.JobStatus]int, len(m.RoomJobStatusCountsResult))
	for k, v := range m.RoomJobStatusCountsResult {
		out[k] = v
	}
	return out, m.RoomJobStatusCountsErr
}

// RoomTranscripts implements [storage.Store].
func (m *Store) RoomTranscripts(_ context.Context, roomID string) ([]storage.RoomTranscript, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "RoomTranscripts", Args: []any{roomID}})
	if m.RoomTranscriptsResult == nil {
		return []storage.RoomTranscript{}, m.RoomTranscriptsErr
	}
	out := make([]storage.RoomTranscript, len(m.RoomTranscriptsResult))
	copy(out, m.RoomTranscriptsResult)
	return out, m.RoomTranscriptsErr
}

// UpdateRoomSummary implements [storage.Store].
func (m *Store) UpdateRoomSummary(_ context.Context, roomID string, summary json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "UpdateRoomSummary", Args: []any{roomID, summary}})
	return m.UpdateRoomSummaryErr
}

// MemberActiveJob implements [storage.Store].
func (m *Store) MemberActiveJob(_ context.Context, roomID, memberID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "MemberActiveJob", Args: []any{roomID, memberID}})
	return m.MemberActiveJobID, m.MemberActiveJobFound, m.MemberActiveJobErr
}

// Ensure Store satisfies the interface at compile time.
var _ storage.Store = (*Store)(nil)
