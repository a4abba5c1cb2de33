// Package jobs coordinates the job lifecycle behind one façade: durable rows
// in the store, a best-effort Redis mirror for hot reads, pipeline events on
// the bus, and background work on the task queue.
//
// The store is the source of truth. Cache failures are logged and swallowed;
// a manager without a cache simply reads the store every time. Event
// delivery is fire-and-forget by contract.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carevox/carevox/internal/event"
	"github.com/carevox/carevox/internal/eventbus"
	"github.com/carevox/carevox/internal/jobcache"
	"github.com/carevox/carevox/pkg/provider/embeddings"
	"github.com/carevox/carevox/pkg/storage"
)

// defaultEmbedTimeout bounds one background segment-embedding write.
const defaultEmbedTimeout = 15 * time.Second

// Manager is the job lifecycle façade. All methods are safe for concurrent
// use.
type Manager struct {
	store        storage.Store
	cache        *jobcache.Cache
	bus          *eventbus.Bus
	queue        TaskQueue
	embedder     embeddings.Provider
	embedTimeout time.Duration

	// embedWG tracks in-flight background embedding writes so tests and
	// shutdown can wait for them.
	embedWG sync.WaitGroup
}

// Config configures a [Manager].
type Config struct {
	// Store is the durable backend. Required.
	Store storage.Store

	// Cache mirrors job rows for hot reads. May be nil; reads then always
	// hit the store.
	Cache *jobcache.Cache

	// Bus carries pipeline events to subscribers. Required.
	Bus *eventbus.Bus

	// Queue schedules background tasks. Required.
	Queue TaskQueue

	// Embedder, when set, indexes every non-empty saved segment in the
	// background for semantic search. Optional.
	Embedder embeddings.Provider

	// EmbedTimeout bounds one background embedding write. Defaults to 15
	// seconds if zero.
	EmbedTimeout time.Duration
}

// NewManager creates a [Manager] with the given configuration.
func NewManager(cfg Config) *Manager {
	timeout := cfg.EmbedTimeout
	if timeout <= 0 {
		timeout = defaultEmbedTimeout
	}
	return &Manager{
		store:        cfg.Store,
		cache:        cfg.Cache,
		bus:          cfg.Bus,
		queue:        cfg.Queue,
		embedder:     cfg.Embedder,
		embedTimeout: timeout,
	}
}

// CreateJob inserts a new PENDING job of the given type and mirrors it into
// the cache.
func (m *Manager) CreateJob(ctx context.Context, jobType storage.JobType, metadata map[string]any) (storage.Job, error) {
	job := storage.Job{
		ID:       uuid.NewString(),
		Type:     jobType,
		Status:   storage.StatusPending,
		Metadata: metadata,
	}
	created, err := m.store.CreateJob(ctx, job)
	if err != nil {
		return storage.Job{}, fmt.Errorf("jobs: create: %w", err)
	}
	m.mirror(ctx, created)
	slog.Info("job created", "job", created.ID, "type", created.Type)
	return created, nil
}

// CreateJobWithRoom inserts a new PENDING job attached to a room, creating
// the room on first use. memberID identifies the participant within the
// room.
func (m *Manager) CreateJobWithRoom(ctx context.Context, jobType storage.JobType, metadata map[string]any, roomID, memberID string) (storage.Job, error) {
	if _, err := m.store.GetOrCreateRoom(ctx, roomID); err != nil {
		return storage.Job{}, fmt.Errorf("jobs: ensure room %s: %w", roomID, err)
	}
	job := storage.Job{
		ID:       uuid.NewString(),
		Type:     jobType,
		Status:   storage.StatusPending,
		Metadata: metadata,
		RoomID:   &roomID,
		MemberID: &memberID,
	}
	created, err := m.store.CreateJob(ctx, job)
	if err != nil {
		return storage.Job{}, fmt.Errorf("jobs: create: %w", err)
	}
	m.mirror(ctx, created)
	slog.Info("job created", "job", created.ID, "type", created.Type, "room", roomID, "member", memberID)
	return created, nil
}

// GetJob returns the job with the given id, reading the cache first and
// falling back to the store on a miss. Store hits are written back into the
// cache for the next read.
func (m *Manager) GetJob(ctx context.Context, id string) (storage.Job, error) {
	if m.cache != nil {
		job, err := m.cache.Get(ctx, id)
		switch {
		case err == nil:
			return job, nil
		case !errors.Is(err, jobcache.ErrMiss):
			slog.Warn("job cache read failed", "job", id, "error", err)
		}
	}
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return storage.Job{}, err
	}
	m.mirror(ctx, job)
	return job, nil
}

// UpdateStatus moves the job to status and applies any additional patch
// fields in the same durable write, then refreshes the cache mirror.
// patch.Status is overwritten by status.
func (m *Manager) UpdateStatus(ctx context.Context, id string, status storage.JobStatus, patch storage.JobPatch) (storage.Job, error) {
	patch.Status = &status
	updated, err := m.store.UpdateJob(ctx, id, patch)
	if err != nil {
		return storage.Job{}, fmt.Errorf("jobs: update %s: %w", id, err)
	}
	m.mirror(ctx, updated)
	slog.Info("job status", "job", id, "status", status)
	return updated, nil
}

// SaveSegment appends one recognized segment. When an embedder is
// configured, a background goroutine indexes the text best-effort; indexing
// failures never surface to the pipeline.
func (m *Manager) SaveSegment(ctx context.Context, jobID string, seq int, text string, startSec, endSec *float64) (storage.Segment, error) {
	saved, err := m.store.AppendSegment(ctx, storage.Segment{
		JobID:    jobID,
		Seq:      seq,
		Text:     text,
		StartSec: startSec,
		EndSec:   endSec,
	})
	if err != nil {
		return storage.Segment{}, fmt.Errorf("jobs: save segment %s/%d: %w", jobID, seq, err)
	}
	if m.embedder != nil && text != "" {
		m.embedWG.Add(1)
		go m.embedSegment(saved)
	}
	return saved, nil
}

// GetSegments returns all segments of a job in playback order.
func (m *Manager) GetSegments(ctx context.Context, jobID string) ([]storage.Segment, error) {
	return m.store.ListSegments(ctx, jobID)
}

// SearchSegments embeds the query text and returns the stored segments
// closest to it, nearest first. Requires an embeddings provider; without one
// the call fails with an error rather than an empty result, so callers can
// tell "nothing indexed" from "search disabled".
func (m *Manager) SearchSegments(ctx context.Context, query string, topK int, filter storage.SegmentFilter) ([]storage.SegmentMatch, error) {
	if m.embedder == nil {
		return nil, errors.New("jobs: segment search requires an embeddings provider")
	}
	vec, err := m.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("jobs: embed query: %w", err)
	}
	return m.store.SearchSegments(ctx, vec, topK, filter)
}

// LogError records one failure against a job. The job id does not need to
// reference an existing job.
func (m *Manager) LogError(ctx context.Context, jobID, stage, message string) error {
	if err := m.store.AppendError(ctx, jobID, stage, message); err != nil {
		return fmt.Errorf("jobs: log error %s: %w", jobID, err)
	}
	return nil
}

// GetErrors returns all error logs of a job, oldest first.
func (m *Manager) GetErrors(ctx context.Context, jobID string) ([]storage.ErrorLog, error) {
	return m.store.ListErrors(ctx, jobID)
}

// PublishEvent sends msg to the job's event channel. Fire-and-forget.
func (m *Manager) PublishEvent(ctx context.Context, jobID string, msg event.Message) {
	m.bus.Publish(ctx, jobID, msg)
}

// SubscribeEvents attaches to the job's event channel. The returned channel
// closes when ctx ends or the unsubscribe function is called.
func (m *Manager) SubscribeEvents(ctx context.Context, jobID string) (<-chan event.Message, func()) {
	return m.bus.Subscribe(ctx, jobID)
}

// GetOrCreateRoom returns the room with the given id, creating it in ACTIVE
// state when it does not exist yet.
func (m *Manager) GetOrCreateRoom(ctx context.Context, roomID string) (storage.Room, error) {
	return m.store.GetOrCreateRoom(ctx, roomID)
}

// CheckMemberExists reports whether the member already has a PENDING or
// PROCESSING job in the room, returning that job's id when found. The
// duplicate-connection check on the live socket endpoint.
func (m *Manager) CheckMemberExists(ctx context.Context, roomID, memberID string) (string, bool, error) {
	return m.store.MemberActiveJob(ctx, roomID, memberID)
}

// RoomInfo aggregates a room row with its member roster and per-status job
// counts.
type RoomInfo struct {
	Room         storage.Room
	Members      []string
	StatusCounts map[storage.JobStatus]int
}

// GetRoomInfo returns the room, its member roster, and its job status
// counts. Unknown rooms fail with an error wrapping
// [storage.ErrRoomNotFound].
func (m *Manager) GetRoomInfo(ctx context.Context, roomID string) (RoomInfo, error) {
	room, err := m.store.GetRoom(ctx, roomID)
	if err != nil {
		return RoomInfo{}, err
	}
	members, err := m.store.ListRoomMembers(ctx, roomID)
	if err != nil {
		return RoomInfo{}, fmt.Errorf("jobs: room %s members: %w", roomID, err)
	}
	counts, err := m.store.RoomJobStatusCounts(ctx, roomID)
	if err != nil {
		return RoomInfo{}, fmt.Errorf("jobs: room %s status counts: %w", roomID, err)
	}
	return RoomInfo{Room: room, Members: members, StatusCounts: counts}, nil
}

// GetRoomJobStatusSummary returns the number of jobs per status in a room.
func (m *Manager) GetRoomJobStatusSummary(ctx context.Context, roomID string) (map[storage.JobStatus]int, error) {
	return m.store.RoomJobStatusCounts(ctx, roomID)
}

// IsRoomReadyForSummary reports whether every job in the room has finished
// transcribing: at least one job, none pending or processing, and all of
// them TRANSCRIBED or COMPLETED. A FAILED job keeps the room unready.
func (m *Manager) IsRoomReadyForSummary(ctx context.Context, roomID string) (bool, error) {
	counts, err := m.store.RoomJobStatusCounts(ctx, roomID)
	if err != nil {
		return false, fmt.Errorf("jobs: room %s status counts: %w", roomID, err)
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	if total == 0 {
		return false, nil
	}
	done := counts[storage.StatusTranscribed] + counts[storage.StatusCompleted]
	ready := counts[storage.StatusPending] == 0 &&
		counts[storage.StatusProcessing] == 0 &&
		done == total
	return ready, nil
}

// GetCompletedRoomTranscripts returns the finished transcripts of a room in
// job-creation order.
func (m *Manager) GetCompletedRoomTranscripts(ctx context.Context, roomID string) ([]storage.RoomTranscript, error) {
	return m.store.RoomTranscripts(ctx, roomID)
}

// UpdateRoomSummary writes the aggregate summary of a room.
func (m *Manager) UpdateRoomSummary(ctx context.Context, roomID string, summary json.RawMessage) error {
	if err := m.store.UpdateRoomSummary(ctx, roomID, summary); err != nil {
		return fmt.Errorf("jobs: update room summary %s: %w", roomID, err)
	}
	slog.Info("room summary stored", "room", roomID)
	return nil
}

// CheckAndTriggerRoomSummary schedules the room aggregation task when the
// room is ready for summary and reports whether it did. Not-ready rooms are
// a no-op; the caller retries on the next participant finish.
func (m *Manager) CheckAndTriggerRoomSummary(ctx context.Context, roomID string) (bool, error) {
	ready, err := m.IsRoomReadyForSummary(ctx, roomID)
	if err != nil {
		return false, err
	}
	if !ready {
		slog.Debug("room not ready for summary", "room", roomID)
		return false, nil
	}
	if err := m.queue.Enqueue(ctx, TaskRoomSummary, RoomSummaryArgs{RoomID: roomID}); err != nil {
		return false, fmt.Errorf("jobs: trigger room summary %s: %w", roomID, err)
	}
	slog.Info("room summary scheduled", "room", roomID)
	return true, nil
}

// EnqueueBatch schedules the batch pipeline task for an uploaded file.
func (m *Manager) EnqueueBatch(ctx context.Context, jobID, path string) error {
	if err := m.queue.Enqueue(ctx, TaskBatchPipeline, BatchPipelineArgs{JobID: jobID, Path: path}); err != nil {
		return fmt.Errorf("jobs: enqueue batch %s: %w", jobID, err)
	}
	return nil
}

// WaitForEmbeds blocks until all in-flight background embedding writes have
// finished. Called on shutdown and by tests.
func (m *Manager) WaitForEmbeds() {
	m.embedWG.Wait()
}

// mirror best-effort writes the job into the cache.
func (m *Manager) mirror(ctx context.Context, job storage.Job) {
	if m.cache == nil {
		return
	}
	if err := m.cache.Set(ctx, job); err != nil {
		slog.Warn("job cache write failed", "job", job.ID, "error", err)
	}
}

// embedSegment indexes one segment in the background. Detached from the
// request context so a finished request does not cancel the write.
func (m *Manager) embedSegment(seg storage.Segment) {
	defer m.embedWG.Done()

	ctx, cancel := context.WithTimeout(context.Background(), m.embedTimeout)
	defer cancel()

	vec, err := m.embedder.Embed(ctx, seg.Text)
	if err != nil {
		slog.Debug("segment embedding skipped", "job", seg.JobID, "seq", seg.Seq, "error", err)
		return
	}
	if err := m.store.SetSegmentEmbedding(ctx, seg.ID, vec); err != nil {
		slog.Debug("segment embedding write failed", "job", seg.JobID, "seq", seg.Seq, "error", err)
	}
}
