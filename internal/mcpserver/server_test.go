package mcpserver

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/carevox/carevox/internal/eventbus"
	"github.com/carevox/carevox/internal/jobs"
	embedmock "github.com/carevox/carevox/pkg/provider/embeddings/mock"
	"github.com/carevox/carevox/pkg/storage"
	storagemock "github.com/carevox/carevox/pkg/storage/mock"
)

func newTestServer(t *testing.T, tweak func(*jobs.Config)) (*Server, *storagemock.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := &storagemock.Store{}
	cfg := jobs.Config{
		Store: store,
		Bus:   eventbus.New(client),
		Queue: nopQueue{},
	}
	if tweak != nil {
		tweak(&cfg)
	}
	return New(jobs.NewManager(cfg), "test"), store
}

type nopQueue struct{}

func (nopQueue) Enqueue(context.Context, string, any) error { return nil }

func strptr(s string) *string { return &s }

func TestGetJob(t *testing.T) {
	t.Parallel()
	s, store := newTestServer(t, nil)
	store.GetJobResult = storage.Job{
		ID:           "job-1",
		Type:         storage.TypeRealtime,
		Status:       storage.StatusFailed,
		RoomID:       strptr("room-1"),
		MemberID:     strptr("alice"),
		Metadata:     map[string]any{"mode": "medical"},
		ErrorMessage: strptr("파이프라인 실패: recognizer crashed"),
	}

	_, info, err := s.getJob(context.Background(), nil, getJobInput{JobID: "job-1"})
	if err != nil {
		t.Fatalf("getJob: %v", err)
	}
	if info.JobID != "job-1" || info.Type != "REALTIME" || info.Status != "FAILED" {
		t.Errorf("info = %+v", info)
	}
	if info.RoomID != "room-1" || info.MemberID != "alice" {
		t.Errorf("room fields = %q/%q", info.RoomID, info.MemberID)
	}
	if info.ErrorMessage == "" {
		t.Error("error message not carried")
	}
	if info.Metadata["mode"] != "medical" {
		t.Errorf("metadata = %v", info.Metadata)
	}
}

func TestGetJob_NotFound(t *testing.T) {
	t.Parallel()
	s, store := newTestServer(t, nil)
	store.GetJobErr = storage.ErrJobNotFound

	if _, _, err := s.getJob(context.Background(), nil, getJobInput{JobID: "missing"}); err == nil {
		t.Fatal("expected error for unknown job")
	}
}

func TestGetTranscript(t *testing.T) {
	t.Parallel()
	s, store := newTestServer(t, nil)

	start1, end1 := 0.0, 2.1
	store.GetJobResult = storage.Job{
		ID:         "job-2",
		Status:     storage.StatusCompleted,
		Transcript: strptr("어디가 불편하세요 기침이 나요"),
		Summary:    json.RawMessage(`{"main_complaint":"기침"}`),
	}
	store.ListSegmentsResult = []storage.Segment{
		{JobID: "job-2", Seq: 1, Text: "어디가 불편하세요", StartSec: &start1, EndSec: &end1},
		{JobID: "job-2", Seq: 2, Text: "기침이 나요"},
	}

	_, info, err := s.getTranscript(context.Background(), nil, getTranscriptInput{JobID: "job-2"})
	if err != nil {
		t.Fatalf("getTranscript: %v", err)
	}
	if info.Transcript != "어디가 불편하세요 기침이 나요" {
		t.Errorf("transcript = %q", info.Transcript)
	}
	if len(info.Segments) != 2 || info.Segments[0].Seq != 1 || info.Segments[1].Text != "기침이 나요" {
		t.Errorf("segments = %+v", info.Segments)
	}
	if info.Segments[0].StartSec == nil || *info.Segments[0].StartSec != 0.0 {
		t.Errorf("segment offsets = %+v", info.Segments[0])
	}
	if info.Summary["main_complaint"] != "기침" {
		t.Errorf("summary = %v", info.Summary)
	}
}

func TestGetTranscript_NoSummaryYet(t *testing.T) {
	t.Parallel()
	s, store := newTestServer(t, nil)
	store.GetJobResult = storage.Job{ID: "job-3", Status: storage.StatusProcessing}

	_, info, err := s.getTranscript(context.Background(), nil, getTranscriptInput{JobID: "job-3"})
	if err != nil {
		t.Fatalf("getTranscript: %v", err)
	}
	if info.Summary != nil {
		t.Errorf("summary = %v, want none while processing", info.Summary)
	}
	if info.Segments == nil {
		t.Error("segments must be non-nil even when empty")
	}
}

func TestGetRoomSummary(t *testing.T) {
	t.Parallel()
	s, store := newTestServer(t, nil)
	store.GetRoomResult = storage.Room{
		RoomID:       "room-5",
		Status:       storage.RoomActive,
		TotalSummary: json.RawMessage(`{"summary":"joint consult"}`),
	}
	store.ListRoomMembersResult = []string{"alice", "bob"}
	store.RoomJobStatusCountsResult = map[storage.JobStatus]int{
		storage.StatusCompleted:  2,
		storage.StatusProcessing: 1,
	}

	_, info, err := s.getRoomSummary(context.Background(), nil, getRoomSummaryInput{RoomID: "room-5"})
	if err != nil {
		t.Fatalf("getRoomSummary: %v", err)
	}
	if info.RoomID != "room-5" || info.Status != "ACTIVE" {
		t.Errorf("info = %+v", info)
	}
	if len(info.Members) != 2 {
		t.Errorf("members = %v", info.Members)
	}
	if info.JobCounts["COMPLETED"] != 2 || info.JobCounts["PROCESSING"] != 1 {
		t.Errorf("job counts = %v", info.JobCounts)
	}
	if info.TotalSummary["summary"] != "joint consult" {
		t.Errorf("total summary = %v", info.TotalSummary)
	}
}

func TestGetRoomSummary_Unknown(t *testing.T) {
	t.Parallel()
	s, store := newTestServer(t, nil)
	store.GetRoomErr = storage.ErrRoomNotFound

	if _, _, err := s.getRoomSummary(context.Background(), nil, getRoomSummaryInput{RoomID: "missing"}); err == nil {
		t.Fatal("expected error for unknown room")
	}
}

func TestSearchSegments(t *testing.T) {
	t.Parallel()
	embedder := &embedmock.Provider{EmbedResult: []float32{0.5, 0.5}}
	s, store := newTestServer(t, func(cfg *jobs.Config) { cfg.Embedder = embedder })
	store.SearchSegmentsResult = []storage.SegmentMatch{
		{Segment: storage.Segment{JobID: "job-7", Seq: 3, Text: "허리가 아파요"}, Distance: 0.08},
	}

	_, results, err := s.searchSegments(context.Background(), nil, searchSegmentsInput{Query: "back pain", RoomID: "room-7"})
	if err != nil {
		t.Fatalf("searchSegments: %v", err)
	}
	if len(results.Matches) != 1 {
		t.Fatalf("matches = %+v", results.Matches)
	}
	if m := results.Matches[0]; m.JobID != "job-7" || m.Seq != 3 || m.Distance != 0.08 {
		t.Errorf("match = %+v", m)
	}

	calls := store.Calls()
	last := calls[len(calls)-1]
	if last.Method != "SearchSegments" {
		t.Fatalf("last store call = %s", last.Method)
	}
	if topK := last.Args[1].(int); topK != defaultSearchTopK {
		t.Errorf("topK = %d, want default %d", topK, defaultSearchTopK)
	}
	if filter := last.Args[2].(storage.SegmentFilter); filter.RoomID != "room-7" || filter.JobID != "" {
		t.Errorf("filter = %+v", filter)
	}
}

func TestSearchSegments_CapsTopK(t *testing.T) {
	t.Parallel()
	embedder := &embedmock.Provider{EmbedResult: []float32{0.5}}
	s, store := newTestServer(t, func(cfg *jobs.Config) { cfg.Embedder = embedder })

	if _, _, err := s.searchSegments(context.Background(), nil, searchSegmentsInput{Query: "q", TopK: 500}); err != nil {
		t.Fatalf("searchSegments: %v", err)
	}
	calls := store.Calls()
	if topK := calls[len(calls)-1].Args[1].(int); topK != maxSearchTopK {
		t.Errorf("topK = %d, want cap %d", topK, maxSearchTopK)
	}
}

func TestSearchSegments_EmptyQuery(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, nil)

	if _, _, err := s.searchSegments(context.Background(), nil, searchSegmentsInput{}); err == nil {
		t.Fatal("expected error for empty query")
	}
}

func TestSearchSegments_RequiresEmbedder(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, nil)

	if _, _, err := s.searchSegments(context.Background(), nil, searchSegmentsInput{Query: "q"}); err == nil {
		t.Fatal("expected error when search is disabled")
	}
}

func TestHandlerServesHTTP(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, nil)

	if s.Handler() == nil {
		t.Fatal("expected a mountable handler")
	}
}
