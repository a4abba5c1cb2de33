package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/carevox/carevox/internal/event"
	"github.com/carevox/carevox/pkg/storage"
)

// handleStreamEvents replays a job's stored segments as historical events and
// then relays live pipeline events until the final summary arrives. Jobs that
// are already COMPLETED get the stored summary synthesized as the closing
// event instead of a live phase.
//
// A replayed segment can race the live channel and arrive twice; the live
// phase drops segment events whose number is not past the backfill high-water
// mark, so clients see every segment exactly once and in order.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")
	ctx := r.Context()

	job, err := s.mgr.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, storage.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "Job ID를 찾을 수 없습니다.")
			return
		}
		slog.Error("job lookup failed", "job", jobID, "error", err)
		writeError(w, http.StatusInternalServerError, "작업 조회에 실패했습니다.")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "스트리밍을 지원하지 않는 연결입니다.")
		return
	}

	// Subscribe before reading the backfill so no event falls between the
	// two phases. Finished jobs publish nothing further; skip the channel.
	var (
		events      <-chan event.Message
		unsubscribe func()
	)
	if job.Status != storage.StatusCompleted {
		events, unsubscribe = s.mgr.SubscribeEvents(ctx, jobID)
		defer unsubscribe()
	}

	segments, err := s.mgr.GetSegments(ctx, jobID)
	if err != nil {
		if logErr := s.mgr.LogError(ctx, jobID, "sse_stream", fmt.Sprintf("세그먼트 조회 실패: %v", err)); logErr != nil {
			slog.Warn("error log write failed", "job", jobID, "error", logErr)
		}
		writeError(w, http.StatusInternalServerError, "세그먼트 조회에 실패했습니다.")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	lastSeq := 0
	for _, seg := range segments {
		replay := event.Message{
			Type:            event.TypeSegment,
			Text:            seg.Text,
			SegmentNumber:   seg.Seq,
			RelativeTimeSec: seg.StartSec,
			IsHistorical:    true,
			Status:          string(job.Status),
		}
		if !writeSSE(w, flusher, replay) {
			return
		}
		if seg.Seq > lastSeq {
			lastSeq = seg.Seq
		}
	}

	if job.Status == storage.StatusCompleted {
		writeSSE(w, flusher, event.Message{
			Type:          event.TypeFinalSummary,
			Summary:       job.Summary,
			TotalSegments: len(segments),
			IsHistorical:  true,
			Status:        string(storage.StatusCompleted),
		})
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-events:
			if !ok {
				return
			}
			if msg.Type == event.TypeSegment && msg.SegmentNumber <= lastSeq {
				continue
			}
			if !writeSSE(w, flusher, msg) {
				return
			}
			if msg.Type == event.TypeFinalSummary {
				return
			}
		}
	}
}

// writeSSE emits one named server-sent event and flushes it. It reports false
// when the connection is gone; marshal failures skip the event but keep the
// stream open.
func writeSSE(w http.ResponseWriter, flusher http.Flusher, msg event.Message) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Warn("event encode failed", "type", msg.Type, "error", err)
		return true
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Type, data); err != nil {
		return false
	}
	flusher.Flush()
	return true
}
