package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/carevox/carevox/internal/jobs"
	"github.com/carevox/carevox/internal/pipeline"
	"github.com/carevox/carevox/pkg/provider/stt"
	"github.com/carevox/carevox/pkg/provider/summary"
	"github.com/carevox/carevox/pkg/storage"
)

// Handlers implements the queue's task names. One instance is registered at
// boot; every method is safe for concurrent invocation by the workers.
type Handlers struct {
	manager    *jobs.Manager
	queue      *Queue
	recognizer stt.Recognizer
	summarizer summary.Provider
	maxRetries int
	retryDelay time.Duration
}

// HandlersConfig configures [NewHandlers].
type HandlersConfig struct {
	// Manager is the job lifecycle façade. Required.
	Manager *jobs.Manager

	// Queue is the queue the handlers run on; the room summary handler
	// requeues itself through it. Required.
	Queue *Queue

	// Recognizer transcribes uploaded files in the batch pipeline. Required.
	Recognizer stt.Recognizer

	// Summarizer produces batch and room summaries. Required.
	Summarizer summary.Provider

	// MaxRetries bounds how often a not-yet-ready room summary is retried.
	// Defaults to 5.
	MaxRetries int

	// RetryDelay is the pause before a not-ready room is re-checked.
	// Defaults to 10 seconds.
	RetryDelay time.Duration
}

// NewHandlers creates the handler set and binds it to the queue's task names.
func NewHandlers(cfg HandlersConfig) *Handlers {
	h := &Handlers{
		manager:    cfg.Manager,
		queue:      cfg.Queue,
		recognizer: cfg.Recognizer,
		summarizer: cfg.Summarizer,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
	}
	if h.maxRetries <= 0 {
		h.maxRetries = 5
	}
	if h.retryDelay <= 0 {
		h.retryDelay = 10 * time.Second
	}
	h.queue.Register(jobs.TaskBatchPipeline, h.BatchPipeline)
	h.queue.Register(jobs.TaskRoomSummary, h.RoomSummary)
	return h
}

// BatchPipeline runs the full batch pipeline for one uploaded file.
func (h *Handlers) BatchPipeline(ctx context.Context, task Task) error {
	var args jobs.BatchPipelineArgs
	if err := json.Unmarshal(task.Args, &args); err != nil {
		return fmt.Errorf("tasks: batch_pipeline args: %w", err)
	}
	return pipeline.RunBatch(ctx, h.manager, h.recognizer, h.summarizer, args.JobID, args.Path)
}

// RoomSummary aggregates a room once every participant has finished
// transcribing. A room that is not ready yet is retried with a delay; after
// maxRetries attempts the task is dropped with a warning, since a room that
// never settles usually holds a FAILED job that no retry will fix.
func (h *Handlers) RoomSummary(ctx context.Context, task Task) error {
	var args jobs.RoomSummaryArgs
	if err := json.Unmarshal(task.Args, &args); err != nil {
		return fmt.Errorf("tasks: room_summary args: %w", err)
	}

	ready, err := h.manager.IsRoomReadyForSummary(ctx, args.RoomID)
	if err != nil {
		return fmt.Errorf("tasks: room %s readiness: %w", args.RoomID, err)
	}
	if !ready {
		if task.Retries >= h.maxRetries {
			slog.Warn("room summary abandoned, room never became ready",
				"room", args.RoomID, "retries", task.Retries)
			return nil
		}
		slog.Debug("room not ready for summary, requeueing",
			"room", args.RoomID, "retries", task.Retries)
		return h.queue.Requeue(ctx, task, h.retryDelay)
	}

	transcripts, err := h.manager.GetCompletedRoomTranscripts(ctx, args.RoomID)
	if err != nil {
		return fmt.Errorf("tasks: room %s transcripts: %w", args.RoomID, err)
	}
	if len(transcripts) == 0 {
		slog.Warn("room ready but holds no transcripts", "room", args.RoomID)
		return nil
	}

	combined := joinRoomTranscripts(transcripts)
	summaryJSON, err := h.summarizer.Summarize(ctx, combined, "")
	if err != nil {
		return fmt.Errorf("tasks: summarize room %s: %w", args.RoomID, err)
	}
	if err := h.manager.UpdateRoomSummary(ctx, args.RoomID, summaryJSON); err != nil {
		return fmt.Errorf("tasks: store room summary %s: %w", args.RoomID, err)
	}

	slog.Info("room summary complete", "room", args.RoomID, "participants", len(transcripts))
	return nil
}

// joinRoomTranscripts concatenates per-member transcripts in job-creation
// order, each introduced by a visible participant separator so the summarizer
// can attribute statements.
func joinRoomTranscripts(transcripts []storage.RoomTranscript) string {
	var b strings.Builder
	for i, tr := range transcripts {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "participant: %s\n%s", tr.MemberID, tr.Transcript)
	}
	return b.String()
}
