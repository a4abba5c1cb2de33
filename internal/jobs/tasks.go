package jobs

import "context"

// Queue task names. The manager and the HTTP layer enqueue under these
// names; the matching handlers are registered in internal/tasks.
const (
	// TaskBatchPipeline runs the full batch pipeline for one uploaded file.
	TaskBatchPipeline = "batch_pipeline"

	// TaskRoomSummary aggregates and summarizes a finished room.
	TaskRoomSummary = "room_summary"
)

// BatchPipelineArgs is the payload of a [TaskBatchPipeline] task.
type BatchPipelineArgs struct {
	JobID string `json:"job_id"`
	Path  string `json:"path"`
}

// RoomSummaryArgs is the payload of a [TaskRoomSummary] task.
type RoomSummaryArgs struct {
	RoomID string `json:"room_id"`
}

// TaskQueue is the slice of the background queue the manager needs.
// Implemented by *tasks.Queue; kept as a local interface so the task
// handlers can in turn depend on the manager.
type TaskQueue interface {
	Enqueue(ctx context.Context, name string, args any) error
}
