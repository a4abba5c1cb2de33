package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/carevox/carevox/internal/event"
	"github.com/carevox/carevox/internal/jobs"
	"github.com/carevox/carevox/pkg/provider/stt"
	"github.com/carevox/carevox/pkg/provider/summary"
	"github.com/carevox/carevox/pkg/storage"
)

// RunBatch drives one uploaded file from PROCESSING to COMPLETED on a task
// worker. The recognizer performs its own framing and VAD over the file, so
// the converter and segmenter are bypassed. Segment events are published as
// they arrive; the last one carries status TRANSCRIBED so clients can tell
// recognition has finished before the summary lands.
//
// The temp file is removed on every exit path. The returned error is non-nil
// only when the job was marked FAILED; terminal-but-successful outcomes
// (empty transcript, summarizer failure at TRANSCRIBED) return nil.
func RunBatch(ctx context.Context, mgr *jobs.Manager, rec stt.Recognizer, sum summary.Provider, jobID, path string) error {
	defer removeTemp(jobID, path)

	slog.Info("batch pipeline started", "job", jobID, "path", path)

	mode := ""
	if job, err := mgr.GetJob(ctx, jobID); err != nil {
		slog.Warn("job lookup failed, using default summary mode", "job", jobID, "error", err)
	} else if m, ok := job.Metadata["mode"].(string); ok {
		mode = m
	}

	if _, err := mgr.UpdateStatus(ctx, jobID, storage.StatusProcessing, storage.JobPatch{}); err != nil {
		return failBatch(ctx, mgr, jobID, fmt.Errorf("mark processing: %w", err))
	}

	if err := rec.Load(); err != nil {
		return failBatch(ctx, mgr, jobID, fmt.Errorf("load recognizer: %w", err))
	}

	texts, seq, err := transcribeFile(ctx, mgr, rec, jobID, path)
	if err != nil {
		errMsg := fmt.Sprintf("STT 오류: %v", err)
		if logErr := mgr.LogError(ctx, jobID, "batch_stt", errMsg); logErr != nil {
			slog.Warn("error log write failed", "job", jobID, "error", logErr)
		}
		return failBatch(ctx, mgr, jobID, err)
	}

	transcript := strings.Join(texts, " ")
	if transcript == "" {
		slog.Warn("batch produced no speech", "job", jobID)
		empty := ""
		errMsg := "STT 결과 없음"
		if _, err := mgr.UpdateStatus(ctx, jobID, storage.StatusTranscribed, storage.JobPatch{
			Transcript:   &empty,
			ErrorMessage: &errMsg,
		}); err != nil {
			return failBatch(ctx, mgr, jobID, fmt.Errorf("mark transcribed: %w", err))
		}
		mgr.PublishEvent(ctx, jobID, event.Error(errMsg, 0))
		return nil
	}

	if _, err := mgr.UpdateStatus(ctx, jobID, storage.StatusTranscribed, storage.JobPatch{
		Transcript: &transcript,
	}); err != nil {
		return failBatch(ctx, mgr, jobID, fmt.Errorf("mark transcribed: %w", err))
	}
	slog.Info("batch transcription complete", "job", jobID, "segments", seq)

	summaryJSON, err := sum.Summarize(ctx, transcript, mode)
	if err != nil {
		// STT output is preserved; the job stays at TRANSCRIBED.
		errMsg := fmt.Sprintf("요약 오류: %v", err)
		slog.Error("batch summarization failed", "job", jobID, "error", err)
		if logErr := mgr.LogError(ctx, jobID, "batch_summary", errMsg); logErr != nil {
			slog.Warn("error log write failed", "job", jobID, "error", logErr)
		}
		mgr.PublishEvent(ctx, jobID, event.Error(errMsg, 0))
		return nil
	}

	mgr.PublishEvent(ctx, jobID, event.Message{
		Type:          event.TypeFinalSummary,
		Summary:       summaryJSON,
		TotalSegments: seq,
		Status:        string(storage.StatusCompleted),
	})

	if _, err := mgr.UpdateStatus(ctx, jobID, storage.StatusCompleted, storage.JobPatch{
		Summary: summaryJSON,
	}); err != nil {
		return failBatch(ctx, mgr, jobID, fmt.Errorf("mark completed: %w", err))
	}

	slog.Info("batch pipeline complete", "job", jobID, "segments", seq)
	return nil
}

// transcribeFile streams the recognizer's segments, persisting and publishing
// each with one segment of look-ahead so the final event can carry status
// TRANSCRIBED while earlier ones say PROCESSING.
func transcribeFile(ctx context.Context, mgr *jobs.Manager, rec stt.Recognizer, jobID, path string) ([]string, int, error) {
	segCh, errCh := rec.TranscribeFile(ctx, path)

	var (
		texts   []string
		seq     int
		pending *stt.Segment
	)

	emit := func(seg stt.Segment, status storage.JobStatus) {
		seq++
		texts = append(texts, seg.Text)
		if _, err := mgr.SaveSegment(ctx, jobID, seq, seg.Text, seg.Start, seg.End); err != nil {
			// The joined transcript still lands at TRANSCRIBED.
			slog.Warn("segment persist failed", "job", jobID, "seq", seq, "error", err)
		}
		mgr.PublishEvent(ctx, jobID, event.Message{
			Type:            event.TypeSegment,
			Text:            seg.Text,
			SegmentNumber:   seq,
			Status:          string(status),
			RelativeTimeSec: seg.Start,
		})
	}

	for seg := range segCh {
		if seg.Text == "" {
			continue
		}
		if pending != nil {
			emit(*pending, storage.StatusProcessing)
		}
		seg := seg
		pending = &seg
	}

	// The error channel yields exactly one value once segments are done.
	if err := <-errCh; err != nil {
		return nil, seq, fmt.Errorf("transcribe %s: %w", path, err)
	}

	if pending != nil {
		emit(*pending, storage.StatusTranscribed)
	}
	return texts, seq, nil
}

// failBatch records the failure, marks the job FAILED, and publishes the
// terminal error event.
func failBatch(ctx context.Context, mgr *jobs.Manager, jobID string, cause error) error {
	errMsg := fmt.Sprintf("파이프라인 실패: %v", cause)
	slog.Error("batch pipeline failed", "job", jobID, "error", cause)
	if err := mgr.LogError(ctx, jobID, "batch_pipeline", errMsg); err != nil {
		slog.Warn("error log write failed", "job", jobID, "error", err)
	}
	if _, err := mgr.UpdateStatus(ctx, jobID, storage.StatusFailed, storage.JobPatch{
		ErrorMessage: &errMsg,
	}); err != nil {
		slog.Error("status update failed", "job", jobID, "error", err)
	}
	mgr.PublishEvent(ctx, jobID, event.Error(errMsg, 0))
	return fmt.Errorf("pipeline: batch %s: %w", jobID, cause)
}

// removeTemp deletes the uploaded audio file. A missing file is fine: a
// retried task may find it already gone.
func removeTemp(jobID, path string) {
	err := os.Remove(path)
	switch {
	case err == nil:
		slog.Debug("temp file removed", "job", jobID, "path", path)
	case errors.Is(err, fs.ErrNotExist):
	default:
		slog.Error("temp file removal failed", "job", jobID, "path", path, "error", err)
	}
}
