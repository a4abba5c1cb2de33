// Package pipeline drives audio from arrival to transcript and summary.
//
// Live audio takes the full path: the converter's 30 ms frames feed a
// VAD-gated [Segmenter], speech segments fan out to the recognizer
// [WorkerPool], and the [Stream] assembles guarded results into persisted
// segments and bus events, finishing with the structured summary. Batch
// audio skips the front half: [RunBatch] hands the whole file to a streaming
// recognizer and reuses the same persistence and summary tail.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/carevox/carevox/internal/event"
	"github.com/carevox/carevox/internal/jobs"
	"github.com/carevox/carevox/pkg/audio"
	"github.com/carevox/carevox/pkg/provider/summary"
	"github.com/carevox/carevox/pkg/storage"
)

const (
	// defaultMaxPromptRunes bounds the rolling recognizer prompt. Whisper
	// reads at most 224 prompt tokens, which Korean text approaches at about
	// one rune per token.
	defaultMaxPromptRunes = 224

	// defaultDrainTimeout bounds the finalize wait for in-flight segments.
	defaultDrainTimeout = 180 * time.Second

	// defaultJoinTimeout bounds the worker join after drain.
	defaultJoinTimeout = 10 * time.Second

	// drainPoll is how long each finalize poll waits for the next result
	// before re-checking the pending counter and the deadline.
	drainPoll = 100 * time.Millisecond
)

// ErrStreamClosed is returned by ProcessPacket once Finalize has begun.
var ErrStreamClosed = errors.New("pipeline: stream closed")

// Options tunes a [Stream] beyond its required collaborators.
type Options struct {
	// Summarizer produces the structured final summary. Required.
	Summarizer summary.Provider

	// Mode selects the summary prompt template. Empty uses the provider
	// default.
	Mode string

	// MaxPromptRunes bounds the rolling recognizer prompt; the tail is
	// kept. Default 224.
	MaxPromptRunes int

	// DrainTimeout bounds the finalize wait for in-flight segments.
	// Default 180 s.
	DrainTimeout time.Duration

	// JoinTimeout bounds the worker join after drain; on expiry the worker
	// context is cancelled. Default 10 s.
	JoinTimeout time.Duration
}

// Stream drives one live job end to end: packets in, events out. It owns the
// job's transcript, prompt context, and sequence counter; all methods are
// called from the single socket-handler goroutine that owns the job.
type Stream struct {
	job  storage.Job
	mgr  *jobs.Manager
	conv *audio.Converter
	seg  *Segmenter
	pool *WorkerPool

	summarizer     summary.Provider
	mode           string
	maxPromptRunes int
	drainTimeout   time.Duration
	joinTimeout    time.Duration

	cancel context.CancelFunc

	seq        int
	transcript []string
	prompt     string

	consumed   int
	recognized int
	errored    int
	sttMS      int64

	closed       atomic.Bool
	finalizeOnce sync.Once
}

// NewStream binds a live job to its converter, segmenter, and worker pool.
// Call [Stream.Start] before the first packet.
func NewStream(job storage.Job, mgr *jobs.Manager, conv *audio.Converter, seg *Segmenter, pool *WorkerPool, o Options) *Stream {
	if o.MaxPromptRunes <= 0 {
		o.MaxPromptRunes = defaultMaxPromptRunes
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = defaultDrainTimeout
	}
	if o.JoinTimeout <= 0 {
		o.JoinTimeout = defaultJoinTimeout
	}
	return &Stream{
		job:            job,
		mgr:            mgr,
		conv:           conv,
		seg:            seg,
		pool:           pool,
		summarizer:     o.Summarizer,
		mode:           o.Mode,
		maxPromptRunes: o.MaxPromptRunes,
		drainTimeout:   o.DrainTimeout,
		joinTimeout:    o.JoinTimeout,
	}
}

// JobID returns the identifier of the job this stream drives.
func (s *Stream) JobID() string { return s.job.ID }

// Start launches the recognition workers. The derived context lets Finalize
// cancel workers that outlive the join deadline.
func (s *Stream) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.pool.Start(ctx)
}

// ProcessPacket converts one audio packet, runs segmentation, enqueues any
// closed segments, and returns the events for every recognition result that
// is ready right now. Results arrive asynchronously, so the returned events
// usually belong to earlier packets.
func (s *Stream) ProcessPacket(ctx context.Context, pkt []byte) ([]event.Message, error) {
	if s.closed.Load() {
		return nil, ErrStreamClosed
	}

	frames, err := s.conv.Convert(pkt)
	if err != nil {
		return nil, fmt.Errorf("pipeline: convert packet: %w", err)
	}
	for _, f := range frames {
		if err := s.processFrame(ctx, f); err != nil {
			return nil, err
		}
	}
	return s.drainReady(ctx), nil
}

// Finalize flushes buffered audio, drains in-flight recognition, stops the
// workers, persists the transcript, and runs summarization. It returns the
// remaining events, ending with exactly one terminal event (final_summary or
// error). Finalize is idempotent: only the first call does the work, later
// calls return nil.
//
// The context must outlive the socket: handlers pass a detached context with
// its own timeout.
func (s *Stream) Finalize(ctx context.Context) []event.Message {
	var events []event.Message
	s.finalizeOnce.Do(func() {
		events = s.finalize(ctx)
	})
	return events
}

// Close releases the converter and VAD session and cancels the worker
// context. Call after Finalize on every exit path.
func (s *Stream) Close() error {
	s.closed.Store(true)
	if s.cancel != nil {
		s.cancel()
	}
	return errors.Join(s.conv.Close(), s.seg.Close())
}

// processFrame advances segmentation by one frame, enqueueing a closed
// segment under the next sequence number with a prompt snapshot. VAD
// failures drop the frame and keep the stream alive.
func (s *Stream) processFrame(ctx context.Context, frame []byte) error {
	segm, err := s.seg.Process(frame)
	if err != nil {
		slog.Debug("frame dropped", "job", s.job.ID, "error", err)
		return nil
	}
	if segm == nil {
		return nil
	}
	s.seq++
	if err := s.pool.Enqueue(ctx, s.seq, segm, s.prompt); err != nil {
		return fmt.Errorf("pipeline: enqueue segment %d: %w", s.seq, err)
	}
	return nil
}

// drainReady consumes every result already sitting in the out-queue.
func (s *Stream) drainReady(ctx context.Context) []event.Message {
	var events []event.Message
	for {
		r, ok := s.pool.Poll()
		if !ok {
			return events
		}
		if msg, ok := s.consume(ctx, r); ok {
			events = append(events, msg)
		}
	}
}

// consume folds one recognition result into the job: transcript and prompt
// growth, segment persistence, and event publication. The second return is
// false for suppressed (empty) results, which produce no event.
func (s *Stream) consume(ctx context.Context, r Result) (event.Message, bool) {
	s.consumed++
	s.sttMS += r.ProcMS

	if r.Err != nil {
		s.errored++
		errMsg := fmt.Sprintf("STT 오류: %v", r.Err)
		slog.Error("segment recognition failed", "job", s.job.ID, "seq", r.Seq, "error", r.Err)
		if err := s.mgr.LogError(ctx, s.job.ID, "stream_stt", errMsg); err != nil {
			slog.Warn("error log write failed", "job", s.job.ID, "error", err)
		}
		msg := event.Error(errMsg, r.Seq)
		s.mgr.PublishEvent(ctx, s.job.ID, msg)
		return msg, true
	}

	if r.Text == "" {
		// Guard suppression or silence; nothing reaches the transcript.
		return event.Message{}, false
	}

	s.recognized++
	s.transcript = append(s.transcript, r.Text)
	s.extendPrompt(r.Text)

	rel := r.RelStart
	if _, err := s.mgr.SaveSegment(ctx, s.job.ID, r.Seq, r.Text, &rel, nil); err != nil {
		// The rolling transcript still lands durably at finalize.
		slog.Warn("segment persist failed", "job", s.job.ID, "seq", r.Seq, "error", err)
	}

	msg := event.Message{
		Type:              event.TypeSegment,
		Text:              r.Text,
		SegmentNumber:     r.Seq,
		ProcessingMS:      r.ProcMS,
		AbsoluteTimestamp: r.Start.Format(time.RFC3339Nano),
		RelativeTimeSec:   &rel,
	}
	s.mgr.PublishEvent(ctx, s.job.ID, msg)
	slog.Info("segment recognized", "job", s.job.ID, "seq", r.Seq, "ms", r.ProcMS)
	return msg, true
}

// extendPrompt appends text to the recognizer bias context, keeping only the
// trailing MaxPromptRunes runes.
func (s *Stream) extendPrompt(text string) {
	if s.prompt == "" {
		s.prompt = text
	} else {
		s.prompt += " " + text
	}
	if runes := []rune(s.prompt); len(runes) > s.maxPromptRunes {
		s.prompt = string(runes[len(runes)-s.maxPromptRunes:])
	}
}

func (s *Stream) finalize(ctx context.Context) []event.Message {
	s.closed.Store(true)

	var events []event.Message

	// File-strategy converters decode everything here; stream decoders
	// surface their tail. The sub-frame remainder is too short to carry
	// speech and is dropped.
	frames, _, err := s.conv.Flush()
	if err != nil {
		slog.Warn("converter flush failed", "job", s.job.ID, "error", err)
	}
	for _, f := range frames {
		if err := s.processFrame(ctx, f); err != nil {
			slog.Warn("flush frame dropped", "job", s.job.ID, "error", err)
			break
		}
	}
	if segm := s.seg.Flush(); segm != nil {
		s.seq++
		if err := s.pool.Enqueue(ctx, s.seq, segm, s.prompt); err != nil {
			slog.Warn("trailing segment dropped", "job", s.job.ID, "error", err)
		}
	}

	// Collect everything still in flight, bounded by the drain deadline.
	deadline := time.Now().Add(s.drainTimeout)
	for s.pool.Pending() > 0 && time.Now().Before(deadline) {
		if ctx.Err() != nil {
			break
		}
		r, ok := s.pool.Await(ctx, drainPoll)
		if !ok {
			continue
		}
		if msg, ok := s.consume(ctx, r); ok {
			events = append(events, msg)
		}
	}

	if !s.pool.Shutdown(s.joinTimeout) {
		slog.Warn("worker join timed out", "job", s.job.ID, "pending", s.pool.Pending())
		if s.cancel != nil {
			s.cancel()
		}
	}

	// Late results pushed during shutdown are still collectable.
	for {
		r, ok := s.pool.Poll()
		if !ok {
			break
		}
		if msg, ok := s.consume(ctx, r); ok {
			events = append(events, msg)
		}
	}

	s.logStats()
	return append(events, s.complete(ctx))
}

// complete persists the final transcript and runs summarization, returning
// the terminal event. Summarizer failures leave the job at TRANSCRIBED so
// the recognized text survives.
func (s *Stream) complete(ctx context.Context) event.Message {
	transcript := strings.Join(s.transcript, " ")

	if transcript == "" {
		slog.Warn("no speech recognized", "job", s.job.ID, "segments", s.seq)
		empty := ""
		errMsg := "대화 내용 없음"
		if _, err := s.mgr.UpdateStatus(ctx, s.job.ID, storage.StatusTranscribed, storage.JobPatch{
			Transcript:   &empty,
			ErrorMessage: &errMsg,
		}); err != nil {
			slog.Error("status update failed", "job", s.job.ID, "error", err)
		}
		msg := event.Error("대화 내용이 없습니다", 0)
		s.mgr.PublishEvent(ctx, s.job.ID, msg)
		return msg
	}

	if _, err := s.mgr.UpdateStatus(ctx, s.job.ID, storage.StatusTranscribed, storage.JobPatch{
		Transcript: &transcript,
	}); err != nil {
		return s.summaryFailure(ctx, fmt.Errorf("pipeline: persist transcript: %w", err))
	}
	slog.Info("transcription complete", "job", s.job.ID, "segments", s.seq, "recognized", s.recognized)

	summaryJSON, err := s.summarizer.Summarize(ctx, transcript, s.mode)
	if err != nil {
		return s.summaryFailure(ctx, err)
	}

	if _, err := s.mgr.UpdateStatus(ctx, s.job.ID, storage.StatusCompleted, storage.JobPatch{
		Summary: summaryJSON,
	}); err != nil {
		return s.summaryFailure(ctx, fmt.Errorf("pipeline: persist summary: %w", err))
	}
	slog.Info("summary complete", "job", s.job.ID)

	msg := event.Message{
		Type:          event.TypeFinalSummary,
		Summary:       summaryJSON,
		TotalSegments: s.seq,
	}
	s.mgr.PublishEvent(ctx, s.job.ID, msg)
	return msg
}

// summaryFailure records a summarization-stage failure and returns the
// terminal error event. The job stays at TRANSCRIBED.
func (s *Stream) summaryFailure(ctx context.Context, cause error) event.Message {
	errMsg := fmt.Sprintf("요약 오류: %v", cause)
	slog.Error("summarization failed", "job", s.job.ID, "error", cause)
	if err := s.mgr.LogError(ctx, s.job.ID, "stream_summary", errMsg); err != nil {
		slog.Warn("error log write failed", "job", s.job.ID, "error", err)
	}
	msg := event.Error(errMsg, 0)
	s.mgr.PublishEvent(ctx, s.job.ID, msg)
	return msg
}

func (s *Stream) logStats() {
	segStats := s.seg.Stats()
	convStats := s.conv.Stats()
	var avgMS int64
	if s.consumed > 0 {
		avgMS = s.sttMS / int64(s.consumed)
	}
	slog.Info("stream finalized",
		"job", s.job.ID,
		"segments", s.seq,
		"recognized", s.recognized,
		"failed", s.errored,
		"frames", segStats.Frames,
		"speech_frames", segStats.SpeechFrames,
		"vad_ms", segStats.VADTime.Milliseconds(),
		"stt_ms", s.sttMS,
		"avg_stt_ms", avgMS,
		"bytes_in", convStats.BytesIn,
	)
}
