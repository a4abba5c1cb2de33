package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/carevox/carevox/internal/event"
	"github.com/carevox/carevox/internal/pipeline"
	"github.com/carevox/carevox/pkg/audio"
	"github.com/carevox/carevox/pkg/audio/decode"
	"github.com/carevox/carevox/pkg/storage"
)

// wsWriteTimeout bounds each outbound socket write so one stalled client
// cannot wedge the handler.
const wsWriteTimeout = 10 * time.Second

// finalizeGrace pads the detached finalize context beyond the drain and join
// budgets, leaving room for persistence and summarization.
const finalizeGrace = 30 * time.Second

// streamCreateRequest is the body of POST /api/v1/stream/create. Identifier
// fields are opaque strings passed through to job metadata.
type streamCreateRequest struct {
	AudioFormat string `json:"audio_format"`
	SampleRate  int    `json:"sample_rate"`
	Channels    int    `json:"channels"`
	RoomID      string `json:"room_id"`
	MemberID    string `json:"member_id"`
	CureSeq     string `json:"cure_seq"`
	CustSeq     string `json:"cust_seq"`
	PatientSeq  string `json:"patient_seq"`
	Mode        string `json:"mode"`
}

type streamCreateResponse struct {
	JobID          string          `json:"job_id"`
	JobType        string          `json:"job_type"`
	Status         string          `json:"status"`
	AudioConfig    audioConfig     `json:"audio_config"`
	ConferenceInfo *conferenceInfo `json:"conference_info,omitempty"`
	Warning        string          `json:"warning,omitempty"`
}

type audioConfig struct {
	TargetSampleRate      int    `json:"target_sample_rate"`
	TargetFrameDurationMS int    `json:"target_frame_duration_ms"`
	InputFormat           string `json:"input_format"`
	IsStreamingFormat     bool   `json:"is_streaming_format"`
}

type conferenceInfo struct {
	RoomID   string `json:"room_id"`
	MemberID string `json:"member_id"`
}

// duplicateMemberResponse is the 409 body when a room member already has a
// live job.
type duplicateMemberResponse struct {
	Error         string `json:"error"`
	RoomID        string `json:"room_id"`
	MemberID      string `json:"member_id"`
	ExistingJobID string `json:"existing_job_id"`
}

// handleStreamCreate registers a REALTIME job and reports the audio contract
// the socket expects. File-buffered formats are accepted with a latency
// warning; room members with a live job are rejected with 409.
func (s *Server) handleStreamCreate(w http.ResponseWriter, r *http.Request) {
	var req streamCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "잘못된 JSON 요청입니다.")
		return
	}
	if req.AudioFormat == "" {
		req.AudioFormat = "opus"
	}
	if req.SampleRate <= 0 {
		req.SampleRate = audio.SampleRate
	}
	if req.Channels <= 0 {
		req.Channels = audio.Channels
	}

	strategy, err := decode.StrategyFor(req.AudioFormat)
	if err != nil {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("지원하지 않는 오디오 형식입니다: %s", req.AudioFormat))
		return
	}
	var warning string
	if strategy == audio.StrategyFile {
		warning = fmt.Sprintf("경고: %s은 실시간 스트리밍에 적합하지 않습니다. "+
			"전체 파일 수신 후 처리되므로 지연이 발생할 수 있습니다. "+
			"실시간 처리를 원하시면 opus, pcm, webm 포맷을 사용하세요.", req.AudioFormat)
	}

	if (req.RoomID == "") != (req.MemberID == "") {
		writeError(w, http.StatusBadRequest, "room_id와 member_id는 함께 지정해야 합니다.")
		return
	}

	if req.RoomID != "" {
		existingID, found, err := s.mgr.CheckMemberExists(r.Context(), req.RoomID, req.MemberID)
		if err != nil {
			slog.Error("member lookup failed", "room", req.RoomID, "member", req.MemberID, "error", err)
			writeError(w, http.StatusInternalServerError, "회의실 조회에 실패했습니다.")
			return
		}
		if found {
			writeJSON(w, http.StatusConflict, duplicateMemberResponse{
				Error:         "이미 진행 중인 스트림이 있습니다.",
				RoomID:        req.RoomID,
				MemberID:      req.MemberID,
				ExistingJobID: existingID,
			})
			return
		}
	}

	metadata := map[string]any{
		"input_audio_format": req.AudioFormat,
		"input_sample_rate":  req.SampleRate,
		"input_channels":     req.Channels,
	}
	for key, v := range map[string]string{
		"mode":        req.Mode,
		"cure_seq":    req.CureSeq,
		"cust_seq":    req.CustSeq,
		"patient_seq": req.PatientSeq,
	} {
		if v != "" {
			metadata[key] = v
		}
	}

	var job storage.Job
	if req.RoomID != "" {
		job, err = s.mgr.CreateJobWithRoom(r.Context(), storage.TypeRealtime, metadata, req.RoomID, req.MemberID)
	} else {
		job, err = s.mgr.CreateJob(r.Context(), storage.TypeRealtime, metadata)
	}
	if err != nil {
		slog.Error("stream job create failed", "error", err)
		writeError(w, http.StatusInternalServerError, "작업 생성에 실패했습니다.")
		return
	}

	resp := streamCreateResponse{
		JobID:   job.ID,
		JobType: string(storage.TypeRealtime),
		Status:  "pending",
		AudioConfig: audioConfig{
			TargetSampleRate:      audio.SampleRate,
			TargetFrameDurationMS: frameDurationMS,
			InputFormat:           req.AudioFormat,
			IsStreamingFormat:     strategy != audio.StrategyFile,
		},
		Warning: warning,
	}
	if req.RoomID != "" {
		resp.ConferenceInfo = &conferenceInfo{RoomID: req.RoomID, MemberID: req.MemberID}
	}
	slog.Info("stream job created",
		"job", job.ID,
		"format", req.AudioFormat,
		"room", req.RoomID,
	)
	writeJSON(w, http.StatusCreated, resp)
}

// wsGreeting confirms a live socket connection and restates the frame
// contract.
type wsGreeting struct {
	Type        string           `json:"type"`
	JobID       string           `json:"job_id"`
	Message     string           `json:"message"`
	AudioConfig wsGreetingConfig `json:"audio_config"`
}

type wsGreetingConfig struct {
	SampleRate      int `json:"sample_rate"`
	FrameDurationMS int `json:"frame_duration_ms"`
}

// handleStreamSocket owns one live recognition session: binary packets in,
// JSON events out. Whatever ends the read loop (client close, network error,
// packet after shutdown), the deferred block finalizes exactly once, delivers
// the remaining events best-effort, and triggers the room summary check.
func (s *Server) handleStreamSocket(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")
	ctx := r.Context()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("websocket accept failed", "job", jobID, "error", err)
		return
	}

	job, err := s.mgr.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, storage.ErrJobNotFound) {
			slog.Warn("stream socket rejected", "job", jobID, "reason", "unknown job")
			if logErr := s.mgr.LogError(ctx, jobID, "websocket", "존재하지 않는 Job ID"); logErr != nil {
				slog.Warn("error log write failed", "job", jobID, "error", logErr)
			}
			conn.Close(websocket.StatusPolicyViolation, "unknown job")
			return
		}
		slog.Error("job lookup failed", "job", jobID, "error", err)
		conn.Close(websocket.StatusInternalError, "job lookup failed")
		return
	}

	format := metaString(job.Metadata, "input_audio_format")
	if format == "" {
		format = "opus"
	}
	srcRate := metaInt(job.Metadata, "input_sample_rate")
	if srcRate <= 0 {
		srcRate = audio.SampleRate
	}
	srcChannels := metaInt(job.Metadata, "input_channels")
	if srcChannels <= 0 {
		srcChannels = audio.Channels
	}

	conv, err := decode.NewConverter(format, srcRate, srcChannels)
	if err != nil {
		s.rejectStream(ctx, conn, job.ID, fmt.Sprintf("오디오 변환기 초기화 실패: %v", err))
		return
	}

	sess, err := s.vadEngine.NewSession(s.vadCfg)
	if err != nil {
		conv.Close()
		s.rejectStream(ctx, conn, job.ID, fmt.Sprintf("VAD 세션 초기화 실패: %v", err))
		return
	}

	seg := pipeline.NewSegmenter(sess, s.segCfg)
	pool := pipeline.NewWorkerPool(s.recognizer, s.guard, s.workers)
	st := pipeline.NewStream(job, s.mgr, conv, seg, pool, pipeline.Options{
		Summarizer:     s.summarizer,
		Mode:           metaString(job.Metadata, "mode"),
		MaxPromptRunes: s.maxPromptRunes,
		DrainTimeout:   s.drainTimeout,
		JoinTimeout:    s.joinTimeout,
	})

	if !s.registerStream(job.ID, st) {
		st.Close()
		slog.Warn("stream socket rejected", "job", job.ID, "reason", "already active")
		conn.Close(websocket.StatusPolicyViolation, "stream already active")
		return
	}
	s.metrics.ActiveStreams.Add(ctx, 1)

	// Workers must outlive the socket so finalize can drain them; Close
	// cancels this context.
	st.Start(context.WithoutCancel(ctx))

	defer func() {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.finalizeBudget())
		defer cancel()

		for _, msg := range st.Finalize(fctx) {
			if err := writeWS(fctx, conn, msg); err != nil {
				slog.Debug("finalize event write failed", "job", job.ID, "error", err)
				break
			}
		}
		if err := st.Close(); err != nil {
			slog.Warn("stream close failed", "job", job.ID, "error", err)
		}

		stats := conv.Stats()
		slog.Info("stream finished",
			"job", job.ID,
			"strategy", stats.Strategy,
			"bytes_in", stats.BytesIn,
			"frames_out", stats.FramesOut,
			"carry_bytes", stats.CarryBytes,
		)

		if job.RoomID != nil {
			triggered, err := s.mgr.CheckAndTriggerRoomSummary(fctx, *job.RoomID)
			if err != nil {
				slog.Warn("room summary check failed", "room", *job.RoomID, "error", err)
			} else if triggered {
				slog.Info("room summary enqueued", "room", *job.RoomID, "job", job.ID)
			}
		}

		s.removeStream(job.ID)
		s.metrics.ActiveStreams.Add(fctx, -1)
		conn.Close(websocket.StatusNormalClosure, "stream finalized")
	}()

	if _, err := s.mgr.UpdateStatus(ctx, job.ID, storage.StatusProcessing, storage.JobPatch{}); err != nil {
		slog.Warn("status update failed", "job", job.ID, "status", storage.StatusProcessing, "error", err)
	}

	greeting := wsGreeting{
		Type:    "connection_success",
		JobID:   job.ID,
		Message: fmt.Sprintf("Job %s에 성공적으로 연결되었습니다.", job.ID),
		AudioConfig: wsGreetingConfig{
			SampleRate:      audio.SampleRate,
			FrameDurationMS: frameDurationMS,
		},
	}
	if err := writeWS(ctx, conn, greeting); err != nil {
		slog.Debug("greeting write failed", "job", job.ID, "error", err)
		return
	}

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			// Client disconnect is the normal end of a live stream.
			slog.Debug("stream socket read ended", "job", job.ID, "error", err)
			return
		}
		if typ != websocket.MessageBinary {
			slog.Debug("ignoring non-binary frame", "job", job.ID, "type", typ)
			continue
		}

		events, err := st.ProcessPacket(ctx, data)
		if err != nil {
			if errors.Is(err, pipeline.ErrStreamClosed) {
				return
			}
			slog.Warn("packet processing failed", "job", job.ID, "error", err)
			continue
		}
		for _, msg := range events {
			if err := writeWS(ctx, conn, msg); err != nil {
				slog.Debug("event write failed", "job", job.ID, "error", err)
				return
			}
		}
	}
}

// rejectStream reports a construction failure on a freshly accepted socket:
// error log, error event, then an internal-error close.
func (s *Server) rejectStream(ctx context.Context, conn *websocket.Conn, jobID, msg string) {
	slog.Error("stream setup failed", "job", jobID, "error", msg)
	if err := s.mgr.LogError(ctx, jobID, "websocket", msg); err != nil {
		slog.Warn("error log write failed", "job", jobID, "error", err)
	}
	if err := writeWS(ctx, conn, event.Error(msg, 0)); err != nil {
		slog.Debug("error event write failed", "job", jobID, "error", err)
	}
	conn.Close(websocket.StatusInternalError, "stream setup failed")
}

// finalizeBudget is the detached finalize deadline: the effective drain and
// join budgets plus slack for persistence and summarization.
func (s *Server) finalizeBudget() time.Duration {
	drain := s.drainTimeout
	if drain <= 0 {
		drain = 180 * time.Second
	}
	join := s.joinTimeout
	if join <= 0 {
		join = 10 * time.Second
	}
	return drain + join + finalizeGrace
}

// writeWS marshals v and writes it as one text frame under the write timeout.
func writeWS(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}

// roomInfoResponse is the body of GET /api/v1/stream/room/{room_id}.
type roomInfoResponse struct {
	RoomID       string          `json:"room_id"`
	Status       string          `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	Members      []string        `json:"members"`
	MemberCount  int             `json:"member_count"`
	JobStatus    map[string]int  `json:"job_status"`
	TotalSummary json.RawMessage `json:"total_summary,omitempty"`
}

func (s *Server) handleRoomInfo(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room_id")
	info, err := s.mgr.GetRoomInfo(r.Context(), roomID)
	if err != nil {
		if errors.Is(err, storage.ErrRoomNotFound) {
			writeError(w, http.StatusNotFound, "Room ID를 찾을 수 없습니다.")
			return
		}
		slog.Error("room lookup failed", "room", roomID, "error", err)
		writeError(w, http.StatusInternalServerError, "회의실 조회에 실패했습니다.")
		return
	}

	statusCounts := make(map[string]int, len(info.StatusCounts))
	for status, n := range info.StatusCounts {
		statusCounts[string(status)] = n
	}
	writeJSON(w, http.StatusOK, roomInfoResponse{
		RoomID:       info.Room.RoomID,
		Status:       string(info.Room.Status),
		CreatedAt:    info.Room.CreatedAt,
		Members:      info.Members,
		MemberCount:  len(info.Members),
		JobStatus:    statusCounts,
		TotalSummary: info.Room.TotalSummary,
	})
}
