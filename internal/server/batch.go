package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/carevox/carevox/pkg/storage"
)

// uploadResponse acknowledges an accepted batch job.
type uploadResponse struct {
	JobID   string `json:"job_id"`
	JobType string `json:"job_type"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// errorsResponse lists the error log of a job.
type errorsResponse struct {
	JobID      string             `json:"job_id"`
	Errors     []storage.ErrorLog `json:"errors"`
	ErrorCount int                `json:"error_count,omitempty"`
	Message    string             `json:"message,omitempty"`
}

// handleUpload accepts a multipart audio file, stages it on disk, creates a
// BATCH job, and enqueues the transcription task. The response is 202: the
// actual work happens in the task worker.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)

	if err := r.ParseMultipartForm(s.maxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("파일 크기가 제한(%dMB)을 초과했습니다.", s.maxUploadBytes>>20))
			return
		}
		writeError(w, http.StatusBadRequest, "잘못된 multipart 요청입니다.")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "오디오 파일이 필요합니다.")
		return
	}
	defer file.Close()

	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(header.Filename)), ".")
	if _, ok := s.allowedFormats[ext]; !ok {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("지원하지 않는 오디오 형식입니다: %s", ext))
		return
	}

	metadata := map[string]any{
		"filename":  header.Filename,
		"file_size": header.Size,
	}
	for _, key := range []string{"cure_seq", "cust_seq", "patient_seq", "mode"} {
		if v := r.FormValue(key); v != "" {
			metadata[key] = v
		}
	}

	job, err := s.mgr.CreateJob(r.Context(), storage.TypeBatch, metadata)
	if err != nil {
		slog.Error("batch job create failed", "error", err)
		writeError(w, http.StatusInternalServerError, "작업 생성에 실패했습니다.")
		return
	}

	if err := os.MkdirAll(s.uploadDir, 0o755); err != nil {
		s.failJob(r.Context(), job.ID, "batch_pipeline", fmt.Sprintf("업로드 디렉토리 생성 실패: %v", err))
		writeError(w, http.StatusInternalServerError, "파일 저장에 실패했습니다.")
		return
	}
	path := filepath.Join(s.uploadDir, job.ID+"."+ext)
	if err := saveUpload(path, file); err != nil {
		os.Remove(path)
		s.failJob(r.Context(), job.ID, "batch_pipeline", fmt.Sprintf("파일 저장 실패: %v", err))
		writeError(w, http.StatusInternalServerError, "파일 저장에 실패했습니다.")
		return
	}

	if err := s.mgr.EnqueueBatch(r.Context(), job.ID, path); err != nil {
		os.Remove(path)
		s.failJob(r.Context(), job.ID, "batch_pipeline", fmt.Sprintf("작업 큐 등록 실패: %v", err))
		writeError(w, http.StatusInternalServerError, "작업 큐 등록에 실패했습니다.")
		return
	}

	slog.Info("batch job accepted",
		"job", job.ID,
		"filename", header.Filename,
		"size", header.Size,
	)
	writeJSON(w, http.StatusAccepted, uploadResponse{
		JobID:   job.ID,
		JobType: string(storage.TypeBatch),
		Status:  "pending",
		Message: "작업이 성공적으로 요청되었습니다.",
	})
}

// saveUpload streams the multipart file to path.
func saveUpload(path string, src io.Reader) error {
	dst, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

// failJob marks a job FAILED and records the stage error. Used on upload
// paths where the job exists but can never be processed.
func (s *Server) failJob(ctx context.Context, jobID, stage, msg string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.mgr.LogError(ctx, jobID, stage, msg); err != nil {
		slog.Warn("error log write failed", "job", jobID, "error", err)
	}
	if _, err := s.mgr.UpdateStatus(ctx, jobID, storage.StatusFailed, storage.JobPatch{
		ErrorMessage: &msg,
	}); err != nil {
		slog.Error("job fail mark failed", "job", jobID, "error", err)
	}
}

// handleResult returns the stored job row, transcript and summary included.
func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")
	job, err := s.mgr.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, storage.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "Job ID를 찾을 수 없습니다.")
			return
		}
		slog.Error("job lookup failed", "job", jobID, "error", err)
		writeError(w, http.StatusInternalServerError, "작업 조회에 실패했습니다.")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleErrors returns the job's error log. Unknown jobs 404; jobs with a
// clean log answer 200 with an explanatory message.
func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")
	jobErrors, err := s.mgr.GetErrors(r.Context(), jobID)
	if err != nil {
		slog.Error("error log lookup failed", "job", jobID, "error", err)
		writeError(w, http.StatusInternalServerError, "에러 로그 조회에 실패했습니다.")
		return
	}
	if len(jobErrors) == 0 {
		if _, err := s.mgr.GetJob(r.Context(), jobID); err != nil {
			if errors.Is(err, storage.ErrJobNotFound) {
				writeError(w, http.StatusNotFound, "Job ID를 찾을 수 없습니다.")
				return
			}
			slog.Error("job lookup failed", "job", jobID, "error", err)
			writeError(w, http.StatusInternalServerError, "작업 조회에 실패했습니다.")
			return
		}
		writeJSON(w, http.StatusOK, errorsResponse{
			JobID:   jobID,
			Errors:  []storage.ErrorLog{},
			Message: "에러 로그가 없습니다.",
		})
		return
	}
	writeJSON(w, http.StatusOK, errorsResponse{
		JobID:      jobID,
		Errors:     jobErrors,
		ErrorCount: len(jobErrors),
	})
}
