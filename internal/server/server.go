// Package server is the HTTP boundary of carevox: file uploads and job reads
// for the batch pipeline, the live recognition WebSocket, server-sent job
// events, room lookups, and the operational endpoints (health, metrics, MCP).
//
// Handlers stay thin. Everything durable goes through [jobs.Manager]; the
// live socket endpoint owns the in-memory [pipeline.Stream] for its job and
// is the only writer to the active-stream registry entry it created.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/carevox/carevox/internal/health"
	"github.com/carevox/carevox/internal/jobs"
	"github.com/carevox/carevox/internal/observe"
	"github.com/carevox/carevox/internal/pipeline"
	"github.com/carevox/carevox/pkg/audio"
	"github.com/carevox/carevox/pkg/provider/stt"
	"github.com/carevox/carevox/pkg/provider/summary"
	"github.com/carevox/carevox/pkg/provider/vad"
)

const (
	// defaultUploadDir stages batch uploads until the task worker picks
	// them up.
	defaultUploadDir = "temp_audio"

	// defaultMaxUploadMB caps accepted upload size.
	defaultMaxUploadMB = 100

	// frameDurationMS is the pipeline frame length reported to clients.
	frameDurationMS = int(audio.FrameDuration / time.Millisecond)
)

// defaultAllowedFormats is the upload extension allow-list applied when the
// configuration names none.
var defaultAllowedFormats = []string{"wav", "mp3", "m4a", "aac", "ogg", "flac", "webm"}

// Config configures a [Server]. Manager is always required; Recognizer,
// Summarizer, and VAD are required for the live stream endpoints.
type Config struct {
	// Manager is the job lifecycle façade behind every handler. Required.
	Manager *jobs.Manager

	// Recognizer transcribes speech segments on live streams.
	Recognizer stt.Recognizer

	// Summarizer produces the structured summary at stream finalize.
	Summarizer summary.Provider

	// VAD creates the per-stream voice activity session.
	VAD vad.Engine

	// Health serves /healthz and /readyz when set.
	Health *health.Handler

	// MCP is mounted at /mcp when set.
	MCP http.Handler

	// Metrics records HTTP and stream instrumentation. Defaults to
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// UploadDir stages batch uploads before transcription. Default
	// "temp_audio".
	UploadDir string

	// MaxUploadMB caps the accepted upload size in mebibytes. Default 100.
	MaxUploadMB int

	// AllowedFormats is the upload extension allow-list, without dots.
	AllowedFormats []string

	// Workers is the recognition worker count per live stream. Zero uses
	// the pool default.
	Workers int

	// MaxPromptRunes, DrainTimeout, and JoinTimeout tune each live stream;
	// zero values use the pipeline defaults.
	MaxPromptRunes int
	DrainTimeout   time.Duration
	JoinTimeout    time.Duration

	// BanPhrases replaces the hallucination guard's ban-phrase list. Nil
	// keeps the guard defaults.
	BanPhrases []string

	// VADConfig parameterizes every live stream's VAD session. SampleRate
	// and FrameMs are overwritten with the pipeline frame format.
	VADConfig vad.Config

	// Segmenter tunes the speech/silence hysteresis of live streams.
	Segmenter pipeline.SegmenterCfg
}

// Server routes the HTTP surface and owns the active-stream registry. Create
// one with [New] and mount [Server.Handler].
type Server struct {
	mgr        *jobs.Manager
	recognizer stt.Recognizer
	summarizer summary.Provider
	vadEngine  vad.Engine
	guard      *pipeline.Guard
	metrics    *observe.Metrics

	uploadDir      string
	maxUploadBytes int64
	allowedFormats map[string]struct{}

	workers        int
	maxPromptRunes int
	drainTimeout   time.Duration
	joinTimeout    time.Duration

	vadCfg vad.Config
	segCfg pipeline.SegmenterCfg

	handler http.Handler

	mu      sync.Mutex
	streams map[string]*pipeline.Stream
}

// New assembles the route table and middleware chain. The returned server is
// ready to serve; nothing is bound to the network here.
func New(cfg Config) *Server {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.UploadDir == "" {
		cfg.UploadDir = defaultUploadDir
	}
	if cfg.MaxUploadMB <= 0 {
		cfg.MaxUploadMB = defaultMaxUploadMB
	}
	if len(cfg.AllowedFormats) == 0 {
		cfg.AllowedFormats = defaultAllowedFormats
	}

	allowed := make(map[string]struct{}, len(cfg.AllowedFormats))
	for _, f := range cfg.AllowedFormats {
		allowed[f] = struct{}{}
	}

	guardOpts := []pipeline.GuardOption{}
	if cfg.BanPhrases != nil {
		guardOpts = append(guardOpts, pipeline.WithBanPhrases(cfg.BanPhrases...))
	}

	// Every VAD session classifies the converter's fixed frame format.
	cfg.VADConfig.SampleRate = audio.SampleRate
	cfg.VADConfig.FrameMs = frameDurationMS

	s := &Server{
		mgr:            cfg.Manager,
		recognizer:     cfg.Recognizer,
		summarizer:     cfg.Summarizer,
		vadEngine:      cfg.VAD,
		guard:          pipeline.NewGuard(guardOpts...),
		metrics:        cfg.Metrics,
		uploadDir:      cfg.UploadDir,
		maxUploadBytes: int64(cfg.MaxUploadMB) << 20,
		allowedFormats: allowed,
		workers:        cfg.Workers,
		maxPromptRunes: cfg.MaxPromptRunes,
		drainTimeout:   cfg.DrainTimeout,
		joinTimeout:    cfg.JoinTimeout,
		vadCfg:         cfg.VADConfig,
		segCfg:         cfg.Segmenter,
		streams:        make(map[string]*pipeline.Stream),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/conversation/request", s.handleUpload)
	mux.HandleFunc("GET /api/v1/conversation/result/{job_id}", s.handleResult)
	mux.HandleFunc("GET /api/v1/conversation/stream-events/{job_id}", s.handleStreamEvents)
	mux.HandleFunc("GET /api/v1/conversation/errors/{job_id}", s.handleErrors)
	mux.HandleFunc("POST /api/v1/stream/create", s.handleStreamCreate)
	mux.HandleFunc("GET /ws/v1/stream/{job_id}", s.handleStreamSocket)
	mux.HandleFunc("GET /api/v1/stream/room/{room_id}", s.handleRoomInfo)
	mux.HandleFunc("GET /api/v1/stream/health", s.handleStreamHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	if cfg.Health != nil {
		cfg.Health.Register(mux)
	}
	if cfg.MCP != nil {
		mux.Handle("/mcp", cfg.MCP)
	}

	var handler http.Handler = mux
	handler = observe.Recoverer()(handler)
	handler = observe.Middleware(cfg.Metrics)(handler)
	s.handler = handler
	return s
}

// Handler returns the fully wrapped route table for mounting on an
// [http.Server].
func (s *Server) Handler() http.Handler { return s.handler }

// ActiveStreams returns the number of live recognition sockets currently
// registered.
func (s *Server) ActiveStreams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

// registerStream claims the registry slot for a job. It reports false when
// another socket already owns the job.
func (s *Server) registerStream(jobID string, st *pipeline.Stream) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.streams[jobID]; exists {
		return false
	}
	s.streams[jobID] = st
	return true
}

// removeStream releases the registry slot. Called by the same handler that
// registered it, on every exit path.
func (s *Server) removeStream(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.streams, jobID)
}

// streamHealthResponse is the body of GET /api/v1/stream/health.
type streamHealthResponse struct {
	Status        string          `json:"status"`
	ActiveStreams int             `json:"active_streams"`
	VADConfig     vadHealthConfig `json:"vad_config"`
}

type vadHealthConfig struct {
	SampleRate       int `json:"sample_rate"`
	FrameDurationMS  int `json:"frame_duration_ms"`
	Aggressiveness   int `json:"aggressiveness"`
	MinSpeechFrames  int `json:"min_speech_frames"`
	MaxSilenceFrames int `json:"max_silence_frames"`
}

func (s *Server) handleStreamHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, streamHealthResponse{
		Status:        "healthy",
		ActiveStreams: s.ActiveStreams(),
		VADConfig: vadHealthConfig{
			SampleRate:       audio.SampleRate,
			FrameDurationMS:  frameDurationMS,
			Aggressiveness:   s.vadCfg.Aggressiveness,
			MinSpeechFrames:  s.segCfg.MinSpeechFrames,
			MaxSilenceFrames: s.segCfg.MaxSilenceFrames,
		},
	})
}

// writeJSON encodes v with the given status. Encoding failures are logged;
// by then the status line is already on the wire.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response encode failed", "error", err)
	}
}

// writeError sends a JSON error body of the shape {"error": msg}.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// metaString reads a string metadata value, returning "" when absent or of
// another type.
func metaString(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// metaInt reads a numeric metadata value. JSON round-trips through the store
// surface numbers as float64, so both forms are accepted.
func metaInt(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
