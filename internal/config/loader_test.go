package config_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/carevox/carevox/internal/config"
	"github.com/carevox/carevox/pkg/provider/stt"
	sttmock "github.com/carevox/carevox/pkg/provider/stt/mock"
	"github.com/carevox/carevox/pkg/provider/summary"
	summarymock "github.com/carevox/carevox/pkg/provider/summary/mock"
)

const sampleYAML = `
server:
  listen_addr: ":9090"
  log_level: debug

audio:
  workers: 4
  max_prompt_runes: 128

vad:
  engine: silero
  model_path: models/silero_vad.onnx
  aggressiveness: 1

stt:
  provider: whisper
  model_path: models/ggml-base.bin
  language: ko
  ban_phrases:
    - "시청해주셔서 감사합니다"
    - "구독과 좋아요 부탁드립니다"

summary:
  provider: anyllm
  model: qwen2.5-7b-instruct
  base_url: http://localhost:1234/v1
  default_mode: medical
  fallback:
    provider: openai
    api_key: sk-test
    model: gpt-4o-mini

embeddings:
  provider: openai
  api_key: sk-test
  model: text-embedding-3-small
  dimensions: 1536

storage:
  postgres_dsn: "postgres://localhost:5432/carevox?sslmode=disable"

redis:
  addr: "localhost:6379"

tasks:
  workers: 3
`

func TestLoadFromReader_FullConfig(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("listen_addr: %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level: %q", cfg.Server.LogLevel)
	}
	if cfg.Audio.Workers != 4 {
		t.Errorf("audio.workers: %d", cfg.Audio.Workers)
	}
	if cfg.VAD.Engine != "silero" || cfg.VAD.ModelPath != "models/silero_vad.onnx" {
		t.Errorf("vad: %+v", cfg.VAD)
	}
	if len(cfg.STT.BanPhrases) != 2 {
		t.Errorf("ban_phrases: %v", cfg.STT.BanPhrases)
	}
	if cfg.Summary.Fallback == nil || cfg.Summary.Fallback.Provider != "openai" {
		t.Errorf("summary.fallback: %+v", cfg.Summary.Fallback)
	}
	if cfg.Embeddings.Dimensions != 1536 {
		t.Errorf("embeddings.dimensions: %d", cfg.Embeddings.Dimensions)
	}
	if cfg.Tasks.Workers != 3 {
		t.Errorf("tasks.workers: %d", cfg.Tasks.Workers)
	}
}

func TestLoadFromReader_DefaultsSurviveDecode(t *testing.T) {
	t.Parallel()
	// A minimal file sets only what has no default; everything else must keep
	// its documented default value.
	yaml := `
vad:
  engine: energy
stt:
  provider: mock
storage:
  postgres_dsn: "postgres://localhost/carevox"
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen_addr should default, got %q", cfg.Server.ListenAddr)
	}
	if cfg.Audio.Workers != 3 {
		t.Errorf("audio.workers should default, got %d", cfg.Audio.Workers)
	}
	if cfg.Audio.UploadDir != "temp_audio" {
		t.Errorf("audio.upload_dir should default, got %q", cfg.Audio.UploadDir)
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("redis.addr should default, got %q", cfg.Redis.Addr)
	}
	if cfg.Summary.DefaultMode != "medical" {
		t.Errorf("summary.default_mode should default, got %q", cfg.Summary.DefaultMode)
	}
}

func TestLoadFromReader_UnknownKeyRejected(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  listen_addr: ":8080"
  log_levle: info
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown key, got nil")
	}
	if !strings.Contains(err.Error(), "log_levle") {
		t.Errorf("error should name the unknown key, got: %v", err)
	}
}

func TestLoadFromReader_InvalidConfigRejected(t *testing.T) {
	t.Parallel()
	yaml := `
vad:
  engine: mock
stt:
  provider: mock
audio:
  workers: 0
storage:
  postgres_dsn: "postgres://localhost/carevox"
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
	if !strings.Contains(err.Error(), "audio.workers") {
		t.Errorf("error should mention audio.workers, got: %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load("/nonexistent/carevox.yaml")
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
	if !strings.Contains(err.Error(), "open") {
		t.Errorf("error should mention open, got: %v", err)
	}
}

func TestRegistry_CreateSTT(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	reg.RegisterSTT("mock", func(config.STTConfig) (stt.Recognizer, error) {
		return &sttmock.Recognizer{}, nil
	})

	rec, err := reg.CreateSTT(config.STTConfig{Provider: "mock"})
	if err != nil {
		t.Fatalf("CreateSTT: %v", err)
	}
	if rec == nil {
		t.Fatal("expected a recognizer instance")
	}

	_, err = reg.CreateSTT(config.STTConfig{Provider: "nope"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("want ErrProviderNotRegistered, got %v", err)
	}
}

func TestRegistry_CreateSummaryFallback(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()

	var got config.SummaryConfig
	reg.RegisterSummary("mock", func(cfg config.SummaryConfig) (summary.Provider, error) {
		got = cfg
		return &summarymock.Provider{}, nil
	})

	base := config.SummaryConfig{
		Provider:    "openai",
		Model:       "gpt-4o",
		TimeoutSec:  30,
		DefaultMode: "medical",
	}
	fb := config.SummaryFallbackConfig{Provider: "mock", Model: "fallback-model"}

	if _, err := reg.CreateSummaryFallback(fb, base); err != nil {
		t.Fatalf("CreateSummaryFallback: %v", err)
	}
	if got.Provider != "mock" || got.Model != "fallback-model" {
		t.Errorf("fallback overrides not applied: %+v", got)
	}
	if got.TimeoutSec != 30 || got.DefaultMode != "medical" {
		t.Errorf("base settings not inherited: %+v", got)
	}
	if got.Fallback != nil {
		t.Error("fallback config must not nest another fallback")
	}
}
