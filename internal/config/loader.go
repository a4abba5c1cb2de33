package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt":        {"whisper", "whisper-server", "mock"},
	"vad":        {"silero", "energy", "mock"},
	"summary":    {"openai", "anyllm", "ollama", "mock"},
	"embeddings": {"openai", "ollama", "mock"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r over the defaults and validates
// the result. Useful in tests where configs are constructed from string
// literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Audio pipeline
	if cfg.Audio.Workers < 1 {
		errs = append(errs, fmt.Errorf("audio.workers must be at least 1, got %d", cfg.Audio.Workers))
	}
	if cfg.Audio.MaxPromptRunes < 0 {
		errs = append(errs, fmt.Errorf("audio.max_prompt_runes must not be negative, got %d", cfg.Audio.MaxPromptRunes))
	}
	if cfg.Audio.DrainTimeoutSec < 1 {
		errs = append(errs, fmt.Errorf("audio.drain_timeout_sec must be at least 1, got %d", cfg.Audio.DrainTimeoutSec))
	}
	if cfg.Audio.JoinTimeoutSec < 1 {
		errs = append(errs, fmt.Errorf("audio.join_timeout_sec must be at least 1, got %d", cfg.Audio.JoinTimeoutSec))
	}
	if cfg.Audio.MaxUploadMB < 1 {
		errs = append(errs, fmt.Errorf("audio.max_upload_mb must be at least 1, got %d", cfg.Audio.MaxUploadMB))
	}
	if cfg.Audio.UploadDir == "" {
		errs = append(errs, errors.New("audio.upload_dir is required"))
	}

	// VAD
	if cfg.VAD.Aggressiveness < 0 || cfg.VAD.Aggressiveness > 3 {
		errs = append(errs, fmt.Errorf("vad.aggressiveness %d is out of range [0, 3]", cfg.VAD.Aggressiveness))
	}
	if cfg.VAD.Threshold < 0 || cfg.VAD.Threshold > 1 {
		errs = append(errs, fmt.Errorf("vad.threshold %.2f is out of range [0, 1]", cfg.VAD.Threshold))
	}
	if cfg.VAD.MinSpeechFrames < 1 {
		errs = append(errs, fmt.Errorf("vad.min_speech_frames must be at least 1, got %d", cfg.VAD.MinSpeechFrames))
	}
	if cfg.VAD.MaxSilenceFrames < 1 {
		errs = append(errs, fmt.Errorf("vad.max_silence_frames must be at least 1, got %d", cfg.VAD.MaxSilenceFrames))
	}
	if cfg.VAD.Engine == "silero" && cfg.VAD.ModelPath == "" {
		errs = append(errs, errors.New("vad.model_path is required when vad.engine is silero"))
	}

	// STT
	if cfg.STT.Provider == "whisper" && cfg.STT.ModelPath == "" {
		errs = append(errs, errors.New("stt.model_path is required when stt.provider is whisper"))
	}
	if cfg.STT.Provider == "whisper-server" && cfg.STT.ServerURL == "" {
		errs = append(errs, errors.New("stt.server_url is required when stt.provider is whisper-server"))
	}

	// Summary
	if cfg.Summary.TimeoutSec < 0 {
		errs = append(errs, fmt.Errorf("summary.timeout_sec must not be negative, got %d", cfg.Summary.TimeoutSec))
	}

	// Embeddings ↔ storage dimensions
	if cfg.Embeddings.Provider != "" && cfg.Embeddings.Dimensions <= 0 {
		slog.Warn("embeddings provider is configured but embeddings.dimensions is not set; defaulting to 1536")
	}

	// Storage and Redis are required; the pipelines cannot run without them.
	if cfg.Storage.PostgresDSN == "" {
		errs = append(errs, errors.New("storage.postgres_dsn is required"))
	}
	if cfg.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required"))
	}

	// Tasks
	if cfg.Tasks.Workers < 1 {
		errs = append(errs, fmt.Errorf("tasks.workers must be at least 1, got %d", cfg.Tasks.Workers))
	}
	if cfg.Tasks.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("tasks.max_retries must not be negative, got %d", cfg.Tasks.MaxRetries))
	}
	if cfg.Tasks.RetryDelaySec < 1 {
		errs = append(errs, fmt.Errorf("tasks.retry_delay_sec must be at least 1, got %d", cfg.Tasks.RetryDelaySec))
	}
	if cfg.Tasks.QueueKey == "" {
		errs = append(errs, errors.New("tasks.queue_key is required"))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("stt", cfg.STT.Provider)
	validateProviderName("vad", cfg.VAD.Engine)
	validateProviderName("summary", cfg.Summary.Provider)
	validateProviderName("embeddings", cfg.Embeddings.Provider)
	if cfg.Summary.Fallback != nil {
		validateProviderName("summary", cfg.Summary.Fallback.Provider)
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
