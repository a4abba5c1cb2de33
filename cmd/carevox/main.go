// Command carevox is the speech transcription and summarization server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/carevox/carevox/internal/app"
	"github.com/carevox/carevox/internal/config"
	"github.com/carevox/carevox/pkg/provider/embeddings"
	ollamaembed "github.com/carevox/carevox/pkg/provider/embeddings/ollama"
	oaembed "github.com/carevox/carevox/pkg/provider/embeddings/openai"
	"github.com/carevox/carevox/pkg/provider/stt"
	"github.com/carevox/carevox/pkg/provider/stt/whisper"
	"github.com/carevox/carevox/pkg/provider/summary"
	"github.com/carevox/carevox/pkg/provider/summary/anyllm"
	oasummary "github.com/carevox/carevox/pkg/provider/summary/openai"
	"github.com/carevox/carevox/pkg/provider/vad"
	"github.com/carevox/carevox/pkg/provider/vad/energy"
	"github.com/carevox/carevox/pkg/provider/vad/silero"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "carevox: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "carevox: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("carevox starting",
		"version", app.Version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready — press Ctrl+C to shut down",
		"stt", cfg.STT.Provider,
		"vad", cfg.VAD.Engine,
		"summary", cfg.Summary.Provider,
	)

	runErr := application.Run(ctx)

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// newLogger builds the process-wide text logger at the configured level.
func newLogger(level config.LogLevel) *slog.Logger {
	var l slog.Level
	switch level {
	case config.LogDebug:
		l = slog.LevelDebug
	case config.LogWarn:
		l = slog.LevelWarn
	case config.LogError:
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the provider factories that ship with
// carevox into reg. Each factory receives its config section and constructs
// the provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── STT ───────────────────────────────────────────────────────────────────

	// whisper runs whisper.cpp in-process; the model file is mandatory.
	reg.RegisterSTT("whisper", func(cfg config.STTConfig) (stt.Recognizer, error) {
		var opts []whisper.Option
		if cfg.Language != "" {
			opts = append(opts, whisper.WithLanguage(cfg.Language))
		}
		if cfg.Threads > 0 {
			opts = append(opts, whisper.WithThreads(cfg.Threads))
		}
		return whisper.NewNative(cfg.ModelPath, opts...)
	})

	// whisper-server delegates inference to an external whisper-server
	// process over HTTP.
	reg.RegisterSTT("whisper-server", func(cfg config.STTConfig) (stt.Recognizer, error) {
		var opts []whisper.ServerOption
		if cfg.Language != "" {
			opts = append(opts, whisper.WithServerLanguage(cfg.Language))
		}
		return whisper.NewServer(cfg.ServerURL, opts...)
	})

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("silero", func(config.VADConfig) (vad.Engine, error) {
		return silero.Engine{}, nil
	})
	reg.RegisterVAD("energy", func(config.VADConfig) (vad.Engine, error) {
		return energy.Engine{}, nil
	})

	// ── Summary ───────────────────────────────────────────────────────────────

	reg.RegisterSummary("openai", func(cfg config.SummaryConfig) (summary.Provider, error) {
		var opts []oasummary.Option
		if cfg.BaseURL != "" {
			opts = append(opts, oasummary.WithBaseURL(cfg.BaseURL))
		}
		if cfg.TimeoutSec > 0 {
			opts = append(opts, oasummary.WithTimeout(cfg.Timeout()))
		}
		return oasummary.New(cfg.APIKey, cfg.Model, opts...)
	})

	// anyllm speaks the OpenAI chat API against any compatible endpoint —
	// LM Studio, vLLM, and the like. BaseURL selects the server.
	reg.RegisterSummary("anyllm", func(cfg config.SummaryConfig) (summary.Provider, error) {
		var opts []anyllmlib.Option
		if cfg.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(cfg.APIKey))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(cfg.BaseURL))
		}
		return anyllm.NewOpenAI(cfg.Model, opts...)
	})

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterSummary("ollama", func(cfg config.SummaryConfig) (summary.Provider, error) {
		var opts []anyllmlib.Option
		if cfg.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(cfg.BaseURL))
		}
		return anyllm.NewOllama(cfg.Model, opts...)
	})

	// ── Embeddings ────────────────────────────────────────────────────────────

	reg.RegisterEmbeddings("openai", func(cfg config.EmbeddingsConfig) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if cfg.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(cfg.BaseURL))
		}
		return oaembed.New(cfg.APIKey, cfg.Model, opts...)
	})
	reg.RegisterEmbeddings("ollama", func(cfg config.EmbeddingsConfig) (embeddings.Provider, error) {
		var opts []ollamaembed.Option
		if cfg.Dimensions > 0 {
			opts = append(opts, ollamaembed.WithDimensions(cfg.Dimensions))
		}
		return ollamaembed.New(cfg.BaseURL, cfg.Model, opts...)
	})
}

// buildProviders instantiates every provider the configuration selects.
func buildProviders(cfg *config.Config, reg *config.Registry) (app.Providers, error) {
	var p app.Providers
	var err error

	if p.Recognizer, err = reg.CreateSTT(cfg.STT); err != nil {
		return p, fmt.Errorf("stt: %w", err)
	}
	if p.VAD, err = reg.CreateVAD(cfg.VAD); err != nil {
		return p, fmt.Errorf("vad: %w", err)
	}
	if p.Summarizer, err = reg.CreateSummary(cfg.Summary); err != nil {
		return p, fmt.Errorf("summary: %w", err)
	}
	if cfg.Summary.Fallback != nil {
		if p.SummaryFallback, err = reg.CreateSummaryFallback(*cfg.Summary.Fallback, cfg.Summary); err != nil {
			return p, fmt.Errorf("summary fallback: %w", err)
		}
	}
	if cfg.Embeddings.Provider != "" {
		if p.Embedder, err = reg.CreateEmbeddings(cfg.Embeddings); err != nil {
			return p, fmt.Errorf("embeddings: %w", err)
		}
	}
	return p, nil
}
