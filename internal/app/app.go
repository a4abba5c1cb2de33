// Package app wires the carevox subsystems together: the durable store, the
// Redis-backed cache/bus/queue, the job manager, the background task
// handlers, and the HTTP server. The binary in cmd/carevox builds the
// providers and hands them to [New]; everything below the HTTP boundary
// depends only on interfaces, so this package is the single place where
// concrete implementations meet.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/carevox/carevox/internal/config"
	"github.com/carevox/carevox/internal/eventbus"
	"github.com/carevox/carevox/internal/health"
	"github.com/carevox/carevox/internal/jobcache"
	"github.com/carevox/carevox/internal/jobs"
	"github.com/carevox/carevox/internal/mcpserver"
	"github.com/carevox/carevox/internal/observe"
	"github.com/carevox/carevox/internal/pipeline"
	"github.com/carevox/carevox/internal/resilience"
	"github.com/carevox/carevox/internal/server"
	"github.com/carevox/carevox/internal/tasks"
	"github.com/carevox/carevox/pkg/provider/embeddings"
	"github.com/carevox/carevox/pkg/provider/stt"
	"github.com/carevox/carevox/pkg/provider/summary"
	"github.com/carevox/carevox/pkg/provider/vad"
	"github.com/carevox/carevox/pkg/storage"
	"github.com/carevox/carevox/pkg/storage/postgres"
)

// Version is stamped at build time via -ldflags "-X". It is reported in
// telemetry and in the MCP server implementation info.
var Version = "dev"

// Providers carries the concrete provider implementations selected from the
// configuration. cmd/carevox builds them through the provider registry.
type Providers struct {
	// Recognizer transcribes speech. Required; its model is loaded during
	// [New] and a load failure is fatal.
	Recognizer stt.Recognizer

	// VAD classifies audio frames for the live stream segmenter. Required.
	VAD vad.Engine

	// Summarizer produces structured summaries. Required.
	Summarizer summary.Provider

	// SummaryFallback, when set, is consulted whenever the primary
	// summarizer fails or its circuit breaker is open.
	SummaryFallback summary.Provider

	// Embedder, when set, indexes recognized segments for semantic search.
	Embedder embeddings.Provider

	// Store overrides the PostgreSQL store built from the configuration.
	// Used by tests; leave nil in production.
	Store storage.Store
}

// App owns every long-lived subsystem and their shutdown order.
type App struct {
	cfg *config.Config

	store       storage.Store
	closeStore  func()
	redisClient *redis.Client
	manager     *jobs.Manager
	queue       *tasks.Queue
	srv         *server.Server
	httpServer  *http.Server

	recognizer stt.Recognizer

	shutdownObserve func(context.Context) error
}

// New builds the full application from configuration and providers. It
// connects to PostgreSQL, loads the recognizer model, and assembles the HTTP
// surface; nothing is bound to the network until [App.Run].
func New(ctx context.Context, cfg *config.Config, p Providers) (*App, error) {
	if p.Recognizer == nil {
		return nil, errors.New("app: recognizer provider is required")
	}
	if p.VAD == nil {
		return nil, errors.New("app: vad provider is required")
	}
	if p.Summarizer == nil {
		return nil, errors.New("app: summary provider is required")
	}

	a := &App{cfg: cfg, recognizer: p.Recognizer}

	if cfg.Observe.Enabled {
		shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
			ServiceName:    cfg.Observe.ServiceName,
			ServiceVersion: Version,
		})
		if err != nil {
			return nil, fmt.Errorf("app: init telemetry: %w", err)
		}
		a.shutdownObserve = shutdown
	}

	// A recognizer that cannot load its model can never serve a job.
	if err := p.Recognizer.Load(); err != nil {
		return nil, fmt.Errorf("app: load recognizer: %w", err)
	}

	a.store = p.Store
	if a.store == nil {
		dims := 0
		if p.Embedder != nil {
			dims = p.Embedder.Dimensions()
		}
		pg, err := postgres.NewStore(ctx, cfg.Storage.PostgresDSN, dims)
		if err != nil {
			return nil, fmt.Errorf("app: connect storage: %w", err)
		}
		a.store = pg
		a.closeStore = pg.Close
	}

	a.redisClient = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	if err := a.redisClient.Ping(pingCtx).Err(); err != nil {
		// The cache is best-effort and readiness reports the queue state;
		// boot proceeds so the service can come up before Redis does.
		slog.Warn("redis unreachable at boot", "addr", cfg.Redis.Addr, "error", err)
	}
	cancel()

	summarizer := p.Summarizer
	if p.SummaryFallback != nil {
		fbName := "fallback"
		if cfg.Summary.Fallback != nil {
			fbName = cfg.Summary.Fallback.Provider
		}
		fb := resilience.NewSummaryFallback(p.Summarizer, cfg.Summary.Provider, resilience.FallbackConfig{})
		fb.AddFallback(fbName, p.SummaryFallback)
		summarizer = fb
	}

	cache := jobcache.New(a.redisClient)
	bus := eventbus.New(a.redisClient)
	a.queue = tasks.New(a.redisClient,
		tasks.WithKey(cfg.Tasks.QueueKey),
		tasks.WithWorkers(cfg.Tasks.Workers),
	)

	a.manager = jobs.NewManager(jobs.Config{
		Store:    a.store,
		Cache:    cache,
		Bus:      bus,
		Queue:    a.queue,
		Embedder: p.Embedder,
	})

	tasks.NewHandlers(tasks.HandlersConfig{
		Manager:    a.manager,
		Queue:      a.queue,
		Recognizer: p.Recognizer,
		Summarizer: summarizer,
		MaxRetries: cfg.Tasks.MaxRetries,
		RetryDelay: cfg.Tasks.RetryDelay(),
	})

	healthHandler := health.New(
		health.Checker{Name: "postgres", Check: a.checkStore},
		health.Checker{Name: "redis", Check: func(ctx context.Context) error {
			return a.redisClient.Ping(ctx).Err()
		}},
		health.Checker{Name: "recognizer", Check: func(context.Context) error {
			return p.Recognizer.Load()
		}},
		health.Checker{Name: "summarizer", Check: summarizer.CheckConnection},
	)

	var mcpHandler http.Handler
	if cfg.MCP.Enabled {
		mcpHandler = mcpserver.New(a.manager, Version).Handler()
	}

	a.srv = server.New(server.Config{
		Manager:        a.manager,
		Recognizer:     p.Recognizer,
		Summarizer:     summarizer,
		VAD:            p.VAD,
		Health:         healthHandler,
		MCP:            mcpHandler,
		UploadDir:      cfg.Audio.UploadDir,
		MaxUploadMB:    cfg.Audio.MaxUploadMB,
		AllowedFormats: cfg.Audio.AllowedFormats,
		Workers:        cfg.Audio.Workers,
		MaxPromptRunes: cfg.Audio.MaxPromptRunes,
		DrainTimeout:   cfg.Audio.DrainTimeout(),
		JoinTimeout:    cfg.Audio.JoinTimeout(),
		BanPhrases:     cfg.STT.BanPhrases,
		VADConfig: vad.Config{
			Aggressiveness: cfg.VAD.Aggressiveness,
			Threshold:      cfg.VAD.Threshold,
			ModelPath:      cfg.VAD.ModelPath,
		},
		Segmenter: pipeline.SegmenterCfg{
			MinSpeechFrames:  cfg.VAD.MinSpeechFrames,
			MaxSilenceFrames: cfg.VAD.MaxSilenceFrames,
		},
	})

	a.httpServer = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// Handler returns the assembled HTTP route table, for tests that mount the
// app in an httptest server.
func (a *App) Handler() http.Handler { return a.srv.Handler() }

// Manager returns the job lifecycle façade.
func (a *App) Manager() *jobs.Manager { return a.manager }

// Run serves HTTP and drains the task queue until ctx is cancelled or the
// listener fails. It returns nil on a clean, signal-driven exit.
func (a *App) Run(ctx context.Context) error {
	serveErr := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.httpServer.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	queueDone := make(chan struct{})
	go func() {
		defer close(queueDone)
		if err := a.queue.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("task queue stopped", "error", err)
		}
	}()

	slog.Info("listening", "addr", a.cfg.Server.ListenAddr)

	select {
	case <-ctx.Done():
		return nil
	case err, ok := <-serveErr:
		if !ok {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// Shutdown stops accepting requests, waits for in-flight work bounded by
// ctx, and releases every resource acquired in [New]. Safe to call after a
// failed Run.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error

	if err := a.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	// Background embedding writes hold store references; let them land
	// before the pool closes.
	a.manager.WaitForEmbeds()

	if closer, ok := a.recognizer.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("recognizer close: %w", err))
		}
	}

	if a.closeStore != nil {
		a.closeStore()
	}
	if err := a.redisClient.Close(); err != nil {
		errs = append(errs, fmt.Errorf("redis close: %w", err))
	}

	if a.shutdownObserve != nil {
		if err := a.shutdownObserve(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
		}
	}

	return errors.Join(errs...)
}

// checkStore is the readiness probe for the durable store. The mock store
// used in tests has no Ping; a store without one is assumed reachable.
func (a *App) checkStore(ctx context.Context) error {
	if pinger, ok := a.store.(interface{ Ping(context.Context) error }); ok {
		return pinger.Ping(ctx)
	}
	return nil
}
