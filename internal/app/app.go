// Package app wires the Tometo subsystems into a running server.
//
// New builds the tool registry (the retrieval search tool and any MCP
// tools), the retrieval index, the session manager and the HTTP surface.
// Run serves until its context ends and Shutdown tears everything down in
// order. Tests inject doubles through the functional options.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/tometo/internal/config"
	"github.com/MrWong99/tometo/internal/health"
	"github.com/MrWong99/tometo/internal/observe"
	"github.com/MrWong99/tometo/internal/retrieval"
	"github.com/MrWong99/tometo/internal/retrieval/postgres"
	"github.com/MrWong99/tometo/internal/session"
	"github.com/MrWong99/tometo/internal/tool"
	"github.com/MrWong99/tometo/internal/tool/mcptool"
	"github.com/MrWong99/tometo/internal/tool/search"
	"github.com/MrWong99/tometo/internal/transport"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics

	tools    *tool.Registry
	extra    []*tool.Tool
	index    retrieval.Index
	checkers []health.Checker
	health   *health.Handler
	sessions *SessionManager
	adapter  *transport.Adapter
	server   *http.Server

	// closers run in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics replaces the default metrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithIndex injects a retrieval index instead of creating one from config.
func WithIndex(idx retrieval.Index) Option {
	return func(a *App) { a.index = idx }
}

// WithTools registers additional tools next to the built-in ones.
func WithTools(tools ...*tool.Tool) Option {
	return func(a *App) { a.extra = append(a.extra, tools...) }
}

// New creates an App. It builds the retrieval index, connects MCP servers
// and registers every tool before returning.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	config.ApplyDefaults(cfg)
	a := &App{cfg: cfg, providers: providers}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if providers == nil || providers.LLM == nil {
		return nil, errors.New("app: an llm provider is required")
	}
	a.tools = tool.NewRegistry(tool.WithBreaker(breakerConfig(a.metrics)))

	if err := a.initRetrieval(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init retrieval: %w", err)
	}
	if err := a.initMCP(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init mcp: %w", err)
	}
	for _, t := range a.extra {
		if err := a.tools.Register(t); err != nil {
			a.closeAll()
			return nil, fmt.Errorf("app: %w", err)
		}
	}

	a.sessions = NewSessionManager(session.Providers{
		LLM:   providers.LLM,
		STT:   providers.STT,
		TTS:   providers.TTS,
		Tools: a.tools,
	}, cfg.Pipeline, a.metrics)
	a.adapter = transport.NewAdapter(transport.Config{
		SampleRate:     cfg.Pipeline.SampleRate,
		Channels:       cfg.Pipeline.Channels,
		Capacity:       cfg.Pipeline.BufferSize,
		OriginPatterns: cfg.Server.OriginPatterns,
	})
	a.health = health.New(a.checkers...)

	slog.Info("app initialised", "tools", a.tools.Names(), "output", cfg.Pipeline.Output, "input_audio", cfg.Pipeline.AudioInput())
	return a, nil
}

// initRetrieval builds or opens the index and registers the search tool.
func (a *App) initRetrieval(ctx context.Context) error {
	rc := a.cfg.Retrieval
	if a.index == nil && !rc.Enabled() {
		slog.Info("retrieval disabled, no data_dir or postgres_dsn configured")
		return nil
	}
	emb := a.providers.Embeddings
	if emb == nil {
		return errors.New("an embeddings provider is required")
	}

	if a.index == nil {
		if rc.PostgresDSN != "" {
			dims := rc.EmbeddingDimensions
			if dims == 0 {
				dims = emb.Dimensions()
			}
			store, err := postgres.New(ctx, rc.PostgresDSN, dims)
			if err != nil {
				return err
			}
			a.closers = append(a.closers, func() error { store.Close(); return nil })
			a.checkers = append(a.checkers, health.Ping("postgres", store))
			a.index = store
		} else {
			a.index = retrieval.NewMemoryIndex()
		}
	}

	if rc.DataDir != "" {
		docs, err := retrieval.LoadDir(rc.DataDir)
		if err != nil {
			return err
		}
		n, err := retrieval.Build(ctx, docs, emb, a.index, retrieval.BuildOptions{
			ChunkWords:   rc.ChunkWords,
			OverlapWords: rc.OverlapWords,
			Concurrency:  rc.Concurrency,
		})
		if err != nil {
			return err
		}
		slog.Info("retrieval index built", "dir", rc.DataDir, "documents", len(docs), "chunks", n)
	}
	a.checkers = append(a.checkers, health.IndexLoaded("retrieval_index", a.index))

	t, err := search.New(retrieval.NewQuerier(emb, a.index, rc.TopK))
	if err != nil {
		return err
	}
	return a.tools.Register(t)
}

// initMCP connects the configured MCP servers and registers their tools.
func (a *App) initMCP(ctx context.Context) error {
	servers := a.cfg.MCP.ServerConfigs()
	if len(servers) == 0 {
		return nil
	}
	host := mcptool.New()
	a.closers = append(a.closers, host.Close)
	return host.RegisterAll(ctx, a.tools, servers)
}

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Tools returns the tool registry.
func (a *App) Tools() *tool.Registry { return a.tools }

// ApplyConfig applies the hot-reloadable parts of a config change.
func (a *App) ApplyConfig(_, new *config.Config, d config.Diff) {
	if d.PipelineChanged {
		a.sessions.SetPipeline(new.Pipeline)
	}
}

// Handler returns the HTTP surface: the voice session websocket, health
// probes and Prometheus metrics, wrapped in request metrics middleware.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(a.cfg.Server.WebSocketPath, a.adapter.Handler(a.sessions.Open))
	a.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	return observe.Middleware(a.metrics)(mux)
}

// Run serves HTTP until ctx is cancelled, then returns ctx.Err(). A listener
// failure is returned immediately.
func (a *App) Run(ctx context.Context) error {
	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	slog.Info("listening", "addr", a.cfg.Server.ListenAddr, "websocket", a.cfg.Server.WebSocketPath, "tls", a.cfg.Server.TLS != nil)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	}
}

// Shutdown stops accepting sessions, closes live ones and releases every
// subsystem. If ctx expires first the remaining closers are skipped and
// ctx's error is returned. Only the first call does anything.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "sessions", a.sessions.Count(), "closers", len(a.closers))
		a.health.Drain()

		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				slog.Warn("http server shutdown", "err", err)
			}
		}
		if err := a.sessions.CloseAll(ctx); err != nil {
			slog.Warn("closing sessions", "err", err)
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := ctx.Err(); err != nil {
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = err
				return
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs the closers collected so far after a failed New.
func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}
