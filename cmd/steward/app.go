package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/stewardai/steward/internal/agent"
	"github.com/stewardai/steward/internal/agent/providers"
	"github.com/stewardai/steward/internal/config"
	"github.com/stewardai/steward/internal/observability"
	"github.com/stewardai/steward/internal/ratelimit"
	"github.com/stewardai/steward/internal/routing"
	"github.com/stewardai/steward/internal/tasks"
	"github.com/stewardai/steward/internal/tools/exec"
	"github.com/stewardai/steward/internal/tools/files"
)

// app assembles the configured components behind each command.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    tasks.Store
	limiter  *ratelimit.Limiter
	metrics  *observability.Metrics
	manager  *tasks.Manager
	registry *agent.Registry
	runner   *tasks.Runner
}

// appOptions toggles the heavier components for read-only commands.
type appOptions struct {
	// withMetrics registers Prometheus collectors with the default
	// registry. Only one app per process may set it.
	withMetrics bool
}

func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	logger := buildLogger(cfg.Logging)
	slog.SetDefault(logger)

	store, err := buildStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		limiter: ratelimit.NewLimiter(cfg.RateLimit),
		manager: tasks.NewManager(store, logger),
	}
	if opts.withMetrics {
		a.metrics = observability.NewMetrics()
	}

	backends, err := buildProviders(cfg, a.limiter, a.metrics)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.registry = buildRegistry(cfg)
	router := routing.NewRouter(cfg.Router, routing.Options{Logger: logger})
	a.runner = tasks.NewRunner(a.manager, backends, a.registry, tasks.RunnerOptions{
		Router:     router,
		LoopConfig: &cfg.Loop,
		Metrics:    a.metrics,
		Logger:     logger,
	})
	return a, nil
}

// Close releases the limiter and the store connection.
func (a *app) Close() {
	if a.limiter != nil {
		a.limiter.Close()
	}
	if closer, ok := a.store.(io.Closer); ok {
		_ = closer.Close()
	}
}

func buildLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func buildStore(ctx context.Context, cfg *config.Config) (tasks.Store, error) {
	switch cfg.Store.Driver {
	case "memory":
		return tasks.NewMemoryStore(), nil
	case "sqlite":
		return tasks.NewSQLiteStore(cfg.Store.Path)
	case "postgres":
		return tasks.NewPostgresStore(ctx, cfg.Store.Postgres)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// buildProviders instantiates every configured backend, each wrapped with
// metrics instrumentation and sliding-window rate limiting.
func buildProviders(cfg *config.Config, limiter *ratelimit.Limiter, metrics *observability.Metrics) (map[string]agent.Provider, error) {
	backends := make(map[string]agent.Provider)

	wrap := func(p agent.Provider) agent.Provider {
		return providers.RateLimited(providers.Instrumented(p, metrics), limiter, metrics)
	}

	if cfg.Providers.Anthropic.APIKey != "" {
		p, err := providers.NewAnthropicProvider(cfg.Providers.Anthropic)
		if err != nil {
			return nil, fmt.Errorf("anthropic provider: %w", err)
		}
		backends[p.Name()] = wrap(p)
	}
	if cfg.Providers.OpenAI.APIKey != "" {
		p, err := providers.NewOpenAIProvider(cfg.Providers.OpenAI)
		if err != nil {
			return nil, fmt.Errorf("openai provider: %w", err)
		}
		backends[p.Name()] = wrap(p)
	}
	if cfg.Providers.Relay.Endpoint != "" {
		p, err := providers.NewRelayProvider(cfg.Providers.Relay)
		if err != nil {
			return nil, fmt.Errorf("relay provider: %w", err)
		}
		backends[p.Name()] = wrap(p)
	}
	return backends, nil
}

// buildRegistry registers the workspace tool surface.
func buildRegistry(cfg *config.Config) *agent.Registry {
	registry := agent.NewRegistry()
	registry.MustRegister(files.NewReadTool(cfg.Tools.Files))
	registry.MustRegister(files.NewWriteTool(cfg.Tools.Files))
	registry.MustRegister(files.NewEditTool(cfg.Tools.Files))
	registry.MustRegister(files.NewDeleteTool(cfg.Tools.Files))
	registry.MustRegister(files.NewSearchTool(cfg.Tools.Files))

	runner := exec.NewRunner(cfg.Tools.Exec)
	registry.MustRegister(exec.NewExecTool(runner))
	registry.MustRegister(exec.NewTestTool(runner, cfg.Tools.Exec))
	registry.MustRegister(exec.NewLintTool(runner, cfg.Tools.Exec))
	registry.MustRegister(exec.NewGitTool(runner))
	return registry
}
