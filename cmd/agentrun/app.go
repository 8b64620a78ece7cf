package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/agentrun/internal/agent"
	"github.com/haasonsaas/agentrun/internal/agent/providers"
	"github.com/haasonsaas/agentrun/internal/agent/tape"
	"github.com/haasonsaas/agentrun/internal/backoff"
	"github.com/haasonsaas/agentrun/internal/config"
	"github.com/haasonsaas/agentrun/internal/observability"
	"github.com/haasonsaas/agentrun/internal/runstore"
	"github.com/haasonsaas/agentrun/internal/tools/activation"
	"github.com/haasonsaas/agentrun/internal/tools/builtin"
	"github.com/haasonsaas/agentrun/internal/tools/policy"
)

// app holds everything a command needs, built from one configuration.
type app struct {
	cfg     *config.Config
	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	registry *prometheus.Registry
	db       *sql.DB
	store    *runstore.SQLStore

	closers []func(context.Context) error
}

func loadApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return newApp(cfg)
}

func newApp(cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, registry: prometheus.NewRegistry()}
	a.logger = observability.NewLogger(observability.LogConfig{
		Level:  cfg.Observability.LogLevel,
		Format: cfg.Observability.LogFormat,
		Output: os.Stderr,
	})
	a.metrics = observability.NewMetrics(a.registry)

	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "agentrun",
		ServiceVersion: version,
		Endpoint:       cfg.Observability.Tracing.Endpoint,
		SamplingRate:   cfg.Observability.Tracing.SamplingRate,
		Insecure:       cfg.Observability.Tracing.Insecure,
	})
	a.tracer = tracer
	a.closers = append(a.closers, shutdown)
	return a, nil
}

// openStore opens the configured database and migrates it.
func (a *app) openStore(ctx context.Context) (*runstore.SQLStore, error) {
	if a.store != nil {
		return a.store, nil
	}
	db, err := runstore.OpenDB(a.cfg.DBConfig())
	if err != nil {
		return nil, err
	}
	store, err := migratedStore(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	a.db, a.store = db, store
	a.closers = append(a.closers, func(context.Context) error { return db.Close() })
	return store, nil
}

func migratedStore(ctx context.Context, db *sql.DB) (*runstore.SQLStore, error) {
	migrator, err := runstore.NewMigrator(db)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize migrator: %w", err)
	}
	if _, err := migrator.Up(ctx, 0); err != nil {
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return runstore.NewSQLStore(db)
}

// usageSpool opens the local sqlite usage spool, or returns nil when none is
// configured.
func (a *app) usageSpool(ctx context.Context) (runstore.UsageStore, error) {
	path := strings.TrimSpace(a.cfg.Database.UsageSpool)
	if path == "" {
		return nil, nil
	}
	cfg := runstore.DefaultDBConfig()
	cfg.Driver = runstore.DriverSQLite
	cfg.URL = path
	db, err := runstore.OpenDB(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open usage spool: %w", err)
	}
	store, err := migratedStore(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	a.closers = append(a.closers, func(context.Context) error { return db.Close() })
	return store, nil
}

// policyStore loads the activation policy and, when a policy file is
// configured, keeps it current.
func (a *app) policyStore(ctx context.Context) (*policy.Store, error) {
	store := policy.NewStore(a.cfg.Tools.Policy)
	if a.cfg.Tools.PolicyFile == "" {
		return store, nil
	}
	w := config.NewPolicyWatcher(a.cfg.Tools.PolicyFile, store, config.WithWatcherLogger(a.logger))
	if err := w.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to load policy file: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return w.Close() })
	return store, nil
}

// buildCatalog returns the builtin tools with replayed tools substituted by
// name. A recorder wraps every factory so executions land on the tape.
func buildCatalog(replay []activation.Definition, rec *tape.Recorder) (*activation.Catalog, error) {
	defs := builtin.Definitions()
	index := make(map[string]int, len(defs))
	for i, def := range defs {
		index[strings.ToLower(def.Name)] = i
	}
	for _, def := range replay {
		if i, ok := index[strings.ToLower(def.Name)]; ok {
			defs[i].Factory = def.Factory
			defs[i].Needs = nil
			continue
		}
		defs = append(defs, def)
	}
	return activation.NewCatalog(recordTools(defs, rec)...)
}

// modelSource is the provider of a run plus the tape side of replay and
// recording.
type modelSource struct {
	provider agent.LLMProvider
	replay   []activation.Definition
	recorder *tape.Recorder
}

func (a *app) modelSource() (*modelSource, error) {
	pc := a.cfg.Provider
	src := &modelSource{}

	switch pc.Name {
	case "replay":
		recorded, err := tape.Load(pc.Tape)
		if err != nil {
			return nil, err
		}
		replayer := tape.NewReplayer(recorded)
		src.provider = replayer
		for _, tool := range replayer.Tools() {
			tool := tool
			src.replay = append(src.replay, activation.Definition{
				Name:    tool.Name(),
				Factory: func(context.Context, activation.RunContext) (agent.Tool, error) { return tool, nil },
			})
		}
	default:
		pcfg := providers.Config{
			APIKey:       pc.APIKey,
			BaseURL:      pc.BaseURL,
			DefaultModel: pc.Model,
			MaxAttempts:  pc.MaxAttempts,
			Retry:        backoff.DefaultPolicy(),
			Logger:       a.logger,
		}
		var err error
		if pc.Name == "openai" {
			src.provider, err = providers.NewOpenAIProvider(pcfg)
		} else {
			src.provider, err = providers.NewAnthropicProvider(pcfg)
		}
		if err != nil {
			return nil, err
		}
	}

	if pc.Record != "" {
		src.recorder = tape.NewRecorder(src.provider)
		src.provider = src.recorder
	}
	return src, nil
}

func recordTools(defs []activation.Definition, rec *tape.Recorder) []activation.Definition {
	if rec == nil {
		return defs
	}
	out := make([]activation.Definition, len(defs))
	for i, def := range defs {
		factory := def.Factory
		def.Factory = func(ctx context.Context, rc activation.RunContext) (agent.Tool, error) {
			tool, err := factory(ctx, rc)
			if err != nil {
				return nil, err
			}
			return rec.WrapTool(tool), nil
		}
		out[i] = def
	}
	return out
}

// serveMetrics exposes the registry until the app closes.
func (a *app) serveMetrics() {
	addr := strings.TrimSpace(a.cfg.Observability.MetricsAddr)
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("metrics server stopped", "error", err)
		}
	}()
	a.closers = append(a.closers, srv.Shutdown)
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			slog.Warn("shutdown step failed", "error", err)
		}
	}
}
