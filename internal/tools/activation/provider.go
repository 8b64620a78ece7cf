package activation

import (
	"context"
	"database/sql"

	"github.com/haasonsaas/agentrun/internal/agent"
	"github.com/haasonsaas/agentrun/internal/observability"
)

// Provider builds the tool set of each run from a shared catalog. Every run
// gets its own registry and activator, so tools activated by one run are
// never visible to another.
type Provider struct {
	catalog *Catalog
	policy  PolicySource
	threads ThreadManager
	db      *sql.DB
	preload []string
	opts    []Option
	logger  *observability.Logger
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithPreload activates names when a run starts. Failures are logged; the
// model can still activate the tools later.
func WithPreload(names ...string) ProviderOption {
	return func(p *Provider) { p.preload = append(p.preload, names...) }
}

// WithThreadManager supplies tools that read the run's message log.
func WithThreadManager(t ThreadManager) ProviderOption {
	return func(p *Provider) { p.threads = t }
}

// WithDB supplies tools that need a database handle.
func WithDB(db *sql.DB) ProviderOption {
	return func(p *Provider) { p.db = db }
}

// WithActivatorOptions applies opts to every run's activator.
func WithActivatorOptions(opts ...Option) ProviderOption {
	return func(p *Provider) { p.opts = append(p.opts, opts...) }
}

// WithProviderLogger sets the logger.
func WithProviderLogger(l *observability.Logger) ProviderOption {
	return func(p *Provider) {
		p.logger = l
		p.opts = append(p.opts, WithLogger(l))
	}
}

// NewProvider creates a provider. pol may be nil to allow every tool.
func NewProvider(catalog *Catalog, pol PolicySource, opts ...ProviderOption) *Provider {
	p := &Provider{catalog: catalog, policy: pol}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RunTools implements agent.ToolProvider.
func (p *Provider) RunTools(ctx context.Context, run agent.RunInfo) (*agent.RunTools, error) {
	registry := agent.NewToolRegistry()
	act := NewActivator(p.catalog, p.policy, registry, p.opts...)
	rc := RunContext{
		RunID:     run.RunID,
		AgentID:   run.AgentID,
		ProjectID: run.ProjectID,
		ThreadID:  run.ThreadID,
		AccountID: run.AccountID,
		Threads:   p.threads,
		DB:        p.db,
	}

	if len(p.preload) > 0 {
		summary := act.ActivateBatch(ctx, p.preload, rc)
		for _, f := range summary.Failed {
			p.logger.Warn(ctx, "preload activation failed", "tool", f.Tool, "kind", f.Kind, "error", f.Message)
		}
		p.logger.Debug(ctx, "tools preloaded", "loaded", summary.Loaded, "auto_added", summary.AutoAdded)
	}

	return &agent.RunTools{
		Registry:    registry,
		Activator:   act.ForRun(rc),
		Discovery:   p.catalog.DiscoveryNames(),
		Terminating: p.catalog.TerminatingNames(),
	}, nil
}
