package activation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/haasonsaas/agentrun/internal/agent"
	"github.com/haasonsaas/agentrun/internal/observability"
	"github.com/haasonsaas/agentrun/internal/tools/deps"
	"github.com/haasonsaas/agentrun/internal/tools/policy"
)

// PolicySource decides whether an agent may use a tool.
type PolicySource interface {
	Decide(agentID, toolName string) policy.Decision
}

// Result is a successful activation.
type Result struct {
	Tool     agent.Tool
	Name     string
	Duration time.Duration
	// Cached is set when the tool was already active.
	Cached bool
}

// BatchSummary reports a batch activation.
type BatchSummary struct {
	Loaded      []string
	Failed      []*Error
	AutoAdded   []string
	Skipped     []deps.SkippedDependency
	SuccessRate float64
}

// Option configures an Activator.
type Option func(*Activator)

// WithMetrics records activation metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(a *Activator) { a.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *observability.Logger) Option {
	return func(a *Activator) { a.logger = l }
}

// WithDependencies adds dependency edges on top of the catalog's own.
func WithDependencies(extra map[string][]string) Option {
	return func(a *Activator) { a.extraDeps = extra }
}

// Activator builds catalogued tools on demand and publishes them into a
// tool registry.
type Activator struct {
	catalog   *Catalog
	policy    PolicySource
	registry  *agent.ToolRegistry
	extraDeps map[string][]string
	metrics   *observability.Metrics
	logger    *observability.Logger

	inflight singleflight.Group
}

// NewActivator creates an activator. policy may be nil to allow every tool.
func NewActivator(catalog *Catalog, pol PolicySource, registry *agent.ToolRegistry, opts ...Option) *Activator {
	a := &Activator{catalog: catalog, policy: pol, registry: registry}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Registry returns the registry tools are published into.
func (a *Activator) Registry() *agent.ToolRegistry {
	return a.registry
}

func (a *Activator) allowed(agentID, name string) policy.Decision {
	if a.policy == nil {
		return policy.Decision{Allowed: true, Reason: policy.ReasonDefaultAllow}
	}
	return a.policy.Decide(agentID, name)
}

// Activate makes name available, activating its dependencies first.
// Concurrent activations of the same name share one build.
func (a *Activator) Activate(ctx context.Context, name string, rc RunContext) (Result, error) {
	name = normalize(name)
	if tool, ok := a.registry.Lookup(name); ok {
		if err := a.authorize(ctx, name, rc); err != nil {
			return Result{Name: name}, err
		}
		return Result{Tool: tool, Name: name, Cached: true}, nil
	}

	v, err, _ := a.inflight.Do(name, func() (any, error) {
		return a.activate(ctx, name, rc)
	})
	if err != nil {
		return Result{Name: name}, err
	}
	return v.(Result), nil
}

func (a *Activator) activate(ctx context.Context, name string, rc RunContext) (Result, error) {
	start := time.Now()
	summary := a.ActivateBatch(ctx, []string{name}, rc)
	for _, failure := range summary.Failed {
		if failure.Tool == name {
			return Result{Name: name}, failure
		}
	}
	tool, ok := a.registry.Lookup(name)
	if !ok {
		return Result{Name: name}, newError(KindLinkFailure, name, "tool was built but is not registered", "check that the factory returns a tool with the catalogued name")
	}
	return Result{Tool: tool, Name: name, Duration: time.Since(start)}, nil
}

// ActivateBatch activates names and their dependencies in dependency order.
// A failure never aborts the batch; every failure is reported in the summary.
// Built tools are published as one registry generation.
func (a *Activator) ActivateBatch(ctx context.Context, names []string, rc RunContext) BatchSummary {
	var summary BatchSummary

	graph := a.catalog.Graph(a.extraDeps)
	res := graph.Resolve(names, func(dep string) bool {
		return a.allowed(rc.AgentID, dep).Allowed
	})
	summary.AutoAdded = res.AutoAdded
	summary.Skipped = res.Skipped

	blocked := make(map[string][]string)
	for _, s := range res.Skipped {
		blocked[s.RequiredBy] = append(blocked[s.RequiredBy], s.Name)
	}

	ready := make(map[string]bool)
	var built []agent.Tool
	for _, name := range res.Order {
		if _, ok := a.registry.Lookup(name); ok {
			if err := a.authorize(ctx, name, rc); err != nil {
				summary.Failed = append(summary.Failed, err)
				continue
			}
			ready[name] = true
			summary.Loaded = append(summary.Loaded, name)
			continue
		}

		start := time.Now()
		tool, err := a.build(ctx, name, graph, ready, blocked[name], rc)
		elapsed := time.Since(start)
		if err != nil {
			a.metrics.RecordActivation(name, string(err.Kind), elapsed.Seconds())
			a.logger.Warn(ctx, "tool activation failed", "tool", name, "kind", err.Kind, "error", err.Message)
			summary.Failed = append(summary.Failed, err)
			continue
		}
		a.metrics.RecordActivation(name, "success", elapsed.Seconds())
		a.logger.Debug(ctx, "tool activated", "tool", name, "duration_ms", elapsed.Milliseconds())
		ready[name] = true
		built = append(built, tool)
		summary.Loaded = append(summary.Loaded, name)
	}

	for _, name := range res.Unresolved {
		err := newError(KindCyclicDependency, name,
			fmt.Sprintf("tool %s is part of a dependency cycle", name),
			"break the cycle in tools.dependencies")
		a.metrics.RecordActivation(name, string(err.Kind), 0)
		summary.Failed = append(summary.Failed, err)
	}

	a.registry.Register(built...)

	if total := len(summary.Loaded) + len(summary.Failed); total > 0 {
		summary.SuccessRate = float64(len(summary.Loaded)) / float64(total)
	}
	return summary
}

func (a *Activator) build(ctx context.Context, name string, graph *deps.Graph, ready map[string]bool, blockedDeps []string, rc RunContext) (agent.Tool, *Error) {
	def, ok := a.catalog.Lookup(name)
	if !ok {
		return nil, newError(KindNotFound, name,
			fmt.Sprintf("no tool named %s", name),
			"check the tool name or register a factory for it")
	}

	if decision := a.allowed(rc.AgentID, name); !decision.Allowed {
		return nil, blockedError(name, rc.AgentID, decision)
	}

	if len(blockedDeps) > 0 {
		return nil, newError(KindDependencyMissing, name,
			fmt.Sprintf("dependencies blocked by policy: %s", strings.Join(blockedDeps, ", ")),
			"allow the dependencies for this agent or remove the dependency")
	}
	var missingDeps []string
	for _, dep := range graph.Requires(name) {
		if !ready[dep] {
			missingDeps = append(missingDeps, dep)
		}
	}
	if len(missingDeps) > 0 {
		return nil, newError(KindDependencyMissing, name,
			fmt.Sprintf("dependencies not active: %s", strings.Join(missingDeps, ", ")),
			"fix the failing dependencies first")
	}

	rc.Activator = a
	if missing := rc.Missing(def.Needs); len(missing) > 0 {
		params := make([]string, len(missing))
		for i, p := range missing {
			params[i] = string(p)
		}
		return nil, newError(KindConstructionFailure, name,
			fmt.Sprintf("run context lacks %s", strings.Join(params, ", ")),
			"start the run with the missing parameters set")
	}

	tool, err := construct(ctx, def, rc)
	if err != nil {
		return nil, err
	}
	if normalize(tool.Name()) != name {
		return nil, newError(KindLinkFailure, name,
			fmt.Sprintf("factory returned tool %q", tool.Name()),
			"the factory must return a tool with the catalogued name")
	}
	return tool, nil
}

func blockedError(name, agentID string, decision policy.Decision) *Error {
	hint := fmt.Sprintf("enable %s for agent %q in the tool policy", name, agentID)
	if decision.Reason == policy.ReasonDenied {
		hint = fmt.Sprintf("remove %q from tools.policy.deny", decision.Rule)
	}
	return newError(KindBlockedByPolicy, name,
		fmt.Sprintf("tool %s is not allowed (%s)", name, decision.Reason), hint)
}

// authorize re-checks the policy for an active tool. The policy may have
// been reloaded since the tool was built; a tool it now denies is removed
// from the registry so it is no longer offered to the model.
func (a *Activator) authorize(ctx context.Context, name string, rc RunContext) *Error {
	decision := a.allowed(rc.AgentID, name)
	if decision.Allowed {
		return nil
	}
	a.registry.Unregister(name)
	err := blockedError(name, rc.AgentID, decision)
	a.metrics.RecordActivation(name, string(err.Kind), 0)
	a.logger.Info(ctx, "active tool revoked by policy", "tool", name, "reason", decision.Reason)
	return err
}

func construct(ctx context.Context, def Definition, rc RunContext) (tool agent.Tool, actErr *Error) {
	defer func() {
		if r := recover(); r != nil {
			tool = nil
			actErr = newError(KindLinkFailure, def.Name,
				fmt.Sprintf("factory panicked: %v", r),
				"the tool implementation is broken; check its factory")
		}
	}()

	t, err := def.Factory(ctx, rc)
	if err != nil {
		return nil, newError(KindConstructionFailure, def.Name, err.Error(), "retry the call; construction may succeed later").withCause(err)
	}
	if t == nil {
		return nil, newError(KindLinkFailure, def.Name, "factory returned no tool", "the factory must return a tool or an error")
	}
	return t, nil
}

// ForRun binds the activator to one run so the executor can activate tools
// on a registry miss.
func (a *Activator) ForRun(rc RunContext) agent.ToolActivator {
	return runActivator{a: a, rc: rc}
}

type runActivator struct {
	a  *Activator
	rc RunContext
}

// AuthorizeTool implements agent.ToolAuthorizer.
func (r runActivator) AuthorizeTool(ctx context.Context, name string) error {
	if err := r.a.authorize(ctx, normalize(name), r.rc); err != nil {
		return err
	}
	return nil
}

func (r runActivator) ActivateTool(ctx context.Context, name string) (agent.Tool, error) {
	res, err := r.a.Activate(ctx, name, r.rc)
	if err != nil {
		return nil, err
	}
	return res.Tool, nil
}
