// Package activation instantiates tools lazily, on first use, from an
// explicit catalog of factories. Each factory declares the run parameters it
// needs; the activator checks policy, orders dependencies and publishes the
// built tools into the run's registry.
package activation

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/haasonsaas/agentrun/internal/agent"
	"github.com/haasonsaas/agentrun/internal/tools/deps"
	"github.com/haasonsaas/agentrun/pkg/models"
)

// Param names a construction parameter a factory can require.
type Param string

const (
	ParamProjectID     Param = "project_id"
	ParamThreadID      Param = "thread_id"
	ParamAccountID     Param = "account_id"
	ParamThreadManager Param = "thread_manager"
	ParamDB            Param = "db"
	ParamActivator     Param = "activator"
)

// ThreadManager gives tools read access to the run's message log.
type ThreadManager interface {
	ListMessages(ctx context.Context, runID string) ([]*models.Message, error)
}

// RunContext carries everything a factory may be constructed with.
type RunContext struct {
	RunID     string
	AgentID   string
	ProjectID string
	ThreadID  string
	AccountID string
	Threads   ThreadManager
	DB        *sql.DB

	// Activator is the run's own activator, set while a factory runs.
	Activator *Activator
}

// Missing returns the parameters in needs the context cannot supply.
func (rc RunContext) Missing(needs []Param) []Param {
	var missing []Param
	for _, p := range needs {
		var ok bool
		switch p {
		case ParamProjectID:
			ok = rc.ProjectID != ""
		case ParamThreadID:
			ok = rc.ThreadID != ""
		case ParamAccountID:
			ok = rc.AccountID != ""
		case ParamThreadManager:
			ok = rc.Threads != nil
		case ParamDB:
			ok = rc.DB != nil
		case ParamActivator:
			ok = rc.Activator != nil
		}
		if !ok {
			missing = append(missing, p)
		}
	}
	return missing
}

// Factory builds a tool for one run.
type Factory func(ctx context.Context, rc RunContext) (agent.Tool, error)

// Definition describes an activatable tool.
type Definition struct {
	Name    string
	Factory Factory

	// Needs lists the RunContext parameters Factory reads.
	Needs []Param

	// DependsOn lists tools that must be active first.
	DependsOn []string

	// Discovery marks tools that expand the available tool set. They run
	// before the rest of a parallel batch.
	Discovery bool

	// Terminating marks final-answer tools.
	Terminating bool
}

// Catalog is the registry of activatable tools.
type Catalog struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewCatalog creates a catalog from defs.
func NewCatalog(defs ...Definition) (*Catalog, error) {
	c := &Catalog{defs: make(map[string]Definition, len(defs))}
	for _, def := range defs {
		if err := c.Add(def); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Add registers a definition, replacing one with the same name.
func (c *Catalog) Add(def Definition) error {
	name := normalize(def.Name)
	if name == "" {
		return fmt.Errorf("tool definition name is required")
	}
	if len(name) > agent.MaxToolNameLength {
		return fmt.Errorf("tool name %q too long", def.Name)
	}
	if def.Factory == nil {
		return fmt.Errorf("tool %s: factory is required", name)
	}
	def.Name = name
	c.mu.Lock()
	c.defs[name] = def
	c.mu.Unlock()
	return nil
}

// Lookup returns the definition for name.
func (c *Catalog) Lookup(name string) (Definition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.defs[normalize(name)]
	return def, ok
}

// Names returns every catalogued tool, sorted.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.defs))
	for name := range c.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Graph builds the dependency graph of the catalog, merged with extra edges
// from configuration.
func (c *Catalog) Graph(extra map[string][]string) *deps.Graph {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g := deps.NewGraph(nil)
	for name, def := range c.defs {
		if len(def.DependsOn) > 0 {
			g.Set(name, def.DependsOn...)
		}
	}
	for name, requires := range extra {
		g.Set(name, append(g.Requires(name), requires...)...)
	}
	return g
}

// DiscoveryNames lists tools flagged Discovery.
func (c *Catalog) DiscoveryNames() []string {
	return c.flagged(func(d Definition) bool { return d.Discovery })
}

// TerminatingNames lists tools flagged Terminating.
func (c *Catalog) TerminatingNames() []string {
	return c.flagged(func(d Definition) bool { return d.Terminating })
}

func (c *Catalog) flagged(keep func(Definition) bool) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var names []string
	for name, def := range c.defs {
		if keep(def) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
