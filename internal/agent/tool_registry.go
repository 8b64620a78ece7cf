package agent

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// MaxToolNameLength bounds tool names accepted from model output.
const MaxToolNameLength = 256

// ToolSource resolves tool names to implementations.
type ToolSource interface {
	Lookup(name string) (Tool, bool)
	Specs() []ToolSpec
}

// ToolActivator lazily makes a tool available on first use.
type ToolActivator interface {
	ActivateTool(ctx context.Context, name string) (Tool, error)
}

// ToolAuthorizer is implemented by activators that can revoke a tool that is
// already registered, for example after a policy reload.
type ToolAuthorizer interface {
	AuthorizeTool(ctx context.Context, name string) error
}

// toolSnapshot is an immutable generation of the registry contents.
type toolSnapshot struct {
	generation uint64
	tools      map[string]Tool
}

// ToolRegistry holds the active tool set as an atomically swapped, read-only
// snapshot. Writers copy the current snapshot, modify the copy and publish it
// as a new generation; readers never observe a half-built registry.
type ToolRegistry struct {
	writeMu sync.Mutex
	current atomic.Pointer[toolSnapshot]
}

// NewToolRegistry creates a registry with the given tools.
func NewToolRegistry(tools ...Tool) *ToolRegistry {
	r := &ToolRegistry{}
	r.current.Store(&toolSnapshot{tools: map[string]Tool{}})
	r.Register(tools...)
	return r
}

func (r *ToolRegistry) snapshot() *toolSnapshot {
	if s := r.current.Load(); s != nil {
		return s
	}
	return &toolSnapshot{tools: map[string]Tool{}}
}

// Register publishes a new generation containing tools. Existing tools with
// the same name are replaced.
func (r *ToolRegistry) Register(tools ...Tool) {
	if len(tools) == 0 {
		return
	}
	r.mutate(func(m map[string]Tool) {
		for _, t := range tools {
			if t == nil {
				continue
			}
			m[toolKey(t.Name())] = t
		}
	})
}

// Unregister publishes a new generation without the named tools.
func (r *ToolRegistry) Unregister(names ...string) {
	r.mutate(func(m map[string]Tool) {
		for _, name := range names {
			delete(m, toolKey(name))
		}
	})
}

// Invalidate drops every tool. Activators rebuild the set lazily.
func (r *ToolRegistry) Invalidate() {
	r.mutate(func(m map[string]Tool) {
		for k := range m {
			delete(m, k)
		}
	})
}

func (r *ToolRegistry) mutate(fn func(map[string]Tool)) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	prev := r.snapshot()
	next := &toolSnapshot{
		generation: prev.generation + 1,
		tools:      make(map[string]Tool, len(prev.tools)+1),
	}
	for k, v := range prev.tools {
		next.tools[k] = v
	}
	fn(next.tools)
	r.current.Store(next)
}

// Lookup returns the tool registered under name.
func (r *ToolRegistry) Lookup(name string) (Tool, bool) {
	if len(name) == 0 || len(name) > MaxToolNameLength {
		return nil, false
	}
	t, ok := r.snapshot().tools[toolKey(name)]
	return t, ok
}

// Names returns the registered tool names, sorted.
func (r *ToolRegistry) Names() []string {
	snap := r.snapshot()
	names := make([]string, 0, len(snap.tools))
	for _, t := range snap.tools {
		names = append(names, t.Name())
	}
	sort.Strings(names)
	return names
}

// Specs returns the advertised specs of every registered tool, sorted by name.
func (r *ToolRegistry) Specs() []ToolSpec {
	snap := r.snapshot()
	specs := make([]ToolSpec, 0, len(snap.tools))
	for _, t := range snap.tools {
		specs = append(specs, SpecOf(t))
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Generation returns the current snapshot generation.
func (r *ToolRegistry) Generation() uint64 {
	return r.snapshot().generation
}

func toolKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// runLock is a reference-counted mutex for one run id.
type runLock struct {
	mu   sync.Mutex
	refs int
}

// runLocks serializes every mutation of persisted message state for a run.
type runLocks struct {
	mu    sync.Mutex
	locks map[string]*runLock
}

func newRunLocks() *runLocks {
	return &runLocks{locks: make(map[string]*runLock)}
}

// lock acquires the write path for runID and returns its release function.
func (l *runLocks) lock(runID string) func() {
	if strings.TrimSpace(runID) == "" {
		return func() {}
	}

	l.mu.Lock()
	lock := l.locks[runID]
	if lock == nil {
		lock = &runLock{}
		l.locks[runID] = lock
	}
	lock.refs++
	l.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		l.mu.Lock()
		lock.refs--
		if lock.refs <= 0 {
			delete(l.locks, runID)
		}
		l.mu.Unlock()
	}
}
