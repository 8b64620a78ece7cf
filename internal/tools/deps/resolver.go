// Package deps orders lazily activated tools so that every tool is loaded
// after the tools it requires.
package deps

import (
	"sort"
	"strings"
	"sync"
)

// Graph is a static mapping of tool name to the tool names it requires.
type Graph struct {
	mu   sync.RWMutex
	deps map[string][]string
}

// NewGraph creates a graph from a name → dependencies map.
func NewGraph(deps map[string][]string) *Graph {
	g := &Graph{deps: make(map[string][]string, len(deps))}
	for name, requires := range deps {
		g.Set(name, requires...)
	}
	return g
}

// Set replaces the dependency list of a tool.
func (g *Graph) Set(name string, requires ...string) {
	name = normalize(name)
	if name == "" {
		return
	}
	cleaned := make([]string, 0, len(requires))
	seen := make(map[string]bool, len(requires))
	for _, dep := range requires {
		dep = normalize(dep)
		if dep == "" || dep == name || seen[dep] {
			continue
		}
		seen[dep] = true
		cleaned = append(cleaned, dep)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.deps == nil {
		g.deps = make(map[string][]string)
	}
	g.deps[name] = cleaned
}

// Requires returns the declared dependencies of a tool.
func (g *Graph) Requires(name string) []string {
	if g == nil {
		return nil
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.deps[normalize(name)]...)
}

// Names returns every tool that declares dependencies, sorted.
func (g *Graph) Names() []string {
	if g == nil {
		return nil
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.deps))
	for name := range g.deps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Closure returns the requested tools plus their transitive dependencies in
// first-seen order.
func (g *Graph) Closure(requested []string) []string {
	res := g.Resolve(requested, nil)
	out := make([]string, 0, len(res.Order)+len(res.Unresolved))
	out = append(out, res.Order...)
	out = append(out, res.Unresolved...)
	return out
}

// SkippedDependency is a dependency excluded by the allow predicate.
type SkippedDependency struct {
	Name       string
	RequiredBy string
}

// Resolution is the outcome of a dependency resolution.
type Resolution struct {
	// Order is the load order. Every tool appears after its dependencies.
	Order []string
	// AutoAdded lists dependencies pulled in that were not requested.
	AutoAdded []string
	// Skipped lists dependencies blocked by the allow predicate.
	Skipped []SkippedDependency
	// Unresolved lists tools that sit on or behind a cycle.
	Unresolved []string
}

// HasCycle reports whether some tools could not be ordered.
func (r Resolution) HasCycle() bool {
	return len(r.Unresolved) > 0
}

// Resolve computes a load order for the requested tools and their transitive
// dependencies. allow may be nil; when set, dependencies it rejects are
// recorded in Skipped instead of failing the resolution. Requested tools are
// preferred over pure dependencies whenever both are ready to load.
func (g *Graph) Resolve(requested []string, allow func(name string) bool) Resolution {
	var res Resolution

	isRequested := make(map[string]bool, len(requested))
	var closure []string
	inClosure := make(map[string]bool)
	for _, name := range requested {
		name = normalize(name)
		if name == "" || isRequested[name] {
			continue
		}
		isRequested[name] = true
		inClosure[name] = true
		closure = append(closure, name)
	}

	// edges[dep] lists the tools waiting on dep.
	edges := make(map[string][]string)
	indegree := make(map[string]int)
	skipped := make(map[string]bool)

	for i := 0; i < len(closure); i++ {
		node := closure[i]
		for _, dep := range g.Requires(node) {
			if allow != nil && !allow(dep) {
				key := node + "\x00" + dep
				if !skipped[key] {
					skipped[key] = true
					res.Skipped = append(res.Skipped, SkippedDependency{Name: dep, RequiredBy: node})
				}
				continue
			}
			if !inClosure[dep] {
				inClosure[dep] = true
				closure = append(closure, dep)
				if !isRequested[dep] {
					res.AutoAdded = append(res.AutoAdded, dep)
				}
			}
			edges[dep] = append(edges[dep], node)
			indegree[node]++
		}
	}

	var priority, normal []string
	push := func(name string) {
		if isRequested[name] {
			priority = append(priority, name)
		} else {
			normal = append(normal, name)
		}
	}
	for _, name := range closure {
		if indegree[name] == 0 {
			push(name)
		}
	}

	emitted := make(map[string]bool, len(closure))
	for len(priority) > 0 || len(normal) > 0 {
		var next string
		if len(priority) > 0 {
			next, priority = priority[0], priority[1:]
		} else {
			next, normal = normal[0], normal[1:]
		}
		res.Order = append(res.Order, next)
		emitted[next] = true
		for _, dependent := range edges[next] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				push(dependent)
			}
		}
	}

	if len(res.Order) < len(closure) {
		for _, name := range closure {
			if !emitted[name] {
				res.Unresolved = append(res.Unresolved, name)
			}
		}
	}
	return res
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
