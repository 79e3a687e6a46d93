package plugin

import (
	"errors"
	"fmt"
)

// Failure records why a plugin was excluded from, or failed within, a batch.
type Failure struct {
	Plugin string
	Err    error
}

// Graph is the dependency graph of one discovery batch. Edges point from a
// dependant to its dependencies. A Graph is never mutated after construction.
type Graph struct {
	nodes []string
	descs map[string]*Descriptor
	deps  map[string][]string
	rdeps map[string][]string
	dups  []Failure
}

// NewGraph builds a graph from descriptors in discovery order. A later
// descriptor reusing an earlier name is recorded as a duplicate and ignored.
func NewGraph(descs []*Descriptor) *Graph {
	g := &Graph{
		descs: make(map[string]*Descriptor, len(descs)),
		deps:  make(map[string][]string, len(descs)),
		rdeps: make(map[string][]string, len(descs)),
	}
	for _, d := range descs {
		if d == nil {
			continue
		}
		if _, ok := g.descs[d.Name]; ok {
			g.dups = append(g.dups, Failure{
				Plugin: d.Name,
				Err:    fmt.Errorf("%w: %s", ErrDuplicatePlugin, d.Name),
			})
			continue
		}
		g.nodes = append(g.nodes, d.Name)
		g.descs[d.Name] = d
		g.deps[d.Name] = dedupe(append([]string(nil), d.Dependencies...))
	}
	for _, n := range g.nodes {
		for _, dep := range g.deps[n] {
			if _, ok := g.descs[dep]; ok {
				g.rdeps[dep] = append(g.rdeps[dep], n)
			}
		}
	}
	return g
}

// Nodes returns the plugin names in discovery order.
func (g *Graph) Nodes() []string {
	return append([]string(nil), g.nodes...)
}

// Descriptor returns the descriptor registered under name.
func (g *Graph) Descriptor(name string) (*Descriptor, bool) {
	d, ok := g.descs[name]
	return d, ok
}

// Dependencies returns the declared dependencies of name.
func (g *Graph) Dependencies(name string) []string {
	return append([]string(nil), g.deps[name]...)
}

// Dependants returns the direct dependants of name in discovery order.
func (g *Graph) Dependants(name string) []string {
	return append([]string(nil), g.rdeps[name]...)
}

// DependantClosure returns every transitive dependant of name, excluding
// name itself, in load order. Dependants the resolver excluded follow in
// discovery order.
func (g *Graph) DependantClosure(name string) []string {
	member := make(map[string]bool)
	queue := []string{name}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, d := range g.rdeps[n] {
			if d != name && !member[d] {
				member[d] = true
				queue = append(queue, d)
			}
		}
	}
	if len(member) == 0 {
		return nil
	}

	out := make([]string, 0, len(member))
	placed := make(map[string]bool, len(member))
	for _, d := range g.Resolve().Order {
		if member[d.Name] {
			out = append(out, d.Name)
			placed[d.Name] = true
		}
	}
	for _, n := range g.nodes {
		if member[n] && !placed[n] {
			out = append(out, n)
		}
	}
	return out
}

// Resolution is the outcome of resolving a graph.
type Resolution struct {
	// Order is the load order: every dependency precedes its dependants.
	Order []*Descriptor

	// Failures lists excluded plugins in discovery order, duplicates last.
	Failures []Failure
}

// Names returns the load order as plugin names.
func (r Resolution) Names() []string {
	names := make([]string, len(r.Order))
	for i, d := range r.Order {
		names[i] = d.Name
	}
	return names
}

// Unload returns the unload order, the reverse of Order.
func (r Resolution) Unload() []*Descriptor {
	out := make([]*Descriptor, len(r.Order))
	for i, d := range r.Order {
		out[len(r.Order)-1-i] = d
	}
	return out
}

// Failure returns the exclusion error recorded for name, if any.
func (r Resolution) Failure(name string) error {
	for _, f := range r.Failures {
		if f.Plugin == name {
			return f.Err
		}
	}
	return nil
}

// Err joins every failure, or returns nil.
func (r Resolution) Err() error {
	errs := make([]error, 0, len(r.Failures))
	for _, f := range r.Failures {
		errs = append(errs, f.Err)
	}
	return errors.Join(errs...)
}

// Resolve orders descs for loading. It is shorthand for NewGraph(descs).Resolve().
func Resolve(descs []*Descriptor) Resolution {
	return NewGraph(descs).Resolve()
}

// Resolve computes the load order. Plugins with a missing dependency or on a
// dependency cycle are excluded, as is every plugin depending on an excluded
// one. The result depends only on the input order.
func (g *Graph) Resolve() Resolution {
	errs := make(map[string][]error)

	for _, n := range g.nodes {
		for _, dep := range g.deps[n] {
			if _, ok := g.descs[dep]; !ok {
				errs[n] = append(errs[n], &MissingDependencyError{Dependant: n, Missing: dep})
			}
		}
	}

	sccs := g.components()

	for _, scc := range sccs {
		if len(scc) == 1 && !g.selfLoop(scc[0]) {
			continue
		}
		in := make(map[string]bool, len(scc))
		for _, n := range scc {
			in[n] = true
		}
		for _, n := range scc {
			errs[n] = append(errs[n], &CycleError{Plugin: n, Path: g.shortestCycle(n, in)})
		}
	}

	var res Resolution
	excluded := make(map[string]error)
	for _, scc := range sccs {
		for _, n := range scc {
			if e := errs[n]; len(e) > 0 {
				excluded[n] = joinErrs(e)
				continue
			}
			for _, dep := range g.deps[n] {
				if cause, ok := excluded[dep]; ok {
					excluded[n] = &UnresolvedDependencyError{Dependant: n, Dependency: dep, Cause: cause}
					break
				}
			}
			if _, ok := excluded[n]; !ok {
				res.Order = append(res.Order, g.descs[n])
			}
		}
	}

	for _, n := range g.nodes {
		if err, ok := excluded[n]; ok {
			res.Failures = append(res.Failures, Failure{Plugin: n, Err: err})
		}
	}
	res.Failures = append(res.Failures, g.dups...)
	return res
}

func joinErrs(errs []error) error {
	if len(errs) == 1 {
		return errs[0]
	}
	return errors.Join(errs...)
}

func (g *Graph) selfLoop(n string) bool {
	for _, dep := range g.deps[n] {
		if dep == n {
			return true
		}
	}
	return false
}

// components runs Tarjan's algorithm, visiting roots in discovery order and
// edges in declared order. Components are returned dependencies first.
func (g *Graph) components() [][]string {
	var (
		index   = make(map[string]int, len(g.nodes))
		low     = make(map[string]int, len(g.nodes))
		onStack = make(map[string]bool, len(g.nodes))
		stack   []string
		next    int
		out     [][]string
	)

	var visit func(n string)
	visit = func(n string) {
		index[n] = next
		low[n] = next
		next++
		stack = append(stack, n)
		onStack[n] = true

		for _, dep := range g.deps[n] {
			if _, ok := g.descs[dep]; !ok {
				continue
			}
			if _, seen := index[dep]; !seen {
				visit(dep)
				low[n] = min(low[n], low[dep])
			} else if onStack[dep] {
				low[n] = min(low[n], index[dep])
			}
		}

		if low[n] == index[n] {
			var scc []string
			for {
				top := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[top] = false
				scc = append(scc, top)
				if top == n {
					break
				}
			}
			// Report members in discovery order.
			out = append(out, g.inDiscoveryOrder(scc))
		}
	}

	for _, n := range g.nodes {
		if _, seen := index[n]; !seen {
			visit(n)
		}
	}
	return out
}

func (g *Graph) inDiscoveryOrder(names []string) []string {
	if len(names) == 1 {
		return names
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	out := make([]string, 0, len(names))
	for _, n := range g.nodes {
		if set[n] {
			out = append(out, n)
		}
	}
	return out
}

// shortestCycle returns the shortest path from start back to start using only
// edges inside the component, e.g. [a b a].
func (g *Graph) shortestCycle(start string, in map[string]bool) []string {
	parent := map[string]string{}
	queue := []string{start}
	visited := map[string]bool{start: true}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, dep := range g.deps[n] {
			if !in[dep] {
				continue
			}
			if dep == start {
				path := []string{start}
				for cur := n; cur != start; cur = parent[cur] {
					path = append(path, cur)
				}
				// path holds start followed by the walk in reverse.
				walk := []string{start}
				for i := len(path) - 1; i >= 1; i-- {
					walk = append(walk, path[i])
				}
				return append(walk, start)
			}
			if !visited[dep] {
				visited[dep] = true
				parent[dep] = n
				queue = append(queue, dep)
			}
		}
	}
	return []string{start, start}
}
