// Package graph models declared resources as a directed acyclic graph.
//
// Edges are inferred from cross-resource attribute references and from
// explicit depends_on constraints. The graph produces deterministic
// orderings for creation (dependencies first) and destruction
// (dependents first), so identical input always yields identical plans.
package graph

import (
	"fmt"
	"sort"
	"strings"
)

// Addr identifies a resource by kind and logical name.
type Addr struct {
	Kind string
	Name string
}

// String returns the canonical "kind.name" form.
func (a Addr) String() string {
	return a.Kind + "." + a.Name
}

// Less orders addresses lexicographically by their canonical form.
func (a Addr) Less(b Addr) bool {
	return a.String() < b.String()
}

// ParseAddr parses a "kind.name" string into an Addr.
func ParseAddr(s string) (Addr, error) {
	parts := strings.SplitN(s, ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Addr{}, fmt.Errorf("invalid resource address %q (expected kind.name)", s)
	}
	return Addr{Kind: parts[0], Name: parts[1]}, nil
}

// ResourceSpec is one declared resource. It is immutable once a graph has
// been built from it; the diff engine and apply engine only ever read it.
type ResourceSpec struct {
	Addr       Addr
	Attributes map[string]any
	DependsOn  []Addr
}

// Edge is a dependency edge: From must be applied before To, and To must
// be destroyed before From.
type Edge struct {
	From Addr
	To   Addr
}

func (e Edge) String() string {
	return e.From.String() + " -> " + e.To.String()
}

// CycleError reports that the declared resources form a dependency cycle.
// Edges contains the edge set among the resources stuck on the cycle.
type CycleError struct {
	Edges []Edge
}

func (e *CycleError) Error() string {
	parts := make([]string, len(e.Edges))
	for i, edge := range e.Edges {
		parts[i] = edge.String()
	}
	return "dependency cycle detected: " + strings.Join(parts, ", ")
}

// Direction selects the ordering produced by TopoOrder.
type Direction int

const (
	// CreateOrder lists dependencies before their dependents.
	CreateOrder Direction = iota
	// DestroyOrder lists dependents before their dependencies.
	DestroyOrder
)

// Graph is an immutable DAG of resource specs.
type Graph struct {
	specs      map[Addr]ResourceSpec
	dependsOn  map[Addr]map[Addr]struct{} // node -> its dependencies
	dependedBy map[Addr]map[Addr]struct{} // node -> its dependents
}

// Build constructs a graph from the given specs. Edges are the union of
// explicit DependsOn entries and dependencies inferred from attribute
// references. Build fails fast on duplicate addresses, edges to unknown
// resources, and cycles.
func Build(specs []ResourceSpec) (*Graph, error) {
	g := &Graph{
		specs:      make(map[Addr]ResourceSpec, len(specs)),
		dependsOn:  make(map[Addr]map[Addr]struct{}, len(specs)),
		dependedBy: make(map[Addr]map[Addr]struct{}, len(specs)),
	}

	for _, spec := range specs {
		if _, ok := g.specs[spec.Addr]; ok {
			return nil, fmt.Errorf("duplicate resource %s", spec.Addr)
		}
		g.specs[spec.Addr] = spec
		g.dependsOn[spec.Addr] = make(map[Addr]struct{})
		g.dependedBy[spec.Addr] = make(map[Addr]struct{})
	}

	for _, spec := range specs {
		deps := make(map[Addr]struct{})
		for _, dep := range spec.DependsOn {
			deps[dep] = struct{}{}
		}
		for _, ref := range References(spec.Attributes) {
			deps[ref.Addr] = struct{}{}
		}

		for dep := range deps {
			if dep == spec.Addr {
				return nil, &CycleError{Edges: []Edge{{From: dep, To: spec.Addr}}}
			}
			if _, ok := g.specs[dep]; !ok {
				return nil, fmt.Errorf("resource %s depends on undeclared resource %s", spec.Addr, dep)
			}
			g.dependsOn[spec.Addr][dep] = struct{}{}
			g.dependedBy[dep][spec.Addr] = struct{}{}
		}
	}

	if err := g.checkAcyclic(); err != nil {
		return nil, err
	}
	return g, nil
}

// checkAcyclic peels nodes with no remaining dependencies. Anything left
// over is part of (or downstream of) a cycle; the edges among the
// leftover nodes identify it.
func (g *Graph) checkAcyclic() error {
	remaining := make(map[Addr]int, len(g.specs))
	for addr := range g.specs {
		remaining[addr] = len(g.dependsOn[addr])
	}

	queue := make([]Addr, 0, len(g.specs))
	for addr, n := range remaining {
		if n == 0 {
			queue = append(queue, addr)
		}
	}

	seen := 0
	for len(queue) > 0 {
		addr := queue[0]
		queue = queue[1:]
		seen++
		for dependent := range g.dependedBy[addr] {
			remaining[dependent]--
			if remaining[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if seen == len(g.specs) {
		return nil
	}

	var edges []Edge
	for addr, n := range remaining {
		if n <= 0 {
			continue
		}
		for dep := range g.dependsOn[addr] {
			if remaining[dep] > 0 {
				edges = append(edges, Edge{From: dep, To: addr})
			}
		}
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].String() < edges[j].String() })
	return &CycleError{Edges: edges}
}

// Len returns the number of resources in the graph.
func (g *Graph) Len() int {
	return len(g.specs)
}

// Has reports whether the graph declares the given resource.
func (g *Graph) Has(addr Addr) bool {
	_, ok := g.specs[addr]
	return ok
}

// Spec returns the declared spec for addr.
func (g *Graph) Spec(addr Addr) (ResourceSpec, bool) {
	spec, ok := g.specs[addr]
	return spec, ok
}

// Specs returns all specs sorted by address.
func (g *Graph) Specs() []ResourceSpec {
	out := make([]ResourceSpec, 0, len(g.specs))
	for _, spec := range g.specs {
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr.Less(out[j].Addr) })
	return out
}

// Dependencies returns the direct dependencies of addr, sorted.
func (g *Graph) Dependencies(addr Addr) []Addr {
	return sortedKeys(g.dependsOn[addr])
}

// Dependents returns the direct dependents of addr, sorted.
func (g *Graph) Dependents(addr Addr) []Addr {
	return sortedKeys(g.dependedBy[addr])
}

// TopoOrder returns a total order over all resources consistent with the
// DAG. Ties among independent resources are broken lexicographically so
// the order is reproducible across runs.
func (g *Graph) TopoOrder(dir Direction) []Addr {
	prereqs := g.dependsOn
	unlocks := g.dependedBy
	if dir == DestroyOrder {
		prereqs, unlocks = unlocks, prereqs
	}

	remaining := make(map[Addr]int, len(g.specs))
	var ready []Addr
	for addr := range g.specs {
		remaining[addr] = len(prereqs[addr])
		if remaining[addr] == 0 {
			ready = append(ready, addr)
		}
	}

	order := make([]Addr, 0, len(g.specs))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return ready[i].Less(ready[j]) })
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)

		for unlocked := range unlocks[next] {
			remaining[unlocked]--
			if remaining[unlocked] == 0 {
				ready = append(ready, unlocked)
			}
		}
	}
	return order
}

func sortedKeys(set map[Addr]struct{}) []Addr {
	out := make([]Addr, 0, len(set))
	for addr := range set {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}
