package deployment

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/artpar/convoy/internal/core/compose"
)

// =============================================================================
// Service Graph
// =============================================================================

var (
	// ErrUnknownDependency is returned when depends_on names an undeclared service.
	ErrUnknownDependency = errors.New("unknown dependency")

	// ErrCyclicDependency is returned when the dependency edges form a cycle.
	ErrCyclicDependency = errors.New("cyclic dependency")

	// ErrDuplicateService is returned when two services share an identity.
	ErrDuplicateService = errors.New("duplicate service")
)

// UnknownDependencyError identifies the service and the missing dependency.
type UnknownDependencyError struct {
	Service    string
	Dependency string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("service %q depends on undeclared service %q", e.Service, e.Dependency)
}

func (e *UnknownDependencyError) Unwrap() error { return ErrUnknownDependency }

// CyclicDependencyError reports the members of a dependency cycle.
type CyclicDependencyError struct {
	Members []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Members, " -> "))
}

func (e *CyclicDependencyError) Unwrap() error { return ErrCyclicDependency }

// DuplicateServiceError identifies the duplicated service name.
type DuplicateServiceError struct {
	Name string
}

func (e *DuplicateServiceError) Error() string {
	return fmt.Sprintf("service %q declared more than once", e.Name)
}

func (e *DuplicateServiceError) Unwrap() error { return ErrDuplicateService }

// ServiceGraph is a DAG of resolved services keyed by identity, with edges
// from each dependency to its dependent.
type ServiceGraph struct {
	services   map[string]compose.Service
	index      map[string]int // declaration order
	deps       map[string][]string
	dependents map[string][]string
	order      []string // deterministic topological order
}

// BuildGraph validates the dependency declarations and computes a
// deterministic topological order: every dependency appears strictly before
// its dependents, and ties between independent services are broken by
// declaration order so startup is reproducible across runs.
func BuildGraph(services []compose.Service) (*ServiceGraph, error) {
	g := &ServiceGraph{
		services:   make(map[string]compose.Service, len(services)),
		index:      make(map[string]int, len(services)),
		deps:       make(map[string][]string, len(services)),
		dependents: make(map[string][]string, len(services)),
	}

	for i, svc := range services {
		if _, exists := g.services[svc.Name]; exists {
			return nil, &DuplicateServiceError{Name: svc.Name}
		}
		g.services[svc.Name] = svc
		g.index[svc.Name] = i
	}

	for _, svc := range services {
		for _, dep := range svc.DependsOn {
			if _, ok := g.services[dep]; !ok {
				return nil, &UnknownDependencyError{Service: svc.Name, Dependency: dep}
			}
			g.deps[svc.Name] = append(g.deps[svc.Name], dep)
			g.dependents[dep] = append(g.dependents[dep], svc.Name)
		}
	}

	order, err := g.topoSort(services)
	if err != nil {
		return nil, err
	}
	g.order = order

	return g, nil
}

// topoSort runs Kahn's algorithm, always taking the ready service with the
// lowest declaration index.
func (g *ServiceGraph) topoSort(services []compose.Service) ([]string, error) {
	inDegree := make(map[string]int, len(services))
	for _, svc := range services {
		inDegree[svc.Name] = len(g.deps[svc.Name])
	}

	var ready []string
	for _, svc := range services {
		if inDegree[svc.Name] == 0 {
			ready = append(ready, svc.Name)
		}
	}

	var order []string
	for len(ready) > 0 {
		sort.Slice(ready, func(a, b int) bool {
			return g.index[ready[a]] < g.index[ready[b]]
		})
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)

		for _, dep := range g.dependents[name] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(order) < len(services) {
		return nil, &CyclicDependencyError{Members: g.findCycle(inDegree)}
	}
	return order, nil
}

// findCycle walks the unprocessed remainder of the graph and extracts one
// concrete cycle for the error report.
func (g *ServiceGraph) findCycle(inDegree map[string]int) []string {
	remaining := make(map[string]bool)
	for name, deg := range inDegree {
		if deg > 0 {
			remaining[name] = true
		}
	}

	// Start anywhere in the remainder and follow dependency edges; within a
	// finite remainder this must revisit a node.
	var start string
	for name := range remaining {
		if start == "" || g.index[name] < g.index[start] {
			start = name
		}
	}

	visited := make(map[string]int) // name -> position in path
	var path []string
	current := start
	for {
		if pos, seen := visited[current]; seen {
			return path[pos:]
		}
		visited[current] = len(path)
		path = append(path, current)

		next := ""
		for _, dep := range g.deps[current] {
			if remaining[dep] {
				next = dep
				break
			}
		}
		if next == "" {
			// Shouldn't happen: every remaining node keeps an edge into the
			// remainder. Report the whole remainder as a fallback.
			var members []string
			for name := range remaining {
				members = append(members, name)
			}
			sort.Strings(members)
			return members
		}
		current = next
	}
}

// =============================================================================
// Accessors
// =============================================================================

// Len returns the number of services in the graph.
func (g *ServiceGraph) Len() int { return len(g.order) }

// Service returns the service with the given identity.
func (g *ServiceGraph) Service(name string) (compose.Service, bool) {
	svc, ok := g.services[name]
	return svc, ok
}

// StartOrder returns services in startup order: every dependency strictly
// before its dependents.
func (g *ServiceGraph) StartOrder() []compose.Service {
	out := make([]compose.Service, 0, len(g.order))
	for _, name := range g.order {
		out = append(out, g.services[name])
	}
	return out
}

// StopOrder returns services in shutdown order, the reverse of startup, so
// dependents stop before their dependencies.
func (g *ServiceGraph) StopOrder() []compose.Service {
	out := make([]compose.Service, 0, len(g.order))
	for i := len(g.order) - 1; i >= 0; i-- {
		out = append(out, g.services[g.order[i]])
	}
	return out
}

// Dependencies returns the direct dependencies of a service.
func (g *ServiceGraph) Dependencies(name string) []string {
	return append([]string(nil), g.deps[name]...)
}

// Dependents returns the services that directly depend on a service.
func (g *ServiceGraph) Dependents(name string) []string {
	return append([]string(nil), g.dependents[name]...)
}

// TransitiveDependencies returns every service reachable through dependency
// edges from the given service, in startup order.
func (g *ServiceGraph) TransitiveDependencies(name string) []string {
	return g.closure(name, g.deps)
}

// TransitiveDependents returns every service that transitively depends on the
// given service, in startup order.
func (g *ServiceGraph) TransitiveDependents(name string) []string {
	return g.closure(name, g.dependents)
}

func (g *ServiceGraph) closure(name string, edges map[string][]string) []string {
	seen := make(map[string]bool)
	var walk func(n string)
	walk = func(n string) {
		for _, next := range edges[n] {
			if !seen[next] {
				seen[next] = true
				walk(next)
			}
		}
	}
	walk(name)

	var out []string
	for _, n := range g.order {
		if seen[n] {
			out = append(out, n)
		}
	}
	return out
}
