package depgraph

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/corvid-labs/rookery/pkg/errdefs"
	"github.com/corvid-labs/rookery/pkg/types"
)

// node is one task in the graph.
type node struct {
	id           string
	dependencies map[string]struct{}
	dependents   map[string]struct{}
	completed    bool

	// scheduling metadata used for tie-breaks and critical path
	priority  int
	createdAt time.Time
	weight    time.Duration // task timeout
}

// Graph tracks finish-to-start prerequisites between tasks. All methods are
// safe for concurrent use.
type Graph struct {
	mu    sync.RWMutex
	nodes map[string]*node
}

// New creates an empty dependency graph.
func New() *Graph {
	return &Graph{nodes: make(map[string]*node)}
}

// Add registers a task and its dependency edges. Every listed dependency must
// already exist, and the new edges must not introduce a cycle; otherwise the
// graph is left unchanged and an error is returned.
func (g *Graph) Add(task *types.Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if task.ID == "" {
		return errdefs.InvalidInput("task id is empty")
	}
	if _, exists := g.nodes[task.ID]; exists {
		return errdefs.ConflictState("task %s already in graph", task.ID)
	}
	for _, dep := range task.Dependencies {
		if dep == task.ID {
			return errdefs.InvalidInput("task %s cannot depend on itself", task.ID)
		}
		if _, ok := g.nodes[dep]; !ok {
			return errdefs.InvalidInput("dependency %s of task %s not found", dep, task.ID)
		}
	}

	n := &node{
		id:           task.ID,
		dependencies: make(map[string]struct{}, len(task.Dependencies)),
		dependents:   make(map[string]struct{}),
		priority:     task.Priority,
		createdAt:    task.CreatedAt,
		weight:       task.Timeout,
	}
	for _, dep := range task.Dependencies {
		n.dependencies[dep] = struct{}{}
	}
	g.nodes[task.ID] = n
	for _, dep := range task.Dependencies {
		g.nodes[dep].dependents[task.ID] = struct{}{}
	}

	// New edges all point from existing nodes to the new node; a cycle would
	// require a path from the new node back to a dependency.
	if g.hasCycleFrom(task.ID) {
		for _, dep := range task.Dependencies {
			delete(g.nodes[dep].dependents, task.ID)
		}
		delete(g.nodes, task.ID)
		return errdefs.InvalidInput("adding task %s would create a dependency cycle", task.ID)
	}
	return nil
}

// Remove drops a task and all edges touching it.
func (g *Graph) Remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		return
	}
	for dep := range n.dependencies {
		if d, ok := g.nodes[dep]; ok {
			delete(d.dependents, id)
		}
	}
	for dependent := range n.dependents {
		if d, ok := g.nodes[dependent]; ok {
			delete(d.dependencies, id)
		}
	}
	delete(g.nodes, id)
}

// Contains reports whether the task is known to the graph.
func (g *Graph) Contains(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.nodes[id]
	return ok
}

// IsReady reports whether every dependency of the task is completed. Unknown
// tasks are not ready.
func (g *Graph) IsReady(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	n, ok := g.nodes[id]
	if !ok {
		return false
	}
	for dep := range n.dependencies {
		if d, ok := g.nodes[dep]; !ok || !d.completed {
			return false
		}
	}
	return true
}

// MarkCompleted marks the task completed and returns the dependents that
// became ready as a result, ordered by (priority desc, created-at asc, id asc).
func (g *Graph) MarkCompleted(id string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok || n.completed {
		return nil
	}
	n.completed = true

	var ready []*node
	for dep := range n.dependents {
		d, ok := g.nodes[dep]
		if !ok || d.completed {
			continue
		}
		if g.readyLocked(d) {
			ready = append(ready, d)
		}
	}

	sort.Slice(ready, func(i, j int) bool {
		a, b := ready[i], ready[j]
		if a.priority != b.priority {
			return a.priority > b.priority
		}
		if !a.createdAt.Equal(b.createdAt) {
			return a.createdAt.Before(b.createdAt)
		}
		return a.id < b.id
	})

	ids := make([]string, len(ready))
	for i, r := range ready {
		ids[i] = r.id
	}
	return ids
}

// Dependents returns the direct dependents of a task.
func (g *Graph) Dependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(n.dependents))
	for dep := range n.dependents {
		out = append(out, dep)
	}
	sort.Strings(out)
	return out
}

// TransitiveDependents returns every task reachable downstream of id,
// breadth-first, deduplicated.
func (g *Graph) TransitiveDependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	visited := make(map[string]bool)
	var out []string
	queue := []string{id}
	for len(queue) > 0 {
		curr := queue[0]
		queue = queue[1:]
		n, ok := g.nodes[curr]
		if !ok {
			continue
		}
		deps := make([]string, 0, len(n.dependents))
		for d := range n.dependents {
			deps = append(deps, d)
		}
		sort.Strings(deps)
		for _, d := range deps {
			if !visited[d] {
				visited[d] = true
				out = append(out, d)
				queue = append(queue, d)
			}
		}
	}
	return out
}

// TopologicalSort returns a total order consistent with the edges. Ties are
// broken by task id so the result is deterministic.
func (g *Graph) TopologicalSort() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	inDegree := make(map[string]int, len(g.nodes))
	for id, n := range g.nodes {
		inDegree[id] = len(n.dependencies)
	}

	var frontier []string
	for id, deg := range inDegree {
		if deg == 0 {
			frontier = append(frontier, id)
		}
	}
	sort.Strings(frontier)

	order := make([]string, 0, len(g.nodes))
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		order = append(order, id)

		var released []string
		for dep := range g.nodes[id].dependents {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				released = append(released, dep)
			}
		}
		sort.Strings(released)
		frontier = mergeSorted(frontier, released)
	}

	if len(order) != len(g.nodes) {
		return nil, errdefs.Internal("dependency graph contains a cycle")
	}
	return order, nil
}

// DetectCycles returns every cycle among non-completed nodes for diagnostics.
// Each cycle is a list of ids in traversal order.
func (g *Graph) DetectCycles() [][]string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.nodes))
	var cycles [][]string
	var stack []string

	var visit func(id string)
	visit = func(id string) {
		color[id] = gray
		stack = append(stack, id)

		n := g.nodes[id]
		deps := make([]string, 0, len(n.dependents))
		for d := range n.dependents {
			deps = append(deps, d)
		}
		sort.Strings(deps)

		for _, d := range deps {
			dn, ok := g.nodes[d]
			if !ok || dn.completed {
				continue
			}
			switch color[d] {
			case white:
				visit(d)
			case gray:
				// Found a back edge; extract the cycle from the stack.
				for i, s := range stack {
					if s == d {
						cycle := make([]string, len(stack)-i)
						copy(cycle, stack[i:])
						cycles = append(cycles, cycle)
						break
					}
				}
			}
		}

		stack = stack[:len(stack)-1]
		color[id] = black
	}

	ids := make([]string, 0, len(g.nodes))
	for id, n := range g.nodes {
		if !n.completed {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		if color[id] == white {
			visit(id)
		}
	}
	return cycles
}

// CriticalPath returns the longest weighted path through the graph, where a
// node's weight is its task timeout, along with the total weight.
func (g *Graph) CriticalPath() ([]string, time.Duration) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	order, err := g.topoLocked()
	if err != nil {
		return nil, 0
	}

	dist := make(map[string]time.Duration, len(g.nodes))
	prev := make(map[string]string, len(g.nodes))
	for _, id := range order {
		n := g.nodes[id]
		dist[id] = n.weight
		for dep := range n.dependencies {
			if d := dist[dep] + n.weight; d > dist[id] {
				dist[id] = d
				prev[id] = dep
			}
		}
	}

	var end string
	var best time.Duration
	for id, d := range dist {
		if d > best || (d == best && id < end) {
			best = d
			end = id
		}
	}
	if end == "" {
		return nil, 0
	}

	var path []string
	for id := end; id != ""; id = prev[id] {
		path = append([]string{id}, path...)
	}
	return path, best
}

// ToDot exports the graph in Graphviz format for diagnostics.
func (g *Graph) ToDot() string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var b strings.Builder
	b.WriteString("digraph tasks {\n")

	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		n := g.nodes[id]
		attrs := ""
		if n.completed {
			attrs = " [style=filled, fillcolor=lightgray]"
		}
		fmt.Fprintf(&b, "  %q%s;\n", id, attrs)
	}
	for _, id := range ids {
		n := g.nodes[id]
		deps := make([]string, 0, len(n.dependencies))
		for d := range n.dependencies {
			deps = append(deps, d)
		}
		sort.Strings(deps)
		for _, d := range deps {
			fmt.Fprintf(&b, "  %q -> %q;\n", d, id)
		}
	}
	b.WriteString("}\n")
	return b.String()
}

// Len returns the number of known tasks.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

func (g *Graph) readyLocked(n *node) bool {
	for dep := range n.dependencies {
		if d, ok := g.nodes[dep]; !ok || !d.completed {
			return false
		}
	}
	return true
}

// hasCycleFrom walks dependents from start looking for a path back to start.
func (g *Graph) hasCycleFrom(start string) bool {
	visited := make(map[string]bool)
	var walk func(id string) bool
	walk = func(id string) bool {
		if visited[id] {
			return false
		}
		visited[id] = true
		for dep := range g.nodes[id].dependents {
			if dep == start || walk(dep) {
				return true
			}
		}
		return false
	}
	return walk(start)
}

func (g *Graph) topoLocked() ([]string, error) {
	inDegree := make(map[string]int, len(g.nodes))
	for id, n := range g.nodes {
		inDegree[id] = len(n.dependencies)
	}
	var frontier []string
	for id, deg := range inDegree {
		if deg == 0 {
			frontier = append(frontier, id)
		}
	}
	sort.Strings(frontier)
	order := make([]string, 0, len(g.nodes))
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		order = append(order, id)
		var released []string
		for dep := range g.nodes[id].dependents {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				released = append(released, dep)
			}
		}
		sort.Strings(released)
		frontier = mergeSorted(frontier, released)
	}
	if len(order) != len(g.nodes) {
		return nil, errdefs.Internal("dependency graph contains a cycle")
	}
	return order, nil
}

// mergeSorted merges two sorted string slices.
func mergeSorted(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	out := make([]string, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i] <= b[j] {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}
