// Package dag builds the step dependency graph for a protocol run,
// detects cycles, and computes parallel execution levels.
package dag

import (
	"fmt"
	"sort"

	"github.com/devgodzilla/devgodzilla/internal/domain/step"
)

// Node is one step in the dependency graph.
type Node struct {
	Name      string
	StepIndex int
	ID        int64
	DependsOn []string
}

// Graph is the dependency graph of a protocol. Edges point from a
// dependency to its dependent. The graph is always constructed on read;
// edges are stored as step names, never object pointers.
type Graph struct {
	Nodes map[string]Node
	Edges [][2]string // (from, to)
}

// Build constructs a Graph from persisted step runs. Unknown dependency
// names are returned as an error rather than dropped.
func Build(steps []step.Run) (*Graph, error) {
	g := &Graph{Nodes: make(map[string]Node, len(steps))}
	for _, s := range steps {
		g.Nodes[s.StepName] = Node{
			Name:      s.StepName,
			StepIndex: s.StepIndex,
			ID:        s.ID,
			DependsOn: s.DependsOn,
		}
	}
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			if _, ok := g.Nodes[dep]; !ok {
				return nil, fmt.Errorf("step %q depends on unknown step %q", s.StepName, dep)
			}
			g.Edges = append(g.Edges, [2]string{dep, s.StepName})
		}
	}
	return g, nil
}

// TarjanSCC returns all strongly connected components that form a
// cycle: size > 1, or a single node with a self edge. An acyclic graph
// returns nil.
func (g *Graph) TarjanSCC() [][]string {
	adj := g.adjacency()
	index := 0
	indices := make(map[string]int, len(g.Nodes))
	lowlink := make(map[string]int, len(g.Nodes))
	onStack := make(map[string]bool, len(g.Nodes))
	var stack []string
	var cycles [][]string

	var strongconnect func(v string)
	strongconnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range adj[v] {
			if _, seen := indices[w]; !seen {
				strongconnect(w)
				if lowlink[w] < lowlink[v] {
					lowlink[v] = lowlink[w]
				}
			} else if onStack[w] {
				if indices[w] < lowlink[v] {
					lowlink[v] = indices[w]
				}
			}
		}

		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			if len(scc) > 1 || selfLoop(adj, scc[0]) {
				sort.Strings(scc)
				cycles = append(cycles, scc)
			}
		}
	}

	for _, name := range g.sortedNames() {
		if _, seen := indices[name]; !seen {
			strongconnect(name)
		}
	}
	return cycles
}

// CyclesDFS is the fallback cycle detector using colored DFS.
// It agrees with TarjanSCC on whether the graph is acyclic.
func (g *Graph) CyclesDFS() bool {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	adj := g.adjacency()
	color := make(map[string]int, len(g.Nodes))

	var visit func(v string) bool
	visit = func(v string) bool {
		color[v] = grey
		for _, w := range adj[v] {
			switch color[w] {
			case grey:
				return true
			case white:
				if visit(w) {
					return true
				}
			}
		}
		color[v] = black
		return false
	}

	for _, name := range g.sortedNames() {
		if color[name] == white && visit(name) {
			return true
		}
	}
	return false
}

// Levels computes topological levels with Kahn's algorithm. All nodes in
// one level are mutually independent and may execute in parallel; nodes
// across levels execute in order. Within a level, nodes are ordered by
// (step_index, id) ascending. Returns an error if the graph is cyclic.
func (g *Graph) Levels() ([][]string, error) {
	adj := g.adjacency()
	indeg := make(map[string]int, len(g.Nodes))
	for name := range g.Nodes {
		indeg[name] = 0
	}
	for _, e := range g.Edges {
		indeg[e[1]]++
	}

	var levels [][]string
	seen := 0
	current := g.zeroIndegree(indeg)
	for len(current) > 0 {
		g.sortLevel(current)
		levels = append(levels, current)
		seen += len(current)

		var next []string
		for _, v := range current {
			indeg[v] = -1 // consumed
			for _, w := range adj[v] {
				indeg[w]--
				if indeg[w] == 0 {
					next = append(next, w)
				}
			}
		}
		current = next
	}

	if seen != len(g.Nodes) {
		return nil, fmt.Errorf("dependency cycle: %d of %d steps unreachable", len(g.Nodes)-seen, len(g.Nodes))
	}
	return levels, nil
}

// NextRunnable returns the pending step with the smallest step_index whose
// dependencies are all completed, or nil if none is runnable.
func NextRunnable(steps []step.Run) *step.Run {
	completed := make(map[string]bool, len(steps))
	for i := range steps {
		if steps[i].Status == step.StatusCompleted {
			completed[steps[i].StepName] = true
		}
	}

	var best *step.Run
	for i := range steps {
		s := &steps[i]
		if s.Status != step.StatusPending {
			continue
		}
		ready := true
		for _, dep := range s.DependsOn {
			if !completed[dep] {
				ready = false
				break
			}
		}
		if !ready {
			continue
		}
		if best == nil || s.StepIndex < best.StepIndex ||
			(s.StepIndex == best.StepIndex && s.ID < best.ID) {
			best = s
		}
	}
	return best
}

// AnyActive returns true if at least one step is running or awaiting QA.
func AnyActive(steps []step.Run) bool {
	for i := range steps {
		if steps[i].Status == step.StatusRunning || steps[i].Status == step.StatusNeedsQA {
			return true
		}
	}
	return false
}

// AnyBlocked returns true if at least one step is blocked.
func AnyBlocked(steps []step.Run) bool {
	for i := range steps {
		if steps[i].Status == step.StatusBlocked {
			return true
		}
	}
	return false
}

// AllTerminal returns true if every step is in a terminal state.
func AllTerminal(steps []step.Run) bool {
	for i := range steps {
		if !steps[i].Status.IsTerminal() {
			return false
		}
	}
	return true
}

func selfLoop(adj map[string][]string, v string) bool {
	for _, w := range adj[v] {
		if w == v {
			return true
		}
	}
	return false
}

func (g *Graph) adjacency() map[string][]string {
	adj := make(map[string][]string, len(g.Nodes))
	for _, e := range g.Edges {
		adj[e[0]] = append(adj[e[0]], e[1])
	}
	for v := range adj {
		sort.Strings(adj[v])
	}
	return adj
}

func (g *Graph) sortedNames() []string {
	names := make([]string, 0, len(g.Nodes))
	for name := range g.Nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (g *Graph) zeroIndegree(indeg map[string]int) []string {
	var zero []string
	for name, d := range indeg {
		if d == 0 {
			zero = append(zero, name)
		}
	}
	return zero
}

func (g *Graph) sortLevel(level []string) {
	sort.Slice(level, func(i, j int) bool {
		a, b := g.Nodes[level[i]], g.Nodes[level[j]]
		if a.StepIndex != b.StepIndex {
			return a.StepIndex < b.StepIndex
		}
		return a.ID < b.ID
	})
}
