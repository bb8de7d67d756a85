// Package depgraph validates the work-item dependency DAG and computes
// readiness. It operates on an arena of dense indices built from an edge
// snapshot, never on live store objects, so checks are plain slice walks.
package depgraph

import (
	"fmt"
	"strings"

	"flowline/internal/stage"
)

// CycleError reports a directed cycle with the full path for diagnostics.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Path, " -> "))
}

// Graph is an arena-indexed view of the dependency edge set. Build one per
// validation from a freshly fetched snapshot; it holds no store references.
type Graph struct {
	index map[string]int
	ids   []string
	adj   [][]int
}

// New builds a graph from an itemID -> dependsOnIDs edge map. Nodes referenced
// only as dependencies are added to the arena too.
func New(edges map[string][]string) *Graph {
	g := &Graph{index: make(map[string]int, len(edges))}
	add := func(id string) int {
		if i, ok := g.index[id]; ok {
			return i
		}
		i := len(g.ids)
		g.index[id] = i
		g.ids = append(g.ids, id)
		g.adj = append(g.adj, nil)
		return i
	}
	for id, deps := range edges {
		from := add(id)
		for _, dep := range deps {
			to := add(dep)
			g.adj[from] = append(g.adj[from], to)
		}
	}
	return g
}

// three-color DFS marks
const (
	white = iota // unvisited
	gray         // on the current DFS stack
	black        // fully explored
)

// Validate checks whether adding proposedDeps to itemID keeps the edge set
// acyclic. It must run on every dependency write; a nil return means the
// combined graph is safe to persist.
func Validate(itemID string, proposedDeps []string, edges map[string][]string) error {
	combined := make(map[string][]string, len(edges)+1)
	for id, deps := range edges {
		combined[id] = deps
	}
	combined[itemID] = append(append([]string(nil), combined[itemID]...), proposedDeps...)
	g := New(combined)
	return g.Check()
}

// Check runs the three-color DFS over the whole arena.
func (g *Graph) Check() error {
	color := make([]int, len(g.ids))
	// parent chain for path reconstruction
	stack := make([]int, 0, len(g.ids))

	var visit func(n int) *CycleError
	visit = func(n int) *CycleError {
		color[n] = gray
		stack = append(stack, n)
		for _, next := range g.adj[n] {
			switch color[next] {
			case gray:
				// gray node revisited on the current stack: cycle
				path := []string{g.ids[next]}
				for i := len(stack) - 1; i >= 0; i-- {
					path = append(path, g.ids[stack[i]])
					if stack[i] == next {
						break
					}
				}
				// reverse into traversal order
				for l, r := 0, len(path)-1; l < r; l, r = l+1, r-1 {
					path[l], path[r] = path[r], path[l]
				}
				return &CycleError{Path: path}
			case white:
				if err := visit(next); err != nil {
					return err
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = black
		return nil
	}

	for n := range g.ids {
		if color[n] == white {
			if err := visit(n); err != nil {
				return err
			}
		}
	}
	return nil
}

// Ready reports whether every direct dependency of itemID is in the terminal
// stage. Transitive closure is unnecessary: each dependency must itself have
// passed this gate before reaching done.
func Ready(itemID string, edges map[string][]string, stages map[string]stage.Stage) bool {
	for _, dep := range edges[itemID] {
		if !stage.Terminal(stages[dep]) {
			return false
		}
	}
	return true
}

// Blocking returns the direct dependencies of itemID that are not terminal.
func Blocking(itemID string, edges map[string][]string, stages map[string]stage.Stage) []string {
	var out []string
	for _, dep := range edges[itemID] {
		if !stage.Terminal(stages[dep]) {
			out = append(out, dep)
		}
	}
	return out
}
