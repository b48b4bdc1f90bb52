package orchestrator

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/hephaestus-ai/hephaestus/pkg/agent"
)

// Edge is one dependency arrow in the task graph, read "To depends on From".
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// CycleError reports the edges of a dependency cycle found during batch
// validation. Tagged as a validation error; nothing from the batch is
// registered.
type CycleError struct {
	Edges []Edge
}

func (e *CycleError) Error() string {
	parts := make([]string, len(e.Edges))
	for i, edge := range e.Edges {
		parts[i] = fmt.Sprintf("%s->%s", edge.From, edge.To)
	}
	return "dependency cycle: " + strings.Join(parts, ", ")
}

// node tracks one task's unresolved dependencies and its dependents.
type node struct {
	id         string
	state      TaskState
	priority   int
	unresolved map[string]struct{} // dependency IDs not yet SUCCEEDED
	dependents map[string]struct{}
}

// Graph maintains the task DAG: forward edges (dependencies), reverse edges
// (dependents), and the ready set of tasks whose dependencies all succeeded.
type Graph struct {
	mu    sync.Mutex
	nodes map[string]*node
	ready map[string]struct{}
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{
		nodes: make(map[string]*node),
		ready: make(map[string]struct{}),
	}
}

// AddBatch validates and registers a batch of tasks. Dependencies may point
// at batch members or at tasks already in the graph. A cycle or a reference
// to an unknown task rejects the whole batch.
func (g *Graph) AddBatch(specs []TaskSpec) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	inBatch := make(map[string]TaskSpec, len(specs))
	for _, s := range specs {
		if _, dup := inBatch[s.ID]; dup {
			return agent.NewValidation("duplicate task id in batch: " + s.ID)
		}
		if _, exists := g.nodes[s.ID]; exists {
			return agent.NewValidation("task id already registered: " + s.ID)
		}
		inBatch[s.ID] = s
	}
	for _, s := range specs {
		for _, dep := range s.DependsOn {
			if _, ok := inBatch[dep]; ok {
				continue
			}
			if _, ok := g.nodes[dep]; !ok {
				return agent.NewValidation(fmt.Sprintf("task %s depends on unknown task %s", s.ID, dep))
			}
		}
	}
	if cycle := findCycle(inBatch); cycle != nil {
		return agent.Wrap(agent.KindValidation, cycle)
	}

	for _, s := range specs {
		n := &node{
			id:         s.ID,
			state:      StatePending,
			priority:   s.Priority,
			unresolved: make(map[string]struct{}, len(s.DependsOn)),
			dependents: make(map[string]struct{}),
		}
		for _, dep := range s.DependsOn {
			// Edges to tasks that already succeeded are pre-resolved.
			if prev, ok := g.nodes[dep]; ok && prev.state == StateSucceeded {
				continue
			}
			n.unresolved[dep] = struct{}{}
		}
		g.nodes[s.ID] = n
	}
	for _, s := range specs {
		n := g.nodes[s.ID]
		for dep := range n.unresolved {
			g.nodes[dep].dependents[s.ID] = struct{}{}
		}
		if len(n.unresolved) == 0 {
			n.state = StateReady
			g.ready[s.ID] = struct{}{}
		}
	}
	return nil
}

// findCycle runs a colored DFS over the batch's internal edges and returns
// the cycle's edges, or nil. Edges to tasks outside the batch cannot close a
// cycle since registered tasks never gain new dependencies.
func findCycle(batch map[string]TaskSpec) *CycleError {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current DFS path
		black = 2 // fully explored
	)
	color := make(map[string]int, len(batch))
	var stack []string

	var visit func(id string) []Edge
	visit = func(id string) []Edge {
		color[id] = gray
		stack = append(stack, id)
		for _, dep := range batch[id].DependsOn {
			if _, ok := batch[dep]; !ok {
				continue
			}
			switch color[dep] {
			case white:
				if edges := visit(dep); edges != nil {
					return edges
				}
			case gray:
				// Close the loop from dep back to itself through the stack.
				var edges []Edge
				start := 0
				for i, s := range stack {
					if s == dep {
						start = i
						break
					}
				}
				for i := start; i < len(stack)-1; i++ {
					edges = append(edges, Edge{From: stack[i+1], To: stack[i]})
				}
				edges = append(edges, Edge{From: dep, To: stack[len(stack)-1]})
				return edges
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	ids := make([]string, 0, len(batch))
	for id := range batch {
		ids = append(ids, id)
	}
	sort.Strings(ids) // deterministic reporting
	for _, id := range ids {
		if color[id] == white {
			if edges := visit(id); edges != nil {
				return &CycleError{Edges: edges}
			}
			stack = stack[:0]
		}
	}
	return nil
}

// TakeReady removes and returns the current ready set, highest priority
// first, ties broken by ID for determinism.
func (g *Graph) TakeReady() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.ready))
	for id := range g.ready {
		out = append(out, id)
	}
	g.ready = make(map[string]struct{})
	sort.Slice(out, func(i, j int) bool {
		a, b := g.nodes[out[i]], g.nodes[out[j]]
		if a.priority != b.priority {
			return a.priority > b.priority
		}
		return a.id < b.id
	})
	return out
}

// ReadyLen returns the current ready set size.
func (g *Graph) ReadyLen() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.ready)
}

// MarkRunning records that a task left the ready set and started.
func (g *Graph) MarkRunning(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n, ok := g.nodes[id]; ok && !n.state.Terminal() {
		n.state = StateRunning
	}
	delete(g.ready, id)
}

// MarkSucceeded resolves the task's outgoing edges. It returns the resolved
// edges (for DependencyResolved events) and the IDs of dependents that became
// ready.
func (g *Graph) MarkSucceeded(id string) (resolved []Edge, newlyReady []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	if !ok || n.state.Terminal() {
		return nil, nil
	}
	n.state = StateSucceeded
	for depID := range n.dependents {
		d := g.nodes[depID]
		delete(d.unresolved, id)
		resolved = append(resolved, Edge{From: id, To: depID})
		if len(d.unresolved) == 0 && d.state == StatePending {
			d.state = StateReady
			g.ready[depID] = struct{}{}
			newlyReady = append(newlyReady, depID)
		}
	}
	sort.Strings(newlyReady)
	return resolved, newlyReady
}

// Cascade marks the task terminal with the given state and transitively
// cancels every non-terminal dependent. It returns dependent ID → cause,
// where cause is the originating task's ID. Dependents that already reached
// a terminal state are untouched.
func (g *Graph) Cascade(id string, terminal TaskState) map[string]string {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	if !n.state.Terminal() {
		n.state = terminal
	}
	delete(g.ready, id)

	cancelled := make(map[string]string)
	frontier := []string{id}
	for len(frontier) > 0 {
		cur := frontier[0]
		frontier = frontier[1:]
		for depID := range g.nodes[cur].dependents {
			d := g.nodes[depID]
			if d.state.Terminal() {
				continue
			}
			if _, seen := cancelled[depID]; seen {
				continue
			}
			d.state = StateCancelled
			delete(g.ready, depID)
			cancelled[depID] = id
			frontier = append(frontier, depID)
		}
	}
	return cancelled
}

// State returns a task's state as the graph sees it.
func (g *Graph) State(id string) (TaskState, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	if !ok {
		return "", false
	}
	return n.state, true
}

// Len returns the number of registered tasks.
func (g *Graph) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.nodes)
}
