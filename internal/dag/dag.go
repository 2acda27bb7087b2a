// Package dag builds execution waves over a plan's depends_on graph. It is
// a direct generalisation of the teacher's workflow DAG: Kahn's-algorithm
// topological ordering plus maximal-antichain "execution levels", adapted
// from workflow steps to IML actions.
package dag

import (
	"sync"

	"github.com/imld/daemon/internal/iml"
)

// NodeStatus tracks a node's scheduling status, independent of (but kept
// in sync with) the action's own iml.ActionState.
type NodeStatus int

const (
	NodePending NodeStatus = iota
	NodeRunning
	NodeCompleted
	NodeFailed
	NodeSkipped
	// NodeFailedContinue is a failed node whose action has on_failure=continue:
	// terminal like NodeFailed, but — unlike NodeFailed — it satisfies
	// dependenciesSatisfied so descendants stay eligible to run.
	NodeFailedContinue
)

// Node is one action's position in the graph.
type Node struct {
	ID           string
	Index        int // position in the original plan JSON, for wave tie-breaking
	Dependencies []string
	Dependents   []string
	Status       NodeStatus
}

// Graph is the plan's dependency graph, built once per plan and mutated as
// the executor advances actions through their states.
type Graph struct {
	mu    sync.RWMutex
	nodes map[string]*Node
	order []string
}

// Build constructs a Graph from a validated plan. The plan is assumed to
// have already passed iml.Validate (acyclic, all depends_on resolvable).
func Build(p *iml.Plan) *Graph {
	g := &Graph{nodes: make(map[string]*Node, len(p.Actions))}
	for i, a := range p.Actions {
		g.nodes[a.ID] = &Node{ID: a.ID, Index: i, Dependencies: append([]string{}, a.DependsOn...)}
		g.order = append(g.order, a.ID)
	}
	g.rebuildDependents()
	return g
}

func (g *Graph) rebuildDependents() {
	for _, n := range g.nodes {
		n.Dependents = nil
	}
	for id, n := range g.nodes {
		for _, dep := range n.Dependencies {
			if depNode, ok := g.nodes[dep]; ok {
				depNode.Dependents = append(depNode.Dependents, id)
			}
		}
	}
}

// ReadyNodes returns pending nodes whose dependencies are all terminal
// (completed, skipped, or failed under the continue policy), ordered by
// their original plan index.
func (g *Graph) ReadyNodes() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []*Node
	for _, id := range g.order {
		n := g.nodes[id]
		if n.Status == NodePending && g.dependenciesSatisfied(n) {
			ready = append(ready, n)
		}
	}
	ids := make([]string, len(ready))
	for i, n := range ready {
		ids[i] = n.ID
	}
	return ids
}

func (g *Graph) dependenciesSatisfied(n *Node) bool {
	for _, dep := range n.Dependencies {
		d := g.nodes[dep]
		if d == nil {
			continue
		}
		if d.Status != NodeCompleted && d.Status != NodeSkipped && d.Status != NodeFailedContinue {
			return false
		}
	}
	return true
}

// MarkRunning, MarkCompleted, MarkFailed, MarkSkipped transition a node's
// scheduling status. MarkFailed(id, true) ("abort") recursively marks
// pending dependents skipped, mirroring the teacher's cascade-skip
// behaviour. MarkFailed(id, false) ("continue") marks the node
// NodeFailedContinue instead of NodeFailed, so dependenciesSatisfied still
// treats it as satisfying its dependents — otherwise a descendant of a
// continue-policy failure would stay NodePending forever and the plan
// would never reach IsComplete.
func (g *Graph) MarkRunning(id string) { g.setStatus(id, NodeRunning) }
func (g *Graph) MarkCompleted(id string) { g.setStatus(id, NodeCompleted) }

func (g *Graph) MarkFailed(id string, cascade bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	if !ok {
		return
	}
	if cascade {
		n.Status = NodeFailed
		g.markDependentsSkipped(id)
	} else {
		n.Status = NodeFailedContinue
	}
}

func (g *Graph) MarkSkipped(id string) { g.setStatus(id, NodeSkipped) }

func (g *Graph) setStatus(id string, s NodeStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n, ok := g.nodes[id]; ok {
		n.Status = s
	}
}

func (g *Graph) markDependentsSkipped(id string) {
	n := g.nodes[id]
	if n == nil {
		return
	}
	for _, dep := range n.Dependents {
		if d := g.nodes[dep]; d != nil && d.Status == NodePending {
			d.Status = NodeSkipped
			g.markDependentsSkipped(dep)
		}
	}
}

// IsComplete reports whether every node is in a terminal scheduling state.
func (g *Graph) IsComplete() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, n := range g.nodes {
		if n.Status == NodePending || n.Status == NodeRunning {
			return false
		}
	}
	return true
}

// TopologicalOrder returns all node ids in a valid topological order
// (Kahn's algorithm), ties broken by original plan index.
func (g *Graph) TopologicalOrder() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	inDegree := make(map[string]int, len(g.nodes))
	for id, n := range g.nodes {
		inDegree[id] = len(n.Dependencies)
	}

	var queue []string
	for _, id := range g.order {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	var result []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		result = append(result, cur)

		n := g.nodes[cur]
		var freed []string
		for _, dep := range n.Dependents {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				freed = append(freed, dep)
			}
		}
		// keep plan-index order among newly-freed nodes
		for _, id := range g.order {
			for _, f := range freed {
				if f == id {
					queue = append(queue, id)
				}
			}
		}
	}
	return result
}

// ExecutionLevels groups nodes into maximal antichains ("waves"): each
// level contains every node whose dependencies are all in a previous
// level, i.e. the set of nodes that could run concurrently.
func (g *Graph) ExecutionLevels() [][]string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var levels [][]string
	processed := make(map[string]bool, len(g.nodes))

	for {
		var level []string
		for _, id := range g.order {
			if processed[id] {
				continue
			}
			n := g.nodes[id]
			ready := true
			for _, dep := range n.Dependencies {
				if !processed[dep] {
					ready = false
					break
				}
			}
			if ready {
				level = append(level, id)
			}
		}
		if len(level) == 0 {
			break
		}
		for _, id := range level {
			processed[id] = true
		}
		levels = append(levels, level)
	}
	return levels
}

// Reset returns every node to NodePending; used when re-running a plan
// (e.g. for tests or a dry-run planner).
func (g *Graph) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, n := range g.nodes {
		n.Status = NodePending
	}
}
