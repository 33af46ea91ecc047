package planner

import (
	"fmt"

	"github.com/scholarmesh/orchestrator/internal/workers"
)

// NodeStatus tracks a subtask through its lifetime within one task.
type NodeStatus string

const (
	StatusPending NodeStatus = "pending"
	StatusRunning NodeStatus = "running"
	StatusDone    NodeStatus = "done"
	StatusFailed  NodeStatus = "failed"
)

// Node is one unit of work in a subtask graph.
type Node struct {
	ID        string            `json:"id"`
	Kind      workers.Kind      `json:"kind"`
	Query     string            `json:"query"`
	TopK      int               `json:"top_k,omitempty"`
	Filters   map[string]string `json:"filters,omitempty"`
	DependsOn []string          `json:"depends_on,omitempty"`
	Status    NodeStatus        `json:"status"`
}

// Graph is a directed acyclic subtask graph. Node ownership passes to the
// scheduler for the lifetime of one task; the planner never mutates a graph
// it has handed out.
type Graph struct {
	nodes map[string]*Node
	order []string // insertion order, for deterministic iteration
}

// NewGraph creates an empty subtask graph.
func NewGraph() *Graph {
	return &Graph{nodes: make(map[string]*Node)}
}

// Add inserts a node. Duplicate ids are a programming error at planning time.
func (g *Graph) Add(n *Node) error {
	if n.ID == "" {
		return fmt.Errorf("subtask node missing id")
	}
	if _, exists := g.nodes[n.ID]; exists {
		return fmt.Errorf("duplicate subtask node id %q", n.ID)
	}
	if !n.Kind.Valid() {
		return fmt.Errorf("subtask node %q has invalid kind %q", n.ID, n.Kind)
	}
	if n.Status == "" {
		n.Status = StatusPending
	}
	g.nodes[n.ID] = n
	g.order = append(g.order, n.ID)
	return nil
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.order) }

// Nodes returns all nodes in insertion order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id])
	}
	return out
}

// Ready returns pending nodes whose dependencies are all done, in insertion
// order. Nodes depending on a failed node are unblocked too: a failed
// dependency contributes no evidence but must not wedge the round.
func (g *Graph) Ready() []*Node {
	var ready []*Node
	for _, id := range g.order {
		n := g.nodes[id]
		if n.Status != StatusPending {
			continue
		}
		ok := true
		for _, dep := range n.DependsOn {
			d, exists := g.nodes[dep]
			if !exists || (d.Status != StatusDone && d.Status != StatusFailed) {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, n)
		}
	}
	return ready
}

// Settled reports whether every node has reached done or failed.
func (g *Graph) Settled() bool {
	for _, id := range g.order {
		switch g.nodes[id].Status {
		case StatusDone, StatusFailed:
		default:
			return false
		}
	}
	return true
}

// EvidenceNodes returns the retrieval and structured-query nodes in insertion order.
func (g *Graph) EvidenceNodes() []*Node {
	var out []*Node
	for _, id := range g.order {
		n := g.nodes[id]
		if n.Kind == workers.KindRetrieval || n.Kind == workers.KindStructured {
			out = append(out, n)
		}
	}
	return out
}

// GenerationNode returns the single generation node, if present.
func (g *Graph) GenerationNode() (*Node, bool) {
	for _, id := range g.order {
		if n := g.nodes[id]; n.Kind == workers.KindGeneration {
			return n, true
		}
	}
	return nil, false
}

// Validate rejects graphs with unknown dependency ids or cycles. Called at
// planning time so the scheduler can trust any graph it receives.
func (g *Graph) Validate() error {
	if len(g.order) == 0 {
		return fmt.Errorf("subtask graph is empty")
	}
	for _, id := range g.order {
		for _, dep := range g.nodes[id].DependsOn {
			if _, ok := g.nodes[dep]; !ok {
				return fmt.Errorf("node %q depends on unknown node %q", id, dep)
			}
			if dep == id {
				return fmt.Errorf("node %q depends on itself", id)
			}
		}
	}

	// Kahn's algorithm: anything left unprocessed sits on a cycle.
	indegree := make(map[string]int, len(g.nodes))
	dependents := make(map[string][]string, len(g.nodes))
	for _, id := range g.order {
		indegree[id] = len(g.nodes[id].DependsOn)
		for _, dep := range g.nodes[id].DependsOn {
			dependents[dep] = append(dependents[dep], id)
		}
	}
	var queue []string
	for _, id := range g.order {
		if indegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if processed != len(g.nodes) {
		return fmt.Errorf("subtask graph contains a dependency cycle")
	}
	return nil
}
