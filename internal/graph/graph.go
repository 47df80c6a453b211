package graph

import (
	"fmt"
	"sort"

	"github.com/rendis/graphrun/pkg/schema"
)

// Node is a graph vertex with its parsed identity and raw config.
type Node struct {
	ID       string
	ParentID string
	Type     schema.NodeType
	Title    string
	Config   schema.NodeConfig
}

// IsBranchPoint reports whether the node's completion decides which outgoing
// edges are taken: conditional node types, and nodes routing failures to a
// fail-branch.
func (n *Node) IsBranchPoint() bool {
	if n.Type.IsBranch() {
		return true
	}
	s, _ := n.Config.Data["error_strategy"].(string)
	return schema.ErrorStrategy(s) == schema.ErrorStrategyFailBranch
}

// Edge is a directed connection. Handle is never empty.
type Edge struct {
	ID     string
	Source string
	Target string
	Handle string
}

// Graph is one scheduling scope: the main graph, or the body of an iteration
// or loop container. Sub-graphs are reachable through Subgraph.
type Graph struct {
	ContainerID string
	RootID      string
	Sorted      []string   // topological order
	Levels      [][]string // nodes grouped by topological depth

	// Warnings holds advisories such as unreachable nodes. Only the main
	// scope carries them.
	Warnings []schema.ValidationIssue

	nodes     map[string]*Node
	order     []string
	edges     []*Edge
	out       map[string][]*Edge
	in        map[string][]*Edge
	subgraphs map[string]*Graph
}

// Node returns the node with id, searching sub-graphs as well.
func (g *Graph) Node(id string) (*Node, bool) {
	if n, ok := g.nodes[id]; ok {
		return n, true
	}
	for _, sub := range g.subgraphs {
		if n, ok := sub.Node(id); ok {
			return n, true
		}
	}
	return nil, false
}

// NodeIDs returns this scope's node IDs in configuration order.
func (g *Graph) NodeIDs() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// AllNodes returns every node in this scope and all nested sub-graphs.
func (g *Graph) AllNodes() []*Node {
	out := make([]*Node, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id])
	}
	ids := make([]string, 0, len(g.subgraphs))
	for id := range g.subgraphs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		out = append(out, g.subgraphs[id].AllNodes()...)
	}
	return out
}

// Edges returns this scope's edges.
func (g *Graph) Edges() []*Edge {
	return g.edges
}

// Outgoing returns the edges leaving id.
func (g *Graph) Outgoing(id string) []*Edge {
	return g.out[id]
}

// Incoming returns the edges entering id.
func (g *Graph) Incoming(id string) []*Edge {
	return g.in[id]
}

// Contains reports whether id belongs to this scope (not a sub-graph).
func (g *Graph) Contains(id string) bool {
	_, ok := g.nodes[id]
	return ok
}

// Subgraph returns the body of the container node id.
func (g *Graph) Subgraph(containerID string) (*Graph, bool) {
	if sub, ok := g.subgraphs[containerID]; ok {
		return sub, true
	}
	for _, sub := range g.subgraphs {
		if found, ok := sub.Subgraph(containerID); ok {
			return found, true
		}
	}
	return nil, false
}

// TerminalNodes returns End/Answer nodes of this scope in configuration order.
func (g *Graph) TerminalNodes() []*Node {
	var out []*Node
	for _, id := range g.order {
		if g.nodes[id].Type.IsTerminal() {
			out = append(out, g.nodes[id])
		}
	}
	return out
}

func newScope(containerID string) *Graph {
	return &Graph{
		ContainerID: containerID,
		nodes:       make(map[string]*Node),
		out:         make(map[string][]*Edge),
		in:          make(map[string][]*Edge),
		subgraphs:   make(map[string]*Graph),
	}
}

// edgeID derives a stable identifier for edges that lack one.
func edgeID(e schema.EdgeConfig) string {
	if e.ID != "" {
		return e.ID
	}
	return fmt.Sprintf("%s-%s-%s", e.Source, e.Handle(), e.Target)
}
