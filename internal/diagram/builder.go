package diagram

import (
	"github.com/rendis/graphrun/internal/graph"
	"github.com/rendis/graphrun/internal/runstate"
	"github.com/rendis/graphrun/pkg/schema"
)

// Overlay maps node IDs to what a run did with them.
type Overlay map[string]*StatusOverlay

// Build constructs a Model from a parsed graph. Nodes follow the scope's
// topological order and container bodies become sub-graphs. overlay may be nil.
func Build(g *graph.Graph, title string, overlay Overlay) *Model {
	if title == "" {
		title = "Graph"
	}
	nodes, edges := buildScope(g, overlay)
	levels := make([][]string, len(g.Levels))
	for i, lvl := range g.Levels {
		levels[i] = append([]string(nil), lvl...)
	}
	return &Model{Title: title, Nodes: nodes, Edges: edges, Levels: levels}
}

func buildScope(g *graph.Graph, overlay Overlay) ([]*Node, []Edge) {
	nodes := make([]*Node, 0, len(g.Sorted))
	for _, id := range g.Sorted {
		n, _ := g.Node(id)
		dn := &Node{ID: n.ID, Label: label(n), Kind: kindOf(n.Type), Status: overlay[n.ID]}
		if n.Type.IsContainer() {
			if sub, ok := g.Subgraph(n.ID); ok {
				body, bodyEdges := buildScope(sub, overlay)
				dn.Body = &SubGraph{Label: n.Title, Nodes: body, Edges: bodyEdges}
			}
		}
		nodes = append(nodes, dn)
	}
	edges := make([]Edge, 0, len(g.Edges()))
	for _, e := range g.Edges() {
		de := Edge{From: e.Source, To: e.Target}
		if e.Handle != schema.HandleSource {
			de.Label = e.Handle
		}
		edges = append(edges, de)
	}
	return nodes, edges
}

func label(n *graph.Node) string {
	if n.Title != "" && n.Title != n.ID {
		return n.Title + "\n(" + string(n.Type) + ")"
	}
	return n.ID + "\n(" + string(n.Type) + ")"
}

func kindOf(t schema.NodeType) NodeKind {
	switch {
	case t == schema.NodeTypeStart || t.IsSubgraphStart():
		return NodeKindStart
	case t.IsTerminal() || t == schema.NodeTypeLoopEnd:
		return NodeKindEnd
	case t.IsContainer():
		return NodeKindContainer
	case t == schema.NodeTypeHumanInput || t == schema.NodeTypeWebhook:
		return NodeKindPause
	case t == schema.NodeTypeIfElse:
		return NodeKindBranch
	case t == schema.NodeTypeLLM || t == schema.NodeTypeQuestionClassifier ||
		t == schema.NodeTypeParameterExtractor || t == schema.NodeTypeAgent:
		return NodeKindModel
	default:
		return NodeKindTask
	}
}

// FromRoutes builds an overlay from a run's persisted route state.
func FromRoutes(routes *runstate.RouteState) Overlay {
	out := make(Overlay, len(routes.Nodes))
	for id, st := range routes.Nodes {
		if st == runstate.NodeUnknown {
			continue
		}
		o := &StatusOverlay{Status: string(st)}
		if exec, ok := routes.LatestExecution(id); ok {
			o.Attempts = exec.Attempts
		}
		out[id] = o
	}
	return out
}

// FromEvents builds an overlay by replaying a run's event stream. Later
// events for the same node win, so the last iteration of a frame is shown.
func FromEvents(events []schema.Event) Overlay {
	out := make(Overlay)
	get := func(id string) *StatusOverlay {
		o, ok := out[id]
		if !ok {
			o = &StatusOverlay{}
			out[id] = o
		}
		return o
	}
	for _, ev := range events {
		switch ev.Type {
		case schema.EventNodeStarted:
			o := get(ev.NodeID)
			o.Status = string(runstate.NodeRunning)
			o.Error = ""
		case schema.EventNodeRetry:
			get(ev.NodeID).Attempts = ev.Attempt
		case schema.EventNodeSucceeded:
			get(ev.NodeID).Status = string(runstate.NodeSucceeded)
		case schema.EventNodeFailed:
			o := get(ev.NodeID)
			o.Status = string(runstate.NodeFailed)
			if ev.Error != nil {
				o.Error = ev.Error.Message
			}
		case schema.EventPaused:
			if ev.Pause != nil {
				get(ev.Pause.NodeID).Status = string(runstate.NodePaused)
			}
		}
	}
	return out
}
