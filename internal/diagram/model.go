// Package diagram renders graph configurations, optionally overlaid with the
// node states of a run, as Mermaid flowcharts or Graphviz images.
package diagram

// NodeKind selects the shape a node is drawn with.
type NodeKind string

const (
	NodeKindStart     NodeKind = "start"
	NodeKindEnd       NodeKind = "end"
	NodeKindTask      NodeKind = "task"
	NodeKindModel     NodeKind = "model" // llm, classifier, extractor, agent
	NodeKindBranch    NodeKind = "branch"
	NodeKindPause     NodeKind = "pause"
	NodeKindContainer NodeKind = "container"
)

// Model is the intermediate representation shared by all renderers.
type Model struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node is one graph node. Containers carry their body in Body.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
	Body   *SubGraph
}

// SubGraph is the body of an iteration or loop node.
type SubGraph struct {
	Label string
	Nodes []*Node
	Edges []Edge
}

// StatusOverlay carries what a run did with a node.
type StatusOverlay struct {
	Status   string // runstate.NodeState
	Attempts int
	Error    string
}

// Edge connects two nodes. Label is the branch handle for conditional edges.
type Edge struct {
	From  string
	To    string
	Label string
}
