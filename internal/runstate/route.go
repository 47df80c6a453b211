package runstate

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/graphrun/pkg/schema"
)

// NodeState is the lifecycle state of a node within one run.
type NodeState string

const (
	NodeUnknown   NodeState = "unknown"
	NodeReady     NodeState = "ready"
	NodeRunning   NodeState = "running"
	NodeSucceeded NodeState = "succeeded"
	NodeFailed    NodeState = "failed"
	NodeSkipped   NodeState = "skipped"
	NodePaused    NodeState = "paused"
)

// IsFinal reports whether no further transition is possible.
func (s NodeState) IsFinal() bool {
	return s == NodeSucceeded || s == NodeFailed || s == NodeSkipped
}

var nodeTransitions = map[NodeState][]NodeState{
	NodeUnknown: {NodeReady, NodeSkipped},
	NodeReady:   {NodeRunning},
	NodeRunning: {NodeSucceeded, NodeFailed, NodePaused},
	NodePaused:  {NodeSucceeded, NodeFailed},
}

// EdgeState records whether an edge was traversed.
type EdgeState string

const (
	EdgeUnknown EdgeState = "unknown"
	EdgeTaken   EdgeState = "taken"
	EdgeSkipped EdgeState = "skipped"
)

// NodeExecution is one attempt-group of a node: the execution id referenced
// by events, its predecessor and the edge handle it selected.
type NodeExecution struct {
	ID            string     `json:"id"`
	NodeID        string     `json:"node_id"`
	PredecessorID string     `json:"predecessor_id,omitempty"`
	EdgeHandle    string     `json:"edge_handle,omitempty"`
	Status        NodeState  `json:"status"`
	Attempts      int        `json:"attempts"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// RouteState is the per-run record of node and edge states plus executions.
// It is the basis for reachability pruning after a branch.
type RouteState struct {
	Nodes      map[string]NodeState      `json:"nodes"`
	Edges      map[string]EdgeState      `json:"edges"`
	Executions map[string]*NodeExecution `json:"executions"`
	Latest     map[string]string         `json:"latest"` // node id → latest execution id
}

// NewRouteState returns an empty route state.
func NewRouteState() *RouteState {
	return &RouteState{
		Nodes:      make(map[string]NodeState),
		Edges:      make(map[string]EdgeState),
		Executions: make(map[string]*NodeExecution),
		Latest:     make(map[string]string),
	}
}

// NodeState returns the node's state, unknown if never touched.
func (r *RouteState) NodeState(nodeID string) NodeState {
	if s, ok := r.Nodes[nodeID]; ok {
		return s
	}
	return NodeUnknown
}

// Transition moves a node to a new state, rejecting illegal transitions.
func (r *RouteState) Transition(nodeID string, to NodeState) error {
	from := r.NodeState(nodeID)
	for _, allowed := range nodeTransitions[from] {
		if allowed == to {
			r.Nodes[nodeID] = to
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid node transition: %s -> %s", from, to).WithNode(nodeID)
}

// EdgeState returns the edge's state, unknown if never touched.
func (r *RouteState) EdgeState(edgeID string) EdgeState {
	if s, ok := r.Edges[edgeID]; ok {
		return s
	}
	return EdgeUnknown
}

// SetEdge records an edge outcome.
func (r *RouteState) SetEdge(edgeID string, state EdgeState) {
	r.Edges[edgeID] = state
}

// StartExecution opens an execution record for nodeID, linking it to the
// latest execution of predecessorNodeID when known.
func (r *RouteState) StartExecution(nodeID, predecessorNodeID string, now time.Time) *NodeExecution {
	exec := &NodeExecution{
		ID:        uuid.New().String(),
		NodeID:    nodeID,
		Status:    NodeRunning,
		StartedAt: now,
		Attempts:  1,
	}
	if predecessorNodeID != "" {
		exec.PredecessorID = r.Latest[predecessorNodeID]
	}
	r.Executions[exec.ID] = exec
	r.Latest[nodeID] = exec.ID
	return exec
}

// FinishExecution closes the latest execution of nodeID.
func (r *RouteState) FinishExecution(nodeID string, status NodeState, handle string, now time.Time) {
	exec, ok := r.Executions[r.Latest[nodeID]]
	if !ok {
		return
	}
	exec.Status = status
	exec.EdgeHandle = handle
	if status.IsFinal() {
		t := now
		exec.FinishedAt = &t
	}
}

// LatestExecution returns the newest execution of nodeID, if any.
func (r *RouteState) LatestExecution(nodeID string) (*NodeExecution, bool) {
	exec, ok := r.Executions[r.Latest[nodeID]]
	return exec, ok
}

// NodesIn lists node IDs currently in state, sorted.
func (r *RouteState) NodesIn(state NodeState) []string {
	var out []string
	for id, s := range r.Nodes {
		if s == state {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
