package diagram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/graphrun/internal/graph"
	"github.com/rendis/graphrun/internal/runstate"
	"github.com/rendis/graphrun/pkg/schema"
)

func node(id string, typ schema.NodeType) schema.NodeConfig {
	return schema.NodeConfig{ID: id, Data: map[string]any{"type": string(typ), "title": id}}
}

func child(id, parent string, typ schema.NodeType) schema.NodeConfig {
	n := node(id, typ)
	n.ParentID = parent
	return n
}

func edge(src, dst string) schema.EdgeConfig {
	return schema.EdgeConfig{Source: src, Target: dst}
}

func branch(src, handle, dst string) schema.EdgeConfig {
	return schema.EdgeConfig{Source: src, Target: dst, SourceHandle: handle}
}

// start -> cond -> {true: llm -> end1, false: review -> end2}
func branchGraph(t *testing.T) *graph.Graph {
	t.Helper()
	g, err := graph.Parse(schema.GraphConfig{
		Nodes: []schema.NodeConfig{
			node("start", schema.NodeTypeStart),
			node("cond", schema.NodeTypeIfElse),
			node("llm", schema.NodeTypeLLM),
			node("end1", schema.NodeTypeEnd),
			node("review", schema.NodeTypeHumanInput),
			node("end2", schema.NodeTypeEnd),
		},
		Edges: []schema.EdgeConfig{
			edge("start", "cond"),
			branch("cond", "true", "llm"),
			edge("llm", "end1"),
			branch("cond", "false", "review"),
			branch("review", "approve", "end2"),
		},
	})
	require.NoError(t, err)
	return g
}

// start -> each(iteration: in -> tpl) -> end
func iterationGraph(t *testing.T) *graph.Graph {
	t.Helper()
	g, err := graph.Parse(schema.GraphConfig{
		Nodes: []schema.NodeConfig{
			node("start", schema.NodeTypeStart),
			node("each", schema.NodeTypeIteration),
			child("in", "each", schema.NodeTypeIterationStart),
			child("tpl", "each", schema.NodeTypeTemplateTransform),
			node("end", schema.NodeTypeEnd),
		},
		Edges: []schema.EdgeConfig{
			edge("start", "each"),
			edge("in", "tpl"),
			edge("each", "end"),
		},
	})
	require.NoError(t, err)
	return g
}

func findNode(nodes []*Node, id string) *Node {
	for _, n := range nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

func TestBuild_Kinds(t *testing.T) {
	m := Build(branchGraph(t), "", nil)
	assert.Equal(t, "Graph", m.Title)
	require.Len(t, m.Nodes, 6)
	assert.Equal(t, "start", m.Nodes[0].ID)

	assert.Equal(t, NodeKindStart, findNode(m.Nodes, "start").Kind)
	assert.Equal(t, NodeKindBranch, findNode(m.Nodes, "cond").Kind)
	assert.Equal(t, NodeKindModel, findNode(m.Nodes, "llm").Kind)
	assert.Equal(t, NodeKindPause, findNode(m.Nodes, "review").Kind)
	assert.Equal(t, NodeKindEnd, findNode(m.Nodes, "end2").Kind)
	assert.Equal(t, "llm\n(llm)", findNode(m.Nodes, "llm").Label)
}

func TestBuild_EdgeLabels(t *testing.T) {
	m := Build(branchGraph(t), "approvals", nil)
	assert.Equal(t, "approvals", m.Title)
	assert.Contains(t, m.Edges, Edge{From: "start", To: "cond"})
	assert.Contains(t, m.Edges, Edge{From: "cond", To: "llm", Label: "true"})
	assert.Contains(t, m.Edges, Edge{From: "review", To: "end2", Label: "approve"})
	assert.NotEmpty(t, m.Levels)
}

func TestBuild_ContainerBody(t *testing.T) {
	m := Build(iterationGraph(t), "", nil)
	require.Len(t, m.Nodes, 3)
	each := findNode(m.Nodes, "each")
	require.NotNil(t, each)
	assert.Equal(t, NodeKindContainer, each.Kind)
	require.NotNil(t, each.Body)
	require.Len(t, each.Body.Nodes, 2)
	assert.Equal(t, NodeKindStart, each.Body.Nodes[0].Kind)
	assert.Equal(t, []Edge{{From: "in", To: "tpl"}}, each.Body.Edges)
}

func TestFromEvents(t *testing.T) {
	events := []schema.Event{
		{Type: schema.EventNodeStarted, NodeID: "start"},
		{Type: schema.EventNodeSucceeded, NodeID: "start"},
		{Type: schema.EventNodeStarted, NodeID: "llm"},
		{Type: schema.EventNodeRetry, NodeID: "llm", Attempt: 1},
		{Type: schema.EventNodeFailed, NodeID: "llm", Error: schema.NewError(schema.ErrCodeExecution, "boom")},
		{Type: schema.EventNodeStarted, NodeID: "review"},
		{Type: schema.EventPaused, Pause: &schema.PauseReason{NodeID: "review"}},
	}
	overlay := FromEvents(events)

	assert.Equal(t, "succeeded", overlay["start"].Status)
	assert.Equal(t, "failed", overlay["llm"].Status)
	assert.Equal(t, "boom", overlay["llm"].Error)
	assert.Equal(t, 1, overlay["llm"].Attempts)
	assert.Equal(t, "paused", overlay["review"].Status)
	assert.Nil(t, overlay["end1"])

	m := Build(branchGraph(t), "", overlay)
	assert.Equal(t, "failed", findNode(m.Nodes, "llm").Status.Status)
	assert.Nil(t, findNode(m.Nodes, "end1").Status)
}

func TestFromRoutes(t *testing.T) {
	routes := runstate.NewRouteState()
	routes.Nodes["start"] = runstate.NodeSucceeded
	routes.Nodes["llm"] = runstate.NodeSkipped
	routes.Nodes["end1"] = runstate.NodeUnknown

	overlay := FromRoutes(routes)
	assert.Equal(t, "succeeded", overlay["start"].Status)
	assert.Equal(t, "skipped", overlay["llm"].Status)
	assert.NotContains(t, overlay, "end1")
}
