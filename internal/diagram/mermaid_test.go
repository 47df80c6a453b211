package diagram

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRenderMermaid_Shapes(t *testing.T) {
	out := RenderMermaid(Build(branchGraph(t), "approvals", nil))

	assert.Contains(t, out, "graph TD")
	assert.Contains(t, out, "%% approvals")
	assert.Contains(t, out, `start(("start"))`)
	assert.Contains(t, out, `cond{"cond"}`)
	assert.Contains(t, out, `llm{{"llm"}}`)
	assert.Contains(t, out, `review(["review"])`)
	assert.Contains(t, out, "cond -->|true| llm")
	assert.Contains(t, out, "start --> cond")
	assert.Contains(t, out, "classDef paused")
	assert.NotContains(t, out, "class start")
}

func TestRenderMermaid_Subgraph(t *testing.T) {
	out := RenderMermaid(Build(iterationGraph(t), "", nil))

	assert.Contains(t, out, `each[["each"]]`)
	assert.Contains(t, out, `subgraph each_body["each"]`)
	assert.Contains(t, out, "        in --> tpl")
	assert.Contains(t, out, "each -.-> each_body")
}

func TestRenderMermaid_StatusClasses(t *testing.T) {
	overlay := Overlay{
		"start":  {Status: "succeeded"},
		"review": {Status: "paused"},
		"tpl":    {Status: "running"},
		"end1":   {Status: "unknown"},
	}
	out := RenderMermaid(Build(branchGraph(t), "", overlay))
	assert.Contains(t, out, "class start succeeded")
	assert.Contains(t, out, "class review paused")
	assert.NotContains(t, out, "class end1")

	nested := RenderMermaid(Build(iterationGraph(t), "", overlay))
	assert.Contains(t, nested, "class tpl running")
}

func TestMermaidSafeID(t *testing.T) {
	assert.Equal(t, "a_b_c_d", mermaidSafeID("a.b-c d"))
}
