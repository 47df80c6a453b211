package nodes

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/graphrun/internal/variables"
	"github.com/rendis/graphrun/pkg/schema"
)

// doublingBody simulates a child graph whose "inner" node doubles the item.
func doublingBody(parent *variables.Pool, containerID string, fail func(i int) bool) func(context.Context, SubgraphRequest) (*SubgraphResult, error) {
	return func(_ context.Context, req SubgraphRequest) (*SubgraphResult, error) {
		frame := parent.Child()
		for k, v := range req.Seed {
			if err := frame.Add(variables.Selector{containerID, k}, v); err != nil {
				return nil, err
			}
		}
		if fail != nil && fail(req.Index) {
			return &SubgraphResult{Pool: frame, Err: schema.NewError(schema.ErrCodeExecution, "inner failed").WithNode("inner")}, nil
		}
		item, _ := frame.GetValue(variables.Selector{containerID, "item"})
		if err := frame.Add(variables.Selector{"inner", "out"}, item.(float64)*2); err != nil {
			return nil, err
		}
		return &SubgraphResult{Pool: frame, Usage: schema.Usage{TotalTokens: 1}}, nil
	}
}

func iterationData(extra map[string]any) map[string]any {
	data := map[string]any{
		"iterator_selector": []any{"start", "items"},
		"output_selector":   []any{"inner", "out"},
	}
	for k, v := range extra {
		data[k] = v
	}
	return data
}

func TestIteration_Sequential(t *testing.T) {
	f := newTestFactory(t, Deps{})
	n := mustCreate(t, f, "it", schema.NodeTypeIteration, iterationData(nil))
	pool := poolWith(t, map[string]any{"start.items": []any{1.0, 2.0, 3.0}})
	rc := newRunContext(pool)
	rc.subgraph = doublingBody(pool, "it", nil)

	res := n.Run(context.Background(), rc)
	require.Equal(t, StatusSucceeded, res.Status, res.Err)
	assert.Equal(t, []any{2.0, 4.0, 6.0}, res.Outputs["output"])
	assert.Equal(t, int64(3), res.Usage.TotalTokens)
}

func TestIteration_ParallelKeepsOrder(t *testing.T) {
	f := newTestFactory(t, Deps{})
	n := mustCreate(t, f, "it", schema.NodeTypeIteration, iterationData(map[string]any{"is_parallel": true, "parallel_nums": 3.0}))
	items := make([]any, 20)
	want := make([]any, 20)
	for i := range items {
		items[i] = float64(i)
		want[i] = float64(i * 2)
	}
	pool := poolWith(t, map[string]any{"start.items": items})
	rc := newRunContext(pool)

	var inflight, peak atomic.Int32
	body := doublingBody(pool, "it", nil)
	rc.subgraph = func(ctx context.Context, req SubgraphRequest) (*SubgraphResult, error) {
		cur := inflight.Add(1)
		defer inflight.Add(-1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		return body(ctx, req)
	}

	res := n.Run(context.Background(), rc)
	require.Equal(t, StatusSucceeded, res.Status, res.Err)
	assert.Equal(t, want, res.Outputs["output"])
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestIteration_ErrorModes(t *testing.T) {
	failSecond := func(i int) bool { return i == 1 }
	tests := []struct {
		mode   string
		status Status
		output []any
	}{
		{IterationTerminated, StatusFailed, nil},
		{IterationContinueOnErr, StatusSucceeded, []any{2.0, nil, 6.0}},
		{IterationRemoveAbnormal, StatusSucceeded, []any{2.0, 6.0}},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			f := newTestFactory(t, Deps{})
			n := mustCreate(t, f, "it", schema.NodeTypeIteration, iterationData(map[string]any{"error_handle_mode": tt.mode}))
			pool := poolWith(t, map[string]any{"start.items": []any{1.0, 2.0, 3.0}})
			rc := newRunContext(pool)
			rc.subgraph = doublingBody(pool, "it", failSecond)

			res := n.Run(context.Background(), rc)
			require.Equal(t, tt.status, res.Status)
			if tt.status == StatusFailed {
				assert.Equal(t, "inner", res.Err.NodeID)
				return
			}
			assert.Equal(t, tt.output, res.Outputs["output"])
		})
	}
}

func TestIteration_NotAnArray(t *testing.T) {
	f := newTestFactory(t, Deps{})
	n := mustCreate(t, f, "it", schema.NodeTypeIteration, iterationData(nil))
	res := n.Run(context.Background(), newRunContext(poolWith(t, map[string]any{"start.items": "nope"})))
	assert.Equal(t, StatusFailed, res.Status)

	_, err := create(f, "bad", schema.NodeTypeIteration, iterationData(map[string]any{"error_handle_mode": "ignore"}))
	assert.True(t, schema.HasCode(err, schema.ErrCodeConfiguration))
}

// countingBody writes the round's counter into "step.value" and reports a
// break once the counter reaches breakAt.
func countingBody(parent *variables.Pool, breakAt float64) func(context.Context, SubgraphRequest) (*SubgraphResult, error) {
	return func(_ context.Context, req SubgraphRequest) (*SubgraphResult, error) {
		frame := parent.Child()
		for k, v := range req.Seed {
			if err := frame.Add(variables.Selector{"loop", k}, v); err != nil {
				return nil, err
			}
		}
		count, _ := frame.GetValue(variables.Selector{"loop", "count"})
		value := count.(float64) + 1
		if err := frame.Add(variables.Selector{"step", "value"}, value); err != nil {
			return nil, err
		}
		return &SubgraphResult{Pool: frame, Broken: breakAt > 0 && value >= breakAt}, nil
	}
}

func loopData(extra map[string]any) map[string]any {
	data := map[string]any{
		"loop_count": 10.0,
		"loop_variables": []any{
			map[string]any{"label": "count", "value_type": "constant", "value": 0.0, "update": "nodes.step.value"},
			map[string]any{"label": "seed", "value_type": "variable", "value": []any{"start", "seed"}},
		},
	}
	for k, v := range extra {
		data[k] = v
	}
	return data
}

func TestLoop_BreakConditions(t *testing.T) {
	f := newTestFactory(t, Deps{})
	n := mustCreate(t, f, "loop", schema.NodeTypeLoop, loopData(map[string]any{
		"break_conditions": []any{
			map[string]any{"variable_selector": []any{"loop", "count"}, "comparison_operator": "≥", "value": "3"},
		},
	}))
	pool := poolWith(t, map[string]any{"start.seed": "s"})
	rc := newRunContext(pool)
	rc.subgraph = countingBody(pool, 0)

	res := n.Run(context.Background(), rc)
	require.Equal(t, StatusSucceeded, res.Status, res.Err)
	assert.Equal(t, 3, res.Outputs["loop_round"])
	assert.Equal(t, 3.0, res.Outputs["count"])
	assert.Equal(t, "s", res.Outputs["seed"])
}

func TestLoop_BreakExpression(t *testing.T) {
	f := newTestFactory(t, Deps{})
	n := mustCreate(t, f, "loop", schema.NodeTypeLoop, loopData(map[string]any{"break_condition": "loop.count >= 2"}))
	pool := poolWith(t, map[string]any{"start.seed": "s"})
	rc := newRunContext(pool)
	rc.subgraph = countingBody(pool, 0)

	res := n.Run(context.Background(), rc)
	require.Equal(t, StatusSucceeded, res.Status, res.Err)
	assert.Equal(t, 2, res.Outputs["loop_round"])
}

func TestLoop_LoopEndAndCeiling(t *testing.T) {
	f := newTestFactory(t, Deps{})
	pool := poolWith(t, map[string]any{"start.seed": "s"})

	n := mustCreate(t, f, "loop", schema.NodeTypeLoop, loopData(nil))
	rc := newRunContext(pool)
	rc.subgraph = countingBody(pool, 4)
	res := n.Run(context.Background(), rc)
	require.Equal(t, StatusSucceeded, res.Status, res.Err)
	assert.Equal(t, 4, res.Outputs["loop_round"])

	capped := mustCreate(t, f, "loop", schema.NodeTypeLoop, loopData(map[string]any{"loop_count": 5.0}))
	rc.subgraph = countingBody(pool, 0)
	res = capped.Run(context.Background(), rc)
	assert.Equal(t, 5, res.Outputs["loop_round"])
	assert.Equal(t, 5.0, res.Outputs["count"])
}

func TestLoop_InnerFailure(t *testing.T) {
	f := newTestFactory(t, Deps{})
	n := mustCreate(t, f, "loop", schema.NodeTypeLoop, loopData(nil))
	pool := poolWith(t, map[string]any{"start.seed": "s"})
	rc := newRunContext(pool)
	rc.subgraph = func(context.Context, SubgraphRequest) (*SubgraphResult, error) {
		return &SubgraphResult{Pool: pool.Child(), Err: schema.NewError(schema.ErrCodeExecution, "boom")}, nil
	}
	res := n.Run(context.Background(), rc)
	require.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, "boom", res.Err.Message)

	_, err := create(f, "bad", schema.NodeTypeLoop, map[string]any{"loop_count": 0.0})
	assert.True(t, schema.HasCode(err, schema.ErrCodeConfiguration))
}
