package nodes

import (
	"context"
	"sync"

	"github.com/rendis/graphrun/internal/variables"
	"github.com/rendis/graphrun/pkg/schema"
)

// Iteration error handling modes.
const (
	IterationTerminated     = "terminated"
	IterationContinueOnErr  = "continue-on-error"
	IterationRemoveAbnormal = "remove-abnormal-output"
)

const defaultParallelNums = 10

// iterationNode runs its child graph once per element of an array. Each pass
// sees the element as [id, "item"] and its position as [id, "index"].
type iterationNode struct {
	base
	iterator     variables.Selector
	output       variables.Selector
	parallel     bool
	parallelNums int
	errorMode    string
}

func newIteration(b base, _ *Factory) (Node, error) {
	iter, err := requireSelector(b.id, b.data, "iterator_selector")
	if err != nil {
		return nil, err
	}
	out, err := requireSelector(b.id, b.data, "output_selector")
	if err != nil {
		return nil, err
	}
	n := &iterationNode{
		base:         b,
		iterator:     iter,
		output:       out,
		parallel:     boolParam(b.data, "is_parallel", false),
		parallelNums: intParam(b.data, "parallel_nums", defaultParallelNums),
		errorMode:    stringParam(b.data, "error_handle_mode", IterationTerminated),
	}
	if n.parallelNums < 1 {
		n.parallelNums = 1
	}
	switch n.errorMode {
	case IterationTerminated, IterationContinueOnErr, IterationRemoveAbnormal:
	default:
		return nil, schema.ConfigurationError("unknown error_handle_mode %q", n.errorMode).WithNode(b.id)
	}
	return n, nil
}

type iterationPass struct {
	value any
	keep  bool
}

func (n *iterationNode) Run(ctx context.Context, rc RunContext) *Result {
	raw, err := resolve(rc.Variables(), n.iterator)
	if err != nil {
		return Failed(schema.AsGraphError(err, schema.ErrCodeExecution).WithNode(n.id))
	}
	items, ok := raw.([]any)
	if !ok && raw != nil {
		return Failed(schema.NewErrorf(schema.ErrCodeExecution, "iterator %s is not an array", n.iterator.String()).WithNode(n.id))
	}

	passes := make([]iterationPass, len(items))
	var (
		mu       sync.Mutex
		usage    schema.Usage
		firstErr *schema.GraphError
	)
	failed := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return firstErr != nil
	}
	runOne := func(i int) {
		res, err := rc.Subgraph(ctx, SubgraphRequest{Index: i, Seed: map[string]any{"item": items[i], "index": i}})
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			if firstErr == nil {
				firstErr = schema.AsGraphError(err, schema.ErrCodeExecution)
			}
			return
		}
		usage.Add(&res.Usage)
		if res.Err != nil {
			switch n.errorMode {
			case IterationContinueOnErr:
				passes[i] = iterationPass{keep: true}
			case IterationRemoveAbnormal:
			default:
				if firstErr == nil {
					firstErr = res.Err
				}
			}
			return
		}
		v, _ := res.Pool.GetValue(n.output)
		passes[i] = iterationPass{value: v, keep: true}
	}

	if n.parallel {
		sem := make(chan struct{}, n.parallelNums)
		var wg sync.WaitGroup
		for i := range items {
			if failed() {
				break
			}
			sem <- struct{}{}
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				defer func() { <-sem }()
				runOne(i)
			}(i)
		}
		wg.Wait()
	} else {
		for i := range items {
			if failed() {
				break
			}
			runOne(i)
		}
	}

	if firstErr != nil {
		return Failed(firstErr).WithUsage(&usage)
	}
	output := make([]any, 0, len(passes))
	for _, p := range passes {
		if p.keep {
			output = append(output, p.value)
		}
	}
	return Succeeded(map[string]any{"output": output}).
		WithInputs(map[string]any{"iterator_length": len(items)}).
		WithUsage(&usage)
}
