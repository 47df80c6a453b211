package engine

import (
	"context"
	"sync"

	"github.com/rendis/graphrun/internal/nodes"
	"github.com/rendis/graphrun/internal/runstate"
	"github.com/rendis/graphrun/pkg/schema"
)

// frame identifies one pass through a container's body.
type frame struct {
	ContainerID string
	ExecutionID string
	Index       int
	Depth       int
}

// arena stores active frames in an index-addressed slice. Released slots are
// reused so parallel iterations do not grow it without bound.
type arena struct {
	mu     sync.Mutex
	frames []frame
	free   []int
	active int
}

func (a *arena) push(f frame) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.active++
	if n := len(a.free); n > 0 {
		idx := a.free[n-1]
		a.free = a.free[:n-1]
		a.frames[idx] = f
		return idx
	}
	a.frames = append(a.frames, f)
	return len(a.frames) - 1
}

func (a *arena) get(idx int) frame {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.frames[idx]
}

func (a *arena) release(idx int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.frames[idx] = frame{}
	a.free = append(a.free, idx)
	a.active--
}

// Active returns the number of frames currently running.
func (a *arena) Active() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

// runFrame runs the body of container once, on the calling goroutine, with a
// child pool seeded under the container's namespace.
func (e *Engine) runFrame(ctx context.Context, parent *scope, container nodes.Node, execID string, req nodes.SubgraphRequest) (*nodes.SubgraphResult, error) {
	depth := parent.depth + 1
	if depth > e.cfg.MaxDepth {
		return nil, schema.NewErrorf(schema.ErrCodeMaxDepthExceeded,
			"container nesting exceeds depth %d", e.cfg.MaxDepth).WithNode(container.ID())
	}
	sub, ok := e.g.Subgraph(container.ID())
	if !ok {
		return nil, schema.ConfigurationError("node %s has no body", container.ID()).WithNode(container.ID())
	}

	pool := parent.pool.Child()
	if err := pool.Scope(container.ID()).SetAll(req.Seed); err != nil {
		return nil, schema.AsGraphError(err, schema.ErrCodeExecution).WithNode(container.ID())
	}

	idx := e.frames.push(frame{ContainerID: container.ID(), ExecutionID: execID, Index: req.Index, Depth: depth})
	defer e.frames.release(idx)

	s := newScope(sub, pool, runstate.NewRouteState(), idx, depth, e.cfg.MaxParallel)
	if err := s.routes.Transition(sub.RootID, runstate.NodeReady); err != nil {
		return nil, err
	}
	s.ready = append(s.ready, sub.RootID)
	e.drive(ctx, s)

	if s.fatal != nil {
		return nil, s.fatal
	}
	if v := e.violation.Load(); v != nil {
		return nil, v
	}
	if len(s.ready) > 0 && (e.queue.Stopped() || ctx.Err() != nil) {
		return nil, schema.NewError(schema.ErrCodeCancellationRace, "run stopped inside container").WithNode(container.ID())
	}
	return &nodes.SubgraphResult{
		Pool:   pool,
		Broken: s.broken,
		Usage:  s.usage,
		Err:    s.failure,
	}, nil
}
