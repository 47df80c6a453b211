// Package endstream decides which terminal nodes may forward a streamed
// chunk. A chunk reaches a terminal node only once every branch point above
// that node has finished, so consumers never see output from a branch that is
// later discarded.
package endstream

import (
	"sync"

	"github.com/rendis/graphrun/internal/graph"
	"github.com/rendis/graphrun/internal/variables"
	"github.com/rendis/graphrun/pkg/schema"
)

type terminal struct {
	id        string
	deps      []string
	selectors []variables.Selector
}

// Processor tracks reachability for one scheduling scope. It is safe for
// concurrent use, although the engine calls it from a single goroutine.
type Processor struct {
	mu        sync.Mutex
	g         *graph.Graph
	rest      map[string]bool
	finished  map[string]string
	excluded  map[string]bool
	terminals []terminal
	memo      map[string][]*terminal
}

// StreamSelectors reports the selectors a terminal node consumes.
type StreamSelectors func(nodeID string) []variables.Selector

// New builds a processor for g. selectors reports the selectors each terminal
// node consumes.
func New(g *graph.Graph, selectors StreamSelectors) *Processor {
	p := &Processor{
		g:        g,
		rest:     make(map[string]bool),
		finished: make(map[string]string),
		excluded: make(map[string]bool),
		memo:     make(map[string][]*terminal),
	}
	for _, id := range g.NodeIDs() {
		p.rest[id] = true
	}
	for _, n := range g.TerminalNodes() {
		p.terminals = append(p.terminals, terminal{
			id:        n.ID,
			deps:      g.BranchAncestors(n.ID),
			selectors: selectors(n.ID),
		})
	}
	return p
}

// Dependencies returns the branch points that must finish before chunks may
// reach terminalID.
func (p *Processor) Dependencies(terminalID string) []string {
	for _, t := range p.terminals {
		if t.id == terminalID {
			return append([]string(nil), t.deps...)
		}
	}
	return nil
}

// Rest reports whether id is still neither finished nor excluded.
func (p *Processor) Rest(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rest[id]
}

// OnChunk returns one copy of ev per terminal node that may forward it, with
// EndNodeID set. Chunks that qualify for no terminal node are dropped.
func (p *Processor) OnChunk(ev schema.Event) []schema.Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	targets, ok := p.memo[ev.NodeID]
	if !ok {
		for i := range p.terminals {
			t := &p.terminals[i]
			if p.rest[t.id] && p.depsFinished(t) {
				targets = append(targets, t)
			}
		}
		p.memo[ev.NodeID] = targets
	}

	sel := variables.Selector(ev.Selector)
	var out []schema.Event
	for _, t := range targets {
		if !consumes(t, sel) {
			continue
		}
		fwd := ev
		fwd.EndNodeID = t.id
		out = append(out, fwd)
	}
	return out
}

// OnNodeSucceeded records that nodeID finished with handle. For branch
// points every node reachable only through other handles is excluded; the
// excluded IDs are returned.
func (p *Processor) OnNodeSucceeded(nodeID, handle string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.memo)

	delete(p.rest, nodeID)
	p.finished[nodeID] = handle
	n, ok := p.g.Node(nodeID)
	if !ok || !n.IsBranchPoint() {
		return nil
	}
	pruned := p.g.Unreachable(nodeID, handle, view{p})
	p.excludeLocked(pruned)
	return pruned
}

// Exclude removes nodes that will never run, such as the descendants of a
// failed node.
func (p *Processor) Exclude(ids ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.memo)
	p.excludeLocked(ids)
}

func (p *Processor) excludeLocked(ids []string) {
	for _, id := range ids {
		delete(p.rest, id)
		p.excluded[id] = true
	}
}

func (p *Processor) depsFinished(t *terminal) bool {
	for _, dep := range t.deps {
		if _, done := p.finished[dep]; !done && !p.excluded[dep] {
			return false
		}
	}
	return true
}

func consumes(t *terminal, sel variables.Selector) bool {
	for _, s := range t.selectors {
		if s.Equal(sel) {
			return true
		}
	}
	return false
}

// view exposes the processor's knowledge to graph.Unreachable. Callers hold
// the processor's lock.
type view struct{ p *Processor }

func (v view) Excluded(id string) bool { return v.p.excluded[id] }

func (v view) Finished(id string) (string, bool) {
	h, ok := v.p.finished[id]
	return h, ok
}
