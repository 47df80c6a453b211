package graph

// RouteView is what a caller knows about the run so far.
type RouteView interface {
	// Excluded reports whether the node can no longer run.
	Excluded(id string) bool
	// Finished returns the edge handle a completed node selected.
	Finished(id string) (handle string, ok bool)
}

// EdgeMatches reports whether e is taken when its source completes with
// handle. Edges of non-branching nodes are always taken.
func (g *Graph) EdgeMatches(e *Edge, handle string) bool {
	src, ok := g.nodes[e.Source]
	if !ok || !src.IsBranchPoint() {
		return true
	}
	return e.Handle == handle
}

// BranchAncestors returns the branch points upstream of id, in topological
// order. Until all of them have finished, it is undecided whether id lies on
// the realized path.
func (g *Graph) BranchAncestors(id string) []string {
	seen := map[string]bool{id: true}
	stack := []string{id}
	found := make(map[string]bool)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range g.in[cur] {
			if seen[e.Source] {
				continue
			}
			seen[e.Source] = true
			if g.nodes[e.Source].IsBranchPoint() {
				found[e.Source] = true
			}
			stack = append(stack, e.Source)
		}
	}
	var out []string
	for _, nid := range g.Sorted {
		if found[nid] {
			out = append(out, nid)
		}
	}
	return out
}

// Unreachable returns the nodes excluded by branchID completing with handle:
// every node whose incoming edges all come from excluded nodes or from
// finished branches that selected another handle. Propagation follows
// successors and stops at nodes still reachable through another path.
func (g *Graph) Unreachable(branchID, handle string, view RouteView) []string {
	excluded := make(map[string]bool)
	var out []string

	var queue []string
	for _, e := range g.out[branchID] {
		if !g.EdgeMatches(e, handle) {
			queue = append(queue, e.Target)
		}
	}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if excluded[id] || view.Excluded(id) {
			continue
		}
		if _, done := view.Finished(id); done {
			continue
		}
		if g.hasLiveIncoming(id, branchID, handle, view, excluded) {
			continue
		}
		excluded[id] = true
		out = append(out, id)
		for _, e := range g.out[id] {
			queue = append(queue, e.Target)
		}
	}
	return out
}

func (g *Graph) hasLiveIncoming(id, branchID, handle string, view RouteView, excluded map[string]bool) bool {
	for _, e := range g.in[id] {
		if excluded[e.Source] || view.Excluded(e.Source) {
			continue
		}
		srcHandle, done := view.Finished(e.Source)
		if e.Source == branchID {
			srcHandle, done = handle, true
		}
		if !done || g.EdgeMatches(e, srcHandle) {
			return true
		}
	}
	return false
}
