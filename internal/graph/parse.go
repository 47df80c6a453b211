package graph

import (
	"fmt"
	"slices"

	"github.com/rendis/graphrun/pkg/schema"
)

// Parse validates a graph configuration and builds its scheduling scopes.
// All structural problems are reported together as one ConfigurationError.
func Parse(cfg schema.GraphConfig) (*Graph, error) {
	if len(cfg.Nodes) == 0 {
		return nil, schema.ConfigurationError("graph has no nodes")
	}

	res := &schema.ValidationResult{}
	all := make(map[string]*Node, len(cfg.Nodes))
	var order []string

	// First pass: register nodes and check identity.
	for i, nc := range cfg.Nodes {
		path := fmt.Sprintf("nodes[%d]", i)
		if nc.ID == "" {
			res.AddError(path+".id", schema.ErrCodeConfiguration, "node has empty id")
			continue
		}
		if _, dup := all[nc.ID]; dup {
			res.AddError(path+".id", schema.ErrCodeConfiguration, fmt.Sprintf("duplicate node id %q", nc.ID))
			continue
		}
		if !slices.Contains(schema.KnownNodeTypes, nc.Type()) {
			res.AddError(path+".data.type", schema.ErrCodeConfiguration,
				fmt.Sprintf("node %q has unknown type %q", nc.ID, nc.Type()))
			continue
		}
		all[nc.ID] = &Node{
			ID:       nc.ID,
			ParentID: nc.ParentID,
			Type:     nc.Type(),
			Title:    nc.Title(),
			Config:   nc,
		}
		order = append(order, nc.ID)
	}

	// Second pass: containers must exist and be container types.
	for _, id := range order {
		n := all[id]
		if n.ParentID == "" {
			continue
		}
		parent, ok := all[n.ParentID]
		if !ok || !parent.Type.IsContainer() {
			res.AddError("nodes."+id+".parentId", schema.ErrCodeConfiguration,
				fmt.Sprintf("node %q references %q which is not an iteration or loop node", id, n.ParentID))
		}
	}
	if !res.Valid() {
		return nil, res.ToError()
	}

	scopes := map[string]*Graph{"": newScope("")}
	for _, id := range order {
		if n := all[id]; n.Type.IsContainer() {
			scopes[id] = newScope(id)
		}
	}
	for _, id := range order {
		n := all[id]
		sc := scopes[n.ParentID]
		sc.nodes[id] = n
		sc.order = append(sc.order, id)
	}

	// Third pass: edges stay within one scope.
	seenEdges := make(map[string]bool, len(cfg.Edges))
	for i, ec := range cfg.Edges {
		path := fmt.Sprintf("edges[%d]", i)
		src, okS := all[ec.Source]
		dst, okT := all[ec.Target]
		if !okS {
			res.AddError(path+".source", schema.ErrCodeConfiguration, fmt.Sprintf("edge source %q does not exist", ec.Source))
		}
		if !okT {
			res.AddError(path+".target", schema.ErrCodeConfiguration, fmt.Sprintf("edge target %q does not exist", ec.Target))
		}
		if !okS || !okT {
			continue
		}
		if src.ParentID != dst.ParentID {
			res.AddError(path, schema.ErrCodeConfiguration,
				fmt.Sprintf("edge %s -> %s crosses a container boundary", ec.Source, ec.Target))
			continue
		}
		if ec.Source == ec.Target {
			res.AddError(path, schema.ErrCodeCycleDetected, fmt.Sprintf("node %q links to itself", ec.Source))
			continue
		}
		e := &Edge{ID: edgeID(ec), Source: ec.Source, Target: ec.Target, Handle: normalizeHandle(src, ec.Handle())}
		if seenEdges[e.ID] {
			res.AddError(path, schema.ErrCodeConfiguration, fmt.Sprintf("duplicate edge %q", e.ID))
			continue
		}
		seenEdges[e.ID] = true
		sc := scopes[src.ParentID]
		sc.edges = append(sc.edges, e)
		sc.out[e.Source] = append(sc.out[e.Source], e)
		sc.in[e.Target] = append(sc.in[e.Target], e)
	}
	if !res.Valid() {
		return nil, res.ToError()
	}

	// Fourth pass: roots, ordering and reachability per scope.
	for containerID, sc := range scopes {
		sc.RootID = findRoot(sc, res)
		if err := sc.sort(); err != nil {
			res.AddError(scopePath(containerID), schema.ErrCodeCycleDetected, err.Error())
			continue
		}
		for _, id := range sc.unreachable() {
			res.AddWarning("nodes."+id, schema.ErrCodeValidation, fmt.Sprintf("node %q is unreachable from %q", id, sc.RootID))
		}
	}
	if !res.Valid() {
		return nil, res.ToError()
	}

	main := scopes[""]
	for containerID, sc := range scopes {
		if containerID == "" {
			continue
		}
		parentScope := scopes[all[containerID].ParentID]
		parentScope.subgraphs[containerID] = sc
	}
	main.Warnings = res.Warnings
	return main, nil
}

func scopePath(containerID string) string {
	if containerID == "" {
		return "/"
	}
	return "nodes." + containerID
}

// findRoot locates the scope's entry node. The main scope starts at its start
// node; container bodies start at their iteration-start or loop-start node, or
// at the node named by the container's start_node_id.
func findRoot(sc *Graph, res *schema.ValidationResult) string {
	var candidates []string
	for _, id := range sc.order {
		n := sc.nodes[id]
		if sc.ContainerID == "" && n.Type == schema.NodeTypeStart && len(sc.in[id]) == 0 {
			candidates = append(candidates, id)
		}
		if sc.ContainerID != "" && n.Type.IsSubgraphStart() {
			candidates = append(candidates, id)
		}
	}
	if sc.ContainerID != "" && len(candidates) == 0 {
		// Containers may also name their entry explicitly.
		for _, id := range sc.order {
			if len(sc.in[id]) == 0 {
				candidates = append(candidates, id)
				break
			}
		}
	}
	switch len(candidates) {
	case 1:
		return candidates[0]
	case 0:
		res.AddError(scopePath(sc.ContainerID), schema.ErrCodeConfiguration, "graph has no start node")
	default:
		res.AddError(scopePath(sc.ContainerID), schema.ErrCodeConfiguration,
			fmt.Sprintf("graph has %d start nodes, expected exactly one", len(candidates)))
	}
	return ""
}

// sort runs Kahn's algorithm over the scope, detecting cycles and computing
// topological levels.
func (g *Graph) sort() error {
	inDegree := make(map[string]int, len(g.nodes))
	for _, id := range g.order {
		inDegree[id] = len(g.in[id])
	}

	var queue []string
	for _, id := range g.order {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	slices.Sort(queue)

	sorted := make([]string, 0, len(g.nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		sorted = append(sorted, id)

		var next []string
		for _, e := range g.out[id] {
			inDegree[e.Target]--
			if inDegree[e.Target] == 0 {
				next = append(next, e.Target)
			}
		}
		slices.Sort(next)
		queue = append(queue, next...)
	}

	if len(sorted) != len(g.nodes) {
		return fmt.Errorf("graph contains a cycle")
	}
	g.Sorted = sorted
	g.Levels = computeLevels(g)
	return nil
}

// computeLevels groups nodes by longest distance from a root.
func computeLevels(g *Graph) [][]string {
	depth := make(map[string]int, len(g.nodes))
	maxLevel := 0
	for _, id := range g.Sorted {
		d := 0
		for _, e := range g.in[id] {
			if depth[e.Source]+1 > d {
				d = depth[e.Source] + 1
			}
		}
		depth[id] = d
		if d > maxLevel {
			maxLevel = d
		}
	}
	levels := make([][]string, maxLevel+1)
	for _, id := range g.Sorted {
		levels[depth[id]] = append(levels[depth[id]], id)
	}
	return levels
}

// unreachable lists nodes not reachable from the root.
func (g *Graph) unreachable() []string {
	if g.RootID == "" {
		return nil
	}
	seen := map[string]bool{g.RootID: true}
	stack := []string{g.RootID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range g.out[id] {
			if !seen[e.Target] {
				seen[e.Target] = true
				stack = append(stack, e.Target)
			}
		}
	}
	var out []string
	for _, id := range g.order {
		if !seen[id] {
			out = append(out, id)
		}
	}
	return out
}

// normalizeHandle maps every non-failure edge of a fail-branch node onto the
// success branch.
func normalizeHandle(src *Node, handle string) string {
	if !src.Type.IsBranch() && src.IsBranchPoint() && handle != schema.HandleFailBranch {
		return schema.HandleSuccessBranch
	}
	return handle
}
