package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// ImageFormat selects the Graphviz output encoding.
type ImageFormat string

const (
	FormatPNG ImageFormat = "png"
	FormatSVG ImageFormat = "svg"
)

// RenderImage lays a Model out with dot and encodes it as format.
func RenderImage(ctx context.Context, m *Model, format ImageFormat) ([]byte, error) {
	var gvFormat graphviz.Format
	switch format {
	case FormatPNG, "":
		gvFormat = graphviz.PNG
	case FormatSVG:
		gvFormat = graphviz.SVG
	default:
		return nil, fmt.Errorf("diagram: unsupported image format %q", format)
	}

	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: create graphviz: %w", err)
	}
	defer gv.Close()
	gv.SetLayout(graphviz.DOT)

	g, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: create graph: %w", err)
	}
	defer g.Close()

	g.SetRankDir(cgraph.TBRank)
	if m.Title != "" {
		g.SetLabel(m.Title)
	}

	gvNodes := make(map[string]*cgraph.Node)
	if err := addScope(g, g, m.Nodes, m.Edges, gvNodes); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := gv.Render(ctx, g, gvFormat, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render %s: %w", format, err)
	}
	return buf.Bytes(), nil
}

// addScope creates nodes inside scope and edges on root. Container bodies
// become dashed clusters.
func addScope(root, scope *cgraph.Graph, nodes []*Node, edges []Edge, gvNodes map[string]*cgraph.Node) error {
	for _, n := range nodes {
		gvNode, err := scope.CreateNodeByName(n.ID)
		if err != nil {
			return fmt.Errorf("diagram: create node %s: %w", n.ID, err)
		}
		gvNode.SetLabel(firstLine(n.Label))
		applyNodeStyle(gvNode, n)
		gvNodes[n.ID] = gvNode

		if n.Body == nil {
			continue
		}
		cluster, err := scope.CreateSubGraphByName("cluster_" + n.ID)
		if err != nil {
			return fmt.Errorf("diagram: create cluster %s: %w", n.ID, err)
		}
		cluster.SetLabel(n.Body.Label)
		cluster.SetStyle(cgraph.DashedGraphStyle)
		if err := addScope(root, cluster, n.Body.Nodes, n.Body.Edges, gvNodes); err != nil {
			return err
		}
	}
	for _, e := range edges {
		from, to := gvNodes[e.From], gvNodes[e.To]
		if from == nil || to == nil {
			continue
		}
		gvEdge, err := root.CreateEdgeByName("", from, to)
		if err == nil && e.Label != "" {
			gvEdge.SetLabel(e.Label)
		}
	}
	return nil
}

func applyNodeStyle(gvNode *cgraph.Node, n *Node) {
	switch n.Kind {
	case NodeKindBranch:
		gvNode.SetShape(cgraph.DiamondShape)
	case NodeKindModel:
		gvNode.SetShape(cgraph.HexagonShape)
	case NodeKindPause:
		gvNode.SetShape(cgraph.EllipseShape)
	case NodeKindStart, NodeKindEnd:
		gvNode.SetShape(cgraph.CircleShape)
	default:
		gvNode.SetShape(cgraph.BoxShape)
	}
	if n.Status != nil {
		applyStatusColor(gvNode, n.Status.Status)
	}
}

func applyStatusColor(gvNode *cgraph.Node, status string) {
	gvNode.SetStyle(cgraph.FilledNodeStyle)
	switch status {
	case "succeeded":
		gvNode.SetFillColor("#2d6a2d")
		gvNode.SetFontColor("white")
	case "failed":
		gvNode.SetFillColor("#8b1a1a")
		gvNode.SetFontColor("white")
	case "running":
		gvNode.SetFillColor("#1a5276")
		gvNode.SetFontColor("white")
	case "paused":
		gvNode.SetFillColor("#b7791a")
		gvNode.SetFontColor("white")
	case "ready":
		gvNode.SetFillColor("#d3d3d3")
		gvNode.SetFontColor("black")
	case "skipped":
		gvNode.SetFillColor("#e8e8e8")
		gvNode.SetFontColor("#888888")
		gvNode.SetStyle(cgraph.DashedNodeStyle)
	}
}
