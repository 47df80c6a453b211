package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid renders a Model as a Mermaid flowchart.
func RenderMermaid(m *Model) string {
	var b strings.Builder
	b.WriteString("graph TD\n")
	if m.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", m.Title)
	}
	writeMermaidScope(&b, m.Nodes, m.Edges, "    ")

	b.WriteString("\n")
	b.WriteString("    classDef succeeded fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef running fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef paused fill:#b7791a,stroke:#8a5c14,color:#fff\n")
	b.WriteString("    classDef ready fill:#6b6b6b,stroke:#4a4a4a,color:#fff\n")
	b.WriteString("    classDef skipped fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5\n")
	writeMermaidClasses(&b, m.Nodes)
	return b.String()
}

func writeMermaidScope(b *strings.Builder, nodes []*Node, edges []Edge, indent string) {
	for _, n := range nodes {
		fmt.Fprintf(b, "%s%s\n", indent, mermaidNodeDef(n))
		if n.Body != nil {
			fmt.Fprintf(b, "%ssubgraph %s[%q]\n", indent, mermaidSafeID(n.ID+"_body"), n.Body.Label)
			writeMermaidScope(b, n.Body.Nodes, n.Body.Edges, indent+"    ")
			fmt.Fprintf(b, "%send\n", indent)
			fmt.Fprintf(b, "%s%s -.-> %s\n", indent, mermaidSafeID(n.ID), mermaidSafeID(n.ID+"_body"))
		}
	}
	for _, e := range edges {
		label := ""
		if e.Label != "" {
			label = fmt.Sprintf("|%s|", e.Label)
		}
		fmt.Fprintf(b, "%s%s -->%s %s\n", indent, mermaidSafeID(e.From), label, mermaidSafeID(e.To))
	}
}

func writeMermaidClasses(b *strings.Builder, nodes []*Node) {
	for _, n := range nodes {
		if n.Status != nil && mermaidStatusClass(n.Status.Status) != "" {
			fmt.Fprintf(b, "    class %s %s\n", mermaidSafeID(n.ID), mermaidStatusClass(n.Status.Status))
		}
		if n.Body != nil {
			writeMermaidClasses(b, n.Body.Nodes)
		}
	}
}

// mermaidNodeDef returns a node definition with the shape of its kind.
func mermaidNodeDef(n *Node) string {
	id := mermaidSafeID(n.ID)
	label := firstLine(n.Label)
	switch n.Kind {
	case NodeKindBranch:
		return fmt.Sprintf("%s{%q}", id, label)
	case NodeKindModel:
		return fmt.Sprintf("%s{{%q}}", id, label)
	case NodeKindPause:
		return fmt.Sprintf("%s([%q])", id, label)
	case NodeKindContainer:
		return fmt.Sprintf("%s[[%q]]", id, label)
	case NodeKindStart, NodeKindEnd:
		return fmt.Sprintf("%s((%q))", id, label)
	default:
		return fmt.Sprintf("%s[%q]", id, label)
	}
}

// mermaidSafeID replaces characters Mermaid does not accept in identifiers.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_")
	return r.Replace(id)
}

func mermaidStatusClass(status string) string {
	switch status {
	case "succeeded", "failed", "running", "paused", "ready", "skipped":
		return status
	}
	return ""
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
