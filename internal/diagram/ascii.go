package diagram

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// statusTag returns a short ASCII indicator for a status string.
func statusTag(status string) string {
	switch status {
	case "success":
		return "[OK]"
	case "warning":
		return "[WARN]"
	case "error":
		return "[FAIL]"
	case "running":
		return "[RUN]"
	case "skipped", "cancelled":
		return "[SKIP]"
	case "pending":
		return "[PEND]"
	case StatusVisited:
		return "[*]"
	default:
		return ""
	}
}

// RenderASCII renders a DiagramModel as boxes laid out level by level.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder

	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	for i, level := range model.Levels {
		boxes := make([]asciiBox, 0, len(level))
		for _, id := range level {
			if node := model.node(id); node != nil {
				boxes = append(boxes, makeBox(node))
			}
		}
		renderBoxRow(&b, boxes)
		if i < len(model.Levels)-1 && len(boxes) > 0 {
			b.WriteString("       \u2502\n")
			b.WriteString("       \u25bc\n")
		}
	}

	if labeled := labeledEdges(model.Edges); len(labeled) > 0 {
		b.WriteString("\n")
		for _, e := range labeled {
			fmt.Fprintf(&b, "%s \u2500[%s]\u2192 %s\n", e.From, e.Label, e.To)
		}
	}
	return b.String()
}

type asciiBox struct {
	lines []string
	width int
}

func makeBox(node *Node) asciiBox {
	content := strings.Split(node.Label, "\n")
	if st := node.Status; st != nil {
		if tag := statusTag(st.Status); tag != "" {
			content = append(content, tag)
		}
		if st.Outcome != "" {
			content = append(content, "-> "+st.Outcome)
		}
		if st.DurationMs > 0 {
			content = append(content, fmt.Sprintf("%dms", st.DurationMs))
		}
	}

	inner := 0
	for _, line := range content {
		inner = max(inner, utf8.RuneCountInString(line))
	}
	width := inner + 4

	lines := make([]string, 0, len(content)+2)
	lines = append(lines, "\u250c"+strings.Repeat("\u2500", width-2)+"\u2510")
	for _, line := range content {
		pad := inner - utf8.RuneCountInString(line)
		lines = append(lines, "\u2502 "+line+strings.Repeat(" ", pad)+" \u2502")
	}
	lines = append(lines, "\u2514"+strings.Repeat("\u2500", width-2)+"\u2518")
	return asciiBox{lines: lines, width: width}
}

func labeledEdges(edges []Edge) []Edge {
	var out []Edge
	for _, e := range edges {
		if e.Label != "" {
			out = append(out, e)
		}
	}
	return out
}

// firstLine returns only the first line of a multi-line label.
func firstLine(s string) string {
	if i := strings.Index(s, "\n"); i >= 0 {
		return s[:i]
	}
	return s
}

// renderBoxRow writes boxes side by side.
func renderBoxRow(b *strings.Builder, boxes []asciiBox) {
	if len(boxes) == 0 {
		return
	}

	// Find max height.
	maxHeight := 0
	for _, box := range boxes {
		if len(box.lines) > maxHeight {
			maxHeight = len(box.lines)
		}
	}

	// Render line by line.
	for row := 0; row < maxHeight; row++ {
		for i, box := range boxes {
			if i > 0 {
				b.WriteString("  ") // gap between boxes
			}
			if row < len(box.lines) {
				b.WriteString(box.lines[row])
			} else {
				b.WriteString(strings.Repeat(" ", box.width))
			}
		}
		b.WriteByte('\n')
	}
}
