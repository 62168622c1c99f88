package engine

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	boxCorner      = regexp.MustCompile(`\+-{2,}|[┌└╔╚]`)
	boxLabel       = regexp.MustCompile(`[|│║]\s*([^|│║+]*?[\p{L}\p{N}][^|│║+]*?)\s*[|│║]`)
	horizontalFlow = regexp.MustCompile(`-+>|=+>|→`)
	diagramStart   = regexp.MustCompile(`^\s*(?:[+|│║┌└├╔╚]|[vV↓▼]\s*$)`)
	fenceLine      = regexp.MustCompile("^\\s*```\\s*([A-Za-z0-9_+-]*)\\s*$")
)

type diagramNode struct {
	label  string
	column int
	row    int
}

// ConvertASCIIDiagrams rewrites ASCII box diagrams as mermaid flowcharts.
// Blocks that cannot be converted are left in place and reported as
// warnings.
func ConvertASCIIDiagrams(text string) (string, []string) {
	lines := strings.Split(text, "\n")
	var out []string
	var warnings []string

	for i := 0; i < len(lines); {
		if fence := fenceLine.FindStringSubmatch(lines[i]); fence != nil {
			end := closingFence(lines, i+1)
			body := lines[i+1 : end]
			closed := end < len(lines)
			if isPlainFence(fence[1]) && closed && containsBox(body) {
				if mermaid, ok := toMermaid(body); ok {
					out = append(out, mermaid...)
				} else {
					warnings = append(warnings, fmt.Sprintf("diagram at line %d: fewer than two labelled boxes, left as text", i+1))
					out = append(out, lines[i:end+1]...)
				}
			} else {
				out = append(out, lines[i:min(end+1, len(lines))]...)
			}
			i = end + 1
			continue
		}

		if !diagramStart.MatchString(lines[i]) {
			out = append(out, lines[i])
			i++
			continue
		}
		end := i
		for end < len(lines) && diagramStart.MatchString(lines[end]) {
			end++
		}
		block := lines[i:end]
		if !containsBox(block) {
			out = append(out, block...)
			i = end
			continue
		}
		if mermaid, ok := toMermaid(block); ok {
			out = append(out, mermaid...)
		} else {
			warnings = append(warnings, fmt.Sprintf("diagram at line %d: fewer than two labelled boxes, left as text", i+1))
			out = append(out, block...)
		}
		i = end
	}

	return strings.Join(out, "\n"), warnings
}

func closingFence(lines []string, from int) int {
	for j := from; j < len(lines); j++ {
		if strings.TrimSpace(lines[j]) == "```" {
			return j
		}
	}
	return len(lines)
}

func isPlainFence(lang string) bool {
	switch strings.ToLower(lang) {
	case "", "text", "txt", "ascii", "plain":
		return true
	}
	return false
}

func containsBox(block []string) bool {
	for _, line := range block {
		if boxCorner.MatchString(line) {
			return true
		}
	}
	return false
}

// toMermaid turns a box block into a flowchart. Labels stacked in the same
// box column on adjacent rows are one node; nodes are chained in reading
// order.
func toMermaid(block []string) ([]string, bool) {
	var nodes []*diagramNode
	horizontal := false

	for row, line := range block {
		matches := boxLabel.FindAllStringSubmatchIndex(line, -1)
		if len(matches) > 1 && horizontalFlow.MatchString(line) {
			horizontal = true
		}
		for _, m := range matches {
			label := strings.TrimSpace(line[m[2]:m[3]])
			column := m[0]
			if prev := stackedNode(nodes, row, column); prev != nil {
				prev.label += " " + label
				prev.row = row
				continue
			}
			nodes = append(nodes, &diagramNode{label: label, column: column, row: row})
		}
	}
	if len(nodes) < 2 {
		return nil, false
	}

	direction := "TD"
	if horizontal {
		direction = "LR"
	}
	out := []string{"```mermaid", "graph " + direction}
	for i := 1; i < len(nodes); i++ {
		out = append(out, fmt.Sprintf("    N%d[\"%s\"] --> N%d[\"%s\"]", i, mermaidLabel(nodes[i-1].label), i+1, mermaidLabel(nodes[i].label)))
	}
	out = append(out, "```")
	return out, true
}

func stackedNode(nodes []*diagramNode, row, column int) *diagramNode {
	for _, node := range nodes {
		if node.row == row-1 && abs(node.column-column) <= 1 {
			return node
		}
	}
	return nil
}

func mermaidLabel(label string) string {
	return strings.ReplaceAll(strings.Join(strings.Fields(label), " "), `"`, "'")
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
