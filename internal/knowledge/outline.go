package knowledge

import (
	"fmt"
	"strings"
)

// Outline renders the indexed trees as an indented listing of
// "[node_id] title" lines, the form the classification prompts and the
// CLI present to readers.
func Outline(t *Tree) string {
	var sb strings.Builder
	for _, bookID := range t.BookIDs() {
		writeOutline(&sb, t.Roots(bookID), 0)
	}
	return sb.String()
}

// OutlineNodes renders just the given nodes with their summaries, used
// when prompting over a single level of the tree.
func OutlineNodes(nodes []*TreeNode) string {
	var sb strings.Builder
	for _, n := range nodes {
		fmt.Fprintf(&sb, "[%s] %s\n", n.NodeID, n.Title)
		if n.Summary != "" {
			fmt.Fprintf(&sb, "  %s\n", n.Summary)
		}
		if len(n.KeyConcepts) > 0 {
			fmt.Fprintf(&sb, "  concepts: %s\n", strings.Join(n.KeyConcepts, "; "))
		}
	}
	return sb.String()
}

func writeOutline(sb *strings.Builder, nodes []*TreeNode, depth int) {
	indent := strings.Repeat("  ", depth)
	for _, n := range nodes {
		fmt.Fprintf(sb, "%s[%s] %s\n", indent, n.NodeID, n.Title)
		writeOutline(sb, n.Children, depth+1)
	}
}
