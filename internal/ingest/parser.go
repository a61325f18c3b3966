// Package ingest splits raw book text into a heading-aware tree of nodes
// with stable hierarchical identifiers.
package ingest

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/checksum"
)

// Node is a chunk of source text with a stable identity and tree position.
// NodeID is hierarchical: book/ch3, book/ch3/3.2, book/ch3/3.2/3.2.1.
type Node struct {
	BookID     string   `json:"book_id"`
	NodeID     string   `json:"node_id"`
	ParentID   string   `json:"parent_id,omitempty"`
	Level      int      `json:"level"` // 1=chapter 2=section 3=subsection
	Title      string   `json:"title"`
	Children   []string `json:"children,omitempty"`
	StartChar  int      `json:"start_char"`
	EndChar    int      `json:"end_char"`
	PathTitles []string `json:"path_titles"`
}

// Path returns the human-readable breadcrumb of the node.
func (n *Node) Path() string {
	if len(n.PathTitles) == 0 {
		return n.Title
	}
	return strings.Join(n.PathTitles, " > ")
}

// Book is a parsed source document: its normalized text plus the ordered
// node tree spanning it.
type Book struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	Checksum string  `json:"checksum"`
	Text     string  `json:"-"`
	Nodes    []*Node `json:"nodes"` // document order
}

// NodeText returns the exact text span of a node. Sibling spans never
// overlap, so citations map to unique source text.
func (b *Book) NodeText(n *Node) string {
	return strings.TrimSpace(b.Text[n.StartChar:n.EndChar])
}

type headingEvent struct {
	level   int
	title   string
	charPos int
}

var (
	reChapter       = regexp.MustCompile(`^\s*\\chapter\*?\{(.+?)\}\s*$`)
	reSection       = regexp.MustCompile(`^\s*\\section\*?\{(.+?)\}\s*$`)
	reSubsection    = regexp.MustCompile(`^\s*\\subsection\*?\{(.+?)\}\s*$`)
	reSubsubsection = regexp.MustCompile(`^\s*\\subsubsection\*?\{(.+?)\}\s*$`)
	reChapterWord   = regexp.MustCompile(`(?i)^\s*Chapter\s+(\d+)\s*[:.\-]?\s*(.*?)\s*$`)
	reNumHeading    = regexp.MustCompile(`^\s*(\d+(?:\.\d+){1,3})\s+(.+?)\s*$`)
	reMarkdown      = regexp.MustCompile(`^(#{1,3})\s+(.+?)\s*$`)

	reTocMarker  = regexp.MustCompile(`(?i)\\section\*?\{Contents\}|\bContents\b`)
	rePageSep    = regexp.MustCompile(`^\s*---\s*$`)
	reTocLine    = regexp.MustCompile(`\\hfill|\\dotfill|\.{3,}|\s\d+\s*$`)
	reColSpec    = regexp.MustCompile(`^\s*\{\s*\|?[lcr]\s*\|?`)
	reEnvBegin   = regexp.MustCompile(`\\begin\{(array|tabular|table|longtable)\}`)
	reEnvEnd     = regexp.MustCompile(`\\end\{(array|tabular|table|longtable)\}`)
	reNumLabel   = regexp.MustCompile(`^\s*(\d+(?:\.\d+){0,3})\b`)
	reChapterNum = regexp.MustCompile(`(?i)^\s*Chapter\s+(\d+)\b`)
)

// Parse splits raw book text into a node tree. It fails with
// apperr.ErrIngest on malformed encoding and apperr.ErrEmptyBook when no
// text remains after normalization.
func Parse(bookID, title string, raw []byte) (*Book, error) {
	if !utf8.Valid(raw) {
		return nil, fmt.Errorf("%w: %s: invalid UTF-8", apperr.ErrIngest, bookID)
	}
	text := normalize(string(raw))
	text = stripPreamble(text)
	text = stripTOC(text)
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%s: %w", bookID, apperr.ErrEmptyBook)
	}

	events := detectHeadings(text)
	nodes := buildNodes(bookID, title, text, events)

	return &Book{
		ID:       bookID,
		Title:    title,
		Checksum: checksum.Sum(raw),
		Text:     text,
		Nodes:    nodes,
	}, nil
}

func normalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

func stripPreamble(text string) string {
	const marker = "\\begin{document}"
	if idx := strings.Index(text, marker); idx >= 0 {
		return text[idx+len(marker):]
	}
	return text
}

// stripTOC removes the table-of-contents block: from a Contents marker up
// to the next page separator line.
func stripTOC(text string) string {
	lines := strings.SplitAfter(text, "\n")
	var out strings.Builder
	inTOC := false
	for _, line := range lines {
		if !inTOC && reTocMarker.MatchString(line) {
			inTOC = true
			continue
		}
		if inTOC {
			if rePageSep.MatchString(strings.TrimRight(line, "\n")) {
				inTOC = false
			}
			continue
		}
		out.WriteString(line)
	}
	return out.String()
}

// looksLikeTableRow filters LaTeX table rows so numeric cells are never
// mistaken for numbered headings.
func looksLikeTableRow(line string) bool {
	s := strings.TrimSpace(line)
	if strings.Contains(s, "&") {
		return true
	}
	if strings.HasSuffix(s, `\\`) {
		return true
	}
	if strings.Contains(s, `\times`) {
		return true
	}
	return reColSpec.MatchString(s)
}

func detectHeading(line string) (int, string, bool) {
	if line == "" {
		return 0, "", false
	}
	if m := reMarkdown.FindStringSubmatch(line); m != nil {
		return len(m[1]), m[2], true
	}
	// Dot leaders and trailing page numbers mark residual TOC lines.
	if reTocLine.MatchString(line) {
		return 0, "", false
	}
	if looksLikeTableRow(line) {
		return 0, "", false
	}
	if m := reChapter.FindStringSubmatch(line); m != nil {
		return 1, strings.TrimSpace(m[1]), true
	}
	if m := reSection.FindStringSubmatch(line); m != nil {
		t := strings.TrimSpace(m[1])
		// Some sources use \section for chapters and numbered
		// \section{1.2 ...} for true sections.
		if regexp.MustCompile(`^\d+\.\d+`).MatchString(t) {
			return 2, t, true
		}
		return 1, t, true
	}
	if m := reSubsection.FindStringSubmatch(line); m != nil {
		return 2, strings.TrimSpace(m[1]), true
	}
	if m := reSubsubsection.FindStringSubmatch(line); m != nil {
		return 3, strings.TrimSpace(m[1]), true
	}
	if m := reChapterWord.FindStringSubmatch(line); m != nil {
		return 1, strings.TrimSpace("Chapter " + m[1] + " " + m[2]), true
	}
	if m := reNumHeading.FindStringSubmatch(line); m != nil {
		tail := m[2]
		if strings.Contains(tail, "&") || strings.HasSuffix(tail, `\\`) {
			return 0, "", false
		}
		level := 3
		if strings.Count(m[1], ".") == 1 {
			level = 2
		}
		return level, strings.TrimSpace(m[1] + " " + tail), true
	}
	return 0, "", false
}

// detectHeadings scans line by line, skipping LaTeX table environments
// entirely so table content never produces heading events.
func detectHeadings(text string) []headingEvent {
	var events []headingEvent
	pos := 0
	inEnv := false
	for _, line := range strings.SplitAfter(text, "\n") {
		stripped := strings.TrimSpace(line)
		if !inEnv && reEnvBegin.MatchString(stripped) {
			inEnv = true
		}
		if inEnv {
			if reEnvEnd.MatchString(stripped) {
				inEnv = false
			}
			pos += len(line)
			continue
		}
		if level, htitle, ok := detectHeading(stripped); ok {
			events = append(events, headingEvent{level: level, title: htitle, charPos: pos})
		}
		pos += len(line)
	}
	return events
}

// numericLabel extracts the leading section number of a heading title,
// e.g. "3.2 Entangled chains" -> "3.2", "Chapter 3 ..." -> "3".
func numericLabel(title string) string {
	if m := reChapterNum.FindStringSubmatch(title); m != nil {
		return m[1]
	}
	if m := reNumLabel.FindStringSubmatch(title); m != nil {
		return m[1]
	}
	return ""
}

func buildNodes(bookID, bookTitle, text string, events []headingEvent) []*Node {
	if len(events) == 0 {
		// No discoverable headings: the whole book is one chapter.
		return []*Node{{
			BookID:     bookID,
			NodeID:     bookID + "/ch1",
			Level:      1,
			Title:      bookTitle,
			StartChar:  0,
			EndChar:    len(text),
			PathTitles: []string{bookTitle},
		}}
	}

	nodes := make([]*Node, len(events))
	for i, ev := range events {
		nodes[i] = &Node{
			BookID:    bookID,
			Level:     ev.level,
			Title:     ev.title,
			StartChar: ev.charPos,
			EndChar:   len(text),
		}
	}

	// Parent assignment via a level stack.
	parent := make([]int, len(nodes))
	for i := range parent {
		parent[i] = -1
	}
	var stack []int
	for i, n := range nodes {
		for len(stack) > 0 && nodes[stack[len(stack)-1]].Level >= n.Level {
			stack = stack[:len(stack)-1]
		}
		if len(stack) > 0 {
			parent[i] = stack[len(stack)-1]
		}
		stack = append(stack, i)
	}

	// Span ends: a node runs until the next heading of its level or above.
	for i, n := range nodes {
		for j := i + 1; j < len(nodes); j++ {
			if nodes[j].Level <= n.Level {
				n.EndChar = nodes[j].StartChar
				break
			}
		}
	}

	// Local labels: numeric labels from titles where consistent,
	// positional fallbacks otherwise.
	locals := make([]string, len(nodes))
	nextChapter := 1
	childSeq := make(map[int]int)
	for i, n := range nodes {
		label := numericLabel(n.Title)
		if parent[i] < 0 {
			if n.Level == 1 && label != "" && !strings.Contains(label, ".") {
				locals[i] = "ch" + label
			} else {
				locals[i] = fmt.Sprintf("ch%d", nextChapter)
			}
			nextChapter++
			continue
		}
		parentBase := strings.TrimPrefix(locals[parent[i]], "ch")
		if label != "" && strings.HasPrefix(label, parentBase+".") {
			locals[i] = label
			continue
		}
		childSeq[parent[i]]++
		locals[i] = fmt.Sprintf("%s.%d", parentBase, childSeq[parent[i]])
	}

	// Hierarchical node ids and path titles.
	for i, n := range nodes {
		if parent[i] < 0 {
			n.NodeID = bookID + "/" + locals[i]
			n.PathTitles = []string{bookTitle, n.Title}
		} else {
			p := nodes[parent[i]]
			n.ParentID = p.NodeID
			n.NodeID = p.NodeID + "/" + locals[i]
			n.PathTitles = append(append([]string{}, p.PathTitles...), n.Title)
			p.Children = append(p.Children, n.NodeID)
		}
	}

	return nodes
}
