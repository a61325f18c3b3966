package ingest

import (
	"errors"
	"strings"
	"testing"

	"github.com/starford/ansuz/internal/apperr"
)

const sampleBook = `Chapter 1: Static Properties

Ideal chain statistics and end-to-end distance.

1.1 Freely Jointed Chains

Segment vectors are uncorrelated.

1.2 Excluded Volume

Self-avoiding walks swell the chain.

Chapter 2: Dynamics

2.1 Rouse Model

Beads connected by springs.
`

func TestParse_BuildsChapterTree(t *testing.T) {
	book, err := Parse("book", "Polymer Physics", []byte(sampleBook))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(book.Nodes) != 5 {
		t.Fatalf("len(nodes) = %d, want 5", len(book.Nodes))
	}

	byID := make(map[string]*Node)
	for _, n := range book.Nodes {
		byID[n.NodeID] = n
	}
	ch1, ok := byID["book/ch1"]
	if !ok {
		t.Fatalf("missing node book/ch1; got %v", keys(byID))
	}
	if ch1.Level != 1 {
		t.Errorf("ch1 level = %d, want 1", ch1.Level)
	}
	sec, ok := byID["book/ch1/1.2"]
	if !ok {
		t.Fatalf("missing node book/ch1/1.2; got %v", keys(byID))
	}
	if sec.ParentID != "book/ch1" {
		t.Errorf("parent = %q, want book/ch1", sec.ParentID)
	}
	if got := book.NodeText(sec); !strings.Contains(got, "Self-avoiding walks") {
		t.Errorf("section text = %q", got)
	}
	// A section span ends where the next same-level heading starts.
	if strings.Contains(book.NodeText(sec), "Rouse") {
		t.Errorf("section 1.2 span leaks into chapter 2")
	}
}

func TestParse_ChapterSpanCoversSections(t *testing.T) {
	book, err := Parse("book", "Polymer Physics", []byte(sampleBook))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var ch2 *Node
	for _, n := range book.Nodes {
		if n.NodeID == "book/ch2" {
			ch2 = n
		}
	}
	if ch2 == nil {
		t.Fatal("missing book/ch2")
	}
	text := book.NodeText(ch2)
	if !strings.Contains(text, "Rouse Model") {
		t.Errorf("chapter text should include its sections, got %q", text)
	}
	if len(ch2.Children) != 1 || ch2.Children[0] != "book/ch2/2.1" {
		t.Errorf("children = %v", ch2.Children)
	}
}

func TestParse_EmptyBook(t *testing.T) {
	_, err := Parse("book", "Empty", []byte("   \n\n  "))
	if !errors.Is(err, apperr.ErrEmptyBook) {
		t.Errorf("err = %v, want ErrEmptyBook", err)
	}
}

func TestParse_InvalidEncoding(t *testing.T) {
	_, err := Parse("book", "Bad", []byte{0xff, 0xfe, 0x41})
	if !errors.Is(err, apperr.ErrIngest) {
		t.Errorf("err = %v, want ErrIngest", err)
	}
}

func TestParse_NoHeadingsFallsBackToSingleNode(t *testing.T) {
	book, err := Parse("book", "Plain", []byte("just prose with no structure at all\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(book.Nodes) != 1 {
		t.Fatalf("len(nodes) = %d, want 1", len(book.Nodes))
	}
	if book.Nodes[0].NodeID != "book/ch1" {
		t.Errorf("node id = %q", book.Nodes[0].NodeID)
	}
}

func TestParse_LatexHeadingsAndTableGuard(t *testing.T) {
	input := `\begin{document}
\chapter{Rheology}
Intro text.
\begin{tabular}{|c|c|}
0.01 & 0.02 \\
1.5 Shear rate & 2 \\
\end{tabular}
\section{1.1 Shear Flow}
Stress grows linearly.
`
	book, err := Parse("rheo", "Rheology", []byte(input))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// The tabular row "1.5 Shear rate ..." must not become a heading.
	if len(book.Nodes) != 2 {
		for _, n := range book.Nodes {
			t.Logf("node %s level=%d title=%q", n.NodeID, n.Level, n.Title)
		}
		t.Fatalf("len(nodes) = %d, want 2", len(book.Nodes))
	}
	if book.Nodes[1].Level != 2 {
		t.Errorf("numbered \\section level = %d, want 2", book.Nodes[1].Level)
	}
}

func TestParse_TOCStripped(t *testing.T) {
	input := "Contents\n1 Statics ......... 3\n2 Dynamics ........ 57\n---\nChapter 1: Statics\nBody.\n"
	book, err := Parse("book", "B", []byte(input))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(book.Nodes) != 1 {
		t.Fatalf("len(nodes) = %d, want 1 (TOC lines must not become headings)", len(book.Nodes))
	}
	if strings.Contains(book.Text, ".........") {
		t.Errorf("TOC block not stripped")
	}
}

func keys(m map[string]*Node) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
