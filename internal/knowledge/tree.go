// Package knowledge maintains the hierarchical index built over the
// book library: one summarized node per chapter and section, persisted
// in SQLite with optional FTS5 full-text search.
package knowledge

import (
	"sort"
	"time"
)

// NodeRecord is one summarized node of a book tree. NodeID is the
// stable hierarchical identifier ("polymer/ch3/3.2") that reasoning
// records and citations refer to.
type NodeRecord struct {
	BookID         string    `json:"book_id"`
	NodeID         string    `json:"node_id"`
	ParentID       string    `json:"parent_id,omitempty"`
	Level          int       `json:"level"`
	Title          string    `json:"title"`
	Summary        string    `json:"summary"`
	KeyConcepts    []string  `json:"key_concepts,omitempty"`
	Formulas       []string  `json:"formulas,omitempty"`
	SourceChunkIDs []string  `json:"source_chunk_ids,omitempty"`
	StartChar      int       `json:"-"`
	EndChar        int       `json:"-"`
	UpdatedAt      time.Time `json:"-"`
}

// Path returns a short breadcrumb for prompts and logs.
func (n *NodeRecord) Path() string {
	if n.Title == "" {
		return n.NodeID
	}
	return n.BookID + " > " + n.Title
}

// BookRecord is the library entry for one ingested book.
type BookRecord struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Path      string    `json:"path"`
	Checksum  string    `json:"checksum"`
	NodeCount int       `json:"node_count"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Tree is an in-memory view over the stored nodes of one or more books,
// used by the reasoning loop to walk levels without repeated queries.
type Tree struct {
	books map[string][]*TreeNode // book id -> root nodes
	flat  map[string]*TreeNode   // node id -> node
}

// TreeNode wraps a NodeRecord with resolved children.
type TreeNode struct {
	NodeRecord
	Children []*TreeNode
}

// BuildTree links flat node records into per-book trees. Records may
// arrive in any order; a child whose parent is missing becomes a root.
func BuildTree(records []NodeRecord) *Tree {
	t := &Tree{
		books: make(map[string][]*TreeNode),
		flat:  make(map[string]*TreeNode, len(records)),
	}
	for i := range records {
		t.flat[records[i].NodeID] = &TreeNode{NodeRecord: records[i]}
	}
	for _, n := range t.flat {
		if parent, ok := t.flat[n.ParentID]; ok && n.ParentID != "" {
			parent.Children = append(parent.Children, n)
		} else {
			t.books[n.BookID] = append(t.books[n.BookID], n)
		}
	}
	for _, roots := range t.books {
		sortNodes(roots)
	}
	for _, n := range t.flat {
		sortNodes(n.Children)
	}
	return t
}

func sortNodes(nodes []*TreeNode) {
	for i := 1; i < len(nodes); i++ {
		for j := i; j > 0 && nodes[j].StartChar < nodes[j-1].StartChar; j-- {
			nodes[j], nodes[j-1] = nodes[j-1], nodes[j]
		}
	}
}

// Node returns the node with the given id, or nil.
func (t *Tree) Node(id string) *TreeNode {
	return t.flat[id]
}

// Roots returns the root nodes of one book, in document order.
func (t *Tree) Roots(bookID string) []*TreeNode {
	return t.books[bookID]
}

// BookIDs returns the ids of all books in the tree, sorted. Every
// traversal that feeds a prompt goes through this so identical
// libraries always render identical outlines, whatever the map
// iteration order.
func (t *Tree) BookIDs() []string {
	ids := make([]string, 0, len(t.books))
	for id := range t.books {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Nodes returns every node of every book in a stable order: books by
// sorted id, nodes within a book in document order, parents before
// children. The reasoning loop classifies against this full outline at
// each depth.
func (t *Tree) Nodes() []*TreeNode {
	out := make([]*TreeNode, 0, len(t.flat))
	for _, bookID := range t.BookIDs() {
		collectSubtree(t.books[bookID], &out)
	}
	return out
}

// Len returns the total node count.
func (t *Tree) Len() int { return len(t.flat) }

func collectSubtree(nodes []*TreeNode, out *[]*TreeNode) {
	for _, n := range nodes {
		*out = append(*out, n)
		collectSubtree(n.Children, out)
	}
}
