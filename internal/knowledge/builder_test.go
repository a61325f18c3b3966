package knowledge

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/starford/ansuz/internal/ingest"
	"github.com/starford/ansuz/internal/llm"
)

// cannedProvider answers every call with the same JSON summary.
type cannedProvider struct {
	mu    sync.Mutex
	calls int
	text  string
}

func (p *cannedProvider) Name() string { return "canned" }

func (p *cannedProvider) Invoke(_ context.Context, req llm.Request) (*llm.Result, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	return &llm.Result{Provider: "canned", Model: req.Model, Text: p.text}, nil
}

func (p *cannedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testGateway(t *testing.T, p llm.Provider, opts ...llm.GatewayOption) *llm.Gateway {
	t.Helper()
	opts = append([]llm.GatewayOption{llm.WithLogger(discardLogger())}, opts...)
	g, err := llm.NewGateway([]llm.Provider{p}, map[llm.Purpose]llm.Route{
		llm.PurposeSummarize: {Provider: p.Name(), Model: "test-model"},
	}, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return g
}

const summaryJSON = `{"summary": "Covers chain statistics.", "key_concepts": ["end-to-end distance"], "formulas": ["R^2 = N b^2"]}`

func TestBuildBook_SummarizesEveryNode(t *testing.T) {
	db := testDB(t)
	provider := &cannedProvider{text: summaryJSON}
	builder := NewBuilder(testGateway(t, provider), db, 100000, 2, discardLogger())

	raw := "# Chapter 1 Flexible Chains\nIntroductory text.\n## 1.1 Freely Jointed Chain\nSection body.\n"
	book, err := ingest.Parse("polymer", "Polymer Physics", []byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if err := builder.BuildBook(context.Background(), book, "polymer.md"); err != nil {
		t.Fatalf("BuildBook: %v", err)
	}

	if provider.callCount() != len(book.Nodes) {
		t.Errorf("provider calls = %d, want one per node (%d)", provider.callCount(), len(book.Nodes))
	}

	nodes, err := db.ListNodes("polymer")
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) != len(book.Nodes) {
		t.Fatalf("stored %d nodes, want %d", len(nodes), len(book.Nodes))
	}
	for _, n := range nodes {
		if n.Summary != "Covers chain statistics." {
			t.Errorf("node %s summary = %q", n.NodeID, n.Summary)
		}
		if len(n.SourceChunkIDs) != 0 {
			t.Errorf("node %s has chunk ids for a single-call summary: %v", n.NodeID, n.SourceChunkIDs)
		}
	}

	b, err := db.GetBook("polymer")
	if err != nil {
		t.Fatal(err)
	}
	if b.Checksum != book.Checksum {
		t.Errorf("book checksum = %q, want %q", b.Checksum, book.Checksum)
	}
}

func TestBuildBook_MapReduceForOversizedNode(t *testing.T) {
	db := testDB(t)
	provider := &cannedProvider{text: summaryJSON}
	const chunkSize = 60
	builder := NewBuilder(testGateway(t, provider), db, chunkSize, 1, discardLogger())

	// No headings, so the whole book is one node well over chunkSize.
	var sb strings.Builder
	for i := 0; i < 10; i++ {
		sb.WriteString("A line of body text about chain conformations.\n")
	}
	book, err := ingest.Parse("long", "Long Book", []byte(sb.String()))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(book.Nodes) != 1 {
		t.Fatalf("nodes = %d, want 1", len(book.Nodes))
	}

	if err := builder.BuildBook(context.Background(), book, "long.md"); err != nil {
		t.Fatalf("BuildBook: %v", err)
	}

	node, err := db.GetNode(book.Nodes[0].NodeID)
	if err != nil {
		t.Fatal(err)
	}
	if len(node.SourceChunkIDs) < 2 {
		t.Fatalf("SourceChunkIDs = %v, want one per chunk", node.SourceChunkIDs)
	}
	if !strings.HasPrefix(node.SourceChunkIDs[0], node.NodeID+"/chunk_") {
		t.Errorf("chunk id %q not namespaced under node id", node.SourceChunkIDs[0])
	}

	// One call per chunk plus the reduce call.
	want := len(node.SourceChunkIDs) + 1
	if provider.callCount() != want {
		t.Errorf("provider calls = %d, want %d", provider.callCount(), want)
	}
}
