package mcpserver

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starford/ansuz/internal/knowledge"
	"github.com/starford/ansuz/internal/llm"
	"github.com/starford/ansuz/internal/reason"
	"github.com/starford/ansuz/internal/testutil"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedNodes(t *testing.T, db *knowledge.DB) {
	t.Helper()
	records := []knowledge.NodeRecord{
		{BookID: "polymer", NodeID: "polymer/ch1", Level: 1, Title: "Chapter 1 Flexible Chains", Summary: "Ideal chain statistics.", StartChar: 0},
		{BookID: "polymer", NodeID: "polymer/ch3", Level: 1, Title: "Chapter 3 Entanglement", Summary: "Reptation dynamics.", StartChar: 100},
		{BookID: "polymer", NodeID: "polymer/ch3/3.2", ParentID: "polymer/ch3", Level: 2, Title: "3.2 Reptation", Summary: "Tube model.", StartChar: 120},
	}
	for _, n := range records {
		n.UpdatedAt = time.Now()
		if err := db.UpsertNode(n, fmt.Sprintf("text of %s", n.NodeID)); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.UpsertBook(knowledge.BookRecord{ID: "polymer", Title: "Polymer Physics", Path: "polymer.md", Checksum: "cs", UpdatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
}

func answeringScript(req llm.Request) (string, error) {
	sys := req.Messages[0].Content
	switch {
	case strings.Contains(sys, "decide which sections"):
		return `{"can_solve": true, "confidence": 0.9, "nodes": ["polymer/ch3"], "reasoning": ""}`, nil
	case strings.Contains(sys, "extract the passages"):
		return `{"evidence": "tau ~ N^3", "relevant": true}`, nil
	default:
		return `{"sufficient": true, "confidence": 0.9, "conclusion": "Scales as N cubed."}`, nil
	}
}

func testServer(t *testing.T) *Server {
	t.Helper()

	db := testutil.TestDB(t)
	seedNodes(t, db)

	p := &testutil.ScriptedProvider{Script: answeringScript}
	gw := testutil.TestGateway(t, p, llm.WithLogger(discardLogger()))
	loop := reason.New(gw, db, reason.Options{MaxDepth: 2}, discardLogger(), nil)

	return New(db, loop)
}

func callTool(t *testing.T, srv *Server, name string, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	ctx := context.Background()
	req := mcp.CallToolRequest{}
	req.Method = "tools/call"
	req.Params.Name = name
	req.Params.Arguments = args

	var result *mcp.CallToolResult
	var err error

	switch name {
	case "get_outline":
		result, err = srv.getOutline(ctx, req)
	case "search_nodes":
		result, err = srv.searchNodes(ctx, req)
	case "read_node":
		result, err = srv.readNode(ctx, req)
	case "ask_question":
		result, err = srv.askQuestion(ctx, req)
	default:
		t.Fatalf("unknown tool: %s", name)
	}

	if err != nil {
		t.Fatalf("tool %s error: %v", name, err)
	}
	return result
}

func resultText(r *mcp.CallToolResult) string {
	if len(r.Content) > 0 {
		if tc, ok := r.Content[0].(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func TestGetOutline(t *testing.T) {
	srv := testServer(t)

	r := callTool(t, srv, "get_outline", map[string]interface{}{})
	text := resultText(r)
	if !strings.Contains(text, "[polymer/ch3/3.2]") {
		t.Errorf("outline missing section node:\n%s", text)
	}
	if !strings.Contains(text, "3.2 Reptation") {
		t.Errorf("outline missing title:\n%s", text)
	}
}

func TestSearchNodes(t *testing.T) {
	srv := testServer(t)

	r := callTool(t, srv, "search_nodes", map[string]interface{}{"query": "Reptation"})
	text := resultText(r)
	if !strings.Contains(text, "polymer/ch3") {
		t.Errorf("search result missing hit:\n%s", text)
	}
}

func TestReadNode(t *testing.T) {
	srv := testServer(t)

	r := callTool(t, srv, "read_node", map[string]interface{}{"node_id": "polymer/ch3/3.2"})
	text := resultText(r)
	if !strings.Contains(text, "Tube model.") {
		t.Errorf("read result missing summary:\n%s", text)
	}
	if !strings.Contains(text, "text of polymer/ch3/3.2") {
		t.Errorf("read result missing body:\n%s", text)
	}
}

func TestReadNodeMissing(t *testing.T) {
	srv := testServer(t)

	r := callTool(t, srv, "read_node", map[string]interface{}{"node_id": "polymer/ch99"})
	if !r.IsError {
		t.Error("expected error result for unknown node")
	}
}

func TestAskQuestion(t *testing.T) {
	srv := testServer(t)

	r := callTool(t, srv, "ask_question", map[string]interface{}{
		"question": "How does relaxation time scale with chain length?",
	})
	text := resultText(r)
	if !strings.Contains(text, "Scales as N cubed.") {
		t.Errorf("answer missing conclusion:\n%s", text)
	}
	if !strings.Contains(text, "polymer/ch3") {
		t.Errorf("answer missing citation:\n%s", text)
	}
}

func TestAskQuestionNoLoop(t *testing.T) {
	db := testutil.TestDB(t)
	srv := New(db, nil)

	r := callTool(t, srv, "ask_question", map[string]interface{}{"question": "anything"})
	if !r.IsError {
		t.Error("expected error result when reasoning is not configured")
	}
}

func TestMissingArgument(t *testing.T) {
	srv := testServer(t)

	r := callTool(t, srv, "search_nodes", map[string]interface{}{})
	if !r.IsError {
		t.Error("expected error result for missing query argument")
	}
}
