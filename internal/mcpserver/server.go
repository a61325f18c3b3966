// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes the knowledge library to LLM clients via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/ansuz/internal/knowledge"
	"github.com/starford/ansuz/internal/reason"
)

// Server wraps the MCP server with Ansuz tools.
type Server struct {
	mcp  *server.MCPServer
	db   knowledge.TreeIndex
	loop *reason.Loop
}

// New creates a new MCP server with all Ansuz tools registered. loop
// may be nil when reasoning is not configured; ask_question then
// reports an error to the client.
func New(db knowledge.TreeIndex, loop *reason.Loop) *Server {
	s := &Server{db: db, loop: loop}

	s.mcp = server.NewMCPServer(
		"Ansuz",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("get_outline",
		mcp.WithDescription("Return the hierarchical outline of every indexed book: "+
			"one '[node_id] title' line per chapter and section."),
	), s.getOutline)

	s.mcp.AddTool(mcp.NewTool("search_nodes",
		mcp.WithDescription("Full-text search through node titles, summaries, and source text."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search query string")),
	), s.searchNodes)

	s.mcp.AddTool(mcp.NewTool("read_node",
		mcp.WithDescription("Read one knowledge node: its summary, key concepts, formulas, and source text."),
		mcp.WithString("node_id", mcp.Required(), mcp.Description("Hierarchical node id (e.g. polymer/ch3/3.2)")),
	), s.readNode)

	s.mcp.AddTool(mcp.NewTool("ask_question",
		mcp.WithDescription("Run a full reasoning session against the library and return the "+
			"conclusion with citations. May take a while; the depth bound caps the work."),
		mcp.WithString("question", mcp.Required(), mcp.Description("The question to answer")),
	), s.askQuestion)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func (s *Server) getOutline(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	records, err := s.db.AllNodes()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	outline := knowledge.Outline(knowledge.BuildTree(records))
	if outline == "" {
		return mcp.NewToolResultText("the library is empty"), nil
	}
	return mcp.NewToolResultText(outline), nil
}

func (s *Server) searchNodes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	results, err := s.db.Search(query, 20)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out, _ := json.MarshalIndent(results, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) readNode(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("node_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	node, err := s.db.GetNode(id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("not found: %s", id)), nil
	}
	body, err := s.db.NodeBody(id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out, _ := json.MarshalIndent(map[string]any{
		"node": node,
		"body": body,
	}, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) askQuestion(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	question, err := req.RequireString("question")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if s.loop == nil {
		return mcp.NewToolResultError("reasoning is not configured (no LLM providers)"), nil
	}
	rec, err := s.loop.Run(ctx, question)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out, _ := json.MarshalIndent(rec, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}
