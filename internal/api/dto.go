package api

import (
	"github.com/starford/ansuz/internal/execute"
	"github.com/starford/ansuz/internal/reason"
	"github.com/starford/ansuz/internal/synth"
)

// AskRequest is the request body for starting a reasoning session.
type AskRequest struct {
	Question string `json:"question" validate:"required"`
	// Synthesize drafts a code artifact from the finished session.
	Synthesize bool `json:"synthesize,omitempty"`
}

// AskResponse carries the finished session and, when requested, the
// drafted artifact.
type AskResponse struct {
	Session  *reason.Record  `json:"session"`
	Artifact *synth.Artifact `json:"artifact,omitempty"`
}

// ExecuteRequest names the target for an artifact run.
type ExecuteRequest struct {
	Target string `json:"target" validate:"required"`
}

// ExecuteResponse wraps the execution outcome.
type ExecuteResponse struct {
	Artifact string          `json:"artifact"`
	Result   *execute.Result `json:"result"`
}

// SearchResponse wraps search results.
type SearchResponse struct {
	Results []SearchResult `json:"results"`
}

// SearchResult is a single search hit in the API response.
type SearchResult struct {
	NodeID  string `json:"node_id"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
}

// OutlineResponse carries the rendered knowledge tree.
type OutlineResponse struct {
	Outline string `json:"outline"`
}

// NodeResponse is one node with its source text.
type NodeResponse struct {
	Node any    `json:"node"`
	Body string `json:"body"`
}
