// Package reason runs the bounded classification loop that answers a
// question against the knowledge index and records how the answer was
// reached.
package reason

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"
)

// State names one phase of the reasoning loop.
type State string

const (
	StateInit     State = "INIT"
	StateClassify State = "CLASSIFY"
	StateRetrieve State = "RETRIEVE"
	StateEvaluate State = "EVALUATE"
	StateDone     State = "DONE"
	StateFailed   State = "FAILED"
)

// TerminationReason explains why a session stopped.
type TerminationReason string

const (
	// TerminationSufficient means the evaluator judged the gathered
	// evidence enough to answer.
	TerminationSufficient TerminationReason = "sufficient"
	// TerminationDepthExhausted means the depth bound was hit before
	// the evidence was judged sufficient; the record carries the best
	// partial conclusion.
	TerminationDepthExhausted TerminationReason = "depth_exhausted"
	// TerminationNoProgress means a round selected only sections that
	// were already examined, so another round could not add evidence.
	TerminationNoProgress TerminationReason = "no_progress"
)

// Citation points at the source location an answer leans on. Section is
// empty for chapter-level citations.
type Citation struct {
	NodeID  string `json:"node_id"`
	Book    string `json:"book"`
	Chapter string `json:"chapter"`
	Section string `json:"section,omitempty"`
}

// CitationFor derives a citation from a hierarchical node id such as
// "polymer/ch3/3.2".
func CitationFor(nodeID string) Citation {
	c := Citation{NodeID: nodeID}
	parts := strings.Split(nodeID, "/")
	if len(parts) > 0 {
		c.Book = parts[0]
	}
	if len(parts) > 1 {
		c.Chapter = parts[1]
	}
	if len(parts) > 2 {
		c.Section = strings.Join(parts[2:], "/")
	}
	return c
}

// Finding is the evidence extracted from one node during RETRIEVE.
type Finding struct {
	NodeID   string `json:"node_id"`
	Title    string `json:"title"`
	Evidence string `json:"evidence"`
}

// Step records one depth of the loop: which nodes were offered, which
// were selected, and what came back.
type Step struct {
	Depth      int       `json:"depth"`
	Candidates []string  `json:"candidates"`
	Selected   []string  `json:"selected"`
	CanSolve   bool      `json:"can_solve"`
	Confidence float64   `json:"confidence"`
	Findings   []Finding `json:"findings,omitempty"`
}

// Record is the full, auditable trace of one reasoning session.
type Record struct {
	SessionID   string            `json:"session_id"`
	Query       string            `json:"query"`
	StartedAt   time.Time         `json:"started_at"`
	FinishedAt  time.Time         `json:"finished_at"`
	MaxDepth    int               `json:"max_depth"`
	Termination TerminationReason `json:"termination"`
	CanSolve    bool              `json:"can_solve"`
	Confidence  float64           `json:"confidence"`
	Conclusion  string            `json:"conclusion"`
	Steps       []Step            `json:"steps"`
	Citations   []Citation        `json:"citations"`
	Warnings    []string          `json:"warnings,omitempty"`
}

// NewSessionID returns a random 16-hex-char session identifier.
func NewSessionID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "session-" + hex.EncodeToString([]byte(time.Now().Format("150405")))
	}
	return hex.EncodeToString(b[:])
}
