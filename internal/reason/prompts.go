package reason

import (
	"fmt"
	"strings"

	"github.com/starford/ansuz/internal/knowledge"
	"github.com/starford/ansuz/internal/llm"
)

const jsonOnly = "Respond with a single JSON object and no prose outside it."

// classifyResponse is what the CLASSIFY prompt asks for.
type classifyResponse struct {
	CanSolve   bool     `json:"can_solve"`
	Confidence float64  `json:"confidence"`
	Nodes      []string `json:"nodes"`
	Reasoning  string   `json:"reasoning"`
}

func classifyMessages(query string, candidates []*knowledge.TreeNode, visited []string, conclusion string, broadened bool) []llm.Message {
	var sb strings.Builder
	sb.WriteString("Question:\n")
	sb.WriteString(query)
	sb.WriteString("\n\nAvailable sections:\n")
	sb.WriteString(knowledge.OutlineNodes(candidates))
	if len(visited) > 0 {
		sb.WriteString("\nAlready examined (select sections that add to these):\n")
		for _, id := range visited {
			sb.WriteString(id)
			sb.WriteByte('\n')
		}
	}
	if conclusion != "" {
		sb.WriteString("\nInterim conclusion, judged insufficient so far:\n")
		sb.WriteString(conclusion)
		sb.WriteByte('\n')
	}
	if broadened {
		sb.WriteString("\nYour previous selection matched none of the listed ids. " +
			"Reconsider every section above, interpreting the question broadly.")
	}

	return []llm.Message{
		llm.System("You decide which sections of a technical library are relevant to a question. " +
			"Select node ids ONLY from the list given. " +
			`Schema: {"can_solve": bool, "confidence": number 0..1, "nodes": [string], "reasoning": string}. ` +
			"can_solve means the question is answerable from this library at all. " + jsonOnly),
		llm.User(sb.String()),
	}
}

// extractResponse is what the RETRIEVE-phase extraction prompt asks for.
type extractResponse struct {
	Evidence string `json:"evidence"`
	Relevant bool   `json:"relevant"`
}

func extractMessages(query, nodePath, text string) []llm.Message {
	return []llm.Message{
		llm.System("You extract the passages of a book section that bear on a question. " +
			"Quote formulas verbatim. If nothing is relevant, say so. " +
			`Schema: {"evidence": string, "relevant": bool}. ` + jsonOnly),
		llm.User(fmt.Sprintf("Question:\n%s\n\nSection: %s\n\nText:\n%s", query, nodePath, text)),
	}
}

// evaluateResponse is what the EVALUATE prompt asks for.
type evaluateResponse struct {
	Sufficient bool    `json:"sufficient"`
	Confidence float64 `json:"confidence"`
	Conclusion string  `json:"conclusion"`
}

func evaluateMessages(query string, findings []Finding, depth, maxDepth int) []llm.Message {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Question:\n%s\n\nEvidence gathered (depth %d of %d):\n", query, depth, maxDepth)
	for _, f := range findings {
		fmt.Fprintf(&sb, "[%s] %s\n%s\n\n", f.NodeID, f.Title, f.Evidence)
	}

	return []llm.Message{
		llm.System("You judge whether gathered evidence suffices to answer a question, and draft the answer. " +
			"sufficient means no further drill-down into subsections is needed. " +
			`Schema: {"sufficient": bool, "confidence": number 0..1, "conclusion": string}. ` + jsonOnly),
		llm.User(sb.String()),
	}
}
