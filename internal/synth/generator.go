package synth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/starford/ansuz/internal/llm"
	"github.com/starford/ansuz/internal/reason"
)

// Generator drafts code artifacts from reasoning records.
type Generator struct {
	gateway *llm.Gateway
	store   *Store
	logger  *slog.Logger
}

// NewGenerator wires a generator.
func NewGenerator(gateway *llm.Gateway, store *Store, logger *slog.Logger) *Generator {
	return &Generator{gateway: gateway, store: store, logger: logger}
}

// codeResponse is the JSON shape the code prompt asks for.
type codeResponse struct {
	Derivation string `json:"derivation"`
	Entrypoint string `json:"entrypoint"`
	Files      []File `json:"files"`
}

// Generate drafts an artifact from a finished session and persists it
// with status draft. Execution is a separate, gated step.
func (g *Generator) Generate(ctx context.Context, rec *reason.Record) (*Artifact, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Question:\n%s\n\nConclusion:\n%s\n\nEvidence:\n", rec.Query, rec.Conclusion)
	for _, step := range rec.Steps {
		for _, f := range step.Findings {
			fmt.Fprintf(&sb, "[%s] %s\n%s\n\n", f.NodeID, f.Title, f.Evidence)
		}
	}

	messages := []llm.Message{
		llm.System("You write small, self-contained Python programs that compute the answer to a " +
			"technical question from cited book material. Annotate each computation with a comment naming " +
			"the [node_id] it derives from. Schema: " +
			`{"derivation": string, "entrypoint": string, "files": [{"path": string, "content": string}]}. ` +
			"entrypoint is the file to run. Respond with a single JSON object and no prose outside it."),
		llm.User(sb.String()),
	}

	var code codeResponse
	if _, err := g.gateway.InvokeJSON(ctx, llm.PurposeCode, messages, &code); err != nil {
		return nil, err
	}
	if len(code.Files) == 0 {
		return nil, fmt.Errorf("synth: generator returned no files")
	}
	if code.Entrypoint == "" {
		code.Entrypoint = code.Files[0].Path
	}

	now := time.Now()
	a := &Artifact{
		ID:         NewArtifactID(rec.SessionID),
		SessionID:  rec.SessionID,
		Query:      rec.Query,
		Status:     StatusDraft,
		Derivation: code.Derivation,
		Entrypoint: code.Entrypoint,
		Files:      code.Files,
		NodeIDs:    citedNodeIDs(rec),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := g.store.Create(a); err != nil {
		return nil, err
	}

	g.logger.Info("artifact drafted",
		slog.String("artifact", a.ID),
		slog.String("session", rec.SessionID),
		slog.Int("files", len(a.Files)))
	return a, nil
}

func citedNodeIDs(rec *reason.Record) []string {
	out := make([]string, 0, len(rec.Citations))
	for _, c := range rec.Citations {
		out = append(out, c.NodeID)
	}
	return out
}
