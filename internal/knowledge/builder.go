package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/starford/ansuz/internal/ingest"
	"github.com/starford/ansuz/internal/llm"
)

// Builder turns parsed books into summarized node records. Nodes whose
// text exceeds the chunk limit are summarized map-reduce style: each
// chunk gets its own summary, then the chunk summaries are merged into
// the node summary with the contributing chunk ids recorded.
type Builder struct {
	gateway   *llm.Gateway
	index     TreeIndex
	chunkSize int
	parallel  int
	logger    *slog.Logger
}

// NewBuilder wires a builder. chunkSize bounds the text sent per
// summarization call; parallel bounds concurrent provider calls.
func NewBuilder(gateway *llm.Gateway, index TreeIndex, chunkSize, parallel int, logger *slog.Logger) *Builder {
	if chunkSize <= 0 {
		chunkSize = 12000
	}
	if parallel <= 0 {
		parallel = 4
	}
	return &Builder{
		gateway:   gateway,
		index:     index,
		chunkSize: chunkSize,
		parallel:  parallel,
		logger:    logger,
	}
}

// nodeSummary is the JSON shape the summarization prompts request.
type nodeSummary struct {
	Summary     string   `json:"summary"`
	KeyConcepts []string `json:"key_concepts"`
	Formulas    []string `json:"formulas"`
}

// BuildBook summarizes every node of a parsed book and persists the
// records. The book row itself is written last so a partial build is
// retried on the next sync.
func (b *Builder) BuildBook(ctx context.Context, book *ingest.Book, path string) error {
	flat := book.Nodes // already document order

	b.logger.Info("building knowledge tree",
		slog.String("book", book.ID),
		slog.Int("nodes", len(flat)))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.parallel)
	results := make([]NodeRecord, len(flat))

	for i, node := range flat {
		g.Go(func() error {
			rec, err := b.summarizeNode(gctx, book, node)
			if err != nil {
				return fmt.Errorf("summarize %s: %w", node.NodeID, err)
			}
			results[i] = *rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	now := time.Now()
	for i, node := range flat {
		results[i].UpdatedAt = now
		if err := b.index.UpsertNode(results[i], book.NodeText(node)); err != nil {
			return err
		}
	}
	return b.index.UpsertBook(BookRecord{
		ID:        book.ID,
		Title:     book.Title,
		Path:      path,
		Checksum:  book.Checksum,
		UpdatedAt: now,
	})
}

func (b *Builder) summarizeNode(ctx context.Context, book *ingest.Book, node *ingest.Node) (*NodeRecord, error) {
	text := book.NodeText(node)
	rec := &NodeRecord{
		BookID:    book.ID,
		NodeID:    node.NodeID,
		ParentID:  node.ParentID,
		Level:     node.Level,
		Title:     node.Title,
		StartChar: node.StartChar,
		EndChar:   node.EndChar,
	}

	heading := summaryHeading(node.NodeID, node.Title)

	if len(text) <= b.chunkSize {
		sum, err := b.summarizeText(ctx, heading, text)
		if err != nil {
			return nil, err
		}
		rec.Summary = sum.Summary
		rec.KeyConcepts = sum.KeyConcepts
		rec.Formulas = sum.Formulas
		return rec, nil
	}

	chunks, err := ingest.Split(text, b.chunkSize)
	if err != nil {
		return nil, err
	}
	b.logger.Debug("map-reduce summarization",
		slog.String("node", node.NodeID),
		slog.Int("chunks", len(chunks)))

	partials := make([]nodeSummary, len(chunks))
	chunkIDs := make([]string, len(chunks))
	for i, c := range chunks {
		sum, err := b.summarizeText(ctx, fmt.Sprintf("%s (part %d/%d)", heading, c.Index, c.Total), c.Text)
		if err != nil {
			return nil, err
		}
		partials[i] = *sum
		chunkIDs[i] = fmt.Sprintf("%s/%s", node.NodeID, c.ID)
	}

	merged, err := b.reduceSummaries(ctx, heading, partials)
	if err != nil {
		return nil, err
	}
	rec.Summary = merged.Summary
	rec.KeyConcepts = merged.KeyConcepts
	rec.Formulas = merged.Formulas
	rec.SourceChunkIDs = chunkIDs
	return rec, nil
}

// summaryHeading labels the text sent to the summarizer. Built from
// persisted fields only, so PurgeSummaries can reproduce it.
func summaryHeading(nodeID, title string) string {
	if title == "" {
		return nodeID
	}
	return fmt.Sprintf("[%s] %s", nodeID, title)
}

// PurgeSummaries drops cached summarization responses for a book's
// currently stored node text. Sync calls this before re-indexing a
// changed book or removing a deleted one; without it stale entries
// linger until TTL expiry. Partial-summary merge responses depend on
// intermediate model output and cannot be reconstructed, so they are
// left to expire. Failures are logged, never fatal.
func (b *Builder) PurgeSummaries(bookID string) {
	nodes, err := b.index.ListNodes(bookID)
	if err != nil {
		b.logger.Warn("purge: list nodes failed", slog.String("book", bookID), slog.String("error", err.Error()))
		return
	}

	var fps []string
	add := func(heading, text string) {
		fp, err := b.gateway.Fingerprint(llm.PurposeSummarize, summarizeMessages(heading, text))
		if err == nil {
			fps = append(fps, fp)
		}
	}

	for i := range nodes {
		body, err := b.index.NodeBody(nodes[i].NodeID)
		if err != nil {
			continue
		}
		heading := summaryHeading(nodes[i].NodeID, nodes[i].Title)
		if len(body) <= b.chunkSize {
			add(heading, body)
			continue
		}
		chunks, err := ingest.Split(body, b.chunkSize)
		if err != nil {
			continue
		}
		for _, c := range chunks {
			add(fmt.Sprintf("%s (part %d/%d)", heading, c.Index, c.Total), c.Text)
		}
	}

	if err := b.gateway.Purge(fps); err != nil {
		b.logger.Warn("purge: cache purge failed", slog.String("book", bookID), slog.String("error", err.Error()))
		return
	}
	b.logger.Debug("purged stale summaries", slog.String("book", bookID), slog.Int("entries", len(fps)))
}

// summarizeMessages builds the summarization prompt. PurgeSummaries
// reconstructs the same messages from stored node text, so the cache
// fingerprints line up.
func summarizeMessages(heading, text string) []llm.Message {
	return []llm.Message{
		llm.System("You summarize sections of technical books. Respond with a single JSON object: " +
			`{"summary": string, "key_concepts": [string], "formulas": [string]}. ` +
			"Keep formulas verbatim, including LaTeX. No prose outside the JSON."),
		llm.User(fmt.Sprintf("Section: %s\n\nText:\n%s", heading, text)),
	}
}

func (b *Builder) summarizeText(ctx context.Context, heading, text string) (*nodeSummary, error) {
	messages := summarizeMessages(heading, text)
	var sum nodeSummary
	if _, err := b.gateway.InvokeJSON(ctx, llm.PurposeSummarize, messages, &sum); err != nil {
		return nil, err
	}
	return &sum, nil
}

// reduceSummaries merges chunk summaries into one node summary.
func (b *Builder) reduceSummaries(ctx context.Context, heading string, partials []nodeSummary) (*nodeSummary, error) {
	var sb strings.Builder
	for i, p := range partials {
		fmt.Fprintf(&sb, "Part %d summary: %s\n", i+1, p.Summary)
		if len(p.KeyConcepts) > 0 {
			fmt.Fprintf(&sb, "Part %d concepts: %s\n", i+1, strings.Join(p.KeyConcepts, "; "))
		}
		if len(p.Formulas) > 0 {
			fmt.Fprintf(&sb, "Part %d formulas: %s\n", i+1, strings.Join(p.Formulas, " | "))
		}
	}

	messages := []llm.Message{
		llm.System("You merge partial summaries of one book section into a single coherent summary. " +
			`Respond with a single JSON object: {"summary": string, "key_concepts": [string], "formulas": [string]}. ` +
			"Deduplicate concepts and formulas. No prose outside the JSON."),
		llm.User(fmt.Sprintf("Section: %s\n\n%s", heading, sb.String())),
	}
	var merged nodeSummary
	if _, err := b.gateway.InvokeJSON(ctx, llm.PurposeSummarize, messages, &merged); err != nil {
		return nil, err
	}
	return &merged, nil
}
