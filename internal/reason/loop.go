package reason

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/ingest"
	"github.com/starford/ansuz/internal/knowledge"
	"github.com/starford/ansuz/internal/llm"
)

// Options bound one reasoning session.
type Options struct {
	// MaxDepth caps the number of classify/retrieve/evaluate rounds.
	// The loop terminates at this depth no matter what the evaluator
	// reports.
	MaxDepth int
	// StopConfidence ends the session early once the evaluator reports
	// at least this confidence.
	StopConfidence float64
	// Budget caps the wall-clock time of one session. Zero means no cap.
	Budget time.Duration
	// Parallel bounds concurrent evidence extraction calls.
	Parallel int
	// ChunkSize bounds the text sent per extraction call.
	ChunkSize int
}

func (o *Options) fillDefaults() {
	if o.MaxDepth <= 0 {
		o.MaxDepth = 3
	}
	if o.StopConfidence <= 0 {
		o.StopConfidence = 0.8
	}
	if o.Parallel <= 0 {
		o.Parallel = 4
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = 12000
	}
}

// ProgressFunc receives state transitions as a session runs.
type ProgressFunc func(sessionID string, state State, depth int, detail string)

// Loop answers questions by walking the knowledge tree level by level.
type Loop struct {
	gateway  *llm.Gateway
	index    knowledge.TreeIndex
	opts     Options
	logger   *slog.Logger
	progress ProgressFunc
}

// New wires a reasoning loop. progress may be nil.
func New(gateway *llm.Gateway, index knowledge.TreeIndex, opts Options, logger *slog.Logger, progress ProgressFunc) *Loop {
	opts.fillDefaults()
	return &Loop{
		gateway:  gateway,
		index:    index,
		opts:     opts,
		logger:   logger,
		progress: progress,
	}
}

func (l *Loop) emit(sessionID string, state State, depth int, detail string) {
	if l.progress != nil {
		l.progress(sessionID, state, depth, detail)
	}
}

// Run executes one session. On failure the partial record is returned
// alongside the error so callers can still inspect the trace.
func (l *Loop) Run(ctx context.Context, query string) (*Record, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("reason: empty query")
	}
	if l.opts.Budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.opts.Budget)
		defer cancel()
	}

	rec := &Record{
		SessionID: NewSessionID(),
		Query:     query,
		StartedAt: time.Now(),
		MaxDepth:  l.opts.MaxDepth,
	}
	l.emit(rec.SessionID, StateInit, 0, "loading knowledge tree")

	records, err := l.index.AllNodes()
	if err != nil {
		return rec, err
	}
	tree := knowledge.BuildTree(records)
	if tree.Len() == 0 {
		return rec, fmt.Errorf("%w: knowledge index is empty", apperr.ErrNotFound)
	}

	l.logger.Info("session started",
		slog.String("session", rec.SessionID),
		slog.Int("max_depth", l.opts.MaxDepth),
		slog.Int("nodes", tree.Len()))

	// Every round classifies over the full outline: a selection at one
	// depth never fences off what later depths may pick, only the
	// interim conclusion and the list of examined sections carry
	// forward. The single broadened retry is a per-session budget, so
	// the session makes at most MaxDepth+1 classify calls.
	outline := tree.Nodes()
	seen := make(map[string]struct{})
	var visited []string
	retried := false

	for depth := 1; depth <= l.opts.MaxDepth; depth++ {
		if err := ctx.Err(); err != nil {
			rec.FinishedAt = time.Now()
			return rec, err
		}

		l.emit(rec.SessionID, StateClassify, depth, fmt.Sprintf("%d candidate sections", len(outline)))
		selected, cls, err := l.classify(ctx, rec, outline, visited, depth, &retried)
		if err != nil {
			rec.FinishedAt = time.Now()
			l.emit(rec.SessionID, StateFailed, depth, err.Error())
			return rec, err
		}

		var fresh []*knowledge.TreeNode
		for _, n := range selected {
			if _, ok := seen[n.NodeID]; ok {
				continue
			}
			fresh = append(fresh, n)
		}
		rec.CanSolve = cls.CanSolve

		if len(fresh) == 0 {
			rec.Warnings = append(rec.Warnings,
				fmt.Sprintf("depth %d: every selected section was already examined", depth))
			rec.Termination = TerminationNoProgress
			break
		}

		step := Step{
			Depth:      depth,
			Candidates: nodeIDs(outline),
			Selected:   nodeIDs(fresh),
			CanSolve:   cls.CanSolve,
			Confidence: cls.Confidence,
		}

		l.emit(rec.SessionID, StateRetrieve, depth, fmt.Sprintf("%d sections selected", len(fresh)))
		step.Findings, err = l.retrieve(ctx, rec, query, fresh)
		rec.Steps = append(rec.Steps, step)
		if err != nil {
			rec.FinishedAt = time.Now()
			l.emit(rec.SessionID, StateFailed, depth, err.Error())
			return rec, err
		}

		for _, f := range step.Findings {
			if _, ok := seen[f.NodeID]; ok {
				continue
			}
			seen[f.NodeID] = struct{}{}
			visited = append(visited, f.NodeID)
			rec.Citations = append(rec.Citations, CitationFor(f.NodeID))
		}

		l.emit(rec.SessionID, StateEvaluate, depth, fmt.Sprintf("%d findings so far", len(allFindings(rec))))
		ev, err := l.evaluate(ctx, query, allFindings(rec), depth)
		if err != nil {
			rec.FinishedAt = time.Now()
			l.emit(rec.SessionID, StateFailed, depth, err.Error())
			return rec, err
		}
		rec.Confidence = ev.Confidence
		rec.Conclusion = ev.Conclusion

		if ev.Sufficient || ev.Confidence >= l.opts.StopConfidence {
			rec.Termination = TerminationSufficient
			break
		}
	}

	if rec.Termination == "" {
		rec.Termination = TerminationDepthExhausted
	}
	rec.FinishedAt = time.Now()

	l.logger.Info("session finished",
		slog.String("session", rec.SessionID),
		slog.String("termination", string(rec.Termination)),
		slog.Float64("confidence", rec.Confidence),
		slog.Int("depth", len(rec.Steps)))
	l.emit(rec.SessionID, StateDone, len(rec.Steps), string(rec.Termination))
	return rec, nil
}

// classify asks the model to pick relevant sections from the full
// outline. Selections naming unknown ids are dropped with a warning;
// when nothing valid remains, a broadened retry runs, once per session
// (retried tracks the budget), before the session fails.
func (l *Loop) classify(ctx context.Context, rec *Record, candidates []*knowledge.TreeNode, visited []string, depth int, retried *bool) ([]*knowledge.TreeNode, *classifyResponse, error) {
	byID := make(map[string]*knowledge.TreeNode, len(candidates))
	for _, n := range candidates {
		byID[n.NodeID] = n
	}

	attempt := func(broadened bool) ([]*knowledge.TreeNode, *classifyResponse, error) {
		var cls classifyResponse
		opts := []llm.CallOption{}
		if broadened {
			opts = append(opts, llm.WithBypassCache())
		}
		msgs := classifyMessages(rec.Query, candidates, visited, rec.Conclusion, broadened)
		if _, err := l.gateway.InvokeJSON(ctx, llm.PurposeClassify, msgs, &cls, opts...); err != nil {
			return nil, nil, err
		}

		var valid []*knowledge.TreeNode
		for _, id := range cls.Nodes {
			n, ok := byID[id]
			if !ok {
				w := fmt.Sprintf("depth %d: classifier selected unknown node id %q; dropped", depth, id)
				rec.Warnings = append(rec.Warnings, w)
				l.logger.Warn("dropped unknown node selection",
					slog.String("session", rec.SessionID),
					slog.String("node", id))
				continue
			}
			valid = append(valid, n)
		}
		return valid, &cls, nil
	}

	valid, cls, err := attempt(false)
	if err != nil {
		return nil, nil, err
	}
	if len(valid) == 0 {
		if *retried {
			return nil, nil, fmt.Errorf("depth %d: %w", depth, apperr.ErrNoValidNodes)
		}
		*retried = true
		l.logger.Warn("no valid selections, retrying broadened",
			slog.String("session", rec.SessionID),
			slog.Int("depth", depth))
		valid, cls, err = attempt(true)
		if err != nil {
			return nil, nil, err
		}
		if len(valid) == 0 {
			return nil, nil, fmt.Errorf("depth %d: %w", depth, apperr.ErrNoValidNodes)
		}
	}
	return valid, cls, nil
}

// retrieve extracts evidence from the selected nodes in parallel. A
// failing node is logged and skipped so one bad section cannot sink the
// session; failure of every selected node escalates.
func (l *Loop) retrieve(ctx context.Context, rec *Record, query string, nodes []*knowledge.TreeNode) ([]Finding, error) {
	results := make([]*Finding, len(nodes))
	failures := make([]error, len(nodes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.opts.Parallel)

	for i, node := range nodes {
		g.Go(func() error {
			f, err := l.extractNode(gctx, query, node)
			if err != nil {
				failures[i] = err
				return nil
			}
			results[i] = f
			return nil
		})
	}
	_ = g.Wait() // workers never return errors

	var findings []Finding
	failed := 0
	for i, f := range results {
		if failures[i] != nil {
			failed++
			rec.Warnings = append(rec.Warnings,
				fmt.Sprintf("evidence extraction failed for %s: %v", nodes[i].NodeID, failures[i]))
			l.logger.Warn("evidence extraction failed",
				slog.String("session", rec.SessionID),
				slog.String("node", nodes[i].NodeID),
				slog.String("error", failures[i].Error()))
			continue
		}
		if f != nil {
			findings = append(findings, *f)
		}
	}
	if len(nodes) > 0 && failed == len(nodes) {
		return findings, fmt.Errorf("evidence extraction failed for all %d selected sections: %w",
			len(nodes), apperr.ErrNoValidNodes)
	}
	return findings, nil
}

func (l *Loop) extractNode(ctx context.Context, query string, node *knowledge.TreeNode) (*Finding, error) {
	body, err := l.index.NodeBody(node.NodeID)
	if err != nil {
		return nil, err
	}

	var parts []string
	if len(body) <= l.opts.ChunkSize {
		ex, err := l.extractText(ctx, query, node.Path(), body)
		if err != nil {
			return nil, err
		}
		if ex.Relevant {
			parts = append(parts, ex.Evidence)
		}
	} else {
		chunks, err := ingest.Split(body, l.opts.ChunkSize)
		if err != nil {
			return nil, err
		}
		for _, c := range chunks {
			ex, err := l.extractText(ctx, query, fmt.Sprintf("%s (part %d/%d)", node.Path(), c.Index, c.Total), c.Text)
			if err != nil {
				return nil, err
			}
			if ex.Relevant {
				parts = append(parts, ex.Evidence)
			}
		}
	}

	if len(parts) == 0 {
		// Fall back to the stored summary so the evaluator still sees
		// what the section covers.
		parts = append(parts, node.Summary)
	}
	return &Finding{
		NodeID:   node.NodeID,
		Title:    node.Title,
		Evidence: strings.Join(parts, "\n"),
	}, nil
}

func (l *Loop) extractText(ctx context.Context, query, path, text string) (*extractResponse, error) {
	var ex extractResponse
	if _, err := l.gateway.InvokeJSON(ctx, llm.PurposeExtract, extractMessages(query, path, text), &ex); err != nil {
		return nil, err
	}
	return &ex, nil
}

func (l *Loop) evaluate(ctx context.Context, query string, findings []Finding, depth int) (*evaluateResponse, error) {
	var ev evaluateResponse
	if _, err := l.gateway.InvokeJSON(ctx, llm.PurposeEvaluate, evaluateMessages(query, findings, depth, l.opts.MaxDepth), &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

func nodeIDs(nodes []*knowledge.TreeNode) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.NodeID
	}
	return out
}

func allFindings(rec *Record) []Finding {
	var out []Finding
	for _, s := range rec.Steps {
		out = append(out, s.Findings...)
	}
	return out
}
