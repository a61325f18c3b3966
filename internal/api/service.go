package api

import (
	"context"
	"log/slog"
	"sync"

	"github.com/starford/ansuz/internal/execute"
	"github.com/starford/ansuz/internal/knowledge"
	"github.com/starford/ansuz/internal/reason"
	"github.com/starford/ansuz/internal/synth"
)

// Service coordinates reasoning sessions and artifact lifecycle for the
// API layer. Finished session records are kept in memory, keyed by
// session id.
type Service struct {
	index      knowledge.TreeIndex
	loop       *reason.Loop
	generator  *synth.Generator
	artifacts  *synth.Store
	gate       *execute.Gate
	dispatcher *execute.Dispatcher
	logger     *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*reason.Record
}

// NewService creates a new API service.
func NewService(index knowledge.TreeIndex, loop *reason.Loop, generator *synth.Generator, artifacts *synth.Store, gate *execute.Gate, dispatcher *execute.Dispatcher, logger *slog.Logger) *Service {
	return &Service{
		index:      index,
		loop:       loop,
		generator:  generator,
		artifacts:  artifacts,
		gate:       gate,
		dispatcher: dispatcher,
		logger:     logger,
		sessions:   make(map[string]*reason.Record),
	}
}

// Ask runs one reasoning session, optionally drafting a code artifact
// from the result. The record is registered even when the session
// fails, so the trace stays inspectable.
func (s *Service) Ask(ctx context.Context, question string, synthesize bool) (*reason.Record, *synth.Artifact, error) {
	rec, err := s.loop.Run(ctx, question)
	if rec != nil {
		s.mu.Lock()
		s.sessions[rec.SessionID] = rec
		s.mu.Unlock()
	}
	if err != nil {
		return rec, nil, err
	}

	var artifact *synth.Artifact
	if synthesize {
		artifact, err = s.generator.Generate(ctx, rec)
		if err != nil {
			s.logger.Warn("artifact generation failed",
				slog.String("session", rec.SessionID),
				slog.String("error", err.Error()))
			return rec, nil, err
		}
	}
	return rec, artifact, nil
}

// Session returns a finished session record by id.
func (s *Service) Session(id string) (*reason.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[id]
	return rec, ok
}

// Outline renders the indexed knowledge trees.
func (s *Service) Outline() (string, error) {
	records, err := s.index.AllNodes()
	if err != nil {
		return "", err
	}
	return knowledge.Outline(knowledge.BuildTree(records)), nil
}

// Books lists the indexed library.
func (s *Service) Books() ([]knowledge.BookRecord, error) {
	return s.index.ListBooks()
}

// Node returns one node record plus its source text.
func (s *Service) Node(id string) (*knowledge.NodeRecord, string, error) {
	n, err := s.index.GetNode(id)
	if err != nil {
		return nil, "", err
	}
	body, err := s.index.NodeBody(id)
	if err != nil {
		return nil, "", err
	}
	return n, body, nil
}

// Search delegates to the index.
func (s *Service) Search(query string, limit int) ([]knowledge.SearchResult, error) {
	return s.index.Search(query, limit)
}

// Artifacts lists stored artifacts.
func (s *Service) Artifacts() ([]*synth.Artifact, error) {
	return s.artifacts.List()
}

// Artifact returns one artifact by id.
func (s *Service) Artifact(id string) (*synth.Artifact, error) {
	return s.artifacts.Get(id)
}

// ConfirmArtifact approves a draft for execution.
func (s *Service) ConfirmArtifact(id string) (*synth.Artifact, error) {
	return s.gate.Confirm(id)
}

// RejectArtifact permanently rejects an artifact.
func (s *Service) RejectArtifact(id string) (*synth.Artifact, error) {
	return s.gate.Reject(id)
}

// ExecuteArtifact dispatches a confirmed artifact to a target.
func (s *Service) ExecuteArtifact(ctx context.Context, id, target string) (*execute.Result, error) {
	return s.dispatcher.Execute(ctx, id, target)
}
