// Package synth turns finished reasoning sessions into runnable code
// artifacts and tracks their confirmation lifecycle.
package synth

import (
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/storage"
)

// Status is the lifecycle state of an artifact. Every artifact starts
// as a draft; only a confirmed artifact may be dispatched.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusConfirmed Status = "confirmed"
	StatusExecuted  Status = "executed"
	StatusRejected  Status = "rejected"
)

// legalTransitions lists the allowed status moves.
var legalTransitions = map[Status][]Status{
	StatusDraft:     {StatusConfirmed, StatusRejected},
	StatusConfirmed: {StatusExecuted, StatusRejected},
}

func canTransition(from, to Status) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// File is one source file of an artifact. Path is relative to the
// artifact workspace.
type File struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Artifact is a generated program plus the trace of where it came from.
type Artifact struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Query      string    `json:"query"`
	Status     Status    `json:"status"`
	Derivation string    `json:"derivation"`
	Entrypoint string    `json:"entrypoint"`
	Files      []File    `json:"files"`
	NodeIDs    []string  `json:"node_ids,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Store persists artifacts under a workspace directory: one directory
// per artifact holding artifact.json plus the source files under src/.
type Store struct {
	fs storage.Provider
}

// NewStore wires artifact persistence over a storage provider rooted at
// the artifact workspace.
func NewStore(fs storage.Provider) *Store {
	return &Store{fs: fs}
}

func metaPath(id string) string { return path.Join(id, "artifact.json") }

// Save writes the artifact metadata and all source files. Source paths
// go through the provider's traversal guard, so a generated path like
// "../escape.py" fails the save.
func (s *Store) Save(a *Artifact) error {
	for _, f := range a.Files {
		clean := path.Clean(f.Path)
		if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
			return fmt.Errorf("synth: file path %q escapes the artifact workspace", f.Path)
		}
		if err := s.fs.Write(path.Join(a.ID, "src", clean), []byte(f.Content)); err != nil {
			return fmt.Errorf("synth: write %s: %w", f.Path, err)
		}
	}
	meta, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("synth: marshal artifact: %w", err)
	}
	if err := s.fs.Write(metaPath(a.ID), meta); err != nil {
		return fmt.Errorf("synth: write metadata: %w", err)
	}
	return nil
}

// Create persists a new artifact. A colliding id is rejected rather
// than overwritten.
func (s *Store) Create(a *Artifact) error {
	if _, err := s.Get(a.ID); err == nil {
		return fmt.Errorf("artifact %s: %w", a.ID, apperr.ErrAlreadyExists)
	}
	return s.Save(a)
}

// Get loads one artifact by id.
func (s *Store) Get(id string) (*Artifact, error) {
	data, err := s.fs.Read(metaPath(id))
	if err != nil {
		return nil, fmt.Errorf("artifact %s: %w", id, apperr.ErrNotFound)
	}
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("synth: decode artifact %s: %w", id, err)
	}
	return &a, nil
}

// List returns every stored artifact, newest first.
func (s *Store) List() ([]*Artifact, error) {
	metas, err := s.fs.List("", ".json")
	if err != nil {
		return nil, err
	}
	var out []*Artifact
	for _, m := range metas {
		if path.Base(m.Path) != "artifact.json" {
			continue
		}
		data, err := s.fs.Read(m.Path)
		if err != nil {
			continue
		}
		var a Artifact
		if err := json.Unmarshal(data, &a); err != nil {
			continue
		}
		out = append(out, &a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// SetStatus moves an artifact through its lifecycle. Illegal moves
// (e.g. executing a draft, confirming a rejected artifact) fail with
// ErrNotConfirmed or a transition error.
func (s *Store) SetStatus(id string, to Status) (*Artifact, error) {
	a, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if !canTransition(a.Status, to) {
		if to == StatusExecuted {
			return nil, fmt.Errorf("artifact %s is %s: %w", id, a.Status, apperr.ErrNotConfirmed)
		}
		return nil, fmt.Errorf("synth: artifact %s: illegal transition %s -> %s", id, a.Status, to)
	}
	a.Status = to
	a.UpdatedAt = time.Now()
	if err := s.Save(a); err != nil {
		return nil, err
	}
	return a, nil
}

// WorkspaceDir returns the absolute directory holding the artifact's
// source files, for local execution.
func (s *Store) WorkspaceDir(id string) (string, error) {
	return s.fs.Abs(path.Join(id, "src"))
}

// NewArtifactID derives a readable id from the session and time.
func NewArtifactID(sessionID string) string {
	ts := time.Now().UTC().Format("20060102-150405")
	short := sessionID
	if len(short) > 8 {
		short = short[:8]
	}
	return strings.ToLower(ts + "-" + short)
}
