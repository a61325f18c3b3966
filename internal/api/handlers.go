package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/synth"
)

// Handler holds API route handlers.
type Handler struct {
	svc *Service
}

// NewHandler creates a new Handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Ask handles POST /api/questions: runs a full reasoning session.
func (h *Handler) Ask(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req AskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid json"))
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("question is required"))
		return
	}

	rec, artifact, err := h.svc.Ask(r.Context(), req.Question, req.Synthesize)
	if err != nil {
		if errors.Is(err, apperr.ErrNoValidNodes) {
			// The trace is still useful to the caller.
			writeJSON(w, http.StatusUnprocessableEntity, AskResponse{Session: rec})
			return
		}
		slog.Error("ask failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, AskResponse{Session: rec, Artifact: artifact})
}

// GetSession handles GET /api/sessions/{id}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, ok := h.svc.Session(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody("not found"))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Outline handles GET /api/outline.
func (h *Handler) Outline(w http.ResponseWriter, r *http.Request) {
	outline, err := h.svc.Outline()
	if err != nil {
		slog.Error("outline failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, OutlineResponse{Outline: outline})
}

// Books handles GET /api/books.
func (h *Handler) Books(w http.ResponseWriter, r *http.Request) {
	books, err := h.svc.Books()
	if err != nil {
		slog.Error("list books failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"books": books})
}

// GetNode handles GET /api/nodes/*; node ids contain slashes.
func (h *Handler) GetNode(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("node id is required"))
		return
	}
	node, body, err := h.svc.Node(id)
	if err != nil {
		if errors.Is(err, apperr.ErrNodeNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("not found"))
		} else {
			slog.Error("get node failed", slog.String("node", id), slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		}
		return
	}
	writeJSON(w, http.StatusOK, NodeResponse{Node: node, Body: body})
}

// Search handles GET /api/search.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("q is required"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	hits, err := h.svc.Search(q, limit)
	if err != nil {
		slog.Error("search failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	results := make([]SearchResult, len(hits))
	for i, hit := range hits {
		results[i] = SearchResult{NodeID: hit.NodeID, Title: hit.Title, Snippet: hit.Snippet}
	}
	writeJSON(w, http.StatusOK, SearchResponse{Results: results})
}

// ListArtifacts handles GET /api/artifacts.
func (h *Handler) ListArtifacts(w http.ResponseWriter, r *http.Request) {
	artifacts, err := h.svc.Artifacts()
	if err != nil {
		slog.Error("list artifacts failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"artifacts": artifacts})
}

// GetArtifact handles GET /api/artifacts/{id}.
func (h *Handler) GetArtifact(w http.ResponseWriter, r *http.Request) {
	a, err := h.svc.Artifact(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorBody("not found"))
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// ConfirmArtifact handles POST /api/artifacts/{id}/confirm.
func (h *Handler) ConfirmArtifact(w http.ResponseWriter, r *http.Request) {
	h.transition(w, chi.URLParam(r, "id"), h.svc.ConfirmArtifact)
}

// RejectArtifact handles POST /api/artifacts/{id}/reject.
func (h *Handler) RejectArtifact(w http.ResponseWriter, r *http.Request) {
	h.transition(w, chi.URLParam(r, "id"), h.svc.RejectArtifact)
}

func (h *Handler) transition(w http.ResponseWriter, id string, fn func(string) (*synth.Artifact, error)) {
	a, err := fn(id)
	if err != nil {
		switch {
		case errors.Is(err, apperr.ErrNotFound):
			writeJSON(w, http.StatusNotFound, errorBody("not found"))
		default:
			writeJSON(w, http.StatusConflict, errorBody(err.Error()))
		}
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// ExecuteArtifact handles POST /api/artifacts/{id}/execute.
func (h *Handler) ExecuteArtifact(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid json"))
		return
	}
	if req.Target == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("target is required"))
		return
	}

	res, err := h.svc.ExecuteArtifact(r.Context(), id, req.Target)
	if err != nil {
		switch {
		case errors.Is(err, apperr.ErrNotFound):
			writeJSON(w, http.StatusNotFound, errorBody("not found"))
		case errors.Is(err, apperr.ErrNotConfirmed):
			writeJSON(w, http.StatusConflict, errorBody("artifact is not confirmed"))
		default:
			slog.Error("execute failed", slog.String("artifact", id), slog.String("error", err.Error()))
			writeJSON(w, http.StatusBadGateway, errorBody(err.Error()))
		}
		return
	}
	writeJSON(w, http.StatusOK, ExecuteResponse{Artifact: id, Result: res})
}
