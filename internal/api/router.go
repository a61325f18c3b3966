package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(svc *Service, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	h := NewHandler(svc)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	// Reasoning sessions.
	r.Post("/questions", h.Ask)
	r.Get("/sessions/{id}", h.GetSession)

	// Knowledge tree.
	r.Get("/outline", h.Outline)
	r.Get("/books", h.Books)
	r.Get("/nodes/*", h.GetNode)
	r.Get("/search", h.Search)

	// Artifact lifecycle.
	r.Get("/artifacts", h.ListArtifacts)
	r.Get("/artifacts/{id}", h.GetArtifact)
	r.Post("/artifacts/{id}/confirm", h.ConfirmArtifact)
	r.Post("/artifacts/{id}/reject", h.RejectArtifact)
	r.Post("/artifacts/{id}/execute", h.ExecuteArtifact)

	// SSE endpoint (protected by same auth middleware).
	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
