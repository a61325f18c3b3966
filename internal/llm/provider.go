package llm

import "context"

// Provider is a single LLM backend. Implementations map their transport
// errors onto apperr.ProviderError so the gateway can decide retryability
// without knowing the backend.
type Provider interface {
	// Name returns the configured provider id (used in fingerprints).
	Name() string
	// Invoke performs one blocking chat call.
	Invoke(ctx context.Context, req Request) (*Result, error)
}
