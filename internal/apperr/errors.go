// Package apperr defines the error taxonomy shared across ansuz components.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")

	// ErrEmptyBook is returned when a book file contains no text.
	ErrEmptyBook = errors.New("book is empty")
	// ErrIngest wraps malformed input during book ingestion.
	ErrIngest = errors.New("ingest failed")

	// ErrNoValidNodes is returned when a classification round selects
	// zero node ids that exist in the knowledge tree.
	ErrNoValidNodes = errors.New("classification selected no valid nodes")
	// ErrNodeNotFound is the per-node retrieval failure. A single
	// occurrence is dropped and logged; only total failure escalates.
	ErrNodeNotFound = errors.New("node not found")

	// ErrNotConfirmed is returned when execution of an artifact is
	// requested before the user confirmed it.
	ErrNotConfirmed = errors.New("artifact not confirmed")
)

// ProviderKind classifies LLM backend failures. Transient kinds are
// retried by the gateway; permanent kinds propagate immediately.
type ProviderKind string

const (
	ProviderAuth           ProviderKind = "auth"
	ProviderRateLimit      ProviderKind = "rate_limit"
	ProviderTimeout        ProviderKind = "timeout"
	ProviderInvalidRequest ProviderKind = "invalid_request"
)

// ProviderError is a failed LLM backend call.
type ProviderError struct {
	Kind     ProviderKind
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Transient reports whether the gateway should retry the call.
func (e *ProviderError) Transient() bool {
	return e.Kind == ProviderRateLimit || e.Kind == ProviderTimeout
}

// ExecutionKind classifies dispatcher failures.
type ExecutionKind string

const (
	ExecutionTimeout     ExecutionKind = "timeout"
	ExecutionUnreachable ExecutionKind = "unreachable"
	ExecutionNonzeroExit ExecutionKind = "nonzero_exit"
)

// ExecutionError is a failed code execution. It is always surfaced
// verbatim and never retried automatically.
type ExecutionError struct {
	Kind   ExecutionKind
	Target string
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execute on %s: %s: %v", e.Target, e.Kind, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// CacheError is non-fatal: callers log it and bypass the cache.
type CacheError struct {
	Op  string
	Err error
}

func (e *CacheError) Error() string { return fmt.Sprintf("cache %s: %v", e.Op, e.Err) }

func (e *CacheError) Unwrap() error { return e.Err }
