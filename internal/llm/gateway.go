package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/cache"
)

// Route binds a purpose to a provider and its sampling parameters.
type Route struct {
	Provider    string
	Model       string
	Temperature float32
	MaxTokens   int
}

// Gateway routes purposes to providers, memoizes results, and retries
// transient failures with exponential backoff.
type Gateway struct {
	providers  map[string]Provider
	routes     map[Purpose]Route
	store      *cache.Store
	attempts   int
	backoff    time.Duration
	backoffMax time.Duration
	logger     *slog.Logger
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithCache attaches a response cache. Without one every call hits the
// provider.
func WithCache(store *cache.Store) GatewayOption {
	return func(g *Gateway) { g.store = store }
}

// WithRetry overrides the retry policy. attempts counts total tries.
func WithRetry(attempts int, base, max time.Duration) GatewayOption {
	return func(g *Gateway) {
		g.attempts = attempts
		g.backoff = base
		g.backoffMax = max
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) GatewayOption {
	return func(g *Gateway) { g.logger = logger }
}

// NewGateway builds a gateway over the given providers and routing
// table. Every route must name a registered provider.
func NewGateway(providers []Provider, routes map[Purpose]Route, opts ...GatewayOption) (*Gateway, error) {
	byName := make(map[string]Provider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	for purpose, r := range routes {
		if _, ok := byName[r.Provider]; !ok {
			return nil, fmt.Errorf("llm: route %q names unknown provider %q", purpose, r.Provider)
		}
	}

	g := &Gateway{
		providers:  byName,
		routes:     routes,
		attempts:   3,
		backoff:    time.Second,
		backoffMax: 8 * time.Second,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

type callOptions struct {
	bypassCache bool
}

// CallOption adjusts one Invoke.
type CallOption func(*callOptions)

// WithBypassCache forces a fresh provider call and overwrites the
// cached entry on success.
func WithBypassCache() CallOption {
	return func(o *callOptions) { o.bypassCache = true }
}

// Invoke runs one provider call for the given purpose. Identical calls
// return the memoized result without touching the provider.
func (g *Gateway) Invoke(ctx context.Context, purpose Purpose, messages []Message, opts ...CallOption) (*Result, error) {
	var co callOptions
	for _, opt := range opts {
		opt(&co)
	}

	route, ok := g.routes[purpose]
	if !ok {
		return nil, fmt.Errorf("llm: no route for purpose %q", purpose)
	}
	provider := g.providers[route.Provider]

	var fp string
	if g.store != nil {
		var err error
		fp, err = cache.Fingerprint(route.Provider, route.Model, messages, route.Temperature, route.MaxTokens)
		if err != nil {
			g.logger.Warn("cache fingerprint failed, bypassing cache", "error", err)
			fp = ""
		}
	}

	if fp != "" && !co.bypassCache {
		if text, ok := g.store.Get(fp); ok {
			return &Result{
				Provider: route.Provider,
				Model:    route.Model,
				Text:     text,
				Cached:   true,
			}, nil
		}
	}

	req := Request{
		Model:       route.Model,
		Messages:    messages,
		Temperature: route.Temperature,
		MaxTokens:   route.MaxTokens,
	}

	g.logger.Debug("provider call",
		"purpose", string(purpose),
		"provider", route.Provider,
		"model", route.Model,
		"messages", marshalForLog(messages))

	res, err := g.call(ctx, provider, req)
	if err != nil {
		return nil, err
	}

	if fp != "" {
		g.store.Put(fp, res.Text)
	}
	return res, nil
}

// call retries transient provider failures with exponential backoff.
// Auth and invalid-request errors fail immediately.
func (g *Gateway) call(ctx context.Context, provider Provider, req Request) (*Result, error) {
	delay := g.backoff
	var lastErr error

	for attempt := 1; attempt <= g.attempts; attempt++ {
		res, err := provider.Invoke(ctx, req)
		if err == nil {
			return res, nil
		}
		lastErr = err

		var perr *apperr.ProviderError
		if !errors.As(err, &perr) || !perr.Transient() {
			return nil, err
		}
		if attempt == g.attempts {
			break
		}

		g.logger.Warn("provider call failed, retrying",
			"provider", provider.Name(),
			"attempt", attempt,
			"delay", delay,
			"error", err)

		// Up to 25% jitter keeps concurrent retries from aligning.
		jittered := delay + rand.N(delay/4+1)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(jittered):
		}
		delay *= 2
		if delay > g.backoffMax {
			delay = g.backoffMax
		}
	}
	return nil, lastErr
}

// InvokeJSON invokes and decodes the response into v using the lenient
// JSON extractor. A response that cannot be parsed is a provider
// invalid-request error so callers can tell it from transport failures.
func (g *Gateway) InvokeJSON(ctx context.Context, purpose Purpose, messages []Message, v any, opts ...CallOption) (*Result, error) {
	res, err := g.Invoke(ctx, purpose, messages, opts...)
	if err != nil {
		return nil, err
	}
	if err := ExtractJSON(res.Text, v); err != nil {
		return res, &apperr.ProviderError{
			Kind:     apperr.ProviderInvalidRequest,
			Provider: res.Provider,
			Err:      err,
		}
	}
	return res, nil
}

// Fingerprints exposes the cache key for a purpose and message set so
// rebuild paths can purge stale entries.
func (g *Gateway) Fingerprint(purpose Purpose, messages []Message) (string, error) {
	route, ok := g.routes[purpose]
	if !ok {
		return "", fmt.Errorf("llm: no route for purpose %q", purpose)
	}
	return cache.Fingerprint(route.Provider, route.Model, messages, route.Temperature, route.MaxTokens)
}

// Purge drops the given fingerprints from the response cache. A
// gateway without a cache treats this as a no-op.
func (g *Gateway) Purge(fingerprints []string) error {
	if g.store == nil || len(fingerprints) == 0 {
		return nil
	}
	return g.store.Purge(fingerprints)
}

// marshalForLog truncates long message content for debug logs.
func marshalForLog(messages []Message) string {
	b, err := json.Marshal(messages)
	if err != nil {
		return ""
	}
	const limit = 512
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
