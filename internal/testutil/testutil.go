// Package testutil provides shared test helpers for setting up
// libraries, databases, and scripted providers.
package testutil

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/starford/ansuz/internal/knowledge"
	"github.com/starford/ansuz/internal/llm"
	"github.com/starford/ansuz/internal/storage"
)

// TestDB creates a temporary knowledge database that is automatically
// cleaned up.
func TestDB(t *testing.T) *knowledge.DB {
	t.Helper()
	dbFile, err := os.CreateTemp("", "ansuz-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })

	db, err := knowledge.Open(dbFile.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// TestLibrary creates a temporary library directory with a
// storage.Provider over it.
func TestLibrary(t *testing.T) (string, storage.Provider) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewFS(dir)
	if err != nil {
		t.Fatal(err)
	}
	return dir, store
}

// ScriptedProvider is an llm.Provider whose responses are chosen by a
// script function. Safe for concurrent use.
type ScriptedProvider struct {
	ProviderName string
	// Script maps a request to a response body. The full request is
	// passed so scripts can branch on prompt content.
	Script func(req llm.Request) (string, error)

	mu    sync.Mutex
	calls []llm.Request
}

// Name implements llm.Provider.
func (p *ScriptedProvider) Name() string {
	if p.ProviderName == "" {
		return "scripted"
	}
	return p.ProviderName
}

// Invoke implements llm.Provider.
func (p *ScriptedProvider) Invoke(_ context.Context, req llm.Request) (*llm.Result, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	p.mu.Unlock()

	text, err := p.Script(req)
	if err != nil {
		return nil, err
	}
	return &llm.Result{Provider: p.Name(), Model: req.Model, Text: text}, nil
}

// Calls returns a copy of every request seen so far.
func (p *ScriptedProvider) Calls() []llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]llm.Request, len(p.calls))
	copy(out, p.calls)
	return out
}

// CallCount returns the number of Invoke calls.
func (p *ScriptedProvider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// TestGateway builds a gateway that routes every purpose to the given
// scripted provider.
func TestGateway(t *testing.T, p *ScriptedProvider, opts ...llm.GatewayOption) *llm.Gateway {
	t.Helper()
	routes := map[llm.Purpose]llm.Route{
		llm.PurposeSummarize: {Provider: p.Name(), Model: "test-model"},
		llm.PurposeClassify:  {Provider: p.Name(), Model: "test-model"},
		llm.PurposeExtract:   {Provider: p.Name(), Model: "test-model"},
		llm.PurposeEvaluate:  {Provider: p.Name(), Model: "test-model"},
		llm.PurposeCode:      {Provider: p.Name(), Model: "test-model"},
	}
	g, err := llm.NewGateway([]llm.Provider{p}, routes, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return g
}

// UserPrompt returns the content of the last user message in a request,
// or empty string.
func UserPrompt(req llm.Request) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			return req.Messages[i].Content
		}
	}
	return ""
}
