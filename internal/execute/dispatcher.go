package execute

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/synth"
)

// Gate is the human-confirmation step between a drafted artifact and
// anything that runs it.
type Gate struct {
	store  *synth.Store
	logger *slog.Logger
}

// NewGate wires a gate over the artifact store.
func NewGate(store *synth.Store, logger *slog.Logger) *Gate {
	return &Gate{store: store, logger: logger}
}

// Confirm marks a draft artifact as approved for execution.
func (g *Gate) Confirm(id string) (*synth.Artifact, error) {
	a, err := g.store.SetStatus(id, synth.StatusConfirmed)
	if err != nil {
		return nil, err
	}
	g.logger.Info("artifact confirmed", slog.String("artifact", id))
	return a, nil
}

// Reject marks an artifact as rejected; rejection is terminal.
func (g *Gate) Reject(id string) (*synth.Artifact, error) {
	a, err := g.store.SetStatus(id, synth.StatusRejected)
	if err != nil {
		return nil, err
	}
	g.logger.Info("artifact rejected", slog.String("artifact", id))
	return a, nil
}

// Dispatcher routes confirmed artifacts to a named execution target.
type Dispatcher struct {
	store     *synth.Store
	executors map[string]Executor
	logger    *slog.Logger
}

// NewDispatcher wires a dispatcher over the given executors.
func NewDispatcher(store *synth.Store, executors []Executor, logger *slog.Logger) *Dispatcher {
	byName := make(map[string]Executor, len(executors))
	for _, e := range executors {
		byName[e.Name()] = e
	}
	return &Dispatcher{store: store, executors: byName, logger: logger}
}

// Targets returns the configured executor names.
func (d *Dispatcher) Targets() []string {
	out := make([]string, 0, len(d.executors))
	for name := range d.executors {
		out = append(out, name)
	}
	return out
}

// Execute runs a confirmed artifact on the named target. A draft or
// rejected artifact fails with ErrNotConfirmed before any executor is
// touched. A dispatch failure (target unreachable) leaves the artifact
// confirmed so the operator can retry; a completed run, successful or
// not, marks it executed.
func (d *Dispatcher) Execute(ctx context.Context, artifactID, target string) (*Result, error) {
	artifact, err := d.store.Get(artifactID)
	if err != nil {
		return nil, err
	}
	if artifact.Status != synth.StatusConfirmed {
		return nil, fmt.Errorf("artifact %s is %s: %w", artifactID, artifact.Status, apperr.ErrNotConfirmed)
	}

	executor, ok := d.executors[target]
	if !ok {
		return nil, fmt.Errorf("execute: unknown target %q (have %v)", target, d.Targets())
	}

	d.logger.Info("dispatching artifact",
		slog.String("artifact", artifactID),
		slog.String("target", target))

	res, err := executor.Run(ctx, artifact)
	if err != nil {
		d.logger.Warn("dispatch failed",
			slog.String("artifact", artifactID),
			slog.String("target", target),
			slog.String("error", err.Error()))
		return nil, err
	}

	if _, err := d.store.SetStatus(artifactID, synth.StatusExecuted); err != nil {
		return res, err
	}
	d.logger.Info("artifact executed",
		slog.String("artifact", artifactID),
		slog.Bool("ok", res.OK),
		slog.Int("return_code", res.ReturnCode))
	return res, nil
}
