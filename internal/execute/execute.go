// Package execute dispatches confirmed code artifacts to an execution
// target and reports the outcome. Nothing in this package runs a draft:
// the confirmation gate is checked before any executor is invoked.
package execute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/synth"
)

// Result is the outcome of one execution. A completed run with a
// nonzero exit or a timeout is still a Result; errors are reserved for
// runs that never happened (unreachable target, setup failure).
type Result struct {
	OK         bool          `json:"ok"`
	Stdout     string        `json:"stdout"`
	Stderr     string        `json:"stderr"`
	ReturnCode int           `json:"return_code"`
	Target     string        `json:"target"`
	Duration   time.Duration `json:"duration"`
}

// ReturnCodeTimeout is reported when a run is killed at its deadline,
// with whatever partial output was captured.
const ReturnCodeTimeout = 124

// Err maps a completed-but-failed run onto the error taxonomy, for
// callers that need an error value (CLI exit paths, alerting). The
// dispatcher itself treats any completed run as a plain Result.
func (r *Result) Err() error {
	switch {
	case r.OK:
		return nil
	case r.ReturnCode == ReturnCodeTimeout:
		return &apperr.ExecutionError{
			Kind:   apperr.ExecutionTimeout,
			Target: r.Target,
			Err:    errors.New("killed at deadline"),
		}
	default:
		return &apperr.ExecutionError{
			Kind:   apperr.ExecutionNonzeroExit,
			Target: r.Target,
			Err:    fmt.Errorf("exit status %d", r.ReturnCode),
		}
	}
}

// Executor runs an artifact on one kind of target.
type Executor interface {
	Name() string
	Run(ctx context.Context, artifact *synth.Artifact) (*Result, error)
}
