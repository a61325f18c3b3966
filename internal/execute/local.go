package execute

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/synth"
)

// LocalExecutor runs artifacts as subprocesses on this machine.
type LocalExecutor struct {
	store *synth.Store
	// Interpreter invokes the entrypoint, e.g. ["python3"].
	interpreter []string
	timeout     time.Duration
}

var _ Executor = (*LocalExecutor)(nil)

// NewLocalExecutor wires a local executor. interpreter defaults to
// python3; timeout defaults to 60s.
func NewLocalExecutor(store *synth.Store, interpreter []string, timeout time.Duration) *LocalExecutor {
	if len(interpreter) == 0 {
		interpreter = []string{"python3"}
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &LocalExecutor{store: store, interpreter: interpreter, timeout: timeout}
}

func (e *LocalExecutor) Name() string { return "local" }

// Run executes the artifact entrypoint in its workspace directory. A
// deadline kill reports return code 124 with the partial output.
func (e *LocalExecutor) Run(ctx context.Context, artifact *synth.Artifact) (*Result, error) {
	dir, err := e.store.WorkspaceDir(artifact.ID)
	if err != nil {
		return nil, &apperr.ExecutionError{Kind: apperr.ExecutionUnreachable, Target: "local", Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	args := append(e.interpreter[1:], artifact.Entrypoint)
	cmd := exec.CommandContext(ctx, e.interpreter[0], args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Target:   "local",
		Duration: time.Since(start),
	}

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.ReturnCode = ReturnCodeTimeout
		res.Stderr = res.Stderr + fmt.Sprintf("\n(killed after %s)", e.timeout)
		return res, nil
	case runErr == nil:
		res.OK = true
		return res, nil
	default:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			res.ReturnCode = exitErr.ExitCode()
			return res, nil
		}
		// The process never started (missing interpreter, bad dir).
		return nil, &apperr.ExecutionError{Kind: apperr.ExecutionUnreachable, Target: "local", Err: runErr}
	}
}
