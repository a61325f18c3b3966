package execute

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/storage"
	"github.com/starford/ansuz/internal/synth"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testStore(t *testing.T) *synth.Store {
	t.Helper()
	fs, err := storage.NewFS(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return synth.NewStore(fs)
}

func saveArtifact(t *testing.T, s *synth.Store, files []synth.File, entrypoint string) *synth.Artifact {
	t.Helper()
	now := time.Now()
	a := &synth.Artifact{
		ID:         "20260101-000000-test",
		SessionID:  "abc",
		Status:     synth.StatusDraft,
		Entrypoint: entrypoint,
		Files:      files,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.Save(a); err != nil {
		t.Fatal(err)
	}
	return a
}

func shArtifact(t *testing.T, s *synth.Store, script string) *synth.Artifact {
	t.Helper()
	return saveArtifact(t, s, []synth.File{{Path: "main.sh", Content: script}}, "main.sh")
}

// stubExecutor lets dispatcher tests control the outcome.
type stubExecutor struct {
	name string
	res  *Result
	err  error
}

func (e *stubExecutor) Name() string { return e.name }
func (e *stubExecutor) Run(context.Context, *synth.Artifact) (*Result, error) {
	return e.res, e.err
}

func TestDispatcher_RefusesDraft(t *testing.T) {
	s := testStore(t)
	a := shArtifact(t, s, "echo hi\n")
	d := NewDispatcher(s, []Executor{&stubExecutor{name: "local", res: &Result{OK: true}}}, discardLogger())

	res, err := d.Execute(context.Background(), a.ID, "local")
	if !errors.Is(err, apperr.ErrNotConfirmed) {
		t.Fatalf("err = %v, want ErrNotConfirmed", err)
	}
	if res != nil {
		t.Error("draft dispatch produced a result")
	}

	got, err := s.Get(a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != synth.StatusDraft {
		t.Errorf("status = %s after refused dispatch", got.Status)
	}
}

func TestDispatcher_ConfirmedRunsAndMarksExecuted(t *testing.T) {
	s := testStore(t)
	a := shArtifact(t, s, "echo hi\n")
	gate := NewGate(s, discardLogger())
	if _, err := gate.Confirm(a.ID); err != nil {
		t.Fatal(err)
	}

	d := NewDispatcher(s, []Executor{&stubExecutor{name: "local", res: &Result{OK: true, Stdout: "hi\n"}}}, discardLogger())
	res, err := d.Execute(context.Background(), a.ID, "local")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.OK || res.Stdout != "hi\n" {
		t.Errorf("result = %+v", res)
	}

	got, _ := s.Get(a.ID)
	if got.Status != synth.StatusExecuted {
		t.Errorf("status = %s, want executed", got.Status)
	}
}

func TestDispatcher_UnreachableLeavesConfirmed(t *testing.T) {
	s := testStore(t)
	a := shArtifact(t, s, "echo hi\n")
	if _, err := NewGate(s, discardLogger()).Confirm(a.ID); err != nil {
		t.Fatal(err)
	}

	unreachable := &apperr.ExecutionError{Kind: apperr.ExecutionUnreachable, Target: "remote-http", Err: errors.New("connection refused")}
	d := NewDispatcher(s, []Executor{&stubExecutor{name: "remote-http", err: unreachable}}, discardLogger())

	if _, err := d.Execute(context.Background(), a.ID, "remote-http"); err == nil {
		t.Fatal("unreachable target reported success")
	}

	got, _ := s.Get(a.ID)
	if got.Status != synth.StatusConfirmed {
		t.Errorf("status = %s, want confirmed (retryable)", got.Status)
	}
}

func TestDispatcher_UnknownTarget(t *testing.T) {
	s := testStore(t)
	a := shArtifact(t, s, "echo hi\n")
	if _, err := NewGate(s, discardLogger()).Confirm(a.ID); err != nil {
		t.Fatal(err)
	}
	d := NewDispatcher(s, nil, discardLogger())
	if _, err := d.Execute(context.Background(), a.ID, "nope"); err == nil {
		t.Fatal("unknown target accepted")
	}
}

func TestGate_RejectedCannotBeConfirmed(t *testing.T) {
	s := testStore(t)
	a := shArtifact(t, s, "echo hi\n")
	gate := NewGate(s, discardLogger())

	if _, err := gate.Reject(a.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := gate.Confirm(a.ID); err == nil {
		t.Fatal("rejected artifact confirmed")
	}
}

func TestLocalExecutor_CapturesOutputAndExitCode(t *testing.T) {
	s := testStore(t)
	e := NewLocalExecutor(s, []string{"sh"}, 10*time.Second)

	a := shArtifact(t, s, "echo out\necho err >&2\n")
	res, err := e.Run(context.Background(), a)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.OK || res.Stdout != "out\n" || res.Stderr != "err\n" {
		t.Errorf("result = %+v", res)
	}
}

func TestLocalExecutor_NonzeroExit(t *testing.T) {
	s := testStore(t)
	e := NewLocalExecutor(s, []string{"sh"}, 10*time.Second)

	a := shArtifact(t, s, "exit 3\n")
	res, err := e.Run(context.Background(), a)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.OK || res.ReturnCode != 3 {
		t.Errorf("result = %+v", res)
	}
}

func TestLocalExecutor_TimeoutReports124(t *testing.T) {
	s := testStore(t)
	e := NewLocalExecutor(s, []string{"sh"}, 100*time.Millisecond)

	a := shArtifact(t, s, "echo partial\nsleep 5\n")
	res, err := e.Run(context.Background(), a)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.OK || res.ReturnCode != ReturnCodeTimeout {
		t.Errorf("result = %+v", res)
	}
	if res.Stdout != "partial\n" {
		t.Errorf("partial output lost: %q", res.Stdout)
	}
}

// A completed run maps onto the execution error taxonomy through Err;
// successful runs map to nil.
func TestResult_Err(t *testing.T) {
	if err := (&Result{OK: true, Target: "local"}).Err(); err != nil {
		t.Fatalf("successful run mapped to error: %v", err)
	}

	var execErr *apperr.ExecutionError
	nonzero := &Result{ReturnCode: 3, Target: "local"}
	if err := nonzero.Err(); !errors.As(err, &execErr) || execErr.Kind != apperr.ExecutionNonzeroExit {
		t.Fatalf("nonzero exit err = %v", err)
	}

	timedOut := &Result{ReturnCode: ReturnCodeTimeout, Target: "remote-ssh"}
	if err := timedOut.Err(); !errors.As(err, &execErr) || execErr.Kind != apperr.ExecutionTimeout {
		t.Fatalf("timeout err = %v", err)
	}
}
