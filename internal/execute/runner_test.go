package execute

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/synth"
)

func startRunner(t *testing.T, token string) *httptest.Server {
	t.Helper()
	rn := NewRunner(token, []string{"sh"}, time.Minute, discardLogger())
	srv := httptest.NewServer(rn.Router())
	t.Cleanup(srv.Close)
	return srv
}

func TestRunnerAndHTTPExecutor_RoundTrip(t *testing.T) {
	srv := startRunner(t, "secret")
	e := NewHTTPExecutor(srv.URL+"/api/run", "secret", 30*time.Second)

	a := &synth.Artifact{
		ID:         "rt-test",
		Status:     synth.StatusConfirmed,
		Entrypoint: "main.sh",
		Files:      []synth.File{{Path: "main.sh", Content: "echo remote\n"}},
	}
	res, err := e.Run(context.Background(), a)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.OK || res.Stdout != "remote\n" {
		t.Errorf("result = %+v", res)
	}
	if res.Target != "remote-http" {
		t.Errorf("target = %s", res.Target)
	}
}

func TestRunner_RejectsBadToken(t *testing.T) {
	srv := startRunner(t, "secret")
	e := NewHTTPExecutor(srv.URL+"/api/run", "wrong", 30*time.Second)

	a := &synth.Artifact{
		ID:         "auth-test",
		Entrypoint: "main.sh",
		Files:      []synth.File{{Path: "main.sh", Content: "echo hi\n"}},
	}
	_, err := e.Run(context.Background(), a)
	var execErr *apperr.ExecutionError
	if !errors.As(err, &execErr) || execErr.Kind != apperr.ExecutionUnreachable {
		t.Fatalf("err = %v, want unreachable execution error", err)
	}
}

func TestRunner_NonzeroExitIsAResult(t *testing.T) {
	srv := startRunner(t, "")
	e := NewHTTPExecutor(srv.URL+"/api/run", "", 30*time.Second)

	a := &synth.Artifact{
		ID:         "exit-test",
		Entrypoint: "main.sh",
		Files:      []synth.File{{Path: "main.sh", Content: "echo oops >&2\nexit 2\n"}},
	}
	res, err := e.Run(context.Background(), a)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.OK || res.ReturnCode != 2 || res.Stderr != "oops\n" {
		t.Errorf("result = %+v", res)
	}
}

func TestRunner_RejectsZipSlip(t *testing.T) {
	srv := startRunner(t, "")

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("../evil.sh")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("echo evil\n")); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}

	body, _ := json.Marshal(runRequest{
		Entrypoint: "../evil.sh",
		ZipB64:     base64.StdEncoding.EncodeToString(buf.Bytes()),
		TimeoutS:   5,
	})
	resp, err := http.Post(srv.URL+"/api/run", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestRunner_MissingFieldsRejected(t *testing.T) {
	srv := startRunner(t, "")
	resp, err := http.Post(srv.URL+"/api/run", "application/json", bytes.NewReader([]byte(`{}`)))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}
