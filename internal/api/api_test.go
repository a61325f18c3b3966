package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/starford/ansuz/internal/execute"
	"github.com/starford/ansuz/internal/knowledge"
	"github.com/starford/ansuz/internal/llm"
	"github.com/starford/ansuz/internal/reason"
	"github.com/starford/ansuz/internal/storage"
	"github.com/starford/ansuz/internal/synth"
	"github.com/starford/ansuz/internal/testutil"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// okExecutor always succeeds, standing in for a real target.
type okExecutor struct{}

func (okExecutor) Name() string { return "local" }
func (okExecutor) Run(context.Context, *synth.Artifact) (*execute.Result, error) {
	return &execute.Result{OK: true, Stdout: "42\n", Target: "local"}, nil
}

func seedNodes(t *testing.T, db *knowledge.DB) {
	t.Helper()
	records := []knowledge.NodeRecord{
		{BookID: "polymer", NodeID: "polymer/ch1", Level: 1, Title: "Chapter 1 Flexible Chains", Summary: "Ideal chain statistics.", StartChar: 0},
		{BookID: "polymer", NodeID: "polymer/ch3", Level: 1, Title: "Chapter 3 Entanglement", Summary: "Reptation dynamics.", StartChar: 100},
		{BookID: "polymer", NodeID: "polymer/ch3/3.2", ParentID: "polymer/ch3", Level: 2, Title: "3.2 Reptation", Summary: "Tube model.", StartChar: 120},
	}
	for i, n := range records {
		n.UpdatedAt = time.Now()
		if err := db.UpsertNode(n, fmt.Sprintf("text of %s", records[i].NodeID)); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.UpsertBook(knowledge.BookRecord{ID: "polymer", Title: "Polymer Physics", Path: "polymer.md", Checksum: "cs", UpdatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
}

func answeringScript(req llm.Request) (string, error) {
	sys := req.Messages[0].Content
	switch {
	case strings.Contains(sys, "decide which sections"):
		return `{"can_solve": true, "confidence": 0.9, "nodes": ["polymer/ch3"], "reasoning": ""}`, nil
	case strings.Contains(sys, "extract the passages"):
		return `{"evidence": "tau ~ N^3", "relevant": true}`, nil
	case strings.Contains(sys, "judge whether"):
		return `{"sufficient": true, "confidence": 0.9, "conclusion": "Scales as N cubed."}`, nil
	default:
		return `{"derivation": "d", "entrypoint": "main.py", "files": [{"path": "main.py", "content": "print(100**3)\n"}]}`, nil
	}
}

func testServer(t *testing.T, authEnabled bool, token string) *httptest.Server {
	t.Helper()
	db := testutil.TestDB(t)
	seedNodes(t, db)

	p := &testutil.ScriptedProvider{Script: answeringScript}
	gw := testutil.TestGateway(t, p, llm.WithLogger(discardLogger()))

	fs, err := storage.NewFS(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	artifacts := synth.NewStore(fs)

	svc := NewService(
		db,
		reason.New(gw, db, reason.Options{MaxDepth: 3}, discardLogger(), nil),
		synth.NewGenerator(gw, artifacts, discardLogger()),
		artifacts,
		execute.NewGate(artifacts, discardLogger()),
		execute.NewDispatcher(artifacts, []execute.Executor{okExecutor{}}, discardLogger()),
		discardLogger(),
	)

	srv := httptest.NewServer(NewRouter(svc, authEnabled, token, nil))
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatal(err)
	}
	return v
}

func TestAsk_ReturnsSessionRecord(t *testing.T) {
	srv := testServer(t, false, "")

	resp := postJSON(t, srv.URL+"/questions", AskRequest{Question: "How does relaxation time scale?"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	out := decode[AskResponse](t, resp)
	if out.Session == nil || out.Session.Termination != reason.TerminationSufficient {
		t.Fatalf("session = %+v", out.Session)
	}
	if out.Artifact != nil {
		t.Error("artifact drafted without synthesize")
	}

	// The finished session is retrievable.
	resp2, err := http.Get(srv.URL + "/sessions/" + out.Session.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if resp2.StatusCode != http.StatusOK {
		t.Errorf("get session status = %d", resp2.StatusCode)
	}
	resp2.Body.Close()
}

func TestAsk_EmptyQuestionRejected(t *testing.T) {
	srv := testServer(t, false, "")
	resp := postJSON(t, srv.URL+"/questions", AskRequest{Question: "  "})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestGetSession_NotFound(t *testing.T) {
	srv := testServer(t, false, "")
	resp, err := http.Get(srv.URL + "/sessions/nope")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestAuth_RejectsMissingToken(t *testing.T) {
	srv := testServer(t, true, "secret")

	resp, err := http.Get(srv.URL + "/outline")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/outline", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("authorized status = %d, want 200", resp2.StatusCode)
	}
}

func TestOutlineAndNodes(t *testing.T) {
	srv := testServer(t, false, "")

	resp, err := http.Get(srv.URL + "/outline")
	if err != nil {
		t.Fatal(err)
	}
	out := decode[OutlineResponse](t, resp)
	if !strings.Contains(out.Outline, "[polymer/ch3/3.2]") {
		t.Errorf("outline missing node: %q", out.Outline)
	}

	resp2, err := http.Get(srv.URL + "/nodes/polymer/ch3/3.2")
	if err != nil {
		t.Fatal(err)
	}
	node := decode[NodeResponse](t, resp2)
	if node.Body != "text of polymer/ch3/3.2" {
		t.Errorf("body = %q", node.Body)
	}

	resp3, err := http.Get(srv.URL + "/nodes/polymer/ch99")
	if err != nil {
		t.Fatal(err)
	}
	resp3.Body.Close()
	if resp3.StatusCode != http.StatusNotFound {
		t.Errorf("unknown node status = %d, want 404", resp3.StatusCode)
	}
}

func TestSearch(t *testing.T) {
	srv := testServer(t, false, "")

	resp, err := http.Get(srv.URL + "/search?q=Reptation")
	if err != nil {
		t.Fatal(err)
	}
	out := decode[SearchResponse](t, resp)
	if len(out.Results) == 0 {
		t.Fatal("no search hits")
	}

	resp2, err := http.Get(srv.URL + "/search")
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusBadRequest {
		t.Errorf("missing q status = %d, want 400", resp2.StatusCode)
	}
}

func TestArtifactLifecycleOverHTTP(t *testing.T) {
	srv := testServer(t, false, "")

	resp := postJSON(t, srv.URL+"/questions", AskRequest{Question: "Compute it", Synthesize: true})
	out := decode[AskResponse](t, resp)
	if out.Artifact == nil || out.Artifact.Status != synth.StatusDraft {
		t.Fatalf("artifact = %+v", out.Artifact)
	}
	id := out.Artifact.ID

	// Executing a draft is refused.
	resp2 := postJSON(t, srv.URL+"/artifacts/"+id+"/execute", ExecuteRequest{Target: "local"})
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusConflict {
		t.Fatalf("draft execute status = %d, want 409", resp2.StatusCode)
	}

	// Confirm, then execute.
	resp3 := postJSON(t, srv.URL+"/artifacts/"+id+"/confirm", struct{}{})
	confirmed := decode[synth.Artifact](t, resp3)
	if confirmed.Status != synth.StatusConfirmed {
		t.Fatalf("status after confirm = %s", confirmed.Status)
	}

	resp4 := postJSON(t, srv.URL+"/artifacts/"+id+"/execute", ExecuteRequest{Target: "local"})
	if resp4.StatusCode != http.StatusOK {
		t.Fatalf("execute status = %d", resp4.StatusCode)
	}
	run := decode[ExecuteResponse](t, resp4)
	if run.Result == nil || !run.Result.OK {
		t.Fatalf("result = %+v", run.Result)
	}

	resp5, err := http.Get(srv.URL + "/artifacts/" + id)
	if err != nil {
		t.Fatal(err)
	}
	final := decode[synth.Artifact](t, resp5)
	if final.Status != synth.StatusExecuted {
		t.Errorf("final status = %s, want executed", final.Status)
	}
}
