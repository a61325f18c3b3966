package execute

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/synth"
)

// runRequest is the wire contract of the remote runner: the artifact
// sources zipped and base64-encoded, the entrypoint to run, and the
// timeout the runner should enforce.
type runRequest struct {
	Entrypoint  string `json:"entrypoint"`
	WorkdirName string `json:"workdir_name"`
	ZipB64      string `json:"zip_b64"`
	TimeoutS    int    `json:"timeout_s"`
}

type runResponse struct {
	OK         bool   `json:"ok"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ReturnCode int    `json:"return_code"`
}

// HTTPExecutor ships artifacts to a remote runner service over HTTP.
type HTTPExecutor struct {
	url     string
	token   string
	timeout time.Duration
	client  *http.Client
}

var _ Executor = (*HTTPExecutor)(nil)

// NewHTTPExecutor wires an HTTP executor against the runner at url.
// token, when non-empty, is sent as a bearer token.
func NewHTTPExecutor(url, token string, timeout time.Duration) *HTTPExecutor {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPExecutor{
		url:     url,
		token:   token,
		timeout: timeout,
		// The client allows extra headroom over the runner's own limit
		// so a runner-side timeout comes back as a 124 result, not a
		// transport error.
		client: &http.Client{Timeout: timeout + 15*time.Second},
	}
}

func (e *HTTPExecutor) Name() string { return "remote-http" }

func (e *HTTPExecutor) Run(ctx context.Context, artifact *synth.Artifact) (*Result, error) {
	zipped, err := zipArtifact(artifact)
	if err != nil {
		return nil, &apperr.ExecutionError{Kind: apperr.ExecutionUnreachable, Target: e.Name(), Err: err}
	}

	body, err := json.Marshal(runRequest{
		Entrypoint:  artifact.Entrypoint,
		WorkdirName: artifact.ID,
		ZipB64:      base64.StdEncoding.EncodeToString(zipped),
		TimeoutS:    int(e.timeout.Seconds()),
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}

	start := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		kind := apperr.ExecutionUnreachable
		if errors.Is(err, context.DeadlineExceeded) {
			kind = apperr.ExecutionTimeout
		}
		return nil, &apperr.ExecutionError{Kind: kind, Target: e.Name(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &apperr.ExecutionError{
			Kind:   apperr.ExecutionUnreachable,
			Target: e.Name(),
			Err:    fmt.Errorf("runner returned status %d", resp.StatusCode),
		}
	}

	var rr runResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return nil, &apperr.ExecutionError{Kind: apperr.ExecutionUnreachable, Target: e.Name(), Err: err}
	}
	return &Result{
		OK:         rr.OK,
		Stdout:     rr.Stdout,
		Stderr:     rr.Stderr,
		ReturnCode: rr.ReturnCode,
		Target:     e.Name(),
		Duration:   time.Since(start),
	}, nil
}

// zipArtifact packs the artifact source files into an in-memory zip.
func zipArtifact(artifact *synth.Artifact) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range artifact.Files {
		w, err := zw.Create(f.Path)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write([]byte(f.Content)); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
