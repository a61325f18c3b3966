package execute

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

// Runner is the remote end of the HTTP execution target: a small
// service that unpacks a shipped artifact and runs it in a scratch
// directory.
type Runner struct {
	token       string
	interpreter []string
	maxTimeout  time.Duration
	logger      *slog.Logger
}

// NewRunner wires a runner. maxTimeout caps whatever timeout_s a
// request asks for.
func NewRunner(token string, interpreter []string, maxTimeout time.Duration, logger *slog.Logger) *Runner {
	if len(interpreter) == 0 {
		interpreter = []string{"python3"}
	}
	if maxTimeout <= 0 {
		maxTimeout = 5 * time.Minute
	}
	return &Runner{token: token, interpreter: interpreter, maxTimeout: maxTimeout, logger: logger}
}

// Router returns the runner's HTTP surface.
func (rn *Runner) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Group(func(r chi.Router) {
		r.Use(rn.auth)
		r.Post("/api/run", rn.handleRun)
	})
	return r
}

func (rn *Runner) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rn.token != "" {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != rn.token {
				writeRunnerJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (rn *Runner) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRunnerJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if req.Entrypoint == "" || req.ZipB64 == "" {
		writeRunnerJSON(w, http.StatusBadRequest, map[string]string{"error": "entrypoint and zip_b64 are required"})
		return
	}

	zipped, err := base64.StdEncoding.DecodeString(req.ZipB64)
	if err != nil {
		writeRunnerJSON(w, http.StatusBadRequest, map[string]string{"error": "zip_b64 is not valid base64"})
		return
	}

	workdir, err := os.MkdirTemp("", "ansuz-runner-*")
	if err != nil {
		writeRunnerJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	defer os.RemoveAll(workdir)

	if err := unzipTo(workdir, zipped); err != nil {
		rn.logger.Warn("runner: unpack failed", slog.String("error", err.Error()))
		writeRunnerJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	timeout := time.Duration(req.TimeoutS) * time.Second
	if timeout <= 0 || timeout > rn.maxTimeout {
		timeout = rn.maxTimeout
	}

	resp := rn.run(r.Context(), workdir, req.Entrypoint, timeout)
	rn.logger.Info("runner: executed",
		slog.String("workdir_name", req.WorkdirName),
		slog.Bool("ok", resp.OK),
		slog.Int("return_code", resp.ReturnCode))
	writeRunnerJSON(w, http.StatusOK, resp)
}

func (rn *Runner) run(ctx context.Context, workdir, entrypoint string, timeout time.Duration) runResponse {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append(rn.interpreter[1:], entrypoint)
	cmd := exec.CommandContext(ctx, rn.interpreter[0], args...)
	cmd.Dir = workdir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	resp := runResponse{Stdout: stdout.String(), Stderr: stderr.String()}

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		resp.ReturnCode = ReturnCodeTimeout
	case err == nil:
		resp.OK = true
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			resp.ReturnCode = exitErr.ExitCode()
		} else {
			resp.ReturnCode = -1
			resp.Stderr = resp.Stderr + "\n" + err.Error()
		}
	}
	return resp
}

// unzipTo unpacks an archive under dir, rejecting entries that resolve
// outside it.
func unzipTo(dir string, zipped []byte) error {
	zr, err := zip.NewReader(bytes.NewReader(zipped), int64(len(zipped)))
	if err != nil {
		return err
	}
	for _, f := range zr.File {
		dst := filepath.Join(dir, filepath.FromSlash(f.Name))
		if !strings.HasPrefix(dst, filepath.Clean(dir)+string(os.PathSeparator)) {
			return errors.New("zip entry escapes workdir: " + f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(dst, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return err
		}
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return err
		}
	}
	return nil
}

func writeRunnerJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode failed", slog.String("error", err.Error()))
	}
}
