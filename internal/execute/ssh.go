package execute

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/synth"
)

// SSHConfig describes the remote shell target.
type SSHConfig struct {
	Addr        string // host:port
	User        string
	KeyFile     string // PEM private key path
	Interpreter string // defaults to python3
	Timeout     time.Duration
}

// SSHExecutor copies artifacts to a remote host over SSH and runs them
// in a throwaway directory under /tmp.
type SSHExecutor struct {
	cfg SSHConfig
}

var _ Executor = (*SSHExecutor)(nil)

// NewSSHExecutor wires an SSH executor.
func NewSSHExecutor(cfg SSHConfig) *SSHExecutor {
	if cfg.Interpreter == "" {
		cfg.Interpreter = "python3"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &SSHExecutor{cfg: cfg}
}

func (e *SSHExecutor) Name() string { return "remote-shell" }

func (e *SSHExecutor) Run(ctx context.Context, artifact *synth.Artifact) (*Result, error) {
	client, err := e.dial()
	if err != nil {
		return nil, &apperr.ExecutionError{Kind: apperr.ExecutionUnreachable, Target: e.Name(), Err: err}
	}
	defer client.Close()

	workdir := path.Join("/tmp", "ansuz-run-"+artifact.ID)
	defer e.runQuiet(client, "rm -rf "+shellQuote(workdir))

	if err := e.upload(client, workdir, artifact); err != nil {
		return nil, &apperr.ExecutionError{Kind: apperr.ExecutionUnreachable, Target: e.Name(), Err: err}
	}

	// timeout(1) on the remote gives the same 124 contract as local runs.
	cmd := fmt.Sprintf("cd %s && timeout %d %s %s",
		shellQuote(workdir), int(e.cfg.Timeout.Seconds()), e.cfg.Interpreter, shellQuote(artifact.Entrypoint))

	session, err := client.NewSession()
	if err != nil {
		return nil, &apperr.ExecutionError{Kind: apperr.ExecutionUnreachable, Target: e.Name(), Err: err}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	start := time.Now()
	go func() { done <- session.Run(cmd) }()

	var runErr error
	select {
	case runErr = <-done:
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return nil, &apperr.ExecutionError{Kind: apperr.ExecutionTimeout, Target: e.Name(), Err: ctx.Err()}
	}

	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Target:   e.Name(),
		Duration: time.Since(start),
	}
	if runErr == nil {
		res.OK = true
		return res, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(runErr, &exitErr) {
		res.ReturnCode = exitErr.ExitStatus()
		return res, nil
	}
	return nil, &apperr.ExecutionError{Kind: apperr.ExecutionUnreachable, Target: e.Name(), Err: runErr}
}

func (e *SSHExecutor) dial() (*ssh.Client, error) {
	key, err := os.ReadFile(e.cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key: %w", err)
	}
	return ssh.Dial("tcp", e.cfg.Addr, &ssh.ClientConfig{
		User:            e.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // runner hosts are operator-provisioned
		Timeout:         10 * time.Second,
	})
}

// upload writes each artifact file over a cat session, creating parent
// directories first. Artifacts are a handful of small files, so this
// avoids an sftp dependency.
func (e *SSHExecutor) upload(client *ssh.Client, workdir string, artifact *synth.Artifact) error {
	for _, f := range artifact.Files {
		dst := path.Join(workdir, f.Path)
		if err := e.runQuiet(client, "mkdir -p "+shellQuote(path.Dir(dst))); err != nil {
			return err
		}
		session, err := client.NewSession()
		if err != nil {
			return err
		}
		session.Stdin = strings.NewReader(f.Content)
		err = session.Run("cat > " + shellQuote(dst))
		session.Close()
		if err != nil {
			return fmt.Errorf("upload %s: %w", f.Path, err)
		}
	}
	return nil
}

func (e *SSHExecutor) runQuiet(client *ssh.Client, cmd string) error {
	session, err := client.NewSession()
	if err != nil {
		return err
	}
	defer session.Close()
	return session.Run(cmd)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
