package launcher

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// baseEnvKeys are the only host environment variables an adapter inherits.
// Everything else must be forwarded explicitly; a full inherited environment
// would leak unrelated host state into the subprocess.
var baseEnvKeys = []string{"PATH", "HOME", "USER", "SHELL", "TERM", "LANG"}

// MinimalEnv builds the explicit environment for a spawned subprocess from
// the allow-listed host variables plus caller-supplied extras.
func MinimalEnv(extra []string) []string {
	env := make([]string, 0, len(baseEnvKeys)+len(extra))
	for _, key := range baseEnvKeys {
		if v := os.Getenv(key); v != "" {
			env = append(env, key+"="+v)
		}
	}
	return append(env, extra...)
}

// Process wraps a running adapter subprocess with stdio pipes for the
// NDJSON protocol and a diagnostics pipe.
type Process struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdout    io.ReadCloser
	stderr    io.ReadCloser
	startTime time.Time

	mu      sync.Mutex
	stopped bool
}

func start(cand Candidate, cwd string, extraEnv []string) (*Process, error) {
	cmd := exec.Command(cand.Command, cand.Args...)
	cmd.Dir = cwd
	cmd.Env = MinimalEnv(extraEnv)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, err
	}

	return &Process{
		cmd:       cmd,
		stdin:     stdin,
		stdout:    stdout,
		stderr:    stderr,
		startTime: time.Now(),
	}, nil
}

// Stdin returns the writer to the adapter's stdin.
func (p *Process) Stdin() io.Writer { return p.stdin }

// Stdout returns the reader from the adapter's stdout.
func (p *Process) Stdout() io.Reader { return p.stdout }

// Stderr returns the reader from the adapter's diagnostic stream.
func (p *Process) Stderr() io.Reader { return p.stderr }

// Pid returns the subprocess PID.
func (p *Process) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Uptime reports how long the process has been running.
func (p *Process) Uptime() time.Duration { return time.Since(p.startTime) }

// Stop kills the adapter and reaps it. Idempotent; closing stdin first gives
// the adapter a chance to exit on its own before the kill lands.
func (p *Process) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return nil
	}
	p.stopped = true

	p.stdin.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	_ = p.cmd.Wait()
	return nil
}

// Wait blocks until the process exits and returns its exit error, if any.
// Only one caller may Wait; the session's exit monitor owns it.
func (p *Process) Wait() error {
	return p.cmd.Wait()
}

// ExitSummary describes how the process ended, derived from Wait's error.
func ExitSummary(err error) (exitCode *int, signal *string) {
	if err == nil {
		zero := 0
		return &zero, nil
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return nil, nil
	}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		sig := ws.Signal().String()
		return nil, &sig
	}
	if code := exitErr.ExitCode(); code >= 0 {
		return &code, nil
	}
	return nil, nil
}
