// Package term hosts pseudo-terminals spawned on behalf of remote agents,
// with bounded output capture and exit tracking.
package term

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
)

// ExitStatus describes how a terminal's process ended. Exactly one of
// ExitCode and Signal is set.
type ExitStatus struct {
	ExitCode *int
	Signal   *string
}

// Terminal is one hosted PTY. It remains addressable after its process
// exits; only Release frees the identifier.
type Terminal struct {
	ID string

	cmd    *exec.Cmd
	ptmx   *os.File
	buffer *OutputBuffer

	// onOutput fires for every chunk read from the PTY, before buffering
	// limits are applied. May be nil.
	onOutput func(data []byte)
	// onExit fires once when the process exits. May be nil.
	onExit func(status ExitStatus)

	mu      sync.Mutex
	exit    *ExitStatus
	waiters []chan ExitStatus
	killed  bool
}

// readLoop drains the PTY into the buffer until the process side closes,
// then reaps the process and broadcasts the exit status.
func (t *Terminal) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := t.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			t.buffer.Append(chunk)
			if t.onOutput != nil {
				t.onOutput(chunk)
			}
		}
		if err != nil {
			break
		}
	}

	err := t.cmd.Wait()
	t.finish(exitStatusFromWait(err))
}

// finish records the exit status exactly once and releases every current
// waiter with the same value. Later waiters get the cached status.
func (t *Terminal) finish(status ExitStatus) {
	t.mu.Lock()
	if t.exit != nil {
		t.mu.Unlock()
		return
	}
	t.exit = &status
	waiters := t.waiters
	t.waiters = nil
	t.mu.Unlock()

	for _, ch := range waiters {
		ch <- status
	}
	if t.onExit != nil {
		t.onExit(status)
	}
}

// Output returns the buffered output (re-truncated to limit when limit > 0)
// plus the exit status if known.
func (t *Terminal) Output(limit int) (output string, truncated bool, exit *ExitStatus) {
	output, truncated = t.buffer.Snapshot(limit)
	t.mu.Lock()
	exit = t.exit
	t.mu.Unlock()
	return output, truncated, exit
}

// Write injects input into the terminal.
func (t *Terminal) Write(data []byte) error {
	_, err := t.ptmx.Write(data)
	return err
}

// Resize changes the terminal geometry.
func (t *Terminal) Resize(cols, rows int) error {
	return pty.Setsize(t.ptmx, &pty.Winsize{
		Cols: uint16(cols),
		Rows: uint16(rows),
	})
}

// WaitForExit blocks until the process exits or ctx is done. If the status
// is already known it is returned immediately.
func (t *Terminal) WaitForExit(ctx context.Context) (ExitStatus, error) {
	t.mu.Lock()
	if t.exit != nil {
		status := *t.exit
		t.mu.Unlock()
		return status, nil
	}
	ch := make(chan ExitStatus, 1)
	t.waiters = append(t.waiters, ch)
	t.mu.Unlock()

	select {
	case status := <-ch:
		return status, nil
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}
}

// Kill terminates the process without releasing the record; output and exit
// status stay queryable.
func (t *Terminal) Kill() {
	t.mu.Lock()
	if t.killed || t.exit != nil {
		t.mu.Unlock()
		return
	}
	t.killed = true
	t.mu.Unlock()

	if t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
	}
	// The read loop observes EOF, reaps the process, and broadcasts exit.
}

// close kills if still running and closes the PTY handle. Called by the
// manager on release.
func (t *Terminal) close() {
	t.Kill()
	if err := t.ptmx.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		_ = err
	}
}

func exitStatusFromWait(err error) ExitStatus {
	if err == nil {
		zero := 0
		return ExitStatus{ExitCode: &zero}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			sig := ws.Signal().String()
			return ExitStatus{Signal: &sig}
		}
		if code := exitErr.ExitCode(); code >= 0 {
			return ExitStatus{ExitCode: &code}
		}
	}
	// Wait failed for a reason other than a non-zero exit; report a generic
	// failure code so waiters are never left without a status.
	one := 1
	return ExitStatus{ExitCode: &one}
}
