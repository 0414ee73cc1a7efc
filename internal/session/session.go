// Package session manages the lifecycle of agent adapter sessions: spawning,
// the protocol handshake, two-way RPC, permission brokering, the confined
// file and terminal capabilities, and teardown.
package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/workspace/agenthost/internal/protocol"
	"github.com/workspace/agenthost/internal/term"
)

// adapterProcess is the subprocess surface a session drives: the stdio pipes
// for the wire protocol, the diagnostics stream, and lifecycle control.
// Satisfied by *launcher.Process.
type adapterProcess interface {
	Stdin() io.Writer
	Stdout() io.Reader
	Stderr() io.Reader
	Wait() error
	Stop() error
	Uptime() time.Duration
}

// callResult is the resolution of one outbound RPC call.
type callResult struct {
	result json.RawMessage
	err    error
}

// pendingCall tracks one in-flight outbound request. The method name and
// issue time exist purely for diagnostics on stale or force-failed calls.
type pendingCall struct {
	method   string
	issuedAt time.Time
	ch       chan callResult
}

// Session is one live conversation with an adapter subprocess. It is created
// by Manager.StartSession and owned by the Manager until teardown.
type Session struct {
	TaskID     string
	ProviderID string
	// Cwd is the normalized absolute working-directory root: the hard
	// sandbox boundary for all file and terminal-cwd operations.
	Cwd string

	proc      adapterProcess
	terminals *term.Manager
	manager   *Manager

	writeMu sync.Mutex

	mu              sync.Mutex
	sessionID       string
	protocolVersion int
	agentInfo       json.RawMessage
	agentCaps       json.RawMessage
	modes           *protocol.SessionModes
	nextID          int64
	pending         map[int64]*pendingCall
	permissions     map[int64]struct{}
	closed          bool
	exitDiag        string

	stderrMu  sync.Mutex
	stderrBuf strings.Builder
}

// SessionID returns the protocol-assigned session identifier, empty until
// the handshake completes.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Closed reports whether the session has been torn down.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// sendRequest allocates the next request ID, records the pending call,
// writes the framed message, and blocks until the adapter responds, the
// context is done, or the session is torn down.
func (s *Session) sendRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("session closed")
	}
	s.nextID++
	id := s.nextID
	call := &pendingCall{
		method:   method,
		issuedAt: time.Now(),
		ch:       make(chan callResult, 1),
	}
	s.pending[id] = call
	s.mu.Unlock()

	msg, err := protocol.NewRequest(id, method, params)
	if err != nil {
		s.removePending(id)
		return nil, err
	}
	if err := s.writeMessage(msg); err != nil {
		s.removePending(id)
		return nil, err
	}

	select {
	case res := <-call.ch:
		return res.result, res.err
	case <-ctx.Done():
		s.removePending(id)
		return nil, ctx.Err()
	}
}

// sendNotification is fire-and-forget: no ID, no pending entry.
func (s *Session) sendNotification(method string, params any) error {
	msg, err := protocol.NewNotification(method, params)
	if err != nil {
		return err
	}
	return s.writeMessage(msg)
}

// respond sends a success response to an agent-originated request.
func (s *Session) respond(id int64, result any) {
	msg, err := protocol.NewResult(id, result)
	if err != nil {
		slog.Error("failed to marshal response", "id", id, "error", err)
		return
	}
	if err := s.writeMessage(msg); err != nil {
		slog.Warn("failed to write response", "id", id, "error", err)
	}
}

// respondError sends an error response to an agent-originated request.
func (s *Session) respondError(id int64, code int, message string) {
	if err := s.writeMessage(protocol.NewError(id, code, message)); err != nil {
		slog.Warn("failed to write error response", "id", id, "error", err)
	}
}

// writeMessage serializes and writes one framed line to the adapter's stdin.
func (s *Session) writeMessage(msg *protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.proc.Stdin().Write(data); err != nil {
		return fmt.Errorf("write to adapter: %w", err)
	}
	return nil
}

func (s *Session) removePending(id int64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// readLoop consumes the adapter's stdout line by line, in arrival order, for
// the life of the subprocess. A malformed line is logged and dropped; it
// never corrupts subsequent lines.
func (s *Session) readLoop() {
	framer := &protocol.Framer{}
	reader := s.proc.Stdout()
	buf := make([]byte, 4096)

	for {
		n, err := reader.Read(buf)
		if n > 0 {
			for _, line := range framer.Feed(buf[:n]) {
				msg, decodeErr := protocol.Decode(line)
				if decodeErr != nil {
					slog.Warn("dropping malformed adapter message",
						"taskID", s.TaskID, "provider", s.ProviderID, "error", decodeErr)
					continue
				}
				s.handleMessage(msg)
			}
		}
		if err != nil {
			return
		}
	}
}

// handleMessage routes one decoded message by its classification.
func (s *Session) handleMessage(msg *protocol.Message) {
	switch msg.Kind() {
	case protocol.KindResponse:
		s.resolvePending(msg)
	case protocol.KindRequest:
		s.dispatchRequest(msg)
	case protocol.KindNotification:
		s.dispatchNotification(msg)
	}
}

// resolvePending completes the matching outbound call. Responses for unknown
// or already-resolved IDs are ignored: duplicate and late deliveries must
// not disturb live calls.
func (s *Session) resolvePending(msg *protocol.Message) {
	s.mu.Lock()
	call, ok := s.pending[*msg.ID]
	if ok {
		delete(s.pending, *msg.ID)
	}
	s.mu.Unlock()

	if !ok {
		slog.Debug("response for unknown request id", "id", *msg.ID)
		return
	}

	if msg.Error != nil {
		call.ch <- callResult{err: fmt.Errorf("%s: %s", call.method, msg.Error.Error())}
		return
	}
	call.ch <- callResult{result: msg.Result}
}

// monitorStderr captures the adapter's diagnostic stream, bounded so a noisy
// adapter cannot grow memory without limit.
func (s *Session) monitorStderr(limit int) {
	scanner := bufio.NewScanner(s.proc.Stderr())
	for scanner.Scan() {
		line := scanner.Text()
		slog.Warn("adapter stderr", "taskID", s.TaskID, "provider", s.ProviderID, "line", line)
		s.stderrMu.Lock()
		if s.stderrBuf.Len() < limit {
			if s.stderrBuf.Len() > 0 {
				s.stderrBuf.WriteByte('\n')
			}
			s.stderrBuf.WriteString(line)
		}
		s.stderrMu.Unlock()
	}
}

func (s *Session) capturedStderr() string {
	s.stderrMu.Lock()
	defer s.stderrMu.Unlock()
	return s.stderrBuf.String()
}

func truncate(text string, maxLen int) string {
	if len(text) <= maxLen {
		return text
	}
	return text[:maxLen] + "..."
}
