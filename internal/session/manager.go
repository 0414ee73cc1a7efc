package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/workspace/agenthost/internal/events"
	"github.com/workspace/agenthost/internal/launcher"
	"github.com/workspace/agenthost/internal/protocol"
	"github.com/workspace/agenthost/internal/term"
)

const (
	// defaultStderrLimit bounds how much adapter stderr is retained for
	// diagnostic error composition.
	defaultStderrLimit = 4096
	// stderrExcerptLen bounds how much captured stderr is embedded in the
	// diagnostic string handed to failed callers.
	stderrExcerptLen = 500
)

// ManagerConfig holds configuration for the session manager.
type ManagerConfig struct {
	// Prefer reorders adapter candidates; see launcher.PreferNpx.
	Prefer string
	// ForwardEnv lists host environment variable names forwarded into
	// adapter and terminal processes (as NAME=value pairs, pre-resolved).
	ForwardEnv []string
	// TerminalOutputLimit is the default byte limit for hosted terminal
	// output buffers when the agent does not supply one.
	TerminalOutputLimit int
	// DefaultCols and DefaultRows size hosted terminals when the agent does
	// not request dimensions. Zero falls back to 80x24.
	DefaultCols int
	DefaultRows int
	// StderrLimit bounds adapter stderr capture. Defaults to 4096.
	StderrLimit int
}

// Manager owns every live session. Sessions are indexed two ways: by the
// (taskID, providerID) composite key for idempotent starts, and by the
// protocol-assigned session ID for routing host API calls.
type Manager struct {
	cfg     ManagerConfig
	emitter *events.Emitter

	// launch spawns the adapter subprocess. Defaults to launcher.Launch;
	// overridable so tests can stand in an in-memory adapter.
	launch func(launcher.LaunchConfig) (adapterProcess, error)

	mu    sync.Mutex
	byKey map[string]*Session
	byID  map[string]*Session
}

// NewManager creates a session manager that publishes events through emitter.
func NewManager(cfg ManagerConfig, emitter *events.Emitter) *Manager {
	if cfg.StderrLimit <= 0 {
		cfg.StderrLimit = defaultStderrLimit
	}
	return &Manager{
		cfg:     cfg,
		emitter: emitter,
		launch:  defaultLaunch,
		byKey:   make(map[string]*Session),
		byID:    make(map[string]*Session),
	}
}

func defaultLaunch(cfg launcher.LaunchConfig) (adapterProcess, error) {
	proc, err := launcher.Launch(cfg)
	if err != nil {
		return nil, err
	}
	return proc, nil
}

func sessionKey(taskID, providerID string) string {
	return taskID + "\x00" + providerID
}

// StartSession launches an adapter for (taskID, providerID), runs the
// protocol handshake, and registers the session. A second call with the
// same key while the session is open returns the existing session ID
// without spawning another process.
func (m *Manager) StartSession(ctx context.Context, taskID, providerID, cwd string) (string, error) {
	if !filepath.IsAbs(cwd) {
		return "", fmt.Errorf("cwd must be an absolute path")
	}
	root := filepath.Clean(cwd)
	key := sessionKey(taskID, providerID)

	m.mu.Lock()
	if existing := m.byKey[key]; existing != nil {
		id := existing.SessionID()
		m.mu.Unlock()
		if id == "" {
			return "", fmt.Errorf("session start already in progress for task %s provider %s", taskID, providerID)
		}
		return id, nil
	}

	s := &Session{
		TaskID:      taskID,
		ProviderID:  providerID,
		Cwd:         root,
		terminals:   term.NewManager(),
		manager:     m,
		pending:     make(map[int64]*pendingCall),
		permissions: make(map[int64]struct{}),
	}
	// Reserve the key before spawning so concurrent starts cannot race two
	// subprocesses for the same task.
	m.byKey[key] = s
	m.mu.Unlock()

	proc, err := m.launch(launcher.LaunchConfig{
		ProviderID: providerID,
		Cwd:        root,
		Prefer:     m.cfg.Prefer,
		ExtraEnv:   m.cfg.ForwardEnv,
	})
	if err != nil {
		m.removeSession(s)
		m.emitter.Emit(events.Event{
			Type: events.SessionError, TaskID: taskID, ProviderID: providerID,
			Payload: map[string]string{"error": err.Error()},
		})
		return "", err
	}
	s.proc = proc

	go s.monitorStderr(m.cfg.StderrLimit)
	go s.readLoop()
	go m.monitorExit(s)

	if err := m.handshake(ctx, s); err != nil {
		// The subprocess must not linger after a failed bootstrap.
		s.teardown("session handshake failed: " + err.Error())
		m.emitter.Emit(events.Event{
			Type: events.SessionError, TaskID: taskID, ProviderID: providerID,
			Payload: map[string]string{"error": err.Error()},
		})
		return "", err
	}

	sessionID := s.SessionID()
	m.mu.Lock()
	m.byID[sessionID] = s
	m.mu.Unlock()

	s.mu.Lock()
	payload := startedPayload{
		ProtocolVersion: s.protocolVersion,
		AgentInfo:       s.agentInfo,
		AgentCaps:       s.agentCaps,
		Modes:           s.modes,
	}
	s.mu.Unlock()
	m.emitter.Emit(events.Event{
		Type: events.SessionStarted, TaskID: taskID, ProviderID: providerID,
		SessionID: sessionID, Payload: payload,
	})

	return sessionID, nil
}

type startedPayload struct {
	ProtocolVersion int                    `json:"protocolVersion"`
	AgentInfo       json.RawMessage        `json:"agentInfo,omitempty"`
	AgentCaps       json.RawMessage        `json:"agentCapabilities,omitempty"`
	Modes           *protocol.SessionModes `json:"modes,omitempty"`
}

// handshake drives the fixed two-step bootstrap: initialize, then
// session/new. A protocol version mismatch is surfaced as an error event but
// does not abort the session; a missing session ID does.
func (m *Manager) handshake(ctx context.Context, s *Session) error {
	initRaw, err := s.sendRequest(ctx, protocol.MethodInitialize, protocol.InitializeParams{
		ProtocolVersion: protocol.Version,
		ClientCapabilities: protocol.ClientCapabilities{
			Fs:       protocol.FileSystemCapability{ReadTextFile: true, WriteTextFile: true},
			Terminal: true,
		},
	})
	if err != nil {
		return fmt.Errorf("initialize failed: %w", err)
	}

	var initResult protocol.InitializeResult
	if err := json.Unmarshal(initRaw, &initResult); err != nil {
		return fmt.Errorf("initialize returned malformed result: %w", err)
	}

	if initResult.ProtocolVersion != protocol.Version {
		slog.Error("adapter negotiated a different protocol version",
			"requested", protocol.Version, "negotiated", initResult.ProtocolVersion,
			"taskID", s.TaskID, "provider", s.ProviderID)
		m.emitter.Emit(events.Event{
			Type: events.SessionError, TaskID: s.TaskID, ProviderID: s.ProviderID,
			Payload: map[string]any{
				"error": fmt.Sprintf("protocol version mismatch: requested %d, negotiated %d",
					protocol.Version, initResult.ProtocolVersion),
			},
		})
	}

	newRaw, err := s.sendRequest(ctx, protocol.MethodNewSession, protocol.NewSessionParams{
		Cwd:        s.Cwd,
		McpServers: []any{},
	})
	if err != nil {
		return fmt.Errorf("session/new failed: %w", err)
	}

	var newResult protocol.NewSessionResult
	if err := json.Unmarshal(newRaw, &newResult); err != nil {
		return fmt.Errorf("session/new returned malformed result: %w", err)
	}
	if newResult.SessionID == "" {
		return fmt.Errorf("session/new returned no session id")
	}

	s.mu.Lock()
	s.sessionID = newResult.SessionID
	s.protocolVersion = initResult.ProtocolVersion
	s.agentInfo = initResult.AgentInfo
	s.agentCaps = initResult.AgentCapabilities
	s.modes = newResult.Normalize()
	s.mu.Unlock()

	return nil
}

// SendPrompt forwards prompt content blocks to the adapter and blocks until
// the turn completes. There is no host-side timeout: an unresponsive adapter
// leaves the call pending until process exit or disposal.
func (m *Manager) SendPrompt(ctx context.Context, sessionID string, blocks []protocol.ContentBlock) (string, error) {
	s := m.bySessionID(sessionID)
	if s == nil {
		return "", fmt.Errorf("session not found: %s", sessionID)
	}
	if len(blocks) == 0 {
		return "", fmt.Errorf("prompt is empty")
	}

	raw, err := s.sendRequest(ctx, protocol.MethodPrompt, protocol.PromptParams{
		SessionID: sessionID,
		Prompt:    blocks,
	})
	if err != nil {
		return "", err
	}

	var result protocol.PromptResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("prompt returned malformed result: %w", err)
	}
	return result.StopReason, nil
}

// CancelSession sends a fire-and-forget cancellation notification. It does
// not resolve the in-flight prompt; the adapter is expected to finish the
// turn (or the session to close) on its own.
func (m *Manager) CancelSession(sessionID string) {
	s := m.bySessionID(sessionID)
	if s == nil {
		slog.Warn("cancel for unknown session", "sessionID", sessionID)
		return
	}
	if err := s.sendNotification(protocol.MethodCancel, protocol.CancelParams{SessionID: sessionID}); err != nil {
		slog.Warn("failed to send cancellation", "sessionID", sessionID, "error", err)
	}
}

// SetMode switches the agent's interaction mode.
func (m *Manager) SetMode(ctx context.Context, sessionID, modeID string) error {
	s := m.bySessionID(sessionID)
	if s == nil {
		return fmt.Errorf("session not found: %s", sessionID)
	}
	_, err := s.sendRequest(ctx, protocol.MethodSetMode, protocol.SetModeParams{
		SessionID: sessionID,
		ModeID:    modeID,
	})
	return err
}

// RespondPermission delivers the host's decision for a pending
// agent-originated permission request. Each request ID may be answered at
// most once.
func (m *Manager) RespondPermission(sessionID string, requestID int64, outcome protocol.PermissionOutcome) error {
	s := m.bySessionID(sessionID)
	if s == nil {
		return fmt.Errorf("session not found: %s", sessionID)
	}

	s.mu.Lock()
	_, ok := s.permissions[requestID]
	if ok {
		delete(s.permissions, requestID)
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("permission request not found: %d", requestID)
	}

	s.respond(requestID, protocol.PermissionResult{Outcome: outcome})
	return nil
}

// DisposeSession forces teardown of a session regardless of its state.
func (m *Manager) DisposeSession(sessionID string) {
	s := m.bySessionID(sessionID)
	if s == nil {
		return
	}
	s.teardown("session disposed")
	m.emitter.Emit(events.Event{
		Type: events.SessionExit, TaskID: s.TaskID, ProviderID: s.ProviderID,
		SessionID: sessionID, Payload: map[string]string{"reason": "disposed"},
	})
}

// DisposeAll tears down every live session. Used at process shutdown.
func (m *Manager) DisposeAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.byKey))
	for _, s := range m.byKey {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.teardown("manager shutting down")
	}
}

// SessionCount returns the number of registered sessions.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byKey)
}

func (m *Manager) bySessionID(sessionID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byID[sessionID]
}

// removeSession drops the session from both registry indices.
func (m *Manager) removeSession(s *Session) {
	m.mu.Lock()
	key := sessionKey(s.TaskID, s.ProviderID)
	if m.byKey[key] == s {
		delete(m.byKey, key)
	}
	if id := s.sessionID; id != "" && m.byID[id] == s {
		delete(m.byID, id)
	}
	m.mu.Unlock()
}

// monitorExit reaps the subprocess and drives teardown: every still-pending
// call fails with a diagnostic composed from the exit status and captured
// stderr, and a session_exit event is emitted.
func (m *Manager) monitorExit(s *Session) {
	waitErr := s.proc.Wait()

	// Give the stderr monitor a moment to drain the final lines.
	time.Sleep(100 * time.Millisecond)

	exitCode, signal := launcher.ExitSummary(waitErr)
	diag := "adapter exited"
	switch {
	case signal != nil:
		diag = fmt.Sprintf("adapter exited (signal %s)", *signal)
	case exitCode != nil:
		diag = fmt.Sprintf("adapter exited (code %d)", *exitCode)
	}
	if stderr := s.capturedStderr(); stderr != "" {
		diag = fmt.Sprintf("%s: %s", diag, truncate(stderr, stderrExcerptLen))
	}

	if s.Closed() {
		// Teardown already ran (disposal or handshake failure); nothing to
		// report twice.
		return
	}

	slog.Info("adapter process exited",
		"taskID", s.TaskID, "provider", s.ProviderID,
		"uptime", s.proc.Uptime().Round(time.Millisecond), "diag", diag)

	sessionID := s.SessionID()
	s.teardown(diag)

	m.emitter.Emit(events.Event{
		Type: events.SessionExit, TaskID: s.TaskID, ProviderID: s.ProviderID,
		SessionID: sessionID,
		Payload: exitPayload{
			ExitCode: exitCode,
			Signal:   signal,
			Error:    diag,
		},
	})
}

type exitPayload struct {
	ExitCode *int    `json:"exitCode,omitempty"`
	Signal   *string `json:"signal,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// teardown is idempotent and shared by every session-ending path: explicit
// disposal, handshake failure, and subprocess exit. It kills owned
// terminals, force-fails pending calls, clears the permission set, and
// removes the session from both registry indices.
func (s *Session) teardown(reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.exitDiag = reason
	pending := s.pending
	s.pending = make(map[int64]*pendingCall)
	s.permissions = make(map[int64]struct{})
	s.mu.Unlock()

	if reason == "" {
		reason = "session closed"
	}

	s.terminals.ReleaseAll()
	_ = s.proc.Stop()

	for id, call := range pending {
		slog.Debug("force-failing pending call",
			"id", id, "method", call.method, "age", time.Since(call.issuedAt).Round(time.Millisecond))
		call.ch <- callResult{err: fmt.Errorf("%s", reason)}
	}

	s.manager.removeSession(s)
}
