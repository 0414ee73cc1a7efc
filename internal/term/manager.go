package term

import (
	"fmt"
	"os/exec"
	"sync"

	"github.com/creack/pty"
	"github.com/google/uuid"
)

const (
	defaultCols = 80
	defaultRows = 24
)

// CreateConfig holds everything needed to spawn a hosted terminal.
type CreateConfig struct {
	Command string
	Args    []string
	// Cwd must already be validated against the session root by the caller.
	Cwd string
	// Env is the full explicit environment for the process. The manager adds
	// terminal-type variables on top.
	Env             []string
	OutputByteLimit int
	Cols            int
	Rows            int
	OnOutput        func(terminalID string, data []byte)
	OnExit          func(terminalID string, status ExitStatus)
}

// Manager owns all terminals created for one session.
type Manager struct {
	mu        sync.Mutex
	terminals map[string]*Terminal
}

// NewManager creates an empty terminal manager.
func NewManager() *Manager {
	return &Manager{terminals: make(map[string]*Terminal)}
}

// Create spawns a PTY-backed process and registers it under a fresh ID.
func (m *Manager) Create(cfg CreateConfig) (*Terminal, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("command is required")
	}

	cols := cfg.Cols
	if cols <= 0 {
		cols = defaultCols
	}
	rows := cfg.Rows
	if rows <= 0 {
		rows = defaultRows
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Cwd
	cmd.Env = append(cfg.Env, "TERM=xterm-256color", "COLORTERM=truecolor")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(cols),
		Rows: uint16(rows),
	})
	if err != nil {
		return nil, fmt.Errorf("start terminal process: %w", err)
	}

	id := uuid.NewString()
	t := &Terminal{
		ID:     id,
		cmd:    cmd,
		ptmx:   ptmx,
		buffer: NewOutputBuffer(cfg.OutputByteLimit),
	}
	if cfg.OnOutput != nil {
		onOutput := cfg.OnOutput
		t.onOutput = func(data []byte) { onOutput(id, data) }
	}
	if cfg.OnExit != nil {
		onExit := cfg.OnExit
		t.onExit = func(status ExitStatus) { onExit(id, status) }
	}

	m.mu.Lock()
	m.terminals[id] = t
	m.mu.Unlock()

	go t.readLoop()

	return t, nil
}

// Get returns the terminal for an ID, or nil when unknown or released.
func (m *Manager) Get(id string) *Terminal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminals[id]
}

// Release kills the terminal if still running and removes the record. This
// is the only operation that frees the identifier.
func (m *Manager) Release(id string) error {
	m.mu.Lock()
	t, ok := m.terminals[id]
	if ok {
		delete(m.terminals, id)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("terminal not found: %s", id)
	}
	t.close()
	return nil
}

// ReleaseAll tears down every terminal. Used at session teardown.
func (m *Manager) ReleaseAll() {
	m.mu.Lock()
	terminals := make([]*Terminal, 0, len(m.terminals))
	for _, t := range m.terminals {
		terminals = append(terminals, t)
	}
	m.terminals = make(map[string]*Terminal)
	m.mu.Unlock()

	for _, t := range terminals {
		t.close()
	}
}

// Count returns the number of live terminal records.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.terminals)
}
