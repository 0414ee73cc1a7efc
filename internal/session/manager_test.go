package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/workspace/agenthost/internal/events"
	"github.com/workspace/agenthost/internal/launcher"
	"github.com/workspace/agenthost/internal/protocol"
)

// fakeProc implements adapterProcess over in-memory pipes so tests can play
// the adapter side of the wire protocol without spawning anything.
type fakeProc struct {
	stdinW  *io.PipeWriter // host writes requests here
	stdinR  *io.PipeReader // adapter reads them here
	stdoutW *io.PipeWriter // adapter writes responses here
	stdoutR *io.PipeReader // host reads them here
	stderrW *io.PipeWriter
	stderrR *io.PipeReader

	started time.Time

	mu      sync.Mutex
	stopped bool
	exitCh  chan error
}

func newFakeProc() *fakeProc {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	return &fakeProc{
		stdinW: inW, stdinR: inR,
		stdoutW: outW, stdoutR: outR,
		stderrW: errW, stderrR: errR,
		started: time.Now(),
		exitCh:  make(chan error, 1),
	}
}

func (p *fakeProc) Stdin() io.Writer      { return p.stdinW }
func (p *fakeProc) Stdout() io.Reader     { return p.stdoutR }
func (p *fakeProc) Stderr() io.Reader     { return p.stderrR }
func (p *fakeProc) Wait() error           { return <-p.exitCh }
func (p *fakeProc) Uptime() time.Duration { return time.Since(p.started) }
func (p *fakeProc) Stop() error           { p.terminate(nil); return nil }

// terminate closes every pipe and resolves Wait exactly once.
func (p *fakeProc) terminate(err error) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	p.stdinW.Close()
	p.stdoutW.Close()
	p.stderrW.Close()
	p.exitCh <- err
}

// fakeAdapter scripts the agent side of a session.
type fakeAdapter struct {
	proc *fakeProc

	writeMu sync.Mutex
}

func (a *fakeAdapter) send(msg *protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		panic(err)
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	_, _ = a.proc.stdoutW.Write(data)
}

func (a *fakeAdapter) respond(id int64, result any) {
	msg, err := protocol.NewResult(id, result)
	if err != nil {
		panic(err)
	}
	a.send(msg)
}

func (a *fakeAdapter) respondError(id int64, code int, message string) {
	a.send(protocol.NewError(id, code, message))
}

func (a *fakeAdapter) request(id int64, method string, params any) {
	msg, err := protocol.NewRequest(id, method, params)
	if err != nil {
		panic(err)
	}
	a.send(msg)
}

// serve reads host messages line by line and passes each to handler.
func (a *fakeAdapter) serve(handler func(*protocol.Message)) {
	scanner := bufio.NewScanner(a.proc.stdinR)
	for scanner.Scan() {
		msg, err := protocol.Decode(scanner.Bytes())
		if err != nil {
			continue
		}
		handler(msg)
	}
}

// handshakeThen answers the two bootstrap calls and delegates the rest.
func (a *fakeAdapter) handshakeThen(sessionID string, rest func(*protocol.Message)) func(*protocol.Message) {
	return func(msg *protocol.Message) {
		switch msg.Method {
		case protocol.MethodInitialize:
			a.respond(*msg.ID, protocol.InitializeResult{ProtocolVersion: protocol.Version})
		case protocol.MethodNewSession:
			a.respond(*msg.ID, map[string]any{"sessionId": sessionID})
		default:
			if rest != nil {
				rest(msg)
			}
		}
	}
}

func newTestManager(emitter *events.Emitter) (*Manager, *fakeAdapter, *int) {
	proc := newFakeProc()
	adapter := &fakeAdapter{proc: proc}
	launches := 0
	m := NewManager(ManagerConfig{}, emitter)
	m.launch = func(launcher.LaunchConfig) (adapterProcess, error) {
		launches++
		return proc, nil
	}
	return m, adapter, &launches
}

func waitEvent(t *testing.T, sub *events.Subscription, typ events.Type) events.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-sub.Events():
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", typ)
		}
	}
}

func TestStartSessionHandshake(t *testing.T) {
	emitter := events.NewEmitter(16)
	sub := emitter.Subscribe()
	defer sub.Close()

	m, adapter, launches := newTestManager(emitter)
	go adapter.serve(adapter.handshakeThen("sess-1", nil))

	id, err := m.StartSession(context.Background(), "task-1", "claude", t.TempDir())
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if id != "sess-1" {
		t.Fatalf("expected session id sess-1, got %q", id)
	}
	if m.SessionCount() != 1 {
		t.Fatalf("expected 1 session, got %d", m.SessionCount())
	}

	ev := waitEvent(t, sub, events.SessionStarted)
	if ev.SessionID != "sess-1" || ev.TaskID != "task-1" || ev.ProviderID != "claude" {
		t.Fatalf("unexpected session_started event: %+v", ev)
	}

	// A repeat start for the same (task, provider) reuses the session.
	again, err := m.StartSession(context.Background(), "task-1", "claude", t.TempDir())
	if err != nil {
		t.Fatalf("second StartSession: %v", err)
	}
	if again != "sess-1" {
		t.Fatalf("expected reused session id, got %q", again)
	}
	if *launches != 1 {
		t.Fatalf("expected a single launch, got %d", *launches)
	}

	m.DisposeAll()
}

func TestStartSessionRequiresAbsoluteCwd(t *testing.T) {
	m, _, _ := newTestManager(events.NewEmitter(16))
	if _, err := m.StartSession(context.Background(), "t", "claude", "relative/dir"); err == nil {
		t.Fatalf("expected error for relative cwd")
	}
}

func TestStartSessionHandshakeFailure(t *testing.T) {
	emitter := events.NewEmitter(16)
	sub := emitter.Subscribe()
	defer sub.Close()

	m, adapter, _ := newTestManager(emitter)
	go adapter.serve(func(msg *protocol.Message) {
		if msg.Method == protocol.MethodInitialize {
			adapter.respondError(*msg.ID, protocol.CodeInternalError, "no credentials")
		}
	})

	_, err := m.StartSession(context.Background(), "task-1", "claude", t.TempDir())
	if err == nil {
		t.Fatalf("expected handshake failure")
	}
	if !strings.Contains(err.Error(), "initialize failed") {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(err.Error(), "no credentials") {
		t.Fatalf("adapter error detail lost: %v", err)
	}
	if m.SessionCount() != 0 {
		t.Fatalf("failed session left registered, count %d", m.SessionCount())
	}
	waitEvent(t, sub, events.SessionError)
}

func TestStartSessionMissingSessionIDIsFatal(t *testing.T) {
	m, adapter, _ := newTestManager(events.NewEmitter(16))
	go adapter.serve(adapter.handshakeThen("", nil))

	_, err := m.StartSession(context.Background(), "task-1", "claude", t.TempDir())
	if err == nil {
		t.Fatalf("expected error for missing session id")
	}
	if !strings.Contains(err.Error(), "no session id") {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.SessionCount() != 0 {
		t.Fatalf("session left registered after fatal handshake")
	}
}

func TestVersionMismatchIsNonFatal(t *testing.T) {
	emitter := events.NewEmitter(16)
	sub := emitter.Subscribe()
	defer sub.Close()

	m, adapter, _ := newTestManager(emitter)
	go adapter.serve(func(msg *protocol.Message) {
		switch msg.Method {
		case protocol.MethodInitialize:
			adapter.respond(*msg.ID, protocol.InitializeResult{ProtocolVersion: 99})
		case protocol.MethodNewSession:
			adapter.respond(*msg.ID, map[string]any{"sessionId": "sess-mismatch"})
		}
	})

	id, err := m.StartSession(context.Background(), "task-1", "claude", t.TempDir())
	if err != nil {
		t.Fatalf("version mismatch must not abort the session: %v", err)
	}
	if id != "sess-mismatch" {
		t.Fatalf("unexpected session id %q", id)
	}

	ev := waitEvent(t, sub, events.SessionError)
	payload, ok := ev.Payload.(map[string]any)
	if !ok || !strings.Contains(fmt.Sprint(payload["error"]), "version mismatch") {
		t.Fatalf("expected version mismatch warning, got %+v", ev.Payload)
	}
	waitEvent(t, sub, events.SessionStarted)

	m.DisposeAll()
}

func TestSendPrompt(t *testing.T) {
	m, adapter, _ := newTestManager(events.NewEmitter(16))
	go adapter.serve(adapter.handshakeThen("sess-1", func(msg *protocol.Message) {
		if msg.Method == protocol.MethodPrompt {
			adapter.respond(*msg.ID, protocol.PromptResult{StopReason: "end_turn"})
		}
	}))

	id, err := m.StartSession(context.Background(), "task-1", "claude", t.TempDir())
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	stop, err := m.SendPrompt(context.Background(), id, []protocol.ContentBlock{{Type: "text", Text: "hi"}})
	if err != nil {
		t.Fatalf("SendPrompt: %v", err)
	}
	if stop != "end_turn" {
		t.Fatalf("expected stop reason end_turn, got %q", stop)
	}

	if _, err := m.SendPrompt(context.Background(), id, nil); err == nil {
		t.Fatalf("expected error for empty prompt")
	}
	if _, err := m.SendPrompt(context.Background(), "nope", []protocol.ContentBlock{{Type: "text", Text: "x"}}); err == nil {
		t.Fatalf("expected error for unknown session")
	}

	m.DisposeAll()
}

func TestResponsesCorrelateOutOfOrder(t *testing.T) {
	m, adapter, _ := newTestManager(events.NewEmitter(16))

	var promptID int64
	promptArrived := make(chan struct{})
	go adapter.serve(adapter.handshakeThen("sess-1", func(msg *protocol.Message) {
		switch msg.Method {
		case protocol.MethodPrompt:
			promptID = *msg.ID
			close(promptArrived)
		case protocol.MethodSetMode:
			// Answer the later call first, then the parked prompt.
			adapter.respond(*msg.ID, struct{}{})
			adapter.respond(promptID, protocol.PromptResult{StopReason: "end_turn"})
		}
	}))

	id, err := m.StartSession(context.Background(), "task-1", "claude", t.TempDir())
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	promptDone := make(chan error, 1)
	var stop string
	go func() {
		var perr error
		stop, perr = m.SendPrompt(context.Background(), id, []protocol.ContentBlock{{Type: "text", Text: "go"}})
		promptDone <- perr
	}()

	select {
	case <-promptArrived:
	case <-time.After(5 * time.Second):
		t.Fatalf("adapter never saw the prompt")
	}

	if err := m.SetMode(context.Background(), id, "plan"); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	select {
	case err := <-promptDone:
		if err != nil {
			t.Fatalf("prompt failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("prompt never resolved")
	}
	if stop != "end_turn" {
		t.Fatalf("responses crossed wires, stop reason %q", stop)
	}

	m.DisposeAll()
}

func TestPermissionAnsweredOnce(t *testing.T) {
	emitter := events.NewEmitter(16)
	sub := emitter.Subscribe()
	defer sub.Close()

	m, adapter, _ := newTestManager(emitter)
	responses := make(chan *protocol.Message, 4)
	go adapter.serve(adapter.handshakeThen("sess-1", func(msg *protocol.Message) {
		if msg.Kind() == protocol.KindResponse {
			responses <- msg
		}
	}))

	id, err := m.StartSession(context.Background(), "task-1", "claude", t.TempDir())
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	adapter.request(100, protocol.MethodRequestPermission, map[string]any{
		"sessionId": id,
		"toolCall":  map[string]any{"title": "rm -rf"},
	})

	ev := waitEvent(t, sub, events.PermissionRequest)
	payload, ok := ev.Payload.(map[string]any)
	if !ok {
		t.Fatalf("unexpected payload type %T", ev.Payload)
	}
	reqID, ok := payload["requestId"].(int64)
	if !ok || reqID != 100 {
		t.Fatalf("expected requestId 100, got %v", payload["requestId"])
	}

	outcome := protocol.PermissionOutcome{Outcome: "selected", OptionID: "allow"}
	if err := m.RespondPermission(id, 100, outcome); err != nil {
		t.Fatalf("RespondPermission: %v", err)
	}

	select {
	case msg := <-responses:
		if *msg.ID != 100 || msg.Error != nil {
			t.Fatalf("unexpected permission response: %+v", msg)
		}
		if !strings.Contains(string(msg.Result), `"allow"`) {
			t.Fatalf("outcome missing from response: %s", msg.Result)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("adapter never received the permission response")
	}

	// A second answer for the same request must be rejected.
	if err := m.RespondPermission(id, 100, outcome); err == nil {
		t.Fatalf("expected error answering the same request twice")
	}
	if err := m.RespondPermission(id, 999, outcome); err == nil {
		t.Fatalf("expected error for unknown request id")
	}
	if err := m.RespondPermission("nope", 100, outcome); err == nil {
		t.Fatalf("expected error for unknown session")
	}

	m.DisposeAll()
}

func TestUnknownAgentMethod(t *testing.T) {
	m, adapter, _ := newTestManager(events.NewEmitter(16))
	responses := make(chan *protocol.Message, 1)
	go adapter.serve(adapter.handshakeThen("sess-1", func(msg *protocol.Message) {
		if msg.Kind() == protocol.KindResponse {
			responses <- msg
		}
	}))

	if _, err := m.StartSession(context.Background(), "task-1", "claude", t.TempDir()); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	adapter.request(55, "bogus/method", struct{}{})

	select {
	case msg := <-responses:
		if msg.Error == nil || msg.Error.Code != protocol.CodeMethodNotFound {
			t.Fatalf("expected method-not-found error, got %+v", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no response to unknown method")
	}

	m.DisposeAll()
}

func TestFileReadWithinSandbox(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "notes.txt"), []byte("alpha\nbeta\ngamma\n"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	m, adapter, _ := newTestManager(events.NewEmitter(16))
	responses := make(chan *protocol.Message, 4)
	go adapter.serve(adapter.handshakeThen("sess-1", func(msg *protocol.Message) {
		if msg.Kind() == protocol.KindResponse {
			responses <- msg
		}
	}))

	id, err := m.StartSession(context.Background(), "task-1", "claude", root)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	adapter.request(1000, protocol.MethodReadTextFile, protocol.ReadTextFileParams{
		SessionID: id,
		Path:      filepath.Join(root, "notes.txt"),
	})

	select {
	case msg := <-responses:
		if msg.Error != nil {
			t.Fatalf("read failed: %+v", msg.Error)
		}
		if !strings.Contains(string(msg.Result), "alpha") {
			t.Fatalf("content missing: %s", msg.Result)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no read response")
	}

	m.DisposeAll()
}

func TestSandboxEscapeRejected(t *testing.T) {
	root := t.TempDir()
	m, adapter, _ := newTestManager(events.NewEmitter(16))
	responses := make(chan *protocol.Message, 4)
	go adapter.serve(adapter.handshakeThen("sess-1", func(msg *protocol.Message) {
		if msg.Kind() == protocol.KindResponse {
			responses <- msg
		}
	}))

	id, err := m.StartSession(context.Background(), "task-1", "claude", root)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	escapes := []string{
		"/etc/passwd",
		filepath.Join(root, "..", "outside.txt"),
		root + "/../" + filepath.Base(root) + "-sibling/x",
	}
	for i, path := range escapes {
		adapter.request(int64(2000+i), protocol.MethodReadTextFile, protocol.ReadTextFileParams{
			SessionID: id,
			Path:      path,
		})
		select {
		case msg := <-responses:
			if msg.Error == nil {
				t.Fatalf("path %q escaped the sandbox: %s", path, msg.Result)
			}
			if msg.Error.Code != protocol.CodeInvalidParams {
				t.Fatalf("expected invalid-params for %q, got %+v", path, msg.Error)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("no response for %q", path)
		}
	}

	// A wrong session id is rejected before the path is even looked at.
	adapter.request(2100, protocol.MethodReadTextFile, protocol.ReadTextFileParams{
		SessionID: "someone-else",
		Path:      filepath.Join(root, "x"),
	})
	select {
	case msg := <-responses:
		if msg.Error == nil || !strings.Contains(msg.Error.Message, "invalid session") {
			t.Fatalf("expected invalid session error, got %+v", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no response for wrong session id")
	}

	m.DisposeAll()
}

func TestPendingCallsFailOnAdapterExit(t *testing.T) {
	emitter := events.NewEmitter(16)
	sub := emitter.Subscribe()
	defer sub.Close()

	m, adapter, _ := newTestManager(emitter)
	promptSeen := make(chan struct{})
	go adapter.serve(adapter.handshakeThen("sess-1", func(msg *protocol.Message) {
		if msg.Method == protocol.MethodPrompt {
			close(promptSeen)
		}
	}))

	id, err := m.StartSession(context.Background(), "task-1", "claude", t.TempDir())
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	promptErr := make(chan error, 1)
	go func() {
		_, err := m.SendPrompt(context.Background(), id, []protocol.ContentBlock{{Type: "text", Text: "hi"}})
		promptErr <- err
	}()

	select {
	case <-promptSeen:
	case <-time.After(5 * time.Second):
		t.Fatalf("adapter never saw the prompt")
	}

	// The adapter crashes mid-turn, with a parting complaint on stderr.
	_, _ = adapter.proc.stderrW.Write([]byte("fatal: credentials expired\n"))
	adapter.proc.terminate(errors.New("exit status 1"))

	select {
	case err := <-promptErr:
		if err == nil {
			t.Fatalf("pending prompt must fail when the adapter dies")
		}
		if !strings.Contains(err.Error(), "adapter exited") {
			t.Fatalf("diagnostic missing exit info: %v", err)
		}
		if !strings.Contains(err.Error(), "credentials expired") {
			t.Fatalf("diagnostic missing stderr excerpt: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("pending prompt never resolved")
	}

	ev := waitEvent(t, sub, events.SessionExit)
	if ev.SessionID != id {
		t.Fatalf("unexpected session_exit event: %+v", ev)
	}
	if m.SessionCount() != 0 {
		t.Fatalf("dead session left registered, count %d", m.SessionCount())
	}

	// The slot is free for a fresh start.
	if _, err := m.SendPrompt(context.Background(), id, []protocol.ContentBlock{{Type: "text", Text: "x"}}); err == nil {
		t.Fatalf("expected error sending to a dead session")
	}
}

func TestDisposeSession(t *testing.T) {
	emitter := events.NewEmitter(16)
	sub := emitter.Subscribe()
	defer sub.Close()

	m, adapter, _ := newTestManager(emitter)
	go adapter.serve(adapter.handshakeThen("sess-1", nil))

	id, err := m.StartSession(context.Background(), "task-1", "claude", t.TempDir())
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	m.DisposeSession(id)
	if m.SessionCount() != 0 {
		t.Fatalf("disposed session left registered")
	}
	waitEvent(t, sub, events.SessionExit)

	// Disposal of an unknown session is a no-op.
	m.DisposeSession("already-gone")
}
