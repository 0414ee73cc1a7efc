package session

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/workspace/agenthost/internal/events"
	"github.com/workspace/agenthost/internal/launcher"
	"github.com/workspace/agenthost/internal/protocol"
	"github.com/workspace/agenthost/internal/term"
)

// dispatchRequest routes an agent-originated request over the closed set of
// methods the host serves. Unknown methods get a method-not-found error
// rather than being silently dropped.
func (s *Session) dispatchRequest(msg *protocol.Message) {
	id := *msg.ID

	switch msg.Method {
	case protocol.MethodRequestPermission:
		s.handleRequestPermission(id, msg.Params)
	case protocol.MethodReadTextFile:
		s.handleReadTextFile(id, msg.Params)
	case protocol.MethodWriteTextFile:
		s.handleWriteTextFile(id, msg.Params)
	case protocol.MethodTerminalCreate:
		s.handleTerminalCreate(id, msg.Params)
	case protocol.MethodTerminalOutput:
		s.handleTerminalOutput(id, msg.Params)
	case protocol.MethodTerminalWrite:
		s.handleTerminalWrite(id, msg.Params)
	case protocol.MethodTerminalResize:
		s.handleTerminalResize(id, msg.Params)
	case protocol.MethodTerminalWait:
		s.handleTerminalWait(id, msg.Params)
	case protocol.MethodTerminalKill:
		s.handleTerminalKill(id, msg.Params)
	case protocol.MethodTerminalRelease:
		s.handleTerminalRelease(id, msg.Params)
	default:
		s.respondError(id, protocol.CodeMethodNotFound, "method not found: "+msg.Method)
	}
}

// dispatchNotification handles fire-and-forget messages from the agent.
func (s *Session) dispatchNotification(msg *protocol.Message) {
	switch msg.Method {
	case protocol.MethodSessionUpdate:
		s.manager.emitter.Emit(events.Event{
			Type: events.SessionUpdate, TaskID: s.TaskID, ProviderID: s.ProviderID,
			SessionID: s.SessionID(), Payload: msg.Params,
		})
	default:
		slog.Debug("dropping unknown notification", "method", msg.Method)
	}
}

// handleRequestPermission records the request ID as pending and emits a
// permission_request event. The RPC response is deferred until the host
// calls RespondPermission — possibly much later, possibly never.
func (s *Session) handleRequestPermission(id int64, params json.RawMessage) {
	s.mu.Lock()
	s.permissions[id] = struct{}{}
	s.mu.Unlock()

	s.manager.emitter.Emit(events.Event{
		Type: events.PermissionRequest, TaskID: s.TaskID, ProviderID: s.ProviderID,
		SessionID: s.SessionID(),
		Payload: map[string]any{
			"requestId": id,
			"request":   params,
		},
	})
}

// checkSession verifies the agent supplied our session identifier. Every
// capability method must pass this before touching host resources.
func (s *Session) checkSession(id int64, sessionID string) bool {
	if sessionID == "" || sessionID != s.SessionID() {
		s.respondError(id, protocol.CodeInvalidParams, "invalid session")
		return false
	}
	return true
}

func (s *Session) handleReadTextFile(id int64, raw json.RawMessage) {
	var params protocol.ReadTextFileParams
	if err := json.Unmarshal(raw, &params); err != nil {
		s.respondError(id, protocol.CodeInvalidParams, "invalid params")
		return
	}
	if !s.checkSession(id, params.SessionID) {
		return
	}

	path, err := s.resolvePath(params.Path)
	if err != nil {
		s.respondError(id, protocol.CodeInvalidParams, err.Error())
		return
	}

	content, err := readTextFile(path, params.Line, params.Limit)
	if err != nil {
		s.respondError(id, protocol.CodeInternalError, err.Error())
		return
	}
	s.respond(id, protocol.ReadTextFileResult{Content: content})
}

func (s *Session) handleWriteTextFile(id int64, raw json.RawMessage) {
	var params protocol.WriteTextFileParams
	if err := json.Unmarshal(raw, &params); err != nil {
		s.respondError(id, protocol.CodeInvalidParams, "invalid params")
		return
	}
	if !s.checkSession(id, params.SessionID) {
		return
	}

	path, err := s.resolvePath(params.Path)
	if err != nil {
		s.respondError(id, protocol.CodeInvalidParams, err.Error())
		return
	}

	content := ""
	if params.Content != nil {
		content = *params.Content
	}
	if err := writeTextFile(path, content); err != nil {
		s.respondError(id, protocol.CodeInternalError, err.Error())
		return
	}
	s.respond(id, struct{}{})
}

func (s *Session) handleTerminalCreate(id int64, raw json.RawMessage) {
	var params protocol.TerminalCreateParams
	if err := json.Unmarshal(raw, &params); err != nil {
		s.respondError(id, protocol.CodeInvalidParams, "invalid params")
		return
	}
	if !s.checkSession(id, params.SessionID) {
		return
	}
	if params.Command == "" {
		s.respondError(id, protocol.CodeInvalidParams, "command is required")
		return
	}

	cwd := s.Cwd
	if params.Cwd != "" {
		resolved, err := s.resolvePath(params.Cwd)
		if err != nil {
			s.respondError(id, protocol.CodeInvalidParams, err.Error())
			return
		}
		cwd = resolved
	}

	env := make([]string, 0, len(params.Env))
	for _, v := range params.Env {
		env = append(env, v.Name+"="+v.Value)
	}

	limit := s.manager.cfg.TerminalOutputLimit
	if params.OutputByteLimit != nil {
		limit = *params.OutputByteLimit
	}
	cols, rows := s.manager.cfg.DefaultCols, s.manager.cfg.DefaultRows
	if params.Cols != nil {
		cols = *params.Cols
	}
	if params.Rows != nil {
		rows = *params.Rows
	}

	t, err := s.terminals.Create(term.CreateConfig{
		Command:         params.Command,
		Args:            params.Args,
		Cwd:             cwd,
		Env:             launcher.MinimalEnv(append(s.manager.cfg.ForwardEnv, env...)),
		OutputByteLimit: limit,
		Cols:            cols,
		Rows:            rows,
		OnOutput: func(terminalID string, data []byte) {
			s.manager.emitter.Emit(events.Event{
				Type: events.TerminalOutput, TaskID: s.TaskID, ProviderID: s.ProviderID,
				SessionID: s.SessionID(),
				Payload: map[string]any{
					"terminalId": terminalID,
					"data":       string(data),
				},
			})
		},
		OnExit: func(terminalID string, status term.ExitStatus) {
			s.manager.emitter.Emit(events.Event{
				Type: events.TerminalExit, TaskID: s.TaskID, ProviderID: s.ProviderID,
				SessionID: s.SessionID(),
				Payload: map[string]any{
					"terminalId": terminalID,
					"exitStatus": protocol.TerminalExitStatus{ExitCode: status.ExitCode, Signal: status.Signal},
				},
			})
		},
	})
	if err != nil {
		s.respondError(id, protocol.CodeInternalError, err.Error())
		return
	}

	s.respond(id, protocol.TerminalCreateResult{TerminalID: t.ID})
}

// terminalFor looks up a terminal by ID after the session check, responding
// with an error when the record is unknown or already released.
func (s *Session) terminalFor(id int64, sessionID, terminalID string) *term.Terminal {
	if !s.checkSession(id, sessionID) {
		return nil
	}
	t := s.terminals.Get(terminalID)
	if t == nil {
		s.respondError(id, protocol.CodeInvalidParams, "terminal not found: "+terminalID)
		return nil
	}
	return t
}

func (s *Session) handleTerminalOutput(id int64, raw json.RawMessage) {
	var params protocol.TerminalOutputParams
	if err := json.Unmarshal(raw, &params); err != nil {
		s.respondError(id, protocol.CodeInvalidParams, "invalid params")
		return
	}
	t := s.terminalFor(id, params.SessionID, params.TerminalID)
	if t == nil {
		return
	}

	limit := 0
	if params.OutputByteLimit != nil {
		limit = *params.OutputByteLimit
	}
	output, truncated, exit := t.Output(limit)
	result := protocol.TerminalOutputResult{Output: output, Truncated: truncated}
	if exit != nil {
		result.ExitStatus = &protocol.TerminalExitStatus{ExitCode: exit.ExitCode, Signal: exit.Signal}
	}
	s.respond(id, result)
}

func (s *Session) handleTerminalWrite(id int64, raw json.RawMessage) {
	var params protocol.TerminalWriteParams
	if err := json.Unmarshal(raw, &params); err != nil {
		s.respondError(id, protocol.CodeInvalidParams, "invalid params")
		return
	}
	t := s.terminalFor(id, params.SessionID, params.TerminalID)
	if t == nil {
		return
	}
	if err := t.Write([]byte(params.Data)); err != nil {
		s.respondError(id, protocol.CodeInternalError, err.Error())
		return
	}
	s.respond(id, struct{}{})
}

func (s *Session) handleTerminalResize(id int64, raw json.RawMessage) {
	var params protocol.TerminalResizeParams
	if err := json.Unmarshal(raw, &params); err != nil {
		s.respondError(id, protocol.CodeInvalidParams, "invalid params")
		return
	}
	if params.Cols == nil || params.Rows == nil {
		s.respondError(id, protocol.CodeInvalidParams, "cols and rows are required")
		return
	}
	t := s.terminalFor(id, params.SessionID, params.TerminalID)
	if t == nil {
		return
	}
	if err := t.Resize(*params.Cols, *params.Rows); err != nil {
		s.respondError(id, protocol.CodeInternalError, err.Error())
		return
	}
	s.respond(id, struct{}{})
}

// handleTerminalWait resolves immediately when the exit status is cached;
// otherwise it parks a goroutine on the terminal's exit broadcast so the
// read loop keeps draining messages while the agent waits.
func (s *Session) handleTerminalWait(id int64, raw json.RawMessage) {
	var params protocol.TerminalIDParams
	if err := json.Unmarshal(raw, &params); err != nil {
		s.respondError(id, protocol.CodeInvalidParams, "invalid params")
		return
	}
	t := s.terminalFor(id, params.SessionID, params.TerminalID)
	if t == nil {
		return
	}

	go func() {
		status, err := t.WaitForExit(context.Background())
		if err != nil {
			s.respondError(id, protocol.CodeInternalError, err.Error())
			return
		}
		s.respond(id, protocol.TerminalWaitResult{
			ExitStatus: protocol.TerminalExitStatus{ExitCode: status.ExitCode, Signal: status.Signal},
		})
	}()
}

func (s *Session) handleTerminalKill(id int64, raw json.RawMessage) {
	var params protocol.TerminalIDParams
	if err := json.Unmarshal(raw, &params); err != nil {
		s.respondError(id, protocol.CodeInvalidParams, "invalid params")
		return
	}
	t := s.terminalFor(id, params.SessionID, params.TerminalID)
	if t == nil {
		return
	}
	t.Kill()
	s.respond(id, struct{}{})
}

func (s *Session) handleTerminalRelease(id int64, raw json.RawMessage) {
	var params protocol.TerminalIDParams
	if err := json.Unmarshal(raw, &params); err != nil {
		s.respondError(id, protocol.CodeInvalidParams, "invalid params")
		return
	}
	if !s.checkSession(id, params.SessionID) {
		return
	}
	if err := s.terminals.Release(params.TerminalID); err != nil {
		s.respondError(id, protocol.CodeInvalidParams, err.Error())
		return
	}
	s.respond(id, struct{}{})
}
