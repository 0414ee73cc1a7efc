package protocol

import "encoding/json"

// Method names the host sends to the agent.
const (
	MethodInitialize = "initialize"
	MethodNewSession = "session/new"
	MethodPrompt     = "session/prompt"
	MethodCancel     = "session/cancel"
	MethodSetMode    = "session/set_mode"
)

// Method names the agent sends to the host.
const (
	MethodSessionUpdate     = "session/update"
	MethodRequestPermission = "session/request_permission"
	MethodReadTextFile      = "fs/read_text_file"
	MethodWriteTextFile     = "fs/write_text_file"
	MethodTerminalCreate    = "terminal/create"
	MethodTerminalOutput    = "terminal/output"
	MethodTerminalWrite     = "terminal/write"
	MethodTerminalResize    = "terminal/resize"
	MethodTerminalWait      = "terminal/wait_for_exit"
	MethodTerminalKill      = "terminal/kill"
	MethodTerminalRelease   = "terminal/release"
)

// FileSystemCapability declares which confined file operations the host offers.
type FileSystemCapability struct {
	ReadTextFile  bool `json:"readTextFile"`
	WriteTextFile bool `json:"writeTextFile"`
}

// ClientCapabilities is the capability set declared during initialize.
type ClientCapabilities struct {
	Fs       FileSystemCapability `json:"fs"`
	Terminal bool                 `json:"terminal"`
}

// InitializeParams is the first handshake step.
type InitializeParams struct {
	ProtocolVersion    int                `json:"protocolVersion"`
	ClientCapabilities ClientCapabilities `json:"clientCapabilities"`
}

// InitializeResult carries the negotiated version and agent metadata.
type InitializeResult struct {
	ProtocolVersion   int             `json:"protocolVersion"`
	AgentInfo         json.RawMessage `json:"agentInfo,omitempty"`
	AgentCapabilities json.RawMessage `json:"agentCapabilities,omitempty"`
}

// NewSessionParams is the second handshake step.
type NewSessionParams struct {
	Cwd        string `json:"cwd"`
	McpServers []any  `json:"mcpServers"`
}

// SessionMode is one interaction mode advertised by the agent.
type SessionMode struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

// SessionModes is the normalized internal representation of the agent's
// mode set. The wire response may carry it flat or nested; see
// NewSessionResult.Normalize.
type SessionModes struct {
	AvailableModes []SessionMode `json:"availableModes,omitempty"`
	CurrentModeID  string        `json:"currentModeId,omitempty"`
}

// NewSessionResult tolerates the two response shapes observed in the wild:
// a flat availableModes/currentModeId pair, or the same pair nested under a
// "modes" object.
type NewSessionResult struct {
	SessionID string        `json:"sessionId"`
	Modes     *SessionModes `json:"modes,omitempty"`

	AvailableModes []SessionMode `json:"availableModes,omitempty"`
	CurrentModeID  string        `json:"currentModeId,omitempty"`
}

// Normalize collapses the two mode shapes into one SessionModes value, or
// nil when the agent advertised none.
func (r *NewSessionResult) Normalize() *SessionModes {
	if r.Modes != nil && (len(r.Modes.AvailableModes) > 0 || r.Modes.CurrentModeID != "") {
		return r.Modes
	}
	if len(r.AvailableModes) > 0 || r.CurrentModeID != "" {
		return &SessionModes{AvailableModes: r.AvailableModes, CurrentModeID: r.CurrentModeID}
	}
	return nil
}

// ContentBlock is one element of a prompt.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// PromptParams carries the user's prompt to the agent.
type PromptParams struct {
	SessionID string         `json:"sessionId"`
	Prompt    []ContentBlock `json:"prompt"`
}

// PromptResult is the completion of a prompt turn.
type PromptResult struct {
	StopReason string `json:"stopReason"`
}

// CancelParams asks the agent to stop the in-flight prompt turn.
type CancelParams struct {
	SessionID string `json:"sessionId"`
}

// SetModeParams switches the agent's interaction mode.
type SetModeParams struct {
	SessionID string `json:"sessionId"`
	ModeID    string `json:"modeId"`
}

// PermissionOutcome is the host's decision on a permission request:
// {outcome: "selected", optionId} or {outcome: "cancelled"}.
type PermissionOutcome struct {
	Outcome  string `json:"outcome"`
	OptionID string `json:"optionId,omitempty"`
}

// PermissionResult wraps the outcome in the response shape the agent expects.
type PermissionResult struct {
	Outcome PermissionOutcome `json:"outcome"`
}

// ReadTextFileParams narrows an optional window of a file. Line is 1-based.
type ReadTextFileParams struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Line      *int   `json:"line,omitempty"`
	Limit     *int   `json:"limit,omitempty"`
}

// ReadTextFileResult returns the (possibly narrowed) file content.
type ReadTextFileResult struct {
	Content string `json:"content"`
}

// WriteTextFileParams writes content to a confined path. A nil Content
// writes an empty file.
type WriteTextFileParams struct {
	SessionID string  `json:"sessionId"`
	Path      string  `json:"path"`
	Content   *string `json:"content,omitempty"`
}

// TerminalCreateParams spawns a hosted PTY on behalf of the agent.
type TerminalCreateParams struct {
	SessionID       string   `json:"sessionId"`
	Command         string   `json:"command"`
	Args            []string `json:"args,omitempty"`
	Cwd             string   `json:"cwd,omitempty"`
	Env             []EnvVar `json:"env,omitempty"`
	OutputByteLimit *int     `json:"outputByteLimit,omitempty"`
	Cols            *int     `json:"cols,omitempty"`
	Rows            *int     `json:"rows,omitempty"`
}

// EnvVar is one explicitly forwarded environment variable.
type EnvVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// TerminalCreateResult returns the fresh terminal identifier.
type TerminalCreateResult struct {
	TerminalID string `json:"terminalId"`
}

// TerminalIDParams addresses an existing terminal.
type TerminalIDParams struct {
	SessionID  string `json:"sessionId"`
	TerminalID string `json:"terminalId"`
}

// TerminalOutputParams reads the buffered output, optionally re-truncated.
type TerminalOutputParams struct {
	SessionID       string `json:"sessionId"`
	TerminalID      string `json:"terminalId"`
	OutputByteLimit *int   `json:"outputByteLimit,omitempty"`
}

// TerminalExitStatus reports how the terminal's process ended.
type TerminalExitStatus struct {
	ExitCode *int    `json:"exitCode,omitempty"`
	Signal   *string `json:"signal,omitempty"`
}

// TerminalOutputResult is the buffered output plus exit status if known.
type TerminalOutputResult struct {
	Output     string              `json:"output"`
	Truncated  bool                `json:"truncated"`
	ExitStatus *TerminalExitStatus `json:"exitStatus,omitempty"`
}

// TerminalWriteParams injects input into the terminal.
type TerminalWriteParams struct {
	SessionID  string `json:"sessionId"`
	TerminalID string `json:"terminalId"`
	Data       string `json:"data"`
}

// TerminalResizeParams changes the terminal geometry. Both dimensions are
// required.
type TerminalResizeParams struct {
	SessionID  string `json:"sessionId"`
	TerminalID string `json:"terminalId"`
	Cols       *int   `json:"cols,omitempty"`
	Rows       *int   `json:"rows,omitempty"`
}

// TerminalWaitResult resolves once the terminal's process has exited.
type TerminalWaitResult struct {
	ExitStatus TerminalExitStatus `json:"exitStatus"`
}
