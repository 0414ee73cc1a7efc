package protocol

import (
	"encoding/json"
	"fmt"
)

// Version is the protocol version number the host offers during initialize.
const Version = 1

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Kind classifies a decoded message by which fields are present.
type Kind int

const (
	// KindRequest carries both an id and a method: the agent is calling us.
	KindRequest Kind = iota
	// KindResponse carries an id without a method: completion of a call we issued.
	KindResponse
	// KindNotification carries a method without an id: fire-and-forget.
	KindNotification
	// KindInvalid has neither id nor method.
	KindInvalid
)

// RPCError is the error member of a response.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error composes the server message with any structured detail so callers
// see the full failure reason in one string.
func (e *RPCError) Error() string {
	if len(e.Data) == 0 {
		return e.Message
	}
	var s string
	if err := json.Unmarshal(e.Data, &s); err == nil {
		return fmt.Sprintf("%s: %s", e.Message, s)
	}
	return fmt.Sprintf("%s: %s", e.Message, string(e.Data))
}

// Message is one line of the wire protocol: a request, response, or
// notification depending on which fields are set.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Kind reports how the message should be routed.
func (m *Message) Kind() Kind {
	switch {
	case m.ID != nil && m.Method != "":
		return KindRequest
	case m.ID != nil:
		return KindResponse
	case m.Method != "":
		return KindNotification
	default:
		return KindInvalid
	}
}

// Decode parses a single framed line. A failed decode must never take the
// session down; callers log and drop the line.
func Decode(line []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("malformed message line: %w", err)
	}
	if msg.JSONRPC != "2.0" {
		return nil, fmt.Errorf("unsupported jsonrpc version %q", msg.JSONRPC)
	}
	if msg.Kind() == KindInvalid {
		return nil, fmt.Errorf("message has neither id nor method")
	}
	return &msg, nil
}

// NewRequest builds an outbound request message.
func NewRequest(id int64, method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: "2.0", ID: &id, Method: method, Params: raw}, nil
}

// NewNotification builds an outbound fire-and-forget message.
func NewNotification(method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: "2.0", Method: method, Params: raw}, nil
}

// NewResult builds a success response to an agent-originated request.
func NewResult(id int64, result any) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Message{JSONRPC: "2.0", ID: &id, Result: raw}, nil
}

// NewError builds an error response to an agent-originated request.
func NewError(id int64, code int, message string) *Message {
	return &Message{JSONRPC: "2.0", ID: &id, Error: &RPCError{Code: code, Message: message}}
}

// Encode serializes a message to a single newline-terminated line.
func Encode(m *Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return append(data, '\n'), nil
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return raw, nil
}
