// Package protocol defines the JSON-RPC 2.0 message shapes spoken on every
// transport, the classification rules that sort incoming traffic into
// requests, responses and notifications, and the error code space.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Version is the JSON-RPC protocol version spoken on the wire.
const Version = "2.0"

// MCPVersion is the model-context protocol revision advertised on initialize.
const MCPVersion = "2025-03-26"

// Kind classifies a message. The order of the classification rules matters:
// a message with both id and result is a response even if it carries a method.
type Kind int

const (
	KindResponse Kind = iota
	KindRequest
	KindNotification
)

func (k Kind) String() string {
	switch k {
	case KindResponse:
		return "response"
	case KindRequest:
		return "request"
	default:
		return "notification"
	}
}

// Message is the internal representation of one JSON-RPC message. The ID is
// kept raw so that string and numeric ids survive a round trip unchanged.
//
// CorrelationID and ReplyTo are transport routing metadata attached by the
// AMQP transport on ingress and consumed (then stripped) on egress; they
// never appear on the wire.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`

	CorrelationID string `json:"-"`
	ReplyTo       string `json:"-"`
	SessionID     string `json:"-"`
}

// HasID reports whether the message carries a non-null id.
func (m *Message) HasID() bool {
	return len(m.ID) > 0 && !bytes.Equal(m.ID, []byte("null"))
}

// Classify sorts the message into one of the three kinds. Rules, in order:
// response (id and result-or-error), request (id and method), notification
// (method without id). Anything else is treated as a notification so a
// malformed message never stalls the pipeline; callers log it.
func (m *Message) Classify() Kind {
	switch {
	case m.HasID() && (m.Result != nil || m.Error != nil):
		return KindResponse
	case m.HasID() && m.Method != "":
		return KindRequest
	default:
		return KindNotification
	}
}

// StripRouting clears transport routing metadata after egress.
func (m *Message) StripRouting() {
	m.CorrelationID = ""
	m.ReplyTo = ""
}

// Parse decodes a single wire message. A JSON syntax failure is a parse
// error; a wrong jsonrpc version is an invalid request.
func Parse(data []byte) (*Message, *Error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, NewError(CodeParse, "parse error", err.Error())
	}
	if m.JSONRPC != Version {
		return &m, NewError(CodeInvalidRequest, "invalid request", fmt.Sprintf("unsupported jsonrpc version %q", m.JSONRPC))
	}
	return &m, nil
}

// NewRequest builds a request message. The id may be a string or a number.
func NewRequest(id any, method string, params any) (*Message, error) {
	m := &Message{JSONRPC: Version, Method: method}
	raw, err := json.Marshal(id)
	if err != nil {
		return nil, fmt.Errorf("encoding id: %w", err)
	}
	m.ID = raw
	if params != nil {
		if m.Params, err = json.Marshal(params); err != nil {
			return nil, fmt.Errorf("encoding params: %w", err)
		}
	}
	return m, nil
}

// NewNotification builds a notification message.
func NewNotification(method string, params any) (*Message, error) {
	m := &Message{JSONRPC: Version, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encoding params: %w", err)
		}
		m.Params = raw
	}
	return m, nil
}

// NewResponse builds a success response for the given request id.
func NewResponse(id json.RawMessage, result any) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	return &Message{JSONRPC: Version, ID: id, Result: raw}, nil
}

// NewErrorResponse builds an error response for the given request id.
func NewErrorResponse(id json.RawMessage, e *Error) *Message {
	if id == nil {
		id = json.RawMessage("null")
	}
	return &Message{JSONRPC: Version, ID: id, Error: e}
}

// Encode serialises the message for the wire. Routing metadata is excluded
// by construction.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}
