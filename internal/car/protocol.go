// Package car implements the Backend Session Core: process supervision,
// app-server wire framing, turn state machines, and the orchestrator façade
// that surfaces (terminal, web, chat) drive to run agent turns.
package car

import (
	"encoding/json"
	"fmt"
)

// Message is one line of the newline-delimited JSON-RPC 2.0 dialect spoken
// over an agent process's stdio (or, for opencode-flavored backends, over an
// HTTP chunked/SSE body normalized into the same shape).
//
// A Message is exactly one of:
//   - outbound/inbound request:      ID != nil, Method != ""
//   - outbound/inbound notification: ID == nil, Method != ""
//   - inbound response:              ID != nil, Method == "", Result or Error set
type Message struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError mirrors the JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes used by the dispatcher (§4.3).
const (
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidRequest = -32600
	ErrCodeInternal       = -32603
	ErrCodeApprovalFailed = -32001
)

// IsRequest reports whether m carries an id and a method — an outbound call
// awaiting a response, or an inbound server-initiated request needing a reply.
func (m *Message) IsRequest() bool {
	return m != nil && len(m.ID) > 0 && m.Method != ""
}

// IsNotification reports whether m is id-less and carries a method.
func (m *Message) IsNotification() bool {
	return m != nil && len(m.ID) == 0 && m.Method != ""
}

// IsResponse reports whether m carries an id but no method (a reply to one
// of our outbound requests).
func (m *Message) IsResponse() bool {
	return m != nil && len(m.ID) > 0 && m.Method == ""
}

// idString normalizes a JSON-RPC id, which the wire may send as either a
// JSON string or a JSON number, into the string form the dispatcher always
// keys on internally (§4.3: "the dispatcher must accept both shapes from
// the server but always emits strings").
func idString(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), true
	}
	return "", false
}

// encodeID renders a string id as the JSON id field we emit on outbound
// requests; we always emit strings regardless of what a reply used.
func encodeID(id string) json.RawMessage {
	b, _ := json.Marshal(id)
	return b
}

// newRequest builds an outbound request Message.
func newRequest(id, method string, params any) (*Message, error) {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params for %s: %w", method, err)
		}
		raw = b
	}
	return &Message{JSONRPC: "2.0", ID: encodeID(id), Method: method, Params: raw}, nil
}

// newNotification builds an outbound notification Message.
func newNotification(method string, params any) (*Message, error) {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params for %s: %w", method, err)
		}
		raw = b
	}
	return &Message{JSONRPC: "2.0", Method: method, Params: raw}, nil
}

// newResponse builds a reply Message for an inbound server request.
func newResponse(id json.RawMessage, result any, rpcErr *RPCError) (*Message, error) {
	msg := &Message{JSONRPC: "2.0", ID: id, Error: rpcErr}
	if rpcErr == nil {
		b, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("marshal result: %w", err)
		}
		msg.Result = b
	}
	return msg, nil
}
