// Package mcp defines the JSON-RPC 2.0 message envelope spoken between the
// gateway and MCP backends, together with the protocol versions the gateway
// negotiates during the initialize handshake.
package mcp

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersions lists the supported MCP protocol versions, newest first.
// Version negotiation walks this list high-to-low.
var ProtocolVersions = []string{
	"2025-06-18",
	"2025-03-26",
	"2024-11-26",
}

// LatestProtocolVersion returns the newest supported protocol version.
func LatestProtocolVersion() string {
	return ProtocolVersions[0]
}

// Message represents a JSON-RPC 2.0 message.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error represents a JSON-RPC error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// NewRequest creates a new JSON-RPC request message.
func NewRequest(method string, params any, id any) (*Message, error) {
	paramsJSON, err := marshalField(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	return &Message{JSONRPC: "2.0", Method: method, Params: paramsJSON, ID: id}, nil
}

// NewResponse creates a new JSON-RPC response message.
func NewResponse(id any, result any) (*Message, error) {
	resultJSON, err := marshalField(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return &Message{JSONRPC: "2.0", Result: resultJSON, ID: id}, nil
}

// NewErrorResponse creates a new JSON-RPC error response message.
func NewErrorResponse(id any, code int, message string, data any) (*Message, error) {
	dataJSON, err := marshalField(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal error data: %w", err)
	}
	return &Message{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &Error{Code: code, Message: message, Data: dataJSON},
	}, nil
}

// NewNotification creates a new JSON-RPC notification message.
func NewNotification(method string, params any) (*Message, error) {
	paramsJSON, err := marshalField(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	return &Message{JSONRPC: "2.0", Method: method, Params: paramsJSON}, nil
}

func marshalField(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}

// IsRequest returns true if the message is a request.
func (m *Message) IsRequest() bool {
	return m.Method != "" && m.ID != nil
}

// IsResponse returns true if the message is a response.
func (m *Message) IsResponse() bool {
	return m.ID != nil && (m.Result != nil || m.Error != nil) && m.Method == ""
}

// IsNotification returns true if the message is a notification.
func (m *Message) IsNotification() bool {
	return m.Method != "" && m.ID == nil
}

// Validate checks the message against the JSON-RPC 2.0 envelope rules.
func (m *Message) Validate() error {
	if m.JSONRPC != "2.0" {
		return fmt.Errorf("invalid JSON-RPC version: %q", m.JSONRPC)
	}
	if m.Method == "" && m.Result == nil && m.Error == nil {
		return fmt.Errorf("message has neither method nor result nor error")
	}
	if m.Result != nil && m.Error != nil {
		return fmt.Errorf("message has both result and error")
	}
	return nil
}

// IDKey normalizes a JSON-RPC id for use as a map key. JSON numbers decode as
// float64, so "1" and 1 stay distinct while 1 sent and 1.0 received match.
func IDKey(id any) string {
	if id == nil {
		return ""
	}
	switch v := id.(type) {
	case string:
		return "s:" + v
	case float64:
		return fmt.Sprintf("n:%v", v)
	case int:
		return fmt.Sprintf("n:%v", float64(v))
	case int64:
		return fmt.Sprintf("n:%v", float64(v))
	default:
		return fmt.Sprintf("o:%v", v)
	}
}
