// Package rpcwire provides the JSON-RPC message envelope and response
// builders for the agent transport. Wire encoding delegates to the
// go-sdk jsonrpc package, keeping the framing byte-compatible with MCP
// clients.
package rpcwire

import (
	"encoding/json"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// Standard JSON-RPC 2.0 error codes used on the agent wire.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
)

// Message wraps one inbound JSON-RPC message with wire metadata. Raw
// holds the original line; Decoded is either *jsonrpc.Request or
// *jsonrpc.Response.
type Message struct {
	Raw        []byte
	Decoded    jsonrpc.Message
	ReceivedAt time.Time

	// ParsedParams caches the request params decoded as a map.
	// Populated by ParseParams.
	ParsedParams map[string]any
}

// Wrap decodes raw JSON-RPC bytes into a Message stamped with the
// receive time. The raw bytes are copied; callers may reuse the buffer.
func Wrap(raw []byte) (*Message, error) {
	decoded, err := jsonrpc.DecodeMessage(raw)
	if err != nil {
		return nil, err
	}
	return &Message{
		Raw:        append([]byte(nil), raw...),
		Decoded:    decoded,
		ReceivedAt: time.Now().UTC(),
	}, nil
}

// IsRequest reports whether the message is a JSON-RPC request,
// including notifications.
func (m *Message) IsRequest() bool {
	_, ok := m.Decoded.(*jsonrpc.Request)
	return ok
}

// Request returns the underlying request, or nil for responses.
func (m *Message) Request() *jsonrpc.Request {
	req, _ := m.Decoded.(*jsonrpc.Request)
	return req
}

// IsNotification reports whether the message is a request carrying no
// ID. Notifications never receive a response.
func (m *Message) IsNotification() bool {
	req := m.Request()
	return req != nil && !req.IsCall()
}

// Method returns the request method, or "" for responses.
func (m *Message) Method() string {
	if req := m.Request(); req != nil {
		return req.Method
	}
	return ""
}

// ParseParams decodes the request params into a map once and caches
// the result. Returns nil when the message is not a request or the
// params are absent or not an object.
func (m *Message) ParseParams() map[string]any {
	if m.ParsedParams != nil {
		return m.ParsedParams
	}
	req := m.Request()
	if req == nil || len(req.Params) == 0 {
		return nil
	}
	var params map[string]any
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil
	}
	m.ParsedParams = params
	return params
}
