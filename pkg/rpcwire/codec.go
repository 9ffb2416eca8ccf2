package rpcwire

import (
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// Encode serializes a JSON-RPC message to its wire form.
func Encode(msg jsonrpc.Message) ([]byte, error) {
	return jsonrpc.EncodeMessage(msg)
}

// NewResult builds the success response for req, marshaling result as
// the JSON-RPC result object.
func NewResult(req *jsonrpc.Request, result any) (*jsonrpc.Response, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result for %s: %w", req.Method, err)
	}
	return &jsonrpc.Response{ID: req.ID, Result: data}, nil
}

// NewError builds the error response for req with a formatted message.
func NewError(req *jsonrpc.Request, code int64, format string, args ...any) *jsonrpc.Response {
	return &jsonrpc.Response{
		ID:    req.ID,
		Error: &jsonrpc.Error{Code: code, Message: fmt.Sprintf(format, args...)},
	}
}

// ErrorBytes renders a raw error reply for a line that failed to
// decode. id is the raw id value lifted from the line, nil when none
// was recoverable; a nil id marshals as the JSON null the protocol
// prescribes for parse errors.
func ErrorBytes(id json.RawMessage, code int64, message string) []byte {
	resp := map[string]any{
		"jsonrpc": "2.0",
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
		"id": id,
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return []byte(`{"jsonrpc":"2.0","error":{"code":-32603,"message":"internal error"},"id":null}`)
	}
	return data
}

// ExtractID lifts the raw id field from a line so error replies can
// still reference it when full decoding failed.
func ExtractID(raw []byte) json.RawMessage {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil
	}
	return fields["id"]
}
