package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	"github.com/arrgate/arrgate/internal/domain/upstream"
	"github.com/arrgate/arrgate/pkg/rpcwire"
)

// Wire shapes for the tool surface.

type initializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      serverInfo     `json:"serverInfo"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type wireTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

type toolsListResult struct {
	Tools []wireTool `json:"tools"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type toolCallResult struct {
	Content []contentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

func (t *Transport) dispatch(ctx context.Context, msg *rpcwire.Message) *jsonrpc.Response {
	req := msg.Request()
	switch req.Method {
	case "initialize":
		return t.handleInitialize(req, msg)
	case "ping":
		return t.result(req, struct{}{})
	case "tools/list":
		return t.handleToolsList(req)
	case "tools/call":
		return t.handleToolCall(ctx, req, msg)
	default:
		return rpcwire.NewError(req, rpcwire.CodeMethodNotFound, "method not found: %s", req.Method)
	}
}

// result wraps rpcwire.NewResult so handler code stays linear; a
// marshal failure here is a programming error reported as -32603.
func (t *Transport) result(req *jsonrpc.Request, result any) *jsonrpc.Response {
	resp, err := rpcwire.NewResult(req, result)
	if err != nil {
		t.logger.Error("encode agent result", "method", req.Method, "error", err)
		return rpcwire.NewError(req, rpcwire.CodeInternal, "internal error")
	}
	return resp
}

func (t *Transport) handleInitialize(req *jsonrpc.Request, msg *rpcwire.Message) *jsonrpc.Response {
	if params := msg.ParseParams(); params != nil {
		if info, ok := params["clientInfo"].(map[string]any); ok {
			t.logger.Info("agent connected",
				"client", info["name"], "client_version", info["version"])
		}
	}
	return t.result(req, initializeResult{
		ProtocolVersion: protocolRevision,
		Capabilities: map[string]any{
			"tools": map[string]any{"listChanged": false},
		},
		ServerInfo: serverInfo{Name: t.name, Version: t.version},
	})
}

// handleToolsList aggregates every connected upstream's catalog under
// kind-prefixed names, so one flat list covers all four services. The
// catalog orders entries by kind, which keeps the wire list stable.
func (t *Transport) handleToolsList(req *jsonrpc.Request) *jsonrpc.Response {
	entries := t.orch.CatalogEntries()

	tools := make([]wireTool, 0, 16)
	for _, entry := range entries {
		for _, tool := range entry.Tools {
			schema := tool.InputSchema
			if len(schema) == 0 {
				schema = json.RawMessage(`{"type":"object"}`)
			}
			tools = append(tools, wireTool{
				Name:        string(entry.Kind) + "." + tool.Name,
				Description: tool.Description,
				InputSchema: schema,
			})
		}
	}
	return t.result(req, toolsListResult{Tools: tools})
}

func (t *Transport) handleToolCall(ctx context.Context, req *jsonrpc.Request, msg *rpcwire.Message) *jsonrpc.Response {
	params := msg.ParseParams()
	if params == nil {
		return rpcwire.NewError(req, rpcwire.CodeInvalidParams, "tools/call requires params")
	}
	name, _ := params["name"].(string)
	kind, tool, err := splitToolName(name)
	if err != nil {
		return rpcwire.NewError(req, rpcwire.CodeInvalidParams, "%s", err)
	}
	var args map[string]any
	if rawArgs, ok := params["arguments"]; ok && rawArgs != nil {
		args, ok = rawArgs.(map[string]any)
		if !ok {
			return rpcwire.NewError(req, rpcwire.CodeInvalidParams, "arguments must be an object")
		}
	}

	result := t.orch.Call(ctx, upstream.ToolCall{Upstream: kind, Tool: tool, Params: args})
	if result.Err != nil {
		// Addressing failures are protocol errors; execution failures
		// travel in-band so the agent can read them as tool output.
		switch upstream.Classify(result.Err) {
		case upstream.KindValidation, upstream.KindNotFound, upstream.KindNotConfigured:
			return rpcwire.NewError(req, rpcwire.CodeInvalidParams, "%s", result.Err)
		}
		return t.result(req, toolCallResult{
			Content: []contentBlock{{Type: "text", Text: result.Err.Error()}},
			IsError: true,
		})
	}
	return t.result(req, toolCallResult{
		Content: []contentBlock{{Type: "text", Text: string(result.Data)}},
	})
}

// splitToolName resolves a kind-prefixed wire name like
// "download.get_queue" into its routing pair.
func splitToolName(name string) (upstream.Kind, string, error) {
	if name == "" {
		return "", "", fmt.Errorf("tool name is required")
	}
	prefix, rest, found := strings.Cut(name, ".")
	if !found || rest == "" {
		return "", "", fmt.Errorf("tool name %q must be <upstream>.<tool>", name)
	}
	kind, err := upstream.ParseKind(prefix)
	if err != nil {
		return "", "", err
	}
	return kind, rest, nil
}
