package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/arrgate/arrgate/internal/domain/upstream"
	"github.com/arrgate/arrgate/internal/port/outbound"
	"github.com/arrgate/arrgate/internal/service"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// stubAdapter is a scriptable outbound.Adapter for wire tests.
type stubAdapter struct {
	kind   upstream.Kind
	tools  []upstream.Tool
	callFn func(ctx context.Context, tool string, params map[string]any) (json.RawMessage, error)
}

func (s *stubAdapter) Kind() upstream.Kind { return s.kind }

func (s *stubAdapter) Connect(context.Context) error { return nil }

func (s *stubAdapter) Disconnect() error { return nil }

func (s *stubAdapter) Status() upstream.ConnectionStatus { return upstream.StatusConnected }

func (s *stubAdapter) Health(context.Context) error { return nil }

func (s *stubAdapter) Version() upstream.Version { return upstream.Version{Major: 4, Minor: 1} }

func (s *stubAdapter) ListTools(context.Context) ([]upstream.Tool, error) { return s.tools, nil }

func (s *stubAdapter) CallTool(ctx context.Context, tool string, params map[string]any) (json.RawMessage, error) {
	if s.callFn != nil {
		return s.callFn(ctx, tool, params)
	}
	for _, t := range s.tools {
		if t.Name == tool {
			return json.RawMessage(`{}`), nil
		}
	}
	return nil, upstream.NewError(upstream.KindNotFound, s.kind, "call_tool", "unknown tool %q", tool)
}

var _ outbound.Adapter = (*stubAdapter)(nil)

func newTestTransport(t *testing.T, adapters ...*stubAdapter) *Transport {
	t.Helper()
	logger := testLogger()

	orch := service.NewOrchestrator(service.OrchestratorConfig{}, logger)
	for _, a := range adapters {
		if err := orch.Register(a); err != nil {
			t.Fatalf("Register(%s): %v", a.kind, err)
		}
		if err := orch.Connect(context.Background(), a.kind); err != nil {
			t.Fatalf("Connect(%s): %v", a.kind, err)
		}
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx, false)
	})

	return NewTransport(orch, "test", logger)
}

// wireResponse is the decoded shape of one response line.
type wireResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *struct {
		Code    int64  `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// runWire feeds input through Run and decodes every response line.
func runWire(t *testing.T, tr *Transport, input string) []wireResponse {
	t.Helper()
	var out bytes.Buffer
	if err := tr.Run(context.Background(), strings.NewReader(input), &out); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var resps []wireResponse
	sc := bufio.NewScanner(&out)
	sc.Buffer(make([]byte, 0, scannerInitialBufSize), scannerMaxBufSize)
	for sc.Scan() {
		var resp wireResponse
		if err := json.Unmarshal(sc.Bytes(), &resp); err != nil {
			t.Fatalf("response line %q: %v", sc.Text(), err)
		}
		resps = append(resps, resp)
	}
	return resps
}

func TestTransportInitializeAndPing(t *testing.T) {
	tr := newTestTransport(t, &stubAdapter{kind: upstream.KindDownload})

	input := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-11-25","clientInfo":{"name":"agent","version":"0.1"}}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"ping"}`,
	}, "\n") + "\n"

	resps := runWire(t, tr, input)
	if len(resps) != 2 {
		t.Fatalf("responses = %d, want 2 (notification must not produce one)", len(resps))
	}

	var init struct {
		ProtocolVersion string `json:"protocolVersion"`
		Capabilities    struct {
			Tools map[string]any `json:"tools"`
		} `json:"capabilities"`
		ServerInfo struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"serverInfo"`
	}
	if err := json.Unmarshal(resps[0].Result, &init); err != nil {
		t.Fatalf("initialize result: %v", err)
	}
	if init.ProtocolVersion != "2025-11-25" {
		t.Errorf("protocolVersion = %q", init.ProtocolVersion)
	}
	if init.ServerInfo.Name != "arrgate" || init.ServerInfo.Version != "test" {
		t.Errorf("serverInfo = %+v", init.ServerInfo)
	}
	if init.Capabilities.Tools == nil {
		t.Error("capabilities.tools missing")
	}

	if string(resps[1].ID) != "2" || resps[1].Error != nil {
		t.Errorf("ping response = %+v", resps[1])
	}
}

func TestTransportToolsList(t *testing.T) {
	download := &stubAdapter{
		kind: upstream.KindDownload,
		tools: []upstream.Tool{
			{Name: "get_queue", Description: "List queue slots", InputSchema: json.RawMessage(`{"type":"object","properties":{"limit":{"type":"integer"}}}`)},
			{Name: "pause_queue"},
		},
	}
	tv := &stubAdapter{
		kind:  upstream.KindTvManager,
		tools: []upstream.Tool{{Name: "get_wanted"}},
	}
	tr := newTestTransport(t, download, tv)

	resps := runWire(t, tr, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`+"\n")
	if len(resps) != 1 {
		t.Fatalf("responses = %d, want 1", len(resps))
	}

	var list struct {
		Tools []struct {
			Name        string          `json:"name"`
			Description string          `json:"description"`
			InputSchema json.RawMessage `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(resps[0].Result, &list); err != nil {
		t.Fatalf("tools/list result: %v", err)
	}
	if len(list.Tools) != 3 {
		t.Fatalf("tools = %d, want 3", len(list.Tools))
	}

	// Catalog order is by kind, so download tools come first.
	wantNames := []string{"download.get_queue", "download.pause_queue", "tv_manager.get_wanted"}
	for i, want := range wantNames {
		if list.Tools[i].Name != want {
			t.Errorf("tools[%d].name = %q, want %q", i, list.Tools[i].Name, want)
		}
	}
	if list.Tools[0].Description != "List queue slots" {
		t.Errorf("description = %q", list.Tools[0].Description)
	}
	// A tool with no schema gets the empty-object default.
	if string(list.Tools[1].InputSchema) != `{"type":"object"}` {
		t.Errorf("default schema = %s", list.Tools[1].InputSchema)
	}
}

func TestTransportToolCall(t *testing.T) {
	download := &stubAdapter{
		kind:  upstream.KindDownload,
		tools: []upstream.Tool{{Name: "get_queue", ReadOnly: true}},
	}
	download.callFn = func(_ context.Context, tool string, params map[string]any) (json.RawMessage, error) {
		if tool != "get_queue" {
			return nil, upstream.NewError(upstream.KindNotFound, upstream.KindDownload, "call_tool", "unknown tool %q", tool)
		}
		if params["limit"] != float64(5) {
			return nil, upstream.NewError(upstream.KindValidation, upstream.KindDownload, "call_tool", "limit missing")
		}
		return json.RawMessage(`{"slots":[{"id":"nzb-1"}]}`), nil
	}
	tr := newTestTransport(t, download)

	input := `{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"download.get_queue","arguments":{"limit":5}}}` + "\n"
	resps := runWire(t, tr, input)
	if len(resps) != 1 {
		t.Fatalf("responses = %d, want 1", len(resps))
	}
	if resps[0].Error != nil {
		t.Fatalf("unexpected error: %+v", resps[0].Error)
	}

	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(resps[0].Result, &result); err != nil {
		t.Fatalf("tools/call result: %v", err)
	}
	if result.IsError {
		t.Error("isError set on success")
	}
	if len(result.Content) != 1 || result.Content[0].Type != "text" {
		t.Fatalf("content = %+v", result.Content)
	}
	if result.Content[0].Text != `{"slots":[{"id":"nzb-1"}]}` {
		t.Errorf("content text = %q", result.Content[0].Text)
	}
}

func TestTransportToolCallUpstreamFailure(t *testing.T) {
	download := &stubAdapter{
		kind:  upstream.KindDownload,
		tools: []upstream.Tool{{Name: "get_queue", ReadOnly: true}},
	}
	download.callFn = func(context.Context, string, map[string]any) (json.RawMessage, error) {
		return nil, upstream.NewError(upstream.KindAuthentication, upstream.KindDownload, "call_tool", "api key rejected")
	}
	tr := newTestTransport(t, download)

	input := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"download.get_queue"}}` + "\n"
	resps := runWire(t, tr, input)
	if len(resps) != 1 {
		t.Fatalf("responses = %d, want 1", len(resps))
	}
	if resps[0].Error != nil {
		t.Fatalf("execution failure must be in-band, got protocol error %+v", resps[0].Error)
	}

	var result struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(resps[0].Result, &result); err != nil {
		t.Fatalf("result: %v", err)
	}
	if !result.IsError {
		t.Error("isError not set")
	}
	if len(result.Content) != 1 || !strings.Contains(result.Content[0].Text, "authentication") {
		t.Errorf("content = %+v", result.Content)
	}
}

func TestTransportProtocolErrors(t *testing.T) {
	download := &stubAdapter{
		kind:  upstream.KindDownload,
		tools: []upstream.Tool{{Name: "get_queue", ReadOnly: true}},
	}
	tr := newTestTransport(t, download)

	tests := []struct {
		name     string
		line     string
		wantCode int64
		wantMsg  string
	}{
		{
			name:     "unknown method",
			line:     `{"jsonrpc":"2.0","id":1,"method":"resources/list"}`,
			wantCode: -32601,
			wantMsg:  "method not found",
		},
		{
			name:     "call without params",
			line:     `{"jsonrpc":"2.0","id":2,"method":"tools/call"}`,
			wantCode: -32602,
			wantMsg:  "requires params",
		},
		{
			name:     "unprefixed tool name",
			line:     `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"get_queue"}}`,
			wantCode: -32602,
			wantMsg:  "<upstream>.<tool>",
		},
		{
			name:     "unknown upstream prefix",
			line:     `{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"jellyfin.scan"}}`,
			wantCode: -32602,
			wantMsg:  "unknown upstream kind",
		},
		{
			name:     "unknown tool on known upstream",
			line:     `{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"download.no_such_tool"}}`,
			wantCode: -32602,
			wantMsg:  "unknown tool",
		},
		{
			name:     "upstream not registered",
			line:     `{"jsonrpc":"2.0","id":6,"method":"tools/call","params":{"name":"media_library.scan_library"}}`,
			wantCode: -32602,
			wantMsg:  "not_configured",
		},
		{
			name:     "arguments not an object",
			line:     `{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"download.get_queue","arguments":[1,2]}}`,
			wantCode: -32602,
			wantMsg:  "arguments must be an object",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resps := runWire(t, tr, tt.line+"\n")
			if len(resps) != 1 {
				t.Fatalf("responses = %d, want 1", len(resps))
			}
			if resps[0].Error == nil {
				t.Fatalf("expected protocol error, got result %s", resps[0].Result)
			}
			if resps[0].Error.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", resps[0].Error.Code, tt.wantCode)
			}
			if !strings.Contains(resps[0].Error.Message, tt.wantMsg) {
				t.Errorf("message = %q, want substring %q", resps[0].Error.Message, tt.wantMsg)
			}
		})
	}
}

func TestTransportParseErrorKeepsServing(t *testing.T) {
	tr := newTestTransport(t, &stubAdapter{kind: upstream.KindDownload})

	input := "{garbage\n" + `{"jsonrpc":"2.0","id":2,"method":"ping"}` + "\n"
	resps := runWire(t, tr, input)
	if len(resps) != 2 {
		t.Fatalf("responses = %d, want 2", len(resps))
	}
	if resps[0].Error == nil || resps[0].Error.Code != -32700 {
		t.Errorf("first response = %+v, want parse error", resps[0])
	}
	if string(resps[0].ID) != "null" {
		t.Errorf("parse error id = %s, want null", resps[0].ID)
	}
	if resps[1].Error != nil || string(resps[1].ID) != "2" {
		t.Errorf("ping after parse error = %+v", resps[1])
	}
}

func TestTransportSkipsBlankLines(t *testing.T) {
	tr := newTestTransport(t, &stubAdapter{kind: upstream.KindDownload})

	input := "\n  \n" + `{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n\n"
	resps := runWire(t, tr, input)
	if len(resps) != 1 {
		t.Fatalf("responses = %d, want 1", len(resps))
	}
}

func TestTransportStopsOnCancelledContext(t *testing.T) {
	tr := newTestTransport(t, &stubAdapter{kind: upstream.KindDownload})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out bytes.Buffer
	err := tr.Run(ctx, strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`+"\n"), &out)
	if err == nil {
		t.Fatal("Run returned nil on a cancelled context")
	}
	if out.Len() != 0 {
		t.Errorf("output written after cancellation: %s", out.Bytes())
	}
}
