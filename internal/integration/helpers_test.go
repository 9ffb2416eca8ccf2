// Package integration exercises multiple components wired together the
// way the daemon wires them: event bus, orchestrator, monitor, recovery,
// activity log, and the event log sink.
package integration

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/arrgate/arrgate/internal/domain/upstream"
	"github.com/arrgate/arrgate/internal/eventbus"
	"github.com/arrgate/arrgate/internal/port/outbound"
	"github.com/arrgate/arrgate/internal/service"
)

// testLogger writes to stderr at error level so passing tests stay quiet.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeUpstream is a scriptable outbound.Adapter. Tests set callFn to
// shape tool responses; the call log records every tool invocation.
type fakeUpstream struct {
	kind upstream.Kind

	mu      sync.Mutex
	status  upstream.ConnectionStatus
	version upstream.Version
	tools   []upstream.Tool
	callFn  func(ctx context.Context, tool string, params map[string]any) (json.RawMessage, error)
	calls   []recordedCall
}

type recordedCall struct {
	tool   string
	params map[string]any
}

func newFakeUpstream(kind upstream.Kind) *fakeUpstream {
	return &fakeUpstream{
		kind:    kind,
		status:  upstream.StatusDisconnected,
		version: upstream.Version{Major: 4},
		tools:   []upstream.Tool{{Name: "get_queue", ReadOnly: true}},
	}
}

func (f *fakeUpstream) Kind() upstream.Kind { return f.kind }

func (f *fakeUpstream) Connect(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = upstream.StatusConnected
	return nil
}

func (f *fakeUpstream) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = upstream.StatusDisconnected
	return nil
}

func (f *fakeUpstream) Status() upstream.ConnectionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeUpstream) Health(_ context.Context) error { return nil }

func (f *fakeUpstream) Version() upstream.Version {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.version
}

func (f *fakeUpstream) ListTools(_ context.Context) ([]upstream.Tool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tools, nil
}

func (f *fakeUpstream) CallTool(ctx context.Context, tool string, params map[string]any) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, recordedCall{tool: tool, params: params})
	fn := f.callFn
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, tool, params)
	}
	return json.RawMessage(`{}`), nil
}

func (f *fakeUpstream) setCallFn(fn func(ctx context.Context, tool string, params map[string]any) (json.RawMessage, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callFn = fn
}

// callsFor returns the recorded invocations of one tool.
func (f *fakeUpstream) callsFor(tool string) []recordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []recordedCall
	for _, c := range f.calls {
		if c.tool == tool {
			out = append(out, c)
		}
	}
	return out
}

var _ outbound.Adapter = (*fakeUpstream)(nil)

// newTestOrchestrator builds an orchestrator with the given adapters
// registered and a forced shutdown on cleanup.
func newTestOrchestrator(t *testing.T, cfg service.OrchestratorConfig, adapters ...*fakeUpstream) *service.Orchestrator {
	t.Helper()
	orch := service.NewOrchestrator(cfg, testLogger())
	for _, a := range adapters {
		if err := orch.Register(a); err != nil {
			t.Fatalf("Register(%s): %v", a.kind, err)
		}
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx, false)
	})
	return orch
}

// collectTopic subscribes to a topic and streams the delivered events on
// the returned channel. Subscribe before triggering the flow under test.
// The subscription lives until the bus is closed; every test here closes
// its bus before returning.
func collectTopic(t *testing.T, bus *eventbus.Bus, topic string) <-chan eventbus.Event {
	t.Helper()
	ch := make(chan eventbus.Event, 32)
	bus.Subscribe(topic, "test-"+topic, func(_ context.Context, ev eventbus.Event) error {
		ch <- ev
		return nil
	})
	return ch
}

// waitEvent blocks until an event arrives or the deadline passes.
func waitEvent(t *testing.T, ch <-chan eventbus.Event, what string) eventbus.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return eventbus.Event{}
	}
}

// expectQuiet asserts that no event arrives within the window.
func expectQuiet(t *testing.T, ch <-chan eventbus.Event, what string) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected %s: topic=%s payload=%v", what, ev.Topic, ev.Payload)
	case <-time.After(150 * time.Millisecond):
	}
}
