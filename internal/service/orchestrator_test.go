package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/arrgate/arrgate/internal/domain/breaker"
	"github.com/arrgate/arrgate/internal/domain/upstream"
	"github.com/arrgate/arrgate/internal/port/outbound"
)

// --- Stub adapter shared by the service tests ---

// stubAdapter is a scriptable outbound.Adapter. Tests set callFn to shape
// responses; counters record what the orchestrator actually invoked.
type stubAdapter struct {
	kind upstream.Kind

	mu          sync.Mutex
	status      upstream.ConnectionStatus
	version     upstream.Version
	tools       []upstream.Tool
	connectErr  error
	healthErr   error
	callFn      func(ctx context.Context, tool string, params map[string]any) (json.RawMessage, error)
	connects    int
	disconnects int
	healths     int
	calls       int
}

func newStubAdapter(kind upstream.Kind) *stubAdapter {
	return &stubAdapter{
		kind:    kind,
		status:  upstream.StatusDisconnected,
		version: upstream.Version{Major: 4},
		tools:   []upstream.Tool{{Name: "get_queue", ReadOnly: true}},
	}
}

func (s *stubAdapter) Kind() upstream.Kind { return s.kind }

func (s *stubAdapter) Connect(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connects++
	if s.connectErr != nil {
		s.status = upstream.StatusError
		return s.connectErr
	}
	s.status = upstream.StatusConnected
	return nil
}

func (s *stubAdapter) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnects++
	s.status = upstream.StatusDisconnected
	return nil
}

func (s *stubAdapter) Status() upstream.ConnectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *stubAdapter) Health(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healths++
	return s.healthErr
}

func (s *stubAdapter) Version() upstream.Version {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

func (s *stubAdapter) ListTools(_ context.Context) ([]upstream.Tool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tools, nil
}

func (s *stubAdapter) CallTool(ctx context.Context, tool string, params map[string]any) (json.RawMessage, error) {
	s.mu.Lock()
	s.calls++
	fn := s.callFn
	s.mu.Unlock()

	if fn != nil {
		return fn(ctx, tool, params)
	}
	return json.RawMessage(`{}`), nil
}

func (s *stubAdapter) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *stubAdapter) setCallFn(fn func(ctx context.Context, tool string, params map[string]any) (json.RawMessage, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callFn = fn
}

var _ outbound.Adapter = (*stubAdapter)(nil)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestOrchestrator(t *testing.T, cfg OrchestratorConfig, adapters ...*stubAdapter) *Orchestrator {
	t.Helper()
	o := NewOrchestrator(cfg, testLogger())
	for _, a := range adapters {
		if err := o.Register(a); err != nil {
			t.Fatalf("Register(%s): %v", a.kind, err)
		}
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = o.Shutdown(ctx, false)
	})
	return o
}

// --- Call ---

func TestCallHappyPath(t *testing.T) {
	adapter := newStubAdapter(upstream.KindDownload)
	adapter.setCallFn(func(_ context.Context, tool string, _ map[string]any) (json.RawMessage, error) {
		if tool != "get_queue" {
			t.Errorf("tool = %q, want get_queue", tool)
		}
		return json.RawMessage(`{"paused":false,"slots":[]}`), nil
	})
	o := newTestOrchestrator(t, OrchestratorConfig{}, adapter)

	res := o.Call(context.Background(), upstream.ToolCall{Upstream: upstream.KindDownload, Tool: "get_queue"})

	if res.Err != nil {
		t.Fatalf("Call: %v", res.Err)
	}
	if res.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", res.Attempts)
	}
	if res.Duration <= 0 {
		t.Error("Duration not recorded")
	}
	if got := o.Stats().TotalCalls; got != 1 {
		t.Errorf("TotalCalls = %d, want 1", got)
	}
	snap, err := o.BreakerSnapshot(upstream.KindDownload)
	if err != nil {
		t.Fatalf("BreakerSnapshot: %v", err)
	}
	if snap.State != breaker.StateClosed || snap.ConsecutiveFailures != 0 {
		t.Errorf("breaker = %+v, want closed with zero failures", snap)
	}
}

func TestCallTimeout(t *testing.T) {
	adapter := newStubAdapter(upstream.KindDownload)
	adapter.setCallFn(func(ctx context.Context, _ string, _ map[string]any) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, upstream.WrapError(upstream.KindTimeout, upstream.KindDownload, "get_queue", ctx.Err())
	})
	o := newTestOrchestrator(t, OrchestratorConfig{MaxRetries: 3}, adapter)

	res := o.Call(context.Background(), upstream.ToolCall{
		Upstream: upstream.KindDownload,
		Tool:     "get_queue",
		Timeout:  50 * time.Millisecond,
	})

	if upstream.Classify(res.Err) != upstream.KindTimeout {
		t.Fatalf("error kind = %v, want timeout", upstream.Classify(res.Err))
	}
	if res.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1 (timeout is not retryable)", res.Attempts)
	}
	snap, _ := o.BreakerSnapshot(upstream.KindDownload)
	if snap.ConsecutiveFailures != 1 {
		t.Errorf("ConsecutiveFailures = %d, want 1", snap.ConsecutiveFailures)
	}
}

func TestCallUnconfiguredKind(t *testing.T) {
	o := newTestOrchestrator(t, OrchestratorConfig{})

	res := o.Call(context.Background(), upstream.ToolCall{Upstream: upstream.KindMediaLibrary, Tool: "get_sessions"})

	if upstream.Classify(res.Err) != upstream.KindNotConfigured {
		t.Fatalf("error kind = %v, want not_configured", upstream.Classify(res.Err))
	}
}

func TestCallRetriesTransientThenSucceeds(t *testing.T) {
	adapter := newStubAdapter(upstream.KindDownload)
	var attempts int
	var mu sync.Mutex
	adapter.setCallFn(func(_ context.Context, _ string, _ map[string]any) (json.RawMessage, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts == 1 {
			return nil, upstream.NewError(upstream.KindTransientServer, upstream.KindDownload, "get_queue", "503")
		}
		return json.RawMessage(`{}`), nil
	})
	o := newTestOrchestrator(t, OrchestratorConfig{
		MaxRetries:     2,
		RetryBaseDelay: time.Millisecond,
	}, adapter)

	res := o.Call(context.Background(), upstream.ToolCall{Upstream: upstream.KindDownload, Tool: "get_queue"})

	if res.Err != nil {
		t.Fatalf("Call: %v", res.Err)
	}
	if res.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", res.Attempts)
	}
	if got := o.Stats().Retries; got != 1 {
		t.Errorf("Retries = %d, want 1", got)
	}
}

func TestCallDoesNotRetryPermanentErrors(t *testing.T) {
	adapter := newStubAdapter(upstream.KindDownload)
	adapter.setCallFn(func(_ context.Context, _ string, _ map[string]any) (json.RawMessage, error) {
		return nil, upstream.NewError(upstream.KindAuthentication, upstream.KindDownload, "get_queue", "401")
	})
	o := newTestOrchestrator(t, OrchestratorConfig{
		MaxRetries:     3,
		RetryBaseDelay: time.Millisecond,
	}, adapter)

	res := o.Call(context.Background(), upstream.ToolCall{Upstream: upstream.KindDownload, Tool: "get_queue"})

	if upstream.Classify(res.Err) != upstream.KindAuthentication {
		t.Fatalf("error kind = %v, want authentication", upstream.Classify(res.Err))
	}
	if res.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", res.Attempts)
	}
}

// --- Breaker integration ---

func TestBreakerTripsAtThreshold(t *testing.T) {
	adapter := newStubAdapter(upstream.KindDownload)
	adapter.setCallFn(func(_ context.Context, _ string, _ map[string]any) (json.RawMessage, error) {
		return nil, upstream.NewError(upstream.KindTransport, upstream.KindDownload, "get_queue", "connection refused")
	})
	o := newTestOrchestrator(t, OrchestratorConfig{
		MaxRetries: 0,
		Breaker: breaker.Config{
			FailureThreshold: 5,
			OpenDuration:     40 * time.Millisecond,
			HalfOpenRequired: 1,
		},
	}, adapter)
	call := upstream.ToolCall{Upstream: upstream.KindDownload, Tool: "get_queue"}

	for i := 0; i < 5; i++ {
		res := o.Call(context.Background(), call)
		if upstream.Classify(res.Err) != upstream.KindTransport {
			t.Fatalf("call %d: error kind = %v, want transport", i+1, upstream.Classify(res.Err))
		}
	}
	if got := adapter.callCount(); got != 5 {
		t.Fatalf("adapter calls = %d, want 5", got)
	}

	// Threshold reached: the sixth call is rejected without touching the
	// adapter.
	res := o.Call(context.Background(), call)
	if upstream.Classify(res.Err) != upstream.KindBreakerOpen {
		t.Fatalf("error kind = %v, want breaker_open", upstream.Classify(res.Err))
	}
	if got := adapter.callCount(); got != 5 {
		t.Errorf("adapter calls = %d, want 5 (breaker must short-circuit)", got)
	}

	// After the open duration the next call probes half-open and executes.
	time.Sleep(60 * time.Millisecond)
	adapter.setCallFn(nil)
	res = o.Call(context.Background(), call)
	if res.Err != nil {
		t.Fatalf("half-open probe: %v", res.Err)
	}
	if got := adapter.callCount(); got != 6 {
		t.Errorf("adapter calls = %d, want 6", got)
	}
	snap, _ := o.BreakerSnapshot(upstream.KindDownload)
	if snap.State != breaker.StateClosed {
		t.Errorf("breaker state = %v, want closed", snap.State)
	}
}

// --- Parallel fan-out ---

func TestCallParallelPreservesInputOrder(t *testing.T) {
	// The slowest upstream comes first in the batch; positional results
	// must not depend on completion order.
	tv := newStubAdapter(upstream.KindTvManager)
	tv.setCallFn(func(ctx context.Context, _ string, _ map[string]any) (json.RawMessage, error) {
		select {
		case <-time.After(80 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return json.RawMessage(`"tv"`), nil
	})
	movie := newStubAdapter(upstream.KindMovieManager)
	movie.setCallFn(func(_ context.Context, _ string, _ map[string]any) (json.RawMessage, error) {
		return json.RawMessage(`"movie"`), nil
	})
	dl := newStubAdapter(upstream.KindDownload)
	dl.setCallFn(func(ctx context.Context, _ string, _ map[string]any) (json.RawMessage, error) {
		select {
		case <-time.After(20 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return json.RawMessage(`"download"`), nil
	})
	o := newTestOrchestrator(t, OrchestratorConfig{}, tv, movie, dl)

	results := o.CallParallel(context.Background(), []upstream.ToolCall{
		{Upstream: upstream.KindTvManager, Tool: "get_items"},
		{Upstream: upstream.KindMovieManager, Tool: "get_items"},
		{Upstream: upstream.KindDownload, Tool: "get_queue"},
	}, ParallelOptions{})

	if len(results) != 3 {
		t.Fatalf("len(results) = %d, want 3", len(results))
	}
	want := []string{`"tv"`, `"movie"`, `"download"`}
	wantKinds := []upstream.Kind{upstream.KindTvManager, upstream.KindMovieManager, upstream.KindDownload}
	for i, res := range results {
		if res.Err != nil {
			t.Fatalf("result[%d]: %v", i, res.Err)
		}
		if string(res.Data) != want[i] {
			t.Errorf("result[%d].Data = %s, want %s", i, res.Data, want[i])
		}
		if res.Upstream != wantKinds[i] {
			t.Errorf("result[%d].Upstream = %s, want %s", i, res.Upstream, wantKinds[i])
		}
	}
}

func TestCallParallelReturnPartial(t *testing.T) {
	fast := newStubAdapter(upstream.KindMovieManager)
	fast.setCallFn(func(_ context.Context, _ string, _ map[string]any) (json.RawMessage, error) {
		return json.RawMessage(`"done"`), nil
	})
	slow := newStubAdapter(upstream.KindTvManager)
	slow.setCallFn(func(ctx context.Context, _ string, _ map[string]any) (json.RawMessage, error) {
		select {
		case <-time.After(2 * time.Second):
		case <-ctx.Done():
			return nil, upstream.WrapError(upstream.KindCancelled, upstream.KindTvManager, "get_items", ctx.Err())
		}
		return json.RawMessage(`"late"`), nil
	})
	o := newTestOrchestrator(t, OrchestratorConfig{}, fast, slow)

	results := o.CallParallel(context.Background(), []upstream.ToolCall{
		{Upstream: upstream.KindTvManager, Tool: "get_items"},
		{Upstream: upstream.KindMovieManager, Tool: "get_items"},
	}, ParallelOptions{
		Timeout:       60 * time.Millisecond,
		ReturnPartial: true,
	})

	if results[1].Err != nil {
		t.Errorf("fast result: %v", results[1].Err)
	}
	if results[0].Err == nil {
		t.Error("slow result should have failed at the batch deadline")
	}
}

func TestCallParallelProgressCallbackPanicIsolated(t *testing.T) {
	adapter := newStubAdapter(upstream.KindDownload)
	o := newTestOrchestrator(t, OrchestratorConfig{}, adapter)

	results := o.CallParallel(context.Background(), []upstream.ToolCall{
		{Upstream: upstream.KindDownload, Tool: "get_queue"},
		{Upstream: upstream.KindDownload, Tool: "get_history"},
	}, ParallelOptions{
		OnProgress: func(done, total int) { panic("listener bug") },
	})

	for i, res := range results {
		if res.Err != nil {
			t.Errorf("result[%d]: %v", i, res.Err)
		}
	}
}

// --- Health and lifecycle ---

func TestHealthAggregation(t *testing.T) {
	healthy := newStubAdapter(upstream.KindDownload)
	sick := newStubAdapter(upstream.KindTvManager)
	sick.healthErr = upstream.NewError(upstream.KindTransport, upstream.KindTvManager, "health", "down")
	o := newTestOrchestrator(t, OrchestratorConfig{}, healthy, sick)

	report := o.Health(context.Background())

	if report.Status != "degraded" {
		t.Errorf("Status = %q, want degraded", report.Status)
	}
	if len(report.Upstreams) != 2 {
		t.Fatalf("len(Upstreams) = %d, want 2", len(report.Upstreams))
	}
	// Sorted by kind: download before tv_manager.
	if !report.Upstreams[0].Healthy || report.Upstreams[1].Healthy {
		t.Errorf("per-upstream health wrong: %+v", report.Upstreams)
	}
}

func TestConnectAllReportsPerKind(t *testing.T) {
	ok := newStubAdapter(upstream.KindDownload)
	bad := newStubAdapter(upstream.KindMediaLibrary)
	bad.connectErr = upstream.NewError(upstream.KindAuthentication, upstream.KindMediaLibrary, "connect", "bad token")
	o := newTestOrchestrator(t, OrchestratorConfig{}, ok, bad)

	errs := o.ConnectAll(context.Background())

	if errs[upstream.KindDownload] != nil {
		t.Errorf("download connect: %v", errs[upstream.KindDownload])
	}
	if errs[upstream.KindMediaLibrary] == nil {
		t.Error("media_library connect should have failed")
	}
}

func TestRegisterRejectsDuplicateKind(t *testing.T) {
	o := newTestOrchestrator(t, OrchestratorConfig{}, newStubAdapter(upstream.KindDownload))

	if err := o.Register(newStubAdapter(upstream.KindDownload)); err == nil {
		t.Fatal("second Register for the same kind should fail")
	}
}

func TestShutdownIdempotentAndLeakFree(t *testing.T) {
	defer goleak.VerifyNone(t)

	adapter := newStubAdapter(upstream.KindDownload)
	o := NewOrchestrator(OrchestratorConfig{KeepaliveInterval: 10 * time.Millisecond}, testLogger())
	if err := o.Register(adapter); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := o.Connect(context.Background(), upstream.KindDownload); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	o.StartKeepalive()
	time.Sleep(30 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := o.Shutdown(ctx, true); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := o.Shutdown(ctx, true); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}

	res := o.Call(context.Background(), upstream.ToolCall{Upstream: upstream.KindDownload, Tool: "get_queue"})
	if res.Err == nil {
		t.Error("Call after Shutdown should fail")
	}
}

func TestForcedShutdownCancelsInFlightCall(t *testing.T) {
	defer goleak.VerifyNone(t)

	adapter := newStubAdapter(upstream.KindDownload)
	entered := make(chan struct{})
	adapter.setCallFn(func(ctx context.Context, _ string, _ map[string]any) (json.RawMessage, error) {
		close(entered)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	o := newTestOrchestrator(t, OrchestratorConfig{}, adapter)

	results := make(chan upstream.ToolResult, 1)
	go func() {
		results <- o.Call(context.Background(), upstream.ToolCall{Upstream: upstream.KindDownload, Tool: "get_queue"})
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := o.Shutdown(ctx, false); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	res := <-results
	if res.Err == nil {
		t.Fatal("in-flight call survived a forced shutdown")
	}
	if kind := upstream.Classify(res.Err); kind != upstream.KindCancelled {
		t.Errorf("error kind = %s, want %s", kind, upstream.KindCancelled)
	}
}

func TestStatsCountsExactlyOncePerCall(t *testing.T) {
	adapter := newStubAdapter(upstream.KindDownload)
	var fail bool
	var mu sync.Mutex
	adapter.setCallFn(func(_ context.Context, _ string, _ map[string]any) (json.RawMessage, error) {
		mu.Lock()
		defer mu.Unlock()
		fail = !fail
		if fail {
			return nil, upstream.NewError(upstream.KindPermanentServer, upstream.KindDownload, "get_queue", "500")
		}
		return json.RawMessage(`{}`), nil
	})
	o := newTestOrchestrator(t, OrchestratorConfig{}, adapter)

	const n = 10
	for i := 0; i < n; i++ {
		o.Call(context.Background(), upstream.ToolCall{Upstream: upstream.KindDownload, Tool: "get_queue"})
	}

	stats := o.Stats()
	if stats.TotalCalls != n {
		t.Errorf("TotalCalls = %d, want %d", stats.TotalCalls, n)
	}
	if stats.TotalErrors != n/2 {
		t.Errorf("TotalErrors = %d, want %d", stats.TotalErrors, n/2)
	}
}
