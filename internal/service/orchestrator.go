package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/arrgate/arrgate/internal/domain/breaker"
	"github.com/arrgate/arrgate/internal/domain/upstream"
	"github.com/arrgate/arrgate/internal/port/inbound"
	"github.com/arrgate/arrgate/internal/port/outbound"
)

// OrchestratorConfig carries the tunables for call routing, retries and
// fan-out. Zero values fall back to the documented defaults.
type OrchestratorConfig struct {
	// MaxConcurrent caps concurrent upstream calls process-wide.
	MaxConcurrent int
	// DefaultToolTimeout bounds each call unless the call carries a
	// shorter override.
	DefaultToolTimeout time.Duration
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// RetryBaseDelay is the backoff unit; retry n sleeps base * 2^(n-1).
	RetryBaseDelay time.Duration
	// AutoReconnect reconnects the adapter before retrying when a call
	// failed with a connection-class transport error.
	AutoReconnect bool
	// KeepaliveInterval is the period of the background health ping.
	// Zero disables the keepalive loop.
	KeepaliveInterval time.Duration
	// MaxParallel caps in-flight calls within one parallel batch. Never
	// exceeds MaxConcurrent.
	MaxParallel int
	// CancelOnCritical makes parallel batches abort when a call marked
	// critical fails, unless overridden per batch.
	CancelOnCritical bool
	// Breaker configures the per-upstream circuit breakers.
	Breaker breaker.Config
}

func (c OrchestratorConfig) withDefaults() OrchestratorConfig {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 10
	}
	if c.DefaultToolTimeout <= 0 {
		c.DefaultToolTimeout = 30 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 500 * time.Millisecond
	}
	if c.MaxParallel <= 0 || c.MaxParallel > c.MaxConcurrent {
		c.MaxParallel = c.MaxConcurrent
	}
	return c
}

// upstreamEntry is the per-kind runtime state: the adapter and the
// breaker guarding it. reconnectMu serializes auto-reconnect attempts so
// concurrent failing calls do not stampede the upstream.
type upstreamEntry struct {
	adapter     outbound.Adapter
	breaker     *breaker.Breaker
	reconnectMu sync.Mutex
}

// Orchestrator owns the upstream adapters and is the sole entry point
// for tool execution. Every call is routed by kind, bounded by the
// effective deadline, guarded by the upstream's breaker, and retried on
// retryable failures.
type Orchestrator struct {
	cfg     OrchestratorConfig
	logger  *slog.Logger
	stats   *Stats
	catalog *upstream.Catalog

	sem chan struct{}

	mu      sync.RWMutex
	entries map[upstream.Kind]*upstreamEntry
	closed  bool

	inflight sync.WaitGroup

	// loopCtx stops background loops; callCtx force-cancels in-flight
	// calls during a non-graceful shutdown.
	loopCtx    context.Context
	loopCancel context.CancelFunc
	callCtx    context.Context
	callCancel context.CancelFunc
	loops      sync.WaitGroup

	tracer       trace.Tracer
	callCounter  metric.Int64Counter
	callDuration metric.Float64Histogram
}

// NewOrchestrator creates an orchestrator with no adapters registered.
func NewOrchestrator(cfg OrchestratorConfig, logger *slog.Logger) *Orchestrator {
	cfg = cfg.withDefaults()
	loopCtx, loopCancel := context.WithCancel(context.Background())
	callCtx, callCancel := context.WithCancel(context.Background())

	o := &Orchestrator{
		cfg:        cfg,
		logger:     logger,
		stats:      NewStats(),
		catalog:    upstream.NewCatalog(),
		sem:        make(chan struct{}, cfg.MaxConcurrent),
		entries:    make(map[upstream.Kind]*upstreamEntry),
		loopCtx:    loopCtx,
		loopCancel: loopCancel,
		callCtx:    callCtx,
		callCancel: callCancel,
		tracer:     otel.Tracer("arrgate/orchestrator"),
	}

	meter := otel.Meter("arrgate/orchestrator")
	var err error
	if o.callCounter, err = meter.Int64Counter("arrgate.tool_calls",
		metric.WithDescription("Tool calls routed by the orchestrator")); err != nil {
		logger.Warn("create call counter", "error", err)
	}
	if o.callDuration, err = meter.Float64Histogram("arrgate.tool_call.duration_ms",
		metric.WithDescription("Tool call wall time including retries"),
		metric.WithUnit("ms")); err != nil {
		logger.Warn("create duration histogram", "error", err)
	}
	return o
}

// Register adds an adapter for its kind. At most one adapter per kind.
func (o *Orchestrator) Register(adapter outbound.Adapter) error {
	kind := adapter.Kind()
	if err := kind.Validate(); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return errors.New("orchestrator is shut down")
	}
	if _, exists := o.entries[kind]; exists {
		return fmt.Errorf("adapter for %s already registered", kind)
	}

	o.entries[kind] = &upstreamEntry{
		adapter: adapter,
		breaker: breaker.New(o.cfg.Breaker, breaker.WithOnChange(func(from, to breaker.State) {
			o.stats.RecordBreakerTransition(kind)
			o.logger.Warn("breaker state changed", "kind", kind, "from", from, "to", to)
		})),
	}
	return nil
}

// Kinds returns the registered upstream kinds, sorted.
func (o *Orchestrator) Kinds() []upstream.Kind {
	o.mu.RLock()
	defer o.mu.RUnlock()

	kinds := make([]upstream.Kind, 0, len(o.entries))
	for k := range o.entries {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

func (o *Orchestrator) entry(kind upstream.Kind) *upstreamEntry {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.entries[kind]
}

// beginCall registers an in-flight call, refusing once shutdown started.
func (o *Orchestrator) beginCall() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return false
	}
	o.inflight.Add(1)
	return true
}

// Call executes one tool call end to end: route, deadline, semaphore,
// breaker, retries. The returned result always carries the duration and
// the number of attempts made.
func (o *Orchestrator) Call(ctx context.Context, call upstream.ToolCall) upstream.ToolResult {
	started := time.Now()

	// Refusals: nothing below has touched a counter yet, so a refused
	// call contributes exactly zero to the stats.
	if err := call.Validate(); err != nil {
		return upstream.ToolResult{
			Upstream: call.Upstream,
			Tool:     call.Tool,
			Err:      upstream.WrapError(upstream.KindValidation, call.Upstream, call.Tool, err),
			Duration: time.Since(started),
		}
	}

	entry := o.entry(call.Upstream)
	if entry == nil {
		return upstream.ToolResult{
			Upstream: call.Upstream,
			Tool:     call.Tool,
			Err:      upstream.NewError(upstream.KindNotConfigured, call.Upstream, call.Tool, "upstream not configured"),
			Duration: time.Since(started),
		}
	}

	if !o.beginCall() {
		return upstream.ToolResult{
			Upstream: call.Upstream,
			Tool:     call.Tool,
			Err:      upstream.NewError(upstream.KindCancelled, call.Upstream, call.Tool, "orchestrator shutting down"),
			Duration: time.Since(started),
		}
	}
	defer o.inflight.Done()

	o.stats.RecordCall(call.Upstream)

	ctx, span := o.tracer.Start(ctx, "orchestrator.call_tool",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("upstream.kind", string(call.Upstream)),
			attribute.String("tool.name", call.Tool),
		))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, o.effectiveTimeout(call))
	defer cancel()
	// A forced shutdown cancels callCtx, which must cut this call short.
	stopForce := context.AfterFunc(o.callCtx, cancel)
	defer stopForce()

	if err := o.acquire(ctx); err != nil {
		wrapped := upstream.WrapError(upstream.Classify(err), call.Upstream, call.Tool, err)
		span.RecordError(wrapped)
		span.SetStatus(codes.Error, "semaphore wait")
		return o.finish(call, started, 0, nil, wrapped)
	}
	defer o.release()

	data, attempts, err := o.execute(ctx, entry, call)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(upstream.Classify(err)))
	}
	return o.finish(call, started, attempts, data, err)
}

// finish assembles the result and feeds counters and instruments.
func (o *Orchestrator) finish(call upstream.ToolCall, started time.Time, attempts int, data json.RawMessage, err error) upstream.ToolResult {
	duration := time.Since(started)
	outcome := "ok"
	if err != nil {
		outcome = string(upstream.Classify(err))
		o.stats.RecordError(call.Upstream)
	}

	attrs := metric.WithAttributes(
		attribute.String("upstream.kind", string(call.Upstream)),
		attribute.String("outcome", outcome),
	)
	if o.callCounter != nil {
		o.callCounter.Add(context.Background(), 1, attrs)
	}
	if o.callDuration != nil {
		o.callDuration.Record(context.Background(), float64(duration.Microseconds())/1000.0, attrs)
	}

	return upstream.ToolResult{
		Upstream: call.Upstream,
		Tool:     call.Tool,
		Data:     data,
		Err:      err,
		Duration: duration,
		Attempts: attempts,
	}
}

func (o *Orchestrator) effectiveTimeout(call upstream.ToolCall) time.Duration {
	timeout := o.cfg.DefaultToolTimeout
	if call.Timeout > 0 && call.Timeout < timeout {
		timeout = call.Timeout
	}
	return timeout
}

func (o *Orchestrator) acquire(ctx context.Context) error {
	select {
	case o.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) release() { <-o.sem }

// execute runs the call under the breaker with the retry ladder. The
// deadline on ctx spans all attempts and backoff sleeps.
func (o *Orchestrator) execute(ctx context.Context, entry *upstreamEntry, call upstream.ToolCall) (json.RawMessage, int, error) {
	var (
		data    json.RawMessage
		lastErr error
	)

	for attempt := 1; ; attempt++ {
		err := entry.breaker.Execute(ctx, func(ctx context.Context) error {
			var callErr error
			data, callErr = entry.adapter.CallTool(ctx, call.Tool, call.Params)
			return callErr
		})
		if err == nil {
			return data, attempt, nil
		}
		lastErr = o.classified(call, err)

		if !upstream.IsRetryable(lastErr) || attempt > o.cfg.MaxRetries {
			return nil, attempt, lastErr
		}

		if o.cfg.AutoReconnect && upstream.IsConnectionFailure(lastErr) {
			o.reconnect(ctx, entry, call.Upstream)
		}

		delay := o.cfg.RetryBaseDelay << (attempt - 1)
		o.logger.Debug("retrying tool call",
			"kind", call.Upstream,
			"tool", call.Tool,
			"attempt", attempt,
			"delay", delay,
			"error", lastErr)
		o.stats.RecordRetry()

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			timeoutErr := upstream.WrapError(upstream.Classify(ctx.Err()), call.Upstream, call.Tool, lastErr)
			return nil, attempt, timeoutErr
		}
	}
}

// classified normalizes breaker rejections and unclassified errors into
// the taxonomy.
func (o *Orchestrator) classified(call upstream.ToolCall, err error) error {
	var open *breaker.OpenError
	if errors.As(err, &open) {
		e := upstream.NewError(upstream.KindBreakerOpen, call.Upstream, call.Tool, "circuit open")
		e.RetryAfter = open.RetryAfter
		e.Err = err
		return e
	}
	var ue *upstream.Error
	if errors.As(err, &ue) {
		return err
	}
	return upstream.WrapError(upstream.Classify(err), call.Upstream, call.Tool, err)
}

// reconnect disconnects and reconnects the adapter once. Concurrent
// callers coalesce on the entry lock; whoever arrives second still
// reconnects, which is harmless since Connect re-probes.
func (o *Orchestrator) reconnect(ctx context.Context, entry *upstreamEntry, kind upstream.Kind) {
	entry.reconnectMu.Lock()
	defer entry.reconnectMu.Unlock()

	o.stats.RecordReconnect()
	_ = entry.adapter.Disconnect()
	if err := entry.adapter.Connect(ctx); err != nil {
		o.logger.Warn("auto-reconnect failed", "kind", kind, "error", err)
		return
	}
	o.refreshCatalog(ctx, kind, entry)
	o.logger.Info("auto-reconnect succeeded", "kind", kind)
}

// refreshCatalog records the adapter's current tool set.
func (o *Orchestrator) refreshCatalog(ctx context.Context, kind upstream.Kind, entry *upstreamEntry) {
	tools, err := entry.adapter.ListTools(ctx)
	if err != nil {
		o.logger.Warn("list tools failed", "kind", kind, "error", err)
		return
	}
	o.catalog.SetTools(kind, entry.adapter.Version(), tools)
}

// CatalogEntries returns the discovered tool sets for all connected
// upstreams.
func (o *Orchestrator) CatalogEntries() []upstream.CatalogEntry {
	return o.catalog.Entries()
}

// Tools returns the discovered tool set for one upstream.
func (o *Orchestrator) Tools(kind upstream.Kind) []upstream.Tool {
	return o.catalog.Tools(kind)
}

// ParallelOptions tunes one CallParallel batch.
type ParallelOptions struct {
	// MaxParallel caps in-flight calls for this batch; falls back to the
	// configured default and never exceeds MaxConcurrent.
	MaxParallel int
	// Timeout bounds the whole batch. Zero means no batch deadline
	// beyond the per-call ones.
	Timeout time.Duration
	// ReturnPartial makes an elapsed batch deadline materialize
	// unfinished entries as timeouts instead of waiting.
	ReturnPartial bool
	// OnProgress is called after each completion with (done, total).
	// Panics inside the callback are isolated.
	OnProgress func(done, total int)
	// CancelOnCritical aborts the batch when a call marked critical
	// fails. Nil means use the configured default.
	CancelOnCritical *bool
}

// CallParallel executes the calls concurrently, each under its own
// breaker and deadline. Results are positionally aligned with the input
// regardless of completion order.
func (o *Orchestrator) CallParallel(ctx context.Context, calls []upstream.ToolCall, opts ParallelOptions) []upstream.ToolResult {
	results := make([]upstream.ToolResult, len(calls))
	if len(calls) == 0 {
		return results
	}

	maxParallel := opts.MaxParallel
	if maxParallel <= 0 {
		maxParallel = o.cfg.MaxParallel
	}
	if maxParallel > o.cfg.MaxConcurrent {
		maxParallel = o.cfg.MaxConcurrent
	}
	cancelOnCritical := o.cfg.CancelOnCritical
	if opts.CancelOnCritical != nil {
		cancelOnCritical = *opts.CancelOnCritical
	}

	batchCtx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		batchCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
	} else {
		batchCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		finished = make([]bool, len(calls))
		done     int
	)
	slots := make(chan struct{}, maxParallel)
	total := len(calls)

	for i := range calls {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()

			select {
			case slots <- struct{}{}:
				defer func() { <-slots }()
			case <-batchCtx.Done():
				return
			}

			res := o.Call(batchCtx, calls[idx])

			mu.Lock()
			results[idx] = res
			finished[idx] = true
			done++
			n := done
			mu.Unlock()

			o.reportProgress(opts.OnProgress, n, total)

			if cancelOnCritical && calls[idx].Critical && res.Err != nil {
				o.logger.Warn("critical call failed, cancelling batch",
					"kind", calls[idx].Upstream, "tool", calls[idx].Tool)
				cancel()
			}
		}(i)
	}

	waitCh := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitCh)
	}()

	if opts.ReturnPartial {
		select {
		case <-waitCh:
		case <-batchCtx.Done():
			// Deadline elapsed: snapshot what finished, stamp the rest.
		}
	} else {
		<-waitCh
	}

	mu.Lock()
	out := make([]upstream.ToolResult, len(calls))
	copy(out, results)
	for i := range out {
		if !finished[i] {
			out[i] = upstream.ToolResult{
				Upstream: calls[i].Upstream,
				Tool:     calls[i].Tool,
				Err:      upstream.NewError(upstream.KindTimeout, calls[i].Upstream, calls[i].Tool, "batch deadline elapsed"),
			}
		}
	}
	mu.Unlock()
	return out
}

func (o *Orchestrator) reportProgress(fn func(done, total int), done, total int) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			o.logger.Warn("progress callback panicked", "panic", r)
		}
	}()
	fn(done, total)
}

// ConnectAll connects every registered adapter in parallel. A failure
// for one kind does not abort the others.
func (o *Orchestrator) ConnectAll(ctx context.Context) map[upstream.Kind]error {
	o.mu.RLock()
	entries := make(map[upstream.Kind]*upstreamEntry, len(o.entries))
	for k, e := range o.entries {
		entries[k] = e
	}
	o.mu.RUnlock()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[upstream.Kind]error, len(entries))
	)
	for kind, entry := range entries {
		wg.Add(1)
		go func(kind upstream.Kind, entry *upstreamEntry) {
			defer wg.Done()
			err := entry.adapter.Connect(ctx)
			if err == nil {
				o.refreshCatalog(ctx, kind, entry)
			} else {
				o.logger.Error("upstream connect failed", "kind", kind, "error", err)
			}
			mu.Lock()
			results[kind] = err
			mu.Unlock()
		}(kind, entry)
	}
	wg.Wait()
	return results
}

// Connect connects one adapter and refreshes its catalog entry.
func (o *Orchestrator) Connect(ctx context.Context, kind upstream.Kind) error {
	entry := o.entry(kind)
	if entry == nil {
		return upstream.NewError(upstream.KindNotConfigured, kind, "connect", "upstream not configured")
	}
	if err := entry.adapter.Connect(ctx); err != nil {
		return err
	}
	o.refreshCatalog(ctx, kind, entry)
	return nil
}

// Disconnect disconnects one adapter and drops its catalog entry.
func (o *Orchestrator) Disconnect(kind upstream.Kind) error {
	entry := o.entry(kind)
	if entry == nil {
		return upstream.NewError(upstream.KindNotConfigured, kind, "disconnect", "upstream not configured")
	}
	o.catalog.Remove(kind)
	return entry.adapter.Disconnect()
}

// UpstreamHealth is the per-upstream slice of a health report.
type UpstreamHealth struct {
	Kind      upstream.Kind             `json:"kind"`
	Status    upstream.ConnectionStatus `json:"status"`
	Healthy   bool                      `json:"healthy"`
	LatencyMS float64                   `json:"latency_ms"`
	Version   string                    `json:"version,omitempty"`
	Breaker   breaker.Snapshot          `json:"breaker"`
	Error     string                    `json:"error,omitempty"`
}

// HealthReport is the aggregate health view. Status is healthy when
// every upstream probe passed, degraded when at least one did, and
// unhealthy otherwise.
type HealthReport struct {
	Status    string           `json:"status"`
	Upstreams []UpstreamHealth `json:"upstreams"`
	CheckedAt time.Time        `json:"checked_at"`
}

// Health probes every registered upstream in parallel.
func (o *Orchestrator) Health(ctx context.Context) HealthReport {
	o.mu.RLock()
	entries := make(map[upstream.Kind]*upstreamEntry, len(o.entries))
	for k, e := range o.entries {
		entries[k] = e
	}
	o.mu.RUnlock()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		upstreams = make([]UpstreamHealth, 0, len(entries))
	)
	for kind, entry := range entries {
		wg.Add(1)
		go func(kind upstream.Kind, entry *upstreamEntry) {
			defer wg.Done()

			o.stats.RecordHealthCheck()
			probeStart := time.Now()
			err := entry.adapter.Health(ctx)
			latency := time.Since(probeStart)

			h := UpstreamHealth{
				Kind:      kind,
				Status:    entry.adapter.Status(),
				Healthy:   err == nil,
				LatencyMS: float64(latency.Microseconds()) / 1000.0,
				Breaker:   entry.breaker.Snapshot(),
			}
			if v := entry.adapter.Version(); v != (upstream.Version{}) {
				h.Version = v.String()
			}
			if err != nil {
				h.Error = err.Error()
			}

			mu.Lock()
			upstreams = append(upstreams, h)
			mu.Unlock()
		}(kind, entry)
	}
	wg.Wait()

	sort.Slice(upstreams, func(i, j int) bool { return upstreams[i].Kind < upstreams[j].Kind })

	healthy := 0
	for _, h := range upstreams {
		if h.Healthy {
			healthy++
		}
	}
	status := "unhealthy"
	switch {
	case len(upstreams) > 0 && healthy == len(upstreams):
		status = "healthy"
	case healthy > 0:
		status = "degraded"
	}

	return HealthReport{
		Status:    status,
		Upstreams: upstreams,
		CheckedAt: time.Now().UTC(),
	}
}

// BreakerSnapshots returns the breaker view per registered kind.
func (o *Orchestrator) BreakerSnapshots() map[upstream.Kind]breaker.Snapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make(map[upstream.Kind]breaker.Snapshot, len(o.entries))
	for kind, entry := range o.entries {
		out[kind] = entry.breaker.Snapshot()
	}
	return out
}

// BreakerSnapshot returns the breaker view for one kind.
func (o *Orchestrator) BreakerSnapshot(kind upstream.Kind) (breaker.Snapshot, error) {
	entry := o.entry(kind)
	if entry == nil {
		return breaker.Snapshot{}, upstream.NewError(upstream.KindNotConfigured, kind, "breaker", "upstream not configured")
	}
	return entry.breaker.Snapshot(), nil
}

// Version returns the server version recorded for one upstream kind at
// connect. Zero when the upstream has not been probed yet.
func (o *Orchestrator) Version(kind upstream.Kind) (upstream.Version, error) {
	entry := o.entry(kind)
	if entry == nil {
		return upstream.Version{}, upstream.NewError(upstream.KindNotConfigured, kind, "version", "upstream not configured")
	}
	return entry.adapter.Version(), nil
}

// Stats returns a snapshot of the orchestration counters.
func (o *Orchestrator) Stats() StatsSnapshot {
	return o.stats.Snapshot()
}

// StartKeepalive launches the background health ping. No-op when the
// interval is zero.
func (o *Orchestrator) StartKeepalive() {
	if o.cfg.KeepaliveInterval <= 0 {
		return
	}
	o.loops.Add(1)
	go func() {
		defer o.loops.Done()

		ticker := time.NewTicker(o.cfg.KeepaliveInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				o.keepalivePass()
			case <-o.loopCtx.Done():
				return
			}
		}
	}()
}

// keepalivePass probes every upstream and reconnects broken ones when
// auto-reconnect is enabled.
func (o *Orchestrator) keepalivePass() {
	ctx, cancel := context.WithTimeout(o.loopCtx, o.cfg.DefaultToolTimeout)
	defer cancel()

	report := o.Health(ctx)
	for _, h := range report.Upstreams {
		if h.Healthy {
			continue
		}
		o.logger.Warn("keepalive probe failed", "kind", h.Kind, "error", h.Error)
		if o.cfg.AutoReconnect {
			if entry := o.entry(h.Kind); entry != nil {
				o.reconnect(ctx, entry, h.Kind)
			}
		}
	}
}

// Shutdown stops background loops, optionally waits for in-flight calls
// up to the context deadline, then disconnects all adapters. Idempotent.
func (o *Orchestrator) Shutdown(ctx context.Context, graceful bool) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	o.loopCancel()
	o.loops.Wait()

	if graceful {
		settled := make(chan struct{})
		go func() {
			o.inflight.Wait()
			close(settled)
		}()
		select {
		case <-settled:
		case <-ctx.Done():
			o.logger.Warn("graceful drain deadline elapsed, cancelling in-flight calls")
			o.callCancel()
			<-settled
		}
	} else {
		o.callCancel()
		o.inflight.Wait()
	}
	o.callCancel()

	o.mu.RLock()
	defer o.mu.RUnlock()
	for kind, entry := range o.entries {
		if err := entry.adapter.Disconnect(); err != nil {
			o.logger.Error("disconnect failed", "kind", kind, "error", err)
		}
	}
	o.catalog = upstream.NewCatalog()
	o.logger.Info("orchestrator shut down")
	return nil
}

// Compile-time check that the orchestrator serves the inbound gateway
// port.
var _ inbound.ToolGateway = (*Orchestrator)(nil)
