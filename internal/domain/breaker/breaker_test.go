package breaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

// fakeClock advances only when the test says so.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func fail(ctx context.Context) error    { return errBoom }
func succeed(ctx context.Context) error { return nil }

func newTestBreaker(clk *fakeClock, opts ...Option) *Breaker {
	cfg := Config{FailureThreshold: 3, OpenDuration: 30 * time.Second, HalfOpenRequired: 2}
	return New(cfg, append([]Option{WithClock(clk.now)}, opts...)...)
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	clk := newFakeClock()
	b := newTestBreaker(clk)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := b.Execute(ctx, fail); !errors.Is(err, errBoom) {
			t.Fatalf("attempt %d: err = %v, want errBoom", i, err)
		}
		if got := b.State(); got != StateClosed {
			t.Fatalf("attempt %d: state = %q, want closed", i, got)
		}
	}

	// Third consecutive failure trips the breaker.
	if err := b.Execute(ctx, fail); !errors.Is(err, errBoom) {
		t.Fatalf("tripping call err = %v, want errBoom", err)
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %q, want open", got)
	}

	snap := b.Snapshot()
	if snap.ConsecutiveFailures != 3 {
		t.Errorf("ConsecutiveFailures = %d, want 3", snap.ConsecutiveFailures)
	}
	if snap.OpenedAt.IsZero() || snap.LastFailureAt.IsZero() {
		t.Errorf("OpenedAt/LastFailureAt not recorded: %+v", snap)
	}
}

func TestBreakerRejectsWhileOpen(t *testing.T) {
	clk := newFakeClock()
	b := newTestBreaker(clk)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, fail)
	}

	called := false
	err := b.Execute(ctx, func(ctx context.Context) error {
		called = true
		return nil
	})
	var open *OpenError
	if !errors.As(err, &open) {
		t.Fatalf("err = %v, want *OpenError", err)
	}
	if called {
		t.Errorf("fn must not run while the breaker is open")
	}
	if open.RetryAfter <= 0 || open.RetryAfter > 30*time.Second {
		t.Errorf("RetryAfter = %v, want within (0, 30s]", open.RetryAfter)
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	clk := newFakeClock()
	b := newTestBreaker(clk)
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, succeed)
	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)

	if got := b.State(); got != StateClosed {
		t.Errorf("state = %q, want closed after interleaved success", got)
	}
	if snap := b.Snapshot(); snap.ConsecutiveFailures != 2 {
		t.Errorf("ConsecutiveFailures = %d, want 2", snap.ConsecutiveFailures)
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	clk := newFakeClock()
	b := newTestBreaker(clk)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, fail)
	}
	clk.advance(30 * time.Second)

	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("state after open window = %q, want half_open", got)
	}

	// First probe succeeds but one more is required.
	if err := b.Execute(ctx, succeed); err != nil {
		t.Fatalf("probe rejected: %v", err)
	}
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("state after first probe = %q, want half_open", got)
	}
	if snap := b.Snapshot(); snap.HalfOpenSuccesses != 1 {
		t.Errorf("HalfOpenSuccesses = %d, want 1", snap.HalfOpenSuccesses)
	}

	if err := b.Execute(ctx, succeed); err != nil {
		t.Fatalf("second probe rejected: %v", err)
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("state after required successes = %q, want closed", got)
	}
	if snap := b.Snapshot(); snap.ConsecutiveFailures != 0 || snap.HalfOpenSuccesses != 0 {
		t.Errorf("counters not reset on close: %+v", snap)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	clk := newFakeClock()
	b := newTestBreaker(clk)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, fail)
	}
	clk.advance(30 * time.Second)

	_ = b.Execute(ctx, succeed)
	if err := b.Execute(ctx, fail); !errors.Is(err, errBoom) {
		t.Fatalf("probe err = %v, want errBoom", err)
	}

	if got := b.State(); got != StateOpen {
		t.Fatalf("state after failed probe = %q, want open", got)
	}

	// The open window restarts from the failed probe.
	clk.advance(29 * time.Second)
	var open *OpenError
	if err := b.Execute(ctx, succeed); !errors.As(err, &open) {
		t.Errorf("err = %v, want *OpenError before window elapses", err)
	}
	clk.advance(time.Second)
	if err := b.Execute(ctx, succeed); err != nil {
		t.Errorf("probe after restarted window rejected: %v", err)
	}
}

func TestBreakerTransitionHook(t *testing.T) {
	clk := newFakeClock()
	var changes []stateChange
	b := newTestBreaker(clk, WithOnChange(func(from, to State) {
		changes = append(changes, stateChange{from: from, to: to})
	}))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, fail)
	}
	clk.advance(30 * time.Second)
	_ = b.Execute(ctx, succeed)
	_ = b.Execute(ctx, succeed)

	want := []stateChange{
		{StateClosed, StateOpen},
		{StateOpen, StateHalfOpen},
		{StateHalfOpen, StateClosed},
	}
	if len(changes) != len(want) {
		t.Fatalf("transitions = %v, want %v", changes, want)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, changes[i], want[i])
		}
	}
}

func TestBreakerDefaults(t *testing.T) {
	b := New(Config{})
	if b.cfg.FailureThreshold != defaultFailureThreshold {
		t.Errorf("FailureThreshold = %d, want %d", b.cfg.FailureThreshold, defaultFailureThreshold)
	}
	if b.cfg.OpenDuration != defaultOpenDuration {
		t.Errorf("OpenDuration = %v, want %v", b.cfg.OpenDuration, defaultOpenDuration)
	}
	if b.cfg.HalfOpenRequired != defaultHalfOpenRequired {
		t.Errorf("HalfOpenRequired = %d, want %d", b.cfg.HalfOpenRequired, defaultHalfOpenRequired)
	}
}
