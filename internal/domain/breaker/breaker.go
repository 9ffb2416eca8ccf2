// Package breaker implements the per-upstream circuit breaker that guards
// tool calls against repeatedly failing upstreams.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// State is the breaker's position in its three-state machine.
type State string

const (
	// StateClosed admits all calls. Consecutive failures are counted.
	StateClosed State = "closed"
	// StateOpen rejects all calls until the open window has elapsed.
	StateOpen State = "open"
	// StateHalfOpen admits probe calls after the open window. Enough
	// consecutive successes close the breaker; any failure reopens it.
	StateHalfOpen State = "half_open"
)

// Config holds the breaker thresholds.
type Config struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// breaker from closed.
	FailureThreshold int
	// OpenDuration is how long the breaker rejects calls before letting
	// probes through.
	OpenDuration time.Duration
	// HalfOpenRequired is the consecutive-success count that closes the
	// breaker from half-open.
	HalfOpenRequired int
}

// Defaults applied when a field is zero.
const (
	defaultFailureThreshold = 5
	defaultOpenDuration     = 60 * time.Second
	defaultHalfOpenRequired = 3
)

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = defaultFailureThreshold
	}
	if c.OpenDuration <= 0 {
		c.OpenDuration = defaultOpenDuration
	}
	if c.HalfOpenRequired <= 0 {
		c.HalfOpenRequired = defaultHalfOpenRequired
	}
	return c
}

// OpenError is returned by Execute while the breaker is rejecting calls.
type OpenError struct {
	// RetryAfter is the remaining open window at rejection time.
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit open, retry in %s", e.RetryAfter.Round(time.Millisecond))
}

// Snapshot is an immutable view of the breaker's state.
type Snapshot struct {
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	HalfOpenSuccesses   int       `json:"half_open_successes"`
	LastFailureAt       time.Time `json:"last_failure_at,omitzero"`
	OpenedAt            time.Time `json:"opened_at,omitzero"`
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock replaces the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithOnChange registers a hook invoked after every state transition.
// The hook runs outside the breaker lock and must not call back into it.
func WithOnChange(fn func(from, to State)) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// Breaker is a three-state circuit breaker. The zero value is not usable;
// construct with New.
type Breaker struct {
	cfg      Config
	now      func() time.Time
	onChange func(from, to State)

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	halfOpenSuccesses   int
	lastFailureAt       time.Time
	openedAt            time.Time
}

// New creates a closed breaker with the given thresholds.
func New(cfg Config, opts ...Option) *Breaker {
	b := &Breaker{
		cfg:   cfg.withDefaults(),
		now:   time.Now,
		state: StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Execute runs fn under the breaker. While open it rejects with an
// *OpenError without invoking fn. The fn error, if any, is returned
// unchanged so callers keep their own classification.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err == nil)
	return err
}

// admit decides whether a call may proceed, performing the lazy
// open-to-half-open transition when the open window has elapsed.
func (b *Breaker) admit() error {
	b.mu.Lock()

	var change *stateChange
	if b.state == StateOpen {
		elapsed := b.now().Sub(b.openedAt)
		if elapsed < b.cfg.OpenDuration {
			retryAfter := b.cfg.OpenDuration - elapsed
			b.mu.Unlock()
			return &OpenError{RetryAfter: retryAfter}
		}
		change = b.transition(StateHalfOpen)
	}

	b.mu.Unlock()
	b.notify(change)
	return nil
}

// record applies a call outcome to the state machine.
func (b *Breaker) record(success bool) {
	b.mu.Lock()

	var change *stateChange
	switch b.state {
	case StateClosed:
		if success {
			b.consecutiveFailures = 0
			break
		}
		b.consecutiveFailures++
		b.lastFailureAt = b.now()
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			change = b.transition(StateOpen)
		}

	case StateHalfOpen:
		if success {
			b.halfOpenSuccesses++
			if b.halfOpenSuccesses >= b.cfg.HalfOpenRequired {
				change = b.transition(StateClosed)
			}
			break
		}
		b.lastFailureAt = b.now()
		change = b.transition(StateOpen)

	case StateOpen:
		// A call admitted before the breaker opened finished late.
		// Its outcome does not move the state machine.
		if !success {
			b.lastFailureAt = b.now()
		}
	}

	b.mu.Unlock()
	b.notify(change)
}

type stateChange struct {
	from, to State
}

// transition moves to a new state and resets the counters that belong to
// the old one. Caller holds the lock and delivers the returned change to
// the hook after unlock.
func (b *Breaker) transition(to State) *stateChange {
	from := b.state
	if from == to {
		return nil
	}
	b.state = to

	switch to {
	case StateOpen:
		b.openedAt = b.now()
		b.halfOpenSuccesses = 0
	case StateHalfOpen:
		b.halfOpenSuccesses = 0
	case StateClosed:
		b.consecutiveFailures = 0
		b.halfOpenSuccesses = 0
		b.openedAt = time.Time{}
	}

	return &stateChange{from: from, to: to}
}

func (b *Breaker) notify(change *stateChange) {
	if change == nil || b.onChange == nil {
		return
	}
	b.onChange(change.from, change.to)
}

// State returns the current state, applying the lazy half-open transition
// so that observers see the same state a call would.
func (b *Breaker) State() State {
	return b.Snapshot().State
}

// Snapshot returns an immutable view of the breaker.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Report half-open once the window has elapsed even if no call has
	// performed the transition yet.
	state := b.state
	if state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.OpenDuration {
		state = StateHalfOpen
	}

	return Snapshot{
		State:               state,
		ConsecutiveFailures: b.consecutiveFailures,
		HalfOpenSuccesses:   b.halfOpenSuccesses,
		LastFailureAt:       b.lastFailureAt,
		OpenedAt:            b.openedAt,
	}
}
