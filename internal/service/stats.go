// Package service contains the gateway core: the orchestrator that owns
// upstream adapters and breakers, and the background loops built on top
// of it.
package service

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/arrgate/arrgate/internal/domain/upstream"
)

// Stats tracks orchestration counters using lock-free atomics for the
// totals and a mutex-protected map for per-upstream breakdowns. Counters
// are monotone; they are never reset during normal operation.
type Stats struct {
	startedAt time.Time

	totalCalls   atomic.Int64
	totalErrors  atomic.Int64
	healthChecks atomic.Int64
	retries      atomic.Int64
	reconnects   atomic.Int64

	mu                sync.Mutex
	callsByKind       map[upstream.Kind]int64
	errorsByKind      map[upstream.Kind]int64
	transitionsByKind map[upstream.Kind]int64
}

// NewStats creates a Stats with all counters at zero.
func NewStats() *Stats {
	return &Stats{
		startedAt:         time.Now(),
		callsByKind:       make(map[upstream.Kind]int64),
		errorsByKind:      make(map[upstream.Kind]int64),
		transitionsByKind: make(map[upstream.Kind]int64),
	}
}

// RecordCall counts one routed tool call.
func (s *Stats) RecordCall(kind upstream.Kind) {
	s.totalCalls.Add(1)
	s.mu.Lock()
	s.callsByKind[kind]++
	s.mu.Unlock()
}

// RecordError counts one failed tool call.
func (s *Stats) RecordError(kind upstream.Kind) {
	s.totalErrors.Add(1)
	s.mu.Lock()
	s.errorsByKind[kind]++
	s.mu.Unlock()
}

// RecordHealthCheck counts one health probe.
func (s *Stats) RecordHealthCheck() {
	s.healthChecks.Add(1)
}

// RecordRetry counts one retry attempt beyond the first execution.
func (s *Stats) RecordRetry() {
	s.retries.Add(1)
}

// RecordReconnect counts one auto-reconnect attempt.
func (s *Stats) RecordReconnect() {
	s.reconnects.Add(1)
}

// RecordBreakerTransition counts one breaker state change.
func (s *Stats) RecordBreakerTransition(kind upstream.Kind) {
	s.mu.Lock()
	s.transitionsByKind[kind]++
	s.mu.Unlock()
}

// StatsSnapshot is a point-in-time view of all counters.
type StatsSnapshot struct {
	TotalCalls            int64                   `json:"total_calls"`
	TotalErrors           int64                   `json:"total_errors"`
	HealthChecks          int64                   `json:"health_checks"`
	Retries               int64                   `json:"retries"`
	Reconnects            int64                   `json:"reconnects"`
	BreakerTransitions    int64                   `json:"breaker_transitions"`
	CallsByUpstream       map[upstream.Kind]int64 `json:"calls_by_upstream"`
	ErrorsByUpstream      map[upstream.Kind]int64 `json:"errors_by_upstream"`
	TransitionsByUpstream map[upstream.Kind]int64 `json:"breaker_transitions_by_upstream"`
	UptimeSeconds         float64                 `json:"uptime_seconds"`
}

// Snapshot returns a copy of all counters. Per-counter consistency only;
// the snapshot is not atomic across counters.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	calls := make(map[upstream.Kind]int64, len(s.callsByKind))
	for k, v := range s.callsByKind {
		calls[k] = v
	}
	errs := make(map[upstream.Kind]int64, len(s.errorsByKind))
	for k, v := range s.errorsByKind {
		errs[k] = v
	}
	var totalTransitions int64
	transitions := make(map[upstream.Kind]int64, len(s.transitionsByKind))
	for k, v := range s.transitionsByKind {
		transitions[k] = v
		totalTransitions += v
	}
	s.mu.Unlock()

	return StatsSnapshot{
		TotalCalls:            s.totalCalls.Load(),
		TotalErrors:           s.totalErrors.Load(),
		HealthChecks:          s.healthChecks.Load(),
		Retries:               s.retries.Load(),
		Reconnects:            s.reconnects.Load(),
		BreakerTransitions:    totalTransitions,
		CallsByUpstream:       calls,
		ErrorsByUpstream:      errs,
		TransitionsByUpstream: transitions,
		UptimeSeconds:         time.Since(s.startedAt).Seconds(),
	}
}
