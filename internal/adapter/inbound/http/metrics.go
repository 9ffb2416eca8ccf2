package http

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arrgate/arrgate/internal/domain/breaker"
	"github.com/arrgate/arrgate/internal/eventbus"
	"github.com/arrgate/arrgate/internal/service"
)

// Metrics holds the request-level Prometheus metrics recorded by the
// middleware chain.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	AuthFailures    prometheus.Counter
}

// NewMetrics creates and registers the request metrics with the given
// registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "arrgate",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of API requests processed",
			},
			[]string{"method", "status"}, // status=ok/error
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "arrgate",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		AuthFailures: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "arrgate",
				Subsystem: "http",
				Name:      "auth_failures_total",
				Help:      "Total failed API key attempts",
			},
		),
	}
}

// clientCounter is implemented by the WebSocket hub. When the mounted
// handler provides it, the collector exports the live client count.
type clientCounter interface {
	ClientCount() int
}

// statsCollector exports orchestrator, breaker, and bus counters at
// scrape time, keeping the domain services free of metrics plumbing.
type statsCollector struct {
	orch *service.Orchestrator
	bus  *eventbus.Bus
	ws   clientCounter

	calls        *prometheus.Desc
	callErrors   *prometheus.Desc
	transitions  *prometheus.Desc
	retries      *prometheus.Desc
	reconnects   *prometheus.Desc
	breakerState *prometheus.Desc
	published    *prometheus.Desc
	dropped      *prometheus.Desc
	wsClients    *prometheus.Desc
}

func newStatsCollector(orch *service.Orchestrator, bus *eventbus.Bus, ws clientCounter) *statsCollector {
	return &statsCollector{
		orch: orch,
		bus:  bus,
		ws:   ws,
		calls: prometheus.NewDesc("arrgate_upstream_calls_total",
			"Tool calls routed per upstream", []string{"upstream"}, nil),
		callErrors: prometheus.NewDesc("arrgate_upstream_errors_total",
			"Failed tool calls per upstream", []string{"upstream"}, nil),
		transitions: prometheus.NewDesc("arrgate_breaker_transitions_total",
			"Circuit breaker state transitions per upstream", []string{"upstream"}, nil),
		retries: prometheus.NewDesc("arrgate_call_retries_total",
			"Tool call retry attempts", nil, nil),
		reconnects: prometheus.NewDesc("arrgate_reconnects_total",
			"Upstream reconnect attempts", nil, nil),
		breakerState: prometheus.NewDesc("arrgate_breaker_state",
			"Circuit breaker state per upstream (0 closed, 1 half-open, 2 open)",
			[]string{"upstream"}, nil),
		published: prometheus.NewDesc("arrgate_events_published_total",
			"Events accepted by the bus", nil, nil),
		dropped: prometheus.NewDesc("arrgate_events_dropped_total",
			"Events dropped on full subscriber queues", nil, nil),
		wsClients: prometheus.NewDesc("arrgate_ws_clients",
			"Connected WebSocket clients", nil, nil),
	}
}

func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.calls
	ch <- c.callErrors
	ch <- c.transitions
	ch <- c.retries
	ch <- c.reconnects
	ch <- c.breakerState
	ch <- c.published
	ch <- c.dropped
	ch <- c.wsClients
}

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	if c.orch != nil {
		snap := c.orch.Stats()
		for kind, n := range snap.CallsByUpstream {
			ch <- prometheus.MustNewConstMetric(c.calls, prometheus.CounterValue, float64(n), string(kind))
		}
		for kind, n := range snap.ErrorsByUpstream {
			ch <- prometheus.MustNewConstMetric(c.callErrors, prometheus.CounterValue, float64(n), string(kind))
		}
		for kind, n := range snap.TransitionsByUpstream {
			ch <- prometheus.MustNewConstMetric(c.transitions, prometheus.CounterValue, float64(n), string(kind))
		}
		ch <- prometheus.MustNewConstMetric(c.retries, prometheus.CounterValue, float64(snap.Retries))
		ch <- prometheus.MustNewConstMetric(c.reconnects, prometheus.CounterValue, float64(snap.Reconnects))

		for kind, bs := range c.orch.BreakerSnapshots() {
			ch <- prometheus.MustNewConstMetric(c.breakerState, prometheus.GaugeValue, breakerStateValue(bs.State), string(kind))
		}
	}
	if c.bus != nil {
		bs := c.bus.Stats()
		ch <- prometheus.MustNewConstMetric(c.published, prometheus.CounterValue, float64(bs.Published))
		ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(bs.Dropped))
	}
	if c.ws != nil {
		ch <- prometheus.MustNewConstMetric(c.wsClients, prometheus.GaugeValue, float64(c.ws.ClientCount()))
	}
}

func breakerStateValue(s breaker.State) float64 {
	switch s {
	case breaker.StateHalfOpen:
		return 1
	case breaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// Compile-time interface verification.
var _ prometheus.Collector = (*statsCollector)(nil)
