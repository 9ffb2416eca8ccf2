package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the inbound HTTP adapter. It owns the listener, the
// Prometheus registry, and the middleware chain around the API routes.
type Server struct {
	api            *API
	server         *http.Server
	addr           string
	allowedOrigins []string
	apiKeyHash     string
	wsHandler      http.Handler
	logger         *slog.Logger
	metrics        *Metrics
	registry       *prometheus.Registry
	limiter        *failureLimiter
}

// Option is a functional option for configuring the Server.
type Option func(*Server)

// WithAddr sets the listen address. Default is "127.0.0.1:7337"
// (localhost only).
func WithAddr(addr string) Option {
	return func(s *Server) { s.addr = addr }
}

// WithAllowedOrigins sets the Origin allowlist. If empty, all requests
// carrying an Origin header are blocked (local-only mode).
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) { s.allowedOrigins = origins }
}

// WithAPIKeyHash sets the Argon2id hash the inbound API key must match.
// Empty means the surface is open.
func WithAPIKeyHash(hash string) Option {
	return func(s *Server) { s.apiKeyHash = hash }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithWebSocket mounts the event bridge at /ws.
func WithWebSocket(h http.Handler) Option {
	return func(s *Server) { s.wsHandler = h }
}

// NewServer creates the HTTP server around the given API handler set.
// The Prometheus registry is built here so Handler works without Start.
func NewServer(api *API, opts ...Option) *Server {
	s := &Server{
		api:    api,
		addr:   "127.0.0.1:7337",
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.limiter = newFailureLimiter(defaultFailureRate, defaultFailurePeriod, defaultFailureBurst)

	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = NewMetrics(s.registry)

	var ws clientCounter
	if c, ok := s.wsHandler.(clientCounter); ok {
		ws = c
	}
	s.registry.MustRegister(newStatsCollector(api.orch, api.bus, ws))

	return s
}

// Handler builds the complete routing and middleware composition. Order
// outermost first: metrics, request ID, real IP, origin guard, API key,
// then the mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		Registry: s.registry,
	}))
	if s.wsHandler != nil {
		mux.Handle("/ws", s.wsHandler)
	}
	mux.Handle("/", s.api.Routes())

	var handler http.Handler = mux
	handler = APIKeyMiddleware(s.apiKeyHash, s.limiter, s.metrics, s.logger)(handler)
	handler = OriginGuard(s.allowedOrigins)(handler)
	handler = RealIPMiddleware(handler)
	handler = RequestIDMiddleware(s.logger)(handler)
	handler = MetricsMiddleware(s.metrics)(handler)
	return handler
}

// Start begins serving. It blocks until the context is cancelled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", s.addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("context cancelled, shutting down HTTP server")
		return s.shutdown()
	case err := <-errCh:
		return err
	}
}

// shutdown drains in-flight requests with a bounded grace period.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("error during server shutdown", "error", err)
		return err
	}
	s.logger.Info("HTTP server shutdown complete")
	return nil
}

// Close gracefully shuts down the server.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	return s.shutdown()
}
