package http

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/alexedwards/argon2id"
	"github.com/google/uuid"
)

// requestIDContextKey is the type for the request ID context key.
type requestIDContextKey struct{}

// RequestIDKey is the context key for the request ID.
var RequestIDKey = requestIDContextKey{}

// loggerContextKey is the type for the enriched logger context key.
type loggerContextKey struct{}

// LoggerKey is the context key for the enriched logger.
var LoggerKey = loggerContextKey{}

// clientIPContextKey is the type for the client IP context key.
type clientIPContextKey struct{}

// ClientIPKey is the context key for the client IP.
var ClientIPKey = clientIPContextKey{}

// RequestIDMiddleware extracts or generates a request ID and enriches
// the logger. The ID is echoed in the X-Request-ID response header for
// correlation.
func RequestIDMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.New().String()
			}

			enriched := logger.With("request_id", requestID)

			ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
			ctx = context.WithValue(ctx, LoggerKey, enriched)

			w.Header().Set("X-Request-ID", requestID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// LoggerFromContext retrieves the enriched logger from context.
// Returns slog.Default() if no logger is in context.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// OriginGuard validates the Origin header against an allowlist. The
// daemon binds localhost by default, so a hostile web page could reach
// it from the browser; refusing unknown origins closes that hole.
// Requests without an Origin header pass (same-origin or non-browser).
// An empty allowlist blocks every cross-origin request.
func OriginGuard(allowedOrigins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			if _, ok := allowed[origin]; !ok {
				http.Error(w, "Forbidden: origin not allowed", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RealIPMiddleware extracts the client's real IP address and stores it
// in context for the auth failure limiter. It checks X-Forwarded-For
// and X-Real-IP (reverse proxy deployments), falling back to
// r.RemoteAddr. Only the first X-Forwarded-For entry is trusted.
func RealIPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := extractRealIP(r)
		ctx := context.WithValue(r.Context(), ClientIPKey, ip)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClientIPFromContext retrieves the client IP stored by RealIPMiddleware.
func ClientIPFromContext(ctx context.Context) string {
	if ip, ok := ctx.Value(ClientIPKey).(string); ok {
		return ip
	}
	return ""
}

func extractRealIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		if len(ips) > 0 {
			if ip := strings.TrimSpace(ips[0]); ip != "" {
				return ip
			}
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// apiKeyExemptPaths bypass the API key check: liveness probes and
// Prometheus scrapers run without credentials.
var apiKeyExemptPaths = map[string]struct{}{
	"/health":  {},
	"/metrics": {},
}

// APIKeyMiddleware enforces the shared inbound API key when a hash is
// configured. The key is accepted from the X-Api-Key header, an
// Authorization Bearer token, or the api_key query parameter; the query
// form exists for WebSocket clients that cannot set headers. Failed
// attempts are rate limited per client IP before the Argon2id compare
// runs, so an attacker cannot use the gateway as a hashing oracle.
func APIKeyMiddleware(hash string, limiter *failureLimiter, metrics *Metrics, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if hash == "" {
				next.ServeHTTP(w, r)
				return
			}
			if _, exempt := apiKeyExemptPaths[r.URL.Path]; exempt {
				next.ServeHTTP(w, r)
				return
			}

			ip := ClientIPFromContext(r.Context())
			if ip == "" {
				ip = extractRealIP(r)
			}

			if blocked, retryAfter := limiter.blocked(ip); blocked {
				w.Header().Set("Retry-After", retryAfterSeconds(retryAfter))
				http.Error(w, "Too Many Requests: too many failed API key attempts", http.StatusTooManyRequests)
				return
			}

			key := extractAPIKey(r)
			if key == "" {
				http.Error(w, "Unauthorized: missing API key", http.StatusUnauthorized)
				return
			}

			match, err := argon2id.ComparePasswordAndHash(key, hash)
			if err != nil {
				logger.Error("API key hash comparison failed", "error", err)
			}
			if err != nil || !match {
				limiter.record(ip)
				if metrics != nil {
					metrics.AuthFailures.Inc()
				}
				http.Error(w, "Unauthorized: invalid API key", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// extractAPIKey pulls the presented key from the request.
func extractAPIKey(r *http.Request) string {
	if key := r.Header.Get("X-Api-Key"); key != "" {
		return key
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("api_key")
}
