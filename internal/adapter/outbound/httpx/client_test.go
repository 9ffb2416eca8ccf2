package httpx

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arrgate/arrgate/internal/domain/upstream"
)

func newTestClient(t *testing.T, srv *httptest.Server, opts ...Option) *Client {
	t.Helper()
	c, err := New(upstream.KindDownload, srv.URL, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestStatusClassification(t *testing.T) {
	tests := []struct {
		status int
		want   upstream.ErrorKind
	}{
		{http.StatusUnauthorized, upstream.KindAuthentication},
		{http.StatusForbidden, upstream.KindAuthentication},
		{http.StatusNotFound, upstream.KindNotFound},
		{http.StatusTooManyRequests, upstream.KindTransientServer},
		{http.StatusServiceUnavailable, upstream.KindTransientServer},
		{http.StatusInternalServerError, upstream.KindPermanentServer},
		{http.StatusBadGateway, upstream.KindPermanentServer},
		{http.StatusBadRequest, upstream.KindValidation},
	}

	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))
		c := newTestClient(t, srv, WithMaxRetries(0))

		_, err := c.Get(context.Background(), "api", nil)
		if got := upstream.Classify(err); got != tt.want {
			t.Errorf("status %d classified as %q, want %q", tt.status, got, tt.want)
		}
		srv.Close()
	}
}

func TestGetRetriesTransientThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	data, err := c.Get(context.Background(), "api", nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(data) != `{"ok":true}` {
		t.Errorf("body = %s", data)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("upstream called %d times, want 3", got)
	}
}

func TestGetDoesNotRetryTerminalErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Get(context.Background(), "api", nil)
	if upstream.Classify(err) != upstream.KindAuthentication {
		t.Fatalf("err = %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("upstream called %d times, want 1", got)
	}
}

func TestPostNeverRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Post(context.Background(), "api/v3/command", nil, map[string]any{"name": "MoviesSearch"})
	if upstream.Classify(err) != upstream.KindTransientServer {
		t.Fatalf("err = %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("upstream called %d times, want 1 (writes must not retry)", got)
	}
}

func TestRetryAfterHint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, WithMaxRetries(0))
	_, err := c.Get(context.Background(), "api", nil)

	var ue *upstream.Error
	if !errors.As(err, &ue) {
		t.Fatalf("err = %v, want *upstream.Error", err)
	}
	if ue.RetryAfter != 7*time.Second {
		t.Errorf("RetryAfter = %v, want 7s", ue.RetryAfter)
	}
}

func TestNetworkErrorIsTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	c, err := New(upstream.KindDownload, srv.URL, WithMaxRetries(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.Get(context.Background(), "api", nil)
	if got := upstream.Classify(err); got != upstream.KindTransport {
		t.Errorf("classified as %q, want transport", got)
	}
}

func TestCredentialsDoNotLeakIntoErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c, err := New(upstream.KindDownload, srv.URL,
		WithQuery("apikey", "supersecret"), WithMaxRetries(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.Get(context.Background(), "api", nil)
	if err == nil {
		t.Fatalf("expected error")
	}
	msg := err.Error()
	if strings.Contains(msg, "supersecret") || strings.Contains(msg, "apikey=") {
		t.Errorf("error message leaks credentials: %s", msg)
	}
}

func TestAuthAttachment(t *testing.T) {
	var gotHeader, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Api-Key")
		gotQuery = r.URL.Query().Get("apikey")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, WithHeader("X-Api-Key", "h-key"), WithQuery("apikey", "q-key"))
	if _, err := c.Get(context.Background(), "api", url.Values{"mode": {"queue"}}); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if gotHeader != "h-key" {
		t.Errorf("X-Api-Key = %q", gotHeader)
	}
	if gotQuery != "q-key" {
		t.Errorf("apikey = %q", gotQuery)
	}
}

func TestEmptyBodyNormalizesToObject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	data, err := c.Get(context.Background(), "api", nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(data) != "{}" {
		t.Errorf("body = %q, want {}", data)
	}
}

func TestGetJSONDecodeFailureIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<!DOCTYPE html><html>not json</html>`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	var out map[string]any
	err := c.GetJSON(context.Background(), "api", nil, &out)
	if got := upstream.Classify(err); got != upstream.KindPermanentServer {
		t.Errorf("classified as %q, want permanent_server", got)
	}
}

func TestContextCancellationStopsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := newTestClient(t, srv, WithMaxRetries(5))
	start := time.Now()
	_, err := c.Get(ctx, "api", nil)
	if err == nil {
		t.Fatalf("expected error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("cancelled retry loop ran for %v", elapsed)
	}
}
