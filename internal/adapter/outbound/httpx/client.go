// Package httpx provides the HTTP plumbing shared by the upstream
// adapters: authenticated request execution, bounded response reads,
// status-code classification into the upstream error taxonomy, and
// bounded retry for idempotent reads.
package httpx

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/arrgate/arrgate/internal/domain/upstream"
)

const (
	// maxResponseBodySize bounds upstream response reads. Prevents OOM
	// from an upstream sending unbounded output.
	maxResponseBodySize = 10 * 1024 * 1024 // 10MB

	// errorBodySnippet is how much of an error response body is kept in
	// the error message.
	errorBodySnippet = 256

	// defaultTimeout bounds a single HTTP request when the settings do
	// not override it.
	defaultTimeout = 30 * time.Second

	// defaultReadRetries is the number of extra attempts for idempotent
	// reads.
	defaultReadRetries = 2

	// Retry backoff bounds for idempotent reads.
	retryBaseDelay = 250 * time.Millisecond
	retryMaxDelay  = 2 * time.Second
)

// Client executes requests against one upstream base URL with that
// upstream's credential scheme attached. Write requests execute exactly
// once; reads marked idempotent retry on transport and transient server
// failures.
type Client struct {
	kind       upstream.Kind
	base       *url.URL
	httpClient *http.Client
	logger     *slog.Logger
	headers    http.Header
	query      url.Values
	maxRetries int
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) { c.httpClient = client }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithHeader attaches a static header to every request, typically the
// upstream's API key header.
func WithHeader(key, value string) Option {
	return func(c *Client) { c.headers.Set(key, value) }
}

// WithQuery attaches a static query parameter to every request, for
// upstreams that authenticate via the query string.
func WithQuery(key, value string) Option {
	return func(c *Client) { c.query.Set(key, value) }
}

// WithMaxRetries overrides the extra-attempt budget for idempotent reads.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New creates a Client for the given upstream base URL.
func New(kind upstream.Kind, baseURL string, opts ...Option) (*Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q", baseURL)
	}

	c := &Client{
		kind: kind,
		base: base,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					MinVersion: tls.VersionTLS12,
				},
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger:     slog.Default(),
		headers:    make(http.Header),
		query:      make(url.Values),
		maxRetries: defaultReadRetries,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Kind returns the upstream kind the client serves.
func (c *Client) Kind() upstream.Kind { return c.kind }

// Get executes an idempotent read with retry. Returns the raw body, or
// "{}" when the upstream answered 2xx with an empty body.
func (c *Client) Get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, query, nil, true)
}

// GetJSON executes an idempotent read and decodes the response into out.
func (c *Client) GetJSON(ctx context.Context, path string, query url.Values, out any) error {
	data, err := c.Get(ctx, path, query)
	if err != nil {
		return err
	}
	return c.decode(path, data, out)
}

// Post executes a write exactly once.
func (c *Client) Post(ctx context.Context, path string, query url.Values, body any) ([]byte, error) {
	return c.do(ctx, http.MethodPost, path, query, body, false)
}

// PostJSON executes a write exactly once and decodes the response.
func (c *Client) PostJSON(ctx context.Context, path string, query url.Values, body, out any) error {
	data, err := c.Post(ctx, path, query, body)
	if err != nil {
		return err
	}
	return c.decode(path, data, out)
}

// Put executes a write exactly once.
func (c *Client) Put(ctx context.Context, path string, query url.Values, body any) ([]byte, error) {
	return c.do(ctx, http.MethodPut, path, query, body, false)
}

// Delete executes a delete exactly once.
func (c *Client) Delete(ctx context.Context, path string, query url.Values) ([]byte, error) {
	return c.do(ctx, http.MethodDelete, path, query, nil, false)
}

// decode unmarshals an upstream payload, classifying malformed output as
// a permanent server failure.
func (c *Client) decode(path string, data []byte, out any) error {
	if err := json.Unmarshal(data, out); err != nil {
		return &upstream.Error{
			Kind:     upstream.KindPermanentServer,
			Upstream: c.kind,
			Op:       path,
			Message:  "invalid response payload",
			Err:      err,
		}
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, idempotent bool) ([]byte, error) {
	attempts := 1
	if idempotent {
		attempts += c.maxRetries
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := readRetryDelay(attempt - 1)
			c.logger.Debug("retrying upstream read",
				"kind", c.kind,
				"path", path,
				"attempt", attempt,
				"delay", delay,
				"error", lastErr)
			select {
			case <-ctx.Done():
				return nil, upstream.WrapError(upstream.Classify(ctx.Err()), c.kind, method+" "+path, ctx.Err())
			case <-time.After(delay):
			}
		}

		data, err := c.once(ctx, method, path, query, body)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if !upstream.IsRetryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

// readRetryDelay is exponential from the base, capped.
func readRetryDelay(retry int) time.Duration {
	delay := retryBaseDelay * time.Duration(1<<(retry-1))
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	return delay
}

func (c *Client) once(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	op := method + " " + path

	u := c.base.JoinPath(path)
	merged := make(url.Values, len(c.query)+len(query))
	for k, vs := range c.query {
		merged[k] = vs
	}
	for k, vs := range query {
		merged[k] = vs
	}
	u.RawQuery = merged.Encode()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, upstream.WrapError(upstream.KindValidation, c.kind, op, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, upstream.WrapError(upstream.KindValidation, c.kind, op, err)
	}
	for k, vs := range c.headers {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// The URL in the transport error can carry credentials from the
		// query string; classify and keep only the operation name.
		return nil, &upstream.Error{
			Kind:     upstream.Classify(err),
			Upstream: c.kind,
			Op:       op,
			Message:  "request failed",
			Err:      unwrapURLError(err),
		}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, &upstream.Error{
			Kind:     upstream.Classify(err),
			Upstream: c.kind,
			Op:       op,
			Message:  "read response",
			Err:      err,
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.statusError(op, resp, data)
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return []byte("{}"), nil
	}
	return data, nil
}

// statusError translates a non-2xx response into a classified error.
func (c *Client) statusError(op string, resp *http.Response, body []byte) *upstream.Error {
	var kind upstream.ErrorKind
	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		kind = upstream.KindAuthentication
	case resp.StatusCode == http.StatusNotFound:
		kind = upstream.KindNotFound
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusServiceUnavailable:
		kind = upstream.KindTransientServer
	case resp.StatusCode >= 500:
		kind = upstream.KindPermanentServer
	default:
		kind = upstream.KindValidation
	}

	snippet := strings.TrimSpace(string(body))
	if len(snippet) > errorBodySnippet {
		snippet = snippet[:errorBodySnippet]
	}

	e := &upstream.Error{
		Kind:     kind,
		Upstream: c.kind,
		Op:       op,
		Message:  fmt.Sprintf("status %d: %s", resp.StatusCode, snippet),
	}
	if kind == upstream.KindTransientServer {
		if after, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && after > 0 {
			e.RetryAfter = time.Duration(after) * time.Second
		}
	}
	return e
}

// unwrapURLError strips the *url.Error wrapper whose message embeds the
// full request URL, keeping the transport cause.
func unwrapURLError(err error) error {
	if ue, ok := err.(*url.Error); ok && ue.Err != nil {
		return ue.Err
	}
	return err
}
