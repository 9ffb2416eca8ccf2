package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrorKind classifies every failure an upstream operation can produce.
// The orchestrator's retry gate, the breaker, and the HTTP status mapping
// all key off this classification.
type ErrorKind string

const (
	// KindTransport covers network and connection level failures.
	KindTransport ErrorKind = "transport"
	// KindTimeout covers deadline expiry, both per-call and queue-wait.
	KindTimeout ErrorKind = "timeout"
	// KindTransientServer covers upstream 429 and 503 responses.
	KindTransientServer ErrorKind = "transient_server"
	// KindPermanentServer covers other upstream 5xx responses and
	// malformed upstream payloads.
	KindPermanentServer ErrorKind = "permanent_server"
	// KindAuthentication covers upstream 401 and 403 responses.
	KindAuthentication ErrorKind = "authentication"
	// KindNotFound covers upstream 404 responses and unknown tools.
	KindNotFound ErrorKind = "not_found"
	// KindBreakerOpen is a local rejection while the circuit is open.
	KindBreakerOpen ErrorKind = "breaker_open"
	// KindNotConfigured is a local rejection for an absent upstream kind.
	KindNotConfigured ErrorKind = "not_configured"
	// KindValidation covers malformed requests rejected before routing.
	KindValidation ErrorKind = "validation"
	// KindCancelled covers caller-initiated cancellation.
	KindCancelled ErrorKind = "cancelled"
)

// ErrNotConnected is wrapped into transport errors returned by adapters
// when an operation requires an established connection.
var ErrNotConnected = errors.New("upstream not connected")

// Error is the classified failure type returned by adapters and the
// orchestrator. It wraps the underlying cause when one exists.
type Error struct {
	// Kind is the taxonomy bucket.
	Kind ErrorKind
	// Upstream is the kind of the upstream involved, when known.
	Upstream Kind
	// Op names the failing operation ("connect", "call_tool", "health").
	Op string
	// Message is a human-readable description.
	Message string
	// RetryAfter hints when the caller may retry. Set for breaker
	// rejections and for 429 responses that carried a Retry-After header.
	RetryAfter time.Duration
	// Err is the wrapped cause, nil for locally generated failures.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b []byte
	if e.Upstream != "" {
		b = fmt.Appendf(b, "%s: ", e.Upstream)
	}
	if e.Op != "" {
		b = fmt.Appendf(b, "%s: ", e.Op)
	}
	b = fmt.Appendf(b, "%s", e.Kind)
	if e.Message != "" {
		b = fmt.Appendf(b, ": %s", e.Message)
	}
	if e.Err != nil {
		b = fmt.Appendf(b, ": %v", e.Err)
	}
	return string(b)
}

// Unwrap exposes the cause to errors.Is and errors.As.
func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified error with a formatted message.
func NewError(kind ErrorKind, up Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Upstream: up, Op: op, Message: fmt.Sprintf(format, args...)}
}

// WrapError classifies an underlying cause.
func WrapError(kind ErrorKind, up Kind, op string, err error) *Error {
	return &Error{Kind: kind, Upstream: up, Op: op, Err: err}
}

// Classify maps an arbitrary error to its ErrorKind. Typed errors carry
// their own kind; context errors map to timeout and cancelled; anything
// else at an adapter boundary is a transport failure.
func Classify(err error) ErrorKind {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	return KindTransport
}

// IsRetryable reports whether the orchestrator may retry the call.
// Only transport and transient server failures qualify; everything else
// either cannot succeed on retry or must surface immediately.
func IsRetryable(err error) bool {
	switch Classify(err) {
	case KindTransport, KindTransientServer:
		return true
	default:
		return false
	}
}

// IsConnectionFailure reports whether the error indicates a broken
// connection, which makes the adapter eligible for auto-reconnect.
func IsConnectionFailure(err error) bool {
	if errors.Is(err, ErrNotConnected) {
		return true
	}
	return Classify(err) == KindTransport
}
