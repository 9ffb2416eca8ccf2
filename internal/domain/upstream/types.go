// Package upstream contains domain types shared by the upstream adapters
// and the orchestrator: upstream kinds, connection state, tool descriptors,
// tool calls and results, and the error taxonomy.
package upstream

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind identifies one of the four upstream service roles the gateway
// mediates. The set is fixed; there is at most one upstream per kind.
type Kind string

const (
	// KindDownload is the Usenet download daemon (SABnzbd-compatible).
	KindDownload Kind = "download"
	// KindTvManager is the series manager (Sonarr-compatible).
	KindTvManager Kind = "tv_manager"
	// KindMovieManager is the movie manager (Radarr-compatible).
	KindMovieManager Kind = "movie_manager"
	// KindMediaLibrary is the media server (Plex-compatible).
	KindMediaLibrary Kind = "media_library"
)

// AllKinds returns the fixed set of upstream kinds in display order.
func AllKinds() []Kind {
	return []Kind{KindDownload, KindTvManager, KindMovieManager, KindMediaLibrary}
}

// ParseKind converts a wire string into a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindDownload:
		return KindDownload, nil
	case KindTvManager:
		return KindTvManager, nil
	case KindMovieManager:
		return KindMovieManager, nil
	case KindMediaLibrary:
		return KindMediaLibrary, nil
	default:
		return "", fmt.Errorf("unknown upstream kind %q", s)
	}
}

// Validate checks that the kind is one of the four known roles.
func (k Kind) Validate() error {
	switch k {
	case KindDownload, KindTvManager, KindMovieManager, KindMediaLibrary:
		return nil
	default:
		return fmt.Errorf("unknown upstream kind %q", string(k))
	}
}

// IsManager reports whether the kind is one of the two content managers.
func (k Kind) IsManager() bool {
	return k == KindTvManager || k == KindMovieManager
}

// ConnectionStatus represents the runtime connection state of an upstream.
type ConnectionStatus string

const (
	// StatusConnected indicates the upstream is connected and operational.
	StatusConnected ConnectionStatus = "connected"
	// StatusDisconnected indicates the upstream is not connected.
	StatusDisconnected ConnectionStatus = "disconnected"
	// StatusConnecting indicates a connection attempt is in progress.
	StatusConnecting ConnectionStatus = "connecting"
	// StatusError indicates the upstream encountered a connection error.
	StatusError ConnectionStatus = "error"
)

// Tool describes one operation an upstream adapter exposes.
type Tool struct {
	// Name is the tool's identifier, unique within its upstream.
	Name string
	// Description is the human-readable tool description.
	Description string
	// InputSchema is the JSON Schema for the tool's parameters.
	InputSchema json.RawMessage
	// MinVersion is the lowest upstream server version that supports the
	// tool. Empty means supported by every version.
	MinVersion string
	// ReadOnly marks tools whose underlying request is an idempotent read.
	// Only read-only tools are retried at the transport layer.
	ReadOnly bool
}

// ToolCall is a request to execute one tool against one upstream.
type ToolCall struct {
	// Upstream selects the target upstream by role.
	Upstream Kind
	// Tool is the tool name as advertised by the adapter.
	Tool string
	// Params are the tool arguments. May be nil for parameterless tools.
	Params map[string]any
	// Timeout overrides the orchestrator's default per-call deadline when
	// positive. The effective deadline is the smaller of the two.
	Timeout time.Duration
	// Critical marks a call whose failure aborts a parallel batch when the
	// batch was started with cancel-on-critical enabled.
	Critical bool
}

// Validate checks the structural validity of a call before routing.
func (c *ToolCall) Validate() error {
	if err := c.Upstream.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Tool) == "" {
		return fmt.Errorf("tool name is required")
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	return nil
}

// ToolResult is the outcome of one tool call, successful or not.
// Exactly one of Data and Err is meaningful.
type ToolResult struct {
	// Upstream is the kind the call was routed to.
	Upstream Kind
	// Tool is the tool name that was executed.
	Tool string
	// Data is the raw JSON payload returned by the upstream on success.
	Data json.RawMessage
	// Err is the failure, classified per the error taxonomy, on failure.
	Err error
	// Duration is the wall time the call took including retries.
	Duration time.Duration
	// Attempts counts execution attempts, 1 when no retry happened.
	Attempts int
}

// Ok reports whether the call succeeded.
func (r *ToolResult) Ok() bool { return r.Err == nil }

// Version is a parsed upstream server version used for tool gating.
type Version struct {
	Major int
	Minor int
	Patch int
}

// ParseVersion parses version strings as reported by upstream status
// endpoints, tolerating a leading "v" and trailing pre-release noise
// ("4.1.0RC2" parses as 4.1.0). Zero components are implied ("3.0" is
// 3.0.0).
func ParseVersion(s string) (Version, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "v")
	if s == "" {
		return Version{}, fmt.Errorf("empty version string")
	}
	parts := strings.SplitN(s, ".", 3)
	var nums [3]int
	for i, p := range parts {
		digits := p
		for j, r := range p {
			if r < '0' || r > '9' {
				digits = p[:j]
				break
			}
		}
		if digits == "" {
			if i == 0 {
				return Version{}, fmt.Errorf("invalid version %q", s)
			}
			break
		}
		n, err := strconv.Atoi(digits)
		if err != nil {
			return Version{}, fmt.Errorf("invalid version %q: %w", s, err)
		}
		nums[i] = n
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

// AtLeast reports whether v >= min.
func (v Version) AtLeast(min Version) bool {
	if v.Major != min.Major {
		return v.Major > min.Major
	}
	if v.Minor != min.Minor {
		return v.Minor > min.Minor
	}
	return v.Patch >= min.Patch
}

// String renders the version in dotted form.
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// FilterByVersion returns the tools supported by the given server version.
// Tools with an unparseable MinVersion are treated as unsupported rather
// than silently exposed.
func FilterByVersion(tools []Tool, v Version) []Tool {
	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		if t.MinVersion == "" {
			out = append(out, t)
			continue
		}
		min, err := ParseVersion(t.MinVersion)
		if err != nil {
			continue
		}
		if v.AtLeast(min) {
			out = append(out, t)
		}
	}
	return out
}
