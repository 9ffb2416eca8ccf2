// Package sabnzbd implements the download upstream adapter against the
// SABnzbd JSON API: mode-verb requests authenticated by an apikey query
// parameter.
package sabnzbd

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"sync"

	"github.com/arrgate/arrgate/internal/adapter/outbound/httpx"
	"github.com/arrgate/arrgate/internal/domain/upstream"
	"github.com/arrgate/arrgate/internal/port/outbound"
)

// apiPath is the daemon's single API endpoint; the verb travels in the
// mode query parameter.
const apiPath = "api"

// Adapter connects the gateway to a SABnzbd-compatible download daemon.
type Adapter struct {
	client *httpx.Client
	logger *slog.Logger

	mu      sync.RWMutex
	status  upstream.ConnectionStatus
	version upstream.Version
	tools   []upstream.Tool
}

// New creates the adapter from upstream settings.
func New(settings upstream.Settings, logger *slog.Logger) (*Adapter, error) {
	opts := []httpx.Option{
		httpx.WithQuery("apikey", settings.APIKey),
		httpx.WithQuery("output", "json"),
		httpx.WithLogger(logger),
	}
	if settings.Timeout > 0 {
		opts = append(opts, httpx.WithTimeout(settings.Timeout))
	}
	if settings.MaxRetries > 0 {
		opts = append(opts, httpx.WithMaxRetries(settings.MaxRetries))
	}

	client, err := httpx.New(upstream.KindDownload, settings.URL, opts...)
	if err != nil {
		return nil, err
	}
	return &Adapter{
		client: client,
		logger: logger,
		status: upstream.StatusDisconnected,
	}, nil
}

// Kind returns the upstream role.
func (a *Adapter) Kind() upstream.Kind { return upstream.KindDownload }

// Connect probes the daemon version and refreshes the version-gated tool
// set. Connecting while connected re-probes.
func (a *Adapter) Connect(ctx context.Context) error {
	a.setStatus(upstream.StatusConnecting)

	version, err := a.probeVersion(ctx)
	if err != nil {
		a.setStatus(upstream.StatusError)
		return err
	}

	gated := upstream.FilterByVersion(toolset(), version)

	a.mu.Lock()
	a.version = version
	a.tools = gated
	a.status = upstream.StatusConnected
	a.mu.Unlock()

	a.logger.Info("download upstream connected",
		"version", version,
		"tools", len(gated))
	return nil
}

// Disconnect drops the connection state. Safe when not connected.
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	a.status = upstream.StatusDisconnected
	a.tools = nil
	a.mu.Unlock()
	return nil
}

// Status reports the connection state.
func (a *Adapter) Status() upstream.ConnectionStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

// Version returns the server version recorded at connect.
func (a *Adapter) Version() upstream.Version {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.version
}

// Health probes the daemon without changing connection state. A rejected
// API key surfaces as an authentication failure.
func (a *Adapter) Health(ctx context.Context) error {
	_, err := a.probeVersion(ctx)
	return err
}

// ListTools returns the version-gated tool set recorded at connect.
func (a *Adapter) ListTools(ctx context.Context) ([]upstream.Tool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.status != upstream.StatusConnected {
		return nil, upstream.WrapError(upstream.KindTransport, upstream.KindDownload, "list_tools", upstream.ErrNotConnected)
	}
	out := make([]upstream.Tool, len(a.tools))
	copy(out, a.tools)
	return out, nil
}

// CallTool executes one tool against the daemon.
func (a *Adapter) CallTool(ctx context.Context, tool string, params map[string]any) (json.RawMessage, error) {
	a.mu.RLock()
	connected := a.status == upstream.StatusConnected
	a.mu.RUnlock()
	if !connected {
		return nil, upstream.WrapError(upstream.KindTransport, upstream.KindDownload, tool, upstream.ErrNotConnected)
	}

	switch tool {
	case toolGetQueue:
		return a.getQueue(ctx)
	case toolGetHistory:
		return a.getHistory(ctx, params)
	case toolGetVersion:
		return a.getVersion(ctx)
	case toolGetStatus:
		return a.getStatus(ctx)
	case toolGetServerStats:
		return a.getServerStats(ctx)
	case toolGetConfig:
		return a.getConfig(ctx)
	case toolSetConfig:
		return a.setConfig(ctx, params)
	case toolPauseQueue:
		return a.simpleMode(ctx, url.Values{"mode": {"pause"}})
	case toolResumeQueue:
		return a.simpleMode(ctx, url.Values{"mode": {"resume"}})
	case toolPauseDownload:
		return a.downloadAction(ctx, params, "pause")
	case toolResumeDownload:
		return a.downloadAction(ctx, params, "resume")
	case toolDeleteDownload:
		return a.downloadAction(ctx, params, "delete")
	case toolRetryDownload:
		return a.retryDownload(ctx, params)
	case toolAddURL:
		return a.addURL(ctx, params)
	case toolSetDirectUnpack:
		return a.setSwitch(ctx, params, "direct_unpack")
	case toolSetPropagationDelay:
		return a.setPropagationDelay(ctx, params)
	case toolSetDeobfuscation:
		return a.setSwitch(ctx, params, "deobfuscate_final_filenames")
	default:
		return nil, upstream.NewError(upstream.KindNotFound, upstream.KindDownload, "call_tool", "unknown tool %q", tool)
	}
}

func (a *Adapter) setStatus(s upstream.ConnectionStatus) {
	a.mu.Lock()
	a.status = s
	a.mu.Unlock()
}

// probeVersion asks the daemon for its version string.
func (a *Adapter) probeVersion(ctx context.Context) (upstream.Version, error) {
	var resp struct {
		Version string `json:"version"`
	}
	if err := a.client.GetJSON(ctx, apiPath, url.Values{"mode": {"version"}}, &resp); err != nil {
		return upstream.Version{}, err
	}
	version, err := upstream.ParseVersion(resp.Version)
	if err != nil {
		return upstream.Version{}, upstream.WrapError(upstream.KindPermanentServer, upstream.KindDownload, "version", err)
	}
	return version, nil
}

// Compile-time check that Adapter implements the outbound port.
var _ outbound.Adapter = (*Adapter)(nil)
