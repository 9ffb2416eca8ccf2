// Package arr implements the series and movie manager adapters. Sonarr
// and Radarr share the /api/v3 REST shape, so one client serves both
// kinds; a role table supplies the resource noun and command names that
// differ.
package arr

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/arrgate/arrgate/internal/adapter/outbound/httpx"
	"github.com/arrgate/arrgate/internal/domain/upstream"
	"github.com/arrgate/arrgate/internal/port/outbound"
)

const apiBase = "api/v3"

// role captures the per-kind differences between the two managers.
// Command payloads differ in how they key the item: Sonarr uses
// seriesId, Radarr uses movieIds.
type role struct {
	kind           upstream.Kind
	noun           string // item noun in tool descriptions
	itemPath       string // REST resource for items
	searchCommand  func(id int64) map[string]any
	refreshCommand func(id int64) map[string]any
}

var tvRole = role{
	kind:     upstream.KindTvManager,
	noun:     "series",
	itemPath: "series",
	searchCommand: func(id int64) map[string]any {
		return map[string]any{"name": "SeriesSearch", "seriesId": id}
	},
	refreshCommand: func(id int64) map[string]any {
		return map[string]any{"name": "RefreshSeries", "seriesId": id}
	},
}

var movieRole = role{
	kind:     upstream.KindMovieManager,
	noun:     "movie",
	itemPath: "movie",
	searchCommand: func(id int64) map[string]any {
		return map[string]any{"name": "MoviesSearch", "movieIds": []int64{id}}
	},
	refreshCommand: func(id int64) map[string]any {
		return map[string]any{"name": "RefreshMovie", "movieIds": []int64{id}}
	},
}

// Adapter connects the gateway to one Sonarr- or Radarr-compatible
// manager.
type Adapter struct {
	role   role
	client *httpx.Client
	logger *slog.Logger

	mu      sync.RWMutex
	status  upstream.ConnectionStatus
	version upstream.Version
	tools   []upstream.Tool
}

// NewTv creates the series manager adapter.
func NewTv(settings upstream.Settings, logger *slog.Logger) (*Adapter, error) {
	return newAdapter(tvRole, settings, logger)
}

// NewMovie creates the movie manager adapter.
func NewMovie(settings upstream.Settings, logger *slog.Logger) (*Adapter, error) {
	return newAdapter(movieRole, settings, logger)
}

func newAdapter(r role, settings upstream.Settings, logger *slog.Logger) (*Adapter, error) {
	opts := []httpx.Option{
		httpx.WithHeader("X-Api-Key", settings.APIKey),
		httpx.WithLogger(logger),
	}
	if settings.Timeout > 0 {
		opts = append(opts, httpx.WithTimeout(settings.Timeout))
	}
	if settings.MaxRetries > 0 {
		opts = append(opts, httpx.WithMaxRetries(settings.MaxRetries))
	}

	client, err := httpx.New(r.kind, settings.URL, opts...)
	if err != nil {
		return nil, err
	}
	return &Adapter{
		role:   r,
		client: client,
		logger: logger,
		status: upstream.StatusDisconnected,
	}, nil
}

// Kind returns the upstream role.
func (a *Adapter) Kind() upstream.Kind { return a.role.kind }

// Connect probes /system/status and records the manager version.
// Connecting while connected re-probes.
func (a *Adapter) Connect(ctx context.Context) error {
	a.setStatus(upstream.StatusConnecting)

	version, err := a.probeVersion(ctx)
	if err != nil {
		a.setStatus(upstream.StatusError)
		return err
	}

	gated := upstream.FilterByVersion(a.toolset(), version)

	a.mu.Lock()
	a.version = version
	a.tools = gated
	a.status = upstream.StatusConnected
	a.mu.Unlock()

	a.logger.Info("manager upstream connected",
		"kind", a.role.kind,
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

// Version returns the manager version recorded at connect.
func (a *Adapter) Version() upstream.Version {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.version
}

// Health probes the manager without changing connection state.
func (a *Adapter) Health(ctx context.Context) error {
	_, err := a.probeVersion(ctx)
	return err
}

// ListTools returns the tool set recorded at connect.
func (a *Adapter) ListTools(ctx context.Context) ([]upstream.Tool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.status != upstream.StatusConnected {
		return nil, upstream.WrapError(upstream.KindTransport, a.role.kind, "list_tools", upstream.ErrNotConnected)
	}
	out := make([]upstream.Tool, len(a.tools))
	copy(out, a.tools)
	return out, nil
}

// CallTool executes one tool against the manager.
func (a *Adapter) CallTool(ctx context.Context, tool string, params map[string]any) (json.RawMessage, error) {
	a.mu.RLock()
	connected := a.status == upstream.StatusConnected
	a.mu.RUnlock()
	if !connected {
		return nil, upstream.WrapError(upstream.KindTransport, a.role.kind, tool, upstream.ErrNotConnected)
	}

	switch tool {
	case toolGetItems:
		return a.client.Get(ctx, a.itemPath(), nil)
	case toolGetItem:
		return a.getItem(ctx, params)
	case toolSearch:
		return a.search(ctx, params)
	case toolAddItem:
		return a.addItem(ctx, params)
	case toolDeleteItem:
		return a.deleteItem(ctx, params)
	case toolSearchItem:
		return a.searchItem(ctx, params)
	case toolRefreshItem:
		return a.refreshItem(ctx, params)
	case toolGetCalendar:
		return a.getCalendar(ctx, params)
	case toolGetQueue:
		return a.client.Get(ctx, apiBase+"/queue", nil)
	case toolGetWantedMissing:
		return a.getWantedMissing(ctx, params)
	case toolGetQualityProfiles:
		return a.client.Get(ctx, apiBase+"/qualityprofile", nil)
	case toolGetRootFolders:
		return a.client.Get(ctx, apiBase+"/rootfolder", nil)
	case toolGetIndexers:
		return a.client.Get(ctx, apiBase+"/indexer", nil)
	case toolGetDownloadClients:
		return a.client.Get(ctx, apiBase+"/downloadclient", nil)
	case toolGetHealth:
		return a.client.Get(ctx, apiBase+"/health", nil)
	case toolGetStatus:
		return a.client.Get(ctx, apiBase+"/system/status", nil)
	case toolGetConfig:
		return a.getConfig(ctx)
	default:
		return nil, upstream.NewError(upstream.KindNotFound, a.role.kind, "call_tool", "unknown tool %q", tool)
	}
}

func (a *Adapter) itemPath() string { return apiBase + "/" + a.role.itemPath }

func (a *Adapter) setStatus(s upstream.ConnectionStatus) {
	a.mu.Lock()
	a.status = s
	a.mu.Unlock()
}

// probeVersion asks /system/status for the manager version.
func (a *Adapter) probeVersion(ctx context.Context) (upstream.Version, error) {
	var resp struct {
		Version string `json:"version"`
	}
	if err := a.client.GetJSON(ctx, apiBase+"/system/status", nil, &resp); err != nil {
		return upstream.Version{}, err
	}
	version, err := upstream.ParseVersion(resp.Version)
	if err != nil {
		return upstream.Version{}, upstream.WrapError(upstream.KindPermanentServer, a.role.kind, "get_status", err)
	}
	return version, nil
}

var _ outbound.Adapter = (*Adapter)(nil)
