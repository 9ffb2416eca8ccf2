// Package plex implements the media library adapter. The server speaks
// JSON when asked via the Accept header but older releases answer XML
// regardless, so every response goes through a dual-format decoder.
package plex

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/arrgate/arrgate/internal/adapter/outbound/httpx"
	"github.com/arrgate/arrgate/internal/domain/upstream"
	"github.com/arrgate/arrgate/internal/port/outbound"
)

// Tool names advertised by the media library adapter.
const (
	toolGetLibraries     = "get_libraries"
	toolGetLibraryItems  = "get_library_items"
	toolGetRecentlyAdded = "get_recently_added"
	toolGetOnDeck        = "get_on_deck"
	toolRefreshLibrary   = "refresh_library"
	toolSearch           = "search"
	toolGetSessions      = "get_sessions"
	toolGetHistory       = "get_history"
	toolGetStatus        = "get_status"
	toolGetConfig        = "get_config"
)

var (
	schemaEmpty     = json.RawMessage(`{"type":"object","properties":{}}`)
	schemaLibraryID = json.RawMessage(`{"type":"object","properties":{"library_id":{"type":"string"}},"required":["library_id"]}`)
	schemaQuery     = json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`)
)

func toolset() []upstream.Tool {
	return []upstream.Tool{
		{Name: toolGetLibraries, Description: "Library sections on the server", InputSchema: schemaEmpty, ReadOnly: true},
		{Name: toolGetLibraryItems, Description: "All items in one library section", InputSchema: schemaLibraryID, ReadOnly: true},
		{Name: toolGetRecentlyAdded, Description: "Recently added items across libraries", InputSchema: schemaEmpty, ReadOnly: true},
		{Name: toolGetOnDeck, Description: "Partially watched items to resume", InputSchema: schemaEmpty, ReadOnly: true},
		{Name: toolRefreshLibrary, Description: "Scan one library section for changes", InputSchema: schemaLibraryID},
		{Name: toolSearch, Description: "Search all libraries by title", InputSchema: schemaQuery, ReadOnly: true},
		{Name: toolGetSessions, Description: "Active playback sessions", InputSchema: schemaEmpty, ReadOnly: true},
		{Name: toolGetHistory, Description: "Playback history, newest first", InputSchema: schemaEmpty, ReadOnly: true},
		{Name: toolGetStatus, Description: "Server identity and version", InputSchema: schemaEmpty, ReadOnly: true},
		{Name: toolGetConfig, Description: "Server preference snapshot", InputSchema: schemaEmpty, ReadOnly: true},
	}
}

// Adapter connects the gateway to a Plex-compatible media server.
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
		httpx.WithHeader("X-Plex-Token", settings.APIKey),
		httpx.WithHeader("Accept", "application/json"),
		httpx.WithLogger(logger),
	}
	if settings.Timeout > 0 {
		opts = append(opts, httpx.WithTimeout(settings.Timeout))
	}
	if settings.MaxRetries > 0 {
		opts = append(opts, httpx.WithMaxRetries(settings.MaxRetries))
	}

	client, err := httpx.New(upstream.KindMediaLibrary, settings.URL, opts...)
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
func (a *Adapter) Kind() upstream.Kind { return upstream.KindMediaLibrary }

// Connect probes the server identity. Connecting while connected
// re-probes.
func (a *Adapter) Connect(ctx context.Context) error {
	a.setStatus(upstream.StatusConnecting)

	version, err := a.probeVersion(ctx)
	if err != nil {
		a.setStatus(upstream.StatusError)
		return err
	}

	a.mu.Lock()
	a.version = version
	a.tools = upstream.FilterByVersion(toolset(), version)
	a.status = upstream.StatusConnected
	a.mu.Unlock()

	a.logger.Info("media library connected", "version", version)
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

// Health probes the server without changing connection state.
func (a *Adapter) Health(ctx context.Context) error {
	_, err := a.probeVersion(ctx)
	return err
}

// ListTools returns the tool set recorded at connect.
func (a *Adapter) ListTools(ctx context.Context) ([]upstream.Tool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.status != upstream.StatusConnected {
		return nil, upstream.WrapError(upstream.KindTransport, upstream.KindMediaLibrary, "list_tools", upstream.ErrNotConnected)
	}
	out := make([]upstream.Tool, len(a.tools))
	copy(out, a.tools)
	return out, nil
}

// CallTool executes one tool against the server.
func (a *Adapter) CallTool(ctx context.Context, tool string, params map[string]any) (json.RawMessage, error) {
	a.mu.RLock()
	connected := a.status == upstream.StatusConnected
	a.mu.RUnlock()
	if !connected {
		return nil, upstream.WrapError(upstream.KindTransport, upstream.KindMediaLibrary, tool, upstream.ErrNotConnected)
	}

	switch tool {
	case toolGetLibraries:
		return a.getLibraries(ctx)
	case toolGetLibraryItems:
		return a.getLibraryItems(ctx, params)
	case toolGetRecentlyAdded:
		return a.itemList(ctx, "library/recentlyAdded", nil)
	case toolGetOnDeck:
		return a.itemList(ctx, "library/onDeck", nil)
	case toolRefreshLibrary:
		return a.refreshLibrary(ctx, params)
	case toolSearch:
		return a.search(ctx, params)
	case toolGetSessions:
		return a.getSessions(ctx)
	case toolGetHistory:
		return a.getHistory(ctx)
	case toolGetStatus:
		return a.getStatus(ctx)
	case toolGetConfig:
		return a.getConfig(ctx)
	default:
		return nil, upstream.NewError(upstream.KindNotFound, upstream.KindMediaLibrary, "call_tool", "unknown tool %q", tool)
	}
}

func (a *Adapter) setStatus(s upstream.ConnectionStatus) {
	a.mu.Lock()
	a.status = s
	a.mu.Unlock()
}

// fetch issues a GET and decodes whichever wire format came back.
func (a *Adapter) fetch(ctx context.Context, path string, query url.Values) (*container, error) {
	raw, err := a.client.Get(ctx, path, query)
	if err != nil {
		return nil, err
	}
	c, err := decodeContainer(raw)
	if err != nil {
		return nil, upstream.WrapError(upstream.KindPermanentServer, upstream.KindMediaLibrary, "GET "+path, err)
	}
	return c, nil
}

func (a *Adapter) probeVersion(ctx context.Context) (upstream.Version, error) {
	c, err := a.fetch(ctx, "identity", nil)
	if err != nil {
		return upstream.Version{}, err
	}
	version, err := upstream.ParseVersion(c.Version)
	if err != nil {
		return upstream.Version{}, upstream.WrapError(upstream.KindPermanentServer, upstream.KindMediaLibrary, "identity", err)
	}
	return version, nil
}

func (a *Adapter) getLibraries(ctx context.Context) (json.RawMessage, error) {
	c, err := a.fetch(ctx, "library/sections", nil)
	if err != nil {
		return nil, err
	}

	libraries := make([]map[string]any, 0, len(c.Directories))
	for _, d := range c.Directories {
		libraries = append(libraries, map[string]any{
			"id":         d.Key,
			"title":      d.Title,
			"type":       d.Type,
			"updated_at": d.UpdatedAt,
		})
	}
	return json.Marshal(map[string]any{"libraries": libraries, "count": len(libraries)})
}

func (a *Adapter) getLibraryItems(ctx context.Context, params map[string]any) (json.RawMessage, error) {
	id, err := a.requireString(params, "library_id")
	if err != nil {
		return nil, err
	}
	return a.itemList(ctx, fmt.Sprintf("library/sections/%s/all", id), nil)
}

func (a *Adapter) refreshLibrary(ctx context.Context, params map[string]any) (json.RawMessage, error) {
	id, err := a.requireString(params, "library_id")
	if err != nil {
		return nil, err
	}
	if _, err := a.client.Get(ctx, fmt.Sprintf("library/sections/%s/refresh", id), nil); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{"library_id": id, "refreshing": true})
}

func (a *Adapter) search(ctx context.Context, params map[string]any) (json.RawMessage, error) {
	query, err := a.requireString(params, "query")
	if err != nil {
		return nil, err
	}
	return a.itemList(ctx, "search", url.Values{"query": {query}})
}

// itemList fetches a container and normalizes its items. Directory
// entries count too: show and artist listings come back as directories.
func (a *Adapter) itemList(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	c, err := a.fetch(ctx, path, query)
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(c.Items)+len(c.Directories))
	for _, e := range append(c.Items, c.Directories...) {
		item := map[string]any{
			"id":    e.RatingKey,
			"key":   e.Key,
			"title": e.Title,
			"type":  e.Type,
		}
		if e.Year > 0 {
			item["year"] = e.Year
		}
		if e.ViewedAt > 0 {
			item["viewed_at"] = e.ViewedAt
		}
		items = append(items, item)
	}
	return json.Marshal(map[string]any{"items": items, "count": len(items)})
}

func (a *Adapter) getSessions(ctx context.Context) (json.RawMessage, error) {
	c, err := a.fetch(ctx, "status/sessions", nil)
	if err != nil {
		return nil, err
	}

	sessions := make([]map[string]any, 0, len(c.Items))
	for _, e := range c.Items {
		sessions = append(sessions, map[string]any{
			"title":        e.Title,
			"type":         e.Type,
			"user":         e.User,
			"player_state": e.Player,
		})
	}
	return json.Marshal(map[string]any{"sessions": sessions, "count": len(sessions)})
}

func (a *Adapter) getHistory(ctx context.Context) (json.RawMessage, error) {
	return a.itemList(ctx, "status/sessions/history/all", nil)
}

func (a *Adapter) getStatus(ctx context.Context) (json.RawMessage, error) {
	c, err := a.fetch(ctx, "identity", nil)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{
		"version":            c.Version,
		"machine_identifier": c.MachineIdentifier,
		"friendly_name":      c.FriendlyName,
	})
}

// getConfig normalizes server preferences into the flat shape the audit
// rules evaluate: auto_scan tracks the filesystem-event scan preference,
// auto_empty_trash the post-scan trash behaviour.
func (a *Adapter) getConfig(ctx context.Context) (json.RawMessage, error) {
	c, err := a.fetch(ctx, ":/prefs", nil)
	if err != nil {
		return nil, err
	}

	prefs := make(map[string]any, len(c.Settings))
	for _, s := range c.Settings {
		prefs[s.ID] = s.Value
	}

	cfg := map[string]any{
		"auto_scan":        settingBool(prefs, "FSEventLibraryUpdatesEnabled"),
		"scheduled_scan":   settingBool(prefs, "ScheduledLibraryUpdatesEnabled"),
		"auto_empty_trash": settingBool(prefs, "autoEmptyTrash"),
		"preferences":      prefs,
	}
	return json.Marshal(cfg)
}

func (a *Adapter) requireString(params map[string]any, key string) (string, error) {
	v, ok := params[key].(string)
	if !ok || v == "" {
		return "", upstream.NewError(upstream.KindValidation, upstream.KindMediaLibrary, "call_tool", "parameter %q is required", key)
	}
	return v, nil
}

func settingBool(prefs map[string]any, key string) bool {
	v, ok := prefs[key].(string)
	if !ok {
		return false
	}
	return v == "1" || v == "true"
}

var _ outbound.Adapter = (*Adapter)(nil)
