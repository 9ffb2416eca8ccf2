package arr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/arrgate/arrgate/internal/domain/upstream"
)

// Tool names shared by both manager kinds.
const (
	toolGetItems           = "get_items"
	toolGetItem            = "get_item"
	toolSearch             = "search"
	toolAddItem            = "add_item"
	toolDeleteItem         = "delete_item"
	toolSearchItem         = "search_item"
	toolRefreshItem        = "refresh_item"
	toolGetCalendar        = "get_calendar"
	toolGetQueue           = "get_queue"
	toolGetWantedMissing   = "get_wanted_missing"
	toolGetQualityProfiles = "get_quality_profiles"
	toolGetRootFolders     = "get_root_folders"
	toolGetIndexers        = "get_indexers"
	toolGetDownloadClients = "get_download_clients"
	toolGetHealth          = "get_health"
	toolGetStatus          = "get_status"
	toolGetConfig          = "get_config"
)

var (
	schemaEmpty    = json.RawMessage(`{"type":"object","properties":{}}`)
	schemaItemID   = json.RawMessage(`{"type":"object","properties":{"item_id":{"type":"integer"}},"required":["item_id"]}`)
	schemaTerm     = json.RawMessage(`{"type":"object","properties":{"term":{"type":"string"}},"required":["term"]}`)
	schemaPayload  = json.RawMessage(`{"type":"object","properties":{"payload":{"type":"object"}},"required":["payload"]}`)
	schemaDelete   = json.RawMessage(`{"type":"object","properties":{"item_id":{"type":"integer"},"delete_files":{"type":"boolean"}},"required":["item_id"]}`)
	schemaSearch   = json.RawMessage(`{"type":"object","properties":{"item_id":{"type":"integer"},"quality":{"type":"string"}},"required":["item_id"]}`)
	schemaCalendar = json.RawMessage(`{"type":"object","properties":{"start":{"type":"string"},"end":{"type":"string"}}}`)
	schemaWanted   = json.RawMessage(`{"type":"object","properties":{"page":{"type":"integer"},"page_size":{"type":"integer"}}}`)
)

func (a *Adapter) toolset() []upstream.Tool {
	noun := a.role.noun
	return []upstream.Tool{
		{Name: toolGetItems, Description: "All monitored " + noun + " entries", InputSchema: schemaEmpty, ReadOnly: true},
		{Name: toolGetItem, Description: "One " + noun + " entry by id", InputSchema: schemaItemID, ReadOnly: true},
		{Name: toolSearch, Description: "Look up new " + noun + " entries by name", InputSchema: schemaTerm, ReadOnly: true},
		{Name: toolAddItem, Description: "Add a " + noun + " to be monitored", InputSchema: schemaPayload},
		{Name: toolDeleteItem, Description: "Remove a " + noun + ", optionally with files", InputSchema: schemaDelete},
		{Name: toolSearchItem, Description: "Trigger a release search for one " + noun + ", optionally capped at a quality tier", InputSchema: schemaSearch},
		{Name: toolRefreshItem, Description: "Refresh metadata for one " + noun, InputSchema: schemaItemID},
		{Name: toolGetCalendar, Description: "Upcoming releases between two dates", InputSchema: schemaCalendar, ReadOnly: true},
		{Name: toolGetQueue, Description: "Manager download queue", InputSchema: schemaEmpty, ReadOnly: true},
		{Name: toolGetWantedMissing, Description: "Monitored entries without files", InputSchema: schemaWanted, ReadOnly: true},
		{Name: toolGetQualityProfiles, Description: "Configured quality profiles", InputSchema: schemaEmpty, ReadOnly: true},
		{Name: toolGetRootFolders, Description: "Configured root folders", InputSchema: schemaEmpty, ReadOnly: true},
		{Name: toolGetIndexers, Description: "Configured indexers", InputSchema: schemaEmpty, ReadOnly: true},
		{Name: toolGetDownloadClients, Description: "Configured download clients", InputSchema: schemaEmpty, ReadOnly: true},
		{Name: toolGetHealth, Description: "Manager health check results", InputSchema: schemaEmpty, ReadOnly: true},
		{Name: toolGetStatus, Description: "Manager system status", InputSchema: schemaEmpty, ReadOnly: true},
		{Name: toolGetConfig, Description: "Media management configuration snapshot", InputSchema: schemaEmpty, ReadOnly: true},
	}
}

func (a *Adapter) getItem(ctx context.Context, params map[string]any) (json.RawMessage, error) {
	id, err := a.requireID(params)
	if err != nil {
		return nil, err
	}
	return a.client.Get(ctx, fmt.Sprintf("%s/%d", a.itemPath(), id), nil)
}

func (a *Adapter) search(ctx context.Context, params map[string]any) (json.RawMessage, error) {
	term, err := a.requireString(params, "term")
	if err != nil {
		return nil, err
	}
	return a.client.Get(ctx, a.itemPath()+"/lookup", url.Values{"term": {term}})
}

func (a *Adapter) addItem(ctx context.Context, params map[string]any) (json.RawMessage, error) {
	payload, ok := params["payload"].(map[string]any)
	if !ok {
		return nil, upstream.NewError(upstream.KindValidation, a.role.kind, "add_item", "parameter \"payload\" is required")
	}
	return a.client.Post(ctx, a.itemPath(), nil, payload)
}

func (a *Adapter) deleteItem(ctx context.Context, params map[string]any) (json.RawMessage, error) {
	id, err := a.requireID(params)
	if err != nil {
		return nil, err
	}
	deleteFiles, _ := params["delete_files"].(bool)
	query := url.Values{"deleteFiles": {strconv.FormatBool(deleteFiles)}}
	return a.client.Delete(ctx, fmt.Sprintf("%s/%d", a.itemPath(), id), query)
}

func (a *Adapter) searchItem(ctx context.Context, params map[string]any) (json.RawMessage, error) {
	id, err := a.requireID(params)
	if err != nil {
		return nil, err
	}
	cmd := a.role.searchCommand(id)
	// Recovery's fallback search names the tier the replacement grab must
	// not exceed; plain searches leave the profile alone.
	if quality, ok := params["quality"].(string); ok && quality != "" {
		cmd["quality"] = quality
	}
	return a.client.Post(ctx, apiBase+"/command", nil, cmd)
}

func (a *Adapter) refreshItem(ctx context.Context, params map[string]any) (json.RawMessage, error) {
	id, err := a.requireID(params)
	if err != nil {
		return nil, err
	}
	return a.client.Post(ctx, apiBase+"/command", nil, a.role.refreshCommand(id))
}

func (a *Adapter) getCalendar(ctx context.Context, params map[string]any) (json.RawMessage, error) {
	query := url.Values{}
	if start, ok := params["start"].(string); ok && start != "" {
		query.Set("start", start)
	}
	if end, ok := params["end"].(string); ok && end != "" {
		query.Set("end", end)
	}
	return a.client.Get(ctx, apiBase+"/calendar", query)
}

func (a *Adapter) getWantedMissing(ctx context.Context, params map[string]any) (json.RawMessage, error) {
	query := url.Values{
		"page":     {strconv.Itoa(intOr(params, "page", 1))},
		"pageSize": {strconv.Itoa(intOr(params, "page_size", 50))},
	}
	return a.client.Get(ctx, apiBase+"/wanted/missing", query)
}

// getConfig normalizes the media management settings into the flat shape
// the audit rules evaluate.
func (a *Adapter) getConfig(ctx context.Context) (json.RawMessage, error) {
	var cfg map[string]any
	if err := a.client.GetJSON(ctx, apiBase+"/config/mediamanagement", nil, &cfg); err != nil {
		return nil, err
	}

	out := map[string]any{
		"media_management": cfg,
	}
	if v, ok := cfg["recycleBin"]; ok {
		out["recycle_bin"] = v
	}
	if v, ok := cfg["rescanAfterRefresh"]; ok {
		out["rescan_after_refresh"] = v
	}
	return json.Marshal(out)
}

func (a *Adapter) requireString(params map[string]any, key string) (string, error) {
	v, ok := params[key].(string)
	if !ok || v == "" {
		return "", upstream.NewError(upstream.KindValidation, a.role.kind, "call_tool", "parameter %q is required", key)
	}
	return v, nil
}

// requireID extracts item_id, tolerating the float64 that JSON decoding
// produces.
func (a *Adapter) requireID(params map[string]any) (int64, error) {
	switch v := params["item_id"].(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		return int64(v), nil
	default:
		return 0, upstream.NewError(upstream.KindValidation, a.role.kind, "call_tool", "parameter \"item_id\" is required")
	}
}

func intOr(params map[string]any, key string, fallback int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return fallback
	}
}
