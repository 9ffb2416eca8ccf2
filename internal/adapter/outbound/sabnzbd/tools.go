package sabnzbd

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"time"

	"github.com/arrgate/arrgate/internal/domain/download"
	"github.com/arrgate/arrgate/internal/domain/upstream"
)

// Tool names advertised by the download adapter.
const (
	toolGetQueue            = "get_queue"
	toolGetHistory          = "get_history"
	toolGetVersion          = "get_version"
	toolGetStatus           = "get_status"
	toolGetServerStats      = "get_server_stats"
	toolGetConfig           = "get_config"
	toolSetConfig           = "set_config"
	toolPauseQueue          = "pause_queue"
	toolResumeQueue         = "resume_queue"
	toolPauseDownload       = "pause_download"
	toolResumeDownload      = "resume_download"
	toolDeleteDownload      = "delete_download"
	toolRetryDownload       = "retry_download"
	toolAddURL              = "add_url"
	toolSetDirectUnpack     = "set_direct_unpack"
	toolSetPropagationDelay = "set_propagation_delay"
	toolSetDeobfuscation    = "set_deobfuscation"
)

var (
	schemaEmpty      = json.RawMessage(`{"type":"object","properties":{}}`)
	schemaDownloadID = json.RawMessage(`{"type":"object","properties":{"download_id":{"type":"string"}},"required":["download_id"]}`)
	schemaHistory    = json.RawMessage(`{"type":"object","properties":{"limit":{"type":"integer"},"failed_only":{"type":"boolean"},"category":{"type":"string"}}}`)
	schemaEnabled    = json.RawMessage(`{"type":"object","properties":{"enabled":{"type":"boolean"}},"required":["enabled"]}`)
	schemaAddURL     = json.RawMessage(`{"type":"object","properties":{"url":{"type":"string"},"category":{"type":"string"}},"required":["url"]}`)
	schemaDelay      = json.RawMessage(`{"type":"object","properties":{"minutes":{"type":"integer"}},"required":["minutes"]}`)
	schemaSetConfig  = json.RawMessage(`{"type":"object","properties":{"section":{"type":"string"},"key":{"type":"string"},"value":{"type":"string"}},"required":["section","key","value"]}`)
)

// toolset is the full tool surface before version gating.
func toolset() []upstream.Tool {
	return []upstream.Tool{
		{Name: toolGetQueue, Description: "Current download queue with per-job progress", InputSchema: schemaEmpty, ReadOnly: true},
		{Name: toolGetHistory, Description: "Completed and failed downloads, newest first", InputSchema: schemaHistory, ReadOnly: true},
		{Name: toolGetVersion, Description: "Daemon version", InputSchema: schemaEmpty, ReadOnly: true},
		{Name: toolGetStatus, Description: "Full daemon status without the dashboard payload", InputSchema: schemaEmpty, ReadOnly: true},
		{Name: toolGetServerStats, Description: "Per-server download totals", InputSchema: schemaEmpty, ReadOnly: true},
		{Name: toolGetConfig, Description: "Daemon configuration snapshot", InputSchema: schemaEmpty, ReadOnly: true},
		{Name: toolSetConfig, Description: "Write one configuration value", InputSchema: schemaSetConfig},
		{Name: toolPauseQueue, Description: "Pause the whole queue", InputSchema: schemaEmpty},
		{Name: toolResumeQueue, Description: "Resume the whole queue", InputSchema: schemaEmpty},
		{Name: toolPauseDownload, Description: "Pause one download", InputSchema: schemaDownloadID},
		{Name: toolResumeDownload, Description: "Resume one download", InputSchema: schemaDownloadID},
		{Name: toolDeleteDownload, Description: "Remove one download from the queue", InputSchema: schemaDownloadID},
		{Name: toolRetryDownload, Description: "Retry a failed download from history", InputSchema: schemaDownloadID},
		{Name: toolAddURL, Description: "Queue an NZB by URL", InputSchema: schemaAddURL},
		{Name: toolSetDirectUnpack, Description: "Toggle unpacking while downloading", InputSchema: schemaEnabled, MinVersion: "3.0"},
		{Name: toolSetPropagationDelay, Description: "Delay new downloads for Usenet propagation", InputSchema: schemaDelay, MinVersion: "3.1"},
		{Name: toolSetDeobfuscation, Description: "Toggle final-filename deobfuscation", InputSchema: schemaEnabled, MinVersion: "4.0"},
	}
}

// Wire shapes. The daemon reports numbers as strings; normalization
// converts them once so every consumer sees typed values.

type queueResponse struct {
	Queue struct {
		Paused   bool        `json:"paused"`
		KBPerSec string      `json:"kbpersec"`
		Slots    []queueSlot `json:"slots"`
	} `json:"queue"`
}

type queueSlot struct {
	NzoID      string `json:"nzo_id"`
	Filename   string `json:"filename"`
	Status     string `json:"status"`
	Cat        string `json:"cat"`
	Percentage string `json:"percentage"`
	MB         string `json:"mb"`
	MBLeft     string `json:"mbleft"`
	TimeLeft   string `json:"timeleft"`
}

type historyResponse struct {
	History struct {
		Slots []historySlot `json:"slots"`
	} `json:"history"`
}

type historySlot struct {
	NzoID       string `json:"nzo_id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	Category    string `json:"category"`
	Bytes       int64  `json:"bytes"`
	FailMessage string `json:"fail_message"`
	Completed   int64  `json:"completed"`
}

func (a *Adapter) getQueue(ctx context.Context) (json.RawMessage, error) {
	var resp queueResponse
	if err := a.client.GetJSON(ctx, apiPath, url.Values{"mode": {"queue"}}, &resp); err != nil {
		return nil, err
	}

	q := download.Queue{
		Paused:    resp.Queue.Paused,
		SpeedKBps: parseWireFloat(resp.Queue.KBPerSec),
		Slots:     make([]download.QueueSlot, 0, len(resp.Queue.Slots)),
	}
	for _, s := range resp.Queue.Slots {
		q.Slots = append(q.Slots, download.QueueSlot{
			ID:         s.NzoID,
			Name:       s.Filename,
			Status:     download.Status(s.Status),
			Category:   s.Cat,
			Percentage: parseWireFloat(s.Percentage),
			SizeMB:     parseWireFloat(s.MB),
			SizeLeftMB: parseWireFloat(s.MBLeft),
			TimeLeft:   s.TimeLeft,
		})
	}
	return json.Marshal(q)
}

func (a *Adapter) getHistory(ctx context.Context, params map[string]any) (json.RawMessage, error) {
	limit := intParam(params, "limit", 50)
	query := url.Values{
		"mode":  {"history"},
		"start": {"0"},
		"limit": {strconv.Itoa(limit)},
	}
	if failedOnly, _ := params["failed_only"].(bool); failedOnly {
		query.Set("failed_only", "1")
	}
	if cat, ok := params["category"].(string); ok && cat != "" {
		query.Set("category", cat)
	}

	var resp historyResponse
	if err := a.client.GetJSON(ctx, apiPath, query, &resp); err != nil {
		return nil, err
	}

	slots := make([]download.HistorySlot, 0, len(resp.History.Slots))
	for _, s := range resp.History.Slots {
		slots = append(slots, download.HistorySlot{
			ID:          s.NzoID,
			Name:        s.Name,
			Status:      download.Status(s.Status),
			Category:    s.Category,
			SizeBytes:   s.Bytes,
			FailMessage: s.FailMessage,
			CompletedAt: time.Unix(s.Completed, 0).UTC(),
		})
	}
	return json.Marshal(map[string]any{"slots": slots})
}

func (a *Adapter) getVersion(ctx context.Context) (json.RawMessage, error) {
	version, err := a.probeVersion(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{"version": version.String()})
}

// getStatus fetches the full daemon status. skip_dashboard drops the
// slow connectivity checks the dashboard view runs.
func (a *Adapter) getStatus(ctx context.Context) (json.RawMessage, error) {
	return a.client.Get(ctx, apiPath, url.Values{
		"mode":           {"fullstatus"},
		"skip_dashboard": {"1"},
	})
}

func (a *Adapter) getServerStats(ctx context.Context) (json.RawMessage, error) {
	return a.client.Get(ctx, apiPath, url.Values{"mode": {"server_stats"}})
}

// getConfig normalizes the daemon configuration into the flat shape the
// audit rules evaluate: server_count, pre_check, direct_unpack and the
// raw switches section.
func (a *Adapter) getConfig(ctx context.Context) (json.RawMessage, error) {
	var resp struct {
		Config struct {
			Servers []map[string]any `json:"servers"`
			Misc    map[string]any   `json:"misc"`
		} `json:"config"`
	}
	if err := a.client.GetJSON(ctx, apiPath, url.Values{"mode": {"get_config"}}, &resp); err != nil {
		return nil, err
	}

	cfg := map[string]any{
		"server_count":  len(resp.Config.Servers),
		"pre_check":     wireBool(resp.Config.Misc["pre_check"]),
		"direct_unpack": wireBool(resp.Config.Misc["direct_unpack"]),
		"misc":          resp.Config.Misc,
	}
	return json.Marshal(cfg)
}

// setConfig writes one value in an arbitrary configuration section. The
// dedicated switch tools cover the common toggles; this is the escape
// hatch for everything else.
func (a *Adapter) setConfig(ctx context.Context, params map[string]any) (json.RawMessage, error) {
	section, err := stringParam(params, "section")
	if err != nil {
		return nil, err
	}
	key, err := stringParam(params, "key")
	if err != nil {
		return nil, err
	}
	value, err := stringParam(params, "value")
	if err != nil {
		return nil, err
	}
	query := url.Values{
		"mode":    {"set_config"},
		"section": {section},
		"keyword": {key},
		"value":   {value},
	}
	return a.client.Get(ctx, apiPath, query)
}

// simpleMode fires a queue-wide mode verb.
func (a *Adapter) simpleMode(ctx context.Context, query url.Values) (json.RawMessage, error) {
	return a.client.Get(ctx, apiPath, query)
}

// downloadAction fires a per-job queue action (pause, resume, delete).
func (a *Adapter) downloadAction(ctx context.Context, params map[string]any, action string) (json.RawMessage, error) {
	id, err := stringParam(params, "download_id")
	if err != nil {
		return nil, err
	}
	query := url.Values{
		"mode":  {"queue"},
		"name":  {action},
		"value": {id},
	}
	return a.client.Get(ctx, apiPath, query)
}

func (a *Adapter) retryDownload(ctx context.Context, params map[string]any) (json.RawMessage, error) {
	id, err := stringParam(params, "download_id")
	if err != nil {
		return nil, err
	}
	return a.client.Get(ctx, apiPath, url.Values{"mode": {"retry"}, "value": {id}})
}

func (a *Adapter) addURL(ctx context.Context, params map[string]any) (json.RawMessage, error) {
	nzbURL, err := stringParam(params, "url")
	if err != nil {
		return nil, err
	}
	query := url.Values{"mode": {"addurl"}, "name": {nzbURL}}
	if cat, ok := params["category"].(string); ok && cat != "" {
		query.Set("cat", cat)
	}
	return a.client.Get(ctx, apiPath, query)
}

// setSwitch flips a boolean switch in the daemon's misc section.
func (a *Adapter) setSwitch(ctx context.Context, params map[string]any, keyword string) (json.RawMessage, error) {
	enabled, err := boolParam(params, "enabled")
	if err != nil {
		return nil, err
	}
	value := "0"
	if enabled {
		value = "1"
	}
	query := url.Values{
		"mode":    {"set_config"},
		"section": {"misc"},
		"keyword": {keyword},
		"value":   {value},
	}
	return a.client.Get(ctx, apiPath, query)
}

func (a *Adapter) setPropagationDelay(ctx context.Context, params map[string]any) (json.RawMessage, error) {
	minutes := intParam(params, "minutes", -1)
	if minutes < 0 {
		return nil, upstream.NewError(upstream.KindValidation, upstream.KindDownload, "set_propagation_delay", "minutes parameter is required")
	}
	query := url.Values{
		"mode":    {"set_config"},
		"section": {"misc"},
		"keyword": {"propagation_delay"},
		"value":   {strconv.Itoa(minutes)},
	}
	return a.client.Get(ctx, apiPath, query)
}

// Param extraction. Missing or mistyped required parameters reject the
// call before it reaches the wire.

func stringParam(params map[string]any, key string) (string, error) {
	v, ok := params[key].(string)
	if !ok || v == "" {
		return "", upstream.NewError(upstream.KindValidation, upstream.KindDownload, "call_tool", "parameter %q is required", key)
	}
	return v, nil
}

func boolParam(params map[string]any, key string) (bool, error) {
	v, ok := params[key].(bool)
	if !ok {
		return false, upstream.NewError(upstream.KindValidation, upstream.KindDownload, "call_tool", "parameter %q is required", key)
	}
	return v, nil
}

// intParam tolerates the float64 that JSON decoding produces.
func intParam(params map[string]any, key string, fallback int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return fallback
	}
}

// parseWireFloat converts the daemon's numeric strings ("1234.56").
// Unparseable values become zero rather than failing the whole snapshot.
func parseWireFloat(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

// wireBool converts the daemon's assorted boolean spellings (true, "1",
// 1) to a bool.
func wireBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t == "1" || t == "true" || t == "True"
	case float64:
		return t != 0
	default:
		return false
	}
}
