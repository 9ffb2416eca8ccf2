package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/arrgate/arrgate/internal/domain/upstream"
	"github.com/arrgate/arrgate/internal/service"
)

// maxBatchCalls bounds POST /api/calls so one request cannot queue an
// unbounded amount of work behind the orchestrator semaphore.
const maxBatchCalls = 100

// callRequest is the JSON body of POST /api/call and each entry of
// POST /api/calls.
type callRequest struct {
	Upstream  string         `json:"upstream"`
	Tool      string         `json:"tool"`
	Params    map[string]any `json:"params,omitempty"`
	TimeoutMS int64          `json:"timeout_ms,omitempty"`
	Critical  bool           `json:"critical,omitempty"`
}

func (c callRequest) toolCall() upstream.ToolCall {
	return upstream.ToolCall{
		Upstream: upstream.Kind(c.Upstream),
		Tool:     c.Tool,
		Params:   c.Params,
		Timeout:  time.Duration(c.TimeoutMS) * time.Millisecond,
		Critical: c.Critical,
	}
}

// callResult is the JSON form of one routed call's outcome.
type callResult struct {
	Upstream   upstream.Kind   `json:"upstream"`
	Tool       string          `json:"tool"`
	OK         bool            `json:"ok"`
	Data       json.RawMessage `json:"data,omitempty"`
	Error      string          `json:"error,omitempty"`
	ErrorKind  string          `json:"error_kind,omitempty"`
	DurationMS float64         `json:"duration_ms"`
	Attempts   int             `json:"attempts"`
}

func toCallResult(res upstream.ToolResult) callResult {
	out := callResult{
		Upstream:   res.Upstream,
		Tool:       res.Tool,
		OK:         res.Ok(),
		Data:       res.Data,
		DurationMS: float64(res.Duration.Microseconds()) / 1000.0,
		Attempts:   res.Attempts,
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
		out.ErrorKind = string(upstream.Classify(res.Err))
	}
	return out
}

// handleCall routes one tool call through the orchestrator.
func (a *API) handleCall(w http.ResponseWriter, r *http.Request) {
	if a.orch == nil {
		a.respondError(w, http.StatusServiceUnavailable, "orchestrator not running")
		return
	}
	var req callRequest
	if err := a.readJSON(r, &req); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	res := a.orch.Call(r.Context(), req.toolCall())
	if res.Err != nil {
		a.respondUpstreamError(w, res.Err)
		return
	}
	a.respondJSON(w, http.StatusOK, toCallResult(res))
}

// batchRequest is the JSON body of POST /api/calls.
type batchRequest struct {
	Calls            []callRequest `json:"calls"`
	MaxParallel      int           `json:"max_parallel,omitempty"`
	TimeoutMS        int64         `json:"timeout_ms,omitempty"`
	ReturnPartial    bool          `json:"return_partial,omitempty"`
	CancelOnCritical *bool         `json:"cancel_on_critical,omitempty"`
}

// BatchResponse is the JSON response for POST /api/calls. The batch
// itself always answers 200; per-call failures are inline.
type BatchResponse struct {
	Results []callResult `json:"results"`
	Count   int          `json:"count"`
}

func (a *API) handleCallBatch(w http.ResponseWriter, r *http.Request) {
	if a.orch == nil {
		a.respondError(w, http.StatusServiceUnavailable, "orchestrator not running")
		return
	}
	var req batchRequest
	if err := a.readJSON(r, &req); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.Calls) == 0 {
		a.respondError(w, http.StatusBadRequest, "calls must not be empty")
		return
	}
	if len(req.Calls) > maxBatchCalls {
		a.respondError(w, http.StatusBadRequest, "too many calls in one batch")
		return
	}

	calls := make([]upstream.ToolCall, len(req.Calls))
	for i, c := range req.Calls {
		calls[i] = c.toolCall()
	}

	results := a.orch.CallParallel(r.Context(), calls, service.ParallelOptions{
		MaxParallel:      req.MaxParallel,
		Timeout:          time.Duration(req.TimeoutMS) * time.Millisecond,
		ReturnPartial:    req.ReturnPartial,
		CancelOnCritical: req.CancelOnCritical,
	})

	resp := BatchResponse{Results: make([]callResult, len(results)), Count: len(results)}
	for i, res := range results {
		resp.Results[i] = toCallResult(res)
	}
	a.respondJSON(w, http.StatusOK, resp)
}

// handleQueue proxies the live download queue. The response body is the
// download client's queue snapshot as returned by the adapter.
func (a *API) handleQueue(w http.ResponseWriter, r *http.Request) {
	if a.orch == nil {
		a.respondError(w, http.StatusServiceUnavailable, "orchestrator not running")
		return
	}
	res := a.orch.Call(r.Context(), upstream.ToolCall{
		Upstream: upstream.KindDownload,
		Tool:     "get_queue",
	})
	if res.Err != nil {
		a.respondUpstreamError(w, res.Err)
		return
	}
	a.respondJSON(w, http.StatusOK, res.Data)
}

// toolInfo is the JSON form of one catalog tool.
type toolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	MinVersion  string          `json:"min_version,omitempty"`
	ReadOnly    bool            `json:"read_only"`
}

// catalogEntry is the JSON form of one upstream's discovered tool set.
type catalogEntry struct {
	Kind         upstream.Kind `json:"kind"`
	Version      string        `json:"version,omitempty"`
	Tools        []toolInfo    `json:"tools"`
	DiscoveredAt time.Time     `json:"discovered_at"`
}

// CatalogResponse is the JSON response for GET /api/tools.
type CatalogResponse struct {
	Items []catalogEntry `json:"items"`
	Count int            `json:"count"`
}

// handleListTools returns the discovered, version-gated tool catalog.
// The optional upstream query parameter narrows it to one kind.
func (a *API) handleListTools(w http.ResponseWriter, r *http.Request) {
	var filter upstream.Kind
	if v := r.URL.Query().Get("upstream"); v != "" {
		filter = upstream.Kind(v)
		if err := filter.Validate(); err != nil {
			a.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	resp := CatalogResponse{Items: []catalogEntry{}}
	if a.orch != nil {
		for _, entry := range a.orch.CatalogEntries() {
			if filter != "" && entry.Kind != filter {
				continue
			}
			ce := catalogEntry{
				Kind:         entry.Kind,
				Tools:        make([]toolInfo, len(entry.Tools)),
				DiscoveredAt: entry.DiscoveredAt,
			}
			if entry.Version != (upstream.Version{}) {
				ce.Version = entry.Version.String()
			}
			for i, tool := range entry.Tools {
				ce.Tools[i] = toolInfo{
					Name:        tool.Name,
					Description: tool.Description,
					InputSchema: tool.InputSchema,
					MinVersion:  tool.MinVersion,
					ReadOnly:    tool.ReadOnly,
				}
			}
			resp.Items = append(resp.Items, ce)
		}
	}
	resp.Count = len(resp.Items)
	a.respondJSON(w, http.StatusOK, resp)
}
