package http

import (
	"net/http"
	"strconv"

	"github.com/arrgate/arrgate/internal/eventbus"
	"github.com/arrgate/arrgate/internal/service"
)

// handleActivity pages through the activity log, newest first. Filters:
// topic, correlation_id; paging: offset, limit.
func (a *API) handleActivity(w http.ResponseWriter, r *http.Request) {
	if a.activity == nil {
		a.respondJSON(w, http.StatusOK, service.ActivityPage{Items: []service.ActivityEntry{}})
		return
	}

	q := service.ActivityQuery{
		Topic:         r.URL.Query().Get("topic"),
		CorrelationID: r.URL.Query().Get("correlation_id"),
	}
	var err error
	if q.Offset, err = queryInt(r, "offset"); err != nil {
		a.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if q.Limit, err = queryInt(r, "limit"); err != nil {
		a.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	a.respondJSON(w, http.StatusOK, a.activity.Query(q))
}

// EventsResponse is the JSON response for GET /api/events.
type EventsResponse struct {
	Items []eventbus.Event `json:"items"`
	Count int              `json:"count"`
}

// handleEvents queries the bus history. correlation_id returns one flow
// oldest first; topic returns that topic newest first; neither returns
// the most recent events across all topics.
func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	resp := EventsResponse{Items: []eventbus.Event{}}
	if a.bus == nil {
		a.respondJSON(w, http.StatusOK, resp)
		return
	}

	limit, err := queryInt(r, "limit")
	if err != nil {
		a.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	correlationID := r.URL.Query().Get("correlation_id")
	topic := r.URL.Query().Get("topic")
	switch {
	case correlationID != "":
		if items := a.bus.ByCorrelation(correlationID); items != nil {
			resp.Items = items
		}
	case topic != "":
		resp.Items = a.bus.ByTopic(topic, limit)
	default:
		if limit <= 0 {
			limit = 100
		}
		resp.Items = a.bus.Recent(limit)
	}
	resp.Count = len(resp.Items)
	a.respondJSON(w, http.StatusOK, resp)
}

// queryInt parses an optional non-negative integer query parameter.
func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, &queryError{name: name, value: raw}
	}
	return n, nil
}

type queryError struct {
	name  string
	value string
}

func (e *queryError) Error() string {
	return "query parameter " + e.name + " must be a non-negative integer, got " + strconv.Quote(e.value)
}
