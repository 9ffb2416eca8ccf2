package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/arrgate/arrgate/internal/domain/upstream"
)

// SettingsResponse is the JSON response for GET /api/settings.
type SettingsResponse struct {
	Items []upstream.Settings `json:"items"`
	Count int                 `json:"count"`
}

func (a *API) handleListSettings(w http.ResponseWriter, r *http.Request) {
	if a.settings == nil {
		a.respondError(w, http.StatusServiceUnavailable, "settings store not available")
		return
	}
	stored, err := a.settings.List(r.Context())
	if err != nil {
		a.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := SettingsResponse{Items: make([]upstream.Settings, len(stored)), Count: len(stored)}
	for i, s := range stored {
		resp.Items[i] = s.Redacted()
	}
	a.respondJSON(w, http.StatusOK, resp)
}

func (a *API) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	kind, err := pathKind(r)
	if err != nil {
		a.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if a.settings == nil {
		a.respondError(w, http.StatusServiceUnavailable, "settings store not available")
		return
	}
	s, err := a.settings.Get(r.Context(), kind)
	if err != nil {
		if errors.Is(err, upstream.ErrSettingsNotFound) {
			a.respondError(w, http.StatusNotFound, err.Error())
			return
		}
		a.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	a.respondJSON(w, http.StatusOK, s.Redacted())
}

// handlePutSettings creates or replaces the settings for one upstream.
// The path kind wins over any kind in the body. A request that sends the
// redaction placeholder (or no key at all) keeps the stored API key, so
// clients can round-trip a redacted GET response.
func (a *API) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	kind, err := pathKind(r)
	if err != nil {
		a.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if a.settings == nil {
		a.respondError(w, http.StatusServiceUnavailable, "settings store not available")
		return
	}

	var s upstream.Settings
	if err := a.readJSON(r, &s); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	s.Kind = kind

	if s.APIKey == "" || s.APIKey == upstream.RedactedAPIKey {
		existing, err := a.settings.Get(r.Context(), kind)
		if err == nil {
			s.APIKey = existing.APIKey
		} else {
			s.APIKey = ""
		}
	}

	if err := s.Validate(); err != nil {
		a.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.UpdatedAt = time.Now().UTC()

	if err := a.settings.Put(r.Context(), &s); err != nil {
		a.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	a.logger.Info("upstream settings updated", "kind", kind, "enabled", s.Enabled)
	a.respondJSON(w, http.StatusOK, s.Redacted())
}
