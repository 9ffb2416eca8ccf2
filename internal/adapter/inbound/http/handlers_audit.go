package http

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/arrgate/arrgate/internal/domain/rules"
	"github.com/arrgate/arrgate/internal/domain/upstream"
	"github.com/arrgate/arrgate/internal/service"
)

// handleRunAudit audits one upstream's live configuration now and
// returns the report. A second run for the same kind while one is in
// flight answers 409.
func (a *API) handleRunAudit(w http.ResponseWriter, r *http.Request) {
	kind, err := pathKind(r)
	if err != nil {
		a.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if a.audit == nil {
		a.respondError(w, http.StatusServiceUnavailable, "audit service not available")
		return
	}

	report, err := a.audit.Run(r.Context(), kind)
	switch {
	case err == nil:
		a.respondJSON(w, http.StatusOK, report)
	case errors.Is(err, service.ErrAuditDisabled), errors.Is(err, service.ErrAuditRunning):
		a.respondError(w, http.StatusConflict, err.Error())
	default:
		a.respondUpstreamError(w, err)
	}
}

// handleLastAudit returns the most recent retained report for one kind.
func (a *API) handleLastAudit(w http.ResponseWriter, r *http.Request) {
	kind, err := pathKind(r)
	if err != nil {
		a.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if a.audit == nil {
		a.respondError(w, http.StatusServiceUnavailable, "audit service not available")
		return
	}
	report, ok := a.audit.LastReport(kind)
	if !ok {
		a.respondError(w, http.StatusNotFound, "no audit report for "+string(kind))
		return
	}
	a.respondJSON(w, http.StatusOK, report)
}

// RulesResponse is the JSON response for GET /api/audit/rules.
type RulesResponse struct {
	Items []rules.Rule `json:"items"`
	Count int          `json:"count"`
}

// handleListAuditRules lists stored audit rules. The optional upstream
// query parameter narrows the list to one kind.
func (a *API) handleListAuditRules(w http.ResponseWriter, r *http.Request) {
	if a.audit == nil {
		a.respondError(w, http.StatusServiceUnavailable, "audit service not available")
		return
	}
	kind := upstream.Kind(r.URL.Query().Get("upstream"))
	list, err := a.audit.Rules(r.Context(), kind)
	if err != nil {
		a.respondUpstreamError(w, err)
		return
	}
	if list == nil {
		list = []rules.Rule{}
	}
	a.respondJSON(w, http.StatusOK, RulesResponse{Items: list, Count: len(list)})
}

// handleCreateAuditRule stores a new custom rule. An omitted ID is
// generated.
func (a *API) handleCreateAuditRule(w http.ResponseWriter, r *http.Request) {
	if a.audit == nil {
		a.respondError(w, http.StatusServiceUnavailable, "audit service not available")
		return
	}
	var rule rules.Rule
	if err := a.readJSON(r, &rule); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if err := a.audit.SaveRule(r.Context(), &rule); err != nil {
		a.respondUpstreamError(w, err)
		return
	}
	a.respondJSON(w, http.StatusCreated, rule)
}

// handleUpdateAuditRule replaces a rule's definition. The path ID wins
// over any ID in the body.
func (a *API) handleUpdateAuditRule(w http.ResponseWriter, r *http.Request) {
	if a.audit == nil {
		a.respondError(w, http.StatusServiceUnavailable, "audit service not available")
		return
	}
	var rule rules.Rule
	if err := a.readJSON(r, &rule); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	rule.ID = r.PathValue("id")
	if err := a.audit.SaveRule(r.Context(), &rule); err != nil {
		a.respondUpstreamError(w, err)
		return
	}
	a.respondJSON(w, http.StatusOK, rule)
}

// handleDeleteAuditRule removes a custom rule. Built-in rules answer
// 400; they are disabled, not deleted.
func (a *API) handleDeleteAuditRule(w http.ResponseWriter, r *http.Request) {
	if a.audit == nil {
		a.respondError(w, http.StatusServiceUnavailable, "audit service not available")
		return
	}
	err := a.audit.DeleteRule(r.Context(), r.PathValue("id"))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, rules.ErrRuleNotFound):
		a.respondError(w, http.StatusNotFound, err.Error())
	default:
		a.respondUpstreamError(w, err)
	}
}
