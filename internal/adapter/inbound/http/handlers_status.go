package http

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arrgate/arrgate/internal/domain/breaker"
	"github.com/arrgate/arrgate/internal/domain/upstream"
	"github.com/arrgate/arrgate/internal/eventbus"
	"github.com/arrgate/arrgate/internal/service"
)

// healthProbeTimeout bounds the upstream probes behind GET /health so a
// hung upstream cannot stall the liveness check.
const healthProbeTimeout = 5 * time.Second

// handleHealth probes every upstream and reports the aggregate. The
// status code mirrors the verdict so load balancers and systemd can act
// on it without parsing the body.
func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if a.orch == nil {
		a.respondError(w, http.StatusServiceUnavailable, "orchestrator not running")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthProbeTimeout)
	defer cancel()

	report := a.orch.Health(ctx)
	status := http.StatusOK
	if report.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	a.respondJSON(w, status, report)
}

// StatsResponse is the JSON response for GET /api/stats.
type StatsResponse struct {
	Version       string                `json:"version,omitempty"`
	GoVersion     string                `json:"go_version"`
	UptimeSeconds float64               `json:"uptime_seconds"`
	Orchestrator  service.StatsSnapshot `json:"orchestrator"`
	Events        eventbus.Stats        `json:"events"`
	Activity      service.ActivityStats `json:"activity"`
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{
		GoVersion:     runtime.Version(),
		UptimeSeconds: time.Since(a.startTime).Seconds(),
	}
	if a.buildInfo != nil {
		resp.Version = a.buildInfo.Version
	}
	if a.orch != nil {
		resp.Orchestrator = a.orch.Stats()
	}
	if a.bus != nil {
		resp.Events = a.bus.Stats()
	}
	if a.activity != nil {
		resp.Activity = a.activity.Stats()
	}

	// Maps must never be null in JSON output.
	if resp.Orchestrator.CallsByUpstream == nil {
		resp.Orchestrator.CallsByUpstream = make(map[upstream.Kind]int64)
	}
	if resp.Orchestrator.ErrorsByUpstream == nil {
		resp.Orchestrator.ErrorsByUpstream = make(map[upstream.Kind]int64)
	}
	if resp.Orchestrator.TransitionsByUpstream == nil {
		resp.Orchestrator.TransitionsByUpstream = make(map[upstream.Kind]int64)
	}
	if resp.Events.PerTopic == nil {
		resp.Events.PerTopic = make(map[string]uint64)
	}

	a.respondJSON(w, http.StatusOK, resp)
}

func (a *API) handleListBreakers(w http.ResponseWriter, r *http.Request) {
	if a.orch == nil {
		a.respondJSON(w, http.StatusOK, map[upstream.Kind]breaker.Snapshot{})
		return
	}
	a.respondJSON(w, http.StatusOK, a.orch.BreakerSnapshots())
}

func (a *API) handleGetBreaker(w http.ResponseWriter, r *http.Request) {
	kind, err := pathKind(r)
	if err != nil {
		a.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if a.orch == nil {
		a.respondError(w, http.StatusServiceUnavailable, "orchestrator not running")
		return
	}
	snap, err := a.orch.BreakerSnapshot(kind)
	if err != nil {
		a.respondUpstreamError(w, err)
		return
	}
	a.respondJSON(w, http.StatusOK, snap)
}

// RecoveryResponse is the JSON response for GET /api/recovery.
type RecoveryResponse struct {
	Items []service.AttemptRecord `json:"items"`
	Count int                     `json:"count"`
}

// handleRecoveryLedger returns the retry bookkeeping of the recovery
// loop, most recently updated first.
func (a *API) handleRecoveryLedger(w http.ResponseWriter, r *http.Request) {
	resp := RecoveryResponse{Items: []service.AttemptRecord{}}
	if a.recovery != nil {
		if items := a.recovery.Ledger(); items != nil {
			resp.Items = items
		}
	}
	resp.Count = len(resp.Items)
	a.respondJSON(w, http.StatusOK, resp)
}

// handleDebugConfig dumps the effective configuration as YAML with
// secrets masked. Sits behind the API key middleware like the rest of
// the surface.
func (a *API) handleDebugConfig(w http.ResponseWriter, r *http.Request) {
	if a.cfg == nil {
		a.respondError(w, http.StatusNotFound, "no config loaded")
		return
	}
	redacted := a.cfg.Redacted()
	out, err := yaml.Marshal(&redacted)
	if err != nil {
		a.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(out); err != nil {
		a.logger.Error("failed to write config dump", "error", err)
	}
}
