package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/arrgate/arrgate/internal/config"
	"github.com/arrgate/arrgate/internal/domain/upstream"
	"github.com/arrgate/arrgate/internal/eventbus"
	"github.com/arrgate/arrgate/internal/port/outbound"
	"github.com/arrgate/arrgate/internal/service"
)

// BuildInfo carries version metadata stamped at build time.
type BuildInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// API bundles the handlers of the REST surface. Every dependency is
// optional; handlers answer with an empty result or 503 when theirs is
// absent, so partial wiring in tests and early boot stays safe.
type API struct {
	orch      *service.Orchestrator
	activity  *service.Activity
	recovery  *service.Recovery
	audit     *service.Audit
	bus       *eventbus.Bus
	settings  outbound.SettingsRepository
	cfg       *config.Config
	buildInfo *BuildInfo
	logger    *slog.Logger
	startTime time.Time
}

// APIOption configures an API dependency.
type APIOption func(*API)

// WithOrchestrator sets the call router.
func WithOrchestrator(o *service.Orchestrator) APIOption {
	return func(a *API) { a.orch = o }
}

// WithActivity sets the activity log service.
func WithActivity(s *service.Activity) APIOption {
	return func(a *API) { a.activity = s }
}

// WithRecovery sets the failure recovery service for the ledger view.
func WithRecovery(s *service.Recovery) APIOption {
	return func(a *API) { a.recovery = s }
}

// WithAudit sets the config audit service.
func WithAudit(s *service.Audit) APIOption {
	return func(a *API) { a.audit = s }
}

// WithBus sets the event bus for the history endpoints.
func WithBus(b *eventbus.Bus) APIOption {
	return func(a *API) { a.bus = b }
}

// WithSettings sets the settings repository.
func WithSettings(r outbound.SettingsRepository) APIOption {
	return func(a *API) { a.settings = r }
}

// WithConfig sets the effective config for the debug dump.
func WithConfig(c *config.Config) APIOption {
	return func(a *API) { a.cfg = c }
}

// WithBuildInfo sets the build version information.
func WithBuildInfo(info *BuildInfo) APIOption {
	return func(a *API) { a.buildInfo = info }
}

// WithAPILogger sets the logger.
func WithAPILogger(l *slog.Logger) APIOption {
	return func(a *API) { a.logger = l }
}

// NewAPI creates the REST handler set with the given options.
func NewAPI(opts ...APIOption) *API {
	a := &API{
		logger:    slog.Default(),
		startTime: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Routes returns the route table. Auth and the other cross-cutting
// middleware are applied by the Server, not here, so tests can hit
// handlers directly.
func (a *API) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", a.handleHealth)
	mux.HandleFunc("GET /api/stats", a.handleStats)
	mux.HandleFunc("GET /api/breakers", a.handleListBreakers)
	mux.HandleFunc("GET /api/breakers/{kind}", a.handleGetBreaker)
	mux.HandleFunc("GET /api/tools", a.handleListTools)
	mux.HandleFunc("GET /api/queue", a.handleQueue)
	mux.HandleFunc("POST /api/call", a.handleCall)
	mux.HandleFunc("POST /api/calls", a.handleCallBatch)
	mux.HandleFunc("GET /api/activity", a.handleActivity)
	mux.HandleFunc("GET /api/events", a.handleEvents)
	mux.HandleFunc("GET /api/recovery", a.handleRecoveryLedger)

	mux.HandleFunc("GET /api/settings", a.handleListSettings)
	mux.HandleFunc("GET /api/settings/{kind}", a.handleGetSettings)
	mux.HandleFunc("PUT /api/settings/{kind}", a.handlePutSettings)

	// The literal "rules" segment wins over the {kind} wildcard, so the
	// rule CRUD and the per-kind audit endpoints coexist.
	mux.HandleFunc("GET /api/audit/rules", a.handleListAuditRules)
	mux.HandleFunc("POST /api/audit/rules", a.handleCreateAuditRule)
	mux.HandleFunc("PUT /api/audit/rules/{id}", a.handleUpdateAuditRule)
	mux.HandleFunc("DELETE /api/audit/rules/{id}", a.handleDeleteAuditRule)
	mux.HandleFunc("POST /api/audit/{kind}", a.handleRunAudit)
	mux.HandleFunc("GET /api/audit/{kind}", a.handleLastAudit)

	mux.HandleFunc("GET /debug/config", a.handleDebugConfig)

	return mux
}

// --- JSON helper methods ---

// respondJSON writes a JSON response with the given status code and data.
func (a *API) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.logger.Error("failed to encode JSON response", "error", err)
	}
}

// respondError writes a JSON error response with the given status code
// and message.
func (a *API) respondError(w http.ResponseWriter, status int, message string) {
	a.respondJSON(w, status, map[string]string{"error": message})
}

// respondUpstreamError maps a classified error onto a gateway status
// code and writes it. Breaker rejections carry a Retry-After hint.
func (a *API) respondUpstreamError(w http.ResponseWriter, err error) {
	var ue *upstream.Error
	if !errors.As(err, &ue) {
		a.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if ue.RetryAfter > 0 {
		w.Header().Set("Retry-After", retryAfterSeconds(ue.RetryAfter))
	}
	body := map[string]string{
		"error":      ue.Error(),
		"error_kind": string(ue.Kind),
	}
	if ue.Upstream != "" {
		body["upstream"] = string(ue.Upstream)
	}
	a.respondJSON(w, statusForErrorKind(ue.Kind), body)
}

// statusForErrorKind translates the error taxonomy into HTTP statuses.
// An unusable upstream answers 503, an upstream that misbehaved 500, and
// addressing mistakes (bad params, unknown tool, unconfigured kind) are
// the caller's 400.
func statusForErrorKind(kind upstream.ErrorKind) int {
	switch kind {
	case upstream.KindValidation, upstream.KindNotFound, upstream.KindNotConfigured:
		return http.StatusBadRequest
	case upstream.KindBreakerOpen, upstream.KindTransport,
		upstream.KindTransientServer, upstream.KindAuthentication:
		return http.StatusServiceUnavailable
	case upstream.KindTimeout:
		return http.StatusGatewayTimeout
	case upstream.KindPermanentServer:
		return http.StatusInternalServerError
	case upstream.KindCancelled:
		return 499 // client closed request, nginx convention
	default:
		return http.StatusInternalServerError
	}
}

func retryAfterSeconds(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// readJSON decodes the request body into v, rejecting unknown fields so
// typos in request payloads fail loudly.
func (a *API) readJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// pathKind parses and validates the {kind} path parameter.
func pathKind(r *http.Request) (upstream.Kind, error) {
	kind := upstream.Kind(r.PathValue("kind"))
	if err := kind.Validate(); err != nil {
		return "", err
	}
	return kind, nil
}
