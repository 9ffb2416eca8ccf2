// Package config provides the configuration schema for arrgate.
//
// Configuration is file-based (arrgate.yaml) with environment variable
// overrides (ARRGATE_ prefix). The upstream blocks are only a seed: once
// the settings repository has an entry for a service, the stored settings
// win over the YAML values.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration for the arrgate daemon.
type Config struct {
	// Server configures the HTTP listener and inbound auth.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Upstreams seeds the settings repository with the four services.
	Upstreams UpstreamsConfig `yaml:"upstreams" mapstructure:"upstreams"`

	// Orchestrator tunes call routing, retries, and circuit breakers.
	Orchestrator OrchestratorConfig `yaml:"orchestrator" mapstructure:"orchestrator"`

	// Monitor tunes the download/wanted polling loop.
	Monitor MonitorConfig `yaml:"monitor" mapstructure:"monitor"`

	// Recovery tunes automatic retry of failed downloads.
	Recovery RecoveryConfig `yaml:"recovery" mapstructure:"recovery"`

	// Events configures the in-process event bus.
	Events EventsConfig `yaml:"events" mapstructure:"events"`

	// Activity configures the activity log fed from the bus.
	Activity ActivityConfig `yaml:"activity" mapstructure:"activity"`

	// WebSocket configures the /ws event bridge.
	WebSocket WebSocketConfig `yaml:"websocket" mapstructure:"websocket"`

	// Storage configures the sqlite settings/rules database.
	Storage StorageConfig `yaml:"storage" mapstructure:"storage"`

	// Telemetry toggles the OpenTelemetry providers.
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`

	// Audit configures the best-practice config audits.
	Audit AuditConfig `yaml:"audit" mapstructure:"audit"`

	// DevMode enables development defaults (debug logging, local db path).
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the HTTP server.
// TLS is left to a reverse proxy; arrgate binds localhost by default.
type ServerConfig struct {
	// HTTPAddr is the address to listen on (e.g. "127.0.0.1:7337").
	// Defaults to "127.0.0.1:7337" (localhost only) if empty.
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`

	// LogLevel sets the minimum log level.
	// Valid values: "debug", "info", "warn", "error".
	// Defaults to "info" if empty. DevMode=true overrides to "debug".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// APIKeyHash is the Argon2id hash of the shared inbound API key.
	// Generate with: arrgate hash-key "your-api-key"
	// When empty, the API surface is open (localhost deployments).
	APIKeyHash string `yaml:"api_key_hash" mapstructure:"api_key_hash" validate:"omitempty,startswith=$argon2id$"`

	// AllowedOrigins lists Origin header values accepted by the /ws
	// endpoint. Empty means browser cross-origin requests are rejected.
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// UpstreamsConfig holds the seed blocks for the four upstream services.
type UpstreamsConfig struct {
	Download     UpstreamSeed `yaml:"download" mapstructure:"download"`
	TvManager    UpstreamSeed `yaml:"tv_manager" mapstructure:"tv_manager"`
	MovieManager UpstreamSeed `yaml:"movie_manager" mapstructure:"movie_manager"`
	MediaLibrary UpstreamSeed `yaml:"media_library" mapstructure:"media_library"`
}

// UpstreamSeed seeds the settings repository for one upstream service.
// Stored settings take precedence on subsequent boots.
type UpstreamSeed struct {
	// URL is the base URL of the service (e.g. "http://127.0.0.1:8080").
	URL string `yaml:"url" mapstructure:"url" validate:"omitempty,url"`

	// APIKey authenticates arrgate against the service.
	APIKey string `yaml:"api_key" mapstructure:"api_key"`

	// Enabled controls whether the adapter is registered at boot.
	// Defaults to true when a URL is configured.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// Timeout is the per-request HTTP timeout for this service.
	// Defaults to 30s.
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout" validate:"omitempty,min=0"`

	// MaxRetries caps adapter-level retries of idempotent reads.
	// Defaults to 2.
	MaxRetries int `yaml:"max_retries" mapstructure:"max_retries" validate:"omitempty,min=0,max=10"`
}

// OrchestratorConfig tunes the call router.
type OrchestratorConfig struct {
	// MaxConcurrent is the global in-flight call cap. Defaults to 10.
	MaxConcurrent int `yaml:"max_concurrent" mapstructure:"max_concurrent" validate:"omitempty,min=1"`

	// DefaultToolTimeout bounds a single tool call when the caller gave
	// no tighter deadline. Defaults to 30s.
	DefaultToolTimeout time.Duration `yaml:"default_tool_timeout" mapstructure:"default_tool_timeout" validate:"omitempty,min=0"`

	// MaxRetries is the retry budget per call for retryable errors.
	// Defaults to 3.
	MaxRetries int `yaml:"max_retries" mapstructure:"max_retries" validate:"omitempty,min=0,max=10"`

	// RetryBaseDelay is the first retry delay; doubles per attempt.
	// Defaults to 500ms.
	RetryBaseDelay time.Duration `yaml:"retry_base_delay" mapstructure:"retry_base_delay" validate:"omitempty,min=0"`

	// AutoReconnect reconnects an adapter before retrying after a
	// connection-class failure. Defaults to true.
	AutoReconnect bool `yaml:"auto_reconnect" mapstructure:"auto_reconnect"`

	// KeepaliveInterval is the background health ping period.
	// Zero disables keepalive. Defaults to 30s.
	KeepaliveInterval time.Duration `yaml:"keepalive_interval" mapstructure:"keepalive_interval" validate:"omitempty,min=0"`

	// MaxParallel caps concurrency inside one CallParallel batch.
	// Defaults to 10.
	MaxParallel int `yaml:"max_parallel" mapstructure:"max_parallel" validate:"omitempty,min=1"`

	// ParallelTimeout bounds a whole CallParallel batch. Zero means
	// per-call timeouts only.
	ParallelTimeout time.Duration `yaml:"parallel_timeout" mapstructure:"parallel_timeout" validate:"omitempty,min=0"`

	// CancelOnCritical cancels a parallel batch when a call marked
	// critical fails. Defaults to false.
	CancelOnCritical bool `yaml:"cancel_on_critical" mapstructure:"cancel_on_critical"`

	// BreakerFailureThreshold opens a breaker after this many
	// consecutive failures. Defaults to 5.
	BreakerFailureThreshold int `yaml:"breaker_failure_threshold" mapstructure:"breaker_failure_threshold" validate:"omitempty,min=1"`

	// BreakerOpenDuration is how long an open breaker rejects calls
	// before probing. Defaults to 60s.
	BreakerOpenDuration time.Duration `yaml:"breaker_open_duration" mapstructure:"breaker_open_duration" validate:"omitempty,min=0"`

	// BreakerHalfOpenRequired is the consecutive successes needed to
	// close a half-open breaker. Defaults to 3.
	BreakerHalfOpenRequired int `yaml:"breaker_half_open_required" mapstructure:"breaker_half_open_required" validate:"omitempty,min=1"`

	// RetryableErrors lists the error kinds the retry ladder covers.
	// Defaults to transport and transient_server.
	RetryableErrors []string `yaml:"retryable_errors" mapstructure:"retryable_errors" validate:"omitempty,dive,oneof=transport timeout transient_server permanent_server authentication not_found validation cancelled"`
}

// MonitorConfig tunes the polling loop.
type MonitorConfig struct {
	// PollInterval is the queue/history poll period. Defaults to 30s.
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval" validate:"omitempty,min=0"`

	// FailureDetection toggles failed-download detection. Defaults to true.
	FailureDetection bool `yaml:"failure_detection" mapstructure:"failure_detection"`

	// PatternRecognition toggles failure pattern aggregation. Defaults to true.
	PatternRecognition bool `yaml:"pattern_recognition" mapstructure:"pattern_recognition"`

	// AlertThrottleWindow suppresses duplicate failure alerts for the
	// same download within this window. Defaults to 10m.
	AlertThrottleWindow time.Duration `yaml:"alert_throttle_window" mapstructure:"alert_throttle_window" validate:"omitempty,min=0"`

	// PatternWindow is the sliding window for pattern counting.
	// Defaults to 15m.
	PatternWindow time.Duration `yaml:"pattern_window" mapstructure:"pattern_window" validate:"omitempty,min=0"`

	// PatternThreshold is the same-category failure count that triggers
	// a pattern event. Defaults to 3.
	PatternThreshold int `yaml:"pattern_threshold" mapstructure:"pattern_threshold" validate:"omitempty,min=1"`

	// PollFailureThreshold is the consecutive poll failures before the
	// monitor reports itself degraded. Defaults to 5.
	PollFailureThreshold int `yaml:"poll_failure_threshold" mapstructure:"poll_failure_threshold" validate:"omitempty,min=1"`
}

// RecoveryConfig tunes automatic retry of failed downloads.
type RecoveryConfig struct {
	// MaxRetryAttempts is the per-download attempt budget. Defaults to 3.
	MaxRetryAttempts int `yaml:"max_retry_attempts" mapstructure:"max_retry_attempts" validate:"omitempty,min=0,max=10"`

	// ImmediateRetry enables the first-attempt immediate strategy.
	// Defaults to true.
	ImmediateRetry bool `yaml:"immediate_retry" mapstructure:"immediate_retry"`

	// Backoff enables the delayed-retry strategy. Defaults to true.
	Backoff bool `yaml:"backoff" mapstructure:"backoff"`

	// QualityFallback enables re-search at a lower quality tier.
	// Defaults to true.
	QualityFallback bool `yaml:"quality_fallback" mapstructure:"quality_fallback"`

	// BackoffBase is the first backoff delay. Defaults to 5s.
	BackoffBase time.Duration `yaml:"backoff_base" mapstructure:"backoff_base" validate:"omitempty,min=0"`

	// BackoffMultiplier scales successive backoff delays. Defaults to 2.0.
	BackoffMultiplier float64 `yaml:"backoff_multiplier" mapstructure:"backoff_multiplier" validate:"omitempty,min=1"`

	// BackoffMax caps the backoff delay. Defaults to 10m.
	BackoffMax time.Duration `yaml:"backoff_max" mapstructure:"backoff_max" validate:"omitempty,min=0"`

	// ResultDeadline is how long recovery waits for a retried download
	// to reappear before marking the attempt failed. Defaults to 2m.
	ResultDeadline time.Duration `yaml:"result_deadline" mapstructure:"result_deadline" validate:"omitempty,min=0"`
}

// EventsConfig configures the event bus and the on-disk event log.
type EventsConfig struct {
	// MaxHistory is the ring buffer size for event queries. Defaults to 1000.
	MaxHistory int `yaml:"max_history" mapstructure:"max_history" validate:"omitempty,min=1"`

	// LogDir, when set, enables the JSONL event log written to this
	// directory. Empty disables the file sink.
	LogDir string `yaml:"log_dir" mapstructure:"log_dir"`

	// LogRetentionDays is how many days of event log files to keep.
	// Defaults to 7.
	LogRetentionDays int `yaml:"log_retention_days" mapstructure:"log_retention_days" validate:"omitempty,min=1"`

	// LogMaxFileSizeMB rotates the current event log file beyond this
	// size. Defaults to 100.
	LogMaxFileSizeMB int `yaml:"log_max_file_size_mb" mapstructure:"log_max_file_size_mb" validate:"omitempty,min=1"`
}

// ActivityConfig configures the activity log.
type ActivityConfig struct {
	// MaxItems caps the log; oldest entries are evicted. Defaults to 500.
	MaxItems int `yaml:"max_items" mapstructure:"max_items" validate:"omitempty,min=1"`

	// Topics is the allow-list of bus topics recorded as activity.
	// Defaults to the download/recovery/request/audit families.
	Topics []string `yaml:"topics" mapstructure:"topics"`
}

// WebSocketConfig configures the /ws event bridge.
type WebSocketConfig struct {
	// Enabled controls whether /ws is served. Defaults to true.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// Topics is the set of bus topics forwarded to clients.
	// Defaults to the domain event families plus queue/wanted updates.
	Topics []string `yaml:"topics" mapstructure:"topics"`

	// SendBuffer is the per-client outbound queue size; clients that
	// fall this far behind are dropped. Defaults to 32.
	SendBuffer int `yaml:"send_buffer" mapstructure:"send_buffer" validate:"omitempty,min=1"`

	// StatusPulseInterval is the period of the status broadcast frame.
	// Zero disables the pulse. Defaults to 30s.
	StatusPulseInterval time.Duration `yaml:"status_pulse_interval" mapstructure:"status_pulse_interval" validate:"omitempty,min=0"`
}

// StorageConfig configures the sqlite database location.
type StorageConfig struct {
	// Path is the sqlite database file. Defaults to ~/.arrgate/arrgate.db.
	// ":memory:" selects an in-memory database.
	Path string `yaml:"path" mapstructure:"path"`
}

// TelemetryConfig toggles OpenTelemetry tracing and metering.
type TelemetryConfig struct {
	// Enabled turns on the stdout trace/metric exporters. Defaults to false.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// AuditConfig configures the best-practice config audits.
type AuditConfig struct {
	// Enabled controls whether audits can run. Defaults to true.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// RulesSeed installs the built-in rule set into an empty rule store
	// at boot. Defaults to true.
	RulesSeed bool `yaml:"rules_seed" mapstructure:"rules_seed"`
}

// DefaultActivityTopics is the activity log allow-list applied when the
// config names none.
var DefaultActivityTopics = []string{
	"download.failed",
	"download.retry.started",
	"download.retry.succeeded",
	"download.retry.failed",
	"recovery.exhausted",
	"recovery.unresolved",
	"failure.pattern.detected",
	"monitoring.degraded",
	"monitoring.recovered",
	"config.audit.started",
	"config.audit.completed",
	"config.audit.failed",
	"content.request.created",
	"content.request.classified",
	"content.request.added",
	"content.request.completed",
	"content.request.failed",
}

// DefaultWebSocketTopics is the /ws forward set applied when the config
// names none. It adds the high-churn queue/wanted topics to the activity set.
var DefaultWebSocketTopics = append([]string{
	"queue.updated",
	"wanted.updated",
	"activity.created",
}, DefaultActivityTopics...)

// SetDevDefaults applies development-mode overrides. These are applied
// after SetDefaults and before validation.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}

	c.Server.LogLevel = "debug"

	// Keep dev databases out of the home directory.
	if !viper.IsSet("storage.path") {
		c.Storage.Path = "arrgate-dev.db"
	}
}

// SetDefaults applies documented default values to the configuration.
// Boolean fields that default to true use viper.IsSet to distinguish
// "not set" from an explicit false.
func (c *Config) SetDefaults() {
	// Server defaults — bind to localhost only.
	// Users who need network access must explicitly set http_addr.
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:7337"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}

	c.Upstreams.Download.setDefaults("upstreams.download")
	c.Upstreams.TvManager.setDefaults("upstreams.tv_manager")
	c.Upstreams.MovieManager.setDefaults("upstreams.movie_manager")
	c.Upstreams.MediaLibrary.setDefaults("upstreams.media_library")

	// Orchestrator defaults.
	if c.Orchestrator.MaxConcurrent == 0 {
		c.Orchestrator.MaxConcurrent = 10
	}
	if c.Orchestrator.DefaultToolTimeout == 0 {
		c.Orchestrator.DefaultToolTimeout = 30 * time.Second
	}
	if c.Orchestrator.MaxRetries == 0 {
		c.Orchestrator.MaxRetries = 3
	}
	if c.Orchestrator.RetryBaseDelay == 0 {
		c.Orchestrator.RetryBaseDelay = 500 * time.Millisecond
	}
	if !viper.IsSet("orchestrator.auto_reconnect") {
		c.Orchestrator.AutoReconnect = true
	}
	if !viper.IsSet("orchestrator.keepalive_interval") && c.Orchestrator.KeepaliveInterval == 0 {
		c.Orchestrator.KeepaliveInterval = 30 * time.Second
	}
	if c.Orchestrator.MaxParallel == 0 {
		c.Orchestrator.MaxParallel = 10
	}
	if c.Orchestrator.BreakerFailureThreshold == 0 {
		c.Orchestrator.BreakerFailureThreshold = 5
	}
	if c.Orchestrator.BreakerOpenDuration == 0 {
		c.Orchestrator.BreakerOpenDuration = 60 * time.Second
	}
	if c.Orchestrator.BreakerHalfOpenRequired == 0 {
		c.Orchestrator.BreakerHalfOpenRequired = 3
	}
	if len(c.Orchestrator.RetryableErrors) == 0 {
		c.Orchestrator.RetryableErrors = []string{"transport", "transient_server"}
	}

	// Monitor defaults.
	if c.Monitor.PollInterval == 0 {
		c.Monitor.PollInterval = 30 * time.Second
	}
	if !viper.IsSet("monitor.failure_detection") {
		c.Monitor.FailureDetection = true
	}
	if !viper.IsSet("monitor.pattern_recognition") {
		c.Monitor.PatternRecognition = true
	}
	if c.Monitor.AlertThrottleWindow == 0 {
		c.Monitor.AlertThrottleWindow = 10 * time.Minute
	}
	if c.Monitor.PatternWindow == 0 {
		c.Monitor.PatternWindow = 15 * time.Minute
	}
	if c.Monitor.PatternThreshold == 0 {
		c.Monitor.PatternThreshold = 3
	}
	if c.Monitor.PollFailureThreshold == 0 {
		c.Monitor.PollFailureThreshold = 5
	}

	// Recovery defaults.
	if c.Recovery.MaxRetryAttempts == 0 && !viper.IsSet("recovery.max_retry_attempts") {
		c.Recovery.MaxRetryAttempts = 3
	}
	if !viper.IsSet("recovery.immediate_retry") {
		c.Recovery.ImmediateRetry = true
	}
	if !viper.IsSet("recovery.backoff") {
		c.Recovery.Backoff = true
	}
	if !viper.IsSet("recovery.quality_fallback") {
		c.Recovery.QualityFallback = true
	}
	if c.Recovery.BackoffBase == 0 {
		c.Recovery.BackoffBase = 5 * time.Second
	}
	if c.Recovery.BackoffMultiplier == 0 {
		c.Recovery.BackoffMultiplier = 2.0
	}
	if c.Recovery.BackoffMax == 0 {
		c.Recovery.BackoffMax = 10 * time.Minute
	}
	if c.Recovery.ResultDeadline == 0 {
		c.Recovery.ResultDeadline = 2 * time.Minute
	}

	// Event/activity defaults.
	if c.Events.MaxHistory == 0 {
		c.Events.MaxHistory = 1000
	}
	if c.Events.LogRetentionDays == 0 {
		c.Events.LogRetentionDays = 7
	}
	if c.Events.LogMaxFileSizeMB == 0 {
		c.Events.LogMaxFileSizeMB = 100
	}
	if c.Activity.MaxItems == 0 {
		c.Activity.MaxItems = 500
	}
	if len(c.Activity.Topics) == 0 {
		c.Activity.Topics = append([]string(nil), DefaultActivityTopics...)
	}

	// WebSocket defaults.
	if !viper.IsSet("websocket.enabled") {
		c.WebSocket.Enabled = true
	}
	if len(c.WebSocket.Topics) == 0 {
		c.WebSocket.Topics = append([]string(nil), DefaultWebSocketTopics...)
	}
	if c.WebSocket.SendBuffer == 0 {
		c.WebSocket.SendBuffer = 32
	}
	if !viper.IsSet("websocket.status_pulse_interval") && c.WebSocket.StatusPulseInterval == 0 {
		c.WebSocket.StatusPulseInterval = 30 * time.Second
	}

	// Storage defaults.
	if c.Storage.Path == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.Storage.Path = filepath.Join(home, ".arrgate", "arrgate.db")
		} else {
			c.Storage.Path = "arrgate.db"
		}
	}

	// Audit defaults.
	if !viper.IsSet("audit.enabled") {
		c.Audit.Enabled = true
	}
	if !viper.IsSet("audit.rules_seed") {
		c.Audit.RulesSeed = true
	}
}

// setDefaults fills one upstream seed block. The viper key prefix is needed
// for the enabled flag, which defaults to true only when a URL is present.
func (u *UpstreamSeed) setDefaults(keyPrefix string) {
	if u.Timeout == 0 {
		u.Timeout = 30 * time.Second
	}
	if u.MaxRetries == 0 && !viper.IsSet(keyPrefix+".max_retries") {
		u.MaxRetries = 2
	}
	if u.URL != "" && !viper.IsSet(keyPrefix+".enabled") {
		u.Enabled = true
	}
}

// Seeds returns the upstream seed blocks keyed by the wire name of each
// upstream kind, in a stable order.
func (c *Config) Seeds() []struct {
	Kind string
	Seed UpstreamSeed
} {
	return []struct {
		Kind string
		Seed UpstreamSeed
	}{
		{"download", c.Upstreams.Download},
		{"tv_manager", c.Upstreams.TvManager},
		{"movie_manager", c.Upstreams.MovieManager},
		{"media_library", c.Upstreams.MediaLibrary},
	}
}

// Redacted returns a copy with every secret masked, safe to dump on the
// debug surface or into logs.
func (c *Config) Redacted() Config {
	out := *c
	mask := func(s *UpstreamSeed) {
		if s.APIKey != "" {
			s.APIKey = "********"
		}
	}
	mask(&out.Upstreams.Download)
	mask(&out.Upstreams.TvManager)
	mask(&out.Upstreams.MovieManager)
	mask(&out.Upstreams.MediaLibrary)
	if out.Server.APIKeyHash != "" {
		out.Server.APIKeyHash = "********"
	}
	return out
}
