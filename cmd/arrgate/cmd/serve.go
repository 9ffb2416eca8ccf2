package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	httpapi "github.com/arrgate/arrgate/internal/adapter/inbound/http"
	"github.com/arrgate/arrgate/internal/adapter/inbound/ws"
	"github.com/arrgate/arrgate/internal/adapter/outbound/arr"
	"github.com/arrgate/arrgate/internal/adapter/outbound/cel"
	"github.com/arrgate/arrgate/internal/adapter/outbound/eventlog"
	"github.com/arrgate/arrgate/internal/adapter/outbound/plex"
	"github.com/arrgate/arrgate/internal/adapter/outbound/sabnzbd"
	"github.com/arrgate/arrgate/internal/adapter/outbound/sqlite"
	"github.com/arrgate/arrgate/internal/adapter/outbound/state"
	"github.com/arrgate/arrgate/internal/config"
	"github.com/arrgate/arrgate/internal/domain/breaker"
	"github.com/arrgate/arrgate/internal/domain/upstream"
	"github.com/arrgate/arrgate/internal/eventbus"
	"github.com/arrgate/arrgate/internal/port/outbound"
	"github.com/arrgate/arrgate/internal/service"
	"github.com/arrgate/arrgate/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the daemon",
	Long: `Start the arrgate daemon.

The daemon connects to the configured upstream services, starts the
monitoring and recovery loops, and serves the HTTP API and the /ws
event stream.

Examples:
  # Start with config file settings
  arrgate serve

  # Start with a specific config file
  arrgate --config /path/to/arrgate.yaml serve

  # Development mode (debug logging, local database file)
  arrgate serve --dev`,
	RunE: runServe,
}

var devMode bool

// shutdownGrace bounds the graceful teardown of in-flight calls and the
// telemetry flush.
const shutdownGrace = 10 * time.Second

func init() {
	serveCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (debug logging, local database file)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	// Load without validation so the --dev flag can override first.
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if devMode {
		cfg.DevMode = true
	}
	cfg.SetDevDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	// stop() restores default signal handling so a second Ctrl+C does a
	// hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	go func() {
		<-ctx.Done()
		stop()
	}()

	logLevel := parseLogLevel(cfg.Server.LogLevel)
	if cfg.DevMode {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	if err := run(ctx, cfg, logger); err != nil {
		return err
	}
	logger.Info("arrgate stopped")
	return nil
}

// run wires all components and blocks until the context is cancelled.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.DevMode {
		logger.Warn("development mode enabled, inbound API key checks may be disabled")
	}

	// Claim the daemon state file so a second instance refuses to start.
	stateStore := state.NewFileStore(resolveStatePath(), logger)
	pid := os.Getpid()
	daemonState := &state.DaemonState{
		PID:        pid,
		StartedAt:  time.Now().UTC(),
		HTTPAddr:   cfg.Server.HTTPAddr,
		AppVersion: Version,
		ConfigFile: config.ConfigFileUsed(),
	}
	if err := stateStore.Claim(daemonState, processAlive); err != nil {
		var running *state.AlreadyRunningError
		if errors.As(err, &running) {
			return fmt.Errorf("%w\nUse \"arrgate stop\" to stop it first", running)
		}
		return fmt.Errorf("failed to claim daemon state: %w", err)
	}
	defer func() {
		if err := stateStore.Clear(pid); err != nil {
			logger.Warn("failed to clear daemon state", "error", err)
		}
	}()

	tel, err := telemetry.Setup("arrgate", Version, cfg.Telemetry.Enabled)
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := tel.Shutdown(shutCtx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	db, err := sqlite.Open(ctx, cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open database %s: %w", cfg.Storage.Path, err)
	}
	defer func() { _ = db.Close() }()
	logger.Info("database opened", "path", cfg.Storage.Path)

	settingsStore := sqlite.NewSettingsStore(db)
	ruleStore := sqlite.NewRuleStore(db)

	if err := seedSettings(ctx, cfg, settingsStore, logger); err != nil {
		return err
	}

	// Event bus plus the optional on-disk event log.
	bus := eventbus.New(logger, eventbus.WithMaxHistory(cfg.Events.MaxHistory))
	defer bus.Close()

	var sink *eventlog.FileSink
	if cfg.Events.LogDir != "" {
		sink, err = eventlog.NewFileSink(eventlog.Config{
			Dir:           cfg.Events.LogDir,
			RetentionDays: cfg.Events.LogRetentionDays,
			MaxFileSizeMB: cfg.Events.LogMaxFileSizeMB,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to open event log: %w", err)
		}
		sink.Attach(bus)
		defer func() { _ = sink.Close() }()
		logger.Info("event log enabled", "dir", cfg.Events.LogDir, "retention_days", cfg.Events.LogRetentionDays)
	}

	orch := service.NewOrchestrator(orchestratorConfig(cfg), logger)

	registered, err := registerAdapters(ctx, orch, settingsStore, logger)
	if err != nil {
		return err
	}

	connectErrs := orch.ConnectAll(ctx)
	connected := 0
	for kind, cerr := range connectErrs {
		if cerr != nil {
			// Non-fatal: keepalive and auto-reconnect retry later.
			logger.Warn("upstream connect failed", "upstream", string(kind), "error", cerr)
			continue
		}
		connected++
	}
	orch.StartKeepalive()

	// Graceful teardown of the orchestrator runs last so the loops that
	// call through it stop first.
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := orch.Shutdown(shutCtx, true); err != nil {
			logger.Warn("orchestrator shutdown", "error", err)
		}
	}()

	eval, err := cel.NewEvaluator()
	if err != nil {
		return fmt.Errorf("failed to build rule evaluator: %w", err)
	}
	audit := service.NewAudit(service.AuditConfig{Enabled: cfg.Audit.Enabled}, orch, ruleStore, eval, bus, logger)
	if cfg.Audit.RulesSeed {
		if err := audit.Seed(ctx); err != nil {
			return fmt.Errorf("failed to seed audit rules: %w", err)
		}
	}

	activity := service.NewActivity(service.ActivityConfig{
		MaxItems: cfg.Activity.MaxItems,
		Topics:   cfg.Activity.Topics,
	}, bus, logger)
	activity.Start()
	defer activity.Stop()

	monitor := service.NewMonitor(service.MonitorConfig{
		PollInterval:         cfg.Monitor.PollInterval,
		FailureDetection:     cfg.Monitor.FailureDetection,
		PatternRecognition:   cfg.Monitor.PatternRecognition,
		AlertThrottleWindow:  cfg.Monitor.AlertThrottleWindow,
		PatternWindow:        cfg.Monitor.PatternWindow,
		PatternThreshold:     cfg.Monitor.PatternThreshold,
		PollFailureThreshold: cfg.Monitor.PollFailureThreshold,
	}, orch, bus, logger)
	monitor.Start(ctx)
	defer monitor.Stop()

	recovery := service.NewRecovery(service.RecoveryConfig{
		MaxRetryAttempts:  cfg.Recovery.MaxRetryAttempts,
		ImmediateRetry:    cfg.Recovery.ImmediateRetry,
		Backoff:           cfg.Recovery.Backoff,
		QualityFallback:   cfg.Recovery.QualityFallback,
		BackoffBase:       cfg.Recovery.BackoffBase,
		BackoffMultiplier: cfg.Recovery.BackoffMultiplier,
		BackoffMax:        cfg.Recovery.BackoffMax,
		ResultDeadline:    cfg.Recovery.ResultDeadline,
	}, orch, bus, logger)
	recovery.Start(ctx)
	defer recovery.Stop()

	var bridge *ws.Bridge
	if cfg.WebSocket.Enabled {
		bridge = ws.NewBridge(cfg.WebSocket, bus, orch, logger)
		bridge.Start()
		defer bridge.Stop()
	}

	api := httpapi.NewAPI(
		httpapi.WithOrchestrator(orch),
		httpapi.WithActivity(activity),
		httpapi.WithRecovery(recovery),
		httpapi.WithAudit(audit),
		httpapi.WithBus(bus),
		httpapi.WithSettings(settingsStore),
		httpapi.WithConfig(cfg),
		httpapi.WithBuildInfo(&httpapi.BuildInfo{
			Version: Version,
			Commit:  Commit,
			Date:    BuildDate,
		}),
		httpapi.WithAPILogger(logger),
	)

	serverOpts := []httpapi.Option{
		httpapi.WithAddr(cfg.Server.HTTPAddr),
		httpapi.WithAllowedOrigins(cfg.Server.AllowedOrigins),
		httpapi.WithAPIKeyHash(cfg.Server.APIKeyHash),
		httpapi.WithLogger(logger),
	}
	if bridge != nil {
		serverOpts = append(serverOpts, httpapi.WithWebSocket(bridge))
	}
	srv := httpapi.NewServer(api, serverOpts...)

	logger.Info("arrgate starting",
		"version", Version,
		"dev_mode", cfg.DevMode,
		"http_addr", cfg.Server.HTTPAddr,
		"upstreams", registered,
		"connected", connected,
		"websocket", cfg.WebSocket.Enabled,
		"audit", cfg.Audit.Enabled,
	)
	printBanner(Version, cfg.Server.HTTPAddr, cfg.DevMode, registered, connected)

	return srv.Start(ctx)
}

// orchestratorConfig maps the file config onto the orchestrator tunables.
func orchestratorConfig(cfg *config.Config) service.OrchestratorConfig {
	return service.OrchestratorConfig{
		MaxConcurrent:      cfg.Orchestrator.MaxConcurrent,
		DefaultToolTimeout: cfg.Orchestrator.DefaultToolTimeout,
		MaxRetries:         cfg.Orchestrator.MaxRetries,
		RetryBaseDelay:     cfg.Orchestrator.RetryBaseDelay,
		AutoReconnect:      cfg.Orchestrator.AutoReconnect,
		KeepaliveInterval:  cfg.Orchestrator.KeepaliveInterval,
		MaxParallel:        cfg.Orchestrator.MaxParallel,
		CancelOnCritical:   cfg.Orchestrator.CancelOnCritical,
		Breaker: breaker.Config{
			FailureThreshold: cfg.Orchestrator.BreakerFailureThreshold,
			OpenDuration:     cfg.Orchestrator.BreakerOpenDuration,
			HalfOpenRequired: cfg.Orchestrator.BreakerHalfOpenRequired,
		},
	}
}

// seedSettings installs the config file's upstream blocks into an empty
// settings repository. Stored settings win on subsequent boots so runtime
// edits through the API survive restarts.
func seedSettings(ctx context.Context, cfg *config.Config, repo outbound.SettingsRepository, logger *slog.Logger) error {
	for _, seed := range cfg.Seeds() {
		kind := upstream.Kind(seed.Kind)
		if _, err := repo.Get(ctx, kind); err == nil {
			continue
		} else if !errors.Is(err, upstream.ErrSettingsNotFound) {
			return fmt.Errorf("failed to read settings for %s: %w", seed.Kind, err)
		}
		if seed.Seed.URL == "" {
			continue
		}
		s := &upstream.Settings{
			Kind:       kind,
			Enabled:    seed.Seed.Enabled,
			URL:        seed.Seed.URL,
			APIKey:     seed.Seed.APIKey,
			Timeout:    seed.Seed.Timeout,
			MaxRetries: seed.Seed.MaxRetries,
		}
		if err := repo.Put(ctx, s); err != nil {
			return fmt.Errorf("failed to seed settings for %s: %w", seed.Kind, err)
		}
		logger.Info("seeded upstream settings from config", "upstream", seed.Kind, "enabled", seed.Seed.Enabled)
	}
	return nil
}

// registerAdapters builds an adapter for every enabled stored upstream
// and registers it with the orchestrator. Returns the registered count.
func registerAdapters(ctx context.Context, orch *service.Orchestrator, repo outbound.SettingsRepository, logger *slog.Logger) (int, error) {
	stored, err := repo.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list upstream settings: %w", err)
	}

	registered := 0
	for _, s := range stored {
		if !s.Enabled {
			logger.Debug("upstream disabled, skipping", "upstream", string(s.Kind))
			continue
		}
		adapter, err := buildAdapter(s, logger)
		if err != nil {
			return registered, fmt.Errorf("failed to build %s adapter: %w", s.Kind, err)
		}
		if err := orch.Register(adapter); err != nil {
			return registered, fmt.Errorf("failed to register %s adapter: %w", s.Kind, err)
		}
		registered++
	}
	return registered, nil
}

// buildAdapter constructs the concrete adapter for one upstream kind.
func buildAdapter(s upstream.Settings, logger *slog.Logger) (outbound.Adapter, error) {
	switch s.Kind {
	case upstream.KindDownload:
		return sabnzbd.New(s, logger)
	case upstream.KindTvManager:
		return arr.NewTv(s, logger)
	case upstream.KindMovieManager:
		return arr.NewMovie(s, logger)
	case upstream.KindMediaLibrary:
		return plex.New(s, logger)
	default:
		return nil, fmt.Errorf("unknown upstream kind: %s", s.Kind)
	}
}

// resolveStatePath picks the daemon.json location: CLI flag, then env
// var, then the default under the home directory.
func resolveStatePath() string {
	if stateFilePath != "" {
		return stateFilePath
	}
	if p := os.Getenv("ARRGATE_STATE_PATH"); p != "" {
		return p
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".arrgate", "daemon.json")
	}
	return filepath.Join(os.TempDir(), "arrgate-daemon.json")
}

// parseLogLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// printBanner prints a formatted startup banner to stderr.
func printBanner(version, httpAddr string, devMode bool, upstreamCount, connectedCount int) {
	const (
		reset  = "\033[0m"
		bold   = "\033[1m"
		cyan   = "\033[36m"
		green  = "\033[32m"
		yellow = "\033[33m"
		dim    = "\033[2m"
	)

	host := httpAddr
	if strings.HasPrefix(httpAddr, ":") {
		host = "localhost" + httpAddr
	}

	modeStr := green + "production" + reset
	if devMode {
		modeStr = yellow + "development" + reset
	}

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "  %s%sarrgate %s%s\n", bold, cyan, version, reset)
	fmt.Fprintf(os.Stderr, "  %s─────────────────────────────────────%s\n", dim, reset)
	fmt.Fprintf(os.Stderr, "  %-12s http://%s\n", "API:", host)
	fmt.Fprintf(os.Stderr, "  %-12s ws://%s/ws\n", "Events:", host)
	fmt.Fprintf(os.Stderr, "  %-12s %s\n", "Mode:", modeStr)
	fmt.Fprintf(os.Stderr, "  %-12s %d connected / %d enabled\n", "Upstreams:", connectedCount, upstreamCount)
	fmt.Fprintf(os.Stderr, "  %s─────────────────────────────────────%s\n", dim, reset)
	fmt.Fprintf(os.Stderr, "\n")
}
