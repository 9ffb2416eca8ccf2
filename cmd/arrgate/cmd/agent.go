package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/arrgate/arrgate/internal/adapter/inbound/agent"
	"github.com/arrgate/arrgate/internal/adapter/outbound/sqlite"
	"github.com/arrgate/arrgate/internal/config"
	"github.com/arrgate/arrgate/internal/service"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Serve the tool surface to a local agent over stdio",
	Long: `Serve the upstream tool surface over newline-delimited JSON-RPC
on stdin/stdout.

This mode hosts its own orchestrator and adapters; it does not talk to a
running daemon. Logs go to stderr so stdout stays a clean wire.

Example:
  arrgate agent < requests.jsonl`,
	RunE: runAgent,
}

func init() {
	rootCmd.AddCommand(agentCmd)
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg.SetDevDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	defer stop()

	// stdout carries the wire, so logs must not touch it.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Server.LogLevel),
	}))

	db, err := sqlite.Open(ctx, cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open database %s: %w", cfg.Storage.Path, err)
	}
	defer func() { _ = db.Close() }()

	settingsStore := sqlite.NewSettingsStore(db)
	if err := seedSettings(ctx, cfg, settingsStore, logger); err != nil {
		return err
	}

	orch := service.NewOrchestrator(orchestratorConfig(cfg), logger)
	if _, err := registerAdapters(ctx, orch, settingsStore, logger); err != nil {
		return err
	}
	for kind, cerr := range orch.ConnectAll(ctx) {
		if cerr != nil {
			logger.Warn("upstream connect failed", "upstream", string(kind), "error", cerr)
		}
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = orch.Shutdown(shutCtx, true)
	}()

	transport := agent.NewTransport(orch, Version, logger)
	started := time.Now()
	err = transport.Serve(ctx)
	logger.Info("agent wire closed", "uptime", time.Since(started).Round(time.Second))
	return err
}
