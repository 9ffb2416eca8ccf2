// Package cmd provides the CLI commands for arrgate.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/arrgate/arrgate/internal/config"
)

var cfgFile string
var stateFilePath string

var rootCmd = &cobra.Command{
	Use:   "arrgate",
	Short: "arrgate - media automation orchestrator",
	Long: `arrgate is an orchestration daemon for a media automation stack.

It connects to the download client, the TV and movie managers, and the
media library server, routes tool calls to them with circuit breakers
and retries, watches the download queue for failures, and retries
failed downloads automatically.

Quick start:
  1. Create a config file: arrgate.yaml
  2. Run: arrgate serve

Configuration:
  Config is loaded from arrgate.yaml in the current directory,
  $HOME/.arrgate/, or /etc/arrgate/.

  Environment variables can override config values with the ARRGATE_ prefix.
  Example: ARRGATE_SERVER_HTTP_ADDR=127.0.0.1:9090

Commands:
  serve       Start the daemon
  agent       Serve the tool surface to a local agent over stdio
  stop        Stop the running daemon
  hash-key    Generate an Argon2id hash for the inbound API key
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./arrgate.yaml)")
	rootCmd.PersistentFlags().StringVar(&stateFilePath, "state", "", "path to daemon.json file (default: ~/.arrgate/daemon.json)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
