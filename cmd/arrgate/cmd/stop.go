package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/arrgate/arrgate/internal/adapter/outbound/state"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running arrgate daemon",
	Long: `Stop a running arrgate daemon by reading its daemon.json state file
and sending SIGTERM.

The state file is located at ~/.arrgate/daemon.json by default; use the
--state flag if the daemon was started with one.

Examples:
  # Stop the running daemon
  arrgate stop`,
	RunE: runStop,
}

func init() {
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	quiet := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	stateStore := state.NewFileStore(resolveStatePath(), quiet)

	st, err := stateStore.Load()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("no daemon state found at %s\nIs the daemon running?", stateStore.Path())
		}
		return fmt.Errorf("failed to read daemon state: %w", err)
	}

	proc, err := os.FindProcess(st.PID)
	if err != nil {
		_ = stateStore.Clear(st.PID)
		return fmt.Errorf("invalid PID %d: %w", st.PID, err)
	}
	if !processIsAlive(proc) {
		_ = stateStore.Clear(st.PID)
		return fmt.Errorf("daemon process %d is not running (stale state file removed)", st.PID)
	}

	fmt.Fprintf(os.Stderr, "Stopping arrgate daemon (PID %d)...\n", st.PID)
	if err := sendGracefulStop(proc); err != nil {
		return fmt.Errorf("failed to stop daemon: %w", err)
	}

	// Wait for the process to exit (poll every 200ms, max 10s).
	for i := 0; i < 50; i++ {
		time.Sleep(200 * time.Millisecond)
		if !processIsAlive(proc) {
			_ = stateStore.Clear(st.PID)
			fmt.Fprintf(os.Stderr, "Daemon stopped.\n")
			return nil
		}
	}

	fmt.Fprintf(os.Stderr, "Daemon did not stop gracefully, sending SIGKILL...\n")
	_ = proc.Kill()
	_ = stateStore.Clear(st.PID)
	fmt.Fprintf(os.Stderr, "Daemon killed.\n")
	return nil
}

// processAlive reports whether a PID belongs to a live process. Used as
// the liveness probe when claiming the daemon state file.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return processIsAlive(proc)
}
