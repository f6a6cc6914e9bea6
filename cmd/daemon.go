package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"firestige.xyz/callcore/internal/daemon"
)

// daemonCmd represents the daemon command
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run callcore daemon in foreground",
	Long: `Run the callcore daemon process in foreground.

The daemon will:
  1. Load global configuration from config file
  2. Initialize logging, the event bus and the channel registry
  3. Start the MSRP listeners and the metrics/admin HTTP server
  4. Start UDS server for CLI control and the Kafka command consumer (if configured)
  5. Handle signals for graceful shutdown (SIGTERM, SIGINT) and reload (SIGHUP)`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runDaemon(); err != nil {
			slog.Error("daemon failed", "error", err)
			os.Exit(1)
		}
	},
}

var pidFile string

func init() {
	daemonCmd.Flags().StringVarP(&pidFile, "pidfile", "p", "",
		"PID file path (default: control.pid_file from config)")
}

func runDaemon() error {
	// --socket only overrides the config when given explicitly
	sock := ""
	if rootCmd.PersistentFlags().Changed("socket") {
		sock = socketPath
	}

	d, err := daemon.New(configFile, sock, pidFile)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}
	if err := d.Start(); err != nil {
		d.Stop()
		return fmt.Errorf("failed to start daemon: %w", err)
	}
	return d.Run()
}
