package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long: `Query the callcore daemon for its overall status.

Shows: version, uptime, live channels, MSRP sessions and listen addresses.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return callAndPrint(cmd.Context(), GetClient(), cmd.OutOrStdout(), "daemon_status", nil)
	},
}

// stopCmd represents the stop command
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the callcore daemon",
	Long: `Stop the callcore daemon gracefully.

Live channels are hung up with SYSTEM_SHUTDOWN, MSRP sessions are destroyed
and pending events are flushed before the process exits.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStop(cmd.Context(), GetClient(), cmd.OutOrStdout())
	},
}

func runStop(ctx context.Context, client Client, out io.Writer) error {
	if _, err := call(ctx, client, "daemon_shutdown", nil); err != nil {
		return fmt.Errorf("failed to stop daemon: %w", err)
	}
	fmt.Fprintln(out, "✓ Daemon is shutting down")
	return nil
}

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload configuration",
	Long: `Ask the daemon to re-read its config file.

Log settings, channel globals and the MSRP wire trace apply immediately;
listen addresses and sinks need a restart.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReload(cmd.Context(), GetClient(), cmd.OutOrStdout())
	},
}

// runReload 提取的业务逻辑，方便测试
func runReload(ctx context.Context, client Client, out io.Writer) error {
	if _, err := call(ctx, client, "config_reload", nil); err != nil {
		return fmt.Errorf("failed to reload: %w", err)
	}
	fmt.Fprintln(out, "✓ Configuration reloaded successfully")
	return nil
}
