// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"github.com/spf13/cobra"

	"firestige.xyz/callcore/internal/command"
)

var (
	// Global flags
	configFile   string
	socketPath   string
	outputFormat string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "callcore",
	Short: "callcore - channel state machine and MSRP session engine",
	Long: `callcore runs the per-call channel state machine together with an MSRP
(RFC 4975) engine that carries text chat for those channels.

Features:
  - Channel lifecycle: validated state transitions, forced hangup, variables
  - MSRP and MSRPS listeners with buffered sends and receive back-pressure
  - Lifecycle events on an in-process bus, optionally exported to Kafka
  - Call detail records to MySQL and S3
  - Local control: CLI via Unix Domain Socket; remote control via Kafka`,
	Version:       command.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/callcore/config.yml",
		"config file path")
	rootCmd.PersistentFlags().StringVarP(&socketPath, "socket", "s", "/var/run/callcore.sock",
		"daemon socket path")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "json",
		"output format: json or yaml")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(reloadCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(channelCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(msrpCmd)
}
