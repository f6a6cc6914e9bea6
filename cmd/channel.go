package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"firestige.xyz/callcore/internal/command"
)

var channelCmd = &cobra.Command{
	Use:     "channel",
	Aliases: []string{"ch"},
	Short:   "Inspect and control live channels",
}

var channelListCmd = &cobra.Command{
	Use:   "list",
	Short: "List live channels",
	RunE: func(cmd *cobra.Command, args []string) error {
		return callAndPrint(cmd.Context(), GetClient(), cmd.OutOrStdout(), "channel_list", nil)
	},
}

var channelShowCmd = &cobra.Command{
	Use:   "show <uuid>",
	Short: "Show one channel: state, flags, caller profile and variables",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return callAndPrint(cmd.Context(), GetClient(), cmd.OutOrStdout(), "channel_show",
			command.ChannelParams{UUID: args[0]})
	},
}

var channelHangupCmd = &cobra.Command{
	Use:   "hangup <uuid>",
	Short: "Hang up a channel",
	Long: `Hang up a channel and drive it to CS_DONE.

The cause is a Q.850 name or number and defaults to MANAGER_REQUEST.

Examples:
  callcore channel hangup 0b9f... --cause CALL_REJECTED
  callcore channel hangup 0b9f... --cause 17`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChannelHangup(cmd.Context(), GetClient(), cmd.OutOrStdout(), args[0], hangupCause)
	},
}

var channelOriginateCmd = &cobra.Command{
	Use:   "originate",
	Short: "Create a text channel bound to a new MSRP session",
	Long: `Create a channel, bind it to an MSRP session keyed by its uuid and answer it.

Without --dial the daemon waits for the peer to connect to the returned
local_path. With --dial it connects to --remote-path itself.

Examples:
  callcore channel originate --echo
  callcore channel originate --remote-path msrp://10.0.0.5:2855/kjh29x;tcp --dial
  callcore channel originate --var campaign=spring --var agent=1001`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChannelOriginate(cmd.Context(), GetClient(), cmd.OutOrStdout(), originateParams)
	},
}

var (
	hangupCause     string
	originateParams command.ChannelOriginateParams
)

func init() {
	channelHangupCmd.Flags().StringVar(&hangupCause, "cause", "", "hangup cause (default MANAGER_REQUEST)")

	f := channelOriginateCmd.Flags()
	f.StringVar(&originateParams.UUID, "uuid", "", "channel uuid (default generated)")
	f.StringVar(&originateParams.Name, "name", "", "channel name (default msrp/<uuid>)")
	f.StringVar(&originateParams.RemotePath, "remote-path", "", "peer MSRP path")
	f.BoolVar(&originateParams.Secure, "secure", false, "use msrps")
	f.BoolVar(&originateParams.Dial, "dial", false, "connect to --remote-path instead of waiting for the peer")
	f.BoolVar(&originateParams.Echo, "echo", false, "echo received text back to the peer")
	f.StringToStringVar(&originateParams.Variables, "var", nil, "channel variable name=value (repeatable)")

	channelCmd.AddCommand(channelListCmd, channelShowCmd, channelHangupCmd, channelOriginateCmd)
}

func runChannelOriginate(ctx context.Context, client Client, out io.Writer, params command.ChannelOriginateParams) error {
	result, err := call(ctx, client, "channel_originate", params)
	if err != nil {
		return err
	}
	m, _ := result.(map[string]any)
	fmt.Fprintf(out, "✓ Channel %v up\n  local_path: %v\n", m["uuid"], m["local_path"])
	return nil
}

func runChannelHangup(ctx context.Context, client Client, out io.Writer, uuid, cause string) error {
	result, err := call(ctx, client, "channel_hangup", command.ChannelHangupParams{UUID: uuid, Cause: cause})
	if err != nil {
		return err
	}
	m, _ := result.(map[string]any)
	fmt.Fprintf(out, "✓ Channel %s hung up (%v)\n", uuid, m["cause"])
	return nil
}
