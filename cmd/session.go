package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"firestige.xyz/callcore/internal/command"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect MSRP sessions and send text",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List MSRP sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return callAndPrint(cmd.Context(), GetClient(), cmd.OutOrStdout(), "session_list", nil)
	},
}

var sessionSendCmd = &cobra.Command{
	Use:   "send <call-id> <text...>",
	Short: "Send a text message on a session",
	Long: `Send a SEND request to the session's peer. Before the transport is up the
message is buffered and flushed once the peer connects.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSessionSend(cmd.Context(), GetClient(), cmd.OutOrStdout(), command.SessionSendParams{
			CallID:      args[0],
			ContentType: sendContentType,
			Text:        strings.Join(args[1:], " "),
		})
	},
}

var sendContentType string

var msrpCmd = &cobra.Command{
	Use:   "msrp",
	Short: "MSRP engine settings",
}

var msrpDebugCmd = &cobra.Command{
	Use:       "debug <on|off>",
	Short:     "Toggle the MSRP wire trace",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"on", "off"},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMSRPDebug(cmd.Context(), GetClient(), cmd.OutOrStdout(), args[0])
	},
}

func init() {
	sessionSendCmd.Flags().StringVar(&sendContentType, "content-type", "text/plain", "MIME type of the text")
	sessionCmd.AddCommand(sessionListCmd, sessionSendCmd)
	msrpCmd.AddCommand(msrpDebugCmd)
}

func runSessionSend(ctx context.Context, client Client, out io.Writer, params command.SessionSendParams) error {
	result, err := call(ctx, client, "session_send", params)
	if err != nil {
		return err
	}
	m, _ := result.(map[string]any)
	fmt.Fprintf(out, "%s: %v\n", params.CallID, m["result"])
	return nil
}

func runMSRPDebug(ctx context.Context, client Client, out io.Writer, arg string) error {
	var enabled bool
	switch strings.ToLower(arg) {
	case "on", "true", "1":
		enabled = true
	case "off", "false", "0":
	default:
		return fmt.Errorf("expected on or off, got %q", arg)
	}
	if _, err := call(ctx, client, "msrp_debug", command.MSRPDebugParams{Enabled: enabled}); err != nil {
		return err
	}
	fmt.Fprintf(out, "✓ MSRP wire trace %s\n", map[bool]string{true: "on", false: "off"}[enabled])
	return nil
}
