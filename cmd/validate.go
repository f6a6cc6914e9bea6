package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"firestige.xyz/callcore/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the daemon configuration file",
	Long: `Load and validate the config file given by --config without starting the daemon.

With --print the effective configuration, defaults applied, is written as YAML.

Examples:
  callcore validate -c /etc/callcore/config.yml
  callcore validate -c config.yml --print`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runValidate(configFile, validatePrint, cmd.OutOrStdout())
	},
}

var validatePrint bool

func init() {
	validateCmd.Flags().BoolVar(&validatePrint, "print", false, "print the effective configuration")
}

func runValidate(path string, print bool, out io.Writer) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("INVALID: %w", err)
	}

	fmt.Fprintf(out, "VALID: %s (node %q, msrp %d/%d, cdr %v, event export %v)\n",
		path,
		cfg.Node.Hostname,
		cfg.MSRP.ListenPort,
		cfg.MSRP.ListenSSLPort,
		cfg.CDR.Enabled,
		cfg.Events.Kafka.Enabled,
	)
	if !print {
		return nil
	}

	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(map[string]any{"callcore": cfg}); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}
