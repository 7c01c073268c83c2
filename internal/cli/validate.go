package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wesleyorama2/surge/internal/performance/config"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <config>",
		Short: "Check a test configuration without running it",
		Long: `Validate loads a YAML or JSON test configuration, applies defaults and
reports every problem found: schema violations, bad stages, unknown
threshold metrics and unparseable threshold expressions.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(args[0])
			if err != nil {
				return err
			}
			config.ApplyDefaults(cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}

			thresholds := 0
			for _, list := range cfg.Thresholds {
				thresholds += len(list)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is valid: %d stages (%s), %d endpoints, %d thresholds\n",
				args[0], len(cfg.Stages), cfg.TotalDuration(), len(cfg.Endpoints), thresholds)
			return nil
		},
	}
}
