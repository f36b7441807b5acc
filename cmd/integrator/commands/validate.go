package commands

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [config]",
		Short: "Validate a configuration file and its policy",
		Long: `Validate a configuration file against the schema, then compile the
configured auto-approval policy.

This command checks:
  - YAML, JSON or CUE syntax
  - Schema conformance and field constraints
  - Rego modules or the Starlark script referenced by the policy section`,
		Example: `  # Validate the file given by --config
  integrator validate --config integrator.yaml

  # Validate a CUE config
  integrator validate ./deploy/integrator.cue`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				configPath = args[0]
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			_, rego, err := buildPolicy(cmd.Context(), cfg.Policy, cfg.PreVettedTypes(), zerolog.Nop())
			if err != nil {
				return err
			}
			if rego != nil {
				defer rego.Close()
			}

			name := configPath
			if name == "" {
				name = "defaults"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is valid (storage: %s, policy: %s)\n", name, cfg.Storage.Driver, cfg.Policy.Kind)
			return nil
		},
	}
	return cmd
}
