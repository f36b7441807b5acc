package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/piiagent/integrator/pkg/engine"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Work with auto-approval policies",
	}
	cmd.AddCommand(newPolicyEvalCommand())
	return cmd
}

func newPolicyEvalCommand() *cobra.Command {
	var (
		input  string
		kind   string
		paths  []string
		script string
	)

	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Evaluate a proposed resource set against the auto-approval policy",
		Long: `Evaluate an auto-approval input document against the configured policy
and print the decision. Flags override the policy section of the config.`,
		Example: `  # Evaluate against the configured policy
  integrator policy eval --input proposal.json

  # Try a rego bundle before deploying it
  integrator policy eval --kind rego --path ./policies --input proposal.json

  # Read the input from stdin
  cat proposal.json | integrator policy eval --kind starlark --script approve.star --input -`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if kind != "" {
				cfg.Policy.Kind = kind
			}
			if len(paths) > 0 {
				cfg.Policy.Paths = paths
			}
			if script != "" {
				cfg.Policy.Script = script
			}

			data, err := readInput(cmd.InOrStdin(), input)
			if err != nil {
				return err
			}
			var in engine.AutoApprovalInput
			if err := json.Unmarshal(data, &in); err != nil {
				return fmt.Errorf("failed to parse input: %w", err)
			}
			if err := in.Provider.Validate(); err != nil {
				return err
			}

			p, rego, err := buildPolicy(cmd.Context(), cfg.Policy, cfg.PreVettedTypes(), zerolog.Nop())
			if err != nil {
				return err
			}
			if rego != nil {
				defer rego.Close()
			}

			return writeJSON(cmd.OutOrStdout(), p.Evaluate(cmd.Context(), in))
		},
	}

	cmd.Flags().StringVarP(&input, "input", "i", "", "input document path, - for stdin")
	cmd.Flags().StringVar(&kind, "kind", "", "policy kind: default, manual, rego or starlark")
	cmd.Flags().StringSliceVar(&paths, "path", nil, "rego file, bundle or directory (repeatable)")
	cmd.Flags().StringVar(&script, "script", "", "starlark script path")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

func readInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}
	return data, nil
}
