package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/piiagent/integrator/pkg/engine"
	"github.com/spf13/cobra"
)

func newTargetsCommand(version string) *cobra.Command {
	var actor string

	cmd := &cobra.Command{
		Use:   "targets",
		Short: "Manage target sources directly against the configured store",
		Long: `Manage target sources without going through the API. Commands run
as an administrator identified by --as.`,
	}
	cmd.PersistentFlags().StringVar(&actor, "as", defaultActor(), "administrator recorded in history")

	withApp := func(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
		a, err := newApp(cmd.Context(), version)
		if err != nil {
			return err
		}
		defer a.Close()
		ctx := engine.WithUser(cmd.Context(), &engine.User{ID: actor, Name: actor, Role: engine.RoleAdmin})
		return fn(ctx, a)
	}

	cmd.AddCommand(newTargetsRegisterCommand(withApp))
	cmd.AddCommand(newTargetsListCommand(withApp))
	cmd.AddCommand(newTargetsStatusCommand(withApp))
	return cmd
}

type appRunner func(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error

func newTargetsRegisterCommand(withApp appRunner) *cobra.Command {
	var (
		name        string
		serviceCode string
		provider    string
		plan        string
	)

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a target source",
		Example: `  integrator targets register --name orders --service-code svc-a --provider AWS \
    --plan '{"mode":"MANUAL"}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := engine.ParseCloudProvider(provider)
			if err != nil {
				return err
			}
			req := engine.RegisterRequest{Name: name, ServiceCode: serviceCode, CloudProvider: p}
			if plan != "" {
				if req.Plan, err = engine.DecodePlan(p, []byte(plan)); err != nil {
					return fmt.Errorf("invalid plan: %w", err)
				}
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				ts, err := a.orch.RegisterTargetSource(ctx, req)
				if err != nil {
					return err
				}
				return printTargetSources(cmd.OutOrStdout(), []*engine.TargetSource{ts})
			})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "target source name")
	cmd.Flags().StringVar(&serviceCode, "service-code", "", "owning service code")
	cmd.Flags().StringVar(&provider, "provider", "", "cloud provider: AWS, AZURE, GCP, IDC or SDU")
	cmd.Flags().StringVar(&plan, "plan", "", "provider installation plan as JSON")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("service-code")
	_ = cmd.MarkFlagRequired("provider")
	return cmd
}

func newTargetsListCommand(withApp appRunner) *cobra.Command {
	var (
		filter   engine.TargetSourceFilter
		provider string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List target sources",
		RunE: func(cmd *cobra.Command, args []string) error {
			if provider != "" {
				p, err := engine.ParseCloudProvider(provider)
				if err != nil {
					return err
				}
				filter.CloudProvider = p
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				list, err := a.orch.ListTargetSources(ctx, filter)
				if err != nil {
					return err
				}
				return printTargetSources(cmd.OutOrStdout(), list)
			})
		},
	}

	cmd.Flags().StringVar(&filter.ServiceCode, "service-code", "", "only this service code")
	cmd.Flags().StringVar(&provider, "provider", "", "only this cloud provider")
	cmd.Flags().IntVar(&filter.Limit, "limit", 0, "page size")
	cmd.Flags().IntVar(&filter.Offset, "offset", 0, "entries to skip")
	return cmd
}

func newTargetsStatusCommand(withApp appRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>",
		Short: "Show the process status of a target source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				view, err := a.orch.ProcessStatus(ctx, args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if jsonOutput {
					return writeJSON(out, view)
				}
				fmt.Fprintf(out, "%s: %d %s\n", view.TargetSourceID, int(view.ProcessStatus), view.Stage)
				if view.LastRejectionReason != "" {
					fmt.Fprintf(out, "last rejection: %s\n", view.LastRejectionReason)
				}
				return nil
			})
		},
	}
}

func printTargetSources(out io.Writer, list []*engine.TargetSource) error {
	if jsonOutput {
		return writeJSON(out, list)
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSERVICE\tPROVIDER\tSTAGE\tRESOURCES")
	for _, ts := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n", ts.ID, ts.Name, ts.ServiceCode, ts.CloudProvider, ts.ProcessStatus, len(ts.Resources))
	}
	return w.Flush()
}

func writeJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func defaultActor() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}
