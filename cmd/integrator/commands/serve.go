package commands

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/piiagent/integrator/pkg/api"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCommand(version string) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator API",
		Long: `Run the HTTP API, the scan ticker and, for rego policies with watch
enabled, the policy file watcher until interrupted.`,
		Example: `  # Serve with a config file
  integrator serve --config integrator.yaml

  # Serve an in-memory instance on another port
  INTEGRATOR_LISTEN_ADDRESS=:9000 integrator serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, version)
			if err != nil {
				return err
			}
			defer a.Close()

			if listen != "" {
				a.cfg.Server.ListenAddress = listen
			}
			if a.rego != nil && a.cfg.Policy.Watch {
				if err := a.rego.Watch(ctx); err != nil {
					return fmt.Errorf("failed to watch policies: %w", err)
				}
			}
			if a.cfg.Environment == "production" {
				gin.SetMode(gin.ReleaseMode)
			}

			srv := api.NewServer(a.orch, api.Options{
				ListenAddress: a.cfg.Server.ListenAddress,
				ReadTimeout:   a.cfg.Server.ReadTimeout,
				WriteTimeout:  a.cfg.Server.WriteTimeout,
				Telemetry:     a.tel,
				Health:        a.store,
			})

			logger := a.tel.Logger.NewComponentLogger("serve")
			logger.WithFields(map[string]interface{}{
				"environment": a.cfg.Environment,
				"storage":     a.cfg.Storage.Driver,
				"policy":      a.cfg.Policy.Kind,
				"providers":   a.registry.Providers(),
			}).Info("Starting integrator")

			g, gctx := errgroup.WithContext(ctx)
			g.Go(srv.Start)
			g.Go(func() error { return a.orch.Run(gctx) })
			g.Go(func() error { return a.tel.Metrics.Serve(gctx) })
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
				defer cancel()
				logger.Info("Shutting down")
				return srv.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "override the configured listen address")
	return cmd
}
