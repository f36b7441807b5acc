package commands

import (
	"fmt"

	"github.com/piiagent/integrator/pkg/stores"
	"github.com/spf13/cobra"
)

func newMigrateCommand() *cobra.Command {
	var status bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Example: `  # Migrate the configured database
  integrator migrate --config integrator.yaml

  # Show the applied schema version
  integrator migrate --status`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Storage.Driver != "sqlite" {
				return fmt.Errorf("migrations apply to the sqlite driver, configured driver is %q", cfg.Storage.Driver)
			}

			s, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Storage.Path})
			if err != nil {
				return err
			}
			if err := s.Init(cmd.Context()); err != nil {
				return err
			}
			defer s.Close()

			if !status {
				if err := s.Migrate(cmd.Context()); err != nil {
					return err
				}
			}
			version, dirty, err := s.MigrationVersion()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: schema version %d (dirty: %v)\n", cfg.Storage.Path, version, dirty)
			return nil
		},
	}

	cmd.Flags().BoolVar(&status, "status", false, "only report the applied version")
	return cmd
}
