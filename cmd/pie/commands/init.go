package commands

import (
	"fmt"
	"os"

	"github.com/openedx/pie/pkg/config"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newInitCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default pie.yaml and initialise the store",
		Long: `Initialize pie in the current service repository.

A pie.yaml with the defaults for program_intent_engagement is written (use
--force to overwrite an existing one) and the SQLite ledger is created and
migrated.`,
		Example: `  # Initialize with defaults
  pie init

  # Initialize for another service
  PIE_SERVICE_NAME=credentials PIE_SERVICE_PORT=18150 pie init --force`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if path == "" {
				path = config.DefaultFileName + ".yaml"
			}

			log.Info().Str("config", path).Bool("force", force).Msg("Initializing pie")
			out := cmd.OutOrStdout()

			if _, err := os.Stat(path); err == nil && !force {
				fmt.Fprintf(out, "✓ Config file already exists: %s\n", path)
			} else {
				cfg, err := config.Load(config.Options{Flags: cmd.Flags()})
				if err != nil {
					return err
				}
				if err := config.Write(path, cfg); err != nil {
					return err
				}
				fmt.Fprintf(out, "✓ Created config file: %s\n", path)
			}

			configPath = path
			a, err := newApp(cmd, appOptions{store: true})
			if err != nil {
				return err
			}
			defer a.close()

			fmt.Fprintf(out, "✓ Initialized SQLite database: %s\n", a.cfg.Store.Path)

			fmt.Fprintf(out, "\nNext steps:\n")
			fmt.Fprintf(out, "  1. Check the catalog:     pie selfcheck\n")
			fmt.Fprintf(out, "  2. Provision a devstack:  pie provision --dry-run\n")
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}
