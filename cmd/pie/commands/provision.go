package commands

import (
	"fmt"
	"time"

	"github.com/openedx/pie/pkg/devstack"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newProvisionCommand() *cobra.Command {
	var opts devstack.Options

	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Provision the devstack",
		Long: `Bootstrap the service's devstack:

  1. docker-compose up -d
  2. wait until the database container answers
  3. create the service database
  4. run migrations
  5. create the edx superuser (unless disabled)
  6. create the LMS worker user and register the SSO and backend-service
     OAuth applications
  7. restart the app container

The OAuth applications are checked against the policies first. By default
the first failing command stops provisioning; --continue-on-error records
failures and keeps going.`,
		Example: `  # Show what would run
  pie provision --dry-run

  # Rebuild images and keep going on errors
  pie provision --build --continue-on-error`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, appOptions{store: true, runner: true})
			if err != nil {
				return err
			}
			defer a.close()

			ctx := a.tel.WithContext(cmd.Context())
			prov, err := a.provisioner(ctx)
			if err != nil {
				return err
			}

			log.Info().
				Str("service", a.cfg.Service.Name).
				Str("transport", a.cfg.Transport.Kind).
				Bool("dry_run", opts.DryRun).
				Bool("continue_on_error", opts.ContinueOnError).
				Msg("Provisioning devstack")

			run, err := prov.Provision(ctx, opts)
			if run != nil {
				printRunSummary(cmd, run)
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "print the commands without running them")
	cmd.Flags().BoolVar(&opts.ContinueOnError, "continue-on-error", false, "record failed commands and keep going")
	cmd.Flags().BoolVar(&opts.SkipSuperuser, "skip-superuser", false, "do not create the edx superuser")
	cmd.Flags().BoolVar(&opts.Build, "build", false, "rebuild images before starting containers")

	return cmd
}

func newWaitDBCommand() *cobra.Command {
	var (
		maxAttempts int
		interval    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "wait-db",
		Short: "Wait until the devstack database is ready",
		Long: `Poll the database container until it answers the readiness query.

Without --max-attempts pie waits until interrupted.`,
		Example: `  pie wait-db
  pie wait-db --max-attempts 60 --interval 2s`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, appOptions{runner: true})
			if err != nil {
				return err
			}
			defer a.close()

			settings := devstack.SettingsFromConfig(a.cfg)
			if cmd.Flags().Changed("max-attempts") {
				settings.MaxAttempts = maxAttempts
			}
			if cmd.Flags().Changed("interval") {
				settings.PollInterval = interval
			}

			prov := devstack.NewProvisioner(settings, a.runner,
				devstack.WithLogger(*a.tel.Logger.NewComponentLogger("devstack").Zerolog()),
				devstack.WithMetrics(a.tel.Metrics),
			)
			if err := prov.WaitForDB(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is ready\n", settings.DBContainer)
			return nil
		},
	}

	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "give up after this many readiness checks (0 waits forever)")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "time between readiness checks")

	return cmd
}
