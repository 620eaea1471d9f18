package commands

import (
	"context"
	"time"

	"github.com/openedx/pie/pkg/devstack"
	"github.com/openedx/pie/pkg/tasks"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newWatchCommand() *cobra.Command {
	var (
		flags    runFlags
		paths    []string
		debounce time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch TARGET...",
		Short: "Re-run targets when files change",
		Long: `Run the targets once, then again every time a file under the watched
paths changes. Bursts of changes are coalesced. Stop with Ctrl-C.`,
		Example: `  # Re-run quality checks while editing
  pie watch quality

  # Watch only the package directory
  pie watch --path program_intent_engagement test`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, appOptions{store: true, runner: true})
			if err != nil {
				return err
			}
			defer a.close()

			ctx := a.tel.WithContext(cmd.Context())
			catalog, err := a.catalog(ctx, devstack.Options{DryRun: flags.dryRun})
			if err != nil {
				return err
			}

			rerun := func(ctx context.Context, changed []string) error {
				if len(changed) > 0 {
					log.Info().Strs("changed", changed).Msg("Files changed")
				}
				run, err := runTargets(ctx, a, catalog, args, flags)
				if run != nil {
					printRunSummary(cmd, run)
				}
				return err
			}

			// A failing first run is reported but does not stop watching.
			if err := rerun(ctx, nil); err != nil {
				log.Error().Err(err).Msg("Initial run failed")
			}

			if len(paths) == 0 {
				paths = []string{a.cfg.Service.Dir}
			}
			watcher := tasks.NewWatcher(*a.tel.Logger.NewComponentLogger("watch").Zerolog(), paths...)
			if debounce > 0 {
				watcher.Debounce = debounce
			}
			return watcher.Run(ctx, nil, rerun)
		},
	}

	flags.register(cmd)
	cmd.Flags().StringSliceVar(&paths, "path", nil, "paths to watch (default the service directory)")
	cmd.Flags().DurationVar(&debounce, "debounce", 0, "quiet period before re-running (default 300ms)")

	return cmd
}
