package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/openedx/pie/pkg/devstack"
	"github.com/openedx/pie/pkg/engine"
	"github.com/openedx/pie/pkg/tasks"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type runFlags struct {
	jobs      int
	keepGoing bool
	dryRun    bool
	retries   int
}

func (f *runFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVarP(&f.jobs, "jobs", "j", 1, "run up to N independent targets at once")
	cmd.Flags().BoolVarP(&f.keepGoing, "keep-going", "k", false, "keep going after a failure, skipping only its dependents")
	cmd.Flags().BoolVarP(&f.dryRun, "dry-run", "n", false, "print the commands without running them")
	cmd.Flags().IntVar(&f.retries, "retries", 0, "retry steps that fail with a transient error")
}

func newRunCommand() *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "run TARGET...",
		Short: "Run targets and their prerequisites",
		Long: `Run targets the way make does: prerequisites first, each target once.

Targets that need CI variables (TRAVIS_COMMIT, DOCKER_PASSWORD, ...) fail
before any command runs when they are unset. Use "pie targets" to list the
catalog.`,
		Example: `  # Install requirements
  pie run requirements

  # Run tests, quality and PII checks, two at a time
  pie run -j 2 validate

  # Show the docker push pipeline without running it
  TRAVIS_COMMIT=abc123 pie run -n travis_docker_push`,
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

			run, err := runTargets(ctx, a, catalog, args, flags)
			if run != nil {
				printRunSummary(cmd, run)
			}
			return err
		},
	}

	flags.register(cmd)
	return cmd
}

// runTargets plans and executes targets from catalog.
func runTargets(ctx context.Context, a *app, catalog engine.Catalog, targets []string, flags runFlags) (*engine.Run, error) {
	plan, err := engine.NewDAGBuilder(catalog).BuildGraph(targets)
	if err != nil {
		return nil, err
	}

	log.Info().
		Strs("targets", targets).
		Strs("order", plan.Order).
		Int("jobs", flags.jobs).
		Bool("dry_run", flags.dryRun).
		Msg("Running targets")

	return a.scheduler().Execute(ctx, plan, engine.ExecuteOptions{
		Kind:      "run",
		Jobs:      flags.jobs,
		KeepGoing: flags.keepGoing,
		DryRun:    flags.dryRun,
		Retries:   flags.retries,
		LookupEnv: a.cfg.LookupEnv,
	})
}

func newTargetsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "targets",
		Short: "List the available targets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			catalog, err := offlineCatalog(cmd, cfg)
			if err != nil {
				return err
			}

			if jsonOutput {
				targets := make([]*engine.Target, 0, len(catalog))
				for _, name := range catalog.Names() {
					targets = append(targets, catalog[name])
				}
				return printJSON(cmd, targets)
			}

			rows := [][]string{{"TARGET", "PREREQUISITES", "DESCRIPTION"}}
			for _, name := range catalog.Names() {
				t := catalog[name]
				rows = append(rows, []string{name, strings.Join(t.Prerequisites, " "), t.Description})
			}
			return printTable(cmd, rows)
		},
	}
}

func newGraphCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "graph [TARGET...]",
		Short: "Print the target graph in DOT format",
		Example: `  pie graph validate | dot -Tsvg > validate.svg`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			catalog, err := offlineCatalog(cmd, cfg)
			if err != nil {
				return err
			}

			builder := engine.NewDAGBuilder(catalog)
			if _, err := builder.BuildGraph(args); err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), builder.ToDOT())
			return nil
		},
	}
}

func newSelfcheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "selfcheck",
		Short: "Check that every target resolves",
		Long:  `Check that every prerequisite exists and the target graph has no cycle.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			catalog, err := offlineCatalog(cmd, cfg)
			if err != nil {
				return err
			}
			return tasks.SelfCheck(catalog, cmd.OutOrStdout())
		},
	}
}
