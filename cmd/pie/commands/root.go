package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pie",
		Short: "pie - build and devstack tooling for Open edX services",
		Long: `pie runs the build, quality, translation and docker targets of an Open edX
service repository, and provisions its devstack.

Features:
  - make-style targets with prerequisites, -j and -k
  - devstack bootstrap: database, migrations, superuser, LMS OAuth clients
  - policy checks on the OAuth applications before anything runs
  - a SQLite ledger of runs, steps and registered applications
  - local or SSH execution`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default ./pie.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newProvisionCommand())
	rootCmd.AddCommand(newWaitDBCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newTargetsCommand())
	rootCmd.AddCommand(newGraphCommand())
	rootCmd.AddCommand(newSelfcheckCommand())
	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(newOAuthCommand())
	rootCmd.AddCommand(newPolicyCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newConfigCommand())

	rootCmd.SetVersionTemplate("pie {{.Version}}\n")
	return rootCmd
}
