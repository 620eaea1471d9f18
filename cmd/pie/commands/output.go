package commands

import (
	"encoding/json"
	"fmt"

	"github.com/openedx/pie/pkg/config"
	"github.com/openedx/pie/pkg/devstack"
	"github.com/openedx/pie/pkg/engine"
	"github.com/openedx/pie/pkg/tasks"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

// printRunSummary reports how a run ended.
func printRunSummary(cmd *cobra.Command, run *engine.Run) {
	if jsonOutput {
		_ = printJSON(cmd, run)
		return
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out)
	switch run.Status {
	case engine.RunStatusSucceeded:
		fmt.Fprintf(out, "✓ %s %s: %s\n", run.Kind, run.Status, run.Summary)
	default:
		fmt.Fprintf(out, "✗ %s %s: %s\n", run.Kind, run.Status, run.Summary)
	}
	if run.DryRun {
		fmt.Fprintln(out, "  (dry run, nothing was executed)")
	}
	fmt.Fprintf(out, "  run %s\n", run.ID)
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

// printTable renders rows with the first row as header.
func printTable(cmd *cobra.Command, rows [][]string) error {
	return pterm.DefaultTable.
		WithHasHeader().
		WithWriter(cmd.OutOrStdout()).
		WithData(pterm.TableData(rows)).
		Render()
}

// offlineCatalog builds the catalog for listing and checking. The
// dev.provision target is included but nothing can run.
func offlineCatalog(cmd *cobra.Command, cfg *config.Config) (engine.Catalog, error) {
	return tasks.NewCatalog(cfg, tasks.Options{
		Provisioner: devstack.NewProvisioner(devstack.SettingsFromConfig(cfg), nil),
		Out:         cmd.OutOrStdout(),
	})
}
