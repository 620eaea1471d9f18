package commands

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/openedx/pie/pkg/stores"
	"github.com/spf13/cobra"
)

func newHistoryCommand() *cobra.Command {
	var (
		limit int
		kind  string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent runs",
		Example: `  pie history
  pie history --kind provision --limit 5
  pie history show 0d5c3a9e-...`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, appOptions{store: true})
			if err != nil {
				return err
			}
			defer a.close()

			var kindFilter *string
			if kind != "" {
				kindFilter = &kind
			}
			runs, err := a.store.ListRuns(cmd.Context(), kindFilter, limit, 0)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd, runs)
			}
			if len(runs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded yet.")
				return nil
			}

			rows := [][]string{{"RUN", "KIND", "TARGETS", "STATUS", "STARTED", "DURATION"}}
			for _, run := range runs {
				status := run.Status
				if run.DryRun {
					status += " (dry run)"
				}
				rows = append(rows, []string{
					run.ID,
					run.Kind,
					joinJSONList(run.Targets),
					status,
					run.StartedAt.Local().Format(time.DateTime),
					(time.Duration(run.DurationMS) * time.Millisecond).String(),
				})
			}
			return printTable(cmd, rows)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to show")
	cmd.Flags().StringVar(&kind, "kind", "", "only show runs of this kind (run or provision)")

	cmd.AddCommand(newHistoryShowCommand())
	return cmd
}

func newHistoryShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show RUN_ID",
		Short: "Show the steps of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, appOptions{store: true})
			if err != nil {
				return err
			}
			defer a.close()

			run, err := a.store.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			steps, err := a.store.ListStepResults(cmd.Context(), run.ID)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(cmd, struct {
					Run   *stores.Run          `json:"run"`
					Steps []*stores.StepResult `json:"steps"`
				}{run, steps})
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Run:     %s\n", run.ID)
			fmt.Fprintf(out, "Kind:    %s\n", run.Kind)
			fmt.Fprintf(out, "Targets: %s\n", joinJSONList(run.Targets))
			fmt.Fprintf(out, "Status:  %s\n", run.Status)
			fmt.Fprintf(out, "Started: %s\n", run.StartedAt.Local().Format(time.DateTime))
			if summary := formatSummary(run.Summary); summary != "" {
				fmt.Fprintf(out, "Summary: %s\n", summary)
			}
			if run.Error != nil {
				fmt.Fprintf(out, "Error:   %s\n", *run.Error)
			}
			fmt.Fprintln(out)

			rows := [][]string{{"TARGET", "#", "STATUS", "EXIT", "TRIES", "COMMAND"}}
			for _, s := range steps {
				status := s.Status
				if s.Ignored {
					status += " (ignored)"
				}
				command := s.Command
				if command == "" {
					command = "# " + s.Description
				}
				rows = append(rows, []string{
					s.Target,
					fmt.Sprint(s.StepIndex),
					status,
					fmt.Sprint(s.ExitCode),
					fmt.Sprint(s.Attempts),
					command,
				})
			}
			return printTable(cmd, rows)
		},
	}
}

// formatSummary renders a stored summary blob as "key=n" pairs.
func formatSummary(blob string) string {
	var counts map[string]int
	if err := json.Unmarshal([]byte(blob), &counts); err != nil {
		return blob
	}

	var parts []string
	for _, key := range []string{"total", "succeeded", "failed", "skipped", "cancelled"} {
		if n := counts[key]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", key, n))
		}
	}
	return strings.Join(parts, " ")
}
