package commands

import (
	"context"
	"fmt"

	"github.com/openedx/pie/pkg/oauth"
	"github.com/openedx/pie/pkg/policy"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Check the OAuth applications against the policies",
	}

	cmd.AddCommand(newPolicyCheckCommand())
	cmd.AddCommand(newPolicyListCommand())
	return cmd
}

func newPolicyCheckCommand() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Evaluate the policies against the devstack applications",
		Long: `Evaluate the built-in policies and those under policy.paths against the
OAuth applications provisioning would register. Exits non-zero on any
blocking violation.

With --watch the policies are reloaded and evaluated again whenever a .rego
file under policy.paths changes.`,
		Example: `  pie policy check
  pie policy check -c pie.yaml --watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			e, err := a.loadPolicies(ctx)
			if err != nil {
				return err
			}
			if !a.cfg.Policy.Enabled {
				log.Warn().Msg("Policies are disabled; provisioning will not check them")
			}

			svc := a.cfg.OAuthService()
			apps := oauth.DevstackApplications(svc)
			if !watch {
				return checkPolicies(ctx, cmd, e, svc, apps)
			}

			loader := policy.NewLoader(*a.tel.Logger.NewComponentLogger("policy").Zerolog())
			err = loader.Watch(ctx, a.cfg.Policy.Paths, func(policies []policy.Policy) error {
				if err := e.ReloadPolicies(ctx, policies); err != nil {
					return err
				}
				if err := checkPolicies(ctx, cmd, e, svc, apps); err != nil {
					log.Error().Err(err).Msg("Policy check failed")
				}
				return nil
			})
			if err != nil {
				return err
			}
			defer loader.StopWatching()

			if err := checkPolicies(ctx, cmd, e, svc, apps); err != nil {
				log.Error().Err(err).Msg("Policy check failed")
			}
			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "re-check when policy files change")
	return cmd
}

func checkPolicies(ctx context.Context, cmd *cobra.Command, e *policy.Engine, svc oauth.Service, apps []*oauth.Application) error {
	result, checkErr := e.Check(ctx, svc, apps)
	if result == nil {
		return checkErr
	}

	if jsonOutput {
		if err := printJSON(cmd, result); err != nil {
			return err
		}
		return checkErr
	}

	out := cmd.OutOrStdout()
	for _, v := range result.Violations {
		fmt.Fprintf(out, "✗ [%s] %s: %s (%s)\n", v.Severity, v.Policy, v.Message, v.Application)
	}
	if result.Allowed {
		fmt.Fprintf(out, "✓ %d application(s) pass %d policies\n", len(apps), len(result.EvaluatedPolicies))
	}
	return checkErr
}

func newPolicyListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the loaded policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			e, err := a.loadPolicies(cmd.Context())
			if err != nil {
				return err
			}

			policies := e.ListPolicies()
			if jsonOutput {
				return printJSON(cmd, policies)
			}

			rows := [][]string{{"NAME", "SEVERITY", "ENABLED", "SOURCE", "DESCRIPTION"}}
			for _, p := range policies {
				source := p.Source
				if source == "" {
					source = "built-in"
				}
				rows = append(rows, []string{p.Name, string(p.Severity), fmt.Sprint(p.Enabled), source, p.Description})
			}
			return printTable(cmd, rows)
		},
	}
}
