package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openedx/pie/pkg/engine"
	"github.com/openedx/pie/pkg/oauth"
	"github.com/openedx/pie/pkg/stores"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newOAuthCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "oauth",
		Short: "Inspect the devstack OAuth applications",
	}

	cmd.AddCommand(newOAuthListCommand())
	cmd.AddCommand(newOAuthVerifyCommand())
	return cmd
}

func newOAuthListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the applications recorded by provisioning",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, appOptions{store: true})
			if err != nil {
				return err
			}
			defer a.close()

			apps, err := a.store.ListApplications(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd, apps)
			}
			if len(apps) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No applications recorded. Run `pie provision` first.")
				return nil
			}

			rows := [][]string{{"NAME", "CLIENT ID", "GRANT", "REDIRECT URIS", "USER", "UPDATED"}}
			for _, app := range apps {
				rows = append(rows, []string{
					app.Name,
					app.ClientID,
					app.GrantType,
					joinJSONList(app.RedirectURIs),
					app.User,
					app.UpdatedAt.Local().Format(time.DateTime),
				})
			}
			return printTable(cmd, rows)
		},
	}
}

func newOAuthVerifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify [NAME...]",
		Short: "Check the applications against the running LMS",
		Long: `Check that the devstack applications work against the LMS.

Client-credentials applications must obtain a token from the LMS token
endpoint. Authorization-code applications must produce an authorize URL
carrying their registered redirect URI, and the LMS must answer it with a
login redirect or consent page. Rate-limited requests are retried. Without
names, every devstack application is verified.`,
		Example: `  pie oauth verify
  pie oauth verify program-intent-engagement-backend-service`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, appOptions{store: true})
			if err != nil {
				return err
			}
			defer a.close()

			verifier, err := oauth.NewVerifier(a.cfg.LMS.URL, oauth.WithTokenType(a.cfg.LMS.TokenType))
			if err != nil {
				return err
			}

			apps, err := selectApplications(oauth.DevstackApplications(a.cfg.OAuthService()), args)
			if err != nil {
				return err
			}

			// Recorded fingerprints catch secrets that changed since provisioning.
			for _, app := range apps {
				rec, err := a.store.GetApplication(cmd.Context(), app.Name)
				switch {
				case errors.Is(err, stores.ErrNotFound):
					log.Warn().Str("application", app.Name).Msg("Application not recorded; was the devstack provisioned?")
				case err != nil:
					return err
				case rec.SecretFingerprint != app.Fingerprint():
					log.Warn().Str("application", app.Name).Msg("Client secret differs from the one recorded at provisioning")
				}
			}

			var (
				results []*oauth.Verification
				failed  []string
			)
			out := cmd.OutOrStdout()
			for _, app := range apps {
				v, err := verifier.Verify(cmd.Context(), app)
				if err != nil {
					failed = append(failed, app.Name)
					if !jsonOutput {
						fmt.Fprintf(out, "✗ %s: %v\n", app.Name, err)
					}
					if engine.IsConflict(err) {
						log.Warn().Str("application", app.Name).Msg("The LMS holds different credentials; re-run `pie provision`")
					}
					continue
				}
				results = append(results, v)
				if jsonOutput {
					continue
				}
				switch v.GrantType {
				case oauth.GrantClientCredentials:
					fmt.Fprintf(out, "✓ %s: %s token, expires %s\n", v.Application, v.TokenType, v.Expiry.Local().Format(time.DateTime))
				default:
					fmt.Fprintf(out, "✓ %s: %s (HTTP %d)\n", v.Application, v.AuthorizeURL, v.AuthorizeStatus)
				}
			}

			if jsonOutput {
				if err := printJSON(cmd, results); err != nil {
					return err
				}
			}
			if len(failed) > 0 {
				return engine.NewPermanentError(
					fmt.Sprintf("%d application(s) failed verification: %s", len(failed), strings.Join(failed, ", ")), nil).
					WithCode(engine.ErrCodeCommandFailed)
			}
			return nil
		},
	}
}

// selectApplications picks apps by name, keeping all when names is empty.
func selectApplications(apps []*oauth.Application, names []string) ([]*oauth.Application, error) {
	if len(names) == 0 {
		return apps, nil
	}

	byName := make(map[string]*oauth.Application, len(apps))
	for _, app := range apps {
		byName[app.Name] = app
	}

	selected := make([]*oauth.Application, 0, len(names))
	for _, name := range names {
		app, ok := byName[name]
		if !ok {
			return nil, engine.NewPermanentError(fmt.Sprintf("unknown application %q", name), nil).
				WithCode(engine.ErrCodeNotFound)
		}
		selected = append(selected, app)
	}
	return selected, nil
}

func joinJSONList(s string) string {
	var items []string
	if err := json.Unmarshal([]byte(s), &items); err != nil {
		return s
	}
	return strings.Join(items, " ")
}
