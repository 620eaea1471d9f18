package devstack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/openedx/pie/pkg/engine"
	"github.com/openedx/pie/pkg/oauth"
	"github.com/openedx/pie/pkg/policy"
	"github.com/openedx/pie/pkg/stores"
	"github.com/openedx/pie/pkg/transports"
	"github.com/rs/zerolog"
)

// TargetName is the catalog name of the provisioning target.
const TargetName = "dev.provision"

// AuditActionRegistered is recorded after the applications are registered.
const AuditActionRegistered = "oauth.registered"

// ApplicationStore records registered applications and the audit trail.
type ApplicationStore interface {
	UpsertApplications(ctx context.Context, apps []*stores.OAuthApplication) error
	CreateAuditEntry(ctx context.Context, entry *stores.AuditEntry) error
}

// AttemptRecorder counts database readiness checks.
type AttemptRecorder interface {
	RecordDBWaitAttempt(ready bool)
}

// Options control a single provisioning run.
type Options struct {
	// ContinueOnError records failed commands and keeps going, the way the
	// bootstrap script behaves without `set -e`.
	ContinueOnError bool

	// DryRun prints the commands without executing them.
	DryRun bool

	// SkipSuperuser skips the edx superuser even when the config asks for it.
	SkipSuperuser bool

	// Build passes --build to docker-compose up.
	Build bool
}

// Provisioner bootstraps a devstack: containers, database, migrations,
// superuser, LMS worker and OAuth applications.
type Provisioner struct {
	settings  Settings
	runner    transports.Runner
	logger    zerolog.Logger
	store     ApplicationStore
	metrics   AttemptRecorder
	policy    *policy.Engine
	scheduler *engine.Scheduler
	out       io.Writer
	actor     string
}

// Option configures a Provisioner.
type Option func(*Provisioner)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Provisioner) { p.logger = logger }
}

// WithStore records applications and audit entries in store.
func WithStore(store ApplicationStore) Option {
	return func(p *Provisioner) { p.store = store }
}

// WithMetrics counts database readiness checks.
func WithMetrics(m AttemptRecorder) Option {
	return func(p *Provisioner) { p.metrics = m }
}

// WithPolicy checks the applications against the policy engine before
// anything runs.
func WithPolicy(e *policy.Engine) Option {
	return func(p *Provisioner) { p.policy = e }
}

// WithScheduler executes the provisioning plan on s instead of a private
// scheduler, so runs are recorded and instrumented like any other.
func WithScheduler(s *engine.Scheduler) Option {
	return func(p *Provisioner) { p.scheduler = s }
}

// WithOutput echoes commands to w when the provisioner owns its scheduler.
func WithOutput(w io.Writer) Option {
	return func(p *Provisioner) { p.out = w }
}

// WithActor names who is recorded in the audit trail.
func WithActor(actor string) Option {
	return func(p *Provisioner) { p.actor = actor }
}

// NewProvisioner creates a provisioner that runs commands through runner.
func NewProvisioner(settings Settings, runner transports.Runner, opts ...Option) *Provisioner {
	p := &Provisioner{
		settings: settings,
		runner:   runner,
		logger:   zerolog.Nop(),
		out:      io.Discard,
		actor:    "pie",
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.settings.PollInterval <= 0 {
		p.settings.PollInterval = time.Second
	}
	return p
}

// Settings returns the provisioner's settings.
func (p *Provisioner) Settings() Settings {
	return p.settings
}

// Applications returns the DOT applications this devstack registers.
func (p *Provisioner) Applications() []*oauth.Application {
	return oauth.DevstackApplications(p.settings.Service)
}

// Check validates the applications and evaluates the policy engine, if any.
// It runs no commands.
func (p *Provisioner) Check(ctx context.Context) (*policy.Result, error) {
	apps := p.Applications()
	for _, app := range apps {
		if err := app.Validate(); err != nil {
			return nil, engine.NewPermanentError("invalid OAuth application", err).
				WithCode(engine.ErrCodeValidation).
				WithOperation("provision.check")
		}
	}
	if p.policy == nil {
		return &policy.Result{Allowed: true, EvaluatedAt: time.Now()}, nil
	}
	return p.policy.Check(ctx, p.settings.Service, apps)
}

// Target returns the provisioning target. When a policy engine is set the
// first step checks it.
func (p *Provisioner) Target(opts Options) *engine.Target {
	return p.target(opts, p.policy != nil)
}

func (p *Provisioner) target(opts Options, withPolicy bool) *engine.Target {
	s := p.settings
	ignore := opts.ContinueOnError

	var steps []engine.Step
	if withPolicy {
		steps = append(steps, engine.Step{
			Description: "check OAuth application policy",
			Action: func(ctx context.Context) error {
				_, err := p.Check(ctx)
				return err
			},
		})
	}

	steps = append(steps,
		engine.Step{Description: "start containers", Command: s.ComposeUp(opts.Build || s.Build), IgnoreError: ignore},
		engine.Step{
			// The remaining steps need the database, so this one is never ignored.
			Description: fmt.Sprintf("wait for %s: %s", s.DBContainer, s.DBReadyCheck()),
			Action:      p.WaitForDB,
		},
		engine.Step{Description: "create database " + s.Service.Name, Command: s.CreateDatabase(), IgnoreError: ignore},
		engine.Step{Description: "run migrations", Command: s.Migrate(), IgnoreError: ignore},
	)

	if s.CreateSuperuser && !opts.SkipSuperuser {
		steps = append(steps, engine.Step{Description: "create superuser edx", Command: s.CreateSuperuserCommand(), IgnoreError: ignore})
	}

	steps = append(steps, engine.Step{
		Description: "create LMS user " + s.Service.WorkerUser(),
		Command:     s.ManageWorker(),
		IgnoreError: ignore,
	})

	apps := p.Applications()
	for _, app := range apps {
		steps = append(steps, engine.Step{
			Description: "register OAuth application " + app.Name,
			Command:     s.RegisterApplication(app),
			IgnoreError: ignore,
		})
	}

	if p.store != nil {
		steps = append(steps, engine.Step{
			Description: "record OAuth applications",
			Action:      p.recordApplications(apps),
			IgnoreError: ignore,
		})
	}

	steps = append(steps, engine.Step{Description: "restart app container", Command: s.Restart(), IgnoreError: ignore})

	return &engine.Target{
		Name:        TargetName,
		Description: fmt.Sprintf("Provision the %s devstack (database, migrations, LMS OAuth clients)", s.Service.Name),
		Steps:       steps,
		Runner:      p.runner,
	}
}

// Provision checks policy, then runs the provisioning target to completion.
func (p *Provisioner) Provision(ctx context.Context, opts Options) (*engine.Run, error) {
	result, err := p.Check(ctx)
	if err != nil {
		return nil, err
	}

	p.logger.Info().
		Str("service", p.settings.Service.Name).
		Int("policies", len(result.EvaluatedPolicies)).
		Int("violations", len(result.Violations)).
		Bool("dry_run", opts.DryRun).
		Msg("provisioning devstack")

	catalog, err := engine.NewCatalog(p.target(opts, false))
	if err != nil {
		return nil, err
	}
	plan, err := engine.NewDAGBuilder(catalog).BuildGraph([]string{TargetName})
	if err != nil {
		return nil, err
	}

	scheduler := p.scheduler
	if scheduler == nil {
		scheduler = engine.NewScheduler(p.runner, nil, nil).WithOutput(p.out)
	}

	run, err := scheduler.Execute(ctx, plan, engine.ExecuteOptions{
		Kind:   "provision",
		DryRun: opts.DryRun,
	})
	if err != nil {
		p.logger.Error().Err(err).Msg("provisioning failed")
		return run, err
	}

	p.logger.Info().Str("run_id", run.ID).Str("status", string(run.Status)).Msg("devstack provisioned")
	return run, nil
}

// WaitForDB polls the database container until it answers the readiness
// query. It gives up only when the context is done or MaxAttempts is
// reached.
func (p *Provisioner) WaitForDB(ctx context.Context) error {
	check := p.settings.DBReadyCheck()
	attempts := 0

	opts := []backoff.RetryOption{
		backoff.WithBackOff(backoff.NewConstantBackOff(p.settings.PollInterval)),
		backoff.WithMaxElapsedTime(0),
	}
	if p.settings.MaxAttempts > 0 {
		opts = append(opts, backoff.WithMaxTries(uint(p.settings.MaxAttempts)))
	}

	_, err := backoff.Retry(ctx, func() (*transports.Result, error) {
		attempts++
		res, err := p.runner.Run(ctx, *check)
		ready := err == nil
		if p.metrics != nil {
			p.metrics.RecordDBWaitAttempt(ready)
		}
		p.logger.Debug().
			Str("container", p.settings.DBContainer).
			Int("attempt", attempts).
			Bool("ready", ready).
			Err(err).
			Msg("database readiness check")
		if err != nil && !readyCheckRetryable(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}, opts...)

	switch {
	case err == nil:
		p.logger.Info().Str("container", p.settings.DBContainer).Int("attempts", attempts).Msg("database is ready")
		return nil
	case ctx.Err() != nil:
		return engine.NewPermanentError("stopped waiting for the database", ctx.Err()).
			WithCode(engine.ErrCodeCancelled).
			WithOperation("devstack.wait_db").
			WithDetail("attempts", attempts)
	case !readyCheckRetryable(err):
		return engine.NewPermanentError("database readiness check could not run", err).
			WithCode(engine.ErrCodeCommandFailed).
			WithOperation("devstack.wait_db")
	default:
		return engine.NewTransientError(fmt.Sprintf("database %s not ready after %d attempts", p.settings.DBContainer, attempts), err).
			WithCode(engine.ErrCodeTimeout).
			WithOperation("devstack.wait_db").
			WithDetail("attempts", attempts)
	}
}

// readyCheckRetryable is false when the readiness check itself could not start,
// e.g. docker is not installed.
func readyCheckRetryable(err error) bool {
	var te *transports.TransportError
	if errors.As(err, &te) && te.ExitCode < 0 && !te.Temporary() {
		return false
	}
	return true
}

func (p *Provisioner) recordApplications(apps []*oauth.Application) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		runID := engine.RunIDFromContext(ctx)

		records := make([]*stores.OAuthApplication, 0, len(apps))
		names := make([]string, 0, len(apps))
		for _, app := range apps {
			rec, err := applicationRecord(app, runID)
			if err != nil {
				return err
			}
			records = append(records, rec)
			names = append(names, app.Name)
		}

		if err := p.store.UpsertApplications(ctx, records); err != nil {
			return fmt.Errorf("failed to record applications: %w", err)
		}

		details, err := json.Marshal(map[string]interface{}{
			"run_id":       runID,
			"applications": names,
			"user":         p.settings.Service.WorkerUser(),
		})
		if err != nil {
			return fmt.Errorf("failed to encode audit details: %w", err)
		}
		service := p.settings.Service.Name
		detailStr := string(details)
		if err := p.store.CreateAuditEntry(ctx, &stores.AuditEntry{
			Action:   AuditActionRegistered,
			Actor:    p.actor,
			TargetID: &service,
			Details:  &detailStr,
		}); err != nil {
			return fmt.Errorf("failed to audit application registration: %w", err)
		}
		return nil
	}
}

// applicationRecord converts app for the ledger. Only the secret's
// fingerprint is kept.
func applicationRecord(app *oauth.Application, runID string) (*stores.OAuthApplication, error) {
	redirects, err := jsonList(app.RedirectURIs)
	if err != nil {
		return nil, err
	}
	scopes, err := jsonList(app.Scopes)
	if err != nil {
		return nil, err
	}

	rec := &stores.OAuthApplication{
		Name:              app.Name,
		ClientID:          app.ClientID,
		SecretFingerprint: app.Fingerprint(),
		GrantType:         string(app.GrantType),
		RedirectURIs:      redirects,
		Scopes:            scopes,
		SkipAuthorization: app.SkipAuthorization,
		User:              app.User,
	}
	if runID != "" {
		rec.LastRunID = &runID
	}
	return rec, nil
}

func jsonList(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	b, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("failed to encode %v: %w", values, err)
	}
	return string(b), nil
}
