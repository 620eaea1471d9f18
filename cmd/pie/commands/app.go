package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/openedx/pie/pkg/config"
	"github.com/openedx/pie/pkg/devstack"
	"github.com/openedx/pie/pkg/engine"
	"github.com/openedx/pie/pkg/policy"
	"github.com/openedx/pie/pkg/stores"
	"github.com/openedx/pie/pkg/tasks"
	"github.com/openedx/pie/pkg/telemetry"
	"github.com/openedx/pie/pkg/transports"
	"github.com/openedx/pie/pkg/transports/local"
	"github.com/openedx/pie/pkg/transports/ssh"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// app holds what a command needs once the configuration is loaded.
type app struct {
	cmd *cobra.Command
	cfg *config.Config
	tel *telemetry.Telemetry

	store    *stores.SQLiteStore
	recorder *stores.Recorder
	runner   transports.Runner
	policy   *policy.Engine

	closers []func(context.Context) error
}

type appOptions struct {
	// store opens the ledger.
	store bool

	// runner connects the command runner.
	runner bool
}

// loadConfig reads the configuration with the command's flags bound.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(config.Options{Path: configPath, Flags: cmd.Flags()})
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.LogLevel = "debug"
	}
	return cfg, nil
}

// newApp loads the configuration and sets up telemetry and, on request,
// the store and the runner. Call close when done.
func newApp(cmd *cobra.Command, opts appOptions) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	a := &app{cmd: cmd, cfg: cfg}

	tel, err := telemetry.NewTelemetry(cfg.TelemetryConfig(cmd.Root().Version))
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}
	a.tel = tel
	log.Logger = *tel.Logger.Zerolog()
	a.closers = append(a.closers, tel.Shutdown)

	if err := tel.Metrics.StartMetricsServer(cmd.Context()); err != nil {
		a.close()
		return nil, err
	}

	if opts.store {
		if err := a.openStore(cmd.Context()); err != nil {
			a.close()
			return nil, err
		}
	}

	if opts.runner {
		if err := a.openRunner(); err != nil {
			a.close()
			return nil, err
		}
	}

	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	path := a.cfg.Store.Path
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return err
	}
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	// Events still queued for the recorder must land before the store closes.
	a.closers = append(a.closers, func(ctx context.Context) error {
		return errors.Join(a.tel.Events.Shutdown(ctx), store.Close())
	})

	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate store: %w", err)
	}

	a.store = store
	a.recorder = stores.NewRecorder(store)
	a.tel.Events.Subscribe("store", a.recorder.Publish, nil)
	return nil
}

func (a *app) openRunner() error {
	switch a.cfg.Transport.Kind {
	case "ssh":
		runner, err := ssh.NewRunner(a.cfg.SSH())
		if err != nil {
			return fmt.Errorf("failed to set up ssh transport: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return runner.Close() })
		a.runner = runner
	default:
		a.runner = local.NewRunner(a.cfg.Service.Dir, transports.Streams{
			Stdout: a.cmd.OutOrStdout(),
			Stderr: a.cmd.ErrOrStderr(),
			Stdin:  a.cmd.InOrStdin(),
		})
	}
	return nil
}

// policyEngine returns the policy engine with the configured extra
// policies, or nil when policies are disabled.
func (a *app) policyEngine(ctx context.Context) (*policy.Engine, error) {
	if !a.cfg.Policy.Enabled {
		return nil, nil
	}
	return a.loadPolicies(ctx)
}

// loadPolicies builds the policy engine whether or not policies are
// enabled for provisioning.
func (a *app) loadPolicies(ctx context.Context) (*policy.Engine, error) {
	if a.policy != nil {
		return a.policy, nil
	}

	e, err := policy.NewEngine(*a.tel.Logger.NewComponentLogger("policy").Zerolog())
	if err != nil {
		return nil, err
	}
	if err := e.LoadPolicies(ctx, a.cfg.Policy.Paths); err != nil {
		return nil, err
	}
	a.policy = e
	return e, nil
}

// scheduler returns a scheduler that echoes commands to the command's
// output and records runs in the store, if open.
func (a *app) scheduler() *engine.Scheduler {
	var recorder engine.RunRecorder
	if a.recorder != nil {
		recorder = a.recorder
	}
	return engine.NewScheduler(a.runner, a.tel, recorder).
		WithOutput(a.cmd.OutOrStdout()).
		WithInstrumenter(a.tel)
}

// provisioner builds the devstack provisioner with every available
// collaborator wired in.
func (a *app) provisioner(ctx context.Context) (*devstack.Provisioner, error) {
	pe, err := a.policyEngine(ctx)
	if err != nil {
		return nil, err
	}

	opts := []devstack.Option{
		devstack.WithLogger(*a.tel.Logger.NewComponentLogger("devstack").Zerolog()),
		devstack.WithMetrics(a.tel.Metrics),
		devstack.WithScheduler(a.scheduler()),
		devstack.WithOutput(a.cmd.OutOrStdout()),
	}
	if pe != nil {
		opts = append(opts, devstack.WithPolicy(pe))
	}
	if a.store != nil {
		opts = append(opts, devstack.WithStore(a.store))
	}
	if user := os.Getenv("USER"); user != "" {
		opts = append(opts, devstack.WithActor(user))
	}

	return devstack.NewProvisioner(devstack.SettingsFromConfig(a.cfg), a.runner, opts...), nil
}

// catalog builds the target catalog, including dev.provision.
func (a *app) catalog(ctx context.Context, provision devstack.Options) (engine.Catalog, error) {
	opts := tasks.Options{Provision: provision, Out: a.cmd.OutOrStdout()}
	if a.runner != nil {
		prov, err := a.provisioner(ctx)
		if err != nil {
			return nil, err
		}
		opts.Provisioner = prov
	} else {
		opts.Provisioner = devstack.NewProvisioner(devstack.SettingsFromConfig(a.cfg), nil)
	}
	return tasks.NewCatalog(a.cfg, opts)
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(a.cmd.Context()), 10*time.Second)
	defer cancel()

	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		log.Warn().Err(err).Msg("cleanup failed")
	}
}
