package devstack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openedx/pie/pkg/config"
	"github.com/openedx/pie/pkg/engine"
	"github.com/openedx/pie/pkg/policy"
	"github.com/openedx/pie/pkg/stores"
	"github.com/openedx/pie/pkg/transports"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner records command lines and fails those matching a substring.
type fakeRunner struct {
	mu          sync.Mutex
	lines       []string
	stdin       []string
	fail        map[string]error
	notReadyFor int
	readyChecks int
	onAttempt   func(n int)
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{fail: make(map[string]error)}
}

func (f *fakeRunner) Run(_ context.Context, cmd transports.Command) (*transports.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	line := cmd.String()
	if strings.Contains(strings.Join(cmd.Args, " "), dbReadyQuery) {
		f.readyChecks++
		if f.onAttempt != nil {
			f.onAttempt(f.readyChecks)
		}
		if f.readyChecks <= f.notReadyFor {
			return &transports.Result{ExitCode: 1}, &transports.TransportError{Op: "exec", ExitCode: 1, Err: errors.New("exit status 1")}
		}
		return &transports.Result{Stdout: "1"}, nil
	}

	f.lines = append(f.lines, line)
	if cmd.Stdin != "" {
		f.stdin = append(f.stdin, cmd.Stdin)
	}
	for substr, err := range f.fail {
		if strings.Contains(line, substr) {
			return &transports.Result{ExitCode: 2}, err
		}
	}
	return &transports.Result{}, nil
}

func (f *fakeRunner) executed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

type fakeStore struct {
	apps  []*stores.OAuthApplication
	audit []*stores.AuditEntry
}

func (s *fakeStore) UpsertApplications(_ context.Context, apps []*stores.OAuthApplication) error {
	s.apps = append(s.apps, apps...)
	return nil
}

func (s *fakeStore) CreateAuditEntry(_ context.Context, entry *stores.AuditEntry) error {
	s.audit = append(s.audit, entry)
	return nil
}

type attemptCounter struct {
	ready, notReady int
}

func (c *attemptCounter) RecordDBWaitAttempt(ready bool) {
	if ready {
		c.ready++
	} else {
		c.notReady++
	}
}

func testSettings() Settings {
	s := SettingsFromConfig(config.Default())
	s.PollInterval = time.Millisecond
	return s
}

func TestSettingsCommands(t *testing.T) {
	s := testSettings()

	tests := []struct {
		name string
		cmd  *transports.Command
		want string
	}{
		{"compose up", s.ComposeUp(false), "docker-compose up -d"},
		{"compose up build", s.ComposeUp(true), "docker-compose up -d --build"},
		{"create database", s.CreateDatabase(), `docker exec -i program_intent_engagement.db mysql -u root -se 'CREATE DATABASE IF NOT EXISTS program_intent_engagement;'`},
		{"migrate", s.Migrate(), `docker exec -t program_intent_engagement.app bash -c 'cd /edx/app/program_intent_engagement/ && make migrate'`},
		{"restart", s.Restart(), "docker-compose restart app"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cmd.String())
		})
	}
}

func TestSettingsComposeFile(t *testing.T) {
	s := testSettings()
	s.ComposeFile = "docker-compose.devstack.yml"
	cmd := s.Restart()
	assert.Equal(t, "docker-compose -f docker-compose.devstack.yml restart app", cmd.String())
	assert.Equal(t, "cd . && docker-compose -f docker-compose.devstack.yml restart app", cmd.ShellLine())
}

func TestSettingsLMSCommands(t *testing.T) {
	s := testSettings()

	worker := s.ManageWorker().String()
	assert.Contains(t, worker, "docker exec -t edx.devstack.lms bash -c")
	assert.Contains(t, worker, "source /edx/app/edxapp/edxapp_env")
	assert.Contains(t, worker, "--settings=devstack_docker manage_user program_intent_engagement_worker program_intent_engagement_worker@example.com --staff --superuser")

	apps := NewProvisioner(s, newFakeRunner()).Applications()
	cmd := s.RegisterApplication(apps[0])
	assert.Contains(t, cmd.ShellLine(), "create_dot_application")
	assert.Contains(t, cmd.ShellLine(), "program-intent-engagement-sso-secret")
	assert.NotContains(t, cmd.String(), "program-intent-engagement-sso-secret")
	assert.Contains(t, cmd.String(), transports.Mask)
}

func TestSettingsCreateSuperuser(t *testing.T) {
	cmd := testSettings().CreateSuperuserCommand()

	assert.Equal(t, []string{"exec", "-i", "program_intent_engagement.app", "python", "/edx/app/program_intent_engagement/manage.py", "shell"}, cmd.Args)
	assert.Contains(t, cmd.Stdin, "filter(username='edx').exists()")
	assert.Contains(t, cmd.Stdin, "create_superuser('edx', 'edx@example.com', 'edx')")
}

func TestWaitForDB(t *testing.T) {
	runner := newFakeRunner()
	runner.notReadyFor = 3
	counter := &attemptCounter{}

	p := NewProvisioner(testSettings(), runner, WithMetrics(counter))
	require.NoError(t, p.WaitForDB(context.Background()))

	assert.Equal(t, 4, runner.readyChecks)
	assert.Equal(t, 3, counter.notReady)
	assert.Equal(t, 1, counter.ready)
}

func TestWaitForDBMaxAttempts(t *testing.T) {
	runner := newFakeRunner()
	runner.notReadyFor = 100

	s := testSettings()
	s.MaxAttempts = 3
	err := NewProvisioner(s, runner).WaitForDB(context.Background())

	require.Error(t, err)
	assert.Equal(t, engine.ErrCodeTimeout, engine.CodeOf(err))
	assert.Equal(t, 3, runner.readyChecks)
}

func TestWaitForDBCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner := newFakeRunner()
	runner.notReadyFor = 1 << 30
	runner.onAttempt = func(n int) {
		if n == 5 {
			cancel()
		}
	}

	err := NewProvisioner(testSettings(), runner).WaitForDB(ctx)
	require.Error(t, err)
	assert.Equal(t, engine.ErrCodeCancelled, engine.CodeOf(err))
	assert.GreaterOrEqual(t, runner.readyChecks, 5)
}

func TestWaitForDBReadyCheckCannotStart(t *testing.T) {
	calls := 0
	runner := transports.RunnerFunc(func(context.Context, transports.Command) (*transports.Result, error) {
		calls++
		return &transports.Result{ExitCode: -1}, &transports.TransportError{Op: "exec", ExitCode: -1, Err: errors.New("executable file not found")}
	})

	err := NewProvisioner(testSettings(), runner).WaitForDB(context.Background())
	require.Error(t, err)
	assert.Equal(t, engine.ErrCodeCommandFailed, engine.CodeOf(err))
	assert.Equal(t, 1, calls)
}

func TestProvision(t *testing.T) {
	runner := newFakeRunner()
	runner.notReadyFor = 2
	store := &fakeStore{}

	p := NewProvisioner(testSettings(), runner, WithStore(store), WithLogger(zerolog.Nop()))
	run, err := p.Provision(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, engine.RunStatusSucceeded, run.Status)
	assert.Equal(t, "provision", run.Kind)

	lines := runner.executed()
	require.Len(t, lines, 8)
	assert.Equal(t, "docker-compose up -d", lines[0])
	assert.Contains(t, lines[1], "CREATE DATABASE IF NOT EXISTS program_intent_engagement;")
	assert.Contains(t, lines[2], "make migrate")
	assert.Contains(t, lines[3], "manage.py shell")
	assert.Contains(t, lines[4], "manage_user")
	assert.Contains(t, lines[5], "program-intent-engagement-sso")
	assert.Contains(t, lines[6], "program-intent-engagement-backend-service")
	assert.Equal(t, "docker-compose restart app", lines[7])
	require.Len(t, runner.stdin, 1)

	require.Len(t, store.apps, 2)
	for _, app := range store.apps {
		require.NotNil(t, app.LastRunID)
		assert.Equal(t, run.ID, *app.LastRunID)
		assert.Len(t, app.SecretFingerprint, 16)
		assert.NotContains(t, app.SecretFingerprint, "secret")
	}
	assert.Equal(t, `["http://localhost:18781/complete/edx-oauth2/"]`, store.apps[0].RedirectURIs)
	assert.Equal(t, `[]`, store.apps[1].RedirectURIs)

	require.Len(t, store.audit, 1)
	assert.Equal(t, AuditActionRegistered, store.audit[0].Action)
	var details map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(*store.audit[0].Details), &details))
	assert.Equal(t, run.ID, details["run_id"])
}

func TestProvisionStopsOnFirstFailure(t *testing.T) {
	runner := newFakeRunner()
	runner.fail["make migrate"] = &transports.TransportError{Op: "exec", ExitCode: 2, Err: errors.New("exit status 2")}

	run, err := NewProvisioner(testSettings(), runner).Provision(context.Background(), Options{})
	require.Error(t, err)
	assert.Equal(t, engine.RunStatusFailed, run.Status)

	lines := runner.executed()
	require.Len(t, lines, 3)
	assert.Contains(t, lines[2], "make migrate")
}

func TestProvisionContinueOnError(t *testing.T) {
	runner := newFakeRunner()
	runner.fail["make migrate"] = &transports.TransportError{Op: "exec", ExitCode: 2, Err: errors.New("exit status 2")}
	out := &bytes.Buffer{}

	run, err := NewProvisioner(testSettings(), runner, WithOutput(out)).
		Provision(context.Background(), Options{ContinueOnError: true})
	require.NoError(t, err)

	assert.Len(t, runner.executed(), 8)
	assert.Contains(t, out.String(), "Error 2 (ignored)")

	steps := run.Results[TargetName].Steps
	var ignored int
	for _, s := range steps {
		if s.Ignored {
			ignored++
		}
	}
	assert.Equal(t, 1, ignored)
}

func TestProvisionDryRun(t *testing.T) {
	runner := newFakeRunner()
	out := &bytes.Buffer{}

	run, err := NewProvisioner(testSettings(), runner, WithOutput(out)).
		Provision(context.Background(), Options{DryRun: true, Build: true})
	require.NoError(t, err)
	assert.True(t, run.DryRun)

	assert.Empty(t, runner.executed())
	assert.Zero(t, runner.readyChecks)

	text := out.String()
	assert.Contains(t, text, "docker-compose up -d --build")
	assert.Contains(t, text, "# wait for program_intent_engagement.db")
	assert.Contains(t, text, "create_dot_application")
	assert.Contains(t, text, transports.Mask)
	assert.NotContains(t, text, "-sso-secret")
	assert.NotContains(t, text, "-backend-service-secret")
}

func TestProvisionSkipSuperuser(t *testing.T) {
	runner := newFakeRunner()

	_, err := NewProvisioner(testSettings(), runner).Provision(context.Background(), Options{SkipSuperuser: true})
	require.NoError(t, err)

	assert.Len(t, runner.executed(), 7)
	assert.Empty(t, runner.stdin)

	s := testSettings()
	s.CreateSuperuser = false
	target := NewProvisioner(s, newFakeRunner()).Target(Options{})
	for _, step := range target.Steps {
		assert.NotEqual(t, "create superuser edx", step.Description)
	}
}

func TestProvisionPolicyDenied(t *testing.T) {
	pe, err := policy.NewEngine(zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, pe.AddPolicies(context.Background(), []policy.Policy{{
		Name:     "no-devstack-port",
		Severity: policy.SeverityError,
		Enabled:  true,
		Rego: `package pie.test.port

deny contains msg if {
	input.service.port == 18781
	msg := {"message": "port 18781 is reserved", "application": input.application.name}
}
`,
	}}))

	runner := newFakeRunner()
	run, err := NewProvisioner(testSettings(), runner, WithPolicy(pe)).Provision(context.Background(), Options{})
	require.Error(t, err)
	assert.Nil(t, run)
	assert.Equal(t, engine.ErrCodePolicyDenied, engine.CodeOf(err))
	assert.Empty(t, runner.executed())
	assert.Zero(t, runner.readyChecks)
}

func TestTargetWithPolicy(t *testing.T) {
	pe, err := policy.NewEngine(zerolog.Nop())
	require.NoError(t, err)

	target := NewProvisioner(testSettings(), newFakeRunner(), WithPolicy(pe)).Target(Options{})
	require.NoError(t, target.Validate())
	assert.Equal(t, TargetName, target.Name)
	assert.Equal(t, "check OAuth application policy", target.Steps[0].Description)
	require.NoError(t, target.Steps[0].Action(context.Background()))
}
