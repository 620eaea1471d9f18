package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "program_intent_engagement", cfg.Service.Name)
	assert.Equal(t, 18781, cfg.Service.Port)
	assert.Equal(t, "program_intent_engagement", cfg.Service.Package)
	assert.Equal(t, "program_intent_engagement.db", cfg.Devstack.DBContainer)
	assert.Equal(t, "program_intent_engagement.app", cfg.Devstack.AppContainer)
	assert.Equal(t, "edx.devstack.lms", cfg.Devstack.LMSContainer)
	assert.Equal(t, "/edx/app/program_intent_engagement", cfg.Devstack.AppRoot)
	assert.Equal(t, time.Second, cfg.Devstack.PollInterval)
	assert.Zero(t, cfg.Devstack.MaxAttempts)
	assert.True(t, cfg.Devstack.CreateSuperuser)
	assert.Equal(t, "http://localhost:18000", cfg.LMS.URL)
	assert.Equal(t, "devstack_docker", cfg.LMS.Settings)
	assert.Equal(t, "openedx/program-intent-engagement", cfg.Docker.Image)
	assert.Equal(t, "local", cfg.Transport.Kind)
	assert.True(t, cfg.Policy.Enabled)

	require.NoError(t, cfg.Validate())
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "pie.yaml", `
service:
  name: credentials
  port: 18150
devstack:
  poll_interval: 2s
  max_attempts: 5
  create_superuser: false
`)

	cfg, err := Load(Options{Path: path})
	require.NoError(t, err)

	assert.Equal(t, "credentials", cfg.Service.Name)
	assert.Equal(t, 18150, cfg.Service.Port)
	assert.Equal(t, 2*time.Second, cfg.Devstack.PollInterval)
	assert.Equal(t, 5, cfg.Devstack.MaxAttempts)
	assert.False(t, cfg.Devstack.CreateSuperuser)
	assert.Equal(t, "credentials.db", cfg.Devstack.DBContainer)
	assert.Equal(t, "openedx/credentials", cfg.Docker.Image)
	assert.Equal(t, "credentials", cfg.OAuthService().Name)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PIE_SERVICE_PORT", "18999")
	t.Setenv("PIE_DEVSTACK_MAX_ATTEMPTS", "3")
	t.Setenv("PIE_LMS_URL", "http://lms.devstack:18000")

	path := writeConfig(t, "pie.yaml", "service:\n  port: 18150\n")

	cfg, err := Load(Options{Path: path})
	require.NoError(t, err)

	assert.Equal(t, 18999, cfg.Service.Port)
	assert.Equal(t, 3, cfg.Devstack.MaxAttempts)
	assert.Equal(t, "http://lms.devstack:18000", cfg.LMS.URL)
}

func TestLoadCIEnvironment(t *testing.T) {
	t.Setenv("TRAVIS_COMMIT", "abc123")
	t.Setenv("DOCKER_USERNAME", "bot")
	t.Setenv("DOCKER_PASSWORD", "s3cret")
	t.Setenv("GITHUB_SHA", "")

	cfg, err := Load(Options{Path: writeConfig(t, "pie.yaml", "{}\n")})
	require.NoError(t, err)

	assert.Equal(t, "abc123", cfg.CI.TravisCommit)
	assert.Equal(t, "bot", cfg.CI.DockerUsername)

	v, ok := cfg.LookupEnv("DOCKER_PASSWORD")
	assert.True(t, ok)
	assert.Equal(t, "s3cret", v)

	_, ok = cfg.LookupEnv("GITHUB_SHA")
	assert.False(t, ok, "empty CI variables count as unset")

	t.Setenv("SOME_OTHER_VAR", "x")
	v, ok = cfg.LookupEnv("SOME_OTHER_VAR")
	assert.True(t, ok)
	assert.Equal(t, "x", v)
}

func TestLoadCUE(t *testing.T) {
	path := writeConfig(t, "pie.cue", `
service: {
	name: "credentials"
	port: 18150
}
devstack: {
	poll_interval: "500ms"
	max_attempts:  10 * 2
}
`)

	cfg, err := Load(Options{Path: path})
	require.NoError(t, err)

	assert.Equal(t, "credentials", cfg.Service.Name)
	assert.Equal(t, 500*time.Millisecond, cfg.Devstack.PollInterval)
	assert.Equal(t, 20, cfg.Devstack.MaxAttempts)
}

func TestLoadCUEConflict(t *testing.T) {
	path := writeConfig(t, "pie.cue", "service: port: 18150\nservice: port: 18151\n")

	_, err := Load(Options{Path: path})
	require.ErrorIs(t, err, ErrInvalidConfig)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	require.NotEmpty(t, verr.Errors)
	assert.Equal(t, path, verr.Errors[0].File)
	assert.Positive(t, verr.Errors[0].Line)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(Options{Path: filepath.Join(t.TempDir(), "missing.yaml")})
	require.Error(t, err)
}

func TestLoadFlags(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("devstack.max-attempts", 0, "")
	flags.Bool("dry-run", false, "")
	require.NoError(t, flags.Parse([]string{"--devstack.max-attempts=7", "--dry-run"}))

	cfg, err := Load(Options{Path: writeConfig(t, "pie.yaml", "devstack:\n  max_attempts: 2\n"), Flags: flags})
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Devstack.MaxAttempts)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		path   string
	}{
		{name: "port out of range", mutate: func(c *Config) { c.Service.Port = 70000 }, path: "Service.Port"},
		{name: "unknown transport", mutate: func(c *Config) { c.Transport.Kind = "telnet" }, path: "Transport.Kind"},
		{name: "lms url", mutate: func(c *Config) { c.LMS.URL = "not a url" }, path: "LMS.URL"},
		{name: "zero poll interval", mutate: func(c *Config) { c.Devstack.PollInterval = 0 }, path: "Devstack.PollInterval"},
		{name: "ssh without host", mutate: func(c *Config) { c.Transport.Kind = "ssh"; c.Transport.SSH.User = "edx" }, path: "transport.ssh.host"},
		{name: "log format", mutate: func(c *Config) { c.Telemetry.LogFormat = "xml" }, path: "Telemetry.LogFormat"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.ErrorIs(t, err, ErrInvalidConfig)

			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			paths := make([]string, 0, len(verr.Errors))
			for _, fe := range verr.Errors {
				paths = append(paths, fe.Path)
			}
			assert.Contains(t, paths, tt.path)
		})
	}
}

func TestValidateSchema(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "service name pattern", mutate: func(c *Config) { c.Service.Name = "Program-Intent" }},
		{name: "privileged port", mutate: func(c *Config) { c.Service.Port = 80 }},
		{name: "relative app root", mutate: func(c *Config) { c.Devstack.AppRoot = "edx/app" }},
		{name: "otlp without endpoint", mutate: func(c *Config) { c.Telemetry.TracingExporter = "otlp" }},
		{name: "image with uppercase", mutate: func(c *Config) { c.Docker.Image = "OpenEdx/App" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}

	cfg := Default()
	cfg.Telemetry.TracingExporter = "otlp"
	cfg.Telemetry.TracingEndpoint = "localhost:4317"
	require.NoError(t, cfg.Validate())
}

func TestWriteAndReload(t *testing.T) {
	cfg := Default()
	cfg.Service.Port = 18999
	cfg.Devstack.MaxAttempts = 30
	cfg.CI.TravisCommit = "abc123"
	cfg.CI.DockerPassword = "s3cret"

	path := filepath.Join(t.TempDir(), "nested", "pie.yaml")
	require.NoError(t, Write(path, cfg))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "abc123")
	assert.NotContains(t, string(data), "s3cret")
	assert.Contains(t, string(data), "poll_interval: 1s")

	loaded, err := Load(Options{Path: path})
	require.NoError(t, err)
	assert.Equal(t, 18999, loaded.Service.Port)
	assert.Equal(t, 30, loaded.Devstack.MaxAttempts)
	assert.Equal(t, time.Second, loaded.Devstack.PollInterval)
}

func TestMarshalRedacts(t *testing.T) {
	cfg := Default()
	cfg.Transport.SSH.Password = "hunter2"
	cfg.CI.DockerHubPassword = "s3cret"

	data, err := Marshal(cfg)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hunter2")
	assert.NotContains(t, string(data), "s3cret")
	assert.Contains(t, string(data), "********")

	assert.Equal(t, "hunter2", cfg.Transport.SSH.Password, "Redacted must not modify the original")
}

func TestTelemetryConfig(t *testing.T) {
	cfg := Default()
	cfg.Telemetry.LogFormat = "json"
	cfg.Telemetry.TracingExporter = "stdout"
	cfg.Telemetry.MetricsTextfile = "/tmp/pie.prom"

	tc := cfg.TelemetryConfig("1.2.3")
	assert.Equal(t, "1.2.3", tc.ServiceVersion)
	assert.Equal(t, "json", tc.Logging.Format)
	assert.True(t, tc.Tracing.Enabled)
	assert.Equal(t, "stdout", tc.Tracing.Exporter)
	assert.Equal(t, "/tmp/pie.prom", tc.Metrics.TextfilePath)
	require.NoError(t, tc.Validate())
}

func TestSSHConfig(t *testing.T) {
	cfg := Default()
	cfg.Transport.SSH.Host = "devstack.internal"
	cfg.Transport.SSH.User = "edx"
	cfg.Transport.SSH.Password = "pw"
	cfg.Transport.SSH.WorkDir = "/home/edx/src"

	sc := cfg.SSH()
	assert.Equal(t, "devstack.internal", sc.Host)
	assert.Equal(t, 22, sc.Port)
	assert.Equal(t, "pw", sc.Password)
	assert.Equal(t, "/home/edx/src", sc.WorkDir)
	assert.Equal(t, 30*time.Second, sc.Timeout)
	assert.True(t, sc.StrictHostKeys)
}
