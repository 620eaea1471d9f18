package config

import (
	"fmt"
	"os"
	"time"

	"github.com/openedx/pie/pkg/oauth"
	"github.com/openedx/pie/pkg/telemetry"
	"github.com/openedx/pie/pkg/transports/ssh"
)

// Config is the complete pie configuration.
type Config struct {
	Service   ServiceConfig   `mapstructure:"service" yaml:"service" json:"service"`
	Devstack  DevstackConfig  `mapstructure:"devstack" yaml:"devstack" json:"devstack"`
	LMS       LMSConfig       `mapstructure:"lms" yaml:"lms" json:"lms"`
	Docker    DockerConfig    `mapstructure:"docker" yaml:"docker" json:"docker"`
	Transport TransportConfig `mapstructure:"transport" yaml:"transport" json:"transport"`
	Store     StoreConfig     `mapstructure:"store" yaml:"store" json:"store"`
	Policy    PolicyConfig    `mapstructure:"policy" yaml:"policy" json:"policy"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry" json:"telemetry"`

	// CI is bound from the CI environment (TRAVIS_COMMIT, DOCKER_PASSWORD, ...)
	// and never written to disk.
	CI CIConfig `mapstructure:"ci" yaml:"ci,omitempty" json:"ci"`
}

// ServiceConfig identifies the IDA.
type ServiceConfig struct {
	// Name is the snake_case service name; it also names the database.
	Name string `mapstructure:"name" yaml:"name" json:"name" validate:"required"`

	// Port is the devstack port of the service.
	Port int `mapstructure:"port" yaml:"port" json:"port" validate:"min=1,max=65535"`

	// Dir is the repository checkout the targets run in.
	Dir string `mapstructure:"dir" yaml:"dir" json:"dir" validate:"required"`

	// Package is the Python package directory (defaults to Name).
	Package string `mapstructure:"package" yaml:"package" json:"package"`
}

// DevstackConfig configures the provisioning workflow.
type DevstackConfig struct {
	ComposeFile  string `mapstructure:"compose_file" yaml:"compose_file,omitempty" json:"compose_file"`
	DBContainer  string `mapstructure:"db_container" yaml:"db_container" json:"db_container" validate:"required"`
	AppContainer string `mapstructure:"app_container" yaml:"app_container" json:"app_container" validate:"required"`
	LMSContainer string `mapstructure:"lms_container" yaml:"lms_container" json:"lms_container" validate:"required"`

	// AppRoot is the checkout inside the app container (defaults to /edx/app/<name>).
	AppRoot string `mapstructure:"app_root" yaml:"app_root" json:"app_root" validate:"required"`

	CreateSuperuser bool `mapstructure:"create_superuser" yaml:"create_superuser" json:"create_superuser"`

	// PollInterval is the pause between database readiness checks.
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval" json:"poll_interval" validate:"gt=0"`

	// MaxAttempts bounds the readiness checks; 0 means unlimited.
	MaxAttempts int `mapstructure:"max_attempts" yaml:"max_attempts" json:"max_attempts" validate:"min=0"`

	// Build passes --build to docker-compose up.
	Build bool `mapstructure:"build" yaml:"build" json:"build"`
}

// LMSConfig locates the LMS the OAuth applications are registered in.
type LMSConfig struct {
	URL string `mapstructure:"url" yaml:"url" json:"url" validate:"required,url"`

	// Settings is the Django settings module of the LMS management commands.
	Settings string `mapstructure:"settings" yaml:"settings" json:"settings" validate:"required"`

	// TokenType is requested when verifying client-credentials applications.
	TokenType string `mapstructure:"token_type" yaml:"token_type,omitempty" json:"token_type"`
}

// DockerConfig names the images the docker targets build.
type DockerConfig struct {
	// Image is the repository of the published image (e.g., openedx/program-intent-engagement).
	Image string `mapstructure:"image" yaml:"image" json:"image" validate:"required"`

	// ConfigurationRepo is the build context of pkg-devstack.
	ConfigurationRepo string `mapstructure:"configuration_repo" yaml:"configuration_repo" json:"configuration_repo" validate:"required"`
}

// TransportConfig selects where commands run.
type TransportConfig struct {
	Kind string    `mapstructure:"kind" yaml:"kind" json:"kind" validate:"oneof=local ssh"`
	SSH  SSHConfig `mapstructure:"ssh" yaml:"ssh,omitempty" json:"ssh"`
}

// SSHConfig is used when Transport.Kind is "ssh".
type SSHConfig struct {
	Host           string        `mapstructure:"host" yaml:"host,omitempty" json:"host"`
	Port           int           `mapstructure:"port" yaml:"port,omitempty" json:"port" validate:"min=0,max=65535"`
	User           string        `mapstructure:"user" yaml:"user,omitempty" json:"user"`
	Password       string        `mapstructure:"password" yaml:"password,omitempty" json:"-"`
	KeyFile        string        `mapstructure:"key_file" yaml:"key_file,omitempty" json:"key_file"`
	KnownHosts     string        `mapstructure:"known_hosts" yaml:"known_hosts,omitempty" json:"known_hosts"`
	StrictHostKeys bool          `mapstructure:"strict_host_keys" yaml:"strict_host_keys,omitempty" json:"strict_host_keys"`
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout,omitempty" json:"timeout"`
	WorkDir        string        `mapstructure:"work_dir" yaml:"work_dir,omitempty" json:"work_dir"`
}

// StoreConfig locates the run ledger.
type StoreConfig struct {
	Path string `mapstructure:"path" yaml:"path" json:"path" validate:"required"`
}

// PolicyConfig configures the provisioning guardrails.
type PolicyConfig struct {
	Enabled bool     `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Paths   []string `mapstructure:"paths" yaml:"paths,omitempty" json:"paths"`
}

// TelemetryConfig is the user-facing subset of telemetry.Config.
type TelemetryConfig struct {
	LogLevel        string `mapstructure:"log_level" yaml:"log_level" json:"log_level" validate:"oneof=trace debug info warn error"`
	LogFormat       string `mapstructure:"log_format" yaml:"log_format" json:"log_format" validate:"oneof=console json"`
	TracingExporter string `mapstructure:"tracing_exporter" yaml:"tracing_exporter" json:"tracing_exporter" validate:"oneof=none stdout otlp"`
	TracingEndpoint string `mapstructure:"tracing_endpoint" yaml:"tracing_endpoint,omitempty" json:"tracing_endpoint"`
	MetricsTextfile string `mapstructure:"metrics_textfile" yaml:"metrics_textfile,omitempty" json:"metrics_textfile"`
	MetricsListen   string `mapstructure:"metrics_listen" yaml:"metrics_listen,omitempty" json:"metrics_listen"`
}

// CIConfig carries the CI variables the docker targets consume.
// Passwords are never serialized.
type CIConfig struct {
	TravisCommit      string `mapstructure:"travis_commit" yaml:"travis_commit,omitempty" json:"travis_commit"`
	GitHubSHA         string `mapstructure:"github_sha" yaml:"github_sha,omitempty" json:"github_sha"`
	DockerUsername    string `mapstructure:"docker_username" yaml:"docker_username,omitempty" json:"docker_username"`
	DockerPassword    string `mapstructure:"docker_password" yaml:"-" json:"-"`
	DockerHubUsername string `mapstructure:"dockerhub_username" yaml:"dockerhub_username,omitempty" json:"dockerhub_username"`
	DockerHubPassword string `mapstructure:"dockerhub_password" yaml:"-" json:"-"`
}

// ciEnv maps CI environment variables to their config keys.
var ciEnv = map[string]string{
	"TRAVIS_COMMIT":      "ci.travis_commit",
	"GITHUB_SHA":         "ci.github_sha",
	"DOCKER_USERNAME":    "ci.docker_username",
	"DOCKER_PASSWORD":    "ci.docker_password",
	"DOCKERHUB_USERNAME": "ci.dockerhub_username",
	"DOCKERHUB_PASSWORD": "ci.dockerhub_password",
}

// Value returns the CI value bound to an environment variable name.
func (c CIConfig) Value(env string) (string, bool) {
	switch env {
	case "TRAVIS_COMMIT":
		return c.TravisCommit, true
	case "GITHUB_SHA":
		return c.GitHubSHA, true
	case "DOCKER_USERNAME":
		return c.DockerUsername, true
	case "DOCKER_PASSWORD":
		return c.DockerPassword, true
	case "DOCKERHUB_USERNAME":
		return c.DockerHubUsername, true
	case "DOCKERHUB_PASSWORD":
		return c.DockerHubPassword, true
	}
	return "", false
}

// LookupEnv resolves a variable from the CI section, falling back to the
// process environment. It has the signature of os.LookupEnv.
func (c *Config) LookupEnv(key string) (string, bool) {
	if v, ok := c.CI.Value(key); ok {
		return v, v != ""
	}
	return os.LookupEnv(key)
}

// OAuthService returns the service the devstack applications belong to.
func (c *Config) OAuthService() oauth.Service {
	return oauth.Service{Name: c.Service.Name, Port: c.Service.Port}
}

// SSH converts the transport section into an ssh runner config.
func (c *Config) SSH() *ssh.Config {
	t := c.Transport.SSH
	cfg := ssh.NewConfig(t.Host, t.User)
	cfg.Password = t.Password
	cfg.KeyFile = t.KeyFile
	cfg.StrictHostKeys = t.StrictHostKeys
	cfg.WorkDir = t.WorkDir
	if t.Port != 0 {
		cfg.Port = t.Port
	}
	if t.Timeout > 0 {
		cfg.Timeout = t.Timeout
	}
	if t.KnownHosts != "" {
		cfg.KnownHosts = t.KnownHosts
	}
	return cfg
}

// TelemetryConfig builds the telemetry configuration for a pie build.
func (c *Config) TelemetryConfig(version string) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = version
	cfg.Logging.Level = c.Telemetry.LogLevel
	cfg.Logging.Format = c.Telemetry.LogFormat

	if c.Telemetry.TracingExporter != "" && c.Telemetry.TracingExporter != "none" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = c.Telemetry.TracingExporter
		cfg.Tracing.Endpoint = c.Telemetry.TracingEndpoint
	}

	cfg.Metrics.TextfilePath = c.Telemetry.MetricsTextfile
	cfg.Metrics.ListenAddress = c.Telemetry.MetricsListen
	return cfg
}

// Redacted returns a copy safe to print.
func (c *Config) Redacted() *Config {
	out := *c
	if out.Transport.SSH.Password != "" {
		out.Transport.SSH.Password = "********"
	}
	out.CI.DockerPassword = ""
	out.CI.DockerHubPassword = ""
	return &out
}

// String summarizes the configuration for log lines.
func (c *Config) String() string {
	return fmt.Sprintf("service=%s port=%d transport=%s store=%s", c.Service.Name, c.Service.Port, c.Transport.Kind, c.Store.Path)
}
