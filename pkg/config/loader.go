package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// EnvPrefix prefixes environment overrides, e.g. PIE_SERVICE_PORT.
	EnvPrefix = "PIE"

	// DefaultFileName is looked up in the working directory when no file is given.
	DefaultFileName = "pie"

	DefaultServiceName = "program_intent_engagement"
	DefaultServicePort = 18781
)

// Options controls where Load reads from.
type Options struct {
	// Path is an explicit config file (.yaml, .yml, .json or .cue).
	// When empty, ./pie.yaml is used if present.
	Path string

	// Flags are bound over file and environment values. Flag names use
	// dashes for underscores and dots for sections, e.g. "devstack.max-attempts".
	Flags *pflag.FlagSet
}

// Load reads configuration from defaults, the config file, PIE_*
// environment variables, the CI environment and flags, in increasing
// precedence, then validates it.
func Load(opts Options) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	for env, key := range ciEnv {
		if err := v.BindEnv(key, env, EnvPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_"))); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	if opts.Flags != nil {
		if err := bindFlags(v, opts.Flags); err != nil {
			return nil, err
		}
	}

	if err := readConfigFile(v, opts.Path); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.applyDerived()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	// The defaults are static and always decode.
	_ = v.Unmarshal(&cfg)
	cfg.applyDerived()
	return &cfg
}

func readConfigFile(v *viper.Viper, path string) error {
	if path == "" {
		v.SetConfigName(DefaultFileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) {
				return nil
			}
			return fmt.Errorf("failed to read config: %w", err)
		}
		return nil
	}

	if filepath.Ext(path) == ".cue" {
		data, err := evaluateCUE(path)
		if err != nil {
			return err
		}
		v.SetConfigType("json")
		if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		return nil
	}

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return nil
}

// evaluateCUE compiles a CUE config file and exports it as JSON.
func evaluateCUE(path string) ([]byte, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	val := cuecontext.New().CompileBytes(content, cue.Filename(path))
	if err := val.Err(); err != nil {
		return nil, newValidationError(path, err)
	}
	if err := val.Validate(cue.Concrete(true)); err != nil {
		return nil, newValidationError(path, err)
	}

	data, err := val.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to export %s: %w", path, err)
	}
	return data, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", DefaultServiceName)
	v.SetDefault("service.port", DefaultServicePort)
	v.SetDefault("service.dir", ".")
	v.SetDefault("service.package", "")

	// Containers and paths derive from the service name when left empty.
	v.SetDefault("devstack.compose_file", "")
	v.SetDefault("devstack.db_container", "")
	v.SetDefault("devstack.app_container", "")
	v.SetDefault("devstack.lms_container", "edx.devstack.lms")
	v.SetDefault("devstack.app_root", "")
	v.SetDefault("devstack.create_superuser", true)
	v.SetDefault("devstack.poll_interval", time.Second)
	v.SetDefault("devstack.max_attempts", 0)
	v.SetDefault("devstack.build", false)

	v.SetDefault("lms.url", "http://localhost:18000")
	v.SetDefault("lms.settings", "devstack_docker")
	v.SetDefault("lms.token_type", "jwt")

	v.SetDefault("docker.image", "")
	v.SetDefault("docker.configuration_repo", "git://github.com/openedx/configuration")

	v.SetDefault("transport.kind", "local")
	v.SetDefault("transport.ssh.host", "")
	v.SetDefault("transport.ssh.port", 22)
	v.SetDefault("transport.ssh.user", "")
	v.SetDefault("transport.ssh.password", "")
	v.SetDefault("transport.ssh.key_file", "")
	v.SetDefault("transport.ssh.known_hosts", "")
	v.SetDefault("transport.ssh.strict_host_keys", true)
	v.SetDefault("transport.ssh.timeout", 30*time.Second)
	v.SetDefault("transport.ssh.work_dir", "")

	v.SetDefault("store.path", filepath.Join(".pie", "pie.db"))

	v.SetDefault("policy.enabled", true)
	v.SetDefault("policy.paths", []string{})

	v.SetDefault("telemetry.log_level", "info")
	v.SetDefault("telemetry.log_format", "console")
	v.SetDefault("telemetry.tracing_exporter", "none")
	v.SetDefault("telemetry.tracing_endpoint", "")
	v.SetDefault("telemetry.metrics_textfile", "")
	v.SetDefault("telemetry.metrics_listen", "")
}

// bindFlags binds every flag whose name matches a configuration key.
// The CI section is only ever read from the environment.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	known := make(map[string]bool)
	for _, key := range v.AllKeys() {
		if !strings.HasPrefix(key, "ci.") {
			known[key] = true
		}
	}

	var bindErr error
	flags.VisitAll(func(f *pflag.Flag) {
		key := strings.ReplaceAll(f.Name, "-", "_")
		if !known[key] || bindErr != nil {
			return
		}
		if err := v.BindPFlag(key, f); err != nil {
			bindErr = fmt.Errorf("failed to bind flag %s: %w", f.Name, err)
		}
	})
	return bindErr
}

// applyDerived fills settings that default to values derived from the service name.
func (c *Config) applyDerived() {
	name := c.Service.Name
	if c.Service.Package == "" {
		c.Service.Package = name
	}
	if c.Devstack.DBContainer == "" {
		c.Devstack.DBContainer = name + ".db"
	}
	if c.Devstack.AppContainer == "" {
		c.Devstack.AppContainer = name + ".app"
	}
	if c.Devstack.AppRoot == "" {
		c.Devstack.AppRoot = "/edx/app/" + name
	}
	if c.Docker.Image == "" {
		c.Docker.Image = "openedx/" + strings.ReplaceAll(name, "_", "-")
	}
	if c.Policy.Paths == nil {
		c.Policy.Paths = []string{}
	}
}

// Write saves cfg as YAML. The CI section is never written.
func Write(path string, cfg *Config) error {
	out := *cfg
	out.CI = CIConfig{}

	data, err := yaml.Marshal(&out)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	header := []byte("# pie configuration. Environment variables PIE_<SECTION>_<KEY> override these values.\n")
	if err := os.WriteFile(path, append(header, data...), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// Marshal renders cfg as YAML for display, with secrets redacted.
func Marshal(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg.Redacted())
}
