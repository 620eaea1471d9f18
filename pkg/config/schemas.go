package config

import (
	"encoding/json"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// configSchema constrains values beyond what struct tags express.
const configSchema = `
#Name: =~"^[a-z][a-z0-9_]*$"

#Config: {
	service: {
		name:    #Name
		port:    int & >=1024 & <=65535
		dir:     string & !=""
		package: #Name
	}
	devstack: {
		compose_file:     string
		db_container:     string & !=""
		app_container:    string & !=""
		lms_container:    string & !=""
		app_root:         =~"^/"
		create_superuser: bool
		poll_interval:    int & >0
		max_attempts:     int & >=0
		build:            bool
	}
	lms: {
		url:        =~"^https?://[^/]+"
		settings:   =~"^[a-z][a-z0-9_.]*$"
		token_type: *"" | "jwt" | "bearer" | "JWT" | "Bearer"
	}
	docker: {
		image:              =~"^[a-z0-9]+([._/-][a-z0-9]+)*$"
		configuration_repo: string & !=""
	}
	transport: {
		kind: "local" | "ssh"
		ssh: {...}
	}
	store: path: string & !=""
	policy: {
		enabled: bool
		paths:   [...string] | null
	}
	telemetry: {
		log_level:        "trace" | "debug" | "info" | "warn" | "error"
		log_format:       "console" | "json"
		tracing_exporter: "none" | "stdout" | "otlp"
		tracing_endpoint: string
		if tracing_exporter == "otlp" {
			tracing_endpoint: !=""
		}
		metrics_textfile: string
		metrics_listen:   string
	}
	ci: {...}
}
`

// SchemaValidator checks configurations against the CUE schema.
type SchemaValidator struct {
	mu     sync.Mutex
	ctx    *cue.Context
	schema cue.Value
}

var (
	defaultValidator     *SchemaValidator
	defaultValidatorOnce sync.Once
	defaultValidatorErr  error
)

// NewSchemaValidator compiles the configuration schema.
func NewSchemaValidator() (*SchemaValidator, error) {
	ctx := cuecontext.New()

	val := ctx.CompileString(configSchema, cue.Filename("schema.cue"))
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile config schema: %w", err)
	}

	def := val.LookupPath(cue.ParsePath("#Config"))
	if err := def.Err(); err != nil {
		return nil, fmt.Errorf("config schema has no #Config: %w", err)
	}

	return &SchemaValidator{ctx: ctx, schema: def}, nil
}

func schemaValidator() (*SchemaValidator, error) {
	defaultValidatorOnce.Do(func() {
		defaultValidator, defaultValidatorErr = NewSchemaValidator()
	})
	return defaultValidator, defaultValidatorErr
}

// Validate unifies cfg with the schema and requires a concrete result.
func (sv *SchemaValidator) Validate(cfg *Config) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	// A cue.Context is not safe for concurrent use.
	sv.mu.Lock()
	defer sv.mu.Unlock()

	val := sv.ctx.CompileBytes(data, cue.Filename("config"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to load config into CUE: %w", err)
	}

	unified := sv.schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return newValidationError("config", err)
	}
	return nil
}
