package config

import (
	"errors"
	"fmt"
	"strings"

	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// FieldError is a single validation problem.
type FieldError struct {
	// File is the source file path, if known.
	File string `json:"file,omitempty"`

	// Line and Column are 1-indexed positions, if known.
	Line   int `json:"line,omitempty"`
	Column int `json:"column,omitempty"`

	// Path is the dotted path to the field (e.g., "devstack.poll_interval").
	Path string `json:"path,omitempty"`

	Message string `json:"message"`
}

func (e FieldError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Errors []FieldError `json:"errors"`
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		msgs[i] = fe.String()
	}
	return fmt.Sprintf("%s: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidConfig
}

// newValidationError converts CUE errors, keeping their source positions.
func newValidationError(file string, err error) *ValidationError {
	verr := &ValidationError{}
	for _, e := range cueerrors.Errors(err) {
		fe := FieldError{File: file, Message: e.Error()}
		if pos := cueerrors.Positions(e); len(pos) > 0 && pos[0].Filename() != "" {
			fe.File = pos[0].Filename()
			fe.Line = pos[0].Line()
			fe.Column = pos[0].Column()
		}
		if path := e.Path(); len(path) > 0 {
			fe.Path = strings.Join(path, ".")
		}
		verr.Errors = append(verr.Errors, fe)
	}
	if len(verr.Errors) == 0 {
		verr.Errors = append(verr.Errors, FieldError{File: file, Message: err.Error()})
	}
	return verr
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct constraints, then the CUE schema.
func (c *Config) Validate() error {
	verr := &ValidationError{}

	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		for _, fe := range fieldErrs {
			verr.Errors = append(verr.Errors, FieldError{
				Path:    fieldPath(fe.Namespace()),
				Message: fmt.Sprintf("failed on %q (value %v)", fe.Tag(), fe.Value()),
			})
		}
	}

	if c.Transport.Kind == "ssh" {
		if c.Transport.SSH.Host == "" {
			verr.Errors = append(verr.Errors, FieldError{Path: "transport.ssh.host", Message: "required for the ssh transport"})
		}
		if c.Transport.SSH.User == "" {
			verr.Errors = append(verr.Errors, FieldError{Path: "transport.ssh.user", Message: "required for the ssh transport"})
		}
	}

	if len(verr.Errors) > 0 {
		return verr
	}

	sv, err := schemaValidator()
	if err != nil {
		return err
	}
	return sv.Validate(c)
}

// fieldPath turns "Config.Devstack.PollInterval" into "Devstack.PollInterval".
func fieldPath(namespace string) string {
	if _, rest, ok := strings.Cut(namespace, "."); ok {
		return rest
	}
	return namespace
}
