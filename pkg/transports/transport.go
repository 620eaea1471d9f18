// Package transports defines how pie runs external commands, locally or on a
// remote docker host.
package transports

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

// Runner executes a single external command and reports its outcome.
type Runner interface {
	// Run executes cmd and blocks until it exits or ctx is done.
	// A non-zero exit status is reported as a *TransportError carrying the exit code.
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, cmd Command) (*Result, error)

// Run calls f(ctx, cmd).
func (f RunnerFunc) Run(ctx context.Context, cmd Command) (*Result, error) {
	return f(ctx, cmd)
}

// Command is an external program invocation.
type Command struct {
	// Program is the executable name or path (e.g., "docker", "pip-compile").
	Program string `json:"program"`

	// Args are passed to the program verbatim, never through a shell.
	Args []string `json:"args,omitempty"`

	// Env holds extra environment variables layered over the runner's environment.
	Env map[string]string `json:"env,omitempty"`

	// Dir is the working directory. Empty means the runner's default.
	Dir string `json:"dir,omitempty"`

	// Stdin is written to the program's standard input. It is never logged.
	Stdin string `json:"-"`

	// Interactive attaches the caller's terminal instead of capturing output.
	Interactive bool `json:"interactive,omitempty"`

	// Secrets are values masked wherever the command is displayed or logged.
	Secrets []string `json:"-"`
}

// Mask is shown in place of secret values.
const Mask = "********"

// String renders the command as a shell-quoted line for display.
// Environment variables are shown by name only and Secrets are masked.
func (c Command) String() string {
	parts := make([]string, 0, len(c.Args)+len(c.Env)+1)
	for _, k := range c.sortedEnvKeys() {
		parts = append(parts, k+"=…")
	}
	parts = append(parts, Quote(c.Program))
	for _, a := range c.Args {
		parts = append(parts, Quote(c.Redact(a)))
	}
	return strings.Join(parts, " ")
}

// Redact replaces every secret value in s with Mask.
func (c Command) Redact(s string) string {
	for _, secret := range c.Secrets {
		if secret != "" {
			s = strings.ReplaceAll(s, secret, Mask)
		}
	}
	return s
}

// ShellLine renders the command as a line suitable for `sh -c`, including
// environment assignments and an optional cd into Dir.
func (c Command) ShellLine() string {
	var sb strings.Builder
	if c.Dir != "" {
		sb.WriteString("cd ")
		sb.WriteString(Quote(c.Dir))
		sb.WriteString(" && ")
	}
	for _, k := range c.sortedEnvKeys() {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(Quote(c.Env[k]))
		sb.WriteByte(' ')
	}
	sb.WriteString(Quote(c.Program))
	for _, a := range c.Args {
		sb.WriteByte(' ')
		sb.WriteString(Quote(a))
	}
	return sb.String()
}

func (c Command) sortedEnvKeys() []string {
	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Result is the outcome of a finished command.
type Result struct {
	// Stdout is the captured standard output, trimmed.
	Stdout string `json:"stdout,omitempty"`

	// Stderr is the captured standard error, trimmed.
	Stderr string `json:"stderr,omitempty"`

	// ExitCode is the process exit status, -1 if it never ran.
	ExitCode int `json:"exit_code"`

	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`
}

// TransportError represents a failure to run a command or a non-zero exit.
type TransportError struct {
	// Op is the operation that failed (e.g., "exec", "connect").
	Op string

	// Command is the display form of the command, if any.
	Command string

	// ExitCode is the exit status for commands that ran; -1 otherwise.
	ExitCode int

	// Err is the underlying error.
	Err error

	// IsTemporary indicates the failure may succeed on retry
	// (connection drops, session setup).
	IsTemporary bool
}

func (e *TransportError) Error() string {
	if e.ExitCode > 0 {
		return fmt.Sprintf("%s: %s: exit status %d", e.Op, e.Command, e.ExitCode)
	}
	if e.Command != "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Command, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary reports whether the error is worth retrying.
func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// ExitCode extracts the exit status from err, or -1 if err carries none.
func ExitCode(err error) int {
	var te *TransportError
	if errors.As(err, &te) {
		return te.ExitCode
	}
	return -1
}

// Streams carries optional live output writers for runners that support them.
type Streams struct {
	Stdout io.Writer
	Stderr io.Writer
	Stdin  io.Reader
}
