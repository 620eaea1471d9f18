// Package local runs commands on the machine pie is running on.
package local

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/openedx/pie/pkg/transports"
	"github.com/rs/zerolog/log"
)

// Runner executes commands with os/exec.
type Runner struct {
	// Dir is the default working directory for commands that set none.
	Dir string

	// Streams, when set, receive a live copy of the command output in
	// addition to the captured buffers.
	Streams transports.Streams

	// BaseEnv replaces os.Environ() as the inherited environment when non-nil.
	BaseEnv []string
}

// NewRunner returns a runner rooted at dir.
func NewRunner(dir string, streams transports.Streams) *Runner {
	return &Runner{Dir: dir, Streams: streams}
}

// Run implements transports.Runner.
func (r *Runner) Run(ctx context.Context, cmd transports.Command) (*transports.Result, error) {
	display := cmd.String()
	startTime := time.Now()

	log.Debug().
		Str("command", display).
		Str("dir", r.dirFor(cmd)).
		Msg("executing command")

	c := exec.CommandContext(ctx, cmd.Program, cmd.Args...)
	c.Dir = r.dirFor(cmd)
	c.Env = r.environ(cmd)
	c.WaitDelay = 5 * time.Second

	var stdoutBuf, stderrBuf bytes.Buffer
	switch {
	case cmd.Interactive:
		c.Stdin = firstReader(r.Streams.Stdin, os.Stdin)
		c.Stdout = firstWriter(r.Streams.Stdout, os.Stdout)
		c.Stderr = firstWriter(r.Streams.Stderr, os.Stderr)
	default:
		if cmd.Stdin != "" {
			c.Stdin = strings.NewReader(cmd.Stdin)
		}
		c.Stdout = teeTo(&stdoutBuf, r.Streams.Stdout)
		c.Stderr = teeTo(&stderrBuf, r.Streams.Stderr)
	}

	runErr := c.Run()
	finishedAt := time.Now()

	result := &transports.Result{
		Stdout:     strings.TrimSpace(stdoutBuf.String()),
		Stderr:     strings.TrimSpace(stderrBuf.String()),
		ExitCode:   0,
		StartedAt:  startTime,
		FinishedAt: finishedAt,
		Duration:   finishedAt.Sub(startTime),
	}

	log.Debug().
		Str("command", display).
		Int("stdout_len", len(result.Stdout)).
		Int("stderr_len", len(result.Stderr)).
		Dur("duration", result.Duration).
		Err(runErr).
		Msg("command completed")

	if runErr == nil {
		return result, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		result.ExitCode = -1
		return result, &transports.TransportError{
			Op:       "exec",
			Command:  display,
			ExitCode: -1,
			Err:      ctxErr,
		}
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, &transports.TransportError{
			Op:       "exec",
			Command:  display,
			ExitCode: result.ExitCode,
			Err:      runErr,
		}
	}

	// The program never started (not found, permission denied).
	result.ExitCode = -1
	return result, &transports.TransportError{
		Op:       "exec",
		Command:  display,
		ExitCode: -1,
		Err:      runErr,
	}
}

func (r *Runner) dirFor(cmd transports.Command) string {
	if cmd.Dir != "" {
		return cmd.Dir
	}
	return r.Dir
}

func (r *Runner) environ(cmd transports.Command) []string {
	base := r.BaseEnv
	if base == nil {
		base = os.Environ()
	}
	env := make([]string, 0, len(base)+len(cmd.Env))
	env = append(env, base...)
	for k, v := range cmd.Env {
		env = append(env, k+"="+v)
	}
	return env
}

func teeTo(buf *bytes.Buffer, w io.Writer) io.Writer {
	if w == nil {
		return buf
	}
	return io.MultiWriter(buf, w)
}

func firstWriter(w, fallback io.Writer) io.Writer {
	if w != nil {
		return w
	}
	return fallback
}

func firstReader(r, fallback io.Reader) io.Reader {
	if r != nil {
		return r
	}
	return fallback
}
