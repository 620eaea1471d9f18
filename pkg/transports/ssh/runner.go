package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/openedx/pie/pkg/transports"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// cancelWait bounds how long a cancelled command may take to release its
// session before its output is abandoned.
const cancelWait = 2 * time.Second

// Runner implements transports.Runner on a remote host. The connection is
// opened lazily on the first command and reused until Close.
type Runner struct {
	config *Config

	mu     sync.Mutex
	client *ssh.Client
}

// NewRunner validates config and returns a runner for it.
func NewRunner(config *Config) (*Runner, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Runner{config: config}, nil
}

// Connect establishes the SSH connection if it is not open yet.
func (r *Runner) Connect(ctx context.Context) error {
	_, err := r.getClient(ctx)
	return err
}

// Close closes the SSH connection.
func (r *Runner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}

func (r *Runner) getClient(ctx context.Context) (*ssh.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client != nil {
		return r.client, nil
	}

	clientConfig, err := r.config.clientConfig()
	if err != nil {
		return nil, &transports.TransportError{Op: "connect", ExitCode: -1, Err: err}
	}

	address := r.config.addr()
	log.Debug().Str("address", address).Msg("establishing SSH connection")

	connChan := make(chan *ssh.Client, 1)
	errChan := make(chan error, 1)

	go func() {
		client, err := ssh.Dial("tcp", address, clientConfig)
		if err != nil {
			errChan <- err
			return
		}
		connChan <- client
	}()

	select {
	case <-ctx.Done():
		return nil, &transports.TransportError{Op: "connect", ExitCode: -1, Err: ctx.Err(), IsTemporary: true}
	case err := <-errChan:
		return nil, &transports.TransportError{Op: "connect", ExitCode: -1, Err: err, IsTemporary: true}
	case client := <-connChan:
		r.client = client
		log.Info().Str("address", address).Msg("SSH connection established")
		return client, nil
	}
}

// Run implements transports.Runner.
func (r *Runner) Run(ctx context.Context, cmd transports.Command) (*transports.Result, error) {
	startTime := time.Now()
	display := cmd.String()

	if cmd.Dir == "" && r.config.WorkDir != "" {
		cmd.Dir = r.config.WorkDir
	}
	line := cmd.ShellLine()

	log.Debug().
		Str("command", display).
		Str("host", r.config.Host).
		Msg("executing remote command")

	client, err := r.getClient(ctx)
	if err != nil {
		return &transports.Result{ExitCode: -1, StartedAt: startTime}, err
	}

	session, err := client.NewSession()
	if err != nil {
		return &transports.Result{ExitCode: -1, StartedAt: startTime}, &transports.TransportError{
			Op:          "exec",
			Command:     display,
			ExitCode:    -1,
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
		}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	if cmd.Interactive {
		if err := session.RequestPty("xterm", 40, 80, ssh.TerminalModes{ssh.ECHO: 1}); err != nil {
			return &transports.Result{ExitCode: -1, StartedAt: startTime}, &transports.TransportError{
				Op:       "exec",
				Command:  display,
				ExitCode: -1,
				Err:      fmt.Errorf("failed to request pseudo-terminal: %w", err),
			}
		}
		session.Stdin = os.Stdin
		session.Stdout = os.Stdout
		session.Stderr = os.Stderr
	} else {
		session.Stdout = &stdoutBuf
		session.Stderr = &stderrBuf
		if cmd.Stdin != "" {
			session.Stdin = strings.NewReader(cmd.Stdin)
		}
	}

	doneChan := make(chan error, 1)
	go func() {
		doneChan <- session.Run(line)
	}()

	var execErr error
	// Output buffers may only be read once session.Run has returned.
	outputDone := true
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		time.Sleep(100 * time.Millisecond)
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		select {
		case <-doneChan:
		case <-time.After(cancelWait):
			outputDone = false
		}
		execErr = ctx.Err()
	case execErr = <-doneChan:
	}

	finishedAt := time.Now()
	result := &transports.Result{
		StartedAt:  startTime,
		FinishedAt: finishedAt,
		Duration:   finishedAt.Sub(startTime),
	}
	if outputDone {
		result.Stdout = strings.TrimSpace(stdoutBuf.String())
		result.Stderr = strings.TrimSpace(stderrBuf.String())
	}

	log.Debug().
		Str("command", display).
		Int("stdout_len", len(result.Stdout)).
		Int("stderr_len", len(result.Stderr)).
		Dur("duration", result.Duration).
		Err(execErr).
		Msg("remote command completed")

	if execErr == nil {
		return result, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(execErr, &exitErr) {
		result.ExitCode = exitErr.ExitStatus()
		return result, &transports.TransportError{
			Op:       "exec",
			Command:  display,
			ExitCode: result.ExitCode,
			Err:      execErr,
		}
	}

	result.ExitCode = -1
	return result, &transports.TransportError{
		Op:          "exec",
		Command:     display,
		ExitCode:    -1,
		Err:         execErr,
		IsTemporary: ctx.Err() == nil,
	}
}
