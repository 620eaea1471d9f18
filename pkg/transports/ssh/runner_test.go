package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/openedx/pie/pkg/transports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// testSSHServer provides a minimal SSH server for testing.
type testSSHServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	addr     string
	done     chan struct{}

	mu       sync.Mutex
	commands []string
}

func newTestSSHServer(t *testing.T) *testSSHServer {
	t.Helper()

	_, hostKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(hostKey)
	require.NoError(t, err)

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "testuser" && string(pass) == "testpass" {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
	}
	config.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	server := &testSSHServer{
		listener: listener,
		config:   config,
		addr:     listener.Addr().String(),
		done:     make(chan struct{}),
	}
	go server.serve()
	t.Cleanup(server.close)

	return server
}

func (s *testSSHServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}
		go s.handleConnection(conn)
	}
}

func (s *testSSHServer) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go s.handleChannel(channel, requests)
	}
}

func (s *testSSHServer) handleChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		if req.Type != "exec" {
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
			continue
		}

		var payload struct{ Command string }
		_ = ssh.Unmarshal(req.Payload, &payload)
		if req.WantReply {
			_ = req.Reply(true, nil)
		}

		s.mu.Lock()
		s.commands = append(s.commands, payload.Command)
		s.mu.Unlock()

		status := 0
		switch payload.Command {
		case "echo test":
			_, _ = channel.Write([]byte("test\n"))
		case "cat":
			_, _ = io.Copy(channel, channel)
		case "exit 1":
			status = 1
		case "sleep 60":
			// Stream output until the client kills the command or goes away.
			_, _ = channel.Write([]byte("started\n"))
			for r := range requests {
				if r.WantReply {
					_ = r.Reply(false, nil)
				}
				if r.Type != "signal" {
					continue
				}
				var sig struct{ Signal string }
				_ = ssh.Unmarshal(r.Payload, &sig)
				_, _ = channel.Write([]byte("got " + sig.Signal + "\n"))
				if sig.Signal == "KILL" {
					return
				}
			}
			return
		default:
			_, _ = channel.Write([]byte("command: " + payload.Command + "\n"))
		}

		_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(status)}))
		return
	}
}

func (s *testSSHServer) close() {
	close(s.done)
	_ = s.listener.Close()
}

func (s *testSSHServer) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func newTestRunner(t *testing.T, server *testSSHServer) *Runner {
	t.Helper()

	host, portStr, err := net.SplitHostPort(server.addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	config := NewConfig(host, "testuser")
	config.Port = port
	config.Password = "testpass"
	config.StrictHostKeys = false
	config.Timeout = 5 * time.Second

	runner, err := NewRunner(config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = runner.Close() })

	return runner
}

func TestRunnerRun(t *testing.T) {
	server := newTestSSHServer(t)
	runner := newTestRunner(t, server)
	ctx := context.Background()

	t.Run("stdout is captured", func(t *testing.T) {
		res, err := runner.Run(ctx, transports.Command{Program: "echo", Args: []string{"test"}})
		require.NoError(t, err)
		assert.Equal(t, "test", res.Stdout)
		assert.Equal(t, 0, res.ExitCode)
	})

	t.Run("stdin is forwarded", func(t *testing.T) {
		res, err := runner.Run(ctx, transports.Command{Program: "cat", Stdin: "secret"})
		require.NoError(t, err)
		assert.Equal(t, "secret", res.Stdout)
	})

	t.Run("non-zero exit is reported", func(t *testing.T) {
		res, err := runner.Run(ctx, transports.Command{Program: "exit", Args: []string{"1"}})
		require.Error(t, err)

		var te *transports.TransportError
		require.True(t, errors.As(err, &te))
		assert.Equal(t, 1, te.ExitCode)
		assert.Equal(t, 1, res.ExitCode)
	})

	t.Run("arguments are shell quoted", func(t *testing.T) {
		_, err := runner.Run(ctx, transports.Command{
			Program: "docker",
			Args:    []string{"exec", "-i", "program_intent_engagement.db", "mysql", "-u", "root", "-se", "CREATE DATABASE x;"},
		})
		require.NoError(t, err)

		cmds := server.received()
		assert.Equal(t, "docker exec -i program_intent_engagement.db mysql -u root -se 'CREATE DATABASE x;'", cmds[len(cmds)-1])
	})
}

func TestRunnerCancel(t *testing.T) {
	server := newTestSSHServer(t)
	runner := newTestRunner(t, server)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	res, err := runner.Run(ctx, transports.Command{Program: "sleep", Args: []string{"60"}})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	var te *transports.TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, -1, te.ExitCode)
	assert.False(t, te.Temporary())

	// Run has returned, so the output is complete and safe to read.
	assert.Contains(t, res.Stdout, "started")

	// The connection stays usable for the next command.
	next, err := runner.Run(context.Background(), transports.Command{Program: "echo", Args: []string{"test"}})
	require.NoError(t, err)
	assert.Equal(t, "test", next.Stdout)
}

func TestRunnerWorkDir(t *testing.T) {
	server := newTestSSHServer(t)
	runner := newTestRunner(t, server)
	runner.config.WorkDir = "/srv/pie"

	_, err := runner.Run(context.Background(), transports.Command{Program: "docker-compose", Args: []string{"restart", "app"}})
	require.NoError(t, err)

	cmds := server.received()
	assert.Equal(t, "cd /srv/pie && docker-compose restart app", cmds[len(cmds)-1])
}

func TestRunnerBadCredentials(t *testing.T) {
	server := newTestSSHServer(t)
	runner := newTestRunner(t, server)
	runner.config.Password = "wrong"

	_, err := runner.Run(context.Background(), transports.Command{Program: "true"})
	require.Error(t, err)

	var te *transports.TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "connect", te.Op)
}

func TestConfigValidation(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(keyFile, []byte("not a key"), 0o600))

	tests := []struct {
		name     string
		modify   func(*Config)
		errorMsg string
	}{
		{
			name:   "password",
			modify: func(c *Config) { c.Password = "secret" },
		},
		{
			name:   "key file",
			modify: func(c *Config) { c.KeyFile = keyFile },
		},
		{
			name:     "missing host",
			modify:   func(c *Config) { c.Host = ""; c.Password = "secret" },
			errorMsg: `host: failed "required"`,
		},
		{
			name:     "invalid port",
			modify:   func(c *Config) { c.Port = 70000; c.Password = "secret" },
			errorMsg: `port: failed "max"`,
		},
		{
			name:     "zero timeout",
			modify:   func(c *Config) { c.Timeout = 0; c.Password = "secret" },
			errorMsg: `timeout: failed "gt"`,
		},
		{
			name:     "missing key file",
			modify:   func(c *Config) { c.KeyFile = "/nonexistent/id_ed25519" },
			errorMsg: "private key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := NewConfig("devstack.local", "ubuntu")
			tt.modify(config)

			err := config.Validate()
			if tt.errorMsg == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errorMsg)
		})
	}
}

func TestConfigNoAuth(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	config := NewConfig("devstack.local", "ubuntu")
	err := config.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoAuth)
}

func TestClientConfigBadKey(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "id_rsa")
	require.NoError(t, os.WriteFile(keyFile, []byte("not a key"), 0o600))

	config := NewConfig("devstack.local", "ubuntu")
	config.KeyFile = keyFile
	config.StrictHostKeys = false
	require.NoError(t, config.Validate())

	_, err := config.clientConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse private key")
}
