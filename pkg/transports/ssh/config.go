// Package ssh runs devstack commands on a remote docker host over SSH.
package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Config describes the docker host a remote devstack runs on.
// Password and key authentication are both offered when both are set.
type Config struct {
	Host string `validate:"required"`
	Port int    `validate:"min=1,max=65535"`
	User string `validate:"required"`

	Password string

	// KeyFile defaults to the first of ~/.ssh/id_ed25519, id_rsa and
	// id_ecdsa that exists when no password is set.
	KeyFile       string
	KeyPassphrase string

	// KnownHosts is consulted when StrictHostKeys is set.
	KnownHosts     string
	StrictHostKeys bool

	Timeout time.Duration `validate:"gt=0"`

	// WorkDir is prepended as `cd WorkDir &&` to commands that set no Dir.
	WorkDir string
}

var (
	validate = validator.New(validator.WithRequiredStructEnabled())

	// ErrNoAuth is returned when neither a password nor a key is available.
	ErrNoAuth = errors.New("no password or private key configured")
)

// NewConfig returns a config for user@host on port 22 with strict host key
// checking against ~/.ssh/known_hosts.
func NewConfig(host, user string) *Config {
	return &Config{
		Host:           host,
		Port:           22,
		User:           user,
		KnownHosts:     filepath.Join(homeDir(), ".ssh", "known_hosts"),
		StrictHostKeys: true,
		Timeout:        30 * time.Second,
	}
}

// Validate checks the config and resolves the default key file.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s: failed %q (got %v)", strings.ToLower(fe.Field()), fe.Tag(), fe.Value()))
		}
		return fmt.Errorf("ssh config: %s", strings.Join(msgs, "; "))
	}

	if c.KeyFile == "" && c.Password == "" {
		c.KeyFile = defaultKeyFile()
	}
	if c.KeyFile != "" {
		if _, err := os.Stat(c.KeyFile); err != nil {
			return fmt.Errorf("ssh config: private key: %w", err)
		}
	}
	if c.KeyFile == "" && c.Password == "" {
		return fmt.Errorf("ssh config: %w", ErrNoAuth)
	}
	return nil
}

func (c *Config) clientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod

	if c.KeyFile != "" {
		signer, err := c.signer()
		if err != nil {
			return nil, err
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}

	if c.Password != "" {
		auth = append(auth,
			ssh.Password(c.Password),
			// Some hosts only answer the "Password:" prompt.
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = c.Password
				}
				return answers, nil
			}),
		)
	}

	hostKeys := ssh.InsecureIgnoreHostKey()
	if c.StrictHostKeys {
		cb, err := knownhosts.New(c.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
		hostKeys = cb
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         c.Timeout,
	}, nil
}

func (c *Config) signer() (ssh.Signer, error) {
	pem, err := os.ReadFile(c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}

	var signer ssh.Signer
	if c.KeyPassphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(c.KeyPassphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(pem)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key %s: %w", c.KeyFile, err)
	}
	return signer, nil
}

func (c *Config) addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func defaultKeyFile() string {
	for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
		path := filepath.Join(homeDir(), ".ssh", name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

func homeDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	return os.Getenv("HOME")
}
