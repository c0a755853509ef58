// Package ssh implements the runner interface over an SSH connection, so a
// controller machine can provision a remote host exactly as if running on
// it. Commands go through exec sessions; file operations go through SFTP.
package ssh

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/pinstrap/pinstrap/pkg/engine"
	"github.com/pinstrap/pinstrap/pkg/runner"
)

// Config describes the remote target.
type Config struct {
	// User is the login user on the target.
	User string

	// Host is the target hostname or address.
	Host string

	// Port is the SSH port; zero means 22.
	Port int

	// IdentityFile is the private key path; empty falls back to
	// ~/.ssh/id_ed25519 then ~/.ssh/id_rsa.
	IdentityFile string

	// KnownHostsFile verifies the host key; empty means ~/.ssh/known_hosts.
	KnownHostsFile string

	// ConnectTimeout bounds connection establishment; zero means 30s.
	ConnectTimeout time.Duration
}

// ParseTarget splits a user@host[:port] target string.
func ParseTarget(target string) (user, host string, port int, err error) {
	user, rest, ok := strings.Cut(target, "@")
	if !ok || user == "" || rest == "" {
		return "", "", 0, engine.NewInvalidArgument(
			fmt.Sprintf("target %q must be user@host[:port]", target), nil)
	}

	host = rest
	port = 22
	if h, p, splitErr := net.SplitHostPort(rest); splitErr == nil {
		var n int
		if _, scanErr := fmt.Sscanf(p, "%d", &n); scanErr != nil || n <= 0 || n > 65535 {
			return "", "", 0, engine.NewInvalidArgument(
				fmt.Sprintf("target %q has an invalid port", target), nil)
		}
		host, port = h, n
	}
	return user, host, port, nil
}

// Client is an SSH-backed runner.
type Client struct {
	client *ssh.Client
	sftp   *sftp.Client
	addr   string
}

// Connect dials the target and opens the SFTP subsystem.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	clientConfig, err := buildClientConfig(cfg)
	if err != nil {
		return nil, err
	}

	port := cfg.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", port))
	log.Debug().Str("address", addr).Str("user", cfg.User).Msg("establishing SSH connection")

	timeout := cfg.ConnectTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, engine.NewNetworkUnavailable(fmt.Sprintf("dial %s", addr), err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("open sftp subsystem: %w", err)
	}

	return &Client{client: client, sftp: sftpClient, addr: addr}, nil
}

// Close tears down the SFTP subsystem and the connection.
func (c *Client) Close() error {
	if c.sftp != nil {
		_ = c.sftp.Close()
	}
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

func buildClientConfig(cfg Config) (*ssh.ClientConfig, error) {
	if cfg.User == "" || cfg.Host == "" {
		return nil, engine.NewInvalidArgument("remote target needs user and host", nil)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	keyPaths := []string{cfg.IdentityFile}
	if cfg.IdentityFile == "" {
		keyPaths = []string{
			path.Join(home, ".ssh", "id_ed25519"),
			path.Join(home, ".ssh", "id_rsa"),
		}
	}

	var authMethods []ssh.AuthMethod
	for _, keyPath := range keyPaths {
		keyBytes, err := os.ReadFile(keyPath)
		if err != nil {
			if cfg.IdentityFile != "" {
				return nil, engine.NewInvalidArgument(
					fmt.Sprintf("cannot read identity file %s", keyPath), err)
			}
			continue
		}
		signer, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, engine.NewInvalidArgument(
				fmt.Sprintf("cannot parse private key %s", keyPath), err)
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
		break
	}
	if len(authMethods) == 0 {
		return nil, engine.NewInvalidArgument("no usable SSH private key found", nil)
	}

	knownHosts := cfg.KnownHostsFile
	if knownHosts == "" {
		knownHosts = path.Join(home, ".ssh", "known_hosts")
	}
	hostKeyCallback, err := knownhosts.New(knownHosts)
	if err != nil {
		return nil, fmt.Errorf("load known hosts %s: %w", knownHosts, err)
	}

	return &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         cfg.ConnectTimeout,
	}, nil
}

// Run executes argv on the remote host in a fresh session.
func (c *Client) Run(ctx context.Context, argv ...string) (string, string, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return "", "", fmt.Errorf("open session on %s: %w", c.addr, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	cmd := quoteCommand(argv)
	log.Debug().Str("host", c.addr).Str("cmd", cmd).Msg("running remote command")

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return stdout.String(), stderr.String(), ctx.Err()
	case err := <-done:
		return stdout.String(), stderr.String(), err
	}
}

// quoteCommand renders argv as a shell command, single-quoting arguments
// that need it. SSH exec channels take a command line, not an argv.
func quoteCommand(argv []string) string {
	parts := make([]string, len(argv))
	for i, a := range argv {
		if a == "" || strings.ContainsAny(a, " \t\n'\"\\$&|;<>(){}*?#~") {
			parts[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
		} else {
			parts[i] = a
		}
	}
	return strings.Join(parts, " ")
}

// LookPath resolves name on the remote search path.
func (c *Client) LookPath(name string) (string, error) {
	stdout, _, err := c.Run(context.Background(), "command", "-v", name)
	if err != nil {
		return "", fmt.Errorf("%s: executable file not found on %s", name, c.addr)
	}
	resolved := strings.TrimSpace(stdout)
	if resolved == "" {
		return "", fmt.Errorf("%s: executable file not found on %s", name, c.addr)
	}
	return resolved, nil
}

// Stat stats a remote path over SFTP.
func (c *Client) Stat(path string) (fs.FileInfo, error) {
	return c.sftp.Stat(path)
}

// ReadFile reads a remote file over SFTP.
func (c *Client) ReadFile(path string) ([]byte, error) {
	f, err := c.sftp.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(f); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return buf.Bytes(), nil
}

// WriteFile writes a remote file over SFTP, creating parent directories.
func (c *Client) WriteFile(filePath string, data []byte, mode fs.FileMode) error {
	if err := c.sftp.MkdirAll(path.Dir(filePath)); err != nil {
		return fmt.Errorf("create directory %s: %w", path.Dir(filePath), err)
	}

	f, err := c.sftp.Create(filePath)
	if err != nil {
		return fmt.Errorf("create %s: %w", filePath, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", filePath, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", filePath, err)
	}

	return c.sftp.Chmod(filePath, mode)
}

// MkdirAll creates a remote directory tree over SFTP.
func (c *Client) MkdirAll(path string, _ fs.FileMode) error {
	return c.sftp.MkdirAll(path)
}

var _ runner.Runner = (*Client)(nil)
