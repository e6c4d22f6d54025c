package ssh

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// knownHostsMu serialises known_hosts writes inside this process; flock
// covers other processes.
var knownHostsMu sync.Mutex

// Client is a single SSH connection
type Client struct {
	config   *ConnectionConfig
	conn     *ssh.Client
	pingFunc func(ctx context.Context) error
}

// NewClient dials the target with key auth and trust-on-first-use host keys
func NewClient(config *ConnectionConfig) (*Client, error) {
	key, err := os.ReadFile(config.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	hostKeyCallback, err := hostKeyCallbackFor(config)
	if err != nil {
		return nil, fmt.Errorf("host key verification: %w", err)
	}

	port := config.Port
	if port == 0 {
		port = 22
	}
	conn, err := ssh.Dial("tcp", net.JoinHostPort(config.Address, strconv.Itoa(port)), &ssh.ClientConfig{
		User:            config.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         config.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", config.Address, err)
	}

	return &Client{config: config, conn: conn}, nil
}

// DefaultKnownHostsPath returns ~/.edensetup/known_hosts
func DefaultKnownHostsPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".edensetup", "known_hosts"), nil
}

func hostKeyCallbackFor(config *ConnectionConfig) (ssh.HostKeyCallback, error) {
	if config.InsecureSkipVerify {
		return ssh.InsecureIgnoreHostKey(), nil
	}

	path := config.KnownHostsPath
	if path == "" {
		var err error
		if path, err = DefaultKnownHostsPath(); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o600)
	if err != nil {
		return nil, err
	}
	f.Close()

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		check, err := knownhosts.New(path)
		if err != nil {
			return rememberHostKey(path, hostname, remote, key)
		}
		err = check(hostname, remote, key)
		if err == nil {
			return nil
		}
		if !unknownHost(err) {
			return fmt.Errorf("host key for %s changed (fingerprint %s); remove the stale entry from %s: %w",
				hostname, fingerprint(key), path, err)
		}
		return rememberHostKey(path, hostname, remote, key)
	}, nil
}

// unknownHost is true when knownhosts found no entry at all for the host,
// as opposed to a mismatching one.
func unknownHost(err error) bool {
	var keyErr *knownhosts.KeyError
	return errors.As(err, &keyErr) && len(keyErr.Want) == 0
}

func rememberHostKey(path, hostname string, remote net.Addr, key ssh.PublicKey) error {
	knownHostsMu.Lock()
	defer knownHostsMu.Unlock()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		return err
	}
	defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN) //nolint:errcheck

	// Another writer may have added the key while we waited on the lock.
	if check, err := knownhosts.New(path); err == nil {
		if err := check(hostname, remote, key); err == nil {
			return nil
		} else if !unknownHost(err) {
			return err
		}
	}

	line := knownhosts.Line([]string{knownhosts.Normalize(addressFor(hostname, remote))}, key)
	_, err = f.WriteString(line + "\n")
	return err
}

func addressFor(hostname string, remote net.Addr) string {
	if _, _, err := net.SplitHostPort(hostname); err == nil {
		return hostname
	}
	if tcp, ok := remote.(*net.TCPAddr); ok {
		return net.JoinHostPort(hostname, strconv.Itoa(tcp.Port))
	}
	return hostname
}

func fingerprint(key ssh.PublicKey) string {
	sum := sha256.Sum256(key.Marshal())
	return "SHA256:" + base64.RawStdEncoding.EncodeToString(sum[:])
}

// Run executes command in a new session. A non-zero exit is reported both in
// the result and as the returned error.
func (c *Client) Run(ctx context.Context, command string) (*CommandResult, error) {
	result := &CommandResult{Command: command}
	start := time.Now()
	defer func() { result.Duration = time.Since(start) }()

	result.ExitCode = -1
	session, err := c.conn.NewSession()
	if err != nil {
		return result, fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return result, ctx.Err()
	case err = <-done:
	}

	result.Stdout = strings.TrimSpace(stdout.String())
	result.Stderr = strings.TrimSpace(stderr.String())
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
		}
		return result, err
	}
	result.ExitCode = 0
	return result, nil
}

// Ping sends an OpenSSH keepalive to check the connection is alive
func (c *Client) Ping(ctx context.Context) error {
	if c.pingFunc != nil {
		return c.pingFunc(ctx)
	}
	if c.conn == nil {
		return errors.New("ssh connection not initialized")
	}

	errCh := make(chan error, 1)
	go func() {
		_, _, err := c.conn.SendRequest("keepalive@openssh.com", true, nil)
		errCh <- err
	}()

	select {
	case <-ctx.Done():
		// unblocks SendRequest on a wedged connection
		_ = c.conn.Close()
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Close closes the SSH connection
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
