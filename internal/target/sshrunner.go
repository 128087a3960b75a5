package target

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHRunner runs commands over an established SSH connection.
type SSHRunner struct {
	client *ssh.Client
}

// DialOptions configures how DialRunner authenticates and validates the
// target host.
type DialOptions struct {
	Addr    string // host:port
	User    string
	Signer  ssh.Signer
	Timeout time.Duration

	// KnownHostsPath is the file used to validate the host key. Defaults
	// to ~/.ssh/known_hosts. Ignored when InsecureHostKey is set.
	KnownHostsPath string

	// InsecureHostKey skips host key validation. Only for throwaway test
	// environments; the config surfaces it as insecure_host_key.
	InsecureHostKey bool
}

// DialRunner opens an SSH connection authenticated with the given signer.
func DialRunner(ctx context.Context, opts DialOptions) (*SSHRunner, error) {
	hostKeyCallback, err := hostKeyCallback(opts)
	if err != nil {
		return nil, err
	}

	config := &ssh.ClientConfig{
		User:            opts.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(opts.Signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         opts.Timeout,
	}

	dialer := &net.Dialer{Timeout: opts.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", opts.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", opts.Addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, opts.Addr, config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", opts.Addr, err)
	}

	return &SSHRunner{client: ssh.NewClient(sshConn, chans, reqs)}, nil
}

func hostKeyCallback(opts DialOptions) (ssh.HostKeyCallback, error) {
	if opts.InsecureHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	path := opts.KnownHostsPath
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve known_hosts path: %w", err)
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}
	callback, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts %s: %w", path, err)
	}
	return callback, nil
}

// Run executes a command in a fresh session and returns combined output.
func (r *SSHRunner) Run(ctx context.Context, command string) (string, error) {
	session, err := r.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	var buf bytes.Buffer
	session.Stdout = &buf
	session.Stderr = &buf

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		session.Close()
		return buf.String(), ctx.Err()
	case err := <-done:
		if err != nil {
			return buf.String(), fmt.Errorf("run %q: %w", command, err)
		}
		return buf.String(), nil
	}
}

// Close shuts the underlying connection.
func (r *SSHRunner) Close() error {
	return r.client.Close()
}
