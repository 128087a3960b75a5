package verify

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/systmms/keyturn/internal/logging"
	"github.com/systmms/keyturn/internal/target"
	"github.com/systmms/keyturn/pkg/rotate"
)

// RunnerCloser is the connection handle the verifier works with.
type RunnerCloser interface {
	target.Runner
	io.Closer
}

// SSHLoginVerifier logs into the target host with the candidate key alone
// and proves the session works by round-tripping a fresh nonce through a
// temp file. A cached connection or an agent key can never produce a false
// positive: the dial offers exactly one auth method, the key under test.
type SSHLoginVerifier struct {
	addr    string
	login   string
	timeout time.Duration
	logger  *logging.Logger

	knownHostsPath  string
	insecureHostKey bool

	// dial opens a connection authenticated solely with signer.
	// Overridable for testing.
	dial func(ctx context.Context, signer ssh.Signer) (RunnerCloser, error)

	// nonce produces the marker value. Overridable for testing.
	nonce func() (string, error)
}

// SSHLoginOption is a functional option for configuring the verifier.
type SSHLoginOption func(*SSHLoginVerifier)

// WithDialer sets a custom dialer (for testing).
func WithDialer(dial func(ctx context.Context, signer ssh.Signer) (RunnerCloser, error)) SSHLoginOption {
	return func(v *SSHLoginVerifier) {
		v.dial = dial
	}
}

// WithNonce sets a deterministic nonce source (for testing).
func WithNonce(nonce func() (string, error)) SSHLoginOption {
	return func(v *SSHLoginVerifier) {
		v.nonce = nonce
	}
}

// NewSSHLoginVerifier builds the verifier from its config section. The
// host and login default to the store's target so the common case needs no
// verify-side duplication.
func NewSSHLoginVerifier(verifyConfig map[string]interface{}, timeout time.Duration, logger *logging.Logger, opts ...SSHLoginOption) (*SSHLoginVerifier, error) {
	host, _ := verifyConfig["host"].(string)
	login, _ := verifyConfig["login"].(string)
	if host == "" || login == "" {
		return nil, fmt.Errorf("ssh-login verifier requires host and login")
	}

	addr := host
	if port, ok := verifyConfig["port"].(int); ok && port != 0 {
		addr = fmt.Sprintf("%s:%d", host, port)
	} else {
		addr += ":22"
	}

	v := &SSHLoginVerifier{
		addr:    addr,
		login:   login,
		timeout: timeout,
		logger:  logger,
	}
	if p, ok := verifyConfig["known_hosts_path"].(string); ok {
		v.knownHostsPath = p
	}
	if insecure, ok := verifyConfig["insecure_host_key"].(bool); ok {
		v.insecureHostKey = insecure
	}

	for _, opt := range opts {
		opt(v)
	}

	if v.dial == nil {
		v.dial = v.dialTarget
	}
	if v.nonce == nil {
		v.nonce = randomNonce
	}
	return v, nil
}

func (v *SSHLoginVerifier) dialTarget(ctx context.Context, signer ssh.Signer) (RunnerCloser, error) {
	return target.DialRunner(ctx, target.DialOptions{
		Addr:            v.addr,
		User:            v.login,
		Signer:          signer,
		Timeout:         v.timeout,
		KnownHostsPath:  v.knownHostsPath,
		InsecureHostKey: v.insecureHostKey,
	})
}

func randomNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Verify dials as the candidate key, writes a nonce to a temp file, reads
// it back, and requires an exact match. The temp file is removed
// best-effort afterwards.
func (v *SSHLoginVerifier) Verify(ctx context.Context, cred rotate.Credential) error {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	if cred.Secret == nil {
		return fmt.Errorf("credential %s carries no secret material", cred.ID)
	}
	buf, err := cred.Secret.Open()
	if err != nil {
		return fmt.Errorf("open secret material: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(buf.Bytes())
	buf.Destroy()
	if err != nil {
		return fmt.Errorf("parse private key for %s: %w", cred.ID, err)
	}

	conn, err := v.dial(ctx, signer)
	if err != nil {
		return fmt.Errorf("login to %s as %s with %s: %w", v.addr, v.login, cred.ID, err)
	}
	defer conn.Close()

	marker, err := v.nonce()
	if err != nil {
		return err
	}
	path := "/tmp/keyturn-verify-" + marker[:8]

	if _, err := conn.Run(ctx, fmt.Sprintf("printf '%%s' %s > %s", marker, path)); err != nil {
		return fmt.Errorf("write marker on %s: %w", v.addr, err)
	}
	defer func() {
		if _, err := conn.Run(ctx, "rm -f "+path); err != nil {
			v.logger.Debug("could not remove marker file %s on %s", path, v.addr)
		}
	}()

	out, err := conn.Run(ctx, "cat "+path)
	if err != nil {
		return fmt.Errorf("read marker on %s: %w", v.addr, err)
	}
	if out != marker {
		return fmt.Errorf("marker round trip on %s failed: got %q, want %q", v.addr, out, marker)
	}

	v.logger.Debug("credential %s verified by login to %s", cred.ID, v.addr)
	return nil
}
