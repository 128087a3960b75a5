package store

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/systmms/keyturn/internal/logging"
	"github.com/systmms/keyturn/internal/secure"
	"github.com/systmms/keyturn/internal/sshkey"
	"github.com/systmms/keyturn/internal/target"
	"github.com/systmms/keyturn/pkg/rotate"
)

// disabledPrefix marks an authorized_keys line as disabled without losing
// it. sshd treats the whole line as a comment; re-enabling strips the
// prefix back off.
const disabledPrefix = "#keyturn:disabled "

// SSHAuthorizedKeysStore manages the authorized keys of one login account
// on one target host. All mutations go through an administrative SSH
// connection that authenticates with its own key, never with the keys
// being rotated. Credential IDs are SHA256 public-key fingerprints.
type SSHAuthorizedKeysStore struct {
	host    string
	login   string
	comment string

	runner  target.Runner
	adapter target.Adapter
	keygen  func(comment string) (*sshkey.KeyPair, error)
	logger  *logging.Logger

	// artifactPath, when set, receives the committed public key line.
	artifactPath string

	// publicLines remembers lines minted by Create, keyed by fingerprint,
	// so AnnotateCommit can emit them without re-reading the host.
	publicLines map[string]string
}

// SSHOption is a functional option for configuring the store.
type SSHOption func(*SSHAuthorizedKeysStore)

// WithRunner sets a custom command runner (for testing).
func WithRunner(r target.Runner) SSHOption {
	return func(s *SSHAuthorizedKeysStore) {
		s.runner = r
	}
}

// WithAdapter sets the host adapter directly, skipping the probe.
func WithAdapter(a target.Adapter) SSHOption {
	return func(s *SSHAuthorizedKeysStore) {
		s.adapter = a
	}
}

// WithKeygen sets a custom key generator (for testing).
func WithKeygen(gen func(comment string) (*sshkey.KeyPair, error)) SSHOption {
	return func(s *SSHAuthorizedKeysStore) {
		s.keygen = gen
	}
}

// NewSSHAuthorizedKeysStore dials the target host with the administrative
// key and probes once for the host's key layout. The probe decision holds
// for the lifetime of the store.
func NewSSHAuthorizedKeysStore(ctx context.Context, storeConfig map[string]interface{}, logger *logging.Logger, opts ...SSHOption) (*SSHAuthorizedKeysStore, error) {
	host, _ := storeConfig["host"].(string)
	login, _ := storeConfig["login"].(string)
	if host == "" || login == "" {
		return nil, fmt.Errorf("ssh-authorized-keys store requires host and login")
	}

	s := &SSHAuthorizedKeysStore{
		host:        host,
		login:       login,
		comment:     fmt.Sprintf("keyturn:%s@%s", login, host),
		keygen:      sshkey.GenerateEd25519,
		logger:      logger,
		publicLines: map[string]string{},
	}
	if p, ok := storeConfig["artifact_path"].(string); ok {
		s.artifactPath = p
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.runner == nil {
		runner, err := dialAdmin(ctx, storeConfig)
		if err != nil {
			return nil, &rotate.StoreUnavailableError{Op: "connect to target host", Err: err}
		}
		s.runner = runner
	}

	if s.adapter == nil {
		probeCfg := target.ProbeConfig{}
		if p, ok := storeConfig["authorized_keys_path"].(string); ok {
			probeCfg.AuthorizedKeysPath = p
		}
		if p, ok := storeConfig["managed_keys_path"].(string); ok {
			probeCfg.ManagedKeysPath = p
		}
		if c, ok := storeConfig["reload_command"].(string); ok {
			probeCfg.ReloadCommand = c
		}
		adapter, err := target.Probe(ctx, s.runner, probeCfg)
		if err != nil {
			return nil, &rotate.StoreUnavailableError{Op: "probe target host", Err: err}
		}
		s.logger.Debug("target host %s uses %s key layout", host, adapter.Name())
		s.adapter = adapter
	}

	return s, nil
}

func dialAdmin(ctx context.Context, storeConfig map[string]interface{}) (*target.SSHRunner, error) {
	adminUser, _ := storeConfig["admin_user"].(string)
	adminKeyFile, _ := storeConfig["admin_key_file"].(string)
	if adminUser == "" || adminKeyFile == "" {
		return nil, fmt.Errorf("ssh-authorized-keys store requires admin_user and admin_key_file")
	}

	keyBytes, err := os.ReadFile(adminKeyFile)
	if err != nil {
		return nil, fmt.Errorf("read admin key %s: %w", adminKeyFile, err)
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("parse admin key %s: %w", adminKeyFile, err)
	}

	addr := storeConfig["host"].(string)
	if port, ok := storeConfig["port"].(int); ok && port != 0 {
		addr = fmt.Sprintf("%s:%d", addr, port)
	} else {
		addr += ":22"
	}

	dialOpts := target.DialOptions{
		Addr:    addr,
		User:    adminUser,
		Signer:  signer,
		Timeout: 15 * time.Second,
	}
	if p, ok := storeConfig["known_hosts_path"].(string); ok {
		dialOpts.KnownHostsPath = p
	}
	if insecure, ok := storeConfig["insecure_host_key"].(bool); ok {
		dialOpts.InsecureHostKey = insecure
	}

	return target.DialRunner(ctx, dialOpts)
}

// List parses the authorized-keys material into credentials. Lines held
// under the disabled marker count as Inactive; foreign comments and options
// are preserved but not reported.
func (s *SSHAuthorizedKeysStore) List(ctx context.Context, _ string) ([]rotate.Credential, error) {
	content, err := s.adapter.ReadAuthorizedKeys(ctx, s.runner)
	if err != nil {
		return nil, &rotate.StoreUnavailableError{Op: "read authorized keys", Err: err}
	}

	var creds []rotate.Credential
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		status := rotate.StatusActive
		keyLine := trimmed
		if strings.HasPrefix(trimmed, disabledPrefix) {
			status = rotate.StatusInactive
			keyLine = strings.TrimPrefix(trimmed, disabledPrefix)
		} else if strings.HasPrefix(trimmed, "#") {
			continue
		}

		fp, err := sshkey.Fingerprint(keyLine)
		if err != nil {
			s.logger.Warn("skipping unparsable authorized_keys line on %s", s.host)
			continue
		}
		creds = append(creds, rotate.Credential{ID: fp, Status: status})
	}
	return creds, nil
}

// Create generates a key pair locally and appends the public line on the
// host. The private key never touches the target.
func (s *SSHAuthorizedKeysStore) Create(ctx context.Context, _ string) (rotate.Credential, error) {
	kp, err := s.keygen(s.comment)
	if err != nil {
		return rotate.Credential{}, fmt.Errorf("generate key pair: %w", err)
	}

	content, err := s.adapter.ReadAuthorizedKeys(ctx, s.runner)
	if err != nil {
		return rotate.Credential{}, fmt.Errorf("read authorized keys: %w", err)
	}
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	content += kp.PublicLine + "\n"

	if err := s.adapter.WriteAuthorizedKeys(ctx, s.runner, content); err != nil {
		return rotate.Credential{}, fmt.Errorf("install public key: %w", err)
	}

	s.publicLines[kp.Fingerprint] = kp.PublicLine
	return rotate.Credential{
		ID:     kp.Fingerprint,
		Secret: secure.NewMaterial(kp.PrivatePEM),
		Status: rotate.StatusActive,
	}, nil
}

// SetStatus comments a key line out (Inactive) or back in (Active).
func (s *SSHAuthorizedKeysStore) SetStatus(ctx context.Context, id string, status rotate.Status) error {
	switch status {
	case rotate.StatusActive, rotate.StatusInactive:
	default:
		return fmt.Errorf("ssh-authorized-keys store cannot set status %q", status)
	}

	// rewriteLine hands us the bare key line, so the rewrite is idempotent:
	// disabling an already-disabled key re-emits the same marker.
	return s.rewriteLine(ctx, id, func(line string, _ bool) (string, bool) {
		if status == rotate.StatusInactive {
			return disabledPrefix + line, true
		}
		return line, true
	})
}

// Delete removes the key line entirely.
func (s *SSHAuthorizedKeysStore) Delete(ctx context.Context, id string) error {
	return s.rewriteLine(ctx, id, func(string, bool) (string, bool) {
		return "", false
	})
}

// rewriteLine rewrites the authorized-keys material, transforming the line
// whose fingerprint matches id. transform receives the bare key line and
// whether it was disabled; returning keep=false drops the line.
func (s *SSHAuthorizedKeysStore) rewriteLine(ctx context.Context, id string, transform func(line string, disabled bool) (string, bool)) error {
	content, err := s.adapter.ReadAuthorizedKeys(ctx, s.runner)
	if err != nil {
		return &rotate.StoreUnavailableError{Op: "read authorized keys", Err: err}
	}

	var out []string
	found := false
	for _, line := range strings.Split(strings.TrimRight(content, "\n"), "\n") {
		trimmed := strings.TrimSpace(line)
		keyLine := trimmed
		disabled := false
		if strings.HasPrefix(trimmed, disabledPrefix) {
			disabled = true
			keyLine = strings.TrimPrefix(trimmed, disabledPrefix)
		}

		if trimmed != "" && !strings.HasPrefix(keyLine, "#") {
			if fp, ferr := sshkey.Fingerprint(keyLine); ferr == nil && fp == id {
				found = true
				if replacement, keep := transform(keyLine, disabled); keep {
					out = append(out, replacement)
				}
				continue
			}
		}
		out = append(out, line)
	}

	if !found {
		return fmt.Errorf("key %s on %s: %w", id, s.host, rotate.ErrNotFound)
	}

	content = strings.Join(out, "\n")
	if content != "" {
		content += "\n"
	}
	return s.adapter.WriteAuthorizedKeys(ctx, s.runner, content)
}

// AnnotateCommit writes the committed public key line to the configured
// artifact path. Best-effort bookkeeping only.
func (s *SSHAuthorizedKeysStore) AnnotateCommit(_ context.Context, credentialID string) error {
	if s.artifactPath == "" {
		return nil
	}
	line, ok := s.publicLines[credentialID]
	if !ok {
		return fmt.Errorf("no public key recorded for %s", credentialID)
	}
	if err := os.WriteFile(s.artifactPath, []byte(line+"\n"), 0o644); err != nil {
		return fmt.Errorf("write public key artifact: %w", err)
	}
	return nil
}

// Close shuts the administrative connection when the store owns one.
func (s *SSHAuthorizedKeysStore) Close() error {
	if closer, ok := s.runner.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
