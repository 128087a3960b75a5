package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/systmms/keyturn/internal/logging"
	"github.com/systmms/keyturn/internal/sshkey"
	"github.com/systmms/keyturn/internal/target"
	"github.com/systmms/keyturn/pkg/rotate"
)

// memAdapter keeps the authorized-keys content in memory.
type memAdapter struct {
	content string
	Writes  int
}

func (m *memAdapter) Name() string { return "mem" }

func (m *memAdapter) ReadAuthorizedKeys(context.Context, target.Runner) (string, error) {
	return m.content, nil
}

func (m *memAdapter) WriteAuthorizedKeys(_ context.Context, _ target.Runner, content string) error {
	m.content = content
	m.Writes++
	return nil
}

type noopRunner struct{}

func (noopRunner) Run(context.Context, string) (string, error) { return "", nil }

func newSSHStore(t *testing.T, mem *memAdapter, extra map[string]interface{}) *SSHAuthorizedKeysStore {
	t.Helper()
	cfg := map[string]interface{}{
		"host":  "web-1.example.com",
		"login": "deploy",
	}
	for k, v := range extra {
		cfg[k] = v
	}
	s, err := NewSSHAuthorizedKeysStore(context.Background(), cfg, logging.New(false, true),
		WithAdapter(mem), WithRunner(noopRunner{}))
	require.NoError(t, err)
	return s
}

func TestSSHStoreRequiresHostAndLogin(t *testing.T) {
	_, err := NewSSHAuthorizedKeysStore(context.Background(), map[string]interface{}{"host": "h"},
		logging.New(false, true), WithAdapter(&memAdapter{}), WithRunner(noopRunner{}))
	assert.ErrorContains(t, err, "host and login")
}

func TestSSHStoreCreateAndList(t *testing.T) {
	mem := &memAdapter{content: "# managed by keyturn\n"}
	s := newSSHStore(t, mem, nil)

	cred, err := s.Create(context.Background(), "deploy@web-1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(cred.ID, "SHA256:"))
	assert.Equal(t, rotate.StatusActive, cred.Status)

	// The private key stays local and parses as OpenSSH PEM.
	buf, err := cred.Secret.Open()
	require.NoError(t, err)
	_, parseErr := ssh.ParsePrivateKey(buf.Bytes())
	buf.Destroy()
	require.NoError(t, parseErr)

	// The host got exactly the public line, comment included.
	assert.Contains(t, mem.content, "ssh-ed25519 ")
	assert.Contains(t, mem.content, "keyturn:deploy@web-1.example.com")
	assert.NotContains(t, mem.content, "PRIVATE KEY")

	creds, err := s.List(context.Background(), "deploy@web-1")
	require.NoError(t, err)
	require.Len(t, creds, 1)
	assert.Equal(t, cred.ID, creds[0].ID)
	assert.Equal(t, rotate.StatusActive, creds[0].Status)
}

func TestSSHStoreDisableEnableRoundTrip(t *testing.T) {
	mem := &memAdapter{}
	s := newSSHStore(t, mem, nil)

	cred, err := s.Create(context.Background(), "deploy@web-1")
	require.NoError(t, err)

	require.NoError(t, s.SetStatus(context.Background(), cred.ID, rotate.StatusInactive))
	assert.Contains(t, mem.content, disabledPrefix+"ssh-ed25519")

	creds, err := s.List(context.Background(), "deploy@web-1")
	require.NoError(t, err)
	require.Len(t, creds, 1)
	assert.Equal(t, rotate.StatusInactive, creds[0].Status)

	require.NoError(t, s.SetStatus(context.Background(), cred.ID, rotate.StatusActive))
	assert.NotContains(t, mem.content, disabledPrefix)

	creds, err = s.List(context.Background(), "deploy@web-1")
	require.NoError(t, err)
	assert.Equal(t, rotate.StatusActive, creds[0].Status)
}

func TestSSHStoreDelete(t *testing.T) {
	mem := &memAdapter{}
	s := newSSHStore(t, mem, nil)

	first, err := s.Create(context.Background(), "deploy@web-1")
	require.NoError(t, err)
	second, err := s.Create(context.Background(), "deploy@web-1")
	require.NoError(t, err)

	require.NoError(t, s.Delete(context.Background(), first.ID))

	creds, err := s.List(context.Background(), "deploy@web-1")
	require.NoError(t, err)
	require.Len(t, creds, 1)
	assert.Equal(t, second.ID, creds[0].ID)
}

func TestSSHStorePreservesForeignLines(t *testing.T) {
	other, err := sshkey.GenerateEd25519("someone-else")
	require.NoError(t, err)
	seed := "# ops-team header\n" + other.PublicLine + "\n"
	mem := &memAdapter{content: seed}
	s := newSSHStore(t, mem, nil)

	cred, err := s.Create(context.Background(), "deploy@web-1")
	require.NoError(t, err)
	require.NoError(t, s.SetStatus(context.Background(), cred.ID, rotate.StatusInactive))
	require.NoError(t, s.Delete(context.Background(), cred.ID))

	assert.Contains(t, mem.content, "# ops-team header")
	assert.Contains(t, mem.content, other.PublicLine)
}

func TestSSHStoreNotFound(t *testing.T) {
	mem := &memAdapter{}
	s := newSSHStore(t, mem, nil)
	_, err := s.Create(context.Background(), "deploy@web-1")
	require.NoError(t, err)

	err = s.SetStatus(context.Background(), "SHA256:doesnotexist", rotate.StatusInactive)
	assert.True(t, errors.Is(err, rotate.ErrNotFound))

	err = s.Delete(context.Background(), "SHA256:doesnotexist")
	assert.True(t, errors.Is(err, rotate.ErrNotFound))
}

func TestSSHStoreAnnotateCommit(t *testing.T) {
	artifact := filepath.Join(t.TempDir(), "deploy.pub")
	mem := &memAdapter{}
	s := newSSHStore(t, mem, map[string]interface{}{"artifact_path": artifact})

	cred, err := s.Create(context.Background(), "deploy@web-1")
	require.NoError(t, err)

	require.NoError(t, s.AnnotateCommit(context.Background(), cred.ID))

	data, err := os.ReadFile(artifact)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "ssh-ed25519 "))

	// Unknown credential: nothing to emit.
	assert.Error(t, s.AnnotateCommit(context.Background(), "SHA256:unknown"))
}

func TestSSHStoreAnnotateCommitWithoutArtifactPath(t *testing.T) {
	s := newSSHStore(t, &memAdapter{}, nil)
	assert.NoError(t, s.AnnotateCommit(context.Background(), "SHA256:whatever"))
}

func TestSSHStoreClose(t *testing.T) {
	s := newSSHStore(t, &memAdapter{}, nil)
	assert.NoError(t, s.Close())
}
