package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/keyturn/internal/config"
	"github.com/systmms/keyturn/internal/logging"
)

func withStubbedSTS(t *testing.T, err error) {
	t.Helper()
	orig := stsCallerIdentity
	stsCallerIdentity = func(context.Context, string) error { return err }
	t.Cleanup(func() { stsCallerIdentity = orig })
}

func TestCheckIdentityAWS(t *testing.T) {
	withStubbedSTS(t, nil)
	identity := config.Identity{
		Store: config.StoreConfig{Type: "aws-iam", Config: map[string]interface{}{"region": "eu-west-1"}},
	}
	assert.NoError(t, checkIdentity(context.Background(), identity))

	withStubbedSTS(t, fmt.Errorf("ExpiredToken"))
	assert.ErrorContains(t, checkIdentity(context.Background(), identity), "ExpiredToken")
}

func TestCheckIdentitySSH(t *testing.T) {
	identity := config.Identity{
		Store: config.StoreConfig{Type: "ssh-authorized-keys", Config: map[string]interface{}{}},
	}
	assert.ErrorContains(t, checkIdentity(context.Background(), identity), "admin_key_file not configured")

	keyFile := filepath.Join(t.TempDir(), "admin_ed25519")
	require.NoError(t, os.WriteFile(keyFile, []byte("key"), 0o600))
	identity.Store.Config["admin_key_file"] = keyFile
	assert.NoError(t, checkIdentity(context.Background(), identity))
}

func TestCheckIdentityGCP(t *testing.T) {
	identity := config.Identity{
		Store: config.StoreConfig{Type: "gcp-serviceaccount", Config: map[string]interface{}{}},
	}
	// Ambient credentials: nothing to check locally.
	assert.NoError(t, checkIdentity(context.Background(), identity))

	identity.Store.Config["credentials_file"] = "/nonexistent/key.json"
	assert.Error(t, checkIdentity(context.Background(), identity))
}

func TestCheckIdentityUnknownStore(t *testing.T) {
	identity := config.Identity{Store: config.StoreConfig{Type: "vault-transit"}}
	assert.ErrorContains(t, checkIdentity(context.Background(), identity), "unknown store type")
}

func TestDoctorCommand(t *testing.T) {
	withStubbedSTS(t, nil)

	path := filepath.Join(t.TempDir(), "keyturn.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`version: 0
identities:
  ci-deployer:
    store:
      type: aws-iam
      username: ci-deployer
    verify:
      type: s3-object
      bucket: b
      key: k
      sha256: abc
`), 0o600))

	cfg := &config.Config{Path: path, Logger: logging.New(false, true)}
	cmd := NewDoctorCommand(cfg)
	cmd.SetArgs([]string{})
	assert.NoError(t, cmd.Execute())
}

func TestDoctorCommandReportsFailures(t *testing.T) {
	withStubbedSTS(t, fmt.Errorf("no credentials"))

	path := filepath.Join(t.TempDir(), "keyturn.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`version: 0
identities:
  ci-deployer:
    store:
      type: aws-iam
      username: ci-deployer
    verify:
      type: s3-object
      bucket: b
      key: k
      sha256: abc
`), 0o600))

	cfg := &config.Config{Path: path, Logger: logging.New(false, true)}
	cmd := NewDoctorCommand(cfg)
	cmd.SetArgs([]string{})
	assert.ErrorContains(t, cmd.Execute(), "1 of 1 identities failed")
}

func TestRotateCommandRequiresIdentity(t *testing.T) {
	cfg := &config.Config{Logger: logging.New(false, true)}
	cmd := NewRotateCommand(cfg)
	cmd.SetArgs([]string{})
	assert.ErrorContains(t, cmd.Execute(), "identity")
}

func TestPlanCommandRequiresIdentity(t *testing.T) {
	cfg := &config.Config{Logger: logging.New(false, true)}
	cmd := NewPlanCommand(cfg)
	cmd.SetArgs([]string{})
	assert.ErrorContains(t, cmd.Execute(), "identity")
}
