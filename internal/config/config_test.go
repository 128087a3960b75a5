package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kterrors "github.com/systmms/keyturn/internal/errors"
	"github.com/systmms/keyturn/internal/logging"
)

const sampleConfig = `version: 0

rotation:
  max_attempts: 10
  poll_interval_ms: 500
  verify_timeout_ms: 5000

identities:
  ci-deployer:
    store:
      type: aws-iam
      username: ci-deployer
      region: eu-west-1
    verify:
      type: s3-object
      region: eu-west-1
      bucket: keyturn-canary
      key: canary.txt
      sha256: 9a271f2a916b0b6ee6cecb2426f0b3206ef074578be55d9bc94f6f3fe3ab86aa
  deploy@web-1:
    store:
      type: ssh-authorized-keys
      host: web-1.example.com
      login: deploy
      admin_user: root
      admin_key_file: /etc/keyturn/admin_ed25519
    verify:
      type: ssh-login
      host: web-1.example.com
      login: deploy
`

func writeConfig(t *testing.T, content string) *Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keyturn.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return &Config{Path: path, Logger: logging.New(false, true)}
}

func TestLoadSampleConfig(t *testing.T) {
	cfg := writeConfig(t, sampleConfig)
	require.NoError(t, cfg.Load())

	assert.Equal(t, []string{"ci-deployer", "deploy@web-1"}, cfg.IdentityNames())

	identity, err := cfg.Identity("ci-deployer")
	require.NoError(t, err)
	assert.Equal(t, "aws-iam", identity.Store.Type)
	assert.Equal(t, "ci-deployer", identity.Store.Config["username"])
	assert.Equal(t, "s3-object", identity.Verify.Type)
	assert.Equal(t, "keyturn-canary", identity.Verify.Config["bucket"])

	tuning := cfg.Definition.Rotation
	assert.Equal(t, 10, tuning.GetMaxAttempts())
	assert.Equal(t, 500*time.Millisecond, tuning.GetPollInterval())
	assert.Equal(t, 5*time.Second, tuning.GetVerifyTimeout())
}

func TestTuningDefaults(t *testing.T) {
	var tuning Tuning
	assert.Equal(t, 20, tuning.GetMaxAttempts())
	assert.Equal(t, 3*time.Second, tuning.GetPollInterval())
	assert.Equal(t, 30*time.Second, tuning.GetVerifyTimeout())
}

func TestLoadMissingFile(t *testing.T) {
	cfg := &Config{Path: "/nonexistent/keyturn.yaml", Logger: logging.New(false, true)}
	err := cfg.Load()
	var cfgErr kterrors.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, cfgErr.Message, "not found")
}

func TestLoadInvalidYAML(t *testing.T) {
	cfg := writeConfig(t, "identities: [broken")
	err := cfg.Load()
	assert.ErrorContains(t, err, "invalid YAML syntax")
}

func TestLoadUnsupportedVersion(t *testing.T) {
	cfg := writeConfig(t, "version: 3\nidentities:\n  a:\n    store: {type: aws-iam}\n    verify: {type: s3-object}\n")
	err := cfg.Load()
	assert.ErrorContains(t, err, "unsupported configuration version")
}

func TestLoadNoIdentities(t *testing.T) {
	cfg := writeConfig(t, "version: 0\nidentities: {}\n")
	err := cfg.Load()
	assert.ErrorContains(t, err, "no identities defined")
}

func TestLoadMissingTypes(t *testing.T) {
	cfg := writeConfig(t, "version: 0\nidentities:\n  a:\n    store: {username: u}\n    verify: {type: s3-object}\n")
	assert.ErrorContains(t, cfg.Load(), "missing store type")

	cfg = writeConfig(t, "version: 0\nidentities:\n  a:\n    store: {type: aws-iam}\n    verify: {bucket: b}\n")
	assert.ErrorContains(t, cfg.Load(), "missing verify type")
}

func TestIdentityNotFound(t *testing.T) {
	cfg := writeConfig(t, sampleConfig)
	require.NoError(t, cfg.Load())

	_, err := cfg.Identity("prod-deployer")
	var cfgErr kterrors.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, cfgErr.Suggestion, "ci-deployer")
}

func TestIdentityBeforeLoad(t *testing.T) {
	cfg := &Config{Path: "unused", Logger: logging.New(false, true)}
	_, err := cfg.Identity("anything")
	assert.ErrorContains(t, err, "Configuration not loaded")
}
