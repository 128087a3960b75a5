package commands

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/keyturn/internal/config"
	kterrors "github.com/systmms/keyturn/internal/errors"
	"github.com/systmms/keyturn/internal/logging"
)

func TestExitErrorUnwraps(t *testing.T) {
	inner := fmt.Errorf("propagation timeout")
	err := error(&ExitError{Code: 3, Err: inner})

	var exitErr *ExitError
	assert.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 3, exitErr.Code)
	assert.Equal(t, "propagation timeout", err.Error())
	assert.True(t, errors.Is(err, inner))
}

func loadedConfig(identities map[string]config.Identity) *config.Config {
	return &config.Config{
		Logger:     logging.New(false, true),
		Definition: &config.Definition{Identities: identities},
	}
}

func TestBuildRotationRendersStoreHints(t *testing.T) {
	// The ssh store cannot even construct without an admin key; the
	// failure must surface as a store error with remediation context, not
	// a bare wrapped error.
	cfg := loadedConfig(map[string]config.Identity{
		"deploy@web-1": {
			Store: config.StoreConfig{
				Type:   "ssh-authorized-keys",
				Config: map[string]interface{}{"host": "web-1.example.com", "login": "deploy"},
			},
			Verify: config.VerifyConfig{Type: "ssh-login", Config: map[string]interface{}{}},
		},
	})

	_, _, _, err := buildRotation(context.Background(), cfg, "deploy@web-1")
	var userErr kterrors.UserError
	require.ErrorAs(t, err, &userErr)
	assert.Contains(t, userErr.Message, "ssh-authorized-keys store error during initialization")
	assert.ErrorContains(t, userErr.Err, "admin_user and admin_key_file")
}

func TestBuildRotationKeepsConfigErrors(t *testing.T) {
	// An unknown store type already carries its own suggestion and must
	// not be re-wrapped.
	cfg := loadedConfig(map[string]config.Identity{
		"broken": {
			Store:  config.StoreConfig{Type: "vault-transit", Config: map[string]interface{}{}},
			Verify: config.VerifyConfig{Type: "s3-object", Config: map[string]interface{}{}},
		},
	})

	_, _, _, err := buildRotation(context.Background(), cfg, "broken")
	var cfgErr kterrors.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	var userErr kterrors.UserError
	assert.False(t, errors.As(err, &userErr))
}

func TestVerifyConfigForInheritsStoreTarget(t *testing.T) {
	identity := config.Identity{
		Store: config.StoreConfig{
			Type: "ssh-authorized-keys",
			Config: map[string]interface{}{
				"host":              "web-1.example.com",
				"login":             "deploy",
				"insecure_host_key": true,
				"admin_user":        "root",
			},
		},
		Verify: config.VerifyConfig{
			Type:   "ssh-login",
			Config: map[string]interface{}{},
		},
	}

	merged := verifyConfigFor(identity)
	assert.Equal(t, "web-1.example.com", merged["host"])
	assert.Equal(t, "deploy", merged["login"])
	assert.Equal(t, true, merged["insecure_host_key"])

	// Admin-side settings never leak into the verifier.
	_, hasAdmin := merged["admin_user"]
	assert.False(t, hasAdmin)
}

func TestVerifyConfigForExplicitOverrides(t *testing.T) {
	identity := config.Identity{
		Store: config.StoreConfig{
			Config: map[string]interface{}{"host": "web-1.example.com", "login": "deploy"},
		},
		Verify: config.VerifyConfig{
			Config: map[string]interface{}{"host": "web-1-verify.example.com"},
		},
	}

	merged := verifyConfigFor(identity)
	assert.Equal(t, "web-1-verify.example.com", merged["host"])
	assert.Equal(t, "deploy", merged["login"])
}
