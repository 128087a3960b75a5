// Package config loads and validates the keyturn.yaml file.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	kterrors "github.com/systmms/keyturn/internal/errors"
	"github.com/systmms/keyturn/internal/logging"
)

// Config holds the runtime configuration
type Config struct {
	Path       string
	Logger     *logging.Logger
	Definition *Definition
}

// Definition represents the keyturn.yaml structure
type Definition struct {
	Version    int                 `yaml:"version"`
	Rotation   Tuning              `yaml:"rotation,omitempty"`
	Identities map[string]Identity `yaml:"identities"`
}

// Tuning controls the propagation poll and verification timing. Zero
// fields fall back to the defaults.
type Tuning struct {
	MaxAttempts     int `yaml:"max_attempts,omitempty"`
	PollIntervalMs  int `yaml:"poll_interval_ms,omitempty"`
	VerifyTimeoutMs int `yaml:"verify_timeout_ms,omitempty"`
}

// Identity binds one rotatable identity to its credential store and its
// verification target.
type Identity struct {
	Store  StoreConfig  `yaml:"store"`
	Verify VerifyConfig `yaml:"verify"`
}

// StoreConfig holds store-specific configuration
type StoreConfig struct {
	Type   string                 `yaml:"type"`
	Config map[string]interface{} `yaml:",inline"`
}

// VerifyConfig holds verifier-specific configuration
type VerifyConfig struct {
	Type   string                 `yaml:"type"`
	Config map[string]interface{} `yaml:",inline"`
}

const (
	defaultMaxAttempts     = 20
	defaultPollIntervalMs  = 3000
	defaultVerifyTimeoutMs = 30000
)

// Load reads and validates the file at c.Path.
func (c *Config) Load() error {
	data, err := os.ReadFile(c.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return kterrors.ConfigError{
				Field:      "path",
				Value:      c.Path,
				Message:    "configuration file not found",
				Suggestion: "Create a keyturn.yaml or pass --config with its location",
			}
		}
		return kterrors.UserError{
			Message:    "Failed to read configuration file",
			Details:    err.Error(),
			Suggestion: "Check file permissions and path",
			Err:        err,
		}
	}

	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return kterrors.ConfigError{
			Message:    "invalid YAML syntax in configuration file",
			Suggestion: "Check for indentation errors, missing quotes, or invalid characters. Use a YAML validator",
		}
	}

	if def.Version != 0 {
		return kterrors.ConfigError{
			Field:      "version",
			Value:      def.Version,
			Message:    "unsupported configuration version",
			Suggestion: "Set 'version: 0' at the top of your keyturn.yaml file",
		}
	}

	if len(def.Identities) == 0 {
		return kterrors.ConfigError{
			Field:      "identities",
			Message:    "no identities defined",
			Suggestion: "Define at least one identity with a store and a verify section",
		}
	}

	for name, identity := range def.Identities {
		if identity.Store.Type == "" {
			return kterrors.ConfigError{
				Field:   fmt.Sprintf("identities.%s.store.type", name),
				Message: "missing store type",
			}
		}
		if identity.Verify.Type == "" {
			return kterrors.ConfigError{
				Field:   fmt.Sprintf("identities.%s.verify.type", name),
				Message: "missing verify type",
			}
		}
	}

	c.Definition = &def
	return nil
}

// Identity returns the configuration for a named identity.
func (c *Config) Identity(name string) (Identity, error) {
	if c.Definition == nil {
		return Identity{}, kterrors.UserError{
			Message:    "Configuration not loaded",
			Suggestion: "This is an internal error. Please report it",
		}
	}

	identity, ok := c.Definition.Identities[name]
	if !ok {
		return Identity{}, kterrors.ConfigError{
			Field:      "identity",
			Value:      name,
			Message:    "identity not found",
			Suggestion: fmt.Sprintf("Available identities: %s", strings.Join(c.IdentityNames(), ", ")),
		}
	}
	return identity, nil
}

// IdentityNames lists the configured identities, sorted.
func (c *Config) IdentityNames() []string {
	if c.Definition == nil {
		return nil
	}
	names := make([]string, 0, len(c.Definition.Identities))
	for name := range c.Definition.Identities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetMaxAttempts returns the propagation poll budget.
func (t Tuning) GetMaxAttempts() int {
	if t.MaxAttempts > 0 {
		return t.MaxAttempts
	}
	return defaultMaxAttempts
}

// GetPollInterval returns the pause between propagation polls.
func (t Tuning) GetPollInterval() time.Duration {
	if t.PollIntervalMs > 0 {
		return time.Duration(t.PollIntervalMs) * time.Millisecond
	}
	return time.Duration(defaultPollIntervalMs) * time.Millisecond
}

// GetVerifyTimeout returns the per-call verification timeout.
func (t Tuning) GetVerifyTimeout() time.Duration {
	if t.VerifyTimeoutMs > 0 {
		return time.Duration(t.VerifyTimeoutMs) * time.Millisecond
	}
	return time.Duration(defaultVerifyTimeoutMs) * time.Millisecond
}
