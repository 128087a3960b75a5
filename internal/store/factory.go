package store

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/systmms/keyturn/internal/errors"
	"github.com/systmms/keyturn/internal/logging"
	"github.com/systmms/keyturn/pkg/rotate"
)

// builders maps the config "type" field to a store constructor.
var builders = map[string]func(ctx context.Context, cfg map[string]interface{}, logger *logging.Logger) (rotate.CredentialStore, error){
	"aws-iam": func(ctx context.Context, cfg map[string]interface{}, logger *logging.Logger) (rotate.CredentialStore, error) {
		return NewAWSIAMStore(ctx, cfg, logger)
	},
	"gcp-serviceaccount": func(ctx context.Context, cfg map[string]interface{}, logger *logging.Logger) (rotate.CredentialStore, error) {
		return NewGCPServiceAccountStore(ctx, cfg, logger)
	},
	"ssh-authorized-keys": func(ctx context.Context, cfg map[string]interface{}, logger *logging.Logger) (rotate.CredentialStore, error) {
		return NewSSHAuthorizedKeysStore(ctx, cfg, logger)
	},
}

// New builds the credential store named by storeType.
func New(ctx context.Context, storeType string, cfg map[string]interface{}, logger *logging.Logger) (rotate.CredentialStore, error) {
	build, ok := builders[storeType]
	if !ok {
		return nil, errors.ConfigError{
			Field:      "store.type",
			Value:      storeType,
			Message:    "unknown credential store type",
			Suggestion: fmt.Sprintf("Supported types: %s", strings.Join(Types(), ", ")),
		}
	}
	return build(ctx, cfg, logger)
}

// Types lists the supported store types, sorted.
func Types() []string {
	types := make([]string, 0, len(builders))
	for t := range builders {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
