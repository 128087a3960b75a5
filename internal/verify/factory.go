package verify

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/systmms/keyturn/internal/errors"
	"github.com/systmms/keyturn/internal/logging"
	"github.com/systmms/keyturn/pkg/rotate"
)

// builders maps the config "type" field to a verifier constructor.
var builders = map[string]func(cfg map[string]interface{}, timeout time.Duration, logger *logging.Logger) (rotate.Verifier, error){
	"s3-object": func(cfg map[string]interface{}, timeout time.Duration, logger *logging.Logger) (rotate.Verifier, error) {
		return NewS3ObjectVerifier(cfg, timeout, logger)
	},
	"gcs-object": func(cfg map[string]interface{}, timeout time.Duration, logger *logging.Logger) (rotate.Verifier, error) {
		return NewGCSObjectVerifier(cfg, timeout, logger)
	},
	"ssh-login": func(cfg map[string]interface{}, timeout time.Duration, logger *logging.Logger) (rotate.Verifier, error) {
		return NewSSHLoginVerifier(cfg, timeout, logger)
	},
}

// New builds the verifier named by verifyType.
func New(verifyType string, cfg map[string]interface{}, timeout time.Duration, logger *logging.Logger) (rotate.Verifier, error) {
	build, ok := builders[verifyType]
	if !ok {
		return nil, errors.ConfigError{
			Field:      "verify.type",
			Value:      verifyType,
			Message:    "unknown verifier type",
			Suggestion: fmt.Sprintf("Supported types: %s", strings.Join(Types(), ", ")),
		}
	}
	v, err := build(cfg, timeout, logger)
	if err != nil {
		return nil, fmt.Errorf("build %s verifier: %w", verifyType, err)
	}
	return v, nil
}

// Types lists the supported verifier types, sorted.
func Types() []string {
	types := make([]string, 0, len(builders))
	for t := range builders {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
