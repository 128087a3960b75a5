package commands

import (
	"context"
	"errors"
	"io"

	"github.com/systmms/keyturn/internal/config"
	kterrors "github.com/systmms/keyturn/internal/errors"
	"github.com/systmms/keyturn/internal/store"
	"github.com/systmms/keyturn/internal/verify"
	"github.com/systmms/keyturn/pkg/rotate"
)

// ExitError carries a specific process exit code up to main. Scripts branch
// on rotation exit codes, so commands wrap their outcome errors in one.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// buildRotation wires the orchestrator for one configured identity. The
// returned cleanup closes the store's connection when it holds one.
func buildRotation(ctx context.Context, cfg *config.Config, identityName string) (*rotate.Orchestrator, rotate.CredentialStore, func(), error) {
	identity, err := cfg.Identity(identityName)
	if err != nil {
		return nil, nil, nil, err
	}

	credStore, err := store.New(ctx, identity.Store.Type, identity.Store.Config, cfg.Logger)
	if err != nil {
		// Config mistakes already render their own suggestion; everything
		// else gets the store-specific remediation hint.
		var cfgErr kterrors.ConfigError
		if errors.As(err, &cfgErr) {
			return nil, nil, nil, err
		}
		return nil, nil, nil, kterrors.StoreError(identity.Store.Type, "initialization", err)
	}
	cleanup := func() {
		if closer, ok := credStore.(io.Closer); ok {
			_ = closer.Close()
		}
	}

	tuning := cfg.Definition.Rotation
	verifier, err := verify.New(identity.Verify.Type, verifyConfigFor(identity), tuning.GetVerifyTimeout(), cfg.Logger)
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}

	waiter := rotate.NewFixedIntervalWaiter(tuning.GetPollInterval(), tuning.GetMaxAttempts(), cfg.Logger)
	return rotate.NewOrchestrator(credStore, verifier, waiter, cfg.Logger), credStore, cleanup, nil
}

// verifyConfigFor merges store-side target fields into the verify section,
// so an ssh-login verifier inherits host, login and host-key settings from
// the store unless overridden.
func verifyConfigFor(identity config.Identity) map[string]interface{} {
	merged := make(map[string]interface{}, len(identity.Verify.Config))
	for _, key := range []string{"host", "port", "login", "known_hosts_path", "insecure_host_key"} {
		if v, ok := identity.Store.Config[key]; ok {
			merged[key] = v
		}
	}
	for k, v := range identity.Verify.Config {
		merged[k] = v
	}
	return merged
}
