package rotate

import (
	"context"
	"errors"
	"fmt"

	"github.com/systmms/keyturn/internal/logging"
)

// CredentialCeiling is the hard cap on live credentials per identity. The
// backing stores enforce it too (AWS IAM allows exactly two access keys),
// but the orchestrator prechecks so a blocked rotation performs no mutation
// at all.
const CredentialCeiling = 2

// Orchestrator drives one rotation session through the protocol state
// machine. All I/O goes through the injected store, verifier, and waiter.
type Orchestrator struct {
	store    CredentialStore
	verifier Verifier
	waiter   PropagationWaiter
	logger   *logging.Logger

	// ceiling is the maximum number of live credentials per identity.
	ceiling int
}

// NewOrchestrator wires an orchestrator from its collaborators.
func NewOrchestrator(store CredentialStore, verifier Verifier, waiter PropagationWaiter, logger *logging.Logger) *Orchestrator {
	return &Orchestrator{
		store:    store,
		verifier: verifier,
		waiter:   waiter,
		logger:   logger,
		ceiling:  CredentialCeiling,
	}
}

// Precheck lists the identity's credentials and reports whether rotation can
// proceed. It never mutates the store, which makes it the whole of the
// `plan` command.
func (o *Orchestrator) Precheck(ctx context.Context, identity string) ([]Credential, error) {
	creds, err := o.store.List(ctx, identity)
	if err != nil {
		return nil, err
	}
	if len(creds) >= o.ceiling {
		return creds, &QuotaExceededError{Identity: identity, Limit: o.ceiling}
	}
	return creds, nil
}

// Rotate runs one session end to end and returns its terminal Outcome. The
// returned error is non-nil exactly when the outcome is an abort; it wraps
// the underlying failure for context, while the Outcome classifies it.
//
// There is no automatic retry of the whole session; the only retries are the
// bounded verification poll while propagating. An interrupted run leaves the
// store in whatever intermediate state it last reached; the next run
// re-derives state from a fresh precheck listing.
func (o *Orchestrator) Rotate(ctx context.Context, identity string) (*Outcome, error) {
	session := NewSession(identity)

	// PRECHECK
	o.logger.Debug("listing credentials for %s", identity)
	creds, err := o.store.List(ctx, identity)
	if err != nil {
		return o.abort(session, AbortStoreUnavailable, "", fmt.Errorf("precheck: %w", err))
	}
	session.Observed = creds

	if len(creds) >= o.ceiling {
		// Creating a third credential would violate the store's ceiling.
		// Abort before any mutation.
		err := &QuotaExceededError{Identity: identity, Limit: o.ceiling}
		return o.abort(session, AbortTooManyCredentials, activeCredentialID(creds), err)
	}

	var old *Credential
	if len(creds) == 1 {
		c := creds[0]
		old = &c
		session.Old = old
		session.OldInitialStatus = c.Status
		o.logger.Info("rotating credential %s for %s", old.ID, identity)
	} else {
		o.logger.Info("no existing credential for %s, issuing first credential", identity)
	}

	// CREATING
	if err := session.TransitionTo(StateCreating, "precheck passed"); err != nil {
		return nil, err
	}
	newCred, err := o.store.Create(ctx, identity)
	if err != nil {
		return o.abort(session, AbortCreationFailed, oldID(old), fmt.Errorf("create credential: %w", err))
	}
	session.New = &newCred
	o.logger.Info("created credential %s for %s", newCred.ID, identity)

	// PROPAGATING / VERIFY_NEW
	if err := session.TransitionTo(StatePropagating, "credential created"); err != nil {
		return nil, err
	}
	verifyErr := o.waiter.PollUntil(ctx, func(ctx context.Context) error {
		session.VerifyAttempts++
		return o.verifier.Verify(ctx, newCred)
	})
	if verifyErr != nil {
		// ROLLBACK_NEW: the new credential never worked. Delete it so the
		// identity is back to exactly its precheck state.
		if err := session.TransitionTo(StateRollbackNew, verifyErr.Error()); err != nil {
			return nil, err
		}
		o.logger.Warn("credential %s never verified, discarding it", newCred.ID)
		if delErr := o.store.Delete(ctx, newCred.ID); delErr != nil {
			// The unverified credential is now orphaned in the store.
			err := fmt.Errorf("delete unverified credential %s: %w (after: %w)", newCred.ID, delErr, verifyErr)
			return o.abort(session, AbortRollbackFailed, oldID(old), err)
		}
		return o.abort(session, AbortPropagationTimeout, oldID(old), verifyErr)
	}
	o.logger.Info("credential %s verified after %d attempt(s)", newCred.ID, session.VerifyAttempts)

	// First issuance: nothing to disable or delete, commit directly.
	if old == nil {
		if err := session.TransitionTo(StateCommitted, "first credential verified"); err != nil {
			return nil, err
		}
		return o.committed(session, newCred), nil
	}

	// DISABLE_OLD
	if err := session.TransitionTo(StateDisableOld, "new credential verified"); err != nil {
		return nil, err
	}
	if err := o.store.SetStatus(ctx, old.ID, StatusInactive); err != nil {
		// The old credential remains active; the identity is safe, but the
		// new credential is left behind for the operator to remove.
		return o.abort(session, AbortDisableFailed, old.ID, fmt.Errorf("disable credential %s: %w", old.ID, err))
	}
	o.logger.Info("disabled old credential %s", old.ID)

	// VERIFY_AFTER_DISABLE: one more verification with the old credential
	// out of the way, single attempt.
	if err := session.TransitionTo(StateVerifyAfterDisable, "old credential disabled"); err != nil {
		return nil, err
	}
	if verifyErr := o.verifier.Verify(ctx, newCred); verifyErr != nil {
		// REENABLE_OLD. Note the protocol does not re-verify the old
		// credential after re-enabling it; re-enable is assumed to succeed
		// when the store call does. Known gap, preserved deliberately.
		if err := session.TransitionTo(StateReenableOld, verifyErr.Error()); err != nil {
			return nil, err
		}
		o.logger.Warn("credential %s stopped verifying after cutover, restoring %s", newCred.ID, old.ID)
		if reErr := o.store.SetStatus(ctx, old.ID, StatusActive); reErr != nil {
			err := fmt.Errorf("re-enable credential %s: %w (after: %w)", old.ID, reErr, verifyErr)
			return o.abort(session, AbortRollbackFailed, "", err)
		}
		return o.abort(session, AbortPostDisableVerification, old.ID, verifyErr)
	}

	// COMMIT
	if err := session.TransitionTo(StateCommit, "post-disable verification passed"); err != nil {
		return nil, err
	}
	if err := o.store.Delete(ctx, old.ID); err != nil {
		// Degraded but safe: new active, old inactive, both still present.
		// The outcome carries the new secret because the new credential is
		// already the identity's working credential.
		outcome, abortErr := o.abort(session, AbortDeleteOldFailed, newCred.ID, fmt.Errorf("delete old credential %s: %w", old.ID, err))
		outcome.NewCredentialID = newCred.ID
		outcome.NewSecret = newCred.Secret
		return outcome, abortErr
	}
	o.logger.Info("deleted old credential %s", old.ID)

	if err := session.TransitionTo(StateCommitted, "old credential deleted"); err != nil {
		return nil, err
	}
	return o.committed(session, newCred), nil
}

func (o *Orchestrator) committed(session *Session, newCred Credential) *Outcome {
	o.logger.Info("rotation committed: %s now uses credential %s", session.Identity, newCred.ID)
	return &Outcome{
		Identity:        session.Identity,
		Committed:       true,
		NewCredentialID: newCred.ID,
		NewSecret:       newCred.Secret,
		Transitions:     session.Transitions(),
	}
}

func (o *Orchestrator) abort(session *Session, reason AbortReason, lastGood string, err error) (*Outcome, error) {
	if !session.State().IsTerminal() {
		if tErr := session.TransitionTo(StateAborted, string(reason)); tErr != nil {
			return nil, tErr
		}
	}
	if reason.Fatal() {
		o.logger.Fatal("rotation for %s failed and could not restore a known-good state: %v", session.Identity, err)
	} else {
		o.logger.Error("rotation for %s aborted (%s): %v", session.Identity, reason, err)
	}
	outcome := &Outcome{
		Identity:             session.Identity,
		Reason:               reason,
		Err:                  err,
		LastGoodCredentialID: lastGood,
		Transitions:          session.Transitions(),
	}
	return outcome, fmt.Errorf("rotation aborted (%s): %w", reason, err)
}

// activeCredentialID picks the credential an operator should treat as the
// good one out of a precheck listing.
func activeCredentialID(creds []Credential) string {
	for _, c := range creds {
		if c.Status == StatusActive {
			return c.ID
		}
	}
	if len(creds) > 0 {
		return creds[0].ID
	}
	return ""
}

func oldID(old *Credential) string {
	if old == nil {
		return ""
	}
	return old.ID
}

// IsQuotaExceeded reports whether err is the precheck/store ceiling error.
func IsQuotaExceeded(err error) bool {
	var qe *QuotaExceededError
	return errors.As(err, &qe)
}
