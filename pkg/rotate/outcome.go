package rotate

import (
	"fmt"

	"github.com/systmms/keyturn/internal/secure"
)

// AbortReason classifies why a session ended without committing.
type AbortReason string

const (
	// AbortTooManyCredentials: the identity already held the store's
	// maximum at precheck. No mutation was issued.
	AbortTooManyCredentials AbortReason = "too_many_credentials"

	// AbortCreationFailed: the store refused to mint the new credential.
	AbortCreationFailed AbortReason = "creation_failed"

	// AbortPropagationTimeout: the new credential never verified within the
	// attempt budget and was deleted again; the old credential is untouched.
	AbortPropagationTimeout AbortReason = "propagation_timeout"

	// AbortDisableFailed: disabling the old credential failed; it remains
	// active and the new credential stays alongside it.
	AbortDisableFailed AbortReason = "disable_failed"

	// AbortPostDisableVerification: the new credential stopped working after
	// the old one was disabled; the old credential was re-enabled. Both
	// credentials exist afterwards; that is the accepted recovery state.
	AbortPostDisableVerification AbortReason = "post_disable_verification_failed"

	// AbortDeleteOldFailed: everything verified and cut over, but deleting
	// the old credential failed. Degraded but safe: the new credential is
	// active, the old one inactive, and manual cleanup is needed.
	AbortDeleteOldFailed AbortReason = "delete_old_failed"

	// AbortStoreUnavailable: the store could not even be listed at precheck.
	// No mutation was issued.
	AbortStoreUnavailable AbortReason = "store_unavailable"

	// AbortRollbackFailed: a restore or cleanup mutation itself failed. This
	// is the most severe outcome: the protocol could not return the
	// identity to a known-good state, and the invariant that at least one
	// credential is active may not hold. Requires manual intervention.
	AbortRollbackFailed AbortReason = "rollback_failed"
)

// Fatal reports whether the reason means the protocol could not restore a
// known-good state. Fatal aborts must be surfaced distinctly so an operator
// intervenes rather than assuming the old credential still works.
func (r AbortReason) Fatal() bool {
	return r == AbortRollbackFailed
}

// Outcome is the terminal result of one rotation session.
//
// On commit it carries the new credential's ID and secret material; the old
// secret is never re-emitted. On abort it carries the reason and the ID of
// whichever credential remains the good one. The one abort that also carries
// secret material is AbortDeleteOldFailed: there the new credential is
// already the identity's working credential and withholding its secret would
// strand the operator.
type Outcome struct {
	Identity  string
	Committed bool

	Reason AbortReason
	Err    error

	// NewCredentialID and NewSecret are set on commit (and on
	// AbortDeleteOldFailed, see above).
	NewCredentialID string
	NewSecret       *secure.Material

	// LastGoodCredentialID is set on abort: the credential the identity can
	// still authenticate with, empty when that is not guaranteed (fatal
	// rollback failures).
	LastGoodCredentialID string

	// Transitions is the session's step history.
	Transitions []Transition
}

// String renders a one-line summary safe for logs (no secret material).
func (o *Outcome) String() string {
	if o.Committed {
		return fmt.Sprintf("committed: identity %s now uses credential %s", o.Identity, o.NewCredentialID)
	}
	return fmt.Sprintf("aborted (%s): identity %s, last good credential %q", o.Reason, o.Identity, o.LastGoodCredentialID)
}
