package rotate

import (
	"context"
	"errors"
	"fmt"

	"github.com/systmms/keyturn/internal/secure"
)

// Status is the lifecycle state of a credential as the store reports it.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusPending  Status = "pending"
	StatusDeleted  Status = "deleted"
)

// Credential is one secret credential owned by an identity. The secret
// material is opaque to the rotation protocol: it is transported, never
// parsed. Credentials returned by CredentialStore.List carry no material;
// only Create returns it.
type Credential struct {
	ID     string
	Secret *secure.Material
	Status Status
}

// CredentialStore abstracts the remote credential-management API for one
// kind of credential. Implementations authenticate with an administrative or
// ambient context, NOT with the credentials being rotated.
//
// Error contract:
//   - transport or admin-auth failures are reported as *StoreUnavailableError
//   - Create against an identity already at the ceiling returns
//     *QuotaExceededError (the orchestrator prechecks, but the store is the
//     source of truth)
//   - SetStatus and Delete on a credential that no longer exists return an
//     error matching ErrNotFound
type CredentialStore interface {
	// List returns the identity's live credentials in the store's order.
	List(ctx context.Context, identity string) ([]Credential, error)

	// Create mints a new credential for the identity. The returned
	// credential carries the secret material and the backend's initial
	// status (Active or Pending depending on the store).
	Create(ctx context.Context, identity string) (Credential, error)

	// SetStatus enables or disables an existing credential.
	SetStatus(ctx context.Context, credentialID string, status Status) error

	// Delete permanently removes a credential.
	Delete(ctx context.Context, credentialID string) error
}

// CommitAnnotator is an optional CredentialStore capability. Stores that
// implement it record a breadcrumb about the freshly committed credential
// (a user tag, a public-key artifact). Annotation is best-effort
// bookkeeping after COMMIT; a failure never changes the rotation outcome.
type CommitAnnotator interface {
	AnnotateCommit(ctx context.Context, credentialID string) error
}

// Verifier proves that a specific credential actually works against a
// designated target. Implementations MUST authenticate as the credential
// under test (never via an administrative identity) so a false positive
// cannot come from a different, already-working credential. Success means an
// exact, content-verified round trip, not merely "connection succeeded".
//
// Implementations bind their target reference and verification timeout at
// construction; Verify applies the timeout to each call.
type Verifier interface {
	Verify(ctx context.Context, cred Credential) error
}

// PropagationWaiter repeatedly runs check until it succeeds or attempts are
// exhausted. It models the lag between a credential-management API
// acknowledging creation and the credential being honored by the
// authentication path. The waiter does not distinguish "not yet propagated"
// from "genuinely broken": both look like repeated check failures and end in
// a *TimeoutError.
type PropagationWaiter interface {
	PollUntil(ctx context.Context, check func(ctx context.Context) error) error
}

// ErrNotFound reports a store mutation against a credential that no longer
// exists.
var ErrNotFound = errors.New("credential not found")

// StoreUnavailableError reports a transport- or admin-auth-level store
// failure. It is surfaced immediately; nothing retries it beyond the bounded
// poll inside the propagation phase.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("credential store unavailable during %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

// QuotaExceededError reports a Create against an identity already holding
// the store's maximum number of credentials.
type QuotaExceededError struct {
	Identity string
	Limit    int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("identity %s already holds the maximum of %d credentials", e.Identity, e.Limit)
}
