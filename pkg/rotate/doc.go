// Package rotate implements the credential rotation protocol for a single
// identity.
//
// The protocol is a failure-aware, stateful sequence: create a new credential,
// verify it against a live target, cut over from the old credential, re-verify,
// and either commit (delete the old credential) or roll back (restore the old
// credential, discard the new one). At no point after the precheck passes is
// the identity left without at least one active credential, and the protocol
// never leaves two permanently-valid credentials behind on success.
//
// # Components
//
// The orchestrator drives the state machine using three injected
// collaborators:
//
//   - CredentialStore: the remote credential-management API
//     (internal/store provides AWS IAM access key, GCP service-account key,
//     and SSH authorized-keys implementations)
//   - Verifier: proves a specific credential works against a designated
//     target, authenticating AS that credential (internal/verify)
//   - PropagationWaiter: bounded polling that tolerates eventual-consistency
//     lag between "credential created" and "credential usable"
//
// # Concurrency
//
// A rotation session is single-threaded and strictly sequential; one session
// runs to completion (or abort) before Rotate returns. Concurrent sessions
// for the SAME identity are unsafe: the store's two-credential ceiling means
// two sessions could exceed the cap or delete a credential the other still
// needs. Serializing invocations per identity is an operator responsibility;
// no in-process locking is attempted.
//
// # Failure severity
//
// Most aborts leave the identity in a known-good state. The exception is
// AbortRollbackFailed: the protocol could not restore a known-good state and
// an operator must intervene manually. That reason is distinguished at every
// surface (exit code, summary artifact, log severity).
package rotate
