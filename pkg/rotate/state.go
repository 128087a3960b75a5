package rotate

import (
	"fmt"
	"time"
)

// State names a step of the rotation protocol.
type State string

const (
	// StatePrecheck lists the identity's credentials and blocks rotation
	// when the identity already holds the maximum.
	StatePrecheck State = "precheck"

	// StateCreating mints the new credential.
	StateCreating State = "creating"

	// StatePropagating polls verification of the new credential until it
	// works or attempts are exhausted.
	StatePropagating State = "propagating"

	// StateRollbackNew deletes the new credential after it failed to verify.
	StateRollbackNew State = "rollback_new"

	// StateDisableOld disables the old credential once the new one verified.
	StateDisableOld State = "disable_old"

	// StateVerifyAfterDisable re-verifies the new credential with the old
	// one out of the way.
	StateVerifyAfterDisable State = "verify_after_disable"

	// StateReenableOld restores the old credential after a post-disable
	// verification failure.
	StateReenableOld State = "reenable_old"

	// StateCommit deletes the old credential. Commit is one-directional:
	// the new credential is never deleted once the old one is gone.
	StateCommit State = "commit"

	// StateCommitted is the terminal success state.
	StateCommitted State = "committed"

	// StateAborted is the terminal failure state.
	StateAborted State = "aborted"
)

// IsTerminal reports whether the protocol ends in this state.
func (s State) IsTerminal() bool {
	return s == StateCommitted || s == StateAborted
}

// validTransitions is the closed transition relation of the protocol. Every
// arc the orchestrator takes is validated against this table so an
// out-of-order step is a bug surfaced immediately, not a silent corruption.
var validTransitions = map[State][]State{
	StatePrecheck:           {StateCreating, StateAborted},
	StateCreating:           {StatePropagating, StateAborted},
	StatePropagating:        {StateDisableOld, StateRollbackNew, StateCommitted},
	StateRollbackNew:        {StateAborted},
	StateDisableOld:         {StateVerifyAfterDisable, StateAborted},
	StateVerifyAfterDisable: {StateCommit, StateReenableOld},
	StateReenableOld:        {StateAborted},
	StateCommit:             {StateCommitted, StateAborted},
}

// CanTransitionTo reports whether the protocol may move from s to next.
func (s State) CanTransitionTo(next State) bool {
	for _, valid := range validTransitions[s] {
		if valid == next {
			return true
		}
	}
	return false
}

// Transition records one step the session took, for the summary artifact and
// for debugging aborted runs.
type Transition struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is the working state of a single rotation run: the identity under
// rotation, the credentials observed at precheck, the replacement credential
// once minted, and the transition history. A session is created at invocation
// start and discarded at process exit; it is never persisted, and a later run
// re-derives everything from a fresh precheck listing.
//
// Sessions are not safe for concurrent use; the protocol is strictly
// sequential by design.
type Session struct {
	Identity string

	// Observed holds the credentials listed at precheck, in store order.
	Observed []Credential

	// Old is the credential being replaced; nil when the identity had no
	// credential at precheck (first issuance).
	Old *Credential

	// OldInitialStatus preserves the old credential's status as observed at
	// precheck, before any mutation.
	OldInitialStatus Status

	// New is the freshly minted credential once creating succeeds.
	New *Credential

	// VerifyAttempts counts verification attempts made while propagating.
	VerifyAttempts int

	state       State
	transitions []Transition
}

// NewSession starts a session in the precheck state.
func NewSession(identity string) *Session {
	return &Session{Identity: identity, state: StatePrecheck}
}

// State returns the session's current state.
func (s *Session) State() State {
	return s.state
}

// Transitions returns the steps taken so far.
func (s *Session) Transitions() []Transition {
	return s.transitions
}

// TransitionTo moves the session to next, recording the step. An invalid
// transition is a protocol bug and returns an error instead of mutating.
func (s *Session) TransitionTo(next State, reason string) error {
	if !s.state.CanTransitionTo(next) {
		return fmt.Errorf("invalid rotation transition from %s to %s", s.state, next)
	}
	s.transitions = append(s.transitions, Transition{
		From:      s.state,
		To:        next,
		Reason:    reason,
		Timestamp: time.Now(),
	})
	s.state = next
	return nil
}
