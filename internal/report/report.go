// Package report turns rotation outcomes into operator-facing output: the
// console summary, an optional JSON or CSV summary file, an optional OS
// keyring stash for the new secret, and the process exit code.
package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/zalando/go-keyring"

	"github.com/systmms/keyturn/internal/logging"
	"github.com/systmms/keyturn/pkg/rotate"
)

// Exit codes. Scripts branch on these, so they are part of the contract.
const (
	ExitCommitted               = 0
	ExitUsage                   = 1
	ExitTooManyCredentials      = 2
	ExitNewCredentialUnverified = 3
	ExitPostDisableVerification = 4
	ExitRollbackFailed          = 5
	ExitStoreFailure            = 6
	ExitDeleteOldFailed         = 7
)

// keyringService is the service name used for keyring stashes.
const keyringService = "keyturn"

// keyringSet is swappable so tests never touch the real OS keyring.
var keyringSet = keyring.Set

// Summary is the serializable view of an outcome. It never carries secret
// material: the summary file may end up in CI logs or ticket attachments.
type Summary struct {
	Identity             string              `json:"identity"`
	Status               string              `json:"status"`
	Reason               string              `json:"reason,omitempty"`
	Fatal                bool                `json:"fatal,omitempty"`
	NewCredentialID      string              `json:"new_credential_id,omitempty"`
	LastGoodCredentialID string              `json:"last_good_credential_id,omitempty"`
	ExitCode             int                 `json:"exit_code"`
	CompletedAt          time.Time           `json:"completed_at"`
	Transitions          []rotate.Transition `json:"transitions,omitempty"`
}

// NewSummary builds a Summary from an outcome.
func NewSummary(o *rotate.Outcome) Summary {
	s := Summary{
		Identity:             o.Identity,
		Status:               "aborted",
		NewCredentialID:      o.NewCredentialID,
		LastGoodCredentialID: o.LastGoodCredentialID,
		ExitCode:             ExitCode(o),
		CompletedAt:          time.Now().UTC(),
		Transitions:          o.Transitions,
	}
	if o.Committed {
		s.Status = "committed"
	} else {
		s.Reason = string(o.Reason)
		s.Fatal = o.Reason.Fatal()
	}
	return s
}

// ExitCode maps an outcome to the process exit code.
func ExitCode(o *rotate.Outcome) int {
	if o.Committed {
		return ExitCommitted
	}
	switch o.Reason {
	case rotate.AbortTooManyCredentials:
		return ExitTooManyCredentials
	case rotate.AbortPropagationTimeout:
		return ExitNewCredentialUnverified
	case rotate.AbortPostDisableVerification:
		return ExitPostDisableVerification
	case rotate.AbortRollbackFailed:
		return ExitRollbackFailed
	case rotate.AbortDeleteOldFailed:
		return ExitDeleteOldFailed
	default:
		// Creation failures, disable failures, store unavailability.
		return ExitStoreFailure
	}
}

// Render prints the human-readable outcome to the logger.
func Render(logger *logging.Logger, o *rotate.Outcome) {
	if o.Committed {
		logger.Info("rotation committed for %s: credential %s is now the only active credential", o.Identity, o.NewCredentialID)
		return
	}

	if o.Reason.Fatal() {
		logger.Fatal("rotation aborted for %s (%s): %v", o.Identity, o.Reason, o.Err)
		if o.LastGoodCredentialID != "" {
			logger.Error("last known-good credential: %s", o.LastGoodCredentialID)
		} else {
			logger.Error("no credential is known to be good; inspect the store before retrying")
		}
		return
	}

	logger.Error("rotation aborted for %s (%s): %v", o.Identity, o.Reason, o.Err)
	if o.LastGoodCredentialID != "" {
		logger.Info("still valid: credential %s", o.LastGoodCredentialID)
	}
	if o.Reason == rotate.AbortDeleteOldFailed {
		logger.Warn("the new credential %s is committed; remove the old credential manually", o.NewCredentialID)
	}
}

// WriteSummary writes the outcome summary to path, choosing the format by
// file extension (.json or .csv).
func WriteSummary(path string, o *rotate.Outcome) error {
	s := NewSummary(o)
	switch filepath.Ext(path) {
	case ".json":
		data, err := json.MarshalIndent(s, "", "  ")
		if err != nil {
			return fmt.Errorf("encode summary: %w", err)
		}
		data = append(data, '\n')
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("write summary %s: %w", path, err)
		}
		return nil
	case ".csv":
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("write summary %s: %w", path, err)
		}
		defer f.Close()

		w := csv.NewWriter(f)
		rows := [][]string{
			{"identity", "status", "reason", "fatal", "new_credential_id", "last_good_credential_id", "exit_code", "completed_at"},
			{s.Identity, s.Status, s.Reason, strconv.FormatBool(s.Fatal), s.NewCredentialID, s.LastGoodCredentialID, strconv.Itoa(s.ExitCode), s.CompletedAt.Format(time.RFC3339)},
		}
		if err := w.WriteAll(rows); err != nil {
			return fmt.Errorf("write summary %s: %w", path, err)
		}
		return nil
	default:
		return fmt.Errorf("summary path %s: unsupported extension (use .json or .csv)", path)
	}
}

// StashKeyring stores the new secret in the OS keyring under the identity
// name. Only committed outcomes carry a secret worth stashing.
func StashKeyring(o *rotate.Outcome) error {
	if !o.Committed && o.Reason != rotate.AbortDeleteOldFailed {
		return fmt.Errorf("no committed credential to stash for %s", o.Identity)
	}
	if o.NewSecret == nil {
		return fmt.Errorf("outcome for %s carries no secret material", o.Identity)
	}

	buf, err := o.NewSecret.Open()
	if err != nil {
		return fmt.Errorf("open secret material: %w", err)
	}
	defer buf.Destroy()

	if err := keyringSet(keyringService, o.Identity, string(buf.Bytes())); err != nil {
		return fmt.Errorf("stash secret for %s in keyring: %w", o.Identity, err)
	}
	return nil
}
