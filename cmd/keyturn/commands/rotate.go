package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/systmms/keyturn/internal/config"
	kterrors "github.com/systmms/keyturn/internal/errors"
	"github.com/systmms/keyturn/internal/report"
	"github.com/systmms/keyturn/pkg/rotate"
)

func NewRotateCommand(cfg *config.Config) *cobra.Command {
	var (
		identity     string
		summaryPath  string
		stashKeyring bool
		printSecret  bool
	)

	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Rotate an identity's credential with zero downtime",
		Long: `Rotate creates a fresh credential, verifies it end to end, disables and
re-verifies, then deletes the old credential. The old credential stays
usable until the new one has proven itself; on any failure the identity is
left with a working credential whenever the store allows it.

Exit codes: 0 committed, 2 blocked at precheck, 3 new credential never
verified, 4 regression after disable, 5 rollback failed (manual
intervention required), 6 store failure, 7 committed but old credential
not deleted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Load(); err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			ctx := context.Background()
			orchestrator, credStore, cleanup, err := buildRotation(ctx, cfg, identity)
			if err != nil {
				return err
			}
			defer cleanup()

			outcome, rotateErr := orchestrator.Rotate(ctx, identity)
			if outcome == nil {
				// Internal protocol error, no outcome to report on.
				return rotateErr
			}
			report.Render(cfg.Logger, outcome)

			if summaryPath != "" {
				if err := report.WriteSummary(summaryPath, outcome); err != nil {
					cfg.Logger.Warn("could not write summary: %v", err)
				}
			}

			if outcome.Committed || outcome.Reason == rotate.AbortDeleteOldFailed {
				emitSecret(cfg, outcome, stashKeyring, printSecret)
				annotateCommit(ctx, cfg, credStore, outcome)
			}

			if rotateErr != nil {
				code := report.ExitCode(outcome)
				if code == report.ExitStoreFailure {
					// Store-level aborts carry remediation hints keyed on
					// the backend (missing AWS credentials, IAM quota, an
					// unreachable sshd).
					if identityCfg, cfgErr := cfg.Identity(identity); cfgErr == nil {
						rotateErr = kterrors.StoreError(identityCfg.Store.Type, "rotation", rotateErr)
					}
				}
				return &ExitError{Code: code, Err: rotateErr}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&identity, "identity", "", "Identity to rotate (required)")
	cmd.Flags().StringVar(&summaryPath, "summary", "", "Write a .json or .csv outcome summary")
	cmd.Flags().BoolVar(&stashKeyring, "stash-keyring", false, "Store the new secret in the OS keyring")
	cmd.Flags().BoolVar(&printSecret, "print-secret", false, "Print the new secret to stdout (for piping into a secret manager)")
	_ = cmd.MarkFlagRequired("identity")

	return cmd
}

// emitSecret hands the new secret to the operator through the channels they
// asked for. The secret is printed to stdout only, never through the logger.
func emitSecret(cfg *config.Config, outcome *rotate.Outcome, stashKeyring, printSecret bool) {
	if stashKeyring {
		if err := report.StashKeyring(outcome); err != nil {
			cfg.Logger.Warn("could not stash secret in keyring: %v", err)
		} else {
			cfg.Logger.Info("new secret stashed in OS keyring under keyturn/%s", outcome.Identity)
		}
	}

	if printSecret && outcome.NewSecret != nil {
		buf, err := outcome.NewSecret.Open()
		if err != nil {
			cfg.Logger.Warn("could not open secret material: %v", err)
			return
		}
		defer buf.Destroy()
		fmt.Println(string(buf.Bytes()))
	}
}

// annotateCommit triggers the store's best-effort commit bookkeeping when it
// supports any (IAM user tag, public key artifact).
func annotateCommit(ctx context.Context, cfg *config.Config, credStore rotate.CredentialStore, outcome *rotate.Outcome) {
	annotator, ok := credStore.(rotate.CommitAnnotator)
	if !ok {
		return
	}
	if err := annotator.AnnotateCommit(ctx, outcome.NewCredentialID); err != nil {
		cfg.Logger.Warn("commit bookkeeping failed: %v", err)
	}
}
