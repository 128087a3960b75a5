package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/systmms/keyturn/internal/config"
	kterrors "github.com/systmms/keyturn/internal/errors"
	"github.com/systmms/keyturn/internal/report"
	"github.com/systmms/keyturn/pkg/rotate"
)

func NewPlanCommand(cfg *config.Config) *cobra.Command {
	var identity string

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show whether a rotation can proceed (no mutations)",
		Long: `Plan lists the identity's current credentials and reports whether a
rotation would be allowed to start. It performs the same precheck as
rotate but never mutates the store.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Load(); err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			ctx := context.Background()
			orchestrator, _, cleanup, err := buildRotation(ctx, cfg, identity)
			if err != nil {
				return err
			}
			defer cleanup()

			creds, precheckErr := orchestrator.Precheck(ctx, identity)

			w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
			fmt.Fprintln(w, "CREDENTIAL\tSTATUS")
			for _, cred := range creds {
				fmt.Fprintf(w, "%s\t%s\n", cred.ID, cred.Status)
			}
			w.Flush()

			if precheckErr != nil {
				if rotate.IsQuotaExceeded(precheckErr) {
					cfg.Logger.Error("rotation blocked: %v", precheckErr)
					cfg.Logger.Info("delete or disable a credential manually, then re-run plan")
					return &ExitError{Code: report.ExitTooManyCredentials, Err: precheckErr}
				}
				if identityCfg, cfgErr := cfg.Identity(identity); cfgErr == nil {
					precheckErr = kterrors.StoreError(identityCfg.Store.Type, "precheck", precheckErr)
				}
				return &ExitError{Code: report.ExitStoreFailure, Err: precheckErr}
			}

			cfg.Logger.Info("rotation can proceed for %s", identity)
			return nil
		},
	}

	cmd.Flags().StringVar(&identity, "identity", "", "Identity to inspect (required)")
	_ = cmd.MarkFlagRequired("identity")

	return cmd
}
