package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/spf13/cobra"

	"github.com/systmms/keyturn/internal/config"
)

// identityHealth is one row of the doctor report.
type identityHealth struct {
	Name   string
	Store  string
	Verify string
	Status string
	Detail string
}

// stsCallerIdentity is swappable so tests never hit AWS.
var stsCallerIdentity = checkAWSCallerIdentity

func NewDoctorCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration and administrative credentials",
		Long: `Doctor validates the configuration file and checks that the
administrative credentials each store depends on are present: ambient AWS
credentials for aws-iam identities, a readable key file for
gcp-serviceaccount identities, and a readable admin key for
ssh-authorized-keys identities. It never touches the credentials being
rotated.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.Logger.Info("Checking keyturn configuration...")
			if err := cfg.Load(); err != nil {
				cfg.Logger.Error("Configuration error: %v", err)
				return fmt.Errorf("failed to load config: %w", err)
			}
			cfg.Logger.Info("Configuration loaded: %d identities", len(cfg.Definition.Identities))

			ctx := context.Background()
			var results []identityHealth
			failures := 0

			for _, name := range cfg.IdentityNames() {
				identity, _ := cfg.Identity(name)
				health := identityHealth{
					Name:   name,
					Store:  identity.Store.Type,
					Verify: identity.Verify.Type,
					Status: "ok",
				}

				if err := checkIdentity(ctx, identity); err != nil {
					health.Status = "error"
					health.Detail = err.Error()
					failures++
				}
				results = append(results, health)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
			fmt.Fprintln(w, "IDENTITY\tSTORE\tVERIFY\tSTATUS\tDETAIL")
			for _, r := range results {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.Name, r.Store, r.Verify, r.Status, r.Detail)
			}
			w.Flush()

			if failures > 0 {
				return fmt.Errorf("%d of %d identities failed their checks", failures, len(results))
			}
			cfg.Logger.Info("all identities healthy")
			return nil
		},
	}

	return cmd
}

func checkIdentity(ctx context.Context, identity config.Identity) error {
	switch identity.Store.Type {
	case "aws-iam":
		region, _ := identity.Store.Config["region"].(string)
		return stsCallerIdentity(ctx, region)
	case "gcp-serviceaccount":
		if path, ok := identity.Store.Config["credentials_file"].(string); ok && path != "" {
			return checkReadable(path)
		}
		// Ambient credentials; nothing to check locally.
		return nil
	case "ssh-authorized-keys":
		path, _ := identity.Store.Config["admin_key_file"].(string)
		if path == "" {
			return fmt.Errorf("admin_key_file not configured")
		}
		return checkReadable(path)
	default:
		return fmt.Errorf("unknown store type %q", identity.Store.Type)
	}
}

func checkReadable(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("key file: %w", err)
	}
	return f.Close()
}

// checkAWSCallerIdentity proves the ambient AWS credentials can
// authenticate at all, via sts:GetCallerIdentity.
func checkAWSCallerIdentity(ctx context.Context, region string) error {
	configOpts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		configOpts = append(configOpts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, configOpts...)
	if err != nil {
		return fmt.Errorf("load AWS config: %w", err)
	}
	client := sts.NewFromConfig(awsCfg)
	if _, err := client.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{}); err != nil {
		return fmt.Errorf("sts:GetCallerIdentity: %w", err)
	}
	return nil
}
