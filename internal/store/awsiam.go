// Package store holds the CredentialStore implementations: AWS IAM access
// keys, GCP service-account keys, and SSH authorized keys.
package store

import (
	"context"
	"errors"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/iam/types"

	"github.com/systmms/keyturn/internal/logging"
	"github.com/systmms/keyturn/internal/secure"
	"github.com/systmms/keyturn/pkg/rotate"
)

// IAMClientAPI defines the interface for AWS IAM access-key operations.
// This allows for mocking in tests.
type IAMClientAPI interface {
	ListAccessKeys(ctx context.Context, params *iam.ListAccessKeysInput, optFns ...func(*iam.Options)) (*iam.ListAccessKeysOutput, error)
	CreateAccessKey(ctx context.Context, params *iam.CreateAccessKeyInput, optFns ...func(*iam.Options)) (*iam.CreateAccessKeyOutput, error)
	UpdateAccessKey(ctx context.Context, params *iam.UpdateAccessKeyInput, optFns ...func(*iam.Options)) (*iam.UpdateAccessKeyOutput, error)
	DeleteAccessKey(ctx context.Context, params *iam.DeleteAccessKeyInput, optFns ...func(*iam.Options)) (*iam.DeleteAccessKeyOutput, error)
	TagUser(ctx context.Context, params *iam.TagUserInput, optFns ...func(*iam.Options)) (*iam.TagUserOutput, error)
}

// AWSIAMStore manages the access keys of a single IAM user.
type AWSIAMStore struct {
	client   IAMClientAPI
	username string
	logger   *logging.Logger
}

// AWSIAMOption is a functional option for configuring the store.
type AWSIAMOption func(*AWSIAMStore)

// WithIAMClient sets a custom IAM client (for testing).
func WithIAMClient(client IAMClientAPI) AWSIAMOption {
	return func(s *AWSIAMStore) {
		s.client = client
	}
}

// NewAWSIAMStore creates a store for the IAM user named in storeConfig.
func NewAWSIAMStore(ctx context.Context, storeConfig map[string]interface{}, logger *logging.Logger, opts ...AWSIAMOption) (*AWSIAMStore, error) {
	username, ok := storeConfig["username"].(string)
	if !ok || username == "" {
		return nil, fmt.Errorf("aws-iam store requires a username")
	}

	region := "us-east-1"
	if r, ok := storeConfig["region"].(string); ok && r != "" {
		region = r
	}

	s := &AWSIAMStore{
		username: username,
		logger:   logger,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.client == nil {
		configOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}

		// Static credentials are only for LocalStack-style testing.
		if ak, ok := storeConfig["access_key_id"].(string); ok && ak != "" {
			sk, _ := storeConfig["secret_access_key"].(string)
			configOpts = append(configOpts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(ak, sk, ""),
			))
		}

		cfg, err := awsconfig.LoadDefaultConfig(ctx, configOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}

		var clientOpts []func(*iam.Options)
		if endpoint, ok := storeConfig["endpoint"].(string); ok && endpoint != "" {
			clientOpts = append(clientOpts, func(o *iam.Options) {
				o.BaseEndpoint = &endpoint
			})
		}
		s.client = iam.NewFromConfig(cfg, clientOpts...)
	}

	return s, nil
}

// List returns the user's access keys as IAM reports them. The store is
// bound to a single IAM user at construction; the identity argument is the
// config label and is not consulted.
func (s *AWSIAMStore) List(ctx context.Context, _ string) ([]rotate.Credential, error) {
	out, err := s.client.ListAccessKeys(ctx, &iam.ListAccessKeysInput{
		UserName: &s.username,
	})
	if err != nil {
		return nil, &rotate.StoreUnavailableError{Op: "list access keys", Err: err}
	}

	creds := make([]rotate.Credential, 0, len(out.AccessKeyMetadata))
	for _, meta := range out.AccessKeyMetadata {
		status := rotate.StatusInactive
		if meta.Status == types.StatusTypeActive {
			status = rotate.StatusActive
		}
		creds = append(creds, rotate.Credential{
			ID:     *meta.AccessKeyId,
			Status: status,
		})
	}
	return creds, nil
}

// Create issues a new access key. The secret access key is captured into a
// secure enclave; IAM never returns it again.
func (s *AWSIAMStore) Create(ctx context.Context, _ string) (rotate.Credential, error) {
	out, err := s.client.CreateAccessKey(ctx, &iam.CreateAccessKeyInput{
		UserName: &s.username,
	})
	if err != nil {
		var limitErr *types.LimitExceededException
		if errors.As(err, &limitErr) {
			return rotate.Credential{}, &rotate.QuotaExceededError{Identity: s.username, Limit: 2}
		}
		return rotate.Credential{}, fmt.Errorf("create access key for %s: %w", s.username, err)
	}

	key := out.AccessKey
	return rotate.Credential{
		ID:     *key.AccessKeyId,
		Secret: secure.NewMaterial([]byte(*key.SecretAccessKey)),
		Status: rotate.StatusActive,
	}, nil
}

// SetStatus flips an access key between Active and Inactive.
func (s *AWSIAMStore) SetStatus(ctx context.Context, id string, status rotate.Status) error {
	var iamStatus types.StatusType
	switch status {
	case rotate.StatusActive:
		iamStatus = types.StatusTypeActive
	case rotate.StatusInactive:
		iamStatus = types.StatusTypeInactive
	default:
		return fmt.Errorf("aws-iam store cannot set status %q", status)
	}

	_, err := s.client.UpdateAccessKey(ctx, &iam.UpdateAccessKeyInput{
		UserName:    &s.username,
		AccessKeyId: &id,
		Status:      iamStatus,
	})
	if err != nil {
		var notFound *types.NoSuchEntityException
		if errors.As(err, &notFound) {
			return fmt.Errorf("access key %s: %w", id, rotate.ErrNotFound)
		}
		return fmt.Errorf("set access key %s to %s: %w", id, iamStatus, err)
	}
	return nil
}

// Delete removes an access key permanently.
func (s *AWSIAMStore) Delete(ctx context.Context, id string) error {
	_, err := s.client.DeleteAccessKey(ctx, &iam.DeleteAccessKeyInput{
		UserName:    &s.username,
		AccessKeyId: &id,
	})
	if err != nil {
		var notFound *types.NoSuchEntityException
		if errors.As(err, &notFound) {
			return fmt.Errorf("access key %s: %w", id, rotate.ErrNotFound)
		}
		return fmt.Errorf("delete access key %s: %w", id, err)
	}
	return nil
}

// AnnotateCommit tags the IAM user with the freshly committed key ID. This
// is best-effort bookkeeping for operators auditing from the AWS console.
func (s *AWSIAMStore) AnnotateCommit(ctx context.Context, credentialID string) error {
	tagKey := "keyturn:active-key"
	_, err := s.client.TagUser(ctx, &iam.TagUserInput{
		UserName: &s.username,
		Tags: []types.Tag{
			{Key: &tagKey, Value: &credentialID},
		},
	})
	if err != nil {
		return fmt.Errorf("tag user %s: %w", s.username, err)
	}
	return nil
}
