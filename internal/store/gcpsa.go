package store

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/iam/v1"
	"google.golang.org/api/option"

	"github.com/systmms/keyturn/internal/logging"
	"github.com/systmms/keyturn/internal/secure"
	"github.com/systmms/keyturn/pkg/rotate"
)

// GCPKeysAPI defines the interface for GCP service-account key operations.
// This allows for mocking in tests.
type GCPKeysAPI interface {
	List(ctx context.Context, resource string) ([]*iam.ServiceAccountKey, error)
	Create(ctx context.Context, resource string) (*iam.ServiceAccountKey, error)
	Disable(ctx context.Context, keyName string) error
	Enable(ctx context.Context, keyName string) error
	Delete(ctx context.Context, keyName string) error
}

// GCPServiceAccountStore manages the user-managed keys of a single GCP
// service account. Key IDs are the full resource names
// (projects/.../serviceAccounts/.../keys/...), which is what every
// follow-up API call needs.
type GCPServiceAccountStore struct {
	client GCPKeysAPI
	email  string
	logger *logging.Logger
}

// GCPOption is a functional option for configuring the store.
type GCPOption func(*GCPServiceAccountStore)

// WithGCPKeysClient sets a custom keys client (for testing).
func WithGCPKeysClient(client GCPKeysAPI) GCPOption {
	return func(s *GCPServiceAccountStore) {
		s.client = client
	}
}

// NewGCPServiceAccountStore creates a store for the service account named in
// storeConfig. Admin credentials come from the ambient environment unless
// credentials_file points at a key file.
func NewGCPServiceAccountStore(ctx context.Context, storeConfig map[string]interface{}, logger *logging.Logger, opts ...GCPOption) (*GCPServiceAccountStore, error) {
	email, ok := storeConfig["service_account"].(string)
	if !ok || email == "" {
		return nil, fmt.Errorf("gcp-serviceaccount store requires a service_account email")
	}

	s := &GCPServiceAccountStore{
		email:  email,
		logger: logger,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.client == nil {
		var clientOpts []option.ClientOption
		if path, ok := storeConfig["credentials_file"].(string); ok && path != "" {
			clientOpts = append(clientOpts, option.WithCredentialsFile(path))
		}
		svc, err := iam.NewService(ctx, clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create GCP IAM service: %w", err)
		}
		s.client = &gcpKeysClient{svc: svc}
	}

	return s, nil
}

func (s *GCPServiceAccountStore) resource() string {
	return "projects/-/serviceAccounts/" + s.email
}

// List returns the service account's user-managed keys. System-managed keys
// rotate themselves and are excluded at the API level.
func (s *GCPServiceAccountStore) List(ctx context.Context, _ string) ([]rotate.Credential, error) {
	keys, err := s.client.List(ctx, s.resource())
	if err != nil {
		return nil, &rotate.StoreUnavailableError{Op: "list service account keys", Err: err}
	}

	creds := make([]rotate.Credential, 0, len(keys))
	for _, key := range keys {
		status := rotate.StatusActive
		if key.Disabled {
			status = rotate.StatusInactive
		}
		creds = append(creds, rotate.Credential{
			ID:     key.Name,
			Status: status,
		})
	}
	return creds, nil
}

// Create mints a new key. PrivateKeyData is the base64-encoded JSON key
// file, decoded here into a secure enclave; GCP never returns it again.
func (s *GCPServiceAccountStore) Create(ctx context.Context, _ string) (rotate.Credential, error) {
	key, err := s.client.Create(ctx, s.resource())
	if err != nil {
		if isGoogleStatus(err, 429) {
			return rotate.Credential{}, &rotate.QuotaExceededError{Identity: s.email, Limit: 2}
		}
		return rotate.Credential{}, fmt.Errorf("create key for %s: %w", s.email, err)
	}

	keyJSON, err := base64.StdEncoding.DecodeString(key.PrivateKeyData)
	if err != nil {
		return rotate.Credential{}, fmt.Errorf("decode private key data for %s: %w", key.Name, err)
	}

	return rotate.Credential{
		ID:     key.Name,
		Secret: secure.NewMaterial(keyJSON),
		Status: rotate.StatusActive,
	}, nil
}

// SetStatus disables or re-enables a key.
func (s *GCPServiceAccountStore) SetStatus(ctx context.Context, id string, status rotate.Status) error {
	var err error
	switch status {
	case rotate.StatusActive:
		err = s.client.Enable(ctx, id)
	case rotate.StatusInactive:
		err = s.client.Disable(ctx, id)
	default:
		return fmt.Errorf("gcp-serviceaccount store cannot set status %q", status)
	}
	if err != nil {
		if isGoogleStatus(err, 404) {
			return fmt.Errorf("service account key %s: %w", id, rotate.ErrNotFound)
		}
		return fmt.Errorf("set key %s to %s: %w", id, status, err)
	}
	return nil
}

// Delete removes a key permanently.
func (s *GCPServiceAccountStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Delete(ctx, id); err != nil {
		if isGoogleStatus(err, 404) {
			return fmt.Errorf("service account key %s: %w", id, rotate.ErrNotFound)
		}
		return fmt.Errorf("delete key %s: %w", id, err)
	}
	return nil
}

func isGoogleStatus(err error, code int) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == code
}

// gcpKeysClient adapts the generated iam.Service to GCPKeysAPI.
type gcpKeysClient struct {
	svc *iam.Service
}

func (c *gcpKeysClient) List(ctx context.Context, resource string) ([]*iam.ServiceAccountKey, error) {
	resp, err := c.svc.Projects.ServiceAccounts.Keys.List(resource).
		KeyTypes("USER_MANAGED").Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	return resp.Keys, nil
}

func (c *gcpKeysClient) Create(ctx context.Context, resource string) (*iam.ServiceAccountKey, error) {
	return c.svc.Projects.ServiceAccounts.Keys.Create(resource, &iam.CreateServiceAccountKeyRequest{}).
		Context(ctx).Do()
}

func (c *gcpKeysClient) Disable(ctx context.Context, keyName string) error {
	_, err := c.svc.Projects.ServiceAccounts.Keys.Disable(keyName, &iam.DisableServiceAccountKeyRequest{}).
		Context(ctx).Do()
	return err
}

func (c *gcpKeysClient) Enable(ctx context.Context, keyName string) error {
	_, err := c.svc.Projects.ServiceAccounts.Keys.Enable(keyName, &iam.EnableServiceAccountKeyRequest{}).
		Context(ctx).Do()
	return err
}

func (c *gcpKeysClient) Delete(ctx context.Context, keyName string) error {
	_, err := c.svc.Projects.ServiceAccounts.Keys.Delete(keyName).Context(ctx).Do()
	return err
}
