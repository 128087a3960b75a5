package store

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/keyturn/internal/logging"
	"github.com/systmms/keyturn/pkg/rotate"
)

// mockIAMClient implements IAMClientAPI with overridable behavior.
type mockIAMClient struct {
	Calls []string

	ListFunc   func(*iam.ListAccessKeysInput) (*iam.ListAccessKeysOutput, error)
	CreateFunc func(*iam.CreateAccessKeyInput) (*iam.CreateAccessKeyOutput, error)
	UpdateFunc func(*iam.UpdateAccessKeyInput) (*iam.UpdateAccessKeyOutput, error)
	DeleteFunc func(*iam.DeleteAccessKeyInput) (*iam.DeleteAccessKeyOutput, error)
	TagFunc    func(*iam.TagUserInput) (*iam.TagUserOutput, error)
}

func (m *mockIAMClient) ListAccessKeys(_ context.Context, in *iam.ListAccessKeysInput, _ ...func(*iam.Options)) (*iam.ListAccessKeysOutput, error) {
	m.Calls = append(m.Calls, "ListAccessKeys")
	if m.ListFunc != nil {
		return m.ListFunc(in)
	}
	return &iam.ListAccessKeysOutput{}, nil
}

func (m *mockIAMClient) CreateAccessKey(_ context.Context, in *iam.CreateAccessKeyInput, _ ...func(*iam.Options)) (*iam.CreateAccessKeyOutput, error) {
	m.Calls = append(m.Calls, "CreateAccessKey")
	if m.CreateFunc != nil {
		return m.CreateFunc(in)
	}
	return nil, fmt.Errorf("not configured")
}

func (m *mockIAMClient) UpdateAccessKey(_ context.Context, in *iam.UpdateAccessKeyInput, _ ...func(*iam.Options)) (*iam.UpdateAccessKeyOutput, error) {
	m.Calls = append(m.Calls, "UpdateAccessKey")
	if m.UpdateFunc != nil {
		return m.UpdateFunc(in)
	}
	return &iam.UpdateAccessKeyOutput{}, nil
}

func (m *mockIAMClient) DeleteAccessKey(_ context.Context, in *iam.DeleteAccessKeyInput, _ ...func(*iam.Options)) (*iam.DeleteAccessKeyOutput, error) {
	m.Calls = append(m.Calls, "DeleteAccessKey")
	if m.DeleteFunc != nil {
		return m.DeleteFunc(in)
	}
	return &iam.DeleteAccessKeyOutput{}, nil
}

func (m *mockIAMClient) TagUser(_ context.Context, in *iam.TagUserInput, _ ...func(*iam.Options)) (*iam.TagUserOutput, error) {
	m.Calls = append(m.Calls, "TagUser")
	if m.TagFunc != nil {
		return m.TagFunc(in)
	}
	return &iam.TagUserOutput{}, nil
}

func newIAMStore(t *testing.T, client IAMClientAPI) *AWSIAMStore {
	t.Helper()
	s, err := NewAWSIAMStore(context.Background(),
		map[string]interface{}{"username": "ci-deployer", "region": "eu-west-1"},
		logging.New(false, true),
		WithIAMClient(client))
	require.NoError(t, err)
	return s
}

func TestAWSIAMStoreRequiresUsername(t *testing.T) {
	_, err := NewAWSIAMStore(context.Background(), map[string]interface{}{}, logging.New(false, true),
		WithIAMClient(&mockIAMClient{}))
	assert.ErrorContains(t, err, "username")
}

func TestAWSIAMStoreList(t *testing.T) {
	client := &mockIAMClient{
		ListFunc: func(in *iam.ListAccessKeysInput) (*iam.ListAccessKeysOutput, error) {
			assert.Equal(t, "ci-deployer", *in.UserName)
			return &iam.ListAccessKeysOutput{
				AccessKeyMetadata: []types.AccessKeyMetadata{
					{AccessKeyId: aws.String("AKIAOLD"), Status: types.StatusTypeActive},
					{AccessKeyId: aws.String("AKIADISABLED"), Status: types.StatusTypeInactive},
				},
			}, nil
		},
	}
	s := newIAMStore(t, client)

	creds, err := s.List(context.Background(), "ci-deployer")
	require.NoError(t, err)
	require.Len(t, creds, 2)
	assert.Equal(t, rotate.Credential{ID: "AKIAOLD", Status: rotate.StatusActive}, creds[0])
	assert.Equal(t, rotate.Credential{ID: "AKIADISABLED", Status: rotate.StatusInactive}, creds[1])
}

func TestAWSIAMStoreListUnavailable(t *testing.T) {
	client := &mockIAMClient{
		ListFunc: func(*iam.ListAccessKeysInput) (*iam.ListAccessKeysOutput, error) {
			return nil, fmt.Errorf("dial tcp: connection refused")
		},
	}
	s := newIAMStore(t, client)

	_, err := s.List(context.Background(), "ci-deployer")
	var unavailable *rotate.StoreUnavailableError
	assert.ErrorAs(t, err, &unavailable)
}

func TestAWSIAMStoreCreate(t *testing.T) {
	client := &mockIAMClient{
		CreateFunc: func(in *iam.CreateAccessKeyInput) (*iam.CreateAccessKeyOutput, error) {
			return &iam.CreateAccessKeyOutput{
				AccessKey: &types.AccessKey{
					AccessKeyId:     aws.String("AKIANEW"),
					SecretAccessKey: aws.String("wJalrXUtnFEMI"),
					Status:          types.StatusTypeActive,
				},
			}, nil
		},
	}
	s := newIAMStore(t, client)

	cred, err := s.Create(context.Background(), "ci-deployer")
	require.NoError(t, err)
	assert.Equal(t, "AKIANEW", cred.ID)
	assert.Equal(t, rotate.StatusActive, cred.Status)

	buf, err := cred.Secret.Open()
	require.NoError(t, err)
	defer buf.Destroy()
	assert.Equal(t, "wJalrXUtnFEMI", string(buf.Bytes()))
}

func TestAWSIAMStoreCreateQuotaExceeded(t *testing.T) {
	client := &mockIAMClient{
		CreateFunc: func(*iam.CreateAccessKeyInput) (*iam.CreateAccessKeyOutput, error) {
			return nil, &types.LimitExceededException{Message: aws.String("Cannot exceed quota for AccessKeysPerUser: 2")}
		},
	}
	s := newIAMStore(t, client)

	_, err := s.Create(context.Background(), "ci-deployer")
	var quota *rotate.QuotaExceededError
	require.ErrorAs(t, err, &quota)
	assert.Equal(t, 2, quota.Limit)
}

func TestAWSIAMStoreSetStatus(t *testing.T) {
	var gotStatus types.StatusType
	client := &mockIAMClient{
		UpdateFunc: func(in *iam.UpdateAccessKeyInput) (*iam.UpdateAccessKeyOutput, error) {
			gotStatus = in.Status
			assert.Equal(t, "AKIAOLD", *in.AccessKeyId)
			return &iam.UpdateAccessKeyOutput{}, nil
		},
	}
	s := newIAMStore(t, client)

	require.NoError(t, s.SetStatus(context.Background(), "AKIAOLD", rotate.StatusInactive))
	assert.Equal(t, types.StatusTypeInactive, gotStatus)

	require.NoError(t, s.SetStatus(context.Background(), "AKIAOLD", rotate.StatusActive))
	assert.Equal(t, types.StatusTypeActive, gotStatus)

	err := s.SetStatus(context.Background(), "AKIAOLD", rotate.StatusDeleted)
	assert.ErrorContains(t, err, "cannot set status")
}

func TestAWSIAMStoreSetStatusNotFound(t *testing.T) {
	client := &mockIAMClient{
		UpdateFunc: func(*iam.UpdateAccessKeyInput) (*iam.UpdateAccessKeyOutput, error) {
			return nil, &types.NoSuchEntityException{}
		},
	}
	s := newIAMStore(t, client)

	err := s.SetStatus(context.Background(), "AKIAGONE", rotate.StatusInactive)
	assert.True(t, errors.Is(err, rotate.ErrNotFound))
}

func TestAWSIAMStoreDeleteNotFound(t *testing.T) {
	client := &mockIAMClient{
		DeleteFunc: func(*iam.DeleteAccessKeyInput) (*iam.DeleteAccessKeyOutput, error) {
			return nil, &types.NoSuchEntityException{}
		},
	}
	s := newIAMStore(t, client)

	err := s.Delete(context.Background(), "AKIAGONE")
	assert.True(t, errors.Is(err, rotate.ErrNotFound))
}

func TestAWSIAMStoreAnnotateCommit(t *testing.T) {
	var tagged *iam.TagUserInput
	client := &mockIAMClient{
		TagFunc: func(in *iam.TagUserInput) (*iam.TagUserOutput, error) {
			tagged = in
			return &iam.TagUserOutput{}, nil
		},
	}
	s := newIAMStore(t, client)

	require.NoError(t, s.AnnotateCommit(context.Background(), "AKIANEW"))
	require.NotNil(t, tagged)
	require.Len(t, tagged.Tags, 1)
	assert.Equal(t, "keyturn:active-key", *tagged.Tags[0].Key)
	assert.Equal(t, "AKIANEW", *tagged.Tags[0].Value)
}
