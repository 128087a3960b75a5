// Package verify holds the Verifier implementations. Every verifier
// authenticates as the credential under test, never through an
// administrative or ambient identity, and proves an exact content round
// trip against its target.
package verify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/systmms/keyturn/internal/logging"
	"github.com/systmms/keyturn/pkg/rotate"
)

// S3ClientAPI is the slice of the S3 client the verifier uses.
type S3ClientAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3ObjectVerifier fetches a known object with the candidate access key and
// checks its SHA-256 digest. A success can only mean that this exact key
// authenticated: the client is built from static credentials with no
// fallback chain.
type S3ObjectVerifier struct {
	region  string
	bucket  string
	key     string
	sha256  string
	timeout time.Duration
	logger  *logging.Logger

	// newClient builds an S3 client from the candidate credentials.
	// Overridable for testing.
	newClient func(ctx context.Context, accessKeyID, secretAccessKey string) (S3ClientAPI, error)
}

// S3Option is a functional option for configuring the verifier.
type S3Option func(*S3ObjectVerifier)

// WithS3ClientFactory sets a custom client factory (for testing).
func WithS3ClientFactory(f func(ctx context.Context, accessKeyID, secretAccessKey string) (S3ClientAPI, error)) S3Option {
	return func(v *S3ObjectVerifier) {
		v.newClient = f
	}
}

// NewS3ObjectVerifier builds the verifier from its config section.
func NewS3ObjectVerifier(verifyConfig map[string]interface{}, timeout time.Duration, logger *logging.Logger, opts ...S3Option) (*S3ObjectVerifier, error) {
	bucket, _ := verifyConfig["bucket"].(string)
	key, _ := verifyConfig["key"].(string)
	digest, _ := verifyConfig["sha256"].(string)
	if bucket == "" || key == "" || digest == "" {
		return nil, fmt.Errorf("s3-object verifier requires bucket, key and sha256")
	}

	region := "us-east-1"
	if r, ok := verifyConfig["region"].(string); ok && r != "" {
		region = r
	}

	v := &S3ObjectVerifier{
		region:  region,
		bucket:  bucket,
		key:     key,
		sha256:  strings.ToLower(digest),
		timeout: timeout,
		logger:  logger,
	}

	for _, opt := range opts {
		opt(v)
	}

	if v.newClient == nil {
		v.newClient = v.staticClient
	}
	return v, nil
}

func (v *S3ObjectVerifier) staticClient(ctx context.Context, accessKeyID, secretAccessKey string) (S3ClientAPI, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(v.region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build S3 client: %w", err)
	}
	return s3.NewFromConfig(cfg), nil
}

// Verify downloads the object as the candidate key and compares digests.
func (v *S3ObjectVerifier) Verify(ctx context.Context, cred rotate.Credential) error {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	if cred.Secret == nil {
		return fmt.Errorf("credential %s carries no secret material", cred.ID)
	}
	buf, err := cred.Secret.Open()
	if err != nil {
		return fmt.Errorf("open secret material: %w", err)
	}
	defer buf.Destroy()

	client, err := v.newClient(ctx, cred.ID, string(buf.Bytes()))
	if err != nil {
		return err
	}

	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &v.bucket,
		Key:    &v.key,
	})
	if err != nil {
		return fmt.Errorf("get s3://%s/%s as %s: %w", v.bucket, v.key, cred.ID, err)
	}
	defer out.Body.Close()

	h := sha256.New()
	if _, err := io.Copy(h, out.Body); err != nil {
		return fmt.Errorf("read s3://%s/%s: %w", v.bucket, v.key, err)
	}

	got := hex.EncodeToString(h.Sum(nil))
	if got != v.sha256 {
		return fmt.Errorf("s3://%s/%s content mismatch: got sha256 %s, want %s", v.bucket, v.key, got, v.sha256)
	}

	v.logger.Debug("credential %s verified against s3://%s/%s", cred.ID, v.bucket, v.key)
	return nil
}
