package verify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"google.golang.org/api/option"
	storage "google.golang.org/api/storage/v1"

	"github.com/systmms/keyturn/internal/logging"
	"github.com/systmms/keyturn/pkg/rotate"
)

// GCSObjectVerifier downloads a known object with the candidate service
// account key and checks its SHA-256 digest. The client is built from the
// candidate key JSON alone, so ambient credentials can never mask a dead
// key.
type GCSObjectVerifier struct {
	bucket  string
	object  string
	sha256  string
	timeout time.Duration
	logger  *logging.Logger

	// download fetches the object body using keyJSON as the sole
	// credential. Overridable for testing.
	download func(ctx context.Context, keyJSON []byte) (io.ReadCloser, error)
}

// GCSOption is a functional option for configuring the verifier.
type GCSOption func(*GCSObjectVerifier)

// WithGCSDownloader sets a custom object downloader (for testing).
func WithGCSDownloader(f func(ctx context.Context, keyJSON []byte) (io.ReadCloser, error)) GCSOption {
	return func(v *GCSObjectVerifier) {
		v.download = f
	}
}

// NewGCSObjectVerifier builds the verifier from its config section.
func NewGCSObjectVerifier(verifyConfig map[string]interface{}, timeout time.Duration, logger *logging.Logger, opts ...GCSOption) (*GCSObjectVerifier, error) {
	bucket, _ := verifyConfig["bucket"].(string)
	object, _ := verifyConfig["object"].(string)
	digest, _ := verifyConfig["sha256"].(string)
	if bucket == "" || object == "" || digest == "" {
		return nil, fmt.Errorf("gcs-object verifier requires bucket, object and sha256")
	}

	v := &GCSObjectVerifier{
		bucket:  bucket,
		object:  object,
		sha256:  strings.ToLower(digest),
		timeout: timeout,
		logger:  logger,
	}

	for _, opt := range opts {
		opt(v)
	}

	if v.download == nil {
		v.download = v.downloadWithKey
	}
	return v, nil
}

func (v *GCSObjectVerifier) downloadWithKey(ctx context.Context, keyJSON []byte) (io.ReadCloser, error) {
	svc, err := storage.NewService(ctx,
		option.WithCredentialsJSON(keyJSON),
		option.WithScopes(storage.DevstorageReadOnlyScope),
	)
	if err != nil {
		return nil, fmt.Errorf("build storage client: %w", err)
	}
	resp, err := svc.Objects.Get(v.bucket, v.object).Context(ctx).Download()
	if err != nil {
		return nil, fmt.Errorf("get gs://%s/%s: %w", v.bucket, v.object, err)
	}
	return resp.Body, nil
}

// Verify downloads the object as the candidate key and compares digests.
func (v *GCSObjectVerifier) Verify(ctx context.Context, cred rotate.Credential) error {
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

	body, err := v.download(ctx, buf.Bytes())
	if err != nil {
		return fmt.Errorf("verify as %s: %w", cred.ID, err)
	}
	defer body.Close()

	h := sha256.New()
	if _, err := io.Copy(h, body); err != nil {
		return fmt.Errorf("read gs://%s/%s: %w", v.bucket, v.object, err)
	}

	got := hex.EncodeToString(h.Sum(nil))
	if got != v.sha256 {
		return fmt.Errorf("gs://%s/%s content mismatch: got sha256 %s, want %s", v.bucket, v.object, got, v.sha256)
	}

	v.logger.Debug("credential %s verified against gs://%s/%s", cred.ID, v.bucket, v.object)
	return nil
}
