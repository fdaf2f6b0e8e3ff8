package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	gos3 "otad/pkg/s3"
)

// objectClient is the subset of pkg/s3.Client used by S3Blobs.
type objectClient interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, sha256 string) error
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error)
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
	Head(ctx context.Context, bucket, key string) (gos3.ObjectInfo, error)
	Delete(ctx context.Context, bucket, key string) error
}

var _ objectClient = (*gos3.Client)(nil)

// S3Blobs stores payloads in an S3 bucket, keyed by locator.
type S3Blobs struct {
	client objectClient
	bucket string
}

// NewS3Blobs returns a backend writing to bucket.
func NewS3Blobs(client *gos3.Client, bucket string) (*S3Blobs, error) {
	if client == nil {
		return nil, errors.New("artifacts: s3 client is required")
	}
	return newS3Blobs(client, bucket)
}

func newS3Blobs(client objectClient, bucket string) (*S3Blobs, error) {
	if bucket == "" {
		return nil, errors.New("artifacts: s3 bucket is required")
	}
	return &S3Blobs{client: client, bucket: bucket}, nil
}

// Write uploads the payload and confirms the stored object carries the
// expected size and digest before the artifact is indexed.
func (b *S3Blobs) Write(ctx context.Context, locator string, r io.Reader, size int64, sha256 string) error {
	if err := b.client.PutObject(ctx, b.bucket, locator, r, size, sha256); err != nil {
		return err
	}
	info, err := b.client.Head(ctx, b.bucket, locator)
	if err != nil {
		return err
	}
	if info.Size != size || (info.SHA256 != "" && !strings.EqualFold(info.SHA256, sha256)) {
		_ = b.client.Delete(ctx, b.bucket, locator)
		return fmt.Errorf("artifacts: stored object %s does not match upload (size %d, want %d)", locator, info.Size, size)
	}
	return nil
}

func (b *S3Blobs) Open(ctx context.Context, locator string) (io.ReadCloser, error) {
	body, _, err := b.client.Get(ctx, b.bucket, locator)
	return body, err
}

func (b *S3Blobs) Delete(ctx context.Context, locator string) error {
	return b.client.Delete(ctx, b.bucket, locator)
}

func (b *S3Blobs) PresignGet(ctx context.Context, locator string, ttl time.Duration) (string, error) {
	return b.client.PresignGet(ctx, b.bucket, locator, ttl)
}
