package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/book-expert/voice-service/internal/config"
	"github.com/book-expert/voice-service/internal/core"
	"github.com/book-expert/voice-service/internal/tts/audio"
)

const (
	defaultRegion       = "us-east-1"
	codeNoSuchKey       = "NoSuchKey"
	contentTypeText     = "text/plain; charset=utf-8"
	contentTypeFallback = "application/octet-stream"
	metaUploadedAt      = "uploaded-at"
)

// ErrBucketMissing is returned when the configured S3 bucket does not exist.
var ErrBucketMissing = errors.New("object store bucket does not exist")

// S3ObjectStore implements core.ObjectStore on an S3-compatible service.
type S3ObjectStore struct {
	client *minio.Client
	bucket string
}

// NewS3 connects to the endpoint in cfg and checks that the bucket exists.
// Credentials come from the environment variables cfg names.
func NewS3(ctx context.Context, cfg config.ObjectStoreConfig) (*S3ObjectStore, error) {
	region := cfg.Region
	if region == "" {
		region = defaultRegion
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(os.Getenv(cfg.AccessKeyEnv), os.Getenv(cfg.SecretKeyEnv), ""),
		Secure: cfg.UseTLS,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init S3 client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %q: %w", cfg.Bucket, err)
	}

	if !exists {
		return nil, fmt.Errorf("%w: %q", ErrBucketMissing, cfg.Bucket)
	}

	return &S3ObjectStore{client: client, bucket: cfg.Bucket}, nil
}

// Download retrieves an object. A missing key wraps core.ErrNotFound.
func (s *S3ObjectStore) Download(ctx context.Context, key string) ([]byte, error) {
	object, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, s.wrapError(key, err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		return nil, s.wrapError(key, err)
	}

	return data, nil
}

// Upload saves an object with a content type derived from the key.
func (s *S3ObjectStore) Upload(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  contentTypeFor(key),
		UserMetadata: map[string]string{metaUploadedAt: time.Now().UTC().Format(time.RFC3339)},
	})
	if err != nil {
		return fmt.Errorf("%w: failed to put object '%s' to bucket '%s': %w", core.ErrStorage, key, s.bucket, err)
	}

	return nil
}

func (s *S3ObjectStore) wrapError(key string, err error) error {
	if minio.ToErrorResponse(err).Code == codeNoSuchKey {
		return fmt.Errorf("%w: object '%s' in bucket '%s'", core.ErrNotFound, key, s.bucket)
	}

	return fmt.Errorf("%w: failed to get object '%s' from bucket '%s': %w", core.ErrStorage, key, s.bucket, err)
}

func contentTypeFor(key string) string {
	extension := path.Ext(key)
	if extension == ".txt" {
		return contentTypeText
	}

	format, err := audio.ParseFormat(extension)
	if err != nil {
		return contentTypeFallback
	}

	return format.ContentType()
}
