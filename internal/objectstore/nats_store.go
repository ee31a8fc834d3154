// Package objectstore holds the blob stores the synthesis worker reads text
// from and writes audio to.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/book-expert/voice-service/internal/config"
	"github.com/book-expert/voice-service/internal/core"
)

// NatsObjectStore implements the core.ObjectStore interface using NATS JetStream.
type NatsObjectStore struct {
	store  nats.ObjectStore
	bucket string
}

// New builds the object store selected by cfg.Backend. The JetStream context
// is only used by the nats backend.
func New(ctx context.Context, cfg config.ObjectStoreConfig, jetstreamContext nats.JetStreamContext) (core.ObjectStore, error) {
	switch cfg.Backend {
	case config.ObjectStoreBackendNATS:
		return NewNats(jetstreamContext, cfg.Bucket)
	case config.ObjectStoreBackendS3:
		return NewS3(ctx, cfg)
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownObjectStoreBackend, cfg.Backend)
	}
}

// NewNats creates the bucket, or binds to it when it already exists.
func NewNats(jetstreamContext nats.JetStreamContext, bucketName string) (*NatsObjectStore, error) {
	store, err := jetstreamContext.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:      bucketName,
		Description: fmt.Sprintf("Voice service storage for the %s bucket.", bucketName),
		Storage:     nats.FileStorage,
		Replicas:    1,
	})
	if errors.Is(err, jetstream.ErrBucketExists) || errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		store, err = jetstreamContext.ObjectStore(bucketName)
		if err != nil {
			return nil, fmt.Errorf("failed to bind to existing object store bucket '%s': %w", bucketName, err)
		}
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create object store bucket '%s': %w", bucketName, err)
	}

	return &NatsObjectStore{store: store, bucket: bucketName}, nil
}

// Download retrieves an object. A missing key wraps core.ErrNotFound.
func (n *NatsObjectStore) Download(ctx context.Context, key string) ([]byte, error) {
	obj, err := n.store.Get(key, nats.Context(ctx))
	if errors.Is(err, nats.ErrObjectNotFound) {
		return nil, fmt.Errorf("%w: object '%s' in bucket '%s'", core.ErrNotFound, key, n.bucket)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: failed to get object '%s' from bucket '%s': %w", core.ErrStorage, key, n.bucket, err)
	}

	data, readErr := io.ReadAll(obj)
	closeErr := obj.Close()

	if readErr != nil {
		return nil, fmt.Errorf("%w: failed to read object '%s': %w", core.ErrStorage, key, readErr)
	}

	if closeErr != nil {
		return nil, fmt.Errorf("%w: failed to close object '%s': %w", core.ErrStorage, key, closeErr)
	}

	return data, nil
}

// Upload saves an object, replacing any previous object under the same key.
func (n *NatsObjectStore) Upload(ctx context.Context, key string, data []byte) error {
	_, err := n.store.Put(&nats.ObjectMeta{
		Name:    key,
		Headers: nats.Header{"Content-Type": []string{contentTypeFor(key)}},
	}, bytes.NewReader(data), nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("%w: failed to put object '%s' to bucket '%s': %w", core.ErrStorage, key, n.bucket, err)
	}

	return nil
}
