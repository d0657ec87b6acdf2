package media

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// BlobStore persists media bytes inside the local database. It is satisfied
// by *storage.Store.
type BlobStore interface {
	PutBlob(ctx context.Context, id, ownerID, role, mimeType string, data []byte) error
	GetBlob(ctx context.Context, id string) ([]byte, string, error)
	DeleteBlob(ctx context.Context, id string) error
}

type blobBackend struct {
	blobs BlobStore
}

func (b *blobBackend) kind() Kind { return KindLocalBlob }

func (b *blobBackend) put(ctx context.Context, ownerID string, role Role, mimeType string, data []byte) (string, error) {
	id := uuid.New().String()
	if err := b.blobs.PutBlob(ctx, id, ownerID, string(role), mimeType, data); err != nil {
		return "", fmt.Errorf("storing blob for %s/%s: %w", ownerID, role, err)
	}
	return id, nil
}

func (b *blobBackend) get(ctx context.Context, locator string) ([]byte, string, error) {
	data, mimeType, err := b.blobs.GetBlob(ctx, locator)
	if err != nil {
		return nil, "", fmt.Errorf("%w: blob %s: %w", ErrMediaUnavailable, locator, err)
	}
	return data, mimeType, nil
}

func (b *blobBackend) remove(ctx context.Context, locator string) error {
	return b.blobs.DeleteBlob(ctx, locator)
}
