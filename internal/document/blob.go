// Package document reads contract documents and writes signed artifacts to
// a gocloud.dev blob bucket. The bucket URL selects the backend: mem:// for
// tests, file:///path for a local directory, or any registered driver.
package document

import (
	"context"
	"fmt"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	"gocloud.dev/gcerrors"

	"github.com/pitabwire/covenant/model"
)

// Source reads document bytes by storage path.
type Source interface {
	Read(ctx context.Context, path string) ([]byte, error)
}

// Sink writes document bytes to a storage path.
type Sink interface {
	Write(ctx context.Context, path string, data []byte, contentType string) error
}

// BlobStore implements Source and Sink over a blob bucket.
type BlobStore struct {
	bucket *blob.Bucket
}

// OpenBlobStore opens the bucket identified by url.
func OpenBlobStore(ctx context.Context, url string) (*BlobStore, error) {
	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open bucket %q: %w", url, err)
	}
	return &BlobStore{bucket: bucket}, nil
}

// NewBlobStore wraps an already opened bucket.
func NewBlobStore(bucket *blob.Bucket) *BlobStore {
	return &BlobStore{bucket: bucket}
}

// Read returns NOT_FOUND when no object exists at path.
func (s *BlobStore) Read(ctx context.Context, path string) ([]byte, error) {
	data, err := s.bucket.ReadAll(ctx, path)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, model.NewNotFoundError(fmt.Sprintf("document %q not found", path))
		}
		return nil, fmt.Errorf("read document %q: %w", path, err)
	}
	return data, nil
}

// Write replaces any object at path.
func (s *BlobStore) Write(ctx context.Context, path string, data []byte, contentType string) error {
	opts := &blob.WriterOptions{ContentType: contentType}
	if err := s.bucket.WriteAll(ctx, path, data, opts); err != nil {
		return fmt.Errorf("write document %q: %w", path, err)
	}
	return nil
}

// HealthCheck verifies the bucket is reachable.
func (s *BlobStore) HealthCheck(ctx context.Context) error {
	if _, err := s.bucket.IsAccessible(ctx); err != nil {
		return fmt.Errorf("bucket not accessible: %w", err)
	}
	return nil
}

// Close releases the bucket.
func (s *BlobStore) Close() error {
	return s.bucket.Close()
}
