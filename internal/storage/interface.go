package storage

import (
	"context"
	"io"
)

// ObjectStorage is the object store job reports are archived to.
type ObjectStorage interface {
	// Upload writes an object, replacing any existing one under key.
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error

	// Download opens an object for reading. The caller closes it.
	Download(ctx context.Context, key string) (io.ReadCloser, error)

	// GetURL returns the URL an object is served from.
	GetURL(key string) string

	Exists(ctx context.Context, key string) (bool, error)

	// EnsureBucket creates the bucket when the provider allows it.
	EnsureBucket(ctx context.Context) error
}
