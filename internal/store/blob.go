package store

import (
	"context"
	"io"
)

// BlobStore persists job artifacts such as compiled digests.
type BlobStore interface {
	// PutObject writes the content at path and returns a backend URI.
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}
