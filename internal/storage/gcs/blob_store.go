// Package gcs stores job artifacts in a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"
)

// Config names the bucket and an optional object prefix.
type Config struct {
	Bucket string
	Prefix string
}

// BlobStore uploads artifacts to a bucket.
type BlobStore struct {
	bucket *storage.BucketHandle
	name   string
	prefix string
}

// New creates a bucket-backed artifact store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, errors.New("storage client is required")
	}
	name := strings.TrimSpace(cfg.Bucket)
	if name == "" {
		return nil, errors.New("bucket name is required")
	}
	return &BlobStore{
		bucket: client.Bucket(name),
		name:   name,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// ObjectName returns the object an artifact path is written to.
func (s *BlobStore) ObjectName(p string) (string, error) {
	p = strings.Trim(strings.TrimSpace(p), "/")
	if p == "" {
		return "", errors.New("artifact path is required")
	}
	if s.prefix == "" {
		return path.Clean(p), nil
	}
	return path.Join(s.prefix, p), nil
}

// PutObject uploads r and returns a gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, p string, contentType string, r io.Reader) (string, error) {
	object, err := s.ObjectName(p)
	if err != nil {
		return "", err
	}
	w := s.bucket.Object(object).NewWriter(ctx)
	w.ContentType = contentType
	w.Metadata = map[string]string{"producer": "corpusjobs"}
	if _, err := io.Copy(w, r); err != nil {
		if closeErr := w.Close(); closeErr != nil {
			return "", fmt.Errorf("upload %s: %w (close writer: %v)", object, err, closeErr)
		}
		return "", fmt.Errorf("upload %s: %w", object, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize %s: %w", object, err)
	}
	return fmt.Sprintf("gs://%s/%s", s.name, object), nil
}
