// Package gcs provides a BlobStore backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// Config names the bucket reports are written to.
type Config struct {
	Bucket string `mapstructure:"gcs_bucket" yaml:"gcs_bucket"`
}

func (c Config) validate() error {
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("bucket name is required")
	}
	return nil
}

// BlobStore uploads report objects to one bucket.
type BlobStore struct {
	client *storage.Client
	bucket *storage.BucketHandle
	name   string
	// closeClient is set when Dial created the client.
	closeClient bool
}

// New wraps an existing client. The caller keeps ownership of it.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, errors.New("storage client is required")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &BlobStore{client: client, bucket: client.Bucket(cfg.Bucket), name: cfg.Bucket}, nil
}

// Dial creates a client from Application Default Credentials plus opts.
// Close releases it.
func Dial(ctx context.Context, cfg Config, opts ...option.ClientOption) (*BlobStore, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	store, err := New(client, cfg)
	if err != nil {
		return nil, errors.Join(err, client.Close())
	}
	store.closeClient = true
	return store, nil
}

// PutObject uploads r as one request and returns the gs:// URI. A failed
// upload leaves no object behind.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error) {
	path = strings.TrimPrefix(strings.TrimSpace(path), "/")
	if path == "" {
		return "", errors.New("path is required")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := s.bucket.Object(path).NewWriter(ctx)
	// Reports are small; skip the resumable upload session.
	w.ChunkSize = 0
	w.ContentType = contentType
	if _, err := io.Copy(w, r); err != nil {
		// Canceling the writer's context aborts the upload.
		cancel()
		_ = w.Close()
		return "", fmt.Errorf("upload gs://%s/%s: %w", s.name, path, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("upload gs://%s/%s: %w", s.name, path, err)
	}
	return "gs://" + s.name + "/" + path, nil
}

// Close releases the client when Dial created it.
func (s *BlobStore) Close() error {
	if !s.closeClient {
		return nil
	}
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close gcs client: %w", err)
	}
	return nil
}
