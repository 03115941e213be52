// Package storage defines where run reports are persisted. Implementations
// live in the local, gcs and memory subpackages.
package storage

import (
	"context"
	"io"
)

// BlobStore persists one object and returns a URI that locates it.
type BlobStore interface {
	PutObject(ctx context.Context, path, contentType string, r io.Reader) (string, error)
}

// Providers understood by the configuration layer.
const (
	ProviderLocal  = "local"
	ProviderGCS    = "gcs"
	ProviderMemory = "memory"
)
