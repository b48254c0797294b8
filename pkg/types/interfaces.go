package types

import (
	"context"
	"io"
)

// BlobStore defines the key/value object store backing the tile cache
type BlobStore interface {
	// GetProperties returns metadata without transferring the body
	GetProperties(ctx context.Context, key string) (*BlobProperties, error)

	// Download returns the properties and a body stream. The caller closes Body.
	Download(ctx context.Context, key string) (*Blob, error)

	// Upload writes body under key, replacing any existing object
	Upload(ctx context.Context, key string, body io.Reader, contentType string) error

	// Delete removes key; a missing key is not an error
	Delete(ctx context.Context, key string) error
}

// Source provides the encoded bytes of a tile
type Source interface {
	Open() (io.ReadCloser, error)
}
