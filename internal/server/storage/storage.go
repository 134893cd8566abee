// Package storage provides id-addressed blob storage for transfer file
// bytes. The ledger holds only blob refs; these backends hold the bytes.
package storage

import (
	"context"
	"errors"
	"io"
)

var ErrBlobNotFound = errors.New("blob not found")

// Store defines the interface for blob storage backends.
// This allows swapping the filesystem for S3 or an in-memory store.
type Store interface {
	// Put streams data into the blob addressed by ref and returns the
	// number of bytes written.
	Put(ctx context.Context, ref string, data io.Reader) (int64, error)

	// Open returns a reader over the blob's bytes. The caller closes it.
	Open(ctx context.Context, ref string) (io.ReadCloser, error)

	// Delete removes the blob. Deleting an absent blob is not an error.
	Delete(ctx context.Context, ref string) error
}
