// Package blobstore provides content-addressable storage for step logs.
package blobstore

import (
	"context"
	"errors"
	"io"
)

// ErrBlobNotFound is returned when a requested log does not exist.
var ErrBlobNotFound = errors.New("log not found")

// ErrHashMismatch is returned when the SHA-256 of uploaded data does not match its name.
var ErrHashMismatch = errors.New("log hash mismatch")

// BlobStore defines the contract for content-addressable log storage.
type BlobStore interface {
	Has(ctx context.Context, hash string) (bool, error)

	// Get returns a reader for the original log bytes.
	// Returns ErrBlobNotFound if the log does not exist.
	Get(ctx context.Context, hash string) (io.ReadCloser, error)

	// Put stores a log after verifying the data against hash.
	// Storing the same log twice is a no-op.
	Put(ctx context.Context, hash string, r io.Reader) error

	// Delete removes a log. No error if it doesn't exist.
	Delete(ctx context.Context, hash string) error

	TotalCount(ctx context.Context) (int, error)
	ListHashes(ctx context.Context) ([]string, error)
}
