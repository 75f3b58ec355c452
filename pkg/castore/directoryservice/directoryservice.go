// Package directoryservice provides stores for castore directories,
// keyed by the BLAKE3 digest of their canonical serialization, together
// with the ordering validators used when closures are moved between
// stores.
package directoryservice

import (
	"context"
	"errors"

	"code.tvl.fyi/tvix/store-go/pkg/castore"
)

var (
	// ErrDanglingReference is returned when a directory references a
	// child directory that hasn't been seen yet (leaves-to-root order
	// violated).
	ErrDanglingReference = errors.New("dangling reference")

	// ErrUnreachableNode is returned when a received directory isn't
	// reachable from the root (root-to-leaves order violated).
	ErrUnreachableNode = errors.New("unreachable node")

	// ErrPoisoned is returned on any use of a putter after a previous
	// operation failed, and on Put after it was closed.
	ErrPoisoned = errors.New("already closed/poisoned")

	// ErrWrongSize is returned when a directory entry claims a
	// different size for a child directory than the child itself has.
	ErrWrongSize = errors.New("wrong size")
)

// DirectoryIterator is a lazy stream of directories.
// Next returns io.EOF once the stream is done; any other error
// terminates the stream.
type DirectoryIterator interface {
	Next() (*castore.Directory, error)
}

// DirectoryPutter uploads a closure of directories, in leaves-to-root
// order: every child directory referenced by a put must have been put
// earlier in the same session.
// After the first error, the putter is poisoned and every subsequent
// call fails with ErrPoisoned.
type DirectoryPutter interface {
	// Put uploads a single directory, returning its digest.
	Put(ctx context.Context, directory *castore.Directory) ([]byte, error)

	// Close finalizes the batch and returns the digest of the last
	// directory inserted, the root. It fails on an empty batch.
	Close(ctx context.Context) ([]byte, error)
}

// DirectoryService is a content-addressed store for directories.
type DirectoryService interface {
	// Get returns the validated directory with the given digest, or
	// (nil, nil) if it doesn't exist.
	Get(ctx context.Context, digest []byte) (*castore.Directory, error)

	// Put validates and persists a single directory, returning its
	// digest.
	Put(ctx context.Context, directory *castore.Directory) ([]byte, error)

	// GetRecursive returns the closure rooted at the given digest, in
	// root-to-leaves order, deduplicated.
	GetRecursive(ctx context.Context, rootDigest []byte) DirectoryIterator

	// PutMultipleStart opens a batch upload session.
	PutMultipleStart(ctx context.Context) DirectoryPutter
}
