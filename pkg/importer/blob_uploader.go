package importer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"code.tvl.fyi/tvix/store-go/pkg/castore"
	"code.tvl.fyi/tvix/store-go/pkg/castore/blobservice"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"lukechampine.com/blake3"
)

// Files smaller than this threshold, in bytes, are uploaded to the
// blob service in the background.
const ConcurrentBlobUploadThreshold = 1024 * 1024

// The maximum amount of bytes allowed to be buffered in memory to
// perform async blob uploads.
const maxBufferSize = 128 * 1024 * 1024

// ErrUnexpectedSize is returned when a file's contents don't have the
// size its metadata declared.
var ErrUnexpectedSize = errors.New("unexpected size")

// ConcurrentBlobUploader provides a mechanism for concurrently
// uploading small blobs. This is useful when ingesting from sources
// like tarballs and archives which each blob entry must be read
// sequentially. Ingesting many small blobs sequentially becomes slow
// due to round trip time with the blob service. The concurrent blob
// uploader will buffer small blobs in memory and upload them to the
// blob service in the background.
//
// Once all blobs have been uploaded, make sure to call
// [ConcurrentBlobUploader.Join] to wait for all background jobs to
// complete and check for any errors.
type ConcurrentBlobUploader struct {
	blobService blobservice.BlobService
	group       *errgroup.Group
	groupCtx    context.Context
	sem         *semaphore.Weighted
}

// NewConcurrentBlobUploader creates a new concurrent blob uploader
// which uploads blobs to the provided blob service.
func NewConcurrentBlobUploader(ctx context.Context, blobService blobservice.BlobService) *ConcurrentBlobUploader {
	group, groupCtx := errgroup.WithContext(ctx)
	return &ConcurrentBlobUploader{
		blobService: blobService,
		group:       group,
		groupCtx:    groupCtx,
		sem:         semaphore.NewWeighted(maxBufferSize),
	}
}

// Upload uploads a blob to the blob service. If the blob is small
// enough it will be read to a buffer and uploaded in the background.
// This will read the entirety of the provided reader unless an error
// occurs.
func (u *ConcurrentBlobUploader) Upload(ctx context.Context, path string, expectedSize uint64, r io.Reader) ([]byte, error) {
	if expectedSize < ConcurrentBlobUploadThreshold {
		// Hold a size-weighted permit for as long as the buffer lives.
		if err := u.sem.Acquire(ctx, int64(expectedSize)); err != nil {
			return nil, err
		}

		hasher := blake3.New(castore.B3DigestSize, nil)
		var buffer bytes.Buffer
		buffer.Grow(int(expectedSize))

		size, err := io.Copy(&buffer, io.TeeReader(r, hasher))
		if err != nil {
			u.sem.Release(int64(expectedSize))
			return nil, fmt.Errorf("unable to read blob contents for %s: %w", path, err)
		}
		digest := hasher.Sum(nil)

		if uint64(size) != expectedSize {
			u.sem.Release(int64(expectedSize))
			return nil, fmt.Errorf("%w for %s: wanted %d, got %d", ErrUnexpectedSize, path, expectedSize, size)
		}

		u.group.Go(func() error {
			// Make sure we hold the permit until we finish writing the
			// blob to the blob service.
			defer u.sem.Release(int64(expectedSize))

			uploadedDigest, err := uploadBlob(u.groupCtx, u.blobService, path, expectedSize, &buffer)
			if err != nil {
				return err
			}

			if !bytes.Equal(uploadedDigest, digest) {
				return fmt.Errorf("blob digest mismatch for %s", path)
			}

			return nil
		})

		return digest, nil
	}

	return uploadBlob(ctx, u.blobService, path, expectedSize, r)
}

// Join waits for all background upload jobs to complete, returning any
// upload errors.
func (u *ConcurrentBlobUploader) Join() error {
	return u.group.Wait()
}

func uploadBlob(ctx context.Context, blobService blobservice.BlobService, path string, expectedSize uint64, r io.Reader) ([]byte, error) {
	writer := blobService.OpenWrite(ctx)

	size, err := io.Copy(writer, r)
	if err != nil {
		return nil, fmt.Errorf("unable to read blob contents for %s: %w", path, err)
	}

	// check the size before finalizing, an abandoned writer doesn't
	// commit anything.
	if uint64(size) != expectedSize {
		return nil, fmt.Errorf("%w for %s: wanted %d, got %d", ErrUnexpectedSize, path, expectedSize, size)
	}

	digest, err := writer.Close()
	if err != nil {
		return nil, fmt.Errorf("unable to finalize blob %s: %w", path, err)
	}

	return digest, nil
}
