package blobservice

import (
	"bytes"
	"context"
	"sync"

	"code.tvl.fyi/tvix/store-go/pkg/castore"
	"lukechampine.com/blake3"
)

// MemoryBlobService keeps all blobs in memory.
type MemoryBlobService struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

var _ BlobService = &MemoryBlobService{}

func NewMemoryBlobService() *MemoryBlobService {
	return &MemoryBlobService{
		blobs: make(map[string][]byte),
	}
}

func (s *MemoryBlobService) Has(_ context.Context, digest []byte) (bool, error) {
	if err := castore.ValidateDigest(digest); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	_, found := s.blobs[string(digest)]
	return found, nil
}

func (s *MemoryBlobService) OpenRead(_ context.Context, digest []byte) (BlobReader, error) {
	if err := castore.ValidateDigest(digest); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	contents, found := s.blobs[string(digest)]
	if !found {
		return nil, nil
	}

	return NewNaiveSeeker(bytes.NewReader(contents)), nil
}

func (s *MemoryBlobService) OpenWrite(_ context.Context) BlobWriter {
	return &memoryBlobWriter{svc: s, hasher: blake3.New(castore.B3DigestSize, nil)}
}

func (s *MemoryBlobService) Chunks(_ context.Context, _ []byte) ([]ChunkMeta, error) {
	// blobs are stored whole, there's no chunking to expose.
	return nil, nil
}

type memoryBlobWriter struct {
	svc    *MemoryBlobService
	buf    bytes.Buffer
	hasher *blake3.Hasher

	// set on Close
	digest []byte
	err    error
}

func (w *memoryBlobWriter) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	if w.digest != nil {
		return 0, ErrClosed
	}
	// the blake3 hasher never errors on Write.
	w.hasher.Write(p)
	return w.buf.Write(p)
}

func (w *memoryBlobWriter) Close() ([]byte, error) {
	if w.err != nil {
		return nil, w.err
	}
	if w.digest != nil {
		// Close is idempotent on success, return the cached digest.
		return w.digest, nil
	}

	digest := w.hasher.Sum(nil)

	w.svc.mu.Lock()
	defer w.svc.mu.Unlock()

	// Puts with the same digest carry identical bytes, so writing twice
	// is idempotent.
	if _, found := w.svc.blobs[string(digest)]; !found {
		w.svc.blobs[string(digest)] = w.buf.Bytes()
	}

	w.digest = digest
	w.buf = bytes.Buffer{}
	return digest, nil
}
