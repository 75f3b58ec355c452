package blobservice

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"code.tvl.fyi/tvix/store-go/pkg/castore"
	"go.etcd.io/bbolt"
	"lukechampine.com/blake3"
)

var blobsBucket = []byte("blobs")

// BboltBlobService stores blobs in an embedded bbolt database,
// digest → contents.
type BboltBlobService struct {
	db *bbolt.DB
}

var _ BlobService = &BboltBlobService{}

func NewBboltBlobService(path string) (*BboltBlobService, error) {
	db, err := bbolt.Open(path, 0o666, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to open database at %s: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(blobsBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("unable to create bucket: %w", err)
	}
	return &BboltBlobService{db: db}, nil
}

func (s *BboltBlobService) Close() error {
	return s.db.Close()
}

func (s *BboltBlobService) Has(_ context.Context, digest []byte) (bool, error) {
	if err := castore.ValidateDigest(digest); err != nil {
		return false, err
	}

	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(blobsBucket).Get(digest) != nil
		return nil
	})
	return found, err
}

func (s *BboltBlobService) OpenRead(_ context.Context, digest []byte) (BlobReader, error) {
	if err := castore.ValidateDigest(digest); err != nil {
		return nil, err
	}

	var contents []byte
	if err := s.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(blobsBucket).Get(digest); v != nil {
			// copy out, the slice is only valid inside the transaction.
			contents = append([]byte(nil), v...)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if contents == nil {
		return nil, nil
	}

	return NewNaiveSeeker(bytes.NewReader(contents)), nil
}

func (s *BboltBlobService) OpenWrite(_ context.Context) BlobWriter {
	return &bboltBlobWriter{svc: s, hasher: blake3.New(castore.B3DigestSize, nil)}
}

func (s *BboltBlobService) Chunks(_ context.Context, _ []byte) ([]ChunkMeta, error) {
	return nil, nil
}

type bboltBlobWriter struct {
	svc    *BboltBlobService
	mu     sync.Mutex
	buf    bytes.Buffer
	hasher *blake3.Hasher

	digest []byte
	err    error
}

func (w *bboltBlobWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.err != nil {
		return 0, w.err
	}
	if w.digest != nil {
		return 0, ErrClosed
	}
	w.hasher.Write(p)
	return w.buf.Write(p)
}

func (w *bboltBlobWriter) Close() ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.err != nil {
		return nil, w.err
	}
	if w.digest != nil {
		return w.digest, nil
	}

	digest := w.hasher.Sum(nil)

	if err := w.svc.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(blobsBucket)
		if b.Get(digest) != nil {
			return nil
		}
		return b.Put(digest, w.buf.Bytes())
	}); err != nil {
		w.err = fmt.Errorf("unable to persist blob: %w", err)
		return nil, w.err
	}

	w.digest = digest
	w.buf = bytes.Buffer{}
	return digest, nil
}
