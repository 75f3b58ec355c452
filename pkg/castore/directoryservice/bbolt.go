package directoryservice

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"code.tvl.fyi/tvix/store-go/pkg/castore"
	"go.etcd.io/bbolt"
)

var directoriesBucket = []byte("directories")

// BboltDirectoryService stores directories in an embedded bbolt
// database, digest → canonical serialization.
type BboltDirectoryService struct {
	db *bbolt.DB
}

var _ DirectoryService = &BboltDirectoryService{}

func NewBboltDirectoryService(path string) (*BboltDirectoryService, error) {
	db, err := bbolt.Open(path, 0o666, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to open database at %s: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(directoriesBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("unable to create bucket: %w", err)
	}
	return &BboltDirectoryService{db: db}, nil
}

func (s *BboltDirectoryService) Close() error {
	return s.db.Close()
}

func (s *BboltDirectoryService) Get(_ context.Context, digest []byte) (*castore.Directory, error) {
	if err := castore.ValidateDigest(digest); err != nil {
		return nil, err
	}

	var data []byte
	if err := s.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(directoriesBucket).Get(digest); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if data == nil {
		return nil, nil
	}

	directory, err := castore.UnmarshalCanonical(data)
	if err != nil {
		return nil, fmt.Errorf("unable to parse directory %s: %w", castore.DigestString(digest), err)
	}

	if err := directory.Validate(); err != nil {
		return nil, fmt.Errorf("directory %s failed validation: %w", castore.DigestString(digest), err)
	}

	// ensure the directory digest matches the key it was stored under.
	actualDigest, err := directory.Digest()
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(actualDigest, digest) {
		return nil, fmt.Errorf("hash mismatch for directory %s, got %s",
			castore.DigestString(digest), castore.DigestString(actualDigest))
	}

	return directory, nil
}

func (s *BboltDirectoryService) Put(_ context.Context, directory *castore.Directory) ([]byte, error) {
	if err := directory.Validate(); err != nil {
		return nil, fmt.Errorf("invalid directory: %w", err)
	}

	digest, err := directory.Digest()
	if err != nil {
		return nil, err
	}

	data, err := directory.MarshalCanonical()
	if err != nil {
		return nil, err
	}

	if err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(directoriesBucket)
		if b.Get(digest) != nil {
			return nil
		}
		return b.Put(digest, data)
	}); err != nil {
		return nil, fmt.Errorf("unable to persist directory: %w", err)
	}

	return digest, nil
}

func (s *BboltDirectoryService) GetRecursive(ctx context.Context, rootDigest []byte) DirectoryIterator {
	return &getterRecursiveIterator{
		ctx:   ctx,
		get:   s.Get,
		queue: [][]byte{append([]byte(nil), rootDigest...)},
		seen:  make(map[string]struct{}),
	}
}

func (s *BboltDirectoryService) PutMultipleStart(_ context.Context) DirectoryPutter {
	return NewSimplePutter(s)
}

// getterRecursiveIterator implements root-first recursive streaming on
// top of any Get function.
type getterRecursiveIterator struct {
	ctx   context.Context
	get   func(ctx context.Context, digest []byte) (*castore.Directory, error)
	queue [][]byte
	seen  map[string]struct{}
	err   error
}

func (it *getterRecursiveIterator) Next() (*castore.Directory, error) {
	if it.err != nil {
		return nil, it.err
	}

	for {
		if err := it.ctx.Err(); err != nil {
			it.err = err
			return nil, err
		}
		if len(it.queue) == 0 {
			it.err = io.EOF
			return nil, io.EOF
		}

		digest := it.queue[0]
		it.queue = it.queue[1:]

		if _, found := it.seen[string(digest)]; found {
			continue
		}
		it.seen[string(digest)] = struct{}{}

		directory, err := it.get(it.ctx, digest)
		if err != nil {
			it.err = err
			return nil, err
		}
		if directory == nil {
			it.err = fmt.Errorf("directory %s not found", castore.DigestString(digest))
			return nil, it.err
		}

		for _, child := range directory.Directories {
			it.queue = append(it.queue, child.Digest)
		}

		return directory, nil
	}
}
