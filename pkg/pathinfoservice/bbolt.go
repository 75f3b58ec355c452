package pathinfoservice

import (
	"context"
	"fmt"

	"code.tvl.fyi/tvix/store-go/pkg/storepath"
	"go.etcd.io/bbolt"
)

var pathInfosBucket = []byte("pathinfos")

// BboltPathInfoService stores PathInfo records in an embedded bbolt
// database, store path digest → serialized record.
type BboltPathInfoService struct {
	db *bbolt.DB
}

var _ PathInfoService = &BboltPathInfoService{}

func NewBboltPathInfoService(path string) (*BboltPathInfoService, error) {
	db, err := bbolt.Open(path, 0o666, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to open database at %s: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(pathInfosBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("unable to create bucket: %w", err)
	}
	return &BboltPathInfoService{db: db}, nil
}

func (s *BboltPathInfoService) Close() error {
	return s.db.Close()
}

func (s *BboltPathInfoService) Get(_ context.Context, outputDigest []byte) (*PathInfo, error) {
	if len(outputDigest) != storepath.PathHashSize {
		return nil, fmt.Errorf("invalid digest length: %d", len(outputDigest))
	}

	var data []byte
	if err := s.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(pathInfosBucket).Get(outputDigest); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if data == nil {
		return nil, nil
	}

	pathInfo, err := unmarshalPathInfo(data)
	if err != nil {
		return nil, fmt.Errorf("unable to parse stored PathInfo: %w", err)
	}

	// data coming back from disk still needs to be valid.
	if _, err := pathInfo.Validate(); err != nil {
		return nil, fmt.Errorf("stored PathInfo failed validation: %w", err)
	}

	return pathInfo, nil
}

func (s *BboltPathInfoService) Put(_ context.Context, pathInfo *PathInfo) (*PathInfo, error) {
	storePath, err := pathInfo.Validate()
	if err != nil {
		return nil, fmt.Errorf("refusing to store invalid PathInfo: %w", err)
	}

	data, err := marshalPathInfo(pathInfo)
	if err != nil {
		return nil, err
	}

	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(pathInfosBucket).Put(storePath.Digest, data)
	}); err != nil {
		return nil, fmt.Errorf("unable to persist PathInfo: %w", err)
	}

	return pathInfo, nil
}
