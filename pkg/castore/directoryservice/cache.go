package directoryservice

import (
	"context"
	"errors"
	"fmt"
	"io"

	"code.tvl.fyi/tvix/store-go/pkg/castore"
	log "github.com/sirupsen/logrus"
)

// CacheDirectoryService asks near first; if not found, it obtains the
// entire directory closure from far, validates it, and inserts it into
// near. There is no negative cache.
// Puts are not supported.
type CacheDirectoryService struct {
	near DirectoryService
	far  DirectoryService
}

var _ DirectoryService = &CacheDirectoryService{}

func NewCacheDirectoryService(near, far DirectoryService) *CacheDirectoryService {
	return &CacheDirectoryService{near: near, far: far}
}

func (s *CacheDirectoryService) Get(ctx context.Context, digest []byte) (*castore.Directory, error) {
	directory, err := s.near.Get(ctx, digest)
	if err != nil {
		return nil, err
	}
	if directory != nil {
		log.WithField("digest", castore.DigestString(digest)).Trace("serving from cache")
		return directory, nil
	}

	log.WithField("digest", castore.DigestString(digest)).Trace("not found in near, asking remote…")

	graph := NewDirectoryGraphRootToLeaves(digest)

	var root *castore.Directory
	it := s.far.GetRecursive(ctx, digest)
	for {
		directory, err := it.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if root == nil {
			root = directory
		}
		if err := graph.Add(directory); err != nil {
			return nil, fmt.Errorf("received invalid closure: %w", err)
		}
	}

	if root == nil {
		return nil, nil
	}

	validated, err := graph.Validate()
	if err != nil {
		return nil, fmt.Errorf("received invalid closure: %w", err)
	}

	putter := s.near.PutMultipleStart(ctx)
	for _, directory := range validated.DrainLeavesToRoot() {
		if _, err := putter.Put(ctx, directory); err != nil {
			return nil, fmt.Errorf("unable to insert into near: %w", err)
		}
	}
	if _, err := putter.Close(ctx); err != nil {
		return nil, fmt.Errorf("unable to close near putter: %w", err)
	}

	return root, nil
}

func (s *CacheDirectoryService) Put(_ context.Context, _ *castore.Directory) ([]byte, error) {
	return nil, fmt.Errorf("unsupported")
}

func (s *CacheDirectoryService) GetRecursive(ctx context.Context, rootDigest []byte) DirectoryIterator {
	return &cacheRecursiveIterator{
		ctx:  ctx,
		svc:  s,
		root: append([]byte(nil), rootDigest...),
	}
}

func (s *CacheDirectoryService) PutMultipleStart(_ context.Context) DirectoryPutter {
	return &unsupportedPutter{}
}

// cacheRecursiveIterator probes the root via Get (which, when near misses
// it, copies the closure from far into near), then streams the closure
// from near. A directory missing from near later in the stream ends it
// with an error.
type cacheRecursiveIterator struct {
	ctx   context.Context
	svc   *CacheDirectoryService
	root  []byte
	inner DirectoryIterator
	err   error
}

func (it *cacheRecursiveIterator) Next() (*castore.Directory, error) {
	if it.err != nil {
		return nil, it.err
	}

	if it.inner == nil {
		// probe near for the root; a miss pulls the closure in.
		root, err := it.svc.Get(it.ctx, it.root)
		if err != nil {
			it.err = err
			return nil, err
		}
		if root == nil {
			it.err = fmt.Errorf("directory %s not found", castore.DigestString(it.root))
			return nil, it.err
		}
		it.inner = it.svc.near.GetRecursive(it.ctx, it.root)
	}

	directory, err := it.inner.Next()
	if err != nil {
		it.err = err
		return nil, err
	}
	return directory, nil
}

type unsupportedPutter struct{}

func (p *unsupportedPutter) Put(_ context.Context, _ *castore.Directory) ([]byte, error) {
	return nil, fmt.Errorf("unsupported")
}

func (p *unsupportedPutter) Close(_ context.Context) ([]byte, error) {
	return nil, fmt.Errorf("unsupported")
}
