package directoryservice

import (
	"context"
	"fmt"
	"sync"

	"code.tvl.fyi/tvix/store-go/pkg/castore"
)

// MemoryDirectoryService keeps all directories in memory.
type MemoryDirectoryService struct {
	mu          sync.RWMutex
	directories map[string]*castore.Directory
}

var _ DirectoryService = &MemoryDirectoryService{}

func NewMemoryDirectoryService() *MemoryDirectoryService {
	return &MemoryDirectoryService{
		directories: make(map[string]*castore.Directory),
	}
}

func (s *MemoryDirectoryService) Get(_ context.Context, digest []byte) (*castore.Directory, error) {
	if err := castore.ValidateDigest(digest); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	directory, found := s.directories[string(digest)]
	if !found {
		return nil, nil
	}
	return directory, nil
}

func (s *MemoryDirectoryService) Put(_ context.Context, directory *castore.Directory) ([]byte, error) {
	if err := directory.Validate(); err != nil {
		return nil, fmt.Errorf("invalid directory: %w", err)
	}

	digest, err := directory.Digest()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// identical digest means identical bytes, a second put is a no-op.
	if _, found := s.directories[string(digest)]; !found {
		s.directories[string(digest)] = directory
	}

	return digest, nil
}

func (s *MemoryDirectoryService) GetRecursive(ctx context.Context, rootDigest []byte) DirectoryIterator {
	return &getterRecursiveIterator{
		ctx:   ctx,
		get:   s.Get,
		queue: [][]byte{append([]byte(nil), rootDigest...)},
		seen:  make(map[string]struct{}),
	}
}

func (s *MemoryDirectoryService) PutMultipleStart(_ context.Context) DirectoryPutter {
	return NewSimplePutter(s)
}
