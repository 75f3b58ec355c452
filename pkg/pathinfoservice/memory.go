package pathinfoservice

import (
	"context"
	"fmt"
	"sync"

	"code.tvl.fyi/tvix/store-go/pkg/storepath"
)

// MemoryPathInfoService keeps all PathInfo records in memory.
type MemoryPathInfoService struct {
	mu        sync.RWMutex
	pathInfos map[string]*PathInfo
}

var _ PathInfoService = &MemoryPathInfoService{}

func NewMemoryPathInfoService() *MemoryPathInfoService {
	return &MemoryPathInfoService{
		pathInfos: make(map[string]*PathInfo),
	}
}

func (s *MemoryPathInfoService) Get(_ context.Context, outputDigest []byte) (*PathInfo, error) {
	if len(outputDigest) != storepath.PathHashSize {
		return nil, fmt.Errorf("invalid digest length: %d", len(outputDigest))
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	pathInfo, found := s.pathInfos[string(outputDigest)]
	if !found {
		return nil, nil
	}
	return pathInfo, nil
}

func (s *MemoryPathInfoService) Put(_ context.Context, pathInfo *PathInfo) (*PathInfo, error) {
	storePath, err := pathInfo.Validate()
	if err != nil {
		return nil, fmt.Errorf("refusing to store invalid PathInfo: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.pathInfos[string(storePath.Digest)] = pathInfo

	return pathInfo, nil
}
