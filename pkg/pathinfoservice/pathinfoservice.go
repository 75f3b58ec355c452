package pathinfoservice

import (
	"context"
)

// PathInfoService stores PathInfo records, keyed by the 20-byte store
// path digest of their root node's name.
type PathInfoService interface {
	// Get returns the PathInfo for the given store path digest, or
	// (nil, nil) if it doesn't exist.
	Get(ctx context.Context, outputDigest []byte) (*PathInfo, error)

	// Put validates and persists a PathInfo, returning it as stored
	// (wrappers may have amended it, e.g. with signatures).
	Put(ctx context.Context, pathInfo *PathInfo) (*PathInfo, error)
}
