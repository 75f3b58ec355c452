package directoryservice

import (
	"context"
	"fmt"

	"code.tvl.fyi/tvix/store-go/pkg/castore"
	log "github.com/sirupsen/logrus"
)

// SimplePutter is a [DirectoryPutter] forwarding each directory to an
// underlying [DirectoryService.Put], while enforcing leaves-to-root
// order and size consistency across the session.
type SimplePutter struct {
	svc   DirectoryService
	order *LeavesToRootValidator

	// sizes of all directories seen in this session, by digest.
	sizes map[string]uint64

	lastDirectoryDigest []byte
	err                 error
	closed              bool
}

var _ DirectoryPutter = &SimplePutter{}

func NewSimplePutter(svc DirectoryService) *SimplePutter {
	return &SimplePutter{
		svc:   svc,
		order: NewLeavesToRootValidator(),
		sizes: make(map[string]uint64),
	}
}

func (p *SimplePutter) Put(ctx context.Context, directory *castore.Directory) ([]byte, error) {
	if p.err != nil || p.closed {
		return nil, ErrPoisoned
	}

	if err := directory.Validate(); err != nil {
		p.err = fmt.Errorf("invalid directory: %w", err)
		return nil, p.err
	}

	digest, err := directory.Digest()
	if err != nil {
		p.err = err
		return nil, p.err
	}

	// every child must have been put earlier in this session, and must
	// be referred to with its actual size.
	for _, child := range directory.Directories {
		size, found := p.sizes[string(child.Digest)]
		if !found {
			p.err = fmt.Errorf("directory %s references %s: %w",
				castore.DigestString(digest), castore.DigestString(child.Digest), ErrDanglingReference)
			return nil, p.err
		}
		if size != child.Size {
			p.err = fmt.Errorf("directory %s claims size %d for %s, has %d: %w",
				castore.DigestString(digest), child.Size, castore.DigestString(child.Digest), size, ErrWrongSize)
			return nil, p.err
		}
	}

	if !p.order.AddDirectory(directory) {
		p.err = fmt.Errorf("directory %s: %w", castore.DigestString(digest), ErrDanglingReference)
		return nil, p.err
	}

	if _, err := p.svc.Put(ctx, directory); err != nil {
		p.err = fmt.Errorf("unable to put directory: %w", err)
		return nil, p.err
	}

	log.WithField("digest", castore.DigestString(digest)).Debug("uploaded directory")

	p.sizes[string(digest)] = directory.Size()
	p.lastDirectoryDigest = digest

	return digest, nil
}

func (p *SimplePutter) Close(_ context.Context) ([]byte, error) {
	if p.err != nil {
		return nil, ErrPoisoned
	}
	if p.closed {
		return p.lastDirectoryDigest, nil
	}
	if p.lastDirectoryDigest == nil {
		p.err = fmt.Errorf("no directories uploaded")
		return nil, p.err
	}

	p.closed = true
	return p.lastDirectoryDigest, nil
}
