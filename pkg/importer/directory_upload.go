package importer

import (
	"bytes"
	"context"
	"fmt"

	"code.tvl.fyi/tvix/store-go/pkg/castore"
	"code.tvl.fyi/tvix/store-go/pkg/castore/directoryservice"
	log "github.com/sirupsen/logrus"
)

// DirectoriesUploader opens a put session when it receives the first
// Put() call, and then uses the opened session for subsequent Put()
// calls. When the uploading is finished, a call to Done() will close
// the session and return the root digest returned from the directory
// service.
type DirectoriesUploader struct {
	ctx                 context.Context
	directoryService    directoryservice.DirectoryService
	putter              directoryservice.DirectoryPutter
	lastDirectoryDigest []byte
}

func NewDirectoriesUploader(ctx context.Context, directoryService directoryservice.DirectoryService) *DirectoriesUploader {
	return &DirectoriesUploader{
		ctx:              ctx,
		directoryService: directoryService,
	}
}

func (du *DirectoriesUploader) Put(directory *castore.Directory) ([]byte, error) {
	directoryDigest, err := directory.Digest()
	if err != nil {
		return nil, fmt.Errorf("failed calculating directory digest: %w", err)
	}

	// Send the directory to the directory service.
	// If the session hasn't been initialized yet, do it first.
	if du.putter == nil {
		du.putter = du.directoryService.PutMultipleStart(du.ctx)
	}

	// send the directory out
	if _, err := du.putter.Put(du.ctx, directory); err != nil {
		return nil, fmt.Errorf("error sending directory: %w", err)
	}
	log.WithField("digest", castore.DigestString(directoryDigest)).Debug("uploaded directory")

	// update lastDirectoryDigest
	du.lastDirectoryDigest = directoryDigest

	return directoryDigest, nil
}

// Done closes the session and returns the root digest.
// It returns nil if closed for a second time.
func (du *DirectoriesUploader) Done() ([]byte, error) {
	// only close once, and only if we opened.
	if du.putter == nil {
		return nil, nil
	}

	rootDigest, err := du.putter.Close(du.ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to close directory putter: %w", err)
	}

	// ensure the response contains the same digest as the one we have
	// in lastDirectoryDigest. Otherwise, the backend came up with
	// another digest than we, in which we return an error.
	if !bytes.Equal(du.lastDirectoryDigest, rootDigest) {
		return nil, fmt.Errorf(
			"backend calculated different root digest as we, expected %s, actual %s",
			castore.DigestString(du.lastDirectoryDigest),
			castore.DigestString(rootDigest),
		)
	}

	// clear the putter.
	du.putter = nil

	return rootDigest, nil
}
