package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"code.tvl.fyi/tvix/store-go/pkg/castore"
	"code.tvl.fyi/tvix/store-go/pkg/exporter"
	"code.tvl.fyi/tvix/store-go/pkg/storepath"
	log "github.com/sirupsen/logrus"
)

type ExportCmd struct {
	StorePath string `arg:"" help:"The absolute store path to export, /nix/store/…"`
}

func (cmd *ExportCmd) Run(ctx context.Context) error {
	svcs, err := openServices()
	if err != nil {
		return err
	}

	storePath, err := storepath.FromAbsolutePath(cmd.StorePath)
	if err != nil {
		return fmt.Errorf("unable to parse store path: %w", err)
	}

	pathInfo, err := svcs.pathInfoService.Get(ctx, storePath.Digest)
	if err != nil {
		return fmt.Errorf("unable to get path info: %w", err)
	}
	if pathInfo == nil {
		return &notFoundError{msg: fmt.Sprintf("no path info for %s", cmd.StorePath)}
	}

	log.WithField("store_path", cmd.StorePath).Debug("exporting")

	return exporter.Export(os.Stdout, pathInfo.Node,
		func(digest []byte) (*castore.Directory, error) {
			directory, err := svcs.directoryService.Get(ctx, digest)
			if err != nil {
				return nil, err
			}
			if directory == nil {
				return nil, fmt.Errorf("directory %s not found", castore.DigestString(digest))
			}
			return directory, nil
		},
		func(digest []byte) (io.ReadCloser, error) {
			blobReader, err := svcs.blobService.OpenRead(ctx, digest)
			if err != nil {
				return nil, err
			}
			if blobReader == nil {
				return nil, fmt.Errorf("blob %s not found", castore.DigestString(digest))
			}
			return blobReader, nil
		},
	)
}
