package main

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"code.tvl.fyi/tvix/store-go/pkg/castore"
	"code.tvl.fyi/tvix/store-go/pkg/exporter"
	"code.tvl.fyi/tvix/store-go/pkg/importer"
	"code.tvl.fyi/tvix/store-go/pkg/nixhash"
	"code.tvl.fyi/tvix/store-go/pkg/pathinfoservice"
	"code.tvl.fyi/tvix/store-go/pkg/storepath"
	"github.com/nix-community/go-nix/pkg/narinfo/signature"
	log "github.com/sirupsen/logrus"
)

type ImportCmd struct {
	Path string `arg:"" help:"The local path to import"`
	Name string `name:"name" help:"The name to use for the store path, defaults to the basename of the path"`

	SigningKeyPath string `name:"signing-key-path" help:"Sign the resulting path info with the key at this path"`
}

func (cmd *ImportCmd) Run(ctx context.Context) error {
	svcs, err := openServices()
	if err != nil {
		return err
	}

	pathInfoService := svcs.pathInfoService
	if cmd.SigningKeyPath != "" {
		keyData, err := os.ReadFile(cmd.SigningKeyPath)
		if err != nil {
			return fmt.Errorf("unable to read signing key: %w", err)
		}
		signingKey, err := pathinfoservice.ParseSigningKey(string(keyData))
		if err != nil {
			return fmt.Errorf("unable to parse signing key: %w", err)
		}
		pathInfoService = pathinfoservice.NewSigningPathInfoService(pathInfoService, signingKey)
	}

	name := cmd.Name
	if name == "" {
		name = filepath.Base(cmd.Path)
	}

	log.WithField("path", cmd.Path).Info("ingesting")

	rootNode, err := importer.IngestPath(ctx, cmd.Path, svcs.blobService, svcs.directoryService)
	if err != nil {
		return fmt.Errorf("unable to ingest %s: %w", cmd.Path, err)
	}

	// Render the NAR of what we just ingested, hashing and counting
	// it, to derive the source store path.
	narCountW := &importer.CountingWriter{}
	sha256W := sha256.New()
	if err := exporter.Export(io.MultiWriter(narCountW, sha256W), rootNode,
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
	); err != nil {
		return fmt.Errorf("unable to render nar: %w", err)
	}

	narSha256 := sha256W.Sum(nil)
	narSize := narCountW.BytesWritten()

	narHash, err := nixhash.New(nixhash.SHA256, narSha256)
	if err != nil {
		return err
	}

	storePath, err := storepath.BuildRegularCAPath(name, narHash, true, nil, false)
	if err != nil {
		return fmt.Errorf("unable to derive store path: %w", err)
	}

	pathInfo := &pathinfoservice.PathInfo{
		Node:       castore.RenamedNode(rootNode, storePath.String()),
		References: [][]byte{},
		Narinfo: &pathinfoservice.NARInfo{
			NarSize:        narSize,
			NarSha256:      narSha256,
			Signatures:     []signature.Signature{},
			ReferenceNames: []string{},
			CA: &nixhash.CAHash{
				Kind: nixhash.CANar,
				Hash: narHash,
			},
		},
	}

	if _, err := pathInfoService.Put(ctx, pathInfo); err != nil {
		return fmt.Errorf("unable to put path info: %w", err)
	}

	fmt.Println(storePath.Absolute())
	return nil
}
