package importer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"code.tvl.fyi/tvix/store-go/pkg/castore"
	"code.tvl.fyi/tvix/store-go/pkg/castore/blobservice"
	"code.tvl.fyi/tvix/store-go/pkg/castore/directoryservice"
	log "github.com/sirupsen/logrus"
)

// IngestPath ingests a local filesystem path into the provided blob
// and directory services, and returns the root node describing it.
// The returned node carries an empty name; callers rename it to
// whatever the node should be called in its new context.
//
// Directories are walked bottom-up, so the directory service sees
// every child before the directory referencing it. Symlinks are read
// and never followed. Anything that's not a directory, regular file or
// symlink aborts the ingestion.
func IngestPath(
	ctx context.Context,
	fsPath string,
	blobService blobservice.BlobService,
	directoryService directoryservice.DirectoryService,
) (castore.Node, error) {
	uploader := NewConcurrentBlobUploader(ctx, blobService)
	directoriesUploader := NewDirectoriesUploader(ctx, directoryService)

	rootNode, err := ingestEntry(ctx, fsPath, nil, uploader, directoriesUploader)
	if err != nil {
		// drain outstanding uploads before reporting the walk error.
		_ = uploader.Join()
		return nil, err
	}

	// wait for all background blob uploads; the first error wins.
	if err := uploader.Join(); err != nil {
		return nil, fmt.Errorf("failed blob upload: %w", err)
	}

	// close the directory upload session, if we uploaded any.
	if _, err := directoriesUploader.Done(); err != nil {
		return nil, fmt.Errorf("failed directory upload: %w", err)
	}

	log.WithField("path", fsPath).Debug("ingested path")

	return rootNode, nil
}

func ingestEntry(
	ctx context.Context,
	fsPath string,
	name []byte,
	uploader *ConcurrentBlobUploader,
	directoriesUploader *DirectoriesUploader,
) (castore.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fi, err := os.Lstat(fsPath)
	if err != nil {
		return nil, fmt.Errorf("unable to stat %s: %w", fsPath, err)
	}

	switch mode := fi.Mode(); {
	case mode.IsDir():
		entries, err := os.ReadDir(fsPath)
		if err != nil {
			return nil, fmt.Errorf("unable to read directory %s: %w", fsPath, err)
		}

		directory := &castore.Directory{
			Directories: []*castore.DirectoryNode{},
			Files:       []*castore.FileNode{},
			Symlinks:    []*castore.SymlinkNode{},
		}

		// entries come lexicographically sorted from ReadDir, which
		// keeps each of the three lists sorted on its own.
		for _, entry := range entries {
			entryName := []byte(entry.Name())
			if !castore.IsValidName(entryName) {
				return nil, fmt.Errorf("invalid name: %q in %s", entryName, fsPath)
			}

			childNode, err := ingestEntry(ctx, filepath.Join(fsPath, entry.Name()), entryName, uploader, directoriesUploader)
			if err != nil {
				return nil, err
			}

			switch n := childNode.(type) {
			case *castore.DirectoryNode:
				directory.Directories = append(directory.Directories, n)
			case *castore.FileNode:
				directory.Files = append(directory.Files, n)
			case *castore.SymlinkNode:
				directory.Symlinks = append(directory.Symlinks, n)
			}
		}

		digest, err := directoriesUploader.Put(directory)
		if err != nil {
			return nil, fmt.Errorf("unable to upload directory %s: %w", fsPath, err)
		}

		return &castore.DirectoryNode{
			Name:   name,
			Digest: digest,
			Size:   directory.Size(),
		}, nil

	case mode&os.ModeSymlink != 0:
		target, err := os.Readlink(fsPath)
		if err != nil {
			return nil, fmt.Errorf("unable to readlink %s: %w", fsPath, err)
		}

		return &castore.SymlinkNode{
			Name:   name,
			Target: []byte(target),
		}, nil

	case mode.IsRegular():
		f, err := os.Open(fsPath)
		if err != nil {
			return nil, fmt.Errorf("unable to open %s: %w", fsPath, err)
		}
		defer f.Close()

		digest, err := uploader.Upload(ctx, fsPath, uint64(fi.Size()), f)
		if err != nil {
			return nil, err
		}

		return &castore.FileNode{
			Name:       name,
			Digest:     digest,
			Size:       uint64(fi.Size()),
			Executable: mode.Perm()&0o100 != 0,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported file type: %s (%s)", mode, fsPath)
	}
}
