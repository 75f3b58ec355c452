// Package exporter turns a castore root node back into the NAR
// serialization, resolving directories and blobs through lookup
// callbacks.
package exporter

import (
	"fmt"
	"io"
	"path"

	"code.tvl.fyi/tvix/store-go/pkg/castore"
	"code.tvl.fyi/tvix/store-go/pkg/nar"
)

type DirectoryLookupFn func([]byte) (*castore.Directory, error)
type BlobLookupFn func([]byte) (io.ReadCloser, error)

// Export will traverse a given root node, and write the contents in
// NAR format to the passed Writer.
// It uses directoryLookupFn and blobLookupFn to resolve references.
func Export(
	w io.Writer,
	rootNode castore.Node,
	directoryLookupFn DirectoryLookupFn,
	blobLookupFn BlobLookupFn,
) error {
	// initialize a NAR writer
	narWriter, err := nar.NewWriter(w)
	if err != nil {
		return fmt.Errorf("unable to initialize nar writer: %w", err)
	}
	defer narWriter.Close()

	// populate rootHeader
	rootHeader := &nar.Header{
		Path: "/",
	}

	// populate a stack.
	// we will push paths and directories to it when entering a
	// directory, and emit individual elements to the NAR writer,
	// draining the Directory object.
	// once it's empty, we can pop it off the stack.
	var stackPaths = []string{}
	var stackDirectories = []*castore.Directory{}

	// peek at the root and assemble the root node and write to writer
	// in the case of a regular file, we retrieve and write the
	// contents, close and exit.
	// in the case of a symlink, we write the symlink, close and exit.
	switch n := rootNode.(type) {
	case *castore.FileNode:
		rootHeader.Type = nar.TypeRegular
		rootHeader.Size = int64(n.Size)
		rootHeader.Executable = n.Executable
		if err := narWriter.WriteHeader(rootHeader); err != nil {
			return fmt.Errorf("unable to write root header: %w", err)
		}

		// if it's a regular file, retrieve and write the contents
		blobReader, err := blobLookupFn(n.Digest)
		if err != nil {
			return fmt.Errorf("unable to lookup blob: %w", err)
		}
		defer blobReader.Close()

		if _, err := io.Copy(narWriter, blobReader); err != nil {
			return fmt.Errorf("unable to read from blobReader: %w", err)
		}

		if err := blobReader.Close(); err != nil {
			return fmt.Errorf("unable to close content reader: %w", err)
		}

		if err := narWriter.Close(); err != nil {
			return fmt.Errorf("unable to close nar writer: %w", err)
		}

		return nil

	case *castore.SymlinkNode:
		rootHeader.Type = nar.TypeSymlink
		rootHeader.LinkTarget = string(n.Target)
		if err := narWriter.WriteHeader(rootHeader); err != nil {
			return fmt.Errorf("unable to write root header: %w", err)
		}

		if err := narWriter.Close(); err != nil {
			return fmt.Errorf("unable to close nar writer: %w", err)
		}

		return nil

	case *castore.DirectoryNode:
		// We have a directory at the root, look it up and put in on
		// the stack.
		directory, err := directoryLookupFn(n.Digest)
		if err != nil {
			return fmt.Errorf("unable to lookup directory: %w", err)
		}
		stackDirectories = append(stackDirectories, drainableCopy(directory))
		stackPaths = append(stackPaths, "/")

		if err := narWriter.WriteHeader(&nar.Header{
			Path: "/",
			Type: nar.TypeDirectory,
		}); err != nil {
			return fmt.Errorf("error writing header: %w", err)
		}

	default:
		panic("invalid type") // unreachable
	}

	// as long as the stack is not empty, we keep running.
	for {
		if len(stackDirectories) == 0 {
			return narWriter.Close()
		}

		// Peek at the current top of the stack.
		topOfStack := stackDirectories[len(stackDirectories)-1]
		topOfStackPath := stackPaths[len(stackPaths)-1]

		// get the next element that's lexicographically smallest, and
		// drain it from the current directory on top of the stack.
		nextNode := drainNextNode(topOfStack)

		// If nextNode returns nil, there's nothing left in the
		// directory node, so we can emit it from the stack.
		// Contrary to the import case, we don't emit the node popping
		// from the stack, but when pushing.
		if nextNode == nil {
			// pop off stack
			stackDirectories = stackDirectories[:len(stackDirectories)-1]
			stackPaths = stackPaths[:len(stackPaths)-1]

			continue
		}

		switch n := nextNode.(type) {
		case *castore.DirectoryNode:
			if err := narWriter.WriteHeader(&nar.Header{
				Path: path.Join(topOfStackPath, string(n.Name)),
				Type: nar.TypeDirectory,
			}); err != nil {
				return fmt.Errorf("unable to write nar header: %w", err)
			}

			d, err := directoryLookupFn(n.Digest)
			if err != nil {
				return fmt.Errorf("unable to lookup directory: %w", err)
			}

			// add to stack
			stackDirectories = append(stackDirectories, drainableCopy(d))
			stackPaths = append(stackPaths, path.Join(topOfStackPath, string(n.Name)))

		case *castore.FileNode:
			if err := narWriter.WriteHeader(&nar.Header{
				Path:       path.Join(topOfStackPath, string(n.Name)),
				Type:       nar.TypeRegular,
				Size:       int64(n.Size),
				Executable: n.Executable,
			}); err != nil {
				return fmt.Errorf("unable to write nar header: %w", err)
			}

			// copy file contents
			contentReader, err := blobLookupFn(n.Digest)
			if err != nil {
				return fmt.Errorf("unable to get blob: %w", err)
			}

			if n.Size > 0 {
				if _, err := io.Copy(narWriter, contentReader); err != nil {
					contentReader.Close()
					return fmt.Errorf("unable to copy contents from contentReader: %w", err)
				}
			}

			if err := contentReader.Close(); err != nil {
				return fmt.Errorf("unable to close content reader: %w", err)
			}

		case *castore.SymlinkNode:
			if err := narWriter.WriteHeader(&nar.Header{
				Path:       path.Join(topOfStackPath, string(n.Name)),
				Type:       nar.TypeSymlink,
				LinkTarget: string(n.Target),
			}); err != nil {
				return fmt.Errorf("unable to write nar header: %w", err)
			}
		}
	}
}

// drainableCopy returns a shallow copy of a directory whose lists we
// may drain without mutating the caller's object.
func drainableCopy(d *castore.Directory) *castore.Directory {
	return &castore.Directory{
		Directories: append([]*castore.DirectoryNode(nil), d.Directories...),
		Files:       append([]*castore.FileNode(nil), d.Files...),
		Symlinks:    append([]*castore.SymlinkNode(nil), d.Symlinks...),
	}
}

// drainNextNode will drain a directory with one of its child nodes,
// whichever comes first alphabetically.
func drainNextNode(d *castore.Directory) castore.Node {
	switch v := smallestNode(d).(type) {
	case *castore.DirectoryNode:
		d.Directories = d.Directories[1:]
		return v
	case *castore.FileNode:
		d.Files = d.Files[1:]
		return v
	case *castore.SymlinkNode:
		d.Symlinks = d.Symlinks[1:]
		return v
	case nil:
		return nil
	default:
		panic("invalid type encountered")
	}
}

// smallestNode will return the node from a directory,
// whichever comes first alphabetically.
func smallestNode(d *castore.Directory) castore.Node {
	var smallest castore.Node
	if len(d.Directories) > 0 {
		smallest = d.Directories[0]
	}
	if len(d.Files) > 0 {
		smallest = smallerNode(smallest, d.Files[0])
	}
	if len(d.Symlinks) > 0 {
		smallest = smallerNode(smallest, d.Symlinks[0])
	}
	return smallest
}

// smallerNode compares two nodes by their name,
// and returns the one with the smaller name.
func smallerNode(a, b castore.Node) castore.Node {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if string(a.GetName()) < string(b.GetName()) {
		return a
	}
	return b
}
