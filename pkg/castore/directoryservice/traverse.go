package directoryservice

import (
	"bytes"
	"context"
	"fmt"

	"code.tvl.fyi/tvix/store-go/pkg/castore"
	log "github.com/sirupsen/logrus"
)

// DescendTo walks from a root node to the given relative path, fetching
// intermediate directories from the directory service. It returns the
// node at that path, or (nil, nil) if there's nothing at that path —
// including when the walk would have to descend into a file or symlink.
func DescendTo(ctx context.Context, svc DirectoryService, rootNode castore.Node, path string) (castore.Node, error) {
	components, err := castore.PathComponents(path)
	if err != nil {
		return nil, err
	}

	parentNode := rootNode
	for _, component := range components {
		directoryNode, ok := parentNode.(*castore.DirectoryNode)
		if !ok {
			// There's still some path left, but the parent node is no
			// directory. This means the path doesn't exist, as we
			// can't reach it.
			return nil, nil
		}

		directory, err := svc.Get(ctx, directoryNode.Digest)
		if err != nil {
			return nil, err
		}
		if directory == nil {
			// If we didn't get the directory node that's linked,
			// that's a store inconsistency, bail out!
			log.WithField("digest", castore.DigestString(directoryNode.Digest)).Warn("directory does not exist")
			return nil, fmt.Errorf("directory %s does not exist", castore.DigestString(directoryNode.Digest))
		}

		// look for the component in the directory.
		var childNode castore.Node
		for _, n := range directory.Nodes() {
			if bytes.Equal(n.GetName(), component) {
				childNode = n
				break
			}
		}
		if childNode == nil {
			// child node not found means there's no such element
			// inside the directory.
			return nil, nil
		}
		parentNode = childNode
	}

	// We traversed the entire path, so this must be the node.
	return parentNode, nil
}
