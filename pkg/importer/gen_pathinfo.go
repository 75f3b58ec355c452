package importer

import (
	"fmt"

	"code.tvl.fyi/tvix/store-go/pkg/castore"
	"code.tvl.fyi/tvix/store-go/pkg/pathinfoservice"
	"code.tvl.fyi/tvix/store-go/pkg/storepath"
	"github.com/nix-community/go-nix/pkg/narinfo"
)

// GenPathInfo takes a rootNode and narInfo and assembles a PathInfo.
// The rootNode is renamed to match the StorePath in the narInfo.
func GenPathInfo(rootNode castore.Node, narInfo *narinfo.NarInfo) (*pathinfoservice.PathInfo, error) {
	// parse the storePath from the .narinfo
	storePath, err := storepath.FromAbsolutePath(narInfo.StorePath)
	if err != nil {
		return nil, fmt.Errorf("unable to parse StorePath: %w", err)
	}

	// construct the references, by parsing ReferenceNames and
	// extracting the digest
	references := make([][]byte, len(narInfo.References))
	for i, referenceStr := range narInfo.References {
		// parse reference as store path
		referenceStorePath, err := storepath.FromString(referenceStr)
		if err != nil {
			return nil, fmt.Errorf("unable to parse reference %s as storepath: %w", referenceStr, err)
		}
		references[i] = referenceStorePath.Digest
	}

	// assemble the PathInfo.
	pathInfo := &pathinfoservice.PathInfo{
		// embed a new root node with the name set to the store path
		// basename.
		Node:       castore.RenamedNode(rootNode, storePath.String()),
		References: references,
		Narinfo: &pathinfoservice.NARInfo{
			NarSize:        narInfo.NarSize,
			NarSha256:      narInfo.NarHash.Digest(),
			Signatures:     narInfo.Signatures,
			ReferenceNames: narInfo.References,
		},
	}

	// run Validate on the PathInfo, more as an additional sanity check
	// our code is sound, to make sure we populated everything
	// properly, before returning it.
	// Fail hard if we fail validation, this is a code error.
	if _, err = pathInfo.Validate(); err != nil {
		panic(fmt.Sprintf("PathInfo failed validation: %v", err))
	}

	return pathInfo, nil
}
