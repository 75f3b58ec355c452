// Package pathinfoservice binds Nix store paths to castore root nodes
// plus the metadata needed to serve and verify them.
package pathinfoservice

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"code.tvl.fyi/tvix/store-go/pkg/castore"
	"code.tvl.fyi/tvix/store-go/pkg/nixhash"
	"code.tvl.fyi/tvix/store-go/pkg/storepath"
	"github.com/nix-community/go-nix/pkg/narinfo/signature"
)

// PathInfo binds a store path to a castore root node, plus metadata.
// The root node's name is the store path base name.
type PathInfo struct {
	Node       castore.Node
	References [][]byte
	Narinfo    *NARInfo
}

// NARInfo holds the NAR-level metadata of a PathInfo.
type NARInfo struct {
	NarSize        uint64
	NarSha256      []byte
	Signatures     []signature.Signature
	ReferenceNames []string
	Deriver        *storepath.StorePath
	CA             *nixhash.CAHash
}

// Validate performs some checks on the PathInfo struct, returning
// either the StorePath of the root node, or an error.
func (p *PathInfo) Validate() (*storepath.StorePath, error) {
	// ensure References has the right number of bytes.
	for i, reference := range p.References {
		if len(reference) != storepath.PathHashSize {
			return nil, fmt.Errorf("invalid length of digest at position %d, expected %d, got %d", i, storepath.PathHashSize, len(reference))
		}
	}

	// If there's a Narinfo field populated…
	if narInfo := p.Narinfo; narInfo != nil {
		// ensure the NarSha256 digest has the correct length.
		if len(narInfo.NarSha256) != sha256.Size {
			return nil, fmt.Errorf("invalid number of bytes for NarSha256: expected %d, got %d", sha256.Size, len(narInfo.NarSha256))
		}

		// every NAR has at least its root node on the wire.
		if narInfo.NarSize == 0 {
			return nil, fmt.Errorf("NarSize must not be 0")
		}

		// ensure the number of references matches len(References).
		if len(narInfo.ReferenceNames) != len(p.References) {
			return nil, fmt.Errorf("inconsistent number of references: %d (references) vs %d (narinfo)", len(p.References), len(narInfo.ReferenceNames))
		}

		// for each ReferenceName…
		for i, referenceName := range narInfo.ReferenceNames {
			// ensure it parses to a store path
			storePath, err := storepath.FromString(referenceName)
			if err != nil {
				return nil, fmt.Errorf("invalid ReferenceName at position %d: %w", i, err)
			}

			// ensure the digest matches the one at References[i]
			if !bytes.Equal(p.References[i], storePath.Digest) {
				return nil, fmt.Errorf(
					"digest in ReferenceName at position %d does not match digest in PathInfo, expected %s, got %s",
					i,
					castore.DigestString(p.References[i]),
					castore.DigestString(storePath.Digest),
				)
			}
		}

		// If the Deriver field is populated, ensure it parses to a
		// StorePath.
		// We can't check for it to *not* end with .drv, as the .drv
		// files produced by recursive Nix end with multiple .drv
		// suffixes, and only one is popped when converting to this
		// field.
		if deriver := narInfo.Deriver; deriver != nil {
			if err := deriver.Validate(); err != nil {
				return nil, fmt.Errorf("invalid deriver field: %w", err)
			}
		}

		// If the CA field is populated, ensure it's well-formed for
		// its algo.
		if ca := narInfo.CA; ca != nil {
			if err := ca.Validate(); err != nil {
				return nil, fmt.Errorf("invalid ca field: %w", err)
			}
		}
	}

	// ensure there is a (root) node present
	rootNode := p.Node
	if rootNode == nil {
		return nil, fmt.Errorf("root node must be set")
	}

	if err := rootNode.Validate(); err != nil {
		return nil, fmt.Errorf("root node failed validation: %w", err)
	}

	// ensure the name of the root node properly parses to a store
	// path. This is a stricter check than the ones already performed
	// in the rootNode.Validate() call.
	storePath, err := storepath.FromString(string(rootNode.GetName()))
	if err != nil {
		return nil, fmt.Errorf("unable to parse root node name %s as StorePath: %w", rootNode.GetName(), err)
	}

	return storePath, nil
}
