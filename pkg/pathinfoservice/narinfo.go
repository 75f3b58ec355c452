package pathinfoservice

import (
	"fmt"

	mh "github.com/multiformats/go-multihash/core"
	nixhash "github.com/nix-community/go-nix/pkg/hash"

	"github.com/nix-community/go-nix/pkg/narinfo"
	"github.com/nix-community/go-nix/pkg/nixbase32"
)

// ToNixNarInfo converts the PathInfo to a narinfo.NarInfo, the
// key-value textual format served by binary caches.
func ToNixNarInfo(p *PathInfo) (*narinfo.NarInfo, error) {
	// ensure the PathInfo is valid, and extract the StorePath from the
	// node in there.
	storePath, err := p.Validate()
	if err != nil {
		return nil, fmt.Errorf("failed to validate PathInfo: %w", err)
	}

	if p.Narinfo == nil {
		return nil, fmt.Errorf("no narinfo metadata present")
	}

	// produce a nixhash for the narsha256.
	narHash, err := nixhash.FromHashTypeAndDigest(
		mh.SHA2_256,
		p.Narinfo.NarSha256,
	)
	if err != nil {
		return nil, fmt.Errorf("invalid narsha256: %w", err)
	}

	narInfo := &narinfo.NarInfo{
		StorePath:   storePath.Absolute(),
		URL:         "nar/" + nixbase32.EncodeToString(narHash.Digest()) + ".nar",
		Compression: "none",
		NarHash:     narHash,
		NarSize:     p.Narinfo.NarSize,
		References:  p.Narinfo.ReferenceNames,
		Signatures:  p.Narinfo.Signatures,
	}

	if p.Narinfo.Deriver != nil {
		narInfo.Deriver = p.Narinfo.Deriver.String()
	}
	if p.Narinfo.CA != nil {
		narInfo.CA = p.Narinfo.CA.String()
	}

	return narInfo, nil
}
