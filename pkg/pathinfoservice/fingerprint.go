package pathinfoservice

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"code.tvl.fyi/tvix/store-go/pkg/storepath"
	"github.com/nix-community/go-nix/pkg/nixbase32"
)

// Fingerprint returns the string that NAR-info signatures are computed
// over:
//
//	1;<absolute store path>;sha256:<nixbase32 nar sha256>;<nar size>;<comma-joined absolute reference paths>
func (p *PathInfo) Fingerprint() (string, error) {
	storePath, err := p.Validate()
	if err != nil {
		return "", fmt.Errorf("invalid PathInfo: %w", err)
	}

	if p.Narinfo == nil {
		return "", fmt.Errorf("no narinfo metadata present")
	}

	refs := make([]string, len(p.Narinfo.ReferenceNames))
	for i, referenceName := range p.Narinfo.ReferenceNames {
		refs[i] = path.Join(storepath.StoreDir, referenceName)
	}

	return "1;" +
		storePath.Absolute() + ";" +
		"sha256:" + nixbase32.EncodeToString(p.Narinfo.NarSha256) + ";" +
		strconv.FormatUint(p.Narinfo.NarSize, 10) + ";" +
		strings.Join(refs, ","), nil
}
