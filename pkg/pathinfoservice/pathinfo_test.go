package pathinfoservice_test

import (
	"path"
	"testing"

	"code.tvl.fyi/tvix/store-go/pkg/castore"
	"code.tvl.fyi/tvix/store-go/pkg/nixhash"
	"code.tvl.fyi/tvix/store-go/pkg/pathinfoservice"
	"code.tvl.fyi/tvix/store-go/pkg/storepath"
	"github.com/nix-community/go-nix/pkg/narinfo/signature"
	"github.com/nix-community/go-nix/pkg/nixbase32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	dummyB3Digest = make([]byte, 32)
	dummyPathName = "00000000000000000000000000000000-dummy"
)

func genPathInfoSymlink() *pathinfoservice.PathInfo {
	return &pathinfoservice.PathInfo{
		Node: &castore.SymlinkNode{
			Name:   []byte(dummyPathName),
			Target: []byte("doesntmatter"),
		},
		References: [][]byte{},
		Narinfo: &pathinfoservice.NARInfo{
			NarSize:        136,
			NarSha256:      dummyB3Digest,
			Signatures:     []signature.Signature{},
			ReferenceNames: []string{},
		},
	}
}

func TestValidate(t *testing.T) {
	t.Run("happy path", func(t *testing.T) {
		pi := genPathInfoSymlink()
		storePath, err := pi.Validate()
		require.NoError(t, err)
		require.Equal(t, "dummy", storePath.Name)
	})

	t.Run("no node", func(t *testing.T) {
		pi := genPathInfoSymlink()
		pi.Node = nil
		_, err := pi.Validate()
		assert.ErrorContains(t, err, "root node must be set")
	})

	t.Run("root name no store path", func(t *testing.T) {
		pi := genPathInfoSymlink()
		pi.Node = &castore.SymlinkNode{
			Name:   []byte("invalid"),
			Target: []byte("doesntmatter"),
		}
		_, err := pi.Validate()
		assert.ErrorContains(t, err, "unable to parse root node name")
	})

	t.Run("invalid reference digest length", func(t *testing.T) {
		pi := genPathInfoSymlink()
		pi.References = append(pi.References, []byte{0x00})
		_, err := pi.Validate()
		assert.ErrorContains(t, err, "invalid length of digest")
	})

	t.Run("inconsistent reference counts", func(t *testing.T) {
		pi := genPathInfoSymlink()
		pi.References = append(pi.References, make([]byte, 20))
		_, err := pi.Validate()
		assert.ErrorContains(t, err, "inconsistent number of references")
	})

	t.Run("reference name digest mismatch", func(t *testing.T) {
		pi := genPathInfoSymlink()
		otherDigest := make([]byte, 20)
		otherDigest[0] = 0x01
		pi.References = append(pi.References, otherDigest)
		pi.Narinfo.ReferenceNames = append(pi.Narinfo.ReferenceNames, dummyPathName)
		_, err := pi.Validate()
		assert.ErrorContains(t, err, "does not match")
	})

	t.Run("matching references", func(t *testing.T) {
		pi := genPathInfoSymlink()
		pi.References = append(pi.References, make([]byte, 20))
		pi.Narinfo.ReferenceNames = append(pi.Narinfo.ReferenceNames, dummyPathName)
		_, err := pi.Validate()
		require.NoError(t, err)
	})

	t.Run("invalid nar sha256 length", func(t *testing.T) {
		pi := genPathInfoSymlink()
		pi.Narinfo.NarSha256 = []byte{0x00}
		_, err := pi.Validate()
		assert.ErrorContains(t, err, "invalid number of bytes for NarSha256")
	})

	t.Run("zero nar size", func(t *testing.T) {
		pi := genPathInfoSymlink()
		pi.Narinfo.NarSize = 0
		_, err := pi.Validate()
		assert.ErrorContains(t, err, "NarSize")
	})

	t.Run("invalid deriver", func(t *testing.T) {
		pi := genPathInfoSymlink()
		pi.Narinfo.Deriver = &storepath.StorePath{
			Name:   "invalid name",
			Digest: make([]byte, 20),
		}
		_, err := pi.Validate()
		assert.ErrorContains(t, err, "invalid deriver")
	})

	t.Run("text ca must be sha256", func(t *testing.T) {
		pi := genPathInfoSymlink()
		pi.Narinfo.CA = &nixhash.CAHash{
			Kind: nixhash.CAText,
			Hash: nixhash.NixHash{Algo: nixhash.SHA1, Digest: make([]byte, 20)},
		}
		_, err := pi.Validate()
		assert.ErrorContains(t, err, "invalid ca")
	})
}

func TestFingerprint(t *testing.T) {
	pi := genPathInfoSymlink()
	pi.References = append(pi.References, make([]byte, 20))
	pi.Narinfo.ReferenceNames = append(pi.Narinfo.ReferenceNames, dummyPathName)

	fingerprint, err := pi.Fingerprint()
	require.NoError(t, err)

	expected := "1;" + path.Join(storepath.StoreDir, dummyPathName) +
		";sha256:" + nixbase32.EncodeToString(dummyB3Digest) + ";136;" +
		path.Join(storepath.StoreDir, dummyPathName)
	require.Equal(t, expected, fingerprint)
}
