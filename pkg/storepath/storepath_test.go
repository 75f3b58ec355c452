package storepath_test

import (
	"encoding/hex"
	"testing"

	"code.tvl.fyi/tvix/store-go/pkg/nixhash"
	"code.tvl.fyi/tvix/store-go/pkg/storepath"
	"github.com/nix-community/go-nix/pkg/nixbase32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromString(t *testing.T) {
	sp, err := storepath.FromString("00bgd045z0d4icpbc2yyz4gx48ak44la-net-tools-1.60_p20170221182432")
	require.NoError(t, err)
	require.Equal(t, "net-tools-1.60_p20170221182432", sp.Name)
	require.Equal(t, "00bgd045z0d4icpbc2yyz4gx48ak44la-net-tools-1.60_p20170221182432", sp.String())
	require.Equal(t, "/nix/store/00bgd045z0d4icpbc2yyz4gx48ak44la-net-tools-1.60_p20170221182432", sp.Absolute())

	roundtrip, err := storepath.FromAbsolutePath(sp.Absolute())
	require.NoError(t, err)
	require.Equal(t, sp, roundtrip)
}

func TestFromStringRejects(t *testing.T) {
	for _, s := range []string{
		"",
		// too short
		"00bgd045z0d4icpbc2yyz4gx48ak44la",
		// missing dash
		"00bgd045z0d4icpbc2yyz4gx48ak44laanet-tools-1.60_p20170221182432",
		// invalid nixbase32 ('e' is not in the alphabet)
		"e0bgd045z0d4icpbc2yyz4gx48ak44la-net-tools",
		// invalid name charset
		"00bgd045z0d4icpbc2yyz4gx48ak44la-net tools",
	} {
		_, err := storepath.FromString(s)
		assert.Error(t, err, "%q must be rejected", s)
	}

	_, err := storepath.FromAbsolutePath("/usr/lib/00bgd045z0d4icpbc2yyz4gx48ak44la-net-tools")
	assert.Error(t, err, "absent store dir prefix must be rejected")
}

func TestBuildTextPath(t *testing.T) {
	// This hash should match `builtins.toFile`, e.g.:
	//
	// nix-repl> builtins.toFile "foo" "bar"
	// "/nix/store/vxjiwkjkn7x4079qvh1jkl5pn05j2aw0-foo"
	sp, err := storepath.BuildTextPath("foo", []byte("bar"), nil)
	require.NoError(t, err)
	require.Equal(t, "/nix/store/vxjiwkjkn7x4079qvh1jkl5pn05j2aw0-foo", sp.Absolute())

	// nix-repl> builtins.toFile "baz" "${builtins.toFile "foo" "bar"}"
	// "/nix/store/5xd714cbfnkz02h2vbsj4fm03x3f15nf-baz"
	inner := sp.Absolute()
	outer, err := storepath.BuildTextPath("baz", []byte(inner), []string{inner})
	require.NoError(t, err)
	require.Equal(t, "/nix/store/5xd714cbfnkz02h2vbsj4fm03x3f15nf-baz", outer.Absolute())
}

func TestBuildSha1Path(t *testing.T) {
	digest, err := hex.DecodeString("0beec7b5ea3f0fdbc95d0dd47f3c5bc275da8a33")
	require.NoError(t, err)

	hash, err := nixhash.New(nixhash.SHA1, digest)
	require.NoError(t, err)

	sp, err := storepath.BuildRegularCAPath("bar", hash, true, nil, false)
	require.NoError(t, err)
	require.Equal(t, "/nix/store/mp57d33657rf34lzvlbpfa1gjfv5gmpg-bar", sp.Absolute())
}

func TestBuildSourcePathWithReferences(t *testing.T) {
	// $ nix store make-content-addressed /nix/store/5xd714cbfnkz02h2vbsj4fm03x3f15nf-baz
	// rewrote '…-baz' to '/nix/store/s89y431zzhmdn3k8r96rvakryddkpv2v-baz'
	digest, err := nixbase32.DecodeString("1xqkzcb3909fp07qngljr4wcdnrh1gdam1m2n29i6hhrxlmkgkv1")
	require.NoError(t, err)

	hash, err := nixhash.New(nixhash.SHA256, digest)
	require.NoError(t, err)

	sp, err := storepath.BuildRegularCAPath("baz", hash, true,
		[]string{"/nix/store/dxwkwjzdaq7ka55pkk252gh32bgpmql4-foo"}, false)
	require.NoError(t, err)
	require.Equal(t, "/nix/store/s89y431zzhmdn3k8r96rvakryddkpv2v-baz", sp.Absolute())
}

func TestBuildRegularCAPathRejectsReferences(t *testing.T) {
	digest, err := hex.DecodeString("0beec7b5ea3f0fdbc95d0dd47f3c5bc275da8a33")
	require.NoError(t, err)

	hash, err := nixhash.New(nixhash.SHA1, digest)
	require.NoError(t, err)

	// outside SHA-256 + recursive, references are forbidden…
	_, err = storepath.BuildRegularCAPath("bar", hash, true, []string{"/nix/store/somewhereelse"}, false)
	require.ErrorIs(t, err, storepath.ErrInvalidReference)

	// …and so are self references.
	_, err = storepath.BuildRegularCAPath("bar", hash, false, nil, true)
	require.ErrorIs(t, err, storepath.ErrInvalidReference)
}

func TestCompressHash(t *testing.T) {
	input := []byte{0x01, 0x02, 0x03, 0x04, 0x05}
	out := storepath.CompressHash(input, 2)
	// byte 0 = 0x01 ^ 0x03 ^ 0x05, byte 1 = 0x02 ^ 0x04.
	require.Equal(t, []byte{0x07, 0x06}, out)
}

func TestDerivationDeterminism(t *testing.T) {
	a, err := storepath.BuildTextPath("foo", []byte("bar"), nil)
	require.NoError(t, err)
	b, err := storepath.BuildTextPath("foo", []byte("bar"), nil)
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestNixbase32Carry(t *testing.T) {
	// "zz" carries non-zero high bits and must be rejected.
	_, err := nixbase32.DecodeString("zz")
	require.Error(t, err)

	// "0z" decodes to the single byte 0x1f.
	b, err := nixbase32.DecodeString("0z")
	require.NoError(t, err)
	require.Equal(t, []byte{0x1f}, b)
}

func TestNixbase32Roundtrip(t *testing.T) {
	for _, s := range [][]byte{
		{},
		{0x1f},
		{0x00, 0x01, 0x02},
		[]byte("some longer byte string, including \x00 and \xff"),
	} {
		encoded := nixbase32.EncodeToString(s)
		require.Equal(t, (len(s)*8+4)/5, len(encoded), "encoded length must be ceil(n*8/5)")

		decoded, err := nixbase32.DecodeString(encoded)
		require.NoError(t, err)
		if len(s) == 0 {
			require.Empty(t, decoded)
		} else {
			require.Equal(t, s, decoded)
		}
	}
}
