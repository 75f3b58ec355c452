package exporter_test

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"testing"

	"code.tvl.fyi/tvix/store-go/pkg/castore"
	"code.tvl.fyi/tvix/store-go/pkg/exporter"
	"github.com/stretchr/testify/require"
	"lukechampine.com/blake3"
)

func mustDirectoryDigest(d *castore.Directory) []byte {
	dgst, err := d.Digest()
	if err != nil {
		panic(err)
	}
	return dgst
}

func sha256Hex(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

func TestSymlink(t *testing.T) {
	node := &castore.SymlinkNode{
		Name:   []byte("doesntmatter"),
		Target: []byte("/nix/store/somewhereelse"),
	}

	var buf bytes.Buffer

	err := exporter.Export(&buf, node, func([]byte) (*castore.Directory, error) {
		panic("no directories expected")
	}, func([]byte) (io.ReadCloser, error) {
		panic("no files expected")
	})
	require.NoError(t, err, "exporter shouldn't fail")

	require.Equal(t, 136, buf.Len())
	require.Equal(t,
		"097d397e9b5826384eaa16c457715d1c1a51670313ead0f58566e0b232539cf1",
		sha256Hex(buf.Bytes()),
	)
}

func TestRegular(t *testing.T) {
	// The blake3 digest of the 0x01 byte.
	BLAKE3_DIGEST_0X01 := []byte{
		0x48, 0xfc, 0x72, 0x1f, 0xbb, 0xc1, 0x72, 0xe0, 0x92, 0x5f, 0xa2, 0x7a, 0xf1, 0x67, 0x1d,
		0xe2, 0x25, 0xba, 0x92, 0x71, 0x34, 0x80, 0x29, 0x98, 0xb1, 0x0a, 0x15, 0x68, 0xa1, 0x88,
		0x65, 0x2b,
	}

	node := &castore.FileNode{
		Name:       []byte("doesntmatter"),
		Digest:     BLAKE3_DIGEST_0X01,
		Size:       1,
		Executable: false,
	}

	var buf bytes.Buffer

	err := exporter.Export(&buf, node, func([]byte) (*castore.Directory, error) {
		panic("no directories expected")
	}, func(blobRef []byte) (io.ReadCloser, error) {
		if !bytes.Equal(blobRef, BLAKE3_DIGEST_0X01) {
			panic("unexpected blobref")
		}
		return io.NopCloser(bytes.NewBuffer([]byte{0x01})), nil
	})
	require.NoError(t, err, "exporter shouldn't fail")

	require.Equal(t, 120, buf.Len())
	require.Equal(t,
		"730850a811259dbf3a68dc2ee87a79aa6cae9f71375edf396f9d7a91fbe9134d",
		sha256Hex(buf.Bytes()),
	)
}

func TestEmptyDirectory(t *testing.T) {
	emptyDirectory := &castore.Directory{
		Directories: []*castore.DirectoryNode{},
		Files:       []*castore.FileNode{},
		Symlinks:    []*castore.SymlinkNode{},
	}
	emptyDirectoryDigest := mustDirectoryDigest(emptyDirectory)

	node := &castore.DirectoryNode{
		Name:   []byte("doesntmatter"),
		Digest: emptyDirectoryDigest,
		Size:   0,
	}

	var buf bytes.Buffer

	err := exporter.Export(&buf, node, func(digest []byte) (*castore.Directory, error) {
		if !bytes.Equal(digest, emptyDirectoryDigest) {
			panic("unexpected digest")
		}
		return emptyDirectory, nil
	}, func([]byte) (io.ReadCloser, error) {
		panic("no files expected")
	})
	require.NoError(t, err, "exporter shouldn't fail")

	require.Equal(t, 96, buf.Len())
	require.Equal(t,
		"a50a5ab6d992f5598edd92105059fae9acfc192981e08bd88534c2167e92526a",
		sha256Hex(buf.Bytes()),
	)
}

func TestFull(t *testing.T) {
	// building a tree with a nested directory, an executable and a
	// symlink, and checking the entries come out in order.
	blobContents := []byte("ELF\x00")
	blobDigest := blake3.Sum256(blobContents)

	binDirectory := &castore.Directory{
		Files: []*castore.FileNode{{
			Name:       []byte("arp"),
			Digest:     blobDigest[:],
			Size:       4,
			Executable: true,
		}},
	}
	rootDirectory := &castore.Directory{
		Directories: []*castore.DirectoryNode{{
			Name:   []byte("bin"),
			Digest: mustDirectoryDigest(binDirectory),
			Size:   binDirectory.Size(),
		}},
		Symlinks: []*castore.SymlinkNode{{
			Name:   []byte("share"),
			Target: []byte("bin"),
		}},
	}

	directoriesByDigest := map[string]*castore.Directory{
		string(mustDirectoryDigest(binDirectory)):  binDirectory,
		string(mustDirectoryDigest(rootDirectory)): rootDirectory,
	}

	node := &castore.DirectoryNode{
		Name:   []byte("doesntmatter"),
		Digest: mustDirectoryDigest(rootDirectory),
		Size:   rootDirectory.Size(),
	}

	var buf bytes.Buffer
	err := exporter.Export(&buf, node, func(digest []byte) (*castore.Directory, error) {
		return directoriesByDigest[string(digest)], nil
	}, func([]byte) (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(blobContents)), nil
	})
	require.NoError(t, err)

	// exporting didn't mutate the directories we passed in.
	require.Len(t, rootDirectory.Directories, 1)
	require.Len(t, binDirectory.Files, 1)
}
