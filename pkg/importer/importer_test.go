package importer_test

import (
	"bytes"
	"context"
	"encoding/hex"
	"io"
	"testing"

	"code.tvl.fyi/tvix/store-go/pkg/castore"
	"code.tvl.fyi/tvix/store-go/pkg/importer"
	"code.tvl.fyi/tvix/store-go/pkg/nar"
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

func mustBlobDigest(r io.Reader) []byte {
	hasher := blake3.New(32, nil)
	if _, err := io.Copy(hasher, r); err != nil {
		panic(err)
	}
	return hasher.Sum([]byte{})
}

// genSymlinkNar returns the NAR of a single symlink to
// /nix/store/somewhereelse.
func genSymlinkNar(t *testing.T) []byte {
	var buf bytes.Buffer
	w, err := nar.NewWriter(&buf)
	require.NoError(t, err)
	require.NoError(t, w.WriteHeader(&nar.Header{
		Path:       "/",
		Type:       nar.TypeSymlink,
		LinkTarget: "/nix/store/somewhereelse",
	}))
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestSymlink(t *testing.T) {
	rootNode, narSize, narSha256, err := importer.Import(
		context.Background(),
		bytes.NewReader(genSymlinkNar(t)),
		func(blobReader io.Reader) ([]byte, error) {
			panic("no file contents expected!")
		}, func(directory *castore.Directory) ([]byte, error) {
			panic("no directories expected!")
		},
	)
	require.NoError(t, err)

	require.Equal(t, &castore.SymlinkNode{
		Name:   []byte(""),
		Target: []byte("/nix/store/somewhereelse"),
	}, rootNode)
	require.Equal(t, uint64(136), narSize)
	require.Equal(t,
		"097d397e9b5826384eaa16c457715d1c1a51670313ead0f58566e0b232539cf1",
		hex.EncodeToString(narSha256),
	)
}

func TestRegular(t *testing.T) {
	var buf bytes.Buffer
	w, err := nar.NewWriter(&buf)
	require.NoError(t, err)
	require.NoError(t, w.WriteHeader(&nar.Header{Path: "/", Type: nar.TypeRegular, Size: 1}))
	_, err = w.Write([]byte{0x01})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// The blake3 digest of the 0x01 byte.
	BLAKE3_DIGEST_0X01 := []byte{
		0x48, 0xfc, 0x72, 0x1f, 0xbb, 0xc1, 0x72, 0xe0, 0x92, 0x5f, 0xa2, 0x7a, 0xf1, 0x67, 0x1d,
		0xe2, 0x25, 0xba, 0x92, 0x71, 0x34, 0x80, 0x29, 0x98, 0xb1, 0x0a, 0x15, 0x68, 0xa1, 0x88,
		0x65, 0x2b,
	}

	rootNode, narSize, narSha256, err := importer.Import(
		context.Background(),
		bytes.NewReader(buf.Bytes()),
		func(blobReader io.Reader) ([]byte, error) {
			contents, err := io.ReadAll(blobReader)
			require.NoError(t, err, "reading blobReader should not error")
			require.Equal(t, []byte{0x01}, contents, "contents read from blobReader should match expectations")
			return mustBlobDigest(bytes.NewBuffer(contents)), nil
		}, func(directory *castore.Directory) ([]byte, error) {
			panic("no directories expected!")
		},
	)
	require.NoError(t, err)

	require.Equal(t, &castore.FileNode{
		Name:       []byte(""),
		Digest:     BLAKE3_DIGEST_0X01,
		Size:       1,
		Executable: false,
	}, rootNode)
	require.Equal(t, uint64(120), narSize)
	require.Equal(t,
		"730850a811259dbf3a68dc2ee87a79aa6cae9f71375edf396f9d7a91fbe9134d",
		hex.EncodeToString(narSha256),
	)
}

func TestEmptyDirectory(t *testing.T) {
	var buf bytes.Buffer
	w, err := nar.NewWriter(&buf)
	require.NoError(t, err)
	require.NoError(t, w.WriteHeader(&nar.Header{Path: "/", Type: nar.TypeDirectory}))
	require.NoError(t, w.Close())

	expectedDirectory := &castore.Directory{
		Directories: []*castore.DirectoryNode{},
		Files:       []*castore.FileNode{},
		Symlinks:    []*castore.SymlinkNode{},
	}

	rootNode, narSize, narSha256, err := importer.Import(
		context.Background(),
		bytes.NewReader(buf.Bytes()),
		func(blobReader io.Reader) ([]byte, error) {
			panic("no file contents expected!")
		}, func(directory *castore.Directory) ([]byte, error) {
			require.Equal(t, expectedDirectory, directory)
			return mustDirectoryDigest(directory), nil
		},
	)
	require.NoError(t, err)

	require.Equal(t, &castore.DirectoryNode{
		Name:   []byte{},
		Digest: mustDirectoryDigest(expectedDirectory),
		Size:   expectedDirectory.Size(),
	}, rootNode)
	require.Equal(t, uint64(96), narSize)
	require.Equal(t,
		"a50a5ab6d992f5598edd92105059fae9acfc192981e08bd88534c2167e92526a",
		hex.EncodeToString(narSha256),
	)
}

func TestFull(t *testing.T) {
	// A fuller tree:
	//
	//	/
	//	├── bin
	//	│   └── arp (executable)
	//	├── lib.so
	//	└── share -> bin
	var buf bytes.Buffer
	w, err := nar.NewWriter(&buf)
	require.NoError(t, err)
	require.NoError(t, w.WriteHeader(&nar.Header{Path: "/", Type: nar.TypeDirectory}))
	require.NoError(t, w.WriteHeader(&nar.Header{Path: "/bin", Type: nar.TypeDirectory}))
	require.NoError(t, w.WriteHeader(&nar.Header{Path: "/bin/arp", Type: nar.TypeRegular, Size: 4, Executable: true}))
	_, err = w.Write([]byte("ELF\x00"))
	require.NoError(t, err)
	require.NoError(t, w.WriteHeader(&nar.Header{Path: "/lib.so", Type: nar.TypeRegular, Size: 2}))
	_, err = w.Write([]byte("so"))
	require.NoError(t, err)
	require.NoError(t, w.WriteHeader(&nar.Header{Path: "/share", Type: nar.TypeSymlink, LinkTarget: "bin"}))
	require.NoError(t, w.Close())

	var directories []*castore.Directory
	rootNode, narSize, _, err := importer.Import(
		context.Background(),
		bytes.NewReader(buf.Bytes()),
		func(blobReader io.Reader) ([]byte, error) {
			return mustBlobDigest(blobReader), nil
		}, func(directory *castore.Directory) ([]byte, error) {
			directories = append(directories, directory)
			return mustDirectoryDigest(directory), nil
		},
	)
	require.NoError(t, err)
	require.Equal(t, uint64(buf.Len()), narSize)

	// the leaf directory ("bin") must come before the root directory.
	require.Len(t, directories, 2)

	binDirectory := directories[0]
	require.Len(t, binDirectory.Files, 1)
	require.Equal(t, []byte("arp"), binDirectory.Files[0].Name)
	require.True(t, binDirectory.Files[0].Executable)
	require.Equal(t, uint64(4), binDirectory.Files[0].Size)

	rootDirectory := directories[1]
	require.Len(t, rootDirectory.Directories, 1)
	require.Equal(t, []byte("bin"), rootDirectory.Directories[0].Name)
	require.Equal(t, mustDirectoryDigest(binDirectory), rootDirectory.Directories[0].Digest)
	require.Len(t, rootDirectory.Files, 1)
	require.Equal(t, []byte("lib.so"), rootDirectory.Files[0].Name)
	require.Len(t, rootDirectory.Symlinks, 1)
	require.Equal(t, []byte("share"), rootDirectory.Symlinks[0].Name)
	require.Equal(t, []byte("bin"), rootDirectory.Symlinks[0].Target)

	require.Equal(t, &castore.DirectoryNode{
		Name:   []byte{},
		Digest: mustDirectoryDigest(rootDirectory),
		Size:   rootDirectory.Size(),
	}, rootNode)
}

func TestCallbackErrorsPropagate(t *testing.T) {
	var buf bytes.Buffer
	w, err := nar.NewWriter(&buf)
	require.NoError(t, err)
	require.NoError(t, w.WriteHeader(&nar.Header{Path: "/", Type: nar.TypeDirectory}))
	require.NoError(t, w.Close())

	_, _, _, err = importer.Import(
		context.Background(),
		bytes.NewReader(buf.Bytes()),
		func(blobReader io.Reader) ([]byte, error) {
			panic("no file contents expected!")
		}, func(directory *castore.Directory) ([]byte, error) {
			return nil, io.ErrClosedPipe
		},
	)
	require.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestInvalidNarFails(t *testing.T) {
	_, _, _, err := importer.Import(
		context.Background(),
		bytes.NewReader([]byte("certainly not a nar")),
		func(blobReader io.Reader) ([]byte, error) { return nil, nil },
		func(directory *castore.Directory) ([]byte, error) { return nil, nil },
	)
	require.Error(t, err)
}
