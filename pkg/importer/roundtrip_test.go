package importer_test

import (
	"bytes"
	"context"
	"io"
	"testing"

	"code.tvl.fyi/tvix/store-go/pkg/castore"
	"code.tvl.fyi/tvix/store-go/pkg/castore/blobservice"
	"code.tvl.fyi/tvix/store-go/pkg/castore/directoryservice"
	"code.tvl.fyi/tvix/store-go/pkg/exporter"
	"code.tvl.fyi/tvix/store-go/pkg/importer"
	"code.tvl.fyi/tvix/store-go/pkg/nar"
	"github.com/stretchr/testify/require"
)

// Import a NAR into the stores, then export it again: the bytes must
// come back unchanged (serialize(parse(nar)) == nar).
func TestRoundtrip(t *testing.T) {
	ctx := context.Background()

	var narBuf bytes.Buffer
	w, err := nar.NewWriter(&narBuf)
	require.NoError(t, err)
	require.NoError(t, w.WriteHeader(&nar.Header{Path: "/", Type: nar.TypeDirectory}))
	require.NoError(t, w.WriteHeader(&nar.Header{Path: "/bin", Type: nar.TypeDirectory}))
	require.NoError(t, w.WriteHeader(&nar.Header{Path: "/bin/arp", Type: nar.TypeRegular, Size: 4, Executable: true}))
	_, err = w.Write([]byte("ELF\x00"))
	require.NoError(t, err)
	require.NoError(t, w.WriteHeader(&nar.Header{Path: "/empty", Type: nar.TypeDirectory}))
	require.NoError(t, w.WriteHeader(&nar.Header{Path: "/lib.so", Type: nar.TypeRegular, Size: 2}))
	_, err = w.Write([]byte("so"))
	require.NoError(t, err)
	require.NoError(t, w.WriteHeader(&nar.Header{Path: "/share", Type: nar.TypeSymlink, LinkTarget: "bin"}))
	require.NoError(t, w.Close())
	narContents := narBuf.Bytes()

	blobSvc := blobservice.NewMemoryBlobService()
	directorySvc := directoryservice.NewMemoryDirectoryService()
	directoriesUploader := importer.NewDirectoriesUploader(ctx, directorySvc)
	blobCb := importer.GenBlobServiceWriteCb(ctx, blobSvc)

	rootNode, narSize, _, err := importer.Import(ctx, bytes.NewReader(narContents),
		blobCb,
		func(directory *castore.Directory) ([]byte, error) {
			return directoriesUploader.Put(directory)
		},
	)
	require.NoError(t, err)
	require.Equal(t, uint64(len(narContents)), narSize)

	rootDigest, err := directoriesUploader.Done()
	require.NoError(t, err)

	directoryNode, ok := rootNode.(*castore.DirectoryNode)
	require.True(t, ok)
	require.Equal(t, rootDigest, directoryNode.Digest)

	var exportBuf bytes.Buffer
	err = exporter.Export(&exportBuf, rootNode,
		func(digest []byte) (*castore.Directory, error) {
			directory, err := directorySvc.Get(ctx, digest)
			if err != nil {
				return nil, err
			}
			return directory, nil
		},
		func(digest []byte) (io.ReadCloser, error) {
			return blobSvc.OpenRead(ctx, digest)
		},
	)
	require.NoError(t, err)

	require.Equal(t, narContents, exportBuf.Bytes())
}
