package nar_test

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"io"
	"testing"

	"code.tvl.fyi/tvix/store-go/pkg/nar"
	"github.com/stretchr/testify/require"
)

// tok renders a single wire token: 8-byte little-endian length, bytes,
// NUL padding to the next multiple of 8.
func tok(s string) []byte {
	var out []byte
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(s)))
	out = append(out, lenBuf[:]...)
	out = append(out, s...)
	if pad := (8 - len(s)%8) % 8; pad != 0 {
		out = append(out, make([]byte, pad)...)
	}
	return out
}

func toks(ss ...string) []byte {
	var out []byte
	for _, s := range ss {
		out = append(out, tok(s)...)
	}
	return out
}

// genSymlinkNar is the archive of a single symlink pointing to
// /nix/store/somewhereelse.
func genSymlinkNar() []byte {
	return toks("nix-archive-1", "(", "type", "symlink", "target", "/nix/store/somewhereelse", ")")
}

func TestWriteSymlink(t *testing.T) {
	var buf bytes.Buffer
	w, err := nar.NewWriter(&buf)
	require.NoError(t, err)

	err = w.WriteHeader(&nar.Header{
		Path:       "/",
		Type:       nar.TypeSymlink,
		LinkTarget: "/nix/store/somewhereelse",
	})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	require.Equal(t, genSymlinkNar(), buf.Bytes())
	require.Equal(t, 136, buf.Len())

	// this matches the nar file served by a real binary cache.
	require.Equal(t,
		"097d397e9b5826384eaa16c457715d1c1a51670313ead0f58566e0b232539cf1",
		hex.EncodeToString(sum256(buf.Bytes())),
	)
}

func TestReadSymlink(t *testing.T) {
	r, err := nar.NewReader(bytes.NewReader(genSymlinkNar()))
	require.NoError(t, err)

	hdr, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, &nar.Header{
		Path:       "/",
		Type:       nar.TypeSymlink,
		LinkTarget: "/nix/store/somewhereelse",
	}, hdr)

	_, err = r.Next()
	require.ErrorIs(t, err, io.EOF)
	require.NoError(t, r.Close())
}

func TestOneByteRegular(t *testing.T) {
	var buf bytes.Buffer
	w, err := nar.NewWriter(&buf)
	require.NoError(t, err)

	err = w.WriteHeader(&nar.Header{Path: "/", Type: nar.TypeRegular, Size: 1})
	require.NoError(t, err)
	_, err = w.Write([]byte{0x01})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	require.Equal(t, 120, buf.Len())
	require.Equal(t,
		"730850a811259dbf3a68dc2ee87a79aa6cae9f71375edf396f9d7a91fbe9134d",
		hex.EncodeToString(sum256(buf.Bytes())),
	)

	// and it parses back.
	r, err := nar.NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	hdr, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, &nar.Header{Path: "/", Type: nar.TypeRegular, Size: 1}, hdr)

	contents, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, []byte{0x01}, contents)

	_, err = r.Next()
	require.ErrorIs(t, err, io.EOF)
	require.NoError(t, r.Close())
}

func TestEmptyDirectory(t *testing.T) {
	var buf bytes.Buffer
	w, err := nar.NewWriter(&buf)
	require.NoError(t, err)

	err = w.WriteHeader(&nar.Header{Path: "/", Type: nar.TypeDirectory})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	require.Equal(t, 96, buf.Len())
	require.Equal(t,
		"a50a5ab6d992f5598edd92105059fae9acfc192981e08bd88534c2167e92526a",
		hex.EncodeToString(sum256(buf.Bytes())),
	)
}

func TestRoundtripTree(t *testing.T) {
	headers := []*nar.Header{
		{Path: "/", Type: nar.TypeDirectory},
		{Path: "/a", Type: nar.TypeDirectory},
		{Path: "/a/empty", Type: nar.TypeRegular, Size: 0, Executable: true},
		{Path: "/a/hello", Type: nar.TypeRegular, Size: 5},
		{Path: "/b", Type: nar.TypeRegular, Size: 3},
		{Path: "/c", Type: nar.TypeSymlink, LinkTarget: "a/hello"},
	}
	contents := map[string][]byte{
		"/a/hello": []byte("world"),
		"/b":       []byte("foo"),
	}

	var buf bytes.Buffer
	w, err := nar.NewWriter(&buf)
	require.NoError(t, err)

	for _, hdr := range headers {
		require.NoError(t, w.WriteHeader(hdr))
		if c, ok := contents[hdr.Path]; ok {
			_, err := w.Write(c)
			require.NoError(t, err)
		}
	}
	require.NoError(t, w.Close())

	// parse(serialize(tree)) == tree, and re-serializing yields the
	// same bytes.
	r, err := nar.NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	var buf2 bytes.Buffer
	w2, err := nar.NewWriter(&buf2)
	require.NoError(t, err)

	i := 0
	for {
		hdr, err := r.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.Equal(t, headers[i], hdr)
		i++

		require.NoError(t, w2.WriteHeader(hdr))
		if hdr.Type == nar.TypeRegular {
			c, err := io.ReadAll(r)
			require.NoError(t, err)
			require.Equal(t, string(contents[hdr.Path]), string(c))
			if len(c) > 0 {
				_, err = w2.Write(c)
				require.NoError(t, err)
			}
		}
	}
	require.Equal(t, len(headers), i)
	require.NoError(t, r.Close())
	require.NoError(t, w2.Close())

	require.Equal(t, buf.Bytes(), buf2.Bytes())
}

func TestReaderSkipsUnreadContents(t *testing.T) {
	var buf bytes.Buffer
	w, err := nar.NewWriter(&buf)
	require.NoError(t, err)
	require.NoError(t, w.WriteHeader(&nar.Header{Path: "/", Type: nar.TypeDirectory}))
	require.NoError(t, w.WriteHeader(&nar.Header{Path: "/a", Type: nar.TypeRegular, Size: 4}))
	_, err = w.Write([]byte("aaaa"))
	require.NoError(t, err)
	require.NoError(t, w.WriteHeader(&nar.Header{Path: "/b", Type: nar.TypeSymlink, LinkTarget: "a"}))
	require.NoError(t, w.Close())

	r, err := nar.NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	_, err = r.Next() // "/"
	require.NoError(t, err)
	_, err = r.Next() // "/a", contents left unread
	require.NoError(t, err)

	hdr, err := r.Next() // "/b"
	require.NoError(t, err)
	require.Equal(t, "/b", hdr.Path)

	_, err = r.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestWriterRejectsUnsortedEntries(t *testing.T) {
	var buf bytes.Buffer
	w, err := nar.NewWriter(&buf)
	require.NoError(t, err)
	require.NoError(t, w.WriteHeader(&nar.Header{Path: "/", Type: nar.TypeDirectory}))
	require.NoError(t, w.WriteHeader(&nar.Header{Path: "/b", Type: nar.TypeSymlink, LinkTarget: "x"}))

	err = w.WriteHeader(&nar.Header{Path: "/a", Type: nar.TypeSymlink, LinkTarget: "x"})
	require.Error(t, err)
}

func TestWriterRejectsExcessContents(t *testing.T) {
	var buf bytes.Buffer
	w, err := nar.NewWriter(&buf)
	require.NoError(t, err)
	require.NoError(t, w.WriteHeader(&nar.Header{Path: "/", Type: nar.TypeRegular, Size: 2}))

	_, err = w.Write([]byte("abc"))
	require.Error(t, err)
}

func TestWriterRejectsShortContents(t *testing.T) {
	var buf bytes.Buffer
	w, err := nar.NewWriter(&buf)
	require.NoError(t, err)
	require.NoError(t, w.WriteHeader(&nar.Header{Path: "/", Type: nar.TypeRegular, Size: 2}))
	_, err = w.Write([]byte("a"))
	require.NoError(t, err)

	require.ErrorIs(t, w.Close(), io.ErrUnexpectedEOF)
}

func TestReaderRejectsUnsortedEntries(t *testing.T) {
	data := toks(
		"nix-archive-1", "(", "type", "directory",
		"entry", "(", "name", "b", "node", "(", "type", "symlink", "target", "x", ")", ")",
		"entry", "(", "name", "a", "node", "(", "type", "symlink", "target", "x", ")", ")",
		")",
	)

	r, err := nar.NewReader(bytes.NewReader(data))
	require.NoError(t, err)

	_, err = r.Next() // "/"
	require.NoError(t, err)
	_, err = r.Next() // "/b"
	require.NoError(t, err)

	_, err = r.Next()
	require.Error(t, err)
}

func TestReaderRejectsInvalidEntryNames(t *testing.T) {
	for _, name := range []string{"", ".", "..", "a/b"} {
		data := toks(
			"nix-archive-1", "(", "type", "directory",
			"entry", "(", "name", name, "node", "(", "type", "symlink", "target", "x", ")", ")",
			")",
		)

		r, err := nar.NewReader(bytes.NewReader(data))
		require.NoError(t, err)

		_, err = r.Next() // "/"
		require.NoError(t, err)

		_, err = r.Next()
		require.Error(t, err, "entry name %q must be rejected", name)
	}
}

func TestReaderRejectsBadMagic(t *testing.T) {
	_, err := nar.NewReader(bytes.NewReader(toks("nix-archive-2")))
	require.Error(t, err)
}

func TestReaderRejectsNonNulPadding(t *testing.T) {
	data := genSymlinkNar()
	// flip a padding byte of the magic token (bytes 21..24 pad
	// "nix-archive-1" to 16).
	data[21] = 0xff

	_, err := nar.NewReader(bytes.NewReader(data))
	require.Error(t, err)
}

func TestExecutableEmptyFileRoundtrip(t *testing.T) {
	var buf bytes.Buffer
	w, err := nar.NewWriter(&buf)
	require.NoError(t, err)
	require.NoError(t, w.WriteHeader(&nar.Header{Path: "/", Type: nar.TypeDirectory}))
	require.NoError(t, w.WriteHeader(&nar.Header{Path: "/x", Type: nar.TypeRegular, Size: 0, Executable: true}))
	require.NoError(t, w.Close())

	r, err := nar.NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	_, err = r.Next()
	require.NoError(t, err)

	hdr, err := r.Next()
	require.NoError(t, err)
	require.True(t, hdr.Executable, "the executable bit must survive empty contents")
	require.Equal(t, int64(0), hdr.Size)
}

func sum256(b []byte) []byte {
	h := sha256.Sum256(b)
	return h[:]
}
