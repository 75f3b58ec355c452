package blobservice

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"code.tvl.fyi/tvix/store-go/pkg/castore"
	"github.com/jotfs/fastcdc-go"
	log "github.com/sirupsen/logrus"
	"google.golang.org/protobuf/encoding/protowire"
	"lukechampine.com/blake3"
)

// Content-defined chunking parameters, FastCDC with a 64 KiB average.
const (
	chunkSizeMin = 16 * 1024
	chunkSizeAvg = 64 * 1024
	chunkSizeMax = 256 * 1024
)

// ObjectStore is the small surface we need from a bucket-like backend:
// named objects, written whole, read as a stream.
type ObjectStore interface {
	Has(ctx context.Context, name string) (bool, error)
	// Get returns a reader over the object, or (nil, nil) if it
	// doesn't exist.
	Get(ctx context.Context, name string) (io.ReadCloser, error)
	Put(ctx context.Context, name string, data []byte) error
}

// MemoryObjectStore keeps objects in a map.
type MemoryObjectStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

var _ ObjectStore = &MemoryObjectStore{}

func NewMemoryObjectStore() *MemoryObjectStore {
	return &MemoryObjectStore{objects: make(map[string][]byte)}
}

func (s *MemoryObjectStore) Has(_ context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, found := s.objects[name]
	return found, nil
}

func (s *MemoryObjectStore) Get(_ context.Context, name string) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, found := s.objects[name]
	if !found {
		return nil, nil
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *MemoryObjectStore) Put(_ context.Context, name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[name] = append([]byte(nil), data...)
	return nil
}

// FileObjectStore stores objects as files below a root directory.
type FileObjectStore struct {
	root string
}

var _ ObjectStore = &FileObjectStore{}

func NewFileObjectStore(root string) (*FileObjectStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("unable to create object store root: %w", err)
	}
	return &FileObjectStore{root: root}, nil
}

func (s *FileObjectStore) path(name string) string {
	return filepath.Join(s.root, filepath.FromSlash(name))
}

func (s *FileObjectStore) Has(_ context.Context, name string) (bool, error) {
	_, err := os.Stat(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *FileObjectStore) Get(_ context.Context, name string) (io.ReadCloser, error) {
	f, err := os.Open(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return f, nil
}

func (s *FileObjectStore) Put(_ context.Context, name string, data []byte) error {
	p := s.path(name)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	// write via a temp file, objects appear atomically.
	tmp, err := os.CreateTemp(filepath.Dir(p), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), p)
}

// ObjectStoreBlobService stores blobs in an [ObjectStore], split into
// content-defined chunks for cross-blob dedup. Each chunk lives at
// chunks/<digest>; the blob itself is a list of (chunk digest, size)
// pairs at blobs/<digest>, whose concatenation rehashes to the blob
// digest.
type ObjectStoreBlobService struct {
	store ObjectStore
}

var _ BlobService = &ObjectStoreBlobService{}

func NewObjectStoreBlobService(store ObjectStore) *ObjectStoreBlobService {
	return &ObjectStoreBlobService{store: store}
}

func chunkObjectName(digest []byte) string {
	return "chunks/" + castore.DigestString(digest)
}

func blobObjectName(digest []byte) string {
	return "blobs/" + castore.DigestString(digest)
}

func (s *ObjectStoreBlobService) Has(ctx context.Context, digest []byte) (bool, error) {
	if err := castore.ValidateDigest(digest); err != nil {
		return false, err
	}
	return s.store.Has(ctx, blobObjectName(digest))
}

func (s *ObjectStoreBlobService) Chunks(ctx context.Context, digest []byte) ([]ChunkMeta, error) {
	if err := castore.ValidateDigest(digest); err != nil {
		return nil, err
	}

	r, err := s.store.Get(ctx, blobObjectName(digest))
	if err != nil {
		return nil, fmt.Errorf("unable to get blob object: %w", err)
	}
	if r == nil {
		return nil, nil
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("unable to read blob object: %w", err)
	}

	chunks, err := unmarshalChunkList(data)
	if err != nil {
		return nil, fmt.Errorf("invalid chunk list for %s: %w", castore.DigestString(digest), err)
	}

	return chunks, nil
}

func (s *ObjectStoreBlobService) OpenRead(ctx context.Context, digest []byte) (BlobReader, error) {
	chunks, err := s.Chunks(ctx, digest)
	if err != nil {
		return nil, err
	}
	if chunks == nil {
		return nil, nil
	}

	return NewNaiveSeeker(&chunkedReader{
		ctx:    ctx,
		store:  s.store,
		chunks: chunks,
	}), nil
}

func (s *ObjectStoreBlobService) OpenWrite(ctx context.Context) BlobWriter {
	return &objectStoreBlobWriter{
		ctx:    ctx,
		svc:    s,
		hasher: blake3.New(castore.B3DigestSize, nil),
	}
}

// chunkedReader reads the chunk objects of a blob back to back.
type chunkedReader struct {
	ctx    context.Context
	store  ObjectStore
	chunks []ChunkMeta

	cur io.ReadCloser
}

func (r *chunkedReader) Read(p []byte) (int, error) {
	for {
		if r.cur == nil {
			if len(r.chunks) == 0 {
				return 0, io.EOF
			}
			chunk := r.chunks[0]
			r.chunks = r.chunks[1:]

			rc, err := r.store.Get(r.ctx, chunkObjectName(chunk.Digest))
			if err != nil {
				return 0, fmt.Errorf("unable to get chunk %s: %w", castore.DigestString(chunk.Digest), err)
			}
			if rc == nil {
				return 0, fmt.Errorf("chunk %s not found", castore.DigestString(chunk.Digest))
			}
			r.cur = rc
		}

		n, err := r.cur.Read(p)
		if err == io.EOF {
			if cerr := r.cur.Close(); cerr != nil {
				return n, cerr
			}
			r.cur = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (r *chunkedReader) Close() error {
	if r.cur != nil {
		err := r.cur.Close()
		r.cur = nil
		return err
	}
	return nil
}

type objectStoreBlobWriter struct {
	ctx    context.Context
	svc    *ObjectStoreBlobService
	buf    bytes.Buffer
	hasher *blake3.Hasher

	digest []byte
	err    error
}

func (w *objectStoreBlobWriter) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	if w.digest != nil {
		return 0, ErrClosed
	}
	w.hasher.Write(p)
	return w.buf.Write(p)
}

func (w *objectStoreBlobWriter) Close() ([]byte, error) {
	if w.err != nil {
		return nil, w.err
	}
	if w.digest != nil {
		return w.digest, nil
	}

	digest := w.hasher.Sum(nil)

	// If the blob already exists, we can discard the buffered data.
	if found, err := w.svc.Has(w.ctx, digest); err != nil {
		w.err = err
		return nil, err
	} else if found {
		log.WithField("blob_digest", castore.DigestString(digest)).Debug("blob already exists, skipping upload")
		w.digest = digest
		w.buf = bytes.Buffer{}
		return digest, nil
	}

	chunks, err := w.writeChunks()
	if err != nil {
		w.err = err
		return nil, err
	}

	if err := w.svc.store.Put(w.ctx, blobObjectName(digest), marshalChunkList(chunks)); err != nil {
		w.err = fmt.Errorf("unable to put blob object: %w", err)
		return nil, w.err
	}

	w.digest = digest
	w.buf = bytes.Buffer{}
	return digest, nil
}

func (w *objectStoreBlobWriter) writeChunks() ([]ChunkMeta, error) {
	data := w.buf.Bytes()

	// Small blobs are stored whole, as their own single chunk.
	if len(data) < chunkSizeAvg {
		chunk, err := w.writeChunk(data)
		if err != nil {
			return nil, err
		}
		return []ChunkMeta{chunk}, nil
	}

	chunker, err := fastcdc.NewChunker(bytes.NewReader(data), fastcdc.Options{
		MinSize:     chunkSizeMin,
		AverageSize: chunkSizeAvg,
		MaxSize:     chunkSizeMax,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to initialize chunker: %w", err)
	}

	var chunks []ChunkMeta
	for {
		chunk, err := chunker.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("unable to chunk blob: %w", err)
		}

		meta, err := w.writeChunk(chunk.Data)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, meta)
	}

	return chunks, nil
}

func (w *objectStoreBlobWriter) writeChunk(data []byte) (ChunkMeta, error) {
	digest := blake3.Sum256(data)

	name := chunkObjectName(digest[:])
	if found, err := w.svc.store.Has(w.ctx, name); err != nil {
		return ChunkMeta{}, err
	} else if !found {
		if err := w.svc.store.Put(w.ctx, name, data); err != nil {
			return ChunkMeta{}, fmt.Errorf("unable to put chunk object: %w", err)
		}
	}

	return ChunkMeta{Digest: digest[:], Size: uint64(len(data))}, nil
}

// The chunk list object is a sequence of ChunkMeta messages
// (bytes digest = 1, uint64 size = 2), each length-prefixed as field 1.
func marshalChunkList(chunks []ChunkMeta) []byte {
	var b []byte
	for _, chunk := range chunks {
		var msg []byte
		msg = protowire.AppendTag(msg, 1, protowire.BytesType)
		msg = protowire.AppendBytes(msg, chunk.Digest)
		if chunk.Size > 0 {
			msg = protowire.AppendTag(msg, 2, protowire.VarintType)
			msg = protowire.AppendVarint(msg, chunk.Size)
		}
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, msg)
	}
	return b
}

func unmarshalChunkList(data []byte) ([]ChunkMeta, error) {
	chunks := []ChunkMeta{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		if num != 1 || typ != protowire.BytesType {
			return nil, fmt.Errorf("unexpected field %d", num)
		}
		msg, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]

		var chunk ChunkMeta
		for len(msg) > 0 {
			fnum, ftyp, n := protowire.ConsumeTag(msg)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			msg = msg[n:]
			switch {
			case fnum == 1 && ftyp == protowire.BytesType:
				val, n := protowire.ConsumeBytes(msg)
				if n < 0 {
					return nil, protowire.ParseError(n)
				}
				msg = msg[n:]
				chunk.Digest = append([]byte(nil), val...)
			case fnum == 2 && ftyp == protowire.VarintType:
				val, n := protowire.ConsumeVarint(msg)
				if n < 0 {
					return nil, protowire.ParseError(n)
				}
				msg = msg[n:]
				chunk.Size = val
			default:
				return nil, fmt.Errorf("unexpected field %d in chunk", fnum)
			}
		}
		if err := castore.ValidateDigest(chunk.Digest); err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}
