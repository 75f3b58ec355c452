package blobservice

import (
	"errors"
	"fmt"
	"io"
)

// skipChunkSize bounds how many bytes we read and discard at once while
// skipping forward.
const skipChunkSize = 1024

// ErrSeekUnsupported is returned when seeking backwards or relative to
// the end of the stream.
var ErrSeekUnsupported = errors.New("seek is unsupported in this direction")

// NaiveSeeker implements forward-only seeking on top of any reader, by
// reading and discarding bytes. Seeking backwards, or from the end,
// fails with [ErrSeekUnsupported] and leaves the position unchanged.
// Seeking beyond the end of the underlying stream fails with
// [io.ErrUnexpectedEOF] at seek time.
type NaiveSeeker struct {
	r   io.Reader
	pos int64
}

var _ BlobReader = &NaiveSeeker{}

func NewNaiveSeeker(r io.Reader) *NaiveSeeker {
	return &NaiveSeeker{r: r}
}

func (s *NaiveSeeker) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	s.pos += int64(n)
	return n, err
}

func (s *NaiveSeeker) Seek(offset int64, whence int) (int64, error) {
	var bytesToSkip int64

	switch whence {
	case io.SeekStart:
		if offset < s.pos {
			return s.pos, fmt.Errorf("can't seek from %d back to %d: %w", s.pos, offset, ErrSeekUnsupported)
		}
		bytesToSkip = offset - s.pos
	case io.SeekCurrent:
		if offset < 0 {
			return s.pos, fmt.Errorf("can't seek backwards by %d: %w", -offset, ErrSeekUnsupported)
		}
		bytesToSkip = offset
	case io.SeekEnd:
		return s.pos, fmt.Errorf("can't seek from the end: %w", ErrSeekUnsupported)
	default:
		return s.pos, fmt.Errorf("invalid whence: %d", whence)
	}

	// read and discard, in chunks of at most skipChunkSize.
	buf := make([]byte, skipChunkSize)
	for bytesToSkip > 0 {
		chunk := buf
		if bytesToSkip < skipChunkSize {
			chunk = buf[:bytesToSkip]
		}
		n, err := io.ReadFull(s.r, chunk)
		s.pos += int64(n)
		bytesToSkip -= int64(n)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return s.pos, io.ErrUnexpectedEOF
			}
			return s.pos, err
		}
	}

	return s.pos, nil
}

func (s *NaiveSeeker) Close() error {
	if c, ok := s.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
