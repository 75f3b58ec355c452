package nar

import (
	"encoding/binary"
	"fmt"
	"io"
)

// tokenMax caps the length of any non-contents token we're willing to
// read. Entry names and symlink targets both fit comfortably.
const tokenMax = 4096

func padLen(n int64) int {
	return int((8 - n%8) % 8)
}

func readUint64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// readPadding consumes the NUL padding after a token of the given
// length, and rejects non-NUL padding bytes.
func readPadding(r io.Reader, n int64) error {
	var buf [8]byte
	pad := padLen(n)
	if pad == 0 {
		return nil
	}
	if _, err := io.ReadFull(r, buf[:pad]); err != nil {
		if err == io.EOF {
			return io.ErrUnexpectedEOF
		}
		return err
	}
	for _, b := range buf[:pad] {
		if b != 0 {
			return fmt.Errorf("invalid data: non-NUL padding byte")
		}
	}
	return nil
}

// readToken reads one length-prefixed token of at most max bytes.
func readToken(r io.Reader, max uint64) ([]byte, error) {
	n, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	if n > max {
		return nil, fmt.Errorf("invalid data: token of %d bytes exceeds maximum %d", n, max)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	if err := readPadding(r, int64(n)); err != nil {
		return nil, err
	}
	return buf, nil
}

// expectToken reads a token and requires it to match s exactly.
func expectToken(r io.Reader, s string) error {
	tok, err := readToken(r, uint64(len(s)))
	if err != nil {
		return err
	}
	if string(tok) != s {
		return fmt.Errorf("invalid data: expected token %q, got %q", s, tok)
	}
	return nil
}

func writeUint64(w io.Writer, n uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], n)
	_, err := w.Write(buf[:])
	return err
}

func writePadding(w io.Writer, n int64) error {
	var buf [8]byte
	pad := padLen(n)
	if pad == 0 {
		return nil
	}
	_, err := w.Write(buf[:pad])
	return err
}

// writeToken writes one length-prefixed, padded token.
func writeToken(w io.Writer, tok []byte) error {
	if err := writeUint64(w, uint64(len(tok))); err != nil {
		return err
	}
	if _, err := w.Write(tok); err != nil {
		return err
	}
	return writePadding(w, int64(len(tok)))
}

func writeTokens(w io.Writer, toks ...string) error {
	for _, tok := range toks {
		if err := writeToken(w, []byte(tok)); err != nil {
			return err
		}
	}
	return nil
}
