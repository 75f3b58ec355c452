package nar

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

// Writer produces an archive from a sequence of headers and file
// contents. Headers must arrive in the depth-first order of the tree,
// with directory entries in strictly ascending name order; the caller
// writes exactly Header.Size bytes between a regular file's header and
// the next call.
type Writer struct {
	w io.Writer

	err error

	// open directories, innermost last.
	stack []*writerLevel

	started  bool
	finished bool

	fileOpen      bool
	fileRemaining int64
	fileSize      int64
}

type writerLevel struct {
	path     string
	lastName []byte
}

// NewWriter creates a new Writer, emitting the archive magic.
func NewWriter(w io.Writer) (*Writer, error) {
	if err := writeToken(w, []byte(magic)); err != nil {
		return nil, fmt.Errorf("unable to write nar magic: %w", err)
	}
	return &Writer{w: w}, nil
}

func (nw *Writer) fail(err error) error {
	if nw.err == nil {
		nw.err = err
	}
	return nw.err
}

// WriteHeader begins a new node in the archive.
func (nw *Writer) WriteHeader(hdr *Header) error {
	if nw.err != nil {
		return nw.err
	}
	if nw.finished {
		return nw.fail(errors.New("invalid input: archive already finished"))
	}
	if err := hdr.Validate(); err != nil {
		return nw.fail(fmt.Errorf("invalid header: %w", err))
	}

	if !nw.started {
		if hdr.Path != "/" {
			return nw.fail(fmt.Errorf("invalid input: first node must be /, got %s", hdr.Path))
		}
		nw.started = true
		return nw.writeNode(hdr)
	}

	if hdr.Path == "/" || !strings.HasPrefix(hdr.Path, "/") || strings.HasSuffix(hdr.Path, "/") {
		return nw.fail(fmt.Errorf("invalid input: bad path %q", hdr.Path))
	}

	if nw.fileOpen {
		if err := nw.finishFile(); err != nil {
			return nw.fail(err)
		}
	}

	// close directories until the top of the stack is the parent of
	// the new node.
	parent := path.Dir(hdr.Path)
	for len(nw.stack) > 0 && nw.stack[len(nw.stack)-1].path != parent {
		if err := nw.popDirectory(); err != nil {
			return nw.fail(err)
		}
	}
	if len(nw.stack) == 0 {
		return nw.fail(fmt.Errorf("invalid input: %s is not below any open directory", hdr.Path))
	}

	name := []byte(path.Base(hdr.Path))
	if !validEntryName(name) {
		return nw.fail(fmt.Errorf("invalid input: invalid entry name %q", name))
	}

	top := nw.stack[len(nw.stack)-1]
	if top.lastName != nil && bytes.Compare(name, top.lastName) <= 0 {
		return nw.fail(fmt.Errorf("invalid input: entry name %q not strictly ascending after %q", name, top.lastName))
	}
	top.lastName = name

	if err := writeTokens(nw.w, "entry", "("); err != nil {
		return nw.fail(err)
	}
	if err := writeTokens(nw.w, "name"); err != nil {
		return nw.fail(err)
	}
	if err := writeToken(nw.w, name); err != nil {
		return nw.fail(err)
	}
	if err := writeTokens(nw.w, "node"); err != nil {
		return nw.fail(err)
	}

	return nw.writeNode(hdr)
}

func (nw *Writer) writeNode(hdr *Header) error {
	if err := writeTokens(nw.w, "(", "type", string(hdr.Type)); err != nil {
		return nw.fail(err)
	}

	switch hdr.Type {
	case TypeDirectory:
		nw.stack = append(nw.stack, &writerLevel{path: hdr.Path})

	case TypeSymlink:
		if err := writeTokens(nw.w, "target", hdr.LinkTarget); err != nil {
			return nw.fail(err)
		}
		if err := writeTokens(nw.w, ")"); err != nil {
			return nw.fail(err)
		}
		if err := nw.closeAfterNode(); err != nil {
			return nw.fail(err)
		}

	case TypeRegular:
		if hdr.Executable {
			if err := writeTokens(nw.w, "executable", ""); err != nil {
				return nw.fail(err)
			}
		}
		if err := writeTokens(nw.w, "contents"); err != nil {
			return nw.fail(err)
		}
		if err := writeUint64(nw.w, uint64(hdr.Size)); err != nil {
			return nw.fail(err)
		}

		nw.fileOpen = true
		nw.fileRemaining = hdr.Size
		nw.fileSize = hdr.Size

		if hdr.Size == 0 {
			if err := nw.finishFile(); err != nil {
				return nw.fail(err)
			}
		}
	}

	return nil
}

// Write writes the contents of the current regular file.
// Writing more than the declared size fails with "invalid input".
func (nw *Writer) Write(p []byte) (int, error) {
	if nw.err != nil {
		return 0, nw.err
	}
	if !nw.fileOpen {
		return 0, nw.fail(errors.New("invalid input: no regular file is open"))
	}
	if int64(len(p)) > nw.fileRemaining {
		return 0, nw.fail(fmt.Errorf("invalid input: writing %d bytes exceeds the declared size by %d",
			len(p), int64(len(p))-nw.fileRemaining))
	}

	n, err := nw.w.Write(p)
	nw.fileRemaining -= int64(n)
	if err != nil {
		return n, nw.fail(err)
	}

	if nw.fileRemaining == 0 {
		if err := nw.finishFile(); err != nil {
			return n, nw.fail(err)
		}
	}

	return n, nil
}

func (nw *Writer) finishFile() error {
	if nw.fileRemaining > 0 {
		return fmt.Errorf("%w: %d content bytes missing", io.ErrUnexpectedEOF, nw.fileRemaining)
	}
	if err := writePadding(nw.w, nw.fileSize); err != nil {
		return err
	}
	// close the regular node.
	if err := writeTokens(nw.w, ")"); err != nil {
		return err
	}
	nw.fileOpen = false
	return nw.closeAfterNode()
}

func (nw *Writer) closeAfterNode() error {
	if len(nw.stack) == 0 {
		nw.finished = true
		return nil
	}
	// close the surrounding entry.
	return writeTokens(nw.w, ")")
}

func (nw *Writer) popDirectory() error {
	if err := writeTokens(nw.w, ")"); err != nil {
		return err
	}
	nw.stack = nw.stack[:len(nw.stack)-1]
	return nw.closeAfterNode()
}

// Close finishes the archive, closing all open nodes. It is a no-op on
// an already-finished writer.
func (nw *Writer) Close() error {
	if nw.err != nil {
		return nw.err
	}
	if nw.finished {
		return nil
	}
	if !nw.started {
		return nw.fail(errors.New("invalid input: nothing written"))
	}

	if nw.fileOpen {
		if err := nw.finishFile(); err != nil {
			return nw.fail(err)
		}
	}
	for len(nw.stack) > 0 {
		if err := nw.popDirectory(); err != nil {
			return nw.fail(err)
		}
	}
	nw.finished = true
	return nil
}
