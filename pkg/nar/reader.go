package nar

import (
	"bytes"
	"fmt"
	"io"
	"path"
)

// Reader provides sequential access to the nodes of an archive.
// Reader.Next advances to the next node, returning its Header; the
// contents of a regular file are read from the Reader itself, bounded
// to the declared size. The reader is single-pass and stateful: file
// contents not consumed before the next call to Next are skipped.
type Reader struct {
	r io.Reader

	err error

	// open directories, each tracking the last entry name seen for the
	// strictly-ascending check.
	stack []*readerLevel

	started  bool
	rootDone bool

	// state of the regular file currently being read, if any.
	fileOpen      bool
	fileRemaining int64
	fileSize      int64
}

type readerLevel struct {
	path     string
	lastName []byte
}

// NewReader creates a new Reader, consuming the archive magic.
func NewReader(r io.Reader) (*Reader, error) {
	if err := expectToken(r, magic); err != nil {
		return nil, fmt.Errorf("invalid nar magic: %w", err)
	}
	return &Reader{r: r}, nil
}

func (nr *Reader) fail(err error) error {
	if nr.err == nil {
		nr.err = err
	}
	return nr.err
}

// Next advances to the next node in the archive and returns its
// header. It returns io.EOF once the archive is exhausted.
func (nr *Reader) Next() (*Header, error) {
	if nr.err != nil {
		return nil, nr.err
	}

	if !nr.started {
		nr.started = true
		hdr, err := nr.readNode("/")
		if err != nil {
			return nil, nr.fail(err)
		}
		return hdr, nil
	}

	if nr.fileOpen {
		if err := nr.finishFile(); err != nil {
			return nil, nr.fail(err)
		}
	}

	for {
		if nr.rootDone {
			nr.err = io.EOF
			return nil, io.EOF
		}

		// we're inside a directory: the next token either opens an
		// entry, or closes the directory.
		tok, err := readToken(nr.r, tokenMax)
		if err != nil {
			return nil, nr.fail(err)
		}

		switch string(tok) {
		case ")":
			// the directory on top of the stack ends.
			if err := nr.popDirectory(); err != nil {
				return nil, nr.fail(err)
			}
			continue
		case "entry":
			hdr, err := nr.readEntry()
			if err != nil {
				return nil, nr.fail(err)
			}
			return hdr, nil
		default:
			return nil, nr.fail(fmt.Errorf("invalid data: expected \")\" or \"entry\", got %q", tok))
		}
	}
}

// readEntry parses one directory entry up to and including its node
// header.
func (nr *Reader) readEntry() (*Header, error) {
	if err := expectToken(nr.r, "("); err != nil {
		return nil, err
	}
	if err := expectToken(nr.r, "name"); err != nil {
		return nil, err
	}

	name, err := readToken(nr.r, tokenMax)
	if err != nil {
		return nil, err
	}
	if !validEntryName(name) {
		return nil, fmt.Errorf("invalid data: invalid entry name %q", name)
	}

	top := nr.stack[len(nr.stack)-1]
	if top.lastName != nil && bytes.Compare(name, top.lastName) <= 0 {
		return nil, fmt.Errorf("invalid data: entry name %q not strictly ascending after %q", name, top.lastName)
	}
	top.lastName = append([]byte(nil), name...)

	if err := expectToken(nr.r, "node"); err != nil {
		return nil, err
	}

	return nr.readNode(path.Join(top.path, string(name)))
}

// readNode parses a node up to the point its contents (entries or file
// bytes) begin, and returns its header.
func (nr *Reader) readNode(nodePath string) (*Header, error) {
	if err := expectToken(nr.r, "("); err != nil {
		return nil, err
	}
	if err := expectToken(nr.r, "type"); err != nil {
		return nil, err
	}

	kind, err := readToken(nr.r, tokenMax)
	if err != nil {
		return nil, err
	}

	switch string(kind) {
	case "directory":
		nr.stack = append(nr.stack, &readerLevel{path: nodePath})
		return &Header{Path: nodePath, Type: TypeDirectory}, nil

	case "symlink":
		if err := expectToken(nr.r, "target"); err != nil {
			return nil, err
		}
		target, err := readToken(nr.r, tokenMax)
		if err != nil {
			return nil, err
		}
		if len(target) == 0 || bytes.ContainsRune(target, 0) {
			return nil, fmt.Errorf("invalid data: invalid symlink target %q", target)
		}
		// the symlink node closes straight away.
		if err := expectToken(nr.r, ")"); err != nil {
			return nil, err
		}
		if err := nr.closeAfterNode(); err != nil {
			return nil, err
		}
		return &Header{Path: nodePath, Type: TypeSymlink, LinkTarget: string(target)}, nil

	case "regular":
		executable := false

		tok, err := readToken(nr.r, tokenMax)
		if err != nil {
			return nil, err
		}
		if string(tok) == "executable" {
			executable = true
			// the marker is followed by an empty token.
			if err := expectToken(nr.r, ""); err != nil {
				return nil, err
			}
			tok, err = readToken(nr.r, tokenMax)
			if err != nil {
				return nil, err
			}
		}
		if string(tok) != "contents" {
			return nil, fmt.Errorf("invalid data: expected \"contents\", got %q", tok)
		}

		size, err := readUint64(nr.r)
		if err != nil {
			return nil, err
		}
		if size > 1<<62 {
			return nil, fmt.Errorf("invalid data: file size %d too large", size)
		}

		nr.fileOpen = true
		nr.fileRemaining = int64(size)
		nr.fileSize = int64(size)

		return &Header{Path: nodePath, Type: TypeRegular, Size: int64(size), Executable: executable}, nil

	default:
		return nil, fmt.Errorf("invalid data: unknown node type %q", kind)
	}
}

// closeAfterNode consumes the token closing the entry a node lives in,
// or marks the root as done for the root node.
func (nr *Reader) closeAfterNode() error {
	if len(nr.stack) == 0 {
		nr.rootDone = true
		return nil
	}
	// close the surrounding entry.
	return expectToken(nr.r, ")")
}

// popDirectory closes the directory on top of the stack.
func (nr *Reader) popDirectory() error {
	nr.stack = nr.stack[:len(nr.stack)-1]
	return nr.closeAfterNode()
}

// finishFile skips whatever is left of the current regular file, and
// consumes padding and closing tokens.
func (nr *Reader) finishFile() error {
	if nr.fileRemaining > 0 {
		if _, err := io.CopyN(io.Discard, nr.r, nr.fileRemaining); err != nil {
			if err == io.EOF {
				return io.ErrUnexpectedEOF
			}
			return err
		}
		nr.fileRemaining = 0
	}
	if err := readPadding(nr.r, nr.fileSize); err != nil {
		return err
	}
	// close the regular node.
	if err := expectToken(nr.r, ")"); err != nil {
		return err
	}
	nr.fileOpen = false
	return nr.closeAfterNode()
}

// Read reads from the contents of the current regular file. It returns
// io.EOF when the declared size has been consumed.
func (nr *Reader) Read(p []byte) (int, error) {
	if nr.err != nil {
		return 0, nr.err
	}
	if !nr.fileOpen || nr.fileRemaining == 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > nr.fileRemaining {
		p = p[:nr.fileRemaining]
	}
	n, err := nr.r.Read(p)
	nr.fileRemaining -= int64(n)
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	if err != nil {
		nr.fail(err)
	}
	return n, err
}

// Close verifies the archive was well-formed up to this point.
// It must be called after Next returned io.EOF to check there's no
// trailing data.
func (nr *Reader) Close() error {
	if nr.err != nil && nr.err != io.EOF {
		return nr.err
	}
	if nr.rootDone {
		// no trailing padding or data beyond the last token.
		var buf [1]byte
		if n, err := nr.r.Read(buf[:]); n > 0 {
			return fmt.Errorf("invalid data: trailing data after archive")
		} else if err != nil && err != io.EOF {
			return err
		}
	}
	return nil
}

func validEntryName(name []byte) bool {
	if len(name) == 0 {
		return false
	}
	if bytes.Equal(name, []byte(".")) || bytes.Equal(name, []byte("..")) {
		return false
	}
	if bytes.ContainsRune(name, '/') || bytes.ContainsRune(name, 0) {
		return false
	}
	return true
}
