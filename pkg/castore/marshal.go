package castore

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// The canonical serialization of a Directory is its deterministic
// protobuf encoding: three repeated message fields (directories, files,
// symlinks), in ascending field order, with default-valued scalars
// omitted. The functions below emit that encoding directly, so the
// resulting digests are interchangeable with other castore
// implementations.

func appendDirectoryNode(b []byte, n *DirectoryNode) []byte {
	var msg []byte
	if len(n.Name) > 0 {
		msg = protowire.AppendTag(msg, 1, protowire.BytesType)
		msg = protowire.AppendBytes(msg, n.Name)
	}
	if len(n.Digest) > 0 {
		msg = protowire.AppendTag(msg, 2, protowire.BytesType)
		msg = protowire.AppendBytes(msg, n.Digest)
	}
	if n.Size > 0 {
		msg = protowire.AppendTag(msg, 3, protowire.VarintType)
		msg = protowire.AppendVarint(msg, n.Size)
	}
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendFileNode(b []byte, n *FileNode) []byte {
	var msg []byte
	if len(n.Name) > 0 {
		msg = protowire.AppendTag(msg, 1, protowire.BytesType)
		msg = protowire.AppendBytes(msg, n.Name)
	}
	if len(n.Digest) > 0 {
		msg = protowire.AppendTag(msg, 2, protowire.BytesType)
		msg = protowire.AppendBytes(msg, n.Digest)
	}
	if n.Size > 0 {
		msg = protowire.AppendTag(msg, 3, protowire.VarintType)
		msg = protowire.AppendVarint(msg, n.Size)
	}
	if n.Executable {
		msg = protowire.AppendTag(msg, 4, protowire.VarintType)
		msg = protowire.AppendVarint(msg, 1)
	}
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendSymlinkNode(b []byte, n *SymlinkNode) []byte {
	var msg []byte
	if len(n.Name) > 0 {
		msg = protowire.AppendTag(msg, 1, protowire.BytesType)
		msg = protowire.AppendBytes(msg, n.Name)
	}
	if len(n.Target) > 0 {
		msg = protowire.AppendTag(msg, 2, protowire.BytesType)
		msg = protowire.AppendBytes(msg, n.Target)
	}
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

// MarshalCanonical serializes the Directory into its canonical form, the
// bytes that are hashed to produce its digest.
func (d *Directory) MarshalCanonical() ([]byte, error) {
	var b []byte
	for _, n := range d.Directories {
		b = appendDirectoryNode(b, n)
	}
	for _, n := range d.Files {
		b = appendFileNode(b, n)
	}
	for _, n := range d.Symlinks {
		b = appendSymlinkNode(b, n)
	}
	return b, nil
}

// UnmarshalCanonical parses a Directory from its canonical serialization.
// It only decodes; callers who care about validity run
// [Directory.Validate] afterwards.
func UnmarshalCanonical(data []byte) (*Directory, error) {
	d := &Directory{
		Directories: []*DirectoryNode{},
		Files:       []*FileNode{},
		Symlinks:    []*SymlinkNode{},
	}

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("invalid tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		if typ != protowire.BytesType {
			return nil, fmt.Errorf("unexpected wire type %v for field %d", typ, num)
		}

		msg, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, fmt.Errorf("invalid length-delimited field %d: %w", num, protowire.ParseError(n))
		}
		data = data[n:]

		switch num {
		case 1:
			node := &DirectoryNode{}
			if err := unmarshalEntry(msg, func(fnum protowire.Number, val []byte, uval uint64, isBytes bool) error {
				switch {
				case fnum == 1 && isBytes:
					node.Name = val
				case fnum == 2 && isBytes:
					node.Digest = val
				case fnum == 3 && !isBytes:
					node.Size = uval
				default:
					return fmt.Errorf("unexpected field %d in DirectoryNode", fnum)
				}
				return nil
			}); err != nil {
				return nil, err
			}
			d.Directories = append(d.Directories, node)
		case 2:
			node := &FileNode{}
			if err := unmarshalEntry(msg, func(fnum protowire.Number, val []byte, uval uint64, isBytes bool) error {
				switch {
				case fnum == 1 && isBytes:
					node.Name = val
				case fnum == 2 && isBytes:
					node.Digest = val
				case fnum == 3 && !isBytes:
					node.Size = uval
				case fnum == 4 && !isBytes:
					node.Executable = uval != 0
				default:
					return fmt.Errorf("unexpected field %d in FileNode", fnum)
				}
				return nil
			}); err != nil {
				return nil, err
			}
			d.Files = append(d.Files, node)
		case 3:
			node := &SymlinkNode{}
			if err := unmarshalEntry(msg, func(fnum protowire.Number, val []byte, uval uint64, isBytes bool) error {
				switch {
				case fnum == 1 && isBytes:
					node.Name = val
				case fnum == 2 && isBytes:
					node.Target = val
				default:
					return fmt.Errorf("unexpected field %d in SymlinkNode", fnum)
				}
				return nil
			}); err != nil {
				return nil, err
			}
			d.Symlinks = append(d.Symlinks, node)
		default:
			return nil, fmt.Errorf("unexpected field %d in Directory", num)
		}
	}

	return d, nil
}

func unmarshalEntry(msg []byte, set func(num protowire.Number, val []byte, uval uint64, isBytes bool) error) error {
	for len(msg) > 0 {
		num, typ, n := protowire.ConsumeTag(msg)
		if n < 0 {
			return fmt.Errorf("invalid tag: %w", protowire.ParseError(n))
		}
		msg = msg[n:]

		switch typ {
		case protowire.BytesType:
			val, n := protowire.ConsumeBytes(msg)
			if n < 0 {
				return fmt.Errorf("invalid bytes field %d: %w", num, protowire.ParseError(n))
			}
			msg = msg[n:]
			// copy out, the input buffer may be reused.
			if err := set(num, append([]byte(nil), val...), 0, true); err != nil {
				return err
			}
		case protowire.VarintType:
			uval, n := protowire.ConsumeVarint(msg)
			if n < 0 {
				return fmt.Errorf("invalid varint field %d: %w", num, protowire.ParseError(n))
			}
			msg = msg[n:]
			if err := set(num, nil, uval, false); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unexpected wire type %v for field %d", typ, num)
		}
	}
	return nil
}
