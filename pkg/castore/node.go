package castore

import (
	"bytes"
	"fmt"
)

// MaxSymlinkTargetLength is the maximum length of a symlink target.
const MaxSymlinkTargetLength = 4095

// Node is one of the three members of a directory: a child directory, a
// regular file, or a symlink.
// A node with an empty name is only allowed at the root of a structure
// (for example as the root node of a PathInfo); inside a Directory all
// names must be valid path components.
type Node interface {
	GetName() []byte
	Validate() error

	isNode()
}

// DirectoryNode refers to another Directory by its digest.
// Size is the recursively-aggregated size of the referred Directory.
type DirectoryNode struct {
	Name   []byte
	Digest []byte
	Size   uint64
}

// FileNode refers to the contents of a regular file by its blob digest.
// Size is the number of bytes in the blob.
type FileNode struct {
	Name       []byte
	Digest     []byte
	Size       uint64
	Executable bool
}

// SymlinkNode holds a symlink target verbatim.
// Targets may be absolute or relative, they're never resolved.
type SymlinkNode struct {
	Name   []byte
	Target []byte
}

func (n *DirectoryNode) isNode() {}
func (n *FileNode) isNode()      {}
func (n *SymlinkNode) isNode()   {}

func (n *DirectoryNode) GetName() []byte { return n.Name }
func (n *FileNode) GetName() []byte      { return n.Name }
func (n *SymlinkNode) GetName() []byte   { return n.Name }

func validateNodeName(name []byte) error {
	// an empty name is allowed for root nodes; everything else needs to
	// pass path component validation.
	if len(name) == 0 {
		return nil
	}
	if !IsValidName(name) {
		return fmt.Errorf("invalid name: %q", name)
	}
	return nil
}

func (n *DirectoryNode) Validate() error {
	if err := validateNodeName(n.Name); err != nil {
		return err
	}
	if err := ValidateDigest(n.Digest); err != nil {
		return err
	}
	return nil
}

func (n *FileNode) Validate() error {
	if err := validateNodeName(n.Name); err != nil {
		return err
	}
	if err := ValidateDigest(n.Digest); err != nil {
		return err
	}
	return nil
}

func (n *SymlinkNode) Validate() error {
	if err := validateNodeName(n.Name); err != nil {
		return err
	}
	if err := ValidateSymlinkTarget(n.Target); err != nil {
		return err
	}
	return nil
}

// ValidateSymlinkTarget checks a symlink target for validity.
// Targets must be non-empty, must not contain null bytes, and must not
// exceed [MaxSymlinkTargetLength] bytes. There are no further structural
// constraints, targets may point anywhere.
func ValidateSymlinkTarget(target []byte) error {
	if len(target) == 0 {
		return fmt.Errorf("symlink target must not be empty")
	}
	if len(target) > MaxSymlinkTargetLength {
		return fmt.Errorf("symlink target too long: %d", len(target))
	}
	if bytes.Contains(target, []byte{'\x00'}) {
		return fmt.Errorf("symlink target must not contain null bytes")
	}
	return nil
}

// RenamedNode returns a copy of a node with a new name.
func RenamedNode(node Node, name string) Node {
	switch n := node.(type) {
	case *DirectoryNode:
		return &DirectoryNode{
			Name:   []byte(name),
			Digest: n.Digest,
			Size:   n.Size,
		}
	case *FileNode:
		return &FileNode{
			Name:       []byte(name),
			Digest:     n.Digest,
			Size:       n.Size,
			Executable: n.Executable,
		}
	case *SymlinkNode:
		return &SymlinkNode{
			Name:   []byte(name),
			Target: n.Target,
		}
	default:
		panic("unreachable")
	}
}
