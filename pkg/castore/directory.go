package castore

import (
	"bytes"
	"fmt"
	"math"

	"lukechampine.com/blake3"
)

// Directory is an immutable mapping of names to child nodes.
// The three lists group entries by kind; within each list entries are
// sorted ascending by name, and names are unique across all three lists.
type Directory struct {
	Directories []*DirectoryNode
	Files       []*FileNode
	Symlinks    []*SymlinkNode
}

// Size returns the size of a directory, calculated by summing up the
// numbers of directories, files and symlinks, and for each directory,
// its size field. Saturates at MaxUint64; [Directory.Validate] reports
// overflow as an error.
func (d *Directory) Size() uint64 {
	size, ok := d.checkedSize()
	if !ok {
		return math.MaxUint64
	}
	return size
}

func (d *Directory) checkedSize() (uint64, bool) {
	size := uint64(len(d.Directories) + len(d.Files) + len(d.Symlinks))
	for _, child := range d.Directories {
		sum := size + child.Size
		if sum < size {
			return 0, false
		}
		size = sum
	}
	return size, true
}

// Digest returns the BLAKE3 digest of the canonical serialization of the
// directory.
func (d *Directory) Digest() ([]byte, error) {
	b, err := d.MarshalCanonical()
	if err != nil {
		return nil, fmt.Errorf("error while marshalling directory: %w", err)
	}

	h := blake3.New(B3DigestSize, nil)

	if _, err = h.Write(b); err != nil {
		return nil, fmt.Errorf("error writing to hasher: %w", err)
	}

	return h.Sum(nil), nil
}

// Nodes returns all children of the directory, in canonical order
// (directories, files, symlinks, each ascending by name).
func (d *Directory) Nodes() []Node {
	nodes := make([]Node, 0, len(d.Directories)+len(d.Files)+len(d.Symlinks))
	for _, n := range d.Directories {
		nodes = append(nodes, n)
	}
	for _, n := range d.Files {
		nodes = append(nodes, n)
	}
	for _, n := range d.Symlinks {
		nodes = append(nodes, n)
	}
	return nodes
}

// Validate checks the Directory for invalid data, such as:
// - violations of name restrictions
// - invalid digest lengths
// - not properly sorted lists
// - duplicate names in the three lists
// - size overflow
func (d *Directory) Validate() error {
	// seenNames contains all seen names so far.
	// We populate this to ensure node names are unique across all three
	// lists.
	seenNames := make(map[string]struct{})

	// We also track the last seen name in each of the three lists,
	// to ensure nodes are sorted by their names.
	var lastDirectoryName, lastFileName, lastSymlinkName []byte

	// helper function to only insert in sorted order.
	// Note this consumes a *pointer to* a byte slice, as it mutates it.
	insertIfGt := func(lastName *[]byte, name []byte) error {
		// update if it's greater than the previous name
		if bytes.Compare(name, *lastName) == 1 {
			*lastName = name
			return nil
		}
		return fmt.Errorf("%v is not in sorted order", name)
	}

	// insertOnce inserts into seenNames if the key doesn't exist yet.
	insertOnce := func(name []byte) error {
		if _, found := seenNames[string(name)]; found {
			return fmt.Errorf("duplicate name: %v", string(name))
		}
		seenNames[string(name)] = struct{}{}
		return nil
	}

	// Loop over all Directories, Files and Symlinks individually.
	// Check the name for validity, check a potential digest for length,
	// then check for sorting in the current list, and uniqueness across
	// all three lists.
	for _, directoryNode := range d.Directories {
		directoryName := directoryNode.GetName()

		if !IsValidName(directoryName) {
			return fmt.Errorf("invalid name for DirectoryNode: %v", directoryName)
		}

		if err := ValidateDigest(directoryNode.Digest); err != nil {
			return fmt.Errorf("invalid digest for DirectoryNode: %w", err)
		}

		if err := insertIfGt(&lastDirectoryName, directoryName); err != nil {
			return err
		}

		if err := insertOnce(directoryName); err != nil {
			return err
		}
	}

	for _, fileNode := range d.Files {
		fileName := fileNode.GetName()

		if !IsValidName(fileName) {
			return fmt.Errorf("invalid name for FileNode: %v", fileName)
		}

		if err := ValidateDigest(fileNode.Digest); err != nil {
			return fmt.Errorf("invalid digest for FileNode: %w", err)
		}

		if err := insertIfGt(&lastFileName, fileName); err != nil {
			return err
		}

		if err := insertOnce(fileName); err != nil {
			return err
		}
	}

	for _, symlinkNode := range d.Symlinks {
		symlinkName := symlinkNode.GetName()

		if !IsValidName(symlinkName) {
			return fmt.Errorf("invalid name for SymlinkNode: %v", symlinkName)
		}

		if err := ValidateSymlinkTarget(symlinkNode.Target); err != nil {
			return fmt.Errorf("invalid target for SymlinkNode %v: %w", string(symlinkName), err)
		}

		if err := insertIfGt(&lastSymlinkName, symlinkName); err != nil {
			return err
		}

		if err := insertOnce(symlinkName); err != nil {
			return err
		}
	}

	if _, ok := d.checkedSize(); !ok {
		return fmt.Errorf("size overflows uint64")
	}

	return nil
}
