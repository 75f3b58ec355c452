package directoryservice

import (
	"fmt"

	"code.tvl.fyi/tvix/store-go/pkg/castore"
)

// DirectoryGraph is an in-memory assembler for a directory closure.
// Directories are added in the order dictated by the configured
// validator; Validate checks the result is one connected closure with
// all references resolved, and hands out the directories in either
// traversal order.
type DirectoryGraph struct {
	order OrderValidator

	// rootToLeaves records whether insertion order was root-to-leaves.
	rootToLeaves bool

	byDigest  map[string]*castore.Directory
	insertion []*castore.Directory
	err       error
}

// NewDirectoryGraphLeavesToRoot assembles a closure uploaded
// leaves-to-root.
func NewDirectoryGraphLeavesToRoot() *DirectoryGraph {
	return &DirectoryGraph{
		order:    NewLeavesToRootValidator(),
		byDigest: make(map[string]*castore.Directory),
	}
}

// NewDirectoryGraphRootToLeaves assembles a closure received
// root-to-leaves, starting at the given root digest.
func NewDirectoryGraphRootToLeaves(rootDigest []byte) *DirectoryGraph {
	return &DirectoryGraph{
		order:        NewRootToLeavesValidator(rootDigest),
		rootToLeaves: true,
		byDigest:     make(map[string]*castore.Directory),
	}
}

// Add validates a directory and feeds it to the order validator.
// Duplicate directories are deduplicated.
func (g *DirectoryGraph) Add(directory *castore.Directory) error {
	if g.err != nil {
		return g.err
	}

	if err := directory.Validate(); err != nil {
		g.err = fmt.Errorf("invalid directory: %w", err)
		return g.err
	}

	digest, err := directory.Digest()
	if err != nil {
		g.err = err
		return g.err
	}

	if !g.order.AddDirectory(directory) {
		if g.rootToLeaves {
			g.err = fmt.Errorf("directory %s: %w", castore.DigestString(digest), ErrUnreachableNode)
		} else {
			g.err = fmt.Errorf("directory %s: %w", castore.DigestString(digest), ErrDanglingReference)
		}
		return g.err
	}

	if _, found := g.byDigest[string(digest)]; !found {
		g.byDigest[string(digest)] = directory
		g.insertion = append(g.insertion, directory)
	}

	return nil
}

// Validate checks that every directory reference inside the graph
// resolves, and that the claimed sizes match the actual children.
func (g *DirectoryGraph) Validate() (*ValidatedDirectoryGraph, error) {
	if g.err != nil {
		return nil, g.err
	}
	if len(g.insertion) == 0 {
		return nil, fmt.Errorf("graph is empty")
	}

	for _, directory := range g.insertion {
		for _, child := range directory.Directories {
			resolved, found := g.byDigest[string(child.Digest)]
			if !found {
				return nil, fmt.Errorf("directory %s: %w", castore.DigestString(child.Digest), ErrDanglingReference)
			}
			if resolved.Size() != child.Size {
				return nil, fmt.Errorf("directory %s claims size %d, has %d: %w",
					castore.DigestString(child.Digest), child.Size, resolved.Size(), ErrWrongSize)
			}
		}
	}

	return &ValidatedDirectoryGraph{graph: g}, nil
}

// ValidatedDirectoryGraph is a [DirectoryGraph] whose references all
// resolved.
type ValidatedDirectoryGraph struct {
	graph *DirectoryGraph
}

// DrainRootToLeaves returns the directories of the closure, the root
// first, every directory before all directories only it references.
func (v *ValidatedDirectoryGraph) DrainRootToLeaves() []*castore.Directory {
	if v.graph.rootToLeaves {
		return append([]*castore.Directory(nil), v.graph.insertion...)
	}
	return reversed(v.graph.insertion)
}

// DrainLeavesToRoot returns the directories of the closure, every
// directory after all directories it references, the root last.
func (v *ValidatedDirectoryGraph) DrainLeavesToRoot() []*castore.Directory {
	if v.graph.rootToLeaves {
		return reversed(v.graph.insertion)
	}
	return append([]*castore.Directory(nil), v.graph.insertion...)
}

// Reversing a valid insertion order yields the opposite traversal
// order: deduplicated, every edge points across the pivot.
func reversed(directories []*castore.Directory) []*castore.Directory {
	out := make([]*castore.Directory, len(directories))
	for i, d := range directories {
		out[len(directories)-1-i] = d
	}
	return out
}
