// Package build models the normalized, hermetic description of a
// build. The package only validates; execution is someone else's job.
package build

import (
	"bytes"
	"errors"
	"fmt"
	"path"
	"strings"

	"code.tvl.fyi/tvix/store-go/pkg/castore"
)

// A BuildRequest describes the request of something to be run on the
// builder. It is distinct from an actual build that has already
// happened, or might be currently ongoing.
//
// Inputs are castore nodes, mapped from their base name. As all
// references are content-addressed, no additional signatures are
// needed to make these available in the build environment.
type BuildRequest struct {
	// The list of all root nodes that should be visible in InputsDir
	// at the time of the build, sorted by name.
	Inputs []*InputNode

	// The command (and its args) executed as the build script.
	CommandArgs []string

	// The working dir of the command, relative to the build root.
	WorkingDir string

	// A list of "scratch" paths, relative to the build root.
	// These will be write-able during the build. Sorted.
	ScratchPaths []string

	// The path where the castore input nodes will be located at,
	// "nix/store" in case of Nix. Relative to the build root.
	InputsDir string

	// The list of output paths the build is expected to produce,
	// relative to the build root. If a path is not produced, the build
	// is considered to have failed. Sorted.
	Outputs []string

	// The list of environment variables and their values that should
	// be set inside the build environment. Sorted by key.
	EnvironmentVars []*EnvVar

	// A set of constraints that need to be satisfied on a build host
	// before a build can be started.
	Constraints *BuildConstraints

	// Additional (small) files and their contents that should be
	// placed into the build environment, but outside InputsDir.
	// Sorted by path.
	AdditionalFiles []*AdditionalFile

	// If this is a non-empty list, all paths in Outputs are scanned
	// for these.
	RefscanNeedles []string
}

// InputNode pairs an input's base name with its castore node.
type InputNode struct {
	Name []byte
	Node castore.Node
}

// EnvVar is one environment variable.
type EnvVar struct {
	// Key must be non-empty and not contain '='.
	Key   string
	Value []byte
}

// BuildConstraints represent certain conditions that must be fulfilled
// inside the build environment to be able to build this.
type BuildConstraints struct {
	// The system that's needed to execute the build. Must not be
	// empty if set.
	System string

	// The amount of memory required to be available for the build, in
	// bytes.
	MinMemory uint64

	// Absolute paths that need to be available in the build
	// environment, like /dev/kvm. Sorted.
	AvailableRoPaths []string

	// Whether the build should be able to access the network.
	NetworkAccess bool

	// Whether to provide a /bin/sh inside the build environment,
	// usually a static bash.
	ProvideBinSh bool
}

// AdditionalFile is a file planted into the build root outside
// InputsDir.
type AdditionalFile struct {
	Path     string
	Contents []byte
}

// The distinct kinds of validation failure.
var (
	ErrInvalidInputNode           = errors.New("invalid input node")
	ErrInputNodesNotSorted        = errors.New("input nodes are not sorted by name")
	ErrInvalidWorkingDir          = errors.New("invalid working_dir")
	ErrInvalidScratchPath         = errors.New("invalid scratch path")
	ErrScratchPathsNotSorted      = errors.New("scratch_paths not sorted")
	ErrInvalidInputsDir           = errors.New("invalid inputs_dir")
	ErrInvalidOutputPath          = errors.New("invalid output path")
	ErrOutputsNotSorted           = errors.New("outputs not sorted")
	ErrInvalidEnvVar              = errors.New("invalid environment variable")
	ErrEnvVarsNotSorted           = errors.New("environment variables not sorted by their keys")
	ErrInvalidAdditionalFilePath  = errors.New("invalid additional file path")
	ErrAdditionalFilesNotSorted   = errors.New("additional_files not sorted")
	ErrDuplicate                  = errors.New("duplicate entry")
	ErrInvalidSystem              = errors.New("invalid system")
	ErrInvalidAvailableRoPaths    = errors.New("invalid available_ro_paths")
	ErrAvailableRoPathsNotSorted  = errors.New("available_ro_paths not sorted")
)

// isCleanPath checks a path to be without any '.' or '..' components,
// and clean (no superfluous slashes).
func isCleanPath(p string) bool {
	if p == "" {
		return true
	}
	if p == "/" {
		return true
	}
	if path.Clean(p) != p {
		return false
	}
	for _, component := range strings.Split(strings.TrimPrefix(p, "/"), "/") {
		if component == "" || component == "." || component == ".." {
			return false
		}
	}
	return true
}

func isCleanRelativePath(p string) bool {
	return !strings.HasPrefix(p, "/") && isCleanPath(p)
}

func isCleanAbsolutePath(p string) bool {
	return strings.HasPrefix(p, "/") && isCleanPath(p)
}

// checkSortedUnique verifies a list of strings is strictly ascending.
func checkSortedUnique(items []string, notSorted error) error {
	for i := 1; i < len(items); i++ {
		if items[i] == items[i-1] {
			return fmt.Errorf("%w: %s", ErrDuplicate, items[i])
		}
		if items[i] < items[i-1] {
			return notSorted
		}
	}
	return nil
}

// Validate ensures the build request is well-formed: all input nodes
// need to be valid, paths in lists need to be sorted, and all
// restrictions around paths themselves (relative, clean, …) need to
// hold.
func (r *BuildRequest) Validate() error {
	// validate inputs
	var lastInputName []byte
	for i, input := range r.Inputs {
		if !castore.IsValidName(input.Name) {
			return fmt.Errorf("%w at position %d: invalid name %q", ErrInvalidInputNode, i, input.Name)
		}
		if input.Node == nil {
			return fmt.Errorf("%w at position %d: node must be set", ErrInvalidInputNode, i)
		}
		if err := input.Node.Validate(); err != nil {
			return fmt.Errorf("%w at position %d: %w", ErrInvalidInputNode, i, err)
		}
		if lastInputName != nil {
			if bytes.Equal(input.Name, lastInputName) {
				return fmt.Errorf("%w: input %q", ErrDuplicate, input.Name)
			}
			if bytes.Compare(input.Name, lastInputName) < 0 {
				return ErrInputNodesNotSorted
			}
		}
		lastInputName = input.Name
	}

	// validate working_dir
	if !isCleanRelativePath(r.WorkingDir) {
		return ErrInvalidWorkingDir
	}

	// validate scratch paths
	for i, p := range r.ScratchPaths {
		if !isCleanRelativePath(p) {
			return fmt.Errorf("%w at position %d: %s", ErrInvalidScratchPath, i, p)
		}
	}
	if err := checkSortedUnique(r.ScratchPaths, ErrScratchPathsNotSorted); err != nil {
		return err
	}

	// validate inputs_dir
	if !isCleanRelativePath(r.InputsDir) {
		return ErrInvalidInputsDir
	}

	// validate outputs
	for i, p := range r.Outputs {
		if !isCleanRelativePath(p) {
			return fmt.Errorf("%w at position %d: %s", ErrInvalidOutputPath, i, p)
		}
	}
	if err := checkSortedUnique(r.Outputs, ErrOutputsNotSorted); err != nil {
		return err
	}

	// validate environment_vars
	for i, envVar := range r.EnvironmentVars {
		if envVar.Key == "" {
			return fmt.Errorf("%w at position %d: key must not be empty", ErrInvalidEnvVar, i)
		}
		if strings.Contains(envVar.Key, "=") {
			return fmt.Errorf("%w at position %d: key must not contain '='", ErrInvalidEnvVar, i)
		}
		if i > 0 && envVar.Key < r.EnvironmentVars[i-1].Key {
			return ErrEnvVarsNotSorted
		}
	}

	// validate build constraints
	if r.Constraints != nil {
		if err := r.Constraints.Validate(); err != nil {
			return err
		}
	}

	// validate additional_files
	paths := make([]string, len(r.AdditionalFiles))
	for i, additionalFile := range r.AdditionalFiles {
		if !isCleanRelativePath(additionalFile.Path) {
			return fmt.Errorf("%w at position %d: %s", ErrInvalidAdditionalFilePath, i, additionalFile.Path)
		}
		paths[i] = additionalFile.Path
	}
	if err := checkSortedUnique(paths, ErrAdditionalFilesNotSorted); err != nil {
		return err
	}

	return nil
}

// Validate checks the build constraints.
func (c *BuildConstraints) Validate() error {
	// an empty system is not a constraint, it's a mistake.
	if c.System == "" {
		return ErrInvalidSystem
	}

	for i, p := range c.AvailableRoPaths {
		if !isCleanAbsolutePath(p) {
			return fmt.Errorf("%w at position %d: %s", ErrInvalidAvailableRoPaths, i, p)
		}
	}
	return checkSortedUnique(c.AvailableRoPaths, ErrAvailableRoPathsNotSorted)
}
