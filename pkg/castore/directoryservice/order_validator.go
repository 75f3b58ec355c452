package directoryservice

import (
	"code.tvl.fyi/tvix/store-go/pkg/castore"
	log "github.com/sirupsen/logrus"
)

// OrderValidator is a state machine fed with directories one at a time,
// accepting or rejecting them based on the order they appear in.
type OrderValidator interface {
	// AddDirectory updates the validator's state with the directory,
	// and returns whether it was accepted.
	AddDirectory(directory *castore.Directory) bool
}

// RootToLeavesValidator validates that newly introduced directories are
// already referenced from the root via previously seen directories.
// Commonly used when receiving a directory closure from a store.
type RootToLeavesValidator struct {
	// Only the first insert is validated against the root digest; from
	// then on, this contains all digests allowed to appear next.
	expectedDigests map[string]struct{}
}

var _ OrderValidator = &RootToLeavesValidator{}

// NewRootToLeavesValidator validates the first directory received
// against the given root digest.
func NewRootToLeavesValidator(rootDigest []byte) *RootToLeavesValidator {
	v := &RootToLeavesValidator{
		expectedDigests: make(map[string]struct{}),
	}
	if len(rootDigest) > 0 {
		v.expectedDigests[string(rootDigest)] = struct{}{}
	}
	return v
}

// DigestAllowed checks if a directory with the given digest may appear
// next.
func (v *RootToLeavesValidator) DigestAllowed(digest []byte) bool {
	if len(v.expectedDigests) == 0 {
		// we don't know the root node; allow any.
		return true
	}
	_, found := v.expectedDigests[string(digest)]
	return found
}

// AddDirectoryUnchecked updates the validator's state with the
// directory, without checking [RootToLeavesValidator.DigestAllowed]
// first.
func (v *RootToLeavesValidator) AddDirectoryUnchecked(directory *castore.Directory) error {
	// No initial root was specified and this is the first directory.
	if len(v.expectedDigests) == 0 {
		digest, err := directory.Digest()
		if err != nil {
			return err
		}
		v.expectedDigests[string(digest)] = struct{}{}
	}

	// Allow the children to appear next.
	for _, child := range directory.Directories {
		v.expectedDigests[string(child.Digest)] = struct{}{}
	}
	return nil
}

func (v *RootToLeavesValidator) AddDirectory(directory *castore.Directory) bool {
	digest, err := directory.Digest()
	if err != nil {
		return false
	}
	if !v.DigestAllowed(digest) {
		return false
	}
	if err := v.AddDirectoryUnchecked(directory); err != nil {
		return false
	}
	return true
}

// LeavesToRootValidator validates that newly uploaded directories only
// reference directories which have already been introduced.
// Commonly used when uploading a directory closure to a store.
type LeavesToRootValidator struct {
	// This is empty in the beginning, and gets filled as leaves and
	// intermediates are inserted.
	allowedReferences map[string]struct{}
}

var _ OrderValidator = &LeavesToRootValidator{}

func NewLeavesToRootValidator() *LeavesToRootValidator {
	return &LeavesToRootValidator{
		allowedReferences: make(map[string]struct{}),
	}
}

func (v *LeavesToRootValidator) AddDirectory(directory *castore.Directory) bool {
	digest, err := directory.Digest()
	if err != nil {
		return false
	}

	for _, child := range directory.Directories {
		if _, found := v.allowedReferences[string(child.Digest)]; !found {
			log.WithFields(log.Fields{
				"directory_digest":    castore.DigestString(digest),
				"subdirectory_digest": castore.DigestString(child.Digest),
			}).Warn("unexpected directory reference")
			return false
		}
	}

	v.allowedReferences[string(digest)] = struct{}{}

	return true
}
