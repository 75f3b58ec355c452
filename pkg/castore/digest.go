package castore

import (
	"fmt"

	"github.com/nix-community/go-nix/pkg/nixbase32"
)

// B3DigestSize is the number of bytes in a BLAKE3 digest as used for all
// content addressing in the castore.
const B3DigestSize = 32

// ValidateDigest ensures a digest has the expected length.
func ValidateDigest(digest []byte) error {
	if len(digest) != B3DigestSize {
		return fmt.Errorf("invalid digest length: %d", len(digest))
	}
	return nil
}

// DigestString renders a digest in the lowercase nixbase32 form used in log
// messages and URLs.
func DigestString(digest []byte) string {
	return nixbase32.EncodeToString(digest)
}
