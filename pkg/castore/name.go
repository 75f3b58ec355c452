package castore

import (
	"bytes"
)

// MaxNameLength is the maximum length of a single path component.
const MaxNameLength = 255

// IsValidName checks a name for validity.
// We disallow slashes, null bytes, '.', '..', the empty string, and
// anything longer than [MaxNameLength] bytes.
// Depending on the context, a node with an empty string as name is
// allowed, but they don't occur inside a Directory.
func IsValidName(n []byte) bool {
	if len(n) == 0 || len(n) > MaxNameLength {
		return false
	}
	if bytes.Equal(n, []byte("..")) || bytes.Equal(n, []byte{'.'}) {
		return false
	}
	if bytes.Contains(n, []byte{'\x00'}) || bytes.Contains(n, []byte{'/'}) {
		return false
	}
	return true
}
