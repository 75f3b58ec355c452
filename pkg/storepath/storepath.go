// Package storepath parses, validates and derives Nix store paths.
package storepath

import (
	"fmt"
	"path"
	"strings"

	"github.com/nix-community/go-nix/pkg/nixbase32"
)

const (
	// StoreDir is the path to the Nix store.
	StoreDir = "/nix/store"

	// PathHashSize is the size of the hash part of a store path, in
	// bytes.
	PathHashSize = 20

	// MaxNameLength is the maximum length of the name part.
	MaxNameLength = 211
)

// encodedPathHashSize is the length of the hash part in its nixbase32
// form.
var encodedPathHashSize = nixbase32.EncodedLen(PathHashSize)

// StorePath represents a path in the Nix store, decomposed into its
// hash part and name.
type StorePath struct {
	Name   string
	Digest []byte
}

// String returns a StorePath without the leading store directory,
// "<nixbase32 digest>-<name>".
func (s *StorePath) String() string {
	return nixbase32.EncodeToString(s.Digest) + "-" + s.Name
}

// Absolute returns the absolute form, "/nix/store/<digest>-<name>".
func (s *StorePath) Absolute() string {
	return path.Join(StoreDir, s.String())
}

// Validate checks the digest length and the name.
func (s *StorePath) Validate() error {
	if len(s.Digest) != PathHashSize {
		return fmt.Errorf("invalid digest length: %d", len(s.Digest))
	}
	return ValidateName(s.Name)
}

// ValidateName checks the name part of a store path: a restricted
// character set, and a bounded length.
func ValidateName(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("name must not be empty")
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("name too long: %d", len(name))
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case 'a' <= c && c <= 'z':
		case 'A' <= c && c <= 'Z':
		case '0' <= c && c <= '9':
		case c == '+' || c == '-' || c == '.' || c == '_' || c == '?' || c == '=':
		default:
			return fmt.Errorf("invalid character %q in name %q at position %d", c, name, i)
		}
	}
	return nil
}

// FromString parses a store path from its base name,
// "<nixbase32 digest>-<name>".
func FromString(s string) (*StorePath, error) {
	if len(s) < encodedPathHashSize+1 {
		return nil, fmt.Errorf("unable to parse, too short: %s", s)
	}
	if s[encodedPathHashSize] != '-' {
		return nil, fmt.Errorf("unable to parse, expected dash after hash part: %s", s)
	}

	digest, err := nixbase32.DecodeString(s[:encodedPathHashSize])
	if err != nil {
		return nil, fmt.Errorf("unable to decode hash part: %w", err)
	}

	storePath := &StorePath{
		Name:   s[encodedPathHashSize+1:],
		Digest: digest,
	}
	if err := storePath.Validate(); err != nil {
		return nil, err
	}
	return storePath, nil
}

// FromAbsolutePath parses an absolute store path,
// "/nix/store/<digest>-<name>".
func FromAbsolutePath(s string) (*StorePath, error) {
	rest, found := strings.CutPrefix(s, StoreDir+"/")
	if !found {
		return nil, fmt.Errorf("path %s doesn't start with %s/", s, StoreDir)
	}
	return FromString(rest)
}
