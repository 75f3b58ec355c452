// Package nixhash models the hashes Nix uses for content addressing:
// a digest of one of four algorithms, optionally paired with a hashing
// mode (flat, recursive, text).
package nixhash

import (
	"fmt"
	"strings"

	"github.com/nix-community/go-nix/pkg/nixbase32"
)

// Algo is one of the hash algorithms Nix supports.
type Algo string

const (
	MD5    Algo = "md5"
	SHA1   Algo = "sha1"
	SHA256 Algo = "sha256"
	SHA512 Algo = "sha512"
)

// DigestSize returns the number of bytes in a digest of this
// algorithm.
func (a Algo) DigestSize() int {
	switch a {
	case MD5:
		return 16
	case SHA1:
		return 20
	case SHA256:
		return 32
	case SHA512:
		return 64
	default:
		panic(fmt.Sprintf("invalid algo: %s", a))
	}
}

// ParseAlgo parses an algorithm name.
func ParseAlgo(s string) (Algo, error) {
	switch s {
	case "md5":
		return MD5, nil
	case "sha1":
		return SHA1, nil
	case "sha256":
		return SHA256, nil
	case "sha512":
		return SHA512, nil
	default:
		return "", fmt.Errorf("unknown hash algo: %s", s)
	}
}

// NixHash is a digest together with the algorithm that produced it.
type NixHash struct {
	Algo   Algo
	Digest []byte
}

// New constructs a NixHash, validating the digest length.
func New(algo Algo, digest []byte) (NixHash, error) {
	if _, err := ParseAlgo(string(algo)); err != nil {
		return NixHash{}, err
	}
	if len(digest) != algo.DigestSize() {
		return NixHash{}, fmt.Errorf("invalid digest length for %s: %d", algo, len(digest))
	}
	return NixHash{Algo: algo, Digest: digest}, nil
}

// Validate checks the digest length matches the algorithm.
func (h NixHash) Validate() error {
	if _, err := ParseAlgo(string(h.Algo)); err != nil {
		return err
	}
	if len(h.Digest) != h.Algo.DigestSize() {
		return fmt.Errorf("invalid digest length for %s: %d", h.Algo, len(h.Digest))
	}
	return nil
}

// NixString renders the hash the way Nix prints it, "algo:nixbase32".
func (h NixHash) NixString() string {
	return string(h.Algo) + ":" + nixbase32.EncodeToString(h.Digest)
}

// ParseNixBase32 parses the "algo:nixbase32" form.
func ParseNixBase32(s string) (NixHash, error) {
	algoStr, digestStr, found := strings.Cut(s, ":")
	if !found {
		return NixHash{}, fmt.Errorf("invalid hash string: %s", s)
	}
	algo, err := ParseAlgo(algoStr)
	if err != nil {
		return NixHash{}, err
	}
	digest, err := nixbase32.DecodeString(digestStr)
	if err != nil {
		return NixHash{}, fmt.Errorf("invalid nixbase32 digest: %w", err)
	}
	return New(algo, digest)
}

// CAKind says how contents were hashed to produce a content address.
type CAKind string

const (
	// CAFlat hashes the file contents as-is.
	CAFlat CAKind = "flat"
	// CANar hashes the NAR serialization of the contents.
	CANar CAKind = "nar"
	// CAText is the scheme used for text files with references,
	// always SHA-256.
	CAText CAKind = "text"
)

// CAHash is a content-address descriptor.
type CAHash struct {
	Kind CAKind
	Hash NixHash
}

// Validate checks the descriptor is well-formed for its algorithm.
func (c CAHash) Validate() error {
	switch c.Kind {
	case CAFlat, CANar:
		// any algorithm goes.
	case CAText:
		if c.Hash.Algo != SHA256 {
			return fmt.Errorf("text hashing is always sha256, got %s", c.Hash.Algo)
		}
	default:
		return fmt.Errorf("unknown CA kind: %s", c.Kind)
	}
	return c.Hash.Validate()
}

// String renders the descriptor the way .narinfo files carry it in
// their CA field.
func (c CAHash) String() string {
	switch c.Kind {
	case CAFlat:
		return "fixed:" + c.Hash.NixString()
	case CANar:
		return "fixed:r:" + c.Hash.NixString()
	case CAText:
		return "text:" + c.Hash.NixString()
	default:
		panic(fmt.Sprintf("unknown CA kind: %s", c.Kind))
	}
}

// ParseCAString parses the textual content-address descriptor.
func ParseCAString(s string) (CAHash, error) {
	prefix, rest, found := strings.Cut(s, ":")
	if !found {
		return CAHash{}, fmt.Errorf("invalid CA string: %s", s)
	}

	var kind CAKind
	switch prefix {
	case "text":
		kind = CAText
	case "fixed":
		if strings.HasPrefix(rest, "r:") {
			kind = CANar
			rest = strings.TrimPrefix(rest, "r:")
		} else {
			kind = CAFlat
		}
	default:
		return CAHash{}, fmt.Errorf("invalid CA prefix: %s", prefix)
	}

	hash, err := ParseNixBase32(rest)
	if err != nil {
		return CAHash{}, err
	}

	ca := CAHash{Kind: kind, Hash: hash}
	if err := ca.Validate(); err != nil {
		return CAHash{}, err
	}
	return ca, nil
}
