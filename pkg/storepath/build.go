package storepath

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"code.tvl.fyi/tvix/store-go/pkg/nixhash"
)

// ErrInvalidReference occurs when references are given outside the
// SHA-256 + recursive case. The restriction comes from upstream Nix.
var ErrInvalidReference = errors.New("invalid reference")

// CompressHash takes an arbitrarily long sequence of bytes (usually a
// hash digest), and returns a sequence of bytes of length outputSize.
//
// It's calculated by rotating through the bytes in the output buffer
// (zero-initialized), and XOR'ing with each byte of the passed input.
// This mimics equivalent functionality in C++ Nix.
func CompressHash(input []byte, outputSize int) []byte {
	output := make([]byte, outputSize)
	for i, b := range input {
		output[i%outputSize] ^= b
	}
	return output
}

// BuildTextPath builds a store path of the "text" type: a derivation,
// or a literal text file that may contain references.
func BuildTextPath(name string, content []byte, references []string) (*StorePath, error) {
	contentDigest := sha256.Sum256(content)
	contentHash, err := nixhash.New(nixhash.SHA256, contentDigest[:])
	if err != nil {
		return nil, err
	}

	return buildStorePathFromFingerprintParts(
		makeType("text", references, false),
		contentHash,
		name,
	)
}

// BuildRegularCAPath builds a "regular" content-addressed store path,
// from a flat or recursive (NAR) content hash.
//
// Outside the SHA-256 + recursive case, references and self-references
// must be empty.
func BuildRegularCAPath(name string, hash nixhash.NixHash, recursive bool, references []string, selfReference bool) (*StorePath, error) {
	if err := hash.Validate(); err != nil {
		return nil, err
	}

	if recursive && hash.Algo == nixhash.SHA256 {
		return buildStorePathFromFingerprintParts(
			makeType("source", references, selfReference),
			hash,
			name,
		)
	}

	if len(references) > 0 || selfReference {
		return nil, ErrInvalidReference
	}

	modePrefix := ""
	if recursive {
		modePrefix = "r:"
	}

	innerDigest := sha256.Sum256([]byte(
		"fixed:out:" + modePrefix + string(hash.Algo) + ":" + hex.EncodeToString(hash.Digest) + ":",
	))
	innerHash, err := nixhash.New(nixhash.SHA256, innerDigest[:])
	if err != nil {
		return nil, err
	}

	return buildStorePathFromFingerprintParts("output:out", innerHash, name)
}

// BuildCAPath builds a store path from a content-address descriptor.
func BuildCAPath(name string, ca nixhash.CAHash, references []string, selfReference bool) (*StorePath, error) {
	if err := ca.Validate(); err != nil {
		return nil, err
	}

	switch ca.Kind {
	case nixhash.CAText:
		if selfReference {
			return nil, ErrInvalidReference
		}
		return buildStorePathFromFingerprintParts(makeType("text", references, false), ca.Hash, name)
	case nixhash.CANar:
		return BuildRegularCAPath(name, ca.Hash, true, references, selfReference)
	case nixhash.CAFlat:
		return BuildRegularCAPath(name, ca.Hash, false, references, selfReference)
	default:
		return nil, fmt.Errorf("unknown CA kind: %s", ca.Kind)
	}
}

// BuildOutputPath builds an input-addressed store path.
//
// Input-addressed store paths are always derivation outputs, the
// "input" in question is the derivation and its closure.
func BuildOutputPath(drvHash nixhash.NixHash, outputName string, outputPathName string) (*StorePath, error) {
	return buildStorePathFromFingerprintParts("output:"+outputName, drvHash, outputPathName)
}

// buildStorePathFromFingerprintParts hashes the fingerprint with
// SHA-256, compresses the digest to 20 bytes, and assembles the store
// path.
func buildStorePathFromFingerprintParts(ty string, hash nixhash.NixHash, name string) (*StorePath, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	fingerprint := ty + ":" + hash.NixString() + ":" + StoreDir + ":" + name
	digest := sha256.Sum256([]byte(fingerprint))

	return &StorePath{
		Name:   name,
		Digest: CompressHash(digest[:], PathHashSize),
	}, nil
}

// makeType assembles the "type" of a fingerprint: the type string,
// references joined by ":", and an optional ":self".
func makeType(ty string, references []string, selfReference bool) string {
	var sb strings.Builder
	sb.WriteString(ty)

	for _, reference := range references {
		sb.WriteString(":")
		sb.WriteString(reference)
	}

	if selfReference {
		sb.WriteString(":self")
	}

	return sb.String()
}
