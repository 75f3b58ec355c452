package pathinfoservice

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/nix-community/go-nix/pkg/narinfo/signature"
	log "github.com/sirupsen/logrus"
)

// SigningKey signs NAR-info fingerprints with ed25519, under a key
// name.
type SigningKey struct {
	Name string
	key  ed25519.PrivateKey
}

// PublicKey is the verifying half of a [SigningKey].
type PublicKey struct {
	Name string
	Key  ed25519.PublicKey
}

// GenerateKeypair creates a new ed25519 keypair under the given name.
func GenerateKeypair(name string) (*SigningKey, *PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to generate keypair: %w", err)
	}
	return &SigningKey{Name: name, key: priv}, &PublicKey{Name: name, Key: pub}, nil
}

// ParseSigningKey parses a secret key in the format emitted by
// nix-store --generate-binary-cache-key: "name:base64(64 byte key)".
func ParseSigningKey(s string) (*SigningKey, error) {
	name, encoded, found := strings.Cut(strings.TrimSpace(s), ":")
	if !found || name == "" {
		return nil, fmt.Errorf("invalid signing key format")
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("unable to decode signing key: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid signing key length: %d", len(raw))
	}
	return &SigningKey{Name: name, key: ed25519.PrivateKey(raw)}, nil
}

// ParsePublicKey parses a public key in the usual
// "name:base64(32 byte key)" format.
func ParsePublicKey(s string) (*PublicKey, error) {
	name, encoded, found := strings.Cut(strings.TrimSpace(s), ":")
	if !found || name == "" {
		return nil, fmt.Errorf("invalid public key format")
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("unable to decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key length: %d", len(raw))
	}
	return &PublicKey{Name: name, Key: ed25519.PublicKey(raw)}, nil
}

// String renders the key in the "name:base64" format.
func (k *SigningKey) String() string {
	return k.Name + ":" + base64.StdEncoding.EncodeToString(k.key)
}

func (k *PublicKey) String() string {
	return k.Name + ":" + base64.StdEncoding.EncodeToString(k.Key)
}

// Sign signs a fingerprint, returning a narinfo signature.
func (k *SigningKey) Sign(fingerprint string) signature.Signature {
	return signature.Signature{
		Name: k.Name,
		Data: ed25519.Sign(k.key, []byte(fingerprint)),
	}
}

// Verify checks a signature over a fingerprint. The signature must
// carry this key's name, and its bytes must verify under the key.
func (k *PublicKey) Verify(fingerprint string, sig signature.Signature) bool {
	if sig.Name != k.Name {
		return false
	}
	if len(sig.Data) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(k.Key, []byte(fingerprint), sig.Data)
}

// VerifyPathInfo checks whether any signature on the PathInfo verifies
// under any of the given public keys.
func VerifyPathInfo(pathInfo *PathInfo, publicKeys []*PublicKey) (bool, error) {
	fingerprint, err := pathInfo.Fingerprint()
	if err != nil {
		return false, err
	}

	for _, sig := range pathInfo.Narinfo.Signatures {
		for _, publicKey := range publicKeys {
			if publicKey.Verify(fingerprint, sig) {
				return true, nil
			}
		}
	}
	return false, nil
}

// SigningPathInfoService wraps an inner PathInfoService; every PathInfo
// put is signed over its fingerprint, and the signature is appended
// before handing it to the inner service.
// PathInfos without narinfo metadata are passed through unsigned.
type SigningPathInfoService struct {
	inner      PathInfoService
	signingKey *SigningKey
}

var _ PathInfoService = &SigningPathInfoService{}

func NewSigningPathInfoService(inner PathInfoService, signingKey *SigningKey) *SigningPathInfoService {
	return &SigningPathInfoService{inner: inner, signingKey: signingKey}
}

func (s *SigningPathInfoService) Get(ctx context.Context, outputDigest []byte) (*PathInfo, error) {
	return s.inner.Get(ctx, outputDigest)
}

func (s *SigningPathInfoService) Put(ctx context.Context, pathInfo *PathInfo) (*PathInfo, error) {
	if pathInfo.Narinfo != nil {
		fingerprint, err := pathInfo.Fingerprint()
		if err != nil {
			return nil, err
		}

		// existing signatures are kept, ours is appended.
		pathInfo.Narinfo.Signatures = append(pathInfo.Narinfo.Signatures, s.signingKey.Sign(fingerprint))
		log.WithField("key", s.signingKey.Name).Debug("signed PathInfo")
	}

	return s.inner.Put(ctx, pathInfo)
}
