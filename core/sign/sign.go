package sign

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
)

const AlgEd25519 = "ed25519"

type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{Public: pub, Private: priv}, nil
}

// KeyID is the hex sha256 of the raw public key.
func KeyID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

// SignDigestHex signs the 32 raw digest bytes and returns the base64 signature.
func SignDigestHex(priv ed25519.PrivateKey, digestHex string) (string, error) {
	digest, err := decodeDigest(digestHex)
	if err != nil {
		return "", err
	}
	if len(priv) != ed25519.PrivateKeySize {
		return "", fmt.Errorf("invalid private key length: %d", len(priv))
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, digest)), nil
}

// VerifyDigestHex reports whether sigBase64 is a valid signature of the digest.
// Malformed input is an error; a well-formed but wrong signature is false.
func VerifyDigestHex(pub ed25519.PublicKey, digestHex, sigBase64 string) (bool, error) {
	digest, err := decodeDigest(digestHex)
	if err != nil {
		return false, err
	}
	if len(pub) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid public key length: %d", len(pub))
	}
	rawSig, err := base64.StdEncoding.DecodeString(sigBase64)
	if err != nil {
		return false, fmt.Errorf("decode sig: %w", err)
	}
	if len(rawSig) != ed25519.SignatureSize {
		return false, fmt.Errorf("invalid signature length: %d", len(rawSig))
	}
	return ed25519.Verify(pub, digest, rawSig), nil
}

func decodeDigest(digestHex string) ([]byte, error) {
	digest, err := hex.DecodeString(digestHex)
	if err != nil {
		return nil, fmt.Errorf("decode digest: %w", err)
	}
	if len(digest) != sha256.Size {
		return nil, fmt.Errorf("invalid digest length: %d", len(digest))
	}
	return digest, nil
}

func LoadPrivateKeyBase64(path string) (ed25519.PrivateKey, error) {
	// #nosec G304 -- caller supplies local key path by design
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	return ParsePrivateKeyBase64(string(bytes.TrimSpace(b)))
}

func LoadPublicKeyBase64(path string) (ed25519.PublicKey, error) {
	// #nosec G304 -- caller supplies local key path by design
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	return ParsePublicKeyBase64(string(bytes.TrimSpace(b)))
}

func ParsePrivateKeyBase64(encoded string) (ed25519.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	switch len(raw) {
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	default:
		return nil, fmt.Errorf("invalid private key length: %d", len(raw))
	}
}

func ParsePublicKeyBase64(encoded string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if l := len(raw); l != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key length: %d", l)
	}
	return ed25519.PublicKey(raw), nil
}
