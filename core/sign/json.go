package sign

import (
	"crypto/ed25519"

	"github.com/davidahmann/skilltrust/core/jcs"
)

// DigestJSON is the sha256 hex of the RFC 8785 form of input.
func DigestJSON(input []byte) (string, error) {
	return jcs.DigestJCS(input)
}

// SignJSON canonicalizes input and signs its digest. It returns the digest
// that was signed along with the base64 signature.
func SignJSON(priv ed25519.PrivateKey, input []byte) (string, string, error) {
	digest, err := DigestJSON(input)
	if err != nil {
		return "", "", err
	}
	sig, err := SignDigestHex(priv, digest)
	if err != nil {
		return "", "", err
	}
	return digest, sig, nil
}
