package receipt

import (
	"crypto/ed25519"
	"fmt"

	coreerrors "github.com/davidahmann/skilltrust/core/errors"
	"github.com/davidahmann/skilltrust/core/jcs"
	"github.com/davidahmann/skilltrust/core/sign"
	schemareceipt "github.com/davidahmann/skilltrust/core/schema/v1/receipt"
)

type SignatureCheck struct {
	Valid bool
	// PayloadSHA256 is the digest recomputed from the receipt.
	PayloadSHA256 string
	// Expected is the digest recorded in the signature block.
	Expected string
	Reason   string
}

// PayloadBytes is the canonical JSON of the receipt without its signature.
func PayloadBytes(value schemareceipt.Receipt) ([]byte, error) {
	value.Signature = nil
	payload, err := jcs.CanonicalJSON(value)
	if err != nil {
		return nil, fmt.Errorf("canonicalize receipt: %w", err)
	}
	return payload, nil
}

func PayloadSHA256(value schemareceipt.Receipt) (string, error) {
	payload, err := PayloadBytes(value)
	if err != nil {
		return "", err
	}
	return jcs.SHA256Hex(payload), nil
}

// Sign returns a copy of value carrying an ed25519 signature over its payload
// digest. Any existing signature is replaced.
func Sign(value schemareceipt.Receipt, priv ed25519.PrivateKey, keyID string) (schemareceipt.Receipt, error) {
	payload, err := PayloadBytes(value)
	if err != nil {
		return schemareceipt.Receipt{}, coreerrors.Wrap(err, coreerrors.CategoryInternal, "receipt_canonicalize_failed", "")
	}
	digest, sig, err := sign.SignJSON(priv, payload)
	if err != nil {
		return schemareceipt.Receipt{}, coreerrors.Wrap(fmt.Errorf("sign receipt: %w", err), coreerrors.CategoryInvalidInput, "receipt_sign_failed", "check the signing key")
	}
	value.Signature = &schemareceipt.Signature{
		Alg:           schemareceipt.SignatureAlgEd25519,
		PayloadSHA256: digest,
		Sig:           sig,
		KeyID:         keyID,
	}
	return value, nil
}

// VerifySignature recomputes the payload digest and checks it against the
// signature block, then verifies the signature with pub. A digest mismatch
// is reported without attempting the cryptographic check.
func VerifySignature(value schemareceipt.Receipt, pub ed25519.PublicKey) (SignatureCheck, error) {
	digest, err := PayloadSHA256(value)
	if err != nil {
		return SignatureCheck{}, coreerrors.Wrap(err, coreerrors.CategoryInternal, "receipt_canonicalize_failed", "")
	}
	check := SignatureCheck{PayloadSHA256: digest}
	signature := value.Signature
	if signature == nil {
		check.Reason = "receipt is unsigned"
		return check, nil
	}
	check.Expected = signature.PayloadSHA256
	if signature.Alg != schemareceipt.SignatureAlgEd25519 {
		check.Reason = fmt.Sprintf("unsupported signature alg: %s", signature.Alg)
		return check, nil
	}
	if signature.PayloadSHA256 != digest {
		check.Reason = fmt.Sprintf("payload digest mismatch: signed %s, computed %s", signature.PayloadSHA256, digest)
		return check, nil
	}
	ok, err := sign.VerifyDigestHex(pub, digest, signature.Sig)
	if err != nil {
		check.Reason = err.Error()
		return check, nil
	}
	if !ok {
		check.Reason = "signature does not verify with the resolved key"
		return check, nil
	}
	check.Valid = true
	return check, nil
}
