package sign

import (
	"crypto/ed25519"
	"encoding/base64"
	"path/filepath"
	"strings"
	"testing"

	"github.com/davidahmann/skilltrust/internal/testutil"
)

const sampleDigest = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func TestSignVerifyDigestHex(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	sig, err := SignDigestHex(kp.Private, sampleDigest)
	if err != nil {
		t.Fatalf("sign digest: %v", err)
	}
	ok, err := VerifyDigestHex(kp.Public, sampleDigest, sig)
	if err != nil {
		t.Fatalf("verify digest: %v", err)
	}
	if !ok {
		t.Fatalf("expected signature to verify")
	}

	other := strings.Repeat("b", 64)
	ok, err = VerifyDigestHex(kp.Public, other, sig)
	if err != nil || ok {
		t.Fatalf("expected different digest to fail verification: ok=%v err=%v", ok, err)
	}
}

func TestVerifyDigestHexWrongKey(t *testing.T) {
	kp1, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	kp2, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	sig, err := SignDigestHex(kp1.Private, sampleDigest)
	if err != nil {
		t.Fatalf("sign digest: %v", err)
	}
	ok, err := VerifyDigestHex(kp2.Public, sampleDigest, sig)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected verification to fail with wrong key")
	}
}

func TestSignDigestHexRejectsMalformedInput(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	if _, err := SignDigestHex(kp.Private, "zz"); err == nil {
		t.Fatalf("expected invalid hex error")
	}
	if _, err := SignDigestHex(kp.Private, "abcd"); err == nil {
		t.Fatalf("expected digest length error")
	}
	if _, err := VerifyDigestHex(kp.Public, sampleDigest, "not-base64"); err == nil {
		t.Fatalf("expected signature decode error")
	}
	short := base64.StdEncoding.EncodeToString([]byte("short"))
	if _, err := VerifyDigestHex(kp.Public, sampleDigest, short); err == nil {
		t.Fatalf("expected signature length error")
	}
}

func TestKeyIDIsStable(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	if KeyID(kp.Public) != KeyID(kp.Public) || len(KeyID(kp.Public)) != 64 {
		t.Fatalf("unexpected key id: %s", KeyID(kp.Public))
	}
}

func TestParseKeyBase64Invalid(t *testing.T) {
	if _, err := ParsePrivateKeyBase64("not-base64"); err == nil {
		t.Fatalf("expected error for invalid private key")
	}
	if _, err := ParsePublicKeyBase64("not-base64"); err == nil {
		t.Fatalf("expected error for invalid public key")
	}
	short := base64.StdEncoding.EncodeToString([]byte("short"))
	if _, err := ParsePrivateKeyBase64(short); err == nil {
		t.Fatalf("expected error for short private key")
	}
	if _, err := ParsePublicKeyBase64(short); err == nil {
		t.Fatalf("expected error for short public key")
	}
}

func TestParsePrivateKeyFromSeed(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	priv, err := ParsePrivateKeyBase64(base64.StdEncoding.EncodeToString(kp.Private.Seed()))
	if err != nil {
		t.Fatalf("parse seed: %v", err)
	}
	if !priv.Equal(kp.Private) {
		t.Fatalf("seed did not expand to the same key")
	}
}

func TestLoadKeysFromFiles(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	dir := t.TempDir()
	privPath := filepath.Join(dir, "signer.key")
	pubPath := filepath.Join(dir, "signer.pub")
	testutil.WriteFile(t, privPath, []byte(base64.StdEncoding.EncodeToString(kp.Private)+"\n"))
	testutil.WriteFile(t, pubPath, []byte("  "+base64.StdEncoding.EncodeToString(kp.Public)+"\n"))

	priv, err := LoadPrivateKeyBase64(privPath)
	if err != nil {
		t.Fatalf("load private: %v", err)
	}
	pub, err := LoadPublicKeyBase64(pubPath)
	if err != nil {
		t.Fatalf("load public: %v", err)
	}
	if !priv.Equal(kp.Private) || !ed25519.PublicKey(pub).Equal(kp.Public) {
		t.Fatalf("loaded keys mismatch")
	}
	if _, err := LoadPublicKeyBase64(filepath.Join(dir, "missing.pub")); err == nil {
		t.Fatalf("expected missing file error")
	}
}
