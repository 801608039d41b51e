package sign

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	coreerrors "github.com/davidahmann/skilltrust/core/errors"
	"github.com/davidahmann/skilltrust/core/finding"
)

var (
	ErrKeyNotConfigured = errors.New("verification key not configured")
	ErrKeyNotFound      = errors.New("verification key not found")

	errKeyEnvUnset = errors.New("key env not set")
)

// keyFileSuffixes is the lookup order for a key_id inside a key directory.
var keyFileSuffixes = []string{".pub", ".ed25519.pub", ".key.pub", ""}

type KeyConfig struct {
	PrivateKeyPath string
	PublicKeyPath  string
	PrivateKeyEnv  string
	PublicKeyEnv   string
	// KeyDir holds public keys named after their key_id.
	KeyDir string
}

// Configured reports whether any verification key source is set.
func (cfg KeyConfig) Configured() bool {
	return cfg.hasPublicSource() || cfg.hasPrivateSource() || strings.TrimSpace(cfg.KeyDir) != ""
}

func LoadSigningKey(cfg KeyConfig) (KeyPair, error) {
	if !cfg.hasPrivateSource() {
		return KeyPair{}, fmt.Errorf("signing requires a private key source")
	}
	priv, err := loadPrivateKey(cfg)
	if err != nil {
		return KeyPair{}, err
	}
	pub := priv.Public().(ed25519.PublicKey)
	if cfg.hasPublicSource() {
		loaded, err := loadPublicKey(cfg)
		if err != nil {
			return KeyPair{}, err
		}
		if !loaded.Equal(pub) {
			return KeyPair{}, fmt.Errorf("public key does not match private key")
		}
	}
	return KeyPair{Public: pub, Private: priv}, nil
}

func LoadVerifyKey(cfg KeyConfig) (ed25519.PublicKey, error) {
	if cfg.hasPublicSource() {
		return loadPublicKey(cfg)
	}
	if cfg.hasPrivateSource() {
		priv, err := loadPrivateKey(cfg)
		if err != nil {
			return nil, err
		}
		return priv.Public().(ed25519.PublicKey), nil
	}
	return nil, ErrKeyNotConfigured
}

// ResolveKey returns the verification key for keyID. An explicit key source
// wins over the key directory. A missing key is reported with code
// SIGNATURE_KEY_NOT_FOUND; a key that exists but does not parse uses
// SIGNATURE_INVALID.
func ResolveKey(cfg KeyConfig, keyID string) (ed25519.PublicKey, error) {
	if cfg.hasPublicSource() || cfg.hasPrivateSource() {
		pub, err := LoadVerifyKey(cfg)
		if err != nil {
			return nil, classifyLoadError(err)
		}
		return pub, nil
	}
	dir := strings.TrimSpace(cfg.KeyDir)
	if dir == "" {
		return nil, coreerrors.Wrap(ErrKeyNotConfigured, coreerrors.CategoryKeyUnavailable, finding.SignatureKeyNotFound, "set a public key or a key directory")
	}
	path, err := FindKeyFile(dir, keyID)
	if err != nil {
		return nil, err
	}
	pub, err := LoadPublicKeyBase64(path)
	if err != nil {
		return nil, coreerrors.WrapPath(err, coreerrors.CategoryVerification, finding.SignatureInvalid, path)
	}
	return pub, nil
}

// FindKeyFile returns the first existing file for keyID in dir, trying
// <id>.pub, <id>.ed25519.pub, <id>.key.pub and <id> in that order.
func FindKeyFile(dir, keyID string) (string, error) {
	id := strings.TrimSpace(keyID)
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) || strings.ContainsRune(id, 0) {
		return "", coreerrors.Wrap(
			fmt.Errorf("%w: unusable key_id %q", ErrKeyNotFound, keyID),
			coreerrors.CategoryKeyUnavailable,
			finding.SignatureKeyNotFound,
			"signed receipts must carry a plain key_id when verifying against a key directory",
		)
	}
	for _, suffix := range keyFileSuffixes {
		candidate := filepath.Join(dir, id+suffix)
		info, err := os.Stat(candidate)
		if err != nil || info.IsDir() {
			continue
		}
		return candidate, nil
	}
	return "", coreerrors.Wrap(
		fmt.Errorf("%w: %s in %s", ErrKeyNotFound, id, dir),
		coreerrors.CategoryKeyUnavailable,
		finding.SignatureKeyNotFound,
		"add the signer's public key to the key directory",
	)
}

func classifyLoadError(err error) error {
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, ErrKeyNotConfigured) || errors.Is(err, errKeyEnvUnset) {
		return coreerrors.Wrap(fmt.Errorf("%w: %v", ErrKeyNotFound, err), coreerrors.CategoryKeyUnavailable, finding.SignatureKeyNotFound, "check the configured key source")
	}
	return coreerrors.Wrap(err, coreerrors.CategoryVerification, finding.SignatureInvalid, "the configured key is not a base64 ed25519 key")
}

func (cfg KeyConfig) hasPrivateSource() bool {
	return cfg.PrivateKeyPath != "" || cfg.PrivateKeyEnv != ""
}

func (cfg KeyConfig) hasPublicSource() bool {
	return cfg.PublicKeyPath != "" || cfg.PublicKeyEnv != ""
}

func loadPrivateKey(cfg KeyConfig) (ed25519.PrivateKey, error) {
	if cfg.PrivateKeyPath != "" && cfg.PrivateKeyEnv != "" {
		return nil, fmt.Errorf("private key source: set either path or env")
	}
	if cfg.PrivateKeyPath != "" {
		return LoadPrivateKeyBase64(cfg.PrivateKeyPath)
	}
	if cfg.PrivateKeyEnv != "" {
		encoded, ok := readEnvValue(cfg.PrivateKeyEnv)
		if !ok {
			return nil, fmt.Errorf("private %w: %s", errKeyEnvUnset, cfg.PrivateKeyEnv)
		}
		return ParsePrivateKeyBase64(encoded)
	}
	return nil, fmt.Errorf("private key not configured")
}

func loadPublicKey(cfg KeyConfig) (ed25519.PublicKey, error) {
	if cfg.PublicKeyPath != "" && cfg.PublicKeyEnv != "" {
		return nil, fmt.Errorf("public key source: set either path or env")
	}
	if cfg.PublicKeyPath != "" {
		return LoadPublicKeyBase64(cfg.PublicKeyPath)
	}
	if cfg.PublicKeyEnv != "" {
		encoded, ok := readEnvValue(cfg.PublicKeyEnv)
		if !ok {
			return nil, fmt.Errorf("public %w: %s", errKeyEnvUnset, cfg.PublicKeyEnv)
		}
		return ParsePublicKeyBase64(encoded)
	}
	return nil, fmt.Errorf("public key not configured")
}

func readEnvValue(name string) (string, bool) {
	if name == "" {
		return "", false
	}
	val, ok := os.LookupEnv(name)
	if !ok {
		return "", false
	}
	val = strings.TrimSpace(val)
	if val == "" {
		return "", false
	}
	return val, true
}
