package projectconfig

import (
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/davidahmann/skilltrust/core/export"
	"github.com/davidahmann/skilltrust/core/gate"
	"github.com/davidahmann/skilltrust/core/policy"
	"github.com/davidahmann/skilltrust/core/receipt"
	"github.com/davidahmann/skilltrust/core/sign"
	"github.com/davidahmann/skilltrust/core/verify"
)

const DefaultPath = ".skilltrust/config.yaml"

type Config struct {
	Policy  PolicyDefaults  `yaml:"policy"`
	Keys    KeyDefaults     `yaml:"keys"`
	Hashing HashingDefaults `yaml:"hashing"`
	Export  ExportDefaults  `yaml:"export"`
}

type PolicyDefaults struct {
	Path    string `yaml:"path"`
	Profile string `yaml:"profile"`
}

type KeyDefaults struct {
	PrivateKey       string `yaml:"private_key"` // #nosec G117 -- config key name documents expected secret input.
	PrivateKeyEnv    string `yaml:"private_key_env"`
	PublicKey        string `yaml:"public_key"`
	PublicKeyEnv     string `yaml:"public_key_env"`
	KeyDir           string `yaml:"key_dir"`
	KeyID            string `yaml:"key_id"`
	RequireSignature bool   `yaml:"require_signature"`
}

type HashingDefaults struct {
	Workers int `yaml:"workers"`
}

type ExportDefaults struct {
	Profile       string `yaml:"profile"`
	Deterministic *bool  `yaml:"deterministic"`
}

func Load(path string, allowMissing bool) (Config, error) {
	trimmedPath := strings.TrimSpace(path)
	if trimmedPath == "" {
		return Config{}, fmt.Errorf("project config path is required")
	}

	// #nosec G304 -- project config path is explicit local user input.
	content, err := os.ReadFile(trimmedPath)
	if err != nil {
		if os.IsNotExist(err) && allowMissing {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("read project config: %w", err)
	}
	if len(strings.TrimSpace(string(content))) == 0 {
		return Config{}, nil
	}

	var configuration Config
	if err := yaml.UnmarshalWithOptions(content, &configuration, yaml.Strict()); err != nil {
		return Config{}, fmt.Errorf("parse project config: %w", err)
	}
	configuration.normalize()
	if configuration.Hashing.Workers < 0 {
		return Config{}, fmt.Errorf("parse project config: hashing.workers must be >= 0")
	}
	return configuration, nil
}

// PolicyDocument loads the configured policy file, or returns nil when none
// is configured.
func (configuration Config) PolicyDocument() (*policy.Document, error) {
	if configuration.Policy.Path == "" {
		return nil, nil
	}
	document, err := policy.LoadFile(configuration.Policy.Path)
	if err != nil {
		return nil, err
	}
	return &document, nil
}

// PolicyProfile resolves the configured profile, default when unset.
func (configuration Config) PolicyProfile() (policy.Profile, error) {
	document, err := configuration.PolicyDocument()
	if err != nil {
		return policy.Profile{}, err
	}
	return policy.Resolve(document, configuration.Policy.Profile)
}

// KeyConfig maps the key section onto signing and verification key sources.
func (configuration Config) KeyConfig() sign.KeyConfig {
	return sign.KeyConfig{
		PrivateKeyPath: configuration.Keys.PrivateKey,
		PublicKeyPath:  configuration.Keys.PublicKey,
		PrivateKeyEnv:  configuration.Keys.PrivateKeyEnv,
		PublicKeyEnv:   configuration.Keys.PublicKeyEnv,
		KeyDir:         configuration.Keys.KeyDir,
	}
}

// ExportDeterministic defaults to true.
func (configuration Config) ExportDeterministic() bool {
	if configuration.Export.Deterministic == nil {
		return true
	}
	return *configuration.Export.Deterministic
}

// IssueOptions prepares receipt issuance for source. The signing key is
// loaded only when a private key source is configured.
func (configuration Config) IssueOptions(source string) (receipt.IssueOptions, error) {
	profile, err := configuration.PolicyProfile()
	if err != nil {
		return receipt.IssueOptions{}, err
	}
	opts := receipt.IssueOptions{
		Source:  source,
		Profile: profile,
		KeyID:   configuration.Keys.KeyID,
		Workers: configuration.Hashing.Workers,
	}
	if configuration.Keys.PrivateKey == "" && configuration.Keys.PrivateKeyEnv == "" {
		return opts, nil
	}
	keys, err := sign.LoadSigningKey(configuration.KeyConfig())
	if err != nil {
		return receipt.IssueOptions{}, fmt.Errorf("load signing key: %w", err)
	}
	opts.SigningKey = keys.Private
	return opts, nil
}

// VerifyOptions leaves Profile empty unless one is configured, so the
// profile recorded in the receipt is replayed.
func (configuration Config) VerifyOptions(receiptPath, bundlePath string) (verify.Options, error) {
	document, err := configuration.PolicyDocument()
	if err != nil {
		return verify.Options{}, err
	}
	return verify.Options{
		ReceiptPath:      receiptPath,
		BundlePath:       bundlePath,
		Policy:           document,
		Profile:          configuration.Policy.Profile,
		Keys:             configuration.KeyConfig(),
		RequireSignature: configuration.Keys.RequireSignature,
		Workers:          configuration.Hashing.Workers,
	}, nil
}

func (configuration Config) GateScanOptions(bundlePath string) (gate.ScanOptions, error) {
	document, err := configuration.PolicyDocument()
	if err != nil {
		return gate.ScanOptions{}, err
	}
	return gate.ScanOptions{
		BundlePath: bundlePath,
		Policy:     document,
		Profile:    configuration.Policy.Profile,
		Workers:    configuration.Hashing.Workers,
	}, nil
}

func (configuration Config) GateReceiptOptions(receiptPath, bundlePath string) (gate.ReceiptOptions, error) {
	verifyOpts, err := configuration.VerifyOptions(receiptPath, bundlePath)
	if err != nil {
		return gate.ReceiptOptions{}, err
	}
	return gate.ReceiptOptions{
		ReceiptPath:      verifyOpts.ReceiptPath,
		BundlePath:       verifyOpts.BundlePath,
		Policy:           verifyOpts.Policy,
		Profile:          verifyOpts.Profile,
		Keys:             verifyOpts.Keys,
		RequireSignature: verifyOpts.RequireSignature,
		Workers:          verifyOpts.Workers,
	}, nil
}

// ExportOptions uses export.profile, falling back to the exporter default.
func (configuration Config) ExportOptions(sourceDir, outputPath string) (export.Options, error) {
	document, err := configuration.PolicyDocument()
	if err != nil {
		return export.Options{}, err
	}
	return export.Options{
		SourceDir:     sourceDir,
		OutputPath:    outputPath,
		Policy:        document,
		Profile:       configuration.Export.Profile,
		Deterministic: configuration.ExportDeterministic(),
		Workers:       configuration.Hashing.Workers,
	}, nil
}

func (configuration *Config) normalize() {
	configuration.Policy.Path = strings.TrimSpace(configuration.Policy.Path)
	configuration.Policy.Profile = strings.TrimSpace(configuration.Policy.Profile)
	configuration.Keys.PrivateKey = strings.TrimSpace(configuration.Keys.PrivateKey)
	configuration.Keys.PrivateKeyEnv = strings.TrimSpace(configuration.Keys.PrivateKeyEnv)
	configuration.Keys.PublicKey = strings.TrimSpace(configuration.Keys.PublicKey)
	configuration.Keys.PublicKeyEnv = strings.TrimSpace(configuration.Keys.PublicKeyEnv)
	configuration.Keys.KeyDir = strings.TrimSpace(configuration.Keys.KeyDir)
	configuration.Keys.KeyID = strings.TrimSpace(configuration.Keys.KeyID)
	configuration.Export.Profile = strings.TrimSpace(configuration.Export.Profile)
}
