package policy

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/davidahmann/skilltrust/core/finding"
	"github.com/davidahmann/skilltrust/core/jcs"
	schemareceipt "github.com/davidahmann/skilltrust/core/schema/v1/receipt"
)

const DefaultProfileName = "default"

type CapabilityMode string

const (
	ModeAllow           CapabilityMode = "allow"
	ModeBlock           CapabilityMode = "block"
	ModeRequireApproval CapabilityMode = "require_approval"
)

// Constraints are evaluated independently of the risk verdict. A zero limit
// disables that constraint.
type Constraints struct {
	ExactlyOneManifest    bool   `json:"exactly_one_manifest"`
	BundleSizeLimitBytes  uint64 `json:"bundle_size_limit_bytes"`
	FileSizeLimitBytes    uint64 `json:"file_size_limit_bytes"`
	MaxManifestTokensWarn int    `json:"max_manifest_tokens_warn"`
	MaxManifestTokensFail int    `json:"max_manifest_tokens_fail"`
}

// Profile is a fully resolved policy: every field has its final value.
type Profile struct {
	Name         string                    `json:"name"`
	Gates        schemareceipt.Gates       `json:"gates"`
	Capabilities map[string]CapabilityMode `json:"capabilities"`
	Constraints  Constraints               `json:"constraints"`
}

// Document is a parsed policy file: optional top-level settings plus named
// profile overlays.
type Document struct {
	base     layer
	profiles map[string]layer
}

type layer struct {
	Gates        *gatesLayer               `yaml:"gates"`
	Capabilities map[string]capabilityRule `yaml:"capabilities"`
	Constraints  *constraintsLayer         `yaml:"constraints"`
}

type gatesLayer struct {
	MaxRiskScore  *int      `yaml:"max_risk_score"`
	AllowVerdicts *[]string `yaml:"allow_verdicts"`
}

type constraintsLayer struct {
	ExactlyOneManifest    *bool  `yaml:"exactly_one_manifest"`
	BundleSizeLimitBytes  *int64 `yaml:"bundle_size_limit_bytes"`
	FileSizeLimitBytes    *int64 `yaml:"file_size_limit_bytes"`
	MaxManifestTokensWarn *int   `yaml:"max_manifest_tokens_warn"`
	MaxManifestTokensFail *int   `yaml:"max_manifest_tokens_fail"`
}

type fileDocument struct {
	Gates        *gatesLayer               `yaml:"gates"`
	Capabilities map[string]capabilityRule `yaml:"capabilities"`
	Constraints  *constraintsLayer         `yaml:"constraints"`
	Profiles     map[string]layer          `yaml:"profiles"`
}

// capabilityRule accepts either `network: block` or `network: {mode: block}`.
type capabilityRule struct {
	Mode CapabilityMode
}

func (rule *capabilityRule) UnmarshalYAML(unmarshal func(any) error) error {
	var raw any
	if err := unmarshal(&raw); err != nil {
		return err
	}
	switch value := raw.(type) {
	case string:
		rule.Mode = CapabilityMode(value)
	case map[string]any:
		for key := range value {
			if key != "mode" {
				return fmt.Errorf("unknown capability rule field: %s", key)
			}
		}
		mode, ok := value["mode"].(string)
		if !ok {
			return fmt.Errorf("capability rule mode must be a string")
		}
		rule.Mode = CapabilityMode(mode)
	default:
		return fmt.Errorf("capability rule must be a mode string or an object with mode")
	}
	return nil
}

var builtinProfiles = map[string]Profile{
	"default": {
		Name:         "default",
		Capabilities: map[string]CapabilityMode{},
		Constraints: Constraints{
			ExactlyOneManifest:    true,
			MaxManifestTokensWarn: 8000,
		},
	},
	"strict": {
		Name: "strict",
		Gates: schemareceipt.Gates{
			MaxRiskScore:  intPtr(29),
			AllowVerdicts: []schemareceipt.Verdict{schemareceipt.VerdictPass},
		},
		Capabilities: map[string]CapabilityMode{
			"credentials": ModeBlock,
			"exec":        ModeRequireApproval,
		},
		Constraints: Constraints{
			ExactlyOneManifest:    true,
			BundleSizeLimitBytes:  10 * 1024 * 1024,
			FileSizeLimitBytes:    2 * 1024 * 1024,
			MaxManifestTokensWarn: 5000,
			MaxManifestTokensFail: 20000,
		},
	},
	"ci": {
		Name: "ci",
		Gates: schemareceipt.Gates{
			MaxRiskScore:  intPtr(59),
			AllowVerdicts: []schemareceipt.Verdict{schemareceipt.VerdictPass, schemareceipt.VerdictWarn},
		},
		Capabilities: map[string]CapabilityMode{},
		Constraints: Constraints{
			ExactlyOneManifest:    true,
			BundleSizeLimitBytes:  50 * 1024 * 1024,
			FileSizeLimitBytes:    10 * 1024 * 1024,
			MaxManifestTokensWarn: 8000,
			MaxManifestTokensFail: 32000,
		},
	},
}

// BuiltinNames lists the profiles available without a policy file.
func BuiltinNames() []string {
	names := make([]string, 0, len(builtinProfiles))
	for name := range builtinProfiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func BuiltinProfile(name string) (Profile, bool) {
	profile, ok := builtinProfiles[strings.TrimSpace(name)]
	if !ok {
		return Profile{}, false
	}
	return profile.clone(), true
}

func LoadFile(path string) (Document, error) {
	// #nosec G304 -- policy path is explicit local user input.
	content, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("read policy: %w", err)
	}
	document, err := Parse(content)
	if err != nil {
		return Document{}, fmt.Errorf("%s: %w", path, err)
	}
	return document, nil
}

// Parse reads a YAML or JSON policy document. Unknown keys are rejected.
func Parse(data []byte) (Document, error) {
	var parsed fileDocument
	if len(strings.TrimSpace(string(data))) > 0 {
		if err := yaml.UnmarshalWithOptions(data, &parsed, yaml.Strict()); err != nil {
			return Document{}, fmt.Errorf("parse policy: %w", err)
		}
	}
	document := Document{
		base: layer{
			Gates:        parsed.Gates,
			Capabilities: parsed.Capabilities,
			Constraints:  parsed.Constraints,
		},
		profiles: make(map[string]layer, len(parsed.Profiles)),
	}
	if err := document.base.validate("top-level"); err != nil {
		return Document{}, err
	}
	for name, overlay := range parsed.Profiles {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			return Document{}, fmt.Errorf("profile name is required")
		}
		if err := overlay.validate("profile " + trimmed); err != nil {
			return Document{}, err
		}
		document.profiles[trimmed] = overlay
	}
	return document, nil
}

// ProfileNames returns the built-in names plus those declared in the document.
func (document Document) ProfileNames() []string {
	names := BuiltinNames()
	for name := range document.profiles {
		names = append(names, name)
	}
	return uniqueSorted(names)
}

// Profile merges built-in defaults (when name is built in), the top-level
// layer and the named overlay, in that order.
func (document Document) Profile(name string) (Profile, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultProfileName
	}
	resolved, builtin := BuiltinProfile(name)
	overlay, declared := document.profiles[name]
	if !builtin && !declared {
		return Profile{}, fmt.Errorf("unknown policy profile: %s", name)
	}
	if !builtin {
		resolved = Profile{
			Name:         name,
			Capabilities: map[string]CapabilityMode{},
			Constraints:  Constraints{ExactlyOneManifest: true},
		}
	}
	resolved = document.base.apply(resolved)
	if declared {
		resolved = overlay.apply(resolved)
	}
	return resolved, nil
}

// Resolve picks a profile from document, or from the built-ins when document
// is nil.
func Resolve(document *Document, name string) (Profile, error) {
	if document != nil {
		return document.Profile(name)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultProfileName
	}
	profile, ok := BuiltinProfile(name)
	if !ok {
		return Profile{}, fmt.Errorf("unknown policy profile: %s", name)
	}
	return profile, nil
}

// Digest is the sha256 of the profile's canonical JSON form.
func Digest(profile Profile) (string, error) {
	digest, err := jcs.DigestValue(profile)
	if err != nil {
		return "", fmt.Errorf("digest policy profile: %w", err)
	}
	return digest, nil
}

func (current layer) validate(scope string) error {
	if current.Gates != nil {
		if current.Gates.MaxRiskScore != nil {
			value := *current.Gates.MaxRiskScore
			if value < 0 || value > 100 {
				return fmt.Errorf("%s: gates.max_risk_score must be within [0,100], got %d", scope, value)
			}
		}
		if current.Gates.AllowVerdicts != nil {
			for _, raw := range *current.Gates.AllowVerdicts {
				if !schemareceipt.Verdict(normalizeVerdict(raw)).Valid() {
					return fmt.Errorf("%s: invalid verdict in gates.allow_verdicts: %q", scope, raw)
				}
			}
		}
	}
	for name, rule := range current.Capabilities {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("%s: capability name is required", scope)
		}
		switch normalizeMode(rule.Mode) {
		case ModeAllow, ModeBlock, ModeRequireApproval:
		default:
			return fmt.Errorf("%s: invalid mode %q for capability %s", scope, rule.Mode, name)
		}
	}
	if constraints := current.Constraints; constraints != nil {
		if constraints.ExactlyOneManifest != nil && !*constraints.ExactlyOneManifest {
			return fmt.Errorf("%s: constraints.exactly_one_manifest cannot be disabled", scope)
		}
		if constraints.BundleSizeLimitBytes != nil && *constraints.BundleSizeLimitBytes < 0 {
			return fmt.Errorf("%s: constraints.bundle_size_limit_bytes must be >= 0", scope)
		}
		if constraints.FileSizeLimitBytes != nil && *constraints.FileSizeLimitBytes < 0 {
			return fmt.Errorf("%s: constraints.file_size_limit_bytes must be >= 0", scope)
		}
		if constraints.MaxManifestTokensWarn != nil && *constraints.MaxManifestTokensWarn < 0 {
			return fmt.Errorf("%s: constraints.max_manifest_tokens_warn must be >= 0", scope)
		}
		if constraints.MaxManifestTokensFail != nil && *constraints.MaxManifestTokensFail < 0 {
			return fmt.Errorf("%s: constraints.max_manifest_tokens_fail must be >= 0", scope)
		}
	}
	return nil
}

// apply overwrites only the keys this layer sets.
func (current layer) apply(profile Profile) Profile {
	output := profile.clone()
	if current.Gates != nil {
		if current.Gates.MaxRiskScore != nil {
			output.Gates.MaxRiskScore = intPtr(*current.Gates.MaxRiskScore)
		}
		if current.Gates.AllowVerdicts != nil {
			verdicts := make([]schemareceipt.Verdict, 0, len(*current.Gates.AllowVerdicts))
			for _, raw := range uniqueSorted(mapStrings(*current.Gates.AllowVerdicts, normalizeVerdict)) {
				verdicts = append(verdicts, schemareceipt.Verdict(raw))
			}
			output.Gates.AllowVerdicts = sortVerdicts(verdicts)
		}
	}
	for name, rule := range current.Capabilities {
		output.Capabilities[normalizeCapability(name)] = normalizeMode(rule.Mode)
	}
	if constraints := current.Constraints; constraints != nil {
		if constraints.BundleSizeLimitBytes != nil {
			output.Constraints.BundleSizeLimitBytes = uint64(*constraints.BundleSizeLimitBytes)
		}
		if constraints.FileSizeLimitBytes != nil {
			output.Constraints.FileSizeLimitBytes = uint64(*constraints.FileSizeLimitBytes)
		}
		if constraints.MaxManifestTokensWarn != nil {
			output.Constraints.MaxManifestTokensWarn = *constraints.MaxManifestTokensWarn
		}
		if constraints.MaxManifestTokensFail != nil {
			output.Constraints.MaxManifestTokensFail = *constraints.MaxManifestTokensFail
		}
	}
	output.Constraints.ExactlyOneManifest = true
	return output
}

func (profile Profile) clone() Profile {
	output := profile
	if profile.Gates.MaxRiskScore != nil {
		output.Gates.MaxRiskScore = intPtr(*profile.Gates.MaxRiskScore)
	}
	if profile.Gates.AllowVerdicts != nil {
		output.Gates.AllowVerdicts = append([]schemareceipt.Verdict(nil), profile.Gates.AllowVerdicts...)
	}
	output.Capabilities = make(map[string]CapabilityMode, len(profile.Capabilities))
	for name, mode := range profile.Capabilities {
		output.Capabilities[name] = mode
	}
	return output
}

func normalizeVerdict(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

func normalizeMode(mode CapabilityMode) CapabilityMode {
	return CapabilityMode(strings.ToLower(strings.TrimSpace(string(mode))))
}

func normalizeCapability(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func sortVerdicts(verdicts []schemareceipt.Verdict) []schemareceipt.Verdict {
	sort.Slice(verdicts, func(i, j int) bool { return verdicts[i].Rank() < verdicts[j].Rank() })
	return verdicts
}

func mapStrings(values []string, transform func(string) string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		out = append(out, transform(value))
	}
	return out
}

func uniqueSorted(values []string) []string {
	if len(values) == 0 {
		return []string{}
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	sort.Strings(out)
	return out
}

func intPtr(value int) *int {
	return &value
}

// ResolveRecorded picks the profile for replaying a receipt: requested wins,
// then the profile recorded in the receipt, then default. An unknown
// requested name is an error. An unknown recorded name falls back to default
// and is reported as a POLICY_VIOLATION finding.
func ResolveRecorded(document *Document, requested, recorded string) (Profile, *schemareceipt.Finding, error) {
	if name := strings.TrimSpace(requested); name != "" {
		profile, err := Resolve(document, name)
		return profile, nil, err
	}
	name := strings.TrimSpace(recorded)
	if name == "" {
		profile, err := Resolve(document, DefaultProfileName)
		return profile, nil, err
	}
	profile, err := Resolve(document, name)
	if err == nil {
		return profile, nil, nil
	}
	fallback, fallbackErr := Resolve(document, DefaultProfileName)
	if fallbackErr != nil {
		return Profile{}, nil, fallbackErr
	}
	problem := finding.WithDetails(
		finding.Errorf(finding.PolicyViolation, "", "receipt policy profile %q is not available locally", name),
		map[string]any{"profile": name},
	)
	return fallback, &problem, nil
}
