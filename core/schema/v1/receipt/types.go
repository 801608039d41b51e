package receipt

import (
	"encoding/json"
	"fmt"
	"math"
)

const (
	ContractVersion     = "1"
	SignatureAlgEd25519 = "ed25519"
)

type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// Rank orders severities; unknown values rank below info.
func (s Severity) Rank() int {
	switch s {
	case SeverityError:
		return 3
	case SeverityWarn:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

type Verdict string

const (
	VerdictPass Verdict = "PASS"
	VerdictWarn Verdict = "WARN"
	VerdictFail Verdict = "FAIL"
)

// Rank orders verdicts by severity; unknown values rank as FAIL.
func (v Verdict) Rank() int {
	switch v {
	case VerdictPass:
		return 0
	case VerdictWarn:
		return 1
	default:
		return 2
	}
}

func (v Verdict) Valid() bool {
	return v == VerdictPass || v == VerdictWarn || v == VerdictFail
}

type FileEntry struct {
	Path   string `json:"path"`
	Size   uint64 `json:"size"`
	SHA256 string `json:"sha256"`
}

type Finding struct {
	Code     string         `json:"code"`
	Severity Severity       `json:"severity"`
	Message  string         `json:"message"`
	Path     string         `json:"path,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
}

type RiskScore struct {
	BaseRisk    int `json:"base_risk"`
	ChangeRisk  int `json:"change_risk"`
	PolicyDelta int `json:"policy_delta"`
	Total       int `json:"total"`
}

// UnmarshalJSON accepts any JSON number and rounds it to the nearest integer.
// Range clamping happens in the policy engine.
func (score *RiskScore) UnmarshalJSON(data []byte) error {
	var raw struct {
		BaseRisk    *float64 `json:"base_risk"`
		ChangeRisk  *float64 `json:"change_risk"`
		PolicyDelta *float64 `json:"policy_delta"`
		Total       *float64 `json:"total"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Total == nil {
		return fmt.Errorf("risk_score.total is required")
	}
	*score = RiskScore{
		BaseRisk:    roundScore(raw.BaseRisk),
		ChangeRisk:  roundScore(raw.ChangeRisk),
		PolicyDelta: roundScore(raw.PolicyDelta),
		Total:       roundScore(raw.Total),
	}
	return nil
}

func roundScore(value *float64) int {
	if value == nil || math.IsNaN(*value) {
		return 0
	}
	rounded := math.Round(*value)
	if rounded > math.MaxInt32 {
		return math.MaxInt32
	}
	if rounded < math.MinInt32 {
		return math.MinInt32
	}
	return int(rounded)
}

type Thresholds struct {
	PassMax int `json:"pass_max"`
	WarnMax int `json:"warn_max"`
}

type Gates struct {
	MaxRiskScore  *int      `json:"max_risk_score,omitempty"`
	AllowVerdicts []Verdict `json:"allow_verdicts,omitempty"`
}

type PolicyDecision struct {
	Profile      string     `json:"profile"`
	PolicyDigest string     `json:"policy_digest,omitempty"`
	Verdict      Verdict    `json:"verdict"`
	Thresholds   Thresholds `json:"thresholds"`
	Gates        *Gates     `json:"gates,omitempty"`
	RiskScore    RiskScore  `json:"risk_score"`
	Findings     []Finding  `json:"findings"`
}

type ScanReport struct {
	Capabilities []string  `json:"capabilities"`
	RiskScore    RiskScore `json:"risk_score"`
	Summary      string    `json:"summary"`
	Findings     []Finding `json:"findings"`
}

type Signature struct {
	Alg           string `json:"alg"`
	PayloadSHA256 string `json:"payload_sha256"`
	Sig           string `json:"sig"`
	KeyID         string `json:"key_id,omitempty"`
}

type Receipt struct {
	ContractVersion string         `json:"contract_version"`
	ProducerVersion string         `json:"producer_version,omitempty"`
	BundleSHA256    string         `json:"bundle_sha256"`
	Files           []FileEntry    `json:"files"`
	Manifest        FileEntry      `json:"manifest"`
	Scan            ScanReport     `json:"scan"`
	Policy          PolicyDecision `json:"policy"`
	Signature       *Signature     `json:"signature,omitempty"`
}
