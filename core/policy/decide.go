package policy

import (
	"strings"

	"github.com/davidahmann/skilltrust/core/finding"
	"github.com/davidahmann/skilltrust/core/manifest"
	schemareceipt "github.com/davidahmann/skilltrust/core/schema/v1/receipt"
)

const (
	PassMax = 29
	WarnMax = 59
)

var DefaultThresholds = schemareceipt.Thresholds{PassMax: PassMax, WarnMax: WarnMax}

type Input struct {
	RiskScore    schemareceipt.RiskScore
	Entries      []schemareceipt.FileEntry
	Capabilities []string
	// ManifestBody is only consulted when ManifestAvailable is set; token
	// constraints are skipped otherwise.
	ManifestBody      []byte
	ManifestAvailable bool
	// ScanFindings are the scanner's own findings. Any error among them is
	// escalated to a POLICY_VIOLATION.
	ScanFindings []schemareceipt.Finding
}

type ConstraintInput struct {
	Entries           []schemareceipt.FileEntry
	ManifestBody      []byte
	ManifestAvailable bool
}

// Decide evaluates input against profile. The returned verdict reflects the
// risk thresholds and gates only; constraint, capability and escalated
// scanner findings are reported but left to the caller to aggregate.
func Decide(input Input, profile Profile) schemareceipt.PolicyDecision {
	risk := NormalizeRiskScore(input.RiskScore)
	verdict := VerdictForTotal(risk.Total)
	findings := make([]schemareceipt.Finding, 0, 4)

	if limit := profile.Gates.MaxRiskScore; limit != nil && risk.Total > *limit {
		verdict = schemareceipt.VerdictFail
		findings = append(findings, finding.WithDetails(
			finding.Errorf(finding.PolicyMaxRiskExceeded, "", "risk score %d exceeds max_risk_score %d", risk.Total, *limit),
			map[string]any{"max_risk_score": *limit, "total": risk.Total},
		))
	}
	if allowed := profile.Gates.AllowVerdicts; len(allowed) > 0 && !containsVerdict(allowed, verdict) {
		findings = append(findings, finding.WithDetails(
			finding.Errorf(finding.PolicyVerdictNotAllowed, "", "verdict %s is not in allow_verdicts %s", verdict, joinVerdicts(allowed)),
			map[string]any{"verdict": string(verdict)},
		))
		verdict = schemareceipt.VerdictFail
	}

	findings = append(findings, EvaluateConstraints(ConstraintInput{
		Entries:           input.Entries,
		ManifestBody:      input.ManifestBody,
		ManifestAvailable: input.ManifestAvailable,
	}, profile.Constraints)...)
	findings = append(findings, EvaluateCapabilities(input.Capabilities, profile)...)
	findings = append(findings, EvaluateScanFindings(input.ScanFindings)...)

	digest, err := Digest(profile)
	if err != nil {
		digest = ""
	}
	var gates *schemareceipt.Gates
	if profile.Gates.MaxRiskScore != nil || len(profile.Gates.AllowVerdicts) > 0 {
		copied := profile.clone().Gates
		gates = &copied
	}
	return schemareceipt.PolicyDecision{
		Profile:      profile.Name,
		PolicyDigest: digest,
		Verdict:      verdict,
		Thresholds:   DefaultThresholds,
		Gates:        gates,
		RiskScore:    risk,
		Findings:     finding.Sorted(findings),
	}
}

// EvaluateConstraints checks manifest cardinality, size limits and manifest
// token limits. Each constraint is independent.
func EvaluateConstraints(input ConstraintInput, constraints Constraints) []schemareceipt.Finding {
	findings := make([]schemareceipt.Finding, 0)

	if _, problem := manifest.Locate(input.Entries); problem != nil {
		findings = append(findings, *problem)
	}

	if limit := constraints.BundleSizeLimitBytes; limit > 0 {
		var total uint64
		for _, entry := range input.Entries {
			total += entry.Size
		}
		if total > limit {
			findings = append(findings, finding.WithDetails(
				finding.Errorf(finding.ConstraintBundleSizeLimit, "", "bundle size %d bytes exceeds limit %d", total, limit),
				map[string]any{"limit_bytes": limit, "size_bytes": total},
			))
		}
	}

	if limit := constraints.FileSizeLimitBytes; limit > 0 {
		for _, entry := range input.Entries {
			if entry.Size <= limit {
				continue
			}
			findings = append(findings, finding.WithDetails(
				finding.Errorf(finding.ConstraintFileSizeLimit, entry.Path, "file size %d bytes exceeds limit %d", entry.Size, limit),
				map[string]any{"limit_bytes": limit, "size_bytes": entry.Size},
			))
		}
	}

	if input.ManifestAvailable && (constraints.MaxManifestTokensWarn > 0 || constraints.MaxManifestTokensFail > 0) {
		tokens := CountTokens(input.ManifestBody)
		manifestPath := ""
		if entry, problem := manifest.Locate(input.Entries); problem == nil {
			manifestPath = entry.Path
		}
		switch {
		case constraints.MaxManifestTokensFail > 0 && tokens > constraints.MaxManifestTokensFail:
			findings = append(findings, finding.WithDetails(
				finding.Errorf(finding.ConstraintTokenLimitFail, manifestPath, "manifest has %d tokens, limit %d", tokens, constraints.MaxManifestTokensFail),
				map[string]any{"limit": constraints.MaxManifestTokensFail, "tokens": tokens},
			))
		case constraints.MaxManifestTokensWarn > 0 && tokens > constraints.MaxManifestTokensWarn:
			findings = append(findings, finding.WithDetails(
				finding.Warnf(finding.ConstraintTokenLimitWarn, manifestPath, "manifest has %d tokens, warning threshold %d", tokens, constraints.MaxManifestTokensWarn),
				map[string]any{"limit": constraints.MaxManifestTokensWarn, "tokens": tokens},
			))
		}
	}
	return finding.Sorted(findings)
}

// EvaluateCapabilities applies capability rules. No approval store exists, so
// require_approval always yields a missing-approval finding.
func EvaluateCapabilities(capabilities []string, profile Profile) []schemareceipt.Finding {
	findings := make([]schemareceipt.Finding, 0)
	for _, capability := range NormalizeCapabilities(capabilities) {
		switch profile.Capabilities[capability] {
		case ModeBlock:
			findings = append(findings, finding.WithDetails(
				finding.Errorf(finding.PolicyCapabilityBlocked, "", "capability %s is blocked by profile %s", capability, profile.Name),
				map[string]any{"capability": capability},
			))
		case ModeRequireApproval:
			findings = append(findings, finding.WithDetails(
				finding.Errorf(finding.RequiredApprovalMissing, "", "capability %s requires approval under profile %s", capability, profile.Name),
				map[string]any{"capability": capability},
			))
		}
	}
	return finding.Sorted(findings)
}

// EvaluateScanFindings returns one POLICY_VIOLATION error naming the codes of
// every error-severity scanner finding, or nothing when there are none.
func EvaluateScanFindings(scanFindings []schemareceipt.Finding) []schemareceipt.Finding {
	codes := make([]string, 0)
	paths := make([]string, 0)
	for _, item := range scanFindings {
		if item.Severity != schemareceipt.SeverityError {
			continue
		}
		codes = append(codes, item.Code)
		if item.Path != "" {
			paths = append(paths, item.Path)
		}
	}
	if len(codes) == 0 {
		return []schemareceipt.Finding{}
	}
	codes = finding.UniqueSorted(codes)
	details := map[string]any{"scan_findings": codes}
	if paths = finding.UniqueSorted(paths); len(paths) > 0 {
		details["paths"] = paths
	}
	return []schemareceipt.Finding{finding.WithDetails(
		finding.Errorf(finding.PolicyViolation, "", "scanner reported error findings: %s", strings.Join(codes, ",")),
		details,
	)}
}

// NormalizeCapabilities lower-cases, trims, deduplicates and sorts.
func NormalizeCapabilities(capabilities []string) []string {
	return uniqueSorted(mapStrings(capabilities, normalizeCapability))
}

func VerdictForTotal(total int) schemareceipt.Verdict {
	switch {
	case total <= PassMax:
		return schemareceipt.VerdictPass
	case total <= WarnMax:
		return schemareceipt.VerdictWarn
	default:
		return schemareceipt.VerdictFail
	}
}

// NormalizeRiskScore clamps every component to [0,100]. Total is never
// derived from the other components.
func NormalizeRiskScore(score schemareceipt.RiskScore) schemareceipt.RiskScore {
	return schemareceipt.RiskScore{
		BaseRisk:    clampScore(score.BaseRisk),
		ChangeRisk:  clampScore(score.ChangeRisk),
		PolicyDelta: clampScore(score.PolicyDelta),
		Total:       clampScore(score.Total),
	}
}

// MaxRiskScore is the score reported for input that could not be evaluated.
func MaxRiskScore() schemareceipt.RiskScore {
	return schemareceipt.RiskScore{BaseRisk: 100, Total: 100}
}

// CountTokens counts Unicode-whitespace-separated fields.
func CountTokens(body []byte) int {
	return len(strings.Fields(string(body)))
}

func clampScore(value int) int {
	if value < 0 {
		return 0
	}
	if value > 100 {
		return 100
	}
	return value
}

func containsVerdict(values []schemareceipt.Verdict, target schemareceipt.Verdict) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}

func joinVerdicts(values []schemareceipt.Verdict) string {
	parts := make([]string, 0, len(values))
	for _, value := range values {
		parts = append(parts, string(value))
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// Aggregate folds pipeline findings into a final verdict. Any error finding
// forces FAIL, and a FAIL carrying no error finding gains a POLICY_VIOLATION
// so the verdict and the passed flag always agree.
func Aggregate(verdict schemareceipt.Verdict, findings []schemareceipt.Finding) (schemareceipt.Verdict, []schemareceipt.Finding, bool) {
	out := append([]schemareceipt.Finding(nil), findings...)
	if !verdict.Valid() {
		verdict = schemareceipt.VerdictFail
	}
	if finding.HasError(out) {
		verdict = schemareceipt.VerdictFail
	}
	if verdict == schemareceipt.VerdictFail && !finding.HasError(out) {
		out = append(out, finding.Errorf(finding.PolicyViolation, "", "verdict is FAIL"))
	}
	return verdict, finding.Sorted(out), !finding.HasError(out)
}
