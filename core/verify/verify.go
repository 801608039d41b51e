// Package verify replays a receipt against a live bundle: file set and
// digest comparison, signature check and policy re-evaluation.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/davidahmann/skilltrust/core/bundle"
	coreerrors "github.com/davidahmann/skilltrust/core/errors"
	"github.com/davidahmann/skilltrust/core/finding"
	"github.com/davidahmann/skilltrust/core/fsx"
	"github.com/davidahmann/skilltrust/core/manifest"
	"github.com/davidahmann/skilltrust/core/policy"
	"github.com/davidahmann/skilltrust/core/receipt"
	"github.com/davidahmann/skilltrust/core/schema/v1/report"
	schemareceipt "github.com/davidahmann/skilltrust/core/schema/v1/receipt"
	"github.com/davidahmann/skilltrust/core/sign"
	"github.com/davidahmann/skilltrust/internal/logx"
)

type Options struct {
	// ReceiptPath is read when ReceiptData is nil. A path inside a bundle
	// directory is excluded from the live file set either way.
	ReceiptPath string
	ReceiptData []byte
	// BundlePath is the live bundle directory or zip archive.
	BundlePath string
	// Policy is the loaded policy file; nil means built-in profiles only.
	Policy *policy.Document
	// Profile overrides the profile recorded in the receipt.
	Profile string
	Keys    sign.KeyConfig
	// RequireSignature checks the signature even when no key is configured,
	// which then fails with SIGNATURE_KEY_NOT_FOUND.
	RequireSignature bool
	Workers          int
	Logger           *slog.Logger
}

func Verify(ctx context.Context, opts Options) (report.VerifyReport, error) {
	logger := logx.OrDiscard(opts.Logger).With("op", "verify")
	if opts.BundlePath == "" {
		return report.VerifyReport{}, coreerrors.Newf(coreerrors.CategoryInvalidInput, "bundle_required", "a live bundle path is required")
	}

	parsed, err := readReceipt(opts)
	if err != nil {
		var parseErr *receipt.ParseError
		if errors.As(err, &parseErr) {
			logger.Debug("receipt rejected", "stage", "read_receipt", "code", parseErr.Code)
			return Rejected(parseErr.Finding()), nil
		}
		return report.VerifyReport{}, err
	}
	logger.Debug("receipt parsed", "stage", "read_receipt", "files", len(parsed.Files), "bundle_sha256", parsed.BundleSHA256)

	profile, profileProblem, err := policy.ResolveRecorded(opts.Policy, opts.Profile, parsed.Policy.Profile)
	if err != nil {
		return report.VerifyReport{}, coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, "policy_profile_unknown", "choose a built-in profile or one declared in the policy file")
	}
	findings := make([]schemareceipt.Finding, 0, 8)
	if profileProblem != nil {
		findings = append(findings, *profileProblem)
	}
	logger.Debug("policy resolved", "stage", "resolve_policy", "profile", profile.Name)

	result := report.VerifyReport{
		Profile:              profile.Name,
		ExpectedBundleSHA256: parsed.BundleSHA256,
		FilesChecked:         len(parsed.Files),
	}

	live, hashed, err := hashLive(ctx, opts)
	if err != nil {
		hashProblem, ok := finding.FromError(err)
		if !ok {
			return report.VerifyReport{}, err
		}
		findings = append(findings, hashProblem)
	}
	if hashed {
		result.ActualBundleSHA256 = live.BundleSHA256
		findings = append(findings, CompareFiles(parsed.Files, live.Files)...)
		if live.BundleSHA256 != parsed.BundleSHA256 {
			findings = append(findings, finding.WithDetails(
				finding.Errorf(finding.BundleHashMismatch, "", "bundle digest does not match receipt"),
				map[string]any{"expected": parsed.BundleSHA256, "actual": live.BundleSHA256},
			))
		}
		logger.Debug("bundle compared", "stage", "compare", "bundle_sha256", live.BundleSHA256, "findings", len(findings))
	}

	signature, err := CheckSignature(parsed, opts.Keys, opts.RequireSignature)
	if err != nil {
		return report.VerifyReport{}, err
	}
	result.SignatureStatus = signature.Status
	result.PayloadSHA256 = signature.PayloadSHA256
	findings = append(findings, signature.Findings...)
	logger.Debug("signature checked", "stage", "check_signature", "status", signature.Status)

	input := policy.Input{
		RiskScore:    parsed.Scan.RiskScore,
		Entries:      parsed.Files,
		Capabilities: parsed.Scan.Capabilities,
		ScanFindings: parsed.Scan.Findings,
	}
	if hashed {
		input.Entries = live.Files
		input.ManifestBody, input.ManifestAvailable = manifest.Body(live)
	}
	decision := policy.Decide(input, profile)
	findings = append(findings, decision.Findings...)
	logger.Debug("policy evaluated", "stage", "evaluate", "verdict", decision.Verdict, "findings", len(decision.Findings))

	result.Verdict, result.Findings, result.Verified = policy.Aggregate(decision.Verdict, findings)
	result.RiskScore = decision.RiskScore
	result.Policy = &decision
	logger.Debug("verification aggregated", "stage", "aggregate", "verified", result.Verified, "verdict", result.Verdict)
	return result, nil
}

// Rejected is the report for a receipt that could not be used at all.
func Rejected(problem schemareceipt.Finding) report.VerifyReport {
	return report.VerifyReport{
		Verified:        false,
		Verdict:         schemareceipt.VerdictFail,
		RiskScore:       policy.MaxRiskScore(),
		SignatureStatus: report.SignatureSkipped,
		Findings:        []schemareceipt.Finding{problem},
	}
}

// CompareFiles reports, per expected entry, FILE_MISSING or
// FILE_HASH_MISMATCH, and FILE_EXTRA for every live-only path.
func CompareFiles(expected, actual []schemareceipt.FileEntry) []schemareceipt.Finding {
	liveByPath := make(map[string]schemareceipt.FileEntry, len(actual))
	for _, entry := range actual {
		liveByPath[entry.Path] = entry
	}
	expectedPaths := make(map[string]struct{}, len(expected))
	findings := make([]schemareceipt.Finding, 0)
	for _, want := range expected {
		expectedPaths[want.Path] = struct{}{}
		got, ok := liveByPath[want.Path]
		if !ok {
			findings = append(findings, finding.Errorf(finding.FileMissing, want.Path, "file listed in receipt is missing"))
			continue
		}
		if got.SHA256 != want.SHA256 {
			findings = append(findings, finding.WithDetails(
				finding.Errorf(finding.FileHashMismatch, want.Path, "file digest does not match receipt"),
				map[string]any{"expected": want.SHA256, "actual": got.SHA256},
			))
		}
	}
	for _, entry := range actual {
		if _, ok := expectedPaths[entry.Path]; ok {
			continue
		}
		findings = append(findings, finding.Errorf(finding.FileExtra, entry.Path, "file is not listed in receipt"))
	}
	return findings
}

type SignatureResult struct {
	Status        string
	PayloadSHA256 string
	Findings      []schemareceipt.Finding
}

// CheckSignature resolves the verification key and checks the receipt
// signature. Without a configured key source and without require, the check
// is skipped.
func CheckSignature(parsed schemareceipt.Receipt, keys sign.KeyConfig, require bool) (SignatureResult, error) {
	if !keys.Configured() && !require {
		return SignatureResult{Status: report.SignatureSkipped}, nil
	}
	if parsed.Signature == nil {
		return SignatureResult{
			Status:   report.SignatureMissing,
			Findings: []schemareceipt.Finding{finding.Errorf(finding.SignatureInvalid, "", "receipt is unsigned")},
		}, nil
	}

	pub, err := sign.ResolveKey(keys, parsed.Signature.KeyID)
	if err != nil {
		code := coreerrors.CodeOf(err)
		if code != finding.SignatureInvalid {
			code = finding.SignatureKeyNotFound
		}
		problem := finding.Errorf(code, "", "%v", err)
		if parsed.Signature.KeyID != "" {
			problem = finding.WithDetails(problem, map[string]any{"key_id": parsed.Signature.KeyID})
		}
		return SignatureResult{Status: report.SignatureFailed, Findings: []schemareceipt.Finding{problem}}, nil
	}

	check, err := receipt.VerifySignature(parsed, pub)
	if err != nil {
		return SignatureResult{}, fmt.Errorf("check receipt signature: %w", err)
	}
	if check.Valid {
		return SignatureResult{Status: report.SignatureVerified, PayloadSHA256: check.PayloadSHA256}, nil
	}
	problem := finding.Errorf(finding.SignatureInvalid, "", "%s", check.Reason)
	if check.Expected != "" && check.Expected != check.PayloadSHA256 {
		problem = finding.WithDetails(problem, map[string]any{"expected": check.Expected, "actual": check.PayloadSHA256})
	}
	return SignatureResult{
		Status:        report.SignatureFailed,
		PayloadSHA256: check.PayloadSHA256,
		Findings:      []schemareceipt.Finding{problem},
	}, nil
}

func readReceipt(opts Options) (schemareceipt.Receipt, error) {
	if opts.ReceiptData != nil {
		return receipt.Parse(opts.ReceiptData)
	}
	if opts.ReceiptPath == "" {
		return schemareceipt.Receipt{}, coreerrors.Newf(coreerrors.CategoryInvalidInput, "receipt_required", "a receipt path or receipt data is required")
	}
	return receipt.ReadFile(opts.ReceiptPath)
}

// hashLive hashes the bundle. A receipt stored inside the bundle directory is
// left out of the comparison.
func hashLive(ctx context.Context, opts Options) (bundle.Snapshot, bool, error) {
	hashOpts := bundle.Options{Workers: opts.Workers}
	if opts.ReceiptPath != "" {
		if info, err := os.Stat(opts.BundlePath); err == nil && info.IsDir() {
			if rel, inside := fsx.RelativeWithin(opts.BundlePath, opts.ReceiptPath); inside {
				hashOpts.Skip = append(hashOpts.Skip, rel)
			}
		}
	}
	snapshot, err := bundle.Hash(ctx, opts.BundlePath, hashOpts)
	if err != nil {
		return bundle.Snapshot{}, false, err
	}
	return snapshot, true, nil
}
