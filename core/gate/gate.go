// Package gate decides whether a bundle may pass, either from a fresh scan of
// the live bundle or from a previously issued receipt.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/davidahmann/skilltrust/core/bundle"
	coreerrors "github.com/davidahmann/skilltrust/core/errors"
	"github.com/davidahmann/skilltrust/core/finding"
	"github.com/davidahmann/skilltrust/core/manifest"
	"github.com/davidahmann/skilltrust/core/policy"
	"github.com/davidahmann/skilltrust/core/receipt"
	"github.com/davidahmann/skilltrust/core/scan"
	"github.com/davidahmann/skilltrust/core/schema/v1/report"
	schemareceipt "github.com/davidahmann/skilltrust/core/schema/v1/receipt"
	"github.com/davidahmann/skilltrust/core/sign"
	"github.com/davidahmann/skilltrust/core/verify"
	"github.com/davidahmann/skilltrust/internal/logx"
)

type ScanOptions struct {
	BundlePath string
	Policy     *policy.Document
	// Profile defaults to the built-in default profile.
	Profile string
	// Scanner nil means an empty report with zero risk.
	Scanner scan.Scanner
	Workers int
	Logger  *slog.Logger
}

type ReceiptOptions struct {
	ReceiptPath string
	ReceiptData []byte
	// BundlePath, when set, is fully verified against the receipt first.
	BundlePath       string
	Policy           *policy.Document
	Profile          string
	Keys             sign.KeyConfig
	RequireSignature bool
	Workers          int
	Logger           *slog.Logger
}

func FromScan(ctx context.Context, opts ScanOptions) (report.GateReport, error) {
	logger := logx.OrDiscard(opts.Logger).With("op", "gate.scan")
	profile, err := policy.Resolve(opts.Policy, opts.Profile)
	if err != nil {
		return report.GateReport{}, unknownProfile(err)
	}

	snapshot, err := bundle.Hash(ctx, opts.BundlePath, bundle.Options{Workers: opts.Workers})
	if err != nil {
		problem, ok := finding.FromError(err)
		if !ok {
			return report.GateReport{}, err
		}
		logger.Debug("bundle rejected", "stage", "hash", "code", problem.Code)
		return rejected(report.GateSourceScan, profile.Name, problem), nil
	}
	logger.Debug("bundle hashed", "stage", "hash", "files", len(snapshot.Files), "bundle_sha256", snapshot.BundleSHA256)

	scanner := opts.Scanner
	if scanner == nil {
		scanner = scan.Static{}
	}
	scanned, err := scanner.Scan(ctx, snapshot)
	if err != nil {
		return report.GateReport{}, coreerrors.Wrap(fmt.Errorf("scan bundle: %w", err), coreerrors.CategoryInternal, "scan_failed", "")
	}
	scanned = scan.Normalize(scanned)

	body, available := manifest.Body(snapshot)
	decision := policy.Decide(policy.Input{
		RiskScore:         scanned.RiskScore,
		Entries:           snapshot.Files,
		Capabilities:      scanned.Capabilities,
		ManifestBody:      body,
		ManifestAvailable: available,
		ScanFindings:      scanned.Findings,
	}, profile)
	logger.Debug("policy decided", "stage", "decide", "verdict", decision.Verdict, "findings", len(decision.Findings))

	result := report.GateReport{
		Source:       report.GateSourceScan,
		Profile:      profile.Name,
		RiskScore:    decision.RiskScore,
		BundleSHA256: snapshot.BundleSHA256,
		Capabilities: policy.NormalizeCapabilities(scanned.Capabilities),
		Policy:       &decision,
	}
	result.Verdict, result.Findings, result.Passed = policy.Aggregate(decision.Verdict, decision.Findings)
	return result, nil
}

// FromReceipt gates on a stored receipt. With a live bundle the receipt is
// verified first, and a failed verification is returned as is.
func FromReceipt(ctx context.Context, opts ReceiptOptions) (report.GateReport, error) {
	logger := logx.OrDiscard(opts.Logger).With("op", "gate.receipt")
	if opts.ReceiptData == nil && opts.ReceiptPath == "" {
		return report.GateReport{}, coreerrors.Newf(coreerrors.CategoryInvalidInput, "receipt_required", "a receipt path or receipt data is required")
	}

	data, problem := readReceiptData(opts)
	if problem != nil {
		return rejected(report.GateSourceReceipt, "", *problem), nil
	}
	parsed, err := receipt.Parse(data)
	if err != nil {
		var parseErr *receipt.ParseError
		if errors.As(err, &parseErr) {
			logger.Debug("receipt rejected", "stage", "read_receipt", "code", parseErr.Code)
			return rejected(report.GateSourceReceipt, "", parseErr.Finding()), nil
		}
		return report.GateReport{}, err
	}

	result := report.GateReport{
		Source:       report.GateSourceReceipt,
		BundleSHA256: parsed.BundleSHA256,
		Capabilities: policy.NormalizeCapabilities(parsed.Scan.Capabilities),
	}

	if opts.BundlePath != "" {
		verification, err := verify.Verify(ctx, verify.Options{
			ReceiptPath:      opts.ReceiptPath,
			ReceiptData:      data,
			BundlePath:       opts.BundlePath,
			Policy:           opts.Policy,
			Profile:          opts.Profile,
			Keys:             opts.Keys,
			RequireSignature: opts.RequireSignature,
			Workers:          opts.Workers,
			Logger:           opts.Logger,
		})
		if err != nil {
			return report.GateReport{}, err
		}
		logger.Debug("bundle verified", "stage", "verify", "verified", verification.Verified)
		result.Verification = &verification
		result.Profile = verification.Profile
		result.RiskScore = verification.RiskScore
		result.Policy = verification.Policy
		result.Passed = verification.Verified
		result.Verdict = verification.Verdict
		result.Findings = verification.Findings
		if !verification.Verified {
			result.Verdict = schemareceipt.VerdictFail
		}
		return result, nil
	}

	profile, profileProblem, err := policy.ResolveRecorded(opts.Policy, opts.Profile, parsed.Policy.Profile)
	if err != nil {
		return report.GateReport{}, unknownProfile(err)
	}
	findings := make([]schemareceipt.Finding, 0, 4)
	if profileProblem != nil {
		findings = append(findings, *profileProblem)
	}
	signature, err := verify.CheckSignature(parsed, opts.Keys, opts.RequireSignature)
	if err != nil {
		return report.GateReport{}, err
	}
	findings = append(findings, signature.Findings...)
	logger.Debug("signature checked", "stage", "check_signature", "status", signature.Status)

	decision := policy.Decide(policy.Input{
		RiskScore:    parsed.Scan.RiskScore,
		Entries:      parsed.Files,
		Capabilities: parsed.Scan.Capabilities,
		ScanFindings: parsed.Scan.Findings,
	}, profile)
	findings = append(findings, decision.Findings...)
	logger.Debug("policy decided", "stage", "decide", "verdict", decision.Verdict, "findings", len(decision.Findings))

	result.Profile = profile.Name
	result.RiskScore = decision.RiskScore
	result.Policy = &decision
	result.Verdict, result.Findings, result.Passed = policy.Aggregate(decision.Verdict, findings)
	return result, nil
}

func readReceiptData(opts ReceiptOptions) ([]byte, *schemareceipt.Finding) {
	if opts.ReceiptData != nil {
		return opts.ReceiptData, nil
	}
	// #nosec G304 -- receipt path is explicit local user input.
	data, err := os.ReadFile(opts.ReceiptPath)
	if err != nil {
		problem := finding.Errorf(finding.ReceiptParseError, "", "read receipt: %v", err)
		return nil, &problem
	}
	return data, nil
}

func rejected(source, profile string, problem schemareceipt.Finding) report.GateReport {
	return report.GateReport{
		Passed:       false,
		Source:       source,
		Verdict:      schemareceipt.VerdictFail,
		Profile:      profile,
		RiskScore:    policy.MaxRiskScore(),
		Capabilities: []string{},
		Findings:     []schemareceipt.Finding{problem},
	}
}

func unknownProfile(err error) error {
	return coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, "policy_profile_unknown", "choose a built-in profile or one declared in the policy file")
}
