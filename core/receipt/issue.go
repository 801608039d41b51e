// Package receipt issues, signs, parses and checks skill bundle receipts.
package receipt

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/davidahmann/skilltrust/core/bundle"
	coreerrors "github.com/davidahmann/skilltrust/core/errors"
	"github.com/davidahmann/skilltrust/core/finding"
	"github.com/davidahmann/skilltrust/core/fsx"
	"github.com/davidahmann/skilltrust/core/manifest"
	"github.com/davidahmann/skilltrust/core/policy"
	"github.com/davidahmann/skilltrust/core/scan"
	schemareceipt "github.com/davidahmann/skilltrust/core/schema/v1/receipt"
	"github.com/davidahmann/skilltrust/internal/logx"
)

type IssueOptions struct {
	// Source is a bundle directory or zip archive.
	Source  string
	Profile policy.Profile
	// Scanner supplies capabilities and the risk score. Nil means an empty
	// report with zero risk.
	Scanner         scan.Scanner
	SigningKey      ed25519.PrivateKey
	KeyID           string
	ProducerVersion string
	Workers         int
	Logger          *slog.Logger
}

// Issue hashes the bundle, runs the scanner and the policy engine and
// assembles a receipt, signed when a signing key is supplied.
func Issue(ctx context.Context, opts IssueOptions) (schemareceipt.Receipt, error) {
	logger := logx.OrDiscard(opts.Logger).With("op", "receipt.issue")
	if opts.Profile.Name == "" {
		return schemareceipt.Receipt{}, coreerrors.Newf(coreerrors.CategoryInvalidInput, "profile_required", "a resolved policy profile is required")
	}

	snapshot, err := bundle.Hash(ctx, opts.Source, bundle.Options{Workers: opts.Workers})
	if err != nil {
		return schemareceipt.Receipt{}, err
	}
	logger.Debug("bundle hashed", "stage", "hash", "files", len(snapshot.Files), "bundle_sha256", snapshot.BundleSHA256)

	manifestEntry, problem := manifest.Locate(snapshot.Files)
	if problem != nil {
		return schemareceipt.Receipt{}, coreerrors.Wrap(
			fmt.Errorf("%s", problem.Message),
			coreerrors.CategoryInvalidInput,
			finding.ConstraintManifestCount,
			"a receipt can only be issued for a bundle with exactly one manifest",
		)
	}

	scanner := opts.Scanner
	if scanner == nil {
		scanner = scan.Static{}
	}
	report, err := scanner.Scan(ctx, snapshot)
	if err != nil {
		return schemareceipt.Receipt{}, coreerrors.Wrap(fmt.Errorf("scan bundle: %w", err), coreerrors.CategoryInternal, "scan_failed", "")
	}
	report = scan.Normalize(report)
	report.RiskScore = policy.NormalizeRiskScore(report.RiskScore)
	logger.Debug("bundle scanned", "stage", "scan", "capabilities", report.Capabilities, "total", report.RiskScore.Total)

	body, readErr := snapshot.ReadFile(manifestEntry.Path)
	decision := policy.Decide(policy.Input{
		RiskScore:         report.RiskScore,
		Entries:           snapshot.Files,
		Capabilities:      report.Capabilities,
		ManifestBody:      body,
		ManifestAvailable: readErr == nil,
		ScanFindings:      report.Findings,
	}, opts.Profile)
	logger.Debug("policy decided", "stage", "decide", "verdict", decision.Verdict, "findings", len(decision.Findings))

	issued := schemareceipt.Receipt{
		ContractVersion: schemareceipt.ContractVersion,
		ProducerVersion: opts.ProducerVersion,
		BundleSHA256:    snapshot.BundleSHA256,
		Files:           snapshot.Files,
		Manifest:        manifestEntry,
		Scan:            report,
		Policy:          decision,
	}
	if len(opts.SigningKey) == 0 {
		return issued, nil
	}
	signed, err := Sign(issued, opts.SigningKey, opts.KeyID)
	if err != nil {
		return schemareceipt.Receipt{}, err
	}
	logger.Debug("receipt signed", "stage", "sign", "payload_sha256", signed.Signature.PayloadSHA256)
	return signed, nil
}

// Marshal renders a receipt as indented JSON with a trailing newline.
func Marshal(value schemareceipt.Receipt) ([]byte, error) {
	encoded, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal receipt: %w", err)
	}
	return append(encoded, '\n'), nil
}

func Write(path string, value schemareceipt.Receipt) error {
	encoded, err := Marshal(value)
	if err != nil {
		return err
	}
	if err := fsx.WriteFileAtomic(path, encoded, 0o600); err != nil {
		return coreerrors.Wrap(fmt.Errorf("write receipt: %w", err), coreerrors.CategoryIOFailure, "receipt_write_failed", "check the output directory")
	}
	return nil
}
