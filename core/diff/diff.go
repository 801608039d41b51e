// Package diff compares two bundles, two receipts, or one of each.
package diff

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/davidahmann/skilltrust/core/bundle"
	coreerrors "github.com/davidahmann/skilltrust/core/errors"
	"github.com/davidahmann/skilltrust/core/finding"
	"github.com/davidahmann/skilltrust/core/policy"
	"github.com/davidahmann/skilltrust/core/receipt"
	"github.com/davidahmann/skilltrust/core/scan"
	"github.com/davidahmann/skilltrust/core/schema/v1/report"
	schemareceipt "github.com/davidahmann/skilltrust/core/schema/v1/receipt"
	"github.com/davidahmann/skilltrust/internal/logx"
)

type Options struct {
	// Scanner supplies capabilities and findings for bundle sides. Without
	// it a bundle side contributes files only.
	Scanner scan.Scanner
	Workers int
	Logger  *slog.Logger
}

// Side is one operand resolved to its file list and identifier sets.
type Side struct {
	Kind         string
	Ref          string
	BundleSHA256 string
	Files        []schemareceipt.FileEntry
	Capabilities []string
	FindingCodes []string
}

func Diff(ctx context.Context, left, right string, opts Options) (report.DiffReport, error) {
	logger := logx.OrDiscard(opts.Logger).With("op", "diff")
	leftSide, err := ResolveSide(ctx, left, opts)
	if err != nil {
		return report.DiffReport{}, fmt.Errorf("resolve left side: %w", err)
	}
	rightSide, err := ResolveSide(ctx, right, opts)
	if err != nil {
		return report.DiffReport{}, fmt.Errorf("resolve right side: %w", err)
	}
	result := Compare(leftSide, rightSide)
	logger.Debug("sides compared", "stage", "compare",
		"added", len(result.Added), "removed", len(result.Removed), "modified", len(result.Modified), "unchanged", result.Unchanged)
	return result, nil
}

// ResolveSide loads ref as a directory, a zip archive or a receipt. A regular
// file is a receipt when it has a .json extension or starts with a JSON
// object.
func ResolveSide(ctx context.Context, ref string, opts Options) (Side, error) {
	info, err := os.Stat(ref)
	if err != nil {
		return Side{}, coreerrors.Wrap(fmt.Errorf("stat %s: %w", ref, err), coreerrors.CategoryIOFailure, "diff_side_unreadable", "check the path")
	}
	if !info.IsDir() {
		isReceipt, err := looksLikeReceipt(ref)
		if err != nil {
			return Side{}, err
		}
		if isReceipt {
			return receiptSide(ref)
		}
	}
	return bundleSide(ctx, ref, opts)
}

// Compare joins both file lists by path. Every list in the report is sorted.
func Compare(left, right Side) report.DiffReport {
	leftByPath := make(map[string]schemareceipt.FileEntry, len(left.Files))
	for _, entry := range left.Files {
		leftByPath[entry.Path] = entry
	}
	rightByPath := make(map[string]schemareceipt.FileEntry, len(right.Files))
	for _, entry := range right.Files {
		rightByPath[entry.Path] = entry
	}

	result := report.DiffReport{
		Left:     describe(left),
		Right:    describe(right),
		Added:    make([]schemareceipt.FileEntry, 0),
		Removed:  make([]schemareceipt.FileEntry, 0),
		Modified: make([]report.FileChange, 0),
	}
	for _, entry := range right.Files {
		if _, ok := leftByPath[entry.Path]; !ok {
			result.Added = append(result.Added, entry)
		}
	}
	for _, before := range left.Files {
		after, ok := rightByPath[before.Path]
		if !ok {
			result.Removed = append(result.Removed, before)
			continue
		}
		if before.SHA256 == after.SHA256 {
			result.Unchanged++
			continue
		}
		result.Modified = append(result.Modified, report.FileChange{
			Path:         before.Path,
			BeforeSHA256: before.SHA256,
			AfterSHA256:  after.SHA256,
			BeforeSize:   before.Size,
			AfterSize:    after.Size,
		})
	}
	result.Added = bundle.SortEntries(result.Added)
	result.Removed = bundle.SortEntries(result.Removed)
	sort.Slice(result.Modified, func(i, j int) bool {
		return result.Modified[i].Path < result.Modified[j].Path
	})

	leftCapabilities := policy.NormalizeCapabilities(left.Capabilities)
	rightCapabilities := policy.NormalizeCapabilities(right.Capabilities)
	result.CapabilitiesAdded = difference(rightCapabilities, leftCapabilities)
	result.CapabilitiesRemoved = difference(leftCapabilities, rightCapabilities)

	leftCodes := finding.UniqueSorted(left.FindingCodes)
	rightCodes := finding.UniqueSorted(right.FindingCodes)
	result.FindingsAdded = difference(rightCodes, leftCodes)
	result.FindingsRemoved = difference(leftCodes, rightCodes)

	result.Changed = len(result.Added) > 0 || len(result.Removed) > 0 || len(result.Modified) > 0 ||
		len(result.CapabilitiesAdded) > 0 || len(result.CapabilitiesRemoved) > 0 ||
		len(result.FindingsAdded) > 0 || len(result.FindingsRemoved) > 0
	return result
}

func receiptSide(path string) (Side, error) {
	parsed, err := receipt.ReadFile(path)
	if err != nil {
		return Side{}, err
	}
	codes := append(finding.Codes(parsed.Scan.Findings), finding.Codes(parsed.Policy.Findings)...)
	return Side{
		Kind:         report.SideReceipt,
		Ref:          path,
		BundleSHA256: parsed.BundleSHA256,
		Files:        parsed.Files,
		Capabilities: parsed.Scan.Capabilities,
		FindingCodes: codes,
	}, nil
}

func bundleSide(ctx context.Context, ref string, opts Options) (Side, error) {
	snapshot, err := bundle.Hash(ctx, ref, bundle.Options{Workers: opts.Workers})
	if err != nil {
		return Side{}, err
	}
	side := Side{
		Kind:         report.SideDirectory,
		Ref:          ref,
		BundleSHA256: snapshot.BundleSHA256,
		Files:        snapshot.Files,
	}
	if snapshot.Kind == bundle.KindArchive {
		side.Kind = report.SideArchive
	}
	if opts.Scanner == nil {
		return side, nil
	}
	scanned, err := opts.Scanner.Scan(ctx, snapshot)
	if err != nil {
		return Side{}, coreerrors.Wrap(fmt.Errorf("scan %s: %w", ref, err), coreerrors.CategoryInternal, "scan_failed", "")
	}
	scanned = scan.Normalize(scanned)
	side.Capabilities = scanned.Capabilities
	side.FindingCodes = finding.Codes(scanned.Findings)
	return side, nil
}

func looksLikeReceipt(path string) (bool, error) {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return true, nil
	}
	// #nosec G304 -- diff operands are explicit local user input.
	file, err := os.Open(path)
	if err != nil {
		return false, coreerrors.Wrap(fmt.Errorf("open %s: %w", path, err), coreerrors.CategoryIOFailure, "diff_side_unreadable", "check the path")
	}
	defer func() { _ = file.Close() }()
	head := make([]byte, 512)
	n, err := io.ReadFull(file, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return false, coreerrors.Wrap(fmt.Errorf("read %s: %w", path, err), coreerrors.CategoryIOFailure, "diff_side_unreadable", "check the path")
	}
	trimmed := bytes.TrimLeft(head[:n], " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '{', nil
}

func describe(side Side) report.DiffSide {
	return report.DiffSide{
		Kind:         side.Kind,
		Ref:          side.Ref,
		BundleSHA256: side.BundleSHA256,
		FileCount:    len(side.Files),
	}
}

// difference returns the members of values missing from exclude. Both inputs
// are sorted and deduplicated.
func difference(values, exclude []string) []string {
	excluded := make(map[string]struct{}, len(exclude))
	for _, value := range exclude {
		excluded[value] = struct{}{}
	}
	out := make([]string, 0)
	for _, value := range values {
		if _, ok := excluded[value]; !ok {
			out = append(out, value)
		}
	}
	return out
}
