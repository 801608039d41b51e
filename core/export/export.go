// Package export repackages a bundle directory into a zip archive after
// checking it against a policy profile, then re-reads the archive and checks
// it again.
package export

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/davidahmann/skilltrust/core/bundle"
	coreerrors "github.com/davidahmann/skilltrust/core/errors"
	"github.com/davidahmann/skilltrust/core/finding"
	"github.com/davidahmann/skilltrust/core/fsx"
	"github.com/davidahmann/skilltrust/core/jcs"
	"github.com/davidahmann/skilltrust/core/manifest"
	"github.com/davidahmann/skilltrust/core/policy"
	"github.com/davidahmann/skilltrust/core/schema/v1/report"
	schemareceipt "github.com/davidahmann/skilltrust/core/schema/v1/receipt"
	"github.com/davidahmann/skilltrust/core/zipx"
	"github.com/davidahmann/skilltrust/internal/logx"
)

const DefaultProfileName = "strict"

type Options struct {
	SourceDir  string
	OutputPath string
	Policy     *policy.Document
	// Profile defaults to strict.
	Profile string
	// Deterministic fixes entry timestamps so equal sources give equal
	// archive bytes.
	Deterministic bool
	Workers       int
	Logger        *slog.Logger
}

// Export checks the source tree, writes the archive and checks the archive.
// A symlink or unsafe path under the source fails with a classified error
// before anything is written. Constraint errors in the first pass return an
// unwritten, unvalidated report.
func Export(ctx context.Context, opts Options) (report.ExportReport, error) {
	logger := logx.OrDiscard(opts.Logger).With("op", "export")
	if strings.TrimSpace(opts.SourceDir) == "" || strings.TrimSpace(opts.OutputPath) == "" {
		return report.ExportReport{}, coreerrors.Newf(coreerrors.CategoryInvalidInput, "export_paths_required", "source directory and output path are required")
	}
	profileName := strings.TrimSpace(opts.Profile)
	if profileName == "" {
		profileName = DefaultProfileName
	}
	profile, err := policy.Resolve(opts.Policy, profileName)
	if err != nil {
		return report.ExportReport{}, coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, "policy_profile_unknown", "choose a built-in profile or one declared in the policy file")
	}

	result := report.ExportReport{
		OutputPath:    opts.OutputPath,
		Profile:       profile.Name,
		Deterministic: opts.Deterministic,
		Files:         []schemareceipt.FileEntry{},
		PreWrite:      []schemareceipt.Finding{},
		PostWrite:     []schemareceipt.Finding{},
		Findings:      []schemareceipt.Finding{},
	}

	hashOpts := bundle.Options{Workers: opts.Workers}
	if rel, inside := fsx.RelativeWithin(opts.SourceDir, opts.OutputPath); inside {
		hashOpts.Skip = append(hashOpts.Skip, rel)
	}
	source, err := bundle.HashDirectory(ctx, opts.SourceDir, hashOpts)
	if err != nil {
		return report.ExportReport{}, err
	}
	result.Files = source.Files
	result.BundleSHA256 = source.BundleSHA256
	logger.Debug("source hashed", "stage", "hash", "files", len(source.Files), "bundle_sha256", source.BundleSHA256)

	result.PreWrite = checkConstraints(source, profile)
	logger.Debug("pre-write constraints", "stage", "pre_write", "findings", len(result.PreWrite))
	if finding.HasError(result.PreWrite) {
		result.Findings = finding.Sorted(result.PreWrite)
		return result, nil
	}

	archive, err := buildArchive(source, opts.Deterministic)
	if err != nil {
		return report.ExportReport{}, err
	}
	if err := fsx.WriteFileAtomic(opts.OutputPath, archive, 0o644); err != nil {
		return report.ExportReport{}, coreerrors.Wrap(fmt.Errorf("write archive: %w", err), coreerrors.CategoryIOFailure, "export_write_failed", "check the output directory")
	}
	result.Written = true
	result.ArchiveSHA256 = jcs.SHA256Hex(archive)
	logger.Debug("archive written", "stage", "write", "archive_sha256", result.ArchiveSHA256, "bytes", len(archive))

	written, err := bundle.HashArchive(ctx, opts.OutputPath, bundle.Options{Workers: opts.Workers})
	if err != nil {
		return result, err
	}
	result.Files = written.Files
	result.BundleSHA256 = written.BundleSHA256
	result.PostWrite = checkConstraints(written, profile)
	logger.Debug("post-write constraints", "stage", "post_write", "findings", len(result.PostWrite))

	findings := append([]schemareceipt.Finding(nil), result.PostWrite...)
	if written.BundleSHA256 != source.BundleSHA256 || !sameFiles(written.Files, source.Files) {
		findings = append(findings, finding.WithDetails(
			finding.Errorf(finding.BundleHashMismatch, "", "exported archive does not match the source tree"),
			map[string]any{"expected": source.BundleSHA256, "actual": written.BundleSHA256},
		))
	}
	preCodes, postCodes := finding.Codes(result.PreWrite), finding.Codes(result.PostWrite)
	if strings.Join(preCodes, ",") != strings.Join(postCodes, ",") {
		findings = append(findings, finding.WithDetails(
			finding.Errorf(finding.PolicyViolation, "", "constraint checks disagree before and after writing"),
			map[string]any{"pre_write": preCodes, "post_write": postCodes},
		))
	}
	result.Findings = finding.Sorted(findings)
	result.Validated = !finding.HasError(result.Findings)
	return result, nil
}

func checkConstraints(snapshot bundle.Snapshot, profile policy.Profile) []schemareceipt.Finding {
	body, available := manifest.Body(snapshot)
	return policy.EvaluateConstraints(policy.ConstraintInput{
		Entries:           snapshot.Files,
		ManifestBody:      body,
		ManifestAvailable: available,
	}, profile.Constraints)
}

func buildArchive(source bundle.Snapshot, deterministic bool) ([]byte, error) {
	files := make([]zipx.File, 0, len(source.Files))
	for _, entry := range source.Files {
		data, err := source.ReadFile(entry.Path)
		if err != nil {
			return nil, coreerrors.WrapPath(err, coreerrors.CategoryIOFailure, "export_read_failed", entry.Path)
		}
		file := zipx.File{Path: entry.Path, Data: data}
		if !deterministic {
			if info, err := os.Stat(filepath.Join(source.Source, filepath.FromSlash(entry.Path))); err == nil {
				file.ModTime = info.ModTime()
			}
		}
		files = append(files, file)
	}
	var buffer bytes.Buffer
	write := zipx.WriteZip
	if deterministic {
		write = zipx.WriteDeterministicZip
	}
	if err := write(&buffer, files); err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CategoryInternal, "export_zip_failed", "")
	}
	return buffer.Bytes(), nil
}

func sameFiles(left, right []schemareceipt.FileEntry) bool {
	if len(left) != len(right) {
		return false
	}
	for index := range left {
		if left[index] != right[index] {
			return false
		}
	}
	return true
}
