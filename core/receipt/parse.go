package receipt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/davidahmann/skilltrust/core/bundle"
	"github.com/davidahmann/skilltrust/core/finding"
	"github.com/davidahmann/skilltrust/core/manifest"
	"github.com/davidahmann/skilltrust/core/schema/validate"
	schemareceipt "github.com/davidahmann/skilltrust/core/schema/v1/receipt"
)

// ParseError is returned for a receipt that cannot be used. Code is either
// RECEIPT_PARSE_ERROR (unreadable or not JSON) or RECEIPT_SCHEMA_INVALID.
type ParseError struct {
	Code string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Finding renders the error as the single finding reported for a receipt
// that could not be read.
func (e *ParseError) Finding() schemareceipt.Finding {
	return finding.Errorf(e.Code, "", "%v", e.Err)
}

func ReadFile(path string) (schemareceipt.Receipt, error) {
	// #nosec G304 -- receipt path is explicit local user input.
	data, err := os.ReadFile(path)
	if err != nil {
		return schemareceipt.Receipt{}, &ParseError{Code: finding.ReceiptParseError, Err: fmt.Errorf("read receipt: %w", err)}
	}
	return Parse(data)
}

// Parse validates data against the receipt schema and decodes it strictly.
// Nothing is defaulted: a receipt missing files, scan or policy is rejected.
func Parse(data []byte) (schemareceipt.Receipt, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || !json.Valid(trimmed) {
		return schemareceipt.Receipt{}, &ParseError{Code: finding.ReceiptParseError, Err: fmt.Errorf("receipt is not valid JSON")}
	}
	if err := validate.ValidateReceiptJSON(trimmed); err != nil {
		return schemareceipt.Receipt{}, &ParseError{Code: finding.ReceiptSchemaInvalid, Err: err}
	}

	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.DisallowUnknownFields()
	var parsed schemareceipt.Receipt
	if err := decoder.Decode(&parsed); err != nil {
		return schemareceipt.Receipt{}, &ParseError{Code: finding.ReceiptSchemaInvalid, Err: fmt.Errorf("decode receipt: %w", err)}
	}
	if err := checkEntries(parsed); err != nil {
		return schemareceipt.Receipt{}, &ParseError{Code: finding.ReceiptSchemaInvalid, Err: err}
	}
	return parsed, nil
}

// checkEntries enforces what the schema cannot express: canonical unique
// paths, a manifest that is one of the listed files, and a bundle digest
// that folds the listed files.
func checkEntries(parsed schemareceipt.Receipt) error {
	seen := make(map[string]schemareceipt.FileEntry, len(parsed.Files))
	for _, entry := range parsed.Files {
		normalized, err := bundle.NormalizePath(entry.Path)
		if err != nil {
			return fmt.Errorf("files: %w", err)
		}
		if normalized != entry.Path {
			return fmt.Errorf("files: non-canonical path %q", entry.Path)
		}
		if _, dup := seen[entry.Path]; dup {
			return fmt.Errorf("files: duplicate path %q", entry.Path)
		}
		seen[entry.Path] = entry
	}
	if !manifest.IsManifestName(parsed.Manifest.Path) {
		return fmt.Errorf("manifest: %q is not a root manifest file", parsed.Manifest.Path)
	}
	listed, ok := seen[parsed.Manifest.Path]
	if !ok || listed != parsed.Manifest {
		return fmt.Errorf("manifest: %q does not match an entry in files", parsed.Manifest.Path)
	}
	if folded := bundle.BundleSHA256(parsed.Files); folded != parsed.BundleSHA256 {
		return fmt.Errorf("bundle_sha256: %s does not fold the listed files (%s)", parsed.BundleSHA256, folded)
	}
	return nil
}
