// Package finding holds the closed set of reason codes and helpers for
// building, ordering and summarizing findings.
package finding

import (
	"fmt"
	"sort"
	"strings"

	coreerrors "github.com/davidahmann/skilltrust/core/errors"
	schemareceipt "github.com/davidahmann/skilltrust/core/schema/v1/receipt"
)

type ReasonCode = string

// Reason codes are consumed by external tooling. Add new ones; never rename or remove.
const (
	BundleHashMismatch   ReasonCode = "BUNDLE_HASH_MISMATCH"
	FileHashMismatch     ReasonCode = "FILE_HASH_MISMATCH"
	FileMissing          ReasonCode = "FILE_MISSING"
	FileExtra            ReasonCode = "FILE_EXTRA"
	ReceiptParseError    ReasonCode = "RECEIPT_PARSE_ERROR"
	ReceiptSchemaInvalid ReasonCode = "RECEIPT_SCHEMA_INVALID"

	SignatureKeyNotFound ReasonCode = "SIGNATURE_KEY_NOT_FOUND"
	SignatureInvalid     ReasonCode = "SIGNATURE_INVALID"

	PolicyMaxRiskExceeded   ReasonCode = "POLICY_MAX_RISK_EXCEEDED"
	PolicyVerdictNotAllowed ReasonCode = "POLICY_VERDICT_NOT_ALLOWED"
	PolicyCapabilityBlocked ReasonCode = "POLICY_CAPABILITY_BLOCKED"
	PolicyViolation         ReasonCode = "POLICY_VIOLATION"
	RequiredApprovalMissing ReasonCode = "REQUIRED_APPROVAL_MISSING"

	ConstraintManifestCount    ReasonCode = "CONSTRAINT_MANIFEST_COUNT"
	ConstraintBundleSizeLimit  ReasonCode = "CONSTRAINT_BUNDLE_SIZE_LIMIT"
	ConstraintFileSizeLimit    ReasonCode = "CONSTRAINT_FILE_SIZE_LIMIT"
	ConstraintTokenLimitWarn   ReasonCode = "CONSTRAINT_TOKEN_LIMIT_WARN"
	ConstraintTokenLimitFail   ReasonCode = "CONSTRAINT_TOKEN_LIMIT_FAIL"
	ConstraintUnsafePath       ReasonCode = "CONSTRAINT_UNSAFE_PATH"
	ConstraintSymlinkForbidden ReasonCode = "CONSTRAINT_SYMLINK_FORBIDDEN"
)

func AllReasonCodes() []ReasonCode {
	return []ReasonCode{
		BundleHashMismatch,
		FileHashMismatch,
		FileMissing,
		FileExtra,
		ReceiptParseError,
		ReceiptSchemaInvalid,
		SignatureKeyNotFound,
		SignatureInvalid,
		PolicyMaxRiskExceeded,
		PolicyVerdictNotAllowed,
		PolicyCapabilityBlocked,
		PolicyViolation,
		RequiredApprovalMissing,
		ConstraintManifestCount,
		ConstraintBundleSizeLimit,
		ConstraintFileSizeLimit,
		ConstraintTokenLimitWarn,
		ConstraintTokenLimitFail,
		ConstraintUnsafePath,
		ConstraintSymlinkForbidden,
	}
}

var knownCodes = func() map[string]struct{} {
	out := make(map[string]struct{})
	for _, code := range AllReasonCodes() {
		out[code] = struct{}{}
	}
	return out
}()

func IsKnown(code string) bool {
	_, ok := knownCodes[code]
	return ok
}

func Errorf(code ReasonCode, path string, format string, args ...any) schemareceipt.Finding {
	return New(code, schemareceipt.SeverityError, path, fmt.Sprintf(format, args...))
}

func Warnf(code ReasonCode, path string, format string, args ...any) schemareceipt.Finding {
	return New(code, schemareceipt.SeverityWarn, path, fmt.Sprintf(format, args...))
}

func New(code ReasonCode, severity schemareceipt.Severity, path, message string) schemareceipt.Finding {
	return schemareceipt.Finding{
		Code:     code,
		Severity: severity,
		Message:  message,
		Path:     path,
	}
}

// FromError converts a classified error whose code is a reason code into an
// error finding. Other errors are left to the caller.
func FromError(err error) (schemareceipt.Finding, bool) {
	code := coreerrors.CodeOf(err)
	if err == nil || !IsKnown(code) {
		return schemareceipt.Finding{}, false
	}
	return Errorf(code, coreerrors.PathOf(err), "%v", err), true
}

// WithDetails returns a copy of f carrying details.
func WithDetails(f schemareceipt.Finding, details map[string]any) schemareceipt.Finding {
	if len(details) == 0 {
		return f
	}
	merged := make(map[string]any, len(f.Details)+len(details))
	for key, value := range f.Details {
		merged[key] = value
	}
	for key, value := range details {
		merged[key] = value
	}
	f.Details = merged
	return f
}

func HasError(findings []schemareceipt.Finding) bool {
	for _, f := range findings {
		if f.Severity == schemareceipt.SeverityError {
			return true
		}
	}
	return false
}

func HasCode(findings []schemareceipt.Finding, code ReasonCode) bool {
	return Count(findings, code) > 0
}

func Count(findings []schemareceipt.Finding, code ReasonCode) int {
	n := 0
	for _, f := range findings {
		if f.Code == code {
			n++
		}
	}
	return n
}

// Sorted returns a new slice ordered by severity (error first), code, path, message.
// A nil input yields an empty, non-nil slice.
func Sorted(findings []schemareceipt.Finding) []schemareceipt.Finding {
	out := make([]schemareceipt.Finding, len(findings))
	copy(out, findings)
	sort.SliceStable(out, func(i, j int) bool {
		left, right := out[i], out[j]
		if left.Severity.Rank() != right.Severity.Rank() {
			return left.Severity.Rank() > right.Severity.Rank()
		}
		if left.Code != right.Code {
			return left.Code < right.Code
		}
		if left.Path != right.Path {
			return left.Path < right.Path
		}
		return left.Message < right.Message
	})
	return out
}

// Codes returns the deduplicated, byte-sorted set of codes present in findings.
func Codes(findings []schemareceipt.Finding) []string {
	values := make([]string, 0, len(findings))
	for _, f := range findings {
		values = append(values, f.Code)
	}
	return UniqueSorted(values)
}

func UniqueSorted(values []string) []string {
	if len(values) == 0 {
		return []string{}
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	sort.Strings(out)
	return out
}
