package verify

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/davidahmann/skilltrust/core/finding"
	"github.com/davidahmann/skilltrust/core/policy"
	"github.com/davidahmann/skilltrust/core/receipt"
	"github.com/davidahmann/skilltrust/core/scan"
	"github.com/davidahmann/skilltrust/core/schema/v1/report"
	schemareceipt "github.com/davidahmann/skilltrust/core/schema/v1/receipt"
	"github.com/davidahmann/skilltrust/core/sign"
	"github.com/davidahmann/skilltrust/internal/testutil"
)

type fixture struct {
	dir         string
	receiptPath string
	issued      schemareceipt.Receipt
	keys        sign.KeyPair
}

func newFixture(t *testing.T, total int, signed bool) fixture {
	t.Helper()
	dir := testutil.WriteBundle(t, testutil.SampleBundle())
	profile, _ := policy.BuiltinProfile(policy.DefaultProfileName)
	opts := receipt.IssueOptions{
		Source:  dir,
		Profile: profile,
		Scanner: scan.Static{Report: schemareceipt.ScanReport{
			Capabilities: []string{"network"},
			RiskScore:    schemareceipt.RiskScore{BaseRisk: total, Total: total},
			Summary:      "fetches a forecast",
		}},
	}
	var keys sign.KeyPair
	if signed {
		var err error
		keys, err = sign.GenerateKeyPair()
		if err != nil {
			t.Fatalf("generate keypair: %v", err)
		}
		opts.SigningKey = keys.Private
		opts.KeyID = "release"
	}
	issued, err := receipt.Issue(context.Background(), opts)
	if err != nil {
		t.Fatalf("issue receipt: %v", err)
	}
	receiptPath := filepath.Join(t.TempDir(), "receipt.json")
	if err := receipt.Write(receiptPath, issued); err != nil {
		t.Fatalf("write receipt: %v", err)
	}
	return fixture{dir: dir, receiptPath: receiptPath, issued: issued, keys: keys}
}

func writePublicKey(t *testing.T, path string, pub []byte) {
	t.Helper()
	testutil.WriteFile(t, path, []byte(base64.StdEncoding.EncodeToString(pub)+"\n"))
}

func TestVerifyUntouchedBundle(t *testing.T) {
	fx := newFixture(t, 10, false)
	result, err := Verify(context.Background(), Options{ReceiptPath: fx.receiptPath, BundlePath: fx.dir})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !result.Verified || result.Verdict != schemareceipt.VerdictPass {
		t.Fatalf("expected verified PASS: %#v", result)
	}
	if len(result.Findings) != 0 {
		t.Fatalf("expected no findings: %#v", result.Findings)
	}
	if result.SignatureStatus != report.SignatureSkipped {
		t.Fatalf("unexpected signature status: %s", result.SignatureStatus)
	}
	if result.ExpectedBundleSHA256 != result.ActualBundleSHA256 || result.FilesChecked != 3 {
		t.Fatalf("unexpected digests or count: %#v", result)
	}
	if result.Profile != policy.DefaultProfileName || result.Policy == nil {
		t.Fatalf("expected recorded profile to be replayed: %#v", result)
	}
}

func TestVerifyDetectsTamper(t *testing.T) {
	fx := newFixture(t, 10, false)
	testutil.WriteFile(t, filepath.Join(fx.dir, "scripts", "fetch.sh"), []byte("#!/bin/sh\ncurl -s \"$2\"\n"))

	result, err := Verify(context.Background(), Options{ReceiptPath: fx.receiptPath, BundlePath: fx.dir})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.Verified || result.Verdict != schemareceipt.VerdictFail {
		t.Fatalf("expected tampered bundle to fail: %#v", result)
	}
	if !finding.HasCode(result.Findings, finding.FileHashMismatch) || !finding.HasCode(result.Findings, finding.BundleHashMismatch) {
		t.Fatalf("expected file and bundle mismatch: %#v", result.Findings)
	}
	if finding.Count(result.Findings, finding.BundleHashMismatch) != 1 {
		t.Fatalf("expected a single bundle mismatch: %#v", result.Findings)
	}
	for _, f := range result.Findings {
		if f.Code == finding.FileHashMismatch && f.Path != "scripts/fetch.sh" {
			t.Fatalf("unexpected mismatch path: %#v", f)
		}
	}
}

func TestVerifyReportsMissingAndExtraFiles(t *testing.T) {
	fx := newFixture(t, 10, false)
	if err := os.Remove(filepath.Join(fx.dir, "templates", "out.txt")); err != nil {
		t.Fatalf("remove file: %v", err)
	}
	testutil.WriteFile(t, filepath.Join(fx.dir, "scripts", "extra.sh"), []byte("echo\n"))

	result, err := Verify(context.Background(), Options{ReceiptPath: fx.receiptPath, BundlePath: fx.dir})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.Verified {
		t.Fatalf("expected failure")
	}
	codes := finding.Codes(result.Findings)
	want := []string{finding.BundleHashMismatch, finding.FileExtra, finding.FileMissing}
	if len(codes) != len(want) {
		t.Fatalf("unexpected codes: %v", codes)
	}
	for index := range want {
		if codes[index] != want[index] {
			t.Fatalf("unexpected codes: %v", codes)
		}
	}
}

func TestVerifyRejectsMalformedReceipt(t *testing.T) {
	dir := testutil.WriteBundle(t, testutil.SampleBundle())
	cases := map[string]struct {
		data string
		code string
	}{
		"not_json":       {data: "{", code: finding.ReceiptParseError},
		"empty":          {data: "  ", code: finding.ReceiptParseError},
		"missing_fields": {data: `{"contract_version":"1"}`, code: finding.ReceiptSchemaInvalid},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			result, err := Verify(context.Background(), Options{ReceiptData: []byte(tc.data), BundlePath: dir})
			if err != nil {
				t.Fatalf("verify: %v", err)
			}
			if result.Verified || result.Verdict != schemareceipt.VerdictFail || result.RiskScore.Total != 100 {
				t.Fatalf("expected maximal FAIL: %#v", result)
			}
			if len(result.Findings) != 1 || result.Findings[0].Code != tc.code {
				t.Fatalf("expected single %s finding: %#v", tc.code, result.Findings)
			}
		})
	}
}

func TestVerifySignatureModes(t *testing.T) {
	fx := newFixture(t, 10, true)
	keyDir := t.TempDir()
	writePublicKey(t, filepath.Join(keyDir, "release.ed25519.pub"), fx.keys.Public)

	result, err := Verify(context.Background(), Options{
		ReceiptPath: fx.receiptPath,
		BundlePath:  fx.dir,
		Keys:        sign.KeyConfig{KeyDir: keyDir},
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !result.Verified || result.SignatureStatus != report.SignatureVerified {
		t.Fatalf("expected verified signature: %#v", result)
	}
	if result.PayloadSHA256 != fx.issued.Signature.PayloadSHA256 {
		t.Fatalf("unexpected payload digest: %s", result.PayloadSHA256)
	}

	tampered := fx.issued
	tampered.Policy.RiskScore.Total++
	data, err := receipt.Marshal(tampered)
	if err != nil {
		t.Fatalf("marshal tampered receipt: %v", err)
	}
	result, err = Verify(context.Background(), Options{
		ReceiptData: data,
		BundlePath:  fx.dir,
		Keys:        sign.KeyConfig{KeyDir: keyDir},
	})
	if err != nil {
		t.Fatalf("verify tampered: %v", err)
	}
	if result.Verified || result.SignatureStatus != report.SignatureFailed {
		t.Fatalf("expected signature failure: %#v", result)
	}
	if !finding.HasCode(result.Findings, finding.SignatureInvalid) || finding.HasCode(result.Findings, finding.BundleHashMismatch) {
		t.Fatalf("expected only a signature finding: %#v", result.Findings)
	}

	result, err = Verify(context.Background(), Options{
		ReceiptPath: fx.receiptPath,
		BundlePath:  fx.dir,
		Keys:        sign.KeyConfig{KeyDir: t.TempDir()},
	})
	if err != nil {
		t.Fatalf("verify with empty key dir: %v", err)
	}
	if !finding.HasCode(result.Findings, finding.SignatureKeyNotFound) || result.Verified {
		t.Fatalf("expected key not found: %#v", result.Findings)
	}

	result, err = Verify(context.Background(), Options{
		ReceiptPath:      fx.receiptPath,
		BundlePath:       fx.dir,
		RequireSignature: true,
	})
	if err != nil {
		t.Fatalf("verify without keys: %v", err)
	}
	if !finding.HasCode(result.Findings, finding.SignatureKeyNotFound) {
		t.Fatalf("expected required signature without key to fail: %#v", result.Findings)
	}
}

func TestVerifyUnsignedReceiptWhenSignatureRequired(t *testing.T) {
	fx := newFixture(t, 10, false)
	pubPath := filepath.Join(t.TempDir(), "release.pub")
	keys, err := sign.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	writePublicKey(t, pubPath, keys.Public)

	result, err := Verify(context.Background(), Options{
		ReceiptPath: fx.receiptPath,
		BundlePath:  fx.dir,
		Keys:        sign.KeyConfig{PublicKeyPath: pubPath},
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.SignatureStatus != report.SignatureMissing || !finding.HasCode(result.Findings, finding.SignatureInvalid) {
		t.Fatalf("expected unsigned receipt to fail signature check: %#v", result)
	}
}

func TestVerifyFailVerdictAddsPolicyViolation(t *testing.T) {
	fx := newFixture(t, 70, false)
	result, err := Verify(context.Background(), Options{ReceiptPath: fx.receiptPath, BundlePath: fx.dir})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.Verified || result.Verdict != schemareceipt.VerdictFail {
		t.Fatalf("expected FAIL: %#v", result)
	}
	if !finding.HasCode(result.Findings, finding.PolicyViolation) {
		t.Fatalf("expected policy violation: %#v", result.Findings)
	}
}

func TestVerifyProfileOverrideAppliesGates(t *testing.T) {
	fx := newFixture(t, 40, false)
	result, err := Verify(context.Background(), Options{ReceiptPath: fx.receiptPath, BundlePath: fx.dir, Profile: "strict"})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.Profile != "strict" || result.Verdict != schemareceipt.VerdictFail {
		t.Fatalf("expected strict FAIL: %#v", result)
	}
	if !finding.HasCode(result.Findings, finding.PolicyMaxRiskExceeded) {
		t.Fatalf("expected max risk finding: %#v", result.Findings)
	}

	if _, err := Verify(context.Background(), Options{ReceiptPath: fx.receiptPath, BundlePath: fx.dir, Profile: "nope"}); err == nil {
		t.Fatalf("expected unknown requested profile to error")
	}
}

func TestVerifyUnknownRecordedProfile(t *testing.T) {
	fx := newFixture(t, 10, false)
	edited := fx.issued
	edited.Policy.Profile = "team-internal"
	data, err := receipt.Marshal(edited)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	result, err := Verify(context.Background(), Options{ReceiptData: data, BundlePath: fx.dir})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.Verified || !finding.HasCode(result.Findings, finding.PolicyViolation) {
		t.Fatalf("expected unknown recorded profile to be a violation: %#v", result.Findings)
	}
	if result.Profile != policy.DefaultProfileName {
		t.Fatalf("expected fallback profile: %s", result.Profile)
	}
}

func TestVerifySkipsReceiptInsideBundle(t *testing.T) {
	fx := newFixture(t, 10, false)
	inside := filepath.Join(fx.dir, "receipt.json")
	if err := receipt.Write(inside, fx.issued); err != nil {
		t.Fatalf("write receipt: %v", err)
	}
	result, err := Verify(context.Background(), Options{ReceiptPath: inside, BundlePath: fx.dir})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !result.Verified {
		t.Fatalf("expected receipt inside bundle to be ignored: %#v", result.Findings)
	}
}

func TestVerifyArchiveBundle(t *testing.T) {
	fx := newFixture(t, 10, false)
	archive := testutil.WriteBundleZip(t, testutil.SampleBundle())
	result, err := Verify(context.Background(), Options{ReceiptPath: fx.receiptPath, BundlePath: archive})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !result.Verified {
		t.Fatalf("expected archive to match directory receipt: %#v", result.Findings)
	}
}

func TestVerifyReportsSymlinkAsFinding(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlink creation requires privileges on windows")
	}
	fx := newFixture(t, 10, false)
	if err := os.Symlink(filepath.Join(fx.dir, "SKILL.md"), filepath.Join(fx.dir, "alias.md")); err != nil {
		t.Fatalf("create symlink: %v", err)
	}
	result, err := Verify(context.Background(), Options{ReceiptPath: fx.receiptPath, BundlePath: fx.dir})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.Verified || !finding.HasCode(result.Findings, finding.ConstraintSymlinkForbidden) {
		t.Fatalf("expected symlink finding: %#v", result.Findings)
	}
}

func TestVerifyRequiresBundle(t *testing.T) {
	if _, err := Verify(context.Background(), Options{ReceiptData: []byte("{}")}); err == nil {
		t.Fatalf("expected missing bundle error")
	}
}

func TestCompareFiles(t *testing.T) {
	expected := []schemareceipt.FileEntry{{Path: "a", SHA256: "1"}, {Path: "b", SHA256: "2"}}
	actual := []schemareceipt.FileEntry{{Path: "a", SHA256: "1"}, {Path: "c", SHA256: "3"}}
	findings := CompareFiles(expected, actual)
	if len(findings) != 2 {
		t.Fatalf("unexpected findings: %#v", findings)
	}
	if !finding.HasCode(findings, finding.FileMissing) || !finding.HasCode(findings, finding.FileExtra) {
		t.Fatalf("unexpected codes: %#v", findings)
	}
	if len(CompareFiles(expected, expected)) != 0 {
		t.Fatalf("expected identical sets to compare clean")
	}
}

func TestVerifyFailsOnScannerErrorFinding(t *testing.T) {
	fx := newFixture(t, 0, false)
	edited := fx.issued
	edited.Scan.Findings = append(edited.Scan.Findings, schemareceipt.Finding{
		Code:     "SCAN_MALICIOUS_PAYLOAD",
		Severity: schemareceipt.SeverityError,
		Message:  "encoded payload",
		Path:     "scripts/fetch.sh",
	})
	if err := receipt.Write(fx.receiptPath, edited); err != nil {
		t.Fatalf("rewrite receipt: %v", err)
	}

	result, err := Verify(context.Background(), Options{ReceiptPath: fx.receiptPath, BundlePath: fx.dir})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.Verified || result.Verdict != schemareceipt.VerdictFail {
		t.Fatalf("expected scanner error to fail verification: %#v", result)
	}
	if finding.Count(result.Findings, finding.PolicyViolation) != 1 || finding.HasCode(result.Findings, finding.BundleHashMismatch) {
		t.Fatalf("unexpected findings: %#v", result.Findings)
	}
}
