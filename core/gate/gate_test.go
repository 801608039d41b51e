package gate

import (
	"context"
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
	"github.com/davidahmann/skilltrust/internal/testutil"
)

func staticScanner(total int, capabilities ...string) scan.Scanner {
	return scan.Static{Report: schemareceipt.ScanReport{
		Capabilities: capabilities,
		RiskScore:    schemareceipt.RiskScore{BaseRisk: total, Total: total},
		Summary:      "static",
	}}
}

func issueReceipt(t *testing.T, dir string, total int, capabilities ...string) string {
	t.Helper()
	profile, _ := policy.BuiltinProfile(policy.DefaultProfileName)
	issued, err := receipt.Issue(context.Background(), receipt.IssueOptions{
		Source:  dir,
		Profile: profile,
		Scanner: staticScanner(total, capabilities...),
	})
	if err != nil {
		t.Fatalf("issue receipt: %v", err)
	}
	path := filepath.Join(t.TempDir(), "receipt.json")
	if err := receipt.Write(path, issued); err != nil {
		t.Fatalf("write receipt: %v", err)
	}
	return path
}

func TestFromScanVerdicts(t *testing.T) {
	dir := testutil.WriteBundle(t, testutil.SampleBundle())
	cases := []struct {
		name    string
		total   int
		profile string
		verdict schemareceipt.Verdict
		passed  bool
	}{
		{name: "pass", total: 29, verdict: schemareceipt.VerdictPass, passed: true},
		{name: "warn", total: 30, verdict: schemareceipt.VerdictWarn, passed: true},
		{name: "warn_upper", total: 59, verdict: schemareceipt.VerdictWarn, passed: true},
		{name: "fail", total: 60, verdict: schemareceipt.VerdictFail},
		{name: "strict_gate", total: 30, profile: "strict", verdict: schemareceipt.VerdictFail},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := FromScan(context.Background(), ScanOptions{
				BundlePath: dir,
				Profile:    tc.profile,
				Scanner:    staticScanner(tc.total),
			})
			if err != nil {
				t.Fatalf("gate: %v", err)
			}
			if result.Verdict != tc.verdict || result.Passed != tc.passed {
				t.Fatalf("unexpected result: verdict=%s passed=%v findings=%#v", result.Verdict, result.Passed, result.Findings)
			}
			if result.Source != report.GateSourceScan || result.BundleSHA256 == "" {
				t.Fatalf("unexpected report header: %#v", result)
			}
		})
	}
}

func TestFromScanCapabilityRules(t *testing.T) {
	dir := testutil.WriteBundle(t, testutil.SampleBundle())
	result, err := FromScan(context.Background(), ScanOptions{
		BundlePath: dir,
		Profile:    "strict",
		Scanner:    staticScanner(0, "Credentials", "exec", "network"),
	})
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	if result.Passed {
		t.Fatalf("expected blocked capability to fail")
	}
	if !finding.HasCode(result.Findings, finding.PolicyCapabilityBlocked) || !finding.HasCode(result.Findings, finding.RequiredApprovalMissing) {
		t.Fatalf("expected capability findings: %#v", result.Findings)
	}
	want := []string{"credentials", "exec", "network"}
	for index, capability := range want {
		if result.Capabilities[index] != capability {
			t.Fatalf("unexpected capabilities: %v", result.Capabilities)
		}
	}
}

func TestFromScanManifestCount(t *testing.T) {
	files := testutil.SampleBundle()
	delete(files, "SKILL.md")
	files["docs/SKILL.md"] = "# nested manifests do not count\n"
	dir := testutil.WriteBundle(t, files)
	result, err := FromScan(context.Background(), ScanOptions{BundlePath: dir})
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	if result.Passed || !finding.HasCode(result.Findings, finding.ConstraintManifestCount) {
		t.Fatalf("expected manifest count failure: %#v", result.Findings)
	}
}

func TestFromScanSymlinkIsRejected(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlink creation requires privileges on windows")
	}
	dir := testutil.WriteBundle(t, testutil.SampleBundle())
	if err := os.Symlink(filepath.Join(dir, "SKILL.md"), filepath.Join(dir, "alias.md")); err != nil {
		t.Fatalf("create symlink: %v", err)
	}
	result, err := FromScan(context.Background(), ScanOptions{BundlePath: dir})
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	if result.Passed || result.RiskScore.Total != 100 || len(result.Findings) != 1 {
		t.Fatalf("expected single rejection finding: %#v", result)
	}
	if result.Findings[0].Code != finding.ConstraintSymlinkForbidden {
		t.Fatalf("unexpected code: %s", result.Findings[0].Code)
	}
}

func TestFromScanUnknownProfile(t *testing.T) {
	dir := testutil.WriteBundle(t, testutil.SampleBundle())
	if _, err := FromScan(context.Background(), ScanOptions{BundlePath: dir, Profile: "missing"}); err == nil {
		t.Fatalf("expected unknown profile error")
	}
}

func TestFromReceiptWithoutBundle(t *testing.T) {
	dir := testutil.WriteBundle(t, testutil.SampleBundle())
	path := issueReceipt(t, dir, 45, "network")

	result, err := FromReceipt(context.Background(), ReceiptOptions{ReceiptPath: path})
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	if !result.Passed || result.Verdict != schemareceipt.VerdictWarn || result.Verification != nil {
		t.Fatalf("expected WARN pass without verification: %#v", result)
	}

	result, err = FromReceipt(context.Background(), ReceiptOptions{ReceiptPath: path, Profile: "ci"})
	if err != nil {
		t.Fatalf("gate ci: %v", err)
	}
	if !result.Passed || result.Profile != "ci" {
		t.Fatalf("expected ci profile to allow WARN: %#v", result)
	}

	result, err = FromReceipt(context.Background(), ReceiptOptions{ReceiptPath: path, Profile: "strict"})
	if err != nil {
		t.Fatalf("gate strict: %v", err)
	}
	if result.Passed || !finding.HasCode(result.Findings, finding.PolicyMaxRiskExceeded) {
		t.Fatalf("expected strict profile to fail: %#v", result.Findings)
	}
}

func TestFromReceiptVerifiesLiveBundle(t *testing.T) {
	dir := testutil.WriteBundle(t, testutil.SampleBundle())
	path := issueReceipt(t, dir, 10)

	result, err := FromReceipt(context.Background(), ReceiptOptions{ReceiptPath: path, BundlePath: dir})
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	if !result.Passed || result.Verification == nil || !result.Verification.Verified {
		t.Fatalf("expected verified pass: %#v", result)
	}

	testutil.WriteFile(t, filepath.Join(dir, "templates", "out.txt"), []byte("changed\n"))
	result, err = FromReceipt(context.Background(), ReceiptOptions{ReceiptPath: path, BundlePath: dir})
	if err != nil {
		t.Fatalf("gate tampered: %v", err)
	}
	if result.Passed || result.Verdict != schemareceipt.VerdictFail {
		t.Fatalf("expected tampered bundle to fail: %#v", result)
	}
	if len(result.Findings) != len(result.Verification.Findings) {
		t.Fatalf("expected verification findings verbatim: %#v vs %#v", result.Findings, result.Verification.Findings)
	}
	for index := range result.Findings {
		if result.Findings[index].Code != result.Verification.Findings[index].Code {
			t.Fatalf("finding %d differs from verification", index)
		}
	}
}

func TestFromReceiptRejectsMalformedReceipt(t *testing.T) {
	result, err := FromReceipt(context.Background(), ReceiptOptions{ReceiptData: []byte("not json")})
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	if result.Passed || result.RiskScore.Total != 100 || len(result.Findings) != 1 || result.Findings[0].Code != finding.ReceiptParseError {
		t.Fatalf("expected parse rejection: %#v", result)
	}

	result, err = FromReceipt(context.Background(), ReceiptOptions{ReceiptPath: filepath.Join(t.TempDir(), "absent.json")})
	if err != nil {
		t.Fatalf("gate missing file: %v", err)
	}
	if result.Passed || result.Findings[0].Code != finding.ReceiptParseError {
		t.Fatalf("expected unreadable receipt rejection: %#v", result)
	}

	if _, err := FromReceipt(context.Background(), ReceiptOptions{}); err == nil {
		t.Fatalf("expected usage error without receipt")
	}
}

func TestFromReceiptRequireSignature(t *testing.T) {
	dir := testutil.WriteBundle(t, testutil.SampleBundle())
	path := issueReceipt(t, dir, 10)
	result, err := FromReceipt(context.Background(), ReceiptOptions{ReceiptPath: path, RequireSignature: true})
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	if result.Passed || !finding.HasCode(result.Findings, finding.SignatureInvalid) {
		t.Fatalf("expected unsigned receipt to fail: %#v", result.Findings)
	}
}

func maliciousScanner() scan.Scanner {
	return scan.Static{Report: schemareceipt.ScanReport{
		RiskScore: schemareceipt.RiskScore{Total: 0},
		Summary:   "payload",
		Findings: []schemareceipt.Finding{
			{Code: "SCAN_MALICIOUS_PAYLOAD", Severity: schemareceipt.SeverityError, Message: "encoded payload", Path: "scripts/fetch.sh"},
		},
	}}
}

func TestScannerErrorFindingFailsGate(t *testing.T) {
	dir := testutil.WriteBundle(t, testutil.SampleBundle())

	fromScan, err := FromScan(context.Background(), ScanOptions{BundlePath: dir, Scanner: maliciousScanner()})
	if err != nil {
		t.Fatalf("gate from scan: %v", err)
	}
	if fromScan.Passed || fromScan.Verdict != schemareceipt.VerdictFail || !finding.HasCode(fromScan.Findings, finding.PolicyViolation) {
		t.Fatalf("expected scan error to fail the gate: %#v", fromScan)
	}

	profile, _ := policy.BuiltinProfile(policy.DefaultProfileName)
	issued, err := receipt.Issue(context.Background(), receipt.IssueOptions{Source: dir, Profile: profile, Scanner: maliciousScanner()})
	if err != nil {
		t.Fatalf("issue receipt: %v", err)
	}
	receiptPath := filepath.Join(t.TempDir(), "receipt.json")
	if err := receipt.Write(receiptPath, issued); err != nil {
		t.Fatalf("write receipt: %v", err)
	}

	offline, err := FromReceipt(context.Background(), ReceiptOptions{ReceiptPath: receiptPath})
	if err != nil {
		t.Fatalf("gate from receipt: %v", err)
	}
	if offline.Passed || offline.Verdict != schemareceipt.VerdictFail || !finding.HasCode(offline.Findings, finding.PolicyViolation) {
		t.Fatalf("expected receipt scan error to fail the gate: %#v", offline)
	}

	live, err := FromReceipt(context.Background(), ReceiptOptions{ReceiptPath: receiptPath, BundlePath: dir})
	if err != nil {
		t.Fatalf("gate from receipt with bundle: %v", err)
	}
	if live.Passed || live.Verdict != schemareceipt.VerdictFail {
		t.Fatalf("expected verified receipt with scan error to fail: %#v", live)
	}
}
