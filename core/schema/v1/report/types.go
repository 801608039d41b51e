package report

import schemareceipt "github.com/davidahmann/skilltrust/core/schema/v1/receipt"

const (
	SignatureVerified = "verified"
	SignatureFailed   = "failed"
	SignatureMissing  = "missing"
	SignatureSkipped  = "skipped"
)

type VerifyReport struct {
	Verified             bool                          `json:"verified"`
	Verdict              schemareceipt.Verdict         `json:"verdict"`
	Profile              string                        `json:"profile,omitempty"`
	RiskScore            schemareceipt.RiskScore       `json:"risk_score"`
	ExpectedBundleSHA256 string                        `json:"expected_bundle_sha256,omitempty"`
	ActualBundleSHA256   string                        `json:"actual_bundle_sha256,omitempty"`
	FilesChecked         int                           `json:"files_checked"`
	SignatureStatus      string                        `json:"signature_status"`
	PayloadSHA256        string                        `json:"payload_sha256,omitempty"`
	Policy               *schemareceipt.PolicyDecision `json:"policy,omitempty"`
	Findings             []schemareceipt.Finding       `json:"findings"`
}

const (
	GateSourceScan    = "scan"
	GateSourceReceipt = "receipt"
)

type GateReport struct {
	Passed       bool                          `json:"passed"`
	Source       string                        `json:"source"`
	Verdict      schemareceipt.Verdict         `json:"verdict"`
	Profile      string                        `json:"profile,omitempty"`
	RiskScore    schemareceipt.RiskScore       `json:"risk_score"`
	BundleSHA256 string                        `json:"bundle_sha256,omitempty"`
	Capabilities []string                      `json:"capabilities"`
	Policy       *schemareceipt.PolicyDecision `json:"policy,omitempty"`
	Verification *VerifyReport                 `json:"verification,omitempty"`
	Findings     []schemareceipt.Finding       `json:"findings"`
}

const (
	SideDirectory = "directory"
	SideArchive   = "archive"
	SideReceipt   = "receipt"
)

type DiffSide struct {
	Kind         string `json:"kind"`
	Ref          string `json:"ref"`
	BundleSHA256 string `json:"bundle_sha256"`
	FileCount    int    `json:"file_count"`
}

type FileChange struct {
	Path         string `json:"path"`
	BeforeSHA256 string `json:"before_sha256"`
	AfterSHA256  string `json:"after_sha256"`
	BeforeSize   uint64 `json:"before_size"`
	AfterSize    uint64 `json:"after_size"`
}

type DiffReport struct {
	Left                DiffSide                  `json:"left"`
	Right               DiffSide                  `json:"right"`
	Changed             bool                      `json:"changed"`
	Added               []schemareceipt.FileEntry `json:"added"`
	Removed             []schemareceipt.FileEntry `json:"removed"`
	Modified            []FileChange              `json:"modified"`
	Unchanged           int                       `json:"unchanged"`
	CapabilitiesAdded   []string                  `json:"capabilities_added"`
	CapabilitiesRemoved []string                  `json:"capabilities_removed"`
	FindingsAdded       []string                  `json:"findings_added"`
	FindingsRemoved     []string                  `json:"findings_removed"`
}

type ExportReport struct {
	Validated     bool                      `json:"validated"`
	Written       bool                      `json:"written"`
	OutputPath    string                    `json:"output_path"`
	Profile       string                    `json:"profile"`
	Deterministic bool                      `json:"deterministic"`
	BundleSHA256  string                    `json:"bundle_sha256,omitempty"`
	ArchiveSHA256 string                    `json:"archive_sha256,omitempty"`
	Files         []schemareceipt.FileEntry `json:"files"`
	PreWrite      []schemareceipt.Finding   `json:"pre_write_findings"`
	PostWrite     []schemareceipt.Finding   `json:"post_write_findings"`
	Findings      []schemareceipt.Finding   `json:"findings"`
}
