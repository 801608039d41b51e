// Package scan is the boundary to the content scanner that assigns
// capabilities and a risk score to a bundle. The heuristics themselves live
// outside this module.
package scan

import (
	"context"
	"strings"

	"github.com/davidahmann/skilltrust/core/bundle"
	"github.com/davidahmann/skilltrust/core/finding"
	schemareceipt "github.com/davidahmann/skilltrust/core/schema/v1/receipt"
)

type Scanner interface {
	Scan(ctx context.Context, snapshot bundle.Snapshot) (schemareceipt.ScanReport, error)
}

// Func adapts a plain function to Scanner.
type Func func(ctx context.Context, snapshot bundle.Snapshot) (schemareceipt.ScanReport, error)

func (f Func) Scan(ctx context.Context, snapshot bundle.Snapshot) (schemareceipt.ScanReport, error) {
	return f(ctx, snapshot)
}

// Static returns the same report for every bundle. It replays a stored scan
// report, for example the one recorded in an earlier receipt.
type Static struct {
	Report schemareceipt.ScanReport
}

func (s Static) Scan(ctx context.Context, _ bundle.Snapshot) (schemareceipt.ScanReport, error) {
	if err := ctx.Err(); err != nil {
		return schemareceipt.ScanReport{}, err
	}
	return Normalize(s.Report), nil
}

// Normalize returns a copy with lower-cased, deduplicated, sorted
// capabilities and sorted findings. Nil slices become empty.
func Normalize(report schemareceipt.ScanReport) schemareceipt.ScanReport {
	capabilities := make([]string, 0, len(report.Capabilities))
	for _, capability := range report.Capabilities {
		capabilities = append(capabilities, strings.ToLower(strings.TrimSpace(capability)))
	}
	return schemareceipt.ScanReport{
		Capabilities: finding.UniqueSorted(capabilities),
		RiskScore:    report.RiskScore,
		Summary:      strings.TrimSpace(report.Summary),
		Findings:     finding.Sorted(report.Findings),
	}
}
