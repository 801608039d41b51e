// Package manifest finds the single manifest file at the root of a bundle.
package manifest

import (
	"strings"

	"github.com/davidahmann/skilltrust/core/bundle"
	"github.com/davidahmann/skilltrust/core/finding"
	schemareceipt "github.com/davidahmann/skilltrust/core/schema/v1/receipt"
)

var names = []string{"SKILL.md", "skill.md"}

// Names returns the accepted manifest file names.
func Names() []string {
	return append([]string(nil), names...)
}

func IsManifestName(path string) bool {
	if strings.Contains(path, "/") {
		return false
	}
	for _, name := range names {
		if path == name {
			return true
		}
	}
	return false
}

// Locate returns the manifest entry when exactly one candidate exists.
// Otherwise it returns a CONSTRAINT_MANIFEST_COUNT error finding listing the
// candidates that were found.
func Locate(files []schemareceipt.FileEntry) (schemareceipt.FileEntry, *schemareceipt.Finding) {
	candidates := make([]schemareceipt.FileEntry, 0, 1)
	for _, entry := range files {
		if IsManifestName(entry.Path) {
			candidates = append(candidates, entry)
		}
	}
	if len(candidates) == 1 {
		return candidates[0], nil
	}

	paths := make([]string, 0, len(candidates))
	for _, candidate := range candidates {
		paths = append(paths, candidate.Path)
	}
	paths = finding.UniqueSorted(paths)
	result := finding.WithDetails(
		finding.Errorf(
			finding.ConstraintManifestCount,
			"",
			"expected exactly one manifest (%s) at bundle root, found %d",
			strings.Join(names, " or "),
			len(candidates),
		),
		map[string]any{"candidates": paths},
	)
	return schemareceipt.FileEntry{}, &result
}

// Body reads the manifest of snapshot. It reports false when the bundle does
// not have exactly one manifest or the file cannot be read.
func Body(snapshot bundle.Snapshot) ([]byte, bool) {
	entry, problem := Locate(snapshot.Files)
	if problem != nil {
		return nil, false
	}
	body, err := snapshot.ReadFile(entry.Path)
	if err != nil {
		return nil, false
	}
	return body, true
}
