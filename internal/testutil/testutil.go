package testutil

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/davidahmann/skilltrust/core/zipx"
)

func RepoRoot(t *testing.T) string {
	t.Helper()
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatalf("unable to locate testutil source file")
	}
	return filepath.Clean(filepath.Join(filepath.Dir(filename), "..", ".."))
}

func WriteFile(t *testing.T, path string, content []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatalf("create parent directory for %s: %v", path, err)
	}
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// WriteBundle lays files out under a fresh temp directory and returns it.
// Keys are slash-separated bundle paths.
func WriteBundle(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for path, content := range files {
		WriteFile(t, filepath.Join(dir, filepath.FromSlash(path)), []byte(content))
	}
	return dir
}

// WriteBundleZip writes files into a deterministic zip archive in a temp
// directory and returns the archive path.
func WriteBundleZip(t *testing.T, files map[string]string) string {
	t.Helper()
	entries := make([]zipx.File, 0, len(files))
	for path, content := range files {
		entries = append(entries, zipx.File{Path: path, Data: []byte(content)})
	}
	var buffer bytes.Buffer
	if err := zipx.WriteDeterministicZip(&buffer, entries); err != nil {
		t.Fatalf("write bundle zip: %v", err)
	}
	path := filepath.Join(t.TempDir(), "bundle.zip")
	WriteFile(t, path, buffer.Bytes())
	return path
}

// SampleBundle is a small valid skill bundle used across package tests.
func SampleBundle() map[string]string {
	return map[string]string{
		"SKILL.md":          "# Weather\n\nFetch a forecast for a city.\n",
		"scripts/fetch.sh":  "#!/bin/sh\ncurl -s \"$1\"\n",
		"templates/out.txt": "{{ .City }}: {{ .Forecast }}\n",
	}
}

func AssertGoldenJSON(t *testing.T, repoRelativePath string, value any) {
	t.Helper()
	encoded, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		t.Fatalf("marshal golden json: %v", err)
	}
	encoded = append(encoded, '\n')

	goldenPath := filepath.Join(RepoRoot(t), filepath.FromSlash(repoRelativePath))
	if os.Getenv("UPDATE_GOLDEN") == "1" {
		if err := os.MkdirAll(filepath.Dir(goldenPath), 0o750); err != nil {
			t.Fatalf("create golden directory: %v", err)
		}
		if err := os.WriteFile(goldenPath, encoded, 0o600); err != nil {
			t.Fatalf("update golden fixture: %v", err)
		}
		return
	}

	// #nosec G304 -- path is resolved from repo root plus test-owned relative fixture.
	expected, err := os.ReadFile(goldenPath)
	if err != nil {
		t.Fatalf("read golden fixture %s: %v", goldenPath, err)
	}
	if bytes.Equal(expected, encoded) {
		return
	}

	t.Fatalf(
		"golden mismatch for %s\nexpected:\n%s\nactual:\n%s\nset UPDATE_GOLDEN=1 to refresh fixtures",
		goldenPath,
		string(expected),
		string(encoded),
	)
}

func WriteGoldenJSON(t *testing.T, repoRelativePath string, value any) {
	t.Helper()
	encoded, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		t.Fatalf("marshal golden json: %v", err)
	}
	encoded = append(encoded, '\n')
	fullPath := filepath.Join(RepoRoot(t), filepath.FromSlash(repoRelativePath))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		t.Fatalf("create golden fixture directory: %v", err)
	}
	if err := os.WriteFile(fullPath, encoded, 0o600); err != nil {
		t.Fatalf("write golden fixture: %v", err)
	}
}

func MustReadFile(t *testing.T, path string) []byte {
	t.Helper()
	content, err := os.ReadFile(path) // #nosec G304 -- test helper for controlled paths.
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return content
}
