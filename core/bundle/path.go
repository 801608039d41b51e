package bundle

import (
	"fmt"
	"path/filepath"
	"strings"

	coreerrors "github.com/davidahmann/skilltrust/core/errors"
	"github.com/davidahmann/skilltrust/core/finding"
)

// NormalizePath converts a relative path to the bundle form: forward slashes,
// no leading "./", no empty, "." or ".." segments. Absolute paths, drive
// letters, backslashes and NUL bytes are rejected with CONSTRAINT_UNSAFE_PATH.
func NormalizePath(raw string) (string, error) {
	path := filepath.ToSlash(raw)
	if path == "" {
		return "", unsafePath(raw, "empty path")
	}
	if strings.ContainsRune(path, 0) {
		return "", unsafePath(raw, "path contains NUL byte")
	}
	if strings.Contains(path, `\`) {
		return "", unsafePath(raw, "path contains backslash")
	}
	if strings.HasPrefix(path, "/") {
		return "", unsafePath(raw, "absolute path")
	}
	if hasDriveLetter(path) {
		return "", unsafePath(raw, "drive-letter path")
	}
	for _, segment := range strings.Split(path, "/") {
		switch segment {
		case "":
			return "", unsafePath(raw, "empty path segment")
		case ".":
			return "", unsafePath(raw, "dot path segment")
		case "..":
			return "", unsafePath(raw, "path traverses parent directory")
		}
	}
	return path, nil
}

func hasDriveLetter(path string) bool {
	if len(path) < 2 || path[1] != ':' {
		return false
	}
	first := path[0]
	return (first >= 'a' && first <= 'z') || (first >= 'A' && first <= 'Z')
}

func unsafePath(path, reason string) error {
	return coreerrors.WrapPath(
		fmt.Errorf("unsafe path: %s", reason),
		coreerrors.CategoryUnsafeInput,
		finding.ConstraintUnsafePath,
		path,
	)
}

func symlinkForbidden(path string) error {
	return coreerrors.WrapPath(
		fmt.Errorf("symbolic links are not allowed in a bundle"),
		coreerrors.CategoryUnsafeInput,
		finding.ConstraintSymlinkForbidden,
		path,
	)
}

// IsSHA256Hex reports whether value is 64 lowercase hex characters.
func IsSHA256Hex(value string) bool {
	if len(value) != 64 {
		return false
	}
	for _, ch := range value {
		if (ch < '0' || ch > '9') && (ch < 'a' || ch > 'f') {
			return false
		}
	}
	return true
}
