package fsx

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// WriteFileAtomic writes content to a sibling temp file and renames it over
// path, creating the parent directory when missing. Readers never observe a
// partially written archive or receipt.
func WriteFileAtomic(path string, content []byte, mode os.FileMode) error {
	parent := filepath.Dir(path)
	if parent != "." && parent != "" {
		if err := os.MkdirAll(parent, 0o750); err != nil {
			return fmt.Errorf("create parent directory: %w", err)
		}
	}

	tempFile, err := os.CreateTemp(parent, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tempPath := tempFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tempPath)
		}
	}()

	if err := writeAndClose(tempFile, content, mode); err != nil {
		return err
	}
	if err := replace(tempPath, path); err != nil {
		return err
	}
	committed = true

	// #nosec G304 -- parent directory path is derived from explicit caller-provided destination path.
	if dirHandle, err := os.Open(parent); err == nil {
		_ = dirHandle.Sync()
		_ = dirHandle.Close()
	}
	return nil
}

func writeAndClose(file *os.File, content []byte, mode os.FileMode) error {
	if _, err := file.Write(content); err != nil {
		_ = file.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := file.Chmod(mode); err != nil {
		_ = file.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	return nil
}

func replace(from, to string) error {
	err := os.Rename(from, to)
	if err == nil {
		return nil
	}
	if runtime.GOOS != "windows" {
		return fmt.Errorf("rename temp file: %w", err)
	}
	if removeErr := os.Remove(to); removeErr != nil && !os.IsNotExist(removeErr) {
		return fmt.Errorf("remove destination before rename: %w", removeErr)
	}
	if renameErr := os.Rename(from, to); renameErr != nil {
		return fmt.Errorf("rename temp file after remove: %w", renameErr)
	}
	return nil
}

// RelativeWithin reports the slash-separated path of target relative to root
// when target lies inside root. Both paths are made absolute first.
func RelativeWithin(root, target string) (string, bool) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", false
	}
	absTarget, err := filepath.Abs(target)
	if err != nil {
		return "", false
	}
	rel, err := filepath.Rel(absRoot, absTarget)
	if err != nil {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", false
	}
	return rel, true
}
