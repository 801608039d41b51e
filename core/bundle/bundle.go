// Package bundle reads a skill bundle from a directory tree or a zip archive
// into a sorted list of content-addressed file entries.
//
// The bundle digest is sha256 over, for every entry in raw byte order of path:
//
//	path 0x00 sha256-hex 0x0A
//
// This layout is part of the receipt format and must not change.
package bundle

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	coreerrors "github.com/davidahmann/skilltrust/core/errors"
	schemareceipt "github.com/davidahmann/skilltrust/core/schema/v1/receipt"
)

type Kind string

const (
	KindDirectory Kind = "directory"
	KindArchive   Kind = "archive"
)

const maxEntryBytes = int64(100 * 1024 * 1024)

type Options struct {
	// Workers bounds concurrent file hashing; zero means runtime.NumCPU().
	Workers int
	// Skip lists normalized bundle paths to leave out of a directory walk.
	Skip []string
}

type Snapshot struct {
	Kind         Kind
	Source       string
	Files        []schemareceipt.FileEntry
	BundleSHA256 string
	TotalBytes   uint64
}

// Hash dispatches to HashDirectory or HashArchive based on what source is.
func Hash(ctx context.Context, source string, opts Options) (Snapshot, error) {
	info, err := os.Stat(source)
	if err != nil {
		return Snapshot{}, coreerrors.Wrap(fmt.Errorf("stat bundle: %w", err), coreerrors.CategoryIOFailure, "bundle_unreadable", "check the bundle path")
	}
	if info.IsDir() {
		return HashDirectory(ctx, source, opts)
	}
	return HashArchive(ctx, source, opts)
}

type walkedFile struct {
	rel string
	abs string
}

func HashDirectory(ctx context.Context, dir string, opts Options) (Snapshot, error) {
	rootInfo, err := os.Lstat(dir)
	if err != nil {
		return Snapshot{}, coreerrors.Wrap(fmt.Errorf("stat bundle directory: %w", err), coreerrors.CategoryIOFailure, "bundle_unreadable", "check the bundle path")
	}
	if rootInfo.Mode()&fs.ModeSymlink != 0 {
		return Snapshot{}, symlinkForbidden(".")
	}
	if !rootInfo.IsDir() {
		return Snapshot{}, coreerrors.Newf(coreerrors.CategoryInvalidInput, "bundle_not_directory", "bundle source is not a directory: %s", dir)
	}

	skip := make(map[string]struct{}, len(opts.Skip))
	for _, path := range opts.Skip {
		skip[path] = struct{}{}
	}

	files, err := walkDirectory(ctx, dir, skip)
	if err != nil {
		return Snapshot{}, err
	}

	entries := make([]schemareceipt.FileEntry, len(files))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(workerCount(opts.Workers))
	for index, file := range files {
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			entry, err := hashLocalFile(file)
			if err != nil {
				return err
			}
			entries[index] = entry
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return Snapshot{}, err
	}
	return newSnapshot(KindDirectory, dir, entries), nil
}

func walkDirectory(ctx context.Context, dir string, skip map[string]struct{}) ([]walkedFile, error) {
	files := make([]walkedFile, 0, 16)
	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return coreerrors.Wrap(fmt.Errorf("walk bundle: %w", walkErr), coreerrors.CategoryIOFailure, "bundle_unreadable", "check directory permissions")
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == dir {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return coreerrors.Wrap(fmt.Errorf("relative path: %w", err), coreerrors.CategoryInternal, "bundle_path", "")
		}
		if entry.Type()&fs.ModeSymlink != 0 {
			return symlinkForbidden(filepath.ToSlash(rel))
		}
		if entry.IsDir() {
			return nil
		}
		if !entry.Type().IsRegular() {
			return unsafePath(filepath.ToSlash(rel), "not a regular file")
		}
		normalized, err := NormalizePath(rel)
		if err != nil {
			return err
		}
		if _, skipped := skip[normalized]; skipped {
			return nil
		}
		files = append(files, walkedFile{rel: normalized, abs: path})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func hashLocalFile(file walkedFile) (schemareceipt.FileEntry, error) {
	// #nosec G304 -- path comes from walking the caller-selected bundle directory.
	handle, err := os.Open(file.abs)
	if err != nil {
		return schemareceipt.FileEntry{}, coreerrors.WrapPath(fmt.Errorf("open: %w", err), coreerrors.CategoryIOFailure, "bundle_unreadable", file.rel)
	}
	defer func() {
		_ = handle.Close()
	}()
	hasher := sha256.New()
	size, err := io.Copy(hasher, handle)
	if err != nil {
		return schemareceipt.FileEntry{}, coreerrors.WrapPath(fmt.Errorf("read: %w", err), coreerrors.CategoryIOFailure, "bundle_unreadable", file.rel)
	}
	return schemareceipt.FileEntry{
		Path:   file.rel,
		Size:   uint64(size),
		SHA256: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

func HashArchive(ctx context.Context, path string, opts Options) (Snapshot, error) {
	reader, err := zip.OpenReader(path)
	if err != nil {
		return Snapshot{}, coreerrors.Wrap(fmt.Errorf("open zip: %w", err), coreerrors.CategoryInvalidInput, "bundle_unreadable", "bundle archives must be zip files")
	}
	defer func() {
		_ = reader.Close()
	}()

	files, err := archiveFiles(reader.File)
	if err != nil {
		return Snapshot{}, err
	}

	entries := make([]schemareceipt.FileEntry, len(files))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(workerCount(opts.Workers))
	for index, file := range files {
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			digest, size, err := hashZipFile(file)
			if err != nil {
				return coreerrors.WrapPath(err, coreerrors.CategoryInvalidInput, "bundle_unreadable", file.Name)
			}
			entries[index] = schemareceipt.FileEntry{Path: file.Name, Size: size, SHA256: digest}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return Snapshot{}, err
	}
	return newSnapshot(KindArchive, path, entries), nil
}

// archiveFiles validates every entry name and returns the regular files.
func archiveFiles(entries []*zip.File) ([]*zip.File, error) {
	files := make([]*zip.File, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		mode := entry.Mode()
		if mode&fs.ModeSymlink != 0 {
			return nil, symlinkForbidden(entry.Name)
		}
		if strings.HasSuffix(entry.Name, "/") {
			if entry.UncompressedSize64 != 0 {
				return nil, unsafePath(entry.Name, "directory entry carries data")
			}
			if _, err := NormalizePath(strings.TrimSuffix(entry.Name, "/")); err != nil {
				return nil, err
			}
			continue
		}
		if mode.IsDir() {
			return nil, unsafePath(entry.Name, "directory recorded as file")
		}
		if !mode.IsRegular() {
			return nil, unsafePath(entry.Name, "not a regular file")
		}
		normalized, err := NormalizePath(entry.Name)
		if err != nil {
			return nil, err
		}
		if normalized != entry.Name {
			return nil, unsafePath(entry.Name, "non-canonical entry name")
		}
		if _, dup := seen[normalized]; dup {
			return nil, unsafePath(entry.Name, "duplicate entry")
		}
		seen[normalized] = struct{}{}
		files = append(files, entry)
	}
	for name := range seen {
		for parent := parentOf(name); parent != ""; parent = parentOf(parent) {
			if _, clash := seen[parent]; clash {
				return nil, unsafePath(parent, "file also used as a directory")
			}
		}
	}
	return files, nil
}

func parentOf(path string) string {
	index := strings.LastIndex(path, "/")
	if index < 0 {
		return ""
	}
	return path[:index]
}

func hashZipFile(file *zip.File) (string, uint64, error) {
	if file.UncompressedSize64 > uint64(maxEntryBytes) {
		return "", 0, fmt.Errorf("zip entry too large: %d", file.UncompressedSize64)
	}
	reader, err := file.Open()
	if err != nil {
		return "", 0, err
	}
	defer func() {
		_ = reader.Close()
	}()
	hasher := sha256.New()
	n, err := io.Copy(hasher, io.LimitReader(reader, maxEntryBytes+1))
	if err != nil {
		return "", 0, err
	}
	if n > maxEntryBytes {
		return "", 0, fmt.Errorf("zip entry exceeds max size")
	}
	return hex.EncodeToString(hasher.Sum(nil)), uint64(n), nil
}

func newSnapshot(kind Kind, source string, entries []schemareceipt.FileEntry) Snapshot {
	sorted := SortEntries(entries)
	var total uint64
	for _, entry := range sorted {
		total += entry.Size
	}
	return Snapshot{
		Kind:         kind,
		Source:       source,
		Files:        sorted,
		BundleSHA256: BundleSHA256(sorted),
		TotalBytes:   total,
	}
}

// SortEntries returns a copy of entries ordered by raw byte comparison of path.
func SortEntries(entries []schemareceipt.FileEntry) []schemareceipt.FileEntry {
	out := make([]schemareceipt.FileEntry, len(entries))
	copy(out, entries)
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// BundleSHA256 folds entries into the bundle digest. Entries are sorted first,
// so callers may pass them in any order.
func BundleSHA256(entries []schemareceipt.FileEntry) string {
	hasher := sha256.New()
	for _, entry := range SortEntries(entries) {
		writeEntry(hasher, entry)
	}
	return hex.EncodeToString(hasher.Sum(nil))
}

func writeEntry(hasher hash.Hash, entry schemareceipt.FileEntry) {
	_, _ = io.WriteString(hasher, entry.Path)
	_, _ = hasher.Write([]byte{0})
	_, _ = io.WriteString(hasher, entry.SHA256)
	_, _ = hasher.Write([]byte{'\n'})
}

func workerCount(requested int) int {
	if requested > 0 {
		return requested
	}
	if n := runtime.NumCPU(); n > 0 {
		return n
	}
	return 1
}

// Lookup returns the entry for path, if present.
func (snapshot Snapshot) Lookup(path string) (schemareceipt.FileEntry, bool) {
	index := sort.Search(len(snapshot.Files), func(i int) bool { return snapshot.Files[i].Path >= path })
	if index < len(snapshot.Files) && snapshot.Files[index].Path == path {
		return snapshot.Files[index], true
	}
	return schemareceipt.FileEntry{}, false
}

// ReadFile returns the raw bytes of one bundle file from either encoding.
func (snapshot Snapshot) ReadFile(path string) ([]byte, error) {
	if _, ok := snapshot.Lookup(path); !ok {
		return nil, fmt.Errorf("bundle file not found: %s", path)
	}
	switch snapshot.Kind {
	case KindDirectory:
		// #nosec G304 -- path was produced by walking the bundle directory.
		return os.ReadFile(filepath.Join(snapshot.Source, filepath.FromSlash(path)))
	case KindArchive:
		return readArchiveFile(snapshot.Source, path)
	default:
		return nil, fmt.Errorf("unsupported bundle kind: %s", snapshot.Kind)
	}
}

func readArchiveFile(archivePath, name string) ([]byte, error) {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	defer func() {
		_ = reader.Close()
	}()
	for _, file := range reader.File {
		if file.Name != name {
			continue
		}
		handle, err := file.Open()
		if err != nil {
			return nil, err
		}
		payload, err := io.ReadAll(io.LimitReader(handle, maxEntryBytes+1))
		_ = handle.Close()
		if err != nil {
			return nil, err
		}
		if int64(len(payload)) > maxEntryBytes {
			return nil, fmt.Errorf("zip entry too large")
		}
		return payload, nil
	}
	return nil, fmt.Errorf("zip entry not found: %s", name)
}
