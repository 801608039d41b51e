package zipx

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"sort"
	"time"
)

// DeterministicTimestamp is the earliest time the zip format can represent.
var DeterministicTimestamp = time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC)

type File struct {
	Path    string
	Data    []byte
	Mode    fs.FileMode
	ModTime time.Time
}

// WriteDeterministicZip writes files sorted by path with fixed timestamps, so
// equal inputs always produce identical archive bytes.
func WriteDeterministicZip(w io.Writer, files []File) error {
	return write(w, files, true)
}

// WriteZip writes files sorted by path, keeping each file's ModTime.
func WriteZip(w io.Writer, files []File) error {
	return write(w, files, false)
}

func write(w io.Writer, files []File, deterministic bool) error {
	ordered := append([]File(nil), files...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Path < ordered[j].Path })
	for i := 1; i < len(ordered); i++ {
		if ordered[i].Path == ordered[i-1].Path {
			return fmt.Errorf("duplicate zip entry: %s", ordered[i].Path)
		}
	}

	writer := zip.NewWriter(w)
	for _, file := range ordered {
		if file.Path == "" {
			_ = writer.Close()
			return fmt.Errorf("zip entry path is required")
		}
		mode := file.Mode.Perm()
		if mode == 0 {
			mode = 0o644
		}
		modTime := file.ModTime
		if deterministic || modTime.IsZero() {
			modTime = DeterministicTimestamp
		}
		header := &zip.FileHeader{
			Name:     file.Path,
			Method:   zip.Deflate,
			Modified: modTime.UTC(),
		}
		header.SetMode(mode)
		entry, err := writer.CreateHeader(header)
		if err != nil {
			_ = writer.Close()
			return fmt.Errorf("create zip entry %s: %w", file.Path, err)
		}
		if _, err := entry.Write(file.Data); err != nil {
			_ = writer.Close()
			return fmt.Errorf("write zip entry %s: %w", file.Path, err)
		}
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close zip: %w", err)
	}
	return nil
}
