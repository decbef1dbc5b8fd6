// Package archive packs a folder tree into a single zip buffer and unpacks it again.
// It knows nothing about tags, plugins or sync state.
package archive

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
)

var (
	ErrUnsafePath = errors.New("archive: entry escapes target directory")
	ErrNotDir     = errors.New("archive: not a directory")
)

// ZipDir walks path and writes every regular file into a zip buffer, keyed by its
// slash separated path relative to path. It returns the buffer and the latest file
// modification time seen. Directories do not contribute a timestamp.
func ZipDir(path string) ([]byte, time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("zip stat %q: %w", path, err)
	}
	if !info.IsDir() {
		return nil, time.Time{}, fmt.Errorf("zip %q: %w", path, ErrNotDir)
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	var latest time.Time

	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(path, p)
		if err != nil {
			return err
		}

		header, err := zip.FileInfoHeader(fi)
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		header.Method = zip.Deflate
		header.Modified = fi.ModTime()

		w, err := zw.CreateHeader(header)
		if err != nil {
			return err
		}
		if err := copyFile(w, p); err != nil {
			return err
		}

		if fi.ModTime().After(latest) {
			latest = fi.ModTime()
		}
		return nil
	})
	if err != nil {
		zw.Close()
		return nil, time.Time{}, fmt.Errorf("zip walk %q: %w", path, err)
	}

	if err := zw.Close(); err != nil {
		return nil, time.Time{}, fmt.Errorf("zip close: %w", err)
	}

	return buf.Bytes(), latest, nil
}

// Extract unpacks a zip buffer into dir, creating intermediate directories and
// overwriting existing files. File modification times are restored from the archive.
func Extract(dir string, data []byte) error {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("zip open: %w", err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}

	for _, f := range zr.File {
		target, err := safeJoin(dir, f.Name)
		if err != nil {
			return err
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create directory %q: %w", target, err)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", filepath.Dir(target), err)
		}

		if err := extractFile(f, target); err != nil {
			return fmt.Errorf("zip extract file %q: %w", f.Name, err)
		}

		if !f.Modified.IsZero() {
			if err := os.Chtimes(target, f.Modified, f.Modified); err != nil {
				return fmt.Errorf("set times %q: %w", target, err)
			}
		}
	}

	return nil
}

// LatestModified returns the newest modification time of any regular file under path,
// recursing into subdirectories. It considers exactly the files ZipDir archives.
// A missing path yields the zero time.
func LatestModified(path string) (time.Time, error) {
	var latest time.Time

	err := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		if fi.ModTime().After(latest) {
			latest = fi.ModTime()
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("walk %q: %w", path, err)
	}

	return latest, nil
}

func copyFile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(w, f)
	return err
}

func extractFile(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	mode := f.Mode().Perm()
	if mode == 0 {
		mode = 0o644
	}

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// safeJoin joins an archive entry name onto dir, rejecting names that would land outside it.
func safeJoin(dir, name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	if strings.HasPrefix(name, "/") || filepath.IsAbs(name) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}

	target := filepath.Join(dir, filepath.FromSlash(name))
	rel, err := filepath.Rel(dir, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	return target, nil
}
