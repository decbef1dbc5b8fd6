package utils

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var errEmptyPath = errors.New("path cannot be empty")

// ResolvePath expands a leading ~ and returns the cleaned absolute path.
func ResolvePath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", errEmptyPath
	}

	if path == "~" || strings.HasPrefix(path, "~/") || strings.HasPrefix(path, `~\`) {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("expand %q: %w", path, err)
		}
		path = filepath.Join(home, path[1:])
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}

// EnsureParent creates the directory holding path.
func EnsureParent(path string) error {
	return EnsureDir(filepath.Dir(path))
}

// EnsureDir creates path if missing. An existing non-directory is an error.
func EnsureDir(path string) error {
	return ensureDir(path, 0o755)
}

// EnsurePrivateDir is EnsureDir for directories only the owner may read.
func EnsurePrivateDir(path string) error {
	return ensureDir(path, 0o700)
}

func ensureDir(path string, perm os.FileMode) error {
	info, err := os.Stat(path)
	switch {
	case err == nil && info.IsDir():
		return nil
	case err == nil:
		return fmt.Errorf("%s exists and is not a directory", path)
	case !errors.Is(err, os.ErrNotExist):
		return err
	}
	return os.MkdirAll(path, perm)
}
