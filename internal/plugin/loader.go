package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var nativeExts = map[string]bool{
	".so":    true,
	".dylib": true,
	".dll":   true,
}

// DetectKind classifies an artifact: a dynamic library file is native, a directory holding
// main.lua is a script package.
func DetectKind(path string) (Kind, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		entry, err := os.Stat(filepath.Join(path, ScriptEntry))
		if err != nil || entry.IsDir() {
			return "", fmt.Errorf("%w: %s has no %s", ErrUnknownKind, path, ScriptEntry)
		}
		return KindScript, nil
	}
	if nativeExts[strings.ToLower(filepath.Ext(path))] {
		return KindNative, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownKind, path)
}

// OpenBackend loads the artifact at path with the matching strategy.
func OpenBackend(path string) (Backend, error) {
	kind, err := DetectKind(path)
	if err != nil {
		return nil, &LoadError{Plugin: filepath.Base(path), Err: err}
	}

	var backend Backend
	switch kind {
	case KindNative:
		backend, err = openNative(path)
	case KindScript:
		backend, err = openScript(path)
	}
	if err != nil {
		return nil, &LoadError{Plugin: filepath.Base(path), Err: err}
	}
	return backend, nil
}

// Open loads the artifact and binds it to its credentials.
func Open(path string, store *CredentialStore) (*Module, error) {
	backend, err := OpenBackend(path)
	if err != nil {
		return nil, err
	}
	return NewModule(path, backend, store), nil
}
