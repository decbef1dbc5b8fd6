package plugin

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/savesync/savesync/internal/utils"
)

const credentialExt = ".auth"

// CredentialStore keeps one opaque credential blob per plugin artifact.
type CredentialStore struct {
	dir string
}

func NewCredentialStore(dir string) *CredentialStore {
	return &CredentialStore{dir: dir}
}

// Path returns <dir>/<plugin-filename>.auth.
func (c *CredentialStore) Path(pluginFile string) string {
	return filepath.Join(c.dir, filepath.Base(pluginFile)+credentialExt)
}

// Read returns the stored blob, or "" when the plugin has never been authorized.
func (c *CredentialStore) Read(pluginFile string) (string, error) {
	data, err := os.ReadFile(c.Path(pluginFile))
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	} else if err != nil {
		return "", fmt.Errorf("read credentials: %w", err)
	}
	return string(data), nil
}

func (c *CredentialStore) Write(pluginFile, blob string) error {
	if err := utils.EnsurePrivateDir(c.dir); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}
	if err := os.WriteFile(c.Path(pluginFile), []byte(blob), 0o600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	return nil
}

func (c *CredentialStore) Delete(pluginFile string) error {
	err := os.Remove(c.Path(pluginFile))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
