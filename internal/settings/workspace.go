package settings

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/savesync/savesync/internal/utils"
)

const (
	credentialsDir = "credentials"
	pluginsDir     = "plugins"
	logsDir        = "logs"
	viewDir        = "temp"
	dataDir        = "data"
	lockFile       = "savesync.lock"
	journalFile    = "journal.db"
)

var (
	ErrWorkspaceLocked = errors.New("workspace locked by another process")
)

// Workspace is the on-disk layout under the configuration directory.
type Workspace struct {
	Root           string
	CredentialsDir string
	PluginsDir     string
	LogsDir        string
	ViewDir        string
	DataDir        string

	flock *flock.Flock
}

func NewWorkspace(rootDir string) (*Workspace, error) {
	root, err := utils.ResolvePath(rootDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", rootDir, err)
	}

	return &Workspace{
		Root:           root,
		CredentialsDir: filepath.Join(root, credentialsDir),
		PluginsDir:     filepath.Join(root, pluginsDir),
		LogsDir:        filepath.Join(root, logsDir),
		ViewDir:        filepath.Join(root, viewDir),
		DataDir:        filepath.Join(root, dataDir),
		flock:          flock.New(filepath.Join(root, dataDir, lockFile)),
	}, nil
}

// DefaultRoot is <UserConfigDir>/SaveSync, falling back to ~/.savesync.
func DefaultRoot() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "SaveSync")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".savesync")
}

func (w *Workspace) JournalPath() string {
	return filepath.Join(w.DataDir, journalFile)
}

// PluginLogPath is the per-plugin log receiving abort messages.
func (w *Workspace) PluginLogPath(pluginFile string) string {
	return filepath.Join(w.LogsDir, filepath.Base(pluginFile)+".txt")
}

func (w *Workspace) Lock() error {
	// data/savesync.lock keeps a second daemon off the same configuration
	if err := utils.EnsureDir(w.DataDir); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", w.DataDir, err)
	}

	locked, err := w.flock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock workspace: %w", err)
	}
	if !locked {
		return ErrWorkspaceLocked
	}
	return nil
}

func (w *Workspace) Unlock() error {
	if !w.flock.Locked() {
		return nil
	}

	if err := w.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to unlock workspace: %w", err)
	}
	return os.Remove(w.flock.Path())
}

// Setup locks the workspace and creates its directories.
func (w *Workspace) Setup() error {
	if err := w.Lock(); err != nil {
		return err
	}

	slog.Info("workspace", "root", w.Root)

	for _, dir := range []string{w.CredentialsDir, w.PluginsDir, w.LogsDir, w.ViewDir, w.DataDir} {
		if err := utils.EnsureDir(dir); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// AppendPluginLog appends one timestamped line to the plugin's log.
func (w *Workspace) AppendPluginLog(pluginFile, line string) error {
	path := w.PluginLogPath(pluginFile)
	if err := utils.EnsureParent(path); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintln(f, line)
	return err
}
