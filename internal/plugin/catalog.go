package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	lru "github.com/hashicorp/golang-lru/v2"
)

const catalogCacheSize = 128

// Entry is one installed plugin artifact as seen by the catalog.
type Entry struct {
	Path     string    `json:"path"`
	Kind     Kind      `json:"kind"`
	Metadata *Metadata `json:"metadata,omitempty"`
	Error    string    `json:"error,omitempty"`
}

type catalogItem struct {
	modTime time.Time
	meta    *Metadata
	err     *LoadError
}

// Catalog enumerates the plugins directory. Metadata and load failures are cached per
// artifact until the artifact changes on disk, so a broken plugin is reported once and
// not reloaded on every listing.
type Catalog struct {
	dir   string
	cache *lru.Cache[string, catalogItem]

	mu          sync.Mutex
	onLoadError func(*LoadError)
}

func NewCatalog(dir string) (*Catalog, error) {
	cache, err := lru.New[string, catalogItem](catalogCacheSize)
	if err != nil {
		return nil, err
	}
	return &Catalog{dir: dir, cache: cache}, nil
}

// OnLoadError registers a hook called the first time an artifact fails to load.
func (c *Catalog) OnLoadError(fn func(*LoadError)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLoadError = fn
}

func (c *Catalog) Dir() string { return c.dir }

// Artifacts returns the paths of every recognisable artifact, sorted.
func (c *Catalog) Artifacts() ([]string, error) {
	entries, err := os.ReadDir(c.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("read plugins dir: %w", err)
	}

	var paths []string
	for _, e := range entries {
		p := filepath.Join(c.dir, e.Name())
		if _, err := DetectKind(p); err == nil {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// Resolve maps a plugin name (artifact file name) or path to an artifact path.
func (c *Catalog) Resolve(name string) (string, error) {
	candidate := name
	if !filepath.IsAbs(name) && !strings.ContainsRune(name, filepath.Separator) {
		candidate = filepath.Join(c.dir, name)
	}
	if _, err := DetectKind(candidate); err != nil {
		return "", fmt.Errorf("%w: %s", ErrPluginNotFound, name)
	}
	return candidate, nil
}

// List describes every artifact in the plugins directory.
func (c *Catalog) List(ctx context.Context) ([]*Entry, error) {
	paths, err := c.Artifacts()
	if err != nil {
		return nil, err
	}

	out := make([]*Entry, 0, len(paths))
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		kind, _ := DetectKind(p)
		entry := &Entry{Path: p, Kind: kind}
		meta, err := c.describe(ctx, p)
		if err != nil {
			entry.Error = err.Error()
		} else {
			entry.Metadata = meta
		}
		out = append(out, entry)
	}
	return out, nil
}

// Open loads a module unless the artifact already failed in its current form.
func (c *Catalog) Open(path string, store *CredentialStore) (*Module, error) {
	modTime, err := artifactModTime(path)
	if err != nil {
		return nil, &LoadError{Plugin: filepath.Base(path), Err: err}
	}
	if item, ok := c.cache.Get(path); ok && item.err != nil && item.modTime.Equal(modTime) {
		return nil, item.err
	}

	mod, err := Open(path, store)
	if err != nil {
		c.fail(path, modTime, err)
		return nil, err
	}
	return mod, nil
}

func (c *Catalog) describe(ctx context.Context, path string) (*Metadata, error) {
	modTime, err := artifactModTime(path)
	if err != nil {
		return nil, err
	}
	if item, ok := c.cache.Get(path); ok && item.modTime.Equal(modTime) {
		if item.err != nil {
			return nil, item.err
		}
		if item.meta != nil {
			meta := *item.meta
			return &meta, nil
		}
	}

	backend, err := OpenBackend(path)
	if err != nil {
		c.fail(path, modTime, err)
		return nil, err
	}
	defer backend.Close()

	meta, err := backend.Info(ctx)
	if err != nil {
		loadErr := &LoadError{Plugin: filepath.Base(path), Err: err}
		c.fail(path, modTime, loadErr)
		return nil, loadErr
	}
	meta.Filename = filepath.Base(path)
	c.cache.Add(path, catalogItem{modTime: modTime, meta: meta})

	cp := *meta
	return &cp, nil
}

func (c *Catalog) fail(path string, modTime time.Time, err error) {
	var loadErr *LoadError
	if !errors.As(err, &loadErr) {
		loadErr = &LoadError{Plugin: filepath.Base(path), Err: err}
	}
	if item, ok := c.cache.Get(path); ok && item.err != nil && item.modTime.Equal(modTime) {
		return
	}
	c.cache.Add(path, catalogItem{modTime: modTime, err: loadErr})
	slog.Warn("plugin load", "plugin", loadErr.Plugin, "error", loadErr.Err)

	c.mu.Lock()
	hook := c.onLoadError
	c.mu.Unlock()
	if hook != nil {
		hook(loadErr)
	}
}

// Invalidate drops cached state for the artifact containing path.
func (c *Catalog) Invalidate(path string) {
	rel, err := filepath.Rel(c.dir, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return
	}
	top := strings.SplitN(filepath.ToSlash(rel), "/", 2)[0]
	c.cache.Remove(filepath.Join(c.dir, top))
}

// Watch invalidates cache entries as artifacts change. It blocks until ctx is done.
func (c *Catalog) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("plugins watcher: %w", err)
	}
	defer watcher.Close()

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("create plugins dir: %w", err)
	}
	if err := watcher.Add(c.dir); err != nil {
		return fmt.Errorf("watch plugins dir: %w", err)
	}
	c.watchScriptDirs(watcher)

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Chmod) {
				continue
			}
			slog.Debug("plugin artifact changed", "path", event.Name, "op", event.Op.String())
			c.Invalidate(event.Name)
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = watcher.Add(event.Name)
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("plugins watcher", "error", err)
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Catalog) watchScriptDirs(watcher *fsnotify.Watcher) {
	paths, err := c.Artifacts()
	if err != nil {
		return
	}
	for _, p := range paths {
		if kind, _ := DetectKind(p); kind == KindScript {
			if err := watcher.Add(p); err != nil {
				slog.Debug("watch script plugin", "path", p, "error", err)
			}
		}
	}
}

// artifactModTime is the file mtime for native modules and the newest of the
// directory and entry script mtimes for script packages.
func artifactModTime(path string) (time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	mod := info.ModTime()
	if info.IsDir() {
		if entry, err := os.Stat(filepath.Join(path, ScriptEntry)); err == nil && entry.ModTime().After(mod) {
			mod = entry.ModTime()
		}
	}
	return mod, nil
}
