package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/dustin/go-humanize"
	"github.com/savesync/savesync/internal/archive"
	"github.com/savesync/savesync/internal/events"
	"github.com/savesync/savesync/internal/plugin"
	"golang.org/x/sync/errgroup"
)

const defaultWorkers = 4

var (
	ErrTagNotMapped      = errors.New("tag not mapped")
	ErrInvalidResolution = errors.New("invalid resolution")
	ErrInvalidFolder     = errors.New("invalid folder name")
)

// Remote is the plugin surface the engine drives. *plugin.Module implements it.
type Remote interface {
	ReadCloud(ctx context.Context) ([]*plugin.FileDetails, error)
	Download(ctx context.Context, tag, folder string) ([]byte, error)
	Upload(ctx context.Context, tag, folder string, modified time.Time, data []byte) error
	Remove(ctx context.Context, tag, folder string) error
}

// PathResolver maps a tag onto its local directory. Unknown tags yield ErrTagNotMapped.
type PathResolver func(tag string) (string, error)

// Resolution is the user's answer to a conflict.
type Resolution string

const (
	ResolveLocal Resolution = "local"
	ResolveCloud Resolution = "cloud"
	ResolveNone  Resolution = "none"
)

func ParseResolution(s string) (Resolution, error) {
	switch r := Resolution(s); r {
	case ResolveLocal, ResolveCloud, ResolveNone:
		return r, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidResolution, s)
}

type EngineConfig struct {
	Workers  int
	Debounce time.Duration
	// ViewDir receives cloud copies unpacked by the "none" resolution.
	ViewDir string
}

// FolderError is a per-folder failure. Other folders are unaffected.
type FolderError struct {
	FolderKey
	Err string `json:"error"`
}

// ReconcileResult summarises one reconciliation pass.
type ReconcileResult struct {
	Downloads []FolderKey   `json:"downloads"`
	Uploads   []FolderKey   `json:"uploads"`
	Conflicts []FolderKey   `json:"conflicts"`
	Unchanged []FolderKey   `json:"unchanged"`
	Failed    []FolderError `json:"failed"`
	// Unmapped lists tags present in the cloud with no local mapping.
	Unmapped []string `json:"unmapped"`

	mu sync.Mutex
}

func (r *ReconcileResult) add(action Action, key FolderKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch action {
	case ActionDownload:
		r.Downloads = append(r.Downloads, key)
	case ActionUpload:
		r.Uploads = append(r.Uploads, key)
	case ActionConflict:
		r.Conflicts = append(r.Conflicts, key)
	default:
		r.Unchanged = append(r.Unchanged, key)
	}
}

func (r *ReconcileResult) fail(key FolderKey, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Failed = append(r.Failed, FolderError{FolderKey: key, Err: err.Error()})
}

// Engine reconciles cloud and local folders, keeps watchers on synced folders and holds
// conflicts until the user resolves them.
type Engine struct {
	remote    Remote
	paths     PathResolver
	bus       *events.Bus
	journal   *SyncJournal
	conflicts *ConflictBuffer
	watches   *WatchManager
	cfg       EngineConfig

	// clean holds while the last reconcile finished without failures and no
	// upload has failed since.
	clean   atomic.Bool
	stopped atomic.Bool
}

// NewEngine wires an engine to the active plugin. journal may be nil.
func NewEngine(remote Remote, paths PathResolver, bus *events.Bus, journal *SyncJournal, cfg EngineConfig) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.ViewDir == "" {
		cfg.ViewDir = filepath.Join(os.TempDir(), "savesync-view")
	}
	if bus == nil {
		bus = events.NewBus()
	}

	e := &Engine{
		remote:    remote,
		paths:     paths,
		bus:       bus,
		journal:   journal,
		conflicts: NewConflictBuffer(),
		cfg:       cfg,
	}
	e.watches = NewWatchManager(cfg.Debounce, e.handleSettle, e.handleRemove)
	return e
}

func (e *Engine) Watches() *WatchManager     { return e.watches }
func (e *Engine) Conflicts() *ConflictBuffer { return e.conflicts }

// Reconcile compares every cloud folder with its local copy and acts on the decision.
// Watchers are armed only after a folder's own reconciliation finished.
func (e *Engine) Reconcile(ctx context.Context, synced time.Time) (*ReconcileResult, error) {
	tstart := time.Now()

	e.clean.Store(false)
	details, err := e.remote.ReadCloud(ctx)
	if err != nil {
		return nil, fmt.Errorf("read cloud: %w", err)
	}

	result := &ReconcileResult{}
	unmapped := mapset.NewThreadUnsafeSet[string]()

	var g errgroup.Group
	g.SetLimit(e.cfg.Workers)

	for _, d := range details {
		d := d
		key := FolderKey{Tag: d.Tag, Folder: d.FolderName}
		dir, err := e.folderDir(key)
		if errors.Is(err, ErrTagNotMapped) {
			unmapped.Add(d.Tag)
			continue
		} else if err != nil {
			result.fail(key, err)
			e.reportFailure(key, err)
			continue
		}

		g.Go(func() error {
			action, err := e.reconcileFolder(ctx, synced, key, dir, d)
			if err != nil {
				result.fail(key, err)
				e.reportFailure(key, err)
				return nil
			}
			result.add(action, key)
			return nil
		})
	}
	_ = g.Wait()

	result.Unmapped = unmapped.ToSlice()
	sort.Strings(result.Unmapped)
	if len(result.Unmapped) > 0 {
		slog.Warn("reconcile skipped unmapped tags", "tags", result.Unmapped)
	}

	slog.Info("reconcile", "took", time.Since(tstart),
		"downloads", len(result.Downloads),
		"uploads", len(result.Uploads),
		"conflicts", len(result.Conflicts),
		"unchanged", len(result.Unchanged),
		"failed", len(result.Failed),
	)
	if err := ctx.Err(); err != nil {
		return result, err
	}
	e.clean.Store(len(result.Failed) == 0)
	return result, nil
}

// InSync reports whether local and cloud agree for every folder the engine knows:
// the last reconcile succeeded, no upload failed since and no conflict is pending.
// Only then may the sync stamp move past the current cloud state.
func (e *Engine) InSync() bool {
	return e.clean.Load() && e.conflicts.Len() == 0
}

func (e *Engine) reconcileFolder(ctx context.Context, synced time.Time, key FolderKey, dir string, d *plugin.FileDetails) (Action, error) {
	local, err := archive.LatestModified(dir)
	if err != nil {
		return ActionNoop, fmt.Errorf("scan %s: %w", dir, err)
	}

	action := Decide(synced, local, d.LastModified)
	slog.Debug("reconcile folder", "folder", key, "action", action,
		"synced", synced.Unix(), "local", local.Unix(), "cloud", d.LastModified.Unix())

	entry := &JournalEntry{
		Tag:           key.Tag,
		Folder:        key.Folder,
		Operation:     action.String(),
		LocalModified: local,
		CloudModified: d.LastModified,
	}

	switch action {
	case ActionDownload:
		entry.Size, err = e.download(ctx, key, dir, d.Data)
	case ActionUpload:
		entry.Size, _, err = e.upload(ctx, key, dir)
	case ActionConflict:
		entry.Size, err = e.raiseConflict(ctx, key, local, d)
	}
	if err != nil {
		entry.Error = err.Error()
		e.record(entry)
		return action, err
	}
	if action != ActionNoop {
		e.record(entry)
	}

	if action == ActionConflict {
		return action, nil
	}
	if action == ActionNoop && local.IsZero() {
		// nothing on disk to watch
		return action, nil
	}
	if err := e.watches.Ensure(key, dir); err != nil {
		return action, err
	}
	e.bus.Emit(events.SyncResult, &events.Sync{Tag: key.Tag, Folder: key.Folder, Watching: true})
	return action, nil
}

// download fetches the cloud archive, reusing inline data, and unpacks it over dir.
// The folder's watcher is dropped first so the extraction is not echoed back.
func (e *Engine) download(ctx context.Context, key FolderKey, dir string, inline []byte) (int64, error) {
	data := inline
	if len(data) == 0 {
		var err error
		if data, err = e.remote.Download(ctx, key.Tag, key.Folder); err != nil {
			return 0, fmt.Errorf("download: %w", err)
		}
	}

	e.watches.Drop(key)
	if err := archive.Extract(dir, data); err != nil {
		return 0, fmt.Errorf("extract into %s: %w", dir, err)
	}
	slog.Info("download", "folder", key, "size", humanize.Bytes(uint64(len(data))))
	return int64(len(data)), nil
}

// upload archives dir and pushes it with its newest file time.
func (e *Engine) upload(ctx context.Context, key FolderKey, dir string) (int64, time.Time, error) {
	data, latest, err := archive.ZipDir(dir)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("archive %s: %w", dir, err)
	}
	if err := e.remote.Upload(ctx, key.Tag, key.Folder, latest, data); err != nil {
		return 0, latest, fmt.Errorf("upload: %w", err)
	}
	slog.Info("upload", "folder", key, "size", humanize.Bytes(uint64(len(data))), "modified", latest.Unix())
	return int64(len(data)), latest, nil
}

func (e *Engine) raiseConflict(ctx context.Context, key FolderKey, local time.Time, d *plugin.FileDetails) (int64, error) {
	data := d.Data
	if len(data) == 0 {
		var err error
		if data, err = e.remote.Download(ctx, key.Tag, key.Folder); err != nil {
			return 0, fmt.Errorf("download: %w", err)
		}
	}

	e.watches.Drop(key)
	e.conflicts.Store(&Conflict{FolderKey: key, Local: local, Cloud: d.LastModified, Data: data})
	slog.Warn("conflict", "folder", key, "local", local.Unix(), "cloud", d.LastModified.Unix())
	e.bus.Emit(events.ConflictingFiles, &events.Conflict{
		Tag:    key.Tag,
		Folder: key.Folder,
		Local:  local.Unix(),
		Cloud:  d.LastModified.Unix(),
	})
	return int64(len(data)), nil
}

// ToggleFolder flips the watch state of a folder. Turning it on pushes the current
// contents once. Turning it off removes the remote copy.
func (e *Engine) ToggleFolder(ctx context.Context, tag, folder string) (bool, error) {
	key := FolderKey{Tag: tag, Folder: folder}
	dir, err := e.folderDir(key)
	if err != nil {
		return false, err
	}

	watching, err := e.watches.Toggle(ctx, key, dir)
	if err != nil {
		return watching, err
	}
	if watching {
		size, latest, err := e.upload(ctx, key, dir)
		entry := &JournalEntry{Tag: tag, Folder: folder, Operation: OpInitialUpload, LocalModified: latest, Size: size}
		if err != nil {
			entry.Error = err.Error()
			e.clean.Store(false)
			e.reportFailure(key, err)
		}
		e.record(entry)
	}

	e.bus.Emit(events.SyncResult, &events.Sync{Tag: tag, Folder: folder, Watching: watching})
	return watching, nil
}

// Resolve applies the user's decision to a pending conflict. The conflict is consumed;
// it is put back when applying the decision fails, unless the engine was stopped.
func (e *Engine) Resolve(ctx context.Context, tag, folder string, res Resolution) (err error) {
	if _, err := ParseResolution(string(res)); err != nil {
		return err
	}

	key := FolderKey{Tag: tag, Folder: folder}
	c, err := e.conflicts.Take(key)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil && !e.stopped.Load() {
			e.conflicts.Store(c)
		}
	}()

	dir, err := e.folderDir(key)
	if err != nil {
		return err
	}

	entry := &JournalEntry{Tag: tag, Folder: folder, LocalModified: c.Local, CloudModified: c.Cloud}
	defer func() {
		if err != nil {
			entry.Error = err.Error()
		}
		e.record(entry)
	}()

	switch res {
	case ResolveLocal:
		entry.Operation = OpResolveLocal
		if entry.Size, _, err = e.upload(ctx, key, dir); err != nil {
			return err
		}
	case ResolveCloud:
		entry.Operation = OpResolveCloud
		if entry.Size, err = e.download(ctx, key, dir, c.Data); err != nil {
			return err
		}
	case ResolveNone:
		entry.Operation = OpResolveView
		view := filepath.Join(e.cfg.ViewDir, key.Tag, key.Folder)
		if err = os.RemoveAll(view); err != nil {
			return fmt.Errorf("clear %s: %w", view, err)
		}
		if err = archive.Extract(view, c.Data); err != nil {
			return fmt.Errorf("extract into %s: %w", view, err)
		}
		entry.Size = int64(len(c.Data))
		// the folder stays diverged, the next start raises it again
		e.clean.Store(false)
		slog.Info("conflict view", "folder", key, "path", view)
		e.bus.Emit(events.ConflictView, &events.View{Tag: tag, Folder: folder, Path: view})
		return nil
	}

	if err = e.watches.Ensure(key, dir); err != nil {
		return err
	}
	slog.Info("conflict resolved", "folder", key, "resolution", res)
	e.bus.Emit(events.SyncResult, &events.Sync{Tag: tag, Folder: folder, Watching: true})
	return nil
}

// DropTag stops watching every folder of tag without touching remote data.
func (e *Engine) DropTag(tag string) []FolderKey {
	return e.watches.DropTag(tag)
}

// Stop drops every watcher and pending conflict.
func (e *Engine) Stop() {
	e.stopped.Store(true)
	e.watches.DropAll()
	e.conflicts.Clear()
}

func (e *Engine) handleSettle(ctx context.Context, key FolderKey, dir string) {
	size, latest, err := e.upload(ctx, key, dir)
	if ctx.Err() != nil {
		slog.Debug("settle discarded", "folder", key)
		return
	}

	entry := &JournalEntry{Tag: key.Tag, Folder: key.Folder, Operation: OpSettle, LocalModified: latest, Size: size}
	if err != nil {
		entry.Error = err.Error()
		slog.Error("settle upload", "folder", key, "error", err)
		e.clean.Store(false)
		e.reportFailure(key, err)
	}
	e.record(entry)
}

func (e *Engine) handleRemove(ctx context.Context, key FolderKey) error {
	err := e.remote.Remove(ctx, key.Tag, key.Folder)
	entry := &JournalEntry{Tag: key.Tag, Folder: key.Folder, Operation: OpRemove}
	if err != nil {
		entry.Error = err.Error()
	}
	e.record(entry)
	return err
}

func (e *Engine) folderDir(key FolderKey) (string, error) {
	if !validFolderName(key.Folder) {
		return "", fmt.Errorf("%w: %q", ErrInvalidFolder, key.Folder)
	}
	root, err := e.paths(key.Tag)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, key.Folder), nil
}

func validFolderName(name string) bool {
	return name != "" && name != "." && name != ".." && filepath.Base(name) == name && !filepath.IsAbs(name)
}

func (e *Engine) reportFailure(key FolderKey, err error) {
	e.bus.Emit(events.PluginError, &events.Error{
		Title:       "Sync failed",
		Description: fmt.Sprintf("%s: %v", key, err),
		Code:        plugin.ErrorCode(err),
	})
}

func (e *Engine) record(entry *JournalEntry) {
	if e.journal == nil {
		return
	}
	if err := e.journal.Record(entry); err != nil {
		slog.Warn("journal record", "folder", entry.Tag+"/"+entry.Folder, "error", err)
	}
}
