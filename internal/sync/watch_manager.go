package sync

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

var ErrWatcherExists = errors.New("folder already watched")

// SettleHandler uploads a folder after its watcher settled.
type SettleHandler func(ctx context.Context, key FolderKey, dir string)

// RemoveHandler deletes the remote copy of a folder when it stops being watched.
type RemoveHandler func(ctx context.Context, key FolderKey) error

// WatchManager is the registry of folder watchers. Its lock covers map mutations only:
// watchers are stopped and remote removals run after it is released.
type WatchManager struct {
	debounce time.Duration
	onSettle SettleHandler
	onRemove RemoveHandler

	mu       sync.Mutex
	watchers map[FolderKey]*FolderWatcher
}

func NewWatchManager(debounce time.Duration, onSettle SettleHandler, onRemove RemoveHandler) *WatchManager {
	return &WatchManager{
		debounce: debounce,
		onSettle: onSettle,
		onRemove: onRemove,
		watchers: make(map[FolderKey]*FolderWatcher),
	}
}

// Toggle starts watching key when it is not watched and returns true. Otherwise it
// stops the watcher, removes the remote folder and returns false.
func (m *WatchManager) Toggle(ctx context.Context, key FolderKey, dir string) (bool, error) {
	m.mu.Lock()
	if w, ok := m.watchers[key]; ok {
		delete(m.watchers, key)
		m.mu.Unlock()

		w.Stop()
		slog.Info("watch stop", "folder", key)
		if m.onRemove != nil {
			if err := m.onRemove(ctx, key); err != nil {
				return false, err
			}
		}
		return false, nil
	}
	defer m.mu.Unlock()

	if err := m.startLocked(key, dir); err != nil {
		return false, err
	}
	return true, nil
}

// Ensure starts watching key unless it is already watched at dir. A watcher bound to a
// different dir is replaced.
func (m *WatchManager) Ensure(key FolderKey, dir string) error {
	m.mu.Lock()
	old, ok := m.watchers[key]
	if ok && old.Dir() == dir {
		m.mu.Unlock()
		return nil
	}
	if ok {
		delete(m.watchers, key)
	}
	err := m.startLocked(key, dir)
	m.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	return err
}

func (m *WatchManager) startLocked(key FolderKey, dir string) error {
	if _, ok := m.watchers[key]; ok {
		return ErrWatcherExists
	}

	w := NewFolderWatcher(dir, m.debounce, func(ctx context.Context) {
		if m.onSettle != nil {
			m.onSettle(ctx, key, dir)
		}
	})
	// watchers outlive the request that created them
	if err := w.Start(context.Background()); err != nil {
		return err
	}
	m.watchers[key] = w
	slog.Info("watch start", "folder", key, "dir", dir)
	return nil
}

// Drop stops the named watchers without touching remote data.
func (m *WatchManager) Drop(keys ...FolderKey) {
	var stopped []*FolderWatcher

	m.mu.Lock()
	for _, key := range keys {
		if w, ok := m.watchers[key]; ok {
			delete(m.watchers, key)
			stopped = append(stopped, w)
		}
	}
	m.mu.Unlock()

	for _, w := range stopped {
		w.Stop()
	}
}

// DropTag stops every watcher under tag and returns their keys.
func (m *WatchManager) DropTag(tag string) []FolderKey {
	var keys []FolderKey
	for _, key := range m.Watched() {
		if key.Tag == tag {
			keys = append(keys, key)
		}
	}
	m.Drop(keys...)
	return keys
}

func (m *WatchManager) DropAll() {
	m.Drop(m.Watched()...)
}

func (m *WatchManager) IsWatched(key FolderKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.watchers[key]
	return ok
}

// Watched lists the watched folders, sorted.
func (m *WatchManager) Watched() []FolderKey {
	m.mu.Lock()
	keys := make([]FolderKey, 0, len(m.watchers))
	for key := range m.watchers {
		keys = append(keys, key)
	}
	m.mu.Unlock()

	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}
