package sync

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func watchDir(t *testing.T) string {
	t.Helper()
	// tmpdir is a symlink on macos
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	return dir
}

func TestFolderWatcherCoalescesBurst(t *testing.T) {
	dir := watchDir(t)
	var settles atomic.Int32
	fw := NewFolderWatcher(dir, 200*time.Millisecond, func(context.Context) { settles.Add(1) })
	require.NoError(t, fw.Start(context.Background()))
	defer fw.Stop()

	for i := 0; i < 10; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "burst.txt"), []byte{byte(i)}, 0o644))
		time.Sleep(20 * time.Millisecond)
	}

	assert.Eventually(t, func() bool { return settles.Load() == 1 }, 3*time.Second, 20*time.Millisecond)
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, int32(1), settles.Load())
}

func TestFolderWatcherRecursive(t *testing.T) {
	dir := watchDir(t)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "a", "b"), 0o755))

	var settles atomic.Int32
	fw := NewFolderWatcher(dir, 50*time.Millisecond, func(context.Context) { settles.Add(1) })
	require.NoError(t, fw.Start(context.Background()))
	defer fw.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a", "b", "deep.txt"), []byte("x"), 0o644))
	assert.Eventually(t, func() bool { return settles.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
}

func TestFolderWatcherMissingDir(t *testing.T) {
	fw := NewFolderWatcher(filepath.Join(t.TempDir(), "missing"), 0, func(context.Context) {})
	assert.Error(t, fw.Start(context.Background()))
	fw.Stop()
}

func TestFolderWatcherStopCancelsInFlightSettle(t *testing.T) {
	dir := watchDir(t)
	started := make(chan struct{})
	var once sync.Once
	cancelled := make(chan struct{})

	fw := NewFolderWatcher(dir, 20*time.Millisecond, func(ctx context.Context) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		close(cancelled)
	})
	require.NoError(t, fw.Start(context.Background()))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "f.txt"), []byte("x"), 0o644))
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("settle never started")
	}

	fw.Stop()
	select {
	case <-cancelled:
	case <-time.After(3 * time.Second):
		t.Fatal("settle context not cancelled")
	}
	fw.Stop()
}

func TestWatchManagerToggle(t *testing.T) {
	dir := watchDir(t)
	var removed []FolderKey
	var mu sync.Mutex
	m := NewWatchManager(50*time.Millisecond, nil, func(_ context.Context, key FolderKey) error {
		mu.Lock()
		defer mu.Unlock()
		removed = append(removed, key)
		return nil
	})
	defer m.DropAll()

	key := FolderKey{Tag: "games", Folder: "slot1"}
	ctx := context.Background()

	on, err := m.Toggle(ctx, key, dir)
	require.NoError(t, err)
	assert.True(t, on)
	assert.Equal(t, []FolderKey{key}, m.Watched())

	on, err = m.Toggle(ctx, key, dir)
	require.NoError(t, err)
	assert.False(t, on)
	assert.Empty(t, m.Watched())
	assert.Equal(t, []FolderKey{key}, removed)

	on, err = m.Toggle(ctx, key, dir)
	require.NoError(t, err)
	assert.True(t, on)
	assert.Len(t, m.Watched(), 1)
}

func TestWatchManagerEnsureIsIdempotent(t *testing.T) {
	dir := watchDir(t)
	m := NewWatchManager(50*time.Millisecond, nil, nil)
	defer m.DropAll()
	key := FolderKey{Tag: "games", Folder: "slot1"}

	require.NoError(t, m.Ensure(key, dir))
	require.NoError(t, m.Ensure(key, dir))
	assert.Len(t, m.Watched(), 1)

	other := watchDir(t)
	require.NoError(t, m.Ensure(key, other))
	assert.Len(t, m.Watched(), 1)

	m.mu.Lock()
	assert.Equal(t, other, m.watchers[key].Dir())
	m.mu.Unlock()
}

func TestWatchManagerDropDoesNotRemove(t *testing.T) {
	var removals atomic.Int32
	m := NewWatchManager(50*time.Millisecond, nil, func(context.Context, FolderKey) error {
		removals.Add(1)
		return nil
	})

	a := FolderKey{Tag: "games", Folder: "a"}
	b := FolderKey{Tag: "games", Folder: "b"}
	c := FolderKey{Tag: "docs", Folder: "c"}
	for _, key := range []FolderKey{a, b, c} {
		require.NoError(t, m.Ensure(key, watchDir(t)))
	}

	m.Drop(a)
	assert.ElementsMatch(t, []FolderKey{b, c}, m.Watched())

	dropped := m.DropTag("games")
	assert.Equal(t, []FolderKey{b}, dropped)
	assert.Equal(t, []FolderKey{c}, m.Watched())

	m.DropAll()
	assert.Empty(t, m.Watched())
	assert.Equal(t, int32(0), removals.Load())
}

func TestWatchManagerSettleCallback(t *testing.T) {
	dir := watchDir(t)
	got := make(chan FolderKey, 4)
	m := NewWatchManager(30*time.Millisecond, func(_ context.Context, key FolderKey, d string) {
		assert.Equal(t, dir, d)
		got <- key
	}, nil)
	defer m.DropAll()

	key := FolderKey{Tag: "games", Folder: "slot1"}
	require.NoError(t, m.Ensure(key, dir))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "x.txt"), []byte("x"), 0o644))

	select {
	case k := <-got:
		assert.Equal(t, key, k)
	case <-time.After(3 * time.Second):
		t.Fatal("settle callback not invoked")
	}
}

func TestWatchManagerSetupFailureIsolated(t *testing.T) {
	m := NewWatchManager(50*time.Millisecond, nil, nil)
	defer m.DropAll()

	good := FolderKey{Tag: "games", Folder: "good"}
	require.NoError(t, m.Ensure(good, watchDir(t)))

	_, err := m.Toggle(context.Background(), FolderKey{Tag: "games", Folder: "bad"}, filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
	assert.Equal(t, []FolderKey{good}, m.Watched())
}
