package sync

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/rjeczalik/notify"
)

const (
	DefaultDebounce = time.Second
	eventBufferSize = 64
)

// SettleFunc runs once a burst of changes under a folder has settled. ctx is cancelled
// when the watcher stops.
type SettleFunc func(ctx context.Context)

// FolderWatcher subscribes recursively to one folder. Every change event pushes the
// settle deadline out by the debounce window; when the deadline passes, one settle task
// is queued. At most one settle runs at a time and at most one more is queued behind it.
type FolderWatcher struct {
	dir      string
	debounce time.Duration
	onSettle SettleFunc

	rawEvents chan notify.EventInfo
	settle    chan struct{}
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

func NewFolderWatcher(dir string, debounce time.Duration, onSettle SettleFunc) *FolderWatcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &FolderWatcher{
		dir:      dir,
		debounce: debounce,
		onSettle: onSettle,
		settle:   make(chan struct{}, 1),
	}
}

func (fw *FolderWatcher) Dir() string { return fw.dir }

// Start arms the subscription. When it returns nil the folder is live.
func (fw *FolderWatcher) Start(ctx context.Context) error {
	info, err := os.Stat(fw.dir)
	if err != nil {
		return fmt.Errorf("watch %s: %w", fw.dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("watch %s: not a directory", fw.dir)
	}

	fw.rawEvents = make(chan notify.EventInfo, eventBufferSize)
	if err := notify.Watch(fw.dir+"/...", fw.rawEvents, notify.All); err != nil {
		return fmt.Errorf("watch %s: %w", fw.dir, err)
	}

	ctx, fw.cancel = context.WithCancel(ctx)
	slog.Debug("folder watcher start", "dir", fw.dir, "debounce", fw.debounce)

	fw.wg.Add(1)
	go fw.debounceEvents(ctx)

	go fw.settleLoop(ctx)
	return nil
}

// Stop cancels the debounce timer and the settle context. It waits for the event loop
// but not for a settle already in flight; that one sees a cancelled context.
func (fw *FolderWatcher) Stop() {
	fw.mu.Lock()
	if fw.stopped {
		fw.mu.Unlock()
		return
	}
	fw.stopped = true
	fw.mu.Unlock()

	if fw.rawEvents != nil {
		notify.Stop(fw.rawEvents)
	}
	if fw.cancel != nil {
		fw.cancel()
	}
	fw.wg.Wait()
	slog.Debug("folder watcher stopped", "dir", fw.dir)
}

func (fw *FolderWatcher) debounceEvents(ctx context.Context) {
	defer fw.wg.Done()

	timer := time.NewTimer(fw.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()
	pending := false

	for {
		select {
		case <-ctx.Done():
			return

		case event := <-fw.rawEvents:
			slog.Debug("folder watcher", "event", event.Event(), "path", event.Path())
			if pending && !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(fw.debounce)
			pending = true

		case <-timer.C:
			pending = false
			select {
			case fw.settle <- struct{}{}:
			default:
				// a settle is already queued and will pick up these changes
			}
		}
	}
}

func (fw *FolderWatcher) settleLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-fw.settle:
			if ctx.Err() != nil {
				return
			}
			fw.onSettle(ctx)
		}
	}
}
