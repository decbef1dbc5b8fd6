package sync

import (
	"errors"
	"sort"
	"sync"
	"time"
)

var ErrConflictNotFound = errors.New("conflict not found")

// FolderKey identifies one tracked folder: a sub-folder of a tag directory.
type FolderKey struct {
	Tag    string `json:"tag"`
	Folder string `json:"folder"`
}

func (k FolderKey) String() string {
	return k.Tag + "/" + k.Folder
}

// Conflict is a divergence waiting for the user. Data is the cloud archive.
type Conflict struct {
	FolderKey
	Local      time.Time
	Cloud      time.Time
	Data       []byte
	DetectedAt time.Time
}

// ConflictInfo describes a pending conflict without its data.
type ConflictInfo struct {
	FolderKey
	Local      time.Time `json:"local"`
	Cloud      time.Time `json:"cloud"`
	Size       int       `json:"size"`
	DetectedAt time.Time `json:"detected_at"`
}

// ConflictBuffer holds pending conflicts. Take removes and returns atomically, so a
// conflict is resolved at most once.
type ConflictBuffer struct {
	mu    sync.Mutex
	items map[FolderKey]*Conflict
}

func NewConflictBuffer() *ConflictBuffer {
	return &ConflictBuffer{items: make(map[FolderKey]*Conflict)}
}

// Store records c, replacing any earlier conflict for the same folder.
func (b *ConflictBuffer) Store(c *Conflict) {
	if c.DetectedAt.IsZero() {
		c.DetectedAt = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items[c.FolderKey] = c
}

func (b *ConflictBuffer) Take(key FolderKey) (*Conflict, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.items[key]
	if !ok {
		return nil, ErrConflictNotFound
	}
	delete(b.items, key)
	return c, nil
}

func (b *ConflictBuffer) Has(key FolderKey) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.items[key]
	return ok
}

func (b *ConflictBuffer) Pending() []ConflictInfo {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]ConflictInfo, 0, len(b.items))
	for _, c := range b.items {
		out = append(out, ConflictInfo{
			FolderKey:  c.FolderKey,
			Local:      c.Local,
			Cloud:      c.Cloud,
			Size:       len(c.Data),
			DetectedAt: c.DetectedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func (b *ConflictBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Clear drops every pending conflict, used when the plugin goes away.
func (b *ConflictBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.items)
}
