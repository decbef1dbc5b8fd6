// Package events is the outward notification surface: typed events fanned out to every
// subscriber (the websocket stream, the CLI, tests).
package events

import (
	"log/slog"
	"sync"
)

const defaultSubscriberBuffer = 64

// Bus fans events out to subscribers. Emit never blocks: a subscriber that falls behind
// loses events instead of stalling the sync engine.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]chan *Event
	nextID uint64
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]chan *Event)}
}

// Subscribe returns a channel of events and a function that ends the subscription.
func (b *Bus) Subscribe(buffer int) (<-chan *Event, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	ch := make(chan *Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

// Emit publishes data under typ and returns the event.
func (b *Bus) Emit(typ Type, data any) *Event {
	ev := New(typ, data)
	b.Publish(ev)
	return ev
}

func (b *Bus) Publish(ev *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	slog.Debug("event", "type", ev.Type, "id", ev.Id)
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			slog.Warn("dropped event: subscriber channel full", "type", ev.Type, "subscriber", id)
		}
	}
}

// Close ends every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
