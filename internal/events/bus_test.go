package events

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusFanOut(t *testing.T) {
	bus := NewBus()
	a, cancelA := bus.Subscribe(4)
	defer cancelA()
	b, cancelB := bus.Subscribe(4)
	defer cancelB()

	ev := bus.Emit(SyncResult, &Sync{Tag: "games", Folder: "slot1", Watching: true})
	assert.NotEmpty(t, ev.Id)

	for _, ch := range []<-chan *Event{a, b} {
		got := <-ch
		assert.Equal(t, ev.Id, got.Id)
		assert.Equal(t, SyncResult, got.Type)
		assert.Equal(t, &Sync{Tag: "games", Folder: "slot1", Watching: true}, got.Data)
	}
}

func TestBusDropsWhenFull(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)
	defer cancel()

	bus.Emit(AbortResult, &Abort{Message: "first"})
	bus.Emit(AbortResult, &Abort{Message: "second"})

	got := <-ch
	assert.Equal(t, "first", got.Data.(*Abort).Message)
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %v", ev)
	default:
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)
	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)

	// emitting with no subscribers is fine
	bus.Emit(InitResult, &Init{Success: true})
}

func TestBusClose(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)
	bus.Close()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)

	late, _ := bus.Subscribe(1)
	_, ok = <-late
	assert.False(t, ok)
}

func TestEventJSON(t *testing.T) {
	ev := New(ConflictingFiles, &Conflict{Tag: "games", Folder: "slot1", Local: 150, Cloud: 200})
	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var decoded Event
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, ev.Id, decoded.Id)
	assert.Equal(t, ConflictingFiles, decoded.Type)
	assert.Equal(t, &Conflict{Tag: "games", Folder: "slot1", Local: 150, Cloud: 200}, decoded.Data)

	err = json.Unmarshal([]byte(`{"id":"x","type":"bogus","data":{}}`), &decoded)
	assert.Error(t, err)
}
