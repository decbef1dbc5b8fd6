package wsproto

import (
	"testing"

	"github.com/coder/websocket"
	"github.com/savesync/savesync/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecJSONRoundTrip(t *testing.T) {
	ev := events.New(events.ConflictingFiles, &events.Conflict{Tag: "games", Folder: "slot1", Local: 100, Cloud: 200})

	typ, data, err := Marshal(ev, EncodingJSON)
	require.NoError(t, err)
	require.Equal(t, websocket.MessageText, typ)

	decoded, enc, err := Unmarshal(typ, data)
	require.NoError(t, err)
	assert.Equal(t, EncodingJSON, enc)
	assert.Equal(t, ev.Id, decoded.Id)

	conflict, ok := decoded.Data.(*events.Conflict)
	require.True(t, ok)
	assert.Equal(t, int64(200), conflict.Cloud)
}

func TestCodecMsgPackRoundTrip(t *testing.T) {
	ev := events.New(events.FiletreeResult, events.Filetree{Tags: map[string][]events.FolderState{
		"games": {{Name: "slot1", Watching: true}, {Name: "slot2"}},
	}})

	typ, data, err := Marshal(ev, EncodingMsgPack)
	require.NoError(t, err)
	require.Equal(t, websocket.MessageBinary, typ)
	require.Greater(t, len(data), 4)
	assert.Equal(t, []byte{'S', 'S', 1, byte(EncodingMsgPack)}, data[:4])

	decoded, enc, err := Unmarshal(typ, data)
	require.NoError(t, err)
	assert.Equal(t, EncodingMsgPack, enc)
	assert.Equal(t, events.FiletreeResult, decoded.Type)
	assert.True(t, ev.Time.Equal(decoded.Time))

	tree, ok := decoded.Data.(*events.Filetree)
	require.True(t, ok)
	require.Len(t, tree.Tags["games"], 2)
	assert.True(t, tree.Tags["games"][0].Watching)
	assert.Equal(t, "slot2", tree.Tags["games"][1].Name)
}

func TestCodecMsgPackNilData(t *testing.T) {
	ev := events.New(events.AbortResult, nil)

	typ, data, err := Marshal(ev, EncodingMsgPack)
	require.NoError(t, err)

	decoded, _, err := Unmarshal(typ, data)
	require.NoError(t, err)
	assert.IsType(t, &events.Abort{}, decoded.Data)
}

func TestCodecRejectsBadFrames(t *testing.T) {
	_, _, err := Unmarshal(websocket.MessageBinary, []byte{1, 2})
	assert.Error(t, err)

	_, _, err = Unmarshal(websocket.MessageBinary, []byte{'S', 'S', 9, 1})
	assert.ErrorContains(t, err, "version")

	_, _, err = Unmarshal(websocket.MessageBinary, []byte{'S', 'S', 1, 7})
	assert.ErrorContains(t, err, "unknown frame encoding")

	_, _, err = Unmarshal(websocket.MessageText, []byte(`{"type":"mystery"}`))
	assert.Error(t, err)
}

func TestPreferredEncoding(t *testing.T) {
	assert.Equal(t, EncodingMsgPack, PreferredEncoding("msgpack,json"))
	assert.Equal(t, EncodingJSON, PreferredEncoding("cbor, json"))
	assert.Equal(t, EncodingMsgPack, PreferredEncoding(" cbor , MsgPack"))
	assert.Equal(t, EncodingJSON, PreferredEncoding(""))

	_, err := ParseEncoding("cbor")
	assert.Error(t, err)
}
