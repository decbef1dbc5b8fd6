// Package wsproto frames control plane events for the websocket stream.
//
// JSON frames are plain text messages. Msgpack frames are binary and carry a
// four byte envelope: 'S' 'S' version encoding, followed by the payload.
package wsproto

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"
	"github.com/savesync/savesync/internal/events"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	// RequestHeader lists the encodings a client accepts, most preferred first.
	RequestHeader = "X-SaveSync-WS-Encodings"
	// ResponseHeader names the encoding the daemon picked.
	ResponseHeader = "X-SaveSync-WS-Encoding"
)

// Encoding is the wire encoding of event frames.
type Encoding uint8

const (
	EncodingJSON Encoding = iota
	EncodingMsgPack
)

func (e Encoding) String() string {
	switch e {
	case EncodingMsgPack:
		return "msgpack"
	default:
		return "json"
	}
}

// ParseEncoding accepts "json" or "msgpack".
func ParseEncoding(s string) (Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json":
		return EncodingJSON, nil
	case "msgpack":
		return EncodingMsgPack, nil
	}
	return EncodingJSON, fmt.Errorf("unknown encoding %q", s)
}

const (
	magic0  = byte('S')
	magic1  = byte('S')
	version = byte(1)
)

// PreferredEncoding picks the first known entry of a comma separated list and
// falls back to JSON.
func PreferredEncoding(list string) Encoding {
	for _, p := range strings.Split(list, ",") {
		if enc, err := ParseEncoding(p); err == nil && strings.TrimSpace(p) != "" {
			return enc
		}
	}
	return EncodingJSON
}

// Marshal encodes ev as a websocket frame.
func Marshal(ev *events.Event, enc Encoding) (websocket.MessageType, []byte, error) {
	if enc == EncodingJSON {
		data, err := json.Marshal(ev)
		return websocket.MessageText, data, err
	}

	payload, err := marshalMsgpack(ev)
	if err != nil {
		return websocket.MessageBinary, nil, err
	}

	buf := make([]byte, 4+len(payload))
	buf[0], buf[1], buf[2], buf[3] = magic0, magic1, version, byte(enc)
	copy(buf[4:], payload)
	return websocket.MessageBinary, buf, nil
}

// Unmarshal decodes a frame produced by Marshal. Data is restored to the
// typed payload pointer for ev.Type.
func Unmarshal(typ websocket.MessageType, data []byte) (*events.Event, Encoding, error) {
	switch typ {
	case websocket.MessageText:
		var ev events.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, EncodingJSON, err
		}
		return &ev, EncodingJSON, nil

	case websocket.MessageBinary:
		if len(data) < 4 || data[0] != magic0 || data[1] != magic1 {
			return nil, EncodingMsgPack, errors.New("binary frame missing envelope")
		}
		if data[2] != version {
			return nil, EncodingMsgPack, fmt.Errorf("unsupported envelope version: %d", data[2])
		}
		enc := Encoding(data[3])
		payload := data[4:]
		switch enc {
		case EncodingMsgPack:
			ev, err := unmarshalMsgpack(payload)
			return ev, enc, err
		case EncodingJSON:
			var ev events.Event
			if err := json.Unmarshal(payload, &ev); err != nil {
				return nil, enc, err
			}
			return &ev, enc, nil
		default:
			return nil, enc, fmt.Errorf("unknown frame encoding: %d", enc)
		}

	default:
		return nil, EncodingJSON, fmt.Errorf("unsupported websocket message type: %v", typ)
	}
}

type wireEvent struct {
	Id   string      `msgpack:"id"`
	Type events.Type `msgpack:"typ"`
	Time time.Time   `msgpack:"t"`
	Data []byte      `msgpack:"dat"`
}

// payloads reuse their json tags so both encodings share field names
const payloadTag = "json"

func marshalMsgpack(ev *events.Event) ([]byte, error) {
	var dat []byte
	if ev.Data != nil {
		var buf bytes.Buffer
		enc := msgpack.NewEncoder(&buf)
		enc.SetCustomStructTag(payloadTag)
		if err := enc.Encode(ev.Data); err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", ev.Type, err)
		}
		dat = buf.Bytes()
	}

	return msgpack.Marshal(&wireEvent{Id: ev.Id, Type: ev.Type, Time: ev.Time, Data: dat})
}

func unmarshalMsgpack(payload []byte) (*events.Event, error) {
	var w wireEvent
	if err := msgpack.Unmarshal(payload, &w); err != nil {
		return nil, err
	}

	data, err := events.NewPayload(w.Type)
	if err != nil {
		return nil, err
	}
	if len(w.Data) > 0 {
		dec := msgpack.NewDecoder(bytes.NewReader(w.Data))
		dec.SetCustomStructTag(payloadTag)
		if err := dec.Decode(data); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", w.Type, err)
		}
	}

	return &events.Event{Id: w.Id, Type: w.Type, Time: w.Time, Data: data}, nil
}
