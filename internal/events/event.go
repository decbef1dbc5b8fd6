package events

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

type Type string

const (
	InitResult       Type = "init_result"
	AbortResult      Type = "abort_result"
	SyncResult       Type = "sync_result"
	PluginError      Type = "plugin_error"
	ConflictingFiles Type = "conflicting_files"
	FiletreeResult   Type = "filetree_result"
	ConflictView     Type = "conflict_view"
)

// Event is one notification for the shell. Data holds one of the payload types below.
type Event struct {
	Id   string    `json:"id"`
	Type Type      `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data"`
}

func New(typ Type, data any) *Event {
	return &Event{
		Id:   uuid.New().String(),
		Type: typ,
		Time: time.Now(),
		Data: data,
	}
}

type Init struct {
	Success bool   `json:"success"`
	Plugin  string `json:"plugin"`
	AuthURL string `json:"auth_url,omitempty"`
}

type Abort struct {
	Message string `json:"message"`
}

type Sync struct {
	Tag      string `json:"tag"`
	Folder   string `json:"folder"`
	Watching bool   `json:"watching"`
}

type Error struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Code        string `json:"code,omitempty"`
}

// Conflict carries both candidate timestamps in unix seconds.
type Conflict struct {
	Tag    string `json:"tag"`
	Folder string `json:"folder"`
	Local  int64  `json:"local"`
	Cloud  int64  `json:"cloud"`
}

type FolderState struct {
	Name     string `json:"name"`
	Watching bool   `json:"watching"`
}

// Filetree maps each tag to its folders.
type Filetree struct {
	Tags map[string][]FolderState `json:"tags"`
}

type View struct {
	Tag    string `json:"tag"`
	Folder string `json:"folder"`
	Path   string `json:"path"`
}

// UnmarshalJSON restores the typed payload for known event types.
func (e *Event) UnmarshalJSON(data []byte) error {
	type rawEvent struct {
		Id   string          `json:"id"`
		Type Type            `json:"type"`
		Time time.Time       `json:"time"`
		Data json.RawMessage `json:"data"`
	}

	var raw rawEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e.Id = raw.Id
	e.Type = raw.Type
	e.Time = raw.Time

	payload, err := NewPayload(raw.Type)
	if err != nil {
		return err
	}
	if len(raw.Data) > 0 && string(raw.Data) != "null" {
		if err := json.Unmarshal(raw.Data, payload); err != nil {
			return fmt.Errorf("decode %s: %w", raw.Type, err)
		}
	}
	e.Data = payload
	return nil
}

// NewPayload returns a pointer to the zero payload carried by typ.
func NewPayload(typ Type) (any, error) {
	switch typ {
	case InitResult:
		return &Init{}, nil
	case AbortResult:
		return &Abort{}, nil
	case SyncResult:
		return &Sync{}, nil
	case PluginError:
		return &Error{}, nil
	case ConflictingFiles:
		return &Conflict{}, nil
	case FiletreeResult:
		return &Filetree{}, nil
	case ConflictView:
		return &View{}, nil
	}
	return nil, fmt.Errorf("unknown event type: %q", typ)
}
