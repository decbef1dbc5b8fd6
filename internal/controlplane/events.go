package controlplane

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/gin-gonic/gin"
	"github.com/savesync/savesync/internal/events"
	"github.com/savesync/savesync/internal/wsproto"
)

const (
	writeTimeout   = 20 * time.Second
	shutdownReason = "shutdown"
	eventBuffer    = 128
)

// EventStream upgrades the request to a websocket and forwards bus events until either
// side goes away. ?types=a,b limits the stream to the named event types. Frames are JSON
// text unless the client lists msgpack first in wsproto.RequestHeader.
type EventStream struct {
	bus *events.Bus
	ctx context.Context
}

func NewEventStream(ctx context.Context, bus *events.Bus) *EventStream {
	return &EventStream{bus: bus, ctx: ctx}
}

func (s *EventStream) Handler(c *gin.Context) {
	filter := mapset.NewThreadUnsafeSet[events.Type]()
	for _, t := range strings.Split(c.Query("types"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			filter.Add(events.Type(t))
		}
	}

	enc := wsproto.PreferredEncoding(c.GetHeader(wsproto.RequestHeader))
	c.Writer.Header().Set(wsproto.ResponseHeader, enc.String())

	// subscribe before the handshake so nothing emitted after it is missed
	sub, cancel := s.bus.Subscribe(eventBuffer)
	defer cancel()

	// the server write timeout would otherwise cut the stream
	_ = http.NewResponseController(c.Writer).SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost", "localhost:*", "127.0.0.1", "127.0.0.1:*", "tauri.localhost", "wails.localhost"},
	})
	if err != nil {
		slog.Warn("events accept", "error", err)
		return
	}

	// the shell never sends anything; CloseRead handles pings and the close frame
	ctx := conn.CloseRead(s.ctx)
	slog.Debug("events client connected", "remote", c.Request.RemoteAddr)

	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				conn.Close(websocket.StatusGoingAway, shutdownReason)
				return
			}
			if filter.Cardinality() > 0 && !filter.Contains(ev.Type) {
				continue
			}

			typ, frame, err := wsproto.Marshal(ev, enc)
			if err != nil {
				slog.Warn("events encode", "type", ev.Type, "error", err)
				continue
			}

			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			err = conn.Write(wctx, typ, frame)
			wcancel()
			if err != nil {
				if !errors.Is(err, context.Canceled) && websocket.CloseStatus(err) == -1 {
					slog.Warn("events write", "error", err)
				}
				conn.CloseNow()
				return
			}

		case <-ctx.Done():
			if s.ctx.Err() != nil {
				conn.Close(websocket.StatusGoingAway, shutdownReason)
			} else {
				conn.CloseNow()
			}
			slog.Debug("events client disconnected", "remote", c.Request.RemoteAddr)
			return
		}
	}
}
