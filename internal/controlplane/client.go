package controlplane

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"runtime"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/imroc/req/v3"
	"github.com/savesync/savesync/internal/events"
	"github.com/savesync/savesync/internal/service"
	"github.com/savesync/savesync/internal/settings"
	"github.com/savesync/savesync/internal/version"
	"github.com/savesync/savesync/internal/wsproto"
)

const clientMaxMessageSize = 4 * 1024 * 1024

var UserAgent = fmt.Sprintf("%s/%s (%s; %s; %s)", version.AppName, version.Version, version.Revision, runtime.GOOS, runtime.GOARCH)

// Client talks to a running daemon's control plane.
type Client struct {
	baseURL       string
	token         string
	client        *req.Client
	eventEncoding wsproto.Encoding
}

func NewClient(baseURL, token string) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	c := req.C().
		SetBaseURL(baseURL).
		SetUserAgent(UserAgent).
		SetTimeout(10*time.Minute).
		SetJsonMarshal(jsonMarshal).
		SetJsonUnmarshal(jsonUnmarshal).
		SetCommonErrorResult(&ControlPlaneError{})
	if token != "" {
		c.SetCommonBearerAuthToken(token)
	}
	return &Client{baseURL: baseURL, token: token, client: c}
}

func (c *Client) BaseURL() string { return c.baseURL }

// SetEventEncoding selects the frame encoding requested by Events.
func (c *Client) SetEventEncoding(enc wsproto.Encoding) *Client {
	c.eventEncoding = enc
	return c
}

func (c *Client) Index(ctx context.Context) (*IndexResponse, error) {
	var out IndexResponse
	return &out, c.do(ctx, http.MethodGet, "/", nil, &out, "index")
}

func (c *Client) Status(ctx context.Context, journal int) (*service.Status, error) {
	var out service.Status
	r := c.client.R().SetContext(ctx).SetSuccessResult(&out)
	if journal > 0 {
		r.SetQueryParam("journal", fmt.Sprint(journal))
	}
	resp, err := r.Get("/v1/status")
	return &out, handleResponse(resp, err, "status")
}

func (c *Client) Plugins(ctx context.Context) (*PluginsResponse, error) {
	var out PluginsResponse
	return &out, c.do(ctx, http.MethodGet, "/v1/plugins", nil, &out, "plugins")
}

func (c *Client) Init(ctx context.Context, plugin string) error {
	return c.do(ctx, http.MethodPost, "/v1/plugin/init", &InitRequest{Plugin: plugin}, nil, "init")
}

func (c *Client) Authorize(ctx context.Context, callbackURL string) error {
	return c.do(ctx, http.MethodPost, "/v1/plugin/authorize", &AuthorizeRequest{CallbackURL: callbackURL}, nil, "authorize")
}

func (c *Client) Abort(ctx context.Context) (string, error) {
	var out AbortResponse
	err := c.do(ctx, http.MethodPost, "/v1/plugin/abort", nil, &out, "abort")
	return out.Message, err
}

func (c *Client) Unload(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/plugin/unload", nil, nil, "unload")
}

func (c *Client) Sync(ctx context.Context, tag, folder string) (*SyncResponse, error) {
	var out SyncResponse
	err := c.do(ctx, http.MethodPost, "/v1/sync", &SyncRequest{Tag: tag, Folder: folder}, &out, "sync")
	return &out, err
}

func (c *Client) Watched(ctx context.Context) (*WatchedResponse, error) {
	var out WatchedResponse
	return &out, c.do(ctx, http.MethodGet, "/v1/watched", nil, &out, "watched")
}

func (c *Client) Conflicts(ctx context.Context) (*ConflictsResponse, error) {
	var out ConflictsResponse
	return &out, c.do(ctx, http.MethodGet, "/v1/conflicts", nil, &out, "conflicts")
}

func (c *Client) Resolve(ctx context.Context, tag, folder, resolution string) error {
	body := &ResolveRequest{Tag: tag, Folder: folder, Resolution: resolution}
	return c.do(ctx, http.MethodPost, "/v1/conflicts/resolve", body, nil, "resolve")
}

func (c *Client) Mapping(ctx context.Context) (*service.MappingView, error) {
	var out service.MappingView
	return &out, c.do(ctx, http.MethodGet, "/v1/mapping", nil, &out, "mapping")
}

func (c *Client) SetMapping(ctx context.Context, mapping map[string]settings.TagPath) (*service.MappingView, error) {
	var out service.MappingView
	return &out, c.do(ctx, http.MethodPut, "/v1/mapping", &MappingRequest{Mapping: mapping}, &out, "set mapping")
}

func (c *Client) Filetree(ctx context.Context) (*FiletreeResponse, error) {
	var out FiletreeResponse
	return &out, c.do(ctx, http.MethodGet, "/v1/filetree", nil, &out, "filetree")
}

func (c *Client) do(ctx context.Context, method, path string, body, result any, operation string) error {
	r := c.client.R().SetContext(ctx)
	if body != nil {
		r.SetBodyJsonMarshal(body)
	}
	if result != nil {
		r.SetSuccessResult(result)
	}
	resp, err := r.Send(method, path)
	return handleResponse(resp, err, operation)
}

func handleResponse(resp *req.Response, requestErr error, operation string) error {
	if requestErr != nil {
		return fmt.Errorf("%s: %w", operation, requestErr)
	}
	if resp.IsErrorState() {
		if err, ok := resp.ErrorResult().(*ControlPlaneError); ok && err.ErrorCode != "" {
			return fmt.Errorf("%s: %w", operation, err)
		}
		return fmt.Errorf("%s: unexpected status %s", operation, resp.Status)
	}
	return nil
}

// Events opens the event stream. The channel closes when ctx ends or the daemon goes away.
func (c *Client) Events(ctx context.Context, types ...events.Type) (<-chan *events.Event, error) {
	u, err := url.Parse(c.baseURL + "/v1/events")
	if err != nil {
		return nil, fmt.Errorf("events url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	if len(types) > 0 {
		names := make([]string, len(types))
		for i, t := range types {
			names[i] = string(t)
		}
		q := u.Query()
		q.Set("types", strings.Join(names, ","))
		u.RawQuery = q.Encode()
	}

	headers := http.Header{}
	headers.Set("User-Agent", UserAgent)
	headers.Set(wsproto.RequestHeader, c.eventEncoding.String())
	if c.token != "" {
		headers.Set("Authorization", "Bearer "+c.token)
	}

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		return nil, fmt.Errorf("events connect %s: %w", u.Redacted(), err)
	}
	conn.SetReadLimit(clientMaxMessageSize)

	out := make(chan *events.Event, 16)
	go func() {
		defer close(out)
		defer conn.CloseNow()
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			ev, _, err := wsproto.Unmarshal(typ, data)
			if err != nil {
				// event types from a newer daemon are skipped
				slog.Debug("events decode", "error", err)
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
