package controlplane

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/savesync/savesync/internal/plugin"
	"github.com/savesync/savesync/internal/service"
	"github.com/savesync/savesync/internal/settings"
	"github.com/savesync/savesync/internal/sync"
	"github.com/savesync/savesync/internal/version"
)

const defaultJournalLimit = 20

// Handler exposes the service commands. Commands run with the server's lifetime context
// so an async command outlives its request.
type Handler struct {
	svc *service.Service
	ctx context.Context
}

func NewHandler(ctx context.Context, svc *service.Service) *Handler {
	return &Handler{svc: svc, ctx: ctx}
}

func IndexHandler(c *gin.Context) {
	c.PureJSON(http.StatusOK, &IndexResponse{
		Name:     version.AppName,
		Version:  version.Version,
		Revision: version.Revision,
		Detailed: version.Detailed(),
	})
}

func HealthHandler(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

// run executes cmd inline, or in the background when the request asks for ?async=true.
// Background results reach the shell through the event stream only.
func (h *Handler) run(c *gin.Context, name string, cmd func(ctx context.Context) (any, error)) {
	if async, _ := strconv.ParseBool(c.Query("async")); async {
		go func() {
			if _, err := cmd(h.ctx); err != nil {
				slog.Warn("async command", "command", name, "error", err)
			}
		}()
		c.PureJSON(http.StatusAccepted, &ControlPlaneResponse{Code: CodeQueued})
		return
	}

	result, err := cmd(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if result == nil {
		result = &ControlPlaneResponse{Code: CodeOk}
	}
	c.PureJSON(http.StatusOK, result)
}

func (h *Handler) Status(c *gin.Context) {
	limit := defaultJournalLimit
	if v, err := strconv.Atoi(c.Query("journal")); err == nil && v > 0 {
		limit = v
	}
	status, err := h.svc.Status(c.Request.Context(), limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.PureJSON(http.StatusOK, status)
}

func (h *Handler) Plugins(c *gin.Context) {
	entries, err := h.svc.Plugins(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if entries == nil {
		entries = []*plugin.Entry{}
	}
	c.PureJSON(http.StatusOK, &PluginsResponse{Plugins: entries})
}

func (h *Handler) Init(c *gin.Context) {
	var req InitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	h.run(c, "init", func(ctx context.Context) (any, error) {
		return nil, h.svc.Init(ctx, req.Plugin)
	})
}

func (h *Handler) Authorize(c *gin.Context) {
	var req AuthorizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	h.run(c, "authorize", func(ctx context.Context) (any, error) {
		return nil, h.svc.Authorize(ctx, req.CallbackURL)
	})
}

// Callback is the consent redirect target. The browser lands here, so the whole request
// URL is handed to the plugin and a plain page is returned.
func (h *Handler) Callback(c *gin.Context) {
	u := *c.Request.URL
	u.Scheme = "http"
	if c.Request.TLS != nil {
		u.Scheme = "https"
	}
	u.Host = c.Request.Host

	if err := h.svc.Authorize(h.ctx, u.String()); err != nil {
		c.Error(err)
		c.String(http.StatusBadRequest, "Authorization failed: %s", err)
		return
	}
	c.String(http.StatusOK, "%s is authorized. You can close this window.", version.AppName)
}

func (h *Handler) Abort(c *gin.Context) {
	msg, err := h.svc.Abort(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.PureJSON(http.StatusOK, &AbortResponse{Message: msg})
}

func (h *Handler) Unload(c *gin.Context) {
	if err := h.svc.Unload(); err != nil {
		AbortWithError(c, err)
		return
	}
	c.PureJSON(http.StatusOK, &ControlPlaneResponse{Code: CodeOk})
}

func (h *Handler) Sync(c *gin.Context) {
	var req SyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	h.run(c, "sync", func(ctx context.Context) (any, error) {
		watching, err := h.svc.SyncFolder(ctx, req.Tag, req.Folder)
		if err != nil {
			return nil, err
		}
		return &SyncResponse{Tag: req.Tag, Folder: req.Folder, Watching: watching}, nil
	})
}

func (h *Handler) Watched(c *gin.Context) {
	watched := h.svc.Watched()
	if watched == nil {
		watched = []sync.FolderKey{}
	}
	c.PureJSON(http.StatusOK, &WatchedResponse{Watched: watched})
}

func (h *Handler) Conflicts(c *gin.Context) {
	conflicts := h.svc.Conflicts()
	if conflicts == nil {
		conflicts = []sync.ConflictInfo{}
	}
	c.PureJSON(http.StatusOK, &ConflictsResponse{Conflicts: conflicts})
}

func (h *Handler) Resolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	h.run(c, "resolve", func(ctx context.Context) (any, error) {
		return nil, h.svc.ResolveConflict(ctx, req.Tag, req.Folder, req.Resolution)
	})
}

func (h *Handler) GetMapping(c *gin.Context) {
	c.PureJSON(http.StatusOK, h.svc.Mapping())
}

func (h *Handler) SetMapping(c *gin.Context) {
	var req MappingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.svc.SetMapping(req.Mapping); err != nil {
		AbortWithError(c, err)
		return
	}
	c.PureJSON(http.StatusOK, h.svc.Mapping())
}

func (h *Handler) Filetree(c *gin.Context) {
	c.PureJSON(http.StatusOK, h.svc.RefreshFiletree())
}

func badRequest(c *gin.Context, err error) {
	c.Error(err)
	c.AbortWithStatusJSON(http.StatusBadRequest, &ControlPlaneError{
		ErrorCode: ErrCodeBadRequest,
		Message:   err.Error(),
	})
}

// AbortWithError maps a service error onto a status code and error body.
func AbortWithError(c *gin.Context, err error) {
	status, body := errorResponse(err)
	c.Error(err)
	c.AbortWithStatusJSON(status, body)
}

func errorResponse(err error) (int, *ControlPlaneError) {
	body := &ControlPlaneError{Message: err.Error(), PluginCode: plugin.ErrorCode(err)}

	var (
		credErr *plugin.CredentialError
		loadErr *plugin.LoadError
	)
	switch {
	case errors.Is(err, service.ErrNoActivePlugin):
		body.ErrorCode = ErrCodeNoActivePlugin
		return http.StatusConflict, body
	case errors.Is(err, service.ErrNotInitialized):
		body.ErrorCode = ErrCodePluginNotReady
		return http.StatusConflict, body
	case errors.Is(err, plugin.ErrPluginNotFound):
		body.ErrorCode = ErrCodePluginNotFound
		return http.StatusNotFound, body
	case errors.As(err, &credErr):
		body.ErrorCode = ErrCodeAuthorization
		body.AuthURL = credErr.AuthURL
		return http.StatusForbidden, body
	case errors.As(err, &loadErr):
		body.ErrorCode = ErrCodePluginLoadFailed
		return http.StatusUnprocessableEntity, body
	case errors.Is(err, sync.ErrConflictNotFound):
		body.ErrorCode = ErrCodeConflictNotFound
		return http.StatusNotFound, body
	case errors.Is(err, sync.ErrTagNotMapped), errors.Is(err, settings.ErrTagNotMapped):
		body.ErrorCode = ErrCodeTagNotMapped
		return http.StatusNotFound, body
	case errors.Is(err, sync.ErrInvalidResolution),
		errors.Is(err, sync.ErrInvalidFolder),
		errors.Is(err, service.ErrInvalidMapping):
		body.ErrorCode = ErrCodeBadRequest
		return http.StatusBadRequest, body
	case body.PluginCode != "":
		body.ErrorCode = ErrCodePluginFailed
		return http.StatusBadGateway, body
	}
	body.ErrorCode = ErrCodeUnknownError
	return http.StatusInternalServerError, body
}
