package controlplane

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/savesync/savesync/internal/controlplane/middleware"
	"github.com/savesync/savesync/internal/service"
)

type RouteConfig struct {
	Auth      middleware.TokenAuthConfig
	RateLimit int64
}

// SetupRoutes builds the control plane router. ctx bounds async commands and event streams.
func SetupRoutes(ctx context.Context, svc *service.Service, routeConfig *RouteConfig) http.Handler {
	r := gin.New()

	h := NewHandler(ctx, svc)
	stream := NewEventStream(ctx, svc.Bus())

	r.Use(middleware.Logger())
	r.Use(gin.Recovery())
	r.Use(middleware.CORS())
	r.Use(middleware.Gzip())
	r.Use(middleware.RateLimit(routeConfig.RateLimit))

	r.GET("/", IndexHandler)
	r.GET("/healthz", HealthHandler)

	// consent redirect from the browser, carries no token
	r.GET("/v1/plugin/callback", h.Callback)

	v1 := r.Group("/v1")
	v1.Use(middleware.TokenAuth(routeConfig.Auth))
	{
		v1.GET("/status", h.Status)
		v1.GET("/plugins", h.Plugins)
		v1.GET("/events", stream.Handler)

		v1Plugin := v1.Group("/plugin")
		{
			v1Plugin.POST("/init", h.Init)
			v1Plugin.POST("/authorize", h.Authorize)
			v1Plugin.POST("/abort", h.Abort)
			v1Plugin.POST("/unload", h.Unload)
		}

		v1.POST("/sync", h.Sync)
		v1.GET("/watched", h.Watched)

		v1Conflicts := v1.Group("/conflicts")
		{
			v1Conflicts.GET("", h.Conflicts)
			v1Conflicts.POST("/resolve", h.Resolve)
		}

		v1.GET("/mapping", h.GetMapping)
		v1.PUT("/mapping", h.SetMapping)
		v1.GET("/filetree", h.Filetree)
	}

	r.NoRoute(func(c *gin.Context) {
		c.PureJSON(http.StatusNotFound, &ControlPlaneError{
			ErrorCode: ErrCodeBadRequest,
			Message:   "not found",
		})
	})

	r.HandleMethodNotAllowed = true
	r.NoMethod(func(c *gin.Context) {
		c.PureJSON(http.StatusMethodNotAllowed, &ControlPlaneError{
			ErrorCode: ErrCodeBadRequest,
			Message:   "method not allowed",
		})
	})

	return r.Handler()
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}
