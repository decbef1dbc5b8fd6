package middleware

import (
	"net/url"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// shells embedding a webview talk to the daemon from these schemes
var shellSchemes = []string{"tauri", "wails", "app"}

var corsConfig = cors.Config{
	AllowOriginFunc: allowOrigin,
	AllowMethods:    []string{"GET", "POST", "PUT", "DELETE", "HEAD"},
	AllowHeaders: []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Authorization",
	},
	AllowCredentials: true,
	AllowWebSockets:  true,
	CustomSchemas:    shellSchemes,
	MaxAge:           12 * time.Hour,
}

// allowOrigin accepts loopback pages and desktop shells only.
func allowOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, scheme := range shellSchemes {
		if strings.EqualFold(u.Scheme, scheme) {
			return true
		}
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

func CORS() gin.HandlerFunc {
	return cors.New(corsConfig)
}
