package middleware

import (
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
)

var (
	// the event stream is a websocket upgrade and must not be wrapped
	excludedPaths = []string{
		"/healthz",
		"/v1/events",
	}
	excludedExtensions = []string{".zip"}
)

func Gzip() gin.HandlerFunc {
	return gzip.Gzip(
		gzip.BestSpeed,
		gzip.WithExcludedPaths(excludedPaths),
		gzip.WithExcludedExtensions(excludedExtensions),
	)
}
