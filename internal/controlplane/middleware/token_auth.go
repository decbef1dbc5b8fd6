package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const ErrCodeUnauthorized = "ERR_UNAUTHORIZED"

// TokenAuthConfig contains the configuration for token-based authentication.
type TokenAuthConfig struct {
	// Token is the shared secret. Empty disables authentication.
	Token string
}

// TokenAuth checks the bearer token, or the token query parameter for websocket clients
// that cannot set headers.
func TokenAuth(config TokenAuthConfig) gin.HandlerFunc {
	if config.Token == "" {
		slog.Warn("control plane auth disabled")
		return func(c *gin.Context) {
			c.Next()
		}
	}

	want := []byte(config.Token)
	return func(c *gin.Context) {
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if token == "" {
			token = c.Query("token")
		}

		if subtle.ConstantTimeCompare([]byte(token), want) != 1 {
			slog.Debug("invalid control plane token", "ip", c.ClientIP(), "path", c.FullPath())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  ErrCodeUnauthorized,
				"error": "unauthorized",
			})
			return
		}

		c.Set("authenticated", true)
		c.Next()
	}
}
