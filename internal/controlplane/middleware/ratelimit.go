package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

// RateLimit caps requests per client address. A non-positive limit disables it.
func RateLimit(perSecond int64) gin.HandlerFunc {
	if perSecond <= 0 {
		return func(c *gin.Context) { c.Next() }
	}

	store := memory.NewStore()
	rate := limiter.Rate{
		Period: time.Second,
		Limit:  perSecond,
	}
	return mgin.NewMiddleware(limiter.New(store, rate))
}
