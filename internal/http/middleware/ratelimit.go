package middleware

import (
	"context"
	"math"
	"net/http"
	"strconv"

	"bidengine/internal/ratelimit"

	"github.com/gin-gonic/gin"
)

// Limiter is satisfied by *ratelimit.Limiter.
type Limiter interface {
	CheckLimit(ctx context.Context, key string, opts ratelimit.Options) (ratelimit.Result, error)
}

// RateLimit counts every request per client IP and route. A denied request
// gets 429 with Retry-After; an unreachable counter store gets 503.
func RateLimit(l Limiter, opts ratelimit.Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		res, err := l.CheckLimit(c.Request.Context(), "http:"+c.ClientIP()+":"+route, opts)

		c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(res.Reset.Unix(), 10))

		if err != nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "rate limiter unavailable, please retry later"})
			return
		}
		if !res.Allowed {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(res.RetryAfter.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}
