package http

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const limiterIdleTTL = time.Hour

// LoggingMiddleware logs one structured line per request.
func LoggingMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Infow("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

type ipLimiter struct {
	lim  *rate.Limiter
	seen time.Time
}

// RateLimitMiddleware applies a token bucket per client IP. Buckets
// idle longer than limiterIdleTTL are evicted so the map stays bounded.
func RateLimitMiddleware(rps, burst int) gin.HandlerFunc {
	var mu sync.Mutex
	buckets := make(map[string]*ipLimiter)
	lastSweep := time.Now()
	return func(c *gin.Context) {
		ip, _, _ := net.SplitHostPort(c.Request.RemoteAddr)
		now := time.Now()
		mu.Lock()
		if now.Sub(lastSweep) > limiterIdleTTL {
			for k, b := range buckets {
				if now.Sub(b.seen) > limiterIdleTTL {
					delete(buckets, k)
				}
			}
			lastSweep = now
		}
		b, ok := buckets[ip]
		if !ok {
			b = &ipLimiter{lim: rate.NewLimiter(rate.Limit(rps), burst)}
			buckets[ip] = b
		}
		b.seen = now
		mu.Unlock()
		if !b.lim.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
