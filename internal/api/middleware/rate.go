package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimitConfig defines rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int
	Burst             int
}

// RateLimit creates a per-IP rate limiting middleware. Idle client entries
// are swept lazily so the map does not grow unbounded.
func RateLimit(cfg RateLimitConfig) gin.HandlerFunc {
	type client struct {
		limiter  *rate.Limiter
		lastSeen time.Time
	}

	var (
		mu      sync.Mutex
		clients = make(map[string]*client)
		swept   = time.Now()
	)

	return func(c *gin.Context) {
		ip := c.ClientIP()

		mu.Lock()
		if time.Since(swept) > 10*time.Minute {
			for k, v := range clients {
				if time.Since(v.lastSeen) > 10*time.Minute {
					delete(clients, k)
				}
			}
			swept = time.Now()
		}
		entry, ok := clients[ip]
		if !ok {
			entry = &client{limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)}
			clients[ip] = entry
		}
		entry.lastSeen = time.Now()
		limiter := entry.limiter
		mu.Unlock()

		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
