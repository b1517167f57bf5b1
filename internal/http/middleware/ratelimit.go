// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements an in-memory token-bucket rate limiter with one bucket
// per client identity and opportunistic eviction of idle buckets. Requests
// marked as idempotent replays by IdempotencyValidator are not limited.
//
// The limiter is process-local; it protects a single instance, not a fleet.
package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

// KeyFunc selects the identity used to key a rate-limit bucket.
type KeyFunc func(*gin.Context) string

// KeyByClientIP keys buckets by Gin's resolved client IP.
func KeyByClientIP() KeyFunc {
	return func(c *gin.Context) string { return "ip:" + c.ClientIP() }
}

var rateLimited = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "http_rate_limited_total",
	Help: "Requests rejected with 429 by the rate limiter.",
})

func init() {
	prometheus.MustRegister(rateLimited)
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter implements a per-key token-bucket rate limiter. It is safe for
// concurrent use.
type RateLimiter struct {
	rps      rate.Limit
	burst    int
	keyFn    KeyFunc
	mu       sync.Mutex
	visitors map[string]*visitor

	ttl      time.Duration
	cleanupN uint64
}

// NewRateLimiter builds a limiter allowing rps tokens per second with the given
// burst (coerced to at least 1). rps <= 0 disables limiting.
func NewRateLimiter(rps float64, burst int, keyFn KeyFunc) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	if keyFn == nil {
		keyFn = KeyByClientIP()
	}
	return &RateLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		keyFn:    keyFn,
		visitors: make(map[string]*visitor),
		ttl:      10 * time.Minute,
	}
}

// getVisitor returns the limiter for key, creating it if absent. Every 5000
// lookups idle buckets are evicted first, so a stale bucket is replaced even
// when it is the one being fetched.
func (rl *RateLimiter) getVisitor(key string) *rate.Limiter {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.cleanupN++
	if rl.cleanupN >= 5000 {
		for k, vv := range rl.visitors {
			if now.Sub(vv.lastSeen) >= rl.ttl {
				delete(rl.visitors, k)
			}
		}
		rl.cleanupN = 0
	}

	if v, ok := rl.visitors[key]; ok {
		v.lastSeen = now
		return v.limiter
	}
	lim := rate.NewLimiter(rl.rps, rl.burst)
	rl.visitors[key] = &visitor{limiter: lim, lastSeen: now}
	return lim
}

// IsRateBypass reports whether IdempotencyValidator marked this request as a
// replay.
func IsRateBypass(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyRateBypass)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// Handler enforces the limit, answering 429 with Retry-After: 1 and the
// standard error envelope.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if rl.rps <= 0 || IsRateBypass(c) {
			c.Next()
			return
		}
		if rl.getVisitor(rl.keyFn(c)).Allow() {
			c.Next()
			return
		}

		rateLimited.Inc()
		c.Header("Retry-After", "1")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"request_id": c.Writer.Header().Get(requestIDHeader),
			"code":       "too_many_requests",
			"message":    "rate limit exceeded",
		})
	}
}
