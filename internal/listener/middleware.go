package listener

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/openacd/agentcore/internal/apierr"
	"github.com/openacd/agentcore/internal/logger"
)

// rateLimiter is a per-IP token bucket limiter, grounded on's
// internal/middleware/ratelimit.go RateLimiter, trimmed of its separate
// per-user variant and strict-per-endpoint helper since this domain has a
// single request shape (one JSON function call per POST).
type rateLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

func newRateLimiter(requestsPerSecond float64, burst int) *rateLimiter {
	rl := &rateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(requestsPerSecond),
		burst:    burst,
	}
	go rl.cleanupRoutine()
	return rl
}

func (rl *rateLimiter) get(key string) *rate.Limiter {
	rl.mu.RLock()
	limiter, ok := rl.limiters[key]
	rl.mu.RUnlock()
	if ok {
		return limiter
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if limiter, ok = rl.limiters[key]; ok {
		return limiter
	}
	limiter = rate.NewLimiter(rl.rate, rl.burst)
	rl.limiters[key] = limiter
	return limiter
}

// cleanupRoutine bounds the limiter map's memory the same way
// does: a periodic reset once the map grows past a threshold, rather than
// tracking per-entry last-use timestamps.
func (rl *rateLimiter) cleanupRoutine() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		rl.mu.Lock()
		if len(rl.limiters) > 10000 {
			rl.limiters = make(map[string]*rate.Limiter)
		}
		rl.mu.Unlock()
	}
}

func (rl *rateLimiter) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.get(c.ClientIP()).Allow() {
			c.JSON(http.StatusTooManyRequests, apierr.FromError(apierr.New(apierr.CodeBadRequest, "rate limit exceeded")))
			c.Abort()
			return
		}
		c.Next()
	}
}

// requestID stamps every request with a correlation id, threaded through
// to the structured log line, so a single request can be traced across the
// listener → gateway → session hop.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// requestLogger emits one structured line per request, grounded on the
// prior audit-log middleware but trimmed of body capture — this
// domain's bodies are agent call args, which may carry PII the log
// shouldn't retain.
func requestLogger() gin.HandlerFunc {
	log := logger.Listener()
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info().
			Str("request_id", c.GetString("request_id")).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request handled")
	}
}

// recovery turns a panic anywhere downstream into an UNKNOWN_ERROR envelope
// instead of a dropped connection, the same posture gin.Recovery() gives
// router but shaped into this core's envelope.
func recovery() gin.HandlerFunc {
	log := logger.Listener()
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Str("path", c.Request.URL.Path).Msg("recovered panic")
				c.JSON(http.StatusOK, apierr.FromError(apierr.New(apierr.CodeUnknownError, "internal error")))
				c.Abort()
			}
		}()
		c.Next()
	}
}
