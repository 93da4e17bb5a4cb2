package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"receipt-api/internal/models"
	"receipt-api/internal/response"
	"receipt-api/pkg/logging"
)

// userLimiter holds one caller's bucket and when it was last used
type userLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter applies a token bucket per authenticated user
type RateLimiter struct {
	rate            rate.Limit
	burst           int
	cleanupInterval time.Duration

	mu       sync.Mutex
	limiters map[string]*userLimiter

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter allows perMinute requests per user per minute. A
// non-positive perMinute disables limiting.
func NewRateLimiter(perMinute int) *RateLimiter {
	rl := &RateLimiter{
		rate:            rate.Limit(float64(perMinute) / 60.0),
		burst:           perMinute,
		cleanupInterval: 5 * time.Minute,
		limiters:        make(map[string]*userLimiter),
		stopCh:          make(chan struct{}),
	}
	if perMinute <= 0 {
		rl.rate = rate.Inf
	}
	go rl.cleanupLoop()
	return rl
}

// Stop ends the background cleanup
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// Middleware limits by caller identity; it must run after BearerAuthMiddleware
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		if identity, ok := CurrentIdentity(c); ok {
			key = identity.UserID
		}

		if !rl.limiterFor(key).Allow() {
			logging.Warnf("Rate limit exceeded - user: %s, path: %s", key, c.FullPath())
			c.Header("Retry-After", strconv.Itoa(rl.retryAfterSeconds()))
			response.AbortVerification(c, http.StatusTooManyRequests, models.VerificationResult{
				Valid:     false,
				Message:   "Too many requests, please try again later",
				Retryable: true,
			})
			return
		}
		c.Next()
	}
}

// LimiterCount returns the number of tracked callers
func (rl *RateLimiter) LimiterCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

func (rl *RateLimiter) limiterFor(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if ul, ok := rl.limiters[key]; ok {
		ul.lastAccess = time.Now()
		return ul.limiter
	}
	limiter := rate.NewLimiter(rl.rate, rl.burst)
	rl.limiters[key] = &userLimiter{limiter: limiter, lastAccess: time.Now()}
	return limiter
}

// retryAfterSeconds estimates when one token will be available again
func (rl *RateLimiter) retryAfterSeconds() int {
	if rl.rate == rate.Inf || rl.rate <= 0 {
		return 1
	}
	seconds := int(math.Ceil(1.0 / float64(rl.rate)))
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup(time.Now())
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup drops callers idle for more than two cleanup intervals
func (rl *RateLimiter) cleanup(now time.Time) {
	ttl := rl.cleanupInterval * 2

	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, ul := range rl.limiters {
		if now.Sub(ul.lastAccess) > ttl {
			delete(rl.limiters, key)
		}
	}
}
