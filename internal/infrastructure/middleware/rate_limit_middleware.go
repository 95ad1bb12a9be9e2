package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"pepehouse/pkg/config"
	"pepehouse/pkg/errors"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// rateLimiterStore holds one limiter per client IP. Limiters idle for
// longer than idleTTL are dropped on the next sweep.
type rateLimiterStore struct {
	mu        sync.Mutex
	limiters  map[string]*limiterEntry
	rate      rate.Limit
	burstSize int
	idleTTL   time.Duration
	lastSweep time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newRateLimiterStore(r rate.Limit, burst int) *rateLimiterStore {
	return &rateLimiterStore{
		limiters:  make(map[string]*limiterEntry),
		rate:      r,
		burstSize: burst,
		idleTTL:   10 * time.Minute,
		lastSweep: time.Now(),
	}
}

func (s *rateLimiterStore) getLimiter(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if now.Sub(s.lastSweep) > s.idleTTL {
		for k, e := range s.limiters {
			if now.Sub(e.lastSeen) > s.idleTTL {
				delete(s.limiters, k)
			}
		}
		s.lastSweep = now
	}

	entry, exists := s.limiters[key]
	if !exists {
		entry = &limiterEntry{limiter: rate.NewLimiter(s.rate, s.burstSize)}
		s.limiters[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter
}

func (s *rateLimiterStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}

// NewHTTPRateLimitMiddleware applies per-IP request rates and a global cap
// on concurrent requests to the admin API.
func NewHTTPRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	httpCfg := cfg.RateLimiting.HTTP
	store := newRateLimiterStore(rate.Limit(httpCfg.RequestsPerSecond), httpCfg.Burst)

	var globalSem chan struct{}
	if httpCfg.MaxConcurrent > 0 {
		globalSem = make(chan struct{}, httpCfg.MaxConcurrent)
	}

	retryAfter := "1"
	if httpCfg.RequestsPerSecond > 0 && httpCfg.RequestsPerSecond < 1 {
		retryAfter = strconv.Itoa(int(1/httpCfg.RequestsPerSecond + 0.5))
	}

	return func(c *gin.Context) {
		if globalSem != nil {
			select {
			case globalSem <- struct{}{}:
				defer func() { <-globalSem }()
			default:
				appErr := errors.NewServiceUnavailableError("too many concurrent requests")
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
					"error":   string(appErr.Code),
					"message": appErr.Message,
				})
				return
			}
		}

		if !store.getLimiter(c.ClientIP()).Allow() {
			appErr := errors.NewRateLimitError()
			c.Header("Retry-After", retryAfter)
			c.AbortWithStatusJSON(appErr.HTTPStatus, gin.H{
				"error":   string(appErr.Code),
				"message": appErr.Message,
			})
			return
		}
		c.Next()
	}
}
