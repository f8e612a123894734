package security

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// RateLimiter defines the interface for rate limiting
type RateLimiter interface {
	Allow(ctx context.Context, key string) (*RateLimitResult, error)
	Reset(ctx context.Context, key string) error
	GetLimits(ctx context.Context, key string) (*RateLimitInfo, error)
}

// RateLimitResult contains the result of a rate limit check
type RateLimitResult struct {
	Allowed    bool          `json:"allowed"`
	Remaining  int           `json:"remaining"`
	ResetTime  time.Time     `json:"reset_time"`
	RetryAfter time.Duration `json:"retry_after"`
}

// RateLimitInfo contains current rate limit status
type RateLimitInfo struct {
	Limit     int       `json:"limit"`
	Used      int       `json:"used"`
	Remaining int       `json:"remaining"`
	ResetTime time.Time `json:"reset_time"`
}

// RateLimitTier overrides the base limit for one principal class.
// Zero fields inherit the base values.
type RateLimitTier struct {
	RequestsPerMinute int `yaml:"requests_per_minute" json:"requests_per_minute"`
	BurstSize         int `yaml:"burst_size" json:"burst_size"`
}

// RateLimitConfig holds rate limiting configuration. Tiers are keyed by
// the class prefix of the bucket key ("admin", "user", "ip"), so admin
// principals can carry a wider limit than anonymous callers.
type RateLimitConfig struct {
	Enabled           bool                     `yaml:"enabled"`
	RequestsPerMinute int                      `yaml:"requests_per_minute"`
	BurstSize         int                      `yaml:"burst_size"`
	WindowDuration    time.Duration            `yaml:"window_duration"`
	CleanupInterval   time.Duration            `yaml:"cleanup_interval"`
	Tiers             map[string]RateLimitTier `yaml:"tiers"`
}

// InMemoryRateLimiter keeps one token bucket per principal key. Tokens
// refill continuously at the key's tier rate, up to the tier burst.
type InMemoryRateLimiter struct {
	config *RateLimitConfig
	logger *logrus.Logger

	mutex   sync.Mutex
	buckets map[string]*tokenBucket

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	stopOnce      sync.Once
}

type tokenBucket struct {
	tokens   float64
	perMin   int
	burst    int
	updated  time.Time
	lastSeen time.Time
}

// refill advances the bucket to now at its own rate.
func (b *tokenBucket) refill(now time.Time) {
	elapsed := now.Sub(b.updated)
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed.Minutes() * float64(b.perMin)
	if b.tokens > float64(b.burst) {
		b.tokens = float64(b.burst)
	}
	b.updated = now
}

// NewInMemoryRateLimiter creates a new in-memory rate limiter
func NewInMemoryRateLimiter(config *RateLimitConfig, logger *logrus.Logger) *InMemoryRateLimiter {
	if config.WindowDuration == 0 {
		config.WindowDuration = time.Minute
	}
	if config.CleanupInterval == 0 {
		config.CleanupInterval = 5 * time.Minute
	}
	if config.BurstSize == 0 {
		config.BurstSize = config.RequestsPerMinute
	}

	rl := &InMemoryRateLimiter{
		config:      config,
		logger:      logger,
		buckets:     make(map[string]*tokenBucket),
		stopCleanup: make(chan struct{}),
	}
	rl.cleanupTicker = time.NewTicker(config.CleanupInterval)
	go rl.cleanupLoop()

	return rl
}

// tierFor resolves the limits for a bucket key from its class prefix.
func (rl *InMemoryRateLimiter) tierFor(key string) (perMin, burst int) {
	perMin, burst = rl.config.RequestsPerMinute, rl.config.BurstSize
	class := key
	if idx := strings.IndexByte(key, ':'); idx >= 0 {
		class = key[:idx]
	}
	tier, ok := rl.config.Tiers[class]
	if !ok {
		return perMin, burst
	}
	if tier.RequestsPerMinute > 0 {
		perMin = tier.RequestsPerMinute
	}
	if tier.BurstSize > 0 {
		burst = tier.BurstSize
	} else if tier.RequestsPerMinute > 0 {
		burst = tier.RequestsPerMinute
	}
	return perMin, burst
}

// Allow checks if a request is allowed under the rate limit
func (rl *InMemoryRateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	if !rl.config.Enabled {
		return &RateLimitResult{
			Allowed:   true,
			Remaining: rl.config.RequestsPerMinute,
			ResetTime: time.Now().Add(rl.config.WindowDuration),
		}, nil
	}

	now := time.Now()
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	b, ok := rl.buckets[key]
	if !ok {
		perMin, burst := rl.tierFor(key)
		b = &tokenBucket{tokens: float64(burst), perMin: perMin, burst: burst, updated: now}
		rl.buckets[key] = b
	}
	b.lastSeen = now
	b.refill(now)

	if b.tokens >= 1 {
		b.tokens--
		return &RateLimitResult{
			Allowed:   true,
			Remaining: int(b.tokens),
			ResetTime: now.Add(rl.config.WindowDuration),
		}, nil
	}

	// Time until the next whole token accrues at this tier's rate.
	retryAfter := time.Duration((1 - b.tokens) / float64(b.perMin) * float64(time.Minute))
	rl.logger.WithFields(logrus.Fields{
		"key":         maskKey(key),
		"retry_after": retryAfter,
	}).Warn("Rate limit exceeded")

	return &RateLimitResult{
		Allowed:    false,
		Remaining:  0,
		ResetTime:  now.Add(retryAfter),
		RetryAfter: retryAfter,
	}, nil
}

// Reset resets the rate limit for a key
func (rl *InMemoryRateLimiter) Reset(ctx context.Context, key string) error {
	rl.mutex.Lock()
	delete(rl.buckets, key)
	rl.mutex.Unlock()

	rl.logger.WithField("key", maskKey(key)).Info("Rate limit reset")
	return nil
}

// GetLimits returns current rate limit information for a key
func (rl *InMemoryRateLimiter) GetLimits(ctx context.Context, key string) (*RateLimitInfo, error) {
	now := time.Now()
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	b, ok := rl.buckets[key]
	if !ok {
		perMin, burst := rl.tierFor(key)
		return &RateLimitInfo{
			Limit:     perMin,
			Used:      0,
			Remaining: burst,
			ResetTime: now.Add(rl.config.WindowDuration),
		}, nil
	}
	b.refill(now)

	remaining := int(b.tokens)
	return &RateLimitInfo{
		Limit:     b.perMin,
		Used:      b.burst - remaining,
		Remaining: remaining,
		ResetTime: now.Add(rl.config.WindowDuration),
	}, nil
}

func (rl *InMemoryRateLimiter) cleanupLoop() {
	for {
		select {
		case <-rl.cleanupTicker.C:
			rl.cleanup()
		case <-rl.stopCleanup:
			return
		}
	}
}

// cleanup drops buckets idle for two full windows.
func (rl *InMemoryRateLimiter) cleanup() {
	cutoff := time.Now().Add(-2 * rl.config.WindowDuration)

	rl.mutex.Lock()
	removed := 0
	for key, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, key)
			removed++
		}
	}
	rl.mutex.Unlock()

	if removed > 0 {
		rl.logger.WithField("removed_buckets", removed).Debug("Rate limit cleanup completed")
	}
}

// Stop stops the rate limiter and cleanup goroutine
func (rl *InMemoryRateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		rl.cleanupTicker.Stop()
		close(rl.stopCleanup)
	})
}

// rateLimitErrorBody is the 429 envelope, matching the gateway's error
// response shape.
type rateLimitErrorBody struct {
	Error struct {
		Message    string `json:"message"`
		Type       string `json:"type"`
		Code       int    `json:"code"`
		RetryAfter int    `json:"retry_after"`
	} `json:"error"`
	Timestamp int64 `json:"timestamp"`
}

// RateLimitMiddleware creates rate limiting middleware
func RateLimitMiddleware(rateLimiter RateLimiter, keyExtractor func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyExtractor(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			result, err := rateLimiter.Allow(r.Context(), key)
			if err != nil {
				http.Error(w, "Rate limiting error", http.StatusInternalServerError)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Remaining+1))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetTime.Unix(), 10))

			if !result.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(result.RetryAfter.Seconds())))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)

				var body rateLimitErrorBody
				body.Error.Message = "Rate limit exceeded"
				body.Error.Type = "rate_limit_error"
				body.Error.Code = http.StatusTooManyRequests
				body.Error.RetryAfter = int(result.RetryAfter.Seconds())
				body.Timestamp = time.Now().Unix()
				json.NewEncoder(w).Encode(body)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// DefaultKeyExtractor buckets requests by principal: admins by role,
// authenticated users by user ID, everyone else by client IP.
func DefaultKeyExtractor(r *http.Request) string {
	if authInfo, ok := GetAuthInfo(r.Context()); ok {
		if authInfo.HasRole("admin") {
			return "admin:" + authInfo.UserID
		}
		return "user:" + authInfo.UserID
	}
	return "ip:" + getClientIPFromRequest(r)
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****"
}
