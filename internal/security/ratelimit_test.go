package security

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRateLimiter(t *testing.T, config *RateLimitConfig) *InMemoryRateLimiter {
	t.Helper()
	rl := NewInMemoryRateLimiter(config, testLogger())
	t.Cleanup(rl.Stop)
	return rl
}

func TestRateLimiter_AllowUntilBurstExhausted(t *testing.T) {
	rl := newRateLimiter(t, &RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 60,
		BurstSize:         3,
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		result, err := rl.Allow(ctx, "user:u1")
		require.NoError(t, err)
		assert.True(t, result.Allowed)
	}

	result, err := rl.Allow(ctx, "user:u1")
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, 0, result.Remaining)
	assert.Greater(t, result.RetryAfter, time.Duration(0))
}

func TestRateLimiter_KeysAreIndependent(t *testing.T) {
	rl := newRateLimiter(t, &RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 60,
		BurstSize:         1,
	})
	ctx := context.Background()

	result, err := rl.Allow(ctx, "user:u1")
	require.NoError(t, err)
	assert.True(t, result.Allowed)

	result, err = rl.Allow(ctx, "user:u1")
	require.NoError(t, err)
	assert.False(t, result.Allowed)

	result, err = rl.Allow(ctx, "user:u2")
	require.NoError(t, err)
	assert.True(t, result.Allowed, "other principals keep their own bucket")
}

func TestRateLimiter_Reset(t *testing.T) {
	rl := newRateLimiter(t, &RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 60,
		BurstSize:         1,
	})
	ctx := context.Background()

	_, err := rl.Allow(ctx, "user:u1")
	require.NoError(t, err)
	result, err := rl.Allow(ctx, "user:u1")
	require.NoError(t, err)
	require.False(t, result.Allowed)

	require.NoError(t, rl.Reset(ctx, "user:u1"))

	result, err = rl.Allow(ctx, "user:u1")
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestRateLimiter_DisabledAlwaysAllows(t *testing.T) {
	rl := newRateLimiter(t, &RateLimitConfig{
		Enabled:           false,
		RequestsPerMinute: 1,
		BurstSize:         1,
	})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		result, err := rl.Allow(ctx, "user:u1")
		require.NoError(t, err)
		assert.True(t, result.Allowed)
	}
}

func TestRateLimiter_TierOverridesBaseLimit(t *testing.T) {
	rl := newRateLimiter(t, &RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 60,
		BurstSize:         1,
		Tiers: map[string]RateLimitTier{
			"admin": {RequestsPerMinute: 600, BurstSize: 3},
		},
	})
	ctx := context.Background()

	result, err := rl.Allow(ctx, "user:u1")
	require.NoError(t, err)
	require.True(t, result.Allowed)
	result, err = rl.Allow(ctx, "user:u1")
	require.NoError(t, err)
	assert.False(t, result.Allowed, "base burst is one request")

	for i := 0; i < 3; i++ {
		result, err = rl.Allow(ctx, "admin:a1")
		require.NoError(t, err)
		assert.True(t, result.Allowed, "admin tier carries its own burst")
	}
	result, err = rl.Allow(ctx, "admin:a1")
	require.NoError(t, err)
	assert.False(t, result.Allowed)

	info, err := rl.GetLimits(ctx, "admin:a1")
	require.NoError(t, err)
	assert.Equal(t, 600, info.Limit)
}

func TestRateLimiter_TierInheritsUnsetFields(t *testing.T) {
	rl := newRateLimiter(t, &RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 60,
		BurstSize:         2,
		Tiers: map[string]RateLimitTier{
			"ip": {BurstSize: 1},
		},
	})
	ctx := context.Background()

	info, err := rl.GetLimits(ctx, "ip:10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, 60, info.Limit, "unset tier rate falls back to the base")
	assert.Equal(t, 1, info.Remaining)
}

func TestRateLimiter_GetLimits(t *testing.T) {
	rl := newRateLimiter(t, &RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 60,
		BurstSize:         5,
	})
	ctx := context.Background()

	_, err := rl.Allow(ctx, "user:u1")
	require.NoError(t, err)
	_, err = rl.Allow(ctx, "user:u1")
	require.NoError(t, err)

	info, err := rl.GetLimits(ctx, "user:u1")
	require.NoError(t, err)
	assert.Equal(t, 60, info.Limit)
	assert.Equal(t, 2, info.Used)
	assert.Equal(t, 3, info.Remaining)
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := newRateLimiter(t, &RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 60,
		BurstSize:         1,
	})

	handler := RateLimitMiddleware(rl, func(r *http.Request) string { return "test" })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/ai/chat", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Remaining"))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/ai/chat", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "rate_limit_error")
}

func TestRateLimitMiddleware_NoKeyAllows(t *testing.T) {
	rl := newRateLimiter(t, &RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 60,
		BurstSize:         1,
	})

	handler := RateLimitMiddleware(rl, func(r *http.Request) string { return "" })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestDefaultKeyExtractor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	assert.Equal(t, "ip:10.0.0.1", DefaultKeyExtractor(req))

	ctx := context.WithValue(req.Context(), authInfoKey, &AuthInfo{UserID: "u1"})
	assert.Equal(t, "user:u1", DefaultKeyExtractor(req.WithContext(ctx)))

	ctx = context.WithValue(req.Context(), authInfoKey, &AuthInfo{UserID: "u1", Roles: []string{"admin", "user"}})
	assert.Equal(t, "admin:u1", DefaultKeyExtractor(req.WithContext(ctx)))
}
