package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/llm-gateway/internal/security"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func newSecurityMiddleware(t *testing.T, config *SecurityMiddlewareConfig) *SecurityMiddleware {
	t.Helper()
	mw, err := NewSecurityMiddleware(config, testLogger())
	require.NoError(t, err)
	t.Cleanup(mw.Stop)
	return mw
}

func TestSecurityHeadersAndRequestID(t *testing.T) {
	mw := newSecurityMiddleware(t, &SecurityMiddlewareConfig{})
	handler := mw.Handler()(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/ai/chat", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"), "a request ID is assigned when missing")
}

func TestRequestIDPreserved(t *testing.T) {
	mw := newSecurityMiddleware(t, &SecurityMiddlewareConfig{})

	var seen string
	handler := mw.Handler()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromHeader(r)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/ai/chat", nil)
	req.Header.Set("X-Request-ID", "client-id-42")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "client-id-42", seen)
	assert.Equal(t, "client-id-42", rec.Header().Get("X-Request-ID"))
}

func TestChainEnforcesAuth(t *testing.T) {
	mw := newSecurityMiddleware(t, &SecurityMiddlewareConfig{
		Auth: &security.Config{
			APIKeys:     []string{"user-key-12345678"},
			RequireAuth: true,
		},
	})
	handler := mw.Handler()(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/ai/chat", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/ai/chat", nil)
	req.Header.Set("X-API-Key", "user-key-12345678")
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestChainRateLimitsAuthenticatedUser(t *testing.T) {
	mw := newSecurityMiddleware(t, &SecurityMiddlewareConfig{
		Auth: &security.Config{
			APIKeys:     []string{"user-key-12345678"},
			RequireAuth: true,
		},
		RateLimit: &security.RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 60,
			BurstSize:         1,
		},
	})
	handler := mw.Handler()(okHandler())

	send := func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/ai/chat", nil)
		req.Header.Set("X-API-Key", "user-key-12345678")
		handler.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, send().Code)
	assert.Equal(t, http.StatusTooManyRequests, send().Code)
}

func TestCORSMiddleware(t *testing.T) {
	mw := newSecurityMiddleware(t, &SecurityMiddlewareConfig{})
	handler := mw.CORSMiddleware([]string{"https://app.example.com"})(okHandler())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/providers", nil)
	req.Header.Set("Origin", "https://app.example.com")
	handler.ServeHTTP(rec, req)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/v1/providers", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	handler.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	// Preflight short-circuits.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodOptions, "/v1/providers", nil)
	req.Header.Set("Origin", "https://app.example.com")
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "86400", rec.Header().Get("Access-Control-Max-Age"))
}

func TestCORSWildcardOrigin(t *testing.T) {
	mw := newSecurityMiddleware(t, &SecurityMiddlewareConfig{})
	handler := mw.CORSMiddleware([]string{"*"})(okHandler())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/providers", nil)
	req.Header.Set("Origin", "https://anywhere.example.com")
	handler.ServeHTTP(rec, req)
	assert.Equal(t, "https://anywhere.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestValidationDisabledPassesThrough(t *testing.T) {
	vm, err := NewValidationMiddleware(&ValidationConfig{Enabled: false}, testLogger())
	require.NoError(t, err)

	handler := vm.Middleware(okHandler())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/ai/chat", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestValidationMissingSpecFails(t *testing.T) {
	_, err := NewValidationMiddleware(&ValidationConfig{Enabled: true, SpecPath: "does/not/exist.yaml"}, testLogger())
	assert.Error(t, err)
}

func TestNilValidationConfigDefaultsToDisabled(t *testing.T) {
	vm, err := NewValidationMiddleware(nil, testLogger())
	require.NoError(t, err)

	handler := vm.Middleware(okHandler())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/anything", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
