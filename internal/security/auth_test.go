package security

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newAuthProvider(config *Config) *DefaultAuthProvider {
	return NewDefaultAuthProvider(config, testLogger())
}

func TestValidateAPIKey(t *testing.T) {
	provider := newAuthProvider(&Config{
		APIKeys:      []string{"user-key-12345678"},
		AdminAPIKeys: []string{"admin-key-12345678"},
		RequireAuth:  true,
	})
	ctx := context.Background()

	info, err := provider.ValidateAPIKey(ctx, "user-key-12345678")
	require.NoError(t, err)
	assert.True(t, info.HasRole("user"))
	assert.False(t, info.HasRole("admin"))
	assert.Equal(t, "api_key", info.Metadata["auth_type"])

	admin, err := provider.ValidateAPIKey(ctx, "admin-key-12345678")
	require.NoError(t, err)
	assert.True(t, admin.HasRole("admin"))
	assert.True(t, admin.HasRole("user"))

	_, err = provider.ValidateAPIKey(ctx, "wrong-key")
	assert.Error(t, err)
	_, err = provider.ValidateAPIKey(ctx, "")
	assert.Error(t, err)
}

func TestJWTRoundTrip(t *testing.T) {
	provider := newAuthProvider(&Config{JWTSecret: "topsecret", JWTExpiry: time.Hour})

	token, err := provider.GenerateJWT("u1", map[string]interface{}{
		"roles":       []string{"admin"},
		"permissions": []string{"rules:write"},
		"team":        "core",
	})
	require.NoError(t, err)

	claims, err := provider.ValidateJWT(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, []string{"admin"}, claims.Roles)
	assert.Equal(t, []string{"rules:write"}, claims.Permissions)
	assert.Equal(t, "core", claims.Metadata["team"])
	assert.Equal(t, "llm-gateway", claims.Issuer)
}

func TestValidateJWT_WrongSecret(t *testing.T) {
	signer := newAuthProvider(&Config{JWTSecret: "secret-a"})
	verifier := newAuthProvider(&Config{JWTSecret: "secret-b"})

	token, err := signer.GenerateJWT("u1", nil)
	require.NoError(t, err)

	_, err = verifier.ValidateJWT(token)
	assert.Error(t, err)
}

func TestValidateJWT_Expired(t *testing.T) {
	provider := newAuthProvider(&Config{JWTSecret: "topsecret", JWTExpiry: -time.Minute})

	token, err := provider.GenerateJWT("u1", nil)
	require.NoError(t, err)

	_, err = provider.ValidateJWT(token)
	assert.Error(t, err)
}

func TestAuthenticate_AcceptsKeyOrJWT(t *testing.T) {
	provider := newAuthProvider(&Config{
		APIKeys:   []string{"user-key-12345678"},
		JWTSecret: "topsecret",
	})
	ctx := context.Background()

	_, err := provider.Authenticate(ctx, "user-key-12345678")
	assert.NoError(t, err)

	token, err := provider.GenerateJWT("u1", map[string]interface{}{"roles": []string{"user"}})
	require.NoError(t, err)
	info, err := provider.Authenticate(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "u1", info.UserID)

	_, err = provider.Authenticate(ctx, "garbage")
	assert.Error(t, err)
}

func TestAuthMiddleware(t *testing.T) {
	provider := newAuthProvider(&Config{
		APIKeys:     []string{"user-key-12345678"},
		RequireAuth: true,
	})

	var gotAuth *AuthInfo
	handler := provider.AuthMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth, _ = GetAuthInfo(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	// Missing token.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/ai/chat", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "authentication_error")

	// X-API-Key header.
	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/ai/chat", nil)
	req.Header.Set("X-API-Key", "user-key-12345678")
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, gotAuth)
	assert.True(t, gotAuth.HasRole("user"))

	// Bearer form works too.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/v1/ai/chat", nil)
	req.Header.Set("Authorization", "Bearer user-key-12345678")
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Health and metrics bypass auth.
	for _, path := range []string{"/health", "/health/ready", "/metrics"} {
		rec = httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestAuthMiddleware_DisabledPassesThrough(t *testing.T) {
	provider := newAuthProvider(&Config{RequireAuth: false})

	handler := provider.AuthMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/ai/chat", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireRole(t *testing.T) {
	provider := newAuthProvider(&Config{
		APIKeys:      []string{"user-key-12345678"},
		AdminAPIKeys: []string{"admin-key-12345678"},
		RequireAuth:  true,
	})

	handler := provider.AuthMiddleware()(provider.RequireRole("admin")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/admin/rules", nil)
	req.Header.Set("X-API-Key", "user-key-12345678")
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "permission_error")

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/v1/admin/rules", nil)
	req.Header.Set("X-API-Key", "admin-key-12345678")
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetClientIPFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	assert.Equal(t, "10.0.0.1", getClientIPFromRequest(req))

	req.Header.Set("X-Real-IP", "10.0.0.2")
	assert.Equal(t, "10.0.0.2", getClientIPFromRequest(req))

	req.Header.Set("X-Forwarded-For", "10.0.0.3, 10.0.0.4")
	assert.Equal(t, "10.0.0.3", getClientIPFromRequest(req))
}

func TestMaskAPIKey(t *testing.T) {
	assert.Equal(t, "****", maskAPIKey("short"))
	assert.Equal(t, "sk-a****wxyz", maskAPIKey("sk-abcdefghijklmnopqrstuvwxyz"))
}
