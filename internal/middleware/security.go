package middleware

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-gateway/internal/security"
)

// SecurityMiddlewareConfig holds configuration for security middleware
type SecurityMiddlewareConfig struct {
	Auth       *security.Config          `yaml:"auth"`
	RateLimit  *security.RateLimitConfig `yaml:"rate_limit"`
	Validation *ValidationConfig         `yaml:"validation"`
}

// SecurityMiddleware combines all security middleware components
type SecurityMiddleware struct {
	authProvider *security.DefaultAuthProvider
	rateLimiter  security.RateLimiter
	validator    *ValidationMiddleware
	logger       *logrus.Logger
}

// NewSecurityMiddleware creates a new security middleware stack
func NewSecurityMiddleware(config *SecurityMiddlewareConfig, logger *logrus.Logger) (*SecurityMiddleware, error) {
	var authProvider *security.DefaultAuthProvider
	if config.Auth != nil {
		authProvider = security.NewDefaultAuthProvider(config.Auth, logger)
	}

	var rateLimiter security.RateLimiter
	if config.RateLimit != nil && config.RateLimit.Enabled {
		rateLimiter = security.NewInMemoryRateLimiter(config.RateLimit, logger)
	}

	validator, err := NewValidationMiddleware(config.Validation, logger)
	if err != nil {
		return nil, err
	}

	return &SecurityMiddleware{
		authProvider: authProvider,
		rateLimiter:  rateLimiter,
		validator:    validator,
		logger:       logger,
	}, nil
}

// AuthProvider exposes the auth provider for route-level role guards.
func (s *SecurityMiddleware) AuthProvider() *security.DefaultAuthProvider {
	return s.authProvider
}

// Handler creates the complete security middleware chain
func (s *SecurityMiddleware) Handler() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		// Build middleware chain in reverse order (innermost first)
		handler := next

		// 1. Request validation (innermost - validates each request)
		handler = s.validator.Middleware(handler)

		// 2. Rate limiting (after auth to use user-based limits)
		if s.rateLimiter != nil {
			handler = security.RateLimitMiddleware(s.rateLimiter, security.DefaultKeyExtractor)(handler)
		}

		// 3. Authentication (before rate limiting to identify users)
		if s.authProvider != nil {
			handler = s.authProvider.AuthMiddleware()(handler)
		}

		// 4. Security headers and request ID (outermost)
		handler = s.securityHeadersMiddleware()(handler)

		return handler
	}
}

// securityHeadersMiddleware adds security headers to responses and
// assigns a request ID when the client did not send one.
func (s *SecurityMiddleware) securityHeadersMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")

			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.New().String()
				r.Header.Set("X-Request-ID", requestID)
			}
			w.Header().Set("X-Request-ID", requestID)

			next.ServeHTTP(w, r)
		})
	}
}

// CORSMiddleware creates CORS middleware for cross-origin requests
func (s *SecurityMiddleware) CORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := false
			for _, allowedOrigin := range allowedOrigins {
				if allowedOrigin == "*" || allowedOrigin == origin {
					allowed = true
					break
				}
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// Stop gracefully stops all middleware components
func (s *SecurityMiddleware) Stop() {
	if rateLimiter, ok := s.rateLimiter.(*security.InMemoryRateLimiter); ok {
		rateLimiter.Stop()
	}
}

// RequestIDFromHeader returns the request ID assigned by the middleware.
func RequestIDFromHeader(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Request-ID"))
}
