package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-gateway/internal/budget"
	"github.com/tributary-ai/llm-gateway/internal/cache"
	"github.com/tributary-ai/llm-gateway/internal/metrics"
	"github.com/tributary-ai/llm-gateway/internal/middleware"
	"github.com/tributary-ai/llm-gateway/internal/providers"
	"github.com/tributary-ai/llm-gateway/internal/queue"
	"github.com/tributary-ai/llm-gateway/internal/routing"
	"github.com/tributary-ai/llm-gateway/internal/steering"
)

// Server is the HTTP surface over the gateway pipeline.
type Server struct {
	config             *ServerConfig
	logger             *logrus.Logger
	httpServer         *http.Server
	securityMiddleware *middleware.SecurityMiddleware

	router     *routing.Router
	registry   *providers.Registry
	dispatcher *queue.Dispatcher
	cache      *cache.SemanticCache
	budgets    *budget.Registry
	tracker    *budget.Tracker
	store      *budget.Store
	rules      *steering.Store
	collector  *metrics.Collector
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           string                               `yaml:"port"`
	ReadTimeout    time.Duration                        `yaml:"read_timeout"`
	WriteTimeout   time.Duration                        `yaml:"write_timeout"`
	MaxHeaderBytes int                                  `yaml:"max_header_bytes"`
	Security       *middleware.SecurityMiddlewareConfig `yaml:"security"`
}

// Dependencies bundles the components the server fronts.
type Dependencies struct {
	Router     *routing.Router
	Registry   *providers.Registry
	Dispatcher *queue.Dispatcher
	Cache      *cache.SemanticCache
	Budgets    *budget.Registry
	Tracker    *budget.Tracker
	Store      *budget.Store
	Rules      *steering.Store
	Collector  *metrics.Collector
}

// NewServer creates a new server instance
func NewServer(deps Dependencies, config *ServerConfig, logger *logrus.Logger) (*Server, error) {
	server := &Server{
		config:     config,
		logger:     logger,
		router:     deps.Router,
		registry:   deps.Registry,
		dispatcher: deps.Dispatcher,
		cache:      deps.Cache,
		budgets:    deps.Budgets,
		tracker:    deps.Tracker,
		store:      deps.Store,
		rules:      deps.Rules,
		collector:  deps.Collector,
	}

	if config.Security != nil {
		securityMiddleware, err := middleware.NewSecurityMiddleware(config.Security, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize security middleware: %w", err)
		}
		server.securityMiddleware = securityMiddleware
	}

	return server, nil
}

// Start starts the HTTP server
func (s *Server) Start() error {
	r := s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:           ":" + s.config.Port,
		Handler:        r,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}

	s.logger.WithField("port", s.config.Port).Info("Starting gateway server")
	return s.httpServer.ListenAndServe()
}

// Stop stops the HTTP server gracefully
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping gateway server")

	if s.securityMiddleware != nil {
		s.securityMiddleware.Stop()
	}

	return s.httpServer.Shutdown(ctx)
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *mux.Router {
	r := mux.NewRouter()

	if s.securityMiddleware != nil {
		r.Use(s.securityMiddleware.Handler())
	}

	r.Use(s.loggingMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.contentTypeMiddleware)

	api := r.PathPrefix("/v1").Subrouter()

	// Request surface
	api.HandleFunc("/ai/chat", s.handleChat).Methods("POST")
	api.HandleFunc("/ai/batch", s.handleBatch).Methods("POST")
	api.HandleFunc("/ai/jobs/{id}", s.handleJobStatus).Methods("GET")
	api.HandleFunc("/ai/jobs/{id}", s.handleJobCancel).Methods("DELETE")

	// Budget ledger
	api.HandleFunc("/budgets", s.handleCreateBudget).Methods("POST")
	api.HandleFunc("/budgets", s.handleListBudgets).Methods("GET")
	api.HandleFunc("/budgets/hierarchy", s.handleBudgetHierarchy).Methods("GET")
	api.HandleFunc("/budgets/{id}", s.handleGetBudget).Methods("GET")
	api.HandleFunc("/budgets/{id}", s.handleUpdateBudget).Methods("PUT")
	api.HandleFunc("/budgets/{id}", s.handleDeleteBudget).Methods("DELETE")
	api.HandleFunc("/budgets/{id}/status", s.handleBudgetStatus).Methods("GET")
	api.HandleFunc("/budgets/{id}/refresh-cache", s.handleRefreshBudgetStatus).Methods("POST")
	api.HandleFunc("/budgets/{id}/usage", s.handleRecordUsage).Methods("POST")
	api.HandleFunc("/budgets/{id}/usage", s.handleUsageHistory).Methods("GET")
	api.HandleFunc("/budgets/{id}/summary", s.handleUsageSummary).Methods("GET")
	api.HandleFunc("/budgets/{id}/check", s.handleBudgetCheck).Methods("POST")

	// Provider introspection
	api.HandleFunc("/providers", s.handleListProviders).Methods("GET")
	api.HandleFunc("/providers/{name}/health", s.handleProviderHealth).Methods("GET")

	// Steering rule administration
	admin := api.PathPrefix("/admin").Subrouter()
	if s.securityMiddleware != nil && s.securityMiddleware.AuthProvider() != nil {
		admin.Use(s.securityMiddleware.AuthProvider().RequireRole("admin"))
	}
	admin.HandleFunc("/rules", s.handleListRules).Methods("GET")
	admin.HandleFunc("/rules", s.handleCreateRule).Methods("POST")
	admin.HandleFunc("/rules/reload", s.handleReloadRules).Methods("POST")
	admin.HandleFunc("/rules/{id}", s.handleGetRule).Methods("GET")
	admin.HandleFunc("/rules/{id}", s.handleUpdateRule).Methods("PUT")
	admin.HandleFunc("/rules/{id}", s.handleDeleteRule).Methods("DELETE")

	// Operational endpoints outside /v1
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/health/live", s.handleLiveness).Methods("GET")
	r.HandleFunc("/health/ready", s.handleReadiness).Methods("GET")
	r.Handle("/metrics", s.collector.Handler()).Methods("GET")

	s.setupSwaggerRoutes(r)

	return r
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: 200}

		next.ServeHTTP(wrapped, r)

		s.logger.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      wrapped.statusCode,
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  middleware.RequestIDFromHeader(r),
			"remote_addr": r.RemoteAddr,
		}).Info("HTTP request")
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) contentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut {
			contentType := r.Header.Get("Content-Type")
			if contentType != "" && contentType != "application/json" {
				s.writeErrorMessage(w, r, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
