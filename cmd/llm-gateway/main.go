package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-gateway/internal/budget"
	"github.com/tributary-ai/llm-gateway/internal/cache"
	"github.com/tributary-ai/llm-gateway/internal/config"
	"github.com/tributary-ai/llm-gateway/internal/metrics"
	"github.com/tributary-ai/llm-gateway/internal/providers"
	"github.com/tributary-ai/llm-gateway/internal/providers/anthropic"
	"github.com/tributary-ai/llm-gateway/internal/providers/openai"
	"github.com/tributary-ai/llm-gateway/internal/queue"
	"github.com/tributary-ai/llm-gateway/internal/routing"
	"github.com/tributary-ai/llm-gateway/internal/server"
	"github.com/tributary-ai/llm-gateway/internal/steering"
)

// Application wires the gateway pipeline together.
type Application struct {
	config     *config.Config
	logger     *logrus.Logger
	store      *budget.Store
	rules      *steering.Store
	router     *routing.Router
	dispatcher *queue.Dispatcher
	server     *server.Server
}

// NewApplication creates a new application instance
func NewApplication(configPath string) (*Application, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logrus.New()
	if err := setupLogger(logger, cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to setup logger: %w", err)
	}

	// Budget ledger
	store, err := budget.OpenStore(cfg.Budget.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open budget store: %w", err)
	}
	budgetRegistry := budget.NewRegistry(store, logger)
	tracker := budget.NewTracker(store, budgetRegistry, cfg.Budget.StatusCacheSize, cfg.Budget.StatusCacheTTL, logger)

	// Steering rules
	rules, err := steering.NewStore(cfg.Steering.RulesPath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load steering rules: %w", err)
	}

	// Providers
	registry, err := buildProviderRegistry(cfg, logger)
	if err != nil {
		return nil, err
	}

	collector := metrics.NewCollector()

	// Semantic cache, embedded via the OpenAI API when available
	var semanticCache *cache.SemanticCache
	if cfg.Cache.Enabled {
		if cfg.Providers.OpenAI == nil || cfg.Providers.OpenAI.APIKey == "" {
			logger.Warn("Semantic cache disabled: no OpenAI credentials for embeddings")
		} else {
			embedder := cache.NewOpenAIEmbedder(cfg.Providers.OpenAI.APIKey, cfg.Providers.OpenAI.BaseURL, "")
			semanticCache = cache.NewSemanticCache(cfg.Cache, embedder, logger)
		}
	}

	router := routing.NewRouter(cfg.Router, rules, registry, budgetRegistry, tracker, collector, logger)

	executor := server.NewProviderExecutor(registry, budgetRegistry, tracker, collector, logger)
	dispatcher := queue.NewDispatcher(cfg.Queue, executor, logger)
	dispatcher.OnJobTerminal(func(provider string, state queue.JobState) {
		collector.RecordJob(provider, string(state))
	})

	serverConfig := &server.ServerConfig{
		Port:           cfg.Server.Port,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
		Security:       cfg.ToSecurityMiddlewareConfig(),
	}
	srv, err := server.NewServer(server.Dependencies{
		Router:     router,
		Registry:   registry,
		Dispatcher: dispatcher,
		Cache:      semanticCache,
		Budgets:    budgetRegistry,
		Tracker:    tracker,
		Store:      store,
		Rules:      rules,
		Collector:  collector,
	}, serverConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}

	return &Application{
		config:     cfg,
		logger:     logger,
		store:      store,
		rules:      rules,
		router:     router,
		dispatcher: dispatcher,
		server:     srv,
	}, nil
}

// Run starts the application
func (app *Application) Run() error {
	app.logger.Info("Starting LLM Gateway")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app.router.Start(ctx)
	app.dispatcher.Start(ctx)

	if app.config.Steering.HotReload {
		if err := app.rules.Watch(ctx); err != nil {
			app.logger.WithError(err).Warn("Rule hot reload unavailable")
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErrors := make(chan error, 1)
	go func() {
		app.logger.WithField("address", ":"+app.config.Server.Port).Info("HTTP server starting")
		if err := app.server.Start(); err != nil {
			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		app.logger.WithField("signal", sig.String()).Info("Shutdown signal received")
	}

	app.logger.Info("Starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := app.server.Stop(shutdownCtx); err != nil {
		app.logger.WithError(err).Error("Server shutdown error")
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	cancel()
	app.dispatcher.Stop()
	if err := app.store.Close(); err != nil {
		app.logger.WithError(err).Warn("Budget store close error")
	}

	app.logger.Info("Graceful shutdown completed")
	return nil
}

// setupLogger configures the logger based on configuration
func setupLogger(logger *logrus.Logger, config config.LoggingConfig) error {
	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %s: %w", config.Level, err)
	}
	logger.SetLevel(level)

	switch config.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	default:
		return fmt.Errorf("invalid log format: %s", config.Format)
	}

	switch config.Output {
	case "stdout":
		logger.SetOutput(os.Stdout)
	case "stderr":
		logger.SetOutput(os.Stderr)
	default:
		file, err := os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", config.Output, err)
		}
		logger.SetOutput(file)
	}

	return nil
}

// buildProviderRegistry registers all configured providers.
func buildProviderRegistry(cfg *config.Config, logger *logrus.Logger) (*providers.Registry, error) {
	var list []providers.Provider

	if cfg.Providers.OpenAI != nil && cfg.Providers.OpenAI.APIKey != "" {
		list = append(list, openai.New(cfg.Providers.OpenAI, logger))
		logger.WithFields(logrus.Fields{
			"provider": "openai",
			"models":   len(cfg.Providers.OpenAI.Models),
		}).Info("OpenAI provider registered")
	}

	if cfg.Providers.Anthropic != nil && cfg.Providers.Anthropic.APIKey != "" {
		list = append(list, anthropic.New(cfg.Providers.Anthropic, logger))
		logger.WithFields(logrus.Fields{
			"provider": "anthropic",
			"models":   len(cfg.Providers.Anthropic.Models),
		}).Info("Anthropic provider registered")
	}

	if len(list) == 0 {
		return nil, fmt.Errorf("no providers were registered - check your configuration and API keys")
	}

	return providers.NewRegistry(list...), nil
}

// printUsage prints application usage information
func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "\nOptions:\n")
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
	fmt.Fprintf(os.Stderr, "  OPENAI_API_KEY       OpenAI API key\n")
	fmt.Fprintf(os.Stderr, "  ANTHROPIC_API_KEY    Anthropic API key\n")
	fmt.Fprintf(os.Stderr, "  GATEWAY_PORT         Server port (default: 8080)\n")
	fmt.Fprintf(os.Stderr, "  GATEWAY_LOG_LEVEL    Log level (debug,info,warn,error,fatal)\n")
	fmt.Fprintf(os.Stderr, "  GATEWAY_LOG_FORMAT   Log format (json,text)\n")
	fmt.Fprintf(os.Stderr, "  GATEWAY_BUDGET_DB    Budget database path\n")
	fmt.Fprintf(os.Stderr, "\nExamples:\n")
	fmt.Fprintf(os.Stderr, "  %s --config configs/config.yaml\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  OPENAI_API_KEY=sk-xxx ANTHROPIC_API_KEY=sk-ant-xxx %s\n", os.Args[0])
}

func main() {
	var (
		configPath = flag.String("config", "", "Path to configuration file")
		showHelp   = flag.Bool("help", false, "Show help message")
		version    = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	if *version {
		fmt.Printf("LLM Gateway v1.0.0\n")
		os.Exit(0)
	}

	app, err := NewApplication(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create application: %v\n", err)
		os.Exit(1)
	}

	if err := app.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Application error: %v\n", err)
		os.Exit(1)
	}
}
