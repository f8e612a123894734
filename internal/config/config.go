package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tributary-ai/llm-gateway/internal/cache"
	"github.com/tributary-ai/llm-gateway/internal/middleware"
	"github.com/tributary-ai/llm-gateway/internal/providers/anthropic"
	"github.com/tributary-ai/llm-gateway/internal/providers/openai"
	"github.com/tributary-ai/llm-gateway/internal/queue"
	"github.com/tributary-ai/llm-gateway/internal/routing"
	"github.com/tributary-ai/llm-gateway/internal/security"
	"github.com/tributary-ai/llm-gateway/internal/types"
)

// Config represents the complete application configuration
type Config struct {
	Preset    string          `yaml:"preset"` // "development", "production", "enterprise"
	Server    ServerConfig    `yaml:"server"`
	Router    routing.Config  `yaml:"router"`
	Providers ProvidersConfig `yaml:"providers"`
	Steering  SteeringConfig  `yaml:"steering"`
	Budget    BudgetConfig    `yaml:"budget"`
	Cache     cache.Config    `yaml:"cache"`
	Queue     queue.Config    `yaml:"queue"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           string        `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"`
}

// ProvidersConfig holds configuration for all providers
type ProvidersConfig struct {
	OpenAI    *openai.Config    `yaml:"openai"`
	Anthropic *anthropic.Config `yaml:"anthropic"`
}

// SteeringConfig holds rule engine configuration
type SteeringConfig struct {
	RulesPath string `yaml:"rules_path"`
	HotReload bool   `yaml:"hot_reload"`
}

// BudgetConfig holds budget ledger configuration
type BudgetConfig struct {
	DatabasePath   string        `yaml:"database_path"`
	StatusCacheTTL time.Duration `yaml:"status_cache_ttl"`
	StatusCacheSize int          `yaml:"status_cache_size"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
	Output string `yaml:"output"` // "stdout", "stderr", or file path
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	APIKeys           []string                     `yaml:"api_keys"`
	AdminAPIKeys      []string                     `yaml:"admin_api_keys"`
	JWTSecret         string                       `yaml:"jwt_secret"`
	RateLimiting      RateLimitConfig              `yaml:"rate_limiting"`
	CORS              CORSConfig                   `yaml:"cors"`
	RequestValidation middleware.ValidationConfig  `yaml:"request_validation"`
}

// RateLimitConfig holds rate limiting configuration. Tiers widen or
// narrow the base limit per principal class ("admin", "user", "ip").
type RateLimitConfig struct {
	Enabled        bool                              `yaml:"enabled"`
	RequestsPerMin int                               `yaml:"requests_per_minute"`
	BurstSize      int                               `yaml:"burst_size"`
	WindowDuration time.Duration                     `yaml:"window_duration"`
	Tiers          map[string]security.RateLimitTier `yaml:"tiers"`
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// LoadConfig loads configuration with precedence: defaults, preset,
// file, then environment variables. The preset name itself comes from
// the file, so it is peeked before the full overlay is applied.
func LoadConfig(configPath string) (*Config, error) {
	config := &Config{}
	config.setDefaults()

	if configPath != "" {
		preset, err := peekPreset(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
		if preset != "" {
			config.Preset = preset
		}
	}
	config.applyPreset()

	if configPath != "" {
		if err := config.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	config.loadFromEnv()

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// setDefaults sets default configuration values
func (c *Config) setDefaults() {
	c.Preset = "development"

	c.Server = ServerConfig{
		Port:           "8080",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   120 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	c.Router = routing.Config{
		HealthCheckInterval: 30 * time.Second,
		HealthThreshold:     0.5,
		Weights:             routing.DefaultWeights(),
	}

	c.Steering = SteeringConfig{
		RulesPath: "configs/rules.yaml",
		HotReload: true,
	}

	c.Budget = BudgetConfig{
		DatabasePath:    "data/budgets.db",
		StatusCacheTTL:  30 * time.Second,
		StatusCacheSize: 1024,
	}

	c.Cache = cache.Config{
		Enabled:             true,
		MaxEntries:          1000,
		TTL:                 time.Hour,
		SimilarityThreshold: 0.85,
	}

	c.Queue = queue.Config{
		Concurrency: map[string]int{"openai": 3, "anthropic": 2},
		MaxAttempts: 3,
		Backoff: queue.BackoffConfig{
			Strategy:  "exponential",
			BaseDelay: time.Second,
			MaxDelay:  30 * time.Second,
		},
	}

	c.Logging = LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}

	c.Security = SecurityConfig{
		APIKeys: []string{},
		RateLimiting: RateLimitConfig{
			Enabled:        false,
			RequestsPerMin: 60,
			BurstSize:      10,
			WindowDuration: time.Minute,
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "Authorization", "X-API-Key"},
		},
		RequestValidation: middleware.ValidationConfig{
			Enabled:  false,
			SpecPath: "docs/openapi.yaml",
		},
	}

	c.Providers = ProvidersConfig{
		OpenAI: &openai.Config{
			Models: []types.ModelInfo{
				{
					Name:             "gpt-4",
					ProviderModelID:  "gpt-4",
					InputCostPer1K:   0.03,
					OutputCostPer1K:  0.06,
					MaxContextWindow: 8192,
					MaxOutputTokens:  4096,
					Capabilities:     []string{"chat", "code", "function-calling"},
				},
				{
					Name:             "gpt-4o-mini",
					ProviderModelID:  "gpt-4o-mini",
					InputCostPer1K:   0.00015,
					OutputCostPer1K:  0.0006,
					MaxContextWindow: 128000,
					MaxOutputTokens:  16384,
					Capabilities:     []string{"chat", "code", "function-calling", "vision"},
				},
				{
					Name:             "gpt-3.5-turbo",
					ProviderModelID:  "gpt-3.5-turbo",
					InputCostPer1K:   0.0015,
					OutputCostPer1K:  0.002,
					MaxContextWindow: 16385,
					MaxOutputTokens:  4096,
					Capabilities:     []string{"chat"},
				},
			},
			Timeout: 120 * time.Second,
		},
		Anthropic: &anthropic.Config{
			Models: []types.ModelInfo{
				{
					Name:             "claude-3-opus",
					ProviderModelID:  "claude-3-opus-20240229",
					InputCostPer1K:   0.015,
					OutputCostPer1K:  0.075,
					MaxContextWindow: 200000,
					MaxOutputTokens:  4096,
					Capabilities:     []string{"chat", "code", "long-context", "vision"},
				},
				{
					Name:             "claude-3-5-sonnet",
					ProviderModelID:  "claude-3-5-sonnet-20241022",
					InputCostPer1K:   0.003,
					OutputCostPer1K:  0.015,
					MaxContextWindow: 200000,
					MaxOutputTokens:  8192,
					Capabilities:     []string{"chat", "code", "long-context", "vision"},
				},
				{
					Name:             "claude-3-haiku",
					ProviderModelID:  "claude-3-haiku-20240307",
					InputCostPer1K:   0.00025,
					OutputCostPer1K:  0.00125,
					MaxContextWindow: 200000,
					MaxOutputTokens:  4096,
					Capabilities:     []string{"chat"},
				},
			},
			Timeout: 120 * time.Second,
		},
	}
}

// applyPreset overlays deployment-profile defaults. It runs before the
// file overlay, so file and environment values set explicitly still win.
func (c *Config) applyPreset() {
	switch c.Preset {
	case "production":
		c.Logging.Level = "info"
		c.Logging.Format = "json"
		c.Security.RateLimiting.Enabled = true
		c.Security.RateLimiting.Tiers = map[string]security.RateLimitTier{
			"admin": {RequestsPerMinute: 300, BurstSize: 50},
		}
		c.Queue.Concurrency = map[string]int{"openai": 20, "anthropic": 10}
		c.Cache.MaxEntries = 10000
	case "enterprise":
		c.Logging.Level = "warn"
		c.Logging.Format = "json"
		c.Security.RateLimiting.Enabled = true
		c.Security.RateLimiting.RequestsPerMin = 600
		c.Security.RateLimiting.Tiers = map[string]security.RateLimitTier{
			"admin": {RequestsPerMinute: 1200, BurstSize: 200},
		}
		c.Queue.Concurrency = map[string]int{"openai": 200, "anthropic": 100}
		c.Cache.MaxEntries = 50000
		c.Budget.StatusCacheSize = 16384
	}
}

// peekPreset reads only the preset name from a config file.
func peekPreset(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read config file: %w", err)
	}
	var header struct {
		Preset string `yaml:"preset"`
	}
	if err := yaml.Unmarshal(data, &header); err != nil {
		return "", fmt.Errorf("failed to parse YAML config: %w", err)
	}
	return header.Preset, nil
}

// loadFromFile loads configuration from YAML file
func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}

	return nil
}

// loadFromEnv loads configuration from environment variables
func (c *Config) loadFromEnv() {
	if port := os.Getenv("GATEWAY_PORT"); port != "" {
		c.Server.Port = port
	}

	if openaiKey := os.Getenv("OPENAI_API_KEY"); openaiKey != "" {
		if c.Providers.OpenAI != nil {
			c.Providers.OpenAI.APIKey = openaiKey
		}
	}

	if anthropicKey := os.Getenv("ANTHROPIC_API_KEY"); anthropicKey != "" {
		if c.Providers.Anthropic != nil {
			c.Providers.Anthropic.APIKey = anthropicKey
		}
	}

	if secret := os.Getenv("GATEWAY_JWT_SECRET"); secret != "" {
		c.Security.JWTSecret = secret
	}

	if level := os.Getenv("GATEWAY_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}

	if format := os.Getenv("GATEWAY_LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}

	if dbPath := os.Getenv("GATEWAY_BUDGET_DB"); dbPath != "" {
		c.Budget.DatabasePath = dbPath
	}
}

// validate validates the configuration
func (c *Config) validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port cannot be empty")
	}

	validPresets := map[string]bool{"development": true, "production": true, "enterprise": true}
	if !validPresets[c.Preset] {
		return fmt.Errorf("invalid preset: %s", c.Preset)
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
		"fatal": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Cache.SimilarityThreshold < 0 || c.Cache.SimilarityThreshold > 1 {
		return fmt.Errorf("cache similarity threshold must be in [0, 1], got %f", c.Cache.SimilarityThreshold)
	}

	for provider, n := range c.Queue.Concurrency {
		if n <= 0 {
			return fmt.Errorf("queue concurrency for %s must be positive, got %d", provider, n)
		}
	}
	switch c.Queue.Backoff.Strategy {
	case "", "linear", "exponential", "fixed":
	default:
		return fmt.Errorf("invalid backoff strategy: %s", c.Queue.Backoff.Strategy)
	}

	// A provider section without an API key is simply disabled; the
	// deployment only has to enable one.
	enabled := 0
	if c.Providers.OpenAI != nil && c.Providers.OpenAI.APIKey != "" {
		if len(c.Providers.OpenAI.Models) == 0 {
			return fmt.Errorf("OpenAI provider must have at least one model configured")
		}
		enabled++
	}
	if c.Providers.Anthropic != nil && c.Providers.Anthropic.APIKey != "" {
		if len(c.Providers.Anthropic.Models) == 0 {
			return fmt.Errorf("Anthropic provider must have at least one model configured")
		}
		enabled++
	}
	if enabled == 0 {
		return fmt.Errorf("at least one provider must have an API key configured")
	}

	return nil
}

// ToSecurityMiddlewareConfig converts to middleware.SecurityMiddlewareConfig
func (c *Config) ToSecurityMiddlewareConfig() *middleware.SecurityMiddlewareConfig {
	return &middleware.SecurityMiddlewareConfig{
		Auth: &security.Config{
			APIKeys:        c.Security.APIKeys,
			AdminAPIKeys:   c.Security.AdminAPIKeys,
			JWTSecret:      c.Security.JWTSecret,
			RequireAuth:    len(c.Security.APIKeys) > 0 || len(c.Security.AdminAPIKeys) > 0,
			AllowedOrigins: c.Security.CORS.AllowedOrigins,
		},
		RateLimit: &security.RateLimitConfig{
			Enabled:           c.Security.RateLimiting.Enabled,
			RequestsPerMinute: c.Security.RateLimiting.RequestsPerMin,
			BurstSize:         c.Security.RateLimiting.BurstSize,
			WindowDuration:    c.Security.RateLimiting.WindowDuration,
			CleanupInterval:   5 * time.Minute,
			Tiers:             c.Security.RateLimiting.Tiers,
		},
		Validation: &c.Security.RequestValidation,
	}
}

// SaveToFile saves the current configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// GetEnabledProviders returns a list of enabled provider names
func (c *Config) GetEnabledProviders() []string {
	var providers []string

	if c.Providers.OpenAI != nil && c.Providers.OpenAI.APIKey != "" {
		providers = append(providers, "openai")
	}
	if c.Providers.Anthropic != nil && c.Providers.Anthropic.APIKey != "" {
		providers = append(providers, "anthropic")
	}

	return providers
}
