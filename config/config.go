package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the application configuration
type Config struct {
	// HTTP server configuration
	HTTP HTTPConfig

	// Durable store configuration
	Store StoreConfig

	// Redis backs the lock service and the context cache
	Redis RedisConfig

	Lock      LockConfig
	Cache     CacheConfig
	Lifecycle LifecycleConfig
	Tools     ToolsConfig
	LLM       LLMConfig

	// PhrasesPath optionally overrides the built-in phrase tables (YAML)
	PhrasesPath string

	// CatalogPath is the YAML file with plans and client tool declarations
	CatalogPath string

	// DefaultPlan is used for clients missing from the catalog. Empty rejects them.
	DefaultPlan string

	LogLevel string
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	Enabled bool
	Host    string
	Port    int
}

// StoreConfig selects and configures the durable store backend
type StoreConfig struct {
	Backend       string // memory | sqlite | mongodb
	SQLitePath    string
	MongoURI      string
	MongoDatabase string
}

// RedisConfig holds the shared cache connection settings
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// LockConfig holds lock service settings
type LockConfig struct {
	Backend    string // redis | memory
	DefaultTTL time.Duration
	MaxTTL     time.Duration
}

// CacheConfig holds context cache settings
type CacheConfig struct {
	Backend string // redis | memory
	TTL     time.Duration
}

// LifecycleConfig holds conversation lifecycle settings
type LifecycleConfig struct {
	InactivityThreshold time.Duration
	SweepInterval       time.Duration
	SweepEnabled        bool
	SweepConcurrency    int
	SystemPrompt        string
}

// ToolsConfig holds tool execution settings
type ToolsConfig struct {
	WebhookTimeout time.Duration
}

// LLMConfig holds configuration for the LLM client
type LLMConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Timeout     time.Duration
	NativeTools bool
	// MaxAdaptiveRounds caps tool rounds for adaptive plans
	MaxAdaptiveRounds int

	// Backup is an optional second OpenAI-compatible endpoint used when the
	// primary fails with a retryable error. Empty BaseURL disables it.
	Backup         BackupLLMConfig
	BackupCooldown time.Duration
}

// BackupLLMConfig describes the fallback completion endpoint
type BackupLLMConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

const defaultSystemPrompt = "You are a helpful customer-support assistant. Answer concisely and only use the tools you are given."

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		HTTP: HTTPConfig{
			Enabled: getEnvBool("AGENTDESK_HTTP_ENABLED", true),
			Host:    getEnvString("AGENTDESK_HTTP_HOST", "0.0.0.0"),
			Port:    getEnvInt("AGENTDESK_HTTP_PORT", 8080),
		},
		Store: StoreConfig{
			Backend:       getEnvString("AGENTDESK_STORE", "sqlite"),
			SQLitePath:    getEnvString("AGENTDESK_SQLITE_PATH", "./data/agentdesk.db"),
			MongoURI:      getEnvString("AGENTDESK_MONGODB_URI", "mongodb://localhost:27017"),
			MongoDatabase: getEnvString("AGENTDESK_MONGODB_DATABASE", "agentdesk"),
		},
		Redis: RedisConfig{
			Addr:     getEnvString("AGENTDESK_REDIS_ADDR", "localhost:6379"),
			Password: getEnvString("AGENTDESK_REDIS_PASSWORD", ""),
			DB:       getEnvInt("AGENTDESK_REDIS_DB", 0),
			Prefix:   getEnvString("AGENTDESK_REDIS_PREFIX", "agentdesk"),
		},
		Lock: LockConfig{
			Backend:    getEnvString("AGENTDESK_LOCK_BACKEND", "redis"),
			DefaultTTL: getEnvDuration("AGENTDESK_LOCK_TTL_SECONDS", 60, time.Second),
			MaxTTL:     getEnvDuration("AGENTDESK_LOCK_MAX_TTL_SECONDS", 300, time.Second),
		},
		Cache: CacheConfig{
			Backend: getEnvString("AGENTDESK_CACHE_BACKEND", "redis"),
			TTL:     getEnvDuration("AGENTDESK_CACHE_TTL_MINUTES", 60, time.Minute),
		},
		Lifecycle: LifecycleConfig{
			InactivityThreshold: getEnvDuration("AGENTDESK_INACTIVITY_MINUTES", 15, time.Minute),
			SweepInterval:       getEnvDuration("AGENTDESK_SWEEP_INTERVAL_MINUTES", 5, time.Minute),
			SweepEnabled:        getEnvBool("AGENTDESK_SWEEP_ENABLED", true),
			SweepConcurrency:    getEnvInt("AGENTDESK_SWEEP_CONCURRENCY", 8),
			SystemPrompt:        getEnvString("AGENTDESK_SYSTEM_PROMPT", defaultSystemPrompt),
		},
		Tools: ToolsConfig{
			WebhookTimeout: getEnvDuration("AGENTDESK_TOOL_TIMEOUT_SECONDS", 20, time.Second),
		},
		LLM: LLMConfig{
			APIKey:            getEnvString("AGENTDESK_LLM_API_KEY", ""),
			BaseURL:           getEnvString("AGENTDESK_LLM_BASE_URL", ""),
			Model:             getEnvString("AGENTDESK_LLM_MODEL", "gpt-4o-mini"),
			Timeout:           getEnvDuration("AGENTDESK_LLM_TIMEOUT_SECONDS", 60, time.Second),
			NativeTools:       getEnvBool("AGENTDESK_LLM_NATIVE_TOOLS", true),
			MaxAdaptiveRounds: getEnvInt("AGENTDESK_LLM_MAX_ADAPTIVE_ROUNDS", 3),
			Backup: BackupLLMConfig{
				APIKey:  getEnvString("AGENTDESK_LLM_BACKUP_API_KEY", ""),
				BaseURL: getEnvString("AGENTDESK_LLM_BACKUP_BASE_URL", ""),
				Model:   getEnvString("AGENTDESK_LLM_BACKUP_MODEL", ""),
			},
			BackupCooldown: getEnvDuration("AGENTDESK_LLM_BACKUP_COOLDOWN_SECONDS", 120, time.Second),
		},
		PhrasesPath: getEnvString("AGENTDESK_PHRASES_PATH", ""),
		CatalogPath: getEnvString("AGENTDESK_CATALOG_PATH", "./catalog.yaml"),
		DefaultPlan: getEnvString("AGENTDESK_DEFAULT_PLAN", ""),
		LogLevel:    getEnvString("AGENTDESK_LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail later at runtime
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory", "sqlite", "mongodb":
	default:
		return fmt.Errorf("unsupported store backend: %q", c.Store.Backend)
	}
	switch c.Lock.Backend {
	case "redis", "memory":
	default:
		return fmt.Errorf("unsupported lock backend: %q", c.Lock.Backend)
	}
	switch c.Cache.Backend {
	case "redis", "memory":
	default:
		return fmt.Errorf("unsupported cache backend: %q", c.Cache.Backend)
	}
	if c.Lock.DefaultTTL <= 0 || c.Lock.MaxTTL < c.Lock.DefaultTTL {
		return fmt.Errorf("lock TTL must be positive and not exceed max (default=%v max=%v)", c.Lock.DefaultTTL, c.Lock.MaxTTL)
	}
	if c.Lifecycle.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive")
	}
	return nil
}

// GetAddress returns the HTTP server address
func (c *Config) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Host, c.HTTP.Port)
}

// Helper functions for environment variables
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvDuration reads an integer count of unit from the environment
func getEnvDuration(key string, defaultValue int, unit time.Duration) time.Duration {
	return time.Duration(getEnvInt(key, defaultValue)) * unit
}
