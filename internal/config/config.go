package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
type Config struct {
	// Server configuration
	Server ServerConfig

	// Relational store for purchase finalize records
	Database DatabaseConfig

	// Document store for canonical cart records
	Mongo MongoConfig

	// Redis configuration (shared cache backend)
	Redis RedisConfig

	// Cache configuration
	Cache CacheConfig

	// Booking provider configuration
	Upstream UpstreamConfig

	// Retry/backoff configuration
	Retry RetryConfig

	// Long-poll configuration
	Polling PollingConfig

	// Price adjustment configuration
	Pricing PricingConfig

	// Event publishing configuration
	Kafka KafkaConfig

	// CORS configuration
	CORS CORSConfig
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port        string
	Environment string // development, staging, production
	LogLevel    string // debug, info, warn, error
}

// DatabaseConfig holds database-related configuration. An empty URL selects
// the in-memory record store.
type DatabaseConfig struct {
	URL                string
	MaxConnections     int
	MaxIdleConnections int
	ConnMaxLifetime    time.Duration
}

// MongoConfig holds document store configuration. An empty URI selects the
// in-memory record store.
type MongoConfig struct {
	URI      string
	Database string
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	URL string
}

// CacheConfig holds cache configuration
type CacheConfig struct {
	Backend    string // memory or redis
	MaxEntries int
	ChargesTTL time.Duration
	SearchTTL  time.Duration
}

// UpstreamConfig holds booking provider configuration
type UpstreamConfig struct {
	BaseURL         string
	APIToken        string
	RequestTimeout  time.Duration
	BreakerFailures int
	BreakerCooldown time.Duration
}

// RetryConfig holds backoff configuration
type RetryConfig struct {
	Base        time.Duration
	MaxAttempts int
}

// PollingConfig holds long-poll intervals and per-surface ceilings
type PollingConfig struct {
	DefaultInterval     time.Duration
	MaxInterval         time.Duration
	SearchCeiling       time.Duration
	CartVerifyCeiling   time.Duration
	PurchaseCeiling     time.Duration
	PurchaseMaxAttempts int
	VerifyCart          bool
}

// PricingConfig holds the price adjustment policy
type PricingConfig struct {
	DiscountPercent   string // decimal percent; negative is a markup
	DiscountOverrides string // CUR=percent pairs, comma separated
}

// KafkaConfig holds event publishing configuration. No brokers disables
// publishing.
type KafkaConfig struct {
	Brokers       []string
	PurchaseTopic string
}

// CORSConfig holds CORS-related configuration
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (for local development)
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	config := &Config{
		Server: ServerConfig{
			Port:        getEnv("PORT", "8080"),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
		},
		Database: DatabaseConfig{
			URL:                getEnv("DATABASE_URL", ""),
			MaxConnections:     getEnvAsInt("DATABASE_MAX_CONNECTIONS", 10),
			MaxIdleConnections: getEnvAsInt("DATABASE_MAX_IDLE_CONNECTIONS", 5),
			ConnMaxLifetime:    time.Duration(getEnvAsInt("DATABASE_CONN_MAX_LIFETIME", 300)) * time.Second,
		},
		Mongo: MongoConfig{
			URI:      getEnv("MONGO_URI", ""),
			Database: getEnv("MONGO_DATABASE", "trip_booking"),
		},
		Redis: RedisConfig{
			URL: getEnv("REDIS_URL", ""),
		},
		Cache: CacheConfig{
			Backend:    getEnv("CACHE_BACKEND", "memory"),
			MaxEntries: getEnvAsInt("CACHE_MAX_ENTRIES", 10000),
			ChargesTTL: time.Duration(getEnvAsInt("CHARGES_CACHE_TTL_SECONDS", 60)) * time.Second,
			SearchTTL:  time.Duration(getEnvAsInt("SEARCH_CACHE_TTL_SECONDS", 300)) * time.Second,
		},
		Upstream: UpstreamConfig{
			BaseURL:         getEnv("UPSTREAM_BASE_URL", ""),
			APIToken:        getEnv("UPSTREAM_API_TOKEN", ""),
			RequestTimeout:  time.Duration(getEnvAsInt("UPSTREAM_TIMEOUT_SECONDS", 15)) * time.Second,
			BreakerFailures: getEnvAsInt("UPSTREAM_BREAKER_FAILURES", 5),
			BreakerCooldown: time.Duration(getEnvAsInt("UPSTREAM_BREAKER_COOLDOWN_SECONDS", 30)) * time.Second,
		},
		Retry: RetryConfig{
			Base:        time.Duration(getEnvAsInt("RETRY_BASE_MS", 1000)) * time.Millisecond,
			MaxAttempts: getEnvAsInt("RETRY_MAX_ATTEMPTS", 3),
		},
		Polling: PollingConfig{
			DefaultInterval:     time.Duration(getEnvAsInt("POLL_DEFAULT_INTERVAL_MS", 2000)) * time.Millisecond,
			MaxInterval:         time.Duration(getEnvAsInt("POLL_MAX_INTERVAL_MS", 5000)) * time.Millisecond,
			SearchCeiling:       time.Duration(getEnvAsInt("SEARCH_POLL_CEILING_SECONDS", 60)) * time.Second,
			CartVerifyCeiling:   time.Duration(getEnvAsInt("CART_VERIFY_POLL_CEILING_SECONDS", 30)) * time.Second,
			PurchaseCeiling:     time.Duration(getEnvAsInt("PURCHASE_POLL_CEILING_SECONDS", 120)) * time.Second,
			PurchaseMaxAttempts: getEnvAsInt("PURCHASE_POLL_MAX_ATTEMPTS", 40),
			VerifyCart:          getEnvAsBool("CART_VERIFY_AFTER_ADD", true),
		},
		Pricing: PricingConfig{
			DiscountPercent:   getEnv("PRICE_DISCOUNT_PERCENT", "0"),
			DiscountOverrides: getEnv("PRICE_DISCOUNT_OVERRIDES", ""),
		},
		Kafka: KafkaConfig{
			Brokers:       getEnvAsSlice("KAFKA_BROKERS", nil),
			PurchaseTopic: getEnv("KAFKA_PURCHASE_TOPIC", "purchase.finalized"),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvAsSlice("CORS_ALLOWED_ORIGINS", []string{"*"}),
			AllowedMethods: getEnvAsSlice("CORS_ALLOWED_METHODS", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
			AllowedHeaders: getEnvAsSlice("CORS_ALLOWED_HEADERS", []string{"Content-Type", "Authorization"}),
		},
	}

	// Validate required configuration
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("UPSTREAM_BASE_URL is required")
	}

	switch c.Cache.Backend {
	case "memory":
	case "redis":
		if c.Redis.URL == "" {
			return fmt.Errorf("REDIS_URL is required when CACHE_BACKEND is redis")
		}
	default:
		return fmt.Errorf("invalid CACHE_BACKEND: %s (must be 'memory' or 'redis')", c.Cache.Backend)
	}

	if c.Retry.MaxAttempts < 1 || c.Retry.MaxAttempts > 5 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be between 1 and 5, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.Base <= 0 {
		return fmt.Errorf("RETRY_BASE_MS must be positive")
	}

	if c.Polling.DefaultInterval <= 0 || c.Polling.MaxInterval <= 0 {
		return fmt.Errorf("poll intervals must be positive")
	}
	if c.Polling.DefaultInterval > c.Polling.MaxInterval {
		return fmt.Errorf("POLL_DEFAULT_INTERVAL_MS (%s) exceeds POLL_MAX_INTERVAL_MS (%s)",
			c.Polling.DefaultInterval, c.Polling.MaxInterval)
	}

	pct, err := strconv.ParseFloat(c.Pricing.DiscountPercent, 64)
	if err != nil {
		return fmt.Errorf("invalid PRICE_DISCOUNT_PERCENT: %s", c.Pricing.DiscountPercent)
	}
	if pct < -100 || pct > 100 {
		return fmt.Errorf("PRICE_DISCOUNT_PERCENT must be between -100 and 100, got %s", c.Pricing.DiscountPercent)
	}

	return nil
}

// IsProduction reports whether the service runs in production
func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}

// Helper functions to get environment variables

func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		log.Printf("Invalid integer value for %s, using default: %d", key, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		log.Printf("Invalid boolean value for %s, using default: %t", key, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var result []string
	for _, v := range strings.Split(valueStr, ",") {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}
