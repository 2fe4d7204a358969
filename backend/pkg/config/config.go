package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	apperrors "identity-hub/backend/pkg/errors"
)

// Store backends
const (
	StoreBackendNeo4j  = "neo4j"
	StoreBackendMemory = "memory"
)

// Config holds all application configuration
type Config struct {
	// App
	Port string
	Env  string

	// Identity store
	StoreBackend  string
	StoreTimeout  time.Duration // Bound applied to every store call
	Neo4jURI      string
	Neo4jUser     string
	Neo4jPassword string
	Neo4jDatabase string

	// Accounts
	BcryptCost   int
	DefaultRole  string
	AdminRole    string
	APIKeyHeader string
	APIKeyQuery  string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()

	cfg := &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		StoreBackend:  strings.ToLower(getEnv("STORE_BACKEND", StoreBackendNeo4j)),
		StoreTimeout:  getEnvDuration("STORE_TIMEOUT", 5*time.Second),
		Neo4jURI:      getEnv("NEO4J_URI", "bolt://localhost:7687"),
		Neo4jUser:     getEnv("NEO4J_USER", "neo4j"),
		Neo4jPassword: getEnv("NEO4J_PASSWORD", "password"),
		Neo4jDatabase: getEnv("NEO4J_DATABASE", ""),
		BcryptCost:    getEnvInt("BCRYPT_COST", 10),
		DefaultRole:   getEnv("DEFAULT_ROLE", "user"),
		AdminRole:     getEnv("ADMIN_ROLE", "admin"),
		APIKeyHeader:  getEnv("API_KEY_HEADER", "X-API-Key"),
		APIKeyQuery:   getEnv("API_KEY_QUERY", "apikey"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that required configuration values are set
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case StoreBackendNeo4j:
		if c.Neo4jURI == "" {
			return apperrors.NewConfigMissingRequired("NEO4J_URI")
		}
		if c.Neo4jUser == "" {
			return apperrors.NewConfigMissingRequired("NEO4J_USER")
		}
		if c.Neo4jPassword == "" {
			return apperrors.NewConfigMissingRequired("NEO4J_PASSWORD")
		}
	case StoreBackendMemory:
	default:
		return apperrors.NewConfigValidationFailed("STORE_BACKEND", fmt.Sprintf("unknown backend %q", c.StoreBackend))
	}
	if c.StoreTimeout <= 0 {
		return apperrors.NewConfigValidationFailed("STORE_TIMEOUT", "must be positive")
	}
	// bcrypt rejects costs outside [4, 31]
	if c.BcryptCost < 4 || c.BcryptCost > 31 {
		return apperrors.NewConfigValidationFailed("BCRYPT_COST", "must be between 4 and 31")
	}
	if c.AdminRole == "" {
		return apperrors.NewConfigMissingRequired("ADMIN_ROLE")
	}
	if c.APIKeyHeader == "" && c.APIKeyQuery == "" {
		return apperrors.NewConfigValidationFailed("API_KEY_HEADER", "header or query parameter name required")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var result int
		if _, err := fmt.Sscanf(value, "%d", &result); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
