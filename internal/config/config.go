package config

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// minSigningKeyBytes is the HS256 key floor enforced outside development.
const minSigningKeyBytes = 32

// Config holds the server settings read from the environment.
type Config struct {
	Port            string        `mapstructure:"PORT"`
	Env             string        `mapstructure:"ENV"`
	Store           string        `mapstructure:"STORE"`
	DatabaseURL     string        `mapstructure:"DATABASE_URL"`
	DBMaxConns      int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns      int32         `mapstructure:"DB_MIN_CONNS"`
	ServerAddress   string        `mapstructure:"SERVER_ADDRESS"`
	TokenSigningKey string        `mapstructure:"TOKEN_SIGNING_KEY"`
	TokenTTL        time.Duration `mapstructure:"TOKEN_TTL"`
	RedisURL        string        `mapstructure:"REDIS_URL"`
	AccountCacheTTL time.Duration `mapstructure:"ACCOUNT_CACHE_TTL"`
	CORSOrigins     []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS    float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst  int           `mapstructure:"RATE_LIMIT_BURST"`
	BodyLimit       string        `mapstructure:"BODY_LIMIT"`
	BundleBodyLimit string        `mapstructure:"BUNDLE_BODY_LIMIT"`
}

// Load reads the configuration from environment variables and an optional
// .env file, applying defaults.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORE", StorePostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("TOKEN_TTL", "24h")
	v.SetDefault("ACCOUNT_CACHE_TTL", "10m")
	v.SetDefault("CORS_ORIGINS", "*")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("BODY_LIMIT", "10M")
	v.SetDefault("BUNDLE_BODY_LIMIT", "50M")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("STORE")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("SERVER_ADDRESS")
	v.BindEnv("TOKEN_SIGNING_KEY")
	v.BindEnv("TOKEN_TTL")
	v.BindEnv("REDIS_URL")
	v.BindEnv("ACCOUNT_CACHE_TTL")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("RATE_LIMIT_RPS")
	v.BindEnv("RATE_LIMIT_BURST")
	v.BindEnv("BODY_LIMIT")
	v.BindEnv("BUNDLE_BODY_LIMIT")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.ServerAddress == "" {
		cfg.ServerAddress = fmt.Sprintf("http://localhost:%s/fhir/", cfg.Port)
	}
	if !strings.HasSuffix(cfg.ServerAddress, "/") {
		cfg.ServerAddress += "/"
	}

	if cfg.Store == StorePostgres && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

// IsDev reports whether the server runs in development mode.
func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// SigningKey decodes TOKEN_SIGNING_KEY. In development an empty key yields a
// fixed local key so the account operations can be exercised without setup.
func (c *Config) SigningKey() ([]byte, error) {
	if c.TokenSigningKey == "" {
		if c.IsDev() {
			return []byte("healthmanager-development-signing-key!!"), nil
		}
		return nil, fmt.Errorf("TOKEN_SIGNING_KEY is required outside development")
	}
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(c.TokenSigningKey))
	if err != nil {
		return nil, fmt.Errorf("TOKEN_SIGNING_KEY is not valid base64: %w", err)
	}
	return key, nil
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch c.Store {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE is %q", StorePostgres)
		}
	case StoreMemory:
		if c.IsProduction() {
			return fmt.Errorf("STORE=%q is not allowed in production", StoreMemory)
		}
	default:
		return fmt.Errorf("STORE must be %q or %q, got %q", StorePostgres, StoreMemory, c.Store)
	}

	key, err := c.SigningKey()
	if err != nil {
		return err
	}
	if !c.IsDev() && len(key) < minSigningKeyBytes {
		return fmt.Errorf("TOKEN_SIGNING_KEY must decode to at least %d bytes, got %d", minSigningKeyBytes, len(key))
	}

	if c.TokenTTL <= 0 {
		return fmt.Errorf("TOKEN_TTL must be positive, got %s", c.TokenTTL)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) must not exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}

	return nil
}
