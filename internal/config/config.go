package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shariqsway/nest-api-key-auth-sub000/internal/hasher"
	"github.com/shariqsway/nest-api-key-auth-sub000/internal/ratelimit"
	"github.com/shariqsway/nest-api-key-auth-sub000/pkg/models"
)

// Config holds all configuration for the keygate server.
type Config struct {
	Server    ServerConfig
	Store     StoreConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Cache     CacheConfig
	RateLimit RateLimitConfig
	Quota     QuotaConfig
	Keys      KeysConfig
	Threat    ThreatConfig
	Admin     AdminConfig
}

type ServerConfig struct {
	Port          int
	Env           string
	SweepInterval time.Duration
}

type StoreConfig struct {
	Backend string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type CacheConfig struct {
	Enabled bool
	Backend string
	TTL     time.Duration
}

type RateLimitConfig struct {
	Enabled   bool
	Backend   string
	Endpoints ratelimit.EndpointRules
}

type QuotaConfig struct {
	Accelerator   bool
	DefaultMax    int64
	DefaultPeriod models.QuotaPeriod
}

type KeysConfig struct {
	HashAlgorithm   string
	BcryptCost      int
	SecretPrefix    string
	PrefixLength    int
	ExpirationGrace time.Duration
}

type ThreatConfig struct {
	Threshold int
	Window    time.Duration
}

type AdminConfig struct {
	Token           string
	RateLimitPerMin int
}

const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:          envInt("KEYGATE_PORT", 8080),
			Env:           envString("KEYGATE_ENV", "development"),
			SweepInterval: envDuration("SWEEP_INTERVAL", time.Minute),
		},
		Store: StoreConfig{
			Backend: envString("STORE_BACKEND", BackendPostgres),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Cache: CacheConfig{
			Enabled: envBool("CACHE_ENABLED", true),
			Backend: envString("CACHE_BACKEND", BackendMemory),
			TTL:     envDuration("CACHE_TTL", 5*time.Minute),
		},
		RateLimit: RateLimitConfig{
			Enabled: envBool("RATE_LIMIT_ENABLED", true),
			Backend: envString("RATE_LIMIT_BACKEND", BackendMemory),
		},
		Quota: QuotaConfig{
			Accelerator:   envBool("QUOTA_ACCELERATOR", false),
			DefaultMax:    int64(envInt("QUOTA_DEFAULT_MAX", 0)),
			DefaultPeriod: models.QuotaPeriod(envString("QUOTA_DEFAULT_PERIOD", string(models.QuotaMonthly))),
		},
		Keys: KeysConfig{
			HashAlgorithm:   envString("HASH_ALGORITHM", hasher.AlgBcrypt),
			BcryptCost:      envInt("BCRYPT_COST", 10),
			SecretPrefix:    envString("KEY_SECRET_PREFIX", "kg_"),
			PrefixLength:    envInt("KEY_PREFIX_LENGTH", 12),
			ExpirationGrace: envDuration("EXPIRATION_GRACE_PERIOD", 0),
		},
		Threat: ThreatConfig{
			Threshold: envInt("BRUTE_FORCE_THRESHOLD", 5),
			Window:    envDuration("BRUTE_FORCE_WINDOW", 15*time.Minute),
		},
		Admin: AdminConfig{
			Token:           os.Getenv("ADMIN_TOKEN"),
			RateLimitPerMin: envInt("ADMIN_RATE_LIMIT_PER_MIN", 30),
		},
	}

	rules, err := ratelimit.ParseEndpointRules(os.Getenv("ENDPOINT_RATE_LIMITS"))
	if err != nil {
		return nil, fmt.Errorf("ENDPOINT_RATE_LIMITS: %w", err)
	}
	cfg.RateLimit.Endpoints = rules

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// NeedsRedis reports whether any enabled component is backed by redis.
func (c *Config) NeedsRedis() bool {
	return (c.Cache.Enabled && c.Cache.Backend == BackendRedis) ||
		(c.RateLimit.Enabled && c.RateLimit.Backend == BackendRedis) ||
		c.Quota.Accelerator
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case BackendPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND is postgres")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("STORE_BACKEND must be one of postgres, memory; got %q", c.Store.Backend)
	}

	if err := validBackend("CACHE_BACKEND", c.Cache.Backend); err != nil {
		return err
	}
	if err := validBackend("RATE_LIMIT_BACKEND", c.RateLimit.Backend); err != nil {
		return err
	}
	if c.NeedsRedis() && c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required when a redis backend or QUOTA_ACCELERATOR is enabled")
	}
	if c.Redis.URL != "" && !strings.HasPrefix(c.Redis.URL, "redis://") && !strings.HasPrefix(c.Redis.URL, "rediss://") {
		return fmt.Errorf("REDIS_URL must start with redis:// or rediss://, got %q", c.Redis.URL)
	}

	if c.Cache.TTL <= 0 {
		return fmt.Errorf("CACHE_TTL must be positive, got %s", c.Cache.TTL)
	}

	if c.Quota.DefaultMax < 0 {
		return fmt.Errorf("QUOTA_DEFAULT_MAX must not be negative, got %d", c.Quota.DefaultMax)
	}
	if c.Quota.DefaultMax > 0 && !c.Quota.DefaultPeriod.Valid() {
		return fmt.Errorf("QUOTA_DEFAULT_PERIOD must be one of daily, monthly, yearly; got %q", c.Quota.DefaultPeriod)
	}

	if c.Keys.HashAlgorithm != hasher.AlgBcrypt && c.Keys.HashAlgorithm != hasher.AlgArgon2id {
		return fmt.Errorf("HASH_ALGORITHM must be one of bcrypt, argon2id; got %q", c.Keys.HashAlgorithm)
	}
	if c.Keys.BcryptCost < 4 || c.Keys.BcryptCost > 31 {
		return fmt.Errorf("BCRYPT_COST must be between 4 and 31, got %d", c.Keys.BcryptCost)
	}
	if c.Keys.PrefixLength <= len(c.Keys.SecretPrefix) {
		return fmt.Errorf("KEY_PREFIX_LENGTH must exceed the length of KEY_SECRET_PREFIX %q, got %d",
			c.Keys.SecretPrefix, c.Keys.PrefixLength)
	}
	if c.Keys.ExpirationGrace < 0 {
		return fmt.Errorf("EXPIRATION_GRACE_PERIOD must not be negative, got %s", c.Keys.ExpirationGrace)
	}

	if c.Threat.Threshold <= 0 {
		return fmt.Errorf("BRUTE_FORCE_THRESHOLD must be positive, got %d", c.Threat.Threshold)
	}
	if c.Threat.Window <= 0 {
		return fmt.Errorf("BRUTE_FORCE_WINDOW must be positive, got %s", c.Threat.Window)
	}

	if c.Admin.Token == "" {
		return fmt.Errorf("ADMIN_TOKEN is required")
	}
	if c.Admin.RateLimitPerMin <= 0 {
		return fmt.Errorf("ADMIN_RATE_LIMIT_PER_MIN must be positive, got %d", c.Admin.RateLimitPerMin)
	}

	return nil
}

func validBackend(name, v string) error {
	if v != BackendMemory && v != BackendRedis {
		return fmt.Errorf("%s must be one of memory, redis; got %q", name, v)
	}
	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
