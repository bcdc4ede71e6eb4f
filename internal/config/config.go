package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// DefaultEnvFiles are the .env files read in local development.
var DefaultEnvFiles = []string{"../.env", ".env"}

// LoadDotenv loads each file that exists into the process environment.
// Files are loaded one at a time so a missing file does not stop the rest;
// variables already set are never overridden.
func LoadDotenv(files ...string) {
	for _, f := range files {
		_ = godotenv.Load(f)
	}
}

// Config captures runtime configuration values used by the sync service.
type Config struct {
	// ServerAddress is the host:port pair the HTTP server listens on. Defaults to ":18111".
	ServerAddress string

	// DatabaseURL is the Postgres DSN used by database/sql. Required.
	DatabaseURL string

	// RedisAddr is the host:port of the Redis server backing the shared cache
	// tier, the offline store and the invalidation channel.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// StripeSecretKey authenticates outbound calls to the payment provider.
	StripeSecretKey string

	// StripeWebhookSecret verifies webhook signatures. When empty, payloads are
	// accepted unverified (local development only).
	StripeWebhookSecret string

	// StripeAPIURL overrides the provider base URL, mostly for stripe-mock.
	StripeAPIURL string

	LogLevel  string
	LogFormat string

	// CacheTTL bounds how long a cache tier may serve an entry.
	CacheTTL time.Duration

	// StoreRetries and StoreRetryDelay drive the store retry loop: StoreRetries
	// extra attempts, waiting n*StoreRetryDelay before attempt n+1.
	StoreRetries    int
	StoreRetryDelay time.Duration

	// VerifyAttempts and VerifyDelay drive post-write verification reads.
	VerifyAttempts int
	VerifyDelay    time.Duration

	// ReplaySchedule and SweepSchedule are cron specs for the offline replay
	// and the period-end sweep jobs. An empty spec disables the job.
	ReplaySchedule string
	SweepSchedule  string
}

const (
	defaultServerAddress  = ":18111"
	defaultRedisAddr      = "127.0.0.1:6379"
	defaultLogLevel       = "info"
	defaultLogFormat      = "console"
	defaultCacheTTL       = 5 * time.Minute
	defaultStoreRetries   = 3
	defaultStoreDelay     = time.Second
	defaultVerifyAttempts = 3
	defaultVerifyDelay    = time.Second
	defaultReplaySchedule = "@every 1m"
	defaultSweepSchedule  = "@every 6h"

	envServerAddress       = "BACKEND_ADDR"
	envDatabaseURL         = "DATABASE_URL"
	envRedisAddr           = "REDIS_ADDR"
	envRedisPassword       = "REDIS_PASSWORD"
	envRedisDB             = "REDIS_DB"
	envStripeSecretKey     = "STRIPE_SECRET_KEY"
	envStripeWebhookSecret = "STRIPE_WEBHOOK_SECRET"
	envStripeAPIURL        = "STRIPE_API_URL"
	envLogLevel            = "LOG_LEVEL"
	envLogFormat           = "LOG_FORMAT"
	envCacheTTL            = "CACHE_TTL"
	envStoreRetries        = "STORE_RETRY_ATTEMPTS"
	envStoreRetryDelay     = "STORE_RETRY_DELAY"
	envVerifyAttempts      = "VERIFY_ATTEMPTS"
	envVerifyDelay         = "VERIFY_DELAY"
	envReplaySchedule      = "REPLAY_SCHEDULE"
	envSweepSchedule       = "SWEEP_SCHEDULE"
)

// Load reads configuration from environment variables, applies defaults, and returns
// a Config structure. Required values return an error when missing.
func Load() (Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault(envServerAddress, defaultServerAddress)
	v.SetDefault(envRedisAddr, defaultRedisAddr)
	v.SetDefault(envRedisDB, 0)
	v.SetDefault(envLogLevel, defaultLogLevel)
	v.SetDefault(envLogFormat, defaultLogFormat)
	v.SetDefault(envCacheTTL, defaultCacheTTL)
	v.SetDefault(envStoreRetries, defaultStoreRetries)
	v.SetDefault(envStoreRetryDelay, defaultStoreDelay)
	v.SetDefault(envVerifyAttempts, defaultVerifyAttempts)
	v.SetDefault(envVerifyDelay, defaultVerifyDelay)
	v.SetDefault(envReplaySchedule, defaultReplaySchedule)
	v.SetDefault(envSweepSchedule, defaultSweepSchedule)

	cfg := Config{
		ServerAddress:       firstNonEmpty(v.GetString(envServerAddress), defaultServerAddress),
		DatabaseURL:         strings.TrimSpace(v.GetString(envDatabaseURL)),
		RedisAddr:           firstNonEmpty(v.GetString(envRedisAddr), defaultRedisAddr),
		RedisPassword:       v.GetString(envRedisPassword),
		RedisDB:             v.GetInt(envRedisDB),
		StripeSecretKey:     v.GetString(envStripeSecretKey),
		StripeWebhookSecret: v.GetString(envStripeWebhookSecret),
		StripeAPIURL:        v.GetString(envStripeAPIURL),
		LogLevel:            strings.ToLower(v.GetString(envLogLevel)),
		LogFormat:           strings.ToLower(v.GetString(envLogFormat)),
		CacheTTL:            v.GetDuration(envCacheTTL),
		StoreRetries:        v.GetInt(envStoreRetries),
		StoreRetryDelay:     v.GetDuration(envStoreRetryDelay),
		VerifyAttempts:      v.GetInt(envVerifyAttempts),
		VerifyDelay:         v.GetDuration(envVerifyDelay),
		ReplaySchedule:      v.GetString(envReplaySchedule),
		SweepSchedule:       v.GetString(envSweepSchedule),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("%s is required", envDatabaseURL)
	}
	if _, err := url.Parse(cfg.DatabaseURL); err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", envDatabaseURL, err)
	}
	if cfg.StoreRetries < 0 {
		return Config{}, fmt.Errorf("%s must not be negative", envStoreRetries)
	}
	if cfg.VerifyAttempts < 1 {
		return Config{}, fmt.Errorf("%s must be at least 1", envVerifyAttempts)
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}

	return cfg, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
