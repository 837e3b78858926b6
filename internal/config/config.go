// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// API server
	HTTPAddr string

	// Status store
	PostgresDSN string

	// Queue
	RedisAddr     string
	QueueKey      string
	ProcessingKey string
	LeaseKey      string

	// Worker
	Workers        int
	ClaimTimeout   time.Duration
	LeaseTimeout   time.Duration
	ReaperInterval time.Duration
	MaxAttempts    int
	ConverterBin   string
	WorkDir        string

	// R2 storage
	R2AccountID       string
	R2AccessKeyID     string
	R2SecretAccessKey string
	R2BucketName      string
	R2PublicURL       string
	PresignTTL        time.Duration
}

// Load reads configuration from the environment. A .env file in the
// working directory is loaded first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		HTTPAddr: getEnv("HTTP_ADDR", ":4586"),

		PostgresDSN: getEnv("POSTGRES_DSN", ""),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		QueueKey:      getEnv("REDIS_QUEUE_KEY", "tasks:queue"),
		ProcessingKey: getEnv("REDIS_PROCESSING_KEY", "tasks:processing"),
		LeaseKey:      getEnv("REDIS_LEASE_KEY", "tasks:leases"),

		Workers:        getEnvAsInt("WORKERS", 4),
		ClaimTimeout:   getEnvAsDuration("CLAIM_TIMEOUT", 5*time.Second),
		LeaseTimeout:   getEnvAsDuration("LEASE_TIMEOUT", 10*time.Minute),
		ReaperInterval: getEnvAsDuration("REAPER_INTERVAL", 30*time.Second),
		MaxAttempts:    getEnvAsInt("MAX_ATTEMPTS", 3),
		ConverterBin:   getEnv("CONVERTER_BIN", "cad-converter"),
		WorkDir:        getEnv("WORK_DIR", os.TempDir()),

		R2AccountID:       getEnv("R2_ACCOUNT_ID", ""),
		R2AccessKeyID:     getEnv("R2_ACCESS_KEY_ID", ""),
		R2SecretAccessKey: getEnv("R2_SECRET_ACCESS_KEY", ""),
		R2BucketName:      getEnv("R2_BUCKET_NAME", ""),
		R2PublicURL:       getEnv("R2_PUBLIC_URL", ""),
		PresignTTL:        getEnvAsDuration("PRESIGN_TTL", time.Hour),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.PostgresDSN == "" {
		return errors.New("POSTGRES_DSN is required")
	}
	if c.RedisAddr == "" {
		return errors.New("REDIS_ADDR is required")
	}
	// The lease is the only timeout guarding in-flight conversions; it
	// has to outlive the worst case by a margin.
	if c.LeaseTimeout < time.Minute {
		return errors.New("LEASE_TIMEOUT must be at least 1m")
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvAsInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getEnvAsDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
