package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	AppEnv        string
	Port          string
	DatabaseURL   string
	RedisURL      string
	SessionSecret string
	LogLevel      string
	LogFormat     string

	SweepInterval  time.Duration
	SweepThreshold time.Duration

	MaxConnections      int64
	MaxConnectionsPerIP int
	ConnectionRate      float64
	ConnectionBurst     int

	PublishRateCapacity int
	PublishRatePerMin   int
}

func Load() (*Config, error) {
	// .env is a development convenience; ignore absence.
	if getEnv("APP_ENV", "development") == "development" {
		_ = godotenv.Load()
	}

	cfg := &Config{
		AppEnv:        getEnv("APP_ENV", "development"),
		Port:          getEnv("PORT", "8080"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		RedisURL:      getEnv("REDIS_URL", ""),
		SessionSecret: getEnv("SESSION_SECRET", ""),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogFormat:     getEnv("LOG_FORMAT", "text"),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}
	if cfg.SessionSecret == "" {
		return nil, fmt.Errorf("SESSION_SECRET is required")
	}

	var err error
	if cfg.SweepInterval, err = getDuration("SWEEP_INTERVAL", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.SweepThreshold, err = getDuration("SWEEP_THRESHOLD", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.SweepInterval <= 0 {
		return nil, fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	if cfg.SweepThreshold <= 0 {
		return nil, fmt.Errorf("SWEEP_THRESHOLD must be positive")
	}

	if cfg.MaxConnections, err = getInt64("MAX_CONNECTIONS", 10000); err != nil {
		return nil, err
	}
	if cfg.MaxConnectionsPerIP, err = getInt("MAX_CONNECTIONS_PER_IP", 32); err != nil {
		return nil, err
	}
	if cfg.ConnectionRate, err = getFloat("CONNECTION_RATE", 10.0); err != nil {
		return nil, err
	}
	if cfg.ConnectionBurst, err = getInt("CONNECTION_BURST", 20); err != nil {
		return nil, err
	}

	if cfg.PublishRateCapacity, err = getInt("PUBLISH_RATE_CAPACITY", 30); err != nil {
		return nil, err
	}
	if cfg.PublishRatePerMin, err = getInt("PUBLISH_RATE_PER_MINUTE", 60); err != nil {
		return nil, err
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid duration: %w", key, err)
	}
	return d, nil
}

func getInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}

func getInt64(key string, defaultValue int64) (int64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}

func getFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number: %w", key, err)
	}
	return f, nil
}
