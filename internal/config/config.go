package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds process-level configuration read from the environment.
// Per-company messaging settings (gateway credentials, quota limits,
// automation toggles) live in the database, not here.
type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis (quota counters + API rate limiting)
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Dispatcher
	DispatchInterval time.Duration // how often the dispatcher scans for work
	MaxPerCycle      int           // per-cycle send guard
	GatewayTimeout   time.Duration // timeout for a single gateway call

	// API rate limiting (per company, sliding window)
	APIRateLimit  int
	APIRateWindow time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "courier",
		DBName:    "courier",
		DBSSLMode: "disable",

		RedisHost: "localhost",
		RedisPort: 6379,

		DispatchInterval: 30 * time.Second,
		MaxPerCycle:      25,
		GatewayTimeout:   30 * time.Second,

		APIRateLimit:  100,
		APIRateWindow: time.Minute,
	}

	if v := os.Getenv("PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if v := os.Getenv("ENV"); v != "" {
		cfg.Env = v
	}

	if v := os.Getenv("DB_HOST"); v != "" {
		cfg.DBHost = v
	}

	if v := os.Getenv("DB_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if v := os.Getenv("DB_USER"); v != "" {
		cfg.DBUser = v
	}

	if v := os.Getenv("DB_PASSWORD"); v != "" {
		cfg.DBPassword = v
	}

	if v := os.Getenv("DB_NAME"); v != "" {
		cfg.DBName = v
	}

	if v := os.Getenv("DB_SSLMODE"); v != "" {
		cfg.DBSSLMode = v
	}

	if v := os.Getenv("REDIS_HOST"); v != "" {
		cfg.RedisHost = v
	}

	if v := os.Getenv("REDIS_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}

	if v := os.Getenv("REDIS_DB"); v != "" {
		d, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	if v := os.Getenv("DISPATCH_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid DISPATCH_INTERVAL: %w", err)
		}
		cfg.DispatchInterval = d
	}

	if v := os.Getenv("DISPATCH_MAX_PER_CYCLE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid DISPATCH_MAX_PER_CYCLE: %w", err)
		}
		cfg.MaxPerCycle = n
	}

	if v := os.Getenv("GATEWAY_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid GATEWAY_TIMEOUT: %w", err)
		}
		cfg.GatewayTimeout = d
	}

	if v := os.Getenv("API_RATE_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid API_RATE_LIMIT: %w", err)
		}
		cfg.APIRateLimit = n
	}

	if v := os.Getenv("API_RATE_WINDOW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid API_RATE_WINDOW: %w", err)
		}
		cfg.APIRateWindow = d
	}

	return cfg, nil
}
