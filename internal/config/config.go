package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Postgres (remote medication store)
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis (durable local engine state)
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// AWS delivery channels
	AWSRegion    string
	SESFromEmail string
	SNSRegion    string

	// Webhook delivery
	WebhookTimeout int // seconds

	// Engine loop tuning
	DispatchTickSeconds int // how often due reminders are checked
	SyncIntervalSeconds int // how often the offline queue is drained
	SyncMaxRetries      int // drain failures before dead-lettering an action
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "dosemind",
		DBName:    "dosemind",
		DBSSLMode: "disable",

		RedisHost: "localhost",
		RedisPort: 6379,

		AWSRegion:    "us-east-1",
		SESFromEmail: "noreply@dosemind.local",

		WebhookTimeout:      30,
		DispatchTickSeconds: 30,
		SyncIntervalSeconds: 60,
		SyncMaxRetries:      5,
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}

	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}

	if timeout := os.Getenv("WEBHOOK_TIMEOUT"); timeout != "" {
		t, err := strconv.Atoi(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid WEBHOOK_TIMEOUT: %w", err)
		}
		cfg.WebhookTimeout = t
	}

	if tick := os.Getenv("DISPATCH_TICK_SECONDS"); tick != "" {
		t, err := strconv.Atoi(tick)
		if err != nil {
			return nil, fmt.Errorf("invalid DISPATCH_TICK_SECONDS: %w", err)
		}
		cfg.DispatchTickSeconds = t
	}

	if interval := os.Getenv("SYNC_INTERVAL_SECONDS"); interval != "" {
		i, err := strconv.Atoi(interval)
		if err != nil {
			return nil, fmt.Errorf("invalid SYNC_INTERVAL_SECONDS: %w", err)
		}
		cfg.SyncIntervalSeconds = i
	}

	if retries := os.Getenv("SYNC_MAX_RETRIES"); retries != "" {
		r, err := strconv.Atoi(retries)
		if err != nil {
			return nil, fmt.Errorf("invalid SYNC_MAX_RETRIES: %w", err)
		}
		cfg.SyncMaxRetries = r
	}

	return cfg, nil
}

// DispatchTick returns the dispatcher tick interval as a duration.
func (c *Config) DispatchTick() time.Duration {
	return time.Duration(c.DispatchTickSeconds) * time.Second
}

// SyncInterval returns the queue drain interval as a duration.
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalSeconds) * time.Second
}
