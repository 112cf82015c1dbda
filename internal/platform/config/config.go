package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv       string `env:"APP_ENV" default:"development"`
	Port         string `env:"PORT" default:"8080"`
	AppURL       string `env:"APP_URL" default:"http://localhost:3000"`
	LogLevel     string `env:"LOG_LEVEL" default:"info"`
	LogFormat    string `env:"LOG_FORMAT" default:"text"`
	PublishToken string `env:"PUBLISH_TOKEN"`

	// Change sources are optional; an empty URL disables the source.
	RedisURL           string `env:"REDIS_URL"`
	RedisChangeChannel string `env:"REDIS_CHANGE_CHANNEL" default:"realtime:changes"`
	DatabaseURL        string `env:"DATABASE_URL"`
	PGNotifyChannel    string `env:"PG_NOTIFY_CHANNEL" default:"realtime_changes"`
	DatabaseMigrate    bool   `env:"DATABASE_MIGRATE" default:"false"`
	// RelayPublishedEvents sends API-published events through the Redis
	// change channel so every instance delivers them.
	RelayPublishedEvents bool `env:"RELAY_PUBLISHED_EVENTS" default:"false"`

	IdleTimeout          time.Duration `env:"IDLE_TIMEOUT" default:"60s"`
	SweepInterval        time.Duration `env:"SWEEP_INTERVAL" default:"15s"`
	ReconnectBaseDelay   time.Duration `env:"RECONNECT_BASE_DELAY" default:"1s"`
	MaxReconnectAttempts int           `env:"MAX_RECONNECT_ATTEMPTS" default:"5"`

	MaxConnections   int `env:"MAX_CONNECTIONS" default:"10000"`
	ConnectionBuffer int `env:"CONNECTION_BUFFER" default:"32"`

	PublishRateLimit float64 `env:"PUBLISH_RATE_LIMIT" default:"50"`
	PublishRateBurst int     `env:"PUBLISH_RATE_BURST" default:"100"`
}

func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.IsProduction() && cfg.PublishToken == "" {
		return errors.New("PUBLISH_TOKEN is required in production")
	}
	if cfg.PublishToken != "" && len(cfg.PublishToken) < 16 {
		return errors.New("PUBLISH_TOKEN must be at least 16 characters")
	}

	if cfg.IdleTimeout <= 0 || cfg.SweepInterval <= 0 {
		return errors.New("IDLE_TIMEOUT and SWEEP_INTERVAL must be positive")
	}
	if cfg.SweepInterval >= cfg.IdleTimeout {
		return fmt.Errorf("SWEEP_INTERVAL (%s) must be shorter than IDLE_TIMEOUT (%s)", cfg.SweepInterval, cfg.IdleTimeout)
	}
	if cfg.ReconnectBaseDelay <= 0 {
		return errors.New("RECONNECT_BASE_DELAY must be positive")
	}
	if cfg.MaxReconnectAttempts < 1 {
		return errors.New("MAX_RECONNECT_ATTEMPTS must be at least 1")
	}
	if cfg.MaxConnections < 1 || cfg.ConnectionBuffer < 1 {
		return errors.New("MAX_CONNECTIONS and CONNECTION_BUFFER must be at least 1")
	}
	if cfg.PublishRateLimit <= 0 || cfg.PublishRateBurst < 1 {
		return errors.New("PUBLISH_RATE_LIMIT and PUBLISH_RATE_BURST must be positive")
	}

	if cfg.RelayPublishedEvents && cfg.RedisURL == "" {
		return errors.New("RELAY_PUBLISHED_EVENTS requires REDIS_URL")
	}
	if cfg.DatabaseMigrate && cfg.DatabaseURL == "" {
		return errors.New("DATABASE_MIGRATE requires DATABASE_URL")
	}
	if cfg.IsProduction() && cfg.DatabaseURL != "" {
		mode, err := sslMode(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("DATABASE_URL is invalid: %w", err)
		}
		if mode == "disable" || mode == "allow" {
			return fmt.Errorf("DATABASE_URL uses sslmode=%s which is not allowed in production", mode)
		}
	}

	return nil
}

func sslMode(databaseURL string) (string, error) {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", err
	}
	return strings.ToLower(u.Query().Get("sslmode")), nil
}
