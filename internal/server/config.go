package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds runtime configuration loaded from environment variables.
type Config struct {
	Port            string        `env:"PORT"             envDefault:"8080"`
	AllowedOrigins  []string      `env:"ALLOWED_ORIGINS"  envDefault:"*" envSeparator:","`
	StoreDriver     string        `env:"STORE_DRIVER"     envDefault:"sqlite"`
	DBPath          string        `env:"DB_PATH"          envDefault:"data/vttsync.db"`
	DatabaseURL     string        `env:"DATABASE_URL"`
	AuthSecret      string        `env:"AUTH_SECRET"`
	FeedBuffer      int           `env:"FEED_BUFFER"      envDefault:"256"`
	MaxBodySize     int64         `env:"MAX_BODY_SIZE"    envDefault:"1048576"`
	PingInterval    time.Duration `env:"PING_INTERVAL"    envDefault:"20s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// LoadConfig builds a Config from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.AllowedOrigins = parseAllowedOrigins(cfg.AllowedOrigins)
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	switch cfg.StoreDriver {
	case DriverMemory, DriverSQLite, DriverPostgres:
	default:
		return Config{}, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
	if cfg.StoreDriver == DriverPostgres && cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required for the postgres driver")
	}
	return cfg, nil
}

func parseAllowedOrigins(raw []string) []string {
	var origins []string
	for _, origin := range raw {
		trimmed := strings.TrimSpace(origin)
		if trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return origins
}
