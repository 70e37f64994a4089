// Package config parses and validates all application configuration from
// environment variables using caarlos0/env/v11.
//
// Call [Load] once at startup; pass the resulting [Config] to subcommands.
// The process exits if any field tagged "required" is missing.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration sourced from environment
// variables. Defaults match .env.example.
type Config struct {
	// ── Database ─────────────────────────────────────────────────────────────
	DatabaseURL       string        `env:"DATABASE_URL,required"`
	DBMaxConns        int32         `env:"DB_MAX_CONNS"          envDefault:"10"`
	DBMaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" envDefault:"5m"`

	// ── Worker ───────────────────────────────────────────────────────────────
	// Queue is the default queue the worker subcommand subscribes to.
	Queue string `env:"CABBAGE_QUEUE" envDefault:"default"`
	// ListenTimeout caps how long an idle worker waits for a notification
	// before re-polling. Correctness never depends on the notification
	// arriving; this only bounds idle latency after a missed one.
	ListenTimeout time.Duration `env:"CABBAGE_LISTEN_TIMEOUT" envDefault:"5s"`

	// ── Stale job recovery ───────────────────────────────────────────────────
	StaleRecoveryEnabled bool          `env:"STALE_RECOVERY_ENABLED" envDefault:"true"`
	StaleCheckInterval   time.Duration `env:"STALE_CHECK_INTERVAL"   envDefault:"1m"`
	// StaleThreshold is the age at which a 'doing' job is considered stuck.
	// Must comfortably exceed the longest expected task duration.
	StaleThreshold time.Duration `env:"STALE_THRESHOLD" envDefault:"5m"`

	// ── Logging ──────────────────────────────────────────────────────────────
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load parses and returns Config from environment variables.
// Returns an error if any required field is missing.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
