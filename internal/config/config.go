// Package config holds the runtime settings of the dbwire binary: environment
// configuration, the zap logger and the descriptor watcher.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

// Config is read from DBWIRE_* environment variables. CLI flags override it.
type Config struct {
	// Descriptor is the persistence descriptor path.
	Descriptor string `env:"DESCRIPTOR"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"console" validate:"oneof=console json"`

	// MetricsAddr serves /metrics when non-empty, e.g. ":9090".
	MetricsAddr string `env:"METRICS_ADDR"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s" validate:"gt=0"`
	ParallelStartup bool          `env:"PARALLEL_STARTUP"`
	TxTimeout       time.Duration `env:"TX_TIMEOUT" envDefault:"60s" validate:"gt=0"`

	// WatchDescriptor reports descriptor edits while running.
	WatchDescriptor bool `env:"WATCH_DESCRIPTOR"`
}

// Prefix is prepended to every variable name.
const Prefix = "DBWIRE_"

// Load reads the configuration from the process environment.
func Load() (*Config, error) {
	return parse(env.Options{Prefix: Prefix})
}

// LoadFrom reads the configuration from vars instead of the environment.
func LoadFrom(vars map[string]string) (*Config, error) {
	return parse(env.Options{Prefix: Prefix, Environment: vars})
}

func parse(opts env.Options) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the enumerated and positive fields.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
