// Package config resolves persistence settings from the environment.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config holds the environment-provided persistence settings.
type Config struct {
	ConnectionString string `env:"DATABASE_CONNECTION_STRING"`
	TableName        string `env:"DATABASE_TABLE_NAME" envDefault:"graph_states"`
	MaxConnections   int    `env:"DATABASE_MAX_CONNECTIONS" envDefault:"10"`
	CosmosDatabase   string `env:"COSMOS_DATABASE_NAME" envDefault:"langgraph_db"`
	LogLevel         string `env:"GRAPHSTATE_LOG_LEVEL" envDefault:"info"`
}

// Load reads Config from the process environment.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if cfg.MaxConnections < 0 {
		return Config{}, fmt.Errorf("DATABASE_MAX_CONNECTIONS must not be negative, got %d", cfg.MaxConnections)
	}
	return cfg, nil
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
