package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete configuration structure
type Config struct {
	API     APIConfig     `mapstructure:"api"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Query   QueryConfig   `mapstructure:"query"`
	Logging LoggingConfig `mapstructure:"logging"`

	v *viper.Viper
}

// APIConfig holds the remote service connection and retry settings
type APIConfig struct {
	BaseURL         string            `mapstructure:"base_url"`
	Key             string            `mapstructure:"key"`
	Timeout         time.Duration     `mapstructure:"timeout"`
	RetryAttempts   int               `mapstructure:"retry_attempts"`
	RetryDelay      time.Duration     `mapstructure:"retry_delay"`
	Headers         map[string]string `mapstructure:"headers"`
	ManagedIdentity bool              `mapstructure:"managed_identity"`
}

// AuthConfig holds the session token pushed by the identity provider
type AuthConfig struct {
	SessionToken string `mapstructure:"session_token"`
}

// QueryConfig holds default identifiers for knowledge-base queries
type QueryConfig struct {
	OrgID string `mapstructure:"org_id"`
	KBID  string `mapstructure:"kb_id"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Color  bool   `mapstructure:"color"`
}
