package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/s0up4200/kbq/kb"
)

// EnvPrefix is prepended to every environment variable, e.g. KBQ_API_BASE_URL.
const EnvPrefix = "KBQ"

// flagKeys maps CLI flag names to configuration keys.
var flagKeys = map[string]string{
	"base-url":         "api.base_url",
	"api-key":          "api.key",
	"timeout":          "api.timeout",
	"retries":          "api.retry_attempts",
	"retry-delay":      "api.retry_delay",
	"managed-identity": "api.managed_identity",
	"session-token":    "auth.session_token",
	"org-id":           "query.org_id",
	"kb-id":            "query.kb_id",
	"log-level":        "logging.level",
	"log-format":       "logging.format",
}

// Load builds the configuration from defaults, an optional config file,
// KBQ_* environment variables and any matching flags in flags.
// Precedence is flag > env > file > default.
func Load(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	// Set default values
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("error binding flag %s: %w", name, err)
				}
			}
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Look for config in standard locations
		v.SetConfigName("config")
		v.SetConfigType("yaml")

		// Check current directory first
		v.AddConfigPath(".")

		// Check home directory
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".kbq"))
		}

		// Check /etc
		v.AddConfigPath("/etc/kbq/")
	}

	// The file is optional unless it was named explicitly
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	cfg.v = v

	// Validate configuration
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values. Every key is registered
// so that AutomaticEnv can resolve it during Unmarshal.
func setDefaults(v *viper.Viper) {
	// API defaults
	v.SetDefault("api.base_url", "")
	v.SetDefault("api.key", "")
	v.SetDefault("api.timeout", 30*time.Second)
	v.SetDefault("api.retry_attempts", 3)
	v.SetDefault("api.retry_delay", time.Second)
	v.SetDefault("api.headers", map[string]string{})
	v.SetDefault("api.managed_identity", false)

	// Auth defaults
	v.SetDefault("auth.session_token", "")

	// Query defaults
	v.SetDefault("query.org_id", "")
	v.SetDefault("query.kb_id", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.color", true)
}

// validate checks settings that kb.NewClient does not. Base URL and
// credentials are checked by the client itself.
func validate(cfg *Config) error {
	if cfg.API.RetryAttempts < 0 {
		return fmt.Errorf("api.retry_attempts must not be negative: %d", cfg.API.RetryAttempts)
	}
	if cfg.API.Timeout < 0 {
		return fmt.Errorf("api.timeout must not be negative: %s", cfg.API.Timeout)
	}
	if cfg.API.RetryDelay < 0 {
		return fmt.Errorf("api.retry_delay must not be negative: %s", cfg.API.RetryDelay)
	}

	// Validate logging level
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[cfg.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s", cfg.Logging.Level)
	}

	// Validate logging format
	validFormats := map[string]bool{
		"console": true,
		"json":    true,
	}
	if !validFormats[cfg.Logging.Format] {
		return fmt.Errorf("invalid logging format: %s", cfg.Logging.Format)
	}

	return nil
}

// File returns the config file that was read, or "" when none was found.
func (c *Config) File() string {
	if c.v == nil {
		return ""
	}
	return c.v.ConfigFileUsed()
}

// ClientConfig converts the loaded settings into a kb.Config.
func (c *Config) ClientConfig() kb.Config {
	return kb.Config{
		BaseURL:         c.API.BaseURL,
		APIKey:          c.API.Key,
		SessionToken:    c.Auth.SessionToken,
		DefaultHeaders:  c.API.Headers,
		Timeout:         c.API.Timeout,
		RetryAttempts:   c.API.RetryAttempts,
		RetryDelay:      c.API.RetryDelay,
		ManagedIdentity: c.API.ManagedIdentity,
		OrgID:           c.Query.OrgID,
		KBID:            c.Query.KBID,
	}
}
