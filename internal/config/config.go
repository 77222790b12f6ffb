package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config represents the resolved fetch configuration. Values come from
// command-line flags first, then ARTIFACT_* environment variables, then
// built-in defaults.
type Config struct {
	URL        string        `mapstructure:"url"`
	Out        string        `mapstructure:"out"`
	SHA256     string        `mapstructure:"sha256"`
	Retries    int           `mapstructure:"retries"`
	Timeout    int           `mapstructure:"timeout"`
	Lock       bool          `mapstructure:"lock"`
	CleanStale string        `mapstructure:"clean_stale"`
	Logging    LoggingConfig `mapstructure:"logging"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load resolves configuration, binding the given command-line flags over
// environment variables and defaults
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("retries", 3)
	v.SetDefault("timeout", 30)
	v.SetDefault("lock", false)
	v.SetDefault("clean_stale", "")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	// ARTIFACT_URL mirrors the configurable-URL pattern of the original
	// fetch script; the other keys follow the same convention
	v.SetEnvPrefix("ARTIFACT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindings := map[string]string{
		"url":            "url",
		"out":            "out",
		"sha256":         "sha256",
		"retries":        "retries",
		"timeout":        "timeout",
		"lock":           "lock",
		"clean_stale":    "clean-stale",
		"logging.level":  "log-level",
		"logging.format": "log-format",
	}
	for key, flagName := range bindings {
		if flag := flags.Lookup(flagName); flag != nil {
			if err := v.BindPFlag(key, flag); err != nil {
				return nil, fmt.Errorf("failed to bind flag %s: %w", flagName, err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Retries < 0 {
		return fmt.Errorf("retries must be >= 0")
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must be >= 0")
	}
	if c.CleanStale != "" {
		if _, err := time.ParseDuration(c.CleanStale); err != nil {
			return fmt.Errorf("invalid clean-stale duration: %w", err)
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid logging format: %s", c.Logging.Format)
	}

	return nil
}

// GetTimeout returns the per-attempt inactivity timeout as time.Duration
func (c *Config) GetTimeout() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// GetCleanStale returns the stale-partial age threshold, or zero when
// cleanup is disabled
func (c *Config) GetCleanStale() time.Duration {
	if c.CleanStale == "" {
		return 0
	}
	d, _ := time.ParseDuration(c.CleanStale)
	return d
}
