// Package config provides process configuration and the persisted
// settings store for the virtual trading simulator.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds process-level configuration loaded from file. Runtime
// tunables (capital, leverage, schedules) live in the Store instead.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Log      LogConfig      `mapstructure:"log"`
	Feed     FeedConfig     `mapstructure:"feed"`
	Market   MarketConfig   `mapstructure:"market"`
}

// DatabaseConfig holds persistence configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level    string `mapstructure:"level"`
	Console  bool   `mapstructure:"console"`
	File     bool   `mapstructure:"file"`
	FilePath string `mapstructure:"file_path"`
}

// FeedConfig holds market data feed configuration.
type FeedConfig struct {
	WebsocketURL string        `mapstructure:"websocket_url"`
	QuoteURL     string        `mapstructure:"quote_url"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// MarketConfig holds market session configuration.
type MarketConfig struct {
	Timezone string `mapstructure:"timezone"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/paper-trader"
	}
	return filepath.Join(home, ".config", "paper-trader")
}

// Load loads configuration from the specified directory. If configDir is
// empty, uses the default config directory. A missing file yields the
// defaults rather than an error.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	v.SetDefault("database.path", filepath.Join(configDir, "simulator.db"))
	v.SetDefault("log.level", "info")
	v.SetDefault("log.console", true)
	v.SetDefault("log.file", true)
	v.SetDefault("log.file_path", filepath.Join(configDir, "logs", "simulator.log"))
	v.SetDefault("feed.timeout", 3*time.Second)
	v.SetDefault("market.timezone", "Asia/Kolkata")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config.toml: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config.toml: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PAPER_TRADER_DB"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("PAPER_TRADER_FEED_WS"); v != "" {
		cfg.Feed.WebsocketURL = v
	}
	if v := os.Getenv("PAPER_TRADER_FEED_QUOTES"); v != "" {
		cfg.Feed.QuoteURL = v
	}
	if v := os.Getenv("PAPER_TRADER_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path must not be empty")
	}
	if c.Feed.Timeout <= 0 {
		return fmt.Errorf("feed.timeout must be positive")
	}
	if _, err := time.LoadLocation(c.Market.Timezone); err != nil {
		return fmt.Errorf("invalid market.timezone %q: %w", c.Market.Timezone, err)
	}
	return nil
}

// Location returns the configured market timezone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Market.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
