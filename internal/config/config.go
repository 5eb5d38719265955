package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Sync    SyncConfig    `mapstructure:"sync"`
	Refresh RefreshConfig `mapstructure:"refresh"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds content service configuration
type ServerConfig struct {
	URL     string        `mapstructure:"url"`     // Content service base URL
	Token   string        `mapstructure:"token"`   // Bearer token for both endpoints
	Timeout time.Duration `mapstructure:"timeout"` // Per-request timeout
}

// CacheConfig holds the bounded store configuration
type CacheConfig struct {
	Dir                string        `mapstructure:"dir"`                 // Database directory
	BudgetBytes        int64         `mapstructure:"budget_bytes"`        // Size budget for all entries
	FreshnessThreshold time.Duration `mapstructure:"freshness_threshold"` // Age after which a cached entry triggers a refetch
	MaxFallbackAge     time.Duration `mapstructure:"max_fallback_age"`    // How far back the previous-day fallback looks
	Retention          time.Duration `mapstructure:"retention"`           // Age after which the expiry sweep removes entries
}

// SyncConfig holds the background sync retry policy
type SyncConfig struct {
	BaseDelay     time.Duration `mapstructure:"base_delay"`     // First retry delay
	Multiplier    float64       `mapstructure:"multiplier"`     // Exponential backoff multiplier
	MaxDelay      time.Duration `mapstructure:"max_delay"`      // Backoff cap
	MaxRetries    int           `mapstructure:"max_retries"`    // Attempts before dead-lettering
	DrainInterval time.Duration `mapstructure:"drain_interval"` // How often the runner kicks a drain
}

// RefreshConfig holds the daily refresh schedule configuration
type RefreshConfig struct {
	TargetHour         int           `mapstructure:"target_hour"`          // Local hour the daily refresh fires
	Timezone           string        `mapstructure:"timezone"`             // IANA zone name; empty uses the system zone
	DriftCheckInterval time.Duration `mapstructure:"drift_check_interval"` // How often the runner checks for tz drift
	DriftThreshold     time.Duration `mapstructure:"drift_threshold"`      // Offset change treated as a timezone change
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`       // How often the expiry sweep runs
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	File  string `mapstructure:"file"`
	Level string `mapstructure:"level"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			URL:     "",
			Token:   "",
			Timeout: 15 * time.Second,
		},
		Cache: CacheConfig{
			Dir:                defaultCachePath(),
			BudgetBytes:        10 * 1024 * 1024,
			FreshnessThreshold: 2 * time.Hour,
			MaxFallbackAge:     7 * 24 * time.Hour,
			Retention:          7 * 24 * time.Hour,
		},
		Sync: SyncConfig{
			BaseDelay:     5 * time.Minute,
			Multiplier:    2,
			MaxDelay:      20 * time.Minute,
			MaxRetries:    3,
			DrainInterval: 5 * time.Minute,
		},
		Refresh: RefreshConfig{
			TargetHour:         3,
			Timezone:           "",
			DriftCheckInterval: 2 * time.Hour,
			DriftThreshold:     2 * time.Hour,
			SweepInterval:      24 * time.Hour,
		},
		Logging: LoggingConfig{
			File:  defaultLogPath(),
			Level: "INFO",
		},
	}
}

// defaultLogPath returns the default log file path for the current OS
func defaultLogPath() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("APPDATA"), "dailybrief", "dailybrief.log")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".local", "share", "dailybrief", "dailybrief.log")
	}
}

// defaultConfigPath returns the default config file path for the current OS
func defaultConfigPath() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("APPDATA"), "dailybrief")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "dailybrief")
	}
}

// defaultCachePath returns the default cache directory path for the current OS
func defaultCachePath() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("LOCALAPPDATA"), "dailybrief", "cache")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".local", "share", "dailybrief", "cache")
	}
}

// LoadConfig loads configuration from file and environment
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(defaultConfigPath())
	viper.AddConfigPath(".")

	// Environment variable overrides
	viper.SetEnvPrefix("DAILYBRIEF")
	viper.AutomaticEnv()

	// Read config file if it exists
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, use defaults
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration ranges.
func (c *Config) Validate() error {
	if c.Cache.BudgetBytes <= 0 {
		return fmt.Errorf("cache.budget_bytes must be positive, got %d", c.Cache.BudgetBytes)
	}
	if c.Cache.FreshnessThreshold <= 0 {
		return fmt.Errorf("cache.freshness_threshold must be positive, got %s", c.Cache.FreshnessThreshold)
	}
	if c.Cache.MaxFallbackAge <= 0 {
		return fmt.Errorf("cache.max_fallback_age must be positive, got %s", c.Cache.MaxFallbackAge)
	}
	if c.Cache.Retention <= 0 {
		return fmt.Errorf("cache.retention must be positive, got %s", c.Cache.Retention)
	}
	if c.Sync.BaseDelay <= 0 {
		return fmt.Errorf("sync.base_delay must be positive, got %s", c.Sync.BaseDelay)
	}
	if c.Sync.Multiplier < 1 {
		return fmt.Errorf("sync.multiplier must be at least 1, got %g", c.Sync.Multiplier)
	}
	if c.Sync.MaxDelay < c.Sync.BaseDelay {
		return fmt.Errorf("sync.max_delay %s is below sync.base_delay %s", c.Sync.MaxDelay, c.Sync.BaseDelay)
	}
	if c.Sync.MaxRetries < 0 {
		return fmt.Errorf("sync.max_retries must not be negative, got %d", c.Sync.MaxRetries)
	}
	if c.Refresh.TargetHour < 0 || c.Refresh.TargetHour > 23 {
		return fmt.Errorf("refresh.target_hour must be 0-23, got %d", c.Refresh.TargetHour)
	}
	if c.Refresh.DriftCheckInterval <= 0 {
		return fmt.Errorf("refresh.drift_check_interval must be positive, got %s", c.Refresh.DriftCheckInterval)
	}
	if c.Refresh.DriftThreshold <= 0 {
		return fmt.Errorf("refresh.drift_threshold must be positive, got %s", c.Refresh.DriftThreshold)
	}
	if _, err := c.Refresh.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves the configured timezone, defaulting to the system zone.
func (r RefreshConfig) Location() (*time.Location, error) {
	if r.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return nil, fmt.Errorf("refresh.timezone %q: %w", r.Timezone, err)
	}
	return loc, nil
}

// IsConfigured returns true if the content service URL is set
func (c *Config) IsConfigured() bool {
	return c.Server.URL != ""
}
