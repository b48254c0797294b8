package config

import (
	stderr "errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"

	"github.com/objectfs/tilecache/internal/cache"
	"github.com/objectfs/tilecache/internal/layout"
	"github.com/objectfs/tilecache/internal/logger"
	"github.com/objectfs/tilecache/internal/metrics"
	"github.com/objectfs/tilecache/internal/storage"
	"github.com/objectfs/tilecache/pkg/health"
)

// EnvPrefix prefixes every environment variable read by LoadFromEnv
const EnvPrefix = "TILECACHE_"

// Configuration represents the complete application configuration
type Configuration struct {
	Global     GlobalConfig     `yaml:"global"`
	Cache      cache.Config     `yaml:"cache" envPrefix:"CACHE_"`
	Storage    storage.Config   `yaml:"storage" envPrefix:"STORAGE_"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel        string        `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat       string        `yaml:"log_format" env:"LOG_FORMAT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`

	LogFile logger.FileConfig `yaml:"log_file" envPrefix:"LOG_FILE_"`
}

// MonitoringConfig represents monitoring settings
type MonitoringConfig struct {
	Metrics metrics.Config `yaml:"metrics" envPrefix:"METRICS_"`

	// Health probes the blob store periodically; the report is served on the metrics port
	Health health.TrackerConfig `yaml:"health" envPrefix:"HEALTH_"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	metricsConfig := metrics.DefaultConfig()
	metricsConfig.Enabled = false

	return &Configuration{
		Global: GlobalConfig{
			LogLevel:        "INFO",
			LogFormat:       "json",
			ShutdownTimeout: 10 * time.Second,
		},
		Cache:   cache.DefaultConfig(),
		Storage: storage.DefaultConfig(),
		Monitoring: MonitoringConfig{
			Metrics: *metricsConfig,
			Health:  health.DefaultConfig(),
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadDotEnv exports the variables of the given .env files (default ".env") without
// overriding variables already set. Missing files are skipped.
func LoadDotEnv(filenames ...string) error {
	if len(filenames) == 0 {
		filenames = []string{".env"}
	}

	for _, name := range filenames {
		if err := godotenv.Load(name); err != nil {
			if stderr.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", name, err)
		}
	}
	return nil
}

// LoadFromEnv overlays TILECACHE_* environment variables, e.g. TILECACHE_LOG_LEVEL,
// TILECACHE_CACHE_DIRECTORY_LAYOUT, TILECACHE_STORAGE_S3_BUCKET. Unset variables keep
// their current values.
func (c *Configuration) LoadFromEnv() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}
	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	if _, err := logger.ParseLevel(c.Global.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level: %s (must be one of: DEBUG, INFO, WARN, ERROR)", c.Global.LogLevel)
	}

	switch strings.ToLower(c.Global.LogFormat) {
	case "", "json", "console":
	default:
		return fmt.Errorf("invalid log_format: %s (must be json or console)", c.Global.LogFormat)
	}

	if c.Global.LogFile.MaxSizeMB < 0 || c.Global.LogFile.MaxBackups < 0 {
		return fmt.Errorf("log_file max_size_mb and max_backups cannot be negative")
	}

	if !isValidLayout(c.Cache.DirectoryLayout) {
		return fmt.Errorf("invalid directory_layout: %s (must be one of: %s)",
			c.Cache.DirectoryLayout, strings.Join(layout.Names(), ", "))
	}

	if _, err := layout.New(c.Cache.DirectoryLayout, c.Cache.BasePath, c.Cache.FileExt); err != nil {
		return fmt.Errorf("invalid cache configuration: %w", err)
	}

	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("invalid storage configuration: %w", err)
	}

	if c.Monitoring.Metrics.Enabled {
		if c.Monitoring.Metrics.Port <= 0 || c.Monitoring.Metrics.Port > 65535 {
			return fmt.Errorf("metrics port must be between 1 and 65535")
		}
	}

	if err := c.Monitoring.Health.Validate(); err != nil {
		return fmt.Errorf("invalid health configuration: %w", err)
	}

	return nil
}

func isValidLayout(name string) bool {
	for _, n := range layout.Names() {
		if n == name {
			return true
		}
	}
	return false
}
