package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override, e.g. ANNOTLINE_LEASE_DURATION.
const EnvPrefix = "ANNOTLINE"

// Config models annotline.yml.
type Config struct {
	Lease struct {
		Duration time.Duration `yaml:"duration" mapstructure:"duration"`
	} `yaml:"lease" mapstructure:"lease"`
	Recovery struct {
		OnStartup     bool          `yaml:"on_startup" mapstructure:"on_startup"`
		OnShutdown    bool          `yaml:"on_shutdown" mapstructure:"on_shutdown"`
		SweepInterval time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval"`
	} `yaml:"recovery" mapstructure:"recovery"`
	Logging Logging `yaml:"logging" mapstructure:"logging"`
	Cache   struct {
		CategoryTTL time.Duration `yaml:"category_ttl" mapstructure:"category_ttl"`
	} `yaml:"cache" mapstructure:"cache"`
	Database struct {
		BusyTimeout time.Duration `yaml:"busy_timeout" mapstructure:"busy_timeout"`
	} `yaml:"database" mapstructure:"database"`
	Metrics struct {
		Textfile string `yaml:"textfile" mapstructure:"textfile"`
	} `yaml:"metrics" mapstructure:"metrics"`
}

type Logging struct {
	Level      string `yaml:"level" mapstructure:"level"`
	Format     string `yaml:"format" mapstructure:"format"`
	File       string `yaml:"file" mapstructure:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days"`
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	cfg.Lease.Duration = 30 * time.Minute
	cfg.Recovery.OnStartup = true
	cfg.Recovery.OnShutdown = true
	cfg.Logging = Logging{Level: "info", Format: "text", MaxSizeMB: 10, MaxBackups: 3, MaxAgeDays: 28}
	cfg.Cache.CategoryTTL = 5 * time.Minute
	cfg.Database.BusyTimeout = 5 * time.Second
	return &cfg
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Lease.Duration <= 0 {
		return fmt.Errorf("config.lease.duration must be positive")
	}
	if c.Recovery.SweepInterval < 0 {
		return fmt.Errorf("config.recovery.sweep_interval must not be negative")
	}
	if c.Cache.CategoryTTL < 0 {
		return fmt.Errorf("config.cache.category_ttl must not be negative")
	}
	if c.Database.BusyTimeout < 0 {
		return fmt.Errorf("config.database.busy_timeout must not be negative")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("config.logging.format must be text or json")
	}
	if c.Logging.MaxSizeMB < 0 || c.Logging.MaxBackups < 0 || c.Logging.MaxAgeDays < 0 {
		return fmt.Errorf("config.logging rotation limits must not be negative")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "annotline.yml")
}

// Load layers defaults, the workspace's annotline.yml when present, and
// ANNOTLINE_* environment overrides.
func Load(workspace string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	v.SetConfigFile(Path(workspace))
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read %s: %w", Path(workspace), err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("lease.duration", d.Lease.Duration)
	v.SetDefault("recovery.on_startup", d.Recovery.OnStartup)
	v.SetDefault("recovery.on_shutdown", d.Recovery.OnShutdown)
	v.SetDefault("recovery.sweep_interval", d.Recovery.SweepInterval)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.file", d.Logging.File)
	v.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max_age_days", d.Logging.MaxAgeDays)
	v.SetDefault("cache.category_ttl", d.Cache.CategoryTTL)
	v.SetDefault("database.busy_timeout", d.Database.BusyTimeout)
	v.SetDefault("metrics.textfile", d.Metrics.Textfile)
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys keep
// their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `lease:
  # How long a requested task stays reserved for its annotator.
  duration: 30m

recovery:
  on_startup: true
  on_shutdown: true
  # 0 disables the periodic sweep; startup and shutdown recovery still run.
  sweep_interval: 0s

logging:
  level: info
  format: text
  # Set to a path to also write rotated logs to a file.
  file: ""
  max_size_mb: 10
  max_backups: 3
  max_age_days: 28

cache:
  category_ttl: 5m

database:
  busy_timeout: 5s

metrics:
  # Written in the Prometheus text format when the process exits.
  textfile: ""
`
