// Package config loads host configuration from enginehost.yaml, ENGINEHOST_
// environment variables and defaults.
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

const (
	// DefaultFileName is the configuration file looked up in the root.
	DefaultFileName = "enginehost.yaml"

	// EnvPrefix prefixes environment overrides, e.g. ENGINEHOST_LOGGING_LEVEL.
	EnvPrefix = "ENGINEHOST"
)

// Config is the effective host configuration.
type Config struct {
	Engine        EngineConfig        `mapstructure:"engine"`
	Liveness      LivenessConfig      `mapstructure:"liveness"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
}

// EngineConfig tunes the dispatcher.
type EngineConfig struct {
	// StepInterval bounds one native step of the simulated engine. Zero
	// makes each step block until woken.
	StepInterval     time.Duration `mapstructure:"step_interval"`
	OverdueThreshold time.Duration `mapstructure:"overdue_threshold"`
}

// LivenessConfig tunes the liveness monitor.
type LivenessConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	GracePeriod time.Duration `mapstructure:"grace_period"`
	Period      time.Duration `mapstructure:"period"`
}

// LoggingConfig selects log level and destination.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// MetricsConfig configures the status server. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// NotificationsConfig toggles desktop notifications.
type NotificationsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			StepInterval:     16 * time.Millisecond,
			OverdueThreshold: 2 * time.Second,
		},
		Liveness: LivenessConfig{
			Enabled:     true,
			GracePeriod: 5 * time.Second,
			Period:      2 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9464",
		},
		Notifications: NotificationsConfig{
			Enabled: false,
		},
	}
}

// SetDefaults registers the built-in values on v.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("engine.step_interval", d.Engine.StepInterval)
	v.SetDefault("engine.overdue_threshold", d.Engine.OverdueThreshold)
	v.SetDefault("liveness.enabled", d.Liveness.Enabled)
	v.SetDefault("liveness.grace_period", d.Liveness.GracePeriod)
	v.SetDefault("liveness.period", d.Liveness.Period)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.file", d.Logging.File)
	v.SetDefault("metrics.addr", d.Metrics.Addr)
	v.SetDefault("notifications.enabled", d.Notifications.Enabled)
}

// Configure points v at the configuration file and the environment. An
// empty path searches root for enginehost.yaml.
func Configure(v *viper.Viper, path, root string) {
	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(root)
		v.SetConfigName(strings.TrimSuffix(DefaultFileName, filepath.Ext(DefaultFileName)))
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load reads the configuration through v, which must have been prepared
// with Configure. A missing file in the search path is not an error.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFile reads a configuration file with defaults and environment
// overrides applied.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	Configure(v, path, "")
	return Load(v)
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Engine.StepInterval < 0 {
		return fmt.Errorf("engine.step_interval must not be negative: %s", c.Engine.StepInterval)
	}
	if c.Engine.OverdueThreshold < 0 {
		return fmt.Errorf("engine.overdue_threshold must not be negative: %s", c.Engine.OverdueThreshold)
	}
	if c.Liveness.Enabled {
		if c.Liveness.Period <= 0 {
			return fmt.Errorf("liveness.period must be positive: %s", c.Liveness.Period)
		}
		if c.Liveness.GracePeriod < 0 {
			return fmt.Errorf("liveness.grace_period must not be negative: %s", c.Liveness.GracePeriod)
		}
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid logging.level: %q", c.Logging.Level)
	}
	return nil
}

// Marshal renders c as YAML with human-readable durations.
func (c *Config) Marshal() ([]byte, error) {
	doc := map[string]interface{}{
		"engine": map[string]interface{}{
			"step_interval":     c.Engine.StepInterval.String(),
			"overdue_threshold": c.Engine.OverdueThreshold.String(),
		},
		"liveness": map[string]interface{}{
			"enabled":      c.Liveness.Enabled,
			"grace_period": c.Liveness.GracePeriod.String(),
			"period":       c.Liveness.Period.String(),
		},
		"logging": map[string]interface{}{
			"level": c.Logging.Level,
			"file":  c.Logging.File,
		},
		"metrics": map[string]interface{}{
			"addr": c.Metrics.Addr,
		},
		"notifications": map[string]interface{}{
			"enabled": c.Notifications.Enabled,
		},
	}
	return yaml.Marshal(doc)
}

// Write saves c to path. It refuses to overwrite an existing file unless
// force is set.
func Write(path string, c *Config, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("configuration file already exists: %s", path)
		}
	}

	data, err := c.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
