package cli

import (
	"path/filepath"

	"github.com/enginehost/enginehost/pkg/config"
)

// Config holds the global flags.
type Config struct {
	ConfigFile  string
	ProjectRoot string
	Verbosity   string
	Version     string
}

// NewConfig creates a CLI configuration with defaults.
func NewConfig() *Config {
	return &Config{
		ProjectRoot: ".",
		Verbosity:   "",
	}
}

// ConfigPath returns the configuration file the commands read and write.
func (c *Config) ConfigPath() string {
	if c.ConfigFile != "" {
		return c.ConfigFile
	}
	return filepath.Join(c.ProjectRoot, config.DefaultFileName)
}
