// Package cli provides the command-line interface for enginehost
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/enginehost/enginehost/pkg/config"
	"github.com/enginehost/enginehost/pkg/logger"
)

// CLI wires the cobra commands to a Config instead of package globals.
type CLI struct {
	config   *Config
	rootCmd  *cobra.Command
	output   io.Writer
	errorOut io.Writer
	custom   bool
}

// NewCLI creates a CLI writing to stdout and stderr.
func NewCLI(cfg *Config) *CLI {
	if cfg == nil {
		cfg = NewConfig()
	}

	c := &CLI{
		config:   cfg,
		output:   os.Stdout,
		errorOut: os.Stderr,
	}
	c.setupCommands()
	return c
}

// NewCLIWithOutput creates a CLI with custom writers. Logs go to errorOut
// without colors.
func NewCLIWithOutput(cfg *Config, output, errorOut io.Writer) *CLI {
	c := NewCLI(cfg)
	c.output = output
	c.errorOut = errorOut
	c.custom = true
	c.rootCmd.SetOut(output)
	c.rootCmd.SetErr(errorOut)
	return c
}

// Execute runs the CLI with args.
func (c *CLI) Execute(args []string) error {
	c.rootCmd.SetArgs(args)
	return c.rootCmd.Execute()
}

// ExecuteContext runs the CLI with args under ctx.
func (c *CLI) ExecuteContext(ctx context.Context, args []string) error {
	c.rootCmd.SetArgs(args)
	return c.rootCmd.ExecuteContext(ctx)
}

func (c *CLI) setupCommands() {
	c.rootCmd = &cobra.Command{
		Use:   "enginehost",
		Short: "Host a single-threaded native engine behind a concurrent API",
		Long: `enginehost runs a native engine on one dedicated OS thread and serves
queries and commands from any goroutine through a FIFO job queue.

The engine's lifecycle, liveness and job queue are exposed on a small
HTTP status surface with Prometheus metrics.`,
		SilenceUsage: true,
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}

	flags := c.rootCmd.PersistentFlags()
	flags.StringVar(&c.config.ConfigFile, "config", "", "config file (default: <root>/"+config.DefaultFileName+")")
	flags.StringVar(&c.config.ProjectRoot, "root", c.config.ProjectRoot, "root directory for configuration and state")
	flags.StringVarP(&c.config.Verbosity, "verbosity", "v", "", "log level (debug, info, warn, error)")

	c.rootCmd.Version = c.config.Version
	c.rootCmd.SetVersionTemplate("enginehost v{{.Version}}\n")

	c.rootCmd.AddCommand(c.newRunCmd())
	c.rootCmd.AddCommand(c.newInitCmd())
	c.rootCmd.AddCommand(c.newConfigCmd())
	c.rootCmd.AddCommand(c.newStatusCmd())
	c.rootCmd.AddCommand(c.newVersionCmd())
}

// loadConfig resolves the effective configuration: defaults, then the
// file, then ENGINEHOST_* variables, then the verbosity flag.
func (c *CLI) loadConfig() (*config.Config, string, error) {
	v := viper.New()
	config.Configure(v, c.config.ConfigFile, c.config.ProjectRoot)

	cfg, err := config.Load(v)
	if err != nil {
		return nil, "", err
	}
	if c.config.Verbosity != "" {
		cfg.Logging.Level = c.config.Verbosity
		if err := cfg.Validate(); err != nil {
			return nil, "", err
		}
	}
	return cfg, v.ConfigFileUsed(), nil
}

func (c *CLI) newLogger(cfg *config.Config) logger.Logger {
	if c.custom {
		return logger.CreateLoggerWithOutput(cfg.Logging.Level, c.errorOut)
	}
	return logger.CreateLogger(cfg.Logging.File, cfg.Logging.Level)
}

func (c *CLI) newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(c.output, "enginehost v%s\n", c.config.Version)
		},
	}
}

func (c *CLI) printSuccess(message string) {
	fmt.Fprintf(c.output, "%s %s\n", color.GreenString("[enginehost]"), message)
}

func (c *CLI) printInfo(message string) {
	fmt.Fprintf(c.output, "%s %s\n", color.CyanString("[enginehost]"), message)
}

func (c *CLI) printWarning(message string) {
	fmt.Fprintf(c.output, "%s %s\n", color.YellowString("[enginehost]"), message)
}

func (c *CLI) printError(message string) {
	fmt.Fprintf(c.errorOut, "%s %s\n", color.RedString("[enginehost]"), message)
}

// Execute runs the CLI against os.Args.
func Execute(version string) error {
	cfg := NewConfig()
	cfg.Version = version
	return NewCLI(cfg).Execute(os.Args[1:])
}
