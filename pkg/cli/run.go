package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/enginehost/enginehost/internal/engine"
	"github.com/enginehost/enginehost/pkg/api"
	"github.com/enginehost/enginehost/pkg/config"
	"github.com/enginehost/enginehost/pkg/daemon"
	"github.com/enginehost/enginehost/pkg/logger"
	"github.com/enginehost/enginehost/pkg/metrics"
	"github.com/enginehost/enginehost/pkg/notifier"
	"github.com/enginehost/enginehost/pkg/process"
)

const (
	stopTimeout       = 10 * time.Second
	heartbeatInterval = 30 * time.Second
)

// ErrEngineExited is returned by run when the engine stops on its own.
var ErrEngineExited = errors.New("engine exited unexpectedly")

type runOptions struct {
	stepInterval time.Duration
	metricsAddr  string
	noLiveness   bool
}

func (c *CLI) newRunCmd() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the engine in the foreground",
		Long: `Start the engine on a dedicated thread and keep it running until the
process is interrupted or the engine exits.

Changes to the configuration file are picked up while running: the overdue
threshold and the log level are applied without a restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := c.loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("step-interval") {
				cfg.Engine.StepInterval = opts.stepInterval
			}
			if cmd.Flags().Changed("metrics-addr") {
				cfg.Metrics.Addr = opts.metricsAddr
			}
			if opts.noLiveness {
				cfg.Liveness.Enabled = false
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return c.runEngine(cmd.Context(), cfg, path)
		},
	}

	cmd.Flags().DurationVar(&opts.stepInterval, "step-interval", 0, "native step interval of the simulated engine (0 blocks until woken)")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "status server address (empty disables it)")
	cmd.Flags().BoolVar(&opts.noLiveness, "no-liveness", false, "disable the liveness monitor")

	return cmd
}

func (c *CLI) runEngine(parent context.Context, cfg *config.Config, configPath string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	log := c.newLogger(cfg)
	m := metrics.New()
	host := daemon.NewHost(daemon.Options{
		Root:    c.config.ProjectRoot,
		Config:  cfg,
		Logger:  log,
		Metrics: m,
		Notifier: notifier.New(notifier.Config{
			Enabled: cfg.Notifications.Enabled,
			Beep:    true,
		}, log),
	})

	pm := process.NewManager(log)
	pm.RegisterShutdownHandler(cancel)
	pm.SetHeartbeat(heartbeatInterval, func() {
		status := host.Status()
		log.Debug("Heartbeat",
			logger.WithField("state", status.State),
			logger.WithField("pending_jobs", status.PendingJobs))
	})
	pm.Start(ctx)
	defer pm.Stop()

	c.printInfo(fmt.Sprintf("Starting enginehost v%s", c.config.Version))
	if _, err := host.Bind(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	c.printSuccess("Engine ready")

	exited := make(chan struct{})
	host.Registry().WhenStopped(func(context.Context) { close(exited) })

	if configPath != "" {
		rm := config.NewReloadManager(configPath, log)
		rm.AddCallback(func(newCfg *config.Config, err error) {
			if err != nil {
				c.printWarning(fmt.Sprintf("Ignoring invalid configuration: %v", err))
				return
			}
			host.SetOverdueThreshold(newCfg.Engine.OverdueThreshold)
			if ls, ok := log.(logger.LevelSetter); ok && c.config.Verbosity == "" {
				ls.SetLevel(newCfg.Logging.Level)
			}
			c.printInfo("Configuration reloaded")
		})
		if err := rm.StartWatching(); err != nil {
			log.Warn("Configuration hot reload disabled", logger.WithError(err))
		} else {
			defer rm.StopWatching()
		}
	}

	group, groupCtx := engine.NewSafeGroup(ctx, log)
	if cfg.Metrics.Addr != "" {
		srv := api.NewServer(cfg.Metrics.Addr, host, m, log)
		group.Go("status-server", func() error {
			return srv.Run(groupCtx)
		})
	}
	group.Go("engine-watch", func() error {
		select {
		case <-groupCtx.Done():
			return nil
		case <-exited:
			return ErrEngineExited
		}
	})

	runErr := group.Wait()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	// After an unexpected exit the host may already have released the bind.
	if err := host.Unbind(stopCtx); err != nil && !errors.Is(err, daemon.ErrNotBound) {
		return errors.Join(runErr, fmt.Errorf("failed to stop engine: %w", err))
	}

	if runErr != nil {
		c.printError(runErr.Error())
		return runErr
	}
	c.printSuccess("Engine stopped")
	return nil
}
