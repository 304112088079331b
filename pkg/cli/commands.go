package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/enginehost/enginehost/internal/state"
	"github.com/enginehost/enginehost/pkg/config"
	"github.com/enginehost/enginehost/pkg/daemon"
)

const (
	statusTimeout  = 2 * time.Second
	staleHeartbeat = 3 * state.DefaultHeartbeatInterval
)

func (c *CLI) newInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		Long: `Write the built-in configuration to ` + config.DefaultFileName + ` in the root
directory, or to the file named by --config.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := c.config.ConfigPath()
			if err := config.Write(path, config.Default(), force); err != nil {
				if !force {
					return fmt.Errorf("%w (use --force to overwrite)", err)
				}
				return err
			}
			c.printSuccess(fmt.Sprintf("Created configuration at %s", path))
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing configuration")
	return cmd
}

func (c *CLI) newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := c.loadConfig()
			if err != nil {
				return err
			}
			data, err := cfg.Marshal()
			if err != nil {
				return err
			}
			if path != "" {
				fmt.Fprintf(c.output, "# %s\n", path)
			}
			_, err = c.output.Write(data)
			return err
		},
	}
}

func (c *CLI) newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether an engine is running under the root directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, stErr := daemon.ReadState(c.config.ProjectRoot)

			pid, alive, err := daemon.ReadPID(c.config.ProjectRoot)
			if errors.Is(err, os.ErrNotExist) || (err == nil && !alive) {
				c.printInfo("Engine is not running")
				if stErr == nil && st.LastError != "" {
					c.printWarning(fmt.Sprintf("Last run ended with: %s", st.LastError))
				}
				return nil
			}
			if err != nil {
				return err
			}
			c.printSuccess(fmt.Sprintf("Engine running (pid %d)", pid))
			if stErr == nil {
				fmt.Fprintf(c.output, "  Lifecycle:    %s (run %d)\n", st.State, st.RunCount)
				if st.IsStale(staleHeartbeat) {
					c.printWarning(fmt.Sprintf("No heartbeat for %s", time.Since(st.Heartbeat).Round(time.Second)))
				}
			}

			cfg, _, err := c.loadConfig()
			if err != nil || cfg.Metrics.Addr == "" {
				return nil
			}
			status, err := fetchStatus(cmd.Context(), cfg.Metrics.Addr)
			if err != nil {
				c.printWarning(fmt.Sprintf("Status server unavailable: %v", err))
				return nil
			}
			fmt.Fprintf(c.output, "  State:        %s\n", status.State)
			fmt.Fprintf(c.output, "  Uptime:       %s\n", status.Uptime)
			fmt.Fprintf(c.output, "  Pending jobs: %d\n", status.PendingJobs)
			fmt.Fprintf(c.output, "  Clients:      %d\n", status.Binds)
			return nil
		},
	}
}

func fetchStatus(ctx context.Context, addr string) (*daemon.Status, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/v1/status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	var status daemon.Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &status, nil
}
