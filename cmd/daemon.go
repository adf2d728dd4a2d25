//go:build unix

package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/gurisko/reaper/internal/daemon"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Manage the reaper daemon",
	Long: `Control the reaper background daemon.

The daemon:
- Watches the configured roots for project configs
- Destroys projects when their timeout elapses
- Serves an HTTP API over a Unix socket`,
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the reaper daemon",
	Long: `Start the reaper daemon in foreground mode.

For background operation, use:
  nohup reaper daemon start > /tmp/reaper-daemon.log 2>&1 &`,
	RunE: startDaemon,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the reaper daemon",
	Long:  "Stop the running reaper daemon. Destroys in progress get a chance to finish.",
	RunE:  stopDaemon,
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check daemon status",
	Long:  "Check if the reaper daemon is running and display its status.",
	RunE:  statusDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
	daemonCmd.AddCommand(daemonStartCmd)
	daemonCmd.AddCommand(daemonStopCmd)
	daemonCmd.AddCommand(daemonStatusCmd)
}

func newDaemon() (*daemon.Daemon, error) {
	cfg := daemon.DefaultConfig()
	cfg.SocketPath = socketPath
	d, err := daemon.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize daemon: %w", err)
	}
	return d, nil
}

func startDaemon(cmd *cobra.Command, args []string) error {
	d, err := newDaemon()
	if err != nil {
		return err
	}
	return d.Start()
}

func stopDaemon(cmd *cobra.Command, args []string) error {
	d, err := newDaemon()
	if err != nil {
		return err
	}
	return d.Stop()
}

func statusDaemon(cmd *cobra.Command, args []string) error {
	d, err := newDaemon()
	if err != nil {
		return err
	}

	status, err := d.GetStatus()
	if err != nil {
		return err
	}

	// Format for display
	if !status.Running {
		if status.PID > 0 {
			if status.ErrorMessage != "" {
				fmt.Printf("reaper daemon process exists (PID: %d) but not responding\n", status.PID)
				fmt.Printf("  Socket: %s\n", status.SocketPath)
				fmt.Printf("  Error: %v\n", status.ErrorMessage)
			} else {
				fmt.Printf("reaper daemon is not running (stale pidfile)\n")
				fmt.Printf("  Socket: %s\n", status.SocketPath)
			}
		} else {
			fmt.Printf("reaper daemon is not running\n")
			fmt.Printf("  Socket: %s\n", status.SocketPath)
		}
	} else {
		fmt.Printf("reaper daemon running (PID: %d)\n", status.PID)
		fmt.Printf("  Socket: %s\n", status.SocketPath)
		fmt.Printf("  Uptime: %s\n", status.Uptime.Round(time.Second))
		fmt.Printf("  Scheduled: %d\n", status.ScheduledProjects)
		fmt.Printf("  Running: %d\n", status.RunningExecutions)
	}

	return nil
}
