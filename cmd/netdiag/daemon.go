package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/netdiag/internal/daemon"
	"github.com/user/netdiag/internal/ipc"
	"github.com/user/netdiag/internal/util"
)

var (
	foreground bool
	forceStop  bool
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Manage the netdiag daemon",
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon",
	Long:  "Start the netdiag daemon in the background, or in the foreground with --foreground.",
	Args:  cobra.NoArgs,
	RunE:  runStart,
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the daemon",
	Long:  "Stop the running daemon gracefully. With --force, terminate it if it does not stop in time.",
	Args:  cobra.NoArgs,
	RunE:  runStop,
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := stopDaemon(); err != nil && !errors.Is(err, ipc.ErrNotRunning) {
			return err
		}
		return runStart(cmd, args)
	},
}

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload the daemon configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
		defer cancel()
		if err := newClient().Reload(ctx); err != nil {
			return fmt.Errorf("reload failed: %w", err)
		}
		fmt.Println("Configuration reloaded")
		return nil
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause health monitoring",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
		defer cancel()
		if err := newClient().PauseMonitoring(ctx); err != nil {
			return err
		}
		fmt.Println("Monitoring paused")
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume health monitoring",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
		defer cancel()
		if err := newClient().ResumeMonitoring(ctx); err != nil {
			return err
		}
		fmt.Println("Monitoring resumed")
		return nil
	},
}

func init() {
	startCmd.Flags().BoolVarP(&foreground, "foreground", "f", false,
		"Run in foreground instead of daemonizing")
	restartCmd.Flags().BoolVarP(&foreground, "foreground", "f", false,
		"Run in foreground instead of daemonizing")
	stopCmd.Flags().BoolVar(&forceStop, "force", false,
		"Terminate the daemon if it does not stop gracefully")

	daemonCmd.AddCommand(startCmd)
	daemonCmd.AddCommand(stopCmd)
	daemonCmd.AddCommand(restartCmd)
	daemonCmd.AddCommand(statusCmd)
	daemonCmd.AddCommand(reloadCmd)
	daemonCmd.AddCommand(pauseCmd)
	daemonCmd.AddCommand(resumeCmd)
	daemonCmd.AddCommand(runNowCmd)
	daemonCmd.AddCommand(jobsCmd)
	daemonCmd.AddCommand(historyCmd)
	daemonCmd.AddCommand(installCmd)
	daemonCmd.AddCommand(uninstallCmd)
	daemonCmd.AddCommand(logsCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	if !daemon.Detached() {
		pid, _, running := daemonPID()
		if running {
			return &daemon.AlreadyRunningError{PID: pid}
		}
	}

	if foreground || daemon.Detached() {
		return runForeground()
	}
	if !daemon.CanDaemonize {
		return errors.New("background mode is not supported on this platform; use --foreground or 'netdiag daemon install'")
	}
	return runBackground()
}

func runForeground() error {
	detached := daemon.Detached()
	util.InitLogger(util.LogOptionsFromConfig(cfg, !detached))

	svc := daemon.New(cfg,
		daemon.WithSignals(true),
		daemon.WithConfigLoader(func() (*util.Config, error) { return util.LoadConfig(cfgFile) }),
	)

	if !detached {
		fmt.Println("Starting netdiag in foreground mode. Press Ctrl+C to stop.")
	}
	if err := svc.Run(context.Background()); err != nil {
		util.Error("Daemon exited: %v", err)
		return err
	}
	return nil
}

func runBackground() error {
	args := []string{"daemon", "start", "--foreground"}
	if cfgFile != "" {
		args = append(args, "--config", cfgFile)
	}
	if logLevel != "" {
		args = append(args, "--log-level", logLevel)
	}

	if err := util.EnsureDir(cfg.DataDir); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	pid, err := daemon.Daemonize(args, cfg.LogFile)
	if err != nil {
		return err
	}

	// The daemon is up once it answers on the control socket.
	client := newClient()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		ok := client.IsRunning(ctx)
		cancel()
		if ok {
			fmt.Printf("NetDiag daemon started (PID %d)\n", pid)
			fmt.Printf("Logs: %s\n", cfg.LogFile)
			return nil
		}
		if !daemon.ProcessAlive(pid) {
			return fmt.Errorf("daemon exited during startup; see %s", cfg.LogFile)
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("daemon (PID %d) did not become ready; see %s", pid, cfg.LogFile)
}

// daemonPID returns the recorded PID and whether something answers on the
// control socket, busy or not.
func daemonPID() (pid int, recorded bool, running bool) {
	pid, err := daemon.PIDFile{Path: cfg.PIDFile}.Read()
	recorded = err == nil

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return pid, recorded, newClient().Answers(ctx)
}

func runStop(cmd *cobra.Command, args []string) error {
	return stopDaemon()
}

func stopDaemon() error {
	pid, recorded, running := daemonPID()
	if !running {
		if forceStop && recorded && daemon.ProcessAlive(pid) {
			fmt.Printf("Daemon is not answering; terminating PID %d\n", pid)
			return daemon.Terminate(pid)
		}
		return ipc.ErrNotRunning
	}

	fmt.Printf("Stopping daemon (PID %d)...\n", pid)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
	err := newClient().Stop(ctx)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to stop daemon: %w", err)
	}

	// Wait for in-flight diagnostics to drain and the PID file to go away.
	deadline := time.Now().Add(cfg.ShutdownTimeout + 5*time.Second)
	for time.Now().Before(deadline) {
		time.Sleep(200 * time.Millisecond)
		stopped := !daemon.ProcessAlive(pid) || !util.FileExists(cfg.PIDFile)
		if !recorded {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			stopped = !newClient().IsRunning(ctx)
			cancel()
		}
		if stopped {
			fmt.Println("Daemon stopped")
			return nil
		}
	}

	if forceStop && recorded {
		fmt.Printf("Daemon did not stop in time; terminating PID %d\n", pid)
		return daemon.Terminate(pid)
	}
	return fmt.Errorf("daemon (PID %d) did not stop within %s", pid, cfg.ShutdownTimeout+5*time.Second)
}
