package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/3leaps/webjobd/pkg/backend"
	svcconfig "github.com/3leaps/webjobd/pkg/config"
)

const (
	stopPolls        = 10
	stopPollInterval = 100 * time.Millisecond
)

var serviceLogFile string

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Control the background daemon",
	Long: `Start, stop and query the daemon the way an init script would.

status exits 0 when the daemon is running and 3 when it is stopped.

Examples:
  webjobd service start -s service.yaml
  webjobd service status -s service.yaml
  webjobd service condstart -s service.yaml`,
}

var serviceStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon in the background",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadServiceConfig()
		if err != nil {
			return err
		}
		return serviceStart(cmd.OutOrStdout(), cfg)
	},
}

var serviceStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadServiceConfig()
		if err != nil {
			return err
		}
		return serviceStop(cmd.OutOrStdout(), cfg)
	},
}

var serviceRestartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Stop the daemon if it runs, then start it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadServiceConfig()
		if err != nil {
			return err
		}
		if err := serviceStop(cmd.OutOrStdout(), cfg); err != nil {
			return err
		}
		return serviceStart(cmd.OutOrStdout(), cfg)
	},
}

var serviceCondstartCmd = &cobra.Command{
	Use:   "condstart",
	Short: "Start the daemon only if it is stopped",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadServiceConfig()
		if err != nil {
			return err
		}
		st, err := backend.ReadStateFile(cfg.Backend.StateFile)
		if err != nil {
			return exitWith(ExitFailure, err)
		}
		if st.Running() {
			return nil
		}
		return serviceStart(cmd.OutOrStdout(), cfg)
	},
}

var serviceStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether the daemon is running",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadServiceConfig()
		if err != nil {
			return err
		}
		return serviceStatus(cmd.OutOrStdout(), cfg)
	},
}

func init() {
	rootCmd.AddCommand(serviceCmd)
	serviceCmd.AddCommand(serviceStartCmd, serviceStopCmd, serviceRestartCmd, serviceCondstartCmd, serviceStatusCmd)
	serviceCmd.PersistentFlags().StringVar(&serviceLogFile, "log-file", "", "Daemon output file (default <state_file>.log)")
}

func serviceStatus(w io.Writer, cfg *svcconfig.Config) error {
	st, err := backend.ReadStateFile(cfg.Backend.StateFile)
	if err != nil {
		return exitWith(ExitFailure, err)
	}
	if st.Running() {
		_, _ = fmt.Fprintf(w, "%s (pid %d) is running...\n", cfg.ServiceName, st.PID)
		return nil
	}
	if st.Failure != "" {
		_, _ = fmt.Fprintf(w, "%s is stopped (failed: %s)\n", cfg.ServiceName, st.Failure)
	} else {
		_, _ = fmt.Fprintf(w, "%s is stopped\n", cfg.ServiceName)
	}
	return exitWith(ExitNotRunning, nil)
}

// spawnDaemon starts `serve` in its own session and returns its pid.
var spawnDaemon = func(args []string, logPath string) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("resolve executable: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open daemon log: %w", err)
	}
	defer func() { _ = logFile.Close() }()

	c := exec.Command(exe, args...)
	c.Stdout = logFile
	c.Stderr = logFile
	c.Env = os.Environ()
	c.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := c.Start(); err != nil {
		return 0, fmt.Errorf("start daemon: %w", err)
	}
	pid := c.Process.Pid
	_ = c.Process.Release()
	return pid, nil
}

func daemonArgs(cfg *svcconfig.Config) ([]string, error) {
	path := cfg.Path
	if path == "" {
		p, err := resolveServiceConfig()
		if err != nil {
			return nil, err
		}
		path = p
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve service config path: %w", err)
	}
	args := []string{"serve", "--service-config", abs}
	if cfgFile != "" {
		args = append(args, "--config", cfgFile)
	}
	if envFile != "" {
		args = append(args, "--env-file", envFile)
	}
	if logLevel != "" {
		args = append(args, "--log-level", logLevel)
	}
	if jsonLogs {
		args = append(args, "--json-logs")
	}
	return args, nil
}

func serviceStart(w io.Writer, cfg *svcconfig.Config) error {
	st, err := backend.ReadStateFile(cfg.Backend.StateFile)
	if err != nil {
		return exitWith(ExitFailure, err)
	}
	if st.Running() {
		return exitWith(ExitFailure, fmt.Errorf("%s is already running (pid %d)", cfg.ServiceName, st.PID))
	}
	if st.Failure != "" {
		return exitWith(ExitUnavailable, &backend.StateFileError{Path: cfg.Backend.StateFile,
			Msg: fmt.Sprintf("previous run failed (%s); fix the cause and remove the state file", st.Failure)})
	}

	args, err := daemonArgs(cfg)
	if err != nil {
		return err
	}
	logPath := serviceLogFile
	if logPath == "" {
		logPath = cfg.Backend.StateFile + ".log"
	}
	pid, err := spawnDaemon(args, logPath)
	if err != nil {
		return exitWith(ExitFailure, err)
	}
	_, _ = fmt.Fprintf(w, "Starting %s (pid %d), output in %s\n", cfg.ServiceName, pid, logPath)
	return nil
}

// signalProcess is swapped in tests.
var signalProcess = func(pid int, sig syscall.Signal) error {
	return unix.Kill(pid, sig)
}

func serviceStop(w io.Writer, cfg *svcconfig.Config) error {
	st, err := backend.ReadStateFile(cfg.Backend.StateFile)
	if err != nil {
		return exitWith(ExitFailure, err)
	}
	if !st.Running() {
		_, _ = fmt.Fprintf(w, "%s is not running\n", cfg.ServiceName)
		return nil
	}
	if err := signalProcess(st.PID, syscall.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return exitWith(ExitFailure, fmt.Errorf("signal pid %d: %w", st.PID, err))
	}
	_, _ = fmt.Fprintf(w, "Stopping %s (pid %d)", cfg.ServiceName, st.PID)
	for i := 0; i < stopPolls; i++ {
		time.Sleep(stopPollInterval)
		cur, err := backend.ReadStateFile(cfg.Backend.StateFile)
		if err == nil && !cur.Running() {
			_, _ = fmt.Fprintln(w, " stopped")
			return nil
		}
		_, _ = fmt.Fprint(w, ".")
	}
	_, _ = fmt.Fprintln(w)
	return exitWith(ExitFailure, fmt.Errorf("%s (pid %d) did not stop after SIGTERM", cfg.ServiceName, st.PID))
}
