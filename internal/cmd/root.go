// Package cmd implements the webjobd command line: the daemon, its service
// controls and the operator tools that act on the job database.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	appconfig "github.com/3leaps/webjobd/internal/config"
	"github.com/3leaps/webjobd/internal/observability"
	"github.com/3leaps/webjobd/internal/server/handlers"
)

// Process exit codes.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitUsage       = 2
	ExitNotRunning  = 3
	ExitUnavailable = 69
	ExitConfig      = 78
)

// ExitError carries a specific exit code out of a command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

func exitWith(code int, err error) error {
	return &ExitError{Code: code, Err: err}
}

// AppIdentity names the binary and the files and variables it reads.
type AppIdentity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

var appIdentity *AppIdentity

// GetAppIdentity returns the identity installed at init, or nil.
func GetAppIdentity() *AppIdentity { return appIdentity }

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

// SetVersionInfo records build metadata, normally from ldflags.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

// Global flags.
var (
	cfgFile           string
	serviceConfigPath string
	envFile           string
	logLevel          string
	jsonLogs          bool
)

var rootCmd = &cobra.Command{
	Use:   "webjobd",
	Short: "Job backend for asynchronous web services",
	Long: `webjobd runs jobs submitted through a web frontend: it moves each job
through preprocessing, a run on a local, cluster or remote backend,
postprocessing and completion, then archives and expires old jobs.

Examples:
  webjobd serve -s /etc/webjobd/service.yaml
  webjobd service status -s /etc/webjobd/service.yaml
  webjobd jobs list --state FAILED`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initConfig,
}

func init() {
	appIdentity = &AppIdentity{
		BinaryName: "webjobd",
		EnvPrefix:  appconfig.EnvPrefix,
		ConfigName: appconfig.ConfigName,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Process settings file (default searches the user and /etc config dirs)")
	pf.StringVarP(&serviceConfigPath, "service-config", "s", "", "Service configuration file (or WEBJOBD_SERVICE_CONFIG)")
	pf.StringVar(&envFile, "env-file", "", "Load environment variables from this file first")
	pf.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.BoolVar(&jsonLogs, "json-logs", false, "Write structured JSON logs")

	setDefaults()
}

// setDefaults registers the process setting defaults on the global viper.
func setDefaults() {
	appconfig.SetDefaults(viper.GetViper())
}

// initConfig runs before every command: env file, settings, logger.
func initConfig(cmd *cobra.Command, _ []string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return exitWith(ExitConfig, fmt.Errorf("load env file: %w", err))
		}
	}
	appconfig.SetConfigFile(cfgFile)

	var overrides []map[string]any
	if logLevel != "" {
		overrides = append(overrides, map[string]any{"logging": map[string]any{"level": logLevel}})
	}
	if serviceConfigPath != "" {
		overrides = append(overrides, map[string]any{"service": map[string]any{"config": serviceConfigPath}})
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := appconfig.Load(ctx, overrides...)
	if err != nil {
		return exitWith(ExitConfig, err)
	}

	structured := jsonLogs || strings.EqualFold(cfg.Logging.Profile, observability.ProfileStructured)
	observability.InitCLILogger(cfg.Logging.Level, structured)
	observability.CLILogger.Debug("settings loaded",
		zap.String("service_config", cfg.Service.Config),
		zap.String("log_level", cfg.Logging.Level))
	return nil
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return ExitOK
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		if ee.Err != nil {
			_, _ = fmt.Fprintln(os.Stderr, "Error:", ee.Err)
		}
		return ee.Code
	}
	_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
	return ExitFailure
}
