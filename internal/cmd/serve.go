package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	appconfig "github.com/3leaps/webjobd/internal/config"
	"github.com/3leaps/webjobd/internal/server"
	"github.com/3leaps/webjobd/internal/server/handlers"
	"github.com/3leaps/webjobd/pkg/backend"
	"github.com/3leaps/webjobd/pkg/metrics"
)

var serveNoHTTP bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the job daemon in the foreground",
	Long: `Run the job daemon in the foreground together with its HTTP API.

The daemon claims the service state file, then processes incoming jobs,
polls running ones, archives and expires old jobs and runs periodic sanity
checks until it receives SIGTERM or SIGINT. An unrecoverable error marks the
state file FAILED and mails the administrator; the daemon then refuses to
start until the state file is removed.

Examples:
  webjobd serve -s /etc/webjobd/service.yaml
  webjobd serve -s service.yaml --no-http`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&serveNoHTTP, "no-http", false, "Do not start the HTTP API")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	settings := appconfig.GetConfig()
	if settings == nil {
		return exitWith(ExitConfig, errors.New("process settings not loaded"))
	}

	reg := prometheus.NewRegistry()
	var collector *metrics.Collector
	if settings.Metrics.Enabled {
		collector = metrics.NewCollector(reg)
	}

	env, err := openServiceEnv(ctx, envOptions{metrics: collector})
	if err != nil {
		return err
	}
	defer env.Close()
	logger := env.svc.Logger()

	var srv, metricsSrv *server.Server
	if !serveNoHTTP {
		srv, metricsSrv, err = startHTTP(settings, env, collector, logger)
		if err != nil {
			return exitWith(ExitUnavailable, err)
		}
	}

	runErr := env.svc.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), settings.Server.ShutdownTimeout)
	defer cancel()
	for _, s := range []*server.Server{srv, metricsSrv} {
		if s == nil {
			continue
		}
		if err := s.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", zap.Error(err))
		}
	}
	// Local jobs keep running in their own process groups; the next daemon
	// finds them through their pid and job-state file.

	if runErr != nil {
		if backend.IsStateFileError(runErr) {
			return exitWith(ExitUnavailable, runErr)
		}
		return exitWith(ExitFailure, runErr)
	}
	logger.Info("service stopped")
	return nil
}

func startHTTP(settings *appconfig.Config, env *serviceEnv, collector *metrics.Collector, logger *zap.Logger) (*server.Server, *server.Server, error) {
	health := handlers.InitHealthManager(versionInfo.Version)
	registerHealthCheckers(health, env)

	opts := []server.Option{
		server.WithLogger(logger),
		server.WithTimeouts(settings.Server.ReadTimeout, settings.Server.WriteTimeout, settings.Server.IdleTimeout),
		server.WithJobs(&handlers.Jobs{Config: env.cfg, DB: env.db, Logger: logger}),
	}
	var metricsSrv *server.Server
	if collector != nil {
		if settings.Metrics.Port == 0 || settings.Metrics.Port == settings.Server.Port {
			opts = append(opts, server.WithMetrics(collector.Handler()))
		} else {
			metricsSrv = server.New(settings.Server.Host, settings.Metrics.Port,
				server.WithLogger(logger), server.WithMetrics(collector.Handler()))
		}
	}

	srv := server.New(settings.Server.Host, settings.Server.Port, opts...)
	errc, err := srv.Start()
	if err != nil {
		return nil, nil, err
	}
	go logServeErrors(errc, logger)
	if metricsSrv != nil {
		mErrc, err := metricsSrv.Start()
		if err != nil {
			_ = srv.Shutdown(context.Background())
			return nil, nil, err
		}
		go logServeErrors(mErrc, logger)
	}
	return srv, metricsSrv, nil
}

func logServeErrors(errc <-chan error, logger *zap.Logger) {
	for err := range errc {
		logger.Error("http server", zap.Error(err))
	}
}

func registerHealthCheckers(m *handlers.HealthManager, env *serviceEnv) {
	m.RegisterChecker("database", dbHealthChecker{ping: env.db.Ping})
	m.RegisterChecker("state_file", stateFileHealthChecker{path: env.cfg.Backend.StateFile})
	if id := GetAppIdentity(); id != nil {
		m.RegisterChecker("identity", identityHealthChecker{
			binaryName: id.BinaryName,
			envPrefix:  id.EnvPrefix,
			configName: id.ConfigName,
		})
	}
	m.RegisterChecker("dispatcher", sweepHealthChecker{
		last:   env.svc.LastSweep,
		maxAge: sweepStaleFactor * env.cfg.CheckInterval(),
		now:    time.Now,
	})
}

// dbHealthChecker pings the job database.
type dbHealthChecker struct {
	ping func(context.Context) error
}

func (c dbHealthChecker) CheckHealth(ctx context.Context) error {
	if c.ping == nil {
		return errors.New("no database configured")
	}
	return c.ping(ctx)
}

// stateFileHealthChecker fails once the daemon has recorded a fatal error.
type stateFileHealthChecker struct {
	path string
}

func (c stateFileHealthChecker) CheckHealth(context.Context) error {
	st, err := backend.ReadStateFile(c.path)
	if err != nil {
		return err
	}
	if st.Failure != "" {
		return fmt.Errorf("service halted: %s", st.Failure)
	}
	return nil
}

// identityHealthChecker verifies the binary identity is complete.
type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(context.Context) error {
	switch {
	case c.binaryName == "":
		return errors.New("missing binary name")
	case c.envPrefix == "":
		return errors.New("missing env prefix")
	case c.configName == "":
		return errors.New("missing config name")
	}
	return nil
}

// sweepStaleFactor is how many check intervals may pass without a finished
// incoming sweep before the dispatcher is reported stuck.
const sweepStaleFactor = 3

// sweepHealthChecker fails until the dispatcher has finished its first
// sweep, and again once sweeps stop finishing.
type sweepHealthChecker struct {
	last   func() time.Time
	maxAge time.Duration
	now    func() time.Time
}

func (c sweepHealthChecker) CheckHealth(context.Context) error {
	last := c.last()
	if last.IsZero() {
		return errors.New("no sweep completed yet")
	}
	if c.maxAge > 0 {
		if age := c.now().Sub(last); age > c.maxAge {
			return fmt.Errorf("last sweep finished %s ago", age.Round(time.Second))
		}
	}
	return nil
}
