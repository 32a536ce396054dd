package cmd

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	appconfig "github.com/3leaps/webjobd/internal/config"
	"github.com/3leaps/webjobd/internal/observability"
	"github.com/3leaps/webjobd/pkg/archive"
	"github.com/3leaps/webjobd/pkg/backend"
	svcconfig "github.com/3leaps/webjobd/pkg/config"
	"github.com/3leaps/webjobd/pkg/jobdb"
	"github.com/3leaps/webjobd/pkg/mailer"
	"github.com/3leaps/webjobd/pkg/metrics"
	"github.com/3leaps/webjobd/pkg/runner"
)

// Built-in backend names.
const (
	backendLocal     = "local"
	backendDoNothing = "donothing"
	backendSGE       = "sge"
	backendSLURM     = "slurm"
)

// serviceEnv is everything a command needs to act on one service.
type serviceEnv struct {
	cfg     *svcconfig.Config
	db      *jobdb.DB
	svc     *backend.WebService
	runners *runner.Registry
}

func (e *serviceEnv) Close() {
	if e.db != nil {
		_ = e.db.Close()
	}
}

// resolveServiceConfig returns the service config path from the flag or
// the process settings.
func resolveServiceConfig() (string, error) {
	if serviceConfigPath != "" {
		return serviceConfigPath, nil
	}
	if cfg := appconfig.GetConfig(); cfg != nil && cfg.Service.Config != "" {
		return cfg.Service.Config, nil
	}
	return "", exitWith(ExitUsage, fmt.Errorf("no service configuration: pass --service-config or set WEBJOBD_SERVICE_CONFIG"))
}

func loadServiceConfig() (*svcconfig.Config, error) {
	path, err := resolveServiceConfig()
	if err != nil {
		return nil, err
	}
	cfg, err := svcconfig.Load(path)
	if err != nil {
		return nil, exitWith(ExitConfig, err)
	}
	return cfg, nil
}

func openServiceDB(ctx context.Context, cfg *svcconfig.Config) (*jobdb.DB, error) {
	db, err := jobdb.Open(ctx, cfg.Database.JobDB(cfg.ExtraFields))
	if err != nil {
		return nil, exitWith(ExitUnavailable, fmt.Errorf("open job database: %w", err))
	}
	return db, nil
}

// buildRunners registers the built-in backends and one REST backend per
// configured remote service.
func buildRunners(cfg *svcconfig.Config, logger *zap.Logger) (*runner.Registry, error) {
	reg := runner.NewRegistry()
	backends := []runner.Backend{
		runner.NewLocal(backendLocal, logger),
		runner.NewDoNothing(backendDoNothing),
		runner.NewSGE(backendSGE, runner.WithLogger(logger)),
		runner.NewSLURM(backendSLURM, runner.WithLogger(logger)),
	}
	for name, remote := range cfg.Remote {
		backends = append(backends, runner.NewREST(name, remote.URL, runner.WithRESTLogger(logger)))
	}
	for _, b := range backends {
		if err := reg.Register(b); err != nil {
			return nil, exitWith(ExitConfig, err)
		}
	}
	if _, err := reg.Lookup(cfg.Runner.Default); err != nil {
		return nil, exitWith(ExitConfig, fmt.Errorf("runner.default: %w", err))
	}
	return reg, nil
}

func buildMailer(cfg *svcconfig.Config) mailer.Mailer {
	if cfg.Mail.SMTPHost == "" {
		return nil
	}
	from := cfg.Mail.From
	if from == "" {
		from = cfg.AdminEmail
	}
	return mailer.NewSMTP(cfg.Mail.SMTPHost, cfg.Mail.SMTPPort, from)
}

func buildArchiver(ctx context.Context, cfg *svcconfig.Config, logger *zap.Logger) (*archive.Archiver, error) {
	if !cfg.Archive.Enabled {
		return nil, nil
	}
	var uploader archive.Uploader
	if s3 := cfg.Archive.S3; s3.Bucket != "" {
		u, err := archive.NewS3Uploader(ctx, archive.S3Config{
			Bucket:         s3.Bucket,
			Prefix:         s3.Prefix,
			Region:         s3.Region,
			Endpoint:       s3.Endpoint,
			Profile:        s3.Profile,
			ForcePathStyle: s3.ForcePathStyle,
		})
		if err != nil {
			return nil, exitWith(ExitConfig, err)
		}
		uploader = u
	}
	a, err := archive.New(archive.Options{
		Exclude:       cfg.Archive.Exclude,
		RemoveSources: cfg.Archive.RemoveSources,
	}, uploader, logger)
	if err != nil {
		return nil, exitWith(ExitConfig, fmt.Errorf("archive: %w", err))
	}
	return a, nil
}

func submitLimiter(cfg *svcconfig.Config) *rate.Limiter {
	if cfg.Limits.SubmitRate <= 0 {
		return nil
	}
	burst := cfg.Limits.SubmitBurst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.Limits.SubmitRate), burst)
}

type envOptions struct {
	metrics *metrics.Collector
	now     func() time.Time
	noMail  bool
}

// openServiceEnv loads the service configuration, opens its database and
// builds the orchestrator around them.
func openServiceEnv(ctx context.Context, opts envOptions) (*serviceEnv, error) {
	cfg, err := loadServiceConfig()
	if err != nil {
		return nil, err
	}
	logger := observability.CLILogger.With(zap.String("service", cfg.ServiceName))

	db, err := openServiceDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	env := &serviceEnv{cfg: cfg, db: db}

	env.runners, err = buildRunners(cfg, logger)
	if err != nil {
		env.Close()
		return nil, err
	}
	archiver, err := buildArchiver(ctx, cfg, logger)
	if err != nil {
		env.Close()
		return nil, err
	}
	var mail mailer.Mailer
	if !opts.noMail {
		mail = buildMailer(cfg)
	}

	jobLogLevel := "warn"
	if pc := appconfig.GetConfig(); pc != nil && pc.Service.JobLogLevel != "" {
		jobLogLevel = pc.Service.JobLogLevel
	}
	env.svc, err = backend.New(backend.Options{
		Config: cfg,
		DB:     db,
		Hooks: backend.ScriptHooks{
			Backend:        cfg.Runner.Default,
			Script:         cfg.Runner.Script,
			ClusterOptions: cfg.Runner.ClusterOptions,
		},
		Runners:       env.runners,
		Mailer:        mail,
		Metrics:       opts.metrics,
		Archiver:      archiver,
		Logger:        logger,
		Now:           opts.now,
		JobLogLevel:   jobLogLevel,
		SubmitLimiter: submitLimiter(cfg),
	})
	if err != nil {
		env.Close()
		return nil, exitWith(ExitConfig, err)
	}
	return env, nil
}
