// Package backend is the job lifecycle engine and the orchestrator that
// drives it: a single dispatcher drains the event queue and performs every
// state change, while timers, the control socket and runner waiters only
// enqueue events.
package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"

	"github.com/3leaps/webjobd/pkg/archive"
	"github.com/3leaps/webjobd/pkg/config"
	"github.com/3leaps/webjobd/pkg/events"
	"github.com/3leaps/webjobd/pkg/jobdb"
	"github.com/3leaps/webjobd/pkg/jobstate"
	"github.com/3leaps/webjobd/pkg/mailer"
	"github.com/3leaps/webjobd/pkg/metrics"
	"github.com/3leaps/webjobd/pkg/runner"
)

// Options configures a WebService.
type Options struct {
	Config  *config.Config
	DB      *jobdb.DB
	Hooks   Hooks
	Runners *runner.Registry

	// Mailer delivers notifications. Nil logs them instead.
	Mailer mailer.Mailer

	Metrics  *metrics.Collector
	Archiver *archive.Archiver
	Logger   *zap.Logger

	// Now overrides the clock (tests).
	Now func() time.Time

	// JobLogLevel is the minimum level written to each job's framework.log.
	// Defaults to "warn".
	JobLogLevel string

	// SubmitLimiter, if set, paces job starts within an incoming sweep.
	SubmitLimiter *rate.Limiter
}

// WebService owns the configuration, database and runner registry of one
// service, and dispatches events to jobs.
type WebService struct {
	cfg      *config.Config
	db       *jobdb.DB
	hooks    Hooks
	runners  *runner.Registry
	mail     mailer.Mailer
	metrics  *metrics.Collector
	archiver *archive.Archiver
	logger   *zap.Logger
	clock    func() time.Time
	limiter  *rate.Limiter
	queue    *events.Queue

	jobLogLevel zapcore.Level
	lastSweep   atomic.Int64
}

// New returns a WebService. The runner registry is frozen.
func New(opts Options) (*WebService, error) {
	if opts.Config == nil {
		return nil, errors.New("backend: config is required")
	}
	if opts.DB == nil {
		return nil, errors.New("backend: database is required")
	}
	if opts.Hooks == nil {
		opts.Hooks = DefaultHooks{}
	}
	if opts.Runners == nil {
		opts.Runners = runner.NewRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	level := zapcore.WarnLevel
	if opts.JobLogLevel != "" {
		l, err := zapcore.ParseLevel(opts.JobLogLevel)
		if err != nil {
			return nil, fmt.Errorf("backend: job log level: %w", err)
		}
		level = l
	}
	opts.Runners.Freeze()

	s := &WebService{
		cfg:         opts.Config,
		db:          opts.DB,
		hooks:       opts.Hooks,
		runners:     opts.Runners,
		mail:        opts.Mailer,
		metrics:     opts.Metrics,
		archiver:    opts.Archiver,
		logger:      opts.Logger,
		clock:       opts.Now,
		limiter:     opts.SubmitLimiter,
		queue:       events.NewQueue(),
		jobLogLevel: level,
	}
	s.queue.SetDepthObserver(s.metrics.SetQueueDepth)
	return s, nil
}

// Config returns the service configuration.
func (s *WebService) Config() *config.Config { return s.cfg }

// DB returns the job database.
func (s *WebService) DB() *jobdb.DB { return s.db }

// Queue returns the dispatcher's event queue.
func (s *WebService) Queue() *events.Queue { return s.queue }

// Runners returns the frozen runner registry.
func (s *WebService) Runners() *runner.Registry { return s.runners }

// Logger returns the service logger.
func (s *WebService) Logger() *zap.Logger { return s.logger }

func (s *WebService) now() time.Time { return s.clock() }

// LastSweep returns when the dispatcher last finished an incoming and
// running sweep, or the zero time if it has not yet.
func (s *WebService) LastSweep() time.Time {
	n := s.lastSweep.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// send delivers a message, logging rather than returning delivery errors:
// a broken mail relay must not fail jobs.
func (s *WebService) send(ctx context.Context, msg mailer.Message) {
	if s.mail == nil {
		s.logger.Info("mail not configured, dropping message",
			zap.Strings("to", msg.To), zap.String("subject", msg.Subject))
		return
	}
	if err := s.mail.Send(ctx, msg); err != nil {
		s.logger.Warn("failed to send mail", zap.String("subject", msg.Subject), zap.Error(err))
	}
}

func (s *WebService) sendAdmin(ctx context.Context, msg mailer.Message) {
	msg.To = []string{s.cfg.AdminEmail}
	s.send(ctx, msg)
}

// JobsInState returns the jobs currently in state.
func (s *WebService) JobsInState(ctx context.Context, state jobstate.Name, q jobdb.Query) ([]*Job, error) {
	recs, err := s.db.JobsInState(ctx, state, q)
	if err != nil {
		return nil, err
	}
	jobs := make([]*Job, len(recs))
	for i, rec := range recs {
		jobs[i] = newJob(s, rec)
	}
	return jobs, nil
}

// JobByName returns the named job if it is in state, or nil.
func (s *WebService) JobByName(ctx context.Context, state jobstate.Name, name string) (*Job, error) {
	jobs, err := s.JobsInState(ctx, state, jobdb.Query{Name: name})
	if err != nil || len(jobs) == 0 {
		return nil, err
	}
	return jobs[0], nil
}

// Job returns the named job in whatever state it is in.
func (s *WebService) Job(ctx context.Context, name string) (*Job, error) {
	rec, err := s.db.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	return newJob(s, rec), nil
}

// JobByRunnerID returns the RUNNING job with the given run, or nil.
func (s *WebService) JobByRunnerID(ctx context.Context, backend, runID string) (*Job, error) {
	want := runner.FormatID(backend, runID)
	jobs, err := s.JobsInState(ctx, jobstate.Running, jobdb.Query{})
	if err != nil {
		return nil, err
	}
	for _, j := range jobs {
		if j.RunnerID() == want {
			return j, nil
		}
	}
	return nil, nil
}

// DeleteAllJobs removes every job row and directory. It refuses while a
// daemon holds the state file.
func (s *WebService) DeleteAllJobs(ctx context.Context) (int, error) {
	st, err := ReadStateFile(s.cfg.Backend.StateFile)
	if err != nil {
		return 0, err
	}
	if st.Running() {
		return 0, &StateFileError{Path: s.cfg.Backend.StateFile,
			Msg: fmt.Sprintf("cannot delete all jobs while the service (pid %d) is running", st.PID)}
	}
	names, err := s.db.AllNames(ctx)
	if err != nil {
		return 0, err
	}
	for i, name := range names {
		j, err := s.Job(ctx, name)
		if err != nil {
			return i, err
		}
		if err := j.Delete(ctx); err != nil {
			return i, err
		}
	}
	return len(names), nil
}

func fatalSubject(service string, err error) string {
	return fmt.Sprintf("%s: FATAL error in service backend: %s", service, firstLine(strings.TrimSpace(err.Error())))
}
