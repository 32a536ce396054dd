package backend

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/webjobd/pkg/events"
	"github.com/3leaps/webjobd/pkg/jobdb"
	"github.com/3leaps/webjobd/pkg/jobstate"
)

func (s *WebService) observe(sweep string) func() {
	start := time.Now()
	return func() { s.metrics.ObserveSweep(sweep, time.Since(start)) }
}

// ProcessIncomingJobs starts INCOMING jobs in submission order until the
// running limit is reached. Jobs with unmet dependencies are left alone.
func (s *WebService) ProcessIncomingJobs(ctx context.Context) error {
	defer s.observe("incoming")()

	running, err := s.db.CountJobsInState(ctx, jobstate.Running)
	if err != nil {
		return err
	}
	jobs, err := s.JobsInState(ctx, jobstate.Incoming, jobdb.Query{OrderBy: "submit_time"})
	if err != nil {
		return err
	}
	for _, j := range jobs {
		if running >= s.cfg.Limits.Running {
			s.logger.Debug("running limit reached", zap.Int("running", running), zap.Int("limit", s.cfg.Limits.Running))
			break
		}
		unmet, err := s.db.UnmetDependencies(ctx, j.Name())
		if err != nil {
			return err
		}
		if len(unmet) > 0 {
			s.logger.Debug("job waiting on dependencies", zap.String("job", j.Name()), zap.Strings("parents", unmet))
			continue
		}
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		if err := j.TryRun(ctx); err != nil {
			return err
		}
		if j.State() == jobstate.Running {
			running++
		}
	}
	s.metrics.SetRunning(running)
	return nil
}

// CheckCompletedJobs polls every RUNNING job.
func (s *WebService) CheckCompletedJobs(ctx context.Context) error {
	defer s.observe("running")()

	jobs, err := s.JobsInState(ctx, jobstate.Running, jobdb.Query{})
	if err != nil {
		return err
	}
	running := 0
	for _, j := range jobs {
		if err := j.TryComplete(ctx, nil, false); err != nil {
			return err
		}
		if j.State() == jobstate.Running {
			running++
		}
	}
	s.metrics.SetRunning(running)
	return nil
}

// HandleCompleted reacts to a runner waiter's report. Reports for runs that
// no RUNNING job owns are ignored: the job was already completed by a poll
// or failed by an operator.
func (s *WebService) HandleCompleted(ctx context.Context, ev events.Event) error {
	j, err := s.JobByRunnerID(ctx, ev.Runner, ev.RunID)
	if err != nil {
		return err
	}
	if j == nil {
		s.logger.Debug("completion for unknown run", zap.String("runner", ev.Runner), zap.String("run_id", ev.RunID))
		return nil
	}
	if err := j.TryComplete(ctx, ev.Err, true); err != nil {
		return err
	}
	if j.State() == jobstate.Running {
		return nil
	}
	// a slot may have opened
	return s.ProcessIncomingJobs(ctx)
}

// ProcessOldJobs archives COMPLETED jobs past their archive time and
// expires ARCHIVED jobs past their expire time.
func (s *WebService) ProcessOldJobs(ctx context.Context) error {
	defer s.observe("oldjobs")()

	now := s.now()
	completed, err := s.JobsInState(ctx, jobstate.Completed, jobdb.Query{AfterTime: "archive_time", Now: now})
	if err != nil {
		return err
	}
	for _, j := range completed {
		if err := j.TryArchive(ctx); err != nil {
			return err
		}
	}
	archived, err := s.JobsInState(ctx, jobstate.Archived, jobdb.Query{AfterTime: "expire_time", Now: now})
	if err != nil {
		return err
	}
	for _, j := range archived {
		if err := j.TryExpire(ctx); err != nil {
			return err
		}
	}
	return nil
}

// CleanupIncoming deletes directories in the INCOMING area that no job row
// refers to and that have not been touched for cleanup_age. The frontend
// leaves these behind when a submission is abandoned.
func (s *WebService) CleanupIncoming(ctx context.Context) error {
	defer s.observe("cleanup")()

	dir := s.cfg.Directory(jobstate.Incoming)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	names, err := s.db.AllNames(ctx)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(names))
	for _, n := range names {
		known[n] = true
	}

	cutoff := s.now().Add(-s.cfg.Runner.CleanupAge)
	for _, e := range entries {
		if !e.IsDir() || known[e.Name()] {
			continue
		}
		path := filepath.Join(dir, e.Name())
		newest, err := newestMtime(path)
		if err != nil {
			s.logger.Warn("cannot stat incoming directory", zap.String("path", path), zap.Error(err))
			continue
		}
		if newest.After(cutoff) {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			return err
		}
		s.logger.Info("removed stale incoming directory", zap.String("path", path), zap.Time("modified", newest))
	}
	return nil
}
