package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/webjobd/pkg/jobdb"
	"github.com/3leaps/webjobd/pkg/jobstate"
	"github.com/3leaps/webjobd/pkg/mailer"
	"github.com/3leaps/webjobd/pkg/runner"
)

// Job is one job row bound to the service that owns it. Jobs are built
// fresh from the database on every sweep and are not shared between
// goroutines.
type Job struct {
	svc   *WebService
	state *jobstate.State
	md    *jobdb.Metadata
	log   *zap.Logger
}

func newJob(svc *WebService, rec jobdb.Record) *Job {
	st, _ := jobstate.New(string(rec.State))
	return &Job{
		svc:   svc,
		state: st,
		md:    rec.Metadata,
		log:   svc.logger.With(zap.String("job", rec.Metadata.Name())),
	}
}

// Name returns the job name.
func (j *Job) Name() string { return j.md.Name() }

// State returns the current state.
func (j *Job) State() jobstate.Name { return j.state.Get() }

// Directory returns the job's working directory, or "" when it has none.
func (j *Job) Directory() string { return j.md.String("directory") }

// Metadata exposes the job's row. Changes are persisted with the next
// state change, or by Sync.
func (j *Job) Metadata() *jobdb.Metadata { return j.md }

// Logger returns a logger that also writes to the job's framework.log while
// a lifecycle operation is in progress.
func (j *Job) Logger() *zap.Logger { return j.log }

// Service returns the owning service.
func (j *Job) Service() *WebService { return j.svc }

// RunnerID returns the stored "<backend>:<run-id>", or "".
func (j *Job) RunnerID() string { return j.md.String("runner_id") }

// Sync writes changed metadata without changing state.
func (j *Job) Sync(ctx context.Context) error {
	return j.svc.db.UpdateJob(ctx, j.md)
}

func (j *Job) String() string {
	return fmt.Sprintf("<Job %s>", j.Name())
}

// guard runs one lifecycle operation. Any error or panic from fn fails the
// job; only a failure to record that is returned, as a FatalError.
func (j *Job) guard(ctx context.Context, op string, fn func() error) error {
	// expiry deletes the directory the log would live in
	if op != "expire" {
		closeLog := j.openLog()
		defer closeLog()
	}

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic in %s: %v\n\n%s", op, r, debug.Stack())
			}
		}()
		return fn()
	}()
	if err == nil {
		return nil
	}
	return j.fail(ctx, describeFailure(op, err), true)
}

// describeFailure renders an error with its type chain and the stack that
// reported it, for the failure column and the admin email.
func describeFailure(op string, err error) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %T: %v\n", op, err, err)
	for u := errors.Unwrap(err); u != nil; u = errors.Unwrap(u) {
		fmt.Fprintf(&b, "  caused by %T: %v\n", u, u)
	}
	if !strings.Contains(err.Error(), "goroutine ") {
		b.WriteString("\n")
		b.Write(debug.Stack())
	}
	return b.String()
}

// fail records failure text, forces the job to FAILED and mails the admin.
func (j *Job) fail(ctx context.Context, failure string, notify bool) error {
	j.log.Error("job failed", zap.String("failure", firstLine(failure)))
	if err := j.md.Set("failure", failure); err != nil {
		return &FatalError{Job: j.Name(), Original: failure, Err: err}
	}
	if err := j.setState(ctx, jobstate.Failed, ""); err != nil {
		return &FatalError{Job: j.Name(), Original: failure, Err: err}
	}
	if notify {
		j.svc.sendAdmin(ctx, mailer.Message{
			Subject: fmt.Sprintf("%s: job %s FAILED", j.svc.cfg.ServiceName, j.Name()),
			Body: fmt.Sprintf("Job %s failed.\n\nDirectory: %s\nRunner: %s\n\nFailure:\n%s\n",
				j.Name(), j.Directory(), j.RunnerID(), failure),
		})
	}
	return nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

// setState transitions the job, moves its directory to the destination
// state's area (dirOverride replaces that area when set), and persists
// metadata and state together.
func (j *Job) setState(ctx context.Context, to jobstate.Name, dirOverride string) error {
	from := j.state.Get()
	if err := j.state.Transition(to); err != nil {
		return err
	}
	if err := j.relocate(to, dirOverride); err != nil {
		j.state = mustState(from)
		return err
	}
	if err := j.svc.db.ChangeJobState(ctx, j.md, from, to); err != nil {
		j.state = mustState(from)
		return err
	}
	j.svc.metrics.RecordTransition(string(from), string(to))
	j.log.Info("state change", zap.String("from", string(from)), zap.String("to", string(to)))
	return nil
}

func mustState(n jobstate.Name) *jobstate.State {
	s, err := jobstate.New(string(n))
	if err != nil {
		panic(err)
	}
	return s
}

func (j *Job) relocate(to jobstate.Name, dirOverride string) error {
	dir := j.Directory()
	if dir == "" {
		return nil
	}
	if to == jobstate.Expired {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("delete job directory: %w", err)
		}
		return j.md.Set("directory", nil)
	}

	area := dirOverride
	if area == "" {
		area = j.svc.cfg.Directory(to)
	}
	dest := filepath.Join(area, j.Name())
	if dest == dir {
		return nil
	}
	if to == jobstate.Failed {
		// a failing job may have lost its directory; record that rather
		// than failing the failure
		if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
			return j.md.Set("directory", nil)
		}
	}
	if err := moveDir(dir, dest); err != nil {
		return err
	}
	return j.md.Set("directory", dest)
}

func (j *Job) now() time.Time { return j.svc.now() }

func (j *Job) setNow(key string) {
	j.md.MustSet(key, j.now())
}

// TryRun starts an INCOMING job.
func (j *Job) TryRun(ctx context.Context) error {
	return j.guard(ctx, "run", func() error {
		if err := j.checkRunnable(); err != nil {
			return err
		}
		j.setNow("preprocess_time")
		if err := j.setState(ctx, jobstate.Preprocessing, ""); err != nil {
			return err
		}
		res, err := j.svc.hooks.Preprocess(ctx, j)
		if err != nil {
			return err
		}
		if res == Skip {
			return j.markCompleted(ctx)
		}
		j.setNow("run_time")
		if err := j.setState(ctx, jobstate.Running, ""); err != nil {
			return err
		}
		r, err := j.svc.hooks.Run(ctx, j)
		if err != nil {
			return err
		}
		return j.submit(ctx, r)
	})
}

func (j *Job) checkRunnable() error {
	if j.Name() == "" {
		return &SanityError{Msg: "job has no name"}
	}
	dir := j.Directory()
	if dir == "" {
		return &SanityError{Msg: fmt.Sprintf("job %s has no directory", j.Name())}
	}
	fi, err := os.Stat(dir)
	if err != nil || !fi.IsDir() {
		return &SanityError{Msg: fmt.Sprintf("job %s directory %s is not a directory", j.Name(), dir)}
	}
	return nil
}

// submit starts r from the job directory and persists its runner ID at
// once. A crash between the two leaves a RUNNING job with no runner ID for
// an operator to reconcile.
func (j *Job) submit(ctx context.Context, r runner.Runner) error {
	if r == nil {
		return fmt.Errorf("run hook returned no runner")
	}
	if _, err := j.svc.runners.Lookup(r.Backend()); err != nil {
		return err
	}
	runID, err := r.Submit(ctx, runner.SubmitContext{
		JobName:   j.Name(),
		Directory: j.Directory(),
		Sink:      j.svc.queue,
	})
	if err != nil {
		return err
	}
	if err := j.md.Set("runner_id", runner.FormatID(r.Backend(), runID)); err != nil {
		return err
	}
	return j.svc.db.UpdateJob(ctx, j.md)
}

// TryComplete checks whether a RUNNING job has finished and, if so, drives
// it through postprocessing to COMPLETED. runErr is a failure reported by
// the runner's waiter; observed means the runner itself reported the run
// finished.
func (j *Job) TryComplete(ctx context.Context, runErr error, observed bool) error {
	return j.guard(ctx, "complete", func() error {
		if j.State() != jobstate.Running {
			return &jobstate.InvalidStateError{From: j.State(), To: jobstate.Postprocessing,
				Msg: fmt.Sprintf("Job %s is not running (state %s)", j.Name(), j.State())}
		}
		if runErr != nil {
			return runErr
		}
		done, err := j.hasCompleted(ctx, observed)
		if err != nil || !done {
			return err
		}
		if err := runner.RemoveSentinel(j.Directory()); err != nil {
			return err
		}

		j.setNow("postprocess_time")
		if err := j.setState(ctx, jobstate.Postprocessing, ""); err != nil {
			return err
		}
		res, err := j.svc.hooks.Postprocess(ctx, j)
		if err != nil {
			return err
		}
		if res == Reschedule {
			return j.reschedule(ctx)
		}

		j.setNow("finalize_time")
		if err := j.setState(ctx, jobstate.Finalizing, ""); err != nil {
			return err
		}
		if err := j.svc.hooks.Finalize(ctx, j); err != nil {
			return err
		}
		return j.markCompleted(ctx)
	})
}

// reschedule returns a POSTPROCESSING job to RUNNING with a fresh run.
// run_time keeps its first value.
func (j *Job) reschedule(ctx context.Context) error {
	if err := j.setState(ctx, jobstate.Running, ""); err != nil {
		return err
	}
	var (
		r   runner.Runner
		err error
	)
	if rs, ok := j.svc.hooks.(Rescheduler); ok {
		r, err = rs.RescheduledRun(ctx, j)
	} else {
		r, err = j.svc.hooks.Run(ctx, j)
	}
	if err != nil {
		return err
	}
	j.log.Info("job rescheduled")
	return j.submit(ctx, r)
}

// hasCompleted applies the job-state sentinel protocol. A DONE sentinel is
// trusted outright. When the runner says the run is done but the sentinel
// disagrees, the sentinel is re-read a few times to ride out slow network
// filesystems before the run is declared crashed.
func (j *Job) hasCompleted(ctx context.Context, observed bool) (bool, error) {
	runnerID := j.RunnerID()
	name, runID, err := runner.ParseID(runnerID)
	if err != nil {
		return false, &SanityError{Msg: fmt.Sprintf("job %s is RUNNING with runner id %q", j.Name(), runnerID)}
	}
	dir := j.Directory()
	if done, err := runner.SentinelDoneIn(dir); err != nil || done {
		return done, err
	}

	status := runner.StatusDone
	if !observed {
		b, err := j.svc.runners.Lookup(name)
		if err != nil {
			return false, err
		}
		if status, err = b.CheckCompleted(ctx, runID, dir); err != nil {
			return false, err
		}
	}
	if status != runner.StatusDone {
		return false, nil
	}

	rc := j.svc.cfg.Runner
	for i := 0; i < rc.SentinelRetries; i++ {
		if done, err := runner.SentinelDoneIn(dir); err != nil || done {
			return done, err
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(rc.SentinelInterval):
		}
	}
	if done, err := runner.SentinelDoneIn(dir); err != nil || done {
		return done, err
	}
	return false, &runner.RunnerError{Msg: fmt.Sprintf(
		"Runner claims job %s is complete, but job-state file in job directory (%s) claims it is not. "+
			"This usually means the underlying script either failed, or was killed off by the cluster system.",
		runnerID, dir)}
}

// markCompleted moves a job to COMPLETED, schedules its archive and expiry,
// runs the Complete hook and tells the owner.
func (j *Job) markCompleted(ctx context.Context) error {
	now := j.now()
	j.md.MustSet("end_time", now)
	j.md.MustSet("archive_time", j.svc.cfg.OldJobs.Archive.After(now))
	j.md.MustSet("expire_time", j.svc.cfg.OldJobs.Expire.After(now))
	if err := j.setState(ctx, jobstate.Completed, ""); err != nil {
		return err
	}
	if err := j.svc.hooks.Complete(ctx, j); err != nil {
		return err
	}
	j.sendCompletedEmail(ctx)
	return nil
}

func (j *Job) sendCompletedEmail(ctx context.Context) {
	to := j.md.String("contact_email")
	if to == "" {
		return
	}
	body := fmt.Sprintf("Dear %s user,\n\nYour job %s has finished.\n\n", j.svc.cfg.ServiceName, j.Name())
	if url := j.md.String("url"); url != "" {
		body += "Results can be found at " + url + "\n"
	}
	j.svc.send(ctx, mailer.Message{
		To:      []string{to},
		Subject: fmt.Sprintf("%s job %s complete", j.svc.cfg.ServiceName, j.Name()),
		Body:    body,
	})
}

// TryArchive archives a COMPLETED job.
func (j *Job) TryArchive(ctx context.Context) error {
	return j.guard(ctx, "archive", func() error {
		if err := j.setState(ctx, jobstate.Archived, ""); err != nil {
			return err
		}
		return j.svc.hooks.Archive(ctx, j)
	})
}

// TryExpire expires an ARCHIVED job, deleting its directory.
func (j *Job) TryExpire(ctx context.Context) error {
	return j.guard(ctx, "expire", func() error {
		if err := j.setState(ctx, jobstate.Expired, ""); err != nil {
			return err
		}
		return j.svc.hooks.Expire(ctx, j)
	})
}

// Resubmit returns a FAILED job to INCOMING. The directory goes to the
// PREPROCESSING area, not the incoming one, so it does not cross storage
// tiers twice.
func (j *Job) Resubmit(ctx context.Context) error {
	if j.State() != jobstate.Failed {
		return &jobstate.InvalidStateError{From: j.State(), To: jobstate.Incoming,
			Msg: fmt.Sprintf("Cannot resubmit job %s in state %s; only FAILED jobs can be resubmitted", j.Name(), j.State())}
	}
	j.md.MustSet("failure", nil)
	return j.setState(ctx, jobstate.Incoming, j.svc.cfg.Directory(jobstate.Preprocessing))
}

// AdminFail forces the job to FAILED from any state. notify controls the
// admin email.
func (j *Job) AdminFail(ctx context.Context, reason string, notify bool) error {
	if reason == "" {
		reason = "Job failed by the service administrator"
	}
	return j.fail(ctx, reason, notify)
}

// Delete removes the job's directory and row.
func (j *Job) Delete(ctx context.Context) error {
	if dir := j.Directory(); dir != "" {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("delete job directory: %w", err)
		}
	}
	return j.svc.db.DeleteJob(ctx, j.Name())
}
