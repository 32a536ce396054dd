package backend

import (
	"context"
	"fmt"

	"github.com/3leaps/webjobd/pkg/runner"
)

// HookResult tells the engine how to continue after a hook.
type HookResult int

const (
	// Continue proceeds with the normal lifecycle.
	Continue HookResult = iota
	// Skip, from Preprocess, completes the job without running it.
	Skip
	// Reschedule, from Postprocess, submits a fresh run and returns the
	// job to RUNNING.
	Reschedule
)

func (r HookResult) String() string {
	switch r {
	case Continue:
		return "continue"
	case Skip:
		return "skip"
	case Reschedule:
		return "reschedule"
	default:
		return fmt.Sprintf("hookresult(%d)", int(r))
	}
}

// Hooks is the service-specific behaviour of a job. Each method runs with
// the job's directory already in place for the state it names. An error
// from any hook fails the job.
type Hooks interface {
	// Preprocess runs in PREPROCESSING.
	Preprocess(ctx context.Context, j *Job) (HookResult, error)

	// Run returns a prepared, not yet submitted, runner for the job. The
	// engine submits it from the job's RUNNING directory.
	Run(ctx context.Context, j *Job) (runner.Runner, error)

	// Postprocess runs in POSTPROCESSING.
	Postprocess(ctx context.Context, j *Job) (HookResult, error)

	// Finalize runs in FINALIZING.
	Finalize(ctx context.Context, j *Job) error

	// Complete runs once the job is COMPLETED.
	Complete(ctx context.Context, j *Job) error

	// Archive runs once the job is ARCHIVED.
	Archive(ctx context.Context, j *Job) error

	// Expire runs once the job is EXPIRED; its directory is already gone.
	Expire(ctx context.Context, j *Job) error
}

// Rescheduler may be implemented by Hooks to submit something other than
// Run's runner after Postprocess asks for a reschedule.
type Rescheduler interface {
	RescheduledRun(ctx context.Context, j *Job) (runner.Runner, error)
}

// DefaultHooks does nothing at every step except Archive, which bundles
// the job directory when the service has an archiver configured. Services
// embed it and override what they need; Run must be overridden.
type DefaultHooks struct{}

var _ Hooks = DefaultHooks{}

func (DefaultHooks) Preprocess(context.Context, *Job) (HookResult, error) { return Continue, nil }

func (DefaultHooks) Run(_ context.Context, j *Job) (runner.Runner, error) {
	return nil, fmt.Errorf("job %s: no run hook implemented", j.Name())
}

func (DefaultHooks) Postprocess(context.Context, *Job) (HookResult, error) { return Continue, nil }

func (DefaultHooks) Finalize(context.Context, *Job) error { return nil }

func (DefaultHooks) Complete(context.Context, *Job) error { return nil }

func (DefaultHooks) Archive(ctx context.Context, j *Job) error {
	a := j.svc.archiver
	if a == nil || j.Directory() == "" {
		return nil
	}
	_, err := a.Archive(ctx, j.Directory(), j.Name())
	return err
}

func (DefaultHooks) Expire(context.Context, *Job) error { return nil }
