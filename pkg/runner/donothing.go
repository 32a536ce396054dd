package runner

import "context"

// DoNothing is a backend for jobs that need no compute. Its runs are done
// the moment they are submitted.
type DoNothing struct {
	name string
}

// NewDoNothing returns a DoNothing backend.
func NewDoNothing(name string) *DoNothing {
	return &DoNothing{name: name}
}

// Name implements Backend.
func (d *DoNothing) Name() string { return d.name }

// CheckCompleted implements Backend.
func (d *DoNothing) CheckCompleted(context.Context, string, string) (Status, error) {
	return StatusDone, nil
}

// Runner returns a runner that does nothing.
func (d *DoNothing) Runner() Runner { return doNothingRunner{d.name} }

type doNothingRunner struct{ name string }

func (r doNothingRunner) Backend() string { return r.name }

func (r doNothingRunner) Submit(_ context.Context, sc SubmitContext) (string, error) {
	if err := WriteSentinel(sc.Directory, SentinelDone); err != nil {
		return "", err
	}
	runID := sc.JobName
	if sc.Sink != nil {
		sc.Sink.Completed(r.name, runID, nil)
	}
	return runID, nil
}
