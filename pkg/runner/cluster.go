package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Scheduler selects the batch system dialect.
type Scheduler string

const (
	SchedulerSGE   Scheduler = "sge"
	SchedulerSLURM Scheduler = "slurm"
)

// DefaultPollInterval is how often waiters poll the batch system.
const DefaultPollInterval = 30 * time.Second

// ClusterBackend submits job scripts to an SGE or SLURM queue and tracks
// them with the scheduler's command line tools.
type ClusterBackend struct {
	name      string
	scheduler Scheduler
	cmd       Commander
	poll      time.Duration
	logger    *zap.Logger
	waited    *WaitedJobs

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ClusterOption configures a ClusterBackend.
type ClusterOption func(*ClusterBackend)

// WithCommander overrides how scheduler tools are executed.
func WithCommander(c Commander) ClusterOption {
	return func(b *ClusterBackend) { b.cmd = c }
}

// WithPollInterval sets the waiter polling interval.
func WithPollInterval(d time.Duration) ClusterOption {
	return func(b *ClusterBackend) {
		if d > 0 {
			b.poll = d
		}
	}
}

// WithLogger sets the backend logger.
func WithLogger(l *zap.Logger) ClusterOption {
	return func(b *ClusterBackend) {
		if l != nil {
			b.logger = l
		}
	}
}

// NewSGE returns a backend for a Grid Engine queue.
func NewSGE(name string, opts ...ClusterOption) *ClusterBackend {
	return newCluster(name, SchedulerSGE, opts)
}

// NewSLURM returns a backend for a SLURM queue.
func NewSLURM(name string, opts ...ClusterOption) *ClusterBackend {
	return newCluster(name, SchedulerSLURM, opts)
}

func newCluster(name string, s Scheduler, opts []ClusterOption) *ClusterBackend {
	ctx, cancel := context.WithCancel(context.Background())
	b := &ClusterBackend{
		name:      name,
		scheduler: s,
		cmd:       ExecCommander{},
		poll:      DefaultPollInterval,
		logger:    zap.NewNop(),
		waited:    NewWaitedJobs(),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name implements Backend.
func (b *ClusterBackend) Name() string { return b.name }

// Scheduler returns the batch system dialect.
func (b *ClusterBackend) Scheduler() Scheduler { return b.scheduler }

// Waited exposes the set of runs this backend's waiters are watching.
func (b *ClusterBackend) Waited() *WaitedJobs { return b.waited }

// Stop cancels all waiters and waits for them to exit.
func (b *ClusterBackend) Stop() {
	b.cancel()
	b.wg.Wait()
}

func (b *ClusterBackend) sep() string {
	if b.scheduler == SchedulerSLURM {
		return "_"
	}
	return "."
}

// NewRunner prepares a job script for submission.
func (b *ClusterBackend) NewRunner(script string) *ClusterRunner {
	return &ClusterRunner{backend: b, script: script, interpreter: "/bin/sh"}
}

// CheckCompleted implements Backend.
func (b *ClusterBackend) CheckCompleted(ctx context.Context, runID, _ string) (Status, error) {
	if b.waited.Contains(runID) {
		return StatusRunning, nil
	}
	return b.queueStatus(ctx, runID)
}

// queueStatus asks the scheduler about a run. Finished jobs are usually
// purged from the queue, so "no such job" is StatusUnknown.
func (b *ClusterBackend) queueStatus(ctx context.Context, runID string) (Status, error) {
	base, _ := SplitRunID(runID, b.sep())
	switch b.scheduler {
	case SchedulerSLURM:
		out, err := b.cmd.Run(ctx, "", "squeue", "-h", "-j", base, "-o", "%T")
		if err != nil {
			var ee *ExitError
			if errors.As(err, &ee) && strings.Contains(ee.Output, "Invalid job id specified") {
				return StatusUnknown, nil
			}
			return StatusRunning, fmt.Errorf("squeue %s: %w", base, err)
		}
		return slurmQueueStatus(out), nil
	default:
		_, err := b.cmd.Run(ctx, "", "qstat", "-j", base)
		if err != nil {
			var ee *ExitError
			if errors.As(err, &ee) && strings.Contains(ee.Output, "do not exist") {
				return StatusUnknown, nil
			}
			return StatusRunning, fmt.Errorf("qstat %s: %w", base, err)
		}
		return StatusRunning, nil
	}
}

var slurmTerminal = map[string]bool{
	"COMPLETED":     true,
	"FAILED":        true,
	"CANCELLED":     true,
	"TIMEOUT":       true,
	"NODE_FAIL":     true,
	"OUT_OF_MEMORY": true,
	"PREEMPTED":     true,
	"BOOT_FAIL":     true,
	"DEADLINE":      true,
}

var slurmFailed = map[string]bool{
	"FAILED":        true,
	"NODE_FAIL":     true,
	"OUT_OF_MEMORY": true,
	"BOOT_FAIL":     true,
}

func slurmQueueStatus(out string) Status {
	states := strings.Fields(out)
	if len(states) == 0 {
		return StatusUnknown
	}
	for _, s := range states {
		if !slurmTerminal[strings.TrimSuffix(s, "+")] {
			return StatusRunning
		}
	}
	return StatusDone
}

// accountingFailures asks the scheduler's accounting for tasks that the
// batch system itself failed. Accounting is optional on many clusters, so
// a failing accounting command reports nothing.
func (b *ClusterBackend) accountingFailures(ctx context.Context, runID string) []string {
	base, _ := SplitRunID(runID, b.sep())
	var failed []string
	switch b.scheduler {
	case SchedulerSLURM:
		out, err := b.cmd.Run(ctx, "", "sacct", "-n", "-P", "-X", "-j", base, "-o", "JobID,State")
		if err != nil {
			return nil
		}
		for _, line := range strings.Split(out, "\n") {
			id, state, ok := strings.Cut(strings.TrimSpace(line), "|")
			if !ok {
				continue
			}
			state, _, _ = strings.Cut(state, " ")
			if slurmFailed[state] {
				failed = append(failed, id)
			}
		}
	default:
		out, err := b.cmd.Run(ctx, "", "qacct", "-j", base)
		if err != nil {
			return nil
		}
		var task string
		for _, line := range strings.Split(out, "\n") {
			fields := strings.Fields(line)
			if len(fields) < 2 {
				continue
			}
			switch fields[0] {
			case "taskid":
				task = fields[1]
			case "failed":
				if fields[1] != "0" {
					id := base
					if task != "" && task != "undefined" {
						id = base + "." + task
					}
					failed = append(failed, id)
				}
			}
		}
	}
	return failed
}

// wait polls until the run leaves the queue, then reports completion.
func (b *ClusterBackend) wait(runID string, sink CompletionSink) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.poll)
	defer ticker.Stop()
	for {
		select {
		case <-b.ctx.Done():
			_ = b.waited.Remove(runID)
			return
		case <-ticker.C:
		}
		st, err := b.queueStatus(b.ctx, runID)
		if err != nil {
			b.logger.Warn("cluster poll failed", zap.String("runner", b.name), zap.String("run_id", runID), zap.Error(err))
			continue
		}
		if st == StatusRunning {
			continue
		}
		var failure error
		if ids := b.accountingFailures(b.ctx, runID); len(ids) > 0 {
			failure = &RunnerError{Msg: fmt.Sprintf("Cluster jobs failed: %s. Please contact the cluster sysadmin.", strings.Join(ids, ", "))}
		}
		// Leave the waited set first so the dispatcher's completion check
		// sees the real queue status.
		_ = b.waited.Remove(runID)
		sink.Completed(b.name, runID, failure)
		return
	}
}

// ClusterRunner is one job script bound for a cluster backend.
type ClusterRunner struct {
	backend     *ClusterBackend
	script      string
	options     string
	name        string
	interpreter string
}

// SetOptions sets scheduler options (e.g. "-l h_rt=1:00:00" or "-p short").
func (r *ClusterRunner) SetOptions(opts string) { r.options = opts }

// SetName sets the scheduler job name. It defaults to the job's name.
func (r *ClusterRunner) SetName(name string) { r.name = name }

// SetInterpreter sets the shell that runs the script.
func (r *ClusterRunner) SetInterpreter(path string) { r.interpreter = path }

// Backend implements Runner.
func (r *ClusterRunner) Backend() string { return r.backend.name }

// ScriptFile is the name of the generated script in the job directory.
func (r *ClusterRunner) ScriptFile() string {
	return string(r.backend.scheduler) + "-script.sh"
}

// Script renders the job script.
func (r *ClusterRunner) Script(jobName string) string {
	name := r.name
	if name == "" {
		name = jobName
	}
	var b strings.Builder
	b.WriteString("#!" + r.interpreter + "\n")
	switch r.backend.scheduler {
	case SchedulerSLURM:
		if r.options != "" {
			b.WriteString("#SBATCH " + r.options + "\n")
		}
		b.WriteString("#SBATCH -J " + slurmJobName(name) + "\n")
	default:
		b.WriteString("#$ -S " + r.interpreter + "\n")
		b.WriteString("#$ -cwd\n")
		if r.options != "" {
			b.WriteString("#$ " + r.options + "\n")
		}
		b.WriteString("#$ -N " + sgeJobName(name) + "\n")
	}
	b.WriteString(wrapScript(r.interpreter, r.script))
	return b.String()
}

func (r *ClusterRunner) tasks() (Tasks, bool, error) {
	if r.backend.scheduler == SchedulerSLURM {
		return ParseSLURMTasks(r.options)
	}
	return ParseSGETasks(r.options)
}

// Submit writes the script into the job directory and queues it.
func (r *ClusterRunner) Submit(ctx context.Context, sc SubmitContext) (string, error) {
	tasks, isArray, err := r.tasks()
	if err != nil {
		return "", err
	}
	scriptPath := filepath.Join(sc.Directory, r.ScriptFile())
	// #nosec G306 -- executed by the scheduler, possibly as another user
	if err := os.WriteFile(scriptPath, []byte(r.Script(sc.JobName)), 0o755); err != nil {
		return "", fmt.Errorf("write job script: %w", err)
	}

	var out string
	switch r.backend.scheduler {
	case SchedulerSLURM:
		out, err = r.backend.cmd.Run(ctx, sc.Directory, "sbatch", "--parsable", r.ScriptFile())
	default:
		out, err = r.backend.cmd.Run(ctx, sc.Directory, "qsub", "-terse", r.ScriptFile())
	}
	if err != nil {
		return "", &RunnerError{Msg: "job submission failed", Err: err}
	}
	runID, err := r.parseSubmitOutput(out, tasks, isArray)
	if err != nil {
		return "", err
	}

	if sc.Sink != nil {
		r.backend.waited.Add(runID)
		r.backend.wg.Add(1)
		go r.backend.wait(runID, sc.Sink)
	}
	return runID, nil
}

func (r *ClusterRunner) parseSubmitOutput(out string, tasks Tasks, isArray bool) (string, error) {
	var ids []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		// sbatch --parsable prints "jobid[;cluster]"
		line, _, _ = strings.Cut(line, ";")
		ids = append(ids, line)
	}
	if len(ids) == 0 {
		return "", &RunnerError{Msg: fmt.Sprintf("no job id in submission output %q", out)}
	}
	sep := r.backend.sep()
	if !isArray {
		return ids[0], nil
	}
	if len(ids) > 1 {
		return ComposeRunID(tasks, ids, sep)
	}
	base, _ := SplitRunID(ids[0], sep)
	return base + sep + tasks.String(), nil
}
