package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"

	"go.uber.org/zap"
)

// Output files a local run writes into the job directory.
const (
	LocalStdout = "local-stdout.log"
	LocalStderr = "local-stderr.log"
)

// localWrapper records STARTED and DONE in the job-state file around the
// job's argv, so the sentinel is correct even if the service exits before
// the child does. The exit status of the job is preserved.
const localWrapper = `echo "` + SentinelStarted + `" > "$` + JobDirEnv + `/` + SentinelFile + `" || exit 1
"$@" || exit
echo "` + SentinelDone + `" > "$` + JobDirEnv + `/` + SentinelFile + `"`

// LocalBackend runs jobs as child processes of the service.
type LocalBackend struct {
	name   string
	logger *zap.Logger
	waited *WaitedJobs
	wg     sync.WaitGroup
}

// NewLocal returns a backend that runs processes on this host.
func NewLocal(name string, logger *zap.Logger) *LocalBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalBackend{name: name, logger: logger, waited: NewWaitedJobs()}
}

// Name implements Backend.
func (b *LocalBackend) Name() string { return b.name }

// Waited exposes the set of PIDs whose exit is being awaited.
func (b *LocalBackend) Waited() *WaitedJobs { return b.waited }

// Wait blocks until every waiter goroutine has reported. The service does
// not call it on shutdown; children outlive the daemon and are picked up
// again through CheckCompleted.
func (b *LocalBackend) Wait() { b.wg.Wait() }

// CheckCompleted implements Backend. A PID that no longer exists is done;
// the job-state file tells whether it finished cleanly.
func (b *LocalBackend) CheckCompleted(_ context.Context, runID, _ string) (Status, error) {
	if b.waited.Contains(runID) {
		return StatusRunning, nil
	}
	pid, err := strconv.Atoi(runID)
	if err != nil {
		return StatusUnknown, fmt.Errorf("invalid local run id %q", runID)
	}
	if ProcessAlive(pid) {
		return StatusRunning, nil
	}
	return StatusDone, nil
}

// Command returns a runner for an argv.
func (b *LocalBackend) Command(name string, args ...string) *LocalRunner {
	return &LocalRunner{backend: b, argv: append([]string{name}, args...)}
}

// Shell returns a runner for a /bin/sh command line.
func (b *LocalBackend) Shell(script string) *LocalRunner {
	return &LocalRunner{backend: b, argv: []string{"/bin/sh", "-c", script}}
}

// LocalRunner is one process bound for a LocalBackend.
type LocalRunner struct {
	backend *LocalBackend
	argv    []string
	env     []string
}

// SetEnv adds KEY=VALUE pairs to the child's environment.
func (r *LocalRunner) SetEnv(kv ...string) { r.env = append(r.env, kv...) }

// Backend implements Runner.
func (r *LocalRunner) Backend() string { return r.backend.name }

// Submit starts the process in the job directory. The run ID is its PID.
// The process is not tied to ctx; it outlives the submitting call.
func (r *LocalRunner) Submit(_ context.Context, sc SubmitContext) (string, error) {
	if len(r.argv) == 0 {
		return "", &RunnerError{Msg: "no command to run"}
	}
	stdout, err := os.Create(filepath.Join(sc.Directory, LocalStdout))
	if err != nil {
		return "", fmt.Errorf("create stdout log: %w", err)
	}
	stderr, err := os.Create(filepath.Join(sc.Directory, LocalStderr))
	if err != nil {
		_ = stdout.Close()
		return "", fmt.Errorf("create stderr log: %w", err)
	}
	jobDir, err := filepath.Abs(sc.Directory)
	if err == nil {
		err = RemoveSentinel(jobDir)
	}
	if err != nil {
		_ = stdout.Close()
		_ = stderr.Close()
		return "", err
	}

	argv := append([]string{"/bin/sh", "-c", localWrapper, "webjobd-job"}, r.argv...)
	// #nosec G204 -- commands are built by the service's own run hook
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = sc.Directory
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// A terminal SIGINT aimed at the daemon must not reach running jobs.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = append(os.Environ(), JobDirEnv+"="+jobDir)
	cmd.Env = append(cmd.Env, r.env...)

	if err := cmd.Start(); err != nil {
		_ = stdout.Close()
		_ = stderr.Close()
		return "", &RunnerError{Msg: "start local process", Err: err}
	}
	_ = stdout.Close()
	_ = stderr.Close()

	runID := strconv.Itoa(cmd.Process.Pid)
	r.backend.waited.Add(runID)
	r.backend.wg.Add(1)
	go r.backend.wait(cmd, runID, sc)
	return runID, nil
}

func (b *LocalBackend) wait(cmd *exec.Cmd, runID string, sc SubmitContext) {
	defer b.wg.Done()
	err := cmd.Wait()

	var failure error
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			failure = &RunnerError{Runner: b.name, RunID: runID, Msg: fmt.Sprintf("process exited with status %d", ee.ExitCode())}
		} else {
			failure = &RunnerError{Runner: b.name, RunID: runID, Msg: "wait for local process", Err: err}
		}
	}
	if failure != nil {
		b.logger.Warn("local run failed", zap.String("runner", b.name), zap.String("run_id", runID), zap.Error(failure))
	}

	_ = b.waited.Remove(runID)
	if sc.Sink != nil {
		sc.Sink.Completed(b.name, runID, failure)
	}
}
