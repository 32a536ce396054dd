package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReply struct {
	out string
	err error
}

// fakeCommander answers scheduler commands from a script of replies keyed
// by command name. The last reply for a name repeats.
type fakeCommander struct {
	mu      sync.Mutex
	replies map[string][]fakeReply
	calls   []string
}

func newFakeCommander() *fakeCommander {
	return &fakeCommander{replies: make(map[string][]fakeReply)}
}

func (f *fakeCommander) on(name, out string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[name] = append(f.replies[name], fakeReply{out: out, err: err})
}

func (f *fakeCommander) Run(_ context.Context, _ string, name string, args ...string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, strings.TrimSpace(name+" "+strings.Join(args, " ")))
	rs := f.replies[name]
	if len(rs) == 0 {
		return "", fmt.Errorf("unexpected command %s", name)
	}
	r := rs[0]
	if len(rs) > 1 {
		f.replies[name] = rs[1:]
	}
	return r.out, r.err
}

func (f *fakeCommander) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func notExist(id string) error {
	return &ExitError{Command: "qstat", Code: 1, Output: "Following jobs do not exist:\n" + id + "\n"}
}

func TestSGEScript(t *testing.T) {
	b := NewSGE("SGE")
	r := b.NewRunner("echo foo")
	r.SetInterpreter("/bin/csh")
	r.SetOptions("-l diva1=1G")
	r.SetName("testjob")

	want := "#!/bin/csh\n" +
		"#$ -S /bin/csh\n" +
		"#$ -cwd\n" +
		"#$ -l diva1=1G\n" +
		"#$ -N testjob\n" +
		"setenv _WEBJOBD_JOB_DIR `pwd`\n" +
		"echo \"STARTED\" > ${_WEBJOBD_JOB_DIR}/job-state\n" +
		"echo foo\n" +
		"echo \"DONE\" > ${_WEBJOBD_JOB_DIR}/job-state\n"
	assert.Equal(t, want, r.Script("ignored"))

	r.SetInterpreter("/bin/oddshell")
	assert.Equal(t, "#!/bin/oddshell\n"+
		"#$ -S /bin/oddshell\n"+
		"#$ -cwd\n"+
		"#$ -l diva1=1G\n"+
		"#$ -N testjob\n"+
		"echo foo", r.Script("ignored"))
}

func TestSLURMScript(t *testing.T) {
	b := NewSLURM("SLURM")
	r := b.NewRunner("echo foo\n")
	r.SetOptions("-p short")
	r.SetInterpreter("/bin/bash")

	want := "#!/bin/bash\n" +
		"#SBATCH -p short\n" +
		"#SBATCH -J 1job\n" +
		"_WEBJOBD_JOB_DIR=`pwd`\n" +
		"export _WEBJOBD_JOB_DIR\n" +
		"echo \"STARTED\" > ${_WEBJOBD_JOB_DIR}/job-state\n" +
		"echo foo\n" +
		"echo \"DONE\" > ${_WEBJOBD_JOB_DIR}/job-state\n"
	assert.Equal(t, want, r.Script("1 job"))
}

func TestJobNames(t *testing.T) {
	tests := []struct {
		in    string
		sge   string
		slurm string
	}{
		{in: "myjob", sge: "myjob", slurm: "myjob"},
		{in: " my job\t", sge: "myjob", slurm: "myjob"},
		{in: "1abc", sge: "J1abc", slurm: "1abc"},
		{in: "ALL", sge: "JALL", slurm: "ALL"},
		{in: "template", sge: "Jtemplate", slurm: "template"},
		{in: "", sge: "J", slurm: ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.sge, sgeJobName(tt.in))
			assert.Equal(t, tt.slurm, slurmJobName(tt.in))
		})
	}
}

func TestClusterSubmit(t *testing.T) {
	dir := t.TempDir()
	fc := newFakeCommander()
	fc.on("qsub", "12345\n", nil)
	b := NewSGE("SGE", WithCommander(fc))

	runID, err := b.NewRunner("echo hi").Submit(context.Background(), SubmitContext{JobName: "job1", Directory: dir})
	require.NoError(t, err)
	assert.Equal(t, "12345", runID)

	data, err := os.ReadFile(filepath.Join(dir, "sge-script.sh"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "#$ -N job1\n")
	assert.Equal(t, []string{"qsub -terse sge-script.sh"}, fc.called())
	assert.False(t, b.Waited().Contains(runID), "no sink means no waiter")
}

func TestClusterSubmitArray(t *testing.T) {
	tests := []struct {
		name  string
		newB  func(...ClusterOption) *ClusterBackend
		tool  string
		out   string
		opts  string
		runID string
	}{
		{name: "sge terse", newB: func(o ...ClusterOption) *ClusterBackend { return NewSGE("SGE", o...) },
			tool: "qsub", out: "555.1-3:1\n", opts: "-t 1-3", runID: "555.1-3:1"},
		{name: "sge per task", newB: func(o ...ClusterOption) *ClusterBackend { return NewSGE("SGE", o...) },
			tool: "qsub", out: "foo.1\nfoo.2\nfoo.3\n", opts: "-t 1-3", runID: "foo.1-3:1"},
		{name: "slurm parsable", newB: func(o ...ClusterOption) *ClusterBackend { return NewSLURM("SLURM", o...) },
			tool: "sbatch", out: "777;cluster1\n", opts: "-a 2-10:4", runID: "777_2-10:4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := newFakeCommander()
			fc.on(tt.tool, tt.out, nil)
			r := tt.newB(WithCommander(fc)).NewRunner("true")
			r.SetOptions(tt.opts)
			runID, err := r.Submit(context.Background(), SubmitContext{JobName: "j", Directory: t.TempDir()})
			require.NoError(t, err)
			assert.Equal(t, tt.runID, runID)
		})
	}

	fc := newFakeCommander()
	fc.on("qsub", "foo.1\nfoo.2\n", nil)
	r := NewSGE("SGE", WithCommander(fc)).NewRunner("true")
	r.SetOptions("-t 1-3")
	_, err := r.Submit(context.Background(), SubmitContext{JobName: "j", Directory: t.TempDir()})
	assert.Error(t, err, "task count mismatch")
}

func TestClusterSubmitFailure(t *testing.T) {
	fc := newFakeCommander()
	fc.on("qsub", "", &ExitError{Command: "qsub", Code: 1, Output: "Unable to run job"})
	_, err := NewSGE("SGE", WithCommander(fc)).NewRunner("true").
		Submit(context.Background(), SubmitContext{JobName: "j", Directory: t.TempDir()})
	require.Error(t, err)
	assert.True(t, IsRunnerError(err))
}

func TestSGECheckCompleted(t *testing.T) {
	ctx := context.Background()

	fc := newFakeCommander()
	fc.on("qstat", "job_number: 1", nil)
	b := NewSGE("SGE", WithCommander(fc))
	st, err := b.CheckCompleted(ctx, "1", "")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, st)

	fc = newFakeCommander()
	fc.on("qstat", "", notExist("1"))
	b = NewSGE("SGE", WithCommander(fc))
	st, err = b.CheckCompleted(ctx, "1.1-3:1", "")
	require.NoError(t, err)
	assert.Equal(t, StatusUnknown, st)
	assert.Equal(t, []string{"qstat -j 1"}, fc.called(), "array runs are checked by base id")

	fc = newFakeCommander()
	fc.on("qstat", "", &ExitError{Command: "qstat", Code: 2, Output: "cannot reach qmaster"})
	b = NewSGE("SGE", WithCommander(fc))
	_, err = b.CheckCompleted(ctx, "1", "")
	assert.Error(t, err)

	b.Waited().Add("9")
	st, err = b.CheckCompleted(ctx, "9", "")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, st, "waited runs are not queried")
}

func TestSLURMCheckCompleted(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name  string
		out   string
		err   error
		want  Status
		isErr bool
	}{
		{name: "pending", out: "PENDING\n", want: StatusRunning},
		{name: "array partly done", out: "COMPLETED\nRUNNING\n", want: StatusRunning},
		{name: "finished", out: "COMPLETED\nFAILED\n", want: StatusDone},
		{name: "purged", out: "", want: StatusUnknown},
		{name: "invalid id", err: &ExitError{Command: "squeue", Code: 1, Output: "slurm_load_jobs error: Invalid job id specified"}, want: StatusUnknown},
		{name: "controller down", err: &ExitError{Command: "squeue", Code: 1, Output: "Unable to contact slurm controller"}, isErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := newFakeCommander()
			fc.on("squeue", tt.out, tt.err)
			st, err := NewSLURM("SLURM", WithCommander(fc)).CheckCompleted(ctx, "77_1-3:1", "")
			if tt.isErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, st)
			assert.Equal(t, []string{"squeue -h -j 77 -o %T"}, fc.called())
		})
	}
}

func TestClusterWaiter(t *testing.T) {
	fc := newFakeCommander()
	fc.on("qsub", "42\n", nil)
	fc.on("qstat", "job_number: 42", nil)
	fc.on("qstat", "", notExist("42"))
	fc.on("qacct", "jobnumber 42\ntaskid undefined\nfailed 0\nexit_status 0\n", nil)
	b := NewSGE("SGE", WithCommander(fc), WithPollInterval(5*time.Millisecond))
	defer b.Stop()

	sink := make(chanSink, 1)
	runID, err := b.NewRunner("true").Submit(context.Background(), SubmitContext{JobName: "j", Directory: t.TempDir(), Sink: sink})
	require.NoError(t, err)

	got := sink.next(t)
	assert.Equal(t, "SGE", got.runner)
	assert.Equal(t, runID, got.runID)
	assert.NoError(t, got.err)
	assert.False(t, b.Waited().Contains(runID), "waited set is cleared before completion is reported")
}

func TestClusterWaiterReportsFailedTasks(t *testing.T) {
	fc := newFakeCommander()
	fc.on("sbatch", "88\n", nil)
	fc.on("squeue", "", nil)
	fc.on("sacct", "88|COMPLETED\n89|NODE_FAIL\n", nil)
	b := NewSLURM("SLURM", WithCommander(fc), WithPollInterval(5*time.Millisecond))
	defer b.Stop()

	sink := make(chanSink, 1)
	_, err := b.NewRunner("true").Submit(context.Background(), SubmitContext{JobName: "j", Directory: t.TempDir(), Sink: sink})
	require.NoError(t, err)

	got := sink.next(t)
	require.Error(t, got.err)
	assert.True(t, IsRunnerError(got.err))
	assert.Equal(t, "Cluster jobs failed: 89. Please contact the cluster sysadmin.", got.err.Error())
}

func TestClusterStopCancelsWaiters(t *testing.T) {
	fc := newFakeCommander()
	fc.on("qsub", "42\n", nil)
	fc.on("qstat", "job_number: 42", nil)
	b := NewSGE("SGE", WithCommander(fc), WithPollInterval(time.Millisecond))

	sink := make(chanSink, 1)
	runID, err := b.NewRunner("true").Submit(context.Background(), SubmitContext{JobName: "j", Directory: t.TempDir(), Sink: sink})
	require.NoError(t, err)
	assert.True(t, b.Waited().Contains(runID))

	b.Stop()
	assert.False(t, b.Waited().Contains(runID))
	assert.Empty(t, sink)
}
