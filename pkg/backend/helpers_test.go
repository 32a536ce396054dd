package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/3leaps/webjobd/pkg/config"
	"github.com/3leaps/webjobd/pkg/jobdb"
	"github.com/3leaps/webjobd/pkg/jobstate"
	"github.com/3leaps/webjobd/pkg/mailer"
	"github.com/3leaps/webjobd/pkg/runner"
)

var testNow = time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

// mockBackend hands out sequential run ids and reports whatever status a
// test assigns.
type mockBackend struct {
	mu     sync.Mutex
	next   int
	status map[string]runner.Status
}

func newMockBackend() *mockBackend {
	return &mockBackend{status: map[string]runner.Status{}}
}

func (b *mockBackend) Name() string { return "mock" }

func (b *mockBackend) CheckCompleted(_ context.Context, runID, _ string) (runner.Status, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.status[runID]
	if !ok {
		return runner.StatusUnknown, nil
	}
	return st, nil
}

func (b *mockBackend) set(runID string, st runner.Status) {
	b.mu.Lock()
	b.status[runID] = st
	b.mu.Unlock()
}

type mockRunner struct {
	b *mockBackend
}

func (r *mockRunner) Backend() string { return "mock" }

func (r *mockRunner) Submit(_ context.Context, sc runner.SubmitContext) (string, error) {
	r.b.mu.Lock()
	r.b.next++
	id := fmt.Sprint(r.b.next)
	r.b.status[id] = runner.StatusRunning
	r.b.mu.Unlock()
	return id, runner.WriteSentinel(sc.Directory, runner.SentinelStarted)
}

// testHooks records every hook call as "<hook>:<job>".
type testHooks struct {
	DefaultHooks

	mu          sync.Mutex
	backend     *mockBackend
	calls       []string
	preprocess  HookResult
	postprocess []HookResult
	runErr      error
	finalizeErr error
}

func (h *testHooks) record(hook string, j *Job) {
	h.mu.Lock()
	h.calls = append(h.calls, hook+":"+j.Name())
	h.mu.Unlock()
}

func (h *testHooks) called(hook, job string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.calls {
		if c == hook+":"+job {
			n++
		}
	}
	return n
}

func (h *testHooks) Preprocess(_ context.Context, j *Job) (HookResult, error) {
	h.record("preprocess", j)
	return h.preprocess, nil
}

func (h *testHooks) Run(_ context.Context, j *Job) (runner.Runner, error) {
	h.record("run", j)
	if h.runErr != nil {
		return nil, h.runErr
	}
	return &mockRunner{b: h.backend}, nil
}

func (h *testHooks) Postprocess(_ context.Context, j *Job) (HookResult, error) {
	h.record("postprocess", j)
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.postprocess) == 0 {
		return Continue, nil
	}
	r := h.postprocess[0]
	h.postprocess = h.postprocess[1:]
	return r, nil
}

func (h *testHooks) Finalize(_ context.Context, j *Job) error {
	h.record("finalize", j)
	return h.finalizeErr
}

func (h *testHooks) Complete(_ context.Context, j *Job) error {
	h.record("complete", j)
	return nil
}

func (h *testHooks) Archive(_ context.Context, j *Job) error {
	h.record("archive", j)
	return nil
}

func (h *testHooks) Expire(_ context.Context, j *Job) error {
	h.record("expire", j)
	return nil
}

type harness struct {
	t       *testing.T
	root    string
	cfg     *config.Config
	db      *jobdb.DB
	svc     *WebService
	hooks   *testHooks
	backend *mockBackend
	mail    *mailer.Recorder
}

const harnessConfig = `
general:
  admin_email: admin@example.org
  service_name: testsvc
backend:
  state_file: {root}/state
directories:
  incoming: {root}/incoming
  preprocessing: {root}/preprocessing
  running: {root}/running
  completed: {root}/completed
  failed: {root}/failed
oldjobs:
  archive: 30d
  expire: 90d
limits:
  running: {limit}
runner:
  sentinel_retries: {retries}
  sentinel_interval: {interval}
  cleanup_age: 1h
  sanity_ignore: ["*.keep"]
`

type harnessOpts struct {
	limit    int
	retries  int
	interval string
}

func newHarness(t *testing.T, opts ...func(*harnessOpts)) *harness {
	t.Helper()
	o := harnessOpts{limit: 5, retries: 2, interval: "1ms"}
	for _, fn := range opts {
		fn(&o)
	}

	root := t.TempDir()
	doc := strings.NewReplacer(
		"{root}", root,
		"{limit}", fmt.Sprint(o.limit),
		"{retries}", fmt.Sprint(o.retries),
		"{interval}", o.interval,
	).Replace(harnessConfig)
	cfg, err := config.Parse(strings.NewReader(doc))
	require.NoError(t, err)
	for _, d := range cfg.StateDirectories() {
		require.NoError(t, os.MkdirAll(d, 0o755))
	}

	ctx := context.Background()
	db, err := jobdb.Open(ctx, jobdb.Config{Path: filepath.Join(root, "jobs.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.CreateTables(ctx))

	backend := newMockBackend()
	reg := runner.NewRegistry()
	require.NoError(t, reg.Register(backend))

	hooks := &testHooks{backend: backend}
	rec := &mailer.Recorder{}
	svc, err := New(Options{
		Config:  cfg,
		DB:      db,
		Hooks:   hooks,
		Runners: reg,
		Mailer:  rec,
		Now:     func() time.Time { return testNow },
	})
	require.NoError(t, err)

	return &harness{t: t, root: root, cfg: cfg, db: db, svc: svc, hooks: hooks, backend: backend, mail: rec}
}

// addJob creates a job directory in the area for state and inserts the row.
func (h *harness) addJob(name string, state jobstate.Name, extra map[string]any) string {
	h.t.Helper()
	dir := filepath.Join(h.cfg.Directory(state), name)
	require.NoError(h.t, os.MkdirAll(dir, 0o755))
	row := map[string]any{
		"name":          name,
		"url":           "http://example.org/job/" + name,
		"submit_time":   testNow.Add(-time.Hour),
		"directory":     dir,
		"contact_email": name + "@example.org",
	}
	for k, v := range extra {
		row[k] = v
	}
	require.NoError(h.t, h.db.InsertJob(context.Background(), h.db.NewMetadata(row), state))
	return dir
}

func (h *harness) job(name string) *Job {
	h.t.Helper()
	j, err := h.svc.Job(context.Background(), name)
	require.NoError(h.t, err)
	return j
}
