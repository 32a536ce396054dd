package cmd

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/3leaps/webjobd/pkg/jobstate"
)

const cliServiceConfig = `
general:
  admin_email: admin@example.org
  service_name: clisvc
backend:
  state_file: state
database:
  path: jobs.db
directories:
  incoming: incoming
  preprocessing: preprocessing
  completed: completed
  failed: failed
oldjobs:
  archive: 30d
  expire: 90d
runner:
  default: donothing
`

type cliFixture struct {
	root string
	env  *serviceEnv
}

// newCLIFixture writes a service config under a temp dir, points the
// --service-config flag at it and opens the service.
func newCLIFixture(t *testing.T) *cliFixture {
	t.Helper()
	return newCLIFixtureConfig(t, cliServiceConfig)
}

func newCLIFixtureConfig(t *testing.T, doc string) *cliFixture {
	t.Helper()
	root := t.TempDir()
	path := filepath.Join(root, "service.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	orig := serviceConfigPath
	serviceConfigPath = path
	t.Cleanup(func() { serviceConfigPath = orig })

	ctx := context.Background()
	env, err := openServiceEnv(ctx, envOptions{noMail: true})
	require.NoError(t, err)
	t.Cleanup(env.Close)
	require.NoError(t, env.db.CreateTables(ctx))
	for _, d := range env.cfg.StateDirectories() {
		require.NoError(t, os.MkdirAll(d, 0o755))
	}
	return &cliFixture{root: root, env: env}
}

func (f *cliFixture) addJob(t *testing.T, name string, state jobstate.Name) string {
	t.Helper()
	dir := filepath.Join(f.env.cfg.Directory(state), name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	row := map[string]any{
		"name":        name,
		"submit_time": time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		"directory":   dir,
	}
	require.NoError(t, f.env.db.InsertJob(context.Background(), f.env.db.NewMetadata(row), state))
	return dir
}

// markRunning records this test process as the live daemon.
func (f *cliFixture) markRunning(t *testing.T) {
	t.Helper()
	require.NoError(t, os.WriteFile(f.env.cfg.Backend.StateFile, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644))
}

func (f *cliFixture) state(t *testing.T, name string) jobstate.Name {
	t.Helper()
	j, err := f.env.svc.Job(context.Background(), name)
	require.NoError(t, err)
	return j.State()
}
