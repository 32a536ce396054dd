package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/3leaps/webjobd/pkg/runner"
)

// ScriptHooks runs a script shipped in each job directory on one named
// backend. It is the hook set the webjobd daemon installs when a service
// does not bring its own.
type ScriptHooks struct {
	DefaultHooks

	// Backend is the registry name jobs are submitted to.
	Backend string

	// Script is the job script, relative to the job directory.
	Script string

	// ClusterOptions are joined into one scheduler directive line.
	ClusterOptions []string
}

// Run builds a runner for the configured backend.
func (h ScriptHooks) Run(_ context.Context, j *Job) (runner.Runner, error) {
	b, err := j.svc.runners.Lookup(h.Backend)
	if err != nil {
		return nil, err
	}
	script := h.Script
	if script == "" {
		script = "run.sh"
	}

	switch bk := b.(type) {
	case *runner.DoNothing:
		return bk.Runner(), nil
	case *runner.LocalBackend:
		if _, err := os.Stat(filepath.Join(j.Directory(), script)); err != nil {
			return nil, fmt.Errorf("job script: %w", err)
		}
		return bk.Command("/bin/sh", script), nil
	case *runner.ClusterBackend:
		body, err := os.ReadFile(filepath.Join(j.Directory(), script))
		if err != nil {
			return nil, fmt.Errorf("job script: %w", err)
		}
		r := bk.NewRunner(string(body))
		if len(h.ClusterOptions) > 0 {
			r.SetOptions(strings.Join(h.ClusterOptions, " "))
		}
		return r, nil
	case *runner.RESTBackend:
		return restSubmission(bk, j)
	default:
		return nil, fmt.Errorf("backend %s cannot run job scripts", h.Backend)
	}
}

// restSubmission forwards every regular file of the job directory, plus the
// submitted parameters, to the remote service.
func restSubmission(b *runner.RESTBackend, j *Job) (runner.Runner, error) {
	entries, err := os.ReadDir(j.Directory())
	if err != nil {
		return nil, err
	}
	r := b.NewRunner()
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || name == runner.SentinelFile || name == FrameworkLog {
			continue
		}
		r.AddFile("input", name)
	}
	values := j.md.Values()
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == "user" || k == "contact_email" || extraField(j, k) {
			if s := j.md.String(k); s != "" {
				r.AddField(k, s)
			}
		}
	}
	return r, nil
}

func extraField(j *Job, name string) bool {
	for _, f := range j.svc.cfg.ExtraFields {
		if f.Name == name {
			return true
		}
	}
	return false
}
