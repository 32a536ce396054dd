package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/3leaps/webjobd/pkg/jobdb"
	"github.com/3leaps/webjobd/pkg/jobstate"
)

// transientStates are held only while the dispatcher is inside one
// lifecycle operation. A job found in one at rest was left there by a crash.
var transientStates = []jobstate.Name{jobstate.Preprocessing, jobstate.Postprocessing, jobstate.Finalizing}

// SanityCheck fails jobs the database and filesystem disagree about, then
// checks the state directories themselves. Directory-level problems are
// returned as a SanityError.
func (s *WebService) SanityCheck(ctx context.Context) error {
	defer s.observe("sanity")()

	if err := s.checkJobs(ctx); err != nil {
		return err
	}
	return s.checkFilesystem(ctx)
}

func (s *WebService) checkJobs(ctx context.Context) error {
	for _, st := range transientStates {
		jobs, err := s.JobsInState(ctx, st, jobdb.Query{})
		if err != nil {
			return err
		}
		for _, j := range jobs {
			serr := &SanityError{Msg: fmt.Sprintf("Job %s is in state %s", j.Name(), st)}
			if err := j.guard(ctx, "sanity check", func() error { return serr }); err != nil {
				return err
			}
		}
	}

	for _, st := range jobstate.All {
		if st == jobstate.Expired || st == jobstate.Failed || isTransient(st) {
			continue
		}
		jobs, err := s.JobsInState(ctx, st, jobdb.Query{})
		if err != nil {
			return err
		}
		for _, j := range jobs {
			serr := s.checkJobDirectory(j)
			if serr == nil {
				continue
			}
			if err := j.guard(ctx, "sanity check", func() error { return serr }); err != nil {
				return err
			}
		}
	}
	return nil
}

func isTransient(st jobstate.Name) bool {
	for _, t := range transientStates {
		if t == st {
			return true
		}
	}
	return false
}

func (s *WebService) checkJobDirectory(j *Job) error {
	dir := j.Directory()
	if dir == "" {
		return nil
	}
	expected := []string{filepath.Join(s.cfg.Directory(j.State()), j.Name())}
	if j.State() == jobstate.Incoming {
		// resubmitted jobs wait in the preprocessing area
		expected = append(expected, filepath.Join(s.cfg.Directory(jobstate.Preprocessing), j.Name()))
	}
	ok := false
	for _, e := range expected {
		if filepath.Clean(dir) == e {
			ok = true
		}
	}
	if !ok {
		return &SanityError{Msg: fmt.Sprintf("Job %s is in state %s but its directory is %s, not %s",
			j.Name(), j.State(), dir, expected[0])}
	}
	fi, err := os.Stat(dir)
	if err != nil || !fi.IsDir() {
		return &SanityError{Msg: fmt.Sprintf("Job %s is in state %s but its directory %s does not exist",
			j.Name(), j.State(), dir)}
	}
	return nil
}

func (s *WebService) checkFilesystem(ctx context.Context) error {
	var problems []string
	for _, d := range s.cfg.StateDirectories() {
		fi, err := os.Stat(d)
		if err != nil || !fi.IsDir() {
			problems = append(problems, fmt.Sprintf("state directory %s does not exist", d))
		}
	}
	if len(problems) > 0 {
		return &SanityError{Msg: strings.Join(problems, "\n")}
	}

	owned, err := s.ownedDirectories(ctx)
	if err != nil {
		return err
	}
	incoming := filepath.Clean(s.cfg.Directory(jobstate.Incoming))
	for _, d := range s.cfg.StateDirectories() {
		if filepath.Clean(d) == incoming {
			continue
		}
		entries, err := os.ReadDir(d)
		if err != nil {
			return err
		}
		for _, e := range entries {
			path := filepath.Join(d, e.Name())
			if s.sanityIgnored(e.Name(), path) {
				continue
			}
			switch {
			case !e.IsDir():
				problems = append(problems, fmt.Sprintf("%s is not a job directory", path))
			case !owned[path]:
				problems = append(problems, fmt.Sprintf("%s does not belong to any job", path))
			}
		}
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return &SanityError{Msg: "Found unexpected entries in state directories:\n" + strings.Join(problems, "\n")}
	}
	return nil
}

// ownedDirectories collects the recorded directory of every job.
func (s *WebService) ownedDirectories(ctx context.Context) (map[string]bool, error) {
	owned := map[string]bool{}
	for _, st := range jobstate.All {
		if st == jobstate.Expired {
			continue
		}
		recs, err := s.db.JobsInState(ctx, st, jobdb.Query{})
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			if d := rec.Metadata.String("directory"); d != "" {
				owned[filepath.Clean(d)] = true
			}
		}
	}
	return owned, nil
}

func (s *WebService) sanityIgnored(name, path string) bool {
	for _, p := range s.cfg.Runner.SanityIgnore {
		if ok, _ := doublestar.Match(p, name); ok {
			return true
		}
		if ok, _ := doublestar.PathMatch(p, path); ok {
			return true
		}
	}
	return false
}
