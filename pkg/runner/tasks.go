package runner

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Tasks describes a batch array job: task indices first..last by step.
type Tasks struct {
	First int
	Last  int
	Step  int
}

// Count returns the number of tasks in the array.
func (t Tasks) Count() int {
	if t.Step <= 0 || t.Last < t.First {
		return 0
	}
	return (t.Last-t.First)/t.Step + 1
}

func (t Tasks) String() string {
	return fmt.Sprintf("%d-%d:%d", t.First, t.Last, t.Step)
}

var (
	sgeTasksRE   = regexp.MustCompile(`(?:^|\s)-t\s+(\d+)(?:-(\d+)(?::(\d+))?)?`)
	slurmTasksRE = regexp.MustCompile(`(?:^|\s)(?:-a\s+|--array[=\s]+)(\d+)(?:-(\d+)(?::(\d+))?)?`)
)

// ParseSGETasks extracts "-t first[-last[:step]]" from SGE options.
// ok is false when the options do not request an array job.
func ParseSGETasks(opts string) (Tasks, bool, error) {
	return parseTasks(sgeTasksRE, opts)
}

// ParseSLURMTasks extracts "-a first[-last[:step]]" (or --array) from
// sbatch options.
func ParseSLURMTasks(opts string) (Tasks, bool, error) {
	return parseTasks(slurmTasksRE, opts)
}

func parseTasks(re *regexp.Regexp, opts string) (Tasks, bool, error) {
	m := re.FindStringSubmatch(opts)
	if m == nil {
		return Tasks{}, false, nil
	}
	first, _ := strconv.Atoi(m[1])
	t := Tasks{First: first, Last: first, Step: 1}
	if m[2] != "" {
		t.Last, _ = strconv.Atoi(m[2])
	}
	if m[3] != "" {
		t.Step, _ = strconv.Atoi(m[3])
	}
	if t.Step <= 0 {
		return Tasks{}, false, fmt.Errorf("invalid task step in %q", opts)
	}
	if t.Last < t.First {
		return Tasks{}, false, fmt.Errorf("invalid task range in %q", opts)
	}
	return t, true, nil
}

// ComposeRunID collapses the per-task IDs a batch system reports for one
// array job into a single run ID: "<base><sep><first>-<last>:<step>". The
// base is the part of the first ID before sep. The number of IDs must match
// the task count.
func ComposeRunID(t Tasks, ids []string, sep string) (string, error) {
	if len(ids) != t.Count() {
		return "", fmt.Errorf("got %d task ids for %s, want %d", len(ids), t, t.Count())
	}
	if len(ids) == 0 {
		return "", fmt.Errorf("no task ids")
	}
	base, _, _ := strings.Cut(ids[0], sep)
	return base + sep + t.String(), nil
}

// SplitRunID returns the batch job ID underlying a run ID, dropping any
// task range suffix.
func SplitRunID(runID, sep string) (base string, tasks string) {
	base, tasks, _ = strings.Cut(runID, sep)
	return base, tasks
}
