package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/webjobd/pkg/backend"
	"github.com/3leaps/webjobd/pkg/jobdb"
	"github.com/3leaps/webjobd/pkg/jobstate"
)

var (
	jobsStates  []string
	jobsFormat  string
	jobsForce   bool
	jobsNoEmail bool
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and administer jobs",
	Long: `Operator tools that act on the job database and job directories directly.

Examples:
  webjobd jobs list --state FAILED
  webjobd jobs fail -n 3f1c0e
  webjobd jobs delete EXPIRED 3f1c0e 9a7d21
  webjobd jobs resubmit 3f1c0e`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs by state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withServiceEnv(cmd, func(ctx context.Context, env *serviceEnv) error {
			return listJobs(ctx, cmd.OutOrStdout(), env.svc, jobsStates, jobsFormat)
		})
	},
}

var jobsFailCmd = &cobra.Command{
	Use:   "fail NAME...",
	Short: "Force jobs into the FAILED state",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withServiceEnv(cmd, func(ctx context.Context, env *serviceEnv) error {
			p := newPrompter(cmd.InOrStdin(), cmd.OutOrStdout(), jobsForce)
			return failJobs(ctx, p, env.svc, args, !jobsNoEmail)
		})
	},
}

var jobsDeleteCmd = &cobra.Command{
	Use:   "delete STATE NAME...",
	Short: "Delete jobs in a given state",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withServiceEnv(cmd, func(ctx context.Context, env *serviceEnv) error {
			p := newPrompter(cmd.InOrStdin(), cmd.OutOrStdout(), jobsForce)
			return deleteJobs(ctx, p, env.svc, args[0], args[1:])
		})
	},
}

var jobsResubmitCmd = &cobra.Command{
	Use:   "resubmit NAME...",
	Short: "Resubmit FAILED jobs",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withServiceEnv(cmd, func(ctx context.Context, env *serviceEnv) error {
			p := newPrompter(cmd.InOrStdin(), cmd.OutOrStdout(), jobsForce)
			return resubmitJobs(ctx, p, env.svc, args)
		})
	},
}

var jobsDeleteAllCmd = &cobra.Command{
	Use:   "delete-all",
	Short: "Delete every job and its directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withServiceEnv(cmd, func(ctx context.Context, env *serviceEnv) error {
			p := newPrompter(cmd.InOrStdin(), cmd.OutOrStdout(), jobsForce)
			return deleteAllJobs(ctx, p, env.svc)
		})
	},
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd, jobsFailCmd, jobsDeleteCmd, jobsResubmitCmd, jobsDeleteAllCmd)

	jobsListCmd.Flags().StringSliceVar(&jobsStates, "state", nil, "Only list jobs in these states (repeatable)")
	jobsListCmd.Flags().StringVar(&jobsFormat, "format", "table", "Output format: table, json, yaml")

	for _, c := range []*cobra.Command{jobsFailCmd, jobsDeleteCmd, jobsResubmitCmd, jobsDeleteAllCmd} {
		c.Flags().BoolVarP(&jobsForce, "force", "f", false, "Do not prompt for confirmation")
	}
	jobsFailCmd.Flags().BoolVarP(&jobsNoEmail, "no-email", "n", false, "Do not email the administrator")
}

// withServiceEnv opens the service for one operator command. Mail is left
// on so admin-failed jobs still notify unless -n is given.
func withServiceEnv(cmd *cobra.Command, fn func(context.Context, *serviceEnv) error) error {
	ctx := commandContext(cmd)
	env, err := openServiceEnv(ctx, envOptions{})
	if err != nil {
		return err
	}
	defer env.Close()
	return fn(ctx, env)
}

// prompter asks yes/no questions unless forced.
type prompter struct {
	in    *bufio.Reader
	out   io.Writer
	force bool
}

func newPrompter(in io.Reader, out io.Writer, force bool) *prompter {
	return &prompter{in: bufio.NewReader(in), out: out, force: force}
}

func (p *prompter) answer(question string) string {
	_, _ = fmt.Fprint(p.out, question)
	line, _ := p.in.ReadString('\n')
	return strings.TrimSpace(line)
}

func (p *prompter) confirm(question string) bool {
	if p.force {
		return true
	}
	a := strings.ToLower(p.answer(question))
	return a == "y" || a == "yes"
}

func daemonRunning(svc *backend.WebService) (int, error) {
	st, err := backend.ReadStateFile(svc.Config().Backend.StateFile)
	if err != nil {
		return 0, err
	}
	if st.Running() {
		return st.PID, nil
	}
	return 0, nil
}

type jobListing struct {
	Name       string     `json:"name" yaml:"name"`
	State      string     `json:"state" yaml:"state"`
	SubmitTime *time.Time `json:"submit_time,omitempty" yaml:"submit_time,omitempty"`
	Failure    string     `json:"failure,omitempty" yaml:"failure,omitempty"`
}

func listJobs(ctx context.Context, w io.Writer, svc *backend.WebService, states []string, format string) error {
	names := jobstate.All
	if len(states) > 0 {
		names = make([]jobstate.Name, 0, len(states))
		for _, s := range states {
			st, err := jobstate.Parse(s)
			if err != nil {
				return exitWith(ExitUsage, err)
			}
			names = append(names, st)
		}
	}

	var out []jobListing
	for _, st := range names {
		jobs, err := svc.JobsInState(ctx, st, jobdb.Query{OrderBy: "submit_time"})
		if err != nil {
			return exitWith(ExitUnavailable, err)
		}
		for _, j := range jobs {
			md := j.Metadata()
			out = append(out, jobListing{
				Name:       j.Name(),
				State:      string(st),
				SubmitTime: md.Time("submit_time"),
				Failure:    md.String("failure"),
			})
		}
	}

	switch strings.ToLower(format) {
	case "", "table":
		for _, l := range out {
			_, _ = fmt.Fprintf(w, "%-60s %s\n", l.Name, l.State)
		}
		return nil
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if out == nil {
			out = []jobListing{}
		}
		return enc.Encode(out)
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer func() { _ = enc.Close() }()
		return enc.Encode(out)
	default:
		return exitWith(ExitUsage, fmt.Errorf("unknown format %q (want table, json or yaml)", format))
	}
}

func failJobs(ctx context.Context, p *prompter, svc *backend.WebService, names []string, notify bool) error {
	if pid, err := daemonRunning(svc); err != nil {
		return exitWith(ExitFailure, err)
	} else if pid > 0 {
		return exitWith(ExitFailure, fmt.Errorf("cannot fail jobs while the service (pid %d) is running; stop it first", pid))
	}
	for _, name := range names {
		j, err := svc.Job(ctx, name)
		if err != nil {
			return exitWith(ExitFailure, fmt.Errorf("job %s: %w", name, err))
		}
		if !p.confirm(fmt.Sprintf("Fail job %s? ", name)) {
			continue
		}
		if err := j.AdminFail(ctx, "", notify); err != nil {
			return exitWith(ExitFailure, err)
		}
		_, _ = fmt.Fprintf(p.out, "Failed job %s\n", name)
	}
	return nil
}

func deleteJobs(ctx context.Context, p *prompter, svc *backend.WebService, stateArg string, names []string) error {
	st, err := jobstate.Parse(stateArg)
	if err != nil {
		return exitWith(ExitUsage, err)
	}
	if st != jobstate.Failed && st != jobstate.Expired {
		pid, err := daemonRunning(svc)
		if err != nil {
			return exitWith(ExitFailure, err)
		}
		if pid > 0 {
			return exitWith(ExitFailure, fmt.Errorf(
				"only FAILED or EXPIRED jobs can be deleted while the service (pid %d) is running", pid))
		}
	}
	for _, name := range names {
		j, err := svc.JobByName(ctx, st, name)
		if err != nil {
			return exitWith(ExitFailure, err)
		}
		if j == nil {
			return exitWith(ExitFailure, fmt.Errorf("no job %s in state %s", name, st))
		}
		if !p.confirm(fmt.Sprintf("Delete job %s? ", name)) {
			continue
		}
		if err := j.Delete(ctx); err != nil {
			return exitWith(ExitFailure, err)
		}
		_, _ = fmt.Fprintf(p.out, "Deleted job %s\n", name)
	}
	return nil
}

func resubmitJobs(ctx context.Context, p *prompter, svc *backend.WebService, names []string) error {
	for _, name := range names {
		j, err := svc.JobByName(ctx, jobstate.Failed, name)
		if err != nil {
			return exitWith(ExitFailure, err)
		}
		if j == nil {
			return exitWith(ExitFailure, fmt.Errorf("no job %s in state %s", name, jobstate.Failed))
		}
		if !p.confirm(fmt.Sprintf("Resubmit job %s? ", name)) {
			continue
		}
		if err := j.Resubmit(ctx); err != nil {
			return exitWith(ExitFailure, err)
		}
		_, _ = fmt.Fprintf(p.out, "Resubmitted job %s\n", name)
	}
	return nil
}

func deleteAllJobs(ctx context.Context, p *prompter, svc *backend.WebService) error {
	if !p.force {
		a := p.answer(fmt.Sprintf("This deletes ALL jobs of %s. Type YES to continue: ", svc.Config().ServiceName))
		if a != "YES" {
			_, _ = fmt.Fprintln(p.out, "Aborted")
			return nil
		}
	}
	n, err := svc.DeleteAllJobs(ctx)
	if err != nil {
		if backend.IsStateFileError(err) {
			return exitWith(ExitFailure, err)
		}
		return exitWith(ExitFailure, fmt.Errorf("deleted %d jobs before error: %w", n, err))
	}
	_, _ = fmt.Fprintf(p.out, "Deleted %d jobs\n", n)
	return nil
}
