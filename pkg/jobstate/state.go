// Package jobstate implements the job lifecycle state machine.
//
// A job moves along a single linear pipeline. The only branches are the
// explicit "skip run" edge out of PREPROCESSING, the "reschedule" edge out of
// POSTPROCESSING, and FAILED, which is reachable from every state.
package jobstate

import (
	"fmt"
	"strings"
)

// Name is the persisted name of a job state.
//
// NOTE: These values are stored in the jobs.state column and are part of the
// stable database contract shared with the web frontend.
type Name string

const (
	Incoming       Name = "INCOMING"
	Preprocessing  Name = "PREPROCESSING"
	Running        Name = "RUNNING"
	Postprocessing Name = "POSTPROCESSING"
	Finalizing     Name = "FINALIZING"
	Completed      Name = "COMPLETED"
	Archived       Name = "ARCHIVED"
	Expired        Name = "EXPIRED"
	Failed         Name = "FAILED"
)

// All lists every state in pipeline order, with FAILED last.
var All = []Name{
	Incoming, Preprocessing, Running, Postprocessing, Finalizing,
	Completed, Archived, Expired, Failed,
}

// validTransitions maps each state to the states it may move to.
// FAILED is handled separately since it is always reachable.
var validTransitions = map[Name][]Name{
	Incoming:       {Preprocessing},
	Preprocessing:  {Running, Completed},
	Running:        {Postprocessing},
	Postprocessing: {Finalizing, Completed, Running},
	Finalizing:     {Completed},
	Completed:      {Archived},
	Archived:       {Expired},
	Failed:         {Incoming},
}

// InvalidStateError reports an unknown state name or an illegal transition.
type InvalidStateError struct {
	From Name
	To   Name
	Msg  string
}

// Error implements the error interface.
func (e *InvalidStateError) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	return fmt.Sprintf("Cannot transition from %s to %s", e.From, e.To)
}

// Parse validates a state name, accepting any case.
func Parse(s string) (Name, error) {
	n := Name(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := validTransitions[n]; ok || n == Expired {
		return n, nil
	}
	return "", &InvalidStateError{Msg: fmt.Sprintf("%s is not in %v", s, All)}
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Name) bool {
	if to == Failed {
		return true
	}
	for _, n := range validTransitions[from] {
		if n == to {
			return true
		}
	}
	return false
}

// State is the current state of one job.
type State struct {
	current Name
}

// New returns a State for the named state.
func New(name string) (*State, error) {
	n, err := Parse(name)
	if err != nil {
		return nil, err
	}
	return &State{current: n}, nil
}

// Get returns the current state name.
func (s *State) Get() Name {
	return s.current
}

// String implements fmt.Stringer.
func (s *State) String() string {
	return "<JobState " + string(s.current) + ">"
}

// Transition moves to the given state, failing with InvalidStateError if the
// edge is not in the transition table.
func (s *State) Transition(to Name) error {
	if !CanTransition(s.current, to) {
		return &InvalidStateError{From: s.current, To: to}
	}
	s.current = to
	return nil
}

// IsTerminalSuccess reports whether a parent in this state satisfies a
// dependency edge.
func IsTerminalSuccess(n Name) bool {
	return n == Completed || n == Archived || n == Expired
}
