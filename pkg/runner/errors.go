package runner

import (
	"errors"
	"fmt"
)

// RunnerError reports a failure of the execution system itself, as opposed
// to the job's own script failing.
type RunnerError struct {
	// Runner is the backend name, when known.
	Runner string

	// RunID is the run the failure concerns, if any.
	RunID string

	Msg string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *RunnerError) Error() string {
	msg := e.Msg
	if e.Runner != "" && e.RunID != "" {
		msg = fmt.Sprintf("%s: %s", FormatID(e.Runner, e.RunID), msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *RunnerError) Unwrap() error {
	return e.Err
}

// IsRunnerError reports whether err is a RunnerError.
func IsRunnerError(err error) bool {
	var re *RunnerError
	return errors.As(err, &re)
}
