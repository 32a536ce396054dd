package backend

import (
	"errors"
	"fmt"
)

// SanityError reports that the frontend or an earlier process left the
// database or filesystem inconsistent.
type SanityError struct {
	Msg string
}

func (e *SanityError) Error() string { return e.Msg }

// StateFileError reports that this process may not start: another instance
// is running, or an earlier run failed unrecoverably.
type StateFileError struct {
	Path string
	Msg  string
}

func (e *StateFileError) Error() string {
	return fmt.Sprintf("state file %s: %s", e.Path, e.Msg)
}

// FatalError is a failure outside any single job's recovery, or a failure
// of that recovery itself. The service halts on it.
type FatalError struct {
	// Job is the job being processed, if any.
	Job string

	// Original is the job failure that could not be recorded, if any.
	Original string

	Err error
}

func (e *FatalError) Error() string {
	msg := e.Err.Error()
	if e.Job != "" {
		msg = fmt.Sprintf("job %s: %s", e.Job, msg)
	}
	if e.Original != "" {
		msg += "\n\nThis error occurred while trying to handle this original error:\n" + e.Original
	}
	return msg
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *FatalError) Unwrap() error { return e.Err }

// IsSanityError reports whether err is a SanityError.
func IsSanityError(err error) bool {
	var se *SanityError
	return errors.As(err, &se)
}

// IsStateFileError reports whether err is a StateFileError.
func IsStateFileError(err error) bool {
	var se *StateFileError
	return errors.As(err, &se)
}

// IsFatal reports whether err is a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
