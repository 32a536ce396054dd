package jobdb

import (
	"errors"
	"fmt"
)

// ErrJobNotFound indicates no row matched a job name.
var ErrJobNotFound = errors.New("job not found")

// UnknownFieldError is returned when setting a column the jobs table lacks.
type UnknownFieldError struct {
	Field string
}

// Error implements the error interface.
func (e *UnknownFieldError) Error() string {
	return fmt.Sprintf("unknown job field %q", e.Field)
}

// IsNotFound reports whether err indicates a missing job row.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrJobNotFound)
}

// IsUnknownField reports whether err is an UnknownFieldError.
func IsUnknownField(err error) bool {
	var ufe *UnknownFieldError
	return errors.As(err, &ufe)
}
