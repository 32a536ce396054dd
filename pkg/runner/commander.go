package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Commander runs batch-system command line tools.
type Commander interface {
	// Run executes name with args in dir and returns its combined output.
	// A non-zero exit is reported as *ExitError with the output attached.
	Run(ctx context.Context, dir, name string, args ...string) (string, error)
}

// ExitError reports a command that ran but exited non-zero.
type ExitError struct {
	Command string
	Code    int
	Output  string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with status %d: %s", e.Command, e.Code, strings.TrimSpace(e.Output))
}

// ExecCommander runs commands with os/exec.
type ExecCommander struct{}

// Run implements Commander.
func (ExecCommander) Run(ctx context.Context, dir, name string, args ...string) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	// #nosec G204 -- batch tool names come from service configuration
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	if err == nil {
		return out.String(), nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return out.String(), &ExitError{Command: name, Code: ee.ExitCode(), Output: out.String()}
	}
	return out.String(), fmt.Errorf("run %s: %w", name, err)
}
