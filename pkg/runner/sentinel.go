package runner

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SentinelFile is written into the job directory by the job wrapper.
const SentinelFile = "job-state"

// Sentinel values.
const (
	SentinelStarted = "STARTED"
	SentinelDone    = "DONE"
)

// ReadSentinel returns the trimmed contents of the job-state file, or ""
// if it does not exist.
func ReadSentinel(dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, SentinelFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("read job-state: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// SentinelDoneIn reports whether the job-state file says DONE.
func SentinelDoneIn(dir string) (bool, error) {
	s, err := ReadSentinel(dir)
	return s == SentinelDone, err
}

// WriteSentinel writes the job-state file.
func WriteSentinel(dir, value string) error {
	// #nosec G306 -- read by the frontend and by cluster jobs running as other users
	if err := os.WriteFile(filepath.Join(dir, SentinelFile), []byte(value+"\n"), 0o644); err != nil {
		return fmt.Errorf("write job-state: %w", err)
	}
	return nil
}

// RemoveSentinel deletes the job-state file if present.
func RemoveSentinel(dir string) error {
	err := os.Remove(filepath.Join(dir, SentinelFile))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove job-state: %w", err)
	}
	return nil
}
