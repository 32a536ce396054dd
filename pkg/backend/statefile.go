package backend

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/3leaps/webjobd/pkg/runner"
)

const failedMarker = "FAILED"

// StateFileStatus is what a state file says about the daemon.
type StateFileStatus struct {
	// PID is the recorded process, or 0.
	PID int

	// Alive reports whether PID is a running process.
	Alive bool

	// Failure holds the recorded fatal error when a previous run halted.
	Failure string
}

// Running reports whether a live daemon owns the file.
func (s StateFileStatus) Running() bool { return s.PID > 0 && s.Alive }

// ReadStateFile inspects a state file. A missing file is a zero status.
func ReadStateFile(path string) (StateFileStatus, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return StateFileStatus{}, nil
		}
		return StateFileStatus{}, fmt.Errorf("read state file: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if strings.HasPrefix(text, failedMarker) {
		failure := strings.TrimSpace(strings.TrimPrefix(text, failedMarker))
		failure = strings.TrimSpace(strings.TrimPrefix(failure, ":"))
		if failure == "" {
			failure = "unknown failure"
		}
		return StateFileStatus{Failure: failure}, nil
	}
	pid, err := strconv.Atoi(text)
	if err != nil {
		return StateFileStatus{}, nil
	}
	return StateFileStatus{PID: pid, Alive: runner.ProcessAlive(pid)}, nil
}

// stateFile is the single-instance marker. It is advisory: two processes
// racing through claim can both succeed, unless the optional flock is on.
type stateFile struct {
	path string
	lock bool
	pid  int

	lockFile *os.File
}

func newStateFile(path string, lock bool) *stateFile {
	return &stateFile{path: path, lock: lock, pid: os.Getpid()}
}

// claim records this process in the state file, refusing when a previous
// run failed or another instance is alive.
func (s *stateFile) claim() error {
	if s.lock {
		if err := s.acquireLock(); err != nil {
			return err
		}
	}
	st, err := ReadStateFile(s.path)
	if err != nil {
		s.releaseLock()
		return &StateFileError{Path: s.path, Msg: err.Error()}
	}
	if st.Failure != "" {
		s.releaseLock()
		return &StateFileError{Path: s.path, Msg: "a previous run failed with an unrecoverable error; " +
			"fix the problem and remove the state file before restarting. The error was:\n" + st.Failure}
	}
	if st.Running() && st.PID != s.pid {
		s.releaseLock()
		return &StateFileError{Path: s.path, Msg: fmt.Sprintf("another instance (pid %d) is already running", st.PID)}
	}
	if err := writeFileAtomic(s.path, strconv.Itoa(s.pid)+"\n"); err != nil {
		s.releaseLock()
		return &StateFileError{Path: s.path, Msg: err.Error()}
	}
	return nil
}

// release removes the state file if it still names this process.
func (s *stateFile) release() {
	if st, err := ReadStateFile(s.path); err == nil && st.PID == s.pid && st.Failure == "" {
		_ = os.Remove(s.path)
	}
	s.releaseLock()
}

// markFailed records a fatal error, halting future runs.
func (s *stateFile) markFailed(err error) error {
	return writeFileAtomic(s.path, failedMarker+": "+err.Error()+"\n")
}

func (s *stateFile) acquireLock() error {
	// #nosec G304 -- path comes from service configuration
	f, err := os.OpenFile(s.path+".lock", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return &StateFileError{Path: s.path, Msg: fmt.Sprintf("open lock file: %v", err)}
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		return &StateFileError{Path: s.path, Msg: fmt.Sprintf("lock held by another process: %v", err)}
	}
	s.lockFile = f
	return nil
}

func (s *stateFile) releaseLock() {
	if s.lockFile == nil {
		return
	}
	_ = unix.Flock(int(s.lockFile.Fd()), unix.LOCK_UN)
	_ = s.lockFile.Close()
	s.lockFile = nil
}

// writeFileAtomic writes via a temp file and rename so readers never see a
// partial file.
func writeFileAtomic(path, content string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".state-*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close state file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}
