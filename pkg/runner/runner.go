// Package runner abstracts how a job's computation actually executes.
//
// A Backend is a long-lived, named execution service (a batch queue, the
// local host, a remote instance of this service) registered once at
// startup. A Runner is a prepared execution for one job, built by a job's
// run hook from one of the backends, and submitted exactly once. The run ID
// returned by Submit is persisted as "<backend>:<run-id>" so that the run
// can be tracked after a restart.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Status is a backend's view of a submitted run.
type Status int

const (
	// StatusRunning means the run is queued or executing.
	StatusRunning Status = iota
	// StatusDone means the backend saw the run finish.
	StatusDone
	// StatusUnknown means the backend has no record of the run, which is
	// normal once a batch system purges finished jobs. Callers treat it
	// like StatusRunning and rely on the job-state file.
	StatusUnknown
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusDone:
		return "done"
	case StatusUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

var (
	// ErrDuplicateRunner is returned when two backends share a name.
	ErrDuplicateRunner = errors.New("duplicate runner name")
	// ErrUnknownRunner is returned when a run ID names no registered backend.
	ErrUnknownRunner = errors.New("unknown runner")
	// ErrRegistryFrozen is returned when registering after startup.
	ErrRegistryFrozen = errors.New("runner registry is frozen")
)

// CompletionSink receives notifications from backend waiters. The
// dispatcher's event queue implements it.
type CompletionSink interface {
	Completed(runner, runID string, err error)
}

// SubmitContext carries what a runner needs to start one job.
type SubmitContext struct {
	// JobName is the job being run.
	JobName string
	// Directory is the job's working directory; runs start there.
	Directory string
	// Sink is notified when a waiter sees the run finish. May be nil.
	Sink CompletionSink
}

// Runner is a prepared execution for one job.
type Runner interface {
	// Backend names the registered backend that tracks this run.
	Backend() string
	// Submit starts the run and returns its backend-specific ID.
	Submit(ctx context.Context, sc SubmitContext) (string, error)
}

// Backend tracks runs it submitted.
type Backend interface {
	Name() string
	// CheckCompleted reports the state of a run. A run the backend has no
	// record of is StatusUnknown, not an error.
	CheckCompleted(ctx context.Context, runID, directory string) (Status, error)
}

// Registry maps backend names to backends. It is populated at startup and
// then frozen.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
	frozen   bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

// Register adds a backend. Duplicate names are rejected.
func (r *Registry) Register(b Backend) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrRegistryFrozen
	}
	name := b.Name()
	if name == "" || strings.Contains(name, ":") {
		return fmt.Errorf("invalid runner name %q", name)
	}
	if _, ok := r.backends[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateRunner, name)
	}
	r.backends[name] = b
	return nil
}

// Freeze prevents further registration.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Lookup returns the backend registered under name.
func (r *Registry) Lookup(name string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRunner, name)
	}
	return b, nil
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.backends))
	for n := range r.backends {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// FormatID joins a backend name and run ID for storage.
func FormatID(backend, runID string) string {
	return backend + ":" + runID
}

// ParseID splits a stored runner ID on its first colon; run IDs may
// themselves contain colons.
func ParseID(s string) (backend, runID string, err error) {
	backend, runID, ok := strings.Cut(s, ":")
	if !ok || backend == "" {
		return "", "", fmt.Errorf("malformed runner id %q", s)
	}
	return backend, runID, nil
}
