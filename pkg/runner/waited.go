package runner

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNotWaited is returned when removing a run that is not in the set.
var ErrNotWaited = errors.New("run is not being waited on")

// WaitedJobs is the set of run IDs a backend's own waiter goroutines are
// watching. While a run is in the set, the backend reports it as running
// and leaves completion to the waiter.
type WaitedJobs struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

// NewWaitedJobs returns an empty set.
func NewWaitedJobs() *WaitedJobs {
	return &WaitedJobs{ids: make(map[string]struct{})}
}

// Add inserts a run ID.
func (w *WaitedJobs) Add(id string) {
	w.mu.Lock()
	w.ids[id] = struct{}{}
	w.mu.Unlock()
}

// Remove deletes a run ID; it is an error if it is not present.
func (w *WaitedJobs) Remove(id string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.ids[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotWaited, id)
	}
	delete(w.ids, id)
	return nil
}

// Contains reports whether id is being waited on.
func (w *WaitedJobs) Contains(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.ids[id]
	return ok
}

// Len returns the number of waited runs.
func (w *WaitedJobs) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.ids)
}
