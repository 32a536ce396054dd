// Package events provides the FIFO event queue drained by the dispatcher,
// and the producers that feed it: periodic timers and the local control
// socket. Producers only enqueue; all job state changes happen on the
// single goroutine that drains the queue.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Kind identifies what the dispatcher should do with an event.
type Kind int

const (
	// Incoming asks for a sweep of INCOMING and RUNNING jobs.
	Incoming Kind = iota + 1
	// CleanupIncoming asks for removal of stale incoming directories.
	CleanupIncoming
	// OldJobs asks for the archive/expire sweep.
	OldJobs
	// CompletedJob reports that a runner saw one of its jobs finish.
	CompletedJob
	// SanityCheck asks for a filesystem consistency check.
	SanityCheck
)

func (k Kind) String() string {
	switch k {
	case Incoming:
		return "incoming"
	case CleanupIncoming:
		return "cleanup_incoming"
	case OldJobs:
		return "old_jobs"
	case CompletedJob:
		return "completed_job"
	case SanityCheck:
		return "sanity_check"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event is one unit of work for the dispatcher.
type Event struct {
	Kind Kind

	// Runner and RunID identify the run for CompletedJob events.
	Runner string
	RunID  string

	// Err is set when the runner observed a failure.
	Err error

	// JobName is an optional hint from the control socket.
	JobName string
}

// Queue is an unbounded, goroutine-safe FIFO of events.
type Queue struct {
	mu     sync.Mutex
	items  []Event
	notify chan struct{}

	onDepth func(int)
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

// SetDepthObserver registers fn to be called with the queue length after
// every Put and Get.
func (q *Queue) SetDepthObserver(fn func(int)) {
	q.mu.Lock()
	q.onDepth = fn
	q.mu.Unlock()
}

// Put appends an event.
func (q *Queue) Put(e Event) {
	q.mu.Lock()
	q.items = append(q.items, e)
	n, obs := len(q.items), q.onDepth
	q.mu.Unlock()

	if obs != nil {
		obs(n)
	}
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Completed enqueues a CompletedJob event. Runner waiters call this.
func (q *Queue) Completed(runner, runID string, err error) {
	q.Put(Event{Kind: CompletedJob, Runner: runner, RunID: runID, Err: err})
}

func (q *Queue) pop() (Event, bool) {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return Event{}, false
	}
	e := q.items[0]
	q.items[0] = Event{}
	q.items = q.items[1:]
	n, obs := len(q.items), q.onDepth
	q.mu.Unlock()

	if obs != nil {
		obs(n)
	}
	return e, true
}

// Get removes and returns the oldest event, waiting up to timeout for one to
// arrive. It returns false if the queue is still empty after timeout.
func (q *Queue) Get(timeout time.Duration) (Event, bool) {
	if e, ok := q.pop(); ok {
		return e, true
	}
	if timeout <= 0 {
		return Event{}, false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-q.notify:
			if e, ok := q.pop(); ok {
				return e, true
			}
		case <-timer.C:
			return q.pop()
		}
	}
}

// Wait blocks until an event is available or ctx is done.
func (q *Queue) Wait(ctx context.Context) (Event, error) {
	for {
		if e, ok := q.pop(); ok {
			return e, nil
		}
		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-q.notify:
		}
	}
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
