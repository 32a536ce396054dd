package events

import (
	"context"
	"time"
)

// StartPeriodic enqueues e every interval until ctx is done or the returned
// stop function is called. Stop waits for the goroutine to exit.
func StartPeriodic(ctx context.Context, q *Queue, interval time.Duration, e Event) func() {
	if q == nil || interval <= 0 {
		return func() {}
	}

	t := time.NewTicker(interval)
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-t.C:
				q.Put(e)
			}
		}
	}()

	return func() {
		t.Stop()
		select {
		case <-done:
		default:
			close(done)
		}
		<-stopped
	}
}
