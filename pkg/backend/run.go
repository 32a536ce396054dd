package backend

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/3leaps/webjobd/pkg/events"
	"github.com/3leaps/webjobd/pkg/mailer"
)

type stopper interface {
	Stop()
}

// Run claims the state file and dispatches events until ctx is cancelled.
//
// A fatal error marks the state file FAILED, mails the admin and is
// returned; the service will then refuse to start until an operator
// clears the state file. A clean shutdown removes the state file.
func (s *WebService) Run(ctx context.Context) error {
	sf := newStateFile(s.cfg.Backend.StateFile, s.cfg.Backend.StateFileLock)
	if err := sf.claim(); err != nil {
		return err
	}
	s.logger.Info("service started",
		zap.String("service", s.cfg.ServiceName),
		zap.Int("pid", sf.pid),
		zap.Strings("runners", s.runners.Names()))

	loopCtx, cancel := context.WithCancel(ctx)
	stopProducers, err := s.startProducers(loopCtx)
	if err != nil {
		cancel()
		sf.release()
		return err
	}

	err = s.dispatch(loopCtx)

	cancel()
	stopProducers()
	s.stopRunners()

	if err != nil {
		s.handleFatal(ctx, sf, err)
		return err
	}
	sf.release()
	s.logger.Info("service stopped")
	return nil
}

// startProducers starts the timers and, when a socket is configured, the
// control listener, which then doubles as the incoming timer.
func (s *WebService) startProducers(ctx context.Context) (func(), error) {
	var stops []func()
	rc := s.cfg.Runner

	if s.cfg.Socket != "" {
		l, err := events.Listen(s.cfg.Socket, s.queue, s.cfg.CheckInterval(), s.logger)
		if err != nil {
			return nil, err
		}
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := l.Serve(ctx); err != nil {
				s.logger.Error("control socket failed", zap.Error(err))
			}
		}()
		stops = append(stops, func() {
			_ = l.Close()
			<-done
		})
	} else {
		stops = append(stops, events.StartPeriodic(ctx, s.queue, s.cfg.CheckInterval(), events.Event{Kind: events.Incoming}))
	}
	stops = append(stops,
		events.StartPeriodic(ctx, s.queue, rc.OldJobInterval, events.Event{Kind: events.OldJobs}),
		events.StartPeriodic(ctx, s.queue, rc.CleanupInterval, events.Event{Kind: events.CleanupIncoming}),
		events.StartPeriodic(ctx, s.queue, rc.SanityInterval, events.Event{Kind: events.SanityCheck}),
	)

	// catch up on whatever happened while we were down
	s.queue.Put(events.Event{Kind: events.SanityCheck})
	s.queue.Put(events.Event{Kind: events.Incoming})
	s.queue.Put(events.Event{Kind: events.OldJobs})

	return func() {
		for _, stop := range stops {
			stop()
		}
	}, nil
}

// dispatch drains the queue until ctx is done. Handlers run on a context
// that outlives ctx so that a shutdown never interrupts a half-finished
// transition.
func (s *WebService) dispatch(ctx context.Context) error {
	work := context.WithoutCancel(ctx)
	for {
		ev, err := s.queue.Wait(ctx)
		if err != nil {
			return nil
		}
		if err := s.Handle(work, ev); err != nil {
			return err
		}
	}
}

// Handle processes one event. Any returned error is fatal.
func (s *WebService) Handle(ctx context.Context, ev events.Event) error {
	s.logger.Debug("event", zap.Stringer("kind", ev.Kind), zap.String("job", ev.JobName))
	var err error
	switch ev.Kind {
	case events.Incoming:
		if err = s.ProcessIncomingJobs(ctx); err == nil {
			err = s.CheckCompletedJobs(ctx)
		}
		if err == nil {
			s.lastSweep.Store(s.now().UnixNano())
		}
	case events.CompletedJob:
		err = s.HandleCompleted(ctx, ev)
	case events.OldJobs:
		err = s.ProcessOldJobs(ctx)
	case events.CleanupIncoming:
		err = s.CleanupIncoming(ctx)
	case events.SanityCheck:
		err = s.SanityCheck(ctx)
	default:
		s.logger.Warn("ignoring unknown event", zap.Stringer("kind", ev.Kind))
	}
	if err == nil || IsFatal(err) {
		return err
	}
	return &FatalError{Job: ev.JobName, Err: err}
}

func (s *WebService) handleFatal(ctx context.Context, sf *stateFile, err error) {
	s.logger.Error("fatal error, halting service", zap.Error(err))
	if merr := sf.markFailed(err); merr != nil {
		s.logger.Error("cannot record failure in state file", zap.Error(merr))
	}
	sf.releaseLock()
	s.sendAdmin(context.WithoutCancel(ctx), mailer.Message{
		Subject: fatalSubject(s.cfg.ServiceName, err),
		Body: fmt.Sprintf("The %s backend has stopped because of an unrecoverable error.\n"+
			"It will not restart until the state file %s is removed.\n\n%s\n",
			s.cfg.ServiceName, s.cfg.Backend.StateFile, describeFailure("dispatch", unwrapFatal(err))),
	})
}

func unwrapFatal(err error) error {
	var fe *FatalError
	if errors.As(err, &fe) && fe.Original == "" && fe.Job == "" {
		return fe.Err
	}
	return err
}

func (s *WebService) stopRunners() {
	for _, name := range s.runners.Names() {
		b, err := s.runners.Lookup(name)
		if err != nil {
			continue
		}
		if st, ok := b.(stopper); ok {
			st.Stop()
		}
	}
}
