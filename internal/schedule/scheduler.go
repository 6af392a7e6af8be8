package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Scheduler drives the three timed concerns: the pre-market level recompute
// ticks, the trading session (bar stream), and the end-of-day cleanup. The
// cleanup runs on its own loop so it completes even after the stream closes.
type Scheduler struct {
	clock      Clock
	session    *Session
	refresh    func(ctx context.Context)
	runSession func(ctx context.Context) error
	cleanup    func(ctx context.Context)
	log        *slog.Logger
}

func NewScheduler(clock Clock, session *Session, refresh func(context.Context), runSession func(context.Context) error, cleanup func(context.Context), log *slog.Logger) *Scheduler {
	return &Scheduler{
		clock:      clock,
		session:    session,
		refresh:    refresh,
		runSession: runSession,
		cleanup:    cleanup,
		log:        log,
	}
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.recomputeLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		s.cleanupLoop(ctx)
	}()
	s.sessionLoop(ctx)
	wg.Wait()
}

func (s *Scheduler) recomputeLoop(ctx context.Context) {
	for {
		next := s.session.NextRecompute(s.clock.Now())
		if !s.waitUntil(ctx, next) {
			return
		}
		s.refresh(ctx)
	}
}

func (s *Scheduler) cleanupLoop(ctx context.Context) {
	for {
		next := s.session.NextCleanup(s.clock.Now())
		if !s.waitUntil(ctx, next) {
			return
		}
		s.cleanup(ctx)
	}
}

func (s *Scheduler) sessionLoop(ctx context.Context) {
	for {
		now := s.clock.Now()
		// A process started mid-session begins consuming immediately instead
		// of waiting for tomorrow's start.
		if !s.session.InSession(now) {
			if !s.waitUntil(ctx, s.session.NextStart(now)) {
				return
			}
		}

		dayCtx, cancel := context.WithCancel(ctx)
		end := s.session.SessionEnd(s.clock.Now())
		go func() {
			if s.waitUntil(dayCtx, end) {
				cancel()
			}
		}()

		s.log.Info("trading session starting", "end", end)
		if err := s.runSession(dayCtx); err != nil && err != context.Canceled {
			s.log.Error("session stream stopped", "error", err)
		}
		cancel()

		if ctx.Err() != nil {
			return
		}
		// If the stream died early, sit out the rest of the day rather than
		// reconnecting into a partially-observed session.
		if !s.waitUntil(ctx, end) {
			return
		}
	}
}

func (s *Scheduler) waitUntil(ctx context.Context, at time.Time) bool {
	delay := at.Sub(s.clock.Now())
	if delay <= 0 {
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case <-s.clock.After(delay):
		return true
	}
}
