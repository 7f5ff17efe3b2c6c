// Package sweeper expires dead sessions and drives their disposal. Any
// number of processes run the same loop against the shared store; the
// dispose test-and-set on the session record guarantees the dispose hook
// runs exactly once per session no matter how many sweepers race.
package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/remlab/remlab/pkg/metrics"
	"github.com/remlab/remlab/pkg/session"
	"github.com/remlab/remlab/pkg/store"
	"github.com/remlab/remlab/pkg/task"
)

// DisposeFunc is the laboratory's cleanup hook, invoked exactly once per
// session. Errors are logged, never retried: the session is gone either
// way.
type DisposeFunc func(ctx context.Context, sess *session.Session) error

// Defaults applied by New.
const (
	// DefaultInterval is half the default poll timeout, so a dead
	// session is noticed within one liveness window.
	DefaultInterval = session.DefaultPollTimeout / 2

	// DefaultGrace bounds how long an expired session may stay winding
	// down while its tasks ignore the stop request.
	DefaultGrace = 2 * time.Minute

	// maxBackoff caps the outage backoff between failed passes.
	maxBackoff = time.Minute

	// logEvery is how often a repeated store failure is logged at full
	// verbosity while the outage lasts.
	logEvery = 10
)

// Config tunes the sweeper.
type Config struct {
	// Interval between passes. Should be at most half the poll timeout.
	Interval time.Duration

	// Grace bounds the winding-down period for sessions with unfinished
	// tasks.
	Grace time.Duration
}

// Sweeper runs expiry passes over the session records.
type Sweeper struct {
	sessions *session.Manager
	tasks    *task.Service
	dispose  DisposeFunc
	cfg      Config
	log      *slog.Logger

	// now is replaceable in tests.
	now func() time.Time
}

// New creates a Sweeper. dispose may be nil when the laboratory has no
// cleanup to run.
func New(sessions *session.Manager, tasks *task.Service, dispose DisposeFunc, cfg Config, logger *slog.Logger) *Sweeper {
	if cfg.Interval == 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Grace == 0 {
		cfg.Grace = DefaultGrace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		sessions: sessions,
		tasks:    tasks,
		dispose:  dispose,
		cfg:      cfg,
		log:      logger.With("component", "sweeper"),
		now:      time.Now,
	}
}

// Stats summarizes one pass.
type Stats struct {
	// Scanned is the number of retained session records seen.
	Scanned int

	// Disposed is the number of sessions whose dispose hook ran in this
	// pass (this process won the test-and-set).
	Disposed int

	// Settled is the number of winding-down sessions marked fully done.
	Settled int
}

// RunOnce performs a single pass: expire dead current sessions, dispose
// the ones this process wins, and settle winding-down sessions whose
// tasks finished or whose grace lapsed.
func (s *Sweeper) RunOnce(ctx context.Context) (Stats, error) {
	var stats Stats

	sessions, err := s.sessions.List(ctx)
	if err != nil {
		return stats, err
	}
	stats.Scanned = len(sessions)

	for _, sess := range sessions {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		switch {
		case sess.Current() && !s.sessions.CheckLiveness(sess):
			if err := s.expire(ctx, sess.ID, &stats); err != nil {
				return stats, err
			}
		case !sess.Current() && !sess.DisposeAttempted:
			// Explicit logout: the record is already expired but nobody
			// has run disposal yet.
			if err := s.expire(ctx, sess.ID, &stats); err != nil {
				return stats, err
			}
		case !sess.Current() && sess.DisposeAttempted && !sess.DisposeDone:
			if err := s.settle(ctx, sess, &stats); err != nil {
				return stats, err
			}
		}
	}

	metrics.SweepPasses.Inc()
	return stats, nil
}

// expire transitions the session and, when this process wins the
// test-and-set, runs the dispose hook and requests a stop for the
// session's unfinished tasks.
func (s *Sweeper) expire(ctx context.Context, id string, stats *Stats) error {
	sess, winner, err := s.sessions.Expire(ctx, id)
	if errors.Is(err, session.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !winner {
		return nil
	}

	metrics.SessionsExpired.Inc()
	s.log.Info("session expired", "session", id, "exited", sess.Exited)

	if s.dispose != nil {
		metrics.DisposeInvocations.Inc()
		if err := s.dispose(ctx, sess); err != nil {
			// The hook failed; the session is still gone. Log and move
			// on rather than retry a hook that is not idempotent.
			s.log.Error("dispose hook failed", "session", id, "error", err)
		}
	}
	stats.Disposed++

	unfinished, err := s.tasks.UnfinishedBySession(ctx, id)
	if err != nil {
		return err
	}
	for _, t := range unfinished {
		if err := s.tasks.Stop(ctx, t.ID); err != nil && !errors.Is(err, task.ErrNotFound) {
			return err
		}
	}
	if len(unfinished) > 0 {
		// Winding down: the authority keeps seeing the lab as busy until
		// the tasks stop or the grace period lapses.
		s.log.Info("session winding down", "session", id, "unfinished_tasks", len(unfinished))
		return nil
	}

	if err := s.sessions.MarkDisposeDone(ctx, id); err != nil && !errors.Is(err, session.ErrNotFound) {
		return err
	}
	stats.Settled++
	return nil
}

// settle completes a winding-down session once its tasks finished or the
// grace window lapsed.
func (s *Sweeper) settle(ctx context.Context, sess *session.Session, stats *Stats) error {
	unfinished, err := s.tasks.UnfinishedBySession(ctx, sess.ID)
	if err != nil {
		return err
	}

	if len(unfinished) > 0 && s.now().Sub(sess.DisposedAt) < s.cfg.Grace {
		// Keep nudging: a task submitted after the stop pass would
		// otherwise never see the flag.
		for _, t := range unfinished {
			if err := s.tasks.Stop(ctx, t.ID); err != nil && !errors.Is(err, task.ErrNotFound) {
				return err
			}
		}
		return nil
	}

	if len(unfinished) > 0 {
		s.log.Warn("grace lapsed with unfinished tasks", "session", sess.ID, "unfinished_tasks", len(unfinished))
	}
	if err := s.sessions.MarkDisposeDone(ctx, sess.ID); err != nil && !errors.Is(err, session.ErrNotFound) {
		return err
	}
	stats.Settled++
	return nil
}

// DisposeSession drives one session through expiry and disposal on
// demand, outside the periodic pass. It reports whether the session is
// fully settled: false means it is still winding down on unfinished
// tasks.
func (s *Sweeper) DisposeSession(ctx context.Context, id string) (bool, error) {
	sess, err := s.sessions.Get(ctx, id)
	if errors.Is(err, session.ErrNotFound) {
		// Already purged; nothing left to release.
		return true, nil
	}
	if err != nil {
		return false, err
	}

	var stats Stats
	switch {
	case !sess.DisposeAttempted:
		if err := s.expire(ctx, id, &stats); err != nil {
			return false, err
		}
	case !sess.DisposeDone:
		if err := s.settle(ctx, sess, &stats); err != nil {
			return false, err
		}
	default:
		return true, nil
	}

	sess, err = s.sessions.Get(ctx, id)
	if errors.Is(err, session.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return sess.DisposeDone, nil
}

// Loop runs passes at the configured interval until ctx is cancelled.
// Store outages back off exponentially and are logged with reduced
// verbosity so a long outage does not storm the log.
func (s *Sweeper) Loop(ctx context.Context) {
	s.log.Info("sweeper started", "interval", s.cfg.Interval)

	failures := 0
	for {
		stats, err := s.RunOnce(ctx)
		wait := s.cfg.Interval

		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			s.log.Info("sweeper stopped")
			return
		case err != nil:
			failures++
			if errors.Is(err, store.ErrUnavailable) {
				metrics.StoreOutages.Inc()
			}
			wait = backoff(s.cfg.Interval, failures)
			if failures == 1 || failures%logEvery == 0 {
				s.log.Warn("sweep pass failed", "error", err, "consecutive_failures", failures, "backoff", wait)
			} else {
				s.log.Debug("sweep pass failed", "error", err)
			}
		default:
			if failures > 0 {
				s.log.Info("store recovered", "failed_passes", failures)
				failures = 0
			}
			if stats.Disposed > 0 || stats.Settled > 0 {
				s.log.Info("sweep pass", "scanned", stats.Scanned, "disposed", stats.Disposed, "settled", stats.Settled)
			}
		}

		select {
		case <-ctx.Done():
			s.log.Info("sweeper stopped")
			return
		case <-time.After(wait):
		}
	}
}

// backoff doubles the interval per consecutive failure, capped.
func backoff(base time.Duration, failures int) time.Duration {
	wait := base
	for i := 1; i < failures; i++ {
		wait *= 2
		if wait >= maxBackoff {
			return maxBackoff
		}
	}
	return wait
}
