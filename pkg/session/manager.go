package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go"

	"github.com/remlab/remlab/pkg/metrics"
	"github.com/remlab/remlab/pkg/store"
)

// Config tunes the session state machine.
type Config struct {
	// Prefix namespaces every store key so several laboratories can
	// share one backend.
	Prefix string

	// PollTimeout is how long a session stays live without a heartbeat.
	PollTimeout time.Duration

	// Retention is how long an expired record is kept before the store's
	// TTL deletes it.
	Retention time.Duration

	// RetryAttempts bounds the optimistic-concurrency retry loop.
	RetryAttempts uint

	// RetryDelay is the base backoff between conflicting writes.
	RetryDelay time.Duration
}

// Defaults applied by NewManager.
const (
	DefaultPollTimeout   = 15 * time.Second
	DefaultRetention     = time.Hour
	DefaultRetryAttempts = 5
	DefaultRetryDelay    = 20 * time.Millisecond
	DefaultPrefix        = "remlab"
)

// Manager is the session state machine over a shared record store. All
// mutations are short conditional writes; no lock is ever held across a
// request, so any number of processes can drive the same session.
type Manager struct {
	store store.Store
	cfg   Config

	// now is replaceable in tests.
	now func() time.Time
}

// NewManager creates a Manager, applying defaults for zero config fields.
func NewManager(st store.Store, cfg Config) *Manager {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.Retention == 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = DefaultRetryAttempts
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	return &Manager{store: st, cfg: cfg, now: time.Now}
}

// PollTimeout exposes the configured liveness window.
func (m *Manager) PollTimeout() time.Duration {
	return m.cfg.PollTimeout
}

// Key returns the store key for a session id.
func (m *Manager) Key(id string) string {
	return m.cfg.Prefix + ":session:" + id
}

func (m *Manager) keyPrefix() string {
	return m.cfg.Prefix + ":session:"
}

// Create writes a new current record. Returns ErrDuplicate when the id is
// already taken.
func (m *Manager) Create(ctx context.Context, ns NewSession) (*Session, error) {
	now := m.now()
	start := ns.StartTime
	if start.IsZero() {
		start = now
	}

	sess := &Session{
		ID:               ns.ID,
		Username:         ns.Username,
		UsernameUnique:   ns.UsernameUnique,
		BackURL:          ns.BackURL,
		Locale:           ns.Locale,
		StartTime:        start,
		AssignedDuration: ns.AssignedDuration,
		LastPoll:         now,
		ClientData:       ns.ClientData,
		ServerData:       ns.ServerData,
		Data:             map[string]any{},
		State:            StateCurrent,
	}

	value, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("marshaling session: %w", err)
	}

	ok, err := m.store.SetIfAbsent(ctx, m.Key(sess.ID), value, m.ttlFor(sess))
	if err != nil {
		return nil, fmt.Errorf("creating session %s: %w", sess.ID, err)
	}
	if !ok {
		return nil, ErrDuplicate
	}
	sess.Version = 1
	return sess, nil
}

// Get loads a session record. Returns ErrNotFound when absent; the caller
// treats the user as anonymous.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	rec, err := m.store.Get(ctx, m.Key(id))
	if err != nil {
		return nil, fmt.Errorf("loading session %s: %w", id, err)
	}
	if rec == nil {
		return nil, ErrNotFound
	}

	var sess Session
	if err := json.Unmarshal(rec.Value, &sess); err != nil {
		return nil, fmt.Errorf("decoding session %s: %w", id, err)
	}
	sess.Version = rec.Version
	return &sess, nil
}

// Poll records a heartbeat. It is idempotent and a no-op on an expired
// session; it never extends the session past its assigned duration because
// liveness always checks both windows.
func (m *Manager) Poll(ctx context.Context, id string) error {
	_, err := m.mutate(ctx, id, func(sess *Session) (bool, error) {
		if !sess.Current() {
			return false, nil
		}
		sess.LastPoll = m.now()
		return true, nil
	})
	return err
}

// Logout expires the session explicitly, independent of the liveness
// timers. The sweeper still performs disposal.
func (m *Manager) Logout(ctx context.Context, id string) error {
	_, err := m.mutate(ctx, id, func(sess *Session) (bool, error) {
		if !sess.Current() {
			return false, nil
		}
		sess.Exited = true
		sess.State = StateExpired
		return true, nil
	})
	return err
}

// UpdateData replaces the session's opaque data blob, last-write-wins.
func (m *Manager) UpdateData(ctx context.Context, id string, data map[string]any) error {
	_, err := m.mutate(ctx, id, func(sess *Session) (bool, error) {
		sess.Data = data
		return true, nil
	})
	return err
}

// CheckLiveness reports whether the session is still within both the
// heartbeat window and the assigned duration.
func (m *Manager) CheckLiveness(sess *Session) bool {
	now := m.now()
	if now.Sub(sess.LastPoll) > m.cfg.PollTimeout {
		return false
	}
	return !now.After(sess.Deadline())
}

// Status summarizes a session for the assignment authority.
type Status struct {
	Active   bool
	TimeLeft time.Duration

	// WindingDown means the session is expired but disposal or owned
	// tasks are still pending; the authority should not reassign yet.
	WindingDown bool
}

// Status reports whether the session is active and how much assigned time
// remains.
func (m *Manager) Status(ctx context.Context, id string) (Status, error) {
	sess, err := m.Get(ctx, id)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Active:      sess.Current() && !sess.Exited,
		TimeLeft:    sess.TimeLeft(m.now()),
		WindingDown: sess.State == StateExpired && !sess.DisposeDone,
	}, nil
}

// Expire transitions the record to expired and test-and-sets the dispose
// flag. The returned winner is true for exactly one caller per session, no
// matter how many sweepers race: the conditional write serializes them and
// losers re-read a record whose DisposeAttempted is already set.
func (m *Manager) Expire(ctx context.Context, id string) (sess *Session, winner bool, err error) {
	sess, err = m.mutate(ctx, id, func(s *Session) (bool, error) {
		if s.DisposeAttempted {
			winner = false
			return false, nil
		}
		s.State = StateExpired
		s.DisposeAttempted = true
		s.DisposedAt = m.now()
		winner = true
		return true, nil
	})
	if err != nil {
		return nil, false, err
	}
	return sess, winner, nil
}

// MarkDisposeDone records that the dispose hook has run.
func (m *Manager) MarkDisposeDone(ctx context.Context, id string) error {
	_, err := m.mutate(ctx, id, func(sess *Session) (bool, error) {
		if sess.DisposeDone {
			return false, nil
		}
		sess.DisposeDone = true
		return true, nil
	})
	return err
}

// List returns every retained session record. Records that vanish
// between the scan and the read are skipped.
func (m *Manager) List(ctx context.Context) ([]*Session, error) {
	keys, err := m.store.Scan(ctx, m.keyPrefix())
	if err != nil {
		return nil, fmt.Errorf("scanning sessions: %w", err)
	}

	var sessions []*Session
	for _, key := range keys {
		sess, err := m.Get(ctx, key[len(m.keyPrefix()):])
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// ListCurrent returns every session still in the current state.
func (m *Manager) ListCurrent(ctx context.Context) ([]*Session, error) {
	all, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	var sessions []*Session
	for _, sess := range all {
		if sess.Current() {
			sessions = append(sessions, sess)
		}
	}
	return sessions, nil
}

// mutate runs the optimistic read-modify-write loop: load record and
// version, apply fn, write conditional on the version, retry on conflict up
// to the budget. fn returns false to skip the write (no-op mutation).
func (m *Manager) mutate(ctx context.Context, id string, fn func(*Session) (bool, error)) (*Session, error) {
	var sess *Session
	var applied bool

	err := retry.Do(
		func() error {
			var err error
			sess, err = m.Get(ctx, id)
			if err != nil {
				return err
			}

			applied, err = fn(sess)
			if err != nil || !applied {
				return err
			}

			value, err := json.Marshal(sess)
			if err != nil {
				return fmt.Errorf("marshaling session %s: %w", id, err)
			}
			return m.store.ConditionalSet(ctx, m.Key(id), value, sess.Version, m.ttlFor(sess))
		},
		retry.Attempts(m.cfg.RetryAttempts),
		retry.Delay(m.cfg.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(func(err error) bool { return errors.Is(err, store.ErrVersionMismatch) }),
		retry.LastErrorOnly(true),
	)
	if errors.Is(err, store.ErrVersionMismatch) {
		metrics.StoreConflicts.Inc()
		return nil, fmt.Errorf("%w: session %s: %v", ErrConcurrentUpdate, id, err)
	}
	if err != nil {
		return nil, err
	}
	if applied {
		sess.Version++
	}
	return sess, nil
}

// ttlFor picks the record TTL: current sessions live until their deadline
// plus the retention window, expired ones for the retention window only.
// Records are never deleted synchronously; the TTL is the only deletion.
func (m *Manager) ttlFor(sess *Session) time.Duration {
	if sess.State == StateExpired {
		return m.cfg.Retention
	}
	return sess.TimeLeft(m.now()) + m.cfg.Retention
}
