// Package session owns the laboratory session lifecycle: a session is a
// bounded-duration exclusive assignment of the laboratory to one remote
// user. A session record exists in the shared store as current or expired;
// the absence of a record means the caller is anonymous.
package session

import (
	"errors"
	"time"
)

// State of a stored session record. Transitions are monotonic: a session
// moves from current to expired and never back.
type State string

const (
	// StateCurrent marks a session whose user may still operate the lab.
	StateCurrent State = "current"

	// StateExpired marks a finished session retained for the retention
	// window so late callers can still be redirected.
	StateExpired State = "expired"
)

// Sentinel errors surfaced by the Manager.
var (
	// ErrNotFound means no record exists for the session id. Callers
	// treat the user as anonymous.
	ErrNotFound = errors.New("session: not found")

	// ErrDuplicate means a session with the same id already exists.
	ErrDuplicate = errors.New("session: duplicate session id")

	// ErrConcurrentUpdate is surfaced after the optimistic-retry budget
	// is exhausted.
	ErrConcurrentUpdate = errors.New("session: concurrent update")
)

// Session is the stored record for one laboratory assignment.
type Session struct {
	// ID is the opaque session token handed to the user.
	ID string `json:"id"`

	// Username is the short username; it is not unique across
	// institutions.
	Username string `json:"username"`

	// UsernameUnique is unique across institutions and is used as the
	// per-user uniqueness scope for tasks.
	UsernameUnique string `json:"username_unique"`

	// BackURL is where the user is redirected once the session ends.
	BackURL string `json:"back_url"`

	// Locale requested by the assignment authority (e.g. "es").
	Locale string `json:"locale,omitempty"`

	// StartTime is when the assignment began.
	StartTime time.Time `json:"start_time"`

	// AssignedDuration bounds the session regardless of polling.
	AssignedDuration time.Duration `json:"assigned_duration"`

	// LastPoll is the most recent heartbeat.
	LastPoll time.Time `json:"last_poll"`

	// ClientData and ServerData are the blobs handed over by the
	// assignment authority when the session started.
	ClientData map[string]any `json:"client_data,omitempty"`
	ServerData map[string]any `json:"server_data,omitempty"`

	// Data is the laboratory's own session blob, last-write-wins.
	Data map[string]any `json:"data,omitempty"`

	State State `json:"state"`

	// Exited is set by logout; the sweeper treats an exited session as
	// dead regardless of timers.
	Exited bool `json:"exited"`

	// DisposeAttempted is the test-and-set flag that elects exactly one
	// disposer among racing sweepers.
	DisposeAttempted bool `json:"dispose_attempted"`

	// DisposeDone is set after the dispose hook returned (or failed and
	// was logged).
	DisposeDone bool `json:"dispose_done"`

	// DisposedAt is when the dispose test-and-set was won; the sweeper
	// measures the winding-down grace window from here.
	DisposedAt time.Time `json:"disposed_at,omitempty"`

	// Version is the store's optimistic-concurrency counter. It is not
	// part of the stored value.
	Version int64 `json:"-"`
}

// Current reports whether the record is in the current state.
func (s *Session) Current() bool {
	return s.State == StateCurrent
}

// Deadline is the instant the assigned duration runs out.
func (s *Session) Deadline() time.Time {
	return s.StartTime.Add(s.AssignedDuration)
}

// TimeLeft is the remaining assigned time at now, floored at zero.
func (s *Session) TimeLeft(now time.Time) time.Duration {
	left := s.Deadline().Sub(now)
	if left < 0 {
		return 0
	}
	return left
}

// NewSession carries the attributes for Create. The manager fills in the
// timestamps and state.
type NewSession struct {
	ID               string
	Username         string
	UsernameUnique   string
	BackURL          string
	Locale           string
	StartTime        time.Time
	AssignedDuration time.Duration
	ClientData       map[string]any
	ServerData       map[string]any
}
