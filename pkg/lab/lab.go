// Package lab wires the session state machine, the task service, the
// worker pool and the expiry sweeper into one laboratory instance. There
// are no package-level globals: several Labs can coexist in one process,
// which keeps tests hermetic and allows one binary to host multiple
// laboratories.
package lab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/remlab/remlab/pkg/metrics"
	"github.com/remlab/remlab/pkg/session"
	"github.com/remlab/remlab/pkg/store"
	"github.com/remlab/remlab/pkg/sweeper"
	"github.com/remlab/remlab/pkg/task"
	"github.com/remlab/remlab/pkg/unique"
)

// ErrLabBusy is returned to the assignment authority when the start hook
// rejects the assignment.
var ErrLabBusy = errors.New("lab: laboratory busy")

// Hooks are the laboratory's lifecycle callbacks. Both may be nil.
type Hooks struct {
	// OnStart runs when an assignment arrives, before the user gets the
	// session URL. The returned map seeds the session's data blob. An
	// error rejects the assignment: the record is disposed and the
	// authority is told the laboratory is busy.
	OnStart func(ctx context.Context, sess *session.Session) (map[string]any, error)

	// OnDispose runs exactly once per session, when it is expired by the
	// sweeper, by logout or by the authority. Errors are logged, never
	// retried.
	OnDispose func(ctx context.Context, sess *session.Session) error
}

// Lab is one wired laboratory instance.
type Lab struct {
	cfg   *Config
	store store.Store
	hooks Hooks
	log   *slog.Logger

	sessions *session.Manager
	tasks    *task.Service
	pool     *task.Pool
	sweeper  *sweeper.Sweeper
}

// New wires a Lab over the given store. The store's lifecycle belongs to
// the caller; Close it after the Lab's loops have stopped.
func New(cfg *Config, st store.Store, hooks Hooks, logger *slog.Logger) *Lab {
	if logger == nil {
		logger = slog.Default()
	}

	sessions := session.NewManager(st, session.Config{
		Prefix:      cfg.Store.Prefix,
		PollTimeout: cfg.Session.PollTimeout,
		Retention:   cfg.Session.Retention,
	})

	enforcer := unique.New(st, cfg.Store.Prefix, cfg.Tasks.Lease)

	tasks := task.NewService(st, sessions, enforcer, task.NewRegistry(), task.Config{
		Prefix:   cfg.Store.Prefix,
		TaskTTL:  cfg.Tasks.TaskTTL,
		JoinStep: cfg.Tasks.JoinStep,
		Lease:    cfg.Tasks.Lease,
	})

	return &Lab{
		cfg:      cfg,
		store:    st,
		hooks:    hooks,
		log:      logger,
		sessions: sessions,
		tasks:    tasks,
		pool:     task.NewPool(tasks, cfg.Tasks.Workers, logger),
		sweeper: sweeper.New(sessions, tasks, hooks.OnDispose, sweeper.Config{
			Interval: cfg.Sweeper.Interval,
			Grace:    cfg.Sweeper.Grace,
		}, logger),
	}
}

// Sessions exposes the session state machine.
func (l *Lab) Sessions() *session.Manager { return l.sessions }

// Tasks exposes the task service.
func (l *Lab) Tasks() *task.Service { return l.tasks }

// RegisterTask binds a task function name.
func (l *Lab) RegisterTask(name string, fn task.Func) {
	l.tasks.Registry().Register(name, fn)
}

// StartRequest is the assignment handed over by the authority.
type StartRequest struct {
	Username         string          `json:"username"`
	UsernameUnique   string          `json:"username_unique"`
	BackURL          string          `json:"back_url"`
	Locale           string          `json:"locale,omitempty"`
	AssignedDuration time.Duration   `json:"assigned_duration"`
	ClientData       map[string]any  `json:"client_data,omitempty"`
	ServerData       map[string]any  `json:"server_data,omitempty"`
	StartTime        time.Time      `json:"start_time,omitempty"`
}

// StartResponse tells the authority where to send the user.
type StartResponse struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
}

// StartSession creates a session for an assignment and runs the start
// hook. A hook failure rejects the assignment with ErrLabBusy and the
// half-created record is disposed immediately.
func (l *Lab) StartSession(ctx context.Context, req StartRequest) (StartResponse, error) {
	sess, err := l.sessions.Create(ctx, session.NewSession{
		ID:               uuid.NewString(),
		Username:         req.Username,
		UsernameUnique:   req.UsernameUnique,
		BackURL:          req.BackURL,
		Locale:           req.Locale,
		StartTime:        req.StartTime,
		AssignedDuration: req.AssignedDuration,
		ClientData:       req.ClientData,
		ServerData:       req.ServerData,
	})
	if err != nil {
		return StartResponse{}, err
	}

	if l.hooks.OnStart != nil {
		data, hookErr := l.hooks.OnStart(ctx, sess)
		if hookErr != nil {
			metrics.StartRejections.Inc()
			l.log.Warn("start hook rejected assignment", "session", sess.ID, "error", hookErr)
			if _, err := l.sweeper.DisposeSession(ctx, sess.ID); err != nil {
				l.log.Error("disposing rejected session failed", "session", sess.ID, "error", err)
			}
			return StartResponse{}, fmt.Errorf("%w: %v", ErrLabBusy, hookErr)
		}
		if len(data) > 0 {
			if err := l.sessions.UpdateData(ctx, sess.ID, data); err != nil {
				return StartResponse{}, err
			}
		}
	}

	metrics.SessionsStarted.Inc()
	l.log.Info("session started", "session", sess.ID, "username", req.Username)

	return StartResponse{
		SessionID: sess.ID,
		URL:       l.sessionURL(sess.ID),
	}, nil
}

func (l *Lab) sessionURL(id string) string {
	base := strings.TrimRight(l.cfg.Server.CallbackURL, "/")
	if base == "" {
		return id
	}
	return base + "/" + id
}

// SessionStatus is the authority's view of a session.
type SessionStatus struct {
	Active   bool          `json:"active"`
	TimeLeft time.Duration `json:"time_left"`

	// ShouldFinish means the authority may reclaim the assignment: the
	// session is gone or fully disposed.
	ShouldFinish bool `json:"should_finish"`
}

// SessionStatus reports a session to the authority. An unknown id means
// the record was purged; the authority may reassign.
func (l *Lab) SessionStatus(ctx context.Context, id string) (SessionStatus, error) {
	st, err := l.sessions.Status(ctx, id)
	if errors.Is(err, session.ErrNotFound) {
		return SessionStatus{ShouldFinish: true}, nil
	}
	if err != nil {
		return SessionStatus{}, err
	}
	return SessionStatus{
		Active:       st.Active,
		TimeLeft:     st.TimeLeft,
		ShouldFinish: !st.Active && !st.WindingDown,
	}, nil
}

// DisposeResult is the outcome of an authority-driven dispose.
type DisposeResult struct {
	// Success is false while the session is still winding down on
	// unfinished tasks; the authority retries later.
	Success bool `json:"success"`
}

// DisposeSession expires and disposes a session on the authority's
// request.
func (l *Lab) DisposeSession(ctx context.Context, id string) (DisposeResult, error) {
	settled, err := l.sweeper.DisposeSession(ctx, id)
	if err != nil {
		return DisposeResult{}, err
	}
	return DisposeResult{Success: settled}, nil
}

// RunSweepPass runs one sweeper pass, for batch operation.
func (l *Lab) RunSweepPass(ctx context.Context) (sweeper.Stats, error) {
	return l.sweeper.RunOnce(ctx)
}

// RunTaskBatch drains the pending task queue once, for batch operation.
func (l *Lab) RunTaskBatch(ctx context.Context) (int, error) {
	return l.pool.RunBatch(ctx)
}

// Loop runs the worker pool and the sweeper until ctx is cancelled.
func (l *Lab) Loop(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		l.pool.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		l.sweeper.Loop(ctx)
	}()
	wg.Wait()
}
