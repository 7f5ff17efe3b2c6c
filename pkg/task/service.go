package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"

	"github.com/remlab/remlab/pkg/metrics"
	"github.com/remlab/remlab/pkg/session"
	"github.com/remlab/remlab/pkg/store"
	"github.com/remlab/remlab/pkg/unique"
)

// Config tunes the task service.
type Config struct {
	// Prefix namespaces every store key.
	Prefix string

	// TaskTTL is how long finished and orphaned task records stay
	// readable before the store's TTL deletes them.
	TaskTTL time.Duration

	// JoinStep is the polling interval used by Join.
	JoinStep time.Duration

	// Lease is the execution lease a worker holds per running task. A
	// lapsed lease marks the worker as crashed and the reaper fails the
	// task.
	Lease time.Duration

	// RetryAttempts bounds the optimistic-concurrency retry loop.
	RetryAttempts uint

	// RetryDelay is the base backoff between conflicting writes.
	RetryDelay time.Duration
}

// Defaults applied by NewService.
const (
	DefaultTaskTTL       = time.Hour
	DefaultJoinStep      = 50 * time.Millisecond
	DefaultLease         = 30 * time.Second
	DefaultRetryAttempts = 5
	DefaultRetryDelay    = 20 * time.Millisecond
)

// Service is the submission and inspection API over the shared store.
type Service struct {
	store    store.Store
	sessions *session.Manager
	enforcer *unique.Enforcer
	registry *Registry
	cfg      Config

	// now is replaceable in tests.
	now func() time.Time
}

// NewService creates a Service, applying defaults for zero config fields.
func NewService(st store.Store, sessions *session.Manager, enforcer *unique.Enforcer, registry *Registry, cfg Config) *Service {
	if cfg.Prefix == "" {
		cfg.Prefix = session.DefaultPrefix
	}
	if cfg.TaskTTL == 0 {
		cfg.TaskTTL = DefaultTaskTTL
	}
	if cfg.JoinStep == 0 {
		cfg.JoinStep = DefaultJoinStep
	}
	if cfg.Lease == 0 {
		cfg.Lease = DefaultLease
	}
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = DefaultRetryAttempts
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	return &Service{
		store:    st,
		sessions: sessions,
		enforcer: enforcer,
		registry: registry,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Registry returns the function registry backing this service.
func (s *Service) Registry() *Registry {
	return s.registry
}

func (s *Service) taskKey(id string) string {
	return s.cfg.Prefix + ":task:" + id
}

func (s *Service) taskPrefix() string {
	return s.cfg.Prefix + ":task:"
}

// queueKey orders pending work by creation time: the zero-padded
// nanosecond timestamp makes lexicographic order FIFO order.
func (s *Service) queueKey(t *Task) string {
	return fmt.Sprintf("%s:taskq:%020d:%s", s.cfg.Prefix, t.CreatedAt.UnixNano(), t.ID)
}

func (s *Service) queuePrefix() string {
	return s.cfg.Prefix + ":taskq:"
}

func (s *Service) sessionIndexKey(sessionID, taskID string) string {
	return s.cfg.Prefix + ":sessiontasks:" + sessionID + ":" + taskID
}

func (s *Service) sessionIndexPrefix(sessionID string) string {
	return s.cfg.Prefix + ":sessiontasks:" + sessionID + ":"
}

func (s *Service) leaseKey(taskID string) string {
	return s.cfg.Prefix + ":tasklease:" + taskID
}

// Submit validates the function, reserves the uniqueness slot when the
// scope requires one, and enqueues a submitted record. On a reservation
// failure no record is written and unique.ErrAlreadyRunning is returned
// unchanged.
func (s *Service) Submit(ctx context.Context, name string, args json.RawMessage, sessionID string, scope Scope) (*Task, error) {
	if _, ok := s.registry.Lookup(name); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFunction, name)
	}
	if scope == "" {
		scope = ScopeNone
	}

	scopeKey, err := s.resolveScopeKey(ctx, sessionID, scope)
	if err != nil {
		return nil, err
	}

	t := &Task{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Name:      name,
		Args:      args,
		Status:    StatusSubmitted,
		Scope:     scope,
		ScopeKey:  scopeKey,
		CreatedAt: s.now(),
	}

	if scopeKey != "" {
		if err := s.enforcer.Reserve(ctx, name, scopeKey, t.ID); err != nil {
			if errors.Is(err, unique.ErrAlreadyRunning) {
				metrics.TasksRejectedUnique.Inc()
			}
			return nil, err
		}
	}

	if err := s.writeSubmitted(ctx, t); err != nil {
		// Roll the reservation back so a storage failure does not wedge
		// the slot for a full lease.
		if scopeKey != "" {
			_ = s.enforcer.Release(ctx, name, scopeKey, t.ID)
		}
		return nil, err
	}

	metrics.TasksSubmitted.Inc()
	t.Version = 1
	return t, nil
}

func (s *Service) writeSubmitted(ctx context.Context, t *Task) error {
	value, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshaling task: %w", err)
	}

	ok, err := s.store.SetIfAbsent(ctx, s.taskKey(t.ID), value, s.cfg.TaskTTL)
	if err != nil {
		return fmt.Errorf("writing task %s: %w", t.ID, err)
	}
	if !ok {
		return fmt.Errorf("task id collision: %s", t.ID)
	}

	if err := s.store.Set(ctx, s.queueKey(t), []byte(t.ID), s.cfg.TaskTTL); err != nil {
		return fmt.Errorf("enqueueing task %s: %w", t.ID, err)
	}
	if t.SessionID != "" {
		if err := s.store.Set(ctx, s.sessionIndexKey(t.SessionID, t.ID), []byte(t.ID), s.cfg.TaskTTL); err != nil {
			return fmt.Errorf("indexing task %s: %w", t.ID, err)
		}
	}
	return nil
}

// resolveScopeKey maps the scope to the uniqueness key: the fixed global
// key, or the session's stable user identity.
func (s *Service) resolveScopeKey(ctx context.Context, sessionID string, scope Scope) (string, error) {
	switch scope {
	case ScopeNone:
		return "", nil
	case ScopeGlobal:
		return unique.ScopeGlobal, nil
	case ScopeUser:
		sess, err := s.sessions.Get(ctx, sessionID)
		if err != nil {
			return "", err
		}
		if sess.UsernameUnique != "" {
			return sess.UsernameUnique, nil
		}
		return sess.ID, nil
	default:
		return "", fmt.Errorf("unknown task scope %q", scope)
	}
}

// Get loads a task record. Returns ErrNotFound when absent or already
// purged by the TTL.
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	rec, err := s.store.Get(ctx, s.taskKey(id))
	if err != nil {
		return nil, fmt.Errorf("loading task %s: %w", id, err)
	}
	if rec == nil {
		return nil, ErrNotFound
	}

	var t Task
	if err := json.Unmarshal(rec.Value, &t); err != nil {
		return nil, fmt.Errorf("decoding task %s: %w", id, err)
	}
	t.Version = rec.Version
	return &t, nil
}

// Join waits for the task to finish, polling the store with the
// configured step. A non-positive timeout waits until ctx is cancelled.
// When the budget lapses the latest snapshot is returned; ErrTimeout
// only when errorOnTimeout is set.
func (s *Service) Join(ctx context.Context, id string, timeout time.Duration, errorOnTimeout bool) (*Task, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(s.cfg.JoinStep)
	defer ticker.Stop()

	for {
		t, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if t.Finished() {
			return t, nil
		}

		select {
		case <-ctx.Done():
			return t, ctx.Err()
		case <-deadline:
			if errorOnTimeout {
				return t, fmt.Errorf("%w: task %s after %s", ErrTimeout, id, timeout)
			}
			return t, nil
		case <-ticker.C:
		}
	}
}

// RunSync submits and waits. The function still runs on a worker, never
// inline, so synchronous callers share the same execution context as
// asynchronous ones.
func (s *Service) RunSync(ctx context.Context, name string, args json.RawMessage, sessionID string, scope Scope, timeout time.Duration) (*Task, error) {
	t, err := s.Submit(ctx, name, args, sessionID, scope)
	if err != nil {
		return nil, err
	}
	return s.Join(ctx, t.ID, timeout, false)
}

// Stop raises the cooperative stop flag. Stopping a finished task is a
// no-op.
func (s *Service) Stop(ctx context.Context, id string) error {
	_, err := s.mutate(ctx, id, func(t *Task) (bool, error) {
		if t.Finished() || t.StopRequested {
			return false, nil
		}
		t.StopRequested = true
		return true, nil
	})
	return err
}

// RunningByName returns the running tasks for a function name, across
// all sessions.
func (s *Service) RunningByName(ctx context.Context, name string) ([]*Task, error) {
	all, err := s.scanTasks(ctx)
	if err != nil {
		return nil, err
	}
	var tasks []*Task
	for _, t := range all {
		if t.Name == name && t.Running() {
			tasks = append(tasks, t)
		}
	}
	return tasks, nil
}

// BySession returns every task record still retained for a session,
// oldest first.
func (s *Service) BySession(ctx context.Context, sessionID string) ([]*Task, error) {
	keys, err := s.store.Scan(ctx, s.sessionIndexPrefix(sessionID))
	if err != nil {
		return nil, fmt.Errorf("scanning session tasks: %w", err)
	}

	var tasks []*Task
	for _, key := range keys {
		id := key[len(s.sessionIndexPrefix(sessionID)):]
		t, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
	return tasks, nil
}

// UnfinishedBySession returns the session's tasks that have not reached
// a terminal status.
func (s *Service) UnfinishedBySession(ctx context.Context, sessionID string) ([]*Task, error) {
	all, err := s.BySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var tasks []*Task
	for _, t := range all {
		if !t.Finished() {
			tasks = append(tasks, t)
		}
	}
	return tasks, nil
}

func (s *Service) scanTasks(ctx context.Context) ([]*Task, error) {
	keys, err := s.store.Scan(ctx, s.taskPrefix())
	if err != nil {
		return nil, fmt.Errorf("scanning tasks: %w", err)
	}
	var tasks []*Task
	for _, key := range keys {
		t, err := s.Get(ctx, key[len(s.taskPrefix()):])
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// finalize persists the terminal status, result and error in one
// conditional write, then releases the uniqueness slot. Only the first
// caller applies; later ones see a finished record and do nothing, so a
// worker and the reaper racing on the same task produce one outcome.
func (s *Service) finalize(ctx context.Context, id string, status Status, result json.RawMessage, taskErr string) (*Task, error) {
	t, err := s.mutate(ctx, id, func(t *Task) (bool, error) {
		if t.Finished() {
			return false, nil
		}
		t.Status = status
		t.Result = result
		t.Error = taskErr
		t.FinishedAt = s.now()
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	if t.ScopeKey != "" {
		if err := s.enforcer.Release(ctx, t.Name, t.ScopeKey, t.ID); err != nil {
			return t, err
		}
	}
	metrics.TasksCompleted.WithLabelValues(string(status)).Inc()
	return t, nil
}

// mutate is the optimistic read-modify-write loop over a task record.
// fn returns false to skip the write.
func (s *Service) mutate(ctx context.Context, id string, fn func(*Task) (bool, error)) (*Task, error) {
	var t *Task
	var applied bool

	err := retry.Do(
		func() error {
			var err error
			t, err = s.Get(ctx, id)
			if err != nil {
				return err
			}

			applied, err = fn(t)
			if err != nil || !applied {
				return err
			}

			value, err := json.Marshal(t)
			if err != nil {
				return fmt.Errorf("marshaling task %s: %w", id, err)
			}
			return s.store.ConditionalSet(ctx, s.taskKey(id), value, t.Version, s.cfg.TaskTTL)
		},
		retry.Attempts(s.cfg.RetryAttempts),
		retry.Delay(s.cfg.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(func(err error) bool { return errors.Is(err, store.ErrVersionMismatch) }),
		retry.LastErrorOnly(true),
	)
	if errors.Is(err, store.ErrVersionMismatch) {
		metrics.StoreConflicts.Inc()
		return nil, fmt.Errorf("%w: task %s: %v", ErrConcurrentUpdate, id, err)
	}
	if err != nil {
		return nil, err
	}
	if applied {
		t.Version++
	}
	return t, nil
}
