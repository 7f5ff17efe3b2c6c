package sweeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remlab/remlab/pkg/session"
	"github.com/remlab/remlab/pkg/store"
	"github.com/remlab/remlab/pkg/task"
	"github.com/remlab/remlab/pkg/unique"
)

type fixture struct {
	store    store.Store
	sessions *session.Manager
	tasks    *task.Service
	pool     *task.Pool

	mu       sync.Mutex
	disposed []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st := store.NewMemoryStore()
	sessions := session.NewManager(st, session.Config{
		PollTimeout: 50 * time.Millisecond,
	})
	svc := task.NewService(st, sessions, unique.New(st, "remlab", time.Minute), task.NewRegistry(), task.Config{})

	return &fixture{
		store:    st,
		sessions: sessions,
		tasks:    svc,
		pool:     task.NewPool(svc, 1, nil),
	}
}

func (f *fixture) dispose(_ context.Context, sess *session.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disposed = append(f.disposed, sess.ID)
	return nil
}

func (f *fixture) disposedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.disposed...)
}

func (f *fixture) newSweeper(cfg Config) *Sweeper {
	return New(f.sessions, f.tasks, f.dispose, cfg, nil)
}

func (f *fixture) createSession(t *testing.T, id string, duration time.Duration) {
	t.Helper()
	_, err := f.sessions.Create(context.Background(), session.NewSession{
		ID:               id,
		Username:         "john",
		UsernameUnique:   "john@institution",
		AssignedDuration: duration,
	})
	require.NoError(t, err)
}

func TestRunOnceLeavesLiveSessionAlone(t *testing.T) {
	f := newFixture(t)
	s := f.newSweeper(Config{})
	ctx := context.Background()

	f.createSession(t, "live", time.Hour)

	stats, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Scanned)
	assert.Zero(t, stats.Disposed)
	assert.Empty(t, f.disposedIDs())

	sess, err := f.sessions.Get(ctx, "live")
	require.NoError(t, err)
	assert.True(t, sess.Current())
}

func TestRunOnceDisposesDeadSession(t *testing.T) {
	f := newFixture(t)
	s := f.newSweeper(Config{})
	ctx := context.Background()

	// Assigned duration lapses immediately.
	f.createSession(t, "dead", time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	stats, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Disposed)
	assert.Equal(t, 1, stats.Settled)
	assert.Equal(t, []string{"dead"}, f.disposedIDs())

	sess, err := f.sessions.Get(ctx, "dead")
	require.NoError(t, err)
	assert.Equal(t, session.StateExpired, sess.State)
	assert.True(t, sess.DisposeDone)

	// A second pass is a no-op.
	stats, err = s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Disposed)
	assert.Len(t, f.disposedIDs(), 1)
}

func TestRunOnceDisposesLoggedOutSession(t *testing.T) {
	f := newFixture(t)
	s := f.newSweeper(Config{})
	ctx := context.Background()

	f.createSession(t, "gone", time.Hour)
	require.NoError(t, f.sessions.Logout(ctx, "gone"))

	stats, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Disposed)
	assert.Equal(t, []string{"gone"}, f.disposedIDs())
}

func TestRacingSweepersDisposeExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createSession(t, "contested", time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	const racers = 10
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := f.newSweeper(Config{})
			_, _ = s.RunOnce(ctx)
		}()
	}
	wg.Wait()

	assert.Equal(t, []string{"contested"}, f.disposedIDs(),
		"the dispose hook must run exactly once across racing sweepers")
}

func TestDisposeHookErrorStillSettles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s := New(f.sessions, f.tasks, func(context.Context, *session.Session) error {
		return errors.New("cleanup exploded")
	}, Config{}, nil)

	f.createSession(t, "fragile", time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	stats, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Disposed)

	sess, err := f.sessions.Get(ctx, "fragile")
	require.NoError(t, err)
	assert.True(t, sess.DisposeDone, "a failing hook must not wedge the session")
}

func TestWindingDownWaitsForTasks(t *testing.T) {
	f := newFixture(t)
	s := f.newSweeper(Config{})
	ctx := context.Background()

	f.tasks.Registry().Register("job", func(inv *task.Invocation) (any, error) {
		for !inv.Stopping() {
			time.Sleep(2 * time.Millisecond)
		}
		return nil, nil
	})

	f.createSession(t, "busy", time.Millisecond)
	submitted, err := f.tasks.Submit(ctx, "job", nil, "busy", task.ScopeNone)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	stats, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Disposed)
	assert.Zero(t, stats.Settled)

	// The stop flag was raised and the authority still sees the session
	// winding down.
	got, err := f.tasks.Get(ctx, submitted.ID)
	require.NoError(t, err)
	assert.True(t, got.StopRequested)

	status, err := f.sessions.Status(ctx, "busy")
	require.NoError(t, err)
	assert.True(t, status.WindingDown)

	// The worker runs the task; it sees the flag and returns.
	_, err = f.pool.RunBatch(ctx)
	require.NoError(t, err)

	stats, err = s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Settled)

	status, err = f.sessions.Status(ctx, "busy")
	require.NoError(t, err)
	assert.False(t, status.WindingDown)
}

func TestGraceLapseSettlesDespiteTasks(t *testing.T) {
	f := newFixture(t)
	s := f.newSweeper(Config{Grace: time.Minute})
	ctx := context.Background()

	f.tasks.Registry().Register("stuck", func(*task.Invocation) (any, error) { return nil, nil })

	f.createSession(t, "stuck", time.Millisecond)
	_, err := f.tasks.Submit(ctx, "stuck", nil, "stuck", task.ScopeNone)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	stats, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Disposed)
	assert.Zero(t, stats.Settled, "unfinished task keeps the session winding down")

	// Inside the grace window nothing settles.
	stats, err = s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Settled)

	// Past the grace window the session settles anyway.
	s.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	stats, err = s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Settled)
}

func TestLoopStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	s := f.newSweeper(Config{Interval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Loop(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not stop on cancellation")
	}
}

func TestBackoff(t *testing.T) {
	base := 10 * time.Second

	assert.Equal(t, base, backoff(base, 1))
	assert.Equal(t, 2*base, backoff(base, 2))
	assert.Equal(t, 4*base, backoff(base, 3))
	assert.Equal(t, maxBackoff, backoff(base, 10), "backoff is capped")
}
