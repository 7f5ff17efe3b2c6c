package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/remlab/remlab/pkg/metrics"
)

// DefaultIdleInterval is how long an idle worker sleeps between queue
// polls.
const DefaultIdleInterval = 250 * time.Millisecond

// Pool runs N workers that claim pending tasks from the shared queue and
// execute them. Several pools in several processes can drain the same
// queue; the claim is a conditional write, so every task runs exactly
// once.
type Pool struct {
	svc     *Service
	workers int
	idle    time.Duration
	log     *slog.Logger
}

// NewPool creates a Pool with the given worker count.
func NewPool(svc *Service, workers int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		svc:     svc,
		workers: workers,
		idle:    DefaultIdleInterval,
		log:     logger.With("component", "task-pool"),
	}
}

// Run starts the workers and the reaper and blocks until ctx is
// cancelled. Tasks running at cancellation finish their current
// function call; the context handed to them is cancelled, so
// well-behaved functions return promptly.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.workerLoop(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.reaperLoop(ctx)
	}()

	wg.Wait()
}

// RunBatch claims and executes pending tasks until the queue is empty,
// then reaps lapsed leases once. It returns the number of tasks
// executed. Used by the one-shot batch mode and by tests.
func (p *Pool) RunBatch(ctx context.Context) (int, error) {
	executed := 0
	for {
		ran, err := p.runOne(ctx)
		if err != nil {
			return executed, err
		}
		if !ran {
			break
		}
		executed++
	}
	if err := p.Reap(ctx); err != nil {
		return executed, err
	}
	return executed, nil
}

func (p *Pool) workerLoop(ctx context.Context) {
	workerID := uuid.NewString()
	log := p.log.With("worker", workerID)
	log.Info("worker started")

	for {
		ran, err := p.runOne(ctx)
		if err != nil {
			metrics.StoreOutages.Inc()
			log.Warn("queue pass failed", "error", err)
		}
		if ran {
			continue
		}

		select {
		case <-ctx.Done():
			log.Info("worker stopped")
			return
		case <-time.After(p.idle):
		}
	}
}

// runOne claims the oldest pending task and executes it. Returns false
// when nothing was claimed.
func (p *Pool) runOne(ctx context.Context) (bool, error) {
	keys, err := p.svc.store.Scan(ctx, p.svc.queuePrefix())
	if err != nil {
		return false, fmt.Errorf("scanning queue: %w", err)
	}
	// Queue keys embed the creation timestamp, so lexicographic order is
	// FIFO order.
	sort.Strings(keys)

	for _, key := range keys {
		rec, err := p.svc.store.Get(ctx, key)
		if err != nil {
			return false, err
		}
		if rec == nil {
			continue
		}
		id := string(rec.Value)

		t, claimed, err := p.claim(ctx, id)
		if err != nil {
			return false, err
		}
		// The queue entry is done either way: claimed here, or already
		// claimed (or purged) elsewhere.
		if err := p.svc.store.Delete(ctx, key); err != nil {
			return false, err
		}
		if !claimed {
			continue
		}

		p.execute(ctx, t)
		return true, nil
	}
	return false, nil
}

// claim moves the task from submitted to running. The conditional write
// elects exactly one claimant among racing workers.
func (p *Pool) claim(ctx context.Context, id string) (*Task, bool, error) {
	claimed := false
	t, err := p.svc.mutate(ctx, id, func(t *Task) (bool, error) {
		if t.Status != StatusSubmitted {
			claimed = false
			return false, nil
		}
		t.Status = StatusRunning
		t.StartedAt = p.svc.now()
		claimed = true
		return true, nil
	})
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return t, claimed, nil
}

// execute runs the task function, holding the execution lease alive for
// the duration, and persists the single terminal write.
func (p *Pool) execute(ctx context.Context, t *Task) {
	log := p.log.With("task", t.ID, "function", t.Name)

	fn, ok := p.svc.registry.Lookup(t.Name)
	if !ok {
		// Registered at submit time but not in this process: another
		// deployment submitted it. Fail it rather than wedge the queue.
		if _, err := p.svc.finalize(ctx, t.ID, StatusFailed, nil, "function not registered on worker"); err != nil {
			log.Error("finalize failed", "error", err)
		}
		return
	}

	stopRenewal := p.holdLease(ctx, t)
	defer stopRenewal()

	result, runErr := p.runFunc(ctx, t, fn)

	status, errText := StatusDone, ""
	var raw json.RawMessage
	if runErr != nil {
		status, errText = StatusFailed, runErr.Error()
	} else if result != nil {
		encoded, err := json.Marshal(result)
		if err != nil {
			status, errText = StatusFailed, fmt.Sprintf("encoding result: %v", err)
		} else {
			raw = encoded
		}
	}

	if _, err := p.svc.finalize(ctx, t.ID, status, raw, errText); err != nil {
		log.Error("finalize failed", "error", err)
		return
	}
	if status == StatusFailed {
		log.Warn("task failed", "error", errText)
	} else {
		log.Debug("task done")
	}
}

// runFunc isolates the user function: a panic becomes a failed task, not
// a dead worker.
func (p *Pool) runFunc(ctx context.Context, t *Task, fn Func) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	inv := &Invocation{
		svc:       p.svc,
		ctx:       ctx,
		taskID:    t.ID,
		sessionID: t.SessionID,
		args:      t.Args,
	}
	return fn(inv)
}

// holdLease acquires the execution lease and renews it in the background
// until the returned stop function is called. The lease is the crash
// detector: if this process dies, renewal stops and the reaper fails the
// task once the TTL lapses. The task's uniqueness slot is renewed on the
// same cadence so it outlives long-running functions.
func (p *Pool) holdLease(ctx context.Context, t *Task) (stop func()) {
	key := p.svc.leaseKey(t.ID)
	lease := p.svc.cfg.Lease

	if _, err := p.svc.store.SetIfAbsent(ctx, key, []byte("held"), lease); err != nil {
		p.log.Warn("lease acquire failed", "task", t.ID, "error", err)
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(lease / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.svc.store.Expire(ctx, key, lease); err != nil {
					p.log.Warn("lease renewal failed", "task", t.ID, "error", err)
				}
				if t.ScopeKey != "" {
					if err := p.svc.enforcer.Renew(ctx, t.Name, t.ScopeKey, t.ID); err != nil {
						p.log.Warn("slot renewal failed", "task", t.ID, "error", err)
					}
				}
			}
		}
	}()

	return func() {
		close(done)
		// Best effort; the TTL would clean it up anyway.
		_ = p.svc.store.Delete(context.WithoutCancel(ctx), key)
	}
}

func (p *Pool) reaperLoop(ctx context.Context) {
	interval := p.svc.cfg.Lease
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Reap(ctx); err != nil {
				metrics.StoreOutages.Inc()
				p.log.Warn("reap pass failed", "error", err)
			}
		}
	}
}

// Reap fails running tasks whose execution lease has lapsed. Renewal
// stops only when the worker process dies, so a missing lease means the
// function will never report back. Finalizing releases the uniqueness
// slot, which would otherwise stay held for the full slot lease.
func (p *Pool) Reap(ctx context.Context) error {
	tasks, err := p.svc.scanTasks(ctx)
	if err != nil {
		return err
	}

	for _, t := range tasks {
		if !t.Running() {
			continue
		}
		// Freshly claimed tasks get a full lease of grace; the claimant
		// may not have written its lease yet.
		if p.svc.now().Sub(t.StartedAt) < p.svc.cfg.Lease {
			continue
		}
		rec, err := p.svc.store.Get(ctx, p.svc.leaseKey(t.ID))
		if err != nil {
			return err
		}
		if rec != nil {
			continue
		}

		if _, err := p.svc.finalize(ctx, t.ID, StatusFailed, nil, "worker lease lapsed"); err != nil {
			return err
		}
		metrics.TasksReaped.Inc()
		p.log.Warn("reaped task with lapsed lease", "task", t.ID, "function", t.Name)
	}
	return nil
}
