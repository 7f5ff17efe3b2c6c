// Package unique enforces at-most-one active task per (function, scope)
// across every process sharing the store. A reservation is one atomic
// set-if-absent; the slot is leased with a TTL and renewed by the running
// worker, so a crashed worker frees its slot when the lease lapses instead
// of holding it forever.
package unique

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/remlab/remlab/pkg/store"
)

// ErrAlreadyRunning is surfaced to the submitter when the slot is held.
// The submission is rejected outright, never queued or merged.
var ErrAlreadyRunning = errors.New("unique: task already running")

// ScopeGlobal is the fixed scope key for globally unique tasks.
const ScopeGlobal = "global"

// DefaultLease is the slot TTL when none is configured. A running worker
// renews well inside this window.
const DefaultLease = 2 * time.Minute

// Enforcer maintains the uniqueness index.
type Enforcer struct {
	store  store.Store
	prefix string
	lease  time.Duration
}

// New creates an Enforcer writing under prefix with the given slot lease.
func New(st store.Store, prefix string, lease time.Duration) *Enforcer {
	if lease == 0 {
		lease = DefaultLease
	}
	return &Enforcer{store: st, prefix: prefix, lease: lease}
}

// Lease exposes the slot TTL so workers can pick a renewal cadence.
func (e *Enforcer) Lease() time.Duration {
	return e.lease
}

func (e *Enforcer) key(function, scopeKey string) string {
	return e.prefix + ":unique:" + function + ":" + scopeKey
}

// Reserve claims the (function, scopeKey) slot for taskID. Returns
// ErrAlreadyRunning when another task holds it.
func (e *Enforcer) Reserve(ctx context.Context, function, scopeKey, taskID string) error {
	ok, err := e.store.SetIfAbsent(ctx, e.key(function, scopeKey), []byte(taskID), e.lease)
	if err != nil {
		return fmt.Errorf("reserving %s/%s: %w", function, scopeKey, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s (scope %s)", ErrAlreadyRunning, function, scopeKey)
	}
	return nil
}

// Renew extends the lease while taskID still holds the slot. Renewing a
// slot that expired or changed hands is a no-op.
func (e *Enforcer) Renew(ctx context.Context, function, scopeKey, taskID string) error {
	holder, err := e.holder(ctx, function, scopeKey)
	if err != nil {
		return err
	}
	if holder != taskID {
		return nil
	}
	if err := e.store.Expire(ctx, e.key(function, scopeKey), e.lease); err != nil {
		return fmt.Errorf("renewing %s/%s: %w", function, scopeKey, err)
	}
	return nil
}

// Release frees the slot if taskID still holds it. Called by the worker at
// the same step that finalizes the task, so the slot's lifetime exactly
// brackets submitted/running.
func (e *Enforcer) Release(ctx context.Context, function, scopeKey, taskID string) error {
	holder, err := e.holder(ctx, function, scopeKey)
	if err != nil {
		return err
	}
	if holder != taskID {
		return nil
	}
	if err := e.store.Delete(ctx, e.key(function, scopeKey)); err != nil {
		return fmt.Errorf("releasing %s/%s: %w", function, scopeKey, err)
	}
	return nil
}

func (e *Enforcer) holder(ctx context.Context, function, scopeKey string) (string, error) {
	rec, err := e.store.Get(ctx, e.key(function, scopeKey))
	if err != nil {
		return "", fmt.Errorf("reading slot %s/%s: %w", function, scopeKey, err)
	}
	if rec == nil {
		return "", nil
	}
	return string(rec.Value), nil
}
