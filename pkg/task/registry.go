package task

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/remlab/remlab/pkg/session"
)

// Func is a registered task function. It receives a call-scoped
// Invocation; nothing about the task or its session is ambient.
type Func func(inv *Invocation) (any, error)

// Registry maps function names to implementations. Registration happens
// at wiring time, before workers start; lookups are concurrent.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{funcs: map[string]Func{}}
}

// Register binds name to fn, replacing any previous binding.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = fn
}

// Lookup returns the function bound to name, or false.
func (r *Registry) Lookup(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

// Invocation is the execution handle passed to a running task function.
// It carries identity and context for exactly one call; progress and the
// stop flag are read fresh from the store on every access so that other
// processes see and drive them.
type Invocation struct {
	svc       *Service
	ctx       context.Context
	taskID    string
	sessionID string
	args      json.RawMessage
}

// TaskID returns the id of the running task.
func (inv *Invocation) TaskID() string { return inv.taskID }

// SessionID returns the owning session id.
func (inv *Invocation) SessionID() string { return inv.sessionID }

// Context returns the worker's context. It is cancelled when the worker
// shuts down; long-running functions should honor it.
func (inv *Invocation) Context() context.Context { return inv.ctx }

// Args returns the raw submission arguments.
func (inv *Invocation) Args() json.RawMessage { return inv.args }

// BindArgs unmarshals the submission arguments into v.
func (inv *Invocation) BindArgs(v any) error {
	if len(inv.args) == 0 {
		return nil
	}
	if err := json.Unmarshal(inv.args, v); err != nil {
		return fmt.Errorf("binding args for task %s: %w", inv.taskID, err)
	}
	return nil
}

// Session loads the owning session record.
func (inv *Invocation) Session() (*session.Session, error) {
	return inv.svc.sessions.Get(inv.ctx, inv.sessionID)
}

// Data reads the task's progress blob from the store.
func (inv *Invocation) Data() (map[string]any, error) {
	t, err := inv.svc.Get(inv.ctx, inv.taskID)
	if err != nil {
		return nil, err
	}
	return t.Data, nil
}

// UpdateData merges patch into the task's progress blob.
func (inv *Invocation) UpdateData(patch map[string]any) error {
	_, err := inv.svc.mutate(inv.ctx, inv.taskID, func(t *Task) (bool, error) {
		if t.Data == nil {
			t.Data = map[string]any{}
		}
		for k, v := range patch {
			t.Data[k] = v
		}
		return true, nil
	})
	return err
}

// Stopping re-reads the stop flag from the store. Functions poll this at
// convenient points and wind down voluntarily; the runtime never kills
// them.
func (inv *Invocation) Stopping() bool {
	t, err := inv.svc.Get(inv.ctx, inv.taskID)
	if err != nil {
		// On a store hiccup, keep running; the next poll will see the
		// flag.
		return false
	}
	return t.StopRequested
}
