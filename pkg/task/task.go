// Package task provides the durable task queue: a registry of named
// functions, a submission API and a worker pool that executes tasks
// claimed from the shared store. Every process sees the same queue; a
// task submitted anywhere runs on whichever worker claims it first.
package task

import (
	"encoding/json"
	"errors"
	"time"
)

// Sentinel errors surfaced by the task service.
var (
	// ErrNotFound is returned when no task record exists for an id.
	ErrNotFound = errors.New("task: not found")

	// ErrUnknownFunction is returned by Submit for an unregistered name.
	ErrUnknownFunction = errors.New("task: unknown function")

	// ErrTimeout is returned by Join when the wait budget lapses and the
	// caller asked for an error.
	ErrTimeout = errors.New("task: join timed out")

	// ErrConcurrentUpdate is returned when a conditional write keeps
	// losing past the retry budget.
	ErrConcurrentUpdate = errors.New("task: concurrent update")
)

// Status is the lifecycle state of a task. It only advances:
// submitted -> running -> done | failed.
type Status string

const (
	StatusSubmitted Status = "submitted"
	StatusRunning   Status = "running"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
)

// Scope selects the uniqueness rule applied at submission.
type Scope string

const (
	// ScopeNone runs any number of instances concurrently.
	ScopeNone Scope = "none"

	// ScopeUser allows one running instance per function per user.
	ScopeUser Scope = "user"

	// ScopeGlobal allows one running instance per function across the
	// whole deployment.
	ScopeGlobal Scope = "global"
)

// Task is the durable record of one submission. Result and Error are
// written exactly once, in the same conditional write that moves Status
// to its terminal value.
type Task struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Name      string          `json:"name"`
	Args      json.RawMessage `json:"args,omitempty"`

	Status Status          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`

	// Data is an opaque progress blob the running function may update;
	// submitters read it through Get while the task runs.
	Data map[string]any `json:"data,omitempty"`

	// StopRequested is a cooperative flag. The runtime never kills a
	// task; the function polls Stopping and winds down voluntarily.
	StopRequested bool `json:"stop_requested"`

	Scope Scope `json:"scope"`

	// ScopeKey is the resolved uniqueness key captured at submission, so
	// finalization can release the slot even after the session is gone.
	ScopeKey string `json:"scope_key,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`

	// Version is the store's optimistic-concurrency counter; it is not
	// part of the serialized record.
	Version int64 `json:"-"`
}

// Finished reports whether the task reached a terminal status.
func (t *Task) Finished() bool {
	return t.Status == StatusDone || t.Status == StatusFailed
}

// Running reports whether a worker currently owns the task.
func (t *Task) Running() bool {
	return t.Status == StatusRunning
}

// BindResult unmarshals the task's result into v.
func (t *Task) BindResult(v any) error {
	if len(t.Result) == 0 {
		return nil
	}
	return json.Unmarshal(t.Result, v)
}
