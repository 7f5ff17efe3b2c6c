// Package store defines the shared record store contract that every remlab
// component coordinates through. Processes share no memory; conditional
// writes, set-if-absent and TTL expiry on the store are the only
// synchronization primitives available across them.
package store

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by Store implementations.
var (
	// ErrVersionMismatch is returned by ConditionalSet when the record's
	// current version differs from the expected one.
	ErrVersionMismatch = errors.New("store: version mismatch")

	// ErrUnavailable wraps transient backend failures (network, connection
	// pool exhaustion). Callers back off and retry rather than crash.
	ErrUnavailable = errors.New("store: unavailable")
)

// Record is a stored value together with the version counter used for
// optimistic concurrency.
type Record struct {
	Value   []byte
	Version int64
}

// Store is the minimum contract remlab requires from a shared key/value
// backend. Any store offering these primitives is sufficient.
type Store interface {
	// Get retrieves a record. Returns nil, nil when the key is absent or
	// has expired.
	Get(ctx context.Context, key string) (*Record, error)

	// Set writes a value unconditionally, bumping the version. A zero ttl
	// means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// ConditionalSet writes value only if the record's version equals
	// expectedVersion, bumping the version on success. An expectedVersion
	// of zero requires the key to be absent (create-only). Returns
	// ErrVersionMismatch on conflict.
	ConditionalSet(ctx context.Context, key string, value []byte, expectedVersion int64, ttl time.Duration) error

	// SetIfAbsent atomically writes value only when the key does not
	// exist. Returns true when the write happened.
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Expire resets the key's TTL. A zero ttl removes the expiry.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Scan returns all live keys beginning with prefix.
	Scan(ctx context.Context, prefix string) ([]string, error)

	// Close releases backend resources and stops background routines.
	Close() error
}
