package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// entry is a stored record with its expiry deadline. A zero expiresAt means
// the entry never expires.
type entry struct {
	value     []byte
	version   int64
	expiresAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryStore implements Store with an in-process map. It is the reference
// backend: tests and single-process deployments use it directly, and the
// redis and postgres backends mirror its semantics.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*entry

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*entry),
	}
}

// Get retrieves a record. Returns nil, nil when absent or expired.
func (s *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key]
	if !ok || e.expired(time.Now()) {
		return nil, nil //nolint:nilnil // Store contract specifies nil,nil for not-found
	}
	value := make([]byte, len(e.value))
	copy(value, e.value)
	return &Record{Value: value, Version: e.version}, nil
}

// Set writes a value unconditionally, bumping the version.
func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.put(key, value, ttl)
	return nil
}

// Delete removes a key.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return nil
}

// ConditionalSet writes value only when the current version matches.
func (s *MemoryStore) ConditionalSet(_ context.Context, key string, value []byte, expectedVersion int64, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if ok && e.expired(time.Now()) {
		delete(s.entries, key)
		ok = false
	}

	if !ok {
		if expectedVersion != 0 {
			return ErrVersionMismatch
		}
		s.put(key, value, ttl)
		return nil
	}

	if e.version != expectedVersion {
		return ErrVersionMismatch
	}
	s.put(key, value, ttl)
	return nil
}

// SetIfAbsent atomically writes value only when the key does not exist.
func (s *MemoryStore) SetIfAbsent(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if ok && !e.expired(time.Now()) {
		return false, nil
	}
	s.put(key, value, ttl)
	return true, nil
}

// Expire resets the key's TTL. Expiring an absent key is a no-op.
func (s *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || e.expired(time.Now()) {
		return nil
	}
	if ttl == 0 {
		e.expiresAt = time.Time{}
	} else {
		e.expiresAt = time.Now().Add(ttl)
	}
	return nil
}

// Scan returns all live keys beginning with prefix, sorted for deterministic
// iteration order.
func (s *MemoryStore) Scan(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	var keys []string
	for key, e := range s.entries {
		if strings.HasPrefix(key, prefix) && !e.expired(now) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// put inserts or overwrites an entry, carrying the version counter forward.
// Callers must hold the write lock.
func (s *MemoryStore) put(key string, value []byte, ttl time.Duration) {
	var version int64 = 1
	if prev, ok := s.entries[key]; ok && !prev.expired(time.Now()) {
		version = prev.version + 1
	}

	stored := make([]byte, len(value))
	copy(stored, value)

	e := &entry{value: stored, version: version}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	s.entries[key] = e
}

// Cleanup removes expired entries.
func (s *MemoryStore) Cleanup(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for key, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, key)
		}
	}
	return nil
}

// StartCleanupRoutine starts a background goroutine that periodically removes
// expired entries. The goroutine is stopped when Close is called.
func (s *MemoryStore) StartCleanupRoutine(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = s.Cleanup(ctx)
			}
		}
	}()
}

// Close stops the cleanup goroutine and waits for it to exit.
// It is safe to call Close even if StartCleanupRoutine was never called.
func (s *MemoryStore) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	return nil
}

// Verify interface compliance.
var _ Store = (*MemoryStore)(nil)
