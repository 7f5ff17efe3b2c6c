package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	memTestKey      = "remlab:session:abc"
	memTestShortTTL = 50 * time.Millisecond
)

func TestMemoryStore_SetAndGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, memTestKey, []byte("v1"), 0))

	rec, err := s.Get(ctx, memTestKey)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, []byte("v1"), rec.Value)
	assert.Equal(t, int64(1), rec.Version)
}

func TestMemoryStore_GetAbsent(t *testing.T) {
	s := NewMemoryStore()

	rec, err := s.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestMemoryStore_SetBumpsVersion(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, memTestKey, []byte("v1"), 0))
	require.NoError(t, s.Set(ctx, memTestKey, []byte("v2"), 0))

	rec, err := s.Get(ctx, memTestKey)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, []byte("v2"), rec.Value)
	assert.Equal(t, int64(2), rec.Version)
}

func TestMemoryStore_TTLExpiry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, memTestKey, []byte("v1"), memTestShortTTL))

	time.Sleep(2 * memTestShortTTL)

	rec, err := s.Get(ctx, memTestKey)
	require.NoError(t, err)
	assert.Nil(t, rec, "expired record should read as absent")
}

func TestMemoryStore_ConditionalSetCreate(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.ConditionalSet(ctx, memTestKey, []byte("v1"), 0, 0))

	err := s.ConditionalSet(ctx, memTestKey, []byte("again"), 0, 0)
	assert.ErrorIs(t, err, ErrVersionMismatch, "create-only write on existing key must conflict")
}

func TestMemoryStore_ConditionalSetVersioned(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, memTestKey, []byte("v1"), 0))

	require.NoError(t, s.ConditionalSet(ctx, memTestKey, []byte("v2"), 1, 0))

	err := s.ConditionalSet(ctx, memTestKey, []byte("stale"), 1, 0)
	assert.ErrorIs(t, err, ErrVersionMismatch)

	rec, err := s.Get(ctx, memTestKey)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, []byte("v2"), rec.Value)
	assert.Equal(t, int64(2), rec.Version)
}

func TestMemoryStore_ConditionalSetOnExpiredKey(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, memTestKey, []byte("v1"), memTestShortTTL))
	time.Sleep(2 * memTestShortTTL)

	// The expired record must behave exactly like an absent one.
	assert.ErrorIs(t, s.ConditionalSet(ctx, memTestKey, []byte("v2"), 1, 0), ErrVersionMismatch)
	require.NoError(t, s.ConditionalSet(ctx, memTestKey, []byte("v2"), 0, 0))
}

func TestMemoryStore_SetIfAbsent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	ok, err := s.SetIfAbsent(ctx, memTestKey, []byte("first"), 0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SetIfAbsent(ctx, memTestKey, []byte("second"), 0)
	require.NoError(t, err)
	assert.False(t, ok)

	rec, err := s.Get(ctx, memTestKey)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, []byte("first"), rec.Value)
}

func TestMemoryStore_SetIfAbsentAfterExpiry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	ok, err := s.SetIfAbsent(ctx, memTestKey, []byte("first"), memTestShortTTL)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(2 * memTestShortTTL)

	ok, err = s.SetIfAbsent(ctx, memTestKey, []byte("second"), 0)
	require.NoError(t, err)
	assert.True(t, ok, "slot must be free once the previous holder expired")
}

func TestMemoryStore_Expire(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, memTestKey, []byte("v1"), 0))
	require.NoError(t, s.Expire(ctx, memTestKey, memTestShortTTL))

	time.Sleep(2 * memTestShortTTL)

	rec, err := s.Get(ctx, memTestKey)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestMemoryStore_ExpireAbsentKey(t *testing.T) {
	s := NewMemoryStore()
	assert.NoError(t, s.Expire(context.Background(), "missing", time.Minute))
}

func TestMemoryStore_Scan(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "remlab:session:a", []byte("1"), 0))
	require.NoError(t, s.Set(ctx, "remlab:session:b", []byte("2"), 0))
	require.NoError(t, s.Set(ctx, "remlab:task:c", []byte("3"), 0))
	require.NoError(t, s.Set(ctx, "remlab:session:gone", []byte("4"), memTestShortTTL))

	time.Sleep(2 * memTestShortTTL)

	keys, err := s.Scan(ctx, "remlab:session:")
	require.NoError(t, err)
	assert.Equal(t, []string{"remlab:session:a", "remlab:session:b"}, keys)
}

func TestMemoryStore_Delete(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, memTestKey, []byte("v1"), 0))
	require.NoError(t, s.Delete(ctx, memTestKey))

	rec, err := s.Get(ctx, memTestKey)
	require.NoError(t, err)
	assert.Nil(t, rec)

	assert.NoError(t, s.Delete(ctx, memTestKey), "deleting an absent key is not an error")
}

func TestMemoryStore_CleanupRoutineLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, memTestKey, []byte("v1"), memTestShortTTL))

	s.StartCleanupRoutine(20 * time.Millisecond)
	time.Sleep(3 * memTestShortTTL)

	keys, err := s.Scan(ctx, "remlab:")
	require.NoError(t, err)
	assert.Empty(t, keys)

	assert.NoError(t, s.Close())
}

func TestMemoryStore_CloseWithoutStart(t *testing.T) {
	assert.NoError(t, NewMemoryStore().Close())
}

func TestMemoryStore_ConcurrentConditionalSet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, memTestKey, []byte("base"), 0))

	// Many racing CAS writers against version 1: exactly one may win.
	const writers = 16
	var wg sync.WaitGroup
	wins := make(chan struct{}, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.ConditionalSet(ctx, memTestKey, []byte("winner"), 1, 0); err == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	var count int
	for range wins {
		count++
	}
	assert.Equal(t, 1, count, "exactly one conditional write may succeed")
}
