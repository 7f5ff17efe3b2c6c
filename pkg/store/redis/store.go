// Package redis provides a Redis-backed record store. Versioned records are
// kept as JSON envelopes; conditional writes go through Lua scripts so the
// version check and the write are a single atomic step on the server.
package redis

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"github.com/remlab/remlab/pkg/store"
)

// envelope is the stored JSON wrapper. The value is base64-encoded so the
// envelope stays valid JSON for the server-side scripts regardless of the
// payload bytes.
type envelope struct {
	Version int64  `json:"ver"`
	Value   string `json:"val"`
}

// setScript bumps the version of an existing record or creates version 1.
var setScript = goredis.NewScript(`
local cur = redis.call('GET', KEYS[1])
local ver = 1
if cur then
  ver = cjson.decode(cur)['ver'] + 1
end
redis.call('SET', KEYS[1], cjson.encode({ver=ver, val=ARGV[1]}))
if tonumber(ARGV[2]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return ver
`)

// casScript performs the compare-and-swap. Returns -1 on version mismatch.
// An expected version of 0 means the key must be absent (create-only).
var casScript = goredis.NewScript(`
local cur = redis.call('GET', KEYS[1])
local expected = tonumber(ARGV[2])
if not cur then
  if expected ~= 0 then return -1 end
else
  if cjson.decode(cur)['ver'] ~= expected then return -1 end
end
local ver = expected + 1
redis.call('SET', KEYS[1], cjson.encode({ver=ver, val=ARGV[1]}))
if tonumber(ARGV[3]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return ver
`)

// Store implements store.Store on a Redis client.
type Store struct {
	client *goredis.Client
}

// Config configures the Redis store.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// New creates a Redis store and verifies connectivity.
func New(ctx context.Context, cfg Config) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: pinging redis: %v", store.ErrUnavailable, err)
	}
	return &Store{client: client}, nil
}

// NewWithClient wraps an existing client, for tests and shared pools.
func NewWithClient(client *goredis.Client) *Store {
	return &Store{client: client}
}

// Get retrieves a record. Returns nil, nil when the key is absent.
func (s *Store) Get(ctx context.Context, key string) (*store.Record, error) {
	raw, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil //nolint:nilnil // Store contract specifies nil,nil for not-found
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %v", store.ErrUnavailable, key, err)
	}
	return decodeEnvelope(key, []byte(raw))
}

// Set writes a value unconditionally, bumping the version.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := setScript.Run(ctx, s.client, []string{key},
		base64.StdEncoding.EncodeToString(value), ttl.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("%w: set %s: %v", store.ErrUnavailable, key, err)
	}
	return nil
}

// Delete removes a key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: del %s: %v", store.ErrUnavailable, key, err)
	}
	return nil
}

// ConditionalSet writes value only when the record's version matches.
func (s *Store) ConditionalSet(ctx context.Context, key string, value []byte, expectedVersion int64, ttl time.Duration) error {
	res, err := casScript.Run(ctx, s.client, []string{key},
		base64.StdEncoding.EncodeToString(value), expectedVersion, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("%w: cas %s: %v", store.ErrUnavailable, key, err)
	}
	if res < 0 {
		return store.ErrVersionMismatch
	}
	return nil
}

// SetIfAbsent atomically writes value only when the key does not exist.
func (s *Store) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	env, err := json.Marshal(envelope{Version: 1, Value: base64.StdEncoding.EncodeToString(value)})
	if err != nil {
		return false, fmt.Errorf("marshaling envelope: %w", err)
	}
	ok, err := s.client.SetNX(ctx, key, env, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: setnx %s: %v", store.ErrUnavailable, key, err)
	}
	return ok, nil
}

// Expire resets the key's TTL. A zero ttl removes the expiry.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	var err error
	if ttl == 0 {
		err = s.client.Persist(ctx, key).Err()
	} else {
		err = s.client.PExpire(ctx, key, ttl).Err()
	}
	if err != nil {
		return fmt.Errorf("%w: expire %s: %v", store.ErrUnavailable, key, err)
	}
	return nil
}

// Scan returns all keys beginning with prefix, walking the SCAN cursor.
func (s *Store) Scan(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: scan %s: %v", store.ErrUnavailable, prefix, err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

func decodeEnvelope(key string, raw []byte) (*store.Record, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope for %s: %w", key, err)
	}
	value, err := base64.StdEncoding.DecodeString(env.Value)
	if err != nil {
		return nil, fmt.Errorf("decoding value for %s: %w", key, err)
	}
	return &store.Record{Value: value, Version: env.Version}, nil
}

// Verify interface compliance.
var _ store.Store = (*Store)(nil)
