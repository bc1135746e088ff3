// Package counterstore is the single point of distributed state for the
// router: atomic counters with bucket-owned TTLs, plus JSON scalar storage,
// all backed by a shared Redis instance. Every piece of cross-process
// mutable state goes through here.
package counterstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// adjustScript atomically applies a delta to a counter and returns the new
// value. The TTL is only set when the key has no expiry yet, so the first
// writer in a bucket owns the bucket's lifetime and later adjustments never
// extend it. When clamping is requested a negative result is pulled back to
// zero in the same script invocation.
const adjustScript = `
local current = redis.call('INCRBY', KEYS[1], ARGV[1])
local ttl = tonumber(ARGV[2])
if ttl > 0 and redis.call('TTL', KEYS[1]) < 0 then
    redis.call('EXPIRE', KEYS[1], ttl)
end
if tonumber(ARGV[3]) == 1 and current < 0 then
    redis.call('INCRBY', KEYS[1], -current)
    current = 0
end
return current
`

// adjustFieldScript is the hash-field variant used for per-day metrics.
// TTL semantics match adjustScript: first writer owns the expiry.
const adjustFieldScript = `
local current = redis.call('HINCRBY', KEYS[1], ARGV[1], ARGV[2])
local ttl = tonumber(ARGV[3])
if ttl > 0 and redis.call('TTL', KEYS[1]) < 0 then
    redis.call('EXPIRE', KEYS[1], ttl)
end
return current
`

// Store adapts Redis into the atomic counter contract the router depends on.
// A Store failure is fatal for the in-flight routing decision: there is no
// local fallback, because budget correctness across processes takes priority
// over availability.
type Store struct {
	rdb         redis.UniversalClient
	adjust      *redis.Script
	adjustField *redis.Script
}

// New creates a Store on top of an existing Redis client.
func New(rdb redis.UniversalClient) *Store {
	return &Store{
		rdb:         rdb,
		adjust:      redis.NewScript(adjustScript),
		adjustField: redis.NewScript(adjustFieldScript),
	}
}

// Adjust atomically adds delta to the counter at key and returns the new
// value. ttl is applied only if the key carries no expiry yet. With
// clampToZero the stored and returned value never stay below zero.
func (s *Store) Adjust(ctx context.Context, key string, delta int64, ttl time.Duration, clampToZero bool) (int64, error) {
	clamp := 0
	if clampToZero {
		clamp = 1
	}
	n, err := s.adjust.Run(ctx, s.rdb, []string{key}, delta, int64(ttl.Seconds()), clamp).Int64()
	if err != nil {
		return 0, fmt.Errorf("counterstore: adjust %s: %w", key, err)
	}
	return n, nil
}

// AdjustField atomically adds delta to a hash field, applying ttl to the
// hash key on first write.
func (s *Store) AdjustField(ctx context.Context, key, field string, delta int64, ttl time.Duration) (int64, error) {
	n, err := s.adjustField.Run(ctx, s.rdb, []string{key}, field, delta, int64(ttl.Seconds())).Int64()
	if err != nil {
		return 0, fmt.Errorf("counterstore: adjust field %s.%s: %w", key, field, err)
	}
	return n, nil
}

// Read returns the current counter value, or 0 when the key does not exist.
func (s *Store) Read(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("counterstore: read %s: %w", key, err)
	}
	return n, nil
}

// ReadFields returns all integer fields of a hash. Missing keys yield an
// empty map.
func (s *Store) ReadFields(ctx context.Context, key string) (map[string]int64, error) {
	raw, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("counterstore: read fields %s: %w", key, err)
	}
	out := make(map[string]int64, len(raw))
	for f, v := range raw {
		var n int64
		if _, err := fmt.Sscan(v, &n); err == nil {
			out[f] = n
		}
	}
	return out, nil
}

// GetValue loads a JSON value into dest. Returns false when the key is
// absent or already expired.
func (s *Store) GetValue(ctx context.Context, key string, dest any) (bool, error) {
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("counterstore: get %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("counterstore: decode %s: %w", key, err)
	}
	return true, nil
}

// SetValue stores a JSON value with the given TTL, overwriting any
// previous entry.
func (s *Store) SetValue(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("counterstore: encode %s: %w", key, err)
	}
	if err := s.rdb.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("counterstore: set %s: %w", key, err)
	}
	return nil
}

// Touch refreshes the TTL of an existing key. Used by the concurrency
// semaphore so the safety expiry tracks the latest activity.
func (s *Store) Touch(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("counterstore: touch %s: %w", key, err)
	}
	return nil
}

// Ping verifies the store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("counterstore: ping: %w", err)
	}
	return nil
}
