package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store wraps the key/value operations the services share: JSON blobs with
// TTLs, prefix scans for incident lookup and the persistent list backing the
// ticket fallback queue.
type Store struct {
	c *redis.Client
}

// SetJSON writes v under key with the given TTL. A zero TTL means no expiry.
func (s *Store) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.c.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// GetJSON reads key into v. The bool reports whether the key existed.
func (s *Store) GetJSON(ctx context.Context, key string, v any) (bool, error) {
	data, err := s.c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	if err := Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// Delete removes a key. Missing keys are not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.c.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("del %s: %w", key, err)
	}
	return nil
}

// Expire resets the TTL on an existing key.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.c.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("expire %s: %w", key, err)
	}
	return nil
}

// ScanPrefix returns every key starting with prefix. Uses SCAN, never KEYS,
// so it is safe against production instances.
func (s *Store) ScanPrefix(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.c.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan %s*: %w", prefix, err)
	}
	return keys, nil
}

// ListPush appends the encoded value to the tail of a list.
func (s *Store) ListPush(ctx context.Context, key string, v any) error {
	data, err := Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s entry: %w", key, err)
	}
	if err := s.c.RPush(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("rpush %s: %w", key, err)
	}
	return nil
}

// ListLen returns the length of a list. Missing lists have length zero.
func (s *Store) ListLen(ctx context.Context, key string) (int64, error) {
	n, err := s.c.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("llen %s: %w", key, err)
	}
	return n, nil
}

// ListRange returns the raw entries between start and stop inclusive
// (0, -1 for the whole list).
func (s *Store) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	entries, err := s.c.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange %s: %w", key, err)
	}
	return entries, nil
}

// ListSet overwrites the entry at index with the encoded value.
func (s *Store) ListSet(ctx context.Context, key string, index int64, v any) error {
	data, err := Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s entry: %w", key, err)
	}
	if err := s.c.LSet(ctx, key, index, data).Err(); err != nil {
		return fmt.Errorf("lset %s[%d]: %w", key, index, err)
	}
	return nil
}

// ListRemove deletes the first entry byte-equal to raw.
func (s *Store) ListRemove(ctx context.Context, key, raw string) error {
	if err := s.c.LRem(ctx, key, 1, raw).Err(); err != nil {
		return fmt.Errorf("lrem %s: %w", key, err)
	}
	return nil
}
