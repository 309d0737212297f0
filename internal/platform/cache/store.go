// Package cache provides the response cache injected into read handlers. Entries are grouped by the
// route pattern that produced them so mutations can invalidate every cached variant of a route.
package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store keeps opaque values with an expiry, indexed by route pattern.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, pattern, key string, value []byte, ttl time.Duration) error
	Invalidate(ctx context.Context, patterns ...string) error
}

// RedisStore stores entries with SET EX and tracks the keys of each pattern in a Redis set.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore constructs a RedisStore. Keys are namespaced under prefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	prefix = strings.Trim(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "bazaar"
	}
	return &RedisStore{client: client, prefix: prefix + ":cache"}
}

func (s *RedisStore) entryKey(key string) string {
	return s.prefix + ":entry:" + key
}

func (s *RedisStore) indexKey(pattern string) string {
	return s.prefix + ":idx:" + pattern
}

// Get returns the cached value for key.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := s.client.Get(ctx, s.entryKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Set stores value for ttl and records key under pattern.
func (s *RedisStore) Set(ctx context.Context, pattern, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	entry := s.entryKey(key)
	index := s.indexKey(pattern)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, entry, value, ttl)
		pipe.SAdd(ctx, index, entry)
		pipe.Expire(ctx, index, ttl)
		return nil
	})
	return err
}

// Invalidate drops every entry recorded under the patterns.
func (s *RedisStore) Invalidate(ctx context.Context, patterns ...string) error {
	for _, pattern := range patterns {
		index := s.indexKey(pattern)
		members, err := s.client.SMembers(ctx, index).Result()
		if err != nil {
			return err
		}
		keys := append(members, index)
		if err := s.client.Del(ctx, keys...).Err(); err != nil {
			return err
		}
	}
	return nil
}

// Ping reports whether Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

type memoryEntry struct {
	pattern string
	value   []byte
	expires time.Time
}

// MemoryStore is an in-process Store for tests and single-instance local runs.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryStore constructs a MemoryStore. A nil clock uses time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{entries: make(map[string]memoryEntry), now: now}
}

// Get returns the cached value for key, evicting it when expired.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !s.now().Before(entry.expires) {
		delete(s.entries, key)
		return nil, false, nil
	}
	return append([]byte(nil), entry.value...), true, nil
}

// Set stores value for ttl.
func (s *MemoryStore) Set(_ context.Context, pattern, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{pattern: pattern, value: append([]byte(nil), value...), expires: s.now().Add(ttl)}
	return nil
}

// Invalidate drops every entry stored under the patterns.
func (s *MemoryStore) Invalidate(_ context.Context, patterns ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	drop := make(map[string]struct{}, len(patterns))
	for _, p := range patterns {
		drop[p] = struct{}{}
	}
	for key, entry := range s.entries {
		if _, ok := drop[entry.pattern]; ok {
			delete(s.entries, key)
		}
	}
	return nil
}
