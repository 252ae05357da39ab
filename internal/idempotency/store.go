// Package idempotency caches transition results by request token so a
// retried request replays the original outcome instead of running twice.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/adoption/model"
)

// Store caches transition results. Keys are built by the workflow engine as
// "idem:{role}:{actor}:{token}".
type Store interface {
	// Check looks up a previous result by key. If the key exists and the
	// input hash matches, it returns the cached result. If the key exists
	// but the hash differs, it returns a CONFLICT error.
	Check(ctx context.Context, key string, inputHash string) (result *model.TransitionResult, found bool, err error)

	// Store saves a result keyed by the request key with a TTL.
	Store(ctx context.Context, key string, inputHash string, result model.TransitionResult, ttl time.Duration) error

	// Reserve marks key as in flight until Release or ttl, whichever comes
	// first. It reports false when the key is already reserved.
	Reserve(ctx context.Context, key string, inputHash string, ttl time.Duration) (bool, error)

	// Release drops the reservation on key. Stored results are kept.
	Release(ctx context.Context, key string) error

	// HealthCheck reports whether the backing store is reachable.
	HealthCheck(ctx context.Context) error
}

type entry struct {
	InputHash string                 `json:"input_hash"`
	Result    model.TransitionResult `json:"result"`
}

func reused(key string) error {
	return model.NewConflictError(fmt.Sprintf("request token %q already used with different input", key))
}

// MemoryStore is an in-memory Store with TTL support, for tests and
// single-instance deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	entries  map[string]*memEntry
	inflight map[string]time.Time
	now      func() time.Time
}

type memEntry struct {
	data      entry
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:  make(map[string]*memEntry),
		inflight: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Check implements Store.
func (s *MemoryStore) Check(_ context.Context, key string, inputHash string) (*model.TransitionResult, bool, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}

	if s.now().After(e.expiresAt) {
		s.mu.Lock()
		if cur, still := s.entries[key]; still && cur == e {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		return nil, false, nil
	}

	if e.data.InputHash != inputHash {
		return nil, true, reused(key)
	}
	result := e.data.Result
	result.Cascaded = append([]model.Change(nil), e.data.Result.Cascaded...)
	result.Created = append([]model.Ref(nil), e.data.Result.Created...)
	return &result, true, nil
}

// Store implements Store. The first result stored under a live key wins.
func (s *MemoryStore) Store(_ context.Context, key string, inputHash string, result model.TransitionResult, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if cur, ok := s.entries[key]; ok && now.Before(cur.expiresAt) {
		return nil
	}
	s.entries[key] = &memEntry{
		data:      entry{InputHash: inputHash, Result: result},
		expiresAt: now.Add(ttl),
	}
	return nil
}

// Reserve implements Store.
func (s *MemoryStore) Reserve(_ context.Context, key string, _ string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if until, ok := s.inflight[key]; ok && now.Before(until) {
		return false, nil
	}
	s.inflight[key] = now.Add(ttl)
	return true, nil
}

// Release implements Store.
func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.inflight, key)
	s.mu.Unlock()
	return nil
}

// HealthCheck implements Store.
func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

// Len returns the number of entries, including expired ones.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// RedisStore is a Redis-backed Store. Entries are written with SET NX so
// concurrent replicas agree on the first result.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// Check implements Store.
func (s *RedisStore) Check(ctx context.Context, key string, inputHash string) (*model.TransitionResult, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
	}
	if e.InputHash != inputHash {
		return nil, true, reused(key)
	}
	return &e.Result, true, nil
}

// Store implements Store.
func (s *RedisStore) Store(ctx context.Context, key string, inputHash string, result model.TransitionResult, ttl time.Duration) error {
	data, err := json.Marshal(entry{InputHash: inputHash, Result: result})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}
	if err := s.client.SetNX(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

func reservationKey(key string) string { return key + ":inflight" }

// Reserve implements Store with SET NX on a sibling key, so the reservation
// never shadows a stored result.
func (s *RedisStore) Reserve(ctx context.Context, key string, inputHash string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, reservationKey(key), inputHash, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis reserve %q: %w", key, err)
	}
	return ok, nil
}

// Release implements Store.
func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, reservationKey(key)).Err(); err != nil {
		return fmt.Errorf("redis release %q: %w", key, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
