// Package session maps (owner, agent) pairs to conversation session ids in
// a shared store, so any replica can continue a conversation after restart.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrNotFound = errors.New("session not found")

const DefaultTTL = 24 * time.Hour

type Store interface {
	Get(ctx context.Context, ownerID, agentID string) (string, error)
	Set(ctx context.Context, ownerID, agentID, sessionID string) error
	Delete(ctx context.Context, ownerID, agentID string) error
	// Resolve returns the existing session id or atomically creates one.
	Resolve(ctx context.Context, ownerID, agentID string) (string, error)
}

type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func redisKey(ownerID, agentID string) string {
	return fmt.Sprintf("session:%s:%s", ownerID, agentID)
}

func (s *RedisStore) Get(ctx context.Context, ownerID, agentID string) (string, error) {
	id, err := s.rdb.Get(ctx, redisKey(ownerID, agentID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get session: %w", err)
	}
	return id, nil
}

func (s *RedisStore) Set(ctx context.Context, ownerID, agentID, sessionID string) error {
	if err := s.rdb.Set(ctx, redisKey(ownerID, agentID), sessionID, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set session: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, ownerID, agentID string) error {
	if err := s.rdb.Del(ctx, redisKey(ownerID, agentID)).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (s *RedisStore) Resolve(ctx context.Context, ownerID, agentID string) (string, error) {
	key := redisKey(ownerID, agentID)
	candidate := uuid.New().String()
	ok, err := s.rdb.SetNX(ctx, key, candidate, s.ttl).Result()
	if err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}
	if ok {
		return candidate, nil
	}

	id, err := s.rdb.Get(ctx, key).Result()
	if err != nil {
		return "", fmt.Errorf("failed to get session: %w", err)
	}
	// sliding expiry
	_ = s.rdb.Expire(ctx, key, s.ttl).Err()
	return id, nil
}

type memoryEntry struct {
	id      string
	expires time.Time
}

// MemoryStore is a single-process Store for tests and the memory backend.
type MemoryStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]memoryEntry
	now     func() time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{ttl: ttl, entries: make(map[string]memoryEntry), now: time.Now}
}

func (s *MemoryStore) lookup(key string) (string, bool) {
	e, ok := s.entries[key]
	if !ok {
		return "", false
	}
	if !s.now().Before(e.expires) {
		delete(s.entries, key)
		return "", false
	}
	return e.id, true
}

func (s *MemoryStore) Get(_ context.Context, ownerID, agentID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.lookup(redisKey(ownerID, agentID)); ok {
		return id, nil
	}
	return "", ErrNotFound
}

func (s *MemoryStore) Set(_ context.Context, ownerID, agentID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[redisKey(ownerID, agentID)] = memoryEntry{id: sessionID, expires: s.now().Add(s.ttl)}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, ownerID, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, redisKey(ownerID, agentID))
	return nil
}

func (s *MemoryStore) Resolve(_ context.Context, ownerID, agentID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := redisKey(ownerID, agentID)
	id, ok := s.lookup(key)
	if !ok {
		id = uuid.New().String()
	}
	s.entries[key] = memoryEntry{id: id, expires: s.now().Add(s.ttl)}
	return id, nil
}

type contextKey struct{}

// WithSessionID carries a resolved session id through a request.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, contextKey{}, sessionID)
}

func FromContext(ctx context.Context) string {
	if id, ok := ctx.Value(contextKey{}).(string); ok {
		return id
	}
	return ""
}
