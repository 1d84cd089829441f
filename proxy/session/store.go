// Package session maps SSE session ids to upstream message endpoints. The
// default store is in-memory; a redis-backed store lets multiple proxy
// replicas share the mapping.
package session

import (
	"context"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mithril-labs/mithril-proxy/internal/collection"
)

// EnvRedisAddr selects the redis-backed store when set.
const EnvRedisAddr = "SESSION_REDIS_ADDR"

// Store persists the session id to upstream endpoint mapping.
type Store interface {
	Put(ctx context.Context, sessionID, endpoint string) error
	Get(ctx context.Context, sessionID string) (string, bool, error)
	Delete(ctx context.Context, sessionID string) error
}

// FromEnv returns the redis store when SESSION_REDIS_ADDR is set, otherwise
// the in-memory store.
func FromEnv() Store {
	if addr := os.Getenv(EnvRedisAddr); addr != "" {
		return NewRedisStore(addr)
	}
	return NewMemoryStore()
}

// MemoryStore is the default single-process store.
type MemoryStore struct {
	endpoints *collection.SyncMap[string, string]
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{endpoints: collection.NewSyncMap[string, string]()}
}

func (s *MemoryStore) Put(ctx context.Context, sessionID, endpoint string) error {
	s.endpoints.Put(sessionID, endpoint)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, sessionID string) (string, bool, error) {
	endpoint, ok := s.endpoints.Get(sessionID)
	return endpoint, ok, nil
}

func (s *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	s.endpoints.Delete(sessionID)
	return nil
}

const (
	redisKeyPrefix = "mithril:session:"
	redisTTL       = 24 * time.Hour
)

// RedisStore shares sessions across proxy replicas.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to the given redis address.
func NewRedisStore(addr string) *RedisStore {
	return &RedisStore{client: redis.NewClient(&redis.Options{Addr: addr})}
}

func (s *RedisStore) Put(ctx context.Context, sessionID, endpoint string) error {
	return s.client.Set(ctx, redisKeyPrefix+sessionID, endpoint, redisTTL).Err()
}

func (s *RedisStore) Get(ctx context.Context, sessionID string) (string, bool, error) {
	value, err := s.client.Get(ctx, redisKeyPrefix+sessionID).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	return s.client.Del(ctx, redisKeyPrefix+sessionID).Err()
}
