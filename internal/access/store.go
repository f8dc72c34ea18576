package access

import (
	"context"
	"time"

	"dropcode-go/internal/cache"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const memoryStoreSize = 100_000

// MemoryStore keeps authorizations in process. Entries expire with the session.
type MemoryStore struct {
	lru *expirable.LRU[string, struct{}]
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{lru: expirable.NewLRU[string, struct{}](memoryStoreSize, nil, ttl)}
}

func (s *MemoryStore) ForSession(sessionID string) AuthorizedSet {
	if sessionID == "" {
		return nil
	}
	return &memorySet{store: s, sessionID: sessionID}
}

type memorySet struct {
	store     *MemoryStore
	sessionID string
}

func (m *memorySet) key(entry string) string {
	return m.sessionID + "|" + entry
}

func (m *memorySet) Contains(_ context.Context, entry string) (bool, error) {
	_, ok := m.store.lru.Get(m.key(entry))
	return ok, nil
}

func (m *memorySet) Add(_ context.Context, entry string) error {
	m.store.lru.Add(m.key(entry), struct{}{})
	return nil
}

// RedisStore keeps one Redis set per session so authorizations survive
// restarts and are shared between instances.
type RedisStore struct {
	client *cache.RedisClient
	ttl    time.Duration
}

func NewRedisStore(client *cache.RedisClient, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) ForSession(sessionID string) AuthorizedSet {
	if sessionID == "" {
		return nil
	}
	return &redisSet{store: s, key: "dropcode:session:" + sessionID + ":authorized"}
}

type redisSet struct {
	store *RedisStore
	key   string
}

func (r *redisSet) Contains(ctx context.Context, entry string) (bool, error) {
	return r.store.client.IsMember(ctx, r.key, entry)
}

func (r *redisSet) Add(ctx context.Context, entry string) error {
	return r.store.client.AddMember(ctx, r.key, entry, r.store.ttl)
}
