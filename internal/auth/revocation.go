package auth

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RevocationList answers whether a session or token id was revoked by the
// identity issuer.
type RevocationList interface {
	IsRevoked(ctx context.Context, id string) (bool, error)
}

// MemoryRevocations is a static, in-process revocation list.
type MemoryRevocations struct {
	mu  sync.RWMutex
	ids map[string]struct{}
}

func NewMemoryRevocations(ids ...string) *MemoryRevocations {
	m := &MemoryRevocations{ids: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		m.ids[id] = struct{}{}
	}
	return m
}

func (m *MemoryRevocations) Revoke(id string) {
	m.mu.Lock()
	m.ids[id] = struct{}{}
	m.mu.Unlock()
}

func (m *MemoryRevocations) IsRevoked(_ context.Context, id string) (bool, error) {
	m.mu.RLock()
	_, ok := m.ids[id]
	m.mu.RUnlock()
	return ok, nil
}

// RevokedSessionsKey is the Redis set the identity issuer adds revoked
// session and token ids to.
const RevokedSessionsKey = "messager:revoked_sessions"

// RedisRevocations checks membership in a Redis set shared with the issuer.
type RedisRevocations struct {
	client *redis.Client
	key    string
}

func NewRedisRevocations(client *redis.Client) *RedisRevocations {
	return &RedisRevocations{client: client, key: RevokedSessionsKey}
}

func (r *RedisRevocations) IsRevoked(ctx context.Context, id string) (bool, error) {
	ok, err := r.client.SIsMember(ctx, r.key, id).Result()
	if err != nil {
		return false, fmt.Errorf("redis revocation lookup: %w", err)
	}
	return ok, nil
}

// Revoke adds id to the shared set.
func (r *RedisRevocations) Revoke(ctx context.Context, id string) error {
	if err := r.client.SAdd(ctx, r.key, id).Err(); err != nil {
		return fmt.Errorf("redis revoke: %w", err)
	}
	return nil
}

// Revocations combines several lists; an id revoked in any of them is revoked.
type Revocations []RevocationList

func (rs Revocations) IsRevoked(ctx context.Context, id string) (bool, error) {
	for _, l := range rs {
		ok, err := l.IsRevoked(ctx, id)
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}
