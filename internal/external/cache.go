package external

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ResponseCache stores serialized collaborator responses keyed by request
// fingerprint. Implementations must be safe for concurrent use from
// multiple in-flight tool executions.
type ResponseCache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
}

// LocalCache is an in-process TTL cache used when Redis is not configured.
type LocalCache struct {
	mu sync.RWMutex
	m  map[string]localEntry
}

type localEntry struct {
	value []byte
	exp   time.Time
}

func NewLocalCache() *LocalCache {
	return &LocalCache{m: make(map[string]localEntry)}
}

func (c *LocalCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.RLock()
	ent, ok := c.m[key]
	c.mu.RUnlock()
	if !ok || ent.exp.Before(time.Now()) {
		return nil, false
	}
	return ent.value, true
}

func (c *LocalCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.m[key] = localEntry{value: value, exp: time.Now().Add(ttl)}
	c.mu.Unlock()
}

// RedisResponseCache shares collaborator responses across processes.
type RedisResponseCache struct {
	cli    *redis.Client
	prefix string
}

func NewRedisResponseCache(cli *redis.Client, prefix string) *RedisResponseCache {
	return &RedisResponseCache{cli: cli, prefix: prefix}
}

func (c *RedisResponseCache) Get(ctx context.Context, key string) ([]byte, bool) {
	raw, err := c.cli.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		return nil, false
	}
	return raw, true
}

func (c *RedisResponseCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	_ = c.cli.Set(ctx, c.prefix+key, value, ttl).Err()
}
