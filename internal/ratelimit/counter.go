// Package ratelimit implements the per-platform call budget. Budgets are
// fixed windows backed by an atomic increment-with-TTL counter so concurrent
// drainers, possibly in different processes, never read-then-write. A window
// opens on the first call after the previous one expired, so a burst of up
// to twice the limit is possible across a window boundary.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/maheshrc27/postflow/pkg/clock"
	"github.com/redis/go-redis/v9"
)

type Counter interface {
	// Incr atomically increments key, starting a window of the given length
	// on the first hit. It returns the new count and the time left in the window.
	Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
	// Peek returns the current count and remaining window without mutating.
	Peek(ctx context.Context, key string) (int64, time.Duration, error)
}

// incrScript keeps INCR and the first PEXPIRE in one atomic step.
var incrScript = redis.NewScript(`
local c = redis.call('INCR', KEYS[1])
if c == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {c, ttl}
`)

type RedisCounter struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRedisCounter(rdb redis.UniversalClient, prefix string) *RedisCounter {
	return &RedisCounter{rdb: rdb, prefix: prefix}
}

func (c *RedisCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	res, err := incrScript.Run(ctx, c.rdb, []string{c.prefix + key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, 0, err
	}
	return res[0], time.Duration(res[1]) * time.Millisecond, nil
}

func (c *RedisCounter) Peek(ctx context.Context, key string) (int64, time.Duration, error) {
	pipe := c.rdb.Pipeline()
	getCmd := pipe.Get(ctx, c.prefix+key)
	ttlCmd := pipe.PTTL(ctx, c.prefix+key)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return 0, 0, err
	}
	n, err := getCmd.Int64()
	if err == redis.Nil {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}
	ttl := ttlCmd.Val()
	if ttl < 0 {
		ttl = 0
	}
	return n, ttl, nil
}

type memoryEntry struct {
	count   int64
	expires time.Time
}

// MemoryCounter is a process-local Counter for tests and single-node runs.
type MemoryCounter struct {
	mu    sync.Mutex
	clock clock.Clock
	m     map[string]*memoryEntry
}

func NewMemoryCounter(c clock.Clock) *MemoryCounter {
	if c == nil {
		c = clock.Real()
	}
	return &MemoryCounter{clock: c, m: make(map[string]*memoryEntry)}
}

func (c *MemoryCounter) Incr(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.m[key]
	if e == nil || !now.Before(e.expires) {
		e = &memoryEntry{expires: now.Add(window)}
		c.m[key] = e
	}
	e.count++
	return e.count, e.expires.Sub(now), nil
}

func (c *MemoryCounter) Peek(_ context.Context, key string) (int64, time.Duration, error) {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.m[key]
	if e == nil || !now.Before(e.expires) {
		return 0, 0, nil
	}
	return e.count, e.expires.Sub(now), nil
}
