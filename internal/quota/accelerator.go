package quota

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shariqsway/nest-api-key-auth-sub000/internal/breaker"
	"github.com/shariqsway/nest-api-key-auth-sub000/internal/cache"
)

// ErrMiss is returned by an Accelerator holding no counter for a key.
var ErrMiss = errors.New("quota counter not loaded")

// Counter is an accelerated view of a key's usage for the current period.
type Counter struct {
	Used    int64
	ResetAt time.Time
}

// Accelerator is a fast shared counter in front of the repository. Counters
// expire at the period boundary, after which they must be seeded again.
type Accelerator interface {
	Load(ctx context.Context, id uuid.UUID) (Counter, error)
	// Seed stores c unless a counter already exists.
	Seed(ctx context.Context, id uuid.UUID, c Counter) error
	// Increment adds one unit unless limit (when positive) is reached. It
	// returns ErrMiss when the counter must be seeded first.
	Increment(ctx context.Context, id uuid.UUID, limit int64) (Counter, bool, error)
	// Reset overwrites the counter with c. A reset time not after now
	// drops the counter instead.
	Reset(ctx context.Context, id uuid.UUID, c Counter) error
}

var seedScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'used', ARGV[1], 'reset', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// Returns {applied, used, reset_ms}; applied is -1 when nothing is loaded.
var incrementScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return {-1, 0, 0}
end
local used = tonumber(redis.call('HGET', KEYS[1], 'used') or '0')
local reset = tonumber(redis.call('HGET', KEYS[1], 'reset') or '0')
local limit = tonumber(ARGV[1])
if limit > 0 and used >= limit then
  return {0, used, reset}
end
used = redis.call('HINCRBY', KEYS[1], 'used', 1)
return {1, used, reset}
`)

// RedisAccelerator keeps counters as redis hashes {used, reset} under
// cache.QuotaKey, expiring at the reset time.
type RedisAccelerator struct {
	client  redis.UniversalClient
	breaker *breaker.Breaker
	now     func() time.Time
}

type AcceleratorOption func(*RedisAccelerator)

func WithAcceleratorClock(now func() time.Time) AcceleratorOption {
	return func(a *RedisAccelerator) { a.now = now }
}

func NewRedisAccelerator(client redis.UniversalClient, b *breaker.Breaker, opts ...AcceleratorOption) *RedisAccelerator {
	if b == nil {
		b = breaker.New("redis-quota", breaker.DefaultSettings())
	}
	a := &RedisAccelerator{client: client, breaker: b, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *RedisAccelerator) Load(ctx context.Context, id uuid.UUID) (Counter, error) {
	var vals []interface{}
	err := a.breaker.Do(func() error {
		var err error
		vals, err = a.client.HMGet(ctx, cache.QuotaKey(id), "used", "reset").Result()
		return err
	})
	if err != nil {
		return Counter{}, fmt.Errorf("load quota counter: %w", err)
	}
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return Counter{}, ErrMiss
	}

	used, err := strconv.ParseInt(fmt.Sprint(vals[0]), 10, 64)
	if err != nil {
		return Counter{}, fmt.Errorf("parse quota counter: %w", err)
	}
	resetMs, err := strconv.ParseInt(fmt.Sprint(vals[1]), 10, 64)
	if err != nil {
		return Counter{}, fmt.Errorf("parse quota reset: %w", err)
	}
	return Counter{Used: used, ResetAt: time.UnixMilli(resetMs).UTC()}, nil
}

func (a *RedisAccelerator) Seed(ctx context.Context, id uuid.UUID, c Counter) error {
	ttl := c.ResetAt.Sub(a.now())
	if ttl <= 0 {
		return nil
	}
	return a.breaker.Do(func() error {
		return seedScript.Run(ctx, a.client, []string{cache.QuotaKey(id)},
			c.Used, c.ResetAt.UnixMilli(), ttl.Milliseconds()).Err()
	})
}

func (a *RedisAccelerator) Increment(ctx context.Context, id uuid.UUID, limit int64) (Counter, bool, error) {
	var raw []interface{}
	err := a.breaker.Do(func() error {
		var err error
		raw, err = incrementScript.Run(ctx, a.client, []string{cache.QuotaKey(id)}, limit).Slice()
		return err
	})
	if err != nil {
		return Counter{}, false, fmt.Errorf("increment quota counter: %w", err)
	}
	if len(raw) != 3 {
		return Counter{}, false, fmt.Errorf("unexpected quota script reply: %v", raw)
	}

	applied, _ := raw[0].(int64)
	used, _ := raw[1].(int64)
	resetMs, _ := raw[2].(int64)
	if applied < 0 {
		return Counter{}, false, ErrMiss
	}
	return Counter{Used: used, ResetAt: time.UnixMilli(resetMs).UTC()}, applied == 1, nil
}

func (a *RedisAccelerator) Reset(ctx context.Context, id uuid.UUID, c Counter) error {
	key := cache.QuotaKey(id)
	ttl := c.ResetAt.Sub(a.now())
	return a.breaker.Do(func() error {
		_, err := a.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			if ttl > 0 {
				pipe.HSet(ctx, key, "used", c.Used, "reset", c.ResetAt.UnixMilli())
				pipe.PExpire(ctx, key, ttl)
			}
			return nil
		})
		return err
	})
}

var _ Accelerator = (*RedisAccelerator)(nil)
