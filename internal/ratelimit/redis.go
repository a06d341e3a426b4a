package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shariqsway/nest-api-key-auth-sub000/internal/breaker"
	"github.com/shariqsway/nest-api-key-auth-sub000/internal/cache"
)

// fixedWindowScript checks and counts atomically so concurrent instances
// never lose updates. Returns {allowed, count, pttl}.
var fixedWindowScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
if current == 0 then
  redis.call('SET', KEYS[1], 1, 'PX', window)
  if limit > 0 then
    return {1, 1, window}
  end
  return {0, 1, window}
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], window)
  ttl = window
end
if current < limit then
  local n = redis.call('INCR', KEYS[1])
  return {1, n, ttl}
end
return {0, current, ttl}
`)

// RedisLimiter shares fixed-window counters across instances. When redis
// is unreachable it degrades to a process-local MemoryLimiter.
type RedisLimiter struct {
	client   redis.UniversalClient
	breaker  *breaker.Breaker
	fallback *MemoryLimiter
	logger   *slog.Logger
	now      func() time.Time

	onFallback func(error)
}

type RedisOption func(*RedisLimiter)

func WithLogger(l *slog.Logger) RedisOption {
	return func(r *RedisLimiter) { r.logger = l }
}

// WithFallbackHook is called each time a check is served by the fallback.
func WithFallbackHook(fn func(error)) RedisOption {
	return func(r *RedisLimiter) { r.onFallback = fn }
}

// WithRedisClock overrides the clock used to turn PTTL into ResetAt.
func WithRedisClock(now func() time.Time) RedisOption {
	return func(r *RedisLimiter) { r.now = now }
}

func NewRedisLimiter(client redis.UniversalClient, b *breaker.Breaker, opts ...RedisOption) *RedisLimiter {
	if b == nil {
		b = breaker.New("redis-ratelimit", breaker.DefaultSettings())
	}
	r := &RedisLimiter{
		client:   client,
		breaker:  b,
		fallback: NewMemoryLimiter(),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RedisLimiter) Check(ctx context.Context, identity string, limit int, window time.Duration) (Result, error) {
	res, err := r.checkRedis(ctx, identity, limit, window)
	if err == nil {
		return res, nil
	}

	r.logger.Warn("rate limit store unavailable, using local counters",
		"identity", identity, "error", err)
	if r.onFallback != nil {
		r.onFallback(err)
	}
	return r.fallback.Check(ctx, identity, limit, window)
}

func (r *RedisLimiter) checkRedis(ctx context.Context, identity string, limit int, window time.Duration) (Result, error) {
	windowMs := window.Milliseconds()
	if windowMs <= 0 {
		windowMs = 1
	}

	var raw []interface{}
	err := r.breaker.Do(func() error {
		var err error
		raw, err = fixedWindowScript.Run(ctx, r.client,
			[]string{cache.RateLimitKey(identity)}, limit, windowMs).Slice()
		return err
	})
	if err != nil {
		return Result{}, err
	}
	if len(raw) != 3 {
		return Result{}, fmt.Errorf("unexpected rate limit script reply: %v", raw)
	}

	allowed, _ := raw[0].(int64)
	count, _ := raw[1].(int64)
	ttlMs, _ := raw[2].(int64)

	return Result{
		Allowed:   allowed == 1,
		Limit:     limit,
		Remaining: max(limit-int(count), 0),
		ResetAt:   r.now().Add(time.Duration(ttlMs) * time.Millisecond),
	}, nil
}

// Sweep reclaims fallback counters.
func (r *RedisLimiter) Sweep() int {
	return r.fallback.Sweep()
}

// Run sweeps the fallback counters every interval until ctx is cancelled.
func (r *RedisLimiter) Run(ctx context.Context, interval time.Duration) {
	r.fallback.Run(ctx, interval)
}

var _ Limiter = (*RedisLimiter)(nil)
