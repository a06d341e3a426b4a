package ratelimit

import (
	"context"
	"sync"
	"time"
)

// windowCounter is one identity's current window.
type windowCounter struct {
	mu      sync.Mutex
	count   int
	resetAt time.Time
	swept   bool
}

// MemoryLimiter keeps counters in process. Each counter has its own mutex so
// identities never contend with each other.
type MemoryLimiter struct {
	counters sync.Map // identity -> *windowCounter
	now      func() time.Time
}

type MemoryOption func(*MemoryLimiter)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(l *MemoryLimiter) { l.now = now }
}

func NewMemoryLimiter(opts ...MemoryOption) *MemoryLimiter {
	l := &MemoryLimiter{now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *MemoryLimiter) Check(_ context.Context, identity string, limit int, window time.Duration) (Result, error) {
	now := l.now()
	wc := l.lockCounter(identity)
	defer wc.mu.Unlock()

	if wc.count == 0 || !now.Before(wc.resetAt) {
		wc.count = 1
		wc.resetAt = now.Add(window)
		return Result{Allowed: limit > 0, Limit: limit, Remaining: max(limit-1, 0), ResetAt: wc.resetAt}, nil
	}

	if wc.count < limit {
		wc.count++
		return Result{Allowed: true, Limit: limit, Remaining: limit - wc.count, ResetAt: wc.resetAt}, nil
	}
	return Result{Allowed: false, Limit: limit, Remaining: 0, ResetAt: wc.resetAt}, nil
}

// lockCounter returns identity's counter locked. A counter removed by Sweep
// between load and lock is skipped so no increment lands on an orphan.
func (l *MemoryLimiter) lockCounter(identity string) *windowCounter {
	for {
		value, _ := l.counters.LoadOrStore(identity, &windowCounter{})
		wc := value.(*windowCounter)
		wc.mu.Lock()
		if !wc.swept {
			return wc
		}
		wc.mu.Unlock()
	}
}

// Sweep drops counters whose window has elapsed.
func (l *MemoryLimiter) Sweep() int {
	now := l.now()
	removed := 0
	l.counters.Range(func(key, value any) bool {
		wc := value.(*windowCounter)
		wc.mu.Lock()
		if !now.Before(wc.resetAt) {
			wc.swept = true
			l.counters.Delete(key)
			removed++
		}
		wc.mu.Unlock()
		return true
	})
	return removed
}

// Run sweeps every interval until ctx is cancelled.
func (l *MemoryLimiter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

var _ Limiter = (*MemoryLimiter)(nil)
