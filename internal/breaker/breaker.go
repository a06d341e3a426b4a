// Package breaker guards calls to shared backends so an unreachable redis
// fails fast and callers move to their fallback path.
package breaker

import (
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

// Settings configures a Breaker.
type Settings struct {
	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration
	Logger      *slog.Logger
}

func DefaultSettings() Settings {
	return Settings{ConsecutiveFailures: 5, OpenTimeout: 10 * time.Second}
}

// Breaker wraps gobreaker for backend calls that only return an error.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// New creates a named breaker.
func New(name string, s Settings) *Breaker {
	if s.ConsecutiveFailures == 0 {
		s.ConsecutiveFailures = DefaultSettings().ConsecutiveFailures
	}
	if s.OpenTimeout == 0 {
		s.OpenTimeout = DefaultSettings().OpenTimeout
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	threshold := s.ConsecutiveFailures
	return &Breaker{cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"name", name, "from", from.String(), "to", to.String())
		},
		// A cache miss is an answer, not a backend failure.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, redis.Nil)
		},
	})}
}

// Do runs fn through the breaker. When the breaker is open fn is not called
// and an error satisfying IsOpen is returned.
func (b *Breaker) Do(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

// State returns the breaker state name.
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// IsOpen reports whether err came from a rejecting breaker.
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
