// Package ratelimit implements fixed-window request limiting per identity.
//
// A window starts with the first request for an identity and lasts for the
// configured duration. Requests are allowed while the count is below the
// limit; once the limit is reached further requests are denied without
// being counted until the window elapses. Boundary bursts of up to twice the
// limit are possible. That is the accepted cost of O(1) checks.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Result is the outcome of a single check.
type Result struct {
	Allowed   bool      `json:"allowed"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// Limiter checks and counts one request against identity's window.
// Implementations must be safe for concurrent use.
type Limiter interface {
	Check(ctx context.Context, identity string, limit int, window time.Duration) (Result, error)
}

// KeyIdentity is the counter identity for a key's global limit.
func KeyIdentity(keyID uuid.UUID) string {
	return "key:" + keyID.String()
}

// EndpointIdentity is the counter identity for a key on one endpoint. It is
// independent of KeyIdentity.
func EndpointIdentity(keyID uuid.UUID, method, path string) string {
	return fmt.Sprintf("endpoint:%s:%s:%s", keyID, method, path)
}

// Disabled always allows.
type Disabled struct{}

func (Disabled) Check(_ context.Context, _ string, limit int, window time.Duration) (Result, error) {
	return Result{Allowed: true, Limit: limit, Remaining: limit, ResetAt: time.Now().Add(window)}, nil
}

var _ Limiter = Disabled{}
