package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// KeyState is the lifecycle state of an API key.
type KeyState string

const (
	StatePending   KeyState = "pending"
	StateActive    KeyState = "active"
	StateSuspended KeyState = "suspended"
	StateRevoked   KeyState = "revoked"
	StateExpired   KeyState = "expired"
)

// Valid reports whether s is a known state.
func (s KeyState) Valid() bool {
	switch s {
	case StatePending, StateActive, StateSuspended, StateRevoked, StateExpired:
		return true
	}
	return false
}

// QuotaPeriod is the reset cadence of a key's usage quota.
type QuotaPeriod string

const (
	QuotaDaily   QuotaPeriod = "daily"
	QuotaMonthly QuotaPeriod = "monthly"
	QuotaYearly  QuotaPeriod = "yearly"
)

func (p QuotaPeriod) Valid() bool {
	switch p {
	case QuotaDaily, QuotaMonthly, QuotaYearly:
		return true
	}
	return false
}

// APIKey represents an authentication key and the policy attached to it.
// Raw keys are shown once at creation; only the hash is stored.
type APIKey struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	Name      string    `db:"name"       json:"name"`
	KeyHash   string    `db:"key_hash"   json:"-"`
	KeyPrefix string    `db:"key_prefix" json:"key_prefix"`
	State     KeyState  `db:"state"      json:"state"`
	Scopes    []string  `db:"scopes"     json:"scopes"`

	IPAllowlist []string `db:"ip_allowlist" json:"ip_allowlist,omitempty"`
	IPDenylist  []string `db:"ip_denylist"  json:"ip_denylist,omitempty"`

	// Zero values mean unlimited.
	RateLimitMax      int   `db:"rate_limit_max"       json:"rate_limit_max,omitempty"`
	RateLimitWindowMs int64 `db:"rate_limit_window_ms" json:"rate_limit_window_ms,omitempty"`

	QuotaMax     int64       `db:"quota_max"      json:"quota_max,omitempty"`
	QuotaPeriod  QuotaPeriod `db:"quota_period"   json:"quota_period,omitempty"`
	QuotaUsed    int64       `db:"quota_used"     json:"quota_used"`
	QuotaResetAt *time.Time  `db:"quota_reset_at" json:"quota_reset_at,omitempty"`

	Tags        []string          `db:"tags"        json:"tags,omitempty"`
	Owner       string            `db:"owner"       json:"owner,omitempty"`
	Environment string            `db:"environment" json:"environment,omitempty"`
	Metadata    map[string]string `db:"metadata"    json:"metadata,omitempty"`

	ExpiresAt        *time.Time `db:"expires_at"        json:"expires_at,omitempty"`
	LastUsedAt       *time.Time `db:"last_used_at"      json:"last_used_at,omitempty"`
	RevokedAt        *time.Time `db:"revoked_at"        json:"revoked_at,omitempty"`
	RevocationReason string     `db:"revocation_reason" json:"revocation_reason,omitempty"`
	SuspendedAt      *time.Time `db:"suspended_at"      json:"suspended_at,omitempty"`
	CreatedAt        time.Time  `db:"created_at"        json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at"        json:"updated_at"`
}

// HasRateLimit reports whether a per-key rate limit is configured.
func (k *APIKey) HasRateLimit() bool {
	return k.RateLimitMax > 0 && k.RateLimitWindowMs > 0
}

func (k *APIKey) RateLimitWindow() time.Duration {
	return time.Duration(k.RateLimitWindowMs) * time.Millisecond
}

// HasQuota reports whether a usage quota is configured.
func (k *APIKey) HasQuota() bool {
	return k.QuotaMax > 0 && k.QuotaPeriod.Valid()
}

// ExpiredAt reports whether the hard deadline has passed at now, ignoring
// any grace period.
func (k *APIKey) ExpiredAt(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}

// Clone returns a deep copy so cached snapshots never share slices, maps or
// timestamps with the caller.
func (k *APIKey) Clone() *APIKey {
	if k == nil {
		return nil
	}
	c := *k
	c.Scopes = cloneStrings(k.Scopes)
	c.IPAllowlist = cloneStrings(k.IPAllowlist)
	c.IPDenylist = cloneStrings(k.IPDenylist)
	c.Tags = cloneStrings(k.Tags)
	if k.Metadata != nil {
		c.Metadata = make(map[string]string, len(k.Metadata))
		for mk, mv := range k.Metadata {
			c.Metadata[mk] = mv
		}
	}
	c.QuotaResetAt = cloneTime(k.QuotaResetAt)
	c.ExpiresAt = cloneTime(k.ExpiresAt)
	c.LastUsedAt = cloneTime(k.LastUsedAt)
	c.RevokedAt = cloneTime(k.RevokedAt)
	c.SuspendedAt = cloneTime(k.SuspendedAt)
	return &c
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Transition is a named lifecycle change.
type Transition string

const (
	TransitionApprove   Transition = "approve"
	TransitionReject    Transition = "reject"
	TransitionSuspend   Transition = "suspend"
	TransitionUnsuspend Transition = "unsuspend"
	TransitionRevoke    Transition = "revoke"
	TransitionRestore   Transition = "restore"
	TransitionExpire    Transition = "expire"
)

// ErrInvalidTransition is returned when a transition is not permitted from
// the key's current state.
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

type transitionRule struct {
	from []KeyState
	to   KeyState
}

var transitionRules = map[Transition]transitionRule{
	TransitionApprove:   {from: []KeyState{StatePending}, to: StateActive},
	TransitionReject:    {from: []KeyState{StatePending}, to: StateRevoked},
	TransitionSuspend:   {from: []KeyState{StateActive}, to: StateSuspended},
	TransitionUnsuspend: {from: []KeyState{StateSuspended}, to: StateActive},
	TransitionRevoke:    {from: []KeyState{StateActive, StateSuspended}, to: StateRevoked},
	TransitionRestore:   {from: []KeyState{StateRevoked}, to: StateActive},
	TransitionExpire:    {from: []KeyState{StateActive, StateSuspended}, to: StateExpired},
}

// Target returns the state a transition leads to.
func (t Transition) Target() (KeyState, bool) {
	r, ok := transitionRules[t]
	return r.to, ok
}

// Apply performs t on the key in place. It returns changed=false with no
// error when the key is already in the target state, so retries are safe.
func (k *APIKey) Apply(t Transition, now time.Time, reason string) (changed bool, err error) {
	rule, ok := transitionRules[t]
	if !ok {
		return false, fmt.Errorf("%w: unknown transition %q", ErrInvalidTransition, t)
	}
	if k.State == rule.to {
		return false, nil
	}

	allowed := false
	for _, s := range rule.from {
		if s == k.State {
			allowed = true
			break
		}
	}
	if !allowed {
		return false, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, t, k.State)
	}

	at := now.UTC()
	switch rule.to {
	case StateRevoked:
		k.RevokedAt = &at
		k.RevocationReason = reason
		k.SuspendedAt = nil
	case StateSuspended:
		k.SuspendedAt = &at
	case StateActive, StateExpired:
		k.SuspendedAt = nil
		k.RevokedAt = nil
		k.RevocationReason = ""
	}
	k.State = rule.to
	k.UpdatedAt = at
	return true, nil
}
