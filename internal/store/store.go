package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shariqsway/nest-api-key-auth-sub000/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// Store is the key repository. All persistence goes through here.
type Store interface {
	Ping(ctx context.Context) error

	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	GetAPIKey(ctx context.Context, id uuid.UUID) (*models.APIKey, error)
	// GetAPIKeysByPrefix returns the non-revoked candidates for prefix whose
	// expiry, if any, is after notExpiredAt.
	GetAPIKeysByPrefix(ctx context.Context, prefix string, notExpiredAt time.Time) ([]*models.APIKey, error)
	ListAPIKeys(ctx context.Context, filter KeyFilter) ([]*models.APIKey, int, error)

	// TransitionAPIKey applies a lifecycle transition and returns the
	// updated key. Retrying an applied transition succeeds without change.
	TransitionAPIKey(ctx context.Context, id uuid.UUID, t models.Transition, reason string) (*models.APIKey, error)
	UpdateAPIKeyPolicy(ctx context.Context, id uuid.UUID, update PolicyUpdate) (*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error

	// IncrementQuotaUsage adds one unit of usage. If the stored reset time is
	// at or before asOf the counter restarts at 1 with nextReset. A positive
	// limit is a ceiling: the increment is skipped (Applied=false) when the
	// current period's usage already reached it.
	IncrementQuotaUsage(ctx context.Context, id uuid.UUID, limit int64, asOf, nextReset time.Time) (QuotaUsage, error)
	// ResetQuotaUsage zeroes usage and sets nextReset, but only if the stored
	// reset time is at or before asOf.
	ResetQuotaUsage(ctx context.Context, id uuid.UUID, asOf, nextReset time.Time) (QuotaUsage, error)
}

// QuotaUsage is the authoritative counter after a quota write.
type QuotaUsage struct {
	Used    int64
	ResetAt time.Time
	Applied bool
}

// KeyFilter narrows ListAPIKeys. Zero fields are ignored.
type KeyFilter struct {
	Tags          []string // all must be present
	Owner         string
	Environment   string
	State         models.KeyState
	Active        *bool // state active and not past expiry
	CreatedAfter  time.Time
	CreatedBefore time.Time
	ExpiresBefore time.Time
	Page          int
	Limit         int
}

func (f KeyFilter) pagination() (limit, offset int) {
	limit = f.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	page := f.Page
	if page <= 0 {
		page = 1
	}
	return limit, (page - 1) * limit
}

// PolicyUpdate changes policy fields of a key. Nil fields are left as is.
type PolicyUpdate struct {
	Name              *string
	IPAllowlist       *[]string
	IPDenylist        *[]string
	RateLimitMax      *int
	RateLimitWindowMs *int64
	QuotaMax          *int64
	QuotaPeriod       *models.QuotaPeriod
	Tags              *[]string
	ExpiresAt         *time.Time
	ClearExpiry       bool
}

func (u PolicyUpdate) apply(k *models.APIKey, now time.Time) {
	if u.Name != nil {
		k.Name = *u.Name
	}
	if u.IPAllowlist != nil {
		k.IPAllowlist = append([]string(nil), (*u.IPAllowlist)...)
	}
	if u.IPDenylist != nil {
		k.IPDenylist = append([]string(nil), (*u.IPDenylist)...)
	}
	if u.RateLimitMax != nil {
		k.RateLimitMax = *u.RateLimitMax
	}
	if u.RateLimitWindowMs != nil {
		k.RateLimitWindowMs = *u.RateLimitWindowMs
	}
	if u.QuotaMax != nil {
		k.QuotaMax = *u.QuotaMax
	}
	if u.QuotaPeriod != nil {
		k.QuotaPeriod = *u.QuotaPeriod
	}
	if u.Tags != nil {
		k.Tags = append([]string(nil), (*u.Tags)...)
	}
	if u.ClearExpiry {
		k.ExpiresAt = nil
	} else if u.ExpiresAt != nil {
		t := u.ExpiresAt.UTC()
		k.ExpiresAt = &t
	}
	k.UpdatedAt = now.UTC()
}
