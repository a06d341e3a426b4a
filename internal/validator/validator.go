// Package validator resolves a presented secret to its key record.
package validator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shariqsway/nest-api-key-auth-sub000/internal/cache"
	"github.com/shariqsway/nest-api-key-auth-sub000/internal/hasher"
	"github.com/shariqsway/nest-api-key-auth-sub000/pkg/models"
)

var (
	// ErrInvalidCredential is the single answer for a secret that resolves
	// to no key, whatever the cause.
	ErrInvalidCredential = errors.New("invalid credential")
	// ErrBackendUnavailable wraps repository failures during lookup.
	ErrBackendUnavailable = errors.New("key repository unavailable")
)

// Repository is the lookup the validator needs from store.Store.
type Repository interface {
	GetAPIKeysByPrefix(ctx context.Context, prefix string, notExpiredAt time.Time) ([]*models.APIKey, error)
}

type Validator struct {
	repo         Repository
	hasher       hasher.Hasher
	cache        cache.KeyCache
	cacheTTL     time.Duration
	prefixLength int
	grace        time.Duration
	logger       *slog.Logger
	now          func() time.Time

	decoyOnce sync.Once
	decoy     string
}

type Option func(*Validator)

// WithCache serves lookups from c and stores resolved keys for ttl.
func WithCache(c cache.KeyCache, ttl time.Duration) Option {
	return func(v *Validator) {
		v.cache = c
		v.cacheTTL = ttl
	}
}

func WithPrefixLength(n int) Option {
	return func(v *Validator) { v.prefixLength = n }
}

// WithGracePeriod keeps keys resolvable for d after they expire.
func WithGracePeriod(d time.Duration) Option {
	return func(v *Validator) { v.grace = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(v *Validator) { v.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

func New(repo Repository, h hasher.Hasher, opts ...Option) *Validator {
	v := &Validator{
		repo:         repo,
		hasher:       h,
		cache:        cache.Disabled{},
		cacheTTL:     5 * time.Minute,
		prefixLength: 12,
		logger:       slog.Default(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Prefix returns the lookup prefix of secret, or "" when it is too short.
func (v *Validator) Prefix(secret string) string {
	if len(secret) < v.prefixLength {
		return ""
	}
	return secret[:v.prefixLength]
}

// Validate returns the key whose hash matches secret. Lifecycle, expiry and
// network policy are left to the caller.
func (v *Validator) Validate(ctx context.Context, secret string) (*models.APIKey, error) {
	prefix := v.Prefix(secret)
	if prefix == "" {
		return nil, ErrInvalidCredential
	}

	tried := make(map[uuid.UUID]bool)
	cached, err := v.cache.GetByPrefix(ctx, prefix)
	if err != nil {
		v.logger.Warn("key cache lookup failed, using repository", "prefix", prefix, "error", err)
	}
	for _, k := range cached {
		tried[k.ID] = true
		if v.hasher.Verify(secret, k.KeyHash) {
			return k, nil
		}
	}

	// Read before the repository so an invalidation that lands while we
	// verify makes the fill below a no-op.
	gen, genErr := v.cache.Generation(ctx)
	if genErr != nil {
		v.logger.Warn("key cache generation read failed, not populating", "prefix", prefix, "error", genErr)
	}

	candidates, err := v.repo.GetAPIKeysByPrefix(ctx, prefix, v.now().Add(-v.grace))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}
	for _, k := range candidates {
		if tried[k.ID] {
			continue
		}
		tried[k.ID] = true
		if !v.hasher.Verify(secret, k.KeyHash) {
			continue
		}
		if genErr == nil {
			if _, err := v.cache.SetIfGeneration(ctx, k, v.cacheTTL, gen); err != nil {
				v.logger.Warn("key cache populate failed", "key_id", k.ID, "error", err)
			}
		}
		return k, nil
	}

	if len(tried) == 0 {
		// Unknown prefixes pay for one verify like known ones do.
		v.hasher.Verify(secret, v.decoyDigest())
	}
	return nil, ErrInvalidCredential
}

// decoyDigest is a digest of a random value under the configured hasher.
func (v *Validator) decoyDigest() string {
	v.decoyOnce.Do(func() {
		digest, err := v.hasher.Hash(uuid.NewString())
		if err != nil {
			v.logger.Error("decoy digest unavailable", "error", err)
			return
		}
		v.decoy = digest
	})
	return v.decoy
}
