// Package apikeys manages the key lifecycle: creation, state transitions and
// policy changes. Every mutation invalidates the cached snapshot before it
// returns.
package apikeys

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shariqsway/nest-api-key-auth-sub000/internal/audit"
	"github.com/shariqsway/nest-api-key-auth-sub000/internal/cache"
	"github.com/shariqsway/nest-api-key-auth-sub000/internal/hasher"
	"github.com/shariqsway/nest-api-key-auth-sub000/internal/ipmatch"
	"github.com/shariqsway/nest-api-key-auth-sub000/internal/store"
	"github.com/shariqsway/nest-api-key-auth-sub000/pkg/models"
)

const (
	secretBytes = 32
	// Width of 32 random bytes in base62.
	secretWidth = 43
)

const (
	invalidateAttempts = 3
	invalidateBackoff  = 50 * time.Millisecond
)

var (
	// ErrInvalidParams is returned when a create or update request is malformed.
	ErrInvalidParams = errors.New("invalid key parameters")
	// ErrCacheInvalidation means the change is stored but a cached snapshot
	// may still be served. Retrying the same mutation is safe.
	ErrCacheInvalidation = errors.New("cache invalidation failed")
)

// Repository is the part of store.Store the service writes through.
type Repository interface {
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	GetAPIKey(ctx context.Context, id uuid.UUID) (*models.APIKey, error)
	ListAPIKeys(ctx context.Context, filter store.KeyFilter) ([]*models.APIKey, int, error)
	TransitionAPIKey(ctx context.Context, id uuid.UUID, t models.Transition, reason string) (*models.APIKey, error)
	UpdateAPIKeyPolicy(ctx context.Context, id uuid.UUID, update store.PolicyUpdate) (*models.APIKey, error)
}

// QuotaReconciler overwrites a key's accelerated quota counter with the
// repository record.
type QuotaReconciler interface {
	Reconcile(ctx context.Context, keyID uuid.UUID) error
}

type CreateParams struct {
	Name        string
	Owner       string
	Environment string
	Scopes      []string
	Tags        []string
	Metadata    map[string]string

	IPAllowlist []string
	IPDenylist  []string

	RateLimitMax      int
	RateLimitWindowMs int64
	QuotaMax          int64
	QuotaPeriod       models.QuotaPeriod

	ExpiresAt *time.Time
	// RequireApproval creates the key pending instead of active.
	RequireApproval bool
}

// Created carries the new key and its raw secret. The secret is not
// recoverable afterwards.
type Created struct {
	Key    *models.APIKey
	Secret string
}

type Service struct {
	repo          Repository
	hasher        hasher.Hasher
	cache         cache.KeyCache
	quota         QuotaReconciler
	audit         audit.Emitter
	secretPrefix  string
	prefixLength  int
	defaultMax    int64
	defaultPeriod models.QuotaPeriod
	random        io.Reader
	logger        *slog.Logger
	now           func() time.Time
}

type Option func(*Service)

func WithCache(c cache.KeyCache) Option {
	return func(s *Service) { s.cache = c }
}

func WithQuotaReconciler(r QuotaReconciler) Option {
	return func(s *Service) { s.quota = r }
}

func WithAudit(e audit.Emitter) Option {
	return func(s *Service) { s.audit = e }
}

// WithSecretFormat sets the literal prefix of generated secrets and the
// number of leading characters stored for lookup.
func WithSecretFormat(prefix string, lookupLength int) Option {
	return func(s *Service) {
		s.secretPrefix = prefix
		s.prefixLength = lookupLength
	}
}

// WithDefaultQuota is applied to keys created without a quota.
func WithDefaultQuota(limit int64, period models.QuotaPeriod) Option {
	return func(s *Service) {
		s.defaultMax = limit
		s.defaultPeriod = period
	}
}

func WithRandom(r io.Reader) Option {
	return func(s *Service) { s.random = r }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(repo Repository, h hasher.Hasher, opts ...Option) *Service {
	s := &Service{
		repo:          repo,
		hasher:        h,
		cache:         cache.Disabled{},
		audit:         audit.Discard{},
		secretPrefix:  "kg_",
		prefixLength:  12,
		defaultPeriod: models.QuotaMonthly,
		random:        rand.Reader,
		logger:        slog.Default(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type actorKey struct{}

// WithActor records who is performing mutations made with ctx.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func actorFrom(ctx context.Context) string {
	actor, _ := ctx.Value(actorKey{}).(string)
	return actor
}

// Create generates a secret, stores its hash and returns both.
func (s *Service) Create(ctx context.Context, p CreateParams) (*Created, error) {
	now := s.now().UTC()
	if err := s.validateCreate(p, now); err != nil {
		return nil, err
	}

	secret, err := s.generateSecret()
	if err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	digest, err := s.hasher.Hash(secret)
	if err != nil {
		return nil, fmt.Errorf("hash secret: %w", err)
	}

	key := &models.APIKey{
		ID:                uuid.New(),
		Name:              strings.TrimSpace(p.Name),
		KeyHash:           digest,
		KeyPrefix:         secret[:s.prefixLength],
		State:             models.StateActive,
		Scopes:            p.Scopes,
		IPAllowlist:       p.IPAllowlist,
		IPDenylist:        p.IPDenylist,
		RateLimitMax:      p.RateLimitMax,
		RateLimitWindowMs: p.RateLimitWindowMs,
		QuotaMax:          p.QuotaMax,
		QuotaPeriod:       p.QuotaPeriod,
		Tags:              p.Tags,
		Owner:             p.Owner,
		Environment:       p.Environment,
		Metadata:          p.Metadata,
		ExpiresAt:         p.ExpiresAt,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if p.RequireApproval {
		key.State = models.StatePending
	}
	if key.QuotaMax == 0 && s.defaultMax > 0 {
		key.QuotaMax = s.defaultMax
		key.QuotaPeriod = s.defaultPeriod
	}

	if err := s.repo.CreateAPIKey(ctx, key); err != nil {
		return nil, fmt.Errorf("create api key: %w", err)
	}

	s.logger.Info("api key created", "key_id", key.ID, "prefix", key.KeyPrefix, "state", key.State)
	s.emit(ctx, audit.TypeKeyCreated, key.ID, "", map[string]string{"state": string(key.State)})
	return &Created{Key: key, Secret: secret}, nil
}

func (s *Service) validateCreate(p CreateParams, now time.Time) error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidParams)
	}
	if p.ExpiresAt != nil && !p.ExpiresAt.After(now) {
		return fmt.Errorf("%w: expires_at must be in the future", ErrInvalidParams)
	}
	if len(s.secretPrefix)+secretWidth < s.prefixLength {
		return fmt.Errorf("%w: lookup prefix longer than secret", ErrInvalidParams)
	}
	return validatePolicy(p.IPAllowlist, p.IPDenylist, p.RateLimitMax, p.RateLimitWindowMs, p.QuotaMax, p.QuotaPeriod)
}

func validatePolicy(allow, deny []string, rateMax int, windowMs, quotaMax int64, period models.QuotaPeriod) error {
	if err := ipmatch.Validate(allow); err != nil {
		return fmt.Errorf("%w: ip_allowlist: %w", ErrInvalidParams, err)
	}
	if err := ipmatch.Validate(deny); err != nil {
		return fmt.Errorf("%w: ip_denylist: %w", ErrInvalidParams, err)
	}
	if rateMax < 0 || windowMs < 0 {
		return fmt.Errorf("%w: rate limit must not be negative", ErrInvalidParams)
	}
	if (rateMax > 0) != (windowMs > 0) {
		return fmt.Errorf("%w: rate_limit_max and rate_limit_window_ms are set together", ErrInvalidParams)
	}
	if quotaMax < 0 {
		return fmt.Errorf("%w: quota_max must not be negative", ErrInvalidParams)
	}
	if quotaMax > 0 && !period.Valid() {
		return fmt.Errorf("%w: unknown quota_period %q", ErrInvalidParams, period)
	}
	return nil
}

// generateSecret returns the configured prefix followed by 32 random bytes
// in base62, left-padded to a fixed width.
func (s *Service) generateSecret() (string, error) {
	b := make([]byte, secretBytes)
	if _, err := io.ReadFull(s.random, b); err != nil {
		return "", err
	}
	body := new(big.Int).SetBytes(b).Text(62)
	if pad := secretWidth - len(body); pad > 0 {
		body = strings.Repeat("0", pad) + body
	}
	return s.secretPrefix + body, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.APIKey, error) {
	return s.repo.GetAPIKey(ctx, id)
}

func (s *Service) List(ctx context.Context, f store.KeyFilter) ([]*models.APIKey, int, error) {
	return s.repo.ListAPIKeys(ctx, f)
}

func (s *Service) Approve(ctx context.Context, id uuid.UUID, reason string) (*models.APIKey, error) {
	return s.Transition(ctx, id, models.TransitionApprove, reason)
}

func (s *Service) Reject(ctx context.Context, id uuid.UUID, reason string) (*models.APIKey, error) {
	return s.Transition(ctx, id, models.TransitionReject, reason)
}

func (s *Service) Suspend(ctx context.Context, id uuid.UUID, reason string) (*models.APIKey, error) {
	return s.Transition(ctx, id, models.TransitionSuspend, reason)
}

func (s *Service) Unsuspend(ctx context.Context, id uuid.UUID, reason string) (*models.APIKey, error) {
	return s.Transition(ctx, id, models.TransitionUnsuspend, reason)
}

func (s *Service) Revoke(ctx context.Context, id uuid.UUID, reason string) (*models.APIKey, error) {
	return s.Transition(ctx, id, models.TransitionRevoke, reason)
}

func (s *Service) Restore(ctx context.Context, id uuid.UUID, reason string) (*models.APIKey, error) {
	return s.Transition(ctx, id, models.TransitionRestore, reason)
}

func (s *Service) Expire(ctx context.Context, id uuid.UUID, reason string) (*models.APIKey, error) {
	return s.Transition(ctx, id, models.TransitionExpire, reason)
}

// Transition applies t and drops the cached snapshot. The cache is
// invalidated even when the key was already in the target state.
func (s *Service) Transition(ctx context.Context, id uuid.UUID, t models.Transition, reason string) (*models.APIKey, error) {
	key, err := s.repo.TransitionAPIKey(ctx, id, t, reason)
	if err != nil {
		return nil, fmt.Errorf("%s api key: %w", t, err)
	}
	if err := s.invalidate(ctx, id); err != nil {
		return nil, fmt.Errorf("%s api key: %w", t, err)
	}

	s.logger.Info("api key transitioned", "key_id", id, "transition", t, "state", key.State)
	s.emit(ctx, audit.TypeKeyTransition, id, reason, map[string]string{
		"transition": string(t),
		"state":      string(key.State),
	})
	return key, nil
}

// UpdatePolicy changes network, throttling and expiry policy. The merged
// result is validated before anything is written.
func (s *Service) UpdatePolicy(ctx context.Context, id uuid.UUID, u store.PolicyUpdate) (*models.APIKey, error) {
	current, err := s.repo.GetAPIKey(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load api key: %w", err)
	}
	if err := validateUpdate(current, u, s.now()); err != nil {
		return nil, err
	}

	key, err := s.repo.UpdateAPIKeyPolicy(ctx, id, u)
	if err != nil {
		return nil, fmt.Errorf("update api key policy: %w", err)
	}
	if err := s.invalidate(ctx, id); err != nil {
		return nil, fmt.Errorf("update api key policy: %w", err)
	}

	s.logger.Info("api key policy updated", "key_id", id)
	s.emit(ctx, audit.TypeKeyPolicy, id, "", nil)
	return key, nil
}

func validateUpdate(k *models.APIKey, u store.PolicyUpdate, now time.Time) error {
	if u.Name != nil && strings.TrimSpace(*u.Name) == "" {
		return fmt.Errorf("%w: name must not be empty", ErrInvalidParams)
	}
	if !u.ClearExpiry && u.ExpiresAt != nil && !u.ExpiresAt.After(now) {
		return fmt.Errorf("%w: expires_at must be in the future", ErrInvalidParams)
	}

	allow, deny := k.IPAllowlist, k.IPDenylist
	if u.IPAllowlist != nil {
		allow = *u.IPAllowlist
	}
	if u.IPDenylist != nil {
		deny = *u.IPDenylist
	}
	rateMax, windowMs := k.RateLimitMax, k.RateLimitWindowMs
	if u.RateLimitMax != nil {
		rateMax = *u.RateLimitMax
	}
	if u.RateLimitWindowMs != nil {
		windowMs = *u.RateLimitWindowMs
	}
	quotaMax, period := k.QuotaMax, k.QuotaPeriod
	if u.QuotaMax != nil {
		quotaMax = *u.QuotaMax
	}
	if u.QuotaPeriod != nil {
		period = *u.QuotaPeriod
	}
	return validatePolicy(allow, deny, rateMax, windowMs, quotaMax, period)
}

// ReconcileQuota forces the accelerated quota counter back to the
// repository value.
func (s *Service) ReconcileQuota(ctx context.Context, id uuid.UUID) (*models.APIKey, error) {
	key, err := s.repo.GetAPIKey(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load api key: %w", err)
	}
	if s.quota != nil {
		if err := s.quota.Reconcile(ctx, id); err != nil {
			return nil, err
		}
	}
	s.emit(ctx, audit.TypeQuotaReconcile, id, "", map[string]string{
		"quota_used": strconv.FormatInt(key.QuotaUsed, 10),
	})
	return key, nil
}

// invalidate drops the cached snapshot of id, retrying briefly. The
// mutation must not be acknowledged until this succeeds.
func (s *Service) invalidate(ctx context.Context, id uuid.UUID) error {
	var err error
	for attempt := 1; attempt <= invalidateAttempts; attempt++ {
		if err = s.cache.Invalidate(ctx, id); err == nil {
			return nil
		}
		s.logger.Warn("cache invalidation failed", "key_id", id, "attempt", attempt, "error", err)
		if attempt == invalidateAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrCacheInvalidation, ctx.Err())
		case <-time.After(time.Duration(attempt) * invalidateBackoff):
		}
	}
	s.logger.Error("api key change not yet enforced", "key_id", id, "error", err)
	return fmt.Errorf("%w: %w", ErrCacheInvalidation, err)
}

func (s *Service) emit(ctx context.Context, typ audit.Type, id uuid.UUID, reason string, details map[string]string) {
	s.audit.Emit(audit.Event{
		Type:    typ,
		At:      s.now().UTC(),
		KeyID:   &id,
		Reason:  reason,
		Actor:   actorFrom(ctx),
		Details: details,
	})
}
