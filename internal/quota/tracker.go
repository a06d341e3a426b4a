// Package quota tracks per-key usage over calendar periods. The repository
// record is authoritative; an optional Accelerator serves the hot path.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shariqsway/nest-api-key-auth-sub000/internal/store"
	"github.com/shariqsway/nest-api-key-auth-sub000/pkg/models"
)

// Repository is the subset of store.Store the tracker writes through.
type Repository interface {
	GetAPIKey(ctx context.Context, id uuid.UUID) (*models.APIKey, error)
	IncrementQuotaUsage(ctx context.Context, id uuid.UUID, limit int64, asOf, nextReset time.Time) (store.QuotaUsage, error)
	ResetQuotaUsage(ctx context.Context, id uuid.UUID, asOf, nextReset time.Time) (store.QuotaUsage, error)
}

// Status is the quota position of a key after a check or increment.
type Status struct {
	Allowed   bool      `json:"allowed"`
	Unlimited bool      `json:"unlimited"`
	Limit     int64     `json:"limit"`
	Used      int64     `json:"used"`
	Remaining int64     `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

func unlimited() Status {
	return Status{Allowed: true, Unlimited: true}
}

func newStatus(limit, used int64, resetAt time.Time, allowed bool) Status {
	return Status{
		Allowed:   allowed,
		Limit:     limit,
		Used:      used,
		Remaining: max(limit-used, 0),
		ResetAt:   resetAt,
	}
}

type Tracker struct {
	repo   Repository
	accel  Accelerator
	logger *slog.Logger
	now    func() time.Time

	persistTimeout time.Duration
	pending        sync.WaitGroup
}

type Option func(*Tracker)

// WithAccelerator serves checks and increments from a.
func WithAccelerator(a Accelerator) Option {
	return func(t *Tracker) { t.accel = a }
}

func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func NewTracker(repo Repository, opts ...Option) *Tracker {
	t := &Tracker{
		repo:           repo,
		logger:         slog.Default(),
		now:            time.Now,
		persistTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// CheckQuota reports whether key can consume one more unit. An elapsed
// period is reset before evaluating.
func (t *Tracker) CheckQuota(ctx context.Context, key *models.APIKey) (Status, error) {
	if !key.HasQuota() {
		return unlimited(), nil
	}
	now := t.now()

	if t.accel != nil {
		c, err := t.accel.Load(ctx, key.ID)
		if err == nil && c.ResetAt.After(now) {
			return newStatus(key.QuotaMax, c.Used, c.ResetAt, c.Used < key.QuotaMax), nil
		}
		if err != nil && !errors.Is(err, ErrMiss) {
			t.logger.Warn("quota accelerator unavailable, reading repository",
				"key_id", key.ID, "error", err)
		}
	}

	c, err := t.current(ctx, key.ID, key.QuotaPeriod, now)
	if err != nil {
		return Status{}, err
	}
	t.seed(ctx, key.ID, c)
	return newStatus(key.QuotaMax, c.Used, c.ResetAt, c.Used < key.QuotaMax), nil
}

// IncrementUsage consumes one unit for keyID. With a positive limit the
// increment is refused once the period's usage has reached it.
func (t *Tracker) IncrementUsage(ctx context.Context, keyID uuid.UUID, limit int64, period models.QuotaPeriod) (Status, error) {
	if limit <= 0 || !period.Valid() {
		return unlimited(), nil
	}
	now := t.now()

	if t.accel != nil {
		st, err := t.incrementAccelerated(ctx, keyID, limit, period, now)
		if err == nil {
			return st, nil
		}
		t.logger.Warn("quota accelerator unavailable, writing repository",
			"key_id", keyID, "error", err)
	}

	usage, err := t.repo.IncrementQuotaUsage(ctx, keyID, limit, now, NextReset(period, now))
	if err != nil {
		return Status{}, fmt.Errorf("increment quota usage: %w", err)
	}
	return newStatus(limit, usage.Used, usage.ResetAt, usage.Applied), nil
}

func (t *Tracker) incrementAccelerated(ctx context.Context, keyID uuid.UUID, limit int64, period models.QuotaPeriod, now time.Time) (Status, error) {
	c, applied, err := t.accel.Increment(ctx, keyID, limit)
	if errors.Is(err, ErrMiss) {
		seed, seedErr := t.current(ctx, keyID, period, now)
		if seedErr != nil {
			return Status{}, seedErr
		}
		if seedErr = t.accel.Seed(ctx, keyID, seed); seedErr != nil {
			return Status{}, seedErr
		}
		c, applied, err = t.accel.Increment(ctx, keyID, limit)
	}
	if err != nil {
		return Status{}, err
	}

	if applied {
		t.persist(keyID, now, NextReset(period, now))
	}
	return newStatus(limit, c.Used, c.ResetAt, applied), nil
}

// current returns the authoritative counter, resetting an elapsed period.
func (t *Tracker) current(ctx context.Context, id uuid.UUID, period models.QuotaPeriod, now time.Time) (Counter, error) {
	key, err := t.repo.GetAPIKey(ctx, id)
	if err != nil {
		return Counter{}, fmt.Errorf("load quota usage: %w", err)
	}
	if key.QuotaResetAt != nil && now.Before(*key.QuotaResetAt) {
		return Counter{Used: key.QuotaUsed, ResetAt: *key.QuotaResetAt}, nil
	}

	usage, err := t.repo.ResetQuotaUsage(ctx, id, now, NextReset(period, now))
	if err != nil {
		return Counter{}, fmt.Errorf("reset quota usage: %w", err)
	}
	return Counter{Used: usage.Used, ResetAt: usage.ResetAt}, nil
}

func (t *Tracker) seed(ctx context.Context, id uuid.UUID, c Counter) {
	if t.accel == nil {
		return
	}
	if err := t.accel.Seed(ctx, id, c); err != nil {
		t.logger.Warn("seed quota accelerator", "key_id", id, "error", err)
	}
}

// persist mirrors an accelerated increment into the repository without
// blocking the caller.
func (t *Tracker) persist(id uuid.UUID, asOf, nextReset time.Time) {
	t.pending.Add(1)
	go func() {
		defer t.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), t.persistTimeout)
		defer cancel()
		if _, err := t.repo.IncrementQuotaUsage(ctx, id, 0, asOf, nextReset); err != nil {
			t.logger.Error("persist quota usage", "key_id", id, "error", err)
		}
	}()
}

// Reconcile overwrites the accelerated counter with the repository record.
func (t *Tracker) Reconcile(ctx context.Context, keyID uuid.UUID) error {
	if t.accel == nil {
		return nil
	}
	key, err := t.repo.GetAPIKey(ctx, keyID)
	if err != nil {
		return fmt.Errorf("load quota usage: %w", err)
	}
	c := Counter{Used: key.QuotaUsed}
	if key.HasQuota() && key.QuotaResetAt != nil {
		c.ResetAt = *key.QuotaResetAt
	}
	if err := t.accel.Reset(ctx, keyID, c); err != nil {
		return fmt.Errorf("reconcile quota accelerator: %w", err)
	}
	return nil
}

// Wait blocks until background repository writes have finished.
func (t *Tracker) Wait() {
	t.pending.Wait()
}
