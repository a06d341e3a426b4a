// Package admission decides whether a request carrying an API key may
// proceed. Checks run in a fixed order and stop at the first failure:
// credential, lifecycle, deny list, allow list, rate limit, quota.
package admission

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shariqsway/nest-api-key-auth-sub000/internal/audit"
	"github.com/shariqsway/nest-api-key-auth-sub000/internal/ipmatch"
	"github.com/shariqsway/nest-api-key-auth-sub000/internal/quota"
	"github.com/shariqsway/nest-api-key-auth-sub000/internal/ratelimit"
	"github.com/shariqsway/nest-api-key-auth-sub000/internal/validator"
	"github.com/shariqsway/nest-api-key-auth-sub000/pkg/models"
)

// Request describes the call being admitted.
type Request struct {
	Method   string
	Path     string
	ClientIP string
	Secret   string
}

// Result is the decision. Key is set whenever the secret resolved, even on
// rejection. RateLimit and Quota carry the counters that were evaluated.
type Result struct {
	OK         bool
	Key        *models.APIKey
	Reason     Reason
	Category   Category
	RetryAfter time.Duration
	RateLimit  *ratelimit.Result
	Quota      *quota.Status
}

type KeyValidator interface {
	Validate(ctx context.Context, secret string) (*models.APIKey, error)
}

type QuotaTracker interface {
	CheckQuota(ctx context.Context, key *models.APIKey) (quota.Status, error)
	IncrementUsage(ctx context.Context, keyID uuid.UUID, limit int64, period models.QuotaPeriod) (quota.Status, error)
}

type ThreatRecorder interface {
	RecordFailedAttempt(ctx context.Context, ip string, keyID *uuid.UUID)
	RecordSuccessfulRequest(ctx context.Context, keyID uuid.UUID, ip, path string)
}

type LastUsedRecorder interface {
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error
}

type Orchestrator struct {
	validator KeyValidator
	limiter   ratelimit.Limiter
	endpoints ratelimit.EndpointRules
	quota     QuotaTracker
	threats   ThreatRecorder
	lastUsed  LastUsedRecorder
	audit     audit.Emitter
	grace     time.Duration
	observe   func(reason string, d time.Duration)
	logger    *slog.Logger
	now       func() time.Time

	background sync.WaitGroup
}

type Option func(*Orchestrator)

func WithRateLimiter(l ratelimit.Limiter, endpoints ratelimit.EndpointRules) Option {
	return func(o *Orchestrator) {
		o.limiter = l
		o.endpoints = endpoints
	}
}

func WithQuota(q QuotaTracker) Option {
	return func(o *Orchestrator) { o.quota = q }
}

func WithThreatDetector(t ThreatRecorder) Option {
	return func(o *Orchestrator) { o.threats = t }
}

func WithLastUsed(r LastUsedRecorder) Option {
	return func(o *Orchestrator) { o.lastUsed = r }
}

func WithAudit(e audit.Emitter) Option {
	return func(o *Orchestrator) { o.audit = e }
}

// WithGracePeriod admits active keys for d past their expiry.
func WithGracePeriod(d time.Duration) Option {
	return func(o *Orchestrator) { o.grace = d }
}

// WithObserver is called with every decision's reason ("" when admitted)
// and duration.
func WithObserver(fn func(reason string, d time.Duration)) Option {
	return func(o *Orchestrator) { o.observe = fn }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func New(v KeyValidator, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		validator: v,
		limiter:   ratelimit.Disabled{},
		quota:     noQuota{},
		threats:   noThreats{},
		audit:     audit.Discard{},
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Admit runs every check for req and returns the decision.
func (o *Orchestrator) Admit(ctx context.Context, req Request) Result {
	start := o.now()
	res := o.admit(ctx, req, start)

	if res.OK {
		o.succeeded(ctx, req, res.Key)
	} else {
		o.rejected(req, res)
	}
	if o.observe != nil {
		o.observe(string(res.Reason), o.now().Sub(start))
	}
	return res
}

func (o *Orchestrator) admit(ctx context.Context, req Request, now time.Time) Result {
	if req.Secret == "" {
		return reject(nil, ReasonMissingCredential)
	}

	key, err := o.validator.Validate(ctx, req.Secret)
	if errors.Is(err, validator.ErrBackendUnavailable) {
		o.logger.Error("key lookup failed", "path", req.Path, "error", err)
		return reject(nil, ReasonBackendUnavailable)
	}
	if err != nil || key == nil {
		o.threats.RecordFailedAttempt(ctx, req.ClientIP, nil)
		return reject(nil, ReasonInvalidCredential)
	}

	if reason, ok := o.lifecycle(key, now); !ok {
		return reject(key, reason)
	}

	if len(key.IPDenylist) > 0 && ipmatch.Any(req.ClientIP, key.IPDenylist) {
		return reject(key, ReasonIPBlocked)
	}
	if len(key.IPAllowlist) > 0 && !ipmatch.Any(req.ClientIP, key.IPAllowlist) {
		return reject(key, ReasonIPNotAllowed)
	}

	rl, denied := o.checkRateLimits(ctx, key, req)
	if denied {
		res := reject(key, ReasonRateLimited)
		res.RateLimit = rl
		res.RetryAfter = untilReset(rl.ResetAt, now)
		return res
	}

	var qs *quota.Status
	if key.HasQuota() {
		st, err := o.quota.CheckQuota(ctx, key)
		if err != nil {
			o.logger.Error("quota check failed", "key_id", key.ID, "error", err)
			return reject(key, ReasonBackendUnavailable)
		}
		if !st.Allowed {
			return o.quotaExceeded(key, rl, st, now)
		}

		st, err = o.quota.IncrementUsage(ctx, key.ID, key.QuotaMax, key.QuotaPeriod)
		if err != nil {
			o.logger.Error("quota increment failed", "key_id", key.ID, "error", err)
			return reject(key, ReasonBackendUnavailable)
		}
		if !st.Allowed {
			return o.quotaExceeded(key, rl, st, now)
		}
		qs = &st
	}

	return Result{OK: true, Key: key, RateLimit: rl, Quota: qs}
}

func (o *Orchestrator) quotaExceeded(key *models.APIKey, rl *ratelimit.Result, st quota.Status, now time.Time) Result {
	res := reject(key, ReasonQuotaExceeded)
	res.RateLimit = rl
	res.Quota = &st
	res.RetryAfter = untilReset(st.ResetAt, now)
	return res
}

// lifecycle admits active keys that have not expired, allowing the grace
// period past expiry.
func (o *Orchestrator) lifecycle(key *models.APIKey, now time.Time) (Reason, bool) {
	switch key.State {
	case models.StateActive:
	case models.StatePending:
		return ReasonPending, false
	case models.StateSuspended:
		return ReasonSuspended, false
	case models.StateRevoked:
		return ReasonRevoked, false
	default:
		return ReasonExpired, false
	}
	if key.ExpiresAt != nil && !now.Before(key.ExpiresAt.Add(o.grace)) {
		return ReasonExpired, false
	}
	return "", true
}

// checkRateLimits applies the key's own limit and then any endpoint rule.
// It returns the result to surface: the denying one, else the key's.
func (o *Orchestrator) checkRateLimits(ctx context.Context, key *models.APIKey, req Request) (*ratelimit.Result, bool) {
	var surfaced *ratelimit.Result

	if key.HasRateLimit() {
		res, err := o.limiter.Check(ctx, ratelimit.KeyIdentity(key.ID), key.RateLimitMax, key.RateLimitWindow())
		if err != nil {
			o.logger.Warn("rate limit check failed, allowing", "key_id", key.ID, "error", err)
		} else {
			surfaced = &res
			if !res.Allowed {
				return surfaced, true
			}
		}
	}

	if rule, ok := o.endpoints.Match(req.Method, req.Path); ok {
		res, err := o.limiter.Check(ctx, ratelimit.EndpointIdentity(key.ID, rule.Method, rule.Path), rule.Limit, rule.Window)
		if err != nil {
			o.logger.Warn("endpoint rate limit check failed, allowing", "key_id", key.ID, "error", err)
		} else {
			if !res.Allowed {
				return &res, true
			}
			if surfaced == nil {
				surfaced = &res
			}
		}
	}
	return surfaced, false
}

func (o *Orchestrator) succeeded(ctx context.Context, req Request, key *models.APIKey) {
	now := o.now()
	o.threats.RecordSuccessfulRequest(ctx, key.ID, req.ClientIP, req.Path)

	if o.lastUsed != nil {
		o.background.Add(1)
		go func(id uuid.UUID) {
			defer o.background.Done()
			bg, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := o.lastUsed.UpdateAPIKeyLastUsed(bg, id, now); err != nil {
				o.logger.Warn("update last used failed", "key_id", id, "error", err)
			}
		}(key.ID)
	}

	id := key.ID
	o.audit.Emit(audit.Event{
		Type:   audit.TypeAuthSuccess,
		At:     now.UTC(),
		KeyID:  &id,
		IP:     req.ClientIP,
		Method: req.Method,
		Path:   req.Path,
	})
}

func (o *Orchestrator) rejected(req Request, res Result) {
	e := audit.Event{
		Type:     audit.TypeAuthFailure,
		At:       o.now().UTC(),
		IP:       req.ClientIP,
		Method:   req.Method,
		Path:     req.Path,
		Reason:   string(res.Reason),
		Category: string(res.Category),
	}
	if res.Key != nil {
		id := res.Key.ID
		e.KeyID = &id
	}
	o.audit.Emit(e)
}

// Wait blocks until background last-used writes have finished.
func (o *Orchestrator) Wait() {
	o.background.Wait()
}

func reject(key *models.APIKey, reason Reason) Result {
	return Result{Key: key, Reason: reason, Category: reason.Category()}
}

func untilReset(resetAt, now time.Time) time.Duration {
	return max(resetAt.Sub(now), 0)
}

type noQuota struct{}

func (noQuota) CheckQuota(context.Context, *models.APIKey) (quota.Status, error) {
	return quota.Status{Allowed: true, Unlimited: true}, nil
}

func (noQuota) IncrementUsage(context.Context, uuid.UUID, int64, models.QuotaPeriod) (quota.Status, error) {
	return quota.Status{Allowed: true, Unlimited: true}, nil
}

type noThreats struct{}

func (noThreats) RecordFailedAttempt(context.Context, string, *uuid.UUID)            {}
func (noThreats) RecordSuccessfulRequest(context.Context, uuid.UUID, string, string) {}
