package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shariqsway/nest-api-key-auth-sub000/internal/api/response"
	"github.com/shariqsway/nest-api-key-auth-sub000/internal/apikeys"
	"github.com/shariqsway/nest-api-key-auth-sub000/internal/store"
	"github.com/shariqsway/nest-api-key-auth-sub000/internal/threat"
	"github.com/shariqsway/nest-api-key-auth-sub000/pkg/models"
)

// KeyService is the lifecycle surface the admin handlers depend on.
type KeyService interface {
	Create(ctx context.Context, p apikeys.CreateParams) (*apikeys.Created, error)
	Get(ctx context.Context, id uuid.UUID) (*models.APIKey, error)
	List(ctx context.Context, f store.KeyFilter) ([]*models.APIKey, int, error)
	Transition(ctx context.Context, id uuid.UUID, t models.Transition, reason string) (*models.APIKey, error)
	UpdatePolicy(ctx context.Context, id uuid.UUID, u store.PolicyUpdate) (*models.APIKey, error)
	ReconcileQuota(ctx context.Context, id uuid.UUID) (*models.APIKey, error)
}

// ThreatStats reports brute-force state for an identity.
type ThreatStats interface {
	GetThreatStats(identity string) threat.Stats
}

type createKeyRequest struct {
	Name              string             `json:"name"`
	Owner             string             `json:"owner"`
	Environment       string             `json:"environment"`
	Scopes            []string           `json:"scopes"`
	Tags              []string           `json:"tags"`
	Metadata          map[string]string  `json:"metadata"`
	IPAllowlist       []string           `json:"ip_allowlist"`
	IPDenylist        []string           `json:"ip_denylist"`
	RateLimitMax      int                `json:"rate_limit_max"`
	RateLimitWindowMs int64              `json:"rate_limit_window_ms"`
	QuotaMax          int64              `json:"quota_max"`
	QuotaPeriod       models.QuotaPeriod `json:"quota_period"`
	ExpiresAt         *time.Time         `json:"expires_at"`
	RequireApproval   bool               `json:"require_approval"`
}

type createKeyResponse struct {
	Key    *models.APIKey `json:"key"`
	Secret string         `json:"secret"`
}

// NewCreateKeyHandler returns an http.HandlerFunc for POST /api/v1/admin/keys.
func NewCreateKeyHandler(svc KeyService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createKeyRequest
		if !decodeBody(w, r, &req) {
			return
		}

		created, err := svc.Create(r.Context(), apikeys.CreateParams{
			Name:              req.Name,
			Owner:             req.Owner,
			Environment:       req.Environment,
			Scopes:            req.Scopes,
			Tags:              req.Tags,
			Metadata:          req.Metadata,
			IPAllowlist:       req.IPAllowlist,
			IPDenylist:        req.IPDenylist,
			RateLimitMax:      req.RateLimitMax,
			RateLimitWindowMs: req.RateLimitWindowMs,
			QuotaMax:          req.QuotaMax,
			QuotaPeriod:       req.QuotaPeriod,
			ExpiresAt:         req.ExpiresAt,
			RequireApproval:   req.RequireApproval,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.Created(w, createKeyResponse{Key: created.Key, Secret: created.Secret})
	}
}

// NewListKeysHandler returns an http.HandlerFunc for GET /api/v1/admin/keys.
func NewListKeysHandler(svc KeyService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := parseKeyFilter(r)
		if err != nil {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, err.Error(), nil)
			return
		}

		keys, total, err := svc.List(r.Context(), f)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if keys == nil {
			keys = []*models.APIKey{}
		}
		response.Collection(w, keys, response.Page(f.Page, f.Limit, total))
	}
}

func parseKeyFilter(r *http.Request) (store.KeyFilter, error) {
	q := r.URL.Query()
	f := store.KeyFilter{
		Owner:       q.Get("owner"),
		Environment: q.Get("environment"),
		State:       models.KeyState(q.Get("state")),
		Page:        1,
		Limit:       20,
	}
	if f.State != "" && !f.State.Valid() {
		return f, errors.New("state must be one of pending, active, suspended, revoked, expired")
	}
	for _, v := range q["tag"] {
		for _, tag := range strings.Split(v, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				f.Tags = append(f.Tags, tag)
			}
		}
	}
	if v := q.Get("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			return f, errors.New("active must be true or false")
		}
		f.Active = &active
	}

	times := []struct {
		name string
		dst  *time.Time
	}{
		{"created_after", &f.CreatedAfter},
		{"created_before", &f.CreatedBefore},
		{"expires_before", &f.ExpiresBefore},
	}
	for _, t := range times {
		v := q.Get(t.name)
		if v == "" {
			continue
		}
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errors.New(t.name + " must be a valid RFC3339 timestamp")
		}
		*t.dst = parsed
	}

	if v := q.Get("page"); v != "" {
		page, err := strconv.Atoi(v)
		if err != nil || page < 1 {
			return f, errors.New("page must be a positive integer")
		}
		f.Page = page
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			return f, errors.New("limit must be a positive integer")
		}
		f.Limit = min(limit, 100)
	}
	return f, nil
}

// NewGetKeyHandler returns an http.HandlerFunc for GET /api/v1/admin/keys/{keyID}.
func NewGetKeyHandler(svc KeyService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := keyID(w, r)
		if !ok {
			return
		}
		key, err := svc.Get(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.JSON(w, key)
	}
}

var actions = map[string]models.Transition{
	"approve":   models.TransitionApprove,
	"reject":    models.TransitionReject,
	"suspend":   models.TransitionSuspend,
	"unsuspend": models.TransitionUnsuspend,
	"revoke":    models.TransitionRevoke,
	"restore":   models.TransitionRestore,
	"expire":    models.TransitionExpire,
}

// NewKeyActionHandler returns an http.HandlerFunc for
// POST /api/v1/admin/keys/{keyID}/{action}. The body may carry a reason.
func NewKeyActionHandler(svc KeyService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := keyID(w, r)
		if !ok {
			return
		}
		t, ok := actions[chi.URLParam(r, "action")]
		if !ok {
			response.Error(w, http.StatusNotFound, response.CodeNotFound, "Unknown key action", nil)
			return
		}
		reason, ok := optionalReason(w, r)
		if !ok {
			return
		}

		key, err := svc.Transition(r.Context(), id, t, reason)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.JSON(w, key)
	}
}

// NewRevokeKeyHandler returns an http.HandlerFunc for
// DELETE /api/v1/admin/keys/{keyID}.
func NewRevokeKeyHandler(svc KeyService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := keyID(w, r)
		if !ok {
			return
		}
		key, err := svc.Transition(r.Context(), id, models.TransitionRevoke, r.URL.Query().Get("reason"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.JSON(w, key)
	}
}

type policyRequest struct {
	Name              *string             `json:"name"`
	IPAllowlist       *[]string           `json:"ip_allowlist"`
	IPDenylist        *[]string           `json:"ip_denylist"`
	RateLimitMax      *int                `json:"rate_limit_max"`
	RateLimitWindowMs *int64              `json:"rate_limit_window_ms"`
	QuotaMax          *int64              `json:"quota_max"`
	QuotaPeriod       *models.QuotaPeriod `json:"quota_period"`
	Tags              *[]string           `json:"tags"`
	ExpiresAt         *time.Time          `json:"expires_at"`
	ClearExpiry       bool                `json:"clear_expiry"`
}

// NewUpdateKeyHandler returns an http.HandlerFunc for
// PATCH /api/v1/admin/keys/{keyID}. Omitted fields are left unchanged.
func NewUpdateKeyHandler(svc KeyService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := keyID(w, r)
		if !ok {
			return
		}
		var req policyRequest
		if !decodeBody(w, r, &req) {
			return
		}

		key, err := svc.UpdatePolicy(r.Context(), id, store.PolicyUpdate{
			Name:              req.Name,
			IPAllowlist:       req.IPAllowlist,
			IPDenylist:        req.IPDenylist,
			RateLimitMax:      req.RateLimitMax,
			RateLimitWindowMs: req.RateLimitWindowMs,
			QuotaMax:          req.QuotaMax,
			QuotaPeriod:       req.QuotaPeriod,
			Tags:              req.Tags,
			ExpiresAt:         req.ExpiresAt,
			ClearExpiry:       req.ClearExpiry,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.JSON(w, key)
	}
}

// NewReconcileQuotaHandler returns an http.HandlerFunc for
// POST /api/v1/admin/keys/{keyID}/quota/reconcile.
func NewReconcileQuotaHandler(svc KeyService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := keyID(w, r)
		if !ok {
			return
		}
		key, err := svc.ReconcileQuota(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.JSON(w, map[string]any{
			"key_id":         key.ID,
			"quota_used":     key.QuotaUsed,
			"quota_max":      key.QuotaMax,
			"quota_reset_at": key.QuotaResetAt,
		})
	}
}

// NewKeyThreatsHandler returns an http.HandlerFunc for
// GET /api/v1/admin/keys/{keyID}/threats.
func NewKeyThreatsHandler(stats ThreatStats) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := keyID(w, r)
		if !ok {
			return
		}
		response.JSON(w, stats.GetThreatStats(threat.KeyIdentity(id)))
	}
}

// NewIPThreatsHandler returns an http.HandlerFunc for
// GET /api/v1/admin/threats/ip/{ip}.
func NewIPThreatsHandler(stats ThreatStats) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := chi.URLParam(r, "ip")
		if ip == "" {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "ip is required", nil)
			return
		}
		response.JSON(w, stats.GetThreatStats(threat.IPIdentity(ip)))
	}
}

func keyID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "keyID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "keyID must be a valid UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "Invalid JSON body", nil)
		return false
	}
	return true
}

func optionalReason(w http.ResponseWriter, r *http.Request) (string, bool) {
	if r.ContentLength == 0 {
		return "", true
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if !decodeBody(w, r, &body) {
		return "", false
	}
	return body.Reason, true
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, apikeys.ErrInvalidParams):
		response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, err.Error(), nil)
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, response.CodeNotFound, "API key not found", nil)
	case errors.Is(err, models.ErrInvalidTransition):
		response.Error(w, http.StatusConflict, response.CodeConflict, err.Error(), nil)
	case errors.Is(err, store.ErrDuplicateKey):
		response.Error(w, http.StatusConflict, response.CodeConflict, "API key already exists", nil)
	case errors.Is(err, apikeys.ErrCacheInvalidation):
		response.Error(w, http.StatusServiceUnavailable, response.CodeServiceUnavailable,
			"Change stored but not yet enforced; retry the request", nil)
	default:
		response.Error(w, http.StatusInternalServerError, response.CodeInternal,
			"An unexpected error occurred", nil)
	}
}
