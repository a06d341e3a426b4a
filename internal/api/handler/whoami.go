package handler

import (
	"net/http"

	mw "github.com/shariqsway/nest-api-key-auth-sub000/internal/api/middleware"
	"github.com/shariqsway/nest-api-key-auth-sub000/internal/api/response"
	"github.com/shariqsway/nest-api-key-auth-sub000/internal/quota"
	"github.com/shariqsway/nest-api-key-auth-sub000/internal/ratelimit"
)

type whoamiResponse struct {
	KeyID       string            `json:"key_id"`
	Name        string            `json:"name"`
	Prefix      string            `json:"key_prefix"`
	Owner       string            `json:"owner,omitempty"`
	Environment string            `json:"environment,omitempty"`
	Scopes      []string          `json:"scopes"`
	RateLimit   *ratelimit.Result `json:"rate_limit,omitempty"`
	Quota       *quota.Status     `json:"quota,omitempty"`
}

// NewWhoamiHandler returns an http.HandlerFunc for GET /api/v1/whoami. It
// must sit behind the admission middleware.
func NewWhoamiHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, ok := mw.GetAdmitted(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, response.CodeInvalidToken,
				"Missing or invalid API key", nil)
			return
		}
		scopes := res.Key.Scopes
		if scopes == nil {
			scopes = []string{}
		}
		response.JSON(w, whoamiResponse{
			KeyID:       res.Key.ID.String(),
			Name:        res.Key.Name,
			Prefix:      res.Key.KeyPrefix,
			Owner:       res.Key.Owner,
			Environment: res.Key.Environment,
			Scopes:      scopes,
			RateLimit:   res.RateLimit,
			Quota:       res.Quota,
		})
	}
}
