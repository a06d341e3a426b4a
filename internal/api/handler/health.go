package handler

import (
	"context"
	"net/http"

	"github.com/shariqsway/nest-api-key-auth-sub000/internal/api/response"
	"github.com/shariqsway/nest-api-key-auth-sub000/internal/cache"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewHealthHandler checks the key repository and reports cache usage. A
// degraded cache does not fail the check since admission falls back to the
// repository.
func NewHealthHandler(repo Pinger, c cache.KeyCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{"database": "ok"}
		if err := repo.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		body := map[string]any{
			"status":   "ok",
			"services": checks,
		}
		if c != nil {
			body["cache"] = c.Stats(r.Context())
		}
		response.JSON(w, body)
	}
}
