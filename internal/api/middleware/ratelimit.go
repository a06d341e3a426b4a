package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"
	"github.com/shariqsway/nest-api-key-auth-sub000/internal/api/response"
)

const defaultAdminRequestsPerMinute = 30

// AdminRateLimit limits requests per client IP to the given number per
// minute. It guards routes that are authenticated by a shared token rather
// than by API key admission.
func AdminRateLimit(requestsPerMinute int) func(http.Handler) http.Handler {
	if requestsPerMinute <= 0 {
		requestsPerMinute = defaultAdminRequestsPerMinute
	}
	return httprate.Limit(
		requestsPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
			response.Error(w, http.StatusTooManyRequests,
				response.CodeRateLimitExceeded, "Too many requests", nil)
		}),
	)
}
