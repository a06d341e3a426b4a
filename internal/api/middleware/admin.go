package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/shariqsway/nest-api-key-auth-sub000/internal/api/response"
	"github.com/shariqsway/nest-api-key-auth-sub000/internal/apikeys"
)

// AdminAuth accepts only requests bearing token. The caller is recorded as
// the actor of any key mutation.
func AdminAuth(token string) func(http.Handler) http.Handler {
	want := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(extractBearerToken(r))
			if len(want) == 0 || subtle.ConstantTimeCompare(got, want) != 1 {
				response.Error(w, http.StatusUnauthorized,
					response.CodeInvalidToken, "Missing or invalid admin token", nil)
				return
			}
			ctx := apikeys.WithActor(r.Context(), "admin@"+ClientIP(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
