package middleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shariqsway/nest-api-key-auth-sub000/internal/admission"
	"github.com/shariqsway/nest-api-key-auth-sub000/internal/api/response"
)

// APIKeyHeader carries the secret when no bearer token is sent.
const APIKeyHeader = "X-API-Key"

// Admitter decides whether a request may proceed. *admission.Orchestrator
// satisfies it.
type Admitter interface {
	Admit(ctx context.Context, req admission.Request) admission.Result
}

// Admission runs every request through a. Admitted requests carry the
// result in their context; rejected ones get the error envelope.
func Admission(a Admitter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := a.Admit(r.Context(), admission.Request{
				Method:   r.Method,
				Path:     r.URL.Path,
				ClientIP: ClientIP(r),
				Secret:   extractSecret(r),
			})
			setThrottleHeaders(w, res)
			if !res.OK {
				writeRejection(w, res)
				return
			}
			next.ServeHTTP(w, r.WithContext(SetAdmitted(r.Context(), res)))
		})
	}
}

func setThrottleHeaders(w http.ResponseWriter, res admission.Result) {
	h := w.Header()
	if rl := res.RateLimit; rl != nil {
		h.Set("X-RateLimit-Limit", strconv.Itoa(rl.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(rl.Remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(rl.ResetAt.Unix(), 10))
	}
	if q := res.Quota; q != nil && !q.Unlimited {
		h.Set("X-Quota-Limit", strconv.FormatInt(q.Limit, 10))
		h.Set("X-Quota-Remaining", strconv.FormatInt(q.Remaining, 10))
		h.Set("X-Quota-Reset", strconv.FormatInt(q.ResetAt.Unix(), 10))
	}
}

// writeRejection maps a rejection to its status. Authentication failures
// share one generic message so callers cannot probe which check failed.
func writeRejection(w http.ResponseWriter, res admission.Result) {
	switch res.Category {
	case admission.CategoryAuthorization:
		response.Error(w, http.StatusForbidden, response.CodeForbidden,
			"API key is "+string(res.Reason), map[string]string{"reason": string(res.Reason)})
	case admission.CategoryThrottling:
		w.Header().Set("Retry-After", retryAfter(res.RetryAfter))
		code, msg := response.CodeRateLimitExceeded, "Too many requests"
		if res.Reason == admission.ReasonQuotaExceeded {
			code, msg = response.CodeQuotaExceeded, "Usage quota exhausted"
		}
		response.Error(w, http.StatusTooManyRequests, code, msg, nil)
	case admission.CategoryBackend:
		response.Error(w, http.StatusServiceUnavailable, response.CodeServiceUnavailable,
			"Authentication is temporarily unavailable", nil)
	default:
		response.Error(w, http.StatusUnauthorized, response.CodeInvalidToken,
			"Missing or invalid API key", nil)
	}
}

func retryAfter(d time.Duration) string {
	secs := int64(math.Ceil(d.Seconds()))
	return strconv.FormatInt(max(secs, 1), 10)
}

// ClientIP returns the host part of RemoteAddr. Proxy headers are already
// folded into RemoteAddr by chi's RealIP middleware.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func extractSecret(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get(APIKeyHeader)); v != "" {
		return v
	}
	return extractBearerToken(r)
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
