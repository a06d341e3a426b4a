package middleware

import (
	"context"
	"net/http"

	"github.com/shariqsway/nest-api-key-auth-sub000/internal/admission"
	"github.com/shariqsway/nest-api-key-auth-sub000/pkg/models"
)

type contextKey string

const admittedKey contextKey = "admitted"

// SetAdmitted stores the admission result of the current request.
func SetAdmitted(ctx context.Context, res admission.Result) context.Context {
	return context.WithValue(ctx, admittedKey, res)
}

// GetAdmitted returns the admission result stored by the admission
// middleware.
func GetAdmitted(r *http.Request) (admission.Result, bool) {
	res, ok := r.Context().Value(admittedKey).(admission.Result)
	return res, ok && res.OK
}

// GetAPIKey returns the key admitted for the request.
func GetAPIKey(r *http.Request) (*models.APIKey, bool) {
	res, ok := GetAdmitted(r)
	if !ok {
		return nil, false
	}
	return res.Key, true
}
