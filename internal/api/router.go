package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	mw "github.com/shariqsway/nest-api-key-auth-sub000/internal/api/middleware"
	"github.com/shariqsway/nest-api-key-auth-sub000/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Admission      mw.Admitter
	AdminToken     string
	AdminRateLimit int
	Observer       mw.HTTPObserver

	HealthHandler  http.HandlerFunc
	MetricsHandler http.Handler
	WhoamiHandler  http.HandlerFunc

	CreateKeyHandler      http.HandlerFunc
	ListKeysHandler       http.HandlerFunc
	GetKeyHandler         http.HandlerFunc
	UpdateKeyHandler      http.HandlerFunc
	RevokeKeyHandler      http.HandlerFunc
	KeyActionHandler      http.HandlerFunc
	ReconcileQuotaHandler http.HandlerFunc
	KeyThreatsHandler     http.HandlerFunc
	IPThreatsHandler      http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(mw.Logger(deps.Observer))
	r.Use(mw.Recovery)

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// API key protected routes
	r.Group(func(r chi.Router) {
		if deps.Admission != nil {
			r.Use(mw.Admission(deps.Admission))
		}
		r.Get("/api/v1/whoami", orNotImplemented(deps.WhoamiHandler))
	})

	// Admin routes
	r.Route("/api/v1/admin", func(r chi.Router) {
		r.Use(mw.AdminRateLimit(deps.AdminRateLimit))
		r.Use(mw.AdminAuth(deps.AdminToken))

		r.Post("/keys", orNotImplemented(deps.CreateKeyHandler))
		r.Get("/keys", orNotImplemented(deps.ListKeysHandler))
		r.Get("/keys/{keyID}", orNotImplemented(deps.GetKeyHandler))
		r.Patch("/keys/{keyID}", orNotImplemented(deps.UpdateKeyHandler))
		r.Delete("/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))
		r.Post("/keys/{keyID}/quota/reconcile", orNotImplemented(deps.ReconcileQuotaHandler))
		r.Get("/keys/{keyID}/threats", orNotImplemented(deps.KeyThreatsHandler))
		r.Post("/keys/{keyID}/{action}", orNotImplemented(deps.KeyActionHandler))
		r.Get("/threats/ip/{ip}", orNotImplemented(deps.IPThreatsHandler))
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
