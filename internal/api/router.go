// Package api wires the HTTP surface: router, middleware stack, handlers.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"

	mw "github.com/hashgate-io/hashgate/internal/api/middleware"
	"github.com/hashgate-io/hashgate/internal/api/response"
	"github.com/hashgate-io/hashgate/internal/metrics"
	"github.com/hashgate-io/hashgate/pkg/models"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit
	Usage     *mw.Usage

	AllowedOrigins []string

	HealthHandler    http.HandlerFunc
	ChallengeHandler http.HandlerFunc
	VerifyHandler    http.HandlerFunc
	PricingHandler   http.HandlerFunc

	ListKeysHandler  http.HandlerFunc
	RotateKeyHandler http.HandlerFunc
	RevokeKeyHandler http.HandlerFunc

	BalanceHandler        http.HandlerFunc
	CreditHistoryHandler  http.HandlerFunc
	CheckCreditsHandler   http.HandlerFunc
	ConsumeCreditsHandler http.HandlerFunc

	CreatePaymentHandler http.HandlerFunc
	VerifyPaymentHandler http.HandlerFunc

	AnomalyHistoryHandler http.HandlerFunc
}

// NewRouter builds the Chi router with the middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)
	r.Use(cors.New(cors.Options{
		AllowedOrigins: deps.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         300,
	}).Handler)

	// Public surface
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	r.Get("/api/v1/pricing", orNotImplemented(deps.PricingHandler))
	r.Post("/api/v1/auth/challenge", orNotImplemented(deps.ChallengeHandler))
	r.Post("/api/v1/auth/verify", orNotImplemented(deps.VerifyHandler))
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	// Authenticated surface
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)
		if deps.Usage != nil {
			r.Use(deps.Usage.Track)
		}

		r.Get("/api/v1/keys", orNotImplemented(deps.ListKeysHandler))
		r.Post("/api/v1/keys/{keyID}/rotate", orNotImplemented(deps.RotateKeyHandler))
		r.Delete("/api/v1/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))

		r.Get("/api/v1/credits/balance", orNotImplemented(deps.BalanceHandler))
		r.Get("/api/v1/credits/history", orNotImplemented(deps.CreditHistoryHandler))
		r.Post("/api/v1/credits/check", orNotImplemented(deps.CheckCreditsHandler))

		r.Get("/api/v1/anomalies", orNotImplemented(deps.AnomalyHistoryHandler))

		// Spending and purchasing require write permission.
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequirePermission(models.PermissionWrite))

			r.Post("/api/v1/credits/consume", orNotImplemented(deps.ConsumeCreditsHandler))
			r.Post("/api/v1/payments", orNotImplemented(deps.CreatePaymentHandler))
			r.Post("/api/v1/payments/{txID}/verify", orNotImplemented(deps.VerifyPaymentHandler))
		})
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
