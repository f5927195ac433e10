package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	mw "github.com/nikhilpatil/agentflow/internal/api/middleware"
	"github.com/nikhilpatil/agentflow/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc

	UploadHandler        http.HandlerFunc
	JobStatusHandler     http.HandlerFunc
	ApproveAdminHandler  http.HandlerFunc
	ApproveClientHandler http.HandlerFunc
	RetryHandler         http.HandlerFunc

	RunAccountHandler http.HandlerFunc
	RunFleetHandler   http.HandlerFunc

	SubmitRankingsHandler http.HandlerFunc
	RankingStatusHandler  http.HandlerFunc

	CreateKeyHandler http.HandlerFunc
	ListKeysHandler  http.HandlerFunc
	RevokeKeyHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public health check
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Post("/api/v1/accounts/{accountID}/uploads", orNotImplemented(deps.UploadHandler))
		r.Get("/api/v1/jobs/{jobID}/status", orNotImplemented(deps.JobStatusHandler))

		// Client approval needs only the client scope; admin approval and
		// the operator actions sit behind admin.
		r.With(deps.Auth.RequireScope("client")).
			Post("/api/v1/jobs/{jobID}/approvals/client", orNotImplemented(deps.ApproveClientHandler))

		r.Post("/api/v1/accounts/{accountID}/rankings", orNotImplemented(deps.SubmitRankingsHandler))
		r.Get("/api/v1/rankings/{batchID}", orNotImplemented(deps.RankingStatusHandler))

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope("admin"))

			r.Post("/api/v1/jobs/{jobID}/approvals/admin", orNotImplemented(deps.ApproveAdminHandler))
			r.Post("/api/v1/jobs/{jobID}/retry", orNotImplemented(deps.RetryHandler))

			r.Post("/api/v1/accounts/{accountID}/runs", orNotImplemented(deps.RunAccountHandler))
			r.Post("/api/v1/admin/runs", orNotImplemented(deps.RunFleetHandler))

			r.Post("/api/v1/admin/keys", orNotImplemented(deps.CreateKeyHandler))
			r.Get("/api/v1/admin/keys", orNotImplemented(deps.ListKeysHandler))
			r.Delete("/api/v1/admin/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))
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
