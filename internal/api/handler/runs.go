package handler

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/nikhilpatil/agentflow/internal/api/response"
	"github.com/nikhilpatil/agentflow/pkg/models"
)

// RunSubmitter triggers a tracked agent run for one account.
type RunSubmitter interface {
	SubmitAgentRun(ctx context.Context, accountID uuid.UUID, force bool) (*models.Job, error)
}

// NewRunAccountHandler returns the handler for
// POST /api/v1/accounts/{accountID}/runs. The force query parameter bypasses
// the idempotency guard; it is never implied.
func NewRunAccountHandler(svc RunSubmitter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, ok := parseUUIDParam(w, r, "accountID")
		if !ok {
			return
		}
		force := r.URL.Query().Get("force") == "true"

		job, err := svc.SubmitAgentRun(r.Context(), accountID, force)
		if err != nil {
			writeJobError(w, err)
			return
		}
		response.Accepted(w, jobResponse(job, nil))
	}
}

// NewRunFleetHandler returns the handler for POST /api/v1/admin/runs.
// The sweep itself runs in the background; the dispatch function is wired
// in main so the handler stays free of goroutine plumbing.
func NewRunFleetHandler(dispatch func(force bool)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		force := r.URL.Query().Get("force") == "true"
		dispatch(force)
		response.Accepted(w, map[string]any{
			"status": "fleet run started",
			"force":  force,
		})
	}
}
