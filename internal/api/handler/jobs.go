// Package handler contains the HTTP handlers. Each handler depends on a
// narrow interface rather than a concrete service, so tests stub exactly
// what a route needs.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nikhilpatil/agentflow/internal/api/response"
	"github.com/nikhilpatil/agentflow/internal/jobs"
	"github.com/nikhilpatil/agentflow/internal/progress"
	"github.com/nikhilpatil/agentflow/internal/store"
	"github.com/nikhilpatil/agentflow/pkg/models"
)

// maxUploadBytes caps PMS upload size. Exports are line-item JSON and stay
// well under this in practice.
const maxUploadBytes = 10 << 20

// Per-route interfaces over the jobs service.
type UploadSubmitter interface {
	SubmitUpload(ctx context.Context, accountID uuid.UUID, raw []byte) (*models.Job, error)
}

type StatusReader interface {
	Status(ctx context.Context, jobID uuid.UUID) (*models.Job, *models.ProgressRecord, error)
}

type Approver interface {
	Approve(ctx context.Context, jobID uuid.UUID, kind string) (*models.Job, error)
}

type Retrier interface {
	Retry(ctx context.Context, jobID uuid.UUID, step string) (*models.Job, error)
}

// NewUploadHandler returns the handler for POST /api/v1/accounts/{accountID}/uploads.
func NewUploadHandler(svc UploadSubmitter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, ok := parseUUIDParam(w, r, "accountID")
		if !ok {
			return
		}

		raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUploadBytes))
		if err != nil {
			response.Error(w, http.StatusRequestEntityTooLarge, "UPLOAD_TOO_LARGE",
				"Upload exceeds the size limit", nil)
			return
		}
		if len(raw) == 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Upload body is empty", nil)
			return
		}

		job, err := svc.SubmitUpload(r.Context(), accountID, raw)
		if err != nil {
			writeJobError(w, err)
			return
		}
		response.Accepted(w, jobResponse(job, nil))
	}
}

// NewJobStatusHandler returns the handler for GET /api/v1/jobs/{jobID}/status.
func NewJobStatusHandler(svc StatusReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := parseUUIDParam(w, r, "jobID")
		if !ok {
			return
		}

		job, rec, err := svc.Status(r.Context(), jobID)
		if err != nil {
			writeJobError(w, err)
			return
		}
		response.JSON(w, jobResponse(job, rec))
	}
}

// NewApproveHandler returns the handler for
// POST /api/v1/jobs/{jobID}/approvals/admin and .../client. The kind is
// fixed per route so the two can sit behind different scopes.
func NewApproveHandler(svc Approver, kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := parseUUIDParam(w, r, "jobID")
		if !ok {
			return
		}

		job, err := svc.Approve(r.Context(), jobID, kind)
		if err != nil {
			writeJobError(w, err)
			return
		}
		response.JSON(w, jobResponse(job, nil))
	}
}

// NewRetryHandler returns the handler for POST /api/v1/jobs/{jobID}/retry.
// Operator-only: rewinds a failed job to a stage and reprocesses.
func NewRetryHandler(svc Retrier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := parseUUIDParam(w, r, "jobID")
		if !ok {
			return
		}

		var req struct {
			Step string `json:"step"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.Step == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "step is required", nil)
			return
		}

		job, err := svc.Retry(r.Context(), jobID, req.Step)
		if err != nil {
			writeJobError(w, err)
			return
		}
		response.Accepted(w, jobResponse(job, nil))
	}
}

func writeJobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job or account not found", nil)
	case errors.Is(err, jobs.ErrInvalidTransition):
		response.Error(w, http.StatusConflict, "INVALID_STATE", err.Error(), nil)
	case errors.Is(err, jobs.ErrMissingInput):
		response.Error(w, http.StatusConflict, "MISSING_INPUT", err.Error(), nil)
	case errors.Is(err, progress.ErrUnknownStep):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	default:
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}

func parseUUIDParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", name+" must be a valid UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}

type jobView struct {
	ID               uuid.UUID              `json:"id"`
	AccountID        uuid.UUID              `json:"account_id"`
	Type             string                 `json:"type"`
	Status           string                 `json:"status"`
	IsAdminApproved  bool                   `json:"is_admin_approved"`
	IsClientApproved bool                   `json:"is_client_approved"`
	Error            string                 `json:"error,omitempty"`
	Progress         *models.ProgressRecord `json:"progress,omitempty"`
}

func jobResponse(job *models.Job, rec *models.ProgressRecord) jobView {
	v := jobView{
		ID:               job.ID,
		AccountID:        job.AccountID,
		Type:             job.Type,
		Status:           job.Status,
		IsAdminApproved:  job.IsAdminApproved,
		IsClientApproved: job.IsClientApproved,
		Progress:         rec,
	}
	if job.ErrorMessage != nil {
		v.Error = *job.ErrorMessage
	}
	return v
}
