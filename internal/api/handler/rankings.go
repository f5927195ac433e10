package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nikhilpatil/agentflow/internal/api/response"
	"github.com/nikhilpatil/agentflow/internal/batch"
	"github.com/nikhilpatil/agentflow/internal/store"
	"github.com/nikhilpatil/agentflow/pkg/models"
)

const maxRankingLocations = 50

// RankingService is the interface the ranking routes depend on.
type RankingService interface {
	Submit(ctx context.Context, req batch.RankingRequest) (uuid.UUID, []*models.Job, error)
	Status(ctx context.Context, batchID uuid.UUID) (string, []*models.Job, error)
}

// NewSubmitRankingsHandler returns the handler for
// POST /api/v1/accounts/{accountID}/rankings. Processing is dispatched in
// the background; the client polls the batch.
func NewSubmitRankingsHandler(svc RankingService, dispatch func(batchID uuid.UUID)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, ok := parseUUIDParam(w, r, "accountID")
		if !ok {
			return
		}

		var req struct {
			Locations []string `json:"locations"`
			Start     string   `json:"start"`
			End       string   `json:"end"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if len(req.Locations) == 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "locations is required", nil)
			return
		}
		if len(req.Locations) > maxRankingLocations {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"too many locations in one batch", nil)
			return
		}
		start, end, ok := parseDateRange(w, req.Start, req.End)
		if !ok {
			return
		}

		batchID, jobs, err := svc.Submit(r.Context(), batch.RankingRequest{
			AccountID:  accountID,
			Locations:  req.Locations,
			RangeStart: start,
			RangeEnd:   end,
		})
		if err != nil {
			writeJobError(w, err)
			return
		}
		dispatch(batchID)

		response.Accepted(w, rankingBatchView{
			BatchID: batchID,
			Status:  models.BatchStatusProcessing,
			Jobs:    jobViews(jobs),
		})
	}
}

// NewRankingStatusHandler returns the handler for GET /api/v1/rankings/{batchID}.
func NewRankingStatusHandler(svc RankingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		batchID, ok := parseUUIDParam(w, r, "batchID")
		if !ok {
			return
		}

		status, jobs, err := svc.Status(r.Context(), batchID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Batch not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}
		response.JSON(w, rankingBatchView{BatchID: batchID, Status: status, Jobs: jobViews(jobs)})
	}
}

func parseDateRange(w http.ResponseWriter, start, end string) (time.Time, time.Time, bool) {
	if start == "" || end == "" {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "start and end are required", nil)
		return time.Time{}, time.Time{}, false
	}
	s, err := time.Parse("2006-01-02", start)
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "start must be a YYYY-MM-DD date", nil)
		return time.Time{}, time.Time{}, false
	}
	e, err := time.Parse("2006-01-02", end)
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "end must be a YYYY-MM-DD date", nil)
		return time.Time{}, time.Time{}, false
	}
	if e.Before(s) {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "end must not precede start", nil)
		return time.Time{}, time.Time{}, false
	}
	return s, e, true
}

type rankingBatchView struct {
	BatchID uuid.UUID `json:"batch_id"`
	Status  string    `json:"status"`
	Jobs    []jobView `json:"jobs"`
}

func jobViews(jobs []*models.Job) []jobView {
	views := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, jobResponse(j, nil))
	}
	return views
}
