package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nikhilpatil/agentflow/internal/agent"
	"github.com/nikhilpatil/agentflow/internal/cache"
	"github.com/nikhilpatil/agentflow/internal/config"
	"github.com/nikhilpatil/agentflow/internal/retry"
	"github.com/nikhilpatil/agentflow/internal/store"
	"github.com/nikhilpatil/agentflow/pkg/models"
)

// batchStatusTTL bounds how stale a cached batch status can be. Short on
// purpose: Postgres stays the source of truth and the cache only absorbs
// polling traffic.
const batchStatusTTL = 30 * time.Second

// RankingRequest asks for local-ranking checks across a set of business
// locations, grouped under one batch.
type RankingRequest struct {
	AccountID  uuid.UUID `json:"account_id"`
	Locations  []string  `json:"locations"`
	RangeStart time.Time `json:"range_start"`
	RangeEnd   time.Time `json:"range_end"`
}

// rankingInput is the RawInput stored on each location job.
type rankingInput struct {
	Location string `json:"location"`
}

// RankingCoordinator runs ranking batches with strict all-or-nothing
// semantics: if any location exhausts its retries, the entire batch is
// failed, including locations that had already completed. A partially
// ranked report would be worse than an explicit failure the operator can
// rerun.
type RankingCoordinator struct {
	store   store.Store
	cache   cache.Cache
	invoker agent.Invoker
	cfg     config.PipelineConfig

	now func() time.Time
}

func NewRankingCoordinator(st store.Store, ca cache.Cache, inv agent.Invoker, cfg config.PipelineConfig) *RankingCoordinator {
	return &RankingCoordinator{store: st, cache: ca, invoker: inv, cfg: cfg, now: time.Now}
}

// Submit creates one pending job per location under a fresh batch id. All
// jobs exist before any processing starts, so a status poll arriving
// mid-batch sees the full member list.
func (c *RankingCoordinator) Submit(ctx context.Context, req RankingRequest) (uuid.UUID, []*models.Job, error) {
	if len(req.Locations) == 0 {
		return uuid.Nil, nil, fmt.Errorf("ranking request has no locations")
	}

	batchID := uuid.New()
	now := c.now().UTC()
	jobs := make([]*models.Job, 0, len(req.Locations))
	for _, loc := range req.Locations {
		raw, err := json.Marshal(rankingInput{Location: loc})
		if err != nil {
			return uuid.Nil, nil, fmt.Errorf("marshal ranking input: %w", err)
		}
		job := &models.Job{
			ID:         uuid.New(),
			AccountID:  req.AccountID,
			BatchID:    &batchID,
			Type:       models.JobTypeRanking,
			Status:     models.JobStatusPending,
			RangeStart: &req.RangeStart,
			RangeEnd:   &req.RangeEnd,
			RawInput:   raw,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := c.store.CreateJob(ctx, job); err != nil {
			return uuid.Nil, nil, fmt.Errorf("creating ranking job for %s: %w", loc, err)
		}
		jobs = append(jobs, job)
	}
	return batchID, jobs, nil
}

// Process runs the batch members sequentially, each location under the
// ranking retry policy. On the first exhausted location the whole batch is
// failed in one store call and processing stops.
func (c *RankingCoordinator) Process(ctx context.Context, batchID uuid.UUID) error {
	jobs, err := c.store.ListJobsByBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("loading batch %s: %w", batchID, err)
	}
	if len(jobs) == 0 {
		return fmt.Errorf("batch %s: %w", batchID, store.ErrNotFound)
	}

	account, err := c.store.GetAccount(ctx, jobs[0].AccountID)
	if err != nil {
		return fmt.Errorf("loading account for batch %s: %w", batchID, err)
	}

	for _, job := range jobs {
		if err := c.processLocation(ctx, account, job); err != nil {
			c.failBatch(ctx, batchID, jobs, err)
			return err
		}
	}

	// Members changed state, so any cached derived status is stale.
	if err := c.cache.InvalidateBatchStatus(ctx, batchID); err != nil {
		slog.Warn("failed to invalidate batch status cache", "batch_id", batchID, "error", err)
	}
	slog.Info("ranking batch completed", "batch_id", batchID, "locations", len(jobs))
	return nil
}

func (c *RankingCoordinator) processLocation(ctx context.Context, account *models.Account, job *models.Job) error {
	var input rankingInput
	if err := json.Unmarshal(job.RawInput, &input); err != nil {
		return fmt.Errorf("job %s has malformed input: %w", job.ID, err)
	}

	if err := c.store.UpdateJobStatus(ctx, job.ID, models.JobStatusProcessing); err != nil {
		return fmt.Errorf("marking job %s processing: %w", job.ID, err)
	}
	job.Status = models.JobStatusProcessing

	payload := agent.Payload{
		Domain:         account.Domain,
		AccountID:      account.ID,
		AdditionalData: map[string]any{"location": input.Location},
	}
	if job.RangeStart != nil && job.RangeEnd != nil {
		payload.DateRange = agent.DateRange{
			Start: job.RangeStart.Format("2006-01-02"),
			End:   job.RangeEnd.Format("2006-01-02"),
		}
	}

	response, err := retry.DoValue(ctx, fmt.Sprintf("ranking %s", input.Location),
		retry.Policy{MaxAttempts: c.cfg.RankingMaxRetries, Delay: c.cfg.RankingRetryDelay},
		func(ctx context.Context) (json.RawMessage, error) {
			raw, err := c.invoker.Invoke(ctx, agent.TypeRanking, payload)
			if err != nil {
				return nil, err
			}
			if !agent.IsStructurallyValid(raw) {
				return nil, fmt.Errorf("location %s: %w", input.Location, agent.ErrInvalidOutput)
			}
			return raw, nil
		})
	if err != nil {
		return err
	}

	// The response lives in the job's progress record; ranking jobs have no
	// agent_results row because locations within a batch share one tuple.
	rec := &models.ProgressRecord{
		Status:  models.JobStatusCompleted,
		Message: fmt.Sprintf("ranking completed for %s", input.Location),
		Summary: map[string]any{
			"location": input.Location,
			"rankings": json.RawMessage(response),
		},
	}
	if err := c.store.SaveProgress(ctx, job.ID, rec); err != nil {
		return fmt.Errorf("saving ranking result for job %s: %w", job.ID, err)
	}
	if err := c.store.UpdateJobStatus(ctx, job.ID, models.JobStatusCompleted); err != nil {
		return fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	job.Status = models.JobStatusCompleted
	return nil
}

// failBatch flips every member job to failed, completed ones included, in a
// single store call, then drops the cached statuses.
func (c *RankingCoordinator) failBatch(ctx context.Context, batchID uuid.UUID, jobs []*models.Job, cause error) {
	slog.Error("ranking batch failed, failing all member jobs",
		"batch_id", batchID, "jobs", len(jobs), "error", cause)

	if err := c.store.FailBatch(ctx, batchID, cause.Error()); err != nil {
		slog.Error("failed to fail batch", "batch_id", batchID, "error", err)
		return
	}
	if err := c.cache.InvalidateBatchStatus(ctx, batchID); err != nil {
		slog.Warn("failed to invalidate batch status cache", "batch_id", batchID, "error", err)
	}
	// Completed members get rewritten to failed, so any terminal payload a
	// job status poll has cached for them is now wrong.
	for _, job := range jobs {
		if err := c.cache.Delete(ctx, cache.JobStatusKey(job.ID)); err != nil {
			slog.Warn("failed to invalidate cached job status", "job_id", job.ID, "error", err)
		}
	}
}

// Status derives the batch status from its member jobs, through the
// read-through cache.
func (c *RankingCoordinator) Status(ctx context.Context, batchID uuid.UUID) (string, []*models.Job, error) {
	jobs, err := c.store.ListJobsByBatch(ctx, batchID)
	if err != nil {
		return "", nil, err
	}
	if len(jobs) == 0 {
		return "", nil, fmt.Errorf("batch %s: %w", batchID, store.ErrNotFound)
	}

	if status, ok, err := c.cache.GetBatchStatus(ctx, batchID); err == nil && ok {
		return status, jobs, nil
	} else if err != nil {
		slog.Warn("batch status cache read failed", "batch_id", batchID, "error", err)
	}

	status := models.DeriveBatchStatus(jobs)
	if err := c.cache.SetBatchStatus(ctx, batchID, status, batchStatusTTL); err != nil {
		slog.Warn("batch status cache write failed", "batch_id", batchID, "error", err)
	}
	return status, jobs, nil
}
