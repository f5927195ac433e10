// Package jobs drives the lifecycle of orchestrated jobs: upload intake,
// the stage walk through the progress state machine, the two approval
// gates, polling with reconciliation, and the operator retry action.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nikhilpatil/agentflow/internal/agent"
	"github.com/nikhilpatil/agentflow/internal/cache"
	"github.com/nikhilpatil/agentflow/internal/pipeline"
	"github.com/nikhilpatil/agentflow/internal/progress"
	"github.com/nikhilpatil/agentflow/internal/store"
	"github.com/nikhilpatil/agentflow/pkg/models"
)

// jobStatusTTL bounds how long a terminal job's cached payload can outlive
// an invalidation miss. Postgres stays the source of truth.
const jobStatusTTL = 30 * time.Second

// Runner abstracts the agent pipeline for job processing.
type Runner interface {
	Run(ctx context.Context, account *models.Account, opts pipeline.RunOptions) (*pipeline.Outcome, error)
}

// Service owns job state transitions. All processing is dispatched to
// background goroutines; API handlers only create jobs and poll them.
type Service struct {
	store  store.Store
	cache  cache.Cache
	runner Runner

	// dispatch runs a background job; synchronous in tests.
	dispatch func(fn func())
	now      func() time.Time
}

func NewService(st store.Store, ca cache.Cache, runner Runner) *Service {
	return &Service{
		store:    st,
		cache:    ca,
		runner:   runner,
		dispatch: func(fn func()) { go fn() },
		now:      time.Now,
	}
}

// SubmitUpload accepts a PMS export, creates the tracking job, and starts
// processing in the background. The returned job is what the client polls.
func (s *Service) SubmitUpload(ctx context.Context, accountID uuid.UUID, raw []byte) (*models.Job, error) {
	if _, err := s.store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	job := &models.Job{
		ID:        uuid.New(),
		AccountID: accountID,
		Type:      models.JobTypeUpload,
		Status:    models.JobStatusPending,
		RawInput:  raw,
		CreatedAt: now,
		UpdatedAt: now,
	}
	rec, err := progress.NewRecord(progress.StepFileUpload)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("creating upload job: %w", err)
	}
	if err := s.store.SaveProgress(ctx, job.ID, rec); err != nil {
		return nil, fmt.Errorf("saving initial progress: %w", err)
	}

	s.dispatch(func() { s.processUpload(context.Background(), job.ID) })
	return job, nil
}

// SubmitAgentRun creates a job that starts directly at the agent stages,
// used by the manual per-account run trigger. Force carries through to the
// pipeline's idempotency guard.
func (s *Service) SubmitAgentRun(ctx context.Context, accountID uuid.UUID, force bool) (*models.Job, error) {
	if _, err := s.store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	job := &models.Job{
		ID:        uuid.New(),
		AccountID: accountID,
		Type:      models.JobTypeAgentRun,
		Status:    models.JobStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	rec, err := progress.NewRecord(progress.StepDailyAgents)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("creating agent run job: %w", err)
	}
	if err := s.store.SaveProgress(ctx, job.ID, rec); err != nil {
		return nil, fmt.Errorf("saving initial progress: %w", err)
	}

	s.dispatch(func() { s.runAgents(context.Background(), job.ID, force) })
	return job, nil
}

// processUpload walks the pre-approval stages: validate the upload, parse
// it, then park the job at the admin review gate.
func (s *Service) processUpload(ctx context.Context, jobID uuid.UUID) {
	if err := s.store.UpdateJobStatus(ctx, jobID, models.JobStatusProcessing); err != nil {
		slog.Error("failed to mark job processing", "job_id", jobID, "error", err)
		return
	}

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		slog.Error("failed to load job", "job_id", jobID, "error", err)
		return
	}
	rec, err := s.store.LoadProgress(ctx, jobID)
	if err != nil {
		slog.Error("failed to load progress", "job_id", jobID, "error", err)
		return
	}

	if len(job.RawInput) == 0 {
		s.failJob(ctx, jobID, rec, progress.StepFileUpload, fmt.Errorf("upload is empty"))
		return
	}
	if err := progress.CompleteStep(rec, progress.StepFileUpload, progress.StepPMSParser); err != nil {
		s.failJob(ctx, jobID, rec, progress.StepFileUpload, err)
		return
	}
	s.saveProgress(ctx, jobID, rec)

	summary, err := parsePMSUpload(job.RawInput)
	if err != nil {
		s.failJob(ctx, jobID, rec, progress.StepPMSParser, err)
		return
	}
	rec.Summary = summary

	// Completing the parse stage parks the record at the admin gate.
	if err := progress.CompleteStep(rec, progress.StepPMSParser, progress.StepAdminReview); err != nil {
		s.failJob(ctx, jobID, rec, progress.StepPMSParser, err)
		return
	}
	s.saveProgress(ctx, jobID, rec)

	if err := s.store.UpdateJobStatus(ctx, jobID, models.JobStatusAwaitingApproval); err != nil {
		slog.Error("failed to park job at admin gate", "job_id", jobID, "error", err)
		return
	}
	slog.Info("upload parsed, awaiting admin approval", "job_id", jobID)
}

// Approve records an approval and advances the job past its gate. Approvals
// are one-way: there is no unapprove. Admin approval moves the job to the
// client gate; client approval releases the agent stages.
func (s *Service) Approve(ctx context.Context, jobID uuid.UUID, kind string) (*models.Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobStatusAwaitingApproval {
		return nil, fmt.Errorf("%w: job is %s, not awaiting approval", ErrInvalidTransition, job.Status)
	}
	rec, err := s.store.LoadProgress(ctx, jobID)
	if err != nil {
		return nil, err
	}

	switch kind {
	case store.ApprovalAdmin:
		if rec.CurrentStep != progress.StepAdminReview {
			return nil, fmt.Errorf("%w: job is at %s, not admin review", ErrInvalidTransition, rec.CurrentStep)
		}
		if err := s.store.SetJobApproval(ctx, jobID, store.ApprovalAdmin); err != nil {
			return nil, err
		}
		job.IsAdminApproved = true
		// Past the admin gate the job parks again, at the client gate.
		if err := progress.CompleteStep(rec, progress.StepAdminReview, progress.StepClientReview); err != nil {
			return nil, err
		}
		s.saveProgress(ctx, jobID, rec)

	case store.ApprovalClient:
		if rec.CurrentStep != progress.StepClientReview {
			return nil, fmt.Errorf("%w: job is at %s, not client review", ErrInvalidTransition, rec.CurrentStep)
		}
		if !job.IsAdminApproved {
			return nil, fmt.Errorf("%w: client approval requires admin approval first", ErrInvalidTransition)
		}
		if err := s.store.SetJobApproval(ctx, jobID, store.ApprovalClient); err != nil {
			return nil, err
		}
		job.IsClientApproved = true
		if err := progress.CompleteStep(rec, progress.StepClientReview, progress.StepDailyAgents); err != nil {
			return nil, err
		}
		s.saveProgress(ctx, jobID, rec)
		if err := s.store.UpdateJobStatus(ctx, jobID, models.JobStatusProcessing); err != nil {
			return nil, err
		}
		job.Status = models.JobStatusProcessing
		s.dispatch(func() { s.runAgents(context.Background(), jobID, false) })

	default:
		return nil, fmt.Errorf("unknown approval kind %q", kind)
	}

	return job, nil
}

// runAgents executes the daily and monthly agent stages through the
// pipeline, mirroring its progress into the job's record, then finalizes.
func (s *Service) runAgents(ctx context.Context, jobID uuid.UUID, force bool) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		slog.Error("failed to load job for agent run", "job_id", jobID, "error", err)
		return
	}
	account, err := s.store.GetAccount(ctx, job.AccountID)
	if err != nil {
		slog.Error("failed to load account for agent run", "job_id", jobID, "error", err)
		return
	}
	rec, err := s.store.LoadProgress(ctx, jobID)
	if err != nil {
		slog.Error("failed to load progress for agent run", "job_id", jobID, "error", err)
		return
	}

	if err := s.store.UpdateJobStatus(ctx, jobID, models.JobStatusProcessing); err != nil {
		slog.Error("failed to mark job processing", "job_id", jobID, "error", err)
		return
	}

	outcome, err := s.runner.Run(ctx, account, pipeline.RunOptions{
		Force:   force,
		OnStage: func(agentType string) { s.onStage(ctx, jobID, rec, agentType) },
	})
	if err != nil {
		s.failJob(ctx, jobID, rec, rec.CurrentStep, err)
		return
	}

	s.finalize(ctx, jobID, rec, outcome)
}

// onStage mirrors one validated pipeline stage into the progress record.
// Persist failures here only cost progress granularity, never the run.
func (s *Service) onStage(ctx context.Context, jobID uuid.UUID, rec *models.ProgressRecord, agentType string) {
	var upd progress.Update
	switch agentType {
	case agent.TypeDaily:
		return
	case agent.TypeSummary:
		s.openMonthly(rec)
		upd = progress.Update{
			Step:           progress.StepMonthlyAgents,
			AgentCompleted: progress.SubStepSummary,
			SubStep:        progress.SubStepOpportunity,
		}
	case agent.TypeOpportunity:
		s.openMonthly(rec)
		upd = progress.Update{
			Step:           progress.StepMonthlyAgents,
			AgentCompleted: progress.SubStepOpportunity,
			SubStep:        progress.SubStepCROOptimizer,
		}
	case agent.TypeCROOptimizer:
		s.openMonthly(rec)
		upd = progress.Update{
			Step:           progress.StepMonthlyAgents,
			AgentCompleted: progress.SubStepCROOptimizer,
		}
	default:
		return
	}
	if err := progress.Apply(rec, upd); err != nil {
		slog.Warn("failed to apply stage progress", "job_id", jobID, "agent_type", agentType, "error", err)
		return
	}
	s.saveProgress(ctx, jobID, rec)
}

// openMonthly closes the daily stage and opens the monthly one the first
// time a monthly agent reports in.
func (s *Service) openMonthly(rec *models.ProgressRecord) {
	if rec.Step(progress.StepDailyAgents).Status == models.StepCompleted {
		return
	}
	if err := progress.CompleteStep(rec, progress.StepDailyAgents, progress.StepMonthlyAgents); err != nil {
		slog.Warn("failed to open monthly stage", "error", err)
	}
}

func (s *Service) finalize(ctx context.Context, jobID uuid.UUID, rec *models.ProgressRecord, outcome *pipeline.Outcome) {
	if rec.Step(progress.StepDailyAgents).Status != models.StepCompleted {
		if err := progress.CompleteStep(rec, progress.StepDailyAgents, progress.StepMonthlyAgents); err != nil {
			s.failJob(ctx, jobID, rec, progress.StepDailyAgents, err)
			return
		}
	}

	if outcome.MonthlyRan {
		if err := progress.CompleteStep(rec, progress.StepMonthlyAgents, progress.StepFinalize); err != nil {
			s.failJob(ctx, jobID, rec, progress.StepMonthlyAgents, err)
			return
		}
	} else {
		if err := progress.Apply(rec, progress.Update{
			Step: progress.StepMonthlyAgents, StepStatus: models.StepSkipped,
		}); err != nil {
			s.failJob(ctx, jobID, rec, progress.StepMonthlyAgents, err)
			return
		}
		if err := progress.Apply(rec, progress.Update{
			Step: progress.StepFinalize, StepStatus: models.StepProcessing,
		}); err != nil {
			s.failJob(ctx, jobID, rec, progress.StepFinalize, err)
			return
		}
	}

	if rec.Summary == nil {
		rec.Summary = map[string]any{}
	}
	rec.Summary["monthly_ran"] = outcome.MonthlyRan
	rec.Summary["stages"] = outcome.Stages
	rec.Summary["all_skipped"] = outcome.AllSkipped()

	if err := progress.CompleteStep(rec, progress.StepFinalize, ""); err != nil {
		s.failJob(ctx, jobID, rec, progress.StepFinalize, err)
		return
	}
	s.saveProgress(ctx, jobID, rec)

	if err := s.store.UpdateJobStatus(ctx, jobID, models.JobStatusCompleted); err != nil {
		slog.Error("failed to complete job", "job_id", jobID, "error", err)
		return
	}
	slog.Info("job completed", "job_id", jobID)
}

// Status returns the job and its progress record. Terminal jobs are served
// from the cache; everything else is loaded from the store and reconciled,
// because a crash between the record write and the job row write must not
// leave a client polling a stale status forever.
func (s *Service) Status(ctx context.Context, jobID uuid.UUID) (*models.Job, *models.ProgressRecord, error) {
	if job, rec, ok := s.readStatusCache(ctx, jobID); ok {
		return job, rec, nil
	}

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	rec, err := s.store.LoadProgress(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}

	if reconciled := rec.Status; reconciled != job.Status && reconciledStatus(reconciled) {
		if err := s.store.UpdateJobStatus(ctx, jobID, reconciled); err != nil {
			slog.Warn("failed to reconcile job status", "job_id", jobID, "error", err)
		} else {
			job.Status = reconciled
		}
	}

	// Only terminal jobs are cached: a completed or failed job changes again
	// solely through Retry, which invalidates the entry.
	if terminalJobStatus(job.Status) {
		s.writeStatusCache(ctx, jobID, job, rec)
	}
	return job, rec, nil
}

// reconciledStatus limits reconciliation to states the record owns.
// Pending-to-processing is the dispatcher's write, not the record's.
func reconciledStatus(status string) bool {
	switch status {
	case models.JobStatusAwaitingApproval, models.JobStatusCompleted, models.JobStatusFailed:
		return true
	}
	return false
}

// Retry rewinds a failed job to a stage and reprocesses from there. The
// only way progress moves backwards.
func (s *Service) Retry(ctx context.Context, jobID uuid.UUID, step string) (*models.Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobStatusFailed {
		return nil, fmt.Errorf("%w: only failed jobs can be retried, job is %s", ErrInvalidTransition, job.Status)
	}
	def, ok := progress.StageDefFor(step)
	if !ok {
		return nil, fmt.Errorf("%w: %q", progress.ErrUnknownStep, step)
	}
	if (step == progress.StepFileUpload || step == progress.StepPMSParser) && len(job.RawInput) == 0 {
		return nil, fmt.Errorf("%w: job has no stored upload to reprocess", ErrMissingInput)
	}

	rec, err := s.store.LoadProgress(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := progress.ResetToStep(rec, step); err != nil {
		return nil, err
	}

	next := models.JobStatusProcessing
	if def.ApprovalGate {
		progress.SetAwaitingApproval(rec, step)
		next = models.JobStatusAwaitingApproval
	}
	s.saveProgress(ctx, jobID, rec)
	if err := s.store.UpdateJobStatus(ctx, jobID, next); err != nil {
		return nil, err
	}
	job.Status = next
	// The cached entry still says failed; drop it so polls see the rewind.
	s.invalidateStatusCache(ctx, jobID)

	switch {
	case def.ApprovalGate:
		// Parked; the approval endpoints take it from here.
	case step == progress.StepFileUpload || step == progress.StepPMSParser:
		s.dispatch(func() { s.processUpload(context.Background(), jobID) })
	default:
		s.dispatch(func() { s.runAgents(context.Background(), jobID, false) })
	}
	return job, nil
}

func (s *Service) failJob(ctx context.Context, jobID uuid.UUID, rec *models.ProgressRecord, step string, cause error) {
	if err := progress.Apply(rec, progress.Update{
		Step:          step,
		StepStatus:    models.StepFailed,
		CustomMessage: cause.Error(),
	}); err != nil {
		slog.Error("failed to record step failure", "job_id", jobID, "step", step, "error", err)
	}
	s.saveProgress(ctx, jobID, rec)

	if err := s.store.UpdateJobStatus(ctx, jobID, models.JobStatusFailed,
		store.WithErrorMessage(cause.Error())); err != nil {
		slog.Error("failed to fail job", "job_id", jobID, "error", err)
	}
	slog.Error("job failed", "job_id", jobID, "step", step, "error", cause)
}

func (s *Service) saveProgress(ctx context.Context, jobID uuid.UUID, rec *models.ProgressRecord) {
	if err := s.store.SaveProgress(ctx, jobID, rec); err != nil {
		slog.Warn("failed to save progress", "job_id", jobID, "error", err)
	}
}

// cachedStatus is the payload kept in Redis for terminal jobs, so polls on
// finished work skip Postgres entirely.
type cachedStatus struct {
	Job      *models.Job            `json:"job"`
	Progress *models.ProgressRecord `json:"progress"`
}

func terminalJobStatus(status string) bool {
	return status == models.JobStatusCompleted || status == models.JobStatusFailed
}

func (s *Service) readStatusCache(ctx context.Context, jobID uuid.UUID) (*models.Job, *models.ProgressRecord, bool) {
	raw, found, err := s.cache.Get(ctx, cache.JobStatusKey(jobID))
	if err != nil {
		slog.Warn("job status cache read failed", "job_id", jobID, "error", err)
		return nil, nil, false
	}
	if !found {
		return nil, nil, false
	}
	var cs cachedStatus
	if err := json.Unmarshal(raw, &cs); err != nil || cs.Job == nil || cs.Progress == nil {
		return nil, nil, false
	}
	return cs.Job, cs.Progress, true
}

func (s *Service) writeStatusCache(ctx context.Context, jobID uuid.UUID, job *models.Job, rec *models.ProgressRecord) {
	raw, err := json.Marshal(cachedStatus{Job: job, Progress: rec})
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, cache.JobStatusKey(jobID), raw, jobStatusTTL); err != nil {
		slog.Warn("job status cache write failed", "job_id", jobID, "error", err)
	}
}

func (s *Service) invalidateStatusCache(ctx context.Context, jobID uuid.UUID) {
	if err := s.cache.Delete(ctx, cache.JobStatusKey(jobID)); err != nil {
		slog.Warn("job status cache invalidation failed", "job_id", jobID, "error", err)
	}
}
