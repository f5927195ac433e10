// Package pipeline sequences the agent stages for one unit of work and
// decides the all-or-nothing commit. Execution is deliberately sequential:
// the upstream agents are shared, rate-limited services, so nothing here
// fans out in parallel.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nikhilpatil/agentflow/internal/agent"
	"github.com/nikhilpatil/agentflow/internal/config"
	"github.com/nikhilpatil/agentflow/internal/credentials"
	"github.com/nikhilpatil/agentflow/internal/metrics"
	"github.com/nikhilpatil/agentflow/internal/retry"
	"github.com/nikhilpatil/agentflow/internal/store"
	"github.com/nikhilpatil/agentflow/pkg/models"
)

// AgentTypeSourceMetrics is the agent_results row type for the raw source
// metrics captured alongside a daily run. It is persistence only, never an
// invocable agent.
const AgentTypeSourceMetrics = "source_metrics"

// Orchestrator runs the daily+monthly agent pipeline for one account.
type Orchestrator struct {
	store   store.Store
	guard   *Guard
	invoker agent.Invoker
	creds   credentials.Provider
	metrics metrics.Source
	cfg     config.PipelineConfig

	// Stubbed in tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewOrchestrator(st store.Store, inv agent.Invoker, creds credentials.Provider, src metrics.Source, cfg config.PipelineConfig) *Orchestrator {
	return &Orchestrator{
		store:   st,
		guard:   NewGuard(st),
		invoker: inv,
		creds:   creds,
		metrics: src,
		cfg:     cfg,
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

// RunOptions configures one pipeline run.
type RunOptions struct {
	// ReferenceDate anchors the date-range math; zero means now. Injectable
	// so runs are deterministic under test and backfillable in production.
	ReferenceDate time.Time
	// Force bypasses the idempotency guard for manual re-runs. Always an
	// explicit caller decision.
	Force bool
	// OnStage, when set, is called after each stage's output validates.
	// Job tracking uses it to surface sub-step progress while the unit is
	// still running.
	OnStage func(agentType string)
}

func (o RunOptions) notify(agentType string) {
	if o.OnStage != nil {
		o.OnStage(agentType)
	}
}

// StageOutcome describes what happened to one stage in a run.
type StageOutcome struct {
	AgentType string `json:"agent_type"`
	Skipped   bool   `json:"skipped"`
}

// Outcome is the per-unit result reported to the batch coordinator.
type Outcome struct {
	AccountID  uuid.UUID      `json:"account_id"`
	Stages     []StageOutcome `json:"stages"`
	MonthlyRan bool           `json:"monthly_ran"`
}

// AllSkipped reports a DuplicateSkip unit: every applicable stage already
// had an acceptable result and zero external calls were made.
func (o *Outcome) AllSkipped() bool {
	if len(o.Stages) == 0 {
		return false
	}
	for _, s := range o.Stages {
		if !s.Skipped {
			return false
		}
	}
	return true
}

// stagedResult is a validated stage output held in memory until commit.
// Nothing is persisted while any attempted stage might still fail.
type stagedResult struct {
	agentType string
	r         Range
	request   []byte
	response  json.RawMessage
	source    *metrics.Bundle
}

// stageError carries which stage broke so the terminal error row can name
// it after retries are exhausted.
type stageError struct {
	agentType string
	r         Range
	err       error
}

func (e *stageError) Error() string {
	return fmt.Sprintf("stage %s [%s..%s]: %v",
		e.agentType, e.r.Start.Format("2006-01-02"), e.r.End.Format("2006-01-02"), e.err)
}

func (e *stageError) Unwrap() error { return e.err }

// MonthlyEligible gates the monthly chain. The PMS-availability flag is
// configuration so environments and tests can vary it without recompiling.
func MonthlyEligible(cfg config.PipelineConfig, ref time.Time) bool {
	return cfg.PMSDataAvailable && ref.Day() >= cfg.MonthlyMinDay
}

// Run executes the whole unit under the per-unit retry policy: a transient
// failure in any stage forces a full re-run of previously attempted stages,
// because partial results are never trusted across attempts. Exhaustion
// records a terminal error row and returns the failure.
func (o *Orchestrator) Run(ctx context.Context, account *models.Account, opts RunOptions) (*Outcome, error) {
	outcome, err := retry.DoValue(ctx, fmt.Sprintf("pipeline %s", account.Domain),
		retry.Policy{MaxAttempts: o.cfg.UnitMaxAttempts, Delay: o.cfg.UnitRetryDelay},
		func(ctx context.Context) (*Outcome, error) {
			return o.runOnce(ctx, account, opts)
		})
	if err != nil {
		o.recordTerminalFailure(ctx, account, opts, err)
		return nil, err
	}
	return outcome, nil
}

func (o *Orchestrator) runOnce(ctx context.Context, account *models.Account, opts RunOptions) (*Outcome, error) {
	cred, err := o.creds.GetValidCredential(ctx, account.ID)
	if err != nil {
		return nil, err
	}

	ref := opts.ReferenceDate
	if ref.IsZero() {
		ref = o.now()
	}

	outcome := &Outcome{AccountID: account.ID}
	var staged []*stagedResult

	// Daily stage. Results are held in memory; nothing persists until every
	// attempted stage has validated.
	for _, r := range DailyRanges(ref) {
		sr, skipped, err := o.runDaily(ctx, account, cred, r, opts.Force)
		if err != nil {
			return nil, err
		}
		if skipped {
			outcome.Stages = append(outcome.Stages, StageOutcome{AgentType: agent.TypeDaily, Skipped: true})
			continue
		}
		outcome.Stages = append(outcome.Stages, StageOutcome{AgentType: agent.TypeDaily})
		staged = append(staged, sr)
		opts.notify(agent.TypeDaily)
	}

	// Monthly chain, gated by eligibility and the idempotency guard.
	monthly := PreviousMonth(ref)
	if MonthlyEligible(o.cfg, ref) {
		blocked := false
		if !opts.Force {
			blocked, err = o.guard.HasExistingResult(ctx, account.ID, agent.TypeSummary, monthly, BlockingStatuses)
			if err != nil {
				return nil, fmt.Errorf("monthly idempotency check: %w", err)
			}
		}
		if blocked {
			outcome.Stages = append(outcome.Stages, StageOutcome{AgentType: agent.TypeSummary, Skipped: true})
			slog.Info("monthly chain skipped, existing result found",
				"account_id", account.ID, "range_start", monthly.Start, "range_end", monthly.End)
		} else {
			monthlyStaged, err := o.runMonthlyChain(ctx, account, monthly, opts.notify)
			if err != nil {
				return nil, err
			}
			staged = append(staged, monthlyStaged...)
			for _, sr := range monthlyStaged {
				outcome.Stages = append(outcome.Stages, StageOutcome{AgentType: sr.agentType})
			}
			outcome.MonthlyRan = true
		}
	}

	if err := o.commit(ctx, account, opts.Force, staged); err != nil {
		return nil, err
	}

	// Best-effort side effect; must never fail the run.
	o.deriveTasks(ctx, account, staged)

	return outcome, nil
}

func (o *Orchestrator) runDaily(ctx context.Context, account *models.Account, cred string, r Range, force bool) (*stagedResult, bool, error) {
	if !force {
		exists, err := o.guard.HasExistingResult(ctx, account.ID, agent.TypeDaily, r, BlockingStatuses)
		if err != nil {
			return nil, false, fmt.Errorf("daily idempotency check: %w", err)
		}
		if exists {
			slog.Info("daily window skipped, existing result found",
				"account_id", account.ID, "range_start", r.Start)
			return nil, true, nil
		}
	}

	bundle, err := o.metrics.FetchMetrics(ctx, cred, account, r.Start, r.End)
	if err != nil {
		return nil, false, &stageError{agentType: agent.TypeDaily, r: r, err: err}
	}

	sr, err := o.invokeStage(ctx, account, agent.TypeDaily, r, map[string]any{"metrics": bundle})
	if err != nil {
		return nil, false, err
	}
	sr.source = bundle
	return sr, false, nil
}

// runMonthlyChain runs Summary, then Opportunity consuming only the Summary
// output, then the CRO optimizer under its own per-call retry, with a fixed
// delay between stages to respect upstream rate limits.
func (o *Orchestrator) runMonthlyChain(ctx context.Context, account *models.Account, monthly Range, notify func(string)) ([]*stagedResult, error) {
	summary, err := o.invokeStage(ctx, account, agent.TypeSummary, monthly, nil)
	if err != nil {
		return nil, err
	}
	notify(agent.TypeSummary)

	if err := o.sleep(ctx, o.cfg.InterStageDelay); err != nil {
		return nil, err
	}

	opportunity, err := o.invokeStage(ctx, account, agent.TypeOpportunity, monthly,
		map[string]any{"summary": summary.response})
	if err != nil {
		return nil, err
	}
	notify(agent.TypeOpportunity)

	if err := o.sleep(ctx, o.cfg.InterStageDelay); err != nil {
		return nil, err
	}

	cro, err := retry.DoValue(ctx, "cro_optimizer",
		retry.Policy{MaxAttempts: o.cfg.CallMaxAttempts, Delay: o.cfg.CallRetryDelay},
		func(ctx context.Context) (*stagedResult, error) {
			return o.invokeStage(ctx, account, agent.TypeCROOptimizer, monthly,
				map[string]any{"opportunities": opportunity.response})
		})
	if err != nil {
		return nil, err
	}
	notify(agent.TypeCROOptimizer)

	return []*stagedResult{summary, opportunity, cro}, nil
}

// invokeStage performs one agent call and the structural shape check. An
// invalid shape is a retryable failure exactly like a transport error, just
// logged under its own name.
func (o *Orchestrator) invokeStage(ctx context.Context, account *models.Account, agentType string, r Range, additional map[string]any) (*stagedResult, error) {
	payload := agent.Payload{
		Agent:     agentType,
		Domain:    account.Domain,
		AccountID: account.ID,
		DateRange: agent.DateRange{
			Start: r.Start.Format("2006-01-02"),
			End:   r.End.Format("2006-01-02"),
		},
		AdditionalData: additional,
	}

	raw, err := o.invoker.Invoke(ctx, agentType, payload)
	if err != nil {
		return nil, &stageError{agentType: agentType, r: r, err: err}
	}
	if !agent.IsStructurallyValid(raw) {
		slog.Warn("agent returned structurally empty output",
			"agent_type", agentType, "account_id", account.ID)
		return nil, &stageError{agentType: agentType, r: r, err: agent.ErrInvalidOutput}
	}

	request, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", agentType, err)
	}
	return &stagedResult{agentType: agentType, r: r, request: request, response: raw}, nil
}

// commit persists everything at once, after validation: source metrics rows
// first, then one result row per stage. Each insert is idempotency-checked
// again immediately beforehand to narrow the window against a concurrent
// duplicate trigger; the unique index closes it entirely by turning a lost
// race into ErrDuplicateKey, which is treated as a skip.
func (o *Orchestrator) commit(ctx context.Context, account *models.Account, force bool, staged []*stagedResult) error {
	now := o.now().UTC()

	for _, sr := range staged {
		if sr.source == nil || sr.source.IsEmpty() {
			continue
		}
		raw, err := json.Marshal(sr.source)
		if err != nil {
			return fmt.Errorf("marshal source metrics: %w", err)
		}
		err = o.store.CreateAgentResult(ctx, &models.AgentResult{
			ID:         uuid.New(),
			AccountID:  account.ID,
			AgentType:  AgentTypeSourceMetrics,
			RangeStart: sr.r.Start,
			RangeEnd:   sr.r.End,
			Response:   raw,
			Status:     models.AgentResultSuccess,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
		if err != nil && !errors.Is(err, store.ErrDuplicateKey) {
			return fmt.Errorf("persisting source metrics: %w", err)
		}
	}

	for _, sr := range staged {
		if !force {
			exists, err := o.guard.HasExistingResult(ctx, account.ID, sr.agentType, sr.r, BlockingStatuses)
			if err != nil {
				return fmt.Errorf("pre-insert idempotency check: %w", err)
			}
			if exists {
				slog.Info("concurrent duplicate detected before insert, skipping",
					"agent_type", sr.agentType, "account_id", account.ID)
				continue
			}
		}
		err := o.store.CreateAgentResult(ctx, &models.AgentResult{
			ID:         uuid.New(),
			AccountID:  account.ID,
			AgentType:  sr.agentType,
			RangeStart: sr.r.Start,
			RangeEnd:   sr.r.End,
			Request:    sr.request,
			Response:   sr.response,
			Status:     models.AgentResultSuccess,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
		if errors.Is(err, store.ErrDuplicateKey) {
			slog.Info("lost insert race to concurrent duplicate, skipping",
				"agent_type", sr.agentType, "account_id", account.ID)
			continue
		}
		if err != nil {
			return fmt.Errorf("persisting %s result: %w", sr.agentType, err)
		}
	}
	return nil
}

// recordTerminalFailure writes the unit's terminal error row once retries
// are exhausted. Failure to record is itself only logged; the run error is
// already propagating.
func (o *Orchestrator) recordTerminalFailure(ctx context.Context, account *models.Account, opts RunOptions, runErr error) {
	agentType := agent.TypeDaily
	r := DailyRanges(o.refDate(opts))[1]
	var se *stageError
	if errors.As(runErr, &se) {
		agentType = se.agentType
		r = se.r
	}

	msg := runErr.Error()
	now := o.now().UTC()
	err := o.store.CreateAgentResult(ctx, &models.AgentResult{
		ID:           uuid.New(),
		AccountID:    account.ID,
		AgentType:    agentType,
		RangeStart:   r.Start,
		RangeEnd:     r.End,
		Status:       models.AgentResultError,
		ErrorMessage: &msg,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		slog.Error("failed to record terminal pipeline failure",
			"account_id", account.ID, "agent_type", agentType, "error", err)
	}
}

func (o *Orchestrator) refDate(opts RunOptions) time.Time {
	if !opts.ReferenceDate.IsZero() {
		return opts.ReferenceDate
	}
	return o.now()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
