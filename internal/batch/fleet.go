// Package batch coordinates multi-unit runs: the fleet sweep over all
// active accounts and the grouped ranking batches. The two have opposite
// failure semantics, which is the whole reason they are separate types.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nikhilpatil/agentflow/internal/config"
	"github.com/nikhilpatil/agentflow/internal/pipeline"
	"github.com/nikhilpatil/agentflow/internal/store"
	"github.com/nikhilpatil/agentflow/pkg/models"
)

// Runner abstracts the per-account pipeline so coordinators can be tested
// without agents or a database.
type Runner interface {
	Run(ctx context.Context, account *models.Account, opts pipeline.RunOptions) (*pipeline.Outcome, error)
}

// AccountResult is the fleet outcome for one account.
type AccountResult struct {
	AccountID uuid.UUID         `json:"account_id"`
	Domain    string            `json:"domain"`
	Outcome   *pipeline.Outcome `json:"outcome,omitempty"`
	Error     string            `json:"error,omitempty"`
}

func (r *AccountResult) Failed() bool { return r.Error != "" }

// FleetReport summarizes one sweep over the fleet.
type FleetReport struct {
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Results    []AccountResult `json:"results"`
}

func (r *FleetReport) Counts() (succeeded, skipped, failed int) {
	for i := range r.Results {
		res := &r.Results[i]
		switch {
		case res.Failed():
			failed++
		case res.Outcome != nil && res.Outcome.AllSkipped():
			skipped++
		default:
			succeeded++
		}
	}
	return
}

// FleetCoordinator sweeps the pipeline across every active account,
// sequentially, with a pause between accounts to spread upstream load.
type FleetCoordinator struct {
	store  store.Store
	runner Runner
	cfg    config.PipelineConfig

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewFleetCoordinator(st store.Store, runner Runner, cfg config.PipelineConfig) *FleetCoordinator {
	return &FleetCoordinator{
		store:  st,
		runner: runner,
		cfg:    cfg,
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

// Run executes the fleet sweep in continue-on-error mode: one account
// failing, even after all its retries, never stops the remaining accounts.
// Only context cancellation aborts the sweep early.
func (c *FleetCoordinator) Run(ctx context.Context, opts pipeline.RunOptions) (*FleetReport, error) {
	accounts, err := c.store.ListActiveAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing active accounts: %w", err)
	}

	report := &FleetReport{StartedAt: c.now().UTC()}
	for i, account := range accounts {
		if i > 0 {
			if err := c.sleep(ctx, c.cfg.InterAccountDelay); err != nil {
				report.FinishedAt = c.now().UTC()
				return report, err
			}
		}
		report.Results = append(report.Results, c.runAccount(ctx, account, opts))
		if ctx.Err() != nil {
			report.FinishedAt = c.now().UTC()
			return report, ctx.Err()
		}
	}

	report.FinishedAt = c.now().UTC()
	succeeded, skipped, failed := report.Counts()
	slog.Info("fleet run finished",
		"accounts", len(accounts),
		"succeeded", succeeded,
		"skipped", skipped,
		"failed", failed,
	)
	return report, nil
}

// RunStrict is the all-or-nothing variant: the first account failure aborts
// the sweep and is returned, with the partial report for what already ran.
// Kept for operator-driven full reprocessing, where a half-finished sweep is
// worse than none.
func (c *FleetCoordinator) RunStrict(ctx context.Context, opts pipeline.RunOptions) (*FleetReport, error) {
	accounts, err := c.store.ListActiveAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing active accounts: %w", err)
	}

	report := &FleetReport{StartedAt: c.now().UTC()}
	for i, account := range accounts {
		if i > 0 {
			if err := c.sleep(ctx, c.cfg.InterAccountDelay); err != nil {
				report.FinishedAt = c.now().UTC()
				return report, err
			}
		}
		res := c.runAccount(ctx, account, opts)
		report.Results = append(report.Results, res)
		if res.Failed() {
			report.FinishedAt = c.now().UTC()
			return report, fmt.Errorf("account %s failed, aborting strict run: %s", account.Domain, res.Error)
		}
	}

	report.FinishedAt = c.now().UTC()
	return report, nil
}

func (c *FleetCoordinator) runAccount(ctx context.Context, account *models.Account, opts pipeline.RunOptions) AccountResult {
	res := AccountResult{AccountID: account.ID, Domain: account.Domain}
	outcome, err := c.runner.Run(ctx, account, opts)
	if err != nil {
		slog.Error("account pipeline failed",
			"account_id", account.ID,
			"domain", account.Domain,
			"error", err,
		)
		res.Error = err.Error()
		return res
	}
	res.Outcome = outcome
	return res
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
