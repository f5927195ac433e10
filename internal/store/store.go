package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/nikhilpatil/agentflow/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// Store is the data access interface. All database operations go through
// here; it is the single durable source of truth (the Redis cache in front
// of it is read-through only).
type Store interface {
	Ping(ctx context.Context) error
	GetDefaultTenant(ctx context.Context) (*models.Tenant, error)

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, tenantID uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error

	GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error)
	ListActiveAccounts(ctx context.Context) ([]*models.Account, error)

	GetOAuthToken(ctx context.Context, accountID uuid.UUID) (*models.OAuthToken, error)
	SaveOAuthToken(ctx context.Context, token *models.OAuthToken) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error
	SetJobApproval(ctx context.Context, id uuid.UUID, approval string) error
	ListJobsByBatch(ctx context.Context, batchID uuid.UUID) ([]*models.Job, error)
	FailBatch(ctx context.Context, batchID uuid.UUID, errorMessage string) error

	LoadProgress(ctx context.Context, jobID uuid.UUID) (*models.ProgressRecord, error)
	SaveProgress(ctx context.Context, jobID uuid.UUID, rec *models.ProgressRecord) error

	HasAgentResult(ctx context.Context, accountID uuid.UUID, agentType string, rangeStart, rangeEnd time.Time, statuses []string) (bool, error)
	CreateAgentResult(ctx context.Context, result *models.AgentResult) error
	ListAgentResults(ctx context.Context, accountID uuid.UUID, agentType string) ([]*models.AgentResult, error)

	CreateActionTask(ctx context.Context, task *models.ActionTask) error
}

// Approval kinds accepted by SetJobApproval. Approvals are one-way: granting
// is the only supported transition.
const (
	ApprovalAdmin  = "admin"
	ApprovalClient = "client"
)

type jobUpdateParams struct {
	ErrorMessage *string
}

type JobUpdateOption func(*jobUpdateParams)

func WithErrorMessage(msg string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ErrorMessage = &msg
	}
}
