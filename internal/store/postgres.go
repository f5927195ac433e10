package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nikhilpatil/agentflow/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Tenants ---

func (s *PostgresStore) GetDefaultTenant(ctx context.Context) (*models.Tenant, error) {
	var t models.Tenant
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, created_at, updated_at FROM tenants WHERE name = 'default' LIMIT 1`,
	).Scan(&t.ID, &t.Name, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get default tenant: %w", err)
	}
	return &t, nil
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.TenantID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, tenant_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.TenantID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context, tenantID uuid.UUID) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE tenant_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.TenantID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL`, id, tenantID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Accounts ---

const accountColumns = `id, tenant_id, domain, analytics_property, search_site_url,
	business_location_id, active, onboarded_at, created_at, updated_at`

func (s *PostgresStore) GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	var a models.Account
	err := s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id,
	).Scan(&a.ID, &a.TenantID, &a.Domain, &a.AnalyticsProperty, &a.SearchSiteURL,
		&a.BusinessLocationID, &a.Active, &a.OnboardedAt, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &a, nil
}

func (s *PostgresStore) ListActiveAccounts(ctx context.Context) ([]*models.Account, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE active ORDER BY onboarded_at NULLS LAST, created_at`)
	if err != nil {
		return nil, fmt.Errorf("list active accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*models.Account
	for rows.Next() {
		var a models.Account
		if err := rows.Scan(&a.ID, &a.TenantID, &a.Domain, &a.AnalyticsProperty, &a.SearchSiteURL,
			&a.BusinessLocationID, &a.Active, &a.OnboardedAt, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, &a)
	}
	return accounts, rows.Err()
}

// --- OAuth tokens ---

func (s *PostgresStore) GetOAuthToken(ctx context.Context, accountID uuid.UUID) (*models.OAuthToken, error) {
	var t models.OAuthToken
	err := s.pool.QueryRow(ctx,
		`SELECT account_id, access_token, refresh_token, expiry, updated_at
		 FROM oauth_tokens WHERE account_id = $1`, accountID,
	).Scan(&t.AccountID, &t.AccessToken, &t.RefreshToken, &t.Expiry, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get oauth token: %w", err)
	}
	return &t, nil
}

func (s *PostgresStore) SaveOAuthToken(ctx context.Context, token *models.OAuthToken) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO oauth_tokens (account_id, access_token, refresh_token, expiry, updated_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 ON CONFLICT (account_id) DO UPDATE SET
		   access_token = EXCLUDED.access_token,
		   refresh_token = EXCLUDED.refresh_token,
		   expiry = EXCLUDED.expiry,
		   updated_at = NOW()`,
		token.AccountID, token.AccessToken, token.RefreshToken, token.Expiry)
	if err != nil {
		return fmt.Errorf("save oauth token: %w", err)
	}
	return nil
}

// --- Jobs ---

const jobColumns = `id, account_id, batch_id, type, status, range_start, range_end,
	is_admin_approved, is_client_approved, raw_input, error_message,
	started_at, completed_at, created_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.AccountID, &j.BatchID, &j.Type, &j.Status, &j.RangeStart, &j.RangeEnd,
		&j.IsAdminApproved, &j.IsClientApproved, &j.RawInput, &j.ErrorMessage,
		&j.StartedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, account_id, batch_id, type, status, range_start, range_end,
		   is_admin_approved, is_client_approved, raw_input, started_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		job.ID, job.AccountID, job.BatchID, job.Type, job.Status, job.RangeStart, job.RangeEnd,
		job.IsAdminApproved, job.IsClientApproved, job.RawInput, job.StartedAt,
		job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error {
	var params jobUpdateParams
	for _, opt := range opts {
		opt(&params)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET
		   status = $2,
		   error_message = COALESCE($3, error_message),
		   started_at = CASE WHEN $2 = 'processing' AND started_at IS NULL THEN NOW() ELSE started_at END,
		   completed_at = CASE WHEN $2 IN ('completed', 'failed') THEN NOW() ELSE completed_at END,
		   updated_at = NOW()
		 WHERE id = $1`,
		id, status, params.ErrorMessage)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetJobApproval(ctx context.Context, id uuid.UUID, approval string) error {
	column := ""
	switch approval {
	case ApprovalAdmin:
		column = "is_admin_approved"
	case ApprovalClient:
		column = "is_client_approved"
	default:
		return fmt.Errorf("unknown approval kind %q", approval)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET `+column+` = TRUE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("set job approval: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListJobsByBatch(ctx context.Context, batchID uuid.UUID) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE batch_id = $1 ORDER BY created_at, id`, batchID)
	if err != nil {
		return nil, fmt.Errorf("list jobs by batch: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// FailBatch rewrites every job in the batch, already-completed members
// included, to failed with a shared error message. One bulk UPDATE keeps the
// batch a single client-facing outcome.
func (s *PostgresStore) FailBatch(ctx context.Context, batchID uuid.UUID, errorMessage string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE jobs SET
		   status = 'failed',
		   error_message = $2,
		   completed_at = COALESCE(completed_at, NOW()),
		   progress = CASE WHEN progress IS NULL THEN NULL
		     ELSE jsonb_set(jsonb_set(progress, '{status}', '"failed"'), '{error}', to_jsonb($2::text))
		   END,
		   updated_at = NOW()
		 WHERE batch_id = $1`,
		batchID, errorMessage)
	if err != nil {
		return fmt.Errorf("fail batch: %w", err)
	}
	return nil
}

// --- Progress ---

func (s *PostgresStore) LoadProgress(ctx context.Context, jobID uuid.UUID) (*models.ProgressRecord, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT progress FROM jobs WHERE id = $1`, jobID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load progress: %w", err)
	}
	if len(raw) == 0 {
		return nil, ErrNotFound
	}
	return normalizeProgress(raw)
}

func (s *PostgresStore) SaveProgress(ctx context.Context, jobID uuid.UUID, rec *models.ProgressRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET progress = $2, updated_at = NOW() WHERE id = $1`, jobID, raw)
	if err != nil {
		return fmt.Errorf("save progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// normalizeProgress tolerates the stored value being either a JSON object or
// a doubly-encoded JSON string (legacy writers serialized the record before
// handing it to the driver).
func normalizeProgress(raw []byte) (*models.ProgressRecord, error) {
	var rec models.ProgressRecord
	if err := json.Unmarshal(raw, &rec); err == nil {
		return &rec, nil
	}
	var inner string
	if err := json.Unmarshal(raw, &inner); err != nil {
		return nil, fmt.Errorf("progress column is neither object nor string: %w", err)
	}
	if err := json.Unmarshal([]byte(inner), &rec); err != nil {
		return nil, fmt.Errorf("decode stringified progress: %w", err)
	}
	return &rec, nil
}

// --- Agent results ---

func (s *PostgresStore) HasAgentResult(ctx context.Context, accountID uuid.UUID, agentType string, rangeStart, rangeEnd time.Time, statuses []string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM agent_results
		   WHERE account_id = $1 AND agent_type = $2
		     AND range_start = $3 AND range_end = $4
		     AND status = ANY($5)
		 )`,
		accountID, agentType, rangeStart, rangeEnd, statuses).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("has agent result: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) CreateAgentResult(ctx context.Context, result *models.AgentResult) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agent_results (id, account_id, agent_type, range_start, range_end,
		   request, response, status, error_message, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		result.ID, result.AccountID, result.AgentType, result.RangeStart, result.RangeEnd,
		result.Request, result.Response, result.Status, result.ErrorMessage,
		result.CreatedAt, result.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create agent result: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAgentResults(ctx context.Context, accountID uuid.UUID, agentType string) ([]*models.AgentResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, agent_type, range_start, range_end, request, response,
		   status, error_message, created_at, updated_at
		 FROM agent_results
		 WHERE account_id = $1 AND agent_type = $2
		 ORDER BY range_start DESC, created_at DESC`, accountID, agentType)
	if err != nil {
		return nil, fmt.Errorf("list agent results: %w", err)
	}
	defer rows.Close()

	var results []*models.AgentResult
	for rows.Next() {
		var r models.AgentResult
		if err := rows.Scan(&r.ID, &r.AccountID, &r.AgentType, &r.RangeStart, &r.RangeEnd,
			&r.Request, &r.Response, &r.Status, &r.ErrorMessage, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan agent result: %w", err)
		}
		results = append(results, &r)
	}
	return results, rows.Err()
}

// --- Action tasks ---

func (s *PostgresStore) CreateActionTask(ctx context.Context, task *models.ActionTask) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO action_tasks (id, account_id, source_agent, title, detail, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		task.ID, task.AccountID, task.SourceAgent, task.Title, task.Detail, task.Status, task.CreatedAt)
	if err != nil {
		return fmt.Errorf("create action task: %w", err)
	}
	return nil
}

func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

var _ Store = (*PostgresStore)(nil)
