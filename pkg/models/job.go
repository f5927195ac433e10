// Package models contains shared data models used across the AgentFlow codebase.
package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusPending          = "pending"
	JobStatusProcessing       = "processing"
	JobStatusAwaitingApproval = "awaiting_approval"
	JobStatusCompleted        = "completed"
	JobStatusFailed           = "failed"
)

// Job kinds. An upload job runs the full pipeline from file_upload onwards;
// an agent-run job starts at daily_agents; a ranking job belongs to a batch.
const (
	JobTypeUpload   = "pms_upload"
	JobTypeAgentRun = "agent_run"
	JobTypeRanking  = "ranking"
)

// Job is one traceable unit of orchestrated work. The API returns a job id
// when work is accepted; the client polls GET /api/v1/jobs/{id}/status until
// status is completed or failed. Terminal jobs are immutable except through
// the operator retry action, which rewinds the progress record to a stage.
type Job struct {
	ID               uuid.UUID  `db:"id"                 json:"id"`
	AccountID        uuid.UUID  `db:"account_id"         json:"account_id"`
	BatchID          *uuid.UUID `db:"batch_id"           json:"batch_id,omitempty"`
	Type             string     `db:"type"               json:"type"`
	Status           string     `db:"status"             json:"status"`
	RangeStart       *time.Time `db:"range_start"        json:"range_start,omitempty"`
	RangeEnd         *time.Time `db:"range_end"          json:"range_end,omitempty"`
	IsAdminApproved  bool       `db:"is_admin_approved"  json:"is_admin_approved"`
	IsClientApproved bool       `db:"is_client_approved" json:"is_client_approved"`
	RawInput         []byte     `db:"raw_input"          json:"-"`
	ErrorMessage     *string    `db:"error_message"      json:"error_message,omitempty"`
	StartedAt        *time.Time `db:"started_at"         json:"started_at,omitempty"`
	CompletedAt      *time.Time `db:"completed_at"       json:"completed_at,omitempty"`
	CreatedAt        time.Time  `db:"created_at"         json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at"         json:"updated_at"`
}

// IsTerminal reports whether the job has reached a final state.
func (j *Job) IsTerminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}
