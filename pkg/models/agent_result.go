package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	AgentResultSuccess = "success"
	AgentResultError   = "error"
	AgentResultPending = "pending"
)

// AgentResult is one row per (account, date range, agent type) combination.
// It stores the request sent to the external agent and the raw response, and
// doubles as the durable idempotency key: a non-error row for the same tuple
// means the work is already done or still under review.
type AgentResult struct {
	ID           uuid.UUID `db:"id"            json:"id"`
	AccountID    uuid.UUID `db:"account_id"    json:"account_id"`
	AgentType    string    `db:"agent_type"    json:"agent_type"`
	RangeStart   time.Time `db:"range_start"   json:"range_start"`
	RangeEnd     time.Time `db:"range_end"     json:"range_end"`
	Request      []byte    `db:"request"       json:"request,omitempty"`
	Response     []byte    `db:"response"      json:"response,omitempty"`
	Status       string    `db:"status"        json:"status"`
	ErrorMessage *string   `db:"error_message" json:"error_message,omitempty"`
	CreatedAt    time.Time `db:"created_at"    json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"    json:"updated_at"`
}
