package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	TaskOpen = "open"
	TaskDone = "done"
)

// ActionTask is one action item derived from the opportunity or
// CRO-optimizer agent output. Task creation is best-effort: a failed insert
// is logged and never fails the pipeline run that produced it.
type ActionTask struct {
	ID          uuid.UUID `db:"id"          json:"id"`
	AccountID   uuid.UUID `db:"account_id"  json:"account_id"`
	SourceAgent string    `db:"source_agent" json:"source_agent"`
	Title       string    `db:"title"       json:"title"`
	Detail      string    `db:"detail"      json:"detail"`
	Status      string    `db:"status"      json:"status"`
	CreatedAt   time.Time `db:"created_at"  json:"created_at"`
}
