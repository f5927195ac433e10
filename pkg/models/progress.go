package models

import "time"

// Step statuses, distinct from job statuses: a step can additionally be
// skipped (idempotency guard found an existing result).
const (
	StepPending    = "pending"
	StepProcessing = "processing"
	StepCompleted  = "completed"
	StepFailed     = "failed"
	StepSkipped    = "skipped"
)

// StepDetail is the per-stage record inside a ProgressRecord. For the
// multi-agent stage it additionally tracks which sub-agents have finished;
// AgentsCompleted preserves insertion order and never holds duplicates.
type StepDetail struct {
	Status          string     `json:"status"`
	SubStep         string     `json:"subStep,omitempty"`
	AgentsCompleted []string   `json:"agentsCompleted,omitempty"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	Error           string     `json:"error,omitempty"`
}

// ProgressRecord is the state-machine snapshot attached to a Job, persisted
// as a JSON column and returned verbatim to polling clients. Progress is
// monotonically non-decreasing while Status != failed; only a reset may
// regress it.
type ProgressRecord struct {
	Status         string                 `json:"status"`
	CurrentStep    string                 `json:"currentStep"`
	CurrentSubStep string                 `json:"currentSubStep,omitempty"`
	Message        string                 `json:"message"`
	Progress       int                    `json:"progress"`
	Steps          map[string]*StepDetail `json:"steps"`
	Summary        map[string]any         `json:"summary,omitempty"`
	Error          string                 `json:"error,omitempty"`
	StartedAt      time.Time              `json:"startedAt"`
	CompletedAt    *time.Time             `json:"completedAt,omitempty"`
}

// Step returns the detail record for a stage, creating it if absent.
func (p *ProgressRecord) Step(name string) *StepDetail {
	if p.Steps == nil {
		p.Steps = make(map[string]*StepDetail)
	}
	d, ok := p.Steps[name]
	if !ok {
		d = &StepDetail{Status: StepPending}
		p.Steps[name] = d
	}
	return d
}
