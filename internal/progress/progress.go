package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/nikhilpatil/agentflow/pkg/models"
)

var (
	ErrUnknownStep         = errors.New("unknown pipeline step")
	ErrSubAgentsIncomplete = errors.New("not all required sub-agents have completed")
)

// timeNow is stubbed in tests for deterministic timestamps.
var timeNow = time.Now

// Update describes one requested transition of a progress record.
type Update struct {
	Step           string
	SubStep        string
	StepStatus     string
	AgentCompleted string
	CustomMessage  string
}

// NewRecord builds the initial progress record for a job starting at
// startStep. Every stage is pre-populated as pending so polling clients see
// the whole pipeline from the first poll.
func NewRecord(startStep string) (*models.ProgressRecord, error) {
	def, ok := StageDefFor(startStep)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStep, startStep)
	}
	now := timeNow().UTC()
	rec := &models.ProgressRecord{
		Status:      models.JobStatusProcessing,
		CurrentStep: startStep,
		Message:     MessageFor(startStep, ""),
		Progress:    def.ProgressStart,
		Steps:       make(map[string]*models.StepDetail, len(Stages)),
		StartedAt:   now,
	}
	for _, s := range Stages {
		rec.Steps[s.Name] = &models.StepDetail{Status: models.StepPending}
	}
	d := rec.Step(startStep)
	d.Status = models.StepProcessing
	d.StartedAt = &now
	return rec, nil
}

// Apply mutates rec according to upd. Progress is recomputed as the stage's
// band start plus the active sub-step offset; it never moves backwards
// except through ResetToStep.
func Apply(rec *models.ProgressRecord, upd Update) error {
	def, ok := StageDefFor(upd.Step)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownStep, upd.Step)
	}
	now := timeNow().UTC()
	d := rec.Step(upd.Step)

	if upd.AgentCompleted != "" {
		appendAgent(d, upd.AgentCompleted)
	}

	switch upd.StepStatus {
	case models.StepProcessing:
		if d.StartedAt == nil {
			d.StartedAt = &now
		}
		d.Status = models.StepProcessing
		d.SubStep = upd.SubStep
		rec.Status = models.JobStatusProcessing
		rec.CurrentStep = upd.Step
		rec.CurrentSubStep = upd.SubStep
		setProgress(rec, def.ProgressStart+subStepOffset(def, upd.SubStep))

	case models.StepCompleted:
		if missing := missingSubAgents(upd.Step, d); len(missing) > 0 {
			return fmt.Errorf("%w: %s missing %v", ErrSubAgentsIncomplete, upd.Step, missing)
		}
		d.Status = models.StepCompleted
		d.SubStep = ""
		d.CompletedAt = &now
		setProgress(rec, def.ProgressEnd)
		if NextStage(upd.Step) == "" {
			rec.Status = models.JobStatusCompleted
			rec.CompletedAt = &now
		}

	case models.StepFailed:
		d.Status = models.StepFailed
		d.Error = upd.CustomMessage
		rec.Status = models.JobStatusFailed
		if upd.CustomMessage != "" {
			rec.Error = upd.CustomMessage
		}

	case models.StepSkipped:
		d.Status = models.StepSkipped
		d.CompletedAt = &now
		setProgress(rec, def.ProgressEnd)

	case "":
		// Sub-step or message-only update.
		if upd.SubStep != "" {
			d.SubStep = upd.SubStep
			rec.CurrentSubStep = upd.SubStep
			setProgress(rec, def.ProgressStart+subStepOffset(def, upd.SubStep))
		}

	default:
		return fmt.Errorf("invalid step status %q", upd.StepStatus)
	}

	if upd.CustomMessage != "" {
		rec.Message = upd.CustomMessage
	} else {
		rec.Message = MessageFor(upd.Step, upd.SubStep)
	}
	return nil
}

// CompleteStep marks current completed and, when next is non-empty, opens
// the next stage: pending plus awaiting_approval for approval gates,
// processing for automatic stages.
func CompleteStep(rec *models.ProgressRecord, current, next string) error {
	if err := Apply(rec, Update{Step: current, StepStatus: models.StepCompleted}); err != nil {
		return err
	}
	if next == "" {
		return nil
	}
	def, ok := StageDefFor(next)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownStep, next)
	}
	if def.ApprovalGate {
		SetAwaitingApproval(rec, next)
		return nil
	}
	return Apply(rec, Update{Step: next, StepStatus: models.StepProcessing})
}

// SetAwaitingApproval parks the record at an approval gate: the gate stage
// stays pending and the top-level status flips to awaiting_approval, so no
// step is processing while a human decision is outstanding.
func SetAwaitingApproval(rec *models.ProgressRecord, step string) {
	def, ok := StageDefFor(step)
	if !ok {
		return
	}
	d := rec.Step(step)
	d.Status = models.StepPending
	rec.Status = models.JobStatusAwaitingApproval
	rec.CurrentStep = step
	rec.CurrentSubStep = ""
	rec.Message = MessageFor(step, "")
	setProgress(rec, def.ProgressStart)
}

// ResetToStep rewinds the record for a manual retry: step becomes processing
// with a fresh StartedAt, every later stage returns to pending, accumulated
// sub-agent completions are cleared, and error/completedAt/summary are
// wiped. This is the only sanctioned way to regress progress.
func ResetToStep(rec *models.ProgressRecord, step string) error {
	idx, ok := stageIndex[step]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownStep, step)
	}
	now := timeNow().UTC()
	for i := idx; i < len(Stages); i++ {
		d := rec.Step(Stages[i].Name)
		d.Status = models.StepPending
		d.SubStep = ""
		d.AgentsCompleted = nil
		d.StartedAt = nil
		d.CompletedAt = nil
		d.Error = ""
	}
	d := rec.Step(step)
	d.Status = models.StepProcessing
	d.StartedAt = &now

	rec.Status = models.JobStatusProcessing
	rec.CurrentStep = step
	rec.CurrentSubStep = ""
	rec.Message = MessageFor(step, "")
	rec.Progress = Stages[idx].ProgressStart
	rec.Error = ""
	rec.Summary = nil
	rec.CompletedAt = nil
	return nil
}

// setProgress enforces monotonicity outside of resets: a recomputed value
// lower than the current one is ignored.
func setProgress(rec *models.ProgressRecord, p int) {
	if p > 100 {
		p = 100
	}
	if p > rec.Progress {
		rec.Progress = p
	}
}

func appendAgent(d *models.StepDetail, name string) {
	for _, a := range d.AgentsCompleted {
		if a == name {
			return
		}
	}
	d.AgentsCompleted = append(d.AgentsCompleted, name)
}

func missingSubAgents(stage string, d *models.StepDetail) []string {
	var missing []string
	for _, req := range RequiredSubAgents(stage) {
		found := false
		for _, a := range d.AgentsCompleted {
			if a == req {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, req)
		}
	}
	return missing
}
