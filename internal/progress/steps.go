// Package progress implements the step state machine for job progress
// records. It is pure: no network or datastore access, so every transition
// can be unit-tested by comparing records.
package progress

// Stage names, in pipeline order.
const (
	StepFileUpload    = "file_upload"
	StepPMSParser     = "pms_parser"
	StepAdminReview   = "admin_review"
	StepClientReview  = "client_review"
	StepDailyAgents   = "daily_agents"
	StepMonthlyAgents = "monthly_agents"
	StepFinalize      = "finalize"
)

// Sub-steps of the monthly_agents stage.
const (
	SubStepSummary      = "summary_agent"
	SubStepOpportunity  = "opportunity_agent"
	SubStepCROOptimizer = "cro_optimizer"
)

// StageDef is the static configuration of one pipeline stage. Progress for a
// job sitting in this stage is ProgressStart plus the active sub-step offset;
// it is a deterministic function of (stage, sub-step), never of elapsed time.
type StageDef struct {
	Name          string
	ProgressStart int
	ProgressEnd   int
	ApprovalGate  bool
	SubSteps      []SubStepDef
}

// SubStepDef is a named sub-stage with a progress offset inside the parent
// stage's band.
type SubStepDef struct {
	Name   string
	Offset int
}

// Stages is the static stage order. Index order is pipeline order.
var Stages = []StageDef{
	{Name: StepFileUpload, ProgressStart: 0, ProgressEnd: 10},
	{Name: StepPMSParser, ProgressStart: 10, ProgressEnd: 30},
	{Name: StepAdminReview, ProgressStart: 30, ProgressEnd: 40, ApprovalGate: true},
	{Name: StepClientReview, ProgressStart: 40, ProgressEnd: 50, ApprovalGate: true},
	{Name: StepDailyAgents, ProgressStart: 50, ProgressEnd: 60},
	{Name: StepMonthlyAgents, ProgressStart: 60, ProgressEnd: 95, SubSteps: []SubStepDef{
		{Name: SubStepSummary, Offset: 0},
		{Name: SubStepOpportunity, Offset: 12},
		{Name: SubStepCROOptimizer, Offset: 24},
	}},
	{Name: StepFinalize, ProgressStart: 95, ProgressEnd: 100},
}

var stageIndex = func() map[string]int {
	m := make(map[string]int, len(Stages))
	for i, s := range Stages {
		m[s.Name] = i
	}
	return m
}()

// StageDefFor returns the static definition for a stage name.
func StageDefFor(name string) (StageDef, bool) {
	i, ok := stageIndex[name]
	if !ok {
		return StageDef{}, false
	}
	return Stages[i], true
}

// NextStage returns the stage following name in the static order, or "" if
// name is the last stage or unknown.
func NextStage(name string) string {
	i, ok := stageIndex[name]
	if !ok || i+1 >= len(Stages) {
		return ""
	}
	return Stages[i+1].Name
}

// RequiredSubAgents lists the sub-agents that must appear in
// AgentsCompleted before a multi-agent stage may complete. Empty for
// single-agent stages.
func RequiredSubAgents(stage string) []string {
	def, ok := StageDefFor(stage)
	if !ok {
		return nil
	}
	names := make([]string, 0, len(def.SubSteps))
	for _, s := range def.SubSteps {
		names = append(names, s.Name)
	}
	return names
}

func subStepOffset(def StageDef, subStep string) int {
	for _, s := range def.SubSteps {
		if s.Name == subStep {
			return s.Offset
		}
	}
	return 0
}
